package process

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Command describes a plugin executable to spawn. It is an immutable value:
// mutating helpers return new Commands, and accessors copy the slices and
// maps they hand out.
type Command struct {
	executable string
	args       []string
	workingDir string
	env        map[string]string
}

// NewCommand creates a Command for the given executable. Plugins negotiate
// everything post-spawn over stdio, so args are normally empty; they exist
// for out-of-band invocations like --help.
func NewCommand(executable string, args ...string) (Command, error) {
	if executable == "" {
		return Command{}, fmt.Errorf("executable cannot be empty")
	}

	workingDir, err := os.Getwd()
	if err != nil {
		workingDir = "."
	}

	return Command{
		executable: executable,
		args:       append([]string(nil), args...),
		workingDir: workingDir,
		env:        make(map[string]string),
	}, nil
}

// Executable returns the path of the binary to run.
func (c Command) Executable() string {
	return c.executable
}

// Args returns a copy of the argument list.
func (c Command) Args() []string {
	return append([]string(nil), c.args...)
}

// WorkingDir returns the directory the process starts in.
func (c Command) WorkingDir() string {
	return c.workingDir
}

// Env returns a copy of the extra environment variables.
func (c Command) Env() map[string]string {
	envCopy := make(map[string]string, len(c.env))
	for k, v := range c.env {
		envCopy[k] = v
	}
	return envCopy
}

// WithEnv returns a new Command with one additional environment variable.
func (c Command) WithEnv(key, value string) Command {
	newEnv := c.Env()
	newEnv[key] = value

	return Command{
		executable: c.executable,
		args:       append([]string(nil), c.args...),
		workingDir: c.workingDir,
		env:        newEnv,
	}
}

// WithWorkingDir returns a new Command that starts in workingDir.
func (c Command) WithWorkingDir(workingDir string) Command {
	return Command{
		executable: c.executable,
		args:       append([]string(nil), c.args...),
		workingDir: workingDir,
		env:        c.Env(),
	}
}

// String renders the command line for logs.
func (c Command) String() string {
	if len(c.args) == 0 {
		return c.executable
	}
	return fmt.Sprintf("%s %s", c.executable, strings.Join(c.args, " "))
}

// IsValid checks the command can plausibly be spawned.
func (c Command) IsValid() error {
	if c.executable == "" {
		return fmt.Errorf("executable cannot be empty")
	}

	if filepath.IsAbs(c.workingDir) {
		if stat, err := os.Stat(c.workingDir); err != nil || !stat.IsDir() {
			return fmt.Errorf("working directory does not exist: %s", c.workingDir)
		}
	}

	return nil
}
