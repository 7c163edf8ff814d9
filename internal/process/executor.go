package process

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// OSExecutor spawns real child processes with piped stdio.
type OSExecutor struct {
	env []string
}

// NewOSExecutor returns an executor whose children inherit the host
// environment plus any per-command variables.
func NewOSExecutor() *OSExecutor {
	return &OSExecutor{env: os.Environ()}
}

// Execute starts cmd and returns a handle once the process is confirmed
// started. The pipes are created by hand rather than through StdinPipe and
// friends: exec.Cmd closes its own pipes inside Wait, which can discard a
// reply the child wrote just before exiting. With plain os.Pipe ends the
// reaper never touches the host-side descriptors, so a reader always drains
// buffered bytes down to a true EOF.
func (e *OSExecutor) Execute(ctx context.Context, cmd Command) (Process, error) {
	execCmd := exec.CommandContext(ctx, cmd.Executable(), cmd.Args()...)

	if cmd.WorkingDir() != "" {
		execCmd.Dir = cmd.WorkingDir()
	}
	execCmd.Env = e.buildEnvironment(cmd.Env())

	// Context cancellation delivers SIGTERM instead of the default hard
	// kill; WaitDelay bounds how long a child may ignore it before the
	// runtime escalates. Either way nothing is left orphaned.
	execCmd.Cancel = func() error {
		return execCmd.Process.Signal(syscall.SIGTERM)
	}
	execCmd.WaitDelay = 3 * time.Second

	stdinR, stdinW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("failed to create stdin pipe: %w", err)
	}
	stdoutR, stdoutW, err := os.Pipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		return nil, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderrR, stderrW, err := os.Pipe()
	if err != nil {
		stdinR.Close()
		stdinW.Close()
		stdoutR.Close()
		stdoutW.Close()
		return nil, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	execCmd.Stdin = stdinR
	execCmd.Stdout = stdoutW
	execCmd.Stderr = stderrW

	if err := execCmd.Start(); err != nil {
		stdinR.Close()
		stdinW.Close()
		stdoutR.Close()
		stdoutW.Close()
		stderrR.Close()
		stderrW.Close()
		return nil, fmt.Errorf("failed to start process: %w", err)
	}

	// The child holds its own duplicates of these ends now.
	stdinR.Close()
	stdoutW.Close()
	stderrW.Close()

	proc := &osProcess{
		cmd:      execCmd,
		stdin:    stdinW,
		stdout:   stdoutR,
		stderr:   stderrR,
		running:  true,
		exitCode: -1,
		done:     make(chan struct{}),
	}
	go proc.monitor()

	return proc, nil
}

func (e *OSExecutor) buildEnvironment(cmdEnv map[string]string) []string {
	env := append([]string(nil), e.env...)
	for key, value := range cmdEnv {
		env = append(env, fmt.Sprintf("%s=%s", key, value))
	}
	return env
}

// osProcess implements Process over exec.Cmd.
type osProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser

	mu       sync.RWMutex
	running  bool
	exitCode int
	waitErr  error
	done     chan struct{}
}

func (p *osProcess) PID() int {
	if p.cmd == nil || p.cmd.Process == nil {
		return -1
	}
	return p.cmd.Process.Pid
}

func (p *osProcess) Stdin() io.WriteCloser { return p.stdin }

func (p *osProcess) Stdout() io.ReadCloser { return p.stdout }

func (p *osProcess) Stderr() io.ReadCloser { return p.stderr }

func (p *osProcess) Wait() error {
	<-p.done
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.waitErr
}

func (p *osProcess) Done() <-chan struct{} { return p.done }

func (p *osProcess) Signal(sig Signal) error {
	if p.cmd == nil || p.cmd.Process == nil {
		return fmt.Errorf("process not running")
	}
	return p.cmd.Process.Signal(convertSignal(sig))
}

func (p *osProcess) Kill() error {
	if p.cmd == nil || p.cmd.Process == nil {
		return fmt.Errorf("process not running")
	}

	// Closing stdin first gives a well-behaved plugin its EOF.
	if p.stdin != nil {
		p.stdin.Close()
	}

	return p.cmd.Process.Kill()
}

// Close releases the host-side pipe ends. Callers close only after they are
// done reading; a blocked read elsewhere would otherwise fail instead of
// reaching EOF.
func (p *osProcess) Close() error {
	if p.stdin != nil {
		p.stdin.Close()
	}
	if p.stdout != nil {
		p.stdout.Close()
	}
	if p.stderr != nil {
		p.stderr.Close()
	}
	return nil
}

func (p *osProcess) IsRunning() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.running
}

func (p *osProcess) ExitCode() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.exitCode
}

func convertSignal(sig Signal) os.Signal {
	switch sig {
	case SignalTerminate:
		return syscall.SIGTERM
	case SignalInterrupt:
		return syscall.SIGINT
	case SignalKill:
		return syscall.SIGKILL
	default:
		return syscall.SIGTERM
	}
}

// monitor reaps the child and records its exit. It never closes the
// host-side pipe ends; the child's exit is what produces EOF for readers.
func (p *osProcess) monitor() {
	err := p.cmd.Wait()

	p.mu.Lock()
	p.running = false
	p.waitErr = err

	if exitError, ok := err.(*exec.ExitError); ok {
		p.exitCode = exitError.ExitCode()
	} else if err == nil {
		p.exitCode = 0
	} else {
		p.exitCode = -1
	}
	p.mu.Unlock()

	close(p.done)
}
