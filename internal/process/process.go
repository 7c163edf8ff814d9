package process

import (
	"context"
	"io"
)

// Signal names the subset of OS signals the supervisor uses for teardown.
type Signal int

const (
	SignalTerminate Signal = iota // SIGTERM
	SignalInterrupt               // SIGINT
	SignalKill                    // SIGKILL
)

// Process is a running plugin child. The supervisor exclusively owns the
// handle and both pipe ends; nothing else reads or writes them directly.
type Process interface {
	// PID returns the OS process ID, or -1 if unavailable.
	PID() int

	// Stdin is the host-to-plugin byte stream.
	Stdin() io.WriteCloser

	// Stdout is the plugin-to-host byte stream.
	Stdout() io.ReadCloser

	// Stderr carries the plugin's diagnostic output; the supervisor drains
	// it so the plugin never blocks on a full pipe.
	Stderr() io.ReadCloser

	// Wait blocks until the process exits and returns its wait error, if any.
	Wait() error

	// Done is closed once the process has exited, for select-based waits.
	Done() <-chan struct{}

	// Signal delivers sig to the process.
	Signal(sig Signal) error

	// Kill forcefully terminates the process, closing stdin first.
	Kill() error

	// Close releases the host-side pipe ends once reading is finished.
	Close() error

	// IsRunning reports whether the process is still alive.
	IsRunning() bool

	// ExitCode returns the exit code once the process has finished, -1 before.
	ExitCode() int
}

// Executor spawns plugin processes.
type Executor interface {
	Execute(ctx context.Context, cmd Command) (Process, error)
}
