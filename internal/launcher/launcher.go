// Package launcher abstracts how tenant child processes are started.
// The instance layer talks to a Process regardless of whether the
// child runs as a plain OS process or inside a container.
package launcher

import (
	"context"
	"io"
	"os"
)

// Spec describes one child process to start.
type Spec struct {
	Command string
	Args    []string
	Env     []string // KEY=VALUE pairs appended to the base environment
	Dir     string
}

// Process is a running child with attached stdio.
type Process interface {
	// Stdin is the child's standard input. Closing it asks the child
	// to exit cleanly.
	Stdin() io.WriteCloser

	// Stdout is the child's standard output stream.
	Stdout() io.Reader

	// Stderr is the child's standard error stream.
	Stderr() io.Reader

	// Wait blocks until the child exits and returns its exit code.
	// It may be called at most once.
	Wait() (int, error)

	// Signal delivers a signal to the child.
	Signal(sig os.Signal) error

	// Kill terminates the child immediately.
	Kill() error
}

// Launcher starts child processes.
type Launcher interface {
	Start(ctx context.Context, spec Spec) (Process, error)

	// Ping verifies the launcher's backend is reachable.
	Ping(ctx context.Context) error

	// Name identifies the launcher implementation.
	Name() string

	Close() error
}
