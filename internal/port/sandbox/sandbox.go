// Package sandbox defines the port for ephemeral remote execution units.
package sandbox

import (
	"context"
	"io"
	"io/fs"
)

// Spec describes the sandbox to create.
type Spec struct {
	TaskID    string
	Image     string
	Workspace string
	MemoryMB  int
	CPUQuota  int
	PidsLimit int
}

// Provider creates or reconnects sandboxes.
type Provider interface {
	// Create provisions a fresh sandbox for the task.
	Create(ctx context.Context, spec Spec) (Sandbox, error)

	// Connect reattaches to the task's existing sandbox. Returns an error
	// when none is running.
	Connect(ctx context.Context, taskID string) (Sandbox, error)
}

// Sandbox is one ephemeral, isolated compute unit hosting a task's
// workspace and agent subprocess.
type Sandbox interface {
	// ID is the provider's identity for this sandbox.
	ID() string

	// Workspace is the workspace root path inside the sandbox.
	Workspace() string

	// HostWorkspace is a host-visible mirror of the workspace root, used
	// by the filesystem watcher. Providers back it with a bind mount.
	HostWorkspace() string

	// StartProcess launches a command inside the sandbox with the given
	// environment and returns handles to its standard streams.
	StartProcess(ctx context.Context, cmd string, env map[string]string) (Process, error)

	// ReadFile returns the full contents of a file inside the sandbox, or
	// fs.ErrNotExist when the path is missing.
	ReadFile(ctx context.Context, path string) ([]byte, error)

	// WriteFile writes contents to a file inside the sandbox.
	WriteFile(ctx context.Context, path string, data []byte) error

	// Walk visits every entry under root inside the sandbox. Paths passed
	// to fn are sandbox-side.
	Walk(ctx context.Context, root string, fn fs.WalkDirFunc) error

	// Remove tears the sandbox down and releases its resources.
	Remove(ctx context.Context) error
}

// Process is a running subprocess inside a sandbox.
type Process interface {
	// Stdin is the process's standard input stream.
	Stdin() io.WriteCloser

	// Stdout is the process's standard output stream.
	Stdout() io.Reader

	// Wait blocks until the process exits.
	Wait() error

	// Kill forcibly terminates the process. Last resort during teardown;
	// the normal path is a cooperative process_stop control message.
	Kill() error
}
