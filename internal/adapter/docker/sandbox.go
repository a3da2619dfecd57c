package docker

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"os"
	"os/exec"
	"path"
	"path/filepath"
	"strings"

	"github.com/moru-ai/shadow/internal/port/sandbox"
)

// Sandbox is one Docker container plus its host-mounted workspace.
type Sandbox struct {
	containerID string
	name        string
	workspace   string // path inside the container
	hostDir     string // bind-mount source on the host
}

// ID returns the container ID.
func (s *Sandbox) ID() string { return s.containerID }

// Workspace returns the workspace path inside the container.
func (s *Sandbox) Workspace() string { return s.workspace }

// HostWorkspace returns the host-side bind mount of the workspace.
func (s *Sandbox) HostWorkspace() string { return s.hostDir }

// StartProcess launches cmd inside the container via docker exec with
// piped standard streams.
func (s *Sandbox) StartProcess(ctx context.Context, cmdline string, env map[string]string) (sandbox.Process, error) {
	args := []string{"exec", "-i"}
	for k, v := range env {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, v))
	}
	args = append(args, s.containerID)
	args = append(args, strings.Fields(cmdline)...)

	cmd := exec.CommandContext(ctx, "docker", args...) //nolint:gosec // G204: docker args are constructed internally, not from user input

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start agent process: %w", err)
	}

	return &process{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

// hostPath maps a path inside the container onto the host mirror.
func (s *Sandbox) hostPath(path string) (string, error) {
	rel, err := filepath.Rel(s.workspace, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("path %s is outside workspace %s", path, s.workspace)
	}
	return filepath.Join(s.hostDir, rel), nil
}

// ReadFile returns the contents of a workspace file.
func (s *Sandbox) ReadFile(_ context.Context, path string) ([]byte, error) {
	hp, err := s.hostPath(path)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(hp) //nolint:gosec // G304: path is confined to the workspace mount
}

// WriteFile writes contents to a workspace file.
func (s *Sandbox) WriteFile(_ context.Context, path string, data []byte) error {
	hp, err := s.hostPath(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(hp), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	return os.WriteFile(hp, data, 0o644) //nolint:gosec // G306: agent tooling inside the container reads these files
}

// Walk visits every entry under root in the workspace. Paths passed to
// fn are sandbox-side, not host-side.
func (s *Sandbox) Walk(_ context.Context, root string, fn fs.WalkDirFunc) error {
	hp, err := s.hostPath(root)
	if err != nil {
		return err
	}
	return filepath.WalkDir(hp, func(p string, d fs.DirEntry, walkErr error) error {
		rel, relErr := filepath.Rel(hp, p)
		if relErr != nil {
			return relErr
		}
		return fn(path.Join(root, filepath.ToSlash(rel)), d, walkErr)
	})
}

// Remove force-removes the container and deletes the host workspace
// mirror. The workspace content survives only through archives.
func (s *Sandbox) Remove(ctx context.Context) error {
	if _, err := runDocker(ctx, "rm", "-f", s.containerID); err != nil {
		return fmt.Errorf("sandbox remove: %w", err)
	}
	if err := os.RemoveAll(s.hostDir); err != nil {
		return fmt.Errorf("workspace cleanup: %w", err)
	}
	return nil
}

// process wraps a docker exec invocation.
type process struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.Reader
}

func (p *process) Stdin() io.WriteCloser { return p.stdin }
func (p *process) Stdout() io.Reader     { return p.stdout }
func (p *process) Wait() error           { return p.cmd.Wait() }
func (p *process) Kill() error           { return p.cmd.Process.Kill() }
