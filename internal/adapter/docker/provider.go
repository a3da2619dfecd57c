// Package docker implements the sandbox port using the Docker CLI. Each
// task gets one container with its workspace bind-mounted from a
// host-side directory, so the orchestrator can tail logs and watch for
// filesystem changes without round-tripping through the container.
package docker

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/moru-ai/shadow/internal/config"
	"github.com/moru-ai/shadow/internal/port/sandbox"
)

// Provider creates and reconnects Docker-backed sandboxes.
type Provider struct {
	cfg config.Sandbox
	// WorkspacesDir is the host directory holding per-task workspace
	// mounts.
	workspacesDir string
}

// NewProvider creates a Provider. workspacesDir must be writable.
func NewProvider(cfg config.Sandbox, workspacesDir string) *Provider {
	return &Provider{cfg: cfg, workspacesDir: workspacesDir}
}

// Create provisions a fresh container for the task with the workspace
// bind-mounted from the host.
func (p *Provider) Create(ctx context.Context, spec sandbox.Spec) (sandbox.Sandbox, error) {
	hostDir := filepath.Join(p.workspacesDir, spec.TaskID)
	if err := os.MkdirAll(hostDir, 0o755); err != nil {
		return nil, fmt.Errorf("workspace dir: %w", err)
	}

	name := containerName(spec.TaskID)
	args := []string{
		"run", "-d",
		"--name", name,
		fmt.Sprintf("--memory=%dm", spec.MemoryMB),
		fmt.Sprintf("--cpus=%d", spec.CPUQuota/1000),
		fmt.Sprintf("--pids-limit=%d", spec.PidsLimit),
		"--security-opt=no-new-privileges",
		"-v", fmt.Sprintf("%s:%s", hostDir, spec.Workspace),
		spec.Image,
		"sleep", "infinity", // keep the container alive for docker exec
	}

	out, err := runDocker(ctx, args...)
	if err != nil {
		return nil, fmt.Errorf("sandbox create: %w", err)
	}

	return &Sandbox{
		containerID: strings.TrimSpace(out),
		name:        name,
		workspace:   spec.Workspace,
		hostDir:     hostDir,
	}, nil
}

// Connect reattaches to the task's container, if one is still running.
func (p *Provider) Connect(ctx context.Context, taskID string) (sandbox.Sandbox, error) {
	name := containerName(taskID)
	out, err := runDocker(ctx, "inspect", "--format",
		"{{.State.Running}}\t{{.Id}}", name)
	if err != nil {
		return nil, fmt.Errorf("sandbox connect: %w", err)
	}

	fields := strings.SplitN(strings.TrimSpace(out), "\t", 2)
	if len(fields) != 2 || fields[0] != "true" {
		return nil, fmt.Errorf("sandbox %s is not running", name)
	}

	return &Sandbox{
		containerID: fields[1],
		name:        name,
		workspace:   p.cfg.Workspace,
		hostDir:     filepath.Join(p.workspacesDir, taskID),
	}, nil
}

const namePrefix = "shadow-"

func containerName(taskID string) string {
	return namePrefix + taskID
}

// runDocker executes a docker command and returns stdout.
func runDocker(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "docker", args...) //nolint:gosec // G204: docker args are constructed internally, not from user input

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s: %w", strings.TrimSpace(stderr.String()), err)
	}
	return stdout.String(), nil
}
