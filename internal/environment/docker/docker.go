package docker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spachava753/stepbench/internal/environment"
)

// DefaultWorkDir is the workspace path inside the container when none is configured.
const DefaultWorkDir = "/workspace"

// Provider implements the Docker environment provider.
type Provider struct {
	// Binary is the docker CLI to invoke; defaults to "docker".
	Binary string
}

// NewProvider creates a new Docker provider.
func NewProvider() *Provider {
	return &Provider{Binary: "docker"}
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "docker"
}

func (p *Provider) bin() string {
	if p.Binary == "" {
		return "docker"
	}
	return p.Binary
}

// Prepare pulls the image unless it is already present locally.
func (p *Provider) Prepare(ctx context.Context, imageRef string) error {
	if err := exec.CommandContext(ctx, p.bin(), "image", "inspect", imageRef).Run(); err == nil {
		slog.Debug("image already present", "image", imageRef)
		return nil
	}

	cmd := exec.CommandContext(ctx, p.bin(), "pull", imageRef)
	var stderr bytes.Buffer
	cmd.Stdout = io.Discard
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("pulling docker image: %w: %s", err, stderr.String())
	}
	return nil
}

// CreateEnvironment creates and starts a Docker container.
func (p *Provider) CreateEnvironment(ctx context.Context, opts environment.CreateEnvironmentOptions) (environment.Environment, error) {
	containerID := opts.Name
	if containerID == "" {
		containerID = fmt.Sprintf("stepbench-%d", time.Now().UnixNano())
	}
	workDir := opts.WorkDir
	if workDir == "" {
		workDir = DefaultWorkDir
	}

	args := runArgs(containerID, workDir, opts)

	cmd := exec.CommandContext(ctx, p.bin(), args...)
	var stderr bytes.Buffer
	cmd.Stdout = io.Discard
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("creating docker container: %w: %s", err, stderr.String())
	}

	slog.Debug("created docker environment", "container", containerID, "image", opts.ImageRef)

	return &DockerEnvironment{
		bin:         p.bin(),
		containerID: containerID,
		workDir:     workDir,
	}, nil
}

func runArgs(containerID, workDir string, opts environment.CreateEnvironmentOptions) []string {
	args := []string{
		"run",
		"-d",
		"--name", containerID,
		"-w", workDir,
	}

	if opts.CPUs > 0 {
		args = append(args, "--cpus", fmt.Sprintf("%d", opts.CPUs))
	}
	if opts.MemoryMB > 0 {
		args = append(args, "--memory", fmt.Sprintf("%dm", opts.MemoryMB))
	}
	for _, port := range opts.Ports {
		args = append(args, "-p", fmt.Sprintf("%d:%d", port, port))
	}

	keys := make([]string, 0, len(opts.Env))
	for k := range opts.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, opts.Env[k]))
	}

	args = append(args, opts.ImageRef)
	// Keep container running with sleep infinity
	args = append(args, "sleep", "infinity")
	return args
}

// DockerEnvironment represents a running Docker container.
type DockerEnvironment struct {
	bin         string
	containerID string
	workDir     string
}

// ID returns the container name.
func (e *DockerEnvironment) ID() string {
	return e.containerID
}

// WorkDir returns the workspace path inside the container.
func (e *DockerEnvironment) WorkDir() string {
	return e.workDir
}

func (e *DockerEnvironment) abs(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(e.workDir, p)
}

// CopyTo copies a local file or directory into the container.
func (e *DockerEnvironment) CopyTo(ctx context.Context, src, dst string) error {
	dst = e.abs(dst)
	dstDir := filepath.Dir(dst)
	if dstDir != "/" && dstDir != "." {
		mkdirCmd := exec.CommandContext(ctx, e.bin, "exec", e.containerID, "mkdir", "-p", dstDir)
		if err := mkdirCmd.Run(); err != nil {
			return fmt.Errorf("creating directory %s: %w", dstDir, err)
		}
	}

	cmd := exec.CommandContext(ctx, e.bin, "cp", src, fmt.Sprintf("%s:%s", e.containerID, dst))
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("copying to container: %w: %s", err, stderr.String())
	}
	return nil
}

// CopyFrom copies a file or directory from the container to local path.
func (e *DockerEnvironment) CopyFrom(ctx context.Context, src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("creating local directory: %w", err)
	}

	cmd := exec.CommandContext(ctx, e.bin, "cp", fmt.Sprintf("%s:%s", e.containerID, e.abs(src)), dst)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return fmt.Errorf("copying from container: %w: %s", err, stderr.String())
	}
	return nil
}

// Exec executes a command in the container.
func (e *DockerEnvironment) Exec(ctx context.Context, cmd string, stdout, stderr io.Writer, opts environment.ExecOptions) (int, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	execCmd := exec.CommandContext(ctx, e.bin, e.execArgs(cmd, opts)...)
	execCmd.Stdout = stdout
	execCmd.Stderr = stderr
	execCmd.Stdin = opts.Stdin

	err := execCmd.Run()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return -1, fmt.Errorf("%w after %s", environment.ErrTimedOut, opts.Timeout)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return -1, fmt.Errorf("executing command: %w", err)
	}

	return 0, nil
}

func (e *DockerEnvironment) execArgs(cmd string, opts environment.ExecOptions) []string {
	args := []string{"exec"}
	if opts.Stdin != nil {
		args = append(args, "-i")
	}

	keys := make([]string, 0, len(opts.Env))
	for k := range opts.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, opts.Env[k]))
	}

	if opts.WorkDir != "" {
		args = append(args, "-w", e.abs(opts.WorkDir))
	}

	return append(args, e.containerID, "bash", "-c", cmd)
}

// Destroy removes the container and cleans up resources.
func (e *DockerEnvironment) Destroy(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, e.bin, "rm", "-f", e.containerID)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		// Ignore error if container already removed
		if !strings.Contains(stderr.String(), "No such container") {
			return fmt.Errorf("removing container: %w: %s", err, stderr.String())
		}
	}
	return nil
}
