// Package local runs frameworks as host subprocesses inside a private
// workspace directory.
package local

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"syscall"
	"time"

	"github.com/spachava753/stepbench/internal/environment"
)

// killGrace bounds how long Exec waits for output pipes after the process
// group has been killed.
const killGrace = 5 * time.Second

// Provider implements the local environment provider.
type Provider struct{}

// NewProvider creates a new local provider.
func NewProvider() *Provider {
	return &Provider{}
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "local"
}

// Prepare is a no-op; local environments have no image.
func (p *Provider) Prepare(ctx context.Context, imageRef string) error {
	return nil
}

// CreateEnvironment creates the workspace directory on the host.
func (p *Provider) CreateEnvironment(ctx context.Context, opts environment.CreateEnvironmentOptions) (environment.Environment, error) {
	if opts.WorkDir == "" {
		return nil, fmt.Errorf("local environment requires a workspace directory")
	}
	workDir, err := filepath.Abs(opts.WorkDir)
	if err != nil {
		return nil, fmt.Errorf("getting absolute path: %w", err)
	}
	if err := os.MkdirAll(workDir, 0755); err != nil {
		return nil, fmt.Errorf("creating workspace: %w", err)
	}

	name := opts.Name
	if name == "" {
		name = fmt.Sprintf("local-%d", time.Now().UnixNano())
	}

	slog.Debug("created local environment", "name", name, "workdir", workDir)

	return &Environment{
		name:    name,
		workDir: workDir,
		env:     environment.MergeEnv(nil, opts.Env),
	}, nil
}

// Environment is a workspace directory on the host.
type Environment struct {
	name    string
	workDir string
	env     map[string]string
}

// ID returns the environment name.
func (e *Environment) ID() string {
	return e.name
}

// WorkDir returns the workspace directory.
func (e *Environment) WorkDir() string {
	return e.workDir
}

// CopyTo copies a host path into the workspace.
func (e *Environment) CopyTo(ctx context.Context, src, dst string) error {
	return copyPath(ctx, src, e.abs(dst))
}

// CopyFrom copies a workspace path to the host.
func (e *Environment) CopyFrom(ctx context.Context, src, dst string) error {
	return copyPath(ctx, e.abs(src), dst)
}

func (e *Environment) abs(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(e.workDir, p)
}

// Exec runs cmd with bash in its own process group so that a timeout kills
// everything the framework spawned.
func (e *Environment) Exec(ctx context.Context, cmd string, stdout, stderr io.Writer, opts environment.ExecOptions) (int, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	execCmd := exec.CommandContext(ctx, "bash", "-c", cmd)
	execCmd.Dir = e.workDir
	if opts.WorkDir != "" {
		execCmd.Dir = e.abs(opts.WorkDir)
	}
	execCmd.Env = append(os.Environ(), envList(environment.MergeEnv(e.env, opts.Env))...)
	execCmd.Stdout = stdout
	execCmd.Stderr = stderr
	execCmd.Stdin = opts.Stdin
	execCmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	execCmd.Cancel = func() error {
		return syscall.Kill(-execCmd.Process.Pid, syscall.SIGKILL)
	}
	execCmd.WaitDelay = killGrace

	err := execCmd.Run()
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			slog.Debug("command timed out", "environment", e.name)
			return -1, fmt.Errorf("%w after %s", environment.ErrTimedOut, opts.Timeout)
		}
		if ctx.Err() != nil {
			return -1, fmt.Errorf("executing command: %w", ctx.Err())
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			// Report death by signal the way shells do.
			if status, ok := exitErr.Sys().(syscall.WaitStatus); ok && status.Signaled() {
				return 128 + int(status.Signal()), nil
			}
			return exitErr.ExitCode(), nil
		}
		return -1, fmt.Errorf("executing command: %w", err)
	}

	return 0, nil
}

// Destroy leaves the workspace on disk; archiving is the caller's concern.
func (e *Environment) Destroy(ctx context.Context) error {
	slog.Debug("destroying local environment", "name", e.name)
	return nil
}

func copyPath(ctx context.Context, src, dst string) error {
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("stat source: %w", err)
	}

	args := []string{"-a", src, dst}
	if info.IsDir() {
		if err := os.MkdirAll(dst, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", dst, err)
		}
		// Trailing "/." copies the directory contents rather than the directory itself.
		args = []string{"-a", src + "/.", dst}
	} else if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("creating directory %s: %w", filepath.Dir(dst), err)
	}

	out, err := exec.CommandContext(ctx, "cp", args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("copying %s: %w: %s", src, err, out)
	}
	return nil
}

func envList(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, k+"="+env[k])
	}
	return out
}
