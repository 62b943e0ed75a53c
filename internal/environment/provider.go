package environment

import (
	"context"
	"errors"
	"io"
	"time"
)

// ErrTimedOut is returned by Exec when the command outlived its timeout.
var ErrTimedOut = errors.New("command timed out")

// Environment is an isolated place where a framework runs: a private
// directory on the host, a container or a remote sandbox.
type Environment interface {
	// ID returns the unique identifier for this environment.
	ID() string

	// WorkDir returns the workspace directory inside the environment.
	WorkDir() string

	// CopyTo copies a local file or directory into the environment.
	CopyTo(ctx context.Context, src, dst string) error

	// CopyFrom copies a file or directory from the environment to local path.
	CopyFrom(ctx context.Context, src, dst string) error

	// Exec executes a command in the environment, streaming stdout and stderr to the provided writers.
	// Returns the exit code, or an error when the command could not run to completion.
	// A timeout yields an error wrapping ErrTimedOut.
	Exec(ctx context.Context, cmd string, stdout, stderr io.Writer, opts ExecOptions) (int, error)

	// Destroy removes the environment and cleans up all resources. Safe to call twice.
	Destroy(ctx context.Context) error
}

// ExecOptions configures command execution.
type ExecOptions struct {
	Env     map[string]string
	Timeout time.Duration
	WorkDir string
	Stdin   io.Reader
}

// Provider is a factory for creating environments.
type Provider interface {
	// Name returns the provider name (e.g., "local", "docker", "modal").
	Name() string

	// Prepare makes the image available before environments are created.
	Prepare(ctx context.Context, imageRef string) error

	// CreateEnvironment creates and starts a new environment.
	CreateEnvironment(ctx context.Context, opts CreateEnvironmentOptions) (Environment, error)
}

// CreateEnvironmentOptions configures environment creation.
type CreateEnvironmentOptions struct {
	Name     string
	ImageRef string
	CPUs     int
	MemoryMB int
	Ports    []int
	WorkDir  string
	Env      map[string]string
}

// MergeEnv returns base overlaid with extra; neither input is modified.
func MergeEnv(base, extra map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
