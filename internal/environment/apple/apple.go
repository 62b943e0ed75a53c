package apple

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
	"strconv"
	"strings"
	"time"

	"github.com/spachava753/stepbench/internal/environment"
)

// DefaultWorkDir is the workspace path inside the container when none is configured.
const DefaultWorkDir = "/workspace"

// Provider implements the Apple Container environment provider.
type Provider struct {
	// Binary is the container CLI to invoke; defaults to "container".
	Binary string
	config ProviderConfig
}

// NewProvider creates a new Apple Container provider.
func NewProvider(cfg ProviderConfig) (*Provider, error) {
	if _, err := exec.LookPath("container"); err != nil {
		return nil, fmt.Errorf("apple container CLI not found: install from https://github.com/apple/container or run: brew install container")
	}
	return &Provider{Binary: "container", config: cfg}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "apple"
}

func (p *Provider) bin() string {
	if p.Binary == "" {
		return "container"
	}
	return p.Binary
}

// Prepare pulls the image unless it is already present locally.
func (p *Provider) Prepare(ctx context.Context, imageRef string) error {
	if err := exec.CommandContext(ctx, p.bin(), "image", "inspect", imageRef).Run(); err == nil {
		slog.Debug("image already present", "image", imageRef)
		return nil
	}

	slog.Debug("pulling container image", "image", imageRef)
	cmd := exec.CommandContext(ctx, p.bin(), "image", "pull", imageRef)
	var stderr bytes.Buffer
	cmd.Stdout = io.Discard
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("pulling container image: %w: %s", err, stderr.String())
	}
	return nil
}

// CreateEnvironment creates and starts an Apple Container. A name
// collision is retried once with a unique suffix.
func (p *Provider) CreateEnvironment(ctx context.Context, opts environment.CreateEnvironmentOptions) (environment.Environment, error) {
	name := opts.Name
	if name == "" {
		name = fmt.Sprintf("stepbench-%d", time.Now().UnixNano())
	}
	workDir := opts.WorkDir
	if workDir == "" {
		workDir = DefaultWorkDir
	}

	slog.Debug("creating apple container",
		"name", name,
		"image", opts.ImageRef,
		"cpus", opts.CPUs,
		"memory_mb", opts.MemoryMB)

	id, errMsg, err := p.run(ctx, runArgs(name, workDir, opts))
	if err != nil && (strings.Contains(errMsg, "name already in use") || strings.Contains(errMsg, "already exists")) {
		name = fmt.Sprintf("%s-%d", name, time.Now().UnixNano())
		slog.Debug("retrying with unique name", "name", name)
		id, errMsg, err = p.run(ctx, runArgs(name, workDir, opts))
	}
	if err != nil {
		return nil, fmt.Errorf("creating apple container: %w: %s", err, errMsg)
	}
	if id == "" {
		id = name
	}

	uid, gid := detectRuntimeUID(ctx, p.bin(), id, p.config)
	slog.Debug("created apple environment", "container", id, "uid", uid, "gid", gid)

	return &Environment{
		bin:         p.bin(),
		containerID: id,
		workDir:     workDir,
		runtimeUID:  uid,
		runtimeGID:  gid,
	}, nil
}

func (p *Provider) run(ctx context.Context, args []string) (id, errMsg string, err error) {
	cmd := exec.CommandContext(ctx, p.bin(), args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	err = cmd.Run()
	return strings.TrimSpace(stdout.String()), stderr.String(), err
}

func runArgs(name, workDir string, opts environment.CreateEnvironmentOptions) []string {
	args := []string{"run", "-d", "--name", name, "-w", workDir}
	if opts.CPUs > 0 {
		args = append(args, "--cpus", strconv.Itoa(opts.CPUs))
	}
	if opts.MemoryMB > 0 {
		args = append(args, "--memory", fmt.Sprintf("%dm", opts.MemoryMB))
	}
	for _, port := range opts.Ports {
		args = append(args, "-p", fmt.Sprintf("%d:%d", port, port))
	}
	args = append(args, envArgs(opts.Env)...)
	return append(args, opts.ImageRef, "sleep", "infinity")
}

func envArgs(env map[string]string) []string {
	keys := make([]string, 0, len(env))
	for k := range env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	args := make([]string, 0, 2*len(keys))
	for _, k := range keys {
		args = append(args, "-e", k+"="+env[k])
	}
	return args
}

// Environment represents a running Apple Container.
type Environment struct {
	bin         string
	containerID string
	workDir     string
	runtimeUID  string
	runtimeGID  string
}

// ID returns the container ID.
func (e *Environment) ID() string {
	return e.containerID
}

// WorkDir returns the workspace path inside the container.
func (e *Environment) WorkDir() string {
	return e.workDir
}

func (e *Environment) abs(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(e.workDir, p)
}

// Exec executes a command in the container as the runtime user.
func (e *Environment) Exec(ctx context.Context, cmd string, stdout, stderr io.Writer, opts environment.ExecOptions) (int, error) {
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	preview := cmd
	if len(preview) > 100 {
		preview = preview[:100] + "..."
	}
	slog.Debug("executing command in container", "container_id", e.containerID, "command", preview, "timeout", opts.Timeout)

	execCmd := exec.CommandContext(ctx, e.bin, e.execArgs(cmd, opts)...)
	execCmd.Stdout = stdout
	execCmd.Stderr = stderr
	execCmd.Stdin = opts.Stdin

	if err := execCmd.Run(); err != nil {
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

func (e *Environment) execArgs(cmd string, opts environment.ExecOptions) []string {
	args := []string{"exec"}
	if opts.Stdin != nil {
		args = append(args, "-i")
	}
	if e.runtimeUID != "" && e.runtimeUID != "0" {
		args = append(args, "--uid", e.runtimeUID)
	}
	args = append(args, envArgs(opts.Env)...)
	args = append(args, "-w", e.abs(opts.WorkDir))
	return append(args, e.containerID, "bash", "-c", cmd)
}

func (e *Environment) rootCmd(ctx context.Context, args ...string) *exec.Cmd {
	return exec.CommandContext(ctx, e.bin, append([]string{"exec", "-u", "root", e.containerID}, args...)...)
}

// CopyTo copies a local file or directory into the container by piping a
// tar stream, then hands ownership to the runtime user.
func (e *Environment) CopyTo(ctx context.Context, src, dst string) error {
	if err := validatePath(dst); err != nil {
		return err
	}
	dst = e.abs(dst)
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("stat source: %w", err)
	}

	target := dst
	tarCmd := exec.CommandContext(ctx, "tar", "-c", "-C", src, ".")
	if !info.IsDir() {
		target = filepath.Dir(dst)
		tarCmd = exec.CommandContext(ctx, "tar", "-c", "-C", filepath.Dir(src), filepath.Base(src))
	}
	if err := e.rootCmd(ctx, "mkdir", "-p", target).Run(); err != nil {
		return fmt.Errorf("creating directory %s: %w", target, err)
	}

	extract := exec.CommandContext(ctx, e.bin, "exec", "-i", "-u", "root", e.containerID, "tar", "-xp", "-C", target)
	if err := runPipeline(tarCmd, extract); err != nil {
		return fmt.Errorf("copying to container: %w", err)
	}

	owned := dst
	if !info.IsDir() {
		placed := filepath.Join(target, filepath.Base(src))
		if placed != dst {
			if err := e.rootCmd(ctx, "mv", placed, dst).Run(); err != nil {
				return fmt.Errorf("renaming copied file: %w", err)
			}
		}
	}
	if e.runtimeUID != "" {
		if err := e.rootCmd(ctx, "chown", "-R", e.runtimeUID+":"+e.runtimeGID, owned).Run(); err != nil {
			slog.Debug("chown failed", "path", owned, "error", err)
		}
	}
	return nil
}

// CopyFrom copies a file or directory from the container to a local path.
func (e *Environment) CopyFrom(ctx context.Context, src, dst string) error {
	if err := validatePath(src); err != nil {
		return err
	}
	src = e.abs(src)
	isDir := e.rootCmd(ctx, "test", "-d", src).Run() == nil

	var tarCmd, extract *exec.Cmd
	if isDir {
		if err := os.MkdirAll(dst, 0755); err != nil {
			return fmt.Errorf("creating local directory: %w", err)
		}
		tarCmd = e.rootCmd(ctx, "tar", "-c", "-C", src, ".")
		extract = exec.CommandContext(ctx, "tar", "-x", "-C", dst)
	} else {
		if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			return fmt.Errorf("creating local directory: %w", err)
		}
		tarCmd = e.rootCmd(ctx, "tar", "-c", "-C", filepath.Dir(src), filepath.Base(src))
		extract = exec.CommandContext(ctx, "tar", "-x", "-C", filepath.Dir(dst))
	}
	if err := runPipeline(tarCmd, extract); err != nil {
		return fmt.Errorf("copying from container: %w", err)
	}

	if !isDir {
		placed := filepath.Join(filepath.Dir(dst), filepath.Base(src))
		if placed != dst {
			if err := os.Rename(placed, dst); err != nil {
				return fmt.Errorf("renaming copied file: %w", err)
			}
		}
	}
	return nil
}

// Destroy force-removes the container. Removing a missing container is not an error.
func (e *Environment) Destroy(ctx context.Context) error {
	slog.Debug("destroying apple container", "container_id", e.containerID)
	out, err := exec.CommandContext(ctx, e.bin, "rm", "--force", e.containerID).CombinedOutput()
	if err != nil {
		msg := string(out)
		if !strings.Contains(msg, "No such container") && !strings.Contains(msg, "not found") {
			return fmt.Errorf("removing container: %w: %s", err, msg)
		}
	}
	return nil
}
