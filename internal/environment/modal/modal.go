package modal

import (
	"context"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/modal-labs/libmodal/modal-go"
	"github.com/spachava753/stepbench/internal/environment"
)

// DefaultWorkDir is the workspace path inside the sandbox when none is configured.
const DefaultWorkDir = "/workspace"

// ProviderConfig holds Modal-specific configuration.
type ProviderConfig struct {
	// AppName is the name of the Modal app to use. If empty, a unique name is generated.
	AppName string
	// Regions specifies the Modal regions (e.g., "us-east", "us-west").
	Regions []string
	// Verbose enables detailed sandbox logging.
	Verbose bool
}

// ParseProviderConfig extracts Modal settings from a framework's [settings] table.
// Recognised keys: modal_app, modal_regions (comma separated), modal_verbose.
func ParseProviderConfig(settings map[string]string) ProviderConfig {
	pc := ProviderConfig{}
	if v := settings["modal_app"]; v != "" {
		pc.AppName = v
	}
	for _, r := range strings.Split(settings["modal_regions"], ",") {
		if r = strings.TrimSpace(r); r != "" {
			pc.Regions = append(pc.Regions, r)
		}
	}
	if v, err := strconv.ParseBool(settings["modal_verbose"]); err == nil {
		pc.Verbose = v
	}
	return pc
}

// Provider implements the Modal environment provider using Modal Sandboxes.
type Provider struct {
	client *modal.Client
	config ProviderConfig
}

// NewProvider creates a new Modal provider.
func NewProvider(config ProviderConfig) (*Provider, error) {
	slog.Debug("initializing modal client")
	client, err := modal.NewClient()
	if err != nil {
		return nil, fmt.Errorf("creating modal client: %w", err)
	}
	return &Provider{
		client: client,
		config: config,
	}, nil
}

// Name returns the provider name.
func (p *Provider) Name() string {
	return "modal"
}

// Prepare is a no-op since Modal pulls registry images itself.
func (p *Provider) Prepare(ctx context.Context, imageRef string) error {
	slog.Debug("modal pull is no-op - handled internally", "image", imageRef)
	return nil
}

// CreateEnvironment creates and starts a Modal sandbox from a registry image.
func (p *Provider) CreateEnvironment(ctx context.Context, opts environment.CreateEnvironmentOptions) (environment.Environment, error) {
	if len(opts.Ports) > 0 {
		return nil, fmt.Errorf("modal sandboxes do not expose ports %v to the host", opts.Ports)
	}

	appName := p.config.AppName
	if appName == "" {
		appName = opts.Name
	}
	if appName == "" {
		appName = fmt.Sprintf("stepbench-%d", time.Now().UnixNano())
	}

	slog.Debug("creating modal app", "name", appName)

	app, err := p.client.Apps.FromName(ctx, appName, &modal.AppFromNameParams{
		CreateIfMissing: true,
	})
	if err != nil {
		return nil, fmt.Errorf("creating modal app: %w", err)
	}

	image := p.client.Images.FromRegistry(opts.ImageRef, nil)

	cpuCount := opts.CPUs
	if cpuCount <= 0 {
		cpuCount = 1
	}
	memoryMiB := opts.MemoryMB
	if memoryMiB <= 0 {
		memoryMiB = 2048
	}
	workDir := opts.WorkDir
	if workDir == "" {
		workDir = DefaultWorkDir
	}

	createParams := &modal.SandboxCreateParams{
		CPU:       float64(cpuCount),
		MemoryMiB: memoryMiB,
		Env:       environment.MergeEnv(nil, opts.Env),
		Timeout:   24 * time.Hour, // Maximum allowed
		Verbose:   p.config.Verbose,
		Regions:   p.config.Regions,
	}

	slog.Debug("creating modal sandbox",
		"app", appName,
		"image", opts.ImageRef,
		"cpus", cpuCount,
		"memory_mib", memoryMiB,
		"regions", p.config.Regions)

	sandbox, err := p.client.Sandboxes.Create(ctx, app, image, createParams)
	if err != nil {
		return nil, fmt.Errorf("creating modal sandbox: %w", err)
	}

	env := &ModalEnvironment{
		sandbox: sandbox,
		appName: appName,
		ownsApp: p.config.AppName == "",
		workDir: workDir,
	}
	if code, err := env.execSimple(ctx, fmt.Sprintf("mkdir -p %q", workDir)); err != nil || code != 0 {
		_ = sandbox.Terminate(ctx)
		return nil, fmt.Errorf("creating workdir %s: exit %d: %v", workDir, code, err)
	}

	slog.Debug("modal sandbox created", "sandbox_id", sandbox.SandboxID)
	return env, nil
}

// ModalEnvironment represents a running Modal sandbox.
type ModalEnvironment struct {
	sandbox *modal.Sandbox
	appName string
	ownsApp bool
	workDir string
}

// ID returns the sandbox ID.
func (e *ModalEnvironment) ID() string {
	return e.sandbox.SandboxID
}

// WorkDir returns the workspace path inside the sandbox.
func (e *ModalEnvironment) WorkDir() string {
	return e.workDir
}

func (e *ModalEnvironment) abs(p string) string {
	if filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(e.workDir, p)
}

// CopyTo copies a local file or directory into the sandbox.
func (e *ModalEnvironment) CopyTo(ctx context.Context, src, dst string) error {
	dst = e.abs(dst)
	info, err := os.Stat(src)
	if err != nil {
		return fmt.Errorf("stat source: %w", err)
	}

	dstDir := filepath.Dir(dst)
	if dstDir != "/" && dstDir != "." {
		if _, err := e.execSimple(ctx, fmt.Sprintf("mkdir -p %q", dstDir)); err != nil {
			return fmt.Errorf("creating directory %s: %w", dstDir, err)
		}
	}

	if !info.IsDir() {
		return e.copyFileTo(ctx, src, dst)
	}
	return filepath.WalkDir(src, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			_, err := e.execSimple(ctx, fmt.Sprintf("mkdir -p %q", target))
			return err
		}
		return e.copyFileTo(ctx, path, target)
	})
}

// copyFileTo streams one local file into the sandbox filesystem.
func (e *ModalEnvironment) copyFileTo(ctx context.Context, src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("reading source file: %w", err)
	}
	defer in.Close()

	out, err := e.sandbox.Open(ctx, dst, "w")
	if err != nil {
		return fmt.Errorf("opening %s in sandbox: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("writing %s: %w", dst, err)
	}
	if err := out.Flush(); err != nil {
		out.Close()
		return fmt.Errorf("flushing %s: %w", dst, err)
	}
	return out.Close()
}

// CopyFrom copies a file or directory from the sandbox to local path.
// Directories are streamed as a tar archive.
func (e *ModalEnvironment) CopyFrom(ctx context.Context, src, dst string) error {
	src = e.abs(src)
	if code, _ := e.execSimple(ctx, fmt.Sprintf("test -d %q", src)); code != 0 {
		return e.copyFileFrom(ctx, src, dst)
	}

	if err := os.MkdirAll(dst, 0755); err != nil {
		return fmt.Errorf("creating local directory: %w", err)
	}
	process, err := e.sandbox.Exec(ctx, []string{"tar", "-C", src, "-cf", "-", "."}, &modal.SandboxExecParams{})
	if err != nil {
		return fmt.Errorf("archiving sandbox directory: %w", err)
	}

	untar := exec.CommandContext(ctx, "tar", "-C", dst, "-xf", "-")
	untar.Stdin = process.Stdout
	go io.Copy(io.Discard, process.Stderr)
	if out, err := untar.CombinedOutput(); err != nil {
		return fmt.Errorf("extracting archive: %w: %s", err, out)
	}
	if code, err := process.Wait(ctx); err != nil || code != 0 {
		return fmt.Errorf("tar in sandbox exited %d: %v", code, err)
	}
	return nil
}

func (e *ModalEnvironment) copyFileFrom(ctx context.Context, src, dst string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return fmt.Errorf("creating local directory: %w", err)
	}

	in, err := e.sandbox.Open(ctx, src, "r")
	if err != nil {
		return fmt.Errorf("opening %s in sandbox: %w", src, err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("reading %s: %w", src, err)
	}
	return out.Close()
}

func (e *ModalEnvironment) execSimple(ctx context.Context, cmd string) (int, error) {
	process, err := e.sandbox.Exec(ctx, []string{"bash", "-c", cmd}, &modal.SandboxExecParams{})
	if err != nil {
		return -1, err
	}
	io.Copy(io.Discard, process.Stdout)
	io.Copy(io.Discard, process.Stderr)
	return process.Wait(ctx)
}

// Exec executes a command in the sandbox. opts.Stdin is streamed to the
// process until it reaches EOF.
func (e *ModalEnvironment) Exec(ctx context.Context, cmd string, stdout, stderr io.Writer, opts environment.ExecOptions) (int, error) {
	execParams := &modal.SandboxExecParams{
		Env:     opts.Env,
		Workdir: e.workDir,
	}
	if opts.Timeout > 0 {
		execParams.Timeout = opts.Timeout
	}
	if opts.WorkDir != "" {
		execParams.Workdir = e.abs(opts.WorkDir)
	}

	slog.Debug("executing command in modal sandbox",
		"sandbox_id", e.sandbox.SandboxID,
		"timeout", opts.Timeout)

	start := time.Now()
	process, err := e.sandbox.Exec(ctx, []string{"bash", "-c", cmd}, execParams)
	if err != nil {
		return -1, fmt.Errorf("executing command: %w", err)
	}
	if opts.Stdin != nil {
		go forwardStdin(process.Stdin, opts.Stdin)
	}

	if stdout == nil {
		stdout = io.Discard
	}
	if stderr == nil {
		stderr = io.Discard
	}
	done := make(chan struct{}, 2)
	go func() {
		io.Copy(stdout, process.Stdout)
		done <- struct{}{}
	}()
	go func() {
		io.Copy(stderr, process.Stderr)
		done <- struct{}{}
	}()
	<-done
	<-done

	exitCode, err := process.Wait(ctx)
	if err != nil {
		if opts.Timeout > 0 && time.Since(start) >= opts.Timeout {
			return -1, fmt.Errorf("%w after %s", environment.ErrTimedOut, opts.Timeout)
		}
		return -1, fmt.Errorf("waiting for process: %w", err)
	}
	return exitCode, nil
}

// forwardStdin copies src into the sandbox process and sends EOF once src is drained.
func forwardStdin(dst io.WriteCloser, src io.Reader) {
	if _, err := io.Copy(dst, src); err != nil {
		slog.Debug("forwarding stdin to sandbox stopped", "error", err)
	}
	if err := dst.Close(); err != nil {
		slog.Debug("closing sandbox stdin failed", "error", err)
	}
}

// Destroy terminates the sandbox and, when the app was created for this
// environment alone, stops the app.
func (e *ModalEnvironment) Destroy(ctx context.Context) error {
	slog.Debug("destroying modal sandbox", "sandbox_id", e.sandbox.SandboxID, "app", e.appName)

	if err := e.sandbox.Terminate(ctx); err != nil {
		if !strings.Contains(err.Error(), "already terminated") &&
			!strings.Contains(err.Error(), "not found") {
			return fmt.Errorf("terminating sandbox: %w", err)
		}
	}
	if !e.ownsApp {
		return nil
	}
	return stopApp(ctx, e.appName)
}

// stopApp stops the Modal app with the modal CLI; the SDK has no AppStop call.
func stopApp(ctx context.Context, appName string) error {
	modalPath, err := exec.LookPath("modal")
	if err != nil {
		slog.Warn("modal CLI not found; app left running", "app", appName)
		return nil
	}

	output, err := exec.CommandContext(ctx, modalPath, "app", "stop", appName).CombinedOutput()
	if err != nil {
		outStr := string(output)
		if strings.Contains(outStr, "already stopped") ||
			strings.Contains(outStr, "not found") ||
			strings.Contains(outStr, "Could not find") {
			return nil
		}
		return fmt.Errorf("modal app stop failed: %s", outStr)
	}
	return nil
}
