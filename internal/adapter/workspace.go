package adapter

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/spachava753/stepbench/internal/environment"
)

// Workspace owns the environment a framework runs in for one run. Start
// and Close are idempotent.
type Workspace struct {
	cfg      Config
	provider environment.Provider

	mu      sync.Mutex
	env     environment.Environment
	closed  bool
	archive string
}

// NewWorkspace creates a workspace that builds its environment with provider.
func NewWorkspace(cfg Config, provider environment.Provider) *Workspace {
	return &Workspace{cfg: cfg, provider: provider}
}

// Env returns the running environment, or nil before Open.
func (w *Workspace) Env() environment.Environment {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.env
}

// ArchiveDir returns where the workspace was archived, once Close ran.
func (w *Workspace) ArchiveDir() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.archive
}

// Open creates the environment, populates the workspace with the framework
// source, verifies the manifest and runs the setup command. Errors are
// *SetupError.
func (w *Workspace) Open(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.env != nil {
		return nil
	}
	if w.closed {
		return w.setupErr(fmt.Errorf("workspace already closed"))
	}

	fw := w.cfg.Framework()
	if err := os.MkdirAll(w.cfg.LogsDir(), 0755); err != nil {
		return w.setupErr(fmt.Errorf("creating logs dir: %w", err))
	}

	if fw.Env.Image != "" {
		if err := w.provider.Prepare(ctx, fw.Env.Image); err != nil {
			return w.setupErr(err)
		}
	}

	workDir := fw.Env.WorkDir
	if w.provider.Name() == "local" {
		workDir = filepath.Join(w.cfg.RunDir(), "workspace")
	}
	env, err := w.provider.CreateEnvironment(ctx, environment.CreateEnvironmentOptions{
		Name:     fmt.Sprintf("stepbench-%s-%s", w.cfg.Name(), shortID(w.cfg.RunID())),
		ImageRef: fw.Env.Image,
		CPUs:     fw.Env.CPUs,
		MemoryMB: fw.Env.MemoryMB,
		Ports:    w.cfg.Ports(),
		WorkDir:  workDir,
		Env:      w.cfg.Env(),
	})
	if err != nil {
		return w.setupErr(fmt.Errorf("creating environment: %w", err))
	}
	// From here on Close must destroy env even if bootstrap fails.
	w.env = env

	slog.Info("workspace created", "framework", w.cfg.Name(), "environment", env.ID(), "workdir", env.WorkDir())

	if err := w.populate(ctx, env); err != nil {
		return w.setupErr(err)
	}
	if err := w.checkManifest(ctx, env, fw.Manifest); err != nil {
		return w.setupErr(err)
	}
	if fw.Setup != "" {
		if err := w.runSetup(ctx, env, fw.Setup); err != nil {
			return w.setupErr(err)
		}
	}
	return nil
}

func (w *Workspace) setupErr(err error) error {
	return &SetupError{Framework: w.cfg.Name(), Err: err}
}

func (w *Workspace) populate(ctx context.Context, env environment.Environment) error {
	fw := w.cfg.Framework()
	if src := w.cfg.SourceDir(); src != "" {
		slog.Debug("copying framework source", "src", src, "dst", env.WorkDir())
		if err := env.CopyTo(ctx, src, env.WorkDir()); err != nil {
			return fmt.Errorf("copying framework source: %w", err)
		}
		return nil
	}
	if fw.RepoURL == "" {
		return nil
	}

	cmd := fmt.Sprintf("git clone --quiet %s .", ShellQuote(fw.RepoURL))
	if fw.CommitHash != "" {
		cmd += fmt.Sprintf(" && git checkout --quiet %s", ShellQuote(fw.CommitHash))
	}
	slog.Debug("cloning framework in environment", "url", fw.RepoURL, "commit", fw.CommitHash)
	return w.execChecked(ctx, env, "clone", cmd)
}

func (w *Workspace) checkManifest(ctx context.Context, env environment.Environment, manifest []string) error {
	var missing []string
	for _, p := range manifest {
		code, err := env.Exec(ctx, "test -e "+ShellQuote(p), io.Discard, io.Discard, environment.ExecOptions{})
		if err != nil {
			return fmt.Errorf("checking manifest file %s: %w", p, err)
		}
		if code != 0 {
			missing = append(missing, p)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("manifest files missing: %s", strings.Join(missing, ", "))
	}
	return nil
}

func (w *Workspace) runSetup(ctx context.Context, env environment.Environment, cmd string) error {
	slog.Info("running setup", "framework", w.cfg.Name(), "timeout", w.cfg.SetupTimeout())
	return w.execChecked(ctx, env, "setup", cmd)
}

// execChecked runs cmd, logging its output to logs/<label>.log, and fails on
// a non-zero exit.
func (w *Workspace) execChecked(ctx context.Context, env environment.Environment, label, cmd string) error {
	logPath := filepath.Join(w.cfg.LogsDir(), label+".log")
	logFile, err := os.Create(logPath)
	if err != nil {
		return fmt.Errorf("creating %s log: %w", label, err)
	}
	defer logFile.Close()

	var tail bytes.Buffer
	out := io.MultiWriter(logFile, &tail)
	code, err := env.Exec(ctx, cmd, out, out, environment.ExecOptions{
		Timeout: w.cfg.SetupTimeout(),
		Env:     w.cfg.Env(),
	})
	if err != nil {
		return fmt.Errorf("%s: %w", label, err)
	}
	if code != 0 {
		return fmt.Errorf("%s exited with code %d: %s", label, code, lastLines(tail.String(), 5))
	}
	return nil
}

// Close archives the workspace into the run's artifacts directory and
// destroys the environment. Later calls are no-ops.
func (w *Workspace) Close(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if w.env == nil {
		return nil
	}

	if timeout := w.cfg.StopTimeout(); timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	var errs []string
	if w.provider.Name() == "local" {
		// The local workspace already lives in the run directory.
		w.archive = w.env.WorkDir()
	} else {
		dst := filepath.Join(w.cfg.ArtifactsDir(), "workspace")
		if err := w.env.CopyFrom(ctx, w.env.WorkDir(), dst); err != nil {
			errs = append(errs, fmt.Sprintf("archiving workspace: %v", err))
		} else {
			w.archive = dst
		}
	}

	if err := w.env.Destroy(ctx); err != nil {
		errs = append(errs, fmt.Sprintf("destroying environment: %v", err))
	}
	slog.Debug("workspace closed", "framework", w.cfg.Name(), "archive", w.archive)

	if len(errs) > 0 {
		return fmt.Errorf("closing workspace: %s", strings.Join(errs, "; "))
	}
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// ShellQuote quotes s for a POSIX shell.
func ShellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func lastLines(s string, n int) string {
	lines := strings.Split(strings.TrimRight(s, "\n"), "\n")
	if len(lines) > n {
		lines = lines[len(lines)-n:]
	}
	return strings.Join(lines, "\n")
}
