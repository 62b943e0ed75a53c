// Package cliagent drives frameworks that are invoked as a command once per
// step. Questions the framework prints behind the HITL marker are answered
// on its stdin.
package cliagent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spachava753/stepbench/internal/adapter"
	"github.com/spachava753/stepbench/internal/environment"
	"github.com/spachava753/stepbench/internal/models"
)

// Name is the adapter kind this package registers under.
const Name = "cliagent"

// promptDir is the workspace-relative directory prompts are copied to.
const promptDir = ".stepbench"

// Adapter runs the framework command once per step.
type Adapter struct {
	cfg       adapter.Config
	fw        models.FrameworkConfig
	ws        *adapter.Workspace
	responder *adapter.Responder

	mu      sync.Mutex
	stopped bool
}

// New is the adapter.Factory for cliagent frameworks.
func New(cfg adapter.Config) (adapter.Adapter, error) {
	fw := cfg.Framework()
	provider, err := adapter.NewProvider(fw)
	if err != nil {
		return nil, err
	}
	return NewWithProvider(cfg, provider)
}

// NewWithProvider builds the adapter on an explicit environment provider.
func NewWithProvider(cfg adapter.Config, provider environment.Provider) (*Adapter, error) {
	fw := cfg.Framework()
	responder, err := adapter.NewResponder(fw.HITL)
	if err != nil {
		return nil, err
	}
	return &Adapter{
		cfg:       cfg,
		fw:        fw,
		ws:        adapter.NewWorkspace(cfg, provider),
		responder: responder,
	}, nil
}

// Start opens the workspace.
func (a *Adapter) Start(ctx context.Context) error {
	return a.ws.Open(ctx)
}

// ExecuteStep runs the framework command with the step prompt.
func (a *Adapter) ExecuteStep(ctx context.Context, stepID int, command string) (models.StepResult, error) {
	result := models.StepResult{StepID: stepID, StartedAt: time.Now()}
	env := a.ws.Env()
	if env == nil {
		return result, &adapter.InfrastructureError{Err: errors.New("adapter not started")}
	}

	promptPath, err := a.stagePrompt(ctx, env, stepID, command)
	if err != nil {
		return result, &adapter.InfrastructureError{Err: err}
	}

	logFile, err := os.Create(filepath.Join(a.cfg.LogsDir(), fmt.Sprintf("step-%d.log", stepID)))
	if err != nil {
		return result, &adapter.InfrastructureError{Err: fmt.Errorf("creating step log: %w", err)}
	}
	defer logFile.Close()

	opts := environment.ExecOptions{
		Env: map[string]string{
			"STEPBENCH_PROMPT_FILE": promptPath,
			"STEPBENCH_STEP_ID":     strconv.Itoa(stepID),
			"STEPBENCH_WORKSPACE":   env.WorkDir(),
		},
		Timeout: a.cfg.StepTimeout(),
	}

	// Stdin is only attached when questions can be answered on it.
	var answers io.WriteCloser = nopWriteCloser{io.Discard}
	if a.fw.HITL.Marker != "" {
		stdinR, stdinW, err := os.Pipe()
		if err != nil {
			return result, &adapter.InfrastructureError{Err: fmt.Errorf("creating stdin pipe: %w", err)}
		}
		defer stdinR.Close()
		opts.Stdin = stdinR
		answers = stdinW
	}

	hitl := newHITLWriter(a.fw.HITL.Marker, a.fw.HITL.MaxPerStep, a.HandleHITL, answers, logFile)
	code, execErr := env.Exec(ctx, a.fw.Process.Command, hitl, logFile, opts)
	hitl.Flush()
	answers.Close()

	result.EndedAt = time.Now()
	result.DurationSec = result.EndedAt.Sub(result.StartedAt).Seconds()
	result.HITLCount = hitl.Count()

	if execErr != nil {
		return result, &adapter.InfrastructureError{
			Timeout: errors.Is(execErr, environment.ErrTimedOut),
			Err:     execErr,
		}
	}
	// Exit codes above 128 mean the process died from a signal.
	if code > 128 || code < 0 {
		return result, &adapter.InfrastructureError{Err: fmt.Errorf("framework process died with exit code %d", code)}
	}

	a.readUsage(ctx, env, &result)

	switch {
	case code != 0:
		result.Error = &models.RecordedError{
			Type:    models.ErrFrameworkFailure,
			Message: fmt.Sprintf("framework exited with code %d", code),
		}
	case hitl.Exceeded():
		result.Error = &models.RecordedError{
			Type:    models.ErrHITLLimitExceeded,
			Message: fmt.Sprintf("framework asked %d questions, limit is %d", hitl.Count(), a.fw.HITL.MaxPerStep),
		}
	default:
		result.Success = true
	}
	return result, nil
}

func (a *Adapter) stagePrompt(ctx context.Context, env environment.Environment, stepID int, command string) (string, error) {
	hostDir := filepath.Join(a.cfg.RunDir(), "prompts")
	if err := os.MkdirAll(hostDir, 0755); err != nil {
		return "", fmt.Errorf("creating prompt dir: %w", err)
	}
	name := fmt.Sprintf("step-%d.txt", stepID)
	hostPath := filepath.Join(hostDir, name)
	if err := os.WriteFile(hostPath, []byte(command), 0644); err != nil {
		return "", fmt.Errorf("writing prompt: %w", err)
	}
	envPath := filepath.Join(env.WorkDir(), promptDir, name)
	if err := env.CopyTo(ctx, hostPath, envPath); err != nil {
		return "", fmt.Errorf("copying prompt: %w", err)
	}
	return envPath, nil
}

// usageReport is what the framework writes to its usage file.
type usageReport struct {
	TokensIn     int64 `json:"tokens_in"`
	TokensOut    int64 `json:"tokens_out"`
	APICalls     int64 `json:"api_calls"`
	CachedTokens int64 `json:"cached_tokens"`
}

func (a *Adapter) readUsage(ctx context.Context, env environment.Environment, result *models.StepResult) {
	if a.fw.Process.UsageFile == "" {
		return
	}
	dst := filepath.Join(a.cfg.RunDir(), "usage", fmt.Sprintf("step-%d.json", result.StepID))
	src := filepath.Join(env.WorkDir(), a.fw.Process.UsageFile)
	if err := env.CopyFrom(ctx, src, dst); err != nil {
		slog.Debug("no usage file for step", "step_id", result.StepID, "error", err)
		return
	}
	data, err := os.ReadFile(dst)
	if err != nil {
		slog.Debug("reading usage file", "step_id", result.StepID, "error", err)
		return
	}
	var u usageReport
	if err := json.Unmarshal(data, &u); err != nil {
		slog.Warn("malformed usage file", "step_id", result.StepID, "error", err)
		return
	}
	result.TokensIn = u.TokensIn
	result.TokensOut = u.TokensOut
	result.APICalls = u.APICalls
	result.CachedTokens = u.CachedTokens
}

// HealthCheck verifies the environment still runs commands. There is no
// long-lived process, so the deployed phase only adds port probes when the
// framework declares ports.
func (a *Adapter) HealthCheck(ctx context.Context, phase adapter.HealthPhase) bool {
	env := a.ws.Env()
	if env == nil {
		return false
	}
	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	code, err := env.Exec(checkCtx, "true", io.Discard, io.Discard, environment.ExecOptions{})
	if err != nil || code != 0 {
		slog.Debug("environment health check failed", "framework", a.cfg.Name(), "code", code, "error", err)
		return false
	}
	if phase < adapter.PhaseDeployed {
		return true
	}
	for _, port := range a.cfg.Ports() {
		if adapter.PortFree(port) {
			slog.Debug("deployed port not bound", "framework", a.cfg.Name(), "port", port)
			return false
		}
	}
	return true
}

// HandleHITL answers from the framework's response table.
func (a *Adapter) HandleHITL(query string) string {
	return a.responder.Respond(query)
}

// Stop archives and destroys the workspace.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return nil
	}
	a.stopped = true
	a.mu.Unlock()
	return a.ws.Close(ctx)
}

// ArtifactsDir returns where the workspace was archived.
func (a *Adapter) ArtifactsDir() string {
	return a.ws.ArchiveDir()
}

// hitlWriter passes framework stdout through to the log and answers every
// line that carries the marker.
type hitlWriter struct {
	marker string
	max    int
	answer func(string) string
	stdin  io.Writer
	log    io.Writer

	mu     sync.Mutex
	buf    bytes.Buffer
	count  int
	exceed bool
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func newHITLWriter(marker string, max int, answer func(string) string, stdin, log io.Writer) *hitlWriter {
	return &hitlWriter{marker: marker, max: max, answer: answer, stdin: stdin, log: log}
}

func (w *hitlWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.log.Write(p); err != nil {
		return 0, err
	}
	w.buf.Write(p)
	for {
		line, err := w.buf.ReadString('\n')
		if err != nil {
			// Keep the partial line for the next write.
			w.buf.Reset()
			w.buf.WriteString(line)
			break
		}
		w.handleLine(line)
	}
	return len(p), nil
}

// Flush handles a trailing line without a newline.
func (w *hitlWriter) Flush() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.buf.Len() > 0 {
		w.handleLine(w.buf.String())
		w.buf.Reset()
	}
}

func (w *hitlWriter) handleLine(line string) {
	if w.marker == "" {
		return
	}
	_, query, found := strings.Cut(line, w.marker)
	if !found {
		return
	}
	query = strings.TrimSpace(query)
	w.count++
	if w.max > 0 && w.count > w.max {
		w.exceed = true
	}
	answer := w.answer(query)
	slog.Debug("answering hitl query", "query", query, "count", w.count)
	if _, err := io.WriteString(w.stdin, answer+"\n"); err != nil {
		slog.Debug("framework closed stdin", "error", err)
	}
}

// Count returns how many questions were answered.
func (w *hitlWriter) Count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.count
}

// Exceeded reports whether more questions were asked than allowed.
func (w *hitlWriter) Exceeded() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.exceed
}
