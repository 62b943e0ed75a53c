// Package service drives frameworks that run as a long-lived server on an
// API/UI port pair. Steps are submitted over HTTP.
package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/spachava753/stepbench/internal/adapter"
	"github.com/spachava753/stepbench/internal/environment"
	"github.com/spachava753/stepbench/internal/models"
)

// Name is the adapter kind this package registers under.
const Name = "service"

// Step statuses reported by the framework server.
const (
	StatusCompleted  = "completed"
	StatusFailed     = "failed"
	StatusRunning    = "running"
	StatusNeedsInput = "needs_input"
)

// StepRequest is posted to the step endpoint.
type StepRequest struct {
	StepID int    `json:"step_id"`
	Prompt string `json:"prompt"`
}

// ReplyRequest answers a needs_input response.
type ReplyRequest struct {
	ConversationID string `json:"conversation_id"`
	StepID         int    `json:"step_id"`
	Answer         string `json:"answer"`
}

// StepResponse is the server's view of a step.
type StepResponse struct {
	ConversationID string `json:"conversation_id"`
	Status         string `json:"status"`
	Query          string `json:"query,omitempty"`
	Error          string `json:"error,omitempty"`
	Usage          struct {
		TokensIn     int64 `json:"tokens_in"`
		TokensOut    int64 `json:"tokens_out"`
		APICalls     int64 `json:"api_calls"`
		CachedTokens int64 `json:"cached_tokens"`
	} `json:"usage"`
}

// Adapter runs the framework's server for the whole run.
type Adapter struct {
	cfg       adapter.Config
	fw        models.FrameworkConfig
	ws        *adapter.Workspace
	responder *adapter.Responder
	client    *http.Client

	mu      sync.Mutex
	pid     int
	stopped bool
}

// New is the adapter.Factory for service frameworks.
func New(cfg adapter.Config) (adapter.Adapter, error) {
	provider, err := adapter.NewProvider(cfg.Framework())
	if err != nil {
		return nil, err
	}
	return NewWithProvider(cfg, provider)
}

// NewWithProvider builds the adapter on an explicit environment provider.
func NewWithProvider(cfg adapter.Config, provider environment.Provider) (*Adapter, error) {
	fw := cfg.Framework()
	if fw.Ports.API <= 0 {
		return nil, fmt.Errorf("service adapter for %s requires ports.api", cfg.Name())
	}
	responder, err := adapter.NewResponder(fw.HITL)
	if err != nil {
		return nil, err
	}
	return &Adapter{
		cfg:       cfg,
		fw:        fw,
		ws:        adapter.NewWorkspace(cfg, provider),
		responder: responder,
		client:    &http.Client{},
	}, nil
}

func (a *Adapter) apiURL(path string) string {
	return fmt.Sprintf("http://%s:%d%s", a.fw.Service.Host, a.fw.Ports.API, path)
}

func (a *Adapter) uiURL(path string) string {
	return fmt.Sprintf("http://%s:%d%s", a.fw.Service.Host, a.fw.Ports.UI, path)
}

// Start opens the workspace, launches the server in the background and waits
// until its health endpoint answers.
func (a *Adapter) Start(ctx context.Context) error {
	a.mu.Lock()
	started := a.pid != 0
	a.mu.Unlock()
	if started {
		return nil
	}

	if err := a.ws.Open(ctx); err != nil {
		return err
	}
	env := a.ws.Env()

	pid, err := a.spawn(ctx, env)
	if err != nil {
		return &adapter.SetupError{Framework: a.cfg.Name(), Err: err}
	}
	a.mu.Lock()
	a.pid = pid
	a.mu.Unlock()
	slog.Info("framework server started", "framework", a.cfg.Name(), "pid", pid, "api_port", a.fw.Ports.API)

	if err := a.waitReady(ctx); err != nil {
		return &adapter.SetupError{Framework: a.cfg.Name(), Err: err}
	}
	return nil
}

// spawn starts the server detached inside the environment and returns its pid.
func (a *Adapter) spawn(ctx context.Context, env environment.Environment) (int, error) {
	script := fmt.Sprintf("mkdir -p .stepbench && (setsid nohup bash -c %s > .stepbench/server.log 2>&1 < /dev/null & echo $!)",
		adapter.ShellQuote(a.fw.Process.Command))
	var stdout, stderr bytes.Buffer
	code, err := env.Exec(ctx, script, &stdout, &stderr, environment.ExecOptions{
		Env: map[string]string{
			"STEPBENCH_WORKSPACE": env.WorkDir(),
			"STEPBENCH_API_PORT":  strconv.Itoa(a.fw.Ports.API),
			"STEPBENCH_UI_PORT":   strconv.Itoa(a.fw.Ports.UI),
		},
		Timeout: 30 * time.Second,
	})
	if err != nil {
		return 0, fmt.Errorf("launching server: %w", err)
	}
	if code != 0 {
		return 0, fmt.Errorf("launching server exited %d: %s", code, stderr.String())
	}
	pid, err := strconv.Atoi(strings.TrimSpace(stdout.String()))
	if err != nil {
		return 0, fmt.Errorf("parsing server pid %q: %w", stdout.String(), err)
	}
	return pid, nil
}

func (a *Adapter) waitReady(ctx context.Context) error {
	timeout := time.Duration(a.fw.Service.ReadyTimeoutSec * float64(time.Second))
	deadline := time.Now().Add(timeout)
	interval := 100 * time.Millisecond
	for {
		if a.probe(ctx, a.apiURL(a.fw.Service.HealthPath)) {
			return nil
		}
		if !a.processAlive(ctx) {
			return fmt.Errorf("server exited before becoming ready; see .stepbench/server.log")
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("server not ready after %s", timeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
		if interval < 2*time.Second {
			interval *= 2
		}
	}
}

// ExecuteStep posts the step and follows the conversation until the server
// reports a terminal status.
func (a *Adapter) ExecuteStep(ctx context.Context, stepID int, command string) (models.StepResult, error) {
	result := models.StepResult{StepID: stepID, StartedAt: time.Now()}
	finish := func() {
		result.EndedAt = time.Now()
		result.DurationSec = result.EndedAt.Sub(result.StartedAt).Seconds()
	}

	ctx, cancel := context.WithTimeout(ctx, a.cfg.StepTimeout())
	defer cancel()

	resp, err := a.post(ctx, a.fw.Service.StepPath, StepRequest{StepID: stepID, Prompt: command})
	for err == nil {
		switch resp.Status {
		case StatusNeedsInput:
			result.HITLCount++
			if max := a.fw.HITL.MaxPerStep; max > 0 && result.HITLCount > max {
				finish()
				result.Error = &models.RecordedError{
					Type:    models.ErrHITLLimitExceeded,
					Message: fmt.Sprintf("framework asked %d questions, limit is %d", result.HITLCount, max),
				}
				return result, nil
			}
			answer := a.HandleHITL(resp.Query)
			resp, err = a.post(ctx, a.fw.Service.ReplyPath, ReplyRequest{
				ConversationID: resp.ConversationID,
				StepID:         stepID,
				Answer:         answer,
			})
		case StatusRunning:
			select {
			case <-ctx.Done():
				err = ctx.Err()
				continue
			case <-time.After(time.Duration(a.fw.Service.PollIntervalSec * float64(time.Second))):
			}
			resp, err = a.get(ctx, a.fw.Service.StepPath+"/"+resp.ConversationID)
		case StatusCompleted, StatusFailed:
			finish()
			result.TokensIn = resp.Usage.TokensIn
			result.TokensOut = resp.Usage.TokensOut
			result.APICalls = resp.Usage.APICalls
			result.CachedTokens = resp.Usage.CachedTokens
			if resp.Status == StatusCompleted {
				result.Success = true
			} else {
				result.Error = &models.RecordedError{Type: models.ErrFrameworkFailure, Message: resp.Error}
			}
			return result, nil
		default:
			err = fmt.Errorf("unknown step status %q", resp.Status)
		}
	}

	finish()
	var rejected *rejectedError
	if errors.As(err, &rejected) {
		result.Error = &models.RecordedError{Type: models.ErrFrameworkFailure, Message: rejected.Error()}
		return result, nil
	}
	return result, &adapter.InfrastructureError{
		Timeout: errors.Is(err, context.DeadlineExceeded),
		Err:     err,
	}
}

// rejectedError is a 4xx answer: the server understood and refused the step.
type rejectedError struct {
	code int
	body string
}

func (e *rejectedError) Error() string {
	return fmt.Sprintf("server rejected step: %d %s", e.code, e.body)
}

func (a *Adapter) post(ctx context.Context, path string, body any) (StepResponse, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return StepResponse{}, fmt.Errorf("encoding request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.apiURL(path), bytes.NewReader(data))
	if err != nil {
		return StepResponse{}, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return a.do(req)
}

func (a *Adapter) get(ctx context.Context, path string) (StepResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.apiURL(path), nil)
	if err != nil {
		return StepResponse{}, fmt.Errorf("creating request: %w", err)
	}
	return a.do(req)
}

func (a *Adapter) do(req *http.Request) (StepResponse, error) {
	var out StepResponse
	resp, err := a.client.Do(req)
	if err != nil {
		return out, fmt.Errorf("%s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return out, fmt.Errorf("reading response: %w", err)
	}
	switch {
	case resp.StatusCode >= 500:
		return out, fmt.Errorf("server error %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	case resp.StatusCode >= 400:
		return out, &rejectedError{code: resp.StatusCode, body: strings.TrimSpace(string(body))}
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return out, fmt.Errorf("decoding response: %w", err)
	}
	return out, nil
}

// HealthCheck always checks the server process; the deployed phase also
// probes the API and UI endpoints.
func (a *Adapter) HealthCheck(ctx context.Context, phase adapter.HealthPhase) bool {
	if a.ws.Env() == nil || !a.processAlive(ctx) {
		return false
	}
	if phase < adapter.PhaseDeployed {
		return true
	}
	if !a.probe(ctx, a.apiURL(a.fw.Service.HealthPath)) {
		slog.Debug("api probe failed", "framework", a.cfg.Name())
		return false
	}
	if a.fw.Ports.UI > 0 {
		path := a.fw.Service.UIHealthPath
		if path == "" {
			path = "/"
		}
		if !a.probe(ctx, a.uiURL(path)) {
			slog.Debug("ui probe failed", "framework", a.cfg.Name())
			return false
		}
	}
	return true
}

func (a *Adapter) processAlive(ctx context.Context) bool {
	a.mu.Lock()
	pid := a.pid
	a.mu.Unlock()
	env := a.ws.Env()
	if pid == 0 || env == nil {
		return false
	}
	checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	code, err := env.Exec(checkCtx, fmt.Sprintf("kill -0 %d", pid), io.Discard, io.Discard, environment.ExecOptions{})
	return err == nil && code == 0
}

func (a *Adapter) probe(ctx context.Context, url string) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, url, nil)
	if err != nil {
		return false
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return false
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	return resp.StatusCode < 400
}

// HandleHITL answers from the framework's response table.
func (a *Adapter) HandleHITL(query string) string {
	return a.responder.Respond(query)
}

// Stop terminates the server's process group, then archives and destroys
// the workspace.
func (a *Adapter) Stop(ctx context.Context) error {
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return nil
	}
	a.stopped = true
	pid := a.pid
	a.mu.Unlock()

	if env := a.ws.Env(); env != nil && pid != 0 {
		// setsid made the server a group leader, so -pid reaches its children.
		kill := fmt.Sprintf("kill -TERM -%d 2>/dev/null; sleep 1; kill -KILL -%d 2>/dev/null; true", pid, pid)
		if _, err := env.Exec(ctx, kill, io.Discard, io.Discard, environment.ExecOptions{Timeout: 15 * time.Second}); err != nil {
			slog.Warn("terminating framework server", "framework", a.cfg.Name(), "pid", pid, "error", err)
		}
	}
	return a.ws.Close(ctx)
}

// ArtifactsDir returns where the workspace was archived.
func (a *Adapter) ArtifactsDir() string {
	return a.ws.ArchiveDir()
}
