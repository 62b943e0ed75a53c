package adapter

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spachava753/stepbench/internal/environment/local"
	"github.com/spachava753/stepbench/internal/models"
)

func testConfig(t *testing.T, fw models.FrameworkConfig, sourceDir string) Config {
	t.Helper()
	exp := models.ExperimentConfig{
		StepTimeoutSec: 600,
		Retry:          models.RetryConfig{MaxAttempts: 3},
		Env:            map[string]string{"SHARED": "exp", "OVERRIDE": "exp"},
	}
	ref := models.FrameworkRef{Name: "fw", Adapter: "cliagent"}
	return NewConfig(ref, fw, exp, "0123456789abcdef", t.TempDir(), sourceDir)
}

func TestConfigMergesDefaults(t *testing.T) {
	fw := models.FrameworkConfig{
		Vars:     map[string]string{"OVERRIDE": "fw"},
		Timeouts: models.TimeoutsConfig{StepSec: 30},
	}
	cfg := testConfig(t, fw, "")

	if cfg.StepTimeout() != 30*time.Second {
		t.Errorf("StepTimeout = %s, want 30s", cfg.StepTimeout())
	}
	if cfg.MaxAttempts() != 3 {
		t.Errorf("MaxAttempts = %d, want 3", cfg.MaxAttempts())
	}
	env := cfg.Env()
	if env["SHARED"] != "exp" || env["OVERRIDE"] != "fw" {
		t.Errorf("Env = %v", env)
	}

	env["OVERRIDE"] = "mutated"
	if cfg.Env()["OVERRIDE"] != "fw" {
		t.Error("Env must return a copy")
	}
	fwCopy := cfg.Framework()
	fwCopy.Vars["OVERRIDE"] = "mutated"
	if cfg.Framework().Vars["OVERRIDE"] != "fw" {
		t.Error("Framework must return a copy")
	}
}

func TestConfigFrameworkRetryOverride(t *testing.T) {
	cfg := testConfig(t, models.FrameworkConfig{Retry: models.FrameworkRetry{MaxAttempts: 5}}, "")
	if cfg.MaxAttempts() != 5 {
		t.Errorf("MaxAttempts = %d, want 5", cfg.MaxAttempts())
	}
	if cfg.StepTimeout() != 600*time.Second {
		t.Errorf("StepTimeout = %s, want experiment default", cfg.StepTimeout())
	}
}

func TestRecordError(t *testing.T) {
	tests := []struct {
		err  error
		want models.ErrorType
	}{
		{&InfrastructureError{Err: errors.New("crash")}, models.ErrInfrastructure},
		{&InfrastructureError{Timeout: true, Err: errors.New("slow")}, models.ErrStepTimeout},
		{&SetupError{Framework: "fw", Err: errors.New("no manifest")}, models.ErrSetupFailed},
		{errors.New("other"), models.ErrInternalError},
	}
	for _, tt := range tests {
		got := RecordError(tt.err)
		if got.Type != tt.want {
			t.Errorf("RecordError(%v).Type = %s, want %s", tt.err, got.Type, tt.want)
		}
	}
	if RecordError(nil) != nil {
		t.Error("RecordError(nil) should be nil")
	}
}

type stubAdapter struct{ Adapter }

func TestRegistryLookup(t *testing.T) {
	r := NewRegistry()
	var built []string
	if err := r.Register("cliagent", func(cfg Config) (Adapter, error) {
		built = append(built, "cliagent:"+cfg.Name())
		return stubAdapter{}, nil
	}); err != nil {
		t.Fatal(err)
	}
	if err := r.Register("special", func(cfg Config) (Adapter, error) {
		built = append(built, "special:"+cfg.Name())
		return stubAdapter{}, nil
	}); err != nil {
		t.Fatal(err)
	}
	if err := r.Register("cliagent", nil); err == nil {
		t.Error("duplicate registration should fail")
	}

	exp := models.ExperimentConfig{}
	for _, ref := range []models.FrameworkRef{
		{Name: "aider", Adapter: "cliagent"},
		{Name: "special", Adapter: "cliagent"},
	} {
		if _, err := r.New(NewConfig(ref, models.FrameworkConfig{}, exp, "id", "", "")); err != nil {
			t.Fatalf("New(%v): %v", ref, err)
		}
	}
	if strings.Join(built, ",") != "cliagent:aider,special:special" {
		t.Errorf("built = %v", built)
	}

	_, err := r.New(NewConfig(models.FrameworkRef{Name: "x", Adapter: "nope"}, models.FrameworkConfig{}, exp, "id", "", ""))
	if err == nil || !strings.Contains(err.Error(), "no adapter registered") {
		t.Errorf("expected lookup error, got %v", err)
	}
	if got := strings.Join(r.Names(), ","); got != "cliagent,special" {
		t.Errorf("Names = %s", got)
	}
}

func TestResponderIsDeterministic(t *testing.T) {
	path := filepath.Join(t.TempDir(), "responses.json")
	content := `{"database": "Use SQLite.", "Data": "Use JSON files.", "tests": "Yes, write tests."}`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	r, err := NewResponder(models.HITLConfig{ResponsesPath: path, DefaultResponse: "Proceed."})
	if err != nil {
		t.Fatalf("NewResponder: %v", err)
	}

	tests := []struct {
		query string
		want  string
	}{
		// "data" sorts before "database" and matches first.
		{"Which DATABASE should I use?", "Use JSON files."},
		{"Should I add tests?", "Yes, write tests."},
		{"What color?", "Proceed."},
	}
	for _, tt := range tests {
		for i := 0; i < 3; i++ {
			if got := r.Respond(tt.query); got != tt.want {
				t.Errorf("Respond(%q) = %q, want %q", tt.query, got, tt.want)
			}
		}
	}
}

func TestResponderBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "responses.json")
	os.WriteFile(path, []byte("not json"), 0644)
	if _, err := NewResponder(models.HITLConfig{ResponsesPath: path}); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestPortGuardFreesPort(t *testing.T) {
	l, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatal(err)
	}
	port := l.Addr().(*net.TCPAddr).Port

	var killed []int
	g := &PortGuard{
		Holders: func(ctx context.Context, p int) ([]int, error) {
			if p != port {
				t.Errorf("Holders asked for %d, want %d", p, port)
			}
			return []int{4242}, nil
		},
		Kill: func(pid int) error {
			killed = append(killed, pid)
			return l.Close()
		},
		Wait: 2 * time.Second,
	}
	if err := g.EnsureFree(context.Background(), "fw", []int{port}); err != nil {
		t.Fatalf("EnsureFree: %v", err)
	}
	if len(killed) != 1 || killed[0] != 4242 {
		t.Errorf("killed = %v", killed)
	}
}

func TestPortGuardFailsWhenPortStaysBusy(t *testing.T) {
	l, err := net.Listen("tcp", ":0")
	if err != nil {
		t.Fatal(err)
	}
	defer l.Close()
	port := l.Addr().(*net.TCPAddr).Port

	g := &PortGuard{
		Holders: func(ctx context.Context, p int) ([]int, error) { return nil, nil },
		Kill:    func(pid int) error { return nil },
		Wait:    200 * time.Millisecond,
	}
	err = g.EnsureFree(context.Background(), "fw", []int{port})
	if !IsSetupError(err) {
		t.Fatalf("expected SetupError, got %v", err)
	}
}

func TestParsePids(t *testing.T) {
	got := parsePids("123\n456\nbogus\n0\n")
	if len(got) != 2 || got[0] != 123 || got[1] != 456 {
		t.Errorf("parsePids = %v", got)
	}
}

func TestWorkspaceLifecycle(t *testing.T) {
	src := t.TempDir()
	os.WriteFile(filepath.Join(src, "main.py"), []byte("print('hi')"), 0644)

	fw := models.FrameworkConfig{
		Manifest: []string{"main.py"},
		Setup:    "touch .ready",
		Timeouts: models.TimeoutsConfig{SetupSec: 30, StopSec: 30},
	}
	cfg := testConfig(t, fw, src)
	ws := NewWorkspace(cfg, local.NewProvider())
	ctx := context.Background()

	if err := ws.Open(ctx); err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := ws.Open(ctx); err != nil {
		t.Fatalf("second Open: %v", err)
	}
	workDir := ws.Env().WorkDir()
	for _, name := range []string{"main.py", ".ready"} {
		if _, err := os.Stat(filepath.Join(workDir, name)); err != nil {
			t.Errorf("%s missing from workspace: %v", name, err)
		}
	}

	if err := ws.Close(ctx); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := ws.Close(ctx); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if ws.ArchiveDir() != workDir {
		t.Errorf("ArchiveDir = %q, want %q", ws.ArchiveDir(), workDir)
	}
}

func TestWorkspaceSetupErrors(t *testing.T) {
	tests := []struct {
		name    string
		fw      models.FrameworkConfig
		wantMsg string
	}{
		{
			name:    "missing manifest",
			fw:      models.FrameworkConfig{Manifest: []string{"requirements.txt", "app.py"}},
			wantMsg: "manifest files missing: requirements.txt, app.py",
		},
		{
			name:    "failing setup",
			fw:      models.FrameworkConfig{Setup: "echo boom; exit 3", Timeouts: models.TimeoutsConfig{SetupSec: 30}},
			wantMsg: "setup exited with code 3",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ws := NewWorkspace(testConfig(t, tt.fw, ""), local.NewProvider())
			err := ws.Open(context.Background())
			if !IsSetupError(err) {
				t.Fatalf("expected SetupError, got %v", err)
			}
			if !strings.Contains(err.Error(), tt.wantMsg) {
				t.Errorf("error %q should contain %q", err, tt.wantMsg)
			}
			if err := ws.Close(context.Background()); err != nil {
				t.Errorf("Close after failed Open: %v", err)
			}
		})
	}
}

func TestShellQuote(t *testing.T) {
	if got := ShellQuote("it's"); got != `'it'\''s'` {
		t.Errorf("ShellQuote = %s", got)
	}
}

func TestNewProviderByType(t *testing.T) {
	for _, typ := range []string{"", "local", "docker"} {
		p, err := NewProvider(models.FrameworkConfig{Env: models.EnvironmentConfig{Type: typ}})
		if err != nil {
			t.Fatalf("NewProvider(%q): %v", typ, err)
		}
		want := typ
		if want == "" {
			want = "local"
		}
		if p.Name() != want {
			t.Errorf("NewProvider(%q).Name() = %q", typ, p.Name())
		}
	}
	if _, err := NewProvider(models.FrameworkConfig{Env: models.EnvironmentConfig{Type: "vm"}}); err == nil {
		t.Error("unknown environment type accepted")
	}
}
