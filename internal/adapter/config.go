package adapter

import (
	"maps"
	"path/filepath"
	"slices"
	"time"

	"github.com/spachava753/stepbench/internal/models"
)

// Config is the immutable, per-run view of a framework's settings merged
// with the experiment defaults. Accessors hand out copies.
type Config struct {
	name        string
	adapterName string
	runID       string
	runDir      string
	sourceDir   string
	fw          models.FrameworkConfig
	extraEnv    map[string]string
	stepTimeout time.Duration
	maxAttempts int
}

// NewConfig builds the configuration for one run. sourceDir is an optional
// host checkout of the framework repository prepared ahead of the run.
func NewConfig(ref models.FrameworkRef, fw models.FrameworkConfig, exp models.ExperimentConfig, runID, runDir, sourceDir string) Config {
	stepTimeout := time.Duration(exp.StepTimeoutSec * float64(time.Second))
	if fw.Timeouts.StepSec > 0 {
		stepTimeout = time.Duration(fw.Timeouts.StepSec * float64(time.Second))
	}
	maxAttempts := exp.Retry.MaxAttempts
	if fw.Retry.MaxAttempts > 0 {
		maxAttempts = fw.Retry.MaxAttempts
	}
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	return Config{
		name:        ref.Name,
		adapterName: ref.Adapter,
		runID:       runID,
		runDir:      runDir,
		sourceDir:   sourceDir,
		fw:          cloneFramework(fw),
		extraEnv:    maps.Clone(exp.Env),
		stepTimeout: stepTimeout,
		maxAttempts: maxAttempts,
	}
}

func cloneFramework(fw models.FrameworkConfig) models.FrameworkConfig {
	fw.Manifest = slices.Clone(fw.Manifest)
	fw.Vars = maps.Clone(fw.Vars)
	fw.Settings = maps.Clone(fw.Settings)
	return fw
}

// Name returns the framework name.
func (c Config) Name() string { return c.name }

// AdapterName returns the adapter kind driving the framework.
func (c Config) AdapterName() string { return c.adapterName }

// RunID returns the run this configuration belongs to.
func (c Config) RunID() string { return c.runID }

// RunDir returns the host directory owned by the run.
func (c Config) RunDir() string { return c.runDir }

// ArtifactsDir returns where the workspace is archived on stop.
func (c Config) ArtifactsDir() string { return filepath.Join(c.runDir, "artifacts") }

// LogsDir returns where framework output is written.
func (c Config) LogsDir() string { return filepath.Join(c.runDir, "logs") }

// SourceDir returns the prepared host checkout, or "".
func (c Config) SourceDir() string { return c.sourceDir }

// Framework returns a copy of the framework settings.
func (c Config) Framework() models.FrameworkConfig { return cloneFramework(c.fw) }

// Ports returns the ports the framework binds.
func (c Config) Ports() []int { return c.fw.Ports.All() }

// StepTimeout bounds a single step attempt.
func (c Config) StepTimeout() time.Duration { return c.stepTimeout }

// SetupTimeout bounds the setup command.
func (c Config) SetupTimeout() time.Duration {
	return time.Duration(c.fw.Timeouts.SetupSec * float64(time.Second))
}

// StopTimeout bounds teardown.
func (c Config) StopTimeout() time.Duration {
	return time.Duration(c.fw.Timeouts.StopSec * float64(time.Second))
}

// MaxAttempts is the number of attempts a step gets on infrastructure failure.
func (c Config) MaxAttempts() int { return c.maxAttempts }

// APIKeyRef names the environment variable holding the framework's API key id.
func (c Config) APIKeyRef() string { return c.fw.Usage.APIKeyRef }

// Env returns the variables exported to every framework process: the
// experiment's env overlaid with the framework's own.
func (c Config) Env() map[string]string {
	out := maps.Clone(c.extraEnv)
	if out == nil {
		out = make(map[string]string)
	}
	maps.Copy(out, c.fw.Vars)
	return out
}
