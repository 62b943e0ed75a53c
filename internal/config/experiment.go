package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spachava753/stepbench/internal/models"
	"gopkg.in/yaml.v3"
)

// DefaultExperimentConfig returns an ExperimentConfig with default values.
func DefaultExperimentConfig() models.ExperimentConfig {
	return models.ExperimentConfig{
		RunsDir:               "runs",
		LogLevel:              "info",
		NConcurrentFrameworks: 1,
		StepTimeoutSec:        600.0,
		Storage: models.StorageConfig{
			Type: models.StorageFile,
		},
		Retry: models.RetryConfig{
			MaxAttempts:    3,
			InitialDelayMs: 1000,
			MaxDelayMs:     30000,
			Multiplier:     2.0,
		},
		Health: models.HealthConfig{
			DeployedAfterStep: 1,
		},
		Stopping: models.StoppingConfig{
			MinRuns:    5,
			MaxRuns:    50,
			Confidence: 0.95,
			Resamples:  2000,
			Seed:       42,
		},
		Usage: models.UsageAPIConfig{
			BaseURL:        "https://api.openai.com/v1",
			AdminKeyEnv:    "OPENAI_ADMIN_KEY",
			MinIntervalMin: 60,
			BucketWidth:    "1m",
			RequestsPerSec: 1,
			TimeoutSec:     30,
		},
	}
}

// LoadExperimentConfig loads, defaults and validates an experiment.yaml file.
// Relative paths inside the file are resolved against the file's directory.
func LoadExperimentConfig(path string) (models.ExperimentConfig, error) {
	cfg := DefaultExperimentConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("reading experiment config: %w", err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parsing experiment config: %w", err)
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return cfg, fmt.Errorf("getting absolute path: %w", err)
	}
	cfg.BaseDir = filepath.Dir(absPath)

	// Apply defaults for values explicitly zeroed in the file
	if cfg.RunsDir == "" {
		cfg.RunsDir = "runs"
	}
	if cfg.Storage.Type == "" {
		cfg.Storage.Type = models.StorageFile
	}
	if cfg.Storage.Type == models.StorageSQLite && cfg.Storage.Path == "" {
		cfg.Storage.Path = filepath.Join(cfg.RunsDir, "runs.db")
	}
	if cfg.NConcurrentFrameworks == 0 {
		cfg.NConcurrentFrameworks = 1
	}
	if cfg.Retry.MaxAttempts == 0 {
		cfg.Retry.MaxAttempts = 3
	}
	if cfg.Retry.Multiplier == 0 {
		cfg.Retry.Multiplier = 2.0
	}

	cfg.RunsDir = resolve(cfg.BaseDir, cfg.RunsDir)
	cfg.Storage.Path = resolve(cfg.BaseDir, cfg.Storage.Path)
	for i := range cfg.Frameworks {
		cfg.Frameworks[i].ConfigPath = resolve(cfg.BaseDir, cfg.Frameworks[i].ConfigPath)
	}
	for i := range cfg.Steps {
		cfg.Steps[i].PromptSource = resolve(cfg.BaseDir, cfg.Steps[i].PromptSource)
	}

	if err := validateStruct("experiment config", cfg); err != nil {
		return cfg, err
	}

	seen := make(map[string]bool)
	for _, fw := range cfg.Frameworks {
		if seen[fw.Name] {
			return cfg, &ValidationError{
				Source:   "experiment config",
				Problems: []string{fmt.Sprintf("framework %q declared more than once", fw.Name)},
			}
		}
		seen[fw.Name] = true
	}

	return cfg, nil
}

func resolve(base, p string) string {
	if p == "" || filepath.IsAbs(p) {
		return p
	}
	return filepath.Join(base, p)
}
