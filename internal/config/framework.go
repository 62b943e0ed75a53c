package config

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
	"github.com/spachava753/stepbench/internal/models"
	"github.com/spachava753/stepbench/internal/util"
)

// DefaultFrameworkConfig returns a FrameworkConfig with default values.
func DefaultFrameworkConfig() models.FrameworkConfig {
	return models.FrameworkConfig{
		Version: "1.0",
		Timeouts: models.TimeoutsConfig{
			SetupSec: 900.0,
			StopSec:  120.0,
		},
		Env: models.EnvironmentConfig{
			Type:     "local",
			CPUs:     1,
			MemoryMB: 2048, // 2G
		},
		HITL: models.HITLConfig{
			Marker:          "[[HITL]]",
			DefaultResponse: "Proceed with your best judgement and do not ask further questions.",
			MaxPerStep:      5,
		},
		Service: models.ServiceConfig{
			Host:            "127.0.0.1",
			StepPath:        "/steps",
			ReplyPath:       "/steps/reply",
			HealthPath:      "/health",
			PollIntervalSec: 2.0,
			ReadyTimeoutSec: 120.0,
		},
	}
}

// LoadFrameworkConfig loads a framework.toml from a path on disk.
func LoadFrameworkConfig(path string) (models.FrameworkConfig, error) {
	cfg, err := LoadFrameworkConfigFS(os.DirFS(filepath.Dir(path)), filepath.Base(path))
	if err != nil {
		return cfg, err
	}
	if cfg.HITL.ResponsesPath != "" && !filepath.IsAbs(cfg.HITL.ResponsesPath) {
		cfg.HITL.ResponsesPath = filepath.Join(filepath.Dir(path), cfg.HITL.ResponsesPath)
	}
	return cfg, nil
}

// LoadFrameworkConfigFS loads and parses a framework.toml file from the given filesystem.
func LoadFrameworkConfigFS(fsys fs.FS, name string) (models.FrameworkConfig, error) {
	cfg := DefaultFrameworkConfig()

	data, err := fs.ReadFile(fsys, name)
	if err != nil {
		return cfg, fmt.Errorf("reading %s: %w", name, err)
	}

	md, err := toml.Decode(string(data), &cfg)
	if err != nil {
		return cfg, fmt.Errorf("parsing %s: %w", name, err)
	}

	// Handle legacy 'memory' field if 'memory_mb' is not explicitly set
	if !md.IsDefined("environment", "memory_mb") && md.IsDefined("environment", "memory") {
		mb, err := util.ParseMemory(cfg.Env.Memory)
		if err != nil {
			return cfg, fmt.Errorf("parsing memory %q: %w", cfg.Env.Memory, err)
		}
		cfg.Env.MemoryMB = mb
	}

	var problems []string
	if cfg.Process.Command == "" {
		problems = append(problems, "process.command is required")
	}
	switch cfg.Env.Type {
	case "local", "docker", "apple", "modal":
	default:
		problems = append(problems, fmt.Sprintf("environment.type must be one of [local docker apple modal], got %q", cfg.Env.Type))
	}
	if cfg.Env.Type != "local" && cfg.Env.Image == "" {
		problems = append(problems, fmt.Sprintf("environment.image is required for %s environments", cfg.Env.Type))
	}
	if cfg.Env.Type == "modal" && len(cfg.Ports.All()) > 0 {
		problems = append(problems, "modal environments cannot expose ports; service frameworks need local, docker or apple")
	}
	if cfg.CommitHash != "" && cfg.RepoURL == "" {
		problems = append(problems, "commit_hash requires repo_url")
	}
	if cfg.Ports.API != 0 && cfg.Ports.API == cfg.Ports.UI {
		problems = append(problems, "ports.api and ports.ui must differ")
	}
	if len(problems) > 0 {
		return cfg, &ValidationError{Source: name, Problems: problems}
	}

	return cfg, nil
}
