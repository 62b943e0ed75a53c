package models

// FrameworkConfig represents the parsed framework.toml configuration.
type FrameworkConfig struct {
	Version    string            `toml:"version"`
	RepoURL    string            `toml:"repo_url,omitempty"`
	CommitHash string            `toml:"commit_hash,omitempty"`
	Manifest   []string          `toml:"manifest,omitempty"`
	Setup      string            `toml:"setup,omitempty"`
	Process    ProcessConfig     `toml:"process"`
	Ports      PortsConfig       `toml:"ports"`
	Timeouts   TimeoutsConfig    `toml:"timeouts"`
	Retry      FrameworkRetry    `toml:"retry"`
	Usage      FrameworkUsage    `toml:"usage"`
	Env        EnvironmentConfig `toml:"environment"`
	HITL       HITLConfig        `toml:"hitl"`
	Service    ServiceConfig     `toml:"service"`
	Vars       map[string]string `toml:"env,omitempty"`
	Settings   map[string]string `toml:"settings,omitempty"`
}

type ProcessConfig struct {
	// Command is run once per step (cliagent) or once at start (service).
	// STEPBENCH_PROMPT_FILE, STEPBENCH_STEP_ID and STEPBENCH_WORKSPACE are
	// exported to it.
	Command string `toml:"command"`
	// UsageFile is a workspace-relative JSON file the framework writes with
	// its own token counters after each step.
	UsageFile string `toml:"usage_file,omitempty"`
}

type PortsConfig struct {
	API int `toml:"api"`
	UI  int `toml:"ui"`
}

// All returns the configured non-zero ports.
func (p PortsConfig) All() []int {
	var ports []int
	for _, port := range []int{p.API, p.UI} {
		if port > 0 {
			ports = append(ports, port)
		}
	}
	return ports
}

type TimeoutsConfig struct {
	StepSec  float64 `toml:"step_sec"`  // default: experiment step_timeout_sec
	SetupSec float64 `toml:"setup_sec"` // default: 900.0
	StopSec  float64 `toml:"stop_sec"`  // default: 120.0
}

type FrameworkRetry struct {
	MaxAttempts int `toml:"max_attempts"` // default: experiment retry.max_attempts
}

type FrameworkUsage struct {
	// APIKeyRef names the environment variable holding the API key id the
	// framework was given; the usage API is filtered by it.
	APIKeyRef string `toml:"api_key_ref"`
}

type EnvironmentConfig struct {
	Type     string `toml:"type"` // default: local
	Image    string `toml:"image,omitempty"`
	CPUs     int    `toml:"cpus"`
	Memory   string `toml:"memory,omitempty"` // Deprecated: use MemoryMB
	MemoryMB int    `toml:"memory_mb,omitempty"`
	WorkDir  string `toml:"workdir,omitempty"`
}

type HITLConfig struct {
	ResponsesPath   string `toml:"responses_path,omitempty"`
	DefaultResponse string `toml:"default_response"`
	Marker          string `toml:"marker"`
	MaxPerStep      int    `toml:"max_per_step"`
}

type ServiceConfig struct {
	Host            string  `toml:"host"`
	StepPath        string  `toml:"step_path"`
	ReplyPath       string  `toml:"reply_path"`
	HealthPath      string  `toml:"health_path"`
	UIHealthPath    string  `toml:"ui_health_path"`
	PollIntervalSec float64 `toml:"poll_interval_sec"`
	ReadyTimeoutSec float64 `toml:"ready_timeout_sec"`
}
