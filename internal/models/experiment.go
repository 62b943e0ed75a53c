package models

// StorageType selects the run record backend.
type StorageType string

const (
	StorageFile   StorageType = "file"
	StorageSQLite StorageType = "sqlite"
)

// ExperimentConfig represents the parsed experiment.yaml configuration.
type ExperimentConfig struct {
	Name                  string            `yaml:"name" json:"name" validate:"required"`
	RunsDir               string            `yaml:"runs_dir" json:"runs_dir" validate:"required"`
	LogLevel              string            `yaml:"log_level,omitempty" json:"log_level,omitempty" validate:"omitempty,oneof=debug info warn error"`
	Storage               StorageConfig     `yaml:"storage" json:"storage"`
	NConcurrentFrameworks int               `yaml:"n_concurrent_frameworks" json:"n_concurrent_frameworks" validate:"gte=1"`
	Retry                 RetryConfig       `yaml:"retry,omitempty" json:"retry,omitempty"`
	StepTimeoutSec        float64           `yaml:"step_timeout_sec" json:"step_timeout_sec" validate:"gt=0"`
	Health                HealthConfig      `yaml:"health,omitempty" json:"health,omitempty"`
	Steps                 []Step            `yaml:"steps" json:"steps" validate:"required,min=1,dive"`
	Frameworks            []FrameworkRef    `yaml:"frameworks" json:"frameworks" validate:"required,min=1,dive"`
	Stopping              StoppingConfig    `yaml:"stopping" json:"stopping"`
	Usage                 UsageAPIConfig    `yaml:"usage" json:"usage"`
	BaseDir               string            `yaml:"-" json:"-"`
	Env                   map[string]string `yaml:"env,omitempty" json:"env,omitempty"`
}

type StorageConfig struct {
	Type StorageType `yaml:"type" json:"type" validate:"oneof=file sqlite"`
	Path string      `yaml:"path,omitempty" json:"path,omitempty"`
}

type RetryConfig struct {
	MaxAttempts    int     `yaml:"max_attempts" json:"max_attempts" validate:"gte=1"`
	InitialDelayMs int     `yaml:"initial_delay_ms" json:"initial_delay_ms" validate:"gte=0"`
	MaxDelayMs     int     `yaml:"max_delay_ms" json:"max_delay_ms" validate:"gte=0"`
	Multiplier     float64 `yaml:"multiplier" json:"multiplier" validate:"gte=1"`
}

type HealthConfig struct {
	// DeployedAfterStep is the number of executed steps after which network
	// probes are part of the health check.
	DeployedAfterStep int  `yaml:"deployed_after_step" json:"deployed_after_step" validate:"gte=0"`
	EveryStep         bool `yaml:"every_step" json:"every_step"`
}

// FrameworkRef names a framework and the adapter that drives it.
type FrameworkRef struct {
	Name       string `yaml:"name" json:"name" validate:"required"`
	Adapter    string `yaml:"adapter" json:"adapter" validate:"required"`
	ConfigPath string `yaml:"config_path" json:"config_path" validate:"required"`
}

type StoppingConfig struct {
	MinRuns    int               `yaml:"min_runs" json:"min_runs" validate:"gte=1"`
	MaxRuns    int               `yaml:"max_runs" json:"max_runs" validate:"gtefield=MinRuns"`
	Confidence float64           `yaml:"confidence" json:"confidence" validate:"gt=0,lt=1"`
	Resamples  int               `yaml:"resamples" json:"resamples" validate:"gte=100"`
	Seed       uint64            `yaml:"seed" json:"seed"`
	Metrics    []MetricThreshold `yaml:"metrics" json:"metrics" validate:"dive"`
}

type MetricThreshold struct {
	Name            string  `yaml:"name" json:"name" validate:"required"`
	MaxHalfWidthPct float64 `yaml:"max_half_width_pct" json:"max_half_width_pct" validate:"gt=0"`
}

type UsageAPIConfig struct {
	BaseURL        string  `yaml:"base_url" json:"base_url" validate:"required,url"`
	AdminKeyEnv    string  `yaml:"admin_key_env" json:"admin_key_env" validate:"required"`
	MinIntervalMin float64 `yaml:"min_interval_min" json:"min_interval_min" validate:"gt=0"`
	BucketWidth    string  `yaml:"bucket_width" json:"bucket_width" validate:"oneof=1m 1h 1d"`
	RequestsPerSec float64 `yaml:"requests_per_sec" json:"requests_per_sec" validate:"gt=0"`
	TimeoutSec     float64 `yaml:"timeout_sec" json:"timeout_sec" validate:"gt=0"`
}

// ExperimentResult summarizes one orchestrated experiment.
type ExperimentResult struct {
	Name       string                      `json:"name"`
	Cancelled  bool                        `json:"cancelled"`
	Frameworks map[string]FrameworkSummary `json:"frameworks"`
}

type FrameworkSummary struct {
	Runs          int      `json:"runs"`
	CompletedRuns int      `json:"completed_runs"`
	FailedRuns    int      `json:"failed_runs"`
	VerifiedRuns  int      `json:"verified_runs"`
	StopReason    string   `json:"stop_reason"`
	RunIDs        []string `json:"run_ids"`
}
