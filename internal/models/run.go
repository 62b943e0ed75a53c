package models

import "time"

// RunState is the Runner's state machine position.
type RunState string

const (
	RunInitializing RunState = "initializing"
	RunExecuting    RunState = "executing"
	RunFinalizing   RunState = "finalizing"
	RunCompleted    RunState = "completed"
	RunFailed       RunState = "failed"
)

// Terminal reports whether no further transition can happen.
func (s RunState) Terminal() bool {
	return s == RunCompleted || s == RunFailed
}

// HealthObservation is one adapter health probe taken by the Runner.
type HealthObservation struct {
	AfterStep int       `json:"after_step"`
	Phase     string    `json:"phase"`
	Healthy   bool      `json:"healthy"`
	Timestamp time.Time `json:"timestamp"`
}

// RunRecord is the persisted outcome of one run. After persistence only the
// Usage section changes, and only by appending attempts.
type RunRecord struct {
	RunID        string              `json:"run_id"`
	Experiment   string              `json:"experiment"`
	Framework    string              `json:"framework"`
	Adapter      string              `json:"adapter"`
	APIKeyRef    string              `json:"api_key_ref,omitempty"`
	State        RunState            `json:"state"`
	Cancelled    bool                `json:"cancelled"`
	StartedAt    time.Time           `json:"started_at"`
	EndedAt      time.Time           `json:"ended_at"`
	EnabledSteps int                 `json:"enabled_steps"`
	Steps        []StepResult        `json:"steps"`
	Health       []HealthObservation `json:"health_checks,omitempty"`
	Aggregate    AggregateMetrics    `json:"aggregate"`
	Error        *RecordedError      `json:"error,omitempty"`
	ArtifactsDir string              `json:"artifacts_dir,omitempty"`
	Usage        ReconciliationState `json:"usage_reconciliation"`
}

// Window returns the time range the usage API is queried for.
func (r *RunRecord) Window() (time.Time, time.Time) {
	return r.StartedAt, r.EndedAt
}

// Aggregate metric names.
const (
	MetricTokensIn     = "TOK_IN"
	MetricTokensOut    = "TOK_OUT"
	MetricAPICalls     = "API_CALLS"
	MetricCachedTokens = "CACHED_TOKENS"
	MetricWallSeconds  = "T_WALL_seconds"
	MetricUTT          = "UTT"
	MetricHIT          = "HIT"
	MetricAUTR         = "AUTR"
	MetricAEI          = "AEI"
	MetricESR          = "ESR"
	MetricZDI          = "ZDI"
	MetricRetries      = "RETRIES"
)

// AggregateMetrics is a run-level metric map derived from the step results.
type AggregateMetrics map[string]float64

// Get returns the named metric and whether it is present.
func (m AggregateMetrics) Get(name string) (float64, bool) {
	v, ok := m[name]
	return v, ok
}
