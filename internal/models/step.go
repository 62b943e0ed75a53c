package models

import "time"

// Step is one declared unit of work sent to a framework during a run.
type Step struct {
	ID           int    `yaml:"id" json:"id" validate:"gt=0"`
	Enabled      bool   `yaml:"enabled" json:"enabled"`
	Name         string `yaml:"name" json:"name" validate:"required"`
	PromptSource string `yaml:"prompt_source" json:"prompt_source" validate:"required"`
}

// StepResult is the recorded outcome of one step after its retry loop has finished.
// It is never modified once the Runner has handed it to the metrics collector.
type StepResult struct {
	StepID       int            `json:"step_id"`
	Name         string         `json:"name"`
	Success      bool           `json:"success"`
	DurationSec  float64        `json:"duration_sec"`
	TokensIn     int64          `json:"tokens_in"`
	TokensOut    int64          `json:"tokens_out"`
	APICalls     int64          `json:"api_calls"`
	CachedTokens int64          `json:"cached_tokens"`
	HITLCount    int            `json:"hitl_count"`
	RetryCount   int            `json:"retry_count"`
	StartedAt    time.Time      `json:"start_ts"`
	EndedAt      time.Time      `json:"end_ts"`
	Error        *RecordedError `json:"error,omitempty"`
}

// Duration returns the wall-clock time the step took including retries.
func (r StepResult) Duration() time.Duration {
	return r.EndedAt.Sub(r.StartedAt)
}
