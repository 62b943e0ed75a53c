package models

import (
	"encoding/json"
	"time"
)

// ReconciliationStatus is the trust level of a run's usage counts.
type ReconciliationStatus string

const (
	StatusNoDataYet ReconciliationStatus = "no_data_yet"
	StatusPending   ReconciliationStatus = "pending"
	StatusVerified  ReconciliationStatus = "verified"
	StatusWarning   ReconciliationStatus = "warning"
)

// UsageCounts are the four counters reported by the usage-accounting API.
type UsageCounts struct {
	TokensIn     int64 `json:"tokens_in"`
	TokensOut    int64 `json:"tokens_out"`
	APICalls     int64 `json:"api_calls"`
	CachedTokens int64 `json:"cached_tokens"`
}

// IsZero reports whether no usage has been observed.
func (c UsageCounts) IsZero() bool {
	return c == UsageCounts{}
}

// Add returns the element-wise sum.
func (c UsageCounts) Add(o UsageCounts) UsageCounts {
	return UsageCounts{
		TokensIn:     c.TokensIn + o.TokensIn,
		TokensOut:    c.TokensOut + o.TokensOut,
		APICalls:     c.APICalls + o.APICalls,
		CachedTokens: c.CachedTokens + o.CachedTokens,
	}
}

// AnyBelow reports whether any counter is lower than the same counter in o.
func (c UsageCounts) AnyBelow(o UsageCounts) bool {
	return c.TokensIn < o.TokensIn ||
		c.TokensOut < o.TokensOut ||
		c.APICalls < o.APICalls ||
		c.CachedTokens < o.CachedTokens
}

// UsageAttempt is one observation of the usage API for a run's time window.
type UsageAttempt struct {
	Timestamp time.Time `json:"timestamp"`
	UsageCounts
	PerStep map[int]UsageCounts `json:"per_step_breakdown,omitempty"`
}

// ReconciliationState is the append-only audit trail of usage observations.
// Status and VerifiedAt are derived from Attempts on every read.
type ReconciliationState struct {
	MinInterval time.Duration
	Attempts    []UsageAttempt
}

// Status returns the status derived from the attempt history.
func (s ReconciliationState) Status() ReconciliationStatus {
	st, _ := ComputeStatus(s.Attempts, s.MinInterval)
	return st
}

// VerifiedAt returns when the counts became trustworthy, or nil.
func (s ReconciliationState) VerifiedAt() *time.Time {
	_, at := ComputeStatus(s.Attempts, s.MinInterval)
	return at
}

// Latest returns the most recent attempt, if any.
func (s ReconciliationState) Latest() (UsageAttempt, bool) {
	if len(s.Attempts) == 0 {
		return UsageAttempt{}, false
	}
	return s.Attempts[len(s.Attempts)-1], true
}

type reconciliationJSON struct {
	Status         ReconciliationStatus `json:"status"`
	VerifiedAt     *time.Time           `json:"verified_at"`
	MinIntervalSec float64              `json:"min_interval_sec"`
	Attempts       []UsageAttempt       `json:"attempts"`
}

// MarshalJSON writes the derived status next to the attempts for readers of run.json.
func (s ReconciliationState) MarshalJSON() ([]byte, error) {
	st, at := ComputeStatus(s.Attempts, s.MinInterval)
	attempts := s.Attempts
	if attempts == nil {
		attempts = []UsageAttempt{}
	}
	return json.Marshal(reconciliationJSON{
		Status:         st,
		VerifiedAt:     at,
		MinIntervalSec: s.MinInterval.Seconds(),
		Attempts:       attempts,
	})
}

// UnmarshalJSON ignores the stored status; it is recomputed on read.
func (s *ReconciliationState) UnmarshalJSON(data []byte) error {
	var raw reconciliationJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	s.MinInterval = time.Duration(raw.MinIntervalSec * float64(time.Second))
	s.Attempts = raw.Attempts
	return nil
}
