// Package metrics accumulates step results into run-level metrics.
package metrics

import (
	"math"
	"slices"
	"sync"
	"time"

	"github.com/spachava753/stepbench/internal/models"
)

// Collector records the results of one run. It is safe for concurrent use.
type Collector struct {
	mu      sync.Mutex
	steps   []models.StepResult
	health  []models.HealthObservation
	started time.Time
	ended   time.Time
}

// NewCollector creates an empty collector.
func NewCollector() *Collector {
	return &Collector{}
}

// MarkStart records when the run began.
func (c *Collector) MarkStart(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.started = t
}

// MarkEnd records when the run finished.
func (c *Collector) MarkEnd(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ended = t
}

// Record appends a finished step. Step ids are kept as declared.
func (c *Collector) Record(r models.StepResult) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.steps = append(c.steps, r)
}

// RecordHealth appends a health observation.
func (c *Collector) RecordHealth(o models.HealthObservation) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.health = append(c.health, o)
}

// Steps returns the recorded step results in execution order.
func (c *Collector) Steps() []models.StepResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.steps)
}

// Health returns the recorded health observations.
func (c *Collector) Health() []models.HealthObservation {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Clone(c.health)
}

// Aggregate computes the run metrics from what has been recorded so far.
func (c *Collector) Aggregate() models.AggregateMetrics {
	c.mu.Lock()
	defer c.mu.Unlock()
	var wall time.Duration
	if !c.started.IsZero() && !c.ended.IsZero() {
		wall = c.ended.Sub(c.started)
	}
	return Aggregate(c.steps, c.health, wall)
}

// Aggregate derives run metrics from step results and health observations.
// When wall is zero the step durations are summed instead.
func Aggregate(steps []models.StepResult, health []models.HealthObservation, wall time.Duration) models.AggregateMetrics {
	var tokIn, tokOut, calls, cached int64
	var hit, retries, succeeded int
	var stepSeconds float64
	for _, s := range steps {
		tokIn += s.TokensIn
		tokOut += s.TokensOut
		calls += s.APICalls
		cached += s.CachedTokens
		hit += s.HITLCount
		retries += s.RetryCount
		stepSeconds += s.DurationSec
		if s.Success {
			succeeded++
		}
	}

	zdi := 0
	for _, h := range health {
		if !h.Healthy {
			zdi++
		}
	}

	wallSeconds := wall.Seconds()
	if wall <= 0 {
		wallSeconds = stepSeconds
	}

	utt := float64(len(steps))
	var autr, esr, aei float64
	if utt > 0 {
		autr = math.Max(0, 1-float64(hit)/utt)
		esr = float64(succeeded) / utt
	}
	if tokIn > 0 {
		aei = autr / math.Log1p(float64(tokIn))
	}

	return models.AggregateMetrics{
		models.MetricTokensIn:     float64(tokIn),
		models.MetricTokensOut:    float64(tokOut),
		models.MetricAPICalls:     float64(calls),
		models.MetricCachedTokens: float64(cached),
		models.MetricWallSeconds:  wallSeconds,
		models.MetricUTT:          utt,
		models.MetricHIT:          float64(hit),
		models.MetricAUTR:         autr,
		models.MetricAEI:          aei,
		models.MetricESR:          esr,
		models.MetricZDI:          float64(zdi),
		models.MetricRetries:      float64(retries),
	}
}

// Authoritative returns the run's metrics with the token and call counters
// replaced by the verified usage-API counts, when the run is verified.
func Authoritative(rec *models.RunRecord) models.AggregateMetrics {
	out := make(models.AggregateMetrics, len(rec.Aggregate))
	for k, v := range rec.Aggregate {
		out[k] = v
	}
	if rec.Usage.Status() != models.StatusVerified {
		return out
	}
	latest, _ := rec.Usage.Latest()
	out[models.MetricTokensIn] = float64(latest.TokensIn)
	out[models.MetricTokensOut] = float64(latest.TokensOut)
	out[models.MetricAPICalls] = float64(latest.APICalls)
	out[models.MetricCachedTokens] = float64(latest.CachedTokens)
	out[models.MetricAEI] = 0
	if latest.TokensIn > 0 {
		out[models.MetricAEI] = out[models.MetricAUTR] / math.Log1p(float64(latest.TokensIn))
	}
	return out
}
