package metrics

import (
	"math"
	"sync"
	"testing"
	"time"

	"github.com/spachava753/stepbench/internal/models"
)

func TestAggregateAllStepsSucceed(t *testing.T) {
	c := NewCollector()
	start := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	c.MarkStart(start)
	for _, id := range []int{1, 2, 3} {
		c.Record(models.StepResult{StepID: id, Success: true, TokensIn: 100, TokensOut: 50, APICalls: 2, DurationSec: 10})
	}
	c.MarkEnd(start.Add(45 * time.Second))

	m := c.Aggregate()
	want := map[string]float64{
		models.MetricUTT:         3,
		models.MetricAUTR:        1.0,
		models.MetricESR:         1.0,
		models.MetricTokensIn:    300,
		models.MetricTokensOut:   150,
		models.MetricAPICalls:    6,
		models.MetricWallSeconds: 45,
		models.MetricHIT:         0,
		models.MetricZDI:         0,
	}
	for name, v := range want {
		if got, _ := m.Get(name); got != v {
			t.Errorf("%s = %v, want %v", name, got, v)
		}
	}
	if got, want := m[models.MetricAEI], 1/math.Log1p(300); math.Abs(got-want) > 1e-12 {
		t.Errorf("AEI = %v, want %v", got, want)
	}
}

func TestAggregateHITLAndFailures(t *testing.T) {
	steps := []models.StepResult{
		{StepID: 1, Success: true, HITLCount: 1, DurationSec: 2},
		{StepID: 3, Success: false, RetryCount: 2, DurationSec: 3},
		{StepID: 5, Success: true, HITLCount: 1, CachedTokens: 40, DurationSec: 5},
		{StepID: 7, Success: true},
	}
	health := []models.HealthObservation{{Healthy: true}, {Healthy: false}, {Healthy: false}}

	m := Aggregate(steps, health, 0)
	if m[models.MetricAUTR] != 0.5 {
		t.Errorf("AUTR = %v, want 0.5", m[models.MetricAUTR])
	}
	if m[models.MetricESR] != 0.75 {
		t.Errorf("ESR = %v, want 0.75", m[models.MetricESR])
	}
	if m[models.MetricZDI] != 2 {
		t.Errorf("ZDI = %v, want 2", m[models.MetricZDI])
	}
	if m[models.MetricRetries] != 2 {
		t.Errorf("RETRIES = %v, want 2", m[models.MetricRetries])
	}
	if m[models.MetricWallSeconds] != 10 {
		t.Errorf("T_WALL_seconds = %v, want step sum 10", m[models.MetricWallSeconds])
	}
	if m[models.MetricAEI] != 0 {
		t.Errorf("AEI with no input tokens = %v, want 0", m[models.MetricAEI])
	}
	if m[models.MetricCachedTokens] != 40 {
		t.Errorf("CACHED_TOKENS = %v", m[models.MetricCachedTokens])
	}
}

func TestAggregateEmptyAndClamped(t *testing.T) {
	m := Aggregate(nil, nil, 0)
	if m[models.MetricUTT] != 0 || m[models.MetricAUTR] != 0 {
		t.Errorf("empty aggregate = %v", m)
	}

	m = Aggregate([]models.StepResult{{StepID: 1, HITLCount: 4}}, nil, 0)
	if m[models.MetricAUTR] != 0 {
		t.Errorf("AUTR must not go negative, got %v", m[models.MetricAUTR])
	}
}

func TestCollectorPreservesIDsAndCopies(t *testing.T) {
	c := NewCollector()
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.RecordHealth(models.HealthObservation{Healthy: true})
		}()
	}
	wg.Wait()
	for _, id := range []int{1, 3, 5} {
		c.Record(models.StepResult{StepID: id})
	}

	steps := c.Steps()
	steps[0].StepID = 99
	got := c.Steps()
	if got[0].StepID != 1 || got[1].StepID != 3 || got[2].StepID != 5 {
		t.Errorf("step ids = %d,%d,%d", got[0].StepID, got[1].StepID, got[2].StepID)
	}
	if len(c.Health()) != 10 {
		t.Errorf("health observations = %d", len(c.Health()))
	}
}

func TestAuthoritativeUsesVerifiedCounts(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	counts := models.UsageCounts{TokensIn: 1000, TokensOut: 500, APICalls: 7}
	rec := &models.RunRecord{
		Aggregate: models.AggregateMetrics{models.MetricTokensIn: 900, models.MetricAUTR: 1, models.MetricUTT: 3},
		Usage: models.ReconciliationState{
			MinInterval: time.Hour,
			Attempts: []models.UsageAttempt{
				{Timestamp: t0, UsageCounts: counts},
			},
		},
	}

	if got := Authoritative(rec)[models.MetricTokensIn]; got != 900 {
		t.Errorf("pending run TOK_IN = %v, want self-reported 900", got)
	}

	rec.Usage.Attempts = append(rec.Usage.Attempts, models.UsageAttempt{Timestamp: t0.Add(90 * time.Minute), UsageCounts: counts})
	m := Authoritative(rec)
	if m[models.MetricTokensIn] != 1000 || m[models.MetricTokensOut] != 500 || m[models.MetricAPICalls] != 7 {
		t.Errorf("verified metrics = %v", m)
	}
	if m[models.MetricUTT] != 3 {
		t.Errorf("UTT should be carried over, got %v", m[models.MetricUTT])
	}
	if rec.Aggregate[models.MetricTokensIn] != 900 {
		t.Error("Authoritative must not modify the record")
	}
}
