// Package stopping decides when enough runs of a framework have been
// collected.
package stopping

import (
	"fmt"

	"github.com/spachava753/stepbench/internal/metrics"
	"github.com/spachava753/stepbench/internal/models"
)

// Decision reasons.
const (
	ReasonMaxRuns      = "max_runs reached"
	ReasonConverged    = "converged"
	ReasonBelowMinRuns = "below min_runs"
	ReasonNotConverged = "not converged"
)

// MetricReport is the interval computed for one configured metric.
type MetricReport struct {
	Name            string  `json:"name"`
	Samples         int     `json:"samples"`
	Mean            float64 `json:"mean"`
	Lower           float64 `json:"lower"`
	Upper           float64 `json:"upper"`
	HalfWidthPct    float64 `json:"half_width_pct"`
	MaxHalfWidthPct float64 `json:"max_half_width_pct"`
	Converged       bool    `json:"converged"`
}

// Decision is the outcome of one evaluation.
type Decision struct {
	Stop          bool           `json:"stop"`
	Reason        string         `json:"reason"`
	CompletedRuns int            `json:"completed_runs"`
	VerifiedRuns  int            `json:"verified_runs"`
	Metrics       []MetricReport `json:"metrics"`
}

func (d Decision) String() string {
	verb := "continue"
	if d.Stop {
		verb = "stop"
	}
	return fmt.Sprintf("%s (%s; %d completed, %d verified)", verb, d.Reason, d.CompletedRuns, d.VerifiedRuns)
}

// Rule is the sequential stopping procedure for one framework.
type Rule struct {
	cfg       models.StoppingConfig
	estimator Estimator
}

// New creates a rule. A nil estimator selects the seeded percentile bootstrap.
func New(cfg models.StoppingConfig, est Estimator) *Rule {
	if est == nil {
		est = Bootstrap{Resamples: cfg.Resamples, Seed: cfg.Seed}
	}
	return &Rule{cfg: cfg, estimator: est}
}

// Evaluate decides from the number of finished runs and the metrics of the
// verified ones. max_runs is checked first and always stops; below min_runs
// verified samples it never stops.
func (r *Rule) Evaluate(finished int, verified []models.AggregateMetrics) Decision {
	d := Decision{CompletedRuns: finished, VerifiedRuns: len(verified)}

	for _, m := range r.cfg.Metrics {
		var samples []float64
		for _, agg := range verified {
			if v, ok := agg.Get(m.Name); ok {
				samples = append(samples, v)
			}
		}
		rep := MetricReport{Name: m.Name, Samples: len(samples), MaxHalfWidthPct: m.MaxHalfWidthPct}
		if len(samples) > 0 {
			iv := r.estimator.Interval(samples, r.cfg.Confidence)
			rep.Mean, rep.Lower, rep.Upper = iv.Mean, iv.Lower, iv.Upper
			rep.HalfWidthPct = iv.HalfWidthPct()
			rep.Converged = rep.HalfWidthPct < m.MaxHalfWidthPct
		}
		d.Metrics = append(d.Metrics, rep)
	}

	switch {
	case r.cfg.MaxRuns > 0 && finished >= r.cfg.MaxRuns:
		d.Stop, d.Reason = true, ReasonMaxRuns
	case len(verified) < r.cfg.MinRuns:
		d.Reason = ReasonBelowMinRuns
	case allConverged(d.Metrics):
		d.Stop, d.Reason = true, ReasonConverged
	default:
		d.Reason = ReasonNotConverged
	}
	return d
}

// EvaluateRuns applies the rule to a framework's stored runs. Every
// terminal run counts toward max_runs; only completed runs with verified
// usage are samples.
func (r *Rule) EvaluateRuns(runs []*models.RunRecord) Decision {
	finished := 0
	var verified []models.AggregateMetrics
	for _, run := range runs {
		if !run.State.Terminal() {
			continue
		}
		finished++
		if run.State == models.RunCompleted && run.Usage.Status() == models.StatusVerified {
			verified = append(verified, metrics.Authoritative(run))
		}
	}
	return r.Evaluate(finished, verified)
}

func allConverged(reports []MetricReport) bool {
	for _, rep := range reports {
		if !rep.Converged {
			return false
		}
	}
	return true
}
