package stopping

import (
	"math"
	"math/rand/v2"
	"sort"
)

// Interval is a confidence interval around a sample mean.
type Interval struct {
	Mean  float64
	Lower float64
	Upper float64
}

// HalfWidthPct returns the half-width as a percentage of the mean. A zero
// mean gives 0 for a zero-width interval and +Inf otherwise.
func (iv Interval) HalfWidthPct() float64 {
	half := (iv.Upper - iv.Lower) / 2
	if iv.Mean == 0 {
		if half == 0 {
			return 0
		}
		return math.Inf(1)
	}
	return half / math.Abs(iv.Mean) * 100
}

// Estimator computes a confidence interval for the mean of samples.
type Estimator interface {
	Interval(samples []float64, confidence float64) Interval
}

// Bootstrap is a percentile bootstrap of the mean. The same seed and
// samples always give the same interval.
type Bootstrap struct {
	Resamples int
	Seed      uint64
}

// Interval resamples with replacement and takes the percentile bounds.
func (b Bootstrap) Interval(samples []float64, confidence float64) Interval {
	n := len(samples)
	if n == 0 {
		return Interval{}
	}
	mean := meanOf(samples)
	if n == 1 {
		return Interval{Mean: mean, Lower: mean, Upper: mean}
	}

	resamples := b.Resamples
	if resamples <= 0 {
		resamples = 2000
	}
	rng := rand.New(rand.NewPCG(b.Seed, b.Seed^0x9e3779b97f4a7c15))
	means := make([]float64, resamples)
	for i := range means {
		var sum float64
		for j := 0; j < n; j++ {
			sum += samples[rng.IntN(n)]
		}
		means[i] = sum / float64(n)
	}
	sort.Float64s(means)

	alpha := 1 - confidence
	return Interval{
		Mean:  mean,
		Lower: quantile(means, alpha/2),
		Upper: quantile(means, 1-alpha/2),
	}
}

func meanOf(xs []float64) float64 {
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// quantile linearly interpolates between order statistics of sorted.
func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 1 {
		return sorted[0]
	}
	pos := q * float64(len(sorted)-1)
	lo := int(math.Floor(pos))
	hi := int(math.Ceil(pos))
	if lo < 0 {
		lo = 0
	}
	if hi >= len(sorted) {
		hi = len(sorted) - 1
	}
	frac := pos - float64(lo)
	return sorted[lo] + (sorted[hi]-sorted[lo])*frac
}
