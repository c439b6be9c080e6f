// Package workload implements the pacing profiles the experiment
// runner uses to decide how many violations to emit per interval.
package workload

import (
	"math"
	"time"
)

// Profile computes the number of failures to emit for a given elapsed
// duration since the workload started.
type Profile interface {
	FailuresPerInterval(elapsed time.Duration) int
}

// Steady emits a constant Rate every Interval.
type Steady struct {
	Rate     int
	Interval time.Duration
}

// FailuresPerInterval returns Rate unconditionally; a steady profile
// does not vary with elapsed time.
func (s Steady) FailuresPerInterval(elapsed time.Duration) int {
	return s.Rate
}

// Burst emits Base failures per interval outside burst windows, and
// Base*Multiplier during them. A burst window occurs once every
// Period, lasting BurstDuration.
type Burst struct {
	Base          int
	Multiplier    float64
	Interval      time.Duration
	Period        time.Duration
	BurstDuration time.Duration
}

// FailuresPerInterval returns the burst rate if elapsed falls inside a
// burst window, else the base rate.
func (b Burst) FailuresPerInterval(elapsed time.Duration) int {
	if b.Period <= 0 {
		return b.Base
	}
	phase := elapsed % b.Period
	if phase < b.BurstDuration {
		return int(math.Round(float64(b.Base) * b.Multiplier))
	}
	return b.Base
}

// Cascade grows the emission rate geometrically: Base * Growth^i for
// the i-th interval of length Interval.
type Cascade struct {
	Base     int
	Growth   float64
	Interval time.Duration
}

// FailuresPerInterval computes floor(Base * Growth^i) where i is the
// zero-indexed interval elapsed has reached.
func (c Cascade) FailuresPerInterval(elapsed time.Duration) int {
	if c.Interval <= 0 {
		return c.Base
	}
	i := int(elapsed / c.Interval)
	return int(math.Floor(float64(c.Base) * math.Pow(c.Growth, float64(i))))
}

// TotalEmissions sums FailuresPerInterval at elapsed = 0, interval,
// 2*interval, ... for every step that starts before total, using the
// interval argument rather than any interval stored in the profile.
func TotalEmissions(p Profile, total time.Duration, interval time.Duration) int {
	if interval <= 0 {
		return 0
	}
	sum := 0
	for elapsed := time.Duration(0); elapsed < total; elapsed += interval {
		sum += p.FailuresPerInterval(elapsed)
	}
	return sum
}
