package workload

import (
	"testing"
	"time"
)

func TestSteadyIsConstant(t *testing.T) {
	p := Steady{Rate: 5, Interval: time.Second}
	for _, elapsed := range []time.Duration{0, 10 * time.Second, time.Hour} {
		if got := p.FailuresPerInterval(elapsed); got != 5 {
			t.Errorf("FailuresPerInterval(%v) = %d, want 5", elapsed, got)
		}
	}
}

func TestBurstMultipliesDuringWindow(t *testing.T) {
	p := Burst{Base: 10, Multiplier: 3, Interval: time.Second, Period: 20 * time.Second, BurstDuration: 5 * time.Second}

	if got := p.FailuresPerInterval(2 * time.Second); got != 30 {
		t.Errorf("inside burst window: got %d, want 30", got)
	}
	if got := p.FailuresPerInterval(10 * time.Second); got != 10 {
		t.Errorf("outside burst window: got %d, want 10", got)
	}
}

func TestCascadeGrowsGeometrically(t *testing.T) {
	p := Cascade{Base: 2, Growth: 1.5, Interval: 10 * time.Second}

	want := []int{2, 3, 4, 6, 10, 15}
	for i, w := range want {
		elapsed := time.Duration(i) * 10 * time.Second
		if got := p.FailuresPerInterval(elapsed); got != w {
			t.Errorf("interval %d: got %d, want %d", i, got, w)
		}
	}
}

func TestTotalEmissionsMatchesCascadeScenario(t *testing.T) {
	p := Cascade{Base: 2, Growth: 1.5, Interval: 10 * time.Second}
	total := TotalEmissions(p, 60*time.Second, 10*time.Second)
	if total != 40 {
		t.Errorf("TotalEmissions = %d, want 40", total)
	}
}
