package runner

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/terrafix/terrafix/pkg/experiment/generator"
	"github.com/terrafix/terrafix/pkg/experiment/workload"
	"github.com/terrafix/terrafix/pkg/monitor"
	"github.com/terrafix/terrafix/pkg/orchestrator"
)

type fakeProcessor struct {
	processed int32
	outcome   func(v monitor.Violation) orchestrator.Outcome
}

func (f *fakeProcessor) Process(ctx context.Context, v monitor.Violation) orchestrator.Outcome {
	atomic.AddInt32(&f.processed, 1)
	if f.outcome != nil {
		return f.outcome(v)
	}
	return orchestrator.Outcome{Fingerprint: v.ID, PRURL: "https://example.com/pr/1"}
}

func TestThroughputEmitsAndProcessesViolations(t *testing.T) {
	seed := uint64(1)
	gen := generator.New(&seed, nil)
	processor := &fakeProcessor{}
	r := New(processor, 4)

	profile := workload.Steady{Rate: 2, Interval: 20 * time.Millisecond}
	result := r.Throughput(context.Background(), "steady-small", gen, profile, 20*time.Millisecond, 100*time.Millisecond)

	if result.Generated == 0 {
		t.Fatal("expected throughput run to generate violations")
	}
	if result.Processed != result.Generated {
		t.Errorf("Processed = %d, want %d (all generated violations processed)", result.Processed, result.Generated)
	}
	if result.Successful != result.Processed {
		t.Errorf("Successful = %d, want %d", result.Successful, result.Processed)
	}
}

func TestResilienceReportsSuccessFraction(t *testing.T) {
	seed := uint64(2)
	gen := generator.New(&seed, nil)
	var calls int32
	processor := &fakeProcessor{outcome: func(v monitor.Violation) orchestrator.Outcome {
		if atomic.AddInt32(&calls, 1)%2 == 0 {
			return orchestrator.Outcome{Failed: true, Err: errBoom}
		}
		return orchestrator.Outcome{PRURL: "https://example.com/pr/1"}
	}}
	r := New(processor, 2)

	profile := workload.Steady{Rate: 4, Interval: 20 * time.Millisecond}
	result := r.Resilience(context.Background(), "resilience-small", gen, profile, 20*time.Millisecond, 100*time.Millisecond)

	if result.Processed == 0 {
		t.Fatal("expected resilience run to process violations")
	}
	frac := result.SuccessFraction()
	if frac <= 0 || frac >= 1 {
		t.Errorf("SuccessFraction() = %v, want strictly between 0 and 1 for alternating outcomes", frac)
	}
}

func TestScalabilityTagsResultsByLabel(t *testing.T) {
	seed := uint64(3)
	gen := generator.New(&seed, nil)
	processor := &fakeProcessor{}
	r := New(processor, 2)

	profile := workload.Steady{Rate: 1, Interval: 20 * time.Millisecond}
	results := r.Scalability(context.Background(), "scale", gen, profile, 20*time.Millisecond, 40*time.Millisecond, []string{"small", "large"})

	if len(results) != 2 {
		t.Fatalf("len(results) = %d, want 2", len(results))
	}
	if results[0].Label != "small" || results[1].Label != "large" {
		t.Errorf("labels = %q, %q; want small, large", results[0].Label, results[1].Label)
	}
}

func TestPercentileOfEmptyResultIsZero(t *testing.T) {
	result := &Result{}
	if got := result.Percentile(0.95); got != 0 {
		t.Errorf("Percentile on empty result = %v, want 0", got)
	}
}

func TestRunRespectsContextCancellation(t *testing.T) {
	seed := uint64(4)
	gen := generator.New(&seed, nil)
	processor := &fakeProcessor{}
	r := New(processor, 2)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	profile := workload.Steady{Rate: 5, Interval: 10 * time.Millisecond}
	result := r.Throughput(ctx, "cancelled", gen, profile, 10*time.Millisecond, time.Second)
	if result.Generated != 0 {
		t.Errorf("Generated = %d, want 0 when context is cancelled before the first tick", result.Generated)
	}
}

type errorString string

func (e errorString) Error() string { return string(e) }

var errBoom = errorString("boom")
