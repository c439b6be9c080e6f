package serviceloop

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/terrafix/terrafix/pkg/dedup"
	"github.com/terrafix/terrafix/pkg/logging"
	"github.com/terrafix/terrafix/pkg/metrics"
	"github.com/terrafix/terrafix/pkg/monitor"
	"github.com/terrafix/terrafix/pkg/orchestrator"
)

type fakeFetcher struct {
	mu         sync.Mutex
	batches    [][]monitor.Violation
	calls      int
	seenSinces []time.Time
	err        error
}

func (f *fakeFetcher) FetchFailingSince(ctx context.Context, since time.Time) ([]monitor.Violation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seenSinces = append(f.seenSinces, since)
	if f.err != nil {
		return nil, f.err
	}
	if f.calls >= len(f.batches) {
		f.calls++
		return nil, nil
	}
	batch := f.batches[f.calls]
	f.calls++
	return batch, nil
}

type countingProcessor struct {
	processed int32
	outcome   func(v monitor.Violation) orchestrator.Outcome
}

func (p *countingProcessor) Process(ctx context.Context, v monitor.Violation) orchestrator.Outcome {
	atomic.AddInt32(&p.processed, 1)
	if p.outcome != nil {
		return p.outcome(v)
	}
	return orchestrator.Outcome{Fingerprint: v.ID}
}

type fakeStats struct {
	calls int32
	stats map[dedup.Status]int
	err   error
}

func (s *fakeStats) Statistics(ctx context.Context) (map[dedup.Status]int, error) {
	atomic.AddInt32(&s.calls, 1)
	return s.stats, s.err
}

func TestRunProcessesFetchedViolationsAndExitsOnCancel(t *testing.T) {
	fetcher := &fakeFetcher{batches: [][]monitor.Violation{
		{{ID: "v1", ResourceID: "r1"}, {ID: "v2", ResourceID: "r2"}},
	}}
	processor := &countingProcessor{}
	stats := &fakeStats{stats: map[dedup.Status]int{}}

	loop := New(fetcher, processor, stats, metrics.New(nil), logging.NewNop(), 3, 50*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	if err := loop.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if atomic.LoadInt32(&processor.processed) < 2 {
		t.Errorf("expected at least 2 violations processed, got %d", processor.processed)
	}
}

func TestRunContinuesAfterFetchError(t *testing.T) {
	fetcher := &fakeFetcher{err: errBoom}
	processor := &countingProcessor{}
	stats := &fakeStats{stats: map[dedup.Status]int{}}

	loop := New(fetcher, processor, stats, metrics.New(nil), logging.NewNop(), 2, 20*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()

	if err := loop.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if atomic.LoadInt32(&processor.processed) != 0 {
		t.Error("expected no violations processed when fetch always errors")
	}
	fetcher.mu.Lock()
	calls := fetcher.calls
	fetcher.mu.Unlock()
	if calls < 2 {
		t.Errorf("expected the loop to retry fetch on subsequent cycles, got %d calls", calls)
	}
}

func TestRunRespectsMaxWorkersBound(t *testing.T) {
	fetcher := &fakeFetcher{}
	processor := &countingProcessor{}
	stats := &fakeStats{}

	loop := New(fetcher, processor, stats, metrics.New(nil), logging.NewNop(), 0, time.Second)
	if loop.maxWorkers != 1 {
		t.Errorf("maxWorkers = %d, want clamped to 1", loop.maxWorkers)
	}

	loop2 := New(fetcher, processor, stats, metrics.New(nil), logging.NewNop(), 50, time.Second)
	if loop2.maxWorkers != 10 {
		t.Errorf("maxWorkers = %d, want clamped to 10", loop2.maxWorkers)
	}
}

func TestProcessBatchWaitsForAllOutcomes(t *testing.T) {
	fetcher := &fakeFetcher{}
	processor := &countingProcessor{}
	stats := &fakeStats{}
	loop := New(fetcher, processor, stats, metrics.New(nil), logging.NewNop(), 2, time.Second)

	violations := []monitor.Violation{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	outcomes := loop.processBatch(context.Background(), violations)
	if len(outcomes) != 3 {
		t.Fatalf("expected 3 outcomes, got %d", len(outcomes))
	}
	for i, o := range outcomes {
		if o.Fingerprint != violations[i].ID {
			t.Errorf("outcome[%d].Fingerprint = %q, want %q", i, o.Fingerprint, violations[i].ID)
		}
	}
}

func TestEmitStatisticsReadsDedupStoreCounts(t *testing.T) {
	fetcher := &fakeFetcher{}
	processor := &countingProcessor{}
	stats := &fakeStats{stats: map[dedup.Status]int{dedup.StatusCompleted: 3, dedup.StatusFailed: 1}}
	loop := New(fetcher, processor, stats, metrics.New(nil), logging.NewNop(), 1, time.Second)

	loop.emitStatistics(context.Background())
	if atomic.LoadInt32(&stats.calls) != 1 {
		t.Errorf("expected exactly one Statistics call, got %d", stats.calls)
	}
}

func TestSleepInterruptibleReturnsFalseOnCancel(t *testing.T) {
	fetcher := &fakeFetcher{}
	processor := &countingProcessor{}
	stats := &fakeStats{}
	loop := New(fetcher, processor, stats, metrics.New(nil), logging.NewNop(), 1, time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if loop.sleepInterruptible(ctx, 5*time.Second) {
		t.Error("expected sleepInterruptible to report interruption on an already-cancelled context")
	}
}

func TestSleepInterruptibleCompletesFullDuration(t *testing.T) {
	fetcher := &fakeFetcher{}
	processor := &countingProcessor{}
	stats := &fakeStats{}
	loop := New(fetcher, processor, stats, metrics.New(nil), logging.NewNop(), 1, time.Second)

	start := time.Now()
	if !loop.sleepInterruptible(context.Background(), 1*time.Second) {
		t.Error("expected sleepInterruptible to complete without interruption")
	}
	if time.Since(start) < time.Second {
		t.Error("expected sleepInterruptible to sleep the full duration")
	}
}

type errorString string

func (e errorString) Error() string { return string(e) }

var errBoom = errorString("boom")
