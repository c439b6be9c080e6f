// Package runner orchestrates the three experiment kinds named in the
// design: throughput, resilience, and scalability. Each experiment
// drives a real orchestrator.Orchestrator against a synthetic
// violation stream paced by a workload.Profile, optionally passed
// through an injector.Injector, and collects per-violation latency
// and outcome into a Result.
package runner

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/terrafix/terrafix/pkg/experiment/generator"
	"github.com/terrafix/terrafix/pkg/experiment/workload"
	"github.com/terrafix/terrafix/pkg/monitor"
	"github.com/terrafix/terrafix/pkg/orchestrator"
)

// Processor is the subset of orchestrator.Orchestrator the runner
// depends on.
type Processor interface {
	Process(ctx context.Context, v monitor.Violation) orchestrator.Outcome
}

// Sample is one violation's recorded outcome within a run.
type Sample struct {
	LatencyMs float64
	Success   bool
	Skipped   bool
	Elapsed   time.Duration // time since the run started, for the throughput timeline
}

// Result is the aggregate outcome of one experiment run.
type Result struct {
	Name       string
	Kind       string // "throughput" | "resilience" | "scalability"
	Label      string // e.g. repository-size label for scalability
	Generated  int
	Processed  int
	Successful int
	Failed     int
	Skipped    int
	Samples    []Sample
	Duration   time.Duration
}

// SuccessFraction returns the fraction of processed (non-skipped)
// samples that succeeded, used by the resilience experiment to report
// retry effectiveness.
func (r Result) SuccessFraction() float64 {
	total := r.Successful + r.Failed
	if total == 0 {
		return 0
	}
	return float64(r.Successful) / float64(total)
}

// Percentile returns the p-th percentile (0..1) of recorded latencies.
func (r Result) Percentile(p float64) float64 {
	if len(r.Samples) == 0 {
		return 0
	}
	latencies := make([]float64, len(r.Samples))
	for i, s := range r.Samples {
		latencies[i] = s.LatencyMs
	}
	sort.Float64s(latencies)
	idx := int(p * float64(len(latencies)-1))
	return latencies[idx]
}

// Runner drives experiments against a Processor.
type Runner struct {
	processor  Processor
	maxWorkers int
}

// New constructs a Runner. maxWorkers bounds the concurrent in-flight
// pipeline attempts, matching the service loop's own worker pool
// idiom.
func New(processor Processor, maxWorkers int) *Runner {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	return &Runner{processor: processor, maxWorkers: maxWorkers}
}

// Throughput emits violations paced by profile for duration, measuring
// per-violation latency and aggregate rate. tick is the emission
// granularity; it should match the interval the profile's own rate is
// expressed against (e.g. workload.Steady.Interval).
func (r *Runner) Throughput(ctx context.Context, name string, gen *generator.Generator, profile workload.Profile, tick, duration time.Duration) *Result {
	return r.run(ctx, name, "throughput", "", gen, profile, tick, duration)
}

// Resilience runs the same pacing as Throughput but against a
// Processor whose collaborators are expected to be wrapped by an
// injector.Injector beforehand; the caller is responsible for
// constructing that wrapped Processor and passing it to New. The
// result's SuccessFraction reports the retry success fraction under
// injected failure.
func (r *Runner) Resilience(ctx context.Context, name string, gen *generator.Generator, profile workload.Profile, tick, duration time.Duration) *Result {
	return r.run(ctx, name, "resilience", "", gen, profile, tick, duration)
}

// Scalability runs one throughput-shaped experiment per label in
// labels, reusing the same profile and duration but tagging each
// result with its repository-size label.
func (r *Runner) Scalability(ctx context.Context, name string, gen *generator.Generator, profile workload.Profile, tick, duration time.Duration, labels []string) []*Result {
	results := make([]*Result, len(labels))
	for i, label := range labels {
		results[i] = r.run(ctx, name, "scalability", label, gen, profile, tick, duration)
	}
	return results
}

// run is the shared emit-and-collect loop: a single cooperative
// scheduler paces emission per profile while a bounded worker pool
// processes the resulting violations concurrently.
func (r *Runner) run(ctx context.Context, name, kind, label string, gen *generator.Generator, profile workload.Profile, tick, duration time.Duration) *Result {
	start := time.Now()
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	var (
		mu      sync.Mutex
		samples []Sample
	)
	generated := 0

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.maxWorkers)

	for elapsed := time.Duration(0); elapsed < duration; {
		select {
		case <-ctx.Done():
			elapsed = duration
			continue
		case <-ticker.C:
		}

		elapsed = time.Since(start)
		n := profile.FailuresPerInterval(elapsed)
		for i := 0; i < n; i++ {
			v := gen.Next()
			generated++
			submittedAt := elapsed
			g.Go(func() error {
				sampleStart := time.Now()
				outcome := r.processor.Process(gctx, v)
				sample := Sample{
					LatencyMs: float64(time.Since(sampleStart).Microseconds()) / 1000,
					Success:   !outcome.Failed && !outcome.Skipped,
					Skipped:   outcome.Skipped,
					Elapsed:   submittedAt,
				}
				mu.Lock()
				samples = append(samples, sample)
				mu.Unlock()
				return nil
			})
		}
	}
	_ = g.Wait()

	result := &Result{Name: name, Kind: kind, Label: label, Generated: generated, Duration: time.Since(start), Samples: samples}
	for _, s := range samples {
		result.Processed++
		switch {
		case s.Skipped:
			result.Skipped++
		case s.Success:
			result.Successful++
		default:
			result.Failed++
		}
	}
	return result
}
