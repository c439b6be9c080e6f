// Package serviceloop runs TerraFix's continuous polling cycle: fetch
// violations since the last check, fan them out to a bounded worker
// pool, aggregate outcomes, and sleep in shutdown-responsive
// increments until the next cycle.
package serviceloop

import (
	"context"
	"time"

	"github.com/go-logr/logr"
	"golang.org/x/sync/errgroup"

	"github.com/terrafix/terrafix/pkg/dedup"
	"github.com/terrafix/terrafix/pkg/metrics"
	"github.com/terrafix/terrafix/pkg/monitor"
	"github.com/terrafix/terrafix/pkg/orchestrator"
)

// statisticsCycle is how many polling cycles elapse between dedup
// store statistics emissions.
const statisticsCycle = 10

// Fetcher is the subset of monitor.Client the loop depends on.
type Fetcher interface {
	FetchFailingSince(ctx context.Context, since time.Time) ([]monitor.Violation, error)
}

// Processor is the subset of orchestrator.Orchestrator the loop
// depends on.
type Processor interface {
	Process(ctx context.Context, v monitor.Violation) orchestrator.Outcome
}

// StatisticsSource is the subset of dedup.Store the loop depends on.
type StatisticsSource interface {
	Statistics(ctx context.Context) (map[dedup.Status]int, error)
}

// Loop is the process-wide polling loop.
type Loop struct {
	fetcher      Fetcher
	processor    Processor
	stats        StatisticsSource
	metrics      metrics.Collector
	logger       logr.Logger
	maxWorkers   int
	pollInterval time.Duration
}

// New constructs a Loop. maxWorkers is clamped to [1, 10] per the
// configured worker pool bound.
func New(fetcher Fetcher, processor Processor, stats StatisticsSource, collector metrics.Collector,
	logger logr.Logger, maxWorkers int, pollInterval time.Duration) *Loop {
	if maxWorkers < 1 {
		maxWorkers = 1
	}
	if maxWorkers > 10 {
		maxWorkers = 10
	}
	return &Loop{
		fetcher:      fetcher,
		processor:    processor,
		stats:        stats,
		metrics:      collector,
		logger:       logger,
		maxWorkers:   maxWorkers,
		pollInterval: pollInterval,
	}
}

// Run executes the polling loop until ctx is cancelled, returning once
// a cooperative shutdown point observes cancellation.
func (l *Loop) Run(ctx context.Context) error {
	lastCheck := time.Now().Add(-time.Hour)
	cycle := 0

	l.logger.Info("service loop started", "last_check", lastCheck, "poll_interval", l.pollInterval, "max_workers", l.maxWorkers)

	for {
		if ctx.Err() != nil {
			l.logger.Info("service loop exiting gracefully")
			return nil
		}

		cycleStart := time.Now()
		l.runCycle(ctx, lastCheck)
		lastCheck = time.Now()

		cycle++
		if cycle%statisticsCycle == 0 {
			l.emitStatistics(ctx)
		}

		sleepFor := l.pollInterval - time.Since(cycleStart)
		if sleepFor < 0 {
			sleepFor = 0
		}
		if !l.sleepInterruptible(ctx, sleepFor) {
			l.logger.Info("service loop exiting gracefully")
			return nil
		}
	}
}

// runCycle fetches violations since lastCheck and processes them
// through the bounded worker pool, logging the aggregate outcome. A
// fetch error is logged and the loop continues to the next cycle
// rather than exiting.
func (l *Loop) runCycle(ctx context.Context, lastCheck time.Time) {
	stop := metrics.StageTimer(l.metrics, "fetch-monitor")
	violations, err := l.fetcher.FetchFailingSince(ctx, lastCheck)
	stop()
	if err != nil {
		l.logger.Error(err, "polling cycle fetch failed, continuing next cycle")
		return
	}
	if len(violations) == 0 {
		return
	}

	outcomes := l.processBatch(ctx, violations)

	var success, skipped, failed int
	for _, o := range outcomes {
		switch {
		case o.Skipped:
			skipped++
		case o.Failed:
			failed++
		default:
			success++
		}
	}

	l.metrics.AddCounter("violations_processed_total", map[string]string{"outcome": "success"}, float64(success))
	l.metrics.AddCounter("violations_processed_total", map[string]string{"outcome": "skipped"}, float64(skipped))
	l.metrics.AddCounter("violations_processed_total", map[string]string{"outcome": "failed"}, float64(failed))

	l.logger.Info("completed polling cycle", "total", len(outcomes), "success", success, "skipped", skipped, "failed", failed)
}

// processBatch fans violations out across a bounded worker pool and
// waits for every submission to complete before returning.
func (l *Loop) processBatch(ctx context.Context, violations []monitor.Violation) []orchestrator.Outcome {
	outcomes := make([]orchestrator.Outcome, len(violations))

	var g errgroup.Group
	g.SetLimit(l.maxWorkers)
	for i, v := range violations {
		i, v := i, v
		g.Go(func() error {
			outcomes[i] = l.processor.Process(ctx, v)
			return nil
		})
	}
	_ = g.Wait()

	return outcomes
}

func (l *Loop) emitStatistics(ctx context.Context) {
	stats, err := l.stats.Statistics(ctx)
	if err != nil {
		l.logger.Error(err, "failed to fetch dedup store statistics")
		return
	}
	for status, count := range stats {
		l.metrics.SetGauge("dedup_store_records", map[string]string{"status": string(status)}, float64(count))
	}
	l.logger.Info("dedup store statistics", "in_progress", stats[dedup.StatusInProgress],
		"completed", stats[dedup.StatusCompleted], "failed", stats[dedup.StatusFailed])
}

// sleepInterruptible sleeps for the whole seconds of d (any fraction
// of a second is not slept) in one-second increments, returning
// false as soon as ctx is cancelled so the loop can exit without
// waiting out the full interval.
func (l *Loop) sleepInterruptible(ctx context.Context, d time.Duration) bool {
	remaining := int(d.Seconds())
	for i := 0; i < remaining; i++ {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(time.Second):
		}
	}
	return ctx.Err() == nil
}
