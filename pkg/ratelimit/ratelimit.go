// Package ratelimit provides per-endpoint-class token-bucket
// admission control, wrapping golang.org/x/time/rate to expose the
// Acquire/TryAcquire vocabulary the pipeline's external-service
// clients expect.
package ratelimit

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	terrafixerrors "github.com/terrafix/terrafix/internal/errors"
)

// Class identifies an external-service endpoint category. Each class
// gets its own singleton limiter.
type Class string

const (
	ClassManagement Class = "management"
	ClassIntegration Class = "integration"
	ClassInference  Class = "inference"
	ClassRepoHost   Class = "repo-host"
)

// Limiter is a single endpoint class's token bucket. Safe for
// concurrent use; refill is computed lazily by rate.Limiter from
// elapsed wall-clock time on every call, never by a background tick.
type Limiter struct {
	rl *rate.Limiter
}

// New constructs a Limiter with the given burst capacity and
// requests-per-minute refill rate.
func New(burst int, requestsPerMinute float64) *Limiter {
	return &Limiter{
		rl: rate.NewLimiter(rate.Limit(requestsPerMinute/60.0), burst),
	}
}

// Acquire blocks until a token is available or timeout elapses,
// whichever comes first. A timeout of 0 behaves exactly like
// TryAcquire.
func (l *Limiter) Acquire(ctx context.Context, timeout time.Duration) error {
	if timeout <= 0 {
		if l.TryAcquire() {
			return nil
		}
		return terrafixerrors.New(terrafixerrors.KindMonitorAPI, true, "acquire rate-limit token", nil)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	reservation := l.rl.Reserve()
	if !reservation.OK() {
		return terrafixerrors.New(terrafixerrors.KindMonitorAPI, true, "acquire rate-limit token", nil)
	}
	delay := reservation.Delay()
	if delay == 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		reservation.Cancel()
		return terrafixerrors.New(terrafixerrors.KindMonitorAPI, true, "acquire rate-limit token", ctx.Err())
	}
}

// TryAcquire attempts to acquire a token without blocking.
func (l *Limiter) TryAcquire() bool {
	return l.rl.Allow()
}

// Registry holds one Limiter per endpoint class, constructed once at
// startup and shared by every client that talks to that class of
// endpoint.
type Registry struct {
	limiters map[Class]*Limiter
}

// NewRegistry builds a Registry from a burst/rate pair per class.
func NewRegistry(config map[Class]ClassConfig) *Registry {
	r := &Registry{limiters: make(map[Class]*Limiter, len(config))}
	for class, cfg := range config {
		r.limiters[class] = New(cfg.Burst, cfg.RequestsPerMinute)
	}
	return r
}

// ClassConfig configures a single endpoint class's limiter.
type ClassConfig struct {
	Burst             int
	RequestsPerMinute float64
}

// For returns the Limiter for class, or nil if the class was never
// registered.
func (r *Registry) For(class Class) *Limiter {
	return r.limiters[class]
}
