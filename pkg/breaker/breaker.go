// Package breaker wraps outbound HTTP clients with a circuit breaker,
// tripping on sustained failure bursts the token-bucket rate limiters
// in pkg/ratelimit don't catch (a limiter paces steady-state load; it
// doesn't notice a collaborator that is simply down).
package breaker

import (
	"net/http"
	"time"

	"github.com/sony/gobreaker"
)

// Transport wraps an http.RoundTripper with a named circuit breaker.
// A 5xx response or transport error counts as a breaker failure; a
// 2xx/3xx/4xx response counts as success (a 4xx is the collaborator
// working correctly and rejecting the request).
type Transport struct {
	base http.RoundTripper
	cb   *gobreaker.CircuitBreaker
}

// NewTransport builds a Transport named name, wrapping base (or
// http.DefaultTransport if nil). The breaker opens after 5 consecutive
// failures and probes again after 30s in the half-open state.
func NewTransport(name string, base http.RoundTripper) *Transport {
	if base == nil {
		base = http.DefaultTransport
	}
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}
	return &Transport{base: base, cb: gobreaker.NewCircuitBreaker(settings)}
}

// RoundTrip executes req through the breaker, failing fast with the
// breaker's own error (gobreaker.ErrOpenState) while it is open rather
// than dispatching a request the collaborator is known to be
// rejecting. A 5xx response counts as a breaker failure but is still
// returned to the caller with a nil error, per the http.RoundTripper
// contract: "must return err == nil if it obtained a response,
// regardless of status code".
func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.cb.Execute(func() (interface{}, error) {
		resp, err := t.base.RoundTrip(req)
		if err != nil {
			return nil, err
		}
		if resp.StatusCode >= 500 {
			return resp, errServerStatus(resp.StatusCode)
		}
		return resp, nil
	})
	if resp == nil {
		return nil, err
	}
	// resp is non-nil: a response was obtained (possibly a 5xx counted
	// against the breaker above), so the error is never surfaced here.
	return resp.(*http.Response), nil
}

// Client builds an *http.Client whose transport is wrapped by a
// breaker named name, suitable for passing to collaborators that
// accept an *http.Client (monitor.Config.HTTPClient, a github.Client's
// underlying client, a Bedrock client's HTTPClient option).
func Client(name string, timeout time.Duration, base http.RoundTripper) *http.Client {
	return &http.Client{Timeout: timeout, Transport: NewTransport(name, base)}
}

type errServerStatus int

func (e errServerStatus) Error() string {
	return http.StatusText(int(e)) + " from upstream"
}
