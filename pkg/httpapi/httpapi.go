// Package httpapi exposes TerraFix's HTTP surface: webhook ingestion
// for single and batched violations, health/readiness probes, a
// status/metrics endpoint pair, and a mock-mode harness for driving
// the experiment runner without live external services.
package httpapi

import (
	"context"
	"encoding/json"
	"math/rand/v2"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/terrafix/terrafix/pkg/metrics"
	"github.com/terrafix/terrafix/pkg/monitor"
	"github.com/terrafix/terrafix/pkg/orchestrator"
)

// Processor is the subset of orchestrator.Orchestrator the API
// depends on for real (non-mock) processing.
type Processor interface {
	Process(ctx context.Context, v monitor.Violation) orchestrator.Outcome
}

// ProcessResult is the per-violation outcome returned by /webhook and
// /batch, whether produced by the real pipeline or mock mode.
type ProcessResult struct {
	Success     bool   `json:"success"`
	Skipped     bool   `json:"skipped,omitempty"`
	PRURL       string `json:"pr_url,omitempty"`
	Fingerprint string `json:"fingerprint,omitempty"`
	Message     string `json:"message,omitempty"`
	Error       string `json:"error,omitempty"`
}

// BatchResult is the aggregate response for a /batch request.
type BatchResult struct {
	Total      int             `json:"total"`
	Successful int             `json:"successful"`
	Failed     int             `json:"failed"`
	Results    []ProcessResult `json:"results"`
}

// errorResponse is the uniform shape returned for any 4xx/5xx.
type errorResponse struct {
	Error string `json:"error"`
}

// mockConfig holds the adjustable parameters of mock-mode processing.
type mockConfig struct {
	mu          sync.RWMutex
	enabled     bool
	latency     time.Duration
	failureRate float64
}

func (m *mockConfig) snapshot() (bool, time.Duration, float64) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.enabled, m.latency, m.failureRate
}

// requestStats mirrors the load-testing statistics the mock API
// surface tracks: request counts, latency distribution, and uptime.
// Reset by POST /stats/reset independently of the process-wide
// metrics collector, which is never reset.
type requestStats struct {
	mu         sync.Mutex
	total      int64
	successful int64
	failed     int64
	totalMs    float64
	minMs      float64
	maxMs      float64
	latencies  []float64
	startedAt  time.Time
}

func newRequestStats() *requestStats {
	return &requestStats{minMs: math_Inf, startedAt: time.Now()}
}

const math_Inf = 1e18 // sentinel "no samples yet" minimum, replaced on first observation

func (s *requestStats) record(latencyMs float64, success bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total++
	if success {
		s.successful++
	} else {
		s.failed++
	}
	s.totalMs += latencyMs
	if latencyMs < s.minMs {
		s.minMs = latencyMs
	}
	if latencyMs > s.maxMs {
		s.maxMs = latencyMs
	}
	s.latencies = append(s.latencies, latencyMs)
}

func (s *requestStats) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.total, s.successful, s.failed = 0, 0, 0
	s.totalMs, s.minMs, s.maxMs = 0, math_Inf, 0
	s.latencies = nil
	s.startedAt = time.Now()
}

type statsSnapshot struct {
	TotalRequests      int64   `json:"total_requests"`
	SuccessfulRequests int64   `json:"successful_requests"`
	FailedRequests     int64   `json:"failed_requests"`
	SuccessRatePercent float64 `json:"success_rate_percent"`
	UptimeSeconds      float64 `json:"uptime_seconds"`
	RequestsPerSecond  float64 `json:"requests_per_second"`
	LatencyMs          struct {
		Avg float64 `json:"avg"`
		Min float64 `json:"min"`
		Max float64 `json:"max"`
		P50 float64 `json:"p50"`
		P95 float64 `json:"p95"`
		P99 float64 `json:"p99"`
	} `json:"latency_ms"`
}

func (s *requestStats) snapshot() statsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out statsSnapshot
	out.TotalRequests = s.total
	out.SuccessfulRequests = s.successful
	out.FailedRequests = s.failed
	uptime := time.Since(s.startedAt).Seconds()
	out.UptimeSeconds = uptime
	if s.total > 0 {
		out.SuccessRatePercent = float64(s.successful) / float64(s.total) * 100
		out.LatencyMs.Avg = s.totalMs / float64(s.total)
		out.LatencyMs.Min = s.minMs
	}
	out.LatencyMs.Max = s.maxMs
	if uptime > 0 {
		out.RequestsPerSecond = float64(s.total) / uptime
	}
	if len(s.latencies) > 0 {
		sorted := append([]float64(nil), s.latencies...)
		sort.Float64s(sorted)
		out.LatencyMs.P50 = percentile(sorted, 0.50)
		out.LatencyMs.P95 = percentile(sorted, 0.95)
		out.LatencyMs.P99 = percentile(sorted, 0.99)
	}
	return out
}

// recordRequest updates the local requestStats window and, when a
// collector is configured, the process-wide series spec §6 names as
// the HTTP API's mandated minimum: requests_total{status}, the
// request_latency_ms{quantile} gauges derived from the current
// latency window, and the requests_per_second gauge.
func (s *Server) recordRequest(latencyMs float64, success bool) {
	s.stats.record(latencyMs, success)
	if s.metrics == nil {
		return
	}

	status := "success"
	if !success {
		status = "failure"
	}
	s.metrics.IncCounter("requests_total", map[string]string{"status": status})

	snap := s.stats.snapshot()
	s.metrics.SetGauge("request_latency_ms", map[string]string{"quantile": "p50"}, snap.LatencyMs.P50)
	s.metrics.SetGauge("request_latency_ms", map[string]string{"quantile": "p95"}, snap.LatencyMs.P95)
	s.metrics.SetGauge("request_latency_ms", map[string]string{"quantile": "p99"}, snap.LatencyMs.P99)
	s.metrics.SetGauge("requests_per_second", nil, snap.RequestsPerSecond)
}

func percentile(sorted []float64, p float64) float64 {
	idx := int(float64(len(sorted)) * p)
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// Server wires the chi router to the orchestrator (or a mock
// processor) and exposes every endpoint named in the service design.
type Server struct {
	router    chi.Router
	processor Processor
	logger    logr.Logger
	registry  *prometheus.Registry
	metrics   metrics.Collector
	stats     *requestStats
	mock      *mockConfig
	ready     atomic.Bool
	shutdown  atomic.Bool
}

// New constructs a Server. registry is used to back GET /metrics with
// a real Prometheus text exposition; collector is the same
// metrics.Collector passed to every other component so request-count,
// latency, and rate series land alongside the pipeline's own stage
// timings under one registry. A nil collector disables metrics
// recording (tests that don't care about it may pass nil).
func New(processor Processor, collector metrics.Collector, registry *prometheus.Registry, logger logr.Logger) *Server {
	s := &Server{
		processor: processor,
		logger:    logger,
		registry:  registry,
		metrics:   collector,
		stats:     newRequestStats(),
		mock:      &mockConfig{},
	}
	s.ready.Store(true)
	s.router = s.buildRouter()
	return s
}

// EnableMock switches the server into mock mode: every /webhook and
// /batch request is answered by a simulated processor with the given
// fixed latency and Bernoulli failure rate, bypassing the real
// pipeline entirely.
func (s *Server) EnableMock(latency time.Duration, failureRate float64) {
	s.mock.mu.Lock()
	defer s.mock.mu.Unlock()
	s.mock.enabled = true
	s.mock.latency = latency
	s.mock.failureRate = failureRate
}

// Handler returns the server's http.Handler for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Shutdown marks the server as shutting down; GET /ready starts
// reporting 503 immediately so a load balancer can drain traffic
// before the process actually stops accepting connections.
func (s *Server) Shutdown() {
	s.shutdown.Store(true)
	s.ready.Store(false)
}

func (s *Server) buildRouter() chi.Router {
	r := chi.NewRouter()
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	}))

	r.Post("/webhook", s.handleWebhook)
	r.Post("/batch", s.handleBatch)
	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Get("/status", s.handleStatus)
	r.Get("/metrics", s.handleMetrics)
	r.Post("/configure", s.handleConfigure)
	r.Post("/stats/reset", s.handleStatsReset)

	return r
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var v monitor.Violation
	if err := json.NewDecoder(r.Body).Decode(&v); err != nil {
		s.recordRequest(msSince(start), false)
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid JSON payload: " + err.Error()})
		return
	}

	result := s.process(r.Context(), v)
	s.recordRequest(msSince(start), result.Success)
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	start := time.Now()

	var violations []monitor.Violation
	if err := json.NewDecoder(r.Body).Decode(&violations); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "expected an array of violations: " + err.Error()})
		return
	}

	results := make([]ProcessResult, len(violations))
	successful := 0
	for i, v := range violations {
		results[i] = s.process(r.Context(), v)
		if results[i].Success {
			successful++
		}
	}

	s.recordRequest(msSince(start), successful == len(results))
	writeJSON(w, http.StatusOK, BatchResult{
		Total:      len(results),
		Successful: successful,
		Failed:     len(results) - successful,
		Results:    results,
	})
}

// process dispatches to the mock simulator or the real processor
// depending on the server's current mode.
func (s *Server) process(ctx context.Context, v monitor.Violation) ProcessResult {
	if enabled, latency, failureRate := s.mock.snapshot(); enabled {
		return s.mockProcess(v, latency, failureRate)
	}
	if s.processor == nil {
		return ProcessResult{Success: false, Fingerprint: monitor.Fingerprint(v), Error: "real processor not configured; enable mock mode for load testing"}
	}
	outcome := s.processor.Process(ctx, v)
	if outcome.Fingerprint == "" {
		outcome.Fingerprint = monitor.Fingerprint(v)
	}
	if outcome.Failed {
		return ProcessResult{Success: false, Fingerprint: outcome.Fingerprint, Error: outcome.Err.Error()}
	}
	if outcome.Skipped {
		return ProcessResult{Success: true, Skipped: true, Fingerprint: outcome.Fingerprint, Message: "violation already in progress or recently completed"}
	}
	return ProcessResult{Success: true, Fingerprint: outcome.Fingerprint, PRURL: outcome.PRURL, Message: "pull request opened"}
}

func (s *Server) mockProcess(v monitor.Violation, latency time.Duration, failureRate float64) ProcessResult {
	if latency > 0 {
		time.Sleep(latency)
	}
	fingerprint := monitor.Fingerprint(v)
	if rand.Float64() < failureRate {
		return ProcessResult{Success: false, Fingerprint: fingerprint, Error: "simulated processing failure"}
	}
	return ProcessResult{Success: true, Fingerprint: fingerprint, PRURL: "https://github.com/mock-org/mock-repo/pull/1", Message: "pull request opened (mock)"}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if s.ready.Load() && !s.shutdown.Load() {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
		return
	}
	writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	enabled, _, _ := s.mock.snapshot()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "running",
		"mock_mode": enabled,
		"stats":     s.stats.snapshot(),
	})
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.registry == nil {
		writeJSON(w, http.StatusOK, map[string]string{})
		return
	}
	promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
}

func (s *Server) handleConfigure(w http.ResponseWriter, r *http.Request) {
	var body struct {
		LatencyMs   *float64 `json:"latency_ms"`
		FailureRate *float64 `json:"failure_rate"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}

	s.mock.mu.Lock()
	s.mock.enabled = true
	if body.LatencyMs != nil {
		s.mock.latency = time.Duration(*body.LatencyMs) * time.Millisecond
	}
	if body.FailureRate != nil {
		s.mock.failureRate = *body.FailureRate
	}
	latencyMs := float64(s.mock.latency / time.Millisecond)
	failureRate := s.mock.failureRate
	s.mock.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"message":      "configuration updated",
		"latency_ms":   latencyMs,
		"failure_rate": failureRate,
	})
}

func (s *Server) handleStatsReset(w http.ResponseWriter, r *http.Request) {
	s.stats.reset()
	writeJSON(w, http.StatusOK, map[string]string{"message": "stats reset"})
}

func msSince(start time.Time) float64 {
	return float64(time.Since(start).Microseconds()) / 1000
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
