// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for the proxy.
//
// All helper methods are safe to call on a nil *Metrics, so components can
// be built without instrumentation in tests.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the proxy.
type Metrics struct {
	// Console session metrics
	ActiveSessions   prometheus.Gauge
	SessionsTotal    *prometheus.CounterVec
	SessionEvictions *prometheus.CounterVec
	SessionDuration  prometheus.Histogram
	Subscribers      prometheus.Gauge

	// Command and frame metrics
	CommandsTotal *prometheus.CounterVec
	FramesSent    *prometheus.CounterVec
	ReplaySize    prometheus.Histogram
	PackErrors    prometheus.Counter

	// State cache metrics
	CacheEntries   prometheus.Gauge
	CacheEvictions prometheus.Counter

	// Upstream metrics
	UpstreamConnected prometheus.Gauge
	UpstreamConnects  *prometheus.CounterVec
	UpstreamDuration  prometheus.Histogram

	// Circuit breaker metrics
	CircuitBreakerState *prometheus.GaugeVec
	CircuitBreakerTrips *prometheus.CounterVec

	// Rate limiter metrics
	RateLimitedCommands *prometheus.CounterVec

	// Handler metrics
	AuthFailures    *prometheus.CounterVec
	HandlerDuration *prometheus.HistogramVec
}

// New creates a new Metrics instance registered with reg. A nil reg uses
// the default Prometheus registerer.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "atem_proxy"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ActiveSessions: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_sessions",
				Help:      "Number of console sessions",
			},
		),
		SessionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_total",
				Help:      "Total number of console session attempts",
			},
			[]string{"status"},
		),
		SessionEvictions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "session_evictions_total",
				Help:      "Total number of evicted console sessions",
			},
			[]string{"reason"},
		),
		SessionDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "session_duration_seconds",
				Help:      "Console session duration in seconds",
				Buckets:   []float64{1, 5, 10, 30, 60, 300, 600, 1800, 3600, 14400},
			},
		),
		Subscribers: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "telemetry_subscribers",
				Help:      "Number of sessions subscribed to telemetry",
			},
		),
		CommandsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "commands_total",
				Help:      "Total number of routed commands",
			},
			[]string{"direction", "class"},
		),
		FramesSent: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "frames_sent_total",
				Help:      "Total number of frames queued for sending",
			},
			[]string{"target"},
		),
		ReplaySize: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "replay_commands",
				Help:      "Number of commands in a state replay",
				Buckets:   []float64{10, 50, 100, 500, 1000, 2000, 5000},
			},
		),
		PackErrors: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "pack_errors_total",
				Help:      "Total number of batches abandoned because a command did not fit a frame",
			},
		),
		CacheEntries: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "cache_entries",
				Help:      "Number of entries in the state cache",
			},
		),
		CacheEvictions: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "cache_evictions_total",
				Help:      "Total number of synthetic cache entries evicted",
			},
		),
		UpstreamConnected: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "upstream_connected",
				Help:      "Whether the device link is established (1) or not (0)",
			},
		),
		UpstreamConnects: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "upstream_connects_total",
				Help:      "Total number of device connection attempts",
			},
			[]string{"status"},
		),
		UpstreamDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "upstream_connection_duration_seconds",
				Help:      "Device link duration in seconds",
				Buckets:   []float64{.1, 1, 5, 30, 60, 300, 600, 3600, 14400},
			},
		),
		CircuitBreakerState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_state",
				Help:      "Circuit breaker state (0=closed, 1=half_open, 2=open)",
			},
			[]string{"backend"},
		),
		CircuitBreakerTrips: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "circuit_breaker_trips_total",
				Help:      "Total number of circuit breaker trips",
			},
			[]string{"backend"},
		),
		RateLimitedCommands: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_commands_total",
				Help:      "Total number of console commands dropped by rate limiting",
			},
			[]string{"limiter_type"},
		),
		AuthFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auth_failures_total",
				Help:      "Total number of console requests refused by the handler",
			},
			[]string{"action"},
		),
		HandlerDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "handler_duration_seconds",
				Help:      "Handler authorization latency in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
			},
			[]string{"action"},
		),
	}
}

// SessionOpened records an accepted console session.
func (m *Metrics) SessionOpened() {
	if m == nil {
		return
	}
	m.SessionsTotal.WithLabelValues("accepted").Inc()
	m.ActiveSessions.Inc()
}

// SessionRejected records a console that was not given a session.
func (m *Metrics) SessionRejected(status string) {
	if m == nil {
		return
	}
	m.SessionsTotal.WithLabelValues(status).Inc()
}

// SessionClosed records an evicted session and its lifetime.
func (m *Metrics) SessionClosed(reason string, lifetime time.Duration) {
	if m == nil {
		return
	}
	m.ActiveSessions.Dec()
	m.SessionEvictions.WithLabelValues(reason).Inc()
	m.SessionDuration.Observe(lifetime.Seconds())
}

// SetSubscribers records the size of the subscription set.
func (m *Metrics) SetSubscribers(n int) {
	if m == nil {
		return
	}
	m.Subscribers.Set(float64(n))
}

// Command records one routed command.
func (m *Metrics) Command(direction, class string) {
	if m == nil {
		return
	}
	m.CommandsTotal.WithLabelValues(direction, class).Inc()
}

// Frames records n frames queued for target.
func (m *Metrics) Frames(target string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.FramesSent.WithLabelValues(target).Add(float64(n))
}

// Replay records the size of a state replay.
func (m *Metrics) Replay(commands int) {
	if m == nil {
		return
	}
	m.ReplaySize.Observe(float64(commands))
}

// PackError records an abandoned batch.
func (m *Metrics) PackError() {
	if m == nil {
		return
	}
	m.PackErrors.Inc()
}

// SetCache records the cache size and the evictions since the last call.
func (m *Metrics) SetCache(entries int, newEvictions uint64) {
	if m == nil {
		return
	}
	m.CacheEntries.Set(float64(entries))
	if newEvictions > 0 {
		m.CacheEvictions.Add(float64(newEvictions))
	}
}

// SetUpstreamConnected records the device link state.
func (m *Metrics) SetUpstreamConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.UpstreamConnected.Set(1)
		return
	}
	m.UpstreamConnected.Set(0)
}

// RateLimited records a dropped console command.
func (m *Metrics) RateLimited(limiterType string) {
	if m == nil {
		return
	}
	m.RateLimitedCommands.WithLabelValues(limiterType).Inc()
}

// BreakerState records the state of the breaker guarding backend.
func (m *Metrics) BreakerState(backend string, state int) {
	if m == nil {
		return
	}
	m.CircuitBreakerState.WithLabelValues(backend).Set(float64(state))
}

// BreakerTrip records a breaker opening.
func (m *Metrics) BreakerTrip(backend string) {
	if m == nil {
		return
	}
	m.CircuitBreakerTrips.WithLabelValues(backend).Inc()
}

// ObserveUpstream tracks one device link lifecycle.
func (m *Metrics) ObserveUpstream(f func() error) error {
	if m == nil {
		return f()
	}

	start := time.Now()
	defer func() {
		m.UpstreamDuration.Observe(time.Since(start).Seconds())
	}()

	err := f()
	status := "success"
	if err != nil {
		status = "error"
	}
	m.UpstreamConnects.WithLabelValues(status).Inc()

	return err
}

// ObserveAuth times one handler authorization and counts refusals.
func (m *Metrics) ObserveAuth(action string, f func() error) error {
	if m == nil {
		return f()
	}

	start := time.Now()
	err := f()
	m.HandlerDuration.WithLabelValues(action).Observe(time.Since(start).Seconds())
	if err != nil {
		m.AuthFailures.WithLabelValues(action).Inc()
	}
	return err
}
