// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package health provides health check and readiness endpoints.
package health

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"
)

// Status represents the health status.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// ErrDown is returned by Link probes while the link is down.
var ErrDown = errors.New("link down")

// Check is the result of one probe.
type Check struct {
	Name        string        `json:"name"`
	Status      Status        `json:"status"`
	Critical    bool          `json:"critical"`
	Message     string        `json:"message,omitempty"`
	LastChecked time.Time     `json:"last_checked"`
	Duration    time.Duration `json:"duration_ms"`
}

// CheckFunc is a function that performs a health check.
type CheckFunc func(ctx context.Context) error

type probe struct {
	name     string
	critical bool
	check    CheckFunc
}

// Checker runs registered probes. A failing critical probe makes the
// process unhealthy; any other failure only degrades it.
type Checker struct {
	mu     sync.Mutex
	probes []probe
	cache  map[string]Check
	ttl    time.Duration
	now    func() time.Time
}

// NewChecker creates a checker caching probe results for cacheTTL.
func NewChecker(cacheTTL time.Duration) *Checker {
	if cacheTTL == 0 {
		cacheTTL = time.Second
	}
	return &Checker{
		cache: make(map[string]Check),
		ttl:   cacheTTL,
		now:   time.Now,
	}
}

// Register adds a probe. Registering a name twice replaces the probe.
func (c *Checker) Register(name string, critical bool, check CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.cache, name)
	for i := range c.probes {
		if c.probes[i].name == name {
			c.probes[i] = probe{name: name, critical: critical, check: check}
			return
		}
	}
	c.probes = append(c.probes, probe{name: name, critical: critical, check: check})
}

// Health runs every probe, in registration order, and returns the overall
// status.
func (c *Checker) Health(ctx context.Context) (Status, []Check) {
	c.mu.Lock()
	probes := append([]probe(nil), c.probes...)
	c.mu.Unlock()

	overall := StatusHealthy
	checks := make([]Check, 0, len(probes))
	for _, p := range probes {
		check := c.run(ctx, p)
		checks = append(checks, check)

		switch {
		case check.Status == StatusHealthy:
		case p.critical:
			overall = StatusUnhealthy
		case overall == StatusHealthy:
			overall = StatusDegraded
		}
	}
	return overall, checks
}

func (c *Checker) run(ctx context.Context, p probe) Check {
	c.mu.Lock()
	cached, ok := c.cache[p.name]
	c.mu.Unlock()
	if ok && c.now().Sub(cached.LastChecked) < c.ttl {
		return cached
	}

	start := c.now()
	err := p.check(ctx)

	check := Check{
		Name:        p.name,
		Status:      StatusHealthy,
		Critical:    p.critical,
		LastChecked: c.now(),
		Duration:    c.now().Sub(start),
	}
	if err != nil {
		check.Status = StatusUnhealthy
		check.Message = err.Error()
	}

	c.mu.Lock()
	c.cache[p.name] = check
	c.mu.Unlock()
	return check
}

// Link returns a probe that fails with ErrDown while up reports false.
func Link(up func() bool) CheckFunc {
	return func(context.Context) error {
		if !up() {
			return ErrDown
		}
		return nil
	}
}

// Handler serves /health, /ready and /live.
func (c *Checker) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", c.HTTPHandler())
	mux.HandleFunc("/ready", c.ReadinessHandler())
	mux.HandleFunc("/live", LivenessHandler())
	return mux
}

// HTTPHandler reports every probe. Only an unhealthy process answers 503.
func (c *Checker) HTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c.respond(w, r, StatusUnhealthy)
	}
}

// ReadinessHandler answers 503 unless every probe passes.
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c.respond(w, r, StatusUnhealthy, StatusDegraded)
	}
}

func (c *Checker) respond(w http.ResponseWriter, r *http.Request, failing ...Status) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status, checks := c.Health(ctx)

	code := http.StatusOK
	for _, s := range failing {
		if status == s {
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, map[string]any{
		"status": status,
		"checks": checks,
	})
}

// LivenessHandler returns a simple liveness probe.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{
			"status": "alive",
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}
