// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit provides token bucket limiting of console commands.
package ratelimit

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrRateLimitExceeded is returned when rate limit is exceeded.
	ErrRateLimitExceeded = errors.New("rate limit exceeded")
)

// TokenBucket implements the token bucket algorithm for rate limiting.
type TokenBucket struct {
	mu         sync.Mutex
	capacity   float64
	tokens     float64
	refillRate float64 // tokens per second
	lastRefill time.Time
	now        func() time.Time
}

// NewTokenBucket creates a full bucket holding up to capacity tokens and
// gaining refillRate tokens per second.
func NewTokenBucket(capacity, refillRate int64) *TokenBucket {
	return newTokenBucket(capacity, refillRate, time.Now)
}

func newTokenBucket(capacity, refillRate int64, now func() time.Time) *TokenBucket {
	return &TokenBucket{
		capacity:   float64(capacity),
		tokens:     float64(capacity),
		refillRate: float64(refillRate),
		lastRefill: now(),
		now:        now,
	}
}

// Allow takes one token if available.
func (tb *TokenBucket) Allow() bool {
	return tb.AllowN(1)
}

// AllowN takes n tokens if available.
func (tb *TokenBucket) AllowN(n int64) bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()

	if tb.tokens >= float64(n) {
		tb.tokens -= float64(n)
		return true
	}
	return false
}

func (tb *TokenBucket) refill() {
	now := tb.now()
	elapsed := now.Sub(tb.lastRefill).Seconds()
	if elapsed <= 0 {
		return
	}
	tb.tokens = min(tb.capacity, tb.tokens+elapsed*tb.refillRate)
	tb.lastRefill = now
}

// Available returns the number of whole tokens available.
func (tb *TokenBucket) Available() int64 {
	tb.mu.Lock()
	defer tb.mu.Unlock()

	tb.refill()
	return int64(tb.tokens)
}

// Limiter keeps one bucket per console session.
type Limiter struct {
	mu          sync.Mutex
	buckets     map[string]*TokenBucket
	capacity    int64
	refillRate  int64
	maxSessions int
	now         func() time.Time
}

// NewLimiter creates a limiter tracking at most maxSessions consoles.
// A maxSessions of 0 means 10000.
func NewLimiter(capacity, refillRate int64, maxSessions int) *Limiter {
	if maxSessions == 0 {
		maxSessions = 10000
	}
	return &Limiter{
		buckets:     make(map[string]*TokenBucket),
		capacity:    capacity,
		refillRate:  refillRate,
		maxSessions: maxSessions,
		now:         time.Now,
	}
}

// Allow takes one token from the session's bucket.
func (l *Limiter) Allow(sessionID string) bool {
	return l.AllowN(sessionID, 1)
}

// AllowN takes n tokens from the session's bucket, creating it on first
// use. A session beyond the tracking limit is refused.
func (l *Limiter) AllowN(sessionID string, n int64) bool {
	l.mu.Lock()
	tb, ok := l.buckets[sessionID]
	if !ok {
		if len(l.buckets) >= l.maxSessions {
			l.mu.Unlock()
			return false
		}
		tb = newTokenBucket(l.capacity, l.refillRate, l.now)
		l.buckets[sessionID] = tb
	}
	l.mu.Unlock()

	return tb.AllowN(n)
}

// Remove forgets a session's bucket. Called when the console disconnects.
func (l *Limiter) Remove(sessionID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buckets, sessionID)
}

// Sessions returns the number of tracked sessions.
func (l *Limiter) Sessions() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.buckets)
}
