// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package udp

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"time"

	proxyerrors "github.com/LibAtem/AtemProxy/pkg/errors"
	"github.com/LibAtem/AtemProxy/pkg/handler"
	"github.com/LibAtem/AtemProxy/pkg/metrics"
	"github.com/LibAtem/AtemProxy/pkg/subscription"
	"github.com/google/uuid"
)

// Eviction reasons.
const (
	ReasonTimeout  = "timeout"
	ReasonUpstream = "upstream"
	ReasonShutdown = "shutdown"
	ReasonRemoved  = "removed"
)

// wireIDBase marks session ids assigned by the device side of a link.
const wireIDBase = 0x8000

// EvictFunc is called after a session left the registry. unsubscribed is
// true when the eviction emptied the subscription set.
type EvictFunc func(sess *Session, reason string, unsubscribed bool)

// SessionManager manages console sessions keyed by address, and the
// telemetry subscriptions of those sessions.
type SessionManager struct {
	sessions    map[string]*Session
	mu          sync.RWMutex
	logger      *slog.Logger
	wg          sync.WaitGroup
	maxSessions int
	timeout     time.Duration
	handler     handler.Handler
	subs        *subscription.Registry
	metrics     *metrics.Metrics

	accepting  bool
	nextWireID uint16
	onEvict    EvictFunc
}

// NewSessionManager creates a new session manager. It starts out rejecting
// consoles until Accept is called.
func NewSessionManager(logger *slog.Logger, maxSessions int, timeout time.Duration, h handler.Handler) *SessionManager {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout == 0 {
		timeout = DefaultSessionTimeout
	}
	if h == nil {
		h = &handler.NoopHandler{}
	}
	return &SessionManager{
		sessions:    make(map[string]*Session),
		logger:      logger,
		maxSessions: maxSessions,
		timeout:     timeout,
		handler:     h,
		subs:        subscription.New(),
	}
}

// SetMetrics sets the metrics sink. Call before serving.
func (sm *SessionManager) SetMetrics(m *metrics.Metrics) {
	sm.metrics = m
}

// OnEvict sets the eviction callback. Call before serving.
func (sm *SessionManager) OnEvict(fn EvictFunc) {
	sm.onEvict = fn
}

// Accept lets new consoles create sessions.
func (sm *SessionManager) Accept() {
	sm.mu.Lock()
	sm.accepting = true
	sm.mu.Unlock()
	sm.logger.Info("accepting console sessions")
}

// Reject refuses new consoles and drops every existing session.
func (sm *SessionManager) Reject() {
	sm.mu.Lock()
	sm.accepting = false
	sm.mu.Unlock()
	sm.logger.Info("rejecting console sessions")

	sm.ClearAll(ReasonUpstream)
}

// Accepting reports whether new consoles are accepted.
func (sm *SessionManager) Accepting() bool {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.accepting
}

// FindOrCreate gets an existing session or creates a new one for the given console address.
func (sm *SessionManager) FindOrCreate(ctx context.Context, clientAddr *net.UDPAddr) (*Session, bool, error) {
	key := clientAddr.String()

	// Try to get existing session (read lock)
	sm.mu.RLock()
	if sess, ok := sm.sessions[key]; ok {
		sm.mu.RUnlock()
		sess.UpdateActivity()
		return sess, false, nil
	}
	accepting := sm.accepting
	sm.mu.RUnlock()

	if !accepting {
		sm.metrics.SessionRejected("rejected")
		return nil, false, proxyerrors.New("connect", "upstream", "", key, proxyerrors.ErrRejected)
	}

	sessionID := uuid.New().String()
	hctx := &handler.Context{
		SessionID:  sessionID,
		RemoteAddr: key,
		Protocol:   "atem",
	}
	if err := sm.handler.AuthConnect(ctx, hctx); err != nil {
		sm.metrics.SessionRejected("unauthorized")
		return nil, false, proxyerrors.New("connect", "upstream", sessionID, key, err)
	}

	// Create new session (write lock)
	sm.mu.Lock()
	defer sm.mu.Unlock()

	// Double-check in case another goroutine created it
	if sess, ok := sm.sessions[key]; ok {
		sess.UpdateActivity()
		return sess, false, nil
	}

	if !sm.accepting {
		sm.metrics.SessionRejected("rejected")
		return nil, false, proxyerrors.New("connect", "upstream", "", key, proxyerrors.ErrRejected)
	}

	// Check session limit
	if sm.maxSessions > 0 && len(sm.sessions) >= sm.maxSessions {
		sm.metrics.SessionRejected("limit")
		return nil, false, proxyerrors.New("connect", "upstream", "", key, proxyerrors.ErrSessionLimit)
	}

	wireID := wireIDBase | sm.nextWireID&0x7FFF
	sm.nextWireID++

	sess := newSession(sessionID, clientAddr, wireID)
	sm.sessions[key] = sess
	sm.metrics.SessionOpened()

	sm.logger.Info("new console session",
		slog.String("session", sessionID),
		slog.String("client", key),
		slog.Int("wire_id", int(wireID)))

	return sess, true, nil
}

// Get returns an existing session for the given console address.
func (sm *SessionManager) Get(clientAddr *net.UDPAddr) (*Session, bool) {
	key := clientAddr.String()
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	sess, ok := sm.sessions[key]
	return sess, ok
}

// Remove evicts the session of the given console address.
func (sm *SessionManager) Remove(clientAddr *net.UDPAddr) bool {
	sm.mu.Lock()
	ev, ok := sm.evictLocked(clientAddr.String(), ReasonRemoved)
	sm.mu.Unlock()

	if ok {
		sm.notify([]eviction{ev})
	}
	return ok
}

// ClearAll evicts every session.
func (sm *SessionManager) ClearAll(reason string) {
	sm.mu.Lock()
	evicted := make([]eviction, 0, len(sm.sessions))
	for key := range sm.sessions {
		if ev, ok := sm.evictLocked(key, reason); ok {
			evicted = append(evicted, ev)
		}
	}
	sm.mu.Unlock()

	if len(evicted) > 0 {
		sm.logger.Info("dropped all console sessions",
			slog.Int("count", len(evicted)),
			slog.String("reason", reason))
	}
	sm.notify(evicted)
}

// Broadcast queues frames to every live session and returns how many sessions got them.
func (sm *SessionManager) Broadcast(frames [][]byte) int {
	if len(frames) == 0 {
		return 0
	}

	sm.mu.RLock()
	defer sm.mu.RUnlock()

	now := time.Now()
	n := 0
	for _, sess := range sm.sessions {
		if sess.HasTimedOut(now, sm.timeout) {
			continue
		}
		if sess.EnqueueLive(frames) {
			n++
		}
	}
	return n
}

// BroadcastTelemetry queues frames to live subscribed sessions only.
func (sm *SessionManager) BroadcastTelemetry(frames [][]byte) int {
	if len(frames) == 0 {
		return 0
	}

	sm.mu.RLock()
	defer sm.mu.RUnlock()

	now := time.Now()
	n := 0
	for _, sess := range sm.sessions {
		if !sm.subs.Contains(sess.ID) || sess.HasTimedOut(now, sm.timeout) {
			continue
		}
		if sess.EnqueueLive(frames) {
			n++
		}
	}
	return n
}

// SetSubscription changes the telemetry subscription of sess and reports
// whether the aggregate subscription changed. Evicted sessions cannot subscribe.
func (sm *SessionManager) SetSubscription(sess *Session, wants bool) bool {
	sm.mu.Lock()
	if cur, ok := sm.sessions[sess.RemoteAddr.String()]; !ok || cur != sess {
		sm.mu.Unlock()
		return false
	}
	edge := sm.subs.Subscribe(sess.ID, wants)
	count := sm.subs.Len()
	sm.mu.Unlock()

	sm.metrics.SetSubscribers(count)
	return edge
}

// Subscribed reports whether sess wants telemetry.
func (sm *SessionManager) Subscribed(sess *Session) bool {
	return sm.subs.Contains(sess.ID)
}

// Subscribers returns the number of sessions subscribed to telemetry.
func (sm *SessionManager) Subscribers() int {
	return sm.subs.Len()
}

// QueuePings evicts timed out sessions and pings the live ones.
func (sm *SessionManager) QueuePings(now time.Time) (pinged, evicted int) {
	var expired []string

	sm.mu.RLock()
	for key, sess := range sm.sessions {
		if sess.HasTimedOut(now, sm.timeout) {
			expired = append(expired, key)
			continue
		}
		if sess.QueuePing() {
			pinged++
		}
	}
	sm.mu.RUnlock()

	if len(expired) == 0 {
		return pinged, 0
	}

	sm.mu.Lock()
	evictions := make([]eviction, 0, len(expired))
	for _, key := range expired {
		sess, ok := sm.sessions[key]
		if !ok || !sess.HasTimedOut(now, sm.timeout) {
			continue
		}
		if ev, ok := sm.evictLocked(key, ReasonTimeout); ok {
			evictions = append(evictions, ev)
		}
	}
	sm.mu.Unlock()

	sm.notify(evictions)
	return pinged, len(evictions)
}

// KeepAlive calls QueuePings every interval until ctx is cancelled.
func (sm *SessionManager) KeepAlive(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			sm.QueuePings(now)
		}
	}
}

// Count returns the number of sessions.
func (sm *SessionManager) Count() int {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return len(sm.sessions)
}

// startPump starts the outbound pump of sess once.
func (sm *SessionManager) startPump(sess *Session, w datagramWriter, interval time.Duration) {
	if !sess.pumpStarted.CompareAndSwap(false, true) {
		return
	}
	sm.wg.Add(1)
	go func() {
		defer sm.wg.Done()
		sess.pump(w, interval, sm.logger)
	}()
}

// DrainAll evicts every session and waits for their pumps to stop.
func (sm *SessionManager) DrainAll(timeout time.Duration) error {
	sm.logger.Info("draining all console sessions")
	sm.ClearAll(ReasonShutdown)

	done := make(chan struct{})
	go func() {
		sm.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		sm.logger.Info("all sessions drained")
		return nil
	case <-time.After(timeout):
		sm.logger.Warn("drain timeout exceeded")
		return ErrShutdownTimeout
	}
}

type eviction struct {
	sess         *Session
	reason       string
	unsubscribed bool
}

func (sm *SessionManager) evictLocked(key, reason string) (eviction, bool) {
	sess, ok := sm.sessions[key]
	if !ok {
		return eviction{}, false
	}
	delete(sm.sessions, key)
	edge := sm.subs.Remove(sess.ID)
	sess.close()
	return eviction{sess: sess, reason: reason, unsubscribed: edge}, true
}

// notify runs eviction side effects outside the registry lock.
func (sm *SessionManager) notify(evictions []eviction) {
	if len(evictions) == 0 {
		return
	}
	sm.metrics.SetSubscribers(sm.subs.Len())

	for _, ev := range evictions {
		sm.logger.Info("console session closed",
			slog.String("session", ev.sess.ID),
			slog.String("client", ev.sess.RemoteAddr.String()),
			slog.String("reason", ev.reason))

		sm.metrics.SessionClosed(ev.reason, time.Since(ev.sess.CreatedAt))

		if err := sm.handler.OnDisconnect(context.Background(), ev.sess.Context); err != nil {
			sm.logger.Error("disconnect handler error",
				slog.String("session", ev.sess.ID),
				slog.String("error", err.Error()))
		}
		if sm.onEvict != nil {
			sm.onEvict(ev.sess, ev.reason, ev.unsubscribed)
		}
	}
}
