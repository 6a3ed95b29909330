// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package upstream holds the proxy's single session to the device.
//
// The session reconnects for as long as it runs, guarded by a circuit
// breaker. Frames received from the device are routed and handed to Events;
// commands from consoles are queued, packed into frames and sent in order.
package upstream

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LibAtem/AtemProxy/pkg/atem"
	"github.com/LibAtem/AtemProxy/pkg/breaker"
	proxyerrors "github.com/LibAtem/AtemProxy/pkg/errors"
	"github.com/LibAtem/AtemProxy/pkg/metrics"
	"github.com/LibAtem/AtemProxy/pkg/router"
)

const (
	// DefaultRetryInterval is the pause between reconnect attempts.
	DefaultRetryInterval = time.Second

	// DefaultSendQueueSize bounds the commands waiting to be sent.
	DefaultSendQueueSize = 1024

	breakerBackend = "device"
)

// ErrQueueFull is returned by Send when commands arrive faster than the
// device link drains them.
var ErrQueueFull = errors.New("device send queue full")

// Transport is one managed link to the device. *atem.Client satisfies it.
type Transport interface {
	SetHandler(h atem.ClientHandler)
	Connect(ctx context.Context) error
	SendFrame(payload []byte) error
}

// Events receives what happens on the device link. Calls are made from the
// transport's receive goroutine, in order.
type Events interface {
	OnConnect()
	OnDisconnect(err error)

	// OnForward receives the State and Unknown routes of one frame.
	OnForward(routes []router.Route)

	// OnTelemetry receives the Telemetry routes of one frame.
	OnTelemetry(routes []router.Route)
}

// Config holds the upstream session configuration.
type Config struct {
	// RetryInterval is the pause between reconnect attempts.
	RetryInterval time.Duration

	// SendQueueSize bounds the commands waiting to be sent.
	SendQueueSize int

	// Breaker guards reconnect attempts. Optional.
	Breaker *breaker.CircuitBreaker

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Session is the proxy's session to the device.
type Session struct {
	config    Config
	transport Transport
	router    *router.Router
	events    Events

	queue       chan []byte
	connected   atomic.Bool
	established atomic.Bool
}

// New creates the device session. Nothing happens until Run.
func New(cfg Config, t Transport, r *router.Router, ev Events) *Session {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.RetryInterval == 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if cfg.SendQueueSize <= 0 {
		cfg.SendQueueSize = DefaultSendQueueSize
	}

	s := &Session{
		config:    cfg,
		transport: t,
		router:    r,
		events:    ev,
		queue:     make(chan []byte, cfg.SendQueueSize),
	}

	if cfg.Breaker != nil {
		cfg.Breaker.OnStateChange(func(from, to breaker.State) {
			cfg.Metrics.BreakerState(breakerBackend, int(to))
			if to == breaker.StateOpen {
				cfg.Metrics.BreakerTrip(breakerBackend)
			}
			cfg.Logger.Warn("device circuit breaker",
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		})
	}
	return s
}

// Connected reports whether the device link is established.
func (s *Session) Connected() bool {
	return s.connected.Load()
}

// Run connects to the device and keeps reconnecting until ctx is cancelled.
func (s *Session) Run(ctx context.Context) error {
	s.transport.SetHandler(atem.ClientHandler{
		OnConnect:    s.handleConnect,
		OnDisconnect: s.handleDisconnect,
		OnCommands:   s.handleCommands,
	})

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		s.sendLoop(ctx)
	}()
	defer wg.Wait()

	for {
		wait := s.config.RetryInterval
		if err := s.attempt(ctx); err != nil && ctx.Err() == nil {
			if errors.Is(err, breaker.ErrCircuitOpen) {
				if d := s.config.Breaker.Retry(); d > wait {
					wait = d
				}
				s.config.Logger.Debug("device reconnect held by circuit breaker",
					slog.Duration("retry_in", wait))
			} else {
				s.config.Logger.Warn("device link failed",
					slog.String("error", err.Error()),
					slog.Duration("retry_in", wait))
			}
		}

		select {
		case <-ctx.Done():
			s.config.Logger.Info("device session stopped")
			return nil
		case <-time.After(wait):
		}
	}
}

// attempt runs one link. A link that completed its handshake counts as a
// success for the breaker, however it ended.
func (s *Session) attempt(ctx context.Context) error {
	b := s.config.Breaker
	if b != nil {
		if err := b.Allow(); err != nil {
			return err
		}
	}

	err := s.config.Metrics.ObserveUpstream(func() error {
		return s.transport.Connect(ctx)
	})

	if b != nil {
		if s.established.Swap(false) {
			b.Record(nil)
		} else {
			b.Record(err)
		}
	}
	s.established.Store(false)
	return err
}

// Send queues one serialized command for the device. Commands are dropped
// while the link is down or the queue is full.
func (s *Session) Send(cmd []byte) error {
	if !s.connected.Load() {
		return proxyerrors.New("send", "upstream", "", "", proxyerrors.ErrBackendUnavailable)
	}
	select {
	case s.queue <- cmd:
		return nil
	default:
		return proxyerrors.New("send", "upstream", "", "", ErrQueueFull)
	}
}

// sendLoop batches queued commands into frames, preserving order.
func (s *Session) sendLoop(ctx context.Context) {
	for {
		var first []byte
		select {
		case <-ctx.Done():
			return
		case first = <-s.queue:
		}

		batch := [][]byte{first}
	drain:
		for {
			select {
			case cmd := <-s.queue:
				batch = append(batch, cmd)
			default:
				break drain
			}
		}

		s.sendBatch(batch)
	}
}

func (s *Session) sendBatch(batch [][]byte) {
	frames, err := atem.PackFrames(batch)
	if err != nil {
		s.config.Metrics.PackError()
		s.config.Logger.Error("failed to pack commands for device, batch abandoned",
			slog.Int("commands", len(batch)),
			slog.String("error", err.Error()))
		return
	}

	sent := 0
	for _, f := range frames {
		if err := s.transport.SendFrame(f); err != nil {
			s.config.Logger.Warn("failed to send to device",
				slog.Int("frames", len(frames)-sent),
				slog.String("error", err.Error()))
			break
		}
		sent++
	}
	s.config.Metrics.Frames("upstream", sent)
}

func (s *Session) handleConnect() {
	s.established.Store(true)
	s.connected.Store(true)
	s.config.Metrics.SetUpstreamConnected(true)
	s.config.Logger.Info("device connected")
	s.events.OnConnect()
}

func (s *Session) handleDisconnect(err error) {
	s.connected.Store(false)
	s.router.ResetVersion()
	s.config.Metrics.SetUpstreamConnected(false)

	dropped := 0
drain:
	for {
		select {
		case <-s.queue:
			dropped++
		default:
			break drain
		}
	}

	attrs := []any{slog.Int("dropped_commands", dropped)}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	s.config.Logger.Warn("device disconnected", attrs...)
	s.events.OnDisconnect(err)
}

func (s *Session) handleCommands(cmds []atem.RawCommand) {
	batch := s.router.RouteInbound(cmds)

	for _, r := range batch.Forward {
		s.config.Metrics.Command("downstream", r.Class.String())
	}
	for _, r := range batch.Telemetry {
		s.config.Metrics.Command("downstream", r.Class.String())
	}

	if len(batch.Forward) > 0 {
		s.events.OnForward(batch.Forward)
	}
	if len(batch.Telemetry) > 0 {
		s.events.OnTelemetry(batch.Telemetry)
	}
}
