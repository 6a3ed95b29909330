// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"log/slog"

	"github.com/LibAtem/AtemProxy/pkg/handler"
	"github.com/LibAtem/AtemProxy/pkg/metrics"
	"github.com/LibAtem/AtemProxy/pkg/ratelimit"
)

var (
	_ handler.Handler = (*RateLimitedHandler)(nil)
	_ handler.Handler = (*InstrumentedHandler)(nil)
)

// RateLimitedHandler drops console commands beyond a per-session rate.
type RateLimitedHandler struct {
	handler handler.Handler
	limiter *ratelimit.Limiter
	metrics *metrics.Metrics
	logger  *slog.Logger
}

func (h *RateLimitedHandler) AuthConnect(ctx context.Context, hctx *handler.Context) error {
	return h.handler.AuthConnect(ctx, hctx)
}

// AuthCommand implements handler.Handler with rate limiting.
func (h *RateLimitedHandler) AuthCommand(ctx context.Context, hctx *handler.Context, name string, body *[]byte) error {
	if !h.limiter.Allow(hctx.SessionID) {
		h.metrics.RateLimited("per_session")
		h.logger.Warn("console command rate limit exceeded",
			slog.String("session", hctx.SessionID),
			slog.String("command", name))
		return ratelimit.ErrRateLimitExceeded
	}
	return h.handler.AuthCommand(ctx, hctx, name, body)
}

func (h *RateLimitedHandler) AuthSubscribe(ctx context.Context, hctx *handler.Context, name string, enable bool) error {
	return h.handler.AuthSubscribe(ctx, hctx, name, enable)
}

func (h *RateLimitedHandler) OnConnect(ctx context.Context, hctx *handler.Context) error {
	return h.handler.OnConnect(ctx, hctx)
}

func (h *RateLimitedHandler) OnCommand(ctx context.Context, hctx *handler.Context, name string, body []byte) error {
	return h.handler.OnCommand(ctx, hctx, name, body)
}

func (h *RateLimitedHandler) OnSubscribe(ctx context.Context, hctx *handler.Context, name string) error {
	return h.handler.OnSubscribe(ctx, hctx, name)
}

func (h *RateLimitedHandler) OnUnsubscribe(ctx context.Context, hctx *handler.Context, name string) error {
	return h.handler.OnUnsubscribe(ctx, hctx, name)
}

// OnDisconnect forgets the session's bucket.
func (h *RateLimitedHandler) OnDisconnect(ctx context.Context, hctx *handler.Context) error {
	h.limiter.Remove(hctx.SessionID)
	return h.handler.OnDisconnect(ctx, hctx)
}

// InstrumentedHandler times the wrapped handler's authorizations.
type InstrumentedHandler struct {
	handler handler.Handler
	metrics *metrics.Metrics
}

func (h *InstrumentedHandler) AuthConnect(ctx context.Context, hctx *handler.Context) error {
	return h.metrics.ObserveAuth("connect", func() error {
		return h.handler.AuthConnect(ctx, hctx)
	})
}

func (h *InstrumentedHandler) AuthCommand(ctx context.Context, hctx *handler.Context, name string, body *[]byte) error {
	return h.metrics.ObserveAuth("command", func() error {
		return h.handler.AuthCommand(ctx, hctx, name, body)
	})
}

func (h *InstrumentedHandler) AuthSubscribe(ctx context.Context, hctx *handler.Context, name string, enable bool) error {
	return h.metrics.ObserveAuth("subscribe", func() error {
		return h.handler.AuthSubscribe(ctx, hctx, name, enable)
	})
}

func (h *InstrumentedHandler) OnConnect(ctx context.Context, hctx *handler.Context) error {
	return h.handler.OnConnect(ctx, hctx)
}

func (h *InstrumentedHandler) OnCommand(ctx context.Context, hctx *handler.Context, name string, body []byte) error {
	return h.handler.OnCommand(ctx, hctx, name, body)
}

func (h *InstrumentedHandler) OnSubscribe(ctx context.Context, hctx *handler.Context, name string) error {
	return h.handler.OnSubscribe(ctx, hctx, name)
}

func (h *InstrumentedHandler) OnUnsubscribe(ctx context.Context, hctx *handler.Context, name string) error {
	return h.handler.OnUnsubscribe(ctx, hctx, name)
}

func (h *InstrumentedHandler) OnDisconnect(ctx context.Context, hctx *handler.Context) error {
	return h.handler.OnDisconnect(ctx, hctx)
}
