// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"bytes"
	"context"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LibAtem/AtemProxy/pkg/atem"
	"github.com/LibAtem/AtemProxy/pkg/handler"
	"github.com/LibAtem/AtemProxy/pkg/metrics"
	"github.com/LibAtem/AtemProxy/pkg/parser"
	"github.com/LibAtem/AtemProxy/pkg/router"
	"github.com/LibAtem/AtemProxy/pkg/server/udp"
	"github.com/LibAtem/AtemProxy/pkg/state"
	"github.com/LibAtem/AtemProxy/pkg/upstream"
	"golang.org/x/sync/errgroup"
)

// defaultSubscription is the subscription command used to disable telemetry
// when no console named one.
const defaultSubscription = "SALN"

// Config holds the proxy configuration.
type Config struct {
	// Server configures the console listener.
	Server udp.Config

	// Upstream configures the device session.
	Upstream upstream.Config

	// MaxSyntheticKeys bounds the cached commands without an identity.
	// If 0, the bound is disabled.
	MaxSyntheticKeys int

	// StateDumpInterval is how often the cache is summarized in the log.
	// If 0, no dump is logged.
	StateDumpInterval time.Duration

	// Classes overrides entries of router.DefaultTable.
	Classes router.Table

	// Commands adds or replaces entries of parser.DefaultTable.
	Commands parser.Table

	// Transform optionally rewrites device state before it is cached.
	Transform router.Transform

	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Proxy multiplexes one device session across many consoles.
type Proxy struct {
	config   Config
	handler  handler.Handler
	cache    *state.Cache
	router   *router.Router
	server   *udp.Server
	sessions *udp.SessionManager
	upstream *upstream.Session

	// subscription remembers the command that enabled telemetry upstream
	subMu        sync.Mutex
	subscription string

	lastEvicted atomic.Uint64
}

// New wires the cache, router, console server and device session.
func New(cfg Config, h handler.Handler, t upstream.Transport) *Proxy {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if h == nil {
		h = &handler.NoopHandler{}
	}
	if cfg.MaxSyntheticKeys < 0 {
		cfg.MaxSyntheticKeys = 0
	}

	table := router.DefaultTable()
	for name, class := range cfg.Classes {
		table[name] = class
	}

	opts := []router.Option{router.WithLogger(cfg.Logger)}
	if cfg.Transform != nil {
		opts = append(opts, router.WithTransform(cfg.Transform))
	}

	p := &Proxy{
		config:       cfg,
		handler:      h,
		cache:        state.New(cfg.MaxSyntheticKeys),
		router:       router.New(table, parser.New(parser.DefaultTable().Merge(cfg.Commands)), opts...),
		subscription: defaultSubscription,
	}

	srvCfg := cfg.Server
	if srvCfg.Logger == nil {
		srvCfg.Logger = cfg.Logger
	}
	if srvCfg.Metrics == nil {
		srvCfg.Metrics = cfg.Metrics
	}
	p.server = udp.New(srvCfg, &dispatcher{p: p}, h)
	p.sessions = p.server.Sessions()
	p.sessions.OnEvict(p.evicted)

	upCfg := cfg.Upstream
	if upCfg.Logger == nil {
		upCfg.Logger = cfg.Logger
	}
	if upCfg.Metrics == nil {
		upCfg.Metrics = cfg.Metrics
	}
	p.upstream = upstream.New(upCfg, t, p.router, &deviceEvents{p: p})

	return p
}

// Cache returns the device state cache.
func (p *Proxy) Cache() *state.Cache {
	return p.cache
}

// Sessions returns the console session registry.
func (p *Proxy) Sessions() *udp.SessionManager {
	return p.sessions
}

// Upstream returns the device session.
func (p *Proxy) Upstream() *upstream.Session {
	return p.upstream
}

// Router returns the command router.
func (p *Proxy) Router() *router.Router {
	return p.router
}

// Listen starts the console listener and the device session, and blocks
// until ctx is cancelled or one of them fails.
func (p *Proxy) Listen(ctx context.Context) error {
	return p.run(ctx, p.server.Listen)
}

// Serve is Listen on an existing socket.
func (p *Proxy) Serve(ctx context.Context, conn *net.UDPConn) error {
	return p.run(ctx, func(ctx context.Context) error {
		return p.server.Serve(ctx, conn)
	})
}

func (p *Proxy) run(ctx context.Context, serve func(context.Context) error) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return serve(ctx)
	})
	g.Go(func() error {
		return p.upstream.Run(ctx)
	})
	if p.config.StateDumpInterval > 0 {
		g.Go(func() error {
			p.dumpState(ctx, p.config.StateDumpInterval)
			return nil
		})
	}

	return g.Wait()
}

// dumpState logs a summary of the cache every interval.
func (p *Proxy) dumpState(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.config.Logger.Info("state dump",
				slog.Int("entries", p.cache.Len()),
				slog.Uint64("evicted", p.cache.Evicted()),
				slog.Int("sessions", p.sessions.Count()),
				slog.Int("subscribers", p.sessions.Subscribers()),
				slog.Bool("device_connected", p.upstream.Connected()),
				slog.String("version", p.router.Version().String()))

			if p.config.Logger.Enabled(ctx, slog.LevelDebug) {
				for _, k := range p.cache.Keys() {
					p.config.Logger.Debug("cached command", slog.String("key", k.String()))
				}
			}
		}
	}
}

func (p *Proxy) updateCacheMetrics() {
	evicted := p.cache.Evicted()
	prev := p.lastEvicted.Swap(evicted)
	var delta uint64
	if evicted > prev {
		delta = evicted - prev
	}
	p.config.Metrics.SetCache(p.cache.Len(), delta)
}

// sendUpstream relays a serialized command to the device.
func (p *Proxy) sendUpstream(data []byte, sess *udp.Session) bool {
	if err := p.upstream.Send(data); err != nil {
		attrs := []any{slog.String("error", err.Error())}
		if sess != nil {
			attrs = append(attrs, slog.String("session", sess.ID))
		}
		p.config.Logger.Debug("command not relayed to device", attrs...)
		return false
	}
	return true
}

// evicted disables telemetry upstream when the last subscriber left.
func (p *Proxy) evicted(sess *udp.Session, reason string, unsubscribed bool) {
	if !unsubscribed {
		return
	}
	p.subMu.Lock()
	name := p.subscription
	p.subMu.Unlock()

	p.config.Logger.Info("last telemetry subscriber left",
		slog.String("session", sess.ID),
		slog.String("reason", reason))
	p.sendUpstream(atem.Build(name, make([]byte, 4)), nil)
}

// deviceEvents applies device traffic to the cache and the consoles.
type deviceEvents struct {
	p *Proxy
}

var _ upstream.Events = (*deviceEvents)(nil)

func (e *deviceEvents) OnConnect() {
	e.p.sessions.Accept()
}

func (e *deviceEvents) OnDisconnect(err error) {
	e.p.sessions.Reject()
	e.p.cache.Clear()
	e.p.updateCacheMetrics()
}

func (e *deviceEvents) OnForward(routes []router.Route) {
	cmds := make([][]byte, 0, len(routes))
	for _, r := range routes {
		if r.Class == router.Unknown || r.Identity == "" {
			e.p.cache.Append(r.Bytes)
		} else {
			e.p.cache.Set(state.Known(r.Identity), r.Bytes)
		}
		cmds = append(cmds, r.Bytes)
	}
	e.p.updateCacheMetrics()
	e.broadcast(cmds, e.p.sessions.Broadcast)
}

func (e *deviceEvents) OnTelemetry(routes []router.Route) {
	if e.p.sessions.Subscribers() == 0 {
		return
	}
	cmds := make([][]byte, 0, len(routes))
	for _, r := range routes {
		cmds = append(cmds, r.Bytes)
	}
	e.broadcast(cmds, e.p.sessions.BroadcastTelemetry)
}

func (e *deviceEvents) broadcast(cmds [][]byte, fanOut func([][]byte) int) {
	frames, err := atem.PackFrames(cmds)
	if err != nil {
		e.p.config.Metrics.PackError()
		e.p.config.Logger.Error("failed to pack device commands for consoles",
			slog.Int("commands", len(cmds)),
			slog.String("error", err.Error()))
		return
	}
	n := fanOut(frames)
	e.p.config.Metrics.Frames("downstream", n*len(frames))
}

// dispatcher handles console sessions for the server.
type dispatcher struct {
	p *Proxy
}

var _ udp.Dispatcher = (*dispatcher)(nil)

// Ready replays the cached state to a console that just opened.
func (d *dispatcher) Ready(ctx context.Context, sess *udp.Session) {
	commands := 0
	frames, err := sess.Replay(func() ([][]byte, error) {
		values := d.p.cache.Values()
		commands = len(values)
		return atem.PackFrames(values)
	})
	if err != nil {
		d.p.config.Metrics.PackError()
		d.p.config.Logger.Error("failed to pack state replay",
			slog.String("session", sess.ID),
			slog.String("error", err.Error()))
		return
	}

	d.p.config.Metrics.Replay(commands)
	d.p.config.Logger.Info("replayed state to console",
		slog.String("session", sess.ID),
		slog.String("client", sess.RemoteAddr.String()),
		slog.Int("commands", commands),
		slog.Int("frames", frames))
}

// Commands relays console commands to the device. Console traffic never
// touches the cache.
func (d *dispatcher) Commands(ctx context.Context, sess *udp.Session, cmds []atem.RawCommand) {
	for _, raw := range cmds {
		route := d.p.router.RouteOutbound(raw)
		d.p.config.Metrics.Command("upstream", route.Class.String())

		switch route.Class {
		case router.Subscription:
			d.subscribe(ctx, sess, route)
		case router.Lock, router.Transfer:
			d.p.config.Logger.Debug("dropping console command",
				slog.String("session", sess.ID),
				slog.String("command", route.Name),
				slog.String("class", route.Class.String()))
		default:
			d.relay(ctx, sess, route)
		}
	}
}

func (d *dispatcher) relay(ctx context.Context, sess *udp.Session, route router.Route) {
	body := route.Body
	if err := d.p.handler.AuthCommand(ctx, sess.Context, route.Name, &body); err != nil {
		d.p.config.Logger.Warn("console command refused",
			slog.String("session", sess.ID),
			slog.String("command", route.Name),
			slog.String("error", err.Error()))
		return
	}

	data := route.Bytes
	if !bytes.Equal(body, route.Body) {
		data = atem.Build(route.Name, body)
	}
	if !d.p.sendUpstream(data, sess) {
		return
	}

	if err := d.p.handler.OnCommand(ctx, sess.Context, route.Name, append([]byte(nil), body...)); err != nil {
		d.p.config.Logger.Error("command handler error",
			slog.String("session", sess.ID),
			slog.String("error", err.Error()))
	}
}

// subscribe toggles the console's telemetry subscription. Only changes of
// the aggregate subscription reach the device.
func (d *dispatcher) subscribe(ctx context.Context, sess *udp.Session, route router.Route) {
	if err := d.p.handler.AuthSubscribe(ctx, sess.Context, route.Name, route.Enable); err != nil {
		d.p.config.Logger.Warn("subscription refused",
			slog.String("session", sess.ID),
			slog.String("command", route.Name),
			slog.String("error", err.Error()))
		return
	}

	if d.p.sessions.SetSubscription(sess, route.Enable) {
		if route.Enable {
			d.p.subMu.Lock()
			d.p.subscription = route.Name
			d.p.subMu.Unlock()
		}
		d.p.config.Logger.Info("telemetry subscription changed",
			slog.Bool("enabled", route.Enable),
			slog.String("session", sess.ID))
		d.p.sendUpstream(route.Bytes, sess)
	}

	var err error
	if route.Enable {
		err = d.p.handler.OnSubscribe(ctx, sess.Context, route.Name)
	} else {
		err = d.p.handler.OnUnsubscribe(ctx, sess.Context, route.Name)
	}
	if err != nil {
		d.p.config.Logger.Error("subscription handler error",
			slog.String("session", sess.ID),
			slog.String("error", err.Error()))
	}
}
