// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package router classifies device commands and decides how each one is
// forwarded and cached.
//
// Classification is driven by an injected Table mapping command names to a
// Class. Names absent from the table are State. A command the parser
// cannot identify is Unknown: it is still forwarded and cached, under a
// synthetic key, because unknown commands are often needed by consoles.
//
//	Class         Cached  Forwarded to
//	State         yes     every open session
//	Unknown       yes     every open session
//	Telemetry     no      subscribed sessions
//	Lock          no      nobody
//	Transfer      no      nobody
//	Subscription  no      device, on edges only (console requests)
package router

import (
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/LibAtem/AtemProxy/pkg/atem"
	"github.com/LibAtem/AtemProxy/pkg/parser"
)

// Class is the routing treatment of a command.
type Class int

const (
	State Class = iota
	Telemetry
	Lock
	Transfer
	Unknown
	Subscription
)

func (c Class) String() string {
	switch c {
	case State:
		return "state"
	case Telemetry:
		return "telemetry"
	case Lock:
		return "lock"
	case Transfer:
		return "transfer"
	case Unknown:
		return "unknown"
	case Subscription:
		return "subscription"
	default:
		return fmt.Sprintf("class(%d)", int(c))
	}
}

// Table maps command names to classes.
type Table map[string]Class

// DefaultTable returns the classification of the device's telemetry, lock,
// transfer and subscription commands.
func DefaultTable() Table {
	return Table{
		"FMLv": Telemetry,
		"FDLv": Telemetry,
		"AMLv": Telemetry,

		"LKOB": Lock,
		"LOCK": Lock,

		"FTSD": Transfer,
		"FTSU": Transfer,
		"FTCD": Transfer,
		"FTDa": Transfer,
		"FTDC": Transfer,
		"FTDE": Transfer,
		"FTUA": Transfer,
		"FTFD": Transfer,

		"SALN": Subscription,
		"SFLN": Subscription,
	}
}

// Route is one classified command.
type Route struct {
	Class Class
	Name  string

	// Identity is empty for Unknown routes.
	Identity string

	Body  []byte
	Bytes []byte

	// Enable is set on Subscription routes that ask for telemetry.
	Enable bool
}

// Batch is the result of routing one frame from the device.
type Batch struct {
	// Forward holds State and Unknown routes in arrival order.
	Forward []Route

	// Telemetry holds Telemetry routes in arrival order.
	Telemetry []Route

	// Dropped counts routes that are neither forwarded nor cached.
	Dropped int
}

// Transform rewrites a state command before it is forwarded and cached.
// Returning false drops the command.
type Transform func(Route) (Route, bool)

// Option configures a Router.
type Option func(*Router)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Router) {
		r.logger = logger
	}
}

// WithTransform installs a transform for inbound state commands.
func WithTransform(t Transform) Option {
	return func(r *Router) {
		r.transform = t
	}
}

// Router classifies commands and tracks the negotiated protocol version.
type Router struct {
	table     Table
	parser    parser.Parser
	logger    *slog.Logger
	transform Transform
	version   atomic.Uint32
}

// New creates a router. A nil table uses DefaultTable and a nil parser uses
// the default parser table.
func New(table Table, p parser.Parser, opts ...Option) *Router {
	if table == nil {
		table = DefaultTable()
	}
	if p == nil {
		p = parser.New(nil)
	}

	r := &Router{
		table:  table,
		parser: p,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.ResetVersion()
	return r
}

// Version returns the negotiated protocol version.
func (r *Router) Version() atem.Version {
	return atem.Version(r.version.Load())
}

// ResetVersion returns to the minimum version. Called when the device link drops.
func (r *Router) ResetVersion() {
	r.version.Store(uint32(atem.VersionMinimum))
}

// Classify routes raw under the given version.
func (r *Router) Classify(version atem.Version, raw atem.RawCommand) Route {
	class, ok := r.table[raw.Name]
	if !ok {
		class = State
	}

	route := Route{
		Class: class,
		Name:  raw.Name,
		Body:  raw.Body,
		Bytes: raw.Bytes(),
	}

	if class == Subscription {
		route.Enable = len(raw.Body) > 0 && raw.Body[0] != 0
	}

	cmd, err := r.parser.Parse(version, raw)
	if err != nil {
		// Named classes hold even when the body cannot be parsed.
		if class == State {
			route.Class = Unknown
		}
		return route
	}
	route.Identity = cmd.Identity
	return route
}

// RouteInbound routes the commands of one frame from the device. A version
// announcement takes effect for the commands that follow it in the frame.
func (r *Router) RouteInbound(raws []atem.RawCommand) Batch {
	var batch Batch
	for _, raw := range raws {
		if raw.Name == atem.VersionCommand {
			r.applyVersion(raw)
		}

		route := r.Classify(r.Version(), raw)
		switch route.Class {
		case State:
			if r.transform != nil {
				var keep bool
				if route, keep = r.transform(route); !keep {
					batch.Dropped++
					continue
				}
				route.Bytes = atem.Build(route.Name, route.Body)
			}
			batch.Forward = append(batch.Forward, route)
		case Unknown:
			r.logger.Warn("forwarding unidentified command",
				slog.String("command", raw.Name),
				slog.Int("length", len(raw.Body)),
				slog.String("version", r.Version().String()))
			batch.Forward = append(batch.Forward, route)
		case Telemetry:
			batch.Telemetry = append(batch.Telemetry, route)
		default:
			batch.Dropped++
		}
	}
	return batch
}

// RouteOutbound routes one command from a console.
func (r *Router) RouteOutbound(raw atem.RawCommand) Route {
	route := r.Classify(r.Version(), raw)
	if route.Class == Unknown {
		r.logger.Debug("relaying unidentified console command", slog.String("command", raw.Name))
	}
	return route
}

func (r *Router) applyVersion(raw atem.RawCommand) {
	v, err := atem.ParseVersion(raw.Body)
	if err != nil {
		r.logger.Warn("invalid version announcement", slog.String("error", err.Error()))
		return
	}
	if old := atem.Version(r.version.Swap(uint32(v))); old != v {
		r.logger.Info("device protocol version",
			slog.String("version", v.String()),
			slog.String("previous", old.String()))
	}
}
