// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package proxy wires the state cache, the command router, the console
// server and the device session into one multiplexing proxy.
//
// # Overview
//
// The proxy holds the single session the device accepts and impersonates
// the device to any number of consoles:
//
//	┌──────────┐        ┌──────────────────────────┐        ┌────────┐
//	│ Consoles │ ←UDP→  │          Proxy           │ ←UDP→  │ Device │
//	└──────────┘        │  udp.Server   upstream   │        └────────┘
//	                    │       ↕          ↕       │
//	                    │  router  ←→  state.Cache │
//	                    └──────────────────────────┘
//
// # Data Flow
//
// From the device:
//
//	frame → router.RouteInbound
//	  State, Unknown → cache (known or synthetic key) → every live console
//	  Telemetry      → subscribed consoles only, never cached
//	  Lock, Transfer → dropped
//
// From a console:
//
//	command → router.RouteOutbound
//	  Subscription   → registry; only 0→1 and 1→0 changes reach the device
//	  Lock, Transfer → dropped
//	  anything else  → handler.AuthCommand → device → handler.OnCommand
//
// Console commands never touch the cache: the device echoes the state it
// accepted and that echo is what gets cached.
//
// # Lifecycle
//
// Consoles are refused until the device link is up. When it drops, every
// console session is closed and the cache is cleared, so a reconnecting
// console never sees state from a previous device session.
//
// A console that opens its session gets the cache replayed as its first
// data, before any live update or ping.
//
// # Example
//
//	client := atem.NewClient(atem.ClientConfig{Address: "10.0.0.20"})
//	p := proxy.New(proxy.Config{
//		Server: udp.Config{Address: ":9910"},
//		Logger: logger,
//	}, handler, client)
//	if err := p.Listen(ctx); err != nil {
//		log.Fatal(err)
//	}
package proxy
