// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package udp implements the console side of the proxy: a UDP server that
// impersonates the device to every console.
//
// # Overview
//
// Consoles believe they talk to a device. The server answers their
// handshakes, runs the device side of the reliability protocol for each of
// them, and hands their commands to a Dispatcher. The state a console sees
// is queued onto its session by the proxy.
//
// # Architecture
//
//	┌─────────┐         ┌─────────┐
//	│ Console │ ←─UDP─→ │  Server │ ── Dispatcher ──→ proxy
//	└─────────┘         └─────────┘
//	                         │
//	                         ↓
//	                   ┌──────────┐     ┌──────────────┐
//	                   │ Session  │ ──→ │ Subscription │
//	                   │ Manager  │     │   Registry   │
//	                   └──────────┘     └──────────────┘
//	                         │
//	                         ↓
//	                   ┌─────────┐
//	                   │ Handler │
//	                   └─────────┘
//
// # Session Management
//
// Since UDP is connectionless, the server creates sessions to track consoles:
//
//	Session Key: Console IP:Port
//	Session Contents:
//	  - ID: Unique session identifier
//	  - RemoteAddr: Console's UDP address
//	  - Phase: Unhandshaked → Handshaking → Open → Closed
//	  - Outbound queue and reliability state
//
// # Session Lifecycle
//
//	Create:
//	  - Handshake from a new console IP:Port while accepting
//	  - handler.AuthConnect() may refuse it
//
//	Handshake:
//	  - Reset statistics and sequencing
//	  - Reply with the synthetic handshake acknowledgement
//	  - Start the outbound pump (once per session)
//
//	Open:
//	  - First data packet after the handshake
//	  - Ready fires exactly once: the proxy replays the cached state
//	  - Live updates and pings are only queued after the replay
//
//	Closed:
//	  - Silent for SessionTimeout, explicit disconnect, upstream loss or shutdown
//	  - Queued frames discarded, removed from the subscription set
//	  - handler.OnDisconnect() is called
//
// # Keep-alive
//
// One ticker, shared by all sessions, walks the registry every PingInterval.
// Live sessions get a ping, timed out sessions are evicted. Liveness does
// not depend on the data path, so a quiet console is kept while it acks
// pings.
//
// # Ordering
//
// Packets are handed to a fixed pool of workers, sharded by console
// address, so each console's packets are processed in arrival order.
// Each session's outbound queue is FIFO. Broadcasts only enqueue; the
// session pumps do the network writes.
//
// # Graceful Shutdown
//
// When context is canceled:
//
//	1. The listener is closed and the read loop exits
//	2. Workers finish their queued packets
//	3. Every session is evicted (handler.OnDisconnect())
//	4. Server waits for the session pumps (ShutdownTimeout)
//	5. Returns ErrShutdownTimeout if timeout exceeded
//
// # Example
//
//	server := udp.New(udp.Config{Address: ":9910"}, dispatcher, handler)
//	server.Sessions().Accept()
//	if err := server.Listen(ctx); err != nil {
//		log.Fatal(err)
//	}
package udp
