// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package handler provides the hooks that link console sessions to business logic.
//
// # Architecture Overview
//
// The Handler interface is called by the UDP server and the proxy orchestrator
// at the points of a console session's lifecycle where an application may want
// to authorize, audit or rewrite what a console does.
//
// # Data Flow
//
//	Console → Server (session) → Handler (authorizes) → Router → Device
//	Device → Router → Cache → Server (broadcast) → Console
//
// Traffic from the device is never passed through the handler: it is the
// authoritative state and every console receives it.
//
// # Handler Methods
//
// Authorization methods (Auth*) are called before acting:
//   - AuthConnect: Verifies a new console address
//   - AuthCommand: Authorizes (and may rewrite) a command for the device
//   - AuthSubscribe: Authorizes a telemetry subscription change
//
// Notification methods (On*) are called after successful operations:
//   - OnConnect: Console completed its handshake
//   - OnCommand: Command relayed to the device
//   - OnSubscribe, OnUnsubscribe: Telemetry subscription changed
//   - OnDisconnect: Session evicted
//
// # Context
//
// The Context struct carries session metadata across all handler calls:
//   - SessionID: Unique identifier for this session
//   - WireSessionID: Protocol session id assigned by the proxy
//   - RemoteAddr: Console's network address
//   - Protocol: Protocol name
//
// # Example
//
//	type ReadOnly struct {
//		handler.NoopHandler
//	}
//
//	func (h *ReadOnly) AuthCommand(ctx context.Context, hctx *handler.Context, name string, body *[]byte) error {
//		return errors.ErrUnauthorized
//	}
package handler
