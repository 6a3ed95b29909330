// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handler

import "context"

// Context contains metadata of one console session.
// It is passed to Handler methods.
type Context struct {
	// SessionID is a unique identifier for this session
	SessionID string

	// WireSessionID is the protocol session id the proxy assigned to the console
	WireSessionID uint16

	// RemoteAddr is the console's network address
	RemoteAddr string

	// Protocol is always "atem"
	Protocol string
}

// Handler defines authorization and notification callbacks for console events.
//
// Authorization methods (AuthConnect, AuthCommand, AuthSubscribe) are called BEFORE
// the proxy acts on a console's request. They can:
// - Return an error to reject the action
// - Modify the command body via its pointer
//
// Notification methods (OnConnect, OnCommand, etc.) are called AFTER successful actions
// for audit logging, metrics, or post-processing. Errors from these methods are logged
// but don't prevent the action.
type Handler interface {
	// AuthConnect authorizes a new console session.
	// Called on the first handshake from an unknown address.
	// Return an error to ignore the console.
	AuthConnect(ctx context.Context, hctx *Context) error

	// AuthCommand authorizes a console command before it is relayed to the device.
	// The body can be modified via its pointer.
	// Return an error to drop the command.
	AuthCommand(ctx context.Context, hctx *Context, name string, body *[]byte) error

	// AuthSubscribe authorizes a telemetry subscription change.
	// Return an error to ignore the request.
	AuthSubscribe(ctx context.Context, hctx *Context, name string, enable bool) error

	// OnConnect is called after the console completed its handshake.
	OnConnect(ctx context.Context, hctx *Context) error

	// OnCommand is called after a command was relayed to the device.
	// Note: body is an immutable copy (not a pointer).
	OnCommand(ctx context.Context, hctx *Context, name string, body []byte) error

	// OnSubscribe is called after a console subscribed to telemetry.
	OnSubscribe(ctx context.Context, hctx *Context, name string) error

	// OnUnsubscribe is called after a console unsubscribed from telemetry.
	OnUnsubscribe(ctx context.Context, hctx *Context, name string) error

	// OnDisconnect is called when a session is evicted (timeout, upstream loss or shutdown).
	OnDisconnect(ctx context.Context, hctx *Context) error
}

// NoopHandler is a Handler implementation that allows all operations.
// Useful for testing or when no authorization is needed.
type NoopHandler struct{}

var _ Handler = (*NoopHandler)(nil)

func (h *NoopHandler) AuthConnect(ctx context.Context, hctx *Context) error {
	return nil
}

func (h *NoopHandler) AuthCommand(ctx context.Context, hctx *Context, name string, body *[]byte) error {
	return nil
}

func (h *NoopHandler) AuthSubscribe(ctx context.Context, hctx *Context, name string, enable bool) error {
	return nil
}

func (h *NoopHandler) OnConnect(ctx context.Context, hctx *Context) error {
	return nil
}

func (h *NoopHandler) OnCommand(ctx context.Context, hctx *Context, name string, body []byte) error {
	return nil
}

func (h *NoopHandler) OnSubscribe(ctx context.Context, hctx *Context, name string) error {
	return nil
}

func (h *NoopHandler) OnUnsubscribe(ctx context.Context, hctx *Context, name string) error {
	return nil
}

func (h *NoopHandler) OnDisconnect(ctx context.Context, hctx *Context) error {
	return nil
}
