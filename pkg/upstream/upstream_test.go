// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package upstream

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/LibAtem/AtemProxy/pkg/atem"
	"github.com/LibAtem/AtemProxy/pkg/breaker"
	"github.com/LibAtem/AtemProxy/pkg/router"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var (
	discardLogger  = slog.New(slog.NewTextHandler(io.Discard, nil))
	errUnreachable = errors.New("unreachable")
)

// fakeTransport plays the device side of Transport.
type fakeTransport struct {
	connectErr error

	mu       sync.Mutex
	handler  atem.ClientHandler
	attempts int
	frames   [][]byte
	sendErr  error

	inbound chan []atem.RawCommand
	drop    chan error
	sent    chan struct{}
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		inbound: make(chan []atem.RawCommand, 16),
		drop:    make(chan error, 1),
		sent:    make(chan struct{}, 64),
	}
}

func (f *fakeTransport) SetHandler(h atem.ClientHandler) {
	f.mu.Lock()
	f.handler = h
	f.mu.Unlock()
}

func (f *fakeTransport) Connect(ctx context.Context) error {
	f.mu.Lock()
	f.attempts++
	h := f.handler
	f.mu.Unlock()

	if f.connectErr != nil {
		return f.connectErr
	}

	h.OnConnect()
	for {
		select {
		case <-ctx.Done():
			h.OnDisconnect(ctx.Err())
			return ctx.Err()
		case err := <-f.drop:
			h.OnDisconnect(err)
			return err
		case cmds := <-f.inbound:
			h.OnCommands(cmds)
		}
	}
}

func (f *fakeTransport) SendFrame(payload []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return f.sendErr
	}
	f.frames = append(f.frames, payload)
	f.sent <- struct{}{}
	return nil
}

func (f *fakeTransport) attemptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempts
}

// recordingEvents collects the device events in order.
type recordingEvents struct {
	mu           sync.Mutex
	log          []string
	forwarded    []router.Route
	telemetry    []router.Route
	connected    chan struct{}
	disconnected chan struct{}
	routed       chan struct{}
}

func newRecordingEvents() *recordingEvents {
	return &recordingEvents{
		connected:    make(chan struct{}, 8),
		disconnected: make(chan struct{}, 8),
		routed:       make(chan struct{}, 64),
	}
}

func (e *recordingEvents) OnConnect() {
	e.record("connect")
	e.connected <- struct{}{}
}

func (e *recordingEvents) OnDisconnect(err error) {
	e.record("disconnect")
	e.disconnected <- struct{}{}
}

func (e *recordingEvents) OnForward(routes []router.Route) {
	e.mu.Lock()
	e.log = append(e.log, "forward")
	e.forwarded = append(e.forwarded, routes...)
	e.mu.Unlock()
	e.routed <- struct{}{}
}

func (e *recordingEvents) OnTelemetry(routes []router.Route) {
	e.mu.Lock()
	e.log = append(e.log, "telemetry")
	e.telemetry = append(e.telemetry, routes...)
	e.mu.Unlock()
	e.routed <- struct{}{}
}

func (e *recordingEvents) record(s string) {
	e.mu.Lock()
	e.log = append(e.log, s)
	e.mu.Unlock()
}

func wait(t *testing.T, ch <-chan struct{}, what string) {
	t.Helper()
	select {
	case <-ch:
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
}

func runSession(t *testing.T, cfg Config, tr *fakeTransport, ev Events) (*Session, *router.Router, func()) {
	t.Helper()
	cfg.Logger = discardLogger
	r := router.New(nil, nil, router.WithLogger(discardLogger))
	s := New(cfg, tr, r, ev)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	return s, r, func() {
		cancel()
		select {
		case err := <-done:
			if err != nil {
				t.Errorf("Run() error = %v", err)
			}
		case <-time.After(2 * time.Second):
			t.Fatal("Run() did not return")
		}
	}
}

func TestSessionRoutesDeviceFrames(t *testing.T) {
	tr := newFakeTransport()
	ev := newRecordingEvents()
	s, _, stop := runSession(t, Config{}, tr, ev)
	defer stop()

	wait(t, ev.connected, "connect")
	if !s.Connected() {
		t.Error("Connected() = false after connect")
	}

	tr.inbound <- []atem.RawCommand{
		{Name: "PrgI", Body: []byte{0, 0, 0, 1}},
		{Name: "AMLv", Body: make([]byte, 8)},
		{Name: "LKOB", Body: []byte{0, 1}},
		{Name: "PrvI", Body: []byte{0, 0, 0, 2, 0, 0, 0, 0}},
	}
	wait(t, ev.routed, "forward")
	wait(t, ev.routed, "telemetry")

	ev.mu.Lock()
	defer ev.mu.Unlock()
	if len(ev.forwarded) != 2 || ev.forwarded[0].Name != "PrgI" || ev.forwarded[1].Name != "PrvI" {
		t.Errorf("forwarded = %+v, want PrgI then PrvI", ev.forwarded)
	}
	if len(ev.telemetry) != 1 || ev.telemetry[0].Name != "AMLv" {
		t.Errorf("telemetry = %+v, want AMLv", ev.telemetry)
	}
}

func TestSessionSendBatchesInOrder(t *testing.T) {
	tr := newFakeTransport()
	ev := newRecordingEvents()
	s, _, stop := runSession(t, Config{}, tr, ev)
	defer stop()

	wait(t, ev.connected, "connect")

	cmds := [][]byte{
		atem.Build("CPgI", []byte{0, 0, 0, 1}),
		atem.Build("CPvI", []byte{0, 0, 0, 2}),
		atem.Build("DCut", []byte{0, 0, 0, 0}),
	}
	for _, c := range cmds {
		if err := s.Send(c); err != nil {
			t.Fatalf("Send() error = %v", err)
		}
	}

	var got []atem.RawCommand
	for len(got) < len(cmds) {
		wait(t, tr.sent, "frame")

		tr.mu.Lock()
		got = got[:0]
		for _, f := range tr.frames {
			split, err := atem.SplitCommands(f)
			if err != nil {
				t.Fatalf("SplitCommands() error = %v", err)
			}
			got = append(got, split...)
		}
		tr.mu.Unlock()
	}

	if len(got) != len(cmds) {
		t.Fatalf("device got %d commands, want %d", len(got), len(cmds))
	}
	for i, c := range got {
		if !bytes.Equal(c.Bytes(), cmds[i]) {
			t.Errorf("command %d = %x, want %x", i, c.Bytes(), cmds[i])
		}
	}
}

func TestSessionSendWhileDisconnected(t *testing.T) {
	s := New(Config{Logger: discardLogger}, newFakeTransport(), router.New(nil, nil), newRecordingEvents())
	if err := s.Send(atem.Build("CPgI", nil)); err == nil {
		t.Error("Send() accepted a command while disconnected")
	}
}

func TestSessionSendQueueFull(t *testing.T) {
	s := New(Config{Logger: discardLogger, SendQueueSize: 1}, newFakeTransport(), router.New(nil, nil), newRecordingEvents())
	s.connected.Store(true)

	if err := s.Send(atem.Build("CPgI", nil)); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if err := s.Send(atem.Build("CPgI", nil)); !errors.Is(err, ErrQueueFull) {
		t.Errorf("Send() error = %v, want %v", err, ErrQueueFull)
	}
}

func TestSessionOversizedBatchAbandoned(t *testing.T) {
	tr := newFakeTransport()
	s := New(Config{Logger: discardLogger}, tr, router.New(nil, nil), newRecordingEvents())

	s.sendBatch([][]byte{
		atem.Build("CPgI", nil),
		atem.Build("Huge", make([]byte, atem.MaxPayloadSize)),
	})
	if len(tr.frames) != 0 {
		t.Errorf("sent %d frames for an unpackable batch", len(tr.frames))
	}
}

func TestSessionDisconnectResetsVersion(t *testing.T) {
	tr := newFakeTransport()
	ev := newRecordingEvents()
	s, r, stop := runSession(t, Config{RetryInterval: 10 * time.Millisecond}, tr, ev)
	defer stop()

	wait(t, ev.connected, "connect")
	tr.inbound <- []atem.RawCommand{
		{Name: atem.VersionCommand, Body: atem.VersionBody(atem.Version8_0)},
		{Name: "PrgI", Body: []byte{0, 0, 0, 1}},
	}
	wait(t, ev.routed, "forward")
	if r.Version() != atem.Version8_0 {
		t.Fatalf("Version() = %v, want %v", r.Version(), atem.Version8_0)
	}

	tr.drop <- atem.ErrTimeout
	wait(t, ev.disconnected, "disconnect")
	if s.Connected() {
		t.Error("Connected() = true after disconnect")
	}
	if r.Version() != atem.VersionMinimum {
		t.Errorf("Version() = %v after disconnect, want %v", r.Version(), atem.VersionMinimum)
	}

	// The session reconnects on its own.
	wait(t, ev.connected, "reconnect")
}

func TestSessionBreakerHoldsReconnects(t *testing.T) {
	tr := newFakeTransport()
	tr.connectErr = errUnreachable

	b := breaker.New(breaker.Config{MaxFailures: 2, ResetTimeout: time.Hour})
	_, _, stop := runSession(t, Config{RetryInterval: time.Millisecond, Breaker: b}, tr, newRecordingEvents())

	deadline := time.Now().Add(2 * time.Second)
	for b.State() != breaker.StateOpen {
		if time.Now().After(deadline) {
			t.Fatal("breaker did not open")
		}
		time.Sleep(time.Millisecond)
	}
	stop()

	if n := tr.attemptCount(); n != 2 {
		t.Errorf("attempts = %d, want 2", n)
	}
}
