// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package udp

import (
	"errors"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/LibAtem/AtemProxy/pkg/atem"
	"github.com/LibAtem/AtemProxy/pkg/handler"
)

// Phase is the connection phase of a console session.
type Phase int32

const (
	PhaseUnhandshaked Phase = iota
	PhaseHandshaking
	PhaseOpen
	PhaseClosed
)

func (p Phase) String() string {
	switch p {
	case PhaseUnhandshaked:
		return "unhandshaked"
	case PhaseHandshaking:
		return "handshaking"
	case PhaseOpen:
		return "open"
	case PhaseClosed:
		return "closed"
	default:
		return "invalid"
	}
}

// ErrNotHandshaked is returned for data packets from a console that has not
// sent a handshake.
var ErrNotHandshaked = errors.New("packet before handshake")

// datagramWriter is satisfied by *net.UDPConn.
type datagramWriter interface {
	WriteToUDP(b []byte, addr *net.UDPAddr) (int, error)
}

// Session represents the emulated device connection of one console.
// Since UDP is connectionless, we maintain session state per console address.
type Session struct {
	// ID is a unique identifier for this session
	ID string

	// RemoteAddr is the console's UDP address
	RemoteAddr *net.UDPAddr

	// Context is the handler context for this session
	Context *handler.Context

	// CreatedAt is when the first datagram arrived
	CreatedAt time.Time

	wireID uint16
	conn   *atem.Conn

	phase       atomic.Int32
	readyFired  atomic.Bool
	timedOut    atomic.Bool
	pumpStarted atomic.Bool

	// mu orders the replay snapshot against live updates
	mu   sync.Mutex
	live bool

	notify chan struct{}
}

func newSession(id string, addr *net.UDPAddr, wireID uint16) *Session {
	return &Session{
		ID:         id,
		RemoteAddr: addr,
		Context: &handler.Context{
			SessionID:     id,
			WireSessionID: wireID,
			RemoteAddr:    addr.String(),
			Protocol:      "atem",
		},
		CreatedAt: time.Now(),
		wireID:    wireID,
		conn:      atem.NewConn(wireID),
		notify:    make(chan struct{}, 1),
	}
}

// Phase returns the connection phase.
func (s *Session) Phase() Phase {
	return Phase(s.phase.Load())
}

// Handshake answers a connect request. Statistics, sequencing and the
// queue are reset, so a console that handshakes again starts over and is
// replayed again once it opens.
func (s *Session) Handshake(request []byte) ([]byte, error) {
	reply, err := atem.HandshakeReply(request)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	s.conn.Reset(time.Now())
	s.live = false
	s.readyFired.Store(false)
	s.phase.Store(int32(PhaseHandshaking))
	s.mu.Unlock()

	return reply, nil
}

// Receive processes a data packet and returns its commands and the ack to
// send. The first packet after a handshake opens the session.
func (s *Session) Receive(pkt *atem.Packet) ([]atem.RawCommand, []byte, error) {
	if s.Phase() == PhaseUnhandshaked {
		return nil, nil, ErrNotHandshaked
	}

	cmds, ack, err := s.conn.Receive(pkt, time.Now())
	if s.conn.Opened() {
		s.phase.CompareAndSwap(int32(PhaseHandshaking), int32(PhaseOpen))
	}
	return cmds, ack, err
}

// ReadyForData reports true exactly once per handshake, on the first call
// after the session opened.
func (s *Session) ReadyForData() bool {
	return s.Phase() == PhaseOpen && s.readyFired.CompareAndSwap(false, true)
}

// Replay takes a snapshot and queues it as the first data of the session.
// Live updates are dropped until Replay ran, and queued after the snapshot
// once it has. Replay returns the number of frames queued.
func (s *Session) Replay(snapshot func() ([][]byte, error)) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timedOut.Load() {
		return 0, nil
	}

	frames, err := snapshot()
	if err != nil {
		return 0, err
	}

	s.live = true
	for _, f := range frames {
		s.conn.Queue(f)
	}
	s.wake()
	return len(frames), nil
}

// EnqueueLive queues frames if the session has been replayed.
func (s *Session) EnqueueLive(frames [][]byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.live || s.timedOut.Load() {
		return false
	}
	for _, f := range frames {
		s.conn.Queue(f)
	}
	s.wake()
	return true
}

// QueuePing queues a keep-alive if the session has been replayed.
func (s *Session) QueuePing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.live || s.timedOut.Load() {
		return false
	}
	s.conn.QueuePing()
	s.wake()
	return true
}

// Live reports whether the session has been replayed.
func (s *Session) Live() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live
}

// HasTimedOut reports whether the session was closed or silent for longer than timeout.
func (s *Session) HasTimedOut(now time.Time, timeout time.Duration) bool {
	return s.timedOut.Load() || s.conn.TimedOut(now, timeout)
}

// UpdateActivity updates the last activity timestamp for this session.
func (s *Session) UpdateActivity() {
	s.conn.Touch(time.Now())
}

// GetLastActivity returns the last activity timestamp.
func (s *Session) GetLastActivity() time.Time {
	return s.conn.LastReceived()
}

// Stats returns the reliability counters since the last handshake.
func (s *Session) Stats() atem.Stats {
	return s.conn.Stats()
}

// Pending returns the number of queued and unacknowledged packets.
func (s *Session) Pending() int {
	return s.conn.Pending()
}

// close stops the pump and discards everything not yet sent.
func (s *Session) close() {
	s.mu.Lock()
	s.timedOut.Store(true)
	s.live = false
	s.phase.Store(int32(PhaseClosed))
	s.mu.Unlock()

	s.conn.Discard()
	s.wake()
}

func (s *Session) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// pump flushes queued packets until the session is closed.
func (s *Session) pump(w datagramWriter, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if s.timedOut.Load() {
			return
		}
		s.flush(w, logger)

		select {
		case <-s.notify:
		case <-ticker.C:
		}
	}
}

func (s *Session) flush(w datagramWriter, logger *slog.Logger) {
	for {
		if s.timedOut.Load() {
			return
		}
		data, ok := s.conn.Next(time.Now())
		if !ok {
			return
		}
		if _, err := w.WriteToUDP(data, s.RemoteAddr); err != nil {
			logger.Debug("failed to send to console",
				slog.String("session", s.ID),
				slog.String("client", s.RemoteAddr.String()),
				slog.String("error", err.Error()))
		}
	}
}
