// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package udp

import (
	"bytes"
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/LibAtem/AtemProxy/pkg/atem"
	"github.com/LibAtem/AtemProxy/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

// mockDispatcher replays a fixed snapshot and records console commands.
type mockDispatcher struct {
	snapshot [][]byte

	mu       sync.Mutex
	ready    int
	commands []atem.RawCommand
	got      chan struct{}
}

func newMockDispatcher(snapshot ...[]byte) *mockDispatcher {
	return &mockDispatcher{snapshot: snapshot, got: make(chan struct{}, 16)}
}

func (d *mockDispatcher) Ready(ctx context.Context, sess *Session) {
	d.mu.Lock()
	d.ready++
	d.mu.Unlock()
	sess.Replay(func() ([][]byte, error) { return d.snapshot, nil })
}

func (d *mockDispatcher) Commands(ctx context.Context, sess *Session, cmds []atem.RawCommand) {
	d.mu.Lock()
	d.commands = append(d.commands, cmds...)
	d.mu.Unlock()
	d.got <- struct{}{}
}

func (d *mockDispatcher) readyCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ready
}

// startServer serves on a loopback socket and returns its address.
func startServer(t *testing.T, cfg Config, d Dispatcher, h *mockHandler, accept bool) (*Server, *net.UDPAddr, func() error) {
	t.Helper()

	conn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP() error = %v", err)
	}

	cfg.Logger = discardLogger
	srv := New(cfg, d, h)
	if accept {
		srv.Sessions().Accept()
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.Serve(ctx, conn)
	}()

	stop := func() error {
		cancel()
		select {
		case err := <-errCh:
			return err
		case <-time.After(5 * time.Second):
			t.Fatal("Serve() did not return")
			return nil
		}
	}
	return srv, conn.LocalAddr().(*net.UDPAddr), stop
}

// readPacket reads datagrams until match accepts one.
func readPacket(t *testing.T, conn *net.UDPConn, match func(*atem.Packet) bool) *atem.Packet {
	t.Helper()
	buf := make([]byte, 2048)
	deadline := time.Now().Add(2 * time.Second)
	for {
		conn.SetReadDeadline(deadline)
		n, err := conn.Read(buf)
		if err != nil {
			t.Fatalf("read error = %v", err)
		}
		pkt, err := atem.ParsePacket(append([]byte(nil), buf[:n]...))
		if err != nil {
			t.Fatalf("ParsePacket() error = %v", err)
		}
		if match(pkt) {
			return pkt
		}
	}
}

func TestServerConsoleSession(t *testing.T) {
	h := &mockHandler{}
	replay := atem.Build("PrgI", []byte{0, 0, 0, 3})
	d := newMockDispatcher(replay)

	srv, addr, stop := startServer(t, Config{PingInterval: 20 * time.Millisecond}, d, h, true)

	console, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		t.Fatalf("DialUDP() error = %v", err)
	}
	defer console.Close()

	if _, err := console.Write(atem.NewHandshake(0x1234)); err != nil {
		t.Fatalf("write handshake: %v", err)
	}
	reply := readPacket(t, console, func(p *atem.Packet) bool { return p.Flags.Has(atem.FlagHandshake) })
	if reply.SessionID != 0x1234 || reply.HandshakeOpcode() != atem.HandshakeAccept {
		t.Fatalf("handshake reply = %+v", reply)
	}

	// The first ack opens the session and triggers the replay.
	ack := &atem.Packet{Flags: atem.FlagAckReply, SessionID: 0x1234}
	console.Write(ack.Marshal())

	first := readPacket(t, console, func(p *atem.Packet) bool { return p.Flags.Has(atem.FlagAckRequest) })
	if !bytes.Equal(first.Payload, replay) {
		t.Fatalf("first data packet = %x, want the replay %x", first.Payload, replay)
	}
	if first.SessionID&0x8000 == 0 {
		t.Errorf("device session id = %#04x, want the device bit set", first.SessionID)
	}
	if d.readyCount() != 1 || h.connects() != 1 {
		t.Errorf("ready = %d, OnConnect = %d, want 1, 1", d.readyCount(), h.connects())
	}

	// A command from the console is acked and dispatched.
	cmd := &atem.Packet{
		Flags:     atem.FlagAckRequest | atem.FlagAckReply,
		SessionID: first.SessionID,
		AckedID:   first.PacketID,
		PacketID:  1,
		Payload:   atem.Build("CPgI", []byte{0, 0, 0, 4}),
	}
	console.Write(cmd.Marshal())

	got := readPacket(t, console, func(p *atem.Packet) bool {
		return p.Flags.Has(atem.FlagAckReply) && p.AckedID == 1
	})
	if got.SessionID != first.SessionID {
		t.Errorf("ack session id = %#04x, want %#04x", got.SessionID, first.SessionID)
	}

	select {
	case <-d.got:
	case <-time.After(2 * time.Second):
		t.Fatal("command not dispatched")
	}
	d.mu.Lock()
	if len(d.commands) != 1 || d.commands[0].Name != "CPgI" {
		t.Errorf("dispatched commands = %+v", d.commands)
	}
	d.mu.Unlock()

	// Pings follow the replay.
	readPacket(t, console, func(p *atem.Packet) bool {
		return p.Flags.Has(atem.FlagAckRequest) && len(p.Payload) == 0
	})

	if srv.Sessions().Count() != 1 {
		t.Errorf("Count() = %d, want 1", srv.Sessions().Count())
	}

	if err := stop(); err != nil {
		t.Errorf("Serve() error = %v", err)
	}
	if h.disconnects() != 1 {
		t.Errorf("OnDisconnect called %d times, want 1", h.disconnects())
	}
}

func TestServerRejectsWhileNotAccepting(t *testing.T) {
	h := &mockHandler{}
	_, addr, stop := startServer(t, Config{}, newMockDispatcher(), h, false)
	defer stop()

	console, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		t.Fatalf("DialUDP() error = %v", err)
	}
	defer console.Close()

	console.Write(atem.NewHandshake(0x1234))

	console.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	buf := make([]byte, 64)
	if n, err := console.Read(buf); err == nil {
		t.Errorf("got %d byte reply while not accepting", n)
	}
}

func TestServerIgnoresDataBeforeHandshake(t *testing.T) {
	h := &mockHandler{}
	m := metrics.New("test", prometheus.NewRegistry())
	srv, addr, stop := startServer(t, Config{Metrics: m}, newMockDispatcher(), h, true)
	defer stop()

	console, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		t.Fatalf("DialUDP() error = %v", err)
	}
	defer console.Close()

	data := &atem.Packet{Flags: atem.FlagAckRequest, SessionID: 0x1234, PacketID: 1, Payload: atem.Build("CPgI", []byte{0, 0, 0, 1})}
	console.Write(data.Marshal())

	console.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	buf := make([]byte, 64)
	if n, err := console.Read(buf); err == nil {
		t.Errorf("got %d byte reply to data before a handshake", n)
	}
	if n := srv.Sessions().Count(); n != 0 {
		t.Errorf("Count() = %d, want no session without a handshake", n)
	}
	if n := h.authorizations(); n != 0 {
		t.Errorf("AuthConnect called %d times, want 0", n)
	}
	if got := testutil.ToFloat64(m.ActiveSessions); got != 0 {
		t.Errorf("active_sessions = %v, want 0", got)
	}

	// A handshake from the same address still opens a session.
	console.Write(atem.NewHandshake(0x1234))
	readPacket(t, console, func(p *atem.Packet) bool { return p.Flags.Has(atem.FlagHandshake) })
	if n := h.authorizations(); n != 1 {
		t.Errorf("AuthConnect called %d times after handshake, want 1", n)
	}
}

func TestServerConsoleDisconnect(t *testing.T) {
	h := &mockHandler{}
	srv, addr, stop := startServer(t, Config{}, newMockDispatcher(), h, true)
	defer stop()

	console, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		t.Fatalf("DialUDP() error = %v", err)
	}
	defer console.Close()

	console.Write(atem.NewHandshake(0x1234))
	readPacket(t, console, func(p *atem.Packet) bool { return p.Flags.Has(atem.FlagHandshake) })

	bye := &atem.Packet{
		Flags:     atem.FlagHandshake,
		SessionID: 0x1234,
		Payload:   []byte{atem.HandshakeDisconnect, 0, 0, 0, 0, 0, 0, 0},
	}
	console.Write(bye.Marshal())

	deadline := time.Now().Add(2 * time.Second)
	for srv.Sessions().Count() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("session not removed after disconnect")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if h.disconnects() != 1 {
		t.Errorf("OnDisconnect called %d times, want 1", h.disconnects())
	}
}

func TestServerSessionTimeout(t *testing.T) {
	h := &mockHandler{}
	srv, addr, stop := startServer(t, Config{
		PingInterval:   10 * time.Millisecond,
		SessionTimeout: 50 * time.Millisecond,
	}, newMockDispatcher(), h, true)
	defer stop()

	console, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		t.Fatalf("DialUDP() error = %v", err)
	}
	defer console.Close()

	console.Write(atem.NewHandshake(0x1234))
	readPacket(t, console, func(p *atem.Packet) bool { return p.Flags.Has(atem.FlagHandshake) })

	deadline := time.Now().Add(2 * time.Second)
	for srv.Sessions().Count() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("silent session not evicted")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestServerShard(t *testing.T) {
	srv := New(Config{WorkerPoolSize: 4, Logger: discardLogger}, nil, nil)
	addr := testAddr(5000)
	first := srv.shard(addr)
	for i := 0; i < 10; i++ {
		if got := srv.shard(addr); got != first {
			t.Fatalf("shard() = %d, want %d", got, first)
		}
	}
	if first < 0 || first >= 4 {
		t.Errorf("shard() = %d out of range", first)
	}
}
