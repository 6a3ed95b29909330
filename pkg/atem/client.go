// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package atem

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net"
	"strconv"
	"sync"
	"time"
)

const (
	// DefaultClientTimeout bounds the handshake and the silence tolerated on
	// an established link.
	DefaultClientTimeout = 5 * time.Second

	// DefaultPollInterval is how often queued frames are flushed.
	DefaultPollInterval = 5 * time.Millisecond

	readPollInterval = 100 * time.Millisecond
)

var (
	// ErrNotConnected is returned by SendFrame while no link is established.
	ErrNotConnected = errors.New("not connected to device")

	// ErrHandshakeRejected is returned when the device refuses the session.
	ErrHandshakeRejected = errors.New("device rejected handshake")

	// ErrTimeout is returned when the device stops responding.
	ErrTimeout = errors.New("device timed out")

	// ErrDisconnected is returned when the device closes the session.
	ErrDisconnected = errors.New("device closed the session")
)

// ClientConfig holds the upstream client configuration.
type ClientConfig struct {
	// Address is the device address, host or host:port.
	Address string

	// Timeout bounds the handshake and link silence.
	Timeout time.Duration

	// PollInterval is how often queued frames are flushed.
	PollInterval time.Duration

	Logger *slog.Logger
}

// ClientHandler receives link events. Callbacks run on the client's receive
// goroutine and must not block for long.
type ClientHandler struct {
	OnConnect    func()
	OnDisconnect func(err error)
	OnCommands   func(cmds []RawCommand)
}

// Client is a managed session to one device.
type Client struct {
	config ClientConfig

	mu      sync.Mutex
	handler ClientHandler
	conn    *Conn
	notify  chan struct{}
}

// NewClient creates a client. Nothing is sent until Connect.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultClientTimeout
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	return &Client{
		config: cfg,
		notify: make(chan struct{}, 1),
	}
}

// SetHandler replaces the event callbacks. It takes effect on the next Connect.
func (c *Client) SetHandler(h ClientHandler) {
	c.mu.Lock()
	c.handler = h
	c.mu.Unlock()
}

// Connected reports whether a link is established.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn != nil
}

// SendFrame queues one packet payload for reliable delivery.
func (c *Client) SendFrame(payload []byte) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn == nil {
		return ErrNotConnected
	}
	conn.Queue(payload)

	select {
	case c.notify <- struct{}{}:
	default:
	}
	return nil
}

// Connect runs one session: handshake, then serve until the device times
// out, closes the session or ctx is cancelled. OnConnect fires after the
// handshake and OnDisconnect when an established session ends.
func (c *Client) Connect(ctx context.Context) error {
	address := c.config.Address
	if _, _, err := net.SplitHostPort(address); err != nil {
		address = net.JoinHostPort(address, strconv.Itoa(DefaultPort))
	}

	raddr, err := net.ResolveUDPAddr("udp", address)
	if err != nil {
		return fmt.Errorf("failed to resolve device address %s: %w", address, err)
	}

	sock, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		return fmt.Errorf("failed to dial device %s: %w", address, err)
	}
	defer sock.Close()

	sessionID := uint16(rand.Intn(packetIDMask)) + 1
	conn, err := c.handshake(ctx, sock, sessionID)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.conn = conn
	h := c.handler
	c.mu.Unlock()

	c.config.Logger.Info("connected to device",
		slog.String("address", address),
		slog.Int("session_id", int(sessionID)))

	if h.OnConnect != nil {
		h.OnConnect()
	}

	err = c.serve(ctx, sock, conn, h)

	c.mu.Lock()
	c.conn = nil
	c.mu.Unlock()

	if h.OnDisconnect != nil {
		h.OnDisconnect(err)
	}
	return err
}

// handshake sends the connect request and repeats it on every poll
// interval without an answer until the device replies or Timeout passes.
func (c *Client) handshake(ctx context.Context, sock *net.UDPConn, sessionID uint16) (*Conn, error) {
	request := NewHandshake(sessionID)
	if _, err := sock.Write(request); err != nil {
		return nil, fmt.Errorf("failed to send handshake: %w", err)
	}

	deadline := time.Now().Add(c.config.Timeout)
	buf := make([]byte, MaxPacketSize)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("handshake: %w", ErrTimeout)
		}

		if err := sock.SetReadDeadline(time.Now().Add(readPollInterval)); err != nil {
			return nil, fmt.Errorf("failed to set read deadline: %w", err)
		}
		n, err := sock.Read(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				if _, err := sock.Write(request); err != nil {
					c.config.Logger.Debug("handshake resend failed", slog.String("error", err.Error()))
				}
				continue
			}
			c.config.Logger.Debug("handshake read error", slog.String("error", err.Error()))
			time.Sleep(c.config.PollInterval)
			continue
		}

		pkt, err := ParsePacket(buf[:n])
		if err != nil {
			continue
		}

		switch pkt.HandshakeOpcode() {
		case HandshakeAccept:
			ack := &Packet{Flags: FlagAckReply, SessionID: pkt.SessionID}
			if _, err := sock.Write(ack.Marshal()); err != nil {
				return nil, fmt.Errorf("failed to ack handshake: %w", err)
			}
			return NewConn(sessionID), nil
		case HandshakeReject:
			return nil, ErrHandshakeRejected
		}
	}
}

func (c *Client) serve(ctx context.Context, sock *net.UDPConn, conn *Conn, h ClientHandler) error {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writeLoop(sock, conn, done)
	}()
	defer func() {
		close(done)
		wg.Wait()
	}()

	buf := make([]byte, MaxPacketSize)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if conn.TimedOut(time.Now(), c.config.Timeout) {
			return ErrTimeout
		}

		if err := sock.SetReadDeadline(time.Now().Add(readPollInterval)); err != nil {
			return fmt.Errorf("failed to set read deadline: %w", err)
		}
		n, err := sock.Read(buf)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			c.config.Logger.Debug("device read error", slog.String("error", err.Error()))
			time.Sleep(c.config.PollInterval)
			continue
		}

		pkt, err := ParsePacket(buf[:n])
		if err != nil {
			c.config.Logger.Debug("dropping malformed packet from device", slog.String("error", err.Error()))
			continue
		}

		if pkt.Flags.Has(FlagHandshake) {
			if pkt.HandshakeOpcode() == HandshakeDisconnect {
				return ErrDisconnected
			}
			continue
		}

		// The device assigns the session id used after the handshake.
		conn.SetSessionID(pkt.SessionID)

		cmds, ack, err := conn.Receive(pkt, time.Now())
		if ack != nil {
			if _, werr := sock.Write(ack); werr != nil {
				c.config.Logger.Warn("failed to ack device packet", slog.String("error", werr.Error()))
			}
		}
		if err != nil {
			c.config.Logger.Warn("malformed payload from device", slog.String("error", err.Error()))
		}
		if len(cmds) > 0 && h.OnCommands != nil {
			h.OnCommands(cmds)
		}
	}
}

func (c *Client) writeLoop(sock *net.UDPConn, conn *Conn, done <-chan struct{}) {
	ticker := time.NewTicker(c.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-c.notify:
		case <-ticker.C:
		}

		for {
			data, ok := conn.Next(time.Now())
			if !ok {
				break
			}
			if _, err := sock.Write(data); err != nil {
				c.config.Logger.Warn("failed to send to device", slog.String("error", err.Error()))
			}
		}
	}
}
