// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package udp

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/LibAtem/AtemProxy/pkg/atem"
	"github.com/LibAtem/AtemProxy/pkg/handler"
	"github.com/LibAtem/AtemProxy/pkg/metrics"
)

const (
	// DefaultPingInterval is how often live sessions are pinged and timed
	// out sessions evicted.
	DefaultPingInterval = time.Second

	// DefaultSessionTimeout is how long a console may stay silent.
	DefaultSessionTimeout = 5 * time.Second

	// DefaultPumpInterval is how often session queues are polled.
	DefaultPumpInterval = 5 * time.Millisecond

	// DefaultShutdownTimeout is the default timeout for graceful shutdown.
	DefaultShutdownTimeout = 30 * time.Second

	// DefaultBufferSize is the default buffer size for datagrams.
	DefaultBufferSize = 2500

	// DefaultWorkerPoolSize is the default number of packet workers.
	DefaultWorkerPoolSize = 8

	workerQueueSize = 256
)

// ErrShutdownTimeout is returned when graceful shutdown exceeds the configured timeout.
var ErrShutdownTimeout = errors.New("shutdown timeout exceeded")

// Config holds the UDP server configuration.
type Config struct {
	// Address is the listen address (host:port)
	Address string

	// PingInterval is the keep-alive period shared by all sessions
	PingInterval time.Duration

	// SessionTimeout is how long a console may stay silent before it is evicted
	SessionTimeout time.Duration

	// PumpInterval is the poll period of each session's outbound pump
	PumpInterval time.Duration

	// ShutdownTimeout is the maximum time to wait for session pumps to stop
	// during graceful shutdown
	ShutdownTimeout time.Duration

	// MaxSessions is the maximum number of concurrent console sessions allowed.
	// If 0, no limit is enforced.
	MaxSessions int

	// BufferSize is the size of datagram read buffers in bytes.
	BufferSize int

	// WorkerPoolSize is the number of packet workers. Packets of one console
	// are always handled by the same worker, in arrival order.
	WorkerPoolSize int

	// ReadBufferSize sets the socket receive buffer size (SO_RCVBUF).
	// If 0, uses system default.
	ReadBufferSize int

	// WriteBufferSize sets the socket send buffer size (SO_SNDBUF).
	// If 0, uses system default.
	WriteBufferSize int

	// Metrics is optional.
	Metrics *metrics.Metrics

	// Logger for server events
	Logger *slog.Logger
}

// Dispatcher receives session events from the server.
type Dispatcher interface {
	// Ready is called once after a session opened.
	Ready(ctx context.Context, sess *Session)

	// Commands is called with the commands of each in-order data packet.
	Commands(ctx context.Context, sess *Session, cmds []atem.RawCommand)
}

// packetJob represents a packet processing job for the worker pool.
type packetJob struct {
	clientAddr *net.UDPAddr
	data       []byte
}

// Server accepts console datagrams, emulates the device handshake and
// reliability layer per console, and hands commands to a Dispatcher.
type Server struct {
	config     Config
	dispatcher Dispatcher
	handler    handler.Handler
	sessions   *SessionManager
	bufferPool *sync.Pool
	workers    []chan packetJob
	workerWg   sync.WaitGroup
}

// New creates a new UDP server with the given configuration, dispatcher, and handler.
func New(cfg Config, d Dispatcher, h handler.Handler) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.PingInterval == 0 {
		cfg.PingInterval = DefaultPingInterval
	}
	if cfg.SessionTimeout == 0 {
		cfg.SessionTimeout = DefaultSessionTimeout
	}
	if cfg.PumpInterval == 0 {
		cfg.PumpInterval = DefaultPumpInterval
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.BufferSize < atem.MaxPacketSize {
		cfg.BufferSize = DefaultBufferSize
	}
	if cfg.WorkerPoolSize <= 0 {
		cfg.WorkerPoolSize = DefaultWorkerPoolSize
	}
	if h == nil {
		h = &handler.NoopHandler{}
	}

	bufferPool := &sync.Pool{
		New: func() interface{} {
			buf := make([]byte, cfg.BufferSize)
			return &buf
		},
	}

	workers := make([]chan packetJob, cfg.WorkerPoolSize)
	for i := range workers {
		workers[i] = make(chan packetJob, workerQueueSize)
	}

	sessions := NewSessionManager(cfg.Logger, cfg.MaxSessions, cfg.SessionTimeout, h)
	sessions.SetMetrics(cfg.Metrics)

	return &Server{
		config:     cfg,
		dispatcher: d,
		handler:    h,
		sessions:   sessions,
		bufferPool: bufferPool,
		workers:    workers,
	}
}

// Sessions returns the session registry.
func (s *Server) Sessions() *SessionManager {
	return s.sessions
}

// Listen starts the UDP server and blocks until the context is cancelled.
func (s *Server) Listen(ctx context.Context) error {
	addr, err := net.ResolveUDPAddr("udp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to resolve address %s: %w", s.config.Address, err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}
	defer conn.Close()

	// Configure socket buffer sizes if specified
	if s.config.ReadBufferSize > 0 {
		if err := conn.SetReadBuffer(s.config.ReadBufferSize); err != nil {
			s.config.Logger.Warn("failed to set read buffer size",
				slog.String("error", err.Error()))
		}
	}
	if s.config.WriteBufferSize > 0 {
		if err := conn.SetWriteBuffer(s.config.WriteBufferSize); err != nil {
			s.config.Logger.Warn("failed to set write buffer size",
				slog.String("error", err.Error()))
		}
	}

	return s.Serve(ctx, conn)
}

// Serve handles datagrams on conn until the context is cancelled. It closes conn on return.
func (s *Server) Serve(ctx context.Context, conn *net.UDPConn) error {
	s.config.Logger.Info("UDP server started",
		slog.String("address", conn.LocalAddr().String()),
		slog.Duration("session_timeout", s.config.SessionTimeout),
		slog.Duration("ping_interval", s.config.PingInterval),
		slog.Int("worker_pool_size", s.config.WorkerPoolSize))

	workerCtx, workerCancel := context.WithCancel(ctx)
	defer workerCancel()
	s.startWorkerPool(workerCtx, conn)

	keepAliveDone := make(chan struct{})
	go func() {
		defer close(keepAliveDone)
		s.sessions.KeepAlive(ctx, s.config.PingInterval)
	}()

	// Read loop
	readDone := make(chan struct{})
	go func() {
		defer close(readDone)
		s.readLoop(ctx, conn)
	}()

	// Wait for shutdown signal
	<-ctx.Done()
	s.config.Logger.Info("shutdown signal received, closing listener")

	if err := conn.Close(); err != nil {
		s.config.Logger.Error("error closing listener", slog.String("error", err.Error()))
	}
	<-readDone
	<-keepAliveDone

	for _, ch := range s.workers {
		close(ch)
	}
	s.workerWg.Wait()
	s.config.Logger.Info("all workers stopped")

	return s.sessions.DrainAll(s.config.ShutdownTimeout)
}

func (s *Server) readLoop(ctx context.Context, conn *net.UDPConn) {
	for {
		bufPtr := s.bufferPool.Get().(*[]byte)
		buffer := *bufPtr

		n, clientAddr, err := conn.ReadFromUDP(buffer)
		if err != nil {
			s.bufferPool.Put(bufPtr)
			select {
			case <-ctx.Done():
				// Expected error during shutdown
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.config.Logger.Error("failed to read UDP packet",
				slog.String("error", err.Error()))
			continue
		}

		datagram := make([]byte, n)
		copy(datagram, buffer[:n])
		s.bufferPool.Put(bufPtr)

		select {
		case s.workers[s.shard(clientAddr)] <- packetJob{clientAddr: clientAddr, data: datagram}:
		case <-ctx.Done():
			return
		default:
			s.config.Logger.Warn("worker queue full, dropping packet",
				slog.String("client", clientAddr.String()))
		}
	}
}

func (s *Server) shard(addr *net.UDPAddr) int {
	h := fnv.New32a()
	h.Write([]byte(addr.String()))
	return int(h.Sum32() % uint32(len(s.workers)))
}

// startWorkerPool starts the worker goroutines for packet processing.
func (s *Server) startWorkerPool(ctx context.Context, conn *net.UDPConn) {
	for i, ch := range s.workers {
		s.workerWg.Add(1)
		go func(workerID int, jobs <-chan packetJob) {
			defer s.workerWg.Done()
			for job := range jobs {
				if err := s.handlePacket(ctx, conn, job.clientAddr, job.data); err != nil {
					s.config.Logger.Debug("packet handler error",
						slog.Int("worker", workerID),
						slog.String("client", job.clientAddr.String()),
						slog.String("error", err.Error()))
				}
			}
		}(i, ch)
	}
	s.config.Logger.Info("worker pool started", slog.Int("workers", len(s.workers)))
}

// handlePacket processes a single datagram by:
// 1. Creating a session on a handshake, or finding the console's session
// 2. Answering handshakes and starting the session pump
// 3. Acking data packets
// 4. Dispatching the ready event and the commands.
func (s *Server) handlePacket(ctx context.Context, conn *net.UDPConn, clientAddr *net.UDPAddr, data []byte) error {
	pkt, err := atem.ParsePacket(data)
	if err != nil {
		return err
	}

	if pkt.HandshakeOpcode() == atem.HandshakeDisconnect {
		s.sessions.Remove(clientAddr)
		return nil
	}

	if pkt.Flags.Has(atem.FlagHandshake) {
		sess, _, err := s.sessions.FindOrCreate(ctx, clientAddr)
		if err != nil {
			return err
		}
		reply, err := sess.Handshake(data)
		if err != nil {
			return err
		}
		if _, err := conn.WriteToUDP(reply, clientAddr); err != nil {
			return fmt.Errorf("failed to send handshake reply: %w", err)
		}
		s.sessions.startPump(sess, conn, s.config.PumpInterval)
		s.config.Logger.Debug("console handshake",
			slog.String("session", sess.ID),
			slog.String("client", clientAddr.String()))
		return nil
	}

	// Only a handshake opens a session.
	sess, ok := s.sessions.Get(clientAddr)
	if !ok {
		return ErrNotHandshaked
	}

	cmds, ack, err := sess.Receive(pkt)
	if errors.Is(err, ErrNotHandshaked) {
		return err
	}
	if ack != nil {
		if _, werr := conn.WriteToUDP(ack, clientAddr); werr != nil {
			s.config.Logger.Debug("failed to ack console packet",
				slog.String("session", sess.ID),
				slog.String("error", werr.Error()))
		}
	}
	if err != nil {
		s.config.Logger.Warn("malformed packet from console",
			slog.String("session", sess.ID),
			slog.String("error", err.Error()))
	}

	if sess.ReadyForData() {
		if err := s.handler.OnConnect(ctx, sess.Context); err != nil {
			s.config.Logger.Error("connect handler error",
				slog.String("session", sess.ID),
				slog.String("error", err.Error()))
		}
		if s.dispatcher != nil {
			s.dispatcher.Ready(ctx, sess)
		}
	}

	if len(cmds) > 0 && s.dispatcher != nil {
		s.dispatcher.Commands(ctx, sess, cmds)
	}
	return nil
}
