// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package atem

import (
	"sync"
	"time"
)

const (
	// DefaultRetransmitInterval is how long an unacknowledged packet waits
	// before it is sent again.
	DefaultRetransmitInterval = 200 * time.Millisecond

	// DefaultWindow is the number of packets that may await an ack.
	DefaultWindow = 256
)

// Stats holds per-connection counters. They are reset by a handshake.
type Stats struct {
	PacketsSent     uint64
	PacketsReceived uint64
	Retransmits     uint64
	Duplicates      uint64
}

type inflightPacket struct {
	id      uint16
	payload []byte
	sentAt  time.Time
}

// Conn is the reliability state of one side of a link. It does no I/O: the
// owner feeds received packets to Receive and writes whatever Next returns.
type Conn struct {
	mu sync.Mutex

	sessionID    uint16
	nextID       uint16
	lastRemoteID uint16
	haveRemote   bool
	lastReceived time.Time
	opened       bool

	queue    [][]byte
	inflight []inflightPacket

	retransmitInterval time.Duration
	window             int
	stats              Stats
}

// NewConn creates a connection that stamps outbound packets with sessionID.
func NewConn(sessionID uint16) *Conn {
	c := &Conn{
		sessionID:          sessionID,
		retransmitInterval: DefaultRetransmitInterval,
		window:             DefaultWindow,
	}
	c.Reset(time.Now())
	return c
}

// Reset drops all sequencing state, queued packets and statistics.
func (c *Conn) Reset(now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID = 1
	c.lastRemoteID = 0
	c.haveRemote = false
	c.lastReceived = now
	c.opened = false
	c.queue = nil
	c.inflight = nil
	c.stats = Stats{}
}

// SessionID returns the session id stamped on outbound packets.
func (c *Conn) SessionID() uint16 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// SetSessionID changes the session id stamped on outbound packets.
func (c *Conn) SetSessionID(id uint16) {
	c.mu.Lock()
	c.sessionID = id
	c.mu.Unlock()
}

// Opened reports whether a packet has been received since the last Reset.
func (c *Conn) Opened() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.opened
}

// Touch records activity without a packet.
func (c *Conn) Touch(now time.Time) {
	c.mu.Lock()
	c.lastReceived = now
	c.mu.Unlock()
}

// LastReceived returns the time of the last inbound packet.
func (c *Conn) LastReceived() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastReceived
}

// TimedOut reports whether nothing was received for longer than timeout.
func (c *Conn) TimedOut(now time.Time, timeout time.Duration) bool {
	return now.Sub(c.LastReceived()) > timeout
}

// Stats returns a copy of the connection counters.
func (c *Conn) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// Receive processes an inbound non-handshake packet. It returns the commands
// of the packet when it is the next one in sequence, and the ack datagram to
// send back, if any. Duplicates are acked again but yield no commands;
// packets after a gap are ignored until the peer retransmits the gap.
func (c *Conn) Receive(pkt *Packet, now time.Time) ([]RawCommand, []byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.lastReceived = now
	c.opened = true
	c.stats.PacketsReceived++

	if pkt.Flags.Has(FlagAckReply) {
		c.ackUpTo(pkt.AckedID)
	}
	if pkt.Flags.Has(FlagRetransmitRequest) {
		c.retransmitFrom(pkt.RetransmitFromID)
	}
	if !pkt.Flags.Has(FlagAckRequest) {
		return nil, nil, nil
	}

	if c.haveRemote && !isNewer(pkt.PacketID, c.lastRemoteID) {
		c.stats.Duplicates++
		return nil, c.ackPacket(pkt.PacketID), nil
	}
	if c.haveRemote && pkt.PacketID != nextPacketID(c.lastRemoteID) {
		return nil, nil, nil
	}

	c.lastRemoteID = pkt.PacketID
	c.haveRemote = true

	// A malformed payload is still acked, otherwise the peer resends it forever.
	cmds, err := SplitCommands(pkt.Payload)
	return cmds, c.ackPacket(pkt.PacketID), err
}

// Queue appends a payload to the outbound queue.
func (c *Conn) Queue(payload []byte) {
	c.mu.Lock()
	c.queue = append(c.queue, payload)
	c.mu.Unlock()
}

// QueuePing queues an empty packet that requests an ack.
func (c *Conn) QueuePing() {
	c.Queue(nil)
}

// Pending returns the number of queued and unacknowledged packets.
func (c *Conn) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue) + len(c.inflight)
}

// Next returns the next datagram to send: first any packet whose ack is
// overdue, then the head of the queue. It returns false when nothing is due.
func (c *Conn) Next(now time.Time) ([]byte, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := range c.inflight {
		p := &c.inflight[i]
		if now.Sub(p.sentAt) >= c.retransmitInterval {
			p.sentAt = now
			c.stats.Retransmits++
			return c.marshal(FlagAckRequest|FlagRetransmit, p.id, p.payload), true
		}
	}

	if len(c.queue) == 0 || len(c.inflight) >= c.window {
		return nil, false
	}

	payload := c.queue[0]
	c.queue[0] = nil
	c.queue = c.queue[1:]

	id := c.nextID
	c.nextID = nextPacketID(id)
	c.inflight = append(c.inflight, inflightPacket{id: id, payload: payload, sentAt: now})
	c.stats.PacketsSent++

	return c.marshal(FlagAckRequest, id, payload), true
}

// Discard drops queued and unacknowledged packets.
func (c *Conn) Discard() {
	c.mu.Lock()
	c.queue = nil
	c.inflight = nil
	c.mu.Unlock()
}

func (c *Conn) ackUpTo(id uint16) {
	kept := c.inflight[:0]
	for _, p := range c.inflight {
		if isNewer(p.id, id) {
			kept = append(kept, p)
		}
	}
	c.inflight = kept
}

func (c *Conn) retransmitFrom(id uint16) {
	for i := range c.inflight {
		if c.inflight[i].id == id || isNewer(c.inflight[i].id, id) {
			c.inflight[i].sentAt = time.Time{}
		}
	}
}

func (c *Conn) ackPacket(id uint16) []byte {
	p := &Packet{
		Flags:     FlagAckReply,
		SessionID: c.sessionID,
		AckedID:   id,
	}
	return p.Marshal()
}

func (c *Conn) marshal(flags Flags, id uint16, payload []byte) []byte {
	p := &Packet{
		Flags:     flags,
		SessionID: c.sessionID,
		PacketID:  id,
		Payload:   payload,
	}
	return p.Marshal()
}
