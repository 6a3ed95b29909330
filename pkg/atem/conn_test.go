// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package atem

import (
	"bytes"
	"testing"
	"time"
)

func TestConnNextAssignsSequentialIDs(t *testing.T) {
	c := NewConn(0x8001)
	now := time.Now()

	c.Queue([]byte("one"))
	c.QueuePing()

	for want := uint16(1); want <= 2; want++ {
		data, ok := c.Next(now)
		if !ok {
			t.Fatalf("Next() returned nothing for packet %d", want)
		}
		pkt, err := ParsePacket(data)
		if err != nil {
			t.Fatalf("ParsePacket() error = %v", err)
		}
		if pkt.PacketID != want {
			t.Errorf("PacketID = %d, want %d", pkt.PacketID, want)
		}
		if pkt.SessionID != 0x8001 {
			t.Errorf("SessionID = %#x, want 0x8001", pkt.SessionID)
		}
		if pkt.Flags != FlagAckRequest {
			t.Errorf("Flags = %#x, want %#x", pkt.Flags, FlagAckRequest)
		}
	}

	if _, ok := c.Next(now); ok {
		t.Error("Next() returned data with an empty queue")
	}
	if got := c.Pending(); got != 2 {
		t.Errorf("Pending() = %d, want 2", got)
	}
}

func TestConnAckReleasesInflight(t *testing.T) {
	c := NewConn(1)
	now := time.Now()

	c.Queue([]byte("a"))
	c.Queue([]byte("b"))
	c.Queue([]byte("c"))
	for i := 0; i < 3; i++ {
		c.Next(now)
	}

	if _, _, err := c.Receive(&Packet{Flags: FlagAckReply, AckedID: 2}, now); err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if got := c.Pending(); got != 1 {
		t.Errorf("Pending() after ack of 2 = %d, want 1", got)
	}
	if !c.Opened() {
		t.Error("Opened() = false after receiving a packet")
	}
}

func TestConnRetransmit(t *testing.T) {
	c := NewConn(1)
	now := time.Now()

	c.Queue([]byte("payload"))
	first, _ := c.Next(now)

	if _, ok := c.Next(now.Add(DefaultRetransmitInterval / 2)); ok {
		t.Fatal("Next() retransmitted before the interval")
	}

	again, ok := c.Next(now.Add(DefaultRetransmitInterval))
	if !ok {
		t.Fatal("Next() did not retransmit an overdue packet")
	}
	pkt, _ := ParsePacket(again)
	orig, _ := ParsePacket(first)
	if !pkt.Flags.Has(FlagRetransmit) {
		t.Errorf("retransmitted flags = %#x, want retransmit bit", pkt.Flags)
	}
	if pkt.PacketID != orig.PacketID || !bytes.Equal(pkt.Payload, orig.Payload) {
		t.Errorf("retransmit = %+v, want copy of %+v", pkt, orig)
	}
	if c.Stats().Retransmits != 1 {
		t.Errorf("Retransmits = %d, want 1", c.Stats().Retransmits)
	}
}

func TestConnRetransmitRequest(t *testing.T) {
	c := NewConn(1)
	now := time.Now()

	c.Queue([]byte("a"))
	c.Queue([]byte("b"))
	c.Next(now)
	c.Next(now)

	c.Receive(&Packet{Flags: FlagRetransmitRequest, RetransmitFromID: 2}, now)

	data, ok := c.Next(now)
	if !ok {
		t.Fatal("Next() ignored a retransmit request")
	}
	pkt, _ := ParsePacket(data)
	if pkt.PacketID != 2 {
		t.Errorf("retransmitted PacketID = %d, want 2", pkt.PacketID)
	}
}

func TestConnReceiveSequencing(t *testing.T) {
	c := NewConn(0x8002)
	now := time.Now()
	payload := Build("PrgI", []byte{0, 0, 0, 1})

	cmds, ack, err := c.Receive(&Packet{Flags: FlagAckRequest, PacketID: 1, Payload: payload}, now)
	if err != nil {
		t.Fatalf("Receive() error = %v", err)
	}
	if len(cmds) != 1 || cmds[0].Name != "PrgI" {
		t.Errorf("Receive() commands = %+v, want one PrgI", cmds)
	}
	ackPkt, err := ParsePacket(ack)
	if err != nil {
		t.Fatalf("ParsePacket(ack) error = %v", err)
	}
	if !ackPkt.Flags.Has(FlagAckReply) || ackPkt.AckedID != 1 || ackPkt.SessionID != 0x8002 {
		t.Errorf("ack = %+v, want ack of 1 for session 0x8002", ackPkt)
	}

	cmds, ack, _ = c.Receive(&Packet{Flags: FlagAckRequest, PacketID: 1, Payload: payload}, now)
	if len(cmds) != 0 || ack == nil {
		t.Errorf("duplicate: commands = %d, ack = %x; want none and a re-ack", len(cmds), ack)
	}
	if c.Stats().Duplicates != 1 {
		t.Errorf("Duplicates = %d, want 1", c.Stats().Duplicates)
	}

	cmds, ack, _ = c.Receive(&Packet{Flags: FlagAckRequest, PacketID: 3, Payload: payload}, now)
	if len(cmds) != 0 || ack != nil {
		t.Errorf("gap: commands = %d, ack = %x; want nothing", len(cmds), ack)
	}

	cmds, ack, _ = c.Receive(&Packet{Flags: FlagAckRequest, PacketID: 2, Payload: payload}, now)
	if len(cmds) != 1 || ack == nil {
		t.Errorf("in order after gap: commands = %d, ack = %x", len(cmds), ack)
	}
}

func TestConnReceiveMalformedStillAcks(t *testing.T) {
	c := NewConn(1)
	_, ack, err := c.Receive(&Packet{Flags: FlagAckRequest, PacketID: 1, Payload: []byte{0, 50, 0, 0}}, time.Now())
	if err == nil {
		t.Error("Receive() accepted a truncated payload")
	}
	if ack == nil {
		t.Error("Receive() did not ack a malformed packet")
	}
}

func TestConnWindow(t *testing.T) {
	c := NewConn(1)
	c.window = 2
	now := time.Now()

	for i := 0; i < 3; i++ {
		c.Queue([]byte{byte(i)})
	}
	c.Next(now)
	c.Next(now)
	if _, ok := c.Next(now); ok {
		t.Error("Next() exceeded the window")
	}

	c.Receive(&Packet{Flags: FlagAckReply, AckedID: 1}, now)
	if _, ok := c.Next(now); !ok {
		t.Error("Next() blocked after the window opened")
	}
}

func TestConnResetAndTimeout(t *testing.T) {
	c := NewConn(1)
	now := time.Now()

	c.Queue([]byte("x"))
	c.Next(now)
	c.Receive(&Packet{Flags: FlagAckRequest, PacketID: 1}, now)

	later := now.Add(time.Second)
	c.Reset(later)
	if c.Pending() != 0 || c.Opened() || c.Stats() != (Stats{}) {
		t.Errorf("Reset() left state: pending=%d opened=%v stats=%+v", c.Pending(), c.Opened(), c.Stats())
	}
	if c.TimedOut(later.Add(time.Second), 2*time.Second) {
		t.Error("TimedOut() = true within timeout")
	}
	if !c.TimedOut(later.Add(3*time.Second), 2*time.Second) {
		t.Error("TimedOut() = false past timeout")
	}

	c.QueuePing()
	data, _ := c.Next(later)
	pkt, _ := ParsePacket(data)
	if pkt.PacketID != 1 {
		t.Errorf("PacketID after Reset() = %d, want 1", pkt.PacketID)
	}
}
