// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package atem implements the wire format and reliable-delivery framing of the
// ATEM switcher control protocol.
//
// # Packets
//
// Every datagram starts with a 12 byte header:
//
//	 0               1               2               3
//	┌───────┬───────────────────────┬───────────────────────────────┐
//	│ flags │ length (11 bits)      │ session id                    │
//	├───────┴───────────────────────┼───────────────────────────────┤
//	│ acked packet id               │ retransmit-from packet id     │
//	├───────────────────────────────┼───────────────────────────────┤
//	│ unknown                       │ packet id                     │
//	└───────────────────────────────┴───────────────────────────────┘
//
// The payload of a non-handshake packet is a sequence of commands, each with
// an 8 byte header (u16 length including the header, two padding bytes and a
// four character name) followed by the command body.
//
// # Reliability
//
// Conn tracks one side of a link: outbound packet ids, packets awaiting an
// acknowledgement, cumulative acks for inbound packets and duplicate
// suppression. Client drives a Conn against a real device; the proxy drives
// one Conn per console to emulate the device.
package atem
