// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package atem

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	// HeaderLength is the size of the packet header in bytes.
	HeaderLength = 12

	// HandshakeLength is the size of a handshake datagram.
	HandshakeLength = 20

	// MaxPacketSize is the largest datagram the device accepts.
	MaxPacketSize = 1416

	// MaxPayloadSize is the largest command payload that fits in one packet.
	MaxPayloadSize = MaxPacketSize - HeaderLength

	// DefaultPort is the well-known control port of the device.
	DefaultPort = 9910

	// packet ids are 15 bit and wrap.
	packetIDMask = 0x7FFF

	lengthMask = 0x07FF
)

// Handshake opcodes carried in the first payload byte of a handshake packet.
const (
	HandshakeConnect    byte = 0x01
	HandshakeAccept     byte = 0x02
	HandshakeReject     byte = 0x03
	HandshakeDisconnect byte = 0x04
)

var (
	// ErrShortPacket is returned when a datagram is smaller than the header.
	ErrShortPacket = errors.New("packet shorter than header")

	// ErrInvalidLength is returned when the header length disagrees with the datagram.
	ErrInvalidLength = errors.New("invalid packet length")
)

// Flags is the 5 bit command code of a packet.
type Flags uint8

const (
	FlagAckRequest        Flags = 0x01
	FlagHandshake         Flags = 0x02
	FlagRetransmit        Flags = 0x04
	FlagRetransmitRequest Flags = 0x08
	FlagAckReply          Flags = 0x10
)

// Has reports whether all bits of flag are set.
func (f Flags) Has(flag Flags) bool {
	return f&flag == flag
}

// Packet is a decoded datagram.
type Packet struct {
	Flags            Flags
	SessionID        uint16
	AckedID          uint16
	RetransmitFromID uint16
	Unknown          uint16
	PacketID         uint16
	Payload          []byte
}

// ParsePacket decodes the header of data. The payload aliases data.
func ParsePacket(data []byte) (*Packet, error) {
	if len(data) < HeaderLength {
		return nil, ErrShortPacket
	}

	word := binary.BigEndian.Uint16(data[0:2])
	length := int(word & lengthMask)
	if length < HeaderLength || length > len(data) {
		return nil, fmt.Errorf("%w: header says %d, datagram has %d", ErrInvalidLength, length, len(data))
	}

	return &Packet{
		Flags:            Flags(word >> 11),
		SessionID:        binary.BigEndian.Uint16(data[2:4]),
		AckedID:          binary.BigEndian.Uint16(data[4:6]),
		RetransmitFromID: binary.BigEndian.Uint16(data[6:8]),
		Unknown:          binary.BigEndian.Uint16(data[8:10]),
		PacketID:         binary.BigEndian.Uint16(data[10:12]),
		Payload:          data[HeaderLength:length],
	}, nil
}

// Marshal encodes the packet including its header.
func (p *Packet) Marshal() []byte {
	length := HeaderLength + len(p.Payload)
	buf := make([]byte, length)
	binary.BigEndian.PutUint16(buf[0:2], uint16(p.Flags)<<11|uint16(length)&lengthMask)
	binary.BigEndian.PutUint16(buf[2:4], p.SessionID)
	binary.BigEndian.PutUint16(buf[4:6], p.AckedID)
	binary.BigEndian.PutUint16(buf[6:8], p.RetransmitFromID)
	binary.BigEndian.PutUint16(buf[8:10], p.Unknown)
	binary.BigEndian.PutUint16(buf[10:12], p.PacketID)
	copy(buf[HeaderLength:], p.Payload)
	return buf
}

// Commands splits the payload into raw commands.
func (p *Packet) Commands() ([]RawCommand, error) {
	return SplitCommands(p.Payload)
}

// HandshakeOpcode returns the opcode of a handshake packet, or 0.
func (p *Packet) HandshakeOpcode() byte {
	if !p.Flags.Has(FlagHandshake) || len(p.Payload) == 0 {
		return 0
	}
	return p.Payload[0]
}

// HandshakeReply builds the acknowledgement a device sends for a connect
// request. Flags, length, session id and the unknown field are echoed from the
// request; acked id, retransmit id and packet id are zeroed.
func HandshakeReply(request []byte) ([]byte, error) {
	if len(request) < HeaderLength {
		return nil, ErrShortPacket
	}

	reply := make([]byte, HandshakeLength)
	copy(reply[0:4], request[0:4])
	copy(reply[8:10], request[8:10])
	copy(reply[HeaderLength:], []byte{HandshakeAccept, 0x00, 0x00, 0x08, 0x00, 0x00, 0x00, 0x00})
	return reply, nil
}

// NewHandshake builds a connect request for the given session id.
func NewHandshake(sessionID uint16) []byte {
	p := &Packet{
		Flags:     FlagHandshake,
		SessionID: sessionID,
		Payload:   []byte{HandshakeConnect, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00},
	}
	return p.Marshal()
}

// nextPacketID returns id+1 within the 15 bit id space.
func nextPacketID(id uint16) uint16 {
	return (id + 1) & packetIDMask
}

// isNewer reports whether a follows b in the wrapping id space.
func isNewer(a, b uint16) bool {
	d := (a - b) & packetIDMask
	return d != 0 && d < packetIDMask/2
}
