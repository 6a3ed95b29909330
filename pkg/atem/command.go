// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package atem

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// CommandHeaderLength is the size of a command header in bytes.
const CommandHeaderLength = 8

// ErrTruncatedCommand is returned when a payload ends inside a command.
var ErrTruncatedCommand = errors.New("truncated command")

// RawCommand is one command as carried on the wire.
type RawCommand struct {
	Name string
	Body []byte
}

// Bytes serializes the command including its header.
func (c RawCommand) Bytes() []byte {
	return Build(c.Name, c.Body)
}

// Build serializes a command from its name and body. Names are padded or
// truncated to four bytes.
func Build(name string, body []byte) []byte {
	buf := make([]byte, CommandHeaderLength+len(body))
	binary.BigEndian.PutUint16(buf[0:2], uint16(len(buf)))
	copy(buf[4:8], name)
	copy(buf[CommandHeaderLength:], body)
	return buf
}

// SplitCommands decodes a packet payload into its commands. Bodies are copied.
func SplitCommands(payload []byte) ([]RawCommand, error) {
	var cmds []RawCommand
	for off := 0; off < len(payload); {
		if len(payload)-off < CommandHeaderLength {
			return cmds, fmt.Errorf("%w: %d trailing bytes", ErrTruncatedCommand, len(payload)-off)
		}

		length := int(binary.BigEndian.Uint16(payload[off : off+2]))
		if length < CommandHeaderLength || off+length > len(payload) {
			return cmds, fmt.Errorf("%w: length %d at offset %d", ErrTruncatedCommand, length, off)
		}

		body := make([]byte, length-CommandHeaderLength)
		copy(body, payload[off+CommandHeaderLength:off+length])
		cmds = append(cmds, RawCommand{
			Name: string(payload[off+4 : off+8]),
			Body: body,
		})
		off += length
	}
	return cmds, nil
}
