// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package parser

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/LibAtem/AtemProxy/pkg/atem"
)

// Direction indicates the direction of command flow.
type Direction int

const (
	// Upstream represents commands flowing from a console to the device.
	Upstream Direction = iota

	// Downstream represents commands flowing from the device to consoles.
	Downstream
)

// String returns a string representation of the direction.
func (d Direction) String() string {
	switch d {
	case Upstream:
		return "upstream"
	case Downstream:
		return "downstream"
	default:
		return "unknown"
	}
}

var (
	// ErrUnknownCommand is returned for commands the parser cannot identify.
	ErrUnknownCommand = errors.New("unknown command")

	// ErrMalformedCommand is returned when a body is too short to address
	// its sub-resource.
	ErrMalformedCommand = errors.New("malformed command")
)

// Command is a parsed command.
type Command struct {
	Name string
	Body []byte

	// Identity names the piece of device state the command describes.
	Identity string
}

// Bytes serializes the command including its header.
func (c *Command) Bytes() []byte {
	return atem.Build(c.Name, c.Body)
}

// Parser identifies raw commands for the negotiated protocol version.
type Parser interface {
	// Parse returns the parsed command, or an error wrapping
	// ErrUnknownCommand or ErrMalformedCommand.
	Parse(version atem.Version, raw atem.RawCommand) (*Command, error)
}

// TableParser is a Parser driven by a Table.
type TableParser struct {
	table Table
}

var _ Parser = (*TableParser)(nil)

// New returns a parser for the given table. A nil table uses DefaultTable.
func New(table Table) *TableParser {
	if table == nil {
		table = DefaultTable()
	}
	return &TableParser{table: table}
}

// Parse implements Parser.
func (p *TableParser) Parse(version atem.Version, raw atem.RawCommand) (*Command, error) {
	desc, ok := p.table[raw.Name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownCommand, raw.Name)
	}
	if desc.MinVersion != 0 && version < desc.MinVersion {
		return nil, fmt.Errorf("%w: %q requires version %s, negotiated %s",
			ErrUnknownCommand, raw.Name, desc.MinVersion, version)
	}
	if len(raw.Body) < desc.IndexLen {
		return nil, fmt.Errorf("%w: %q body is %d bytes, addressing needs %d",
			ErrMalformedCommand, raw.Name, len(raw.Body), desc.IndexLen)
	}

	identity := raw.Name
	if desc.IndexLen > 0 {
		identity += "/" + hex.EncodeToString(raw.Body[:desc.IndexLen])
	}

	return &Command{
		Name:     raw.Name,
		Body:     raw.Body,
		Identity: identity,
	}, nil
}
