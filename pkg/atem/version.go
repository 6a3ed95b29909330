// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package atem

import (
	"encoding/binary"
	"fmt"
)

// VersionCommand is the name of the protocol version announcement.
const VersionCommand = "_ver"

// Version is a protocol version packed as major<<16 | minor.
type Version uint32

const (
	// VersionMinimum is assumed until the device announces its version.
	VersionMinimum = Version(2<<16 | 28)

	// Version8_0 is the first protocol version with Fairlight level commands.
	Version8_0 = Version(2<<16 | 30)
)

// NewVersion packs a major and minor number.
func NewVersion(major, minor uint16) Version {
	return Version(uint32(major)<<16 | uint32(minor))
}

func (v Version) Major() uint16 { return uint16(v >> 16) }

func (v Version) Minor() uint16 { return uint16(v) }

func (v Version) String() string {
	return fmt.Sprintf("%d.%d", v.Major(), v.Minor())
}

// ParseVersion decodes the body of a version announcement.
func ParseVersion(body []byte) (Version, error) {
	if len(body) < 4 {
		return 0, fmt.Errorf("%w: version body is %d bytes", ErrTruncatedCommand, len(body))
	}
	return NewVersion(binary.BigEndian.Uint16(body[0:2]), binary.BigEndian.Uint16(body[2:4])), nil
}

// VersionBody encodes v as a version announcement body.
func VersionBody(v Version) []byte {
	body := make([]byte, 4)
	binary.BigEndian.PutUint16(body[0:2], v.Major())
	binary.BigEndian.PutUint16(body[2:4], v.Minor())
	return body
}
