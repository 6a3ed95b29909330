// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package atem

import (
	"errors"
	"fmt"
)

// ErrOversizedCommand is returned when a single command cannot fit in an
// otherwise empty frame.
var ErrOversizedCommand = errors.New("command does not fit in an empty frame")

// FrameBuilder accumulates serialized commands into one packet payload.
type FrameBuilder struct {
	buf   []byte
	limit int
}

// NewFrameBuilder creates a builder whose payload never exceeds limit bytes.
func NewFrameBuilder(limit int) *FrameBuilder {
	if limit <= 0 {
		limit = MaxPayloadSize
	}
	return &FrameBuilder{limit: limit}
}

// TryAdd appends data if it fits and reports whether it did.
func (b *FrameBuilder) TryAdd(data []byte) bool {
	if len(b.buf)+len(data) > b.limit {
		return false
	}
	b.buf = append(b.buf, data...)
	return true
}

// Len returns the current payload length.
func (b *FrameBuilder) Len() int {
	return len(b.buf)
}

// Bytes returns the accumulated payload.
func (b *FrameBuilder) Bytes() []byte {
	return b.buf
}

// PackFrames packs serialized commands into as few MaxPayloadSize frames as
// possible, preserving order.
func PackFrames(cmds [][]byte) ([][]byte, error) {
	return PackFramesLimit(cmds, MaxPayloadSize)
}

// PackFramesLimit is PackFrames with an explicit payload limit.
func PackFramesLimit(cmds [][]byte, limit int) ([][]byte, error) {
	var frames [][]byte
	for len(cmds) > 0 {
		b := NewFrameBuilder(limit)

		added := 0
		for _, data := range cmds {
			if !b.TryAdd(data) {
				break
			}
			added++
		}

		if added == 0 {
			return nil, fmt.Errorf("%w: %d bytes, limit %d", ErrOversizedCommand, len(cmds[0]), b.limit)
		}

		cmds = cmds[added:]
		frames = append(frames, b.Bytes())
	}
	return frames, nil
}
