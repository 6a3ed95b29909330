// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package state

import "strconv"

type keyKind uint8

const (
	known keyKind = iota
	synthetic
)

// Key identifies one cache entry. A key is either Known, derived from a
// command identity, or Synthetic, allocated for a command whose identity
// could not be derived.
type Key struct {
	kind     keyKind
	identity string
	seq      uint64
}

// Known returns the key for a command identity.
func Known(identity string) Key {
	return Key{kind: known, identity: identity}
}

// Synthetic returns the key for the seq-th opaque command.
func Synthetic(seq uint64) Key {
	return Key{kind: synthetic, seq: seq}
}

// IsSynthetic reports whether k was allocated for an opaque command.
func (k Key) IsSynthetic() bool {
	return k.kind == synthetic
}

func (k Key) String() string {
	if k.kind == synthetic {
		return "#" + strconv.FormatUint(k.seq, 10)
	}
	return k.identity
}
