// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package parser derives the identity of device commands.
//
// # Overview
//
// The proxy does not interpret command semantics. It only needs to know
// which piece of device state a command describes, so that a newer value
// replaces an older one in the state cache. A command's identity is its
// four character name plus the bytes that address a sub-resource, for
// example the mix-effect bank of a program input command:
//
//	PrgI body: 00 01 00 03
//	           │  │  └──┴─ source id
//	           └──┴─────── mix-effect index (addressing bytes)
//
//	Identity:  PrgI/00
//
// The number of addressing bytes per command is declared in a Table, which
// is injected into the parser. DefaultTable covers the commands the device
// emits during its initial state dump.
//
// # Versions
//
// Some commands only exist from a given protocol version. Parsing such a
// command while an older version is negotiated fails with
// ErrUnknownCommand, which the router treats like any other unparseable
// command: forwarded opaquely and cached under a synthetic key.
//
// # Direction
//
// Direction names the flow of a command through the proxy:
//   - Upstream: console → device
//   - Downstream: device → console
package parser
