// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package subscription tracks which sessions want high-rate telemetry.
//
// The upstream device is asked for telemetry while at least one session
// wants it. Subscribe and Remove report the aggregate edges (0→1, 1→0),
// which are the only moments the proxy talks to the device about
// telemetry; every other membership change is silent.
package subscription

import "sync"

// Registry is a set of subscribed session ids. It is safe for concurrent use.
type Registry struct {
	mu  sync.RWMutex
	ids map[string]struct{}
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{ids: make(map[string]struct{})}
}

// Subscribe adds or removes id and reports whether the aggregate state
// changed between empty and non-empty.
func (r *Registry) Subscribe(id string, wants bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	before := len(r.ids)
	if wants {
		r.ids[id] = struct{}{}
	} else {
		delete(r.ids, id)
	}
	after := len(r.ids)

	return (before == 0) != (after == 0)
}

// Remove is Subscribe(id, false).
func (r *Registry) Remove(id string) bool {
	return r.Subscribe(id, false)
}

// Contains reports whether id is subscribed.
func (r *Registry) Contains(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.ids[id]
	return ok
}

// Len returns the number of subscribed sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ids)
}

// Clear removes every session and reports whether the registry was non-empty.
func (r *Registry) Clear() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	edge := len(r.ids) > 0
	r.ids = make(map[string]struct{})
	return edge
}
