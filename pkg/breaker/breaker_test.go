// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package breaker

import (
	"errors"
	"testing"
	"time"
)

var errLink = errors.New("device unreachable")

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func newTestBreaker(cfg Config) (*CircuitBreaker, *clock) {
	c := &clock{t: time.Unix(1000, 0)}
	cb := New(cfg)
	cb.now = c.now
	cb.lastStateChange = c.t
	return cb, c
}

func TestBreakerOpensAfterFailures(t *testing.T) {
	cb, _ := newTestBreaker(Config{MaxFailures: 3, ResetTimeout: time.Second})

	for i := 0; i < 2; i++ {
		if err := cb.Call(func() error { return errLink }); !errors.Is(err, errLink) {
			t.Fatalf("Call() error = %v, want %v", err, errLink)
		}
		if cb.State() != StateClosed {
			t.Fatalf("State() = %v after %d failures, want closed", cb.State(), i+1)
		}
	}

	cb.Call(func() error { return errLink })
	if cb.State() != StateOpen {
		t.Fatalf("State() = %v, want open", cb.State())
	}

	called := false
	if err := cb.Call(func() error { called = true; return nil }); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Call() error = %v, want %v", err, ErrCircuitOpen)
	}
	if called {
		t.Error("open breaker ran the attempt")
	}
	if cb.Retry() != time.Second {
		t.Errorf("Retry() = %v, want %v", cb.Retry(), time.Second)
	}
}

func TestBreakerHalfOpen(t *testing.T) {
	tests := []struct {
		name    string
		result  error
		want    State
		failure bool
	}{
		{name: "success closes", result: nil, want: StateClosed},
		{name: "failure reopens", result: errLink, want: StateOpen, failure: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cb, c := newTestBreaker(Config{MaxFailures: 1, ResetTimeout: time.Second})

			var transitions []State
			cb.OnStateChange(func(from, to State) { transitions = append(transitions, to) })

			cb.Record(errLink)
			c.t = c.t.Add(time.Second)

			if err := cb.Allow(); err != nil {
				t.Fatalf("Allow() after reset timeout error = %v", err)
			}
			if cb.State() != StateHalfOpen {
				t.Fatalf("State() = %v, want half_open", cb.State())
			}

			cb.Record(tt.result)
			if cb.State() != tt.want {
				t.Errorf("State() = %v, want %v", cb.State(), tt.want)
			}
			if len(transitions) != 3 || transitions[2] != tt.want {
				t.Errorf("transitions = %v", transitions)
			}
			if tt.failure && !cb.LastFailure().Equal(c.t) {
				t.Errorf("LastFailure() = %v, want %v", cb.LastFailure(), c.t)
			}
		})
	}
}

func TestBreakerSuccessResetsFailures(t *testing.T) {
	cb, _ := newTestBreaker(Config{MaxFailures: 2})

	cb.Record(errLink)
	cb.Record(nil)
	cb.Record(errLink)

	state, failures, _ := cb.Stats()
	if state != StateClosed || failures != 1 {
		t.Errorf("Stats() = %v, %d, want closed, 1", state, failures)
	}
	if cb.Retry() != 0 {
		t.Errorf("Retry() = %v on a closed breaker", cb.Retry())
	}
}

func TestStateString(t *testing.T) {
	for s, want := range map[State]string{
		StateClosed:   "closed",
		StateHalfOpen: "half_open",
		StateOpen:     "open",
		State(7):      "unknown",
	} {
		if got := s.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", int(s), got, want)
		}
	}
}
