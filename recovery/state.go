// Package recovery tracks direct connections to peers, reconnects after
// unexpected drops with bounded exponential backoff, and restores the
// notification subscriptions of a previously negotiated session.
package recovery

import (
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
)

// State is the per-peer connection state
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateReady
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReady:
		return "ready"
	case StateDisconnected:
		return "disconnected"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Active reports whether the state holds a radio resource
func (s State) Active() bool {
	return s == StateConnecting || s == StateConnected || s == StateReady
}

// EventType identifies a Manager event
type EventType int

const (
	EventStateChanged EventType = iota
	EventSessionRestored
)

// Event is published on Manager.Events. Events for one peer arrive in the
// order they happened.
type Event struct {
	Type    EventType
	Peer    string
	State   State // EventStateChanged
	Success bool  // EventSessionRestored
}

func (e Event) String() string {
	if e.Type == EventSessionRestored {
		return fmt.Sprintf("%s session_restored=%t", e.Peer, e.Success)
	}
	return fmt.Sprintf("%s %s", e.Peer, e.State)
}

// Backoff returns the delay before reconnect attempt n (1-based):
// base doubled per previous attempt, capped at max. The exponent stops
// growing after 10 doublings.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 11 {
		attempt = 11
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.Multiplier = 2
	b.RandomizationFactor = 0
	b.MaxInterval = max
	b.MaxElapsedTime = 0
	b.Reset()

	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	if d > max {
		return max
	}
	return d
}
