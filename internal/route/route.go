// ABOUTME: Route type and state shared between the in-memory table and the
// ABOUTME: SQLite persistence layer.

package route

import (
	"errors"
	"time"
)

// ErrRouteNotFound indicates no route exists for the requested session key.
// A lookup miss is an expected condition, never fatal.
var ErrRouteNotFound = errors.New("route not found")

// State describes a route's dispatch health.
type State string

const (
	// StateActive is the normal state for a route.
	StateActive State = "active"

	// StateDegraded marks a route whose last dispatch timed out. Degraded
	// routes remain eligible for future routing attempts.
	StateDegraded State = "degraded"
)

// Route maps a session key to a channel and a target handle on that channel.
// There is at most one Route per session key.
type Route struct {
	// Key is the session key derived from the channel and conversation
	// identity (see envelope.SessionKey).
	Key string

	// Channel names the handler (or bridge-delegated channel) that carries
	// this session's messages.
	Channel string

	// Target is the channel-specific delivery handle.
	Target string

	// LastActive is the time of the last successful dispatch or explicit
	// touch. Monotonically non-decreasing.
	LastActive time.Time

	// State is active or degraded.
	State State
}
