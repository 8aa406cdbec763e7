// ABOUTME: Capability contract the router needs from an external channel.
// ABOUTME: Defines the Handler and Receiver interfaces and the HandlerError type.

package channel

import (
	"context"
	"fmt"
)

// Handler is an adapter capable of delivering messages to one external
// messaging surface. Send may be concurrency-unsafe per target; the router
// serializes calls sharing a route, not the handler.
type Handler interface {
	// Name returns the channel name the handler is registered under.
	Name() string

	// Send delivers a payload to the given target handle and returns the
	// platform-assigned message id. Failures are wrapped into a
	// HandlerError by the router.
	Send(ctx context.Context, target string, payload []byte) (string, error)
}

// ReceiveFunc is invoked for inbound events originating on the channel.
type ReceiveFunc func(channel, conversation string, payload []byte)

// Receiver is implemented by handlers that can push inbound events toward
// the gateway. The callback is registered once at boot.
type Receiver interface {
	OnReceive(fn ReceiveFunc)
}

// HandlerError wraps an adapter failure with the channel it came from.
type HandlerError struct {
	Channel string
	Err     error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("channel %s: %v", e.Channel, e.Err)
}

func (e *HandlerError) Unwrap() error {
	return e.Err
}
