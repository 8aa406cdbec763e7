// ABOUTME: Loopback channel handler for development and smoke testing.
// ABOUTME: Echoes every sent payload back as an inbound event.

package channel

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Echo is a loopback handler: Send succeeds immediately and, if a receive
// callback is registered, the payload is pushed back as an inbound event on
// the same conversation. Useful for exercising the full routing and push
// path without an external backend.
type Echo struct {
	name string

	mu sync.RWMutex
	fn ReceiveFunc
}

// NewEcho creates an echo handler registered under name.
func NewEcho(name string) *Echo {
	return &Echo{name: name}
}

// Name implements Handler.
func (e *Echo) Name() string {
	return e.name
}

// Send implements Handler. It returns a fresh message id and echoes the
// payload back through the receive callback asynchronously.
func (e *Echo) Send(ctx context.Context, target string, payload []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	id := uuid.New().String()

	e.mu.RLock()
	fn := e.fn
	e.mu.RUnlock()
	if fn != nil {
		echoed := make([]byte, len(payload))
		copy(echoed, payload)
		go fn(e.name, target, echoed)
	}

	return id, nil
}

// OnReceive implements Receiver.
func (e *Echo) OnReceive(fn ReceiveFunc) {
	e.mu.Lock()
	e.fn = fn
	e.mu.Unlock()
}
