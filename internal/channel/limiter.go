// ABOUTME: Per-channel admission limiter bounding concurrent outstanding sends.
// ABOUTME: Callers over the limit wait; they are never dropped.

package channel

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// limited wraps a handler with a weighted semaphore so a slow or
// rate-limited backend cannot starve the rest of the router.
type limited struct {
	Handler
	sem *semaphore.Weighted
}

// WithLimit bounds the handler's concurrent in-flight sends to max.
// A max of zero or less returns the handler unchanged.
func WithLimit(h Handler, max int64) Handler {
	if max <= 0 {
		return h
	}
	return &limited{Handler: h, sem: semaphore.NewWeighted(max)}
}

func (l *limited) Send(ctx context.Context, target string, payload []byte) (string, error) {
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer l.sem.Release(1)
	return l.Handler.Send(ctx, target, payload)
}
