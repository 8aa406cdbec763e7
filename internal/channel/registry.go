// ABOUTME: Boot-time registry mapping channel names to handlers.
// ABOUTME: Populated exactly once before traffic starts; read-only after.

package channel

import (
	"errors"
	"fmt"
	"sort"
)

// ErrUnknownChannel indicates no handler is registered for a channel name.
var ErrUnknownChannel = errors.New("unknown channel")

// Registry is the fixed channel-name -> handler mapping. It is built once
// before the router and ingress accept traffic and never mutated after, so
// lookups need no lock.
type Registry struct {
	handlers map[string]Handler
}

// NewRegistry builds a registry from the given handlers. Duplicate names
// are a construction error.
func NewRegistry(handlers ...Handler) (*Registry, error) {
	m := make(map[string]Handler, len(handlers))
	for _, h := range handlers {
		name := h.Name()
		if name == "" {
			return nil, errors.New("handler with empty channel name")
		}
		if _, exists := m[name]; exists {
			return nil, fmt.Errorf("duplicate handler for channel %q", name)
		}
		m[name] = h
	}
	return &Registry{handlers: m}, nil
}

// Get returns the handler for name, or ErrUnknownChannel.
func (r *Registry) Get(name string) (Handler, error) {
	h, ok := r.handlers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownChannel, name)
	}
	return h, nil
}

// Names returns the registered channel names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of registered handlers.
func (r *Registry) Len() int {
	return len(r.handlers)
}

// Each calls fn for every registered handler. Used at boot to wire receive
// callbacks.
func (r *Registry) Each(fn func(Handler)) {
	for _, h := range r.handlers {
		fn(h)
	}
}
