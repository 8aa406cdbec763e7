// ABOUTME: Per-route FIFO dispatch gate.
// ABOUTME: At most one send in flight per route key; waiters dispatch in arrival order.

package router

import (
	"context"
	"sync"
)

// gate serializes dispatch for one route key. Each arrival chains behind the
// previous one by waiting on its turn channel, which gives strict FIFO
// ordering regardless of scheduler fairness. refs counts chained callers so
// idle gates can be dropped from the map.
type gate struct {
	refs int
	tail chan struct{}
}

// gateSet owns the lazily created per-route gates.
type gateSet struct {
	mu    sync.Mutex
	gates map[string]*gate
}

func newGateSet() *gateSet {
	return &gateSet{gates: make(map[string]*gate)}
}

// ticket is a claimed position in one route key's dispatch order. The
// position is fixed the moment reserve returns; the actual wait for the
// predecessor can happen later, on any goroutine.
type ticket struct {
	set  *gateSet
	key  string
	turn chan struct{}
	prev chan struct{}
}

// reserve claims the next position for key without blocking. Positions are
// ordered by reserve-call order. Every ticket must end in exactly one leave
// or abandon call.
func (s *gateSet) reserve(key string) *ticket {
	turn := make(chan struct{})

	s.mu.Lock()
	g := s.gates[key]
	if g == nil {
		g = &gate{}
		s.gates[key] = g
	}
	g.refs++
	prev := g.tail
	g.tail = turn
	s.mu.Unlock()

	return &ticket{set: s, key: key, turn: turn, prev: prev}
}

// wait blocks until every earlier ticket for the key has left the gate. If
// ctx is canceled while waiting, the ticket's turn is forwarded in the
// background so the chain keeps moving, and ctx.Err() is returned; the
// ticket is spent either way.
func (t *ticket) wait(ctx context.Context) error {
	if t.prev == nil {
		return nil
	}

	select {
	case <-t.prev:
		return nil
	case <-ctx.Done():
		// A later arrival may already be chained on our turn channel. Hand
		// the turn over once the predecessor finishes so nobody stalls.
		go func() {
			<-t.prev
			t.leave()
		}()
		return ctx.Err()
	}
}

// leave releases the turn after a completed wait.
func (t *ticket) leave() {
	close(t.turn)
	t.set.release(t.key)
}

// abandon gives up a reserved position without dispatching. The turn is
// forwarded only after the predecessor finishes, preserving order for
// tickets queued behind this one.
func (t *ticket) abandon() {
	if t.prev == nil {
		t.leave()
		return
	}
	select {
	case <-t.prev:
		t.leave()
	default:
		go func() {
			<-t.prev
			t.leave()
		}()
	}
}

// enter reserves and waits in one step, returning a leave func. Kept for
// callers that have no use for the split.
func (s *gateSet) enter(ctx context.Context, key string) (leave func(), err error) {
	t := s.reserve(key)
	if err := t.wait(ctx); err != nil {
		return nil, err
	}
	return t.leave, nil
}

func (s *gateSet) release(key string) {
	s.mu.Lock()
	if g, ok := s.gates[key]; ok {
		g.refs--
		if g.refs == 0 {
			delete(s.gates, key)
		}
	}
	s.mu.Unlock()
}

// len returns the number of live gates. Test helper.
func (s *gateSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.gates)
}
