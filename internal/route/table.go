// ABOUTME: In-memory session routing table with shared-read access and
// ABOUTME: per-row locking so touch never blocks lookups on other keys.

package route

import (
	"sync"
	"time"
)

// row wraps a Route with its own lock. Touch and state changes mutate a
// single row under the table's read lock, so they never contend with
// operations on other keys.
type row struct {
	mu    sync.Mutex
	route Route
}

// Table is the route store. Reads scale with many concurrent callers;
// Upsert and Sweep take the exclusive table lock, Get/Touch/MarkDegraded
// take the shared lock plus the row lock.
type Table struct {
	mu   sync.RWMutex
	rows map[string]*row
}

// NewTable creates an empty routing table.
func NewTable() *Table {
	return &Table{rows: make(map[string]*row)}
}

// Upsert creates or replaces the route for rt.Key. New routes with a zero
// state start active. Routes are only ever created through this call, never
// implicitly by a failed lookup.
func (t *Table) Upsert(rt Route) {
	if rt.State == "" {
		rt.State = StateActive
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if existing, ok := t.rows[rt.Key]; ok {
		existing.mu.Lock()
		// Keep last-active monotonic across replacement.
		if rt.LastActive.Before(existing.route.LastActive) {
			rt.LastActive = existing.route.LastActive
		}
		existing.route = rt
		existing.mu.Unlock()
		return
	}
	t.rows[rt.Key] = &row{route: rt}
}

// Get returns a copy of the route for key, or ErrRouteNotFound.
func (t *Table) Get(key string) (Route, error) {
	t.mu.RLock()
	r, ok := t.rows[key]
	t.mu.RUnlock()
	if !ok {
		return Route{}, ErrRouteNotFound
	}

	r.mu.Lock()
	rt := r.route
	r.mu.Unlock()
	return rt, nil
}

// Touch advances the route's last-active time. Older timestamps are ignored
// so last-active never moves backwards. Touching an absent key returns
// ErrRouteNotFound.
func (t *Table) Touch(key string, at time.Time) error {
	t.mu.RLock()
	r, ok := t.rows[key]
	t.mu.RUnlock()
	if !ok {
		return ErrRouteNotFound
	}

	r.mu.Lock()
	if at.After(r.route.LastActive) {
		r.route.LastActive = at
	}
	r.mu.Unlock()
	return nil
}

// MarkDegraded flags the route after a dispatch timeout. The route is kept,
// not deleted, and stays eligible for future attempts.
func (t *Table) MarkDegraded(key string) error {
	return t.setState(key, StateDegraded)
}

// MarkActive restores a route to the active state.
func (t *Table) MarkActive(key string) error {
	return t.setState(key, StateActive)
}

func (t *Table) setState(key string, s State) error {
	t.mu.RLock()
	r, ok := t.rows[key]
	t.mu.RUnlock()
	if !ok {
		return ErrRouteNotFound
	}

	r.mu.Lock()
	r.route.State = s
	r.mu.Unlock()
	return nil
}

// Delete removes the route for key if present and reports whether it existed.
func (t *Table) Delete(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, ok := t.rows[key]
	delete(t.rows, key)
	return ok
}

// Sweep removes every route with now - last_active >= maxAge and returns the
// removed routes. A route aged exactly maxAge-1 is retained.
func (t *Table) Sweep(maxAge time.Duration, now time.Time) []Route {
	t.mu.Lock()
	defer t.mu.Unlock()

	var removed []Route
	for key, r := range t.rows {
		r.mu.Lock()
		idle := now.Sub(r.route.LastActive)
		if idle >= maxAge {
			removed = append(removed, r.route)
			delete(t.rows, key)
		}
		r.mu.Unlock()
	}
	return removed
}

// Snapshot returns a copy of every route in the table.
func (t *Table) Snapshot() []Route {
	t.mu.RLock()
	defer t.mu.RUnlock()

	routes := make([]Route, 0, len(t.rows))
	for _, r := range t.rows {
		r.mu.Lock()
		routes = append(routes, r.route)
		r.mu.Unlock()
	}
	return routes
}

// Len returns the number of routes in the table.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rows)
}
