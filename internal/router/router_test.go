// ABOUTME: Tests for the message router.
// ABOUTME: Covers lookup misses, FIFO ordering, timeouts, bridge fallback, and touch.

package router

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/courier-gateway/internal/bridge"
	"github.com/2389/courier-gateway/internal/channel"
	"github.com/2389/courier-gateway/internal/envelope"
	"github.com/2389/courier-gateway/internal/route"
)

// recordingHandler records the order of sends and can block or fail.
type recordingHandler struct {
	name string

	mu    sync.Mutex
	sends []string

	block   chan struct{} // if set, Send waits for it (or ctx)
	ignores bool          // if true, Send ignores ctx while blocked
	err     error
}

func (h *recordingHandler) Name() string { return h.name }

func (h *recordingHandler) Send(ctx context.Context, target string, payload []byte) (string, error) {
	h.mu.Lock()
	h.sends = append(h.sends, string(payload))
	h.mu.Unlock()

	if h.block != nil {
		if h.ignores {
			<-h.block
		} else {
			select {
			case <-h.block:
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
	}
	if h.err != nil {
		return "", h.err
	}
	return "id-" + target, nil
}

func (h *recordingHandler) sent() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.sends...)
}

// fakeBridge returns a canned delegate response.
type fakeBridge struct {
	resp *bridge.Response
	err  error

	mu  sync.Mutex
	raw [][]byte
}

func (b *fakeBridge) Forward(_ context.Context, raw []byte) (*bridge.Response, error) {
	b.mu.Lock()
	b.raw = append(b.raw, raw)
	b.mu.Unlock()
	if b.err != nil {
		return nil, b.err
	}
	return b.resp, nil
}

func newTestRouter(t *testing.T, table *route.Table, b Forwarder, handlers ...channel.Handler) *Router {
	t.Helper()
	reg, err := channel.NewRegistry(handlers...)
	require.NoError(t, err)
	return New(Config{
		Routes:         table,
		Handlers:       reg,
		Bridge:         b,
		DefaultTimeout: time.Second,
	})
}

func msgEnvelope(t *testing.T, ch, conv, payload string) *envelope.Envelope {
	t.Helper()
	raw := fmt.Sprintf(`{"type":"message","channel":%q,"conversation":%q,"payload":%q}`, ch, conv, payload)
	env, err := envelope.Parse([]byte(raw))
	require.NoError(t, err)
	return env
}

func TestRoute_NoRoute(t *testing.T) {
	table := route.NewTable()
	h := &recordingHandler{name: "echo"}
	r := newTestRouter(t, table, nil, h)

	_, err := r.Route(context.Background(), msgEnvelope(t, "echo", "x", "hi"))
	assert.ErrorIs(t, err, route.ErrRouteNotFound)

	// No implicit route creation, no handler call.
	assert.Equal(t, 0, table.Len())
	assert.Empty(t, h.sent())
}

func TestRoute_Success(t *testing.T) {
	table := route.NewTable()
	h := &recordingHandler{name: "echo"}
	r := newTestRouter(t, table, nil, h)

	key := envelope.SessionKey("echo", "x")
	before := time.Now().UTC().Add(-time.Hour)
	table.Upsert(route.Route{Key: key, Channel: "echo", Target: "x", LastActive: before})

	res, err := r.Route(context.Background(), msgEnvelope(t, "echo", "x", "hi"))
	require.NoError(t, err)
	assert.Equal(t, "id-x", res.ID)
	assert.False(t, res.Bridged)

	// Last-active refreshed on success.
	rt, err := table.Get(key)
	require.NoError(t, err)
	assert.True(t, rt.LastActive.After(before))
}

func TestRoute_UnknownChannelNoBridge(t *testing.T) {
	table := route.NewTable()
	h := &recordingHandler{name: "echo"}
	r := newTestRouter(t, table, nil, h)

	key := envelope.SessionKey("legacy", "x")
	table.Upsert(route.Route{Key: key, Channel: "legacy", Target: "x", LastActive: time.Now()})

	_, err := r.Route(context.Background(), msgEnvelope(t, "legacy", "x", "hi"))
	assert.ErrorIs(t, err, channel.ErrUnknownChannel)
}

func TestRoute_BridgeFallback(t *testing.T) {
	table := route.NewTable()
	h := &recordingHandler{name: "echo"}
	b := &fakeBridge{resp: &bridge.Response{Status: http.StatusCreated, Body: []byte(`{"id":"abc"}`), ContentType: "application/json"}}
	r := newTestRouter(t, table, b, h)

	key := envelope.SessionKey("legacy", "x")
	table.Upsert(route.Route{Key: key, Channel: "legacy", Target: "x", LastActive: time.Now().Add(-time.Minute)})

	env := msgEnvelope(t, "legacy", "x", "hi")
	res, err := r.Route(context.Background(), env)
	require.NoError(t, err)

	// Delegate status and body returned unchanged.
	assert.True(t, res.Bridged)
	assert.Equal(t, http.StatusCreated, res.Status)
	assert.Equal(t, `{"id":"abc"}`, string(res.Body))

	// Envelope forwarded verbatim.
	require.Len(t, b.raw, 1)
	assert.Equal(t, env.Raw(), b.raw[0])
}

func TestRoute_BridgeUnavailable(t *testing.T) {
	table := route.NewTable()
	h := &recordingHandler{name: "echo"}
	b := &fakeBridge{err: fmt.Errorf("%w: connection refused", bridge.ErrUnavailable)}
	r := newTestRouter(t, table, b, h)

	table.Upsert(route.Route{Key: envelope.SessionKey("legacy", "x"), Channel: "legacy", Target: "x", LastActive: time.Now()})

	_, err := r.Route(context.Background(), msgEnvelope(t, "legacy", "x", "hi"))
	assert.ErrorIs(t, err, bridge.ErrUnavailable)
}

func TestRoute_HandlerErrorWrapped(t *testing.T) {
	table := route.NewTable()
	h := &recordingHandler{name: "flaky", err: errors.New("backend exploded")}
	r := newTestRouter(t, table, nil, h)

	table.Upsert(route.Route{Key: envelope.SessionKey("flaky", "x"), Channel: "flaky", Target: "x", LastActive: time.Now()})

	_, err := r.Route(context.Background(), msgEnvelope(t, "flaky", "x", "hi"))
	require.Error(t, err)

	var herr *channel.HandlerError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, "flaky", herr.Channel)
	assert.Contains(t, herr.Error(), "backend exploded")
}

func TestRoute_TimeoutMarksDegraded(t *testing.T) {
	table := route.NewTable()
	// Handler that sleeps past the bound and ignores cancellation.
	h := &recordingHandler{name: "slow", block: make(chan struct{}), ignores: true}
	defer close(h.block)

	reg, err := channel.NewRegistry(h)
	require.NoError(t, err)
	r := New(Config{
		Routes:   table,
		Handlers: reg,
		Timeouts: map[string]time.Duration{"slow": 50 * time.Millisecond},
	})

	key := envelope.SessionKey("slow", "x")
	table.Upsert(route.Route{Key: key, Channel: "slow", Target: "x", LastActive: time.Now()})

	start := time.Now()
	_, err = r.Route(context.Background(), msgEnvelope(t, "slow", "x", "hi"))
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), time.Second, "timeout must trip at the bound, not the handler's pace")

	// Route kept and degraded, still eligible for future attempts.
	rt, err := table.Get(key)
	require.NoError(t, err)
	assert.Equal(t, route.StateDegraded, rt.State)
}

func TestRoute_PerRouteFIFO(t *testing.T) {
	table := route.NewTable()
	release := make(chan struct{})
	h := &recordingHandler{name: "echo", block: release}
	r := newTestRouter(t, table, nil, h)

	key := envelope.SessionKey("echo", "s1")
	table.Upsert(route.Route{Key: key, Channel: "echo", Target: "s1", LastActive: time.Now()})

	var wg sync.WaitGroup
	const n = 8
	for i := 0; i < n; i++ {
		wg.Add(1)
		payload := fmt.Sprintf("m%d", i)
		go func() {
			defer wg.Done()
			_, err := r.Route(context.Background(), msgEnvelope(t, "echo", "s1", payload))
			assert.NoError(t, err)
		}()
		// Leave time for the call to take its place in the gate queue so
		// arrival order is well-defined.
		assert.Eventually(t, func() bool {
			return r.Gates() == 1
		}, time.Second, time.Millisecond)
		time.Sleep(5 * time.Millisecond)
	}

	close(release)
	wg.Wait()

	expected := make([]string, n)
	for i := range expected {
		expected[i] = fmt.Sprintf(`"m%d"`, i)
	}
	assert.Equal(t, expected, h.sent())
	assert.Equal(t, 0, r.Gates())
}

func TestRoute_DistinctKeysParallel(t *testing.T) {
	table := route.NewTable()
	release := make(chan struct{})
	h := &recordingHandler{name: "echo", block: release}
	r := newTestRouter(t, table, nil, h)

	const n = 16
	for i := 0; i < n; i++ {
		conv := fmt.Sprintf("c%d", i)
		table.Upsert(route.Route{Key: envelope.SessionKey("echo", conv), Channel: "echo", Target: conv, LastActive: time.Now()})
	}

	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		conv := fmt.Sprintf("c%d", i)
		go func() {
			defer wg.Done()
			_, err := r.Route(context.Background(), msgEnvelope(t, "echo", conv, "hi"))
			assert.NoError(t, err)
		}()
	}

	// All sends must reach the handler while it blocks: no cross-key
	// serialization.
	assert.Eventually(t, func() bool {
		return len(h.sent()) == n
	}, time.Second, time.Millisecond)

	close(release)
	wg.Wait()
}

func TestEnqueue_PreservesCallOrderAcrossGoroutines(t *testing.T) {
	table := route.NewTable()
	h := &recordingHandler{name: "echo"}
	r := newTestRouter(t, table, nil, h)

	key := envelope.SessionKey("echo", "s1")
	table.Upsert(route.Route{Key: key, Channel: "echo", Target: "s1", LastActive: time.Now()})

	// Claim dispatch slots sequentially, then run them on goroutines
	// started in reverse: the handler must still observe enqueue order.
	const n = 16
	runs := make([]func(context.Context) (*Result, error), n)
	for i := 0; i < n; i++ {
		runs[i] = r.Enqueue(msgEnvelope(t, "echo", "s1", fmt.Sprintf("m%d", i)))
	}

	var wg sync.WaitGroup
	for i := n - 1; i >= 0; i-- {
		wg.Add(1)
		run := runs[i]
		go func() {
			defer wg.Done()
			_, err := run(context.Background())
			assert.NoError(t, err)
		}()
		time.Sleep(time.Millisecond)
	}
	wg.Wait()

	expected := make([]string, n)
	for i := range expected {
		expected[i] = fmt.Sprintf(`"m%d"`, i)
	}
	assert.Equal(t, expected, h.sent())
	assert.Equal(t, 0, r.Gates())
}

func TestEnqueue_ResolutionFailureKeepsChainMoving(t *testing.T) {
	table := route.NewTable()
	h := &recordingHandler{name: "echo"}
	r := newTestRouter(t, table, nil, h)

	key := envelope.SessionKey("echo", "s1")
	table.Upsert(route.Route{Key: key, Channel: "echo", Target: "s1", LastActive: time.Now()})

	good1 := r.Enqueue(msgEnvelope(t, "echo", "s1", "first"))
	// Same session key, but the route disappears before this one resolves.
	bad := r.Enqueue(msgEnvelope(t, "echo", "s1", "swept"))
	good2 := r.Enqueue(msgEnvelope(t, "echo", "s1", "second"))

	_, err := good1(context.Background())
	require.NoError(t, err)

	table.Delete(key)
	_, err = bad(context.Background())
	assert.ErrorIs(t, err, route.ErrRouteNotFound)

	table.Upsert(route.Route{Key: key, Channel: "echo", Target: "s1", LastActive: time.Now()})
	done := make(chan error, 1)
	go func() {
		_, err := good2(context.Background())
		done <- err
	}()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("dispatch behind an abandoned slot never ran")
	}

	assert.Equal(t, []string{`"first"`, `"second"`}, h.sent())
}

func TestRoute_SendDetachedFromCallerCancel(t *testing.T) {
	table := route.NewTable()
	release := make(chan struct{})
	h := &recordingHandler{name: "echo", block: release}
	r := newTestRouter(t, table, nil, h)

	key := envelope.SessionKey("echo", "x")
	table.Upsert(route.Route{Key: key, Channel: "echo", Target: "x", LastActive: time.Now()})

	ctx, cancel := context.WithCancel(context.Background())
	type outcome struct {
		res *Result
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		res, err := r.Route(ctx, msgEnvelope(t, "echo", "x", "hi"))
		done <- outcome{res, err}
	}()

	// Once the handler has the send, dropping the caller must not abort it.
	require.Eventually(t, func() bool {
		return len(h.sent()) == 1
	}, time.Second, time.Millisecond)
	cancel()
	time.Sleep(20 * time.Millisecond)
	close(release)

	select {
	case out := <-done:
		require.NoError(t, out.err, "in-flight send must run to completion, not be canceled with the caller")
		assert.Equal(t, "id-x", out.res.ID)
	case <-time.After(time.Second):
		t.Fatal("Route never returned")
	}

	// The completed send still counts as session activity.
	rt, err := table.Get(key)
	require.NoError(t, err)
	assert.Equal(t, route.StateActive, rt.State)
}

func TestRoute_FailedDispatchReleasesGate(t *testing.T) {
	table := route.NewTable()
	h := &recordingHandler{name: "flaky", err: errors.New("boom")}
	r := newTestRouter(t, table, nil, h)

	key := envelope.SessionKey("flaky", "x")
	table.Upsert(route.Route{Key: key, Channel: "flaky", Target: "x", LastActive: time.Now()})

	// A failure on the route must not abort the next queued attempt.
	_, err := r.Route(context.Background(), msgEnvelope(t, "flaky", "x", "first"))
	require.Error(t, err)

	h.err = nil
	res, err := r.Route(context.Background(), msgEnvelope(t, "flaky", "x", "second"))
	require.NoError(t, err)
	assert.Equal(t, "id-x", res.ID)
}
