// ABOUTME: Message router resolving a session's route to a handler or bridge.
// ABOUTME: Serializes per-route dispatch, enforces timeouts, refreshes last-active.

package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/courier-gateway/internal/bridge"
	"github.com/2389/courier-gateway/internal/channel"
	"github.com/2389/courier-gateway/internal/envelope"
	"github.com/2389/courier-gateway/internal/metrics"
	"github.com/2389/courier-gateway/internal/route"
)

// ErrTimeout indicates the handler exceeded its per-channel dispatch bound.
// The route is marked degraded but kept.
var ErrTimeout = errors.New("handler timed out")

// RouteStore provides session route lookups and row-scoped mutations.
type RouteStore interface {
	Get(key string) (route.Route, error)
	Touch(key string, at time.Time) error
	MarkDegraded(key string) error
}

// HandlerSource resolves channel names to handlers.
type HandlerSource interface {
	Get(name string) (channel.Handler, error)
}

// Forwarder is the legacy bridge contract consumed by the router.
type Forwarder interface {
	Forward(ctx context.Context, raw []byte) (*bridge.Response, error)
}

// Result is the outcome of a successful Route call. Handler dispatches carry
// the platform message id; bridged dispatches carry the delegate's response
// verbatim.
type Result struct {
	ID string

	Bridged     bool
	Status      int
	Body        []byte
	ContentType string
}

// Config configures a Router.
type Config struct {
	Routes   RouteStore
	Handlers HandlerSource
	Bridge   Forwarder // optional
	Logger   *slog.Logger

	// DefaultTimeout bounds handler sends for channels without an explicit
	// entry in Timeouts.
	DefaultTimeout time.Duration

	// Timeouts holds per-channel dispatch bounds.
	Timeouts map[string]time.Duration
}

// Router resolves a session's route, consults the handler registry or the
// legacy bridge, and dispatches through a per-route serialization gate.
type Router struct {
	routes         RouteStore
	handlers       HandlerSource
	bridge         Forwarder
	gates          *gateSet
	defaultTimeout time.Duration
	timeouts       map[string]time.Duration
	logger         *slog.Logger
}

const defaultDispatchTimeout = 30 * time.Second

// New creates a Router from cfg.
func New(cfg Config) *Router {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := cfg.DefaultTimeout
	if timeout <= 0 {
		timeout = defaultDispatchTimeout
	}
	return &Router{
		routes:         cfg.Routes,
		handlers:       cfg.Handlers,
		bridge:         cfg.Bridge,
		gates:          newGateSet(),
		defaultTimeout: timeout,
		timeouts:       cfg.Timeouts,
		logger:         logger.With("component", "router"),
	}
}

// Route dispatches one envelope.
//
// The session key is derived from the envelope's addressing fields and
// resolved against the route store; a missing route propagates
// route.ErrRouteNotFound unchanged and mutates nothing. The resolved
// channel's handler is used when registered, the bridge delegate when not,
// and channel.ErrUnknownChannel is returned when neither exists. Dispatch is
// serialized per route key in strict arrival order; distinct keys dispatch
// fully in parallel.
func (r *Router) Route(ctx context.Context, env *envelope.Envelope) (*Result, error) {
	return r.routeTicket(ctx, env, r.gates.reserve(env.SessionKey()))
}

// Enqueue claims the envelope's position in its session's dispatch order
// immediately and returns a function that performs the dispatch. For a given
// session key, handlers observe sends in Enqueue-call order even when the
// returned functions run on different goroutines. This lets a connection
// read loop fix frame order synchronously and still dispatch without waiting
// for completion.
func (r *Router) Enqueue(env *envelope.Envelope) func(ctx context.Context) (*Result, error) {
	tk := r.gates.reserve(env.SessionKey())
	return func(ctx context.Context) (*Result, error) {
		return r.routeTicket(ctx, env, tk)
	}
}

// routeTicket resolves and dispatches env holding a reserved gate position.
// Resolution failures abandon the position without disturbing the order of
// envelopes queued behind it.
func (r *Router) routeTicket(ctx context.Context, env *envelope.Envelope, tk *ticket) (*Result, error) {
	key := env.SessionKey()

	rt, err := r.routes.Get(key)
	if err != nil {
		tk.abandon()
		return nil, err
	}

	h, err := r.handlers.Get(rt.Channel)
	if err != nil {
		if !errors.Is(err, channel.ErrUnknownChannel) {
			tk.abandon()
			return nil, fmt.Errorf("resolving handler: %w", err)
		}
		if r.bridge == nil {
			tk.abandon()
			return nil, err
		}
		h = nil // fall through to the bridge
	}

	if err := tk.wait(ctx); err != nil {
		return nil, err
	}
	defer tk.leave()

	if h == nil {
		return r.forwardToBridge(ctx, key, rt.Channel, env)
	}
	return r.dispatch(ctx, key, rt, h, env)
}

// dispatch sends through the handler under the per-channel timeout. The send
// context is detached from the caller's cancellation: once a dispatch is
// handed to the handler it runs to completion or to its own bound,
// independent of the ingress connection that submitted it. Caller
// cancellation only applies while queued at the gate.
func (r *Router) dispatch(ctx context.Context, key string, rt route.Route, h channel.Handler, env *envelope.Envelope) (*Result, error) {
	timeout := r.timeoutFor(rt.Channel)
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), timeout)
	defer cancel()

	start := time.Now()
	id, err := send(sendCtx, h, rt.Target, env.Payload)
	metrics.DispatchDuration.WithLabelValues(rt.Channel).Observe(time.Since(start).Seconds())

	switch {
	case err == nil:
		if terr := r.routes.Touch(key, time.Now().UTC()); terr != nil {
			// Route swept mid-dispatch; the send still succeeded.
			r.logger.Debug("touch after dispatch", "key", key, "error", terr)
		}
		metrics.MessagesRouted.WithLabelValues(rt.Channel, "ok").Inc()
		return &Result{ID: id}, nil

	case errors.Is(err, context.DeadlineExceeded):
		// The per-channel bound elapsed; sendCtx has no other cancel source.
		if derr := r.routes.MarkDegraded(key); derr != nil {
			r.logger.Debug("degrading route", "key", key, "error", derr)
		}
		metrics.MessagesRouted.WithLabelValues(rt.Channel, "timeout").Inc()
		r.logger.Warn("handler timed out",
			"key", key,
			"channel", rt.Channel,
			"timeout", timeout.String(),
		)
		return nil, fmt.Errorf("%w: channel %s after %s", ErrTimeout, rt.Channel, timeout)

	default:
		metrics.MessagesRouted.WithLabelValues(rt.Channel, "error").Inc()
		return nil, &channel.HandlerError{Channel: rt.Channel, Err: err}
	}
}

// forwardToBridge delegates to the legacy bridge and passes its response
// through untouched. Like handler dispatch, the forward is detached from the
// caller's cancellation; the bridge's own client timeout bounds it.
func (r *Router) forwardToBridge(ctx context.Context, key, channelName string, env *envelope.Envelope) (*Result, error) {
	resp, err := r.bridge.Forward(context.WithoutCancel(ctx), env.Raw())
	if err != nil {
		metrics.BridgeForwards.WithLabelValues("unavailable").Inc()
		return nil, err
	}

	metrics.BridgeForwards.WithLabelValues(fmt.Sprintf("%d", resp.Status)).Inc()
	if resp.Status >= 200 && resp.Status <= 299 {
		if terr := r.routes.Touch(key, time.Now().UTC()); terr != nil {
			r.logger.Debug("touch after bridge forward", "key", key, "error", terr)
		}
	}

	r.logger.Debug("bridged message",
		"key", key,
		"channel", channelName,
		"status", resp.Status,
	)

	return &Result{
		Bridged:     true,
		Status:      resp.Status,
		Body:        resp.Body,
		ContentType: resp.ContentType,
	}, nil
}

// send runs the handler call in its own goroutine so the timeout holds even
// for handlers that ignore context cancellation. An abandoned send sees a
// canceled context and is expected to stop on its own.
func send(ctx context.Context, h channel.Handler, target string, payload []byte) (string, error) {
	type sendResult struct {
		id  string
		err error
	}
	done := make(chan sendResult, 1)

	go func() {
		id, err := h.Send(ctx, target, payload)
		done <- sendResult{id: id, err: err}
	}()

	select {
	case res := <-done:
		return res.id, res.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (r *Router) timeoutFor(channelName string) time.Duration {
	if d, ok := r.timeouts[channelName]; ok && d > 0 {
		return d
	}
	return r.defaultTimeout
}

// Gates returns the number of live dispatch gates. Gates are created lazily
// on first access and dropped when their last queued caller leaves.
func (r *Router) Gates() int {
	return r.gates.len()
}
