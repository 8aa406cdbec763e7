// ABOUTME: Persistent bidirectional stream ingress over WebSocket.
// ABOUTME: Multiplexes dispatch receipts and handler-originated push events.

package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/2389/courier-gateway/internal/bridge"
	"github.com/2389/courier-gateway/internal/channel"
	"github.com/2389/courier-gateway/internal/envelope"
	"github.com/2389/courier-gateway/internal/metrics"
	"github.com/2389/courier-gateway/internal/route"
	"github.com/2389/courier-gateway/internal/router"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The stream surface is same-trust as the one-shot surface; origin
	// policy is left to the deployment's front proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

const (
	writeWait      = 10 * time.Second
	outboundBuffer = 64
)

// handleStream upgrades to a WebSocket and serves a bidirectional envelope
// stream. Inbound message envelopes are dispatched without blocking the read
// loop; each produces a receipt or error envelope. Handler-originated events
// are pushed to every open stream.
func (g *Gateway) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		g.logger.Debug("stream upgrade failed", "error", err)
		return
	}

	metrics.StreamConnections.Inc()
	defer metrics.StreamConnections.Dec()

	s := &stream{
		gateway:  g,
		conn:     conn,
		outbound: make(chan *envelope.Envelope, outboundBuffer),
		logger:   g.logger.With("component", "stream", "remote", conn.RemoteAddr().String()),
	}
	s.serve(r.Context())
}

// stream is one open WebSocket connection.
type stream struct {
	gateway  *Gateway
	conn     *websocket.Conn
	outbound chan *envelope.Envelope
	logger   *slog.Logger
}

func (s *stream) serve(connCtx context.Context) {
	defer s.conn.Close()

	ctx, cancel := context.WithCancel(connCtx)
	defer cancel()

	events, subID := s.gateway.hub.Subscribe(ctx)
	defer s.gateway.hub.Unsubscribe(subID)

	writerDone := make(chan struct{})
	go s.writeLoop(ctx, events, writerDone)

	s.logger.Debug("stream opened")
	s.readLoop(ctx)

	// Stop the writer before Close tears down the connection.
	cancel()
	<-writerDone
	s.logger.Debug("stream closed")
}

// writeLoop is the single writer for the connection, merging dispatch
// replies with hub push events.
func (s *stream) writeLoop(ctx context.Context, events <-chan *envelope.Envelope, done chan<- struct{}) {
	defer close(done)

	for {
		select {
		case <-ctx.Done():
			return
		case env := <-s.outbound:
			if !s.write(env) {
				return
			}
		case ev, ok := <-events:
			if !ok {
				return
			}
			if !s.write(ev) {
				return
			}
		}
	}
}

func (s *stream) write(env *envelope.Envelope) bool {
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := s.conn.WriteJSON(env); err != nil {
		s.logger.Debug("stream write failed", "error", err)
		return false
	}
	return true
}

// readLoop consumes inbound envelopes until the connection drops. Dispatch
// never blocks the loop: a slow handler on one session must not stall
// envelopes for other sessions arriving on the same connection.
func (s *stream) readLoop(ctx context.Context) {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug("stream read failed", "error", err)
			}
			return
		}

		env, err := envelope.Parse(data)
		if err != nil {
			metrics.EnvelopesRejected.WithLabelValues("validation").Inc()
			s.reply(ctx, errorEnvelope(env, err))
			continue
		}

		if env.Type != envelope.TypeMessage {
			s.reply(ctx, errorEnvelope(env, fmt.Errorf("%w: unexpected type %q", envelope.ErrInvalid, env.Type)))
			continue
		}

		if env.ID != "" && s.gateway.dedupe.Seen(env.ID) {
			metrics.EnvelopesRejected.WithLabelValues("duplicate").Inc()
			s.logger.Debug("duplicate envelope dropped", "id", env.ID)
			continue
		}

		// Claim the session's dispatch slot here, in frame order, before
		// handing off: goroutine scheduling must not reorder same-session
		// envelopes ahead of the gate.
		dispatch := s.gateway.router.Enqueue(env)
		go s.dispatch(env, dispatch)
	}
}

// dispatch runs one enqueued envelope and queues the reply. Routing runs
// under the gateway's lifetime context, not the connection's: a disconnect
// mid-dispatch must not abort a send already in flight.
func (s *stream) dispatch(env *envelope.Envelope, run func(context.Context) (*router.Result, error)) {
	ctx := s.gateway.baseCtx
	if ctx == nil {
		ctx = context.Background()
	}

	res, err := run(ctx)
	if err != nil {
		s.reply(ctx, errorEnvelope(env, err))
		return
	}

	s.reply(ctx, receiptEnvelope(env, res))
}

// reply queues an outbound envelope, dropping it if the connection's writer
// is gone or saturated.
func (s *stream) reply(ctx context.Context, env *envelope.Envelope) {
	select {
	case s.outbound <- env:
	case <-ctx.Done():
	default:
		s.logger.Warn("outbound queue full, dropping reply", "id", env.ID)
	}
}

// receiptEnvelope acknowledges a successful dispatch, correlated by the
// client-assigned ID.
func receiptEnvelope(req *envelope.Envelope, res *router.Result) *envelope.Envelope {
	body := map[string]any{}
	if res.Bridged {
		body["bridged"] = true
		body["status"] = res.Status
	} else {
		body["id"] = res.ID
	}
	payload, _ := json.Marshal(body)

	return &envelope.Envelope{
		ID:           req.ID,
		Type:         envelope.TypeReceipt,
		Channel:      req.Channel,
		Conversation: req.Conversation,
		Payload:      payload,
		Timestamp:    time.Now().UTC(),
	}
}

// errorEnvelope reports a dispatch or validation failure back to the client.
// req may be nil when the envelope never parsed.
func errorEnvelope(req *envelope.Envelope, err error) *envelope.Envelope {
	payload, _ := json.Marshal(map[string]string{
		"error":  err.Error(),
		"reason": errorReason(err),
	})

	env := &envelope.Envelope{
		Type:      envelope.TypeError,
		Payload:   payload,
		Timestamp: time.Now().UTC(),
	}
	if req != nil {
		env.ID = req.ID
		env.Channel = req.Channel
		env.Conversation = req.Conversation
	}
	return env
}

// errorReason classifies an error for stream clients, mirroring the one-shot
// surface's status mapping.
func errorReason(err error) string {
	var herr *channel.HandlerError
	switch {
	case errors.Is(err, envelope.ErrInvalid):
		return "invalid"
	case errors.Is(err, route.ErrRouteNotFound):
		return "no_route"
	case errors.Is(err, channel.ErrUnknownChannel):
		return "unknown_channel"
	case errors.Is(err, router.ErrTimeout):
		return "timeout"
	case errors.Is(err, bridge.ErrUnavailable):
		return "bridge_unavailable"
	case errors.As(err, &herr):
		return "handler_error"
	default:
		return "internal"
	}
}
