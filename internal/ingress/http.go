// ABOUTME: One-shot ingress and admin HTTP handlers.
// ABOUTME: Maps router errors to HTTP statuses; bridged responses pass through verbatim.

package ingress

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/2389/courier-gateway/internal/bridge"
	"github.com/2389/courier-gateway/internal/channel"
	"github.com/2389/courier-gateway/internal/envelope"
	"github.com/2389/courier-gateway/internal/metrics"
	"github.com/2389/courier-gateway/internal/route"
	"github.com/2389/courier-gateway/internal/router"
)

const maxBodySize = 1 << 20 // 1 MiB

// handleMessage accepts a single envelope, routes it, and answers with the
// dispatch outcome. Bridged responses are relayed with the delegate's status,
// body, and content type unmodified.
func (g *Gateway) handleMessage(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			g.sendJSONError(w, http.StatusRequestEntityTooLarge, "body too large")
			return
		}
		g.sendJSONError(w, http.StatusBadRequest, "reading request body")
		return
	}

	env, err := envelope.Parse(body)
	if err != nil {
		metrics.EnvelopesRejected.WithLabelValues("validation").Inc()
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	res, err := g.router.Route(r.Context(), env)
	if err != nil {
		g.writeRouteError(w, err)
		return
	}

	if res.Bridged {
		if res.ContentType != "" {
			w.Header().Set("Content-Type", res.ContentType)
		}
		w.WriteHeader(res.Status)
		w.Write(res.Body)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"success": true, "id": res.ID})
}

// writeRouteError maps routing failures to HTTP statuses.
func (g *Gateway) writeRouteError(w http.ResponseWriter, err error) {
	var herr *channel.HandlerError

	switch {
	case errors.Is(err, route.ErrRouteNotFound):
		g.sendJSONError(w, http.StatusNotFound, "no route for session")
	case errors.Is(err, channel.ErrUnknownChannel):
		g.sendJSONError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, router.ErrTimeout):
		g.sendJSONError(w, http.StatusGatewayTimeout, err.Error())
	case errors.Is(err, bridge.ErrUnavailable):
		g.sendJSONError(w, http.StatusBadGateway, err.Error())
	case errors.As(err, &herr):
		g.sendJSONError(w, http.StatusBadGateway, herr.Error())
	default:
		g.logger.Error("routing message", "error", err)
		g.sendJSONError(w, http.StatusInternalServerError, "internal error")
	}
}

// upsertRouteRequest is the admin payload for creating or replacing a route.
// The key may be given explicitly or derived from channel and conversation.
type upsertRouteRequest struct {
	Key          string `json:"key,omitempty"`
	Channel      string `json:"channel"`
	Conversation string `json:"conversation,omitempty"`
	Target       string `json:"target"`
}

func (g *Gateway) handleUpsertRoute(w http.ResponseWriter, r *http.Request) {
	var req upsertRouteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		g.sendJSONError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	if req.Channel == "" || req.Target == "" {
		g.sendJSONError(w, http.StatusBadRequest, "channel and target are required")
		return
	}

	key := req.Key
	if key == "" {
		if req.Conversation == "" {
			g.sendJSONError(w, http.StatusBadRequest, "key or conversation is required")
			return
		}
		key = envelope.SessionKey(req.Channel, req.Conversation)
	}

	rt := route.Route{
		Key:        key,
		Channel:    req.Channel,
		Target:     req.Target,
		LastActive: time.Now().UTC(),
		State:      route.StateActive,
	}
	g.table.Upsert(rt)
	metrics.RouteTableSize.Set(float64(g.table.Len()))

	if g.store != nil {
		if err := g.store.Save(r.Context(), rt); err != nil {
			g.logger.Error("persisting route", "key", key, "error", err)
		}
	}

	g.logger.Info("route upserted", "key", key, "channel", req.Channel)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]string{"key": key})
}

func (g *Gateway) handleListRoutes(w http.ResponseWriter, r *http.Request) {
	routes := g.table.Snapshot()

	type routeView struct {
		Key        string    `json:"key"`
		Channel    string    `json:"channel"`
		Target     string    `json:"target"`
		LastActive time.Time `json:"last_active"`
		State      string    `json:"state"`
	}

	views := make([]routeView, 0, len(routes))
	for _, rt := range routes {
		views = append(views, routeView{
			Key:        rt.Key,
			Channel:    rt.Channel,
			Target:     rt.Target,
			LastActive: rt.LastActive,
			State:      string(rt.State),
		})
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"routes": views})
}

func (g *Gateway) handleDeleteRoute(w http.ResponseWriter, r *http.Request) {
	key := r.PathValue("key")

	if !g.table.Delete(key) {
		g.sendJSONError(w, http.StatusNotFound, "no route for key")
		return
	}
	metrics.RouteTableSize.Set(float64(g.table.Len()))

	if g.store != nil {
		if err := g.store.Delete(r.Context(), key); err != nil {
			g.logger.Error("deleting persisted route", "key", key, "error", err)
		}
	}

	g.logger.Info("route deleted", "key", key)
	w.WriteHeader(http.StatusNoContent)
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleReady reports readiness: the gateway can accept traffic once it has
// at least one registered channel or a bridge delegate.
func (g *Gateway) handleReady(w http.ResponseWriter, r *http.Request) {
	ready := g.registry.Len() > 0 || g.bridge != nil

	w.Header().Set("Content-Type", "application/json")
	if !ready {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]any{"ready": false})
		return
	}
	json.NewEncoder(w).Encode(map[string]any{
		"ready":    true,
		"channels": g.registry.Names(),
		"routes":   g.table.Len(),
	})
}

// sendJSONError writes a JSON error response.
func (g *Gateway) sendJSONError(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
