// ABOUTME: Tests for the one-shot ingress and route admin endpoints.
// ABOUTME: Covers routing outcomes, bridge passthrough, and error mapping.

package ingress

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/courier-gateway/internal/config"
	"github.com/2389/courier-gateway/internal/route"
)

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{HTTPAddr: ":0"},
		Routes: config.RoutesConfig{
			MaxIdle:       time.Hour,
			SweepInterval: time.Minute,
		},
		Channels: []config.ChannelConfig{
			{Name: "echo", Type: "echo", Timeout: time.Second},
		},
		Dedupe: config.DedupeConfig{MaxSize: 100, TTL: time.Minute},
	}
}

func newTestGateway(t *testing.T, cfg *config.Config) *Gateway {
	t.Helper()
	g, err := New(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	return g
}

func postMessage(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/message", bytes.NewReader([]byte(body)))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func upsertRoute(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPut, "/routes", bytes.NewReader([]byte(body)))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestHandleMessage_NoRouteThenRouted(t *testing.T) {
	g := newTestGateway(t, testConfig())
	h := g.Handler()

	msg := `{"type":"message","channel":"echo","conversation":"c1","payload":{"text":"hi"}}`

	// No route yet: nothing is created implicitly.
	rec := postMessage(t, h, msg)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, 0, g.Table().Len())

	// Provision the route, then the same message dispatches.
	rec = upsertRoute(t, h, `{"channel":"echo","conversation":"c1","target":"c1"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = postMessage(t, h, msg)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Success bool   `json:"success"`
		ID      string `json:"id"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.NotEmpty(t, resp.ID)
}

func TestHandleMessage_Validation(t *testing.T) {
	g := newTestGateway(t, testConfig())
	h := g.Handler()

	tests := []struct {
		name string
		body string
	}{
		{"not json", `{{{`},
		{"missing type", `{"channel":"echo","conversation":"c1","payload":{}}`},
		{"missing channel", `{"type":"message","conversation":"c1","payload":{}}`},
		{"missing conversation", `{"type":"message","channel":"echo","payload":{}}`},
		{"missing payload", `{"type":"message","channel":"echo","conversation":"c1"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := postMessage(t, h, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestHandleMessage_BridgePassthrough(t *testing.T) {
	var bridged []byte
	delegate := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		bridged, _ = io.ReadAll(r.Body)
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusCreated)
		fmt.Fprint(w, "accepted by legacy")
	}))
	defer delegate.Close()

	cfg := testConfig()
	cfg.Bridge = config.BridgeConfig{Endpoint: delegate.URL, Timeout: time.Second}
	g := newTestGateway(t, cfg)
	h := g.Handler()

	// Route names a channel with no registered handler.
	rec := upsertRoute(t, h, `{"channel":"legacy-sms","conversation":"c9","target":"+15550100"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	msg := `{"type":"message","channel":"legacy-sms","conversation":"c9","payload":{"text":"hello"}}`
	rec = postMessage(t, h, msg)

	// Delegate status, body, and content type come through untouched.
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, "accepted by legacy", rec.Body.String())
	assert.Equal(t, "text/plain", rec.Header().Get("Content-Type"))

	// The delegate saw the envelope exactly as it arrived on the wire.
	assert.JSONEq(t, msg, string(bridged))
}

func TestHandleMessage_UnknownChannelWithoutBridge(t *testing.T) {
	g := newTestGateway(t, testConfig())
	h := g.Handler()

	rec := upsertRoute(t, h, `{"channel":"ghost","conversation":"c1","target":"x"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = postMessage(t, h, `{"type":"message","channel":"ghost","conversation":"c1","payload":{}}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestHandleMessage_TimeoutDegradesRoute(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer slow.Close()

	cfg := testConfig()
	cfg.Channels = append(cfg.Channels, config.ChannelConfig{
		Name:    "slow-hook",
		Type:    "webhook",
		URL:     slow.URL,
		Timeout: 50 * time.Millisecond,
	})
	g := newTestGateway(t, cfg)
	h := g.Handler()

	rec := upsertRoute(t, h, `{"channel":"slow-hook","conversation":"c1","target":"t1"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = postMessage(t, h, `{"type":"message","channel":"slow-hook","conversation":"c1","payload":{}}`)
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)

	// The route is degraded but still present and still routable.
	rt, err := g.Table().Get("slow-hook:c1")
	require.NoError(t, err)
	assert.Equal(t, route.StateDegraded, rt.State)
}

func TestUpsertRoute_Validation(t *testing.T) {
	g := newTestGateway(t, testConfig())
	h := g.Handler()

	tests := []struct {
		name string
		body string
	}{
		{"not json", `nope`},
		{"missing channel", `{"conversation":"c1","target":"t"}`},
		{"missing target", `{"channel":"echo","conversation":"c1"}`},
		{"missing key and conversation", `{"channel":"echo","target":"t"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := upsertRoute(t, h, tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

func TestUpsertRoute_ExplicitKey(t *testing.T) {
	g := newTestGateway(t, testConfig())
	h := g.Handler()

	rec := upsertRoute(t, h, `{"key":"echo:custom","channel":"echo","target":"t1"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "echo:custom", resp["key"])

	_, err := g.Table().Get("echo:custom")
	assert.NoError(t, err)
}

func TestListAndDeleteRoutes(t *testing.T) {
	g := newTestGateway(t, testConfig())
	h := g.Handler()

	rec := upsertRoute(t, h, `{"channel":"echo","conversation":"c1","target":"t1"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	rec = upsertRoute(t, h, `{"channel":"echo","conversation":"c2","target":"t2"}`)
	require.Equal(t, http.StatusCreated, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/routes", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var listing struct {
		Routes []struct {
			Key   string `json:"key"`
			State string `json:"state"`
		} `json:"routes"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &listing))
	assert.Len(t, listing.Routes, 2)

	req = httptest.NewRequest(http.MethodDelete, "/routes/echo:c1", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, 1, g.Table().Len())

	// Deleting again reports not found.
	req = httptest.NewRequest(http.MethodDelete, "/routes/echo:c1", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRoutePersistence_SurvivesRestart(t *testing.T) {
	cfg := testConfig()
	cfg.Database.Path = t.TempDir() + "/routes.db"

	g := newTestGateway(t, cfg)
	rec := upsertRoute(t, g.Handler(), `{"channel":"echo","conversation":"c1","target":"t1"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	require.NoError(t, g.store.Close())

	// A fresh gateway on the same database rehydrates the route.
	g2 := newTestGateway(t, cfg)
	defer g2.store.Close()

	rt, err := g2.Table().Get("echo:c1")
	require.NoError(t, err)
	assert.Equal(t, "echo", rt.Channel)
	assert.Equal(t, "t1", rt.Target)
}

func TestHealthEndpoints(t *testing.T) {
	g := newTestGateway(t, testConfig())
	h := g.Handler()

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/health/ready", nil)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)

	var ready struct {
		Ready    bool     `json:"ready"`
		Channels []string `json:"channels"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ready))
	assert.True(t, ready.Ready)
	assert.Contains(t, ready.Channels, "echo")
}

func TestMetricsEndpoint(t *testing.T) {
	cfg := testConfig()
	cfg.Metrics = config.MetricsConfig{Enabled: true, Path: "/metrics"}
	g := newTestGateway(t, cfg)

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	g.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "courier_")
}

type failingBody struct{}

func (failingBody) Read([]byte) (int, error) { return 0, errors.New("connection reset") }

func TestHandleMessage_BodyReadErrors(t *testing.T) {
	g := newTestGateway(t, testConfig())
	h := g.Handler()

	// Only the size cap maps to 413.
	big := bytes.Repeat([]byte("a"), maxBodySize+1)
	req := httptest.NewRequest(http.MethodPost, "/message", bytes.NewReader(big))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	// Any other read failure is the client's problem, not a size problem.
	req = httptest.NewRequest(http.MethodPost, "/message", failingBody{})
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
