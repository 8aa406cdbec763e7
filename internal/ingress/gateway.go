// ABOUTME: Gateway assembly: wires config, routes, handlers, bridge, and router.
// ABOUTME: Owns the HTTP server lifecycle including graceful shutdown.

package ingress

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/2389/courier-gateway/internal/bridge"
	"github.com/2389/courier-gateway/internal/channel"
	"github.com/2389/courier-gateway/internal/config"
	"github.com/2389/courier-gateway/internal/dedupe"
	"github.com/2389/courier-gateway/internal/envelope"
	"github.com/2389/courier-gateway/internal/metrics"
	"github.com/2389/courier-gateway/internal/push"
	"github.com/2389/courier-gateway/internal/route"
	"github.com/2389/courier-gateway/internal/router"
)

// Gateway is the assembled courier gateway: route table, handler registry,
// router, optional bridge, and both ingress surfaces on one HTTP server.
type Gateway struct {
	cfg    *config.Config
	logger *slog.Logger

	table    *route.Table
	store    *route.SQLiteStore // nil when persistence is disabled
	registry *channel.Registry
	bridge   *bridge.Bridge // nil when no delegate is configured
	router   *router.Router
	hub      *push.Hub
	dedupe   *dedupe.Cache
	sweeper  *route.Sweeper

	httpServer *http.Server

	// baseCtx bounds dispatches started from stream connections. Stream
	// reads are bounded by the connection; dispatch must survive a
	// disconnect but stop at server shutdown.
	baseCtx context.Context
}

// New assembles a Gateway from configuration. The route table is rehydrated
// from SQLite when a database path is configured.
func New(cfg *config.Config, logger *slog.Logger) (*Gateway, error) {
	log := logger.With("component", "gateway")

	table := route.NewTable()

	var store *route.SQLiteStore
	if cfg.Database.Path != "" {
		var err error
		store, err = route.NewSQLiteStore(cfg.Database.Path)
		if err != nil {
			return nil, fmt.Errorf("opening route store: %w", err)
		}
		n, err := store.LoadInto(context.Background(), table)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("loading routes: %w", err)
		}
		log.Info("routes rehydrated", "count", n, "path", cfg.Database.Path)
	}

	hub := push.NewHub(logger)

	handlers, timeouts, err := buildHandlers(cfg, hub, logger)
	if err != nil {
		if store != nil {
			store.Close()
		}
		return nil, err
	}

	registry, err := channel.NewRegistry(handlers...)
	if err != nil {
		if store != nil {
			store.Close()
		}
		return nil, fmt.Errorf("building channel registry: %w", err)
	}

	var br *bridge.Bridge
	if cfg.Bridge.Endpoint != "" {
		br = bridge.New(cfg.Bridge.Endpoint, cfg.Bridge.Timeout, logger)
		log.Info("legacy bridge enabled", "endpoint", cfg.Bridge.Endpoint)
	}

	rtrCfg := router.Config{
		Routes:   table,
		Handlers: registry,
		Logger:   logger,
		Timeouts: timeouts,
	}
	if br != nil {
		rtrCfg.Bridge = br
	}

	g := &Gateway{
		cfg:      cfg,
		logger:   log,
		table:    table,
		store:    store,
		registry: registry,
		bridge:   br,
		router:   router.New(rtrCfg),
		hub:      hub,
		dedupe:   dedupe.New(cfg.Dedupe.TTL, cfg.Dedupe.MaxSize),
	}

	sweepCfg := route.SweeperConfig{
		Table:    table,
		Clock:    clock.New(),
		MaxAge:   cfg.Routes.MaxIdle,
		Interval: cfg.Routes.SweepInterval,
		Logger:   logger,
		OnRemoved: func(key string) {
			metrics.RouteTableSize.Set(float64(table.Len()))
		},
	}
	if store != nil {
		sweepCfg.Store = store
	}
	g.sweeper = route.NewSweeper(sweepCfg)

	g.httpServer = &http.Server{
		Addr:         cfg.Server.HTTPAddr,
		Handler:      g.routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // stream connections are long-lived
	}

	return g, nil
}

// buildHandlers constructs channel handlers from config. Handlers that can
// originate inbound messages publish them to the hub as push events.
func buildHandlers(cfg *config.Config, hub *push.Hub, logger *slog.Logger) ([]channel.Handler, map[string]time.Duration, error) {
	var handlers []channel.Handler
	timeouts := make(map[string]time.Duration)

	publish := func(channelName, conversation string, payload []byte) {
		hub.Publish(envelope.Event(channelName, conversation, payload))
	}

	for _, cc := range cfg.Channels {
		var h channel.Handler
		switch cc.Type {
		case "echo":
			echo := channel.NewEcho(cc.Name)
			echo.OnReceive(publish)
			h = echo
		case "webhook":
			h = channel.NewWebhook(cc.Name, cc.URL, cc.Timeout, logger)
		default:
			return nil, nil, fmt.Errorf("channel %s: unknown type %q", cc.Name, cc.Type)
		}

		h = channel.WithLimit(h, cc.MaxInFlight)
		handlers = append(handlers, h)

		if cc.Timeout > 0 {
			timeouts[cc.Name] = cc.Timeout
		}
	}

	return handlers, timeouts, nil
}

// routes builds the HTTP mux for both ingress surfaces and the admin
// endpoints.
func (g *Gateway) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /message", g.handleMessage)
	mux.HandleFunc("GET /stream", g.handleStream)

	mux.HandleFunc("PUT /routes", g.handleUpsertRoute)
	mux.HandleFunc("GET /routes", g.handleListRoutes)
	mux.HandleFunc("DELETE /routes/{key}", g.handleDeleteRoute)

	mux.HandleFunc("GET /health", g.handleHealth)
	mux.HandleFunc("GET /health/ready", g.handleReady)

	if g.cfg.Metrics.Enabled {
		mux.Handle("GET "+g.cfg.Metrics.Path, promhttp.Handler())
	}

	return mux
}

// Run starts the HTTP server and the route sweeper and blocks until ctx is
// canceled or the server fails. Shutdown is graceful with a fresh timeout.
func (g *Gateway) Run(ctx context.Context) error {
	g.baseCtx = ctx

	ln, err := net.Listen("tcp", g.cfg.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", g.cfg.Server.HTTPAddr, err)
	}

	sweepCtx, stopSweeper := context.WithCancel(ctx)
	defer stopSweeper()
	go g.sweeper.Run(sweepCtx)

	errCh := make(chan error, 1)
	go func() {
		g.logger.Info("http server listening", "addr", ln.Addr().String())
		if err := g.httpServer.Serve(ln); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	var serverErr error
	select {
	case <-ctx.Done():
		g.logger.Info("context canceled, initiating shutdown")
	case serverErr = <-errCh:
		g.logger.Error("server error", "error", serverErr)
	}

	shutdownErr := g.gracefulShutdown()
	if serverErr != nil {
		return serverErr
	}
	return shutdownErr
}

// gracefulShutdown drains the HTTP server and releases resources. Uses a
// fresh context since the run context is already canceled.
func (g *Gateway) gracefulShutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := g.httpServer.Shutdown(ctx)

	g.hub.Close()
	g.dedupe.Close()
	if g.store != nil {
		if cerr := g.store.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// Table exposes the route table for the admin surface and tests.
func (g *Gateway) Table() *route.Table {
	return g.table
}

// Handler returns the gateway's HTTP handler. Used by tests to drive the
// surfaces through httptest without binding a port.
func (g *Gateway) Handler() http.Handler {
	return g.httpServer.Handler
}
