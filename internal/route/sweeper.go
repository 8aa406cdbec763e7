// ABOUTME: Periodic idle-route eviction and persistence flush.
// ABOUTME: Runs on an injectable clock so sweep timing is testable.

package route

import (
	"context"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
)

// Persister is the subset of SQLiteStore the sweeper needs. Nil disables
// persistence.
type Persister interface {
	Save(ctx context.Context, rt Route) error
	Delete(ctx context.Context, key string) error
}

// Sweeper evicts routes whose idle time has reached the configured maximum
// and flushes in-memory last-active times to the persister. Touch itself
// never writes to the database; the flush here keeps persisted timestamps
// close enough for boot-time recovery.
type Sweeper struct {
	table    *Table
	store    Persister
	clock    clock.Clock
	maxAge   time.Duration
	interval time.Duration
	logger   *slog.Logger

	// onRemoved is invoked with each evicted key, letting the router drop
	// its per-route dispatch gate.
	onRemoved func(key string)
}

// SweeperConfig configures a Sweeper.
type SweeperConfig struct {
	Table     *Table
	Store     Persister // optional
	Clock     clock.Clock
	MaxAge    time.Duration
	Interval  time.Duration
	Logger    *slog.Logger
	OnRemoved func(key string) // optional
}

// NewSweeper creates a sweeper. A nil clock defaults to the real clock.
func NewSweeper(cfg SweeperConfig) *Sweeper {
	c := cfg.Clock
	if c == nil {
		c = clock.New()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{
		table:     cfg.Table,
		store:     cfg.Store,
		clock:     c,
		maxAge:    cfg.MaxAge,
		interval:  cfg.Interval,
		logger:    logger.With("component", "sweeper"),
		onRemoved: cfg.OnRemoved,
	}
}

// Run sweeps on every interval tick until ctx is canceled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := s.clock.Ticker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

// sweepOnce performs a single eviction and flush pass.
func (s *Sweeper) sweepOnce(ctx context.Context) {
	now := s.clock.Now()
	removed := s.table.Sweep(s.maxAge, now)

	for _, rt := range removed {
		s.logger.Info("swept idle route",
			"key", rt.Key,
			"channel", rt.Channel,
			"idle", now.Sub(rt.LastActive).String(),
		)
		if s.onRemoved != nil {
			s.onRemoved(rt.Key)
		}
		if s.store != nil {
			if err := s.store.Delete(ctx, rt.Key); err != nil {
				s.logger.Error("deleting swept route", "key", rt.Key, "error", err)
			}
		}
	}

	if s.store == nil {
		return
	}
	for _, rt := range s.table.Snapshot() {
		if err := s.store.Save(ctx, rt); err != nil {
			s.logger.Error("flushing route", "key", rt.Key, "error", err)
		}
	}
}
