// ABOUTME: SQLite persistence for the routing table using modernc.org/sqlite.
// ABOUTME: Routes are written through on mutation and loaded at boot.

package route

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore persists routes so sessions survive gateway restarts.
// The in-memory Table stays the source of truth on the hot path; the store
// is written through on upsert/delete and flushed by the sweeper.
type SQLiteStore struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewSQLiteStore opens (or creates) the route database at path. Parent
// directories are created if needed.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	logger := slog.Default().With("component", "route-store")

	if path != ":memory:" {
		dir := filepath.Dir(path)
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// WAL mode for better concurrent performance
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("route store initialized", "path", path)
	return s, nil
}

func (s *SQLiteStore) createSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS routes (
			key TEXT PRIMARY KEY,
			channel TEXT NOT NULL,
			target TEXT NOT NULL,
			last_active TIMESTAMP NOT NULL,
			state TEXT NOT NULL DEFAULT 'active'
		);
		CREATE INDEX IF NOT EXISTS idx_routes_last_active ON routes(last_active);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return err
	}
	return nil
}

// Save inserts or replaces the persisted copy of a route.
func (s *SQLiteStore) Save(ctx context.Context, rt Route) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO routes (key, channel, target, last_active, state)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET
			channel = excluded.channel,
			target = excluded.target,
			last_active = excluded.last_active,
			state = excluded.state
	`, rt.Key, rt.Channel, rt.Target, rt.LastActive.UTC().Format(time.RFC3339Nano), string(rt.State))
	if err != nil {
		return fmt.Errorf("saving route %s: %w", rt.Key, err)
	}
	return nil
}

// Delete removes the persisted route for key. Deleting an absent key is not
// an error.
func (s *SQLiteStore) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM routes WHERE key = ?", key); err != nil {
		return fmt.Errorf("deleting route %s: %w", key, err)
	}
	return nil
}

// List returns every persisted route.
func (s *SQLiteStore) List(ctx context.Context) ([]Route, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT key, channel, target, last_active, state FROM routes")
	if err != nil {
		return nil, fmt.Errorf("listing routes: %w", err)
	}
	defer rows.Close()

	var routes []Route
	for rows.Next() {
		var rt Route
		var lastActive, state string
		if err := rows.Scan(&rt.Key, &rt.Channel, &rt.Target, &lastActive, &state); err != nil {
			return nil, fmt.Errorf("scanning route: %w", err)
		}
		rt.LastActive, err = time.Parse(time.RFC3339Nano, lastActive)
		if err != nil {
			return nil, fmt.Errorf("parsing last_active for %s: %w", rt.Key, err)
		}
		rt.State = State(state)
		routes = append(routes, rt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating routes: %w", err)
	}
	return routes, nil
}

// LoadInto populates the table with every persisted route and returns the
// number loaded. Called once at boot before traffic is accepted.
func (s *SQLiteStore) LoadInto(ctx context.Context, table *Table) (int, error) {
	routes, err := s.List(ctx)
	if err != nil {
		return 0, err
	}
	for _, rt := range routes {
		table.Upsert(rt)
	}
	return len(routes), nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
