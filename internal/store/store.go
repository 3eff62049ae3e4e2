// Package store persists gateway state in a local SQLite database.
package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "modernc.org/sqlite"

	"github.com/relaydesk/imgateway/internal/channel"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store is a SQLite-backed channel.TargetStore.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// Open opens (creating if needed) the database at path. Call Migrate before use.
func Open(log *slog.Logger, path string) (*Store, error) {
	if log == nil {
		log = slog.Default()
	}
	if dir := filepath.Dir(path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	// SQLite serializes writers; one connection avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping store: %w", err)
	}
	return &Store{
		db:     db,
		logger: log.With(slog.String("component", "store")),
		now:    time.Now,
	}, nil
}

// Migrate applies all pending schema migrations and returns the resulting version.
func (s *Store) Migrate() (uint, error) {
	src, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return 0, fmt.Errorf("create migration source: %w", err)
	}
	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return 0, fmt.Errorf("create migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite", driver)
	if err != nil {
		return 0, fmt.Errorf("create migrate instance: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return 0, fmt.Errorf("run migrations: %w", err)
	}
	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return 0, fmt.Errorf("read migration version: %w", err)
	}
	s.logger.Info("migrations applied", slog.Uint64("version", uint64(version)), slog.Bool("dirty", dirty))
	return version, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) LoadTarget(ctx context.Context, platform channel.ChannelType) (channel.Target, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT target_json FROM notification_targets WHERE platform = ?`, platform.String(),
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return channel.Target{}, false, nil
	}
	if err != nil {
		return channel.Target{}, false, fmt.Errorf("load target: %w", err)
	}
	var target channel.Target
	if err := json.Unmarshal([]byte(raw), &target); err != nil {
		return channel.Target{}, false, fmt.Errorf("decode target: %w", err)
	}
	if target.Platform == "" {
		target.Platform = platform
	}
	return target, true, nil
}

func (s *Store) SaveTarget(ctx context.Context, target channel.Target) error {
	if target.Platform == "" {
		return fmt.Errorf("save target: platform is required")
	}
	raw, err := json.Marshal(target)
	if err != nil {
		return fmt.Errorf("encode target: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO notification_targets (platform, target_json, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(platform) DO UPDATE SET
			target_json = excluded.target_json,
			updated_at = excluded.updated_at`,
		target.Platform.String(), string(raw), s.now().UTC().Unix(),
	)
	if err != nil {
		return fmt.Errorf("save target: %w", err)
	}
	return nil
}

// DeleteTarget forgets the stored target for platform.
func (s *Store) DeleteTarget(ctx context.Context, platform channel.ChannelType) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM notification_targets WHERE platform = ?`, platform.String()); err != nil {
		return fmt.Errorf("delete target: %w", err)
	}
	return nil
}
