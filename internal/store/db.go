// Package store is the persistence layer shared by every subsystem (§3:
// "the persistent store is the only shared state between subsystems").
// It owns the ten entity tables of §3/§6.5, plus its own rollback-checkpoint
// and watcher-progress tables, over a single SQLite database, migrated with
// golang-migrate.
package store

import (
	"database/sql"
	"embed"
	"fmt"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/lightningnetwork/lnd/clock"
	_ "modernc.org/sqlite" // pure-Go SQLite driver

	"github.com/via-protocol/btc-settlement-core/internal/coreerr"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Config mirrors the teacher's db.Config shape (lightweight-wallet/db/
// factory.go), trimmed to the single SQLite backend this core targets.
type Config struct {
	DBPath         string
	UseMemory      bool
	SkipMigrations bool
}

// DefaultConfig returns a default database configuration for dbPath.
func DefaultConfig(dbPath string) *Config {
	return &Config{DBPath: dbPath}
}

// DB wraps the raw SQLite handle and the clock used for timestamping
// every row, matching the teacher's db/stores.go use of lnd/clock.Clock.
type DB struct {
	*sql.DB
	Clock clock.Clock
}

// Open opens (creating if necessary) the SQLite database at cfg.DBPath and
// applies any pending migrations, unless cfg.SkipMigrations is set.
func Open(cfg *Config) (*DB, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}

	path := cfg.DBPath
	if cfg.UseMemory {
		path = ":memory:?cache=shared"
	}
	if path == "" {
		return nil, fmt.Errorf("database path required")
	}

	sqlDB, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// SQLite only supports a single writer; the rest of this core treats
	// the store as its one shared-state boundary between subsystems, so
	// a single connection avoids SQLITE_BUSY under concurrent access.
	sqlDB.SetMaxOpenConns(1)

	if !cfg.SkipMigrations {
		if err := runMigrations(sqlDB); err != nil {
			return nil, err
		}
	}

	return &DB{DB: sqlDB, Clock: clock.NewDefaultClock()}, nil
}

func runMigrations(sqlDB *sql.DB) error {
	sourceDriver, err := iofs.New(migrationFiles, "migrations")
	if err != nil {
		return fmt.Errorf("load migration source: %w", err)
	}

	dbDriver, err := sqlite.WithInstance(sqlDB, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("init migration driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", dbDriver)
	if err != nil {
		return fmt.Errorf("init migrator: %w", err)
	}

	if err := m.Up(); err != nil && err != migrate.ErrNoChange {
		return coreerr.Invariant("apply migrations", err)
	}

	return nil
}
