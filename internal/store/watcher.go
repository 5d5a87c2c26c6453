package store

import (
	"context"
	"database/sql"

	"github.com/via-protocol/btc-settlement-core/internal/coreerr"
)

// LastIndexedHeight returns the last L1 height the message indexer (C3)
// has fully ingested, or ok=false if indexing has not started yet.
func (db *DB) LastIndexedHeight(ctx context.Context) (int64, bool, error) {
	row := db.QueryRowContext(ctx,
		`SELECT last_indexed_height FROM via_watcher_state WHERE id = 1`,
	)

	var h int64
	if err := row.Scan(&h); err != nil {
		if err == sql.ErrNoRows {
			return 0, false, nil
		}
		return 0, false, coreerr.Invariant("read last indexed height", err)
	}
	return h, true, nil
}

// SetLastIndexedHeight persists the indexer's progress marker.
func (db *DB) SetLastIndexedHeight(ctx context.Context, height int64) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO via_watcher_state (id, last_indexed_height) VALUES (1, ?)
		 ON CONFLICT(id) DO UPDATE SET last_indexed_height = excluded.last_indexed_height`,
		height,
	)
	if err != nil {
		return coreerr.Invariant("set last indexed height", err)
	}
	return nil
}

// ResetLastIndexedHeight rewinds the indexer's progress marker to at most
// height, used when the reorg detector reports a rollback below the
// watcher's current position (§4.4/§9).
func (db *DB) ResetLastIndexedHeight(ctx context.Context, height int64) error {
	last, ok, err := db.LastIndexedHeight(ctx)
	if err != nil {
		return err
	}
	if !ok || last <= height {
		return nil
	}
	return db.SetLastIndexedHeight(ctx, height)
}
