package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/via-protocol/btc-settlement-core/internal/coreerr"
)

// LastRollbackCheckpoint returns the batch number of the most recent
// completed rollback (only one checkpoint row is kept, and since a rollback
// runs only for a batch below it, it is also the lowest so far), or
// ok=false if none has run yet. Backs the
// idempotent re-entry guard of §4.9 ("may be re-invoked safely").
func (db *DB) LastRollbackCheckpoint(ctx context.Context) (int64, bool, error) {
	var n sql.NullInt64
	err := db.QueryRowContext(ctx, `SELECT MIN(l1_batch_number) FROM via_rollback_checkpoints`).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) || !n.Valid {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, coreerr.Transient("query rollback checkpoint", err)
	}
	return n.Int64, true, nil
}

// RecordRollbackCheckpoint records that a rollback to batch N has
// completed, inside the same transaction as the rest of the rollback.
func (db *DB) RecordRollbackCheckpoint(ctx context.Context, tx *sql.Tx, n int64) error {
	_, err := tx.ExecContext(ctx,
		`DELETE FROM via_rollback_checkpoints`,
	)
	if err != nil {
		return coreerr.Invariant("clear rollback checkpoints", err)
	}
	_, err = tx.ExecContext(ctx,
		`INSERT INTO via_rollback_checkpoints (l1_batch_number, applied_at) VALUES (?, ?)`,
		n, db.Clock.Now(),
	)
	if err != nil {
		return coreerr.Invariant("record rollback checkpoint", err)
	}
	return nil
}

// BeginRollbackTx starts the single transaction the rollback executor
// drives all its deletes through (§4.9 "all steps run in one transaction
// where possible").
func (db *DB) BeginRollbackTx(ctx context.Context) (*sql.Tx, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return nil, coreerr.Transient("begin rollback tx", err)
	}
	return tx, nil
}

// DeleteHistoriesAboveTx is DeleteHistoriesAbove scoped to an existing
// transaction, used by the rollback executor alongside its other deletes.
func (db *DB) DeleteHistoriesAboveTx(ctx context.Context, tx *sql.Tx, height int64) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM via_inscription_history WHERE sent_at_block > ?`, height)
	if err != nil {
		return coreerr.Invariant("delete rolled-back histories", err)
	}
	return nil
}

// DeleteBlocksAboveTx is DeleteAbove scoped to an existing transaction.
func (db *DB) DeleteBlocksAboveTx(ctx context.Context, tx *sql.Tx, height int64) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM via_l1_blocks WHERE height > ?`, height)
	if err != nil {
		return coreerr.Invariant("delete rolled-back blocks", err)
	}
	return nil
}
