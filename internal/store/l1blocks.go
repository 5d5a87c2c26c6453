package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/via-protocol/btc-settlement-core/internal/coreerr"
)

// L1Block is one row of the canonical (height, hash) table C4 maintains.
type L1Block struct {
	Height     int64
	Hash       chainhash.Hash
	Generation int64
}

// InsertBlock appends a new canonical block, per §4.4's "on no reorg:
// append (H, hash) rows".
func (db *DB) InsertBlock(ctx context.Context, height int64, hash chainhash.Hash, generation int64) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO via_l1_blocks (height, hash, generation) VALUES (?, ?, ?)`,
		height, hash.String(), generation,
	)
	if err != nil {
		return coreerr.Invariant("insert l1 block", err)
	}
	return nil
}

// BlockHashAt returns the canonical hash stored for height, if any.
func (db *DB) BlockHashAt(ctx context.Context, height int64) (chainhash.Hash, bool, error) {
	var hashStr string
	err := db.QueryRowContext(ctx,
		`SELECT hash FROM via_l1_blocks WHERE height = ?`, height,
	).Scan(&hashStr)
	if errors.Is(err, sql.ErrNoRows) {
		return chainhash.Hash{}, false, nil
	}
	if err != nil {
		return chainhash.Hash{}, false, coreerr.Transient("query l1 block", err)
	}

	hash, err := chainhash.NewHashFromStr(hashStr)
	if err != nil {
		return chainhash.Hash{}, false, coreerr.Invariant("parse stored block hash", err)
	}
	return *hash, true, nil
}

// LatestHeight returns the highest height recorded, or ok=false if the
// table is empty (chain not yet observed).
func (db *DB) LatestHeight(ctx context.Context) (int64, bool, error) {
	var height sql.NullInt64
	err := db.QueryRowContext(ctx, `SELECT MAX(height) FROM via_l1_blocks`).Scan(&height)
	if err != nil {
		return 0, false, coreerr.Transient("query latest height", err)
	}
	if !height.Valid {
		return 0, false, nil
	}
	return height.Int64, true, nil
}

// DeleteAbove deletes every block row with height > k, per §4.4's reorg
// rollback: "delete stored rows > k".
func (db *DB) DeleteAbove(ctx context.Context, k int64) error {
	_, err := db.ExecContext(ctx, `DELETE FROM via_l1_blocks WHERE height > ?`, k)
	if err != nil {
		return coreerr.Invariant("delete rolled-back blocks", err)
	}
	return nil
}

// CurrentGeneration returns the generation counter of the highest stored
// block, or 0 if no blocks have been observed yet.
func (db *DB) CurrentGeneration(ctx context.Context) (int64, error) {
	var generation sql.NullInt64
	err := db.QueryRowContext(ctx,
		`SELECT generation FROM via_l1_blocks ORDER BY height DESC LIMIT 1`,
	).Scan(&generation)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, coreerr.Transient("query current generation", err)
	}
	if !generation.Valid {
		return 0, nil
	}
	return generation.Int64, nil
}

// BumpGenerationAt sets the generation counter stamped on the surviving
// row at height, so that CurrentGeneration (which reads off the highest
// remaining height) reflects the new generation for every block appended
// after a reorg (§4.4 "increment generation").
func (db *DB) BumpGenerationAt(ctx context.Context, height, generation int64) error {
	_, err := db.ExecContext(ctx,
		`UPDATE via_l1_blocks SET generation = ? WHERE height = ?`, generation, height,
	)
	if err != nil {
		return coreerr.Invariant("bump generation", err)
	}
	return nil
}
