package store

import (
	"context"
	"time"

	"github.com/via-protocol/btc-settlement-core/internal/coreerr"
)

// ReorgRecord records, once per reorg, the last-valid heights for replay
// (§3's ReorgRecord entity).
type ReorgRecord struct {
	L1BlockNumber int64
	L1BatchNumber int64
	RecordedAt    time.Time
}

// RecordReorg inserts a ReorgRecord. l1_block_number is unique: a second
// reorg bottoming out at the same height is a caller bug, surfaced as an
// Invariant per §7.
func (db *DB) RecordReorg(ctx context.Context, rec ReorgRecord) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO via_l1_reorg (l1_block_number, l1_batch_number, recorded_at)
		 VALUES (?, ?, ?)`,
		rec.L1BlockNumber, rec.L1BatchNumber, rec.RecordedAt,
	)
	if err != nil {
		return coreerr.Invariant("record reorg", err)
	}
	return nil
}
