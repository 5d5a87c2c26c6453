package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/via-protocol/btc-settlement-core/internal/coreerr"
)

// BridgeTx is the withdrawal transaction produced by a MuSig2 signing
// session for a finalized batch (§3). At most one broadcast hash per
// votable_tx_id.
type BridgeTx struct {
	ID           string
	VotableTxID  string
	Hash         *string
	UnsignedPSBT []byte
	CreatedAt    time.Time
}

// Withdrawal is one grouped receiver payout inside a BridgeTx (§3).
type Withdrawal struct {
	BridgeTxID string
	TxIndex    int
	Receiver   string
	Value      int64
}

// CreateBridgeTx persists the unsigned PSBT and its grouped withdrawals for
// a finalized VotableTransaction, the object a MuSig2 session is built
// around (§4.8 step 1).
func (db *DB) CreateBridgeTx(ctx context.Context, votableTxID string, unsignedPSBT []byte, withdrawals []Withdrawal) (string, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return "", coreerr.Transient("begin create bridge tx", err)
	}
	defer tx.Rollback()

	id := uuid.NewString()
	now := db.Clock.Now()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO via_bridge_txs (id, votable_tx_id, unsigned_psbt, created_at)
		 VALUES (?, ?, ?, ?)`,
		id, votableTxID, unsignedPSBT, now,
	)
	if err != nil {
		return "", coreerr.Invariant("insert bridge tx", err)
	}

	for i, w := range withdrawals {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO via_withdrawals (bridge_tx_id, tx_index, receiver, value)
			 VALUES (?, ?, ?, ?)`,
			id, i, w.Receiver, w.Value,
		)
		if err != nil {
			return "", coreerr.Invariant("insert withdrawal", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return "", coreerr.Transient("commit create bridge tx", err)
	}
	return id, nil
}

// SetBridgeTxHash records the broadcast txid for a BridgeTx, enforcing the
// "at most one broadcast hash per votable_tx_id" invariant of §3 via the
// column's implicit single-row ownership (one BridgeTx per votable tx).
func (db *DB) SetBridgeTxHash(ctx context.Context, bridgeTxID, hash string) error {
	_, err := db.ExecContext(ctx, `UPDATE via_bridge_txs SET hash = ? WHERE id = ?`, hash, bridgeTxID)
	if err != nil {
		return coreerr.Invariant("set bridge tx hash", err)
	}
	return nil
}

// BridgeTxByVotableID fetches the BridgeTx for a votable transaction, if any.
func (db *DB) BridgeTxByVotableID(ctx context.Context, votableTxID string) (*BridgeTx, error) {
	row := db.QueryRowContext(ctx,
		`SELECT id, votable_tx_id, hash, unsigned_psbt, created_at
		 FROM via_bridge_txs WHERE votable_tx_id = ?`, votableTxID,
	)

	var b BridgeTx
	var hash sql.NullString
	err := row.Scan(&b.ID, &b.VotableTxID, &hash, &b.UnsignedPSBT, &b.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, coreerr.Transient("query bridge tx", err)
	}
	if hash.Valid {
		b.Hash = &hash.String
	}
	return &b, nil
}

// WithdrawalsFor returns every grouped withdrawal for a BridgeTx, in
// tx_index order (ascending address order per §4.8 S4 scenario).
func (db *DB) WithdrawalsFor(ctx context.Context, bridgeTxID string) ([]Withdrawal, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT bridge_tx_id, tx_index, receiver, value
		 FROM via_withdrawals WHERE bridge_tx_id = ? ORDER BY tx_index ASC`, bridgeTxID,
	)
	if err != nil {
		return nil, coreerr.Transient("query withdrawals", err)
	}
	defer rows.Close()

	var out []Withdrawal
	for rows.Next() {
		var w Withdrawal
		if err := rows.Scan(&w.BridgeTxID, &w.TxIndex, &w.Receiver, &w.Value); err != nil {
			return nil, coreerr.Transient("scan withdrawal row", err)
		}
		out = append(out, w)
	}
	return out, rows.Err()
}
