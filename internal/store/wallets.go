package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/google/uuid"

	"github.com/via-protocol/btc-settlement-core/internal/coreerr"
)

// Wallet roles (§3), each assignment itself an inscribed protocol message.
const (
	RoleSequencer  = "sequencer"
	RoleBridge     = "bridge"
	RoleGovernance = "governance"
	RoleVerifier   = "verifier"
)

// Wallet is a system-level address role assignment (§3).
type Wallet struct {
	ID            string
	Role          string
	Address       string
	TxHash        *string
	L1BlockNumber *int64
}

// UpsertWallet records a role -> address assignment observed on chain
// (ProposeSequencer, SystemBootstrapping's verifier/bridge set, etc). Each
// role may have multiple historical rows; callers needing the *current*
// holder use CurrentWallet.
func (db *DB) UpsertWallet(ctx context.Context, w Wallet) error {
	id := w.ID
	if id == "" {
		id = uuid.NewString()
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO via_wallets (id, role, address, tx_hash, l1_block_number, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		id, w.Role, w.Address, w.TxHash, w.L1BlockNumber, db.Clock.Now(),
	)
	if err != nil {
		return coreerr.Invariant("upsert wallet", err)
	}
	return nil
}

// CurrentWallet returns the most recently observed address for role, or
// nil if no assignment has been seen yet.
func (db *DB) CurrentWallet(ctx context.Context, role string) (*Wallet, error) {
	row := db.QueryRowContext(ctx,
		`SELECT id, role, address, tx_hash, l1_block_number
		 FROM via_wallets WHERE role = ? ORDER BY l1_block_number DESC, rowid DESC LIMIT 1`,
		role,
	)

	var w Wallet
	var txHash sql.NullString
	var l1Block sql.NullInt64
	err := row.Scan(&w.ID, &w.Role, &w.Address, &txHash, &l1Block)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, coreerr.Transient("query current wallet", err)
	}
	if txHash.Valid {
		w.TxHash = &txHash.String
	}
	if l1Block.Valid {
		w.L1BlockNumber = &l1Block.Int64
	}
	return &w, nil
}

// WalletsByRole returns every historical assignment for role, in
// observation order, used to build C2/C3's known-verifier set.
func (db *DB) WalletsByRole(ctx context.Context, role string) ([]Wallet, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, role, address, tx_hash, l1_block_number
		 FROM via_wallets WHERE role = ? ORDER BY l1_block_number ASC, rowid ASC`, role,
	)
	if err != nil {
		return nil, coreerr.Transient("query wallets by role", err)
	}
	defer rows.Close()

	var out []Wallet
	for rows.Next() {
		var w Wallet
		var txHash sql.NullString
		var l1Block sql.NullInt64
		if err := rows.Scan(&w.ID, &w.Role, &w.Address, &txHash, &l1Block); err != nil {
			return nil, coreerr.Transient("scan wallet row", err)
		}
		if txHash.Valid {
			w.TxHash = &txHash.String
		}
		if l1Block.Valid {
			w.L1BlockNumber = &l1Block.Int64
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

// DeleteWalletsAbove deletes role assignments observed above a rolled-back
// height, used by the rollback executor (C9).
func (db *DB) DeleteWalletsAbove(ctx context.Context, tx *sql.Tx, height int64) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM via_wallets WHERE l1_block_number > ?`, height)
	if err != nil {
		return coreerr.Invariant("delete wallets above height", err)
	}
	return nil
}
