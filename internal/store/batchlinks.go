package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/via-protocol/btc-settlement-core/internal/coreerr"
)

// L1BatchInscriptionLink tracks the outbox requests carrying a batch's
// commitment and (once ready) its proof, at most one active link per batch
// (§3).
type L1BatchInscriptionLink struct {
	L1BatchNumber         int64
	CommitBatchRequestID  string
	CommitProofRequestID  *string
	IsFinalized           bool
}

// CreateBatchLink records the outbox request carrying a batch's commitment
// inscription, before its proof is ready (§3: "commit_proof_request_id may
// be NULL until the proof is ready").
func (db *DB) CreateBatchLink(ctx context.Context, batchNumber int64, commitBatchRequestID string) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO via_l1_batch_links (l1_batch_number, commit_batch_request_id)
		 VALUES (?, ?)`,
		batchNumber, commitBatchRequestID,
	)
	if err != nil {
		return coreerr.Invariant("create batch link", err)
	}
	return nil
}

// LinkProofRequest attaches the proof inscription's outbox request id once
// the prover has produced a blob for batchNumber.
func (db *DB) LinkProofRequest(ctx context.Context, batchNumber int64, proofRequestID string) error {
	_, err := db.ExecContext(ctx,
		`UPDATE via_l1_batch_links SET commit_proof_request_id = ? WHERE l1_batch_number = ?`,
		proofRequestID, batchNumber,
	)
	if err != nil {
		return coreerr.Invariant("link proof request", err)
	}
	return nil
}

// BatchLink fetches the outbox link for batchNumber, if any.
func (db *DB) BatchLink(ctx context.Context, batchNumber int64) (*L1BatchInscriptionLink, error) {
	row := db.QueryRowContext(ctx,
		`SELECT l1_batch_number, commit_batch_request_id, commit_proof_request_id, is_finalized
		 FROM via_l1_batch_links WHERE l1_batch_number = ?`, batchNumber,
	)

	var l L1BatchInscriptionLink
	var proofReq sql.NullString
	err := row.Scan(&l.L1BatchNumber, &l.CommitBatchRequestID, &proofReq, &l.IsFinalized)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, coreerr.Transient("query batch link", err)
	}
	if proofReq.Valid {
		l.CommitProofRequestID = &proofReq.String
	}
	return &l, nil
}

// MarkBatchLinkFinalized flags a batch link once its VotableTransaction
// finalizes, matching the finalization engine's derived state (§4.6).
func (db *DB) MarkBatchLinkFinalized(ctx context.Context, batchNumber int64) error {
	_, err := db.ExecContext(ctx,
		`UPDATE via_l1_batch_links SET is_finalized = 1 WHERE l1_batch_number = ?`, batchNumber,
	)
	if err != nil {
		return coreerr.Invariant("mark batch link finalized", err)
	}
	return nil
}

// DeleteBatchLinksAbove deletes batch links above a rolled-back batch
// number, used by the rollback executor (C9).
func (db *DB) DeleteBatchLinksAbove(ctx context.Context, tx *sql.Tx, n int64) error {
	_, err := tx.ExecContext(ctx, `DELETE FROM via_l1_batch_links WHERE l1_batch_number > ?`, n)
	if err != nil {
		return coreerr.Invariant("delete batch links above", err)
	}
	return nil
}
