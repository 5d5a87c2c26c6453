package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/via-protocol/btc-settlement-core/internal/coreerr"
)

// VotableTransaction is one per-batch attestation record (§3). Finality is
// derived by the vote engine (C6), never set directly by a caller outside
// internal/vote.
type VotableTransaction struct {
	ID                string
	L1BatchNumber     int64
	L1BatchHash       string
	PrevL1BatchHash   string
	ProofBlobID       *string
	ProofRevealTxID   *string
	PubdataBlobID     *string
	PubdataRevealTxID *string
	IsFinalized       bool
	L1BatchStatus     *string
}

// Vote is one verifier's attestation over a VotableTransaction (§3).
type Vote struct {
	VotableTxID     string
	VerifierAddress string
	Vote            bool
	CreatedAt       time.Time
}

// UpsertBatchDA inserts or updates the VotableTransaction for a newly
// observed L1BatchDAReference, keyed by l1_batch_hash (§4.6 "On batch-DA
// observed... upsert a VotableTransaction row"). revealTxID is the reveal
// transaction carrying the inscription, stored so a later ProofDAReference
// (which names that same txid) can find its VotableTransaction.
func (db *DB) UpsertBatchDA(ctx context.Context, batchNumber int64, batchHash, prevBatchHash, daIdentifier, daReference, revealTxID string) (string, error) {
	existing, err := db.VotableByBatchHash(ctx, batchHash)
	if err != nil {
		return "", err
	}
	if existing != nil {
		pubdataBlobID := daIdentifier + ":" + daReference
		_, err := db.ExecContext(ctx,
			`UPDATE via_votable_transactions
			 SET l1_batch_number = ?, prev_l1_batch_hash = ?, pubdata_blob_id = ?,
			     pubdata_reveal_txid = ?
			 WHERE id = ?`,
			batchNumber, prevBatchHash, pubdataBlobID, revealTxID, existing.ID,
		)
		if err != nil {
			return "", coreerr.Invariant("update votable transaction", err)
		}
		return existing.ID, nil
	}

	id := uuid.NewString()
	pubdataBlobID := daIdentifier + ":" + daReference
	_, err = db.ExecContext(ctx,
		`INSERT INTO via_votable_transactions
			(id, l1_batch_number, l1_batch_hash, prev_l1_batch_hash, pubdata_blob_id, pubdata_reveal_txid)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		id, batchNumber, batchHash, prevBatchHash, pubdataBlobID, revealTxID,
	)
	if err != nil {
		return "", coreerr.Invariant("insert votable transaction", err)
	}
	return id, nil
}

// VotableByPubdataRevealTxID fetches a VotableTransaction by the reveal
// txid of its batch-DA inscription, used to resolve a ProofDAReference's
// L1BatchRevealTxID onto the VotableTransaction it proves (§4.6).
func (db *DB) VotableByPubdataRevealTxID(ctx context.Context, revealTxID string) (*VotableTransaction, error) {
	row := db.QueryRowContext(ctx,
		`SELECT id, l1_batch_number, l1_batch_hash, prev_l1_batch_hash, proof_blob_id,
		        proof_reveal_txid, pubdata_blob_id, pubdata_reveal_txid, is_finalized,
		        l1_batch_status
		 FROM via_votable_transactions WHERE pubdata_reveal_txid = ?`, revealTxID,
	)
	return scanVotableOrNil(row)
}

// LinkProofDA attaches a proof reveal/blob id to the VotableTransaction
// matched by its batch reveal txid (§4.6 "On proof-DA observed").
//
// batchRevealTxID here is the L1BatchDAReference's own reveal transaction
// id, not the proof's; the caller resolves that linkage via
// L1BatchInscriptionLink before calling.
func (db *DB) LinkProofDA(ctx context.Context, votableID, proofRevealTxID, daIdentifier, daReference string) error {
	proofBlobID := daIdentifier + ":" + daReference
	_, err := db.ExecContext(ctx,
		`UPDATE via_votable_transactions
		 SET proof_reveal_txid = ?, proof_blob_id = ?
		 WHERE id = ?`,
		proofRevealTxID, proofBlobID, votableID,
	)
	if err != nil {
		return coreerr.Invariant("link proof da reference", err)
	}
	return nil
}

// VotableByBatchHash fetches a VotableTransaction by its l1_batch_hash.
func (db *DB) VotableByBatchHash(ctx context.Context, batchHash string) (*VotableTransaction, error) {
	row := db.QueryRowContext(ctx,
		`SELECT id, l1_batch_number, l1_batch_hash, prev_l1_batch_hash, proof_blob_id,
		        proof_reveal_txid, pubdata_blob_id, pubdata_reveal_txid, is_finalized,
		        l1_batch_status
		 FROM via_votable_transactions WHERE l1_batch_hash = ?`, batchHash,
	)
	return scanVotableOrNil(row)
}

// VotableByID fetches a VotableTransaction by its id.
func (db *DB) VotableByID(ctx context.Context, id string) (*VotableTransaction, error) {
	row := db.QueryRowContext(ctx,
		`SELECT id, l1_batch_number, l1_batch_hash, prev_l1_batch_hash, proof_blob_id,
		        proof_reveal_txid, pubdata_blob_id, pubdata_reveal_txid, is_finalized,
		        l1_batch_status
		 FROM via_votable_transactions WHERE id = ?`, id,
	)
	v, err := scanVotableOrNil(row)
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, coreerr.New(coreerr.KindInvariant, "votable transaction not found")
	}
	return v, nil
}

// VotableByBatchNumber fetches the (unique, per §3) finalized row for a
// batch number, or the newest unfinalized candidate if none is finalized
// yet. Used by the finalization engine to find the predecessor.
func (db *DB) VotableByBatchNumber(ctx context.Context, batchNumber int64) (*VotableTransaction, error) {
	row := db.QueryRowContext(ctx,
		`SELECT id, l1_batch_number, l1_batch_hash, prev_l1_batch_hash, proof_blob_id,
		        proof_reveal_txid, pubdata_blob_id, pubdata_reveal_txid, is_finalized,
		        l1_batch_status
		 FROM via_votable_transactions
		 WHERE l1_batch_number = ? AND is_finalized = 1
		 LIMIT 1`, batchNumber,
	)
	return scanVotableOrNil(row)
}

// UnfinalizedVotables returns every unfinalized VotableTransaction, in
// ascending l1_batch_number order, matching the finalization engine's
// ordering guarantee (§4.6 "a batch cannot become finalized before its
// predecessor").
func (db *DB) UnfinalizedVotables(ctx context.Context) ([]VotableTransaction, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, l1_batch_number, l1_batch_hash, prev_l1_batch_hash, proof_blob_id,
		        proof_reveal_txid, pubdata_blob_id, pubdata_reveal_txid, is_finalized,
		        l1_batch_status
		 FROM via_votable_transactions
		 WHERE is_finalized = 0
		 ORDER BY l1_batch_number ASC`,
	)
	if err != nil {
		return nil, coreerr.Transient("query unfinalized votables", err)
	}
	defer rows.Close()

	var out []VotableTransaction
	for rows.Next() {
		v, err := scanVotableRow(rows)
		if err != nil {
			return nil, coreerr.Transient("scan votable row", err)
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}

// FinalizedWithoutBridgeTx returns finalized batches that have no BridgeTx
// yet, the trigger condition for C8 session creation (§4.8 step 1).
func (db *DB) FinalizedWithoutBridgeTx(ctx context.Context) ([]VotableTransaction, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT v.id, v.l1_batch_number, v.l1_batch_hash, v.prev_l1_batch_hash,
		        v.proof_blob_id, v.proof_reveal_txid, v.pubdata_blob_id,
		        v.pubdata_reveal_txid, v.is_finalized, v.l1_batch_status
		 FROM via_votable_transactions v
		 LEFT JOIN via_bridge_txs b ON b.votable_tx_id = v.id
		 WHERE v.is_finalized = 1 AND b.id IS NULL
		 ORDER BY v.l1_batch_number ASC`,
	)
	if err != nil {
		return nil, coreerr.Transient("query finalized without bridge tx", err)
	}
	defer rows.Close()

	var out []VotableTransaction
	for rows.Next() {
		v, err := scanVotableRow(rows)
		if err != nil {
			return nil, coreerr.Transient("scan votable row", err)
		}
		out = append(out, *v)
	}
	return out, rows.Err()
}

// InsertVote records a verifier's attestation, deduplicated by
// (votable_tx_id, verifier_address) per §3. A duplicate vote from the same
// verifier is silently ignored (INSERT OR IGNORE), matching the unique
// primary key.
func (db *DB) InsertVote(ctx context.Context, v Vote) error {
	_, err := db.ExecContext(ctx,
		`INSERT OR IGNORE INTO via_votes (votable_tx_id, verifier_address, vote, created_at)
		 VALUES (?, ?, ?, ?)`,
		v.VotableTxID, v.VerifierAddress, v.Vote, v.CreatedAt,
	)
	if err != nil {
		return coreerr.Invariant("insert vote", err)
	}
	return nil
}

// VotesFor returns every vote cast for votableTxID.
func (db *DB) VotesFor(ctx context.Context, votableTxID string) ([]Vote, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT votable_tx_id, verifier_address, vote, created_at
		 FROM via_votes WHERE votable_tx_id = ?`, votableTxID,
	)
	if err != nil {
		return nil, coreerr.Transient("query votes", err)
	}
	defer rows.Close()

	var out []Vote
	for rows.Next() {
		var v Vote
		if err := rows.Scan(&v.VotableTxID, &v.VerifierAddress, &v.Vote, &v.CreatedAt); err != nil {
			return nil, coreerr.Transient("scan vote row", err)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// Finalize atomically sets is_finalized and l1_batch_status for a
// VotableTransaction, enforcing the unique-partial-index invariant of §6.5
// (a constraint violation here surfaces as coreerr.KindInvariant, never
// silently ignored).
func (db *DB) Finalize(ctx context.Context, votableID string) error {
	_, err := db.ExecContext(ctx,
		`UPDATE via_votable_transactions SET is_finalized = 1, l1_batch_status = 'Ok' WHERE id = ?`,
		votableID,
	)
	if err != nil {
		return coreerr.Invariant("finalize votable transaction", err)
	}
	return nil
}

// DeleteVotablesAbove deletes VotableTransactions (cascading votes and
// bridge txs) with l1_batch_number > n, used by the rollback executor (C9).
func (db *DB) DeleteVotablesAbove(ctx context.Context, tx *sql.Tx, n int64) error {
	rows, err := tx.QueryContext(ctx,
		`SELECT id FROM via_votable_transactions WHERE l1_batch_number > ?`, n,
	)
	if err != nil {
		return coreerr.Invariant("query votables above", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return coreerr.Invariant("scan votable id", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return coreerr.Invariant("iterate votables above", err)
	}

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM via_withdrawals WHERE bridge_tx_id IN
			(SELECT id FROM via_bridge_txs WHERE votable_tx_id = ?)`, id); err != nil {
			return coreerr.Invariant("delete withdrawals", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM via_bridge_txs WHERE votable_tx_id = ?`, id); err != nil {
			return coreerr.Invariant("delete bridge tx", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM via_votes WHERE votable_tx_id = ?`, id); err != nil {
			return coreerr.Invariant("delete votes", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM via_votable_transactions WHERE id = ?`, id); err != nil {
			return coreerr.Invariant("delete votable transaction", err)
		}
	}
	return nil
}

func scanVotableOrNil(row *sql.Row) (*VotableTransaction, error) {
	v, err := scanVotable(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, coreerr.Transient("query votable transaction", err)
	}
	return v, nil
}

func scanVotableRow(rows *sql.Rows) (*VotableTransaction, error) {
	return scanVotable(rows.Scan)
}

func scanVotable(scan func(dest ...any) error) (*VotableTransaction, error) {
	var v VotableTransaction
	var proofBlobID, proofRevealTxID, pubdataBlobID, pubdataRevealTxID, status sql.NullString
	err := scan(
		&v.ID, &v.L1BatchNumber, &v.L1BatchHash, &v.PrevL1BatchHash, &proofBlobID,
		&proofRevealTxID, &pubdataBlobID, &pubdataRevealTxID, &v.IsFinalized, &status,
	)
	if err != nil {
		return nil, err
	}
	if proofBlobID.Valid {
		v.ProofBlobID = &proofBlobID.String
	}
	if proofRevealTxID.Valid {
		v.ProofRevealTxID = &proofRevealTxID.String
	}
	if pubdataBlobID.Valid {
		v.PubdataBlobID = &pubdataBlobID.String
	}
	if pubdataRevealTxID.Valid {
		v.PubdataRevealTxID = &pubdataRevealTxID.String
	}
	if status.Valid {
		v.L1BatchStatus = &status.String
	}
	return &v, nil
}
