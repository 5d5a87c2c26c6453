package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/via-protocol/btc-settlement-core/internal/coreerr"
)

// Request status values (§3's InscriptionRequest lifecycle).
const (
	RequestPending  = "Pending"
	RequestInFlight = "InFlight"
	RequestConfirmed = "Confirmed"
	RequestFailed   = "Failed"
)

// InscriptionRequest is one outbox entry (§3).
type InscriptionRequest struct {
	ID                  string
	Kind                byte
	Payload             []byte
	PredictedFee        int64
	// DepositValue is the BTC amount (sats) this request's reveal must pay
	// to the bridge address, nonzero only for a value-carrying
	// L1ToL2Message deposit (§4.2 kind 6, §4.5 step 3); zero for every
	// other kind, which carries no bridge-address value output.
	DepositValue        int64
	Status              string
	ConfirmedHistoryID  *string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// InscriptionHistory is one broadcast attempt for a request (§3). Multiple
// rows per request id are possible; a retry creates a new one.
type InscriptionHistory struct {
	ID              string
	RequestID       string
	CommitTxID      string
	RevealTxID      string
	SignedCommitTx  []byte
	SignedRevealTx  []byte
	ActualFees      int64
	SentAtBlock     int64
	ConfirmedAt     *time.Time
}

// EnqueueRequest atomically inserts a new Pending InscriptionRequest,
// returning its id (§4.5's enqueue(kind, payload) -> request_id).
// depositValue is the BTC amount (sats) the reveal must pay to the bridge
// address for a value-carrying L1ToL2Message deposit; pass 0 for every
// other kind.
func (db *DB) EnqueueRequest(ctx context.Context, kind byte, payload []byte, predictedFee, depositValue int64) (string, error) {
	id := uuid.NewString()
	now := db.Clock.Now()

	_, err := db.ExecContext(ctx,
		`INSERT INTO via_inscription_requests
			(id, kind, payload, predicted_fee, deposit_value, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, kind, payload, predictedFee, depositValue, RequestPending, now, now,
	)
	if err != nil {
		return "", coreerr.Invariant("enqueue inscription request", err)
	}
	return id, nil
}

// NextPendingRequest selects the oldest Pending request, per §4.5 step 1:
// "Select the next Pending request in creation order."
func (db *DB) NextPendingRequest(ctx context.Context) (*InscriptionRequest, error) {
	row := db.QueryRowContext(ctx,
		`SELECT id, kind, payload, predicted_fee, deposit_value, status,
		        confirmed_history_id, created_at, updated_at
		 FROM via_inscription_requests
		 WHERE status = ?
		 ORDER BY created_at ASC
		 LIMIT 1`,
		RequestPending,
	)

	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, coreerr.Transient("query next pending request", err)
	}
	return req, nil
}

// GetRequest fetches a request by id.
func (db *DB) GetRequest(ctx context.Context, id string) (*InscriptionRequest, error) {
	row := db.QueryRowContext(ctx,
		`SELECT id, kind, payload, predicted_fee, deposit_value, status,
		        confirmed_history_id, created_at, updated_at
		 FROM via_inscription_requests WHERE id = ?`, id,
	)

	req, err := scanRequest(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, coreerr.Invariant("request not found", err)
	}
	if err != nil {
		return nil, coreerr.Transient("query request", err)
	}
	return req, nil
}

func scanRequest(row *sql.Row) (*InscriptionRequest, error) {
	var req InscriptionRequest
	var confirmedHistoryID sql.NullString

	err := row.Scan(
		&req.ID, &req.Kind, &req.Payload, &req.PredictedFee, &req.DepositValue,
		&req.Status, &confirmedHistoryID, &req.CreatedAt, &req.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	if confirmedHistoryID.Valid {
		req.ConfirmedHistoryID = &confirmedHistoryID.String
	}
	return &req, nil
}

// SetRequestStatus transitions a request's status, bumping updated_at.
func (db *DB) SetRequestStatus(ctx context.Context, id, status string) error {
	_, err := db.ExecContext(ctx,
		`UPDATE via_inscription_requests SET status = ?, updated_at = ? WHERE id = ?`,
		status, db.Clock.Now(), id,
	)
	if err != nil {
		return coreerr.Invariant("update request status", err)
	}
	return nil
}

// InsertHistory records a new broadcast attempt for a request.
func (db *DB) InsertHistory(ctx context.Context, h InscriptionHistory) (string, error) {
	id := uuid.NewString()

	_, err := db.ExecContext(ctx,
		`INSERT INTO via_inscription_history
			(id, request_id, commit_txid, reveal_txid, signed_commit_tx,
			 signed_reveal_tx, actual_fees, sent_at_block, confirmed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		id, h.RequestID, h.CommitTxID, h.RevealTxID, h.SignedCommitTx,
		h.SignedRevealTx, h.ActualFees, h.SentAtBlock, h.ConfirmedAt,
	)
	if err != nil {
		return "", coreerr.Invariant("insert inscription history", err)
	}

	if _, err := db.ExecContext(ctx,
		`UPDATE via_inscription_requests SET status = ?, updated_at = ? WHERE id = ?`,
		RequestInFlight, db.Clock.Now(), h.RequestID,
	); err != nil {
		return "", coreerr.Invariant("mark request in flight", err)
	}

	return id, nil
}

// UnconfirmedHistories returns every history row still awaiting
// confirmation, used by the confirmation tracker and rebroadcast policy.
func (db *DB) UnconfirmedHistories(ctx context.Context) ([]InscriptionHistory, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, request_id, commit_txid, reveal_txid, signed_commit_tx,
		        signed_reveal_tx, actual_fees, sent_at_block, confirmed_at
		 FROM via_inscription_history WHERE confirmed_at IS NULL`,
	)
	if err != nil {
		return nil, coreerr.Transient("query unconfirmed histories", err)
	}
	defer rows.Close()

	var out []InscriptionHistory
	for rows.Next() {
		var h InscriptionHistory
		if err := rows.Scan(
			&h.ID, &h.RequestID, &h.CommitTxID, &h.RevealTxID, &h.SignedCommitTx,
			&h.SignedRevealTx, &h.ActualFees, &h.SentAtBlock, &h.ConfirmedAt,
		); err != nil {
			return nil, coreerr.Transient("scan history row", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// HistoriesAbove returns every history row with sent_at_block > height,
// used by the reorg-reversion path of §4.5's state machine.
func (db *DB) HistoriesAbove(ctx context.Context, height int64) ([]InscriptionHistory, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT id, request_id, commit_txid, reveal_txid, signed_commit_tx,
		        signed_reveal_tx, actual_fees, sent_at_block, confirmed_at
		 FROM via_inscription_history WHERE sent_at_block > ?`, height,
	)
	if err != nil {
		return nil, coreerr.Transient("query histories above height", err)
	}
	defer rows.Close()

	var out []InscriptionHistory
	for rows.Next() {
		var h InscriptionHistory
		if err := rows.Scan(
			&h.ID, &h.RequestID, &h.CommitTxID, &h.RevealTxID, &h.SignedCommitTx,
			&h.SignedRevealTx, &h.ActualFees, &h.SentAtBlock, &h.ConfirmedAt,
		); err != nil {
			return nil, coreerr.Transient("scan history row", err)
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// ConfirmHistory marks a history row confirmed and links it onto its
// parent request, satisfying the invariant "a request is Confirmed iff
// some history row with matching id has confirmed_at set" (§3).
func (db *DB) ConfirmHistory(ctx context.Context, historyID string, confirmedAt time.Time) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return coreerr.Transient("begin confirm history tx", err)
	}
	defer tx.Rollback()

	var requestID string
	err = tx.QueryRowContext(ctx,
		`SELECT request_id FROM via_inscription_history WHERE id = ?`, historyID,
	).Scan(&requestID)
	if err != nil {
		return coreerr.Invariant("history not found", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE via_inscription_history SET confirmed_at = ? WHERE id = ?`,
		confirmedAt, historyID,
	); err != nil {
		return coreerr.Invariant("set confirmed_at", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE via_inscription_requests
		 SET status = ?, confirmed_history_id = ?, updated_at = ?
		 WHERE id = ?`,
		RequestConfirmed, historyID, confirmedAt, requestID,
	); err != nil {
		return coreerr.Invariant("link confirmed history to request", err)
	}

	if err := tx.Commit(); err != nil {
		return coreerr.Transient("commit confirm history tx", err)
	}
	return nil
}

// RevertToPending clears a request's confirmed link and returns it to
// Pending, used when a reorg drops its confirmed reveal (§4.5 edge case).
func (db *DB) RevertToPending(ctx context.Context, requestID string) error {
	_, err := db.ExecContext(ctx,
		`UPDATE via_inscription_requests
		 SET status = ?, confirmed_history_id = NULL, updated_at = ?
		 WHERE id = ?`,
		RequestPending, db.Clock.Now(), requestID,
	)
	if err != nil {
		return coreerr.Invariant("revert request to pending", err)
	}
	return nil
}

// DeleteHistoriesAbove deletes history rows with sent_at_block > height,
// used when a reorg rolls back their containing blocks entirely.
func (db *DB) DeleteHistoriesAbove(ctx context.Context, height int64) error {
	_, err := db.ExecContext(ctx, `DELETE FROM via_inscription_history WHERE sent_at_block > ?`, height)
	if err != nil {
		return coreerr.Invariant("delete rolled-back histories", err)
	}
	return nil
}
