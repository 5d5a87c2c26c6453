package musig

import (
	"bytes"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/btcsuite/btcd/btcec/v2/musig2"
	"github.com/go-chi/chi/v5"

	"github.com/via-protocol/btc-settlement-core/internal/coreerr"
)

// sessionResponse is GET /session's body (§6.4). The PSBT is base64;
// nonces, partial signatures and txids are hex, each field encoded the
// same way on every endpoint.
type sessionResponse struct {
	ID              string `json:"id"`
	PSBTBase64      string `json:"psbt_b64"`
	L1BatchNumber   int64  `json:"l1_batch_number"`
	ProofRevealTxID string `json:"proof_reveal_txid"`
	ExpiryEpochMs   int64  `json:"expiry_epoch_ms"`
}

type nonceRequest struct {
	VerifierIndex uint32 `json:"verifier_index"`
	PubNonce      string `json:"pub_nonce"`
}

type aggregateNonceResponse struct {
	AggregateNonce string `json:"aggregate_nonce"`
}

type partialRequest struct {
	VerifierIndex uint32 `json:"verifier_index"`
	PartialSig    string `json:"partial_sig"`
}

type statusResponse struct {
	State string  `json:"state"`
	TxID  *string `json:"txid,omitempty"`
}

// Router builds the chi.Router exposing the five endpoints of §6.4.
func (c *Coordinator) Router() chi.Router {
	r := chi.NewRouter()
	r.Get("/session", c.handleGetSession)
	r.Post("/session/{id}/nonce", c.handlePostNonce)
	r.Get("/session/{id}/aggregate_nonce", c.handleGetAggregateNonce)
	r.Post("/session/{id}/partial", c.handlePostPartial)
	r.Get("/session/{id}/status", c.handleGetStatus)
	return r
}

func (c *Coordinator) handleGetSession(w http.ResponseWriter, r *http.Request) {
	session, ok := c.CurrentSession()
	if !ok || session.State.terminal() {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	writeJSON(w, http.StatusOK, sessionResponse{
		ID:              session.ID,
		PSBTBase64:      base64.StdEncoding.EncodeToString(session.PSBT),
		L1BatchNumber:   session.L1BatchNumber,
		ProofRevealTxID: session.ProofRevealTxID,
		ExpiryEpochMs:   session.ExpiresAt.UnixMilli(),
	})
}

func (c *Coordinator) handlePostNonce(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req nonceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	raw, err := hex.DecodeString(req.PubNonce)
	if err != nil || len(raw) != musig2.PubNonceSize {
		writeError(w, http.StatusBadRequest, errors.New("musig: malformed pub_nonce"))
		return
	}
	var pubNonce [musig2.PubNonceSize]byte
	copy(pubNonce[:], raw)

	if err := c.RegisterNonce(id, req.VerifierIndex, pubNonce); err != nil {
		writeSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (c *Coordinator) handleGetAggregateNonce(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	agg, err := c.AggregateNonce(id)
	if err != nil {
		writeSessionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, aggregateNonceResponse{AggregateNonce: hex.EncodeToString(agg[:])})
}

func (c *Coordinator) handlePostPartial(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req partialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}

	raw, err := hex.DecodeString(req.PartialSig)
	if err != nil {
		writeError(w, http.StatusBadRequest, errors.New("musig: malformed partial_sig"))
		return
	}
	var ps musig2.PartialSignature
	if err := ps.Decode(bytes.NewReader(raw)); err != nil {
		writeError(w, http.StatusBadRequest, errors.New("musig: undecodable partial_sig"))
		return
	}

	if err := c.RegisterPartial(r.Context(), id, req.VerifierIndex, &ps); err != nil {
		writeSessionError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (c *Coordinator) handleGetStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	session, ok := c.CurrentSession()
	if !ok || session.ID != id {
		writeError(w, http.StatusConflict, ErrSessionConflict)
		return
	}

	resp := statusResponse{State: session.State.String()}
	if session.FinalTxID != "" {
		resp.TxID = &session.FinalTxID
	}
	writeJSON(w, http.StatusOK, resp)
}

// writeSessionError maps a Coordinator method's sentinel error onto the
// status codes §6.4 assigns them.
func writeSessionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNoActiveSession):
		writeError(w, http.StatusNoContent, err)
	case errors.Is(err, ErrSessionConflict):
		writeError(w, http.StatusConflict, err)
	case errors.Is(err, ErrNonceNotYetAggregated):
		writeError(w, http.StatusTooEarly, err)
	case errors.Is(err, ErrUnknownVerifier):
		writeError(w, http.StatusBadRequest, err)
	case coreerr.Is(err, coreerr.KindInvariant):
		writeError(w, http.StatusConflict, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	if status == http.StatusNoContent {
		w.WriteHeader(status)
		return
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
