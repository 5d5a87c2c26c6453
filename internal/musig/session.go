// Package musig implements the C8 component: a MuSig2 signing session
// state machine for batched withdrawal transactions, run by one elected
// coordinator node over HTTP and participated in by every verifier (§4.8,
// §6.4).
package musig

import (
	"time"

	"github.com/btcsuite/btcd/wire"
)

// State is a signing session's position in the state machine of §4.8:
// New -> NoncesCollected -> PartialsCollected -> Signed -> Broadcast -> Done,
// with a terminal Aborted(reason) reachable from any non-terminal state.
type State int

const (
	StateNew State = iota
	StateNoncesCollected
	StatePartialsCollected
	StateSigned
	StateBroadcast
	StateDone
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateNoncesCollected:
		return "nonces_collected"
	case StatePartialsCollected:
		return "partials_collected"
	case StateSigned:
		return "signed"
	case StateBroadcast:
		return "broadcast"
	case StateDone:
		return "done"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// terminal reports whether a session in this state accepts no further
// nonce/partial submissions (§4.8 concurrency: "at most one active signing
// session").
func (s State) terminal() bool {
	return s == StateDone || s == StateAborted
}

// Session is the coordinator's view of one signing round, keyed by
// (l1_batch_number, proof_reveal_txid) per §4.8 step 1.
type Session struct {
	ID              string
	L1BatchNumber   int64
	ProofRevealTxID string
	VotableTxID     string
	BridgeTxID      string
	PSBT            []byte
	NumVerifiers    uint32

	State       State
	AbortReason string
	CreatedAt   time.Time
	ExpiresAt   time.Time

	// PubNonces collects each verifier's round-1 public nonce, keyed by
	// verifier index. AggregateNonce is computed once all NumVerifiers
	// have reported.
	PubNonces      map[uint32][66]byte
	AggregateNonce *[66]byte

	// PartialSigs collects each verifier's round-2 partial signature.
	PartialSigs map[uint32][]byte

	FinalTxID string

	// spentUTXOs are the outpoints the withdrawal builder locked for
	// this session's PSBT, released once the session reaches Done or
	// Aborted, however it got there (§9 "excluding UTXOs referenced by a
	// non-terminal session").
	spentUTXOs []wire.OutPoint
}

// newSession builds a fresh session in State New.
func newSession(id string, batchNumber int64, votableTxID, bridgeTxID, proofRevealTxID string, psbtBytes []byte, numVerifiers uint32, now, expiry time.Time) *Session {
	return &Session{
		ID:              id,
		L1BatchNumber:   batchNumber,
		VotableTxID:     votableTxID,
		BridgeTxID:      bridgeTxID,
		ProofRevealTxID: proofRevealTxID,
		PSBT:            psbtBytes,
		NumVerifiers:    numVerifiers,
		State:           StateNew,
		CreatedAt:       now,
		ExpiresAt:       expiry,
		PubNonces:       make(map[uint32][66]byte),
		PartialSigs:     make(map[uint32][]byte),
	}
}

// abort transitions a session to StateAborted, recording reason. Per §4.8
// concurrency this also implicitly destroys any collected secret state the
// coordinator never actually held (secret nonces live only with verifiers);
// the coordinator's own PubNonces/PartialSigs are harmless to retain for
// status reporting since they're public by round's end.
func (s *Session) abort(reason string) {
	s.State = StateAborted
	s.AbortReason = reason
}
