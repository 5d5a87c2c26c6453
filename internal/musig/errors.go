package musig

import "errors"

// Sentinel errors surfaced by Coordinator's session-facing methods, mapped
// onto the HTTP status codes of §6.4 by the chi handlers in http.go.
var (
	// ErrNoActiveSession maps to the 204 GET /session returns when no
	// session is open.
	ErrNoActiveSession = errors.New("musig: no active signing session")

	// ErrSessionConflict maps to 409: a request named a session id other
	// than the current one (§4.8 concurrency: "at most one active
	// signing session per node... requests outside the current session
	// id return 409").
	ErrSessionConflict = errors.New("musig: request targets a session id other than the current one")

	// ErrNonceNotYetAggregated maps to 425 Too Early.
	ErrNonceNotYetAggregated = errors.New("musig: not all verifier nonces have been collected")

	// ErrNonceReuse is a hard Invariant error (§8 property 5): a verifier
	// index already registered a nonce for this session.
	ErrNonceReuse = errors.New("musig: verifier already submitted a nonce for this session")

	// ErrPartialReuse mirrors ErrNonceReuse for round 2.
	ErrPartialReuse = errors.New("musig: verifier already submitted a partial signature for this session")

	// ErrUnknownVerifier rejects a nonce/partial from a verifier index
	// outside the configured set.
	ErrUnknownVerifier = errors.New("musig: verifier index out of range")

	// ErrPartialsNotComplete is returned internally when a caller tries
	// to finalize before every partial has arrived.
	ErrPartialsNotComplete = errors.New("musig: not all verifier partial signatures have been collected")
)
