package inscriber

import "errors"

// Sentinel errors surfaced by the outbox loop's build step, matching the
// teacher's wallet/btcwallet/errors.go / proofconfig/errors.go convention
// of package-level sentinel errors rather than a bespoke error type.
var (
	ErrInsufficientFunds = errors.New("inscriber: signer wallet has insufficient confirmed funds")
	ErrMaxRetriesExceeded = errors.New("inscriber: request exceeded its configured retry ceiling")
)
