package withdrawal

import "errors"

// Sentinel errors surfaced by Builder.Build, matching §4.7's named failure
// modes and the teacher's package-level sentinel-error convention (cf.
// wallet/btcwallet/errors.go).
var (
	ErrInsufficientUtxos     = errors.New("withdrawal: bridge UTXO set cannot cover outputs plus fee")
	ErrNoEligibleWithdrawals = errors.New("withdrawal: every grouped withdrawal fell below the dust threshold")
	ErrUtxoLocked            = errors.New("withdrawal: selected utxo is locked by an unbroadcast session")
)
