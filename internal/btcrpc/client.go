// Package btcrpc is the C1 capability: a typed, request-oriented wrapper
// over a Bitcoin node's RPC and mempool, blended with one or more external
// fee-estimation APIs (§4.1). All operations fail with a coreerr-classified
// error; callers treat KindTransient as retryable and everything else as
// terminal for the current attempt.
package btcrpc

import (
	"context"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// FeePriority selects a confirmation-target bucket, matching the
// mempool.space-style naming used throughout the retrieval pack.
type FeePriority string

const (
	PriorityFastest  FeePriority = "fastestFee"
	PriorityHalfHour FeePriority = "halfHourFee"
	PriorityHour     FeePriority = "hourFee"
	PriorityEconomy  FeePriority = "economyFee"
	PriorityMinimum  FeePriority = "minimumFee"
)

// MempoolEntry describes a transaction's standing in the node's mempool.
type MempoolEntry struct {
	TxID       chainhash.Hash
	FeeSatoshi int64
	VSize      int64
	Depends    []chainhash.Hash
}

// UTXO is an unspent output as reported by the node/address index.
type UTXO struct {
	OutPoint      wire.OutPoint
	Value         int64
	PkScript      []byte
	Confirmations int64
}

// Client is the capability trait C5/C7/C8/C3/C4 build on. It has exactly
// one production implementation (NodeClient) and a mock for tests (§9).
type Client interface {
	// GetBlockByHeight returns the full block at height, or
	// coreerr.KindProtocol if the node has no block at that height yet.
	GetBlockByHeight(ctx context.Context, height int64) (*wire.MsgBlock, error)

	// GetBlockHashByHeight returns just the hash, cheaper than a full
	// block fetch when only chain-shape bookkeeping is needed (C4).
	GetBlockHashByHeight(ctx context.Context, height int64) (chainhash.Hash, error)

	// GetTx fetches a transaction by ID, searching the mempool first
	// and falling back to the indexed chain.
	GetTx(ctx context.Context, txid chainhash.Hash) (*wire.MsgTx, error)

	// GetTxConfirmations returns the number of confirmations for txid,
	// or 0 if the transaction is unconfirmed/unknown.
	GetTxConfirmations(ctx context.Context, txid chainhash.Hash) (uint32, error)

	// ListUTXOs returns the UTXO set currently paying the given address.
	ListUTXOs(ctx context.Context, address string) ([]UTXO, error)

	// EstimateFeeRate returns a sat/vB fee rate for the given priority,
	// blended per the configured strategy (§4.1).
	EstimateFeeRate(ctx context.Context, priority FeePriority) (int64, error)

	// BroadcastSignedTx relays a fully signed transaction.
	BroadcastSignedTx(ctx context.Context, tx *wire.MsgTx) error

	// GetMempoolEntry inspects a transaction currently sitting unconfirmed.
	GetMempoolEntry(ctx context.Context, txid chainhash.Hash) (*MempoolEntry, error)

	// CurrentHeight returns the node's best-chain tip height.
	CurrentHeight(ctx context.Context) (int64, error)
}
