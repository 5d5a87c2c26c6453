package btcrpc

import (
	"context"
	"fmt"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/rpcclient"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btclog"

	"github.com/via-protocol/btc-settlement-core/internal/coreerr"
)

// NodeConfig configures the node-RPC half of the C1 capability.
type NodeConfig struct {
	RPCURL      string
	RPCUser     string
	RPCPassword string
	DisableTLS  bool
	Fees        FeeConfig
	Log         btclog.Logger
}

// NodeClient is the production Client, backed by a Bitcoin node's JSON-RPC
// interface and blended against the configured external fee APIs.
type NodeClient struct {
	cfg   NodeConfig
	rpc   *rpcclient.Client
	fees  *FeeEstimator
	cache *cache
	log   btclog.Logger
}

// NewNodeClient dials the configured Bitcoin node and wires in the fee
// estimator built from the external fee API list.
func NewNodeClient(cfg NodeConfig) (*NodeClient, error) {
	connCfg := &rpcclient.ConnConfig{
		Host:         cfg.RPCURL,
		User:         cfg.RPCUser,
		Pass:         cfg.RPCPassword,
		HTTPPostMode: true,
		DisableTLS:   cfg.DisableTLS,
	}

	rpc, err := rpcclient.New(connCfg, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to dial bitcoin node: %w", err)
	}

	log := cfg.Log
	if log == nil {
		log = btclog.Disabled
	}

	return &NodeClient{
		cfg:   cfg,
		rpc:   rpc,
		fees:  NewFeeEstimator(rpc, cfg.Fees),
		cache: newCache(),
		log:   log,
	}, nil
}

func (n *NodeClient) CurrentHeight(ctx context.Context) (int64, error) {
	height, err := n.rpc.GetBlockCount()
	if err != nil {
		return 0, coreerr.Transient("get block count", err)
	}
	return height, nil
}

func (n *NodeClient) GetBlockHashByHeight(ctx context.Context, height int64) (chainhash.Hash, error) {
	if hash, ok := n.cache.getBlockHash(height); ok {
		return hash, nil
	}

	hash, err := n.rpc.GetBlockHash(height)
	if err != nil {
		return chainhash.Hash{}, coreerr.Protocol(
			fmt.Sprintf("no block hash at height %d", height), err)
	}

	n.cache.setBlockHash(height, *hash)
	return *hash, nil
}

func (n *NodeClient) GetBlockByHeight(ctx context.Context, height int64) (*wire.MsgBlock, error) {
	hash, err := n.GetBlockHashByHeight(ctx, height)
	if err != nil {
		return nil, err
	}

	block, err := n.rpc.GetBlock(&hash)
	if err != nil {
		return nil, coreerr.Transient("get block", err)
	}

	return block, nil
}

func (n *NodeClient) GetTx(ctx context.Context, txid chainhash.Hash) (*wire.MsgTx, error) {
	tx, err := n.rpc.GetRawTransaction(&txid)
	if err != nil {
		return nil, coreerr.Transient("get raw transaction", err)
	}
	return tx.MsgTx(), nil
}

func (n *NodeClient) GetTxConfirmations(ctx context.Context, txid chainhash.Hash) (uint32, error) {
	result, err := n.rpc.GetTransaction(&txid)
	if err != nil {
		// Not found anywhere yet; not an error condition for the
		// confirmation tracker, it just means zero confirmations.
		return 0, nil
	}

	if result.Confirmations < 0 {
		return 0, nil
	}

	return uint32(result.Confirmations), nil
}

func (n *NodeClient) ListUTXOs(ctx context.Context, address string) ([]UTXO, error) {
	addr, err := decodeAddress(address)
	if err != nil {
		return nil, coreerr.Protocol("decode address", err)
	}

	unspent, err := n.rpc.ListUnspentMinMaxAddresses(0, 9999999, []btcutil.Address{addr})
	if err != nil {
		return nil, coreerr.Transient("list unspent", err)
	}

	utxos := make([]UTXO, 0, len(unspent))
	for _, u := range unspent {
		txHash, err := chainhash.NewHashFromStr(u.TxID)
		if err != nil {
			continue
		}

		pkScript, err := hexDecode(u.ScriptPubKey)
		if err != nil {
			continue
		}

		utxos = append(utxos, UTXO{
			OutPoint:      wire.OutPoint{Hash: *txHash, Index: u.Vout},
			Value:         btcToSat(u.Amount),
			PkScript:      pkScript,
			Confirmations: u.Confirmations,
		})
	}

	return utxos, nil
}

func (n *NodeClient) EstimateFeeRate(ctx context.Context, priority FeePriority) (int64, error) {
	return n.fees.Estimate(ctx, priority)
}

func (n *NodeClient) BroadcastSignedTx(ctx context.Context, tx *wire.MsgTx) error {
	_, err := n.rpc.SendRawTransaction(tx, false)
	if err != nil {
		if isDoubleSpendOrScriptError(err) {
			return coreerr.Protocol("broadcast rejected", err)
		}
		return coreerr.Transient("broadcast", err)
	}
	return nil
}

func (n *NodeClient) GetMempoolEntry(ctx context.Context, txid chainhash.Hash) (*MempoolEntry, error) {
	entry, err := n.rpc.GetMempoolEntry(txid.String())
	if err != nil {
		return nil, coreerr.Transient("get mempool entry", err)
	}

	deps := make([]chainhash.Hash, 0, len(entry.Depends))
	for _, d := range entry.Depends {
		h, err := chainhash.NewHashFromStr(d)
		if err != nil {
			continue
		}
		deps = append(deps, *h)
	}

	return &MempoolEntry{
		TxID:       txid,
		FeeSatoshi: btcToSat(entry.Fee),
		VSize:      entry.VSize,
		Depends:    deps,
	}, nil
}

var _ Client = (*NodeClient)(nil)
