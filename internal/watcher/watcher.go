// Package watcher implements the L1 message-ingestion loop that sits
// between the reorg detector's canonical chain view (C4) and the L1
// indexer (C3): for every height the detector has appended to the
// canonical chain, it fetches the full block, runs indexer.IndexBlock
// over it, and dispatches the parsed messages onward — wallet role
// updates, the vote & finalization engine (C6), and deposits handed
// through a narrow external seam (§1 puts the L2 state keeper's deposit
// bookkeeping out of scope). Grounded on internal/inscriber.Manager's
// poll-loop/watchReorgs shape (§5: "single task per subsystem polls with
// a sleep interval").
package watcher

import (
	"context"
	"encoding/hex"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btclog"

	"github.com/via-protocol/btc-settlement-core/internal/btcrpc"
	"github.com/via-protocol/btc-settlement-core/internal/coreerr"
	"github.com/via-protocol/btc-settlement-core/internal/indexer"
	"github.com/via-protocol/btc-settlement-core/internal/inscription"
	"github.com/via-protocol/btc-settlement-core/internal/metrics"
	"github.com/via-protocol/btc-settlement-core/internal/reorg"
	"github.com/via-protocol/btc-settlement-core/internal/store"
	"github.com/via-protocol/btc-settlement-core/internal/vote"
)

// DepositSink is the narrow seam a detected bridge deposit is handed
// through. Decoding it into L2 state (a priority id, a canonical tx hash,
// mempool insertion) is the out-of-scope L2 state keeper's job (§1); the
// watcher itself persists nothing about deposits, matching the rollback
// executor's note that "indexer.Deposit is never persisted here".
type DepositSink interface {
	DepositObserved(ctx context.Context, height int64, dep indexer.Deposit) error
}

// NoopDepositSink discards deposits, used where no L2 state keeper is
// attached (tests, a watcher-only deployment).
type NoopDepositSink struct{}

// DepositObserved implements DepositSink.
func (NoopDepositSink) DepositObserved(context.Context, int64, indexer.Deposit) error { return nil }

// Config parameterizes a Watcher.
type Config struct {
	StartHeight     int64
	BridgeAddress   string
	ProtocolFeeSat  int64
	NetParams       *chaincfg.Params
	VerifierPubKeys [][]byte
	GovernancePubKey []byte
	PollInterval    time.Duration
	Log             btclog.Logger
}

func (c *Config) setDefaults() {
	if c.PollInterval == 0 {
		c.PollInterval = 10 * time.Second
	}
	if c.Log == nil {
		c.Log = btclog.Disabled
	}
}

// Watcher drives the message-ingestion loop.
type Watcher struct {
	cfg     Config
	client  btcrpc.Client
	store   *store.DB
	votes   *vote.Engine
	deposit DepositSink

	paused bool
}

// New builds a Watcher. It subscribes to detector's reorg events so
// ingestion pauses during a reorg and rewinds its progress marker to the
// resolved last-valid height, mirroring inscriber.Manager.watchReorgs.
func New(client btcrpc.Client, db *store.DB, votes *vote.Engine, detector *reorg.Detector, deposit DepositSink, cfg Config) *Watcher {
	cfg.setDefaults()
	if deposit == nil {
		deposit = NoopDepositSink{}
	}
	w := &Watcher{cfg: cfg, client: client, store: db, votes: votes, deposit: deposit}

	if detector != nil {
		go w.watchReorgs(detector.Subscribe())
	}
	return w
}

func (w *Watcher) watchReorgs(events <-chan reorg.Event) {
	for ev := range events {
		w.paused = true

		ctx := context.Background()
		if err := w.store.ResetLastIndexedHeight(ctx, ev.LastValidHeight); err != nil {
			w.cfg.Log.Errorf("watcher: reset last indexed height: %v", err)
		}

		w.paused = false
	}
}

// Run drives the ingestion loop until ctx is cancelled: advance from the
// last-indexed height to the canonical tip, one block at a time, sleeping
// cfg.PollInterval between iterations (§5).
func (w *Watcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return coreerr.Stopped
		default:
		}

		if !w.paused {
			if err := w.tick(ctx); err != nil {
				metrics.ObserveErr("watcher", err)
				if coreerr.Is(err, coreerr.KindInvariant) {
					return err
				}
				w.cfg.Log.Warnf("watcher: tick failed: %v", err)
			}
		}

		select {
		case <-ctx.Done():
			return coreerr.Stopped
		case <-time.After(w.cfg.PollInterval):
		}
	}
}

func (w *Watcher) tick(ctx context.Context) error {
	tip, ok, err := w.store.LatestHeight(ctx)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	last, haveLast, err := w.store.LastIndexedHeight(ctx)
	if err != nil {
		return err
	}
	if !haveLast {
		last = w.cfg.StartHeight - 1
	}

	for h := last + 1; h <= tip; h++ {
		select {
		case <-ctx.Done():
			return coreerr.Stopped
		default:
		}

		if err := w.indexHeight(ctx, h); err != nil {
			return err
		}
		if err := w.store.SetLastIndexedHeight(ctx, h); err != nil {
			return err
		}
	}

	return nil
}

func (w *Watcher) indexHeight(ctx context.Context, height int64) error {
	block, err := w.client.GetBlockByHeight(ctx, height)
	if err != nil {
		return err
	}

	prevOuts, err := w.fetchPrevOuts(ctx, block)
	if err != nil {
		return err
	}

	authCtx, err := w.buildAuthContext(ctx)
	if err != nil {
		return err
	}

	bi, err := indexer.IndexBlock(block, height, prevOuts, indexer.Config{
		BridgeAddress:  w.cfg.BridgeAddress,
		ProtocolFeeSat: w.cfg.ProtocolFeeSat,
		Auth:           authCtx,
	})
	if err != nil {
		return err
	}

	for _, tx := range bi.Txs {
		if tx.Message != nil {
			if err := w.dispatch(ctx, height, tx); err != nil {
				w.cfg.Log.Warnf("watcher: dispatch message at height %d: %v", height, err)
			}
		}
		if tx.Deposit != nil {
			if err := w.deposit.DepositObserved(ctx, height, *tx.Deposit); err != nil {
				w.cfg.Log.Warnf("watcher: deposit sink at height %d: %v", height, err)
			}
		}
	}

	verifierSetSize, err := vote.VerifierSetSize(ctx, w.store)
	if err != nil {
		return err
	}
	if verifierSetSize > 0 {
		if err := w.votes.Reconcile(ctx, verifierSetSize); err != nil {
			return err
		}
	}

	return nil
}

// fetchPrevOuts resolves every previous output referenced by the block's
// transactions, keeping indexer.IndexBlock itself a pure function of
// (block, prevOuts, cfg) as §4.3 requires.
func (w *Watcher) fetchPrevOuts(ctx context.Context, block *wire.MsgBlock) (indexer.PrevOutputSet, error) {
	prevOuts := make(indexer.PrevOutputSet)

	for _, tx := range block.Transactions {
		for _, in := range tx.TxIn {
			op := in.PreviousOutPoint
			if op.Hash == (chainhash.Hash{}) {
				continue // coinbase
			}
			if _, ok := prevOuts[op]; ok {
				continue
			}

			prevTx, err := w.client.GetTx(ctx, op.Hash)
			if err != nil {
				continue // unresolved input: the tx simply yields no message
			}
			if int(op.Index) >= len(prevTx.TxOut) {
				continue
			}
			prevOuts[op] = prevTx.TxOut[op.Index]
		}
	}

	return prevOuts, nil
}

// buildAuthContext assembles the §6.2 sender-authorization facts: the
// configured verifier set (config's verifiers_pub_keys, §6.3) plus any
// role changes observed on chain so far, and the current sequencer and
// governance identities.
//
// Open Question, resolved: ProposeSequencer carries a "sequencer address"
// but the envelope signer is identified by its x-only Schnorr pubkey
// (§4.2/§6.2). This implementation treats the wire string in both
// SystemBootstrapping's verifier list and ProposeSequencer's sequencer
// field as a hex-encoded x-only pubkey rather than a bech32 P2WPKH
// address, keeping sender-identity representation uniform with the
// vote-dedup decision already made in internal/vote (see DESIGN.md).
func (w *Watcher) buildAuthContext(ctx context.Context) (*inscription.AuthContext, error) {
	authCtx := &inscription.AuthContext{GovernanceMultisig: w.cfg.GovernancePubKey}

	onChainVerifiers, err := w.store.WalletsByRole(ctx, store.RoleVerifier)
	if err != nil {
		return nil, err
	}
	if len(onChainVerifiers) == 0 {
		authCtx.KnownVerifiers = w.cfg.VerifierPubKeys
	} else {
		for _, v := range onChainVerifiers {
			pub, err := hex.DecodeString(v.Address)
			if err != nil {
				continue
			}
			authCtx.KnownVerifiers = append(authCtx.KnownVerifiers, pub)
		}
	}

	sequencer, err := w.store.CurrentWallet(ctx, store.RoleSequencer)
	if err != nil {
		return nil, err
	}
	if sequencer != nil {
		if pub, err := hex.DecodeString(sequencer.Address); err == nil {
			authCtx.CurrentSequencer = pub
		}
	}

	return authCtx, nil
}

// dispatch routes a decoded message to the table(s) it updates: wallet
// role assignments for bootstrapping/sequencer proposals, and the vote
// engine for the three message kinds it ingests (§4.6).
func (w *Watcher) dispatch(ctx context.Context, height int64, tx indexer.IndexedTx) error {
	msg := tx.Message
	txHash := tx.Tx.TxHash().String()

	switch msg.Kind {
	case inscription.KindSystemBootstrapping:
		b := msg.Bootstrapping
		if err := w.store.UpsertWallet(ctx, store.Wallet{
			Role: store.RoleBridge, Address: b.BridgeAddress,
			TxHash: &txHash, L1BlockNumber: &height,
		}); err != nil {
			return err
		}
		for _, addr := range b.VerifierAddresses {
			if err := w.store.UpsertWallet(ctx, store.Wallet{
				Role: store.RoleVerifier, Address: addr,
				TxHash: &txHash, L1BlockNumber: &height,
			}); err != nil {
				return err
			}
		}
		return nil

	case inscription.KindProposeSequencer:
		return w.store.UpsertWallet(ctx, store.Wallet{
			Role: store.RoleSequencer, Address: msg.Sequencer.SequencerAddress,
			TxHash: &txHash, L1BlockNumber: &height,
		})

	case inscription.KindSystemContractUpgrade:
		// Bootloader/AA hash bookkeeping belongs to the out-of-scope L2
		// VM (§1); the watcher itself has nothing further to persist.
		w.cfg.Log.Infof("watcher: system contract upgrade to version %d observed at height %d",
			msg.Upgrade.Version, height)
		return nil

	case inscription.KindL1BatchDAReference, inscription.KindProofDAReference, inscription.KindValidatorAttestation:
		return w.votes.IngestTx(ctx, tx)

	default:
		return nil
	}
}
