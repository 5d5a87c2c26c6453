// Package rollback implements the C9 component: a deterministic, idempotent
// revert of persistent state to a target batch number, driven manually by
// an operator after a reorg the watcher cannot resolve on its own (§4.9,
// §9 "the operator pauses the manager, runs the rollback, then resumes").
package rollback

import (
	"context"

	"github.com/btcsuite/btclog"

	"github.com/via-protocol/btc-settlement-core/internal/coreerr"
	"github.com/via-protocol/btc-settlement-core/internal/store"
)

// Config parameterizes an Executor.
type Config struct {
	Log btclog.Logger
}

// Executor runs C9's rollback, truncating every store table named in §3
// above the target batch/height in one transaction, and calling out to
// the external state keeper (§6.1) before that transaction commits.
type Executor struct {
	cfg         Config
	store       *store.DB
	stateKeeper StateKeeper
}

// New builds an Executor.
func New(db *store.DB, stateKeeper StateKeeper, cfg Config) *Executor {
	if cfg.Log == nil {
		cfg.Log = btclog.Disabled
	}
	if stateKeeper == nil {
		stateKeeper = NoopStateKeeper{}
	}
	return &Executor{cfg: cfg, store: db, stateKeeper: stateKeeper}
}

// RollbackToBatch reverts all persisted state to batch N and the L1 height
// last known valid for it, per §4.9's four steps. It is idempotent
// (§4.9, §8 property 7): a second call for an N at or above the last
// completed checkpoint is a no-op.
func (e *Executor) RollbackToBatch(ctx context.Context, n, lastValidHeight int64) error {
	checkpoint, ok, err := e.store.LastRollbackCheckpoint(ctx)
	if err != nil {
		return err
	}
	if ok && checkpoint <= n {
		e.cfg.Log.Infof("rollback: batch %d already rolled back to checkpoint %d, skipping", n, checkpoint)
		return nil
	}

	tx, err := e.store.BeginRollbackTx(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := e.store.DeleteVotablesAbove(ctx, tx, n); err != nil {
		return err
	}
	if err := e.store.DeleteBatchLinksAbove(ctx, tx, n); err != nil {
		return err
	}
	// "Delete L1 transactions (deposits, upgrades) whose l1_block_number
	// > last_valid_height" (§4.9): deposits themselves are never
	// persisted by this core (they're consumed directly by the L2 state
	// keeper, out of scope per §1); the L1-observed state this core does
	// own above that height is the wallet-role assignment log (sequencer
	// proposals, governance upgrades) and the inscription history below.
	if err := e.store.DeleteWalletsAbove(ctx, tx, lastValidHeight); err != nil {
		return err
	}
	if err := e.store.DeleteHistoriesAboveTx(ctx, tx, lastValidHeight); err != nil {
		return err
	}
	if err := e.store.DeleteBlocksAboveTx(ctx, tx, lastValidHeight); err != nil {
		return err
	}
	if err := e.store.RecordRollbackCheckpoint(ctx, tx, n); err != nil {
		return err
	}

	// The state keeper runs before the commit: if it fails, the deferred
	// Rollback discards the truncation and the checkpoint, so a
	// re-invocation is not skipped and re-runs every step, including this
	// one (the state keeper's own truncation is idempotent).
	if err := e.stateKeeper.RollbackToBatch(ctx, n); err != nil {
		return coreerr.Transient("state keeper rollback", err)
	}

	if err := tx.Commit(); err != nil {
		return coreerr.Transient("commit rollback", err)
	}

	e.cfg.Log.Infof("rollback: reverted to batch %d, l1 height %d", n, lastValidHeight)
	return nil
}
