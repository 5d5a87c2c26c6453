// Package reorg implements the C4 component: it maintains the canonical
// (height, hash) chain view in the store and detects Bitcoin chain
// reorganizations, publishing a monotonically increasing generation
// counter used as a fencing token by C5 and C8 (§4.4).
package reorg

import (
	"context"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btclog"

	"github.com/via-protocol/btc-settlement-core/internal/btcrpc"
	"github.com/via-protocol/btc-settlement-core/internal/coreerr"
	"github.com/via-protocol/btc-settlement-core/internal/metrics"
	"github.com/via-protocol/btc-settlement-core/internal/store"
)

// Config parameterizes the Detector's poll loop.
type Config struct {
	StartHeight  int64
	PollInterval time.Duration
	Log          btclog.Logger
}

// Detector polls the BTC client for new blocks, appending to the
// canonical chain view or, on divergence, walking back to the last
// agreeing height and recording a reorg (§4.4).
type Detector struct {
	cfg    Config
	client btcrpc.Client
	store  *store.DB

	subscribers []chan Event
}

// Event is published to subscribers (C5, C8) whenever a reorg is detected.
type Event struct {
	Generation    int64
	LastValidHeight int64
}

// New builds a Detector.
func New(client btcrpc.Client, db *store.DB, cfg Config) *Detector {
	if cfg.Log == nil {
		cfg.Log = btclog.Disabled
	}
	if cfg.PollInterval == 0 {
		cfg.PollInterval = 15 * time.Second
	}
	return &Detector{cfg: cfg, client: client, store: db}
}

// Subscribe registers a channel that receives a reorg Event whenever one is
// detected. Intended for C5/C8 to pause their loops (§4.4, §9).
func (d *Detector) Subscribe() <-chan Event {
	ch := make(chan Event, 1)
	d.subscribers = append(d.subscribers, ch)
	return ch
}

// Run drives the poll loop until ctx is cancelled, per §5's "single
// task per subsystem polls with a sleep interval; a central stop signal
// cancels all tasks at safe boundaries".
func (d *Detector) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return coreerr.Stopped
		default:
		}

		if err := d.poll(ctx); err != nil {
			metrics.ObserveErr("reorg", err)
			if coreerr.Is(err, coreerr.KindInvariant) {
				return err
			}
			d.cfg.Log.Warnf("reorg detector poll failed: %v", err)
		}

		select {
		case <-ctx.Done():
			return coreerr.Stopped
		case <-time.After(d.cfg.PollInterval):
		}
	}
}

// poll runs one iteration: advance to the node's best-chain tip, appending
// blocks, or detect and resolve a reorg (§4.4).
func (d *Detector) poll(ctx context.Context) error {
	tip, err := d.client.CurrentHeight(ctx)
	if err != nil {
		return err
	}

	lastProcessed, ok, err := d.store.LatestHeight(ctx)
	if err != nil {
		return err
	}
	if !ok {
		lastProcessed = d.cfg.StartHeight - 1
	}

	for h := lastProcessed + 1; h <= tip; h++ {
		select {
		case <-ctx.Done():
			return coreerr.Stopped
		default:
		}

		hash, err := d.client.GetBlockHashByHeight(ctx, h)
		if err != nil {
			return err
		}

		reorged, err := d.checkDivergence(ctx, h, hash)
		if err != nil {
			return err
		}
		if reorged {
			return d.resolveReorg(ctx, h)
		}

		generation, err := d.store.CurrentGeneration(ctx)
		if err != nil {
			return err
		}
		if err := d.store.InsertBlock(ctx, h, hash, generation); err != nil {
			return err
		}
	}

	return nil
}

// checkDivergence reports whether the fetched block's predecessor link no
// longer matches the stored chain, per §4.4: "if h-1 exists in the table
// and the fetched block's prev_hash does not equal the stored hash at
// h-1, a reorg is in progress".
func (d *Detector) checkDivergence(ctx context.Context, height int64, hash chainhash.Hash) (bool, error) {
	if height == d.cfg.StartHeight {
		return false, nil
	}

	storedPrev, ok, err := d.store.BlockHashAt(ctx, height-1)
	if err != nil {
		return false, err
	}
	if !ok {
		return false, nil
	}

	block, err := d.client.GetBlockByHeight(ctx, height)
	if err != nil {
		return false, err
	}

	return block.Header.PrevBlock != storedPrev, nil
}

// resolveReorg walks the stored chain down from below the divergence
// point, querying the client for each stored hash, until a height k where
// the client still reports that hash. It records a ReorgRecord, deletes
// stored rows above k, and bumps the generation counter (§4.4).
func (d *Detector) resolveReorg(ctx context.Context, divergedAt int64) error {
	k := divergedAt - 1
	for k >= d.cfg.StartHeight {
		stored, ok, err := d.store.BlockHashAt(ctx, k)
		if err != nil {
			return err
		}
		if !ok {
			break
		}

		nodeHash, err := d.client.GetBlockHashByHeight(ctx, k)
		if err != nil {
			return err
		}
		if nodeHash == stored {
			break
		}
		k--
	}

	batchNumber, err := d.currentBatchNumber(ctx)
	if err != nil {
		return err
	}

	if err := d.store.RecordReorg(ctx, store.ReorgRecord{
		L1BlockNumber: k,
		L1BatchNumber: batchNumber,
		RecordedAt:    d.store.Clock.Now(),
	}); err != nil {
		return err
	}

	if err := d.store.DeleteAbove(ctx, k); err != nil {
		return err
	}

	generation, err := d.store.CurrentGeneration(ctx)
	if err != nil {
		return err
	}
	generation++

	if k >= d.cfg.StartHeight {
		if err := d.store.BumpGenerationAt(ctx, k, generation); err != nil {
			return err
		}
	}

	d.cfg.Log.Warnf("reorg detected: last valid height %d, generation %d", k, generation)

	event := Event{Generation: generation, LastValidHeight: k}
	for _, ch := range d.subscribers {
		select {
		case ch <- event:
		default:
		}
	}

	return nil
}

// currentBatchNumber reports the highest finalized batch number at the
// time of the reorg, recorded onto the ReorgRecord for operator replay
// (§3's ReorgRecord entity).
func (d *Detector) currentBatchNumber(ctx context.Context) (int64, error) {
	votables, err := d.store.UnfinalizedVotables(ctx)
	if err != nil {
		return 0, err
	}
	var maxBatch int64
	for _, v := range votables {
		if v.L1BatchNumber > maxBatch {
			maxBatch = v.L1BatchNumber
		}
	}
	return maxBatch, nil
}

// LastValidHeight reports the highest block height currently stored (right
// after a resolved reorg, that reorg's last valid height), or ok=false if
// no block is stored yet, used by callers resuming processing.
func (d *Detector) LastValidHeight(ctx context.Context) (int64, bool, error) {
	height, ok, err := d.store.LatestHeight(ctx)
	if err != nil {
		return 0, false, err
	}
	return height, ok, nil
}
