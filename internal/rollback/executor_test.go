package rollback

import (
	"context"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"

	"github.com/via-protocol/btc-settlement-core/internal/store"
)

func newTestExecutor(t *testing.T, keeper StateKeeper) (*Executor, *store.DB) {
	t.Helper()
	db, err := store.Open(&store.Config{UseMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return New(db, keeper, Config{}), db
}

type recordingKeeper struct {
	calls []int64
}

func (k *recordingKeeper) RollbackToBatch(ctx context.Context, n int64) error {
	k.calls = append(k.calls, n)
	return nil
}

func TestRollbackDeletesStateAboveTarget(t *testing.T) {
	keeper := &recordingKeeper{}
	e, db := newTestExecutor(t, keeper)
	ctx := context.Background()

	require.NoError(t, db.InsertBlock(ctx, 100, chainhash.Hash{0x01}, 0))
	require.NoError(t, db.InsertBlock(ctx, 101, chainhash.Hash{0x02}, 0))
	require.NoError(t, db.InsertBlock(ctx, 102, chainhash.Hash{0x03}, 0))

	keptID, err := db.UpsertBatchDA(ctx, 5, "batchhash5", "batchhash4", "da", "ref5", "reveal5")
	require.NoError(t, err)
	_, err = db.UpsertBatchDA(ctx, 6, "batchhash6", "batchhash5", "da", "ref6", "reveal6")
	require.NoError(t, err)

	require.NoError(t, db.CreateBatchLink(ctx, 5, "commit-req-5"))
	require.NoError(t, db.CreateBatchLink(ctx, 6, "commit-req-6"))

	require.NoError(t, e.RollbackToBatch(ctx, 5, 100))

	_, ok, err := db.BlockHashAt(ctx, 101)
	require.NoError(t, err)
	require.False(t, ok, "block above last-valid height should be gone")

	_, ok, err = db.BlockHashAt(ctx, 100)
	require.NoError(t, err)
	require.True(t, ok, "block at last-valid height should survive")

	kept, err := db.VotableByID(ctx, keptID)
	require.NoError(t, err)
	require.NotNil(t, kept)

	dropped, err := db.VotableByBatchHash(ctx, "batchhash6")
	require.NoError(t, err)
	require.Nil(t, dropped, "votable above the target batch should be gone")

	link, err := db.BatchLink(ctx, 6)
	require.NoError(t, err)
	require.Nil(t, link)

	require.Equal(t, []int64{5}, keeper.calls)
}

func TestRollbackIsIdempotent(t *testing.T) {
	keeper := &recordingKeeper{}
	e, db := newTestExecutor(t, keeper)
	ctx := context.Background()

	require.NoError(t, db.InsertBlock(ctx, 100, chainhash.Hash{0x01}, 0))
	require.NoError(t, db.InsertBlock(ctx, 101, chainhash.Hash{0x02}, 0))

	require.NoError(t, e.RollbackToBatch(ctx, 5, 100))
	require.NoError(t, e.RollbackToBatch(ctx, 5, 100))

	// the state keeper is only invoked on the first, effective pass.
	require.Equal(t, []int64{5}, keeper.calls)
}

func TestRollbackSkipsStaleReentry(t *testing.T) {
	keeper := &recordingKeeper{}
	e, db := newTestExecutor(t, keeper)
	ctx := context.Background()

	require.NoError(t, db.InsertBlock(ctx, 100, chainhash.Hash{0x01}, 0))

	require.NoError(t, e.RollbackToBatch(ctx, 5, 100))
	// a later, shallower checkpoint request for a newer batch than the one
	// already applied must not re-run the state keeper.
	require.NoError(t, e.RollbackToBatch(ctx, 7, 100))
	require.Equal(t, []int64{5}, keeper.calls)
}
