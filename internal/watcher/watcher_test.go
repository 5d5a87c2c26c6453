package watcher

import (
	"context"
	"testing"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/via-protocol/btc-settlement-core/internal/btcrpc"
	"github.com/via-protocol/btc-settlement-core/internal/indexer"
	"github.com/via-protocol/btc-settlement-core/internal/reorg"
	"github.com/via-protocol/btc-settlement-core/internal/store"
	"github.com/via-protocol/btc-settlement-core/internal/vote"
)

// mockClient is a hand-written stub implementation of btcrpc.Client, in
// the same style as internal/inscriber and internal/reorg's test stubs.
type mockClient struct {
	blocks map[int64]*wire.MsgBlock
}

func newMockClient() *mockClient {
	return &mockClient{blocks: make(map[int64]*wire.MsgBlock)}
}

func (m *mockClient) setBlock(height int64, block *wire.MsgBlock) {
	m.blocks[height] = block
}

func (m *mockClient) GetBlockByHeight(ctx context.Context, height int64) (*wire.MsgBlock, error) {
	if b, ok := m.blocks[height]; ok {
		return b, nil
	}
	return wire.NewMsgBlock(&wire.BlockHeader{}), nil
}

func (m *mockClient) GetBlockHashByHeight(ctx context.Context, height int64) (chainhash.Hash, error) {
	return chainhash.Hash{}, nil
}

func (m *mockClient) GetTx(ctx context.Context, txid chainhash.Hash) (*wire.MsgTx, error) {
	return wire.NewMsgTx(2), nil
}

func (m *mockClient) GetTxConfirmations(ctx context.Context, txid chainhash.Hash) (uint32, error) {
	return 0, nil
}

func (m *mockClient) ListUTXOs(ctx context.Context, address string) ([]btcrpc.UTXO, error) {
	return nil, nil
}

func (m *mockClient) EstimateFeeRate(ctx context.Context, priority btcrpc.FeePriority) (int64, error) {
	return 0, nil
}

func (m *mockClient) BroadcastSignedTx(ctx context.Context, tx *wire.MsgTx) error {
	return nil
}

func (m *mockClient) GetMempoolEntry(ctx context.Context, txid chainhash.Hash) (*btcrpc.MempoolEntry, error) {
	return nil, nil
}

func (m *mockClient) CurrentHeight(ctx context.Context) (int64, error) {
	return 0, nil
}

func newTestWatcher(t *testing.T, client btcrpc.Client) (*Watcher, *store.DB) {
	t.Helper()

	db, err := store.Open(&store.Config{UseMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	votes := vote.New(db, vote.Config{ZKAgreementThreshold: 0.6})

	w := New(client, db, votes, nil, nil, Config{
		StartHeight:   100,
		BridgeAddress: "bcrt1qbridgetest",
		NetParams:     &chaincfg.RegressionNetParams,
	})
	return w, db
}

func TestWatcher_TickAdvancesToTip(t *testing.T) {
	t.Parallel()

	client := newMockClient()
	w, db := newTestWatcher(t, client)
	ctx := context.Background()

	require.NoError(t, db.InsertBlock(ctx, 100, chainhash.Hash{0x01}, 1))
	require.NoError(t, db.InsertBlock(ctx, 101, chainhash.Hash{0x02}, 1))
	require.NoError(t, db.InsertBlock(ctx, 102, chainhash.Hash{0x03}, 1))

	require.NoError(t, w.tick(ctx))

	last, ok, err := db.LastIndexedHeight(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(102), last)
}

func TestWatcher_TickIsIdempotentAtTip(t *testing.T) {
	t.Parallel()

	client := newMockClient()
	w, db := newTestWatcher(t, client)
	ctx := context.Background()

	require.NoError(t, db.InsertBlock(ctx, 100, chainhash.Hash{0x01}, 1))
	require.NoError(t, w.tick(ctx))
	require.NoError(t, w.tick(ctx))

	last, ok, err := db.LastIndexedHeight(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(100), last)
}

func TestWatcher_NoBlocksObservedYetIsANoop(t *testing.T) {
	t.Parallel()

	client := newMockClient()
	w, _ := newTestWatcher(t, client)
	ctx := context.Background()

	require.NoError(t, w.tick(ctx))
}

func TestWatcher_ReorgRewindsProgressMarker(t *testing.T) {
	t.Parallel()

	client := newMockClient()
	w, db := newTestWatcher(t, client)
	ctx := context.Background()

	require.NoError(t, db.SetLastIndexedHeight(ctx, 150))

	events := make(chan reorg.Event, 1)
	events <- reorg.Event{Generation: 2, LastValidHeight: 90}
	close(events)

	w.watchReorgs(events)

	last, ok, err := db.LastIndexedHeight(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, int64(90), last)
	require.False(t, w.paused)
}

func TestNoopDepositSink_DiscardsWithoutError(t *testing.T) {
	t.Parallel()

	var sink NoopDepositSink
	dep := indexer.Deposit{TxID: chainhash.Hash{0x01}, OutputIndex: 0, Value: 1000}
	require.NoError(t, sink.DepositObserved(context.Background(), 1, dep))
}
