package withdrawal

import (
	"context"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/via-protocol/btc-settlement-core/internal/btcrpc"
)

// mockClient is a hand-written stub of btcrpc.Client, matching
// internal/inscriber's mock style.
type mockClient struct {
	utxos   []btcrpc.UTXO
	feeRate int64
}

func (m *mockClient) GetBlockByHeight(ctx context.Context, height int64) (*wire.MsgBlock, error) {
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
	return m.utxos, nil
}
func (m *mockClient) EstimateFeeRate(ctx context.Context, priority btcrpc.FeePriority) (int64, error) {
	return m.feeRate, nil
}
func (m *mockClient) BroadcastSignedTx(ctx context.Context, tx *wire.MsgTx) error { return nil }
func (m *mockClient) GetMempoolEntry(ctx context.Context, txid chainhash.Hash) (*btcrpc.MempoolEntry, error) {
	return nil, nil
}
func (m *mockClient) CurrentHeight(ctx context.Context) (int64, error) { return 100, nil }

func p2wpkhAddress(t *testing.T) string {
	t.Helper()
	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	hash := btcutil.Hash160(key.PubKey().SerializeCompressed())
	addr, err := btcutil.NewAddressWitnessPubKeyHash(hash, &chaincfg.RegressionNetParams)
	require.NoError(t, err)
	return addr.EncodeAddress()
}

func taprootAddress(t *testing.T, key *btcec.PrivateKey) string {
	t.Helper()
	outputKey := txscript.ComputeTaprootOutputKey(key.PubKey(), nil)
	addr, err := btcutil.NewAddressTaproot(schnorr.SerializePubKey(outputKey), &chaincfg.RegressionNetParams)
	require.NoError(t, err)
	return addr.EncodeAddress()
}

func TestBuildGroupsAndSortsReceivers(t *testing.T) {
	bridgeKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	bridgeAddr := taprootAddress(t, bridgeKey)

	receiverA := p2wpkhAddress(t)
	receiverB := p2wpkhAddress(t)
	if receiverA < receiverB {
		receiverA, receiverB = receiverB, receiverA // force descending input order
	}

	client := &mockClient{
		feeRate: 10,
		utxos: []btcrpc.UTXO{
			{OutPoint: wire.OutPoint{Index: 0}, Value: 1_000_000},
			{OutPoint: wire.OutPoint{Index: 1}, Value: 2_000_000},
		},
	}

	b := New(client, Config{BridgeAddress: bridgeAddr, NetParams: &chaincfg.RegressionNetParams, DustThreshold: 546})

	withdrawals := []L2Withdrawal{
		{Receiver: receiverA, Value: 100_000},
		{Receiver: receiverB, Value: 200_000},
		{Receiver: receiverB, Value: 50_000}, // second payout to same receiver, summed
	}

	result, err := b.Build(context.Background(), withdrawals, chainhash.Hash{0x01}, bridgeKey.PubKey(), nil)
	require.NoError(t, err)
	require.Len(t, result.Grouped, 2)

	// ascending receiver-address order (§4.7, S4).
	require.True(t, result.Grouped[0].Receiver < result.Grouped[1].Receiver)
	require.NotEmpty(t, result.PSBT)
	require.NotEmpty(t, result.SpentUTXOs)
}

func TestBuildDropsDustReceivers(t *testing.T) {
	bridgeKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	bridgeAddr := taprootAddress(t, bridgeKey)

	client := &mockClient{
		feeRate: 5,
		utxos:   []btcrpc.UTXO{{OutPoint: wire.OutPoint{Index: 0}, Value: 1_000_000}},
	}
	b := New(client, Config{BridgeAddress: bridgeAddr, NetParams: &chaincfg.RegressionNetParams, DustThreshold: 546})

	withdrawals := []L2Withdrawal{{Receiver: p2wpkhAddress(t), Value: 100}}

	_, err = b.Build(context.Background(), withdrawals, chainhash.Hash{}, bridgeKey.PubKey(), nil)
	require.ErrorIs(t, err, ErrNoEligibleWithdrawals)
}

func TestBuildInsufficientUTXOs(t *testing.T) {
	bridgeKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	bridgeAddr := taprootAddress(t, bridgeKey)

	client := &mockClient{
		feeRate: 10,
		utxos:   []btcrpc.UTXO{{OutPoint: wire.OutPoint{Index: 0}, Value: 1000}},
	}
	b := New(client, Config{BridgeAddress: bridgeAddr, NetParams: &chaincfg.RegressionNetParams, DustThreshold: 546})

	withdrawals := []L2Withdrawal{{Receiver: p2wpkhAddress(t), Value: 900_000}}

	_, err = b.Build(context.Background(), withdrawals, chainhash.Hash{}, bridgeKey.PubKey(), nil)
	require.ErrorIs(t, err, ErrInsufficientUtxos)
}

func TestBuildIsIdempotent(t *testing.T) {
	bridgeKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	bridgeAddr := taprootAddress(t, bridgeKey)

	client := &mockClient{
		feeRate: 10,
		utxos:   []btcrpc.UTXO{{OutPoint: wire.OutPoint{Index: 0}, Value: 1_000_000}},
	}
	withdrawals := []L2Withdrawal{{Receiver: p2wpkhAddress(t), Value: 100_000}}

	b1 := New(client, Config{BridgeAddress: bridgeAddr, NetParams: &chaincfg.RegressionNetParams, DustThreshold: 546})
	r1, err := b1.Build(context.Background(), withdrawals, chainhash.Hash{0x02}, bridgeKey.PubKey(), nil)
	require.NoError(t, err)

	b2 := New(client, Config{BridgeAddress: bridgeAddr, NetParams: &chaincfg.RegressionNetParams, DustThreshold: 546})
	r2, err := b2.Build(context.Background(), withdrawals, chainhash.Hash{0x02}, bridgeKey.PubKey(), nil)
	require.NoError(t, err)

	// §8 property 6: same finalized batch, same UTXOs, same fee rate ->
	// bit-identical unsigned PSBT.
	require.Equal(t, r1.PSBT, r2.PSBT)
}
