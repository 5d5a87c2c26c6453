package musig

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/musig2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/via-protocol/btc-settlement-core/internal/btcrpc"
	"github.com/via-protocol/btc-settlement-core/internal/store"
	"github.com/via-protocol/btc-settlement-core/internal/withdrawal"
)

type fakeClient struct {
	utxos     []btcrpc.UTXO
	feeRate   int64
	broadcast *wire.MsgTx
}

func (f *fakeClient) GetBlockByHeight(ctx context.Context, height int64) (*wire.MsgBlock, error) {
	return wire.NewMsgBlock(&wire.BlockHeader{}), nil
}
func (f *fakeClient) GetBlockHashByHeight(ctx context.Context, height int64) (chainhash.Hash, error) {
	return chainhash.Hash{}, nil
}
func (f *fakeClient) GetTx(ctx context.Context, txid chainhash.Hash) (*wire.MsgTx, error) {
	return wire.NewMsgTx(2), nil
}
func (f *fakeClient) GetTxConfirmations(ctx context.Context, txid chainhash.Hash) (uint32, error) {
	return 0, nil
}
func (f *fakeClient) ListUTXOs(ctx context.Context, address string) ([]btcrpc.UTXO, error) {
	return f.utxos, nil
}
func (f *fakeClient) EstimateFeeRate(ctx context.Context, priority btcrpc.FeePriority) (int64, error) {
	return f.feeRate, nil
}
func (f *fakeClient) BroadcastSignedTx(ctx context.Context, tx *wire.MsgTx) error {
	f.broadcast = tx
	return nil
}
func (f *fakeClient) GetMempoolEntry(ctx context.Context, txid chainhash.Hash) (*btcrpc.MempoolEntry, error) {
	return nil, nil
}
func (f *fakeClient) CurrentHeight(ctx context.Context) (int64, error) { return 100, nil }

type fakeWithdrawalSource struct {
	withdrawals []withdrawal.L2Withdrawal
}

func (f *fakeWithdrawalSource) WithdrawalsForBatch(ctx context.Context, batch store.VotableTransaction) ([]withdrawal.L2Withdrawal, error) {
	return f.withdrawals, nil
}

func p2wpkhAddr(t *testing.T) string {
	t.Helper()
	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	hash := btcutil.Hash160(key.PubKey().SerializeCompressed())
	addr, err := btcutil.NewAddressWitnessPubKeyHash(hash, &chaincfg.RegressionNetParams)
	require.NoError(t, err)
	return addr.EncodeAddress()
}

// setupCoordinator wires a Coordinator over a real in-memory store and two
// MuSig2 verifier keys, with one bridge UTXO available to spend.
func setupCoordinator(t *testing.T) (*Coordinator, *store.DB, []*btcec.PrivateKey, *fakeClient) {
	t.Helper()

	db, err := store.Open(&store.Config{UseMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	verifierKeys := []*btcec.PrivateKey{}
	verifierPubKeys := []*btcec.PublicKey{}
	for i := 0; i < 2; i++ {
		k, err := btcec.NewPrivateKey()
		require.NoError(t, err)
		verifierKeys = append(verifierKeys, k)
		verifierPubKeys = append(verifierPubKeys, k.PubKey())
	}

	bridgeKey, err := aggregateBridgeKey(verifierPubKeys)
	require.NoError(t, err)
	outputKey := txscript.ComputeTaprootOutputKey(bridgeKey, nil)
	bridgeAddr, err := btcutil.NewAddressTaproot(schnorr.SerializePubKey(outputKey), &chaincfg.RegressionNetParams)
	require.NoError(t, err)
	bridgePkScript, err := txscript.PayToAddrScript(bridgeAddr)
	require.NoError(t, err)

	client := &fakeClient{
		feeRate: 2,
		utxos: []btcrpc.UTXO{{
			OutPoint: wire.OutPoint{Hash: chainhash.Hash{0xaa}, Index: 0},
			Value:    1_000_000,
			PkScript: bridgePkScript,
		}},
	}

	builder := withdrawal.New(client, withdrawal.Config{
		BridgeAddress: bridgeAddr.EncodeAddress(),
		NetParams:     &chaincfg.RegressionNetParams,
		DustThreshold: 546,
	})

	withdrawalsSource := &fakeWithdrawalSource{
		withdrawals: []withdrawal.L2Withdrawal{{Receiver: p2wpkhAddr(t), Value: 100_000}},
	}

	ctx := context.Background()
	_, err = db.UpsertBatchDA(ctx, 5, "batchhash5", "batchhash4", "da", "ref5", "revealcommit5")
	require.NoError(t, err)
	require.NoError(t, db.LinkProofDA(ctx, mustVotableID(t, ctx, db, "batchhash5"), "revealproof5", "da", "ref5proof"))
	require.NoError(t, db.Finalize(ctx, mustVotableID(t, ctx, db, "batchhash5")))

	coord, err := New(db, client, builder, withdrawalsSource, nil, Config{
		VerifierPubKeys: verifierPubKeys,
		SessionTimeout:  time.Minute,
		PollInterval:    time.Millisecond,
	})
	require.NoError(t, err)

	return coord, db, verifierKeys, client
}

func mustVotableID(t *testing.T, ctx context.Context, db *store.DB, batchHash string) string {
	t.Helper()
	v, err := db.VotableByBatchHash(ctx, batchHash)
	require.NoError(t, err)
	require.NotNil(t, v)
	return v.ID
}

func TestCoordinatorOpensSessionForFinalizedBatch(t *testing.T) {
	coord, _, _, _ := setupCoordinator(t)

	require.NoError(t, coord.tick(context.Background()))

	session, ok := coord.CurrentSession()
	require.True(t, ok)
	require.Equal(t, StateNew, session.State)
	require.Equal(t, int64(5), session.L1BatchNumber)
}

func TestCoordinatorFullSigningFlow(t *testing.T) {
	coord, _, verifierKeys, client := setupCoordinator(t)
	ctx := context.Background()

	require.NoError(t, coord.tick(ctx))
	session, ok := coord.CurrentSession()
	require.True(t, ok)

	verifierPubKeys := coord.cfg.VerifierPubKeys

	// Round 1: both verifiers submit nonces.
	secNonces := make([][musig2.SecNonceSize]byte, len(verifierKeys))
	for i := range verifierKeys {
		pub, sec, err := generateNonce(verifierPubKeys[i])
		require.NoError(t, err)
		secNonces[i] = sec
		require.NoError(t, coord.RegisterNonce(session.ID, uint32(i), pub))
	}

	agg, err := coord.AggregateNonce(session.ID)
	require.NoError(t, err)

	session, ok = coord.CurrentSession()
	require.True(t, ok)
	require.Equal(t, StateNoncesCollected, session.State)

	pkt, err := psbt.NewFromRawBytes(bytes.NewReader(session.PSBT), false)
	require.NoError(t, err)
	sigHash, err := keypathSigHash(pkt)
	require.NoError(t, err)

	// Round 2: both verifiers submit partial signatures; the second
	// submission drives the coordinator to finalize and broadcast.
	for i := range verifierKeys {
		partial, err := signPartial(secNonces[i], verifierKeys[i], agg, verifierPubKeys, sigHash)
		require.NoError(t, err)
		require.NoError(t, coord.RegisterPartial(ctx, session.ID, uint32(i), partial))
	}

	require.NotNil(t, client.broadcast, "final tx should have been broadcast")

	final, ok := coord.CurrentSession()
	require.True(t, ok)
	require.Equal(t, StateDone, final.State)
	require.NotEmpty(t, final.FinalTxID)
}

func TestRegisterNonceRejectsReuse(t *testing.T) {
	coord, _, _, _ := setupCoordinator(t)
	require.NoError(t, coord.tick(context.Background()))
	session, _ := coord.CurrentSession()

	pub, _, err := generateNonce(coord.cfg.VerifierPubKeys[0])
	require.NoError(t, err)

	require.NoError(t, coord.RegisterNonce(session.ID, 0, pub))
	err = coord.RegisterNonce(session.ID, 0, pub)
	require.ErrorIs(t, err, ErrNonceReuse)

	aborted, _ := coord.CurrentSession()
	require.Equal(t, StateAborted, aborted.State)
	require.Equal(t, "nonce_reuse", aborted.AbortReason)
}

func TestSessionRequestsOutsideCurrentIDConflict(t *testing.T) {
	coord, _, _, _ := setupCoordinator(t)
	require.NoError(t, coord.tick(context.Background()))

	_, err := coord.AggregateNonce("not-the-current-session")
	require.ErrorIs(t, err, ErrSessionConflict)
}

func TestNoSessionReturnsNoActiveSession(t *testing.T) {
	db, err := store.Open(&store.Config{UseMemory: true})
	require.NoError(t, err)
	defer db.Close()

	key, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	client := &fakeClient{}
	builder := withdrawal.New(client, withdrawal.Config{NetParams: &chaincfg.RegressionNetParams})
	coord, err := New(db, client, builder, &fakeWithdrawalSource{}, nil, Config{VerifierPubKeys: []*btcec.PublicKey{key.PubKey()}})
	require.NoError(t, err)

	_, ok := coord.CurrentSession()
	require.False(t, ok)

	err = coord.RegisterNonce("anything", 0, [musig2.PubNonceSize]byte{})
	require.ErrorIs(t, err, ErrNoActiveSession)
}
