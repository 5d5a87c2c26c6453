package vote

import (
	"context"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/via-protocol/btc-settlement-core/internal/indexer"
	"github.com/via-protocol/btc-settlement-core/internal/inscription"
	"github.com/via-protocol/btc-settlement-core/internal/store"
)

func newTestEngine(t *testing.T) (*Engine, *store.DB) {
	t.Helper()

	db, err := store.Open(&store.Config{UseMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	// threshold 0.6 over a 3-verifier set requires ceil(3*0.6)=2 Ok votes.
	e := New(db, Config{ZKAgreementThreshold: 0.6})
	return e, db
}

func registerVerifiers(t *testing.T, db *store.DB, addrs ...string) {
	t.Helper()
	ctx := context.Background()
	for _, a := range addrs {
		require.NoError(t, db.UpsertWallet(ctx, store.Wallet{Role: store.RoleVerifier, Address: a}))
	}
}

func batchDATx(batchNumber uint64, hash, prevHash chainhash.Hash) indexer.IndexedTx {
	tx := wire.NewMsgTx(2)
	tx.AddTxOut(&wire.TxOut{Value: 1000})
	return indexer.IndexedTx{
		Tx: tx,
		Message: &inscription.Message{
			Kind: inscription.KindL1BatchDAReference,
			BatchDA: &inscription.L1BatchDAReference{
				L1BatchHash:     hash,
				L1BatchIndex:    batchNumber,
				DAIdentifier:    "celestia",
				DAReference:     "blob",
				PrevL1BatchHash: prevHash,
			},
		},
	}
}

func proofDATx(batchRevealTxID chainhash.Hash, daRef string) indexer.IndexedTx {
	tx := wire.NewMsgTx(2)
	// A distinct output value from batchDATx/attestationTx's so this
	// synthetic tx hashes differently from the batch-DA reveal it
	// references, matching reality where the proof-DA inscription lives
	// in its own reveal transaction.
	tx.AddTxOut(&wire.TxOut{Value: 2000})
	return indexer.IndexedTx{
		Tx: tx,
		Message: &inscription.Message{
			Kind: inscription.KindProofDAReference,
			ProofDA: &inscription.ProofDAReference{
				L1BatchRevealTxID: batchRevealTxID,
				DAIdentifier:      "celestia",
				DAReference:       daRef,
			},
		},
	}
}

func attestationTx(sender []byte, referenceTxID chainhash.Hash, vote inscription.AttestationVote) indexer.IndexedTx {
	tx := wire.NewMsgTx(2)
	tx.AddTxOut(&wire.TxOut{Value: 1000})
	return indexer.IndexedTx{
		Tx: tx,
		Message: &inscription.Message{
			Kind:   inscription.KindValidatorAttestation,
			Sender: sender,
			Attestation: &inscription.ValidatorAttestation{
				ReferenceTxID: referenceTxID,
				Vote:          vote,
			},
		},
	}
}

func TestEngine_FinalizesGenesisBatchAtThreshold(t *testing.T) {
	t.Parallel()

	e, db := newTestEngine(t)
	ctx := context.Background()
	registerVerifiers(t, db, "verifier1", "verifier2", "verifier3")

	var zero chainhash.Hash
	batchHash := chainhash.Hash{0x01}
	batchTx := batchDATx(0, batchHash, zero)
	require.NoError(t, e.IngestTx(ctx, batchTx))

	revealTxID := batchTx.Tx.TxHash()

	require.NoError(t, e.IngestTx(ctx, attestationTx([]byte("v1"), revealTxID, inscription.VoteOk)))
	require.NoError(t, e.IngestTx(ctx, attestationTx([]byte("v2"), revealTxID, inscription.VoteOk)))

	require.NoError(t, e.Reconcile(ctx, 3))

	votable, err := db.VotableByBatchHash(ctx, batchHash.String())
	require.NoError(t, err)
	require.True(t, votable.IsFinalized)
}

func TestEngine_DoesNotFinalizeBelowThreshold(t *testing.T) {
	t.Parallel()

	e, db := newTestEngine(t)
	ctx := context.Background()
	registerVerifiers(t, db, "verifier1", "verifier2", "verifier3")

	var zero chainhash.Hash
	batchHash := chainhash.Hash{0x01}
	batchTx := batchDATx(0, batchHash, zero)
	require.NoError(t, e.IngestTx(ctx, batchTx))

	require.NoError(t, e.IngestTx(ctx, attestationTx([]byte("v1"), batchTx.Tx.TxHash(), inscription.VoteOk)))

	require.NoError(t, e.Reconcile(ctx, 3))

	votable, err := db.VotableByBatchHash(ctx, batchHash.String())
	require.NoError(t, err)
	require.False(t, votable.IsFinalized)
}

// TestEngine_ProofDALinksItsOwnRevealTxID guards against conflating a
// ProofDAReference's own reveal txid with the batch-DA reveal txid it
// references: the two must end up in different columns, since
// musig/coordinator.go keys its signing session on the former and
// withdrawal/builder.go's OP_RETURN references it too.
func TestEngine_ProofDALinksItsOwnRevealTxID(t *testing.T) {
	t.Parallel()

	e, db := newTestEngine(t)
	ctx := context.Background()

	var zero chainhash.Hash
	batchHash := chainhash.Hash{0x01}
	batchTx := batchDATx(0, batchHash, zero)
	require.NoError(t, e.IngestTx(ctx, batchTx))
	batchRevealTxID := batchTx.Tx.TxHash()

	proofTx := proofDATx(batchRevealTxID, "proofblob")
	require.NoError(t, e.IngestTx(ctx, proofTx))
	proofRevealTxID := proofTx.Tx.TxHash()

	require.NotEqual(t, batchRevealTxID, proofRevealTxID)

	votable, err := db.VotableByBatchHash(ctx, batchHash.String())
	require.NoError(t, err)
	require.NotNil(t, votable.PubdataRevealTxID)
	require.Equal(t, batchRevealTxID.String(), *votable.PubdataRevealTxID)
	require.NotNil(t, votable.ProofRevealTxID)
	require.Equal(t, proofRevealTxID.String(), *votable.ProofRevealTxID)
}

func TestEngine_SecondBatchWaitsForPredecessor(t *testing.T) {
	t.Parallel()

	e, db := newTestEngine(t)
	ctx := context.Background()
	registerVerifiers(t, db, "verifier1", "verifier2", "verifier3")

	var zero chainhash.Hash
	genesisHash := chainhash.Hash{0x01}
	genesisTx := batchDATx(0, genesisHash, zero)
	require.NoError(t, e.IngestTx(ctx, genesisTx))

	nextHash := chainhash.Hash{0x02}
	nextTx := batchDATx(1, nextHash, genesisHash)
	require.NoError(t, e.IngestTx(ctx, nextTx))

	// Vote only the second batch to Ok; it must not finalize before the
	// first, even with enough votes of its own.
	require.NoError(t, e.IngestTx(ctx, attestationTx([]byte("v1"), nextTx.Tx.TxHash(), inscription.VoteOk)))
	require.NoError(t, e.IngestTx(ctx, attestationTx([]byte("v2"), nextTx.Tx.TxHash(), inscription.VoteOk)))

	require.NoError(t, e.Reconcile(ctx, 3))

	next, err := db.VotableByBatchHash(ctx, nextHash.String())
	require.NoError(t, err)
	require.False(t, next.IsFinalized)

	// Now finalize the genesis batch and reconcile again.
	require.NoError(t, e.IngestTx(ctx, attestationTx([]byte("v1"), genesisTx.Tx.TxHash(), inscription.VoteOk)))
	require.NoError(t, e.IngestTx(ctx, attestationTx([]byte("v2"), genesisTx.Tx.TxHash(), inscription.VoteOk)))

	require.NoError(t, e.Reconcile(ctx, 3))

	genesis, err := db.VotableByBatchHash(ctx, genesisHash.String())
	require.NoError(t, err)
	require.True(t, genesis.IsFinalized)

	next, err = db.VotableByBatchHash(ctx, nextHash.String())
	require.NoError(t, err)
	require.True(t, next.IsFinalized)
}
