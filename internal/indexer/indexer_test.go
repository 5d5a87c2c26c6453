package indexer

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"

	"github.com/via-protocol/btc-settlement-core/internal/inscription"
)

// buildRevealTx constructs a single-input reveal transaction whose witness
// satisfies a taproot script-path spend of an inscription envelope,
// mirroring the commit/reveal pattern used throughout §4.5.
func buildRevealTx(t *testing.T, msg *inscription.Message, bridgeScript []byte, bridgeValue int64) (*wire.MsgTx, PrevOutputSet, []byte) {
	t.Helper()

	privKey, err := btcec.NewPrivateKey()
	require.NoError(t, err)
	pubKey := schnorr.SerializePubKey(privKey.PubKey())

	pushes, err := inscription.Encode(msg)
	require.NoError(t, err)

	leafScript, err := inscription.BuildEnvelopeScript(pubKey, pushes)
	require.NoError(t, err)

	leaf := txscript.NewBaseTapLeaf(leafScript)
	tree := txscript.AssembleTaprootScriptTree(leaf)
	merkleRoot := tree.RootNode.TapHash()
	tweakedKey := txscript.ComputeTaprootOutputKey(privKey.PubKey(), merkleRoot[:])

	ctrlBlock := tree.LeafMerkleProofs[0].ToControlBlock(privKey.PubKey())
	ctrlBlockBytes, err := ctrlBlock.ToBytes()
	require.NoError(t, err)

	commitPkScript, err := txscript.PayToTaprootScript(tweakedKey)
	require.NoError(t, err)

	commitTxID := chainhash.Hash{0xAA}
	prevOuts := PrevOutputSet{
		wire.OutPoint{Hash: commitTxID, Index: 0}: {
			Value:    100_000,
			PkScript: commitPkScript,
		},
	}

	reveal := wire.NewMsgTx(2)
	reveal.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Hash: commitTxID, Index: 0},
	})
	reveal.AddTxOut(&wire.TxOut{Value: 1_000, PkScript: []byte{txscript.OP_TRUE}})
	if bridgeScript != nil {
		reveal.AddTxOut(&wire.TxOut{Value: bridgeValue, PkScript: bridgeScript})
	}

	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	fetcher.AddPrevOut(reveal.TxIn[0].PreviousOutPoint, prevOuts[reveal.TxIn[0].PreviousOutPoint])
	sigHashes := txscript.NewTxSigHashes(reveal, fetcher)

	sigHash, err := txscript.CalcTapscriptSignaturehash(
		sigHashes, txscript.SigHashDefault, reveal, 0, fetcher, leaf,
	)
	require.NoError(t, err)

	sig, err := schnorr.Sign(privKey, sigHash)
	require.NoError(t, err)

	reveal.TxIn[0].Witness = wire.TxWitness{
		sig.Serialize(),
		leafScript,
		ctrlBlockBytes,
	}

	return reveal, prevOuts, pubKey
}

func bridgeScriptForTest(t *testing.T) ([]byte, string) {
	t.Helper()

	priv, err := btcec.NewPrivateKey()
	require.NoError(t, err)

	tweaked := txscript.ComputeTaprootKeyNoScript(priv.PubKey())
	script, err := txscript.PayToTaprootScript(tweaked)
	require.NoError(t, err)

	addr, err := btcutil.NewAddressTaproot(schnorr.SerializePubKey(tweaked), &chaincfg.RegressionNetParams)
	require.NoError(t, err)

	return script, addr.EncodeAddress()
}

func TestIndexBlock_ParsesAuthorizedAttestation(t *testing.T) {
	SetNetworkParams(&chaincfg.RegressionNetParams)

	verifierSender := make([]byte, 32)
	verifierSender[0] = 0x01

	msg := &inscription.Message{
		Kind: inscription.KindValidatorAttestation,
		Attestation: &inscription.ValidatorAttestation{
			ReferenceTxID: chainhash.Hash{0x01},
			Vote:          inscription.VoteOk,
		},
	}

	reveal, prevOuts, pubKey := buildRevealTx(t, msg, nil, 0)

	block := &wire.MsgBlock{
		Header:       wire.BlockHeader{},
		Transactions: []*wire.MsgTx{reveal},
	}

	cfg := Config{
		Auth: &inscription.AuthContext{KnownVerifiers: [][]byte{pubKey}},
	}

	result, err := IndexBlock(block, 150, prevOuts, cfg)
	require.NoError(t, err)
	require.Len(t, result.Txs, 1)
	require.NotNil(t, result.Txs[0].Message)
	require.Equal(t, inscription.KindValidatorAttestation, result.Txs[0].Message.Kind)
	require.Equal(t, msg.Attestation, result.Txs[0].Message.Attestation)
}

func TestIndexBlock_RejectsUnauthorizedSender(t *testing.T) {
	SetNetworkParams(&chaincfg.RegressionNetParams)

	msg := &inscription.Message{
		Kind:      inscription.KindProposeSequencer,
		Sequencer: &inscription.ProposeSequencer{SequencerAddress: "bcrt1qsequencer"},
	}

	reveal, prevOuts, _ := buildRevealTx(t, msg, nil, 0)

	block := &wire.MsgBlock{Transactions: []*wire.MsgTx{reveal}}

	cfg := Config{
		Auth: &inscription.AuthContext{KnownVerifiers: [][]byte{{0xFF}}},
	}

	result, err := IndexBlock(block, 150, prevOuts, cfg)
	require.NoError(t, err)
	require.Len(t, result.Txs, 1)
	require.Nil(t, result.Txs[0].Message)
}

func TestIndexBlock_DetectsInscribedDeposit(t *testing.T) {
	SetNetworkParams(&chaincfg.RegressionNetParams)

	bridgeScript, bridgeAddr := bridgeScriptForTest(t)

	msg := &inscription.Message{
		Kind: inscription.KindL1ToL2Message,
		L1ToL2: &inscription.L1ToL2Message{
			ReceiverL2Address: [20]byte{0x36, 0x61},
		},
	}

	reveal, prevOuts, _ := buildRevealTx(t, msg, bridgeScript, 100_000_000)

	block := &wire.MsgBlock{Transactions: []*wire.MsgTx{reveal}}

	cfg := Config{
		BridgeAddress:  bridgeAddr,
		ProtocolFeeSat: 1_000,
	}

	result, err := IndexBlock(block, 150, prevOuts, cfg)
	require.NoError(t, err)
	require.Len(t, result.Txs, 1)
	require.NotNil(t, result.Txs[0].Deposit)
	require.Equal(t, int64(100_000_000-1_000), result.Txs[0].Deposit.Value)
	require.Equal(t, uint32(1), result.Txs[0].Deposit.OutputIndex)
}

func TestIndexBlock_DetectsPlainDeposit(t *testing.T) {
	SetNetworkParams(&chaincfg.RegressionNetParams)

	bridgeScript, bridgeAddr := bridgeScriptForTest(t)

	opReturn, err := txscript.NewScriptBuilder().
		AddOp(txscript.OP_RETURN).
		AddData([]byte(PlainDepositMagic)).
		AddData(make([]byte, 20)).
		Script()
	require.NoError(t, err)

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{PreviousOutPoint: wire.OutPoint{Hash: chainhash.Hash{0xBB}, Index: 0}})
	tx.AddTxOut(&wire.TxOut{Value: 50_000_000, PkScript: bridgeScript})
	tx.AddTxOut(&wire.TxOut{Value: 0, PkScript: opReturn})

	block := &wire.MsgBlock{Transactions: []*wire.MsgTx{tx}}

	cfg := Config{
		BridgeAddress:  bridgeAddr,
		ProtocolFeeSat: 500,
	}

	result, err := IndexBlock(block, 200, PrevOutputSet{}, cfg)
	require.NoError(t, err)
	require.Len(t, result.Txs, 1)
	require.Nil(t, result.Txs[0].Message)
	require.NotNil(t, result.Txs[0].Deposit)
	require.Equal(t, int64(50_000_000-500), result.Txs[0].Deposit.Value)
}

func TestIndexBlock_PreservesTxOrder(t *testing.T) {
	SetNetworkParams(&chaincfg.RegressionNetParams)

	msgA := &inscription.Message{
		Kind: inscription.KindValidatorAttestation,
		Attestation: &inscription.ValidatorAttestation{
			ReferenceTxID: chainhash.Hash{0x01},
			Vote:          inscription.VoteOk,
		},
	}
	msgB := &inscription.Message{
		Kind: inscription.KindValidatorAttestation,
		Attestation: &inscription.ValidatorAttestation{
			ReferenceTxID: chainhash.Hash{0x02},
			Vote:          inscription.VoteNotOk,
		},
	}

	revealA, prevOutsA, pubKeyA := buildRevealTx(t, msgA, nil, 0)
	revealB, prevOutsB, pubKeyB := buildRevealTx(t, msgB, nil, 0)

	merged := PrevOutputSet{}
	for k, v := range prevOutsA {
		merged[k] = v
	}
	for k, v := range prevOutsB {
		merged[k] = v
	}

	block := &wire.MsgBlock{Transactions: []*wire.MsgTx{revealA, revealB}}

	cfg := Config{
		Auth: &inscription.AuthContext{KnownVerifiers: [][]byte{pubKeyA, pubKeyB}},
	}

	result, err := IndexBlock(block, 150, merged, cfg)
	require.NoError(t, err)
	require.Len(t, result.Txs, 2)
	require.Equal(t, msgA.Attestation, result.Txs[0].Message.Attestation)
	require.Equal(t, msgB.Attestation, result.Txs[1].Message.Attestation)
}
