package inscriber

import (
	"context"
	"sort"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txrules"

	"github.com/via-protocol/btc-settlement-core/internal/btcrpc"
	"github.com/via-protocol/btc-settlement-core/internal/coreerr"
	"github.com/via-protocol/btc-settlement-core/internal/inscription"
)

// approxVSizeVBytes estimates a P2TR key-path input/output's virtual size.
// txsizes (github.com/btcsuite/btcwallet/wallet/txsizes) predates Taproot
// and has no P2TR estimator, so these constants are hand-derived from
// BIP-341's witness layout (schnorr sig 64/4=16 witness vbytes + ~41
// non-witness bytes for a key-path input; 43 bytes for a P2TR output),
// in the spirit of the teacher's own "rough estimate" comment in
// wallet/btcwallet/psbt.go's FundPsbt.
const (
	txOverheadVBytes          = 10
	p2trKeyPathInputVBytes    = 58
	p2trScriptPathInputVBytes = 70 // plus leaf script + control block length
	p2trOutputVBytes          = 43
)

// builtTx bundles a constructed commit or reveal transaction with the
// previous outputs its inputs spend, needed for sighash computation.
type builtTx struct {
	Tx       *wire.MsgTx
	PrevOuts []*wire.TxOut
}

// buildCommit constructs the 1-or-more-in/2-out commit transaction of §4.5
// step 2: inputs selected greedily from the signer's own UTXO set, one
// fresh Taproot output committing to the envelope script, change back to
// the signer.
func (m *Manager) buildCommit(ctx context.Context, leafScript []byte, revealFee int64, extraOutputValue int64) (*builtTx, []byte, error) {
	utxos, err := m.client.ListUTXOs(ctx, m.cfg.SignerAddress)
	if err != nil {
		return nil, nil, err
	}
	sort.Slice(utxos, func(i, j int) bool { return utxos[i].Value > utxos[j].Value })

	feeRate, err := m.client.EstimateFeeRate(ctx, btcrpc.PriorityFastest)
	if err != nil {
		return nil, nil, err
	}

	leaf := txscript.NewBaseTapLeaf(leafScript)
	tree := txscript.AssembleTaprootScriptTree(leaf)
	merkleRoot := tree.RootNode.TapHash()
	outputKey := txscript.ComputeTaprootOutputKey(m.cfg.SignerKey.PubKey(), merkleRoot[:])

	commitPkScript, err := txscript.PayToTaprootScript(outputKey)
	if err != nil {
		return nil, nil, coreerr.Invariant("build commit output script", err)
	}

	commitOutputValue := revealFee + extraOutputValue + m.cfg.DustThreshold

	tx := wire.NewMsgTx(2)
	var prevOuts []*wire.TxOut
	var totalIn int64

	commitVSize := int64(txOverheadVBytes + 2*p2trOutputVBytes)
	for _, u := range utxos {
		tx.AddTxIn(&wire.TxIn{PreviousOutPoint: u.OutPoint})
		prevOuts = append(prevOuts, &wire.TxOut{Value: u.Value, PkScript: u.PkScript})
		totalIn += u.Value
		commitVSize += p2trKeyPathInputVBytes

		commitFee := feeRate * commitVSize
		if totalIn >= commitOutputValue+commitFee {
			break
		}
	}

	commitFee := feeRate * commitVSize
	if totalIn < commitOutputValue+commitFee {
		return nil, nil, coreerr.Transient("select commit inputs", ErrInsufficientFunds)
	}

	tx.AddTxOut(&wire.TxOut{Value: commitOutputValue, PkScript: commitPkScript})

	change := totalIn - commitOutputValue - commitFee
	if !txrules.IsDustAmount(btcutil.Amount(change), p2trOutputVBytes, txrules.DefaultRelayFeePerKb) {
		changeScript, err := txscript.PayToTaprootScript(m.cfg.SignerKey.PubKey())
		if err != nil {
			return nil, nil, coreerr.Invariant("build change output script", err)
		}
		tx.AddTxOut(&wire.TxOut{Value: change, PkScript: changeScript})
	}

	if err := m.signKeyPathInputs(tx, prevOuts); err != nil {
		return nil, nil, err
	}

	ctrlBlock := tree.LeafMerkleProofs[0].ToControlBlock(m.cfg.SignerKey.PubKey())
	ctrlBlockBytes, err := ctrlBlock.ToBytes()
	if err != nil {
		return nil, nil, coreerr.Invariant("serialize control block", err)
	}

	return &builtTx{Tx: tx, PrevOuts: prevOuts}, ctrlBlockBytes, nil
}

// signKeyPathInputs signs every input of a commit transaction as a
// Taproot key-path spend from the signer's own wallet key.
func (m *Manager) signKeyPathInputs(tx *wire.MsgTx, prevOuts []*wire.TxOut) error {
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for i, out := range prevOuts {
		fetcher.AddPrevOut(tx.TxIn[i].PreviousOutPoint, out)
	}
	sigHashes := txscript.NewTxSigHashes(tx, fetcher)

	tweakedKey := txscript.TweakTaprootPrivKey(*m.cfg.SignerKey, nil)

	for i := range tx.TxIn {
		sigHash, err := txscript.CalcTaprootSignatureHash(sigHashes, txscript.SigHashDefault, tx, i, fetcher)
		if err != nil {
			return coreerr.Invariant("compute key-path sighash", err)
		}

		sig, err := schnorr.Sign(tweakedKey, sigHash)
		if err != nil {
			return coreerr.Invariant("sign key-path input", err)
		}

		tx.TxIn[i].Witness = wire.TxWitness{sig.Serialize()}
	}
	return nil
}

// buildReveal constructs the reveal transaction of §4.5 step 3: spends the
// commit output, embeds the payload in the witness under the envelope,
// optionally pays the bridge address for a value-carrying deposit, pays
// the reveal fee, and returns whatever remains of the commit output's
// value as change to the signer's own address (mirroring buildCommit's own
// change output above, and withdrawal/builder.go's Value: 0 OP_RETURN:
// the envelope marker output never carries value).
func (m *Manager) buildReveal(
	ctx context.Context,
	commit *builtTx,
	commitOutputIndex uint32,
	leafScript, ctrlBlock []byte,
	bridgeOutputValue int64,
) (*builtTx, error) {
	commitTxID := commit.Tx.TxHash()
	commitOut := commit.Tx.TxOut[commitOutputIndex]

	feeRate, err := m.client.EstimateFeeRate(ctx, btcrpc.PriorityFastest)
	if err != nil {
		return nil, err
	}

	tx := wire.NewMsgTx(2)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{Hash: commitTxID, Index: commitOutputIndex},
	})

	opReturnScript := []byte{txscript.OP_RETURN}
	tx.AddTxOut(&wire.TxOut{Value: 0, PkScript: opReturnScript})

	vsize := int64(txOverheadVBytes+p2trScriptPathInputVBytes) +
		int64(len(leafScript)/4) + int64(len(ctrlBlock)/4) + outputVSize(opReturnScript)

	if bridgeOutputValue > 0 {
		bridgeScript, err := bridgeOutputScript(m.cfg.BridgeAddress, m.cfg.NetParams)
		if err != nil {
			return nil, err
		}
		tx.AddTxOut(&wire.TxOut{Value: bridgeOutputValue, PkScript: bridgeScript})
		vsize += outputVSize(bridgeScript)
	}

	changeScript, err := txscript.PayToTaprootScript(m.cfg.SignerKey.PubKey())
	if err != nil {
		return nil, coreerr.Invariant("build reveal change output script", err)
	}
	vsize += outputVSize(changeScript)

	fee := feeRate * vsize
	change := commitOut.Value - bridgeOutputValue - fee
	if change < 0 {
		change = 0
	}
	if !txrules.IsDustAmount(btcutil.Amount(change), int(outputVSize(changeScript)), txrules.DefaultRelayFeePerKb) {
		tx.AddTxOut(&wire.TxOut{Value: change, PkScript: changeScript})
	}

	prevOuts := []*wire.TxOut{commitOut}

	sig, err := inscription.SignEnvelope(tx, 0, prevOuts, leafScript, m.cfg.SignerKey)
	if err != nil {
		return nil, err
	}

	tx.TxIn[0].Witness = wire.TxWitness{sig, leafScript, ctrlBlock}

	return &builtTx{Tx: tx, PrevOuts: prevOuts}, nil
}

// outputVSize is an output's exact virtual-byte contribution: outputs
// carry no witness data, so their vsize equals their serialized size.
func outputVSize(pkScript []byte) int64 {
	return 8 + int64(wire.VarIntSerializeSize(uint64(len(pkScript)))) + int64(len(pkScript))
}

func bridgeOutputScript(address string, params *chaincfg.Params) ([]byte, error) {
	addr, err := btcutil.DecodeAddress(address, params)
	if err != nil {
		return nil, coreerr.Protocol("decode bridge address", err)
	}
	return txscript.PayToAddrScript(addr)
}
