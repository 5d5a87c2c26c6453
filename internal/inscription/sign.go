package inscription

import (
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/via-protocol/btc-settlement-core/internal/coreerr"
)

// SignEnvelope produces the Schnorr signature over the reveal transaction's
// tapscript sighash for inputIndex, the counterpart to
// VerifyEnvelopeSignature used by C5 when constructing a reveal
// transaction (§4.5 step 4: "Sign both... Schnorr for Taproot").
func SignEnvelope(
	tx *wire.MsgTx,
	inputIndex int,
	prevOuts []*wire.TxOut,
	leafScript []byte,
	privKey *btcec.PrivateKey,
) ([]byte, error) {
	fetcher := txscript.NewMultiPrevOutFetcher(nil)
	for i, out := range prevOuts {
		fetcher.AddPrevOut(tx.TxIn[i].PreviousOutPoint, out)
	}

	sigHashes := txscript.NewTxSigHashes(tx, fetcher)
	leaf := txscript.NewBaseTapLeaf(leafScript)

	sigHash, err := txscript.CalcTapscriptSignaturehash(
		sigHashes, txscript.SigHashDefault, tx, inputIndex, fetcher, leaf,
	)
	if err != nil {
		return nil, coreerr.Protocol("compute tapscript sighash", err)
	}

	sig, err := schnorr.Sign(privKey, sigHash)
	if err != nil {
		return nil, coreerr.Protocol("schnorr sign", err)
	}

	return sig.Serialize(), nil
}

// MarshalPushes serializes an ordered list of data pushes into a flat,
// length-prefixed byte string suitable for at-rest storage as an
// InscriptionRequest's payload (§3) — distinct from the on-chain envelope
// encoding, which embeds the pushes directly as script data elements.
func MarshalPushes(pushes [][]byte) []byte {
	var out []byte
	for _, p := range pushes {
		lenBuf := uvarintBytes(uint64(len(p)))
		out = append(out, lenBuf...)
		out = append(out, p...)
	}
	return out
}

// UnmarshalPushes is the inverse of MarshalPushes.
func UnmarshalPushes(data []byte) ([][]byte, error) {
	var pushes [][]byte
	for len(data) > 0 {
		n, read, err := readUvarint(data)
		if err != nil {
			return nil, fmt.Errorf("malformed push length: %w", err)
		}
		data = data[read:]
		if uint64(len(data)) < n {
			return nil, fmt.Errorf("push length %d exceeds remaining %d bytes", n, len(data))
		}
		pushes = append(pushes, append([]byte(nil), data[:n]...))
		data = data[n:]
	}
	return pushes, nil
}
