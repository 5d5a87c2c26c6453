// Package indexer implements the C3 component: a stateless parser that
// turns a Bitcoin block into the ordered list of (tx, parsed message) pairs
// plus detected bridge deposits, grounded on the chain-bridge pattern of
// the node RPC client (internal/btcrpc) but owning no state of its own.
package indexer

import (
	"fmt"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/via-protocol/btc-settlement-core/internal/inscription"
)

// PlainDepositMagic tags an OP_RETURN carrying a bare bridge-address
// payment's L2 receiver, used for deposits that skip the inscription
// envelope entirely (§6.2 "Deposits may alternatively be expressed...").
const PlainDepositMagic = "via_deposit"

// PrevOutputSet supplies the previous outputs referenced by a block's
// inputs, pre-fetched by the caller so that IndexBlock stays a pure
// function of (block, prevOuts, cfg) as required by §4.3.
type PrevOutputSet map[wire.OutPoint]*wire.TxOut

// Deposit is a bridging payment recognized on a reveal transaction, either
// paired with an L1ToL2Message inscription or expressed as a plain
// OP_RETURN-tagged payment to the bridge address.
type Deposit struct {
	TxID        chainhash.Hash
	OutputIndex uint32
	// Value is the deposited amount after the protocol fee constant has
	// been subtracted from the matched output's value.
	Value   int64
	Message *inscription.L1ToL2Message
}

// IndexedTx pairs a transaction with the single inscription message
// recognized in its witness, if any, and any bridge deposit detected on it.
type IndexedTx struct {
	Tx      *wire.MsgTx
	Message *inscription.Message
	Deposit *Deposit
}

// BlockIndex is the result of indexing one block.
type BlockIndex struct {
	Height    int64
	BlockHash chainhash.Hash
	Txs       []IndexedTx
}

// Config parameterizes IndexBlock with the chain-view facts needed to
// authorize inscriptions and recognize bridge deposits.
type Config struct {
	BridgeAddress  string
	ProtocolFeeSat int64
	Auth           *inscription.AuthContext
}

// IndexBlock parses every transaction in block in order, extracting at
// most one inscription message per transaction (the first one whose
// envelope parses, signature verifies and sender is authorized) and
// detecting bridge deposits. It is pure given prevOuts: the same inputs
// always produce the same BlockIndex.
func IndexBlock(block *wire.MsgBlock, height int64, prevOuts PrevOutputSet, cfg Config) (*BlockIndex, error) {
	idx := &BlockIndex{
		Height:    height,
		BlockHash: block.BlockHash(),
		Txs:       make([]IndexedTx, 0, len(block.Transactions)),
	}

	for _, tx := range block.Transactions {
		entry := IndexedTx{Tx: tx}

		msg := extractMessage(tx, prevOuts, cfg.Auth)
		entry.Message = msg

		if dep := detectDeposit(tx, msg, cfg); dep != nil {
			entry.Deposit = dep
		}

		idx.Txs = append(idx.Txs, entry)
	}

	return idx, nil
}

// extractMessage scans every input's witness for the first envelope that
// parses, signature-verifies and passes sender authorization.
func extractMessage(tx *wire.MsgTx, prevOuts PrevOutputSet, auth *inscription.AuthContext) *inscription.Message {
	for inputIdx, in := range tx.TxIn {
		if len(in.Witness) < 3 {
			continue
		}

		// Standard taproot script-path spend witness (no annex):
		// [sig, ..., leaf_script, control_block].
		leafScript := in.Witness[len(in.Witness)-2]
		sig := in.Witness[0]

		pubKey, pushes, err := inscription.ParseEnvelopeScript(leafScript)
		if err != nil {
			continue
		}

		prevOutList, ok := orderedPrevOuts(tx, prevOuts)
		if !ok {
			continue
		}

		err = inscription.VerifyEnvelopeSignature(
			tx, inputIdx, prevOutList, leafScript, pubKey, sig,
		)
		if err != nil {
			continue
		}

		msg, err := inscription.Decode(pushes, pubKey)
		if err != nil {
			continue
		}

		if auth != nil {
			if err := inscription.Authorize(msg, auth); err != nil {
				continue
			}
		}

		return msg
	}

	return nil
}

// orderedPrevOuts resolves every input's previous output for sighash
// computation, failing closed (ok=false) if any is missing.
func orderedPrevOuts(tx *wire.MsgTx, prevOuts PrevOutputSet) ([]*wire.TxOut, bool) {
	out := make([]*wire.TxOut, len(tx.TxIn))
	for i, in := range tx.TxIn {
		po, ok := prevOuts[in.PreviousOutPoint]
		if !ok {
			return nil, false
		}
		out[i] = po
	}
	return out, true
}

// detectDeposit matches a bridging L1ToL2Message (or a plain OP_RETURN
// tagged payment) to exactly one output paying the bridge address, per
// §4.3's deposit-detection guarantee.
func detectDeposit(tx *wire.MsgTx, msg *inscription.Message, cfg Config) *Deposit {
	if cfg.BridgeAddress == "" {
		return nil
	}

	bridgeScript, err := bridgeAddressScript(cfg.BridgeAddress)
	if err != nil {
		return nil
	}

	if msg != nil && msg.Kind == inscription.KindL1ToL2Message {
		return matchInscribedDeposit(tx, msg.L1ToL2, bridgeScript, cfg.ProtocolFeeSat)
	}

	if msg == nil {
		return matchPlainDeposit(tx, bridgeScript, cfg.ProtocolFeeSat)
	}

	return nil
}

func matchInscribedDeposit(
	tx *wire.MsgTx, l1ToL2 *inscription.L1ToL2Message, bridgeScript []byte, protocolFeeSat int64,
) *Deposit {
	for i, out := range tx.TxOut {
		if scriptsEqual(out.PkScript, bridgeScript) {
			return &Deposit{
				TxID:        tx.TxHash(),
				OutputIndex: uint32(i),
				Value:       out.Value - protocolFeeSat,
				Message:     l1ToL2,
			}
		}
	}
	return nil
}

// matchPlainDeposit recognizes a bridge-address payment accompanied by an
// OP_RETURN carrying PlainDepositMagic and the 20-byte L2 receiver address,
// synthesizing the equivalent L1ToL2Message.
func matchPlainDeposit(tx *wire.MsgTx, bridgeScript []byte, protocolFeeSat int64) *Deposit {
	var bridgeOutputIdx = -1
	var bridgeValue int64

	for i, out := range tx.TxOut {
		if scriptsEqual(out.PkScript, bridgeScript) {
			bridgeOutputIdx = i
			bridgeValue = out.Value
			break
		}
	}
	if bridgeOutputIdx == -1 {
		return nil
	}

	for _, out := range tx.TxOut {
		receiver, ok := parsePlainDepositOpReturn(out.PkScript)
		if !ok {
			continue
		}

		l1ToL2 := &inscription.L1ToL2Message{}
		copy(l1ToL2.ReceiverL2Address[:], receiver)

		return &Deposit{
			TxID:        tx.TxHash(),
			OutputIndex: uint32(bridgeOutputIdx),
			Value:       bridgeValue - protocolFeeSat,
			Message:     l1ToL2,
		}
	}

	return nil
}

func parsePlainDepositOpReturn(pkScript []byte) (receiver []byte, ok bool) {
	tokenizer := txscript.MakeScriptTokenizer(0, pkScript)

	if !tokenizer.Next() || tokenizer.Opcode() != txscript.OP_RETURN {
		return nil, false
	}

	if !tokenizer.Next() {
		return nil, false
	}
	if string(tokenizer.Data()) != PlainDepositMagic {
		return nil, false
	}

	if !tokenizer.Next() || len(tokenizer.Data()) != 20 {
		return nil, false
	}

	return tokenizer.Data(), true
}

func bridgeAddressScript(address string) ([]byte, error) {
	addr, err := decodeAddressForScript(address)
	if err != nil {
		return nil, fmt.Errorf("decode bridge address: %w", err)
	}
	return txscript.PayToAddrScript(addr)
}
