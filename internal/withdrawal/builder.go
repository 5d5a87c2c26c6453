// Package withdrawal implements the C7 component: it aggregates finalized
// batch withdrawals by receiver, selects bridge UTXOs, and constructs an
// unsigned Taproot keypath-spend PSBT ready for C8's MuSig2 signing round
// (§4.7). It owns no persistent state; the locking bookkeeping in
// utxo_locks.go is the only in-memory state it carries, matching §9's
// "Ownership of UTXOs... Locking is implemented by excluding UTXOs
// referenced by a non-terminal session. No explicit locks are required
// for other subsystems."
package withdrawal

import (
	"bytes"
	"context"
	"sort"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btclog"
	"github.com/btcsuite/btcwallet/wallet/txrules"

	"github.com/via-protocol/btc-settlement-core/internal/btcrpc"
	"github.com/via-protocol/btc-settlement-core/internal/coreerr"
)

// opReturnVersion tags the OP_RETURN reference output's format, §4.7
// "one OP_RETURN carrying (version_byte, l1_batch_reveal_txid)". The
// concrete S4 scenario and C8 step 2 both key this off the batch's *proof*
// reveal txid rather than its batch-DA reveal txid; Build follows that
// narrower, concrete reading.
const opReturnVersion = 0x01

const txOverheadVBytes = 10

// p2trKeyPathInputVBytes is a P2TR keypath input's virtual size: 41 bytes
// non-witness plus a single 64-byte Schnorr signature witness item
// (64+1 stack-count byte)/4, rounded up. Every bridge UTXO is a P2TR
// output, so this is the only input shape C7 ever spends (cf.
// inscriber/build.go's identical constant for the commit/reveal pair).
const p2trKeyPathInputVBytes = 58

// L2Withdrawal is one ungrouped L2-to-L1 payout extracted from a finalized
// batch's DA blob by an external collaborator (§1: the Merkle tree and DA
// layer are out of scope; Build consumes their already-decoded output).
type L2Withdrawal struct {
	Receiver string
	Value    int64
}

// GroupedWithdrawal is the per-receiver sum Build derives before output
// construction (§4.7 "Group withdrawals by receiver; sum amounts").
type GroupedWithdrawal struct {
	Receiver string
	Value    int64
}

// Result bundles the unsigned PSBT with the bookkeeping the caller needs
// to persist (store.CreateBridgeTx) and lock (utxoLockManager) for the
// lifetime of the MuSig2 session built around it.
type Result struct {
	PSBT       []byte
	Grouped    []GroupedWithdrawal
	SpentUTXOs []btcrpc.UTXO
	FeeSat     int64
	ChangeSat  int64
}

// Config parameterizes a Builder.
type Config struct {
	BridgeAddress   string
	NetParams       *chaincfg.Params
	DustThreshold   int64
	FeeCeilingSatVB int64
	// SessionLockDuration bounds how long a UTXO selected by Build stays
	// excluded from future selections, released early by Unlock once the
	// session broadcasts or aborts (§4.7 "excluding UTXOs locked by
	// unbroadcast sessions").
	SessionLockDuration time.Duration
	Log                 btclog.Logger
}

func (c *Config) setDefaults() {
	if c.DustThreshold == 0 {
		c.DustThreshold = 546
	}
	if c.SessionLockDuration == 0 {
		c.SessionLockDuration = 10 * time.Minute
	}
	if c.Log == nil {
		c.Log = btclog.Disabled
	}
}

// Builder is the C7 capability: stateless over the store, carrying only
// the in-memory UTXO lock bookkeeping described above.
type Builder struct {
	cfg    Config
	client btcrpc.Client
	locks  *utxoLockManager
}

// New builds a Builder.
func New(client btcrpc.Client, cfg Config) *Builder {
	cfg.setDefaults()
	return &Builder{cfg: cfg, client: client, locks: newUTXOLockManager()}
}

// Unlock releases every UTXO a prior Build call selected, called once the
// owning BridgeTx broadcasts or its session aborts.
func (b *Builder) Unlock(utxos []btcrpc.UTXO) {
	for _, u := range utxos {
		b.locks.Unlock(u.OutPoint)
	}
}

// UnlockOutpoints is Unlock for callers that only retained the outpoints
// of a prior Build result (e.g. the MuSig2 coordinator, which persists a
// session by id rather than by full UTXO record).
func (b *Builder) UnlockOutpoints(outpoints []wire.OutPoint) {
	for _, op := range outpoints {
		b.locks.Unlock(op)
	}
}

// Build constructs an unsigned Taproot keypath-spend PSBT for grouped
// withdrawals against bridgeInternalKey (the MuSig2 pre-tweaked aggregate
// key) and bridgeMerkleRoot (the governance script-path commitment), per
// §4.7. It is deterministic given the same withdrawals, UTXO set and fee
// rate, satisfying the §8 withdrawal-idempotence property.
func (b *Builder) Build(
	ctx context.Context,
	withdrawals []L2Withdrawal,
	proofRevealTxID chainhash.Hash,
	bridgeInternalKey *btcec.PublicKey,
	bridgeMerkleRoot []byte,
) (*Result, error) {
	grouped := groupWithdrawals(withdrawals, b.cfg.DustThreshold)
	if len(grouped) == 0 {
		return nil, ErrNoEligibleWithdrawals
	}

	utxos, err := b.client.ListUTXOs(ctx, b.cfg.BridgeAddress)
	if err != nil {
		return nil, err
	}
	available := b.unlockedUTXOs(utxos)
	sort.Slice(available, func(i, j int) bool { return available[i].Value > available[j].Value })

	feeRate, err := b.client.EstimateFeeRate(ctx, btcrpc.PriorityFastest)
	if err != nil {
		return nil, err
	}

	outputScripts, err := outputScriptsFor(grouped, b.cfg.NetParams)
	if err != nil {
		return nil, err
	}

	bridgeOutputKey := txscript.ComputeTaprootOutputKey(bridgeInternalKey, bridgeMerkleRoot)
	bridgePkScript, err := txscript.PayToTaprootScript(bridgeOutputKey)
	if err != nil {
		return nil, coreerr.Invariant("build bridge change script", err)
	}

	opReturnScript, err := buildReferenceScript(proofRevealTxID)
	if err != nil {
		return nil, err
	}

	var sumOutputs int64
	for _, g := range grouped {
		sumOutputs += g.Value
	}

	baseVSize := int64(txOverheadVBytes + outputVSize(opReturnScript))
	for _, s := range outputScripts {
		baseVSize += outputVSize(s)
	}

	selected, totalIn, feeWithChange, err := b.selectUTXOs(available, sumOutputs, baseVSize, feeRate, true)
	if err != nil {
		return nil, err
	}

	change := totalIn - sumOutputs - feeWithChange
	fee := feeWithChange
	includeChange := !txrules.IsDustAmount(btcutil.Amount(change), int(outputVSize(bridgePkScript)), txrules.DefaultRelayFeePerKb)

	if !includeChange {
		// Recompute without the change output per §4.7: "If the estimate
		// would reduce change below dust, recompute without change and
		// add the delta to fee, up to a ceiling."
		selected, totalIn, fee, err = b.selectUTXOs(available, sumOutputs, baseVSize, feeRate, false)
		if err != nil {
			return nil, err
		}
		delta := totalIn - sumOutputs - fee
		fee += delta
		change = 0
	}

	if b.cfg.FeeCeilingSatVB > 0 {
		ceiling := b.cfg.FeeCeilingSatVB * (baseVSize + int64(len(selected))*p2trKeyPathInputVBytes)
		if fee > ceiling {
			fee = ceiling
		}
	}

	tx := wire.NewMsgTx(2)
	for _, u := range selected {
		tx.AddTxIn(&wire.TxIn{PreviousOutPoint: u.OutPoint})
	}
	for i, g := range grouped {
		tx.AddTxOut(&wire.TxOut{Value: g.Value, PkScript: outputScripts[i]})
	}
	tx.AddTxOut(&wire.TxOut{Value: 0, PkScript: opReturnScript})
	if includeChange {
		tx.AddTxOut(&wire.TxOut{Value: change, PkScript: bridgePkScript})
	}

	if totalIn-sumOutputs-fee < 0 {
		return nil, ErrInsufficientUtxos
	}

	for _, u := range selected {
		if err := b.locks.Lock(u.OutPoint, b.cfg.SessionLockDuration); err != nil {
			b.Unlock(selected)
			return nil, err
		}
	}

	pkt, err := psbt.NewFromUnsignedTx(tx)
	if err != nil {
		b.Unlock(selected)
		return nil, coreerr.Invariant("wrap withdrawal tx as psbt", err)
	}

	internalKeyBytes := schnorr.SerializePubKey(bridgeInternalKey)
	for i, u := range selected {
		pkt.Inputs[i].WitnessUtxo = &wire.TxOut{Value: u.Value, PkScript: u.PkScript}
		pkt.Inputs[i].TaprootInternalKey = internalKeyBytes
		if len(bridgeMerkleRoot) > 0 {
			pkt.Inputs[i].TaprootMerkleRoot = bridgeMerkleRoot
		}
		pkt.Inputs[i].SighashType = txscript.SigHashDefault
	}

	var buf bytes.Buffer
	if err := pkt.Serialize(&buf); err != nil {
		b.Unlock(selected)
		return nil, coreerr.Invariant("serialize withdrawal psbt", err)
	}

	return &Result{
		PSBT:       buf.Bytes(),
		Grouped:    grouped,
		SpentUTXOs: selected,
		FeeSat:     fee,
		ChangeSat:  change,
	}, nil
}

// selectUTXOs implements §4.7's greedy policy: "prefers the smallest set
// covering Σ outputs + estimated_fee", achieved by consuming the
// largest-value available UTXOs first (available is pre-sorted
// descending) until the running total covers outputs plus the
// fee-at-that-input-count. withChange controls whether the change
// output's vsize is included in the fee estimate.
func (b *Builder) selectUTXOs(available []btcrpc.UTXO, sumOutputs, baseVSize, feeRate int64, withChange bool) ([]btcrpc.UTXO, int64, int64, error) {
	changeVSize := int64(0)
	if withChange {
		changeVSize = 43 // P2TR output: 8 value + 1 varint + 34 script
	}

	var selected []btcrpc.UTXO
	var totalIn int64
	vsize := baseVSize + changeVSize

	for _, u := range available {
		if b.locks.IsLocked(u.OutPoint) {
			continue
		}
		selected = append(selected, u)
		totalIn += u.Value
		vsize += p2trKeyPathInputVBytes

		fee := feeRate * vsize
		if totalIn >= sumOutputs+fee {
			return selected, totalIn, fee, nil
		}
	}

	return nil, 0, 0, ErrInsufficientUtxos
}

// unlockedUTXOs filters out any UTXO currently claimed by an in-flight
// signing session.
func (b *Builder) unlockedUTXOs(utxos []btcrpc.UTXO) []btcrpc.UTXO {
	out := make([]btcrpc.UTXO, 0, len(utxos))
	for _, u := range utxos {
		if !b.locks.IsLocked(u.OutPoint) {
			out = append(out, u)
		}
	}
	return out
}

// groupWithdrawals sums amounts per receiver and drops receivers whose
// total falls below dust, sorted into ascending receiver-address order
// (§4.7, §8 S4's "ascending address order").
func groupWithdrawals(withdrawals []L2Withdrawal, dust int64) []GroupedWithdrawal {
	totals := make(map[string]int64)
	for _, w := range withdrawals {
		totals[w.Receiver] += w.Value
	}

	grouped := make([]GroupedWithdrawal, 0, len(totals))
	for receiver, value := range totals {
		if value < dust {
			continue
		}
		grouped = append(grouped, GroupedWithdrawal{Receiver: receiver, Value: value})
	}

	sort.Slice(grouped, func(i, j int) bool { return grouped[i].Receiver < grouped[j].Receiver })
	return grouped
}

// outputScriptsFor derives one P2* output script per grouped withdrawal,
// inferred from the receiver address (§4.7 "script inferred from receiver
// address").
func outputScriptsFor(grouped []GroupedWithdrawal, params *chaincfg.Params) ([][]byte, error) {
	scripts := make([][]byte, len(grouped))
	for i, g := range grouped {
		addr, err := btcutil.DecodeAddress(g.Receiver, params)
		if err != nil {
			return nil, coreerr.Protocol("decode withdrawal receiver address", err)
		}
		script, err := txscript.PayToAddrScript(addr)
		if err != nil {
			return nil, coreerr.Invariant("build withdrawal output script", err)
		}
		scripts[i] = script
	}
	return scripts, nil
}

// buildReferenceScript builds the OP_RETURN output carrying the version
// byte and the referenced proof reveal txid (§4.7, §8 S4).
func buildReferenceScript(proofRevealTxID chainhash.Hash) ([]byte, error) {
	data := make([]byte, 0, 1+chainhash.HashSize)
	data = append(data, opReturnVersion)
	data = append(data, proofRevealTxID[:]...)

	builder := txscript.NewScriptBuilder()
	builder.AddOp(txscript.OP_RETURN)
	builder.AddData(data)
	script, err := builder.Script()
	if err != nil {
		return nil, coreerr.Invariant("build op_return reference script", err)
	}
	return script, nil
}

// outputVSize is an output's exact virtual-byte contribution: outputs
// carry no witness data, so their vsize equals their serialized size.
func outputVSize(pkScript []byte) int64 {
	return 8 + int64(wire.VarIntSerializeSize(uint64(len(pkScript)))) + int64(len(pkScript))
}
