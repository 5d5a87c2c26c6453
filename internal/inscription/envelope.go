package inscription

import (
	"fmt"

	"github.com/btcsuite/btcd/txscript"
)

// BuildEnvelopeScript constructs the Taproot script-path leaf described in
// §6.2: `<schnorr_sig> <pubkey> OP_CHECKSIG OP_FALSE OP_IF <pushes…>
// OP_ENDIF`. The signature is embedded in the *witness*, not the leaf
// script; the leaf carries the pubkey, the checksig opcode and the data
// envelope, so this returns only the tapscript leaf (pubkey + envelope).
// Shared by C2 (parsing, reveal) and C5 (building, commit/reveal).
func BuildEnvelopeScript(pubKey []byte, pushes [][]byte) ([]byte, error) {
	if len(pubKey) != 32 {
		return nil, fmt.Errorf("expected 32-byte x-only pubkey, got %d", len(pubKey))
	}

	builder := txscript.NewScriptBuilder()
	builder.AddData(pubKey)
	builder.AddOp(txscript.OP_CHECKSIG)
	builder.AddOp(txscript.OP_FALSE)
	builder.AddOp(txscript.OP_IF)

	for _, p := range pushes {
		// A one-byte push is written as OP_DATA_1 <byte>: AddFullData
		// would emit a small-integer opcode (OP_0, OP_1..OP_16,
		// OP_1NEGATE) for it, which ParseEnvelopeScript reads back as an
		// empty push.
		if len(p) == 1 {
			builder.AddOp(txscript.OP_DATA_1).AddOp(p[0])
			continue
		}
		builder.AddFullData(p)
	}

	builder.AddOp(txscript.OP_ENDIF)

	script, err := builder.Script()
	if err != nil {
		return nil, fmt.Errorf("build envelope script: %w", err)
	}

	return script, nil
}

// ParseEnvelopeScript is the inverse of BuildEnvelopeScript: given a
// tapscript leaf, it extracts the signer's x-only pubkey and the ordered
// data pushes inside the OP_FALSE OP_IF … OP_ENDIF envelope.
func ParseEnvelopeScript(script []byte) (pubKey []byte, pushes [][]byte, err error) {
	tokenizer := txscript.MakeScriptTokenizer(0, script)

	if !tokenizer.Next() {
		return nil, nil, fmt.Errorf("empty script")
	}
	pubKey = append([]byte(nil), tokenizer.Data()...)
	if len(pubKey) != 32 {
		return nil, nil, fmt.Errorf("expected 32-byte pubkey push, got %d bytes", len(pubKey))
	}

	if !tokenizer.Next() || tokenizer.Opcode() != txscript.OP_CHECKSIG {
		return nil, nil, fmt.Errorf("expected OP_CHECKSIG")
	}

	if !tokenizer.Next() || tokenizer.Opcode() != txscript.OP_FALSE {
		return nil, nil, fmt.Errorf("expected OP_FALSE")
	}

	if !tokenizer.Next() || tokenizer.Opcode() != txscript.OP_IF {
		return nil, nil, fmt.Errorf("expected OP_IF")
	}

	for tokenizer.Next() {
		if tokenizer.Opcode() == txscript.OP_ENDIF {
			if err := tokenizer.Err(); err != nil {
				return nil, nil, fmt.Errorf("tokenize envelope: %w", err)
			}
			return pubKey, pushes, nil
		}
		pushes = append(pushes, append([]byte(nil), tokenizer.Data()...))
	}

	if err := tokenizer.Err(); err != nil {
		return nil, nil, fmt.Errorf("tokenize envelope: %w", err)
	}

	return nil, nil, fmt.Errorf("missing OP_ENDIF")
}
