package inscription

import (
	"encoding/binary"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"

	"github.com/via-protocol/btc-settlement-core/internal/coreerr"
)

// Encode serializes a Message's kind-specific fields into the ordered data
// pushes that go inside the OP_FALSE OP_IF … OP_ENDIF envelope, prefixed by
// the protocol magic and kind tag (§6.2 "Common header pushes").
func Encode(msg *Message) ([][]byte, error) {
	pushes := [][]byte{
		[]byte(ProtocolMagic),
		{byte(msg.Kind)},
	}

	var body [][]byte
	var err error

	switch msg.Kind {
	case KindSystemBootstrapping:
		body, err = encodeBootstrapping(msg.Bootstrapping)
	case KindProposeSequencer:
		body = [][]byte{[]byte(msg.Sequencer.SequencerAddress)}
	case KindValidatorAttestation:
		body = [][]byte{
			msg.Attestation.ReferenceTxID[:],
			{byte(msg.Attestation.Vote)},
		}
	case KindL1BatchDAReference:
		body, err = encodeBatchDA(msg.BatchDA)
	case KindProofDAReference:
		body = [][]byte{
			msg.ProofDA.L1BatchRevealTxID[:],
			[]byte(msg.ProofDA.DAIdentifier),
			[]byte(msg.ProofDA.DAReference),
		}
	case KindL1ToL2Message:
		body = encodeL1ToL2(msg.L1ToL2)
	case KindSystemContractUpgrade:
		body, err = encodeUpgrade(msg.Upgrade)
	default:
		return nil, fmt.Errorf("unknown message kind %d", msg.Kind)
	}

	if err != nil {
		return nil, err
	}

	return append(pushes, body...), nil
}

func encodeBootstrapping(b *SystemBootstrapping) ([][]byte, error) {
	startBlock := make([]byte, 8)
	binary.BigEndian.PutUint64(startBlock, b.StartBlock)

	body := [][]byte{
		startBlock,
		uvarintBytes(uint64(len(b.VerifierAddresses))),
	}
	for _, addr := range b.VerifierAddresses {
		body = append(body, []byte(addr))
	}
	body = append(body,
		[]byte(b.BridgeAddress),
		b.BootloaderHash[:],
		b.DefaultAAHash[:],
	)
	return body, nil
}

func encodeBatchDA(b *L1BatchDAReference) ([][]byte, error) {
	index := make([]byte, 8)
	binary.BigEndian.PutUint64(index, b.L1BatchIndex)

	return [][]byte{
		b.L1BatchHash[:],
		index,
		[]byte(b.DAIdentifier),
		[]byte(b.DAReference),
		b.PrevL1BatchHash[:],
	}, nil
}

func encodeL1ToL2(m *L1ToL2Message) [][]byte {
	return [][]byte{
		m.ReceiverL2Address[:],
		m.L2ContractAddress[:],
		append([]byte(nil), m.Calldata...),
	}
}

func encodeUpgrade(u *SystemContractUpgrade) ([][]byte, error) {
	version := make([]byte, 4)
	binary.BigEndian.PutUint32(version, u.Version)

	body := [][]byte{
		version,
		u.BootloaderHash[:],
		u.DefaultAAHash[:],
		u.RecursionSchedulerVKHash[:],
		uvarintBytes(uint64(len(u.SystemContractAddresses))),
	}
	for _, a := range u.SystemContractAddresses {
		body = append(body, []byte(a))
	}
	return body, nil
}

// Decode parses the ordered data pushes back into a typed Message. The
// sender's pubkey must be supplied separately by the caller (it comes from
// the envelope's leaf script, not the data pushes) since signature
// verification and authorization are the indexer's responsibility (§4.3,
// §6.2's authorization table).
func Decode(pushes [][]byte, sender []byte) (*Message, error) {
	if len(pushes) < 2 {
		return nil, coreerr.Protocol("short envelope", fmt.Errorf("need at least magic+kind"))
	}

	if string(pushes[0]) != ProtocolMagic {
		return nil, coreerr.Protocol("magic mismatch", fmt.Errorf("got %q", pushes[0]))
	}

	if len(pushes[1]) != 1 {
		return nil, coreerr.New(coreerr.KindProtocol, "malformed kind tag")
	}

	kind := Kind(pushes[1][0])
	body := pushes[2:]

	msg := &Message{Kind: kind, Sender: sender}

	var err error
	switch kind {
	case KindSystemBootstrapping:
		msg.Bootstrapping, err = decodeBootstrapping(body)
	case KindProposeSequencer:
		if len(body) < 1 {
			return nil, coreerr.New(coreerr.KindProtocol, "short ProposeSequencer payload")
		}
		msg.Sequencer = &ProposeSequencer{SequencerAddress: string(body[0])}
	case KindValidatorAttestation:
		msg.Attestation, err = decodeAttestation(body)
	case KindL1BatchDAReference:
		msg.BatchDA, err = decodeBatchDA(body)
	case KindProofDAReference:
		msg.ProofDA, err = decodeProofDA(body)
	case KindL1ToL2Message:
		msg.L1ToL2, err = decodeL1ToL2(body)
	case KindSystemContractUpgrade:
		msg.Upgrade, err = decodeUpgrade(body)
	default:
		return nil, coreerr.New(coreerr.KindProtocol, fmt.Sprintf("unknown kind tag %d", kind))
	}

	if err != nil {
		return nil, err
	}

	return msg, nil
}

func decodeBootstrapping(body [][]byte) (*SystemBootstrapping, error) {
	if len(body) < 4 {
		return nil, coreerr.New(coreerr.KindProtocol, "malformed SystemBootstrapping")
	}

	if len(body[0]) != 8 {
		return nil, coreerr.New(coreerr.KindProtocol, "malformed start_block")
	}
	startBlock := binary.BigEndian.Uint64(body[0])

	count, n, err := readUvarint(body[1])
	if err != nil || n == 0 {
		return nil, coreerr.Protocol("malformed verifier count", err)
	}

	expectedLen := int(2 + count + 3)
	if len(body) != expectedLen {
		return nil, coreerr.New(coreerr.KindProtocol, "verifier address count mismatch")
	}

	verifiers := make([]string, count)
	for i := uint64(0); i < count; i++ {
		verifiers[i] = string(body[2+i])
	}

	tailIdx := 2 + int(count)
	bridge := string(body[tailIdx])
	bootloaderHash, err := toHash(body[tailIdx+1])
	if err != nil {
		return nil, coreerr.Protocol("malformed bootloader hash", err)
	}
	defaultAAHash, err := toHash(body[tailIdx+2])
	if err != nil {
		return nil, coreerr.Protocol("malformed default aa hash", err)
	}

	return &SystemBootstrapping{
		StartBlock:        startBlock,
		VerifierAddresses: verifiers,
		BridgeAddress:     bridge,
		BootloaderHash:    bootloaderHash,
		DefaultAAHash:     defaultAAHash,
	}, nil
}

func decodeAttestation(body [][]byte) (*ValidatorAttestation, error) {
	if len(body) != 2 || len(body[1]) != 1 {
		return nil, coreerr.New(coreerr.KindProtocol, "malformed ValidatorAttestation")
	}

	txid, err := toHash(body[0])
	if err != nil {
		return nil, coreerr.Protocol("malformed reference txid", err)
	}

	return &ValidatorAttestation{
		ReferenceTxID: txid,
		Vote:          AttestationVote(body[1][0]),
	}, nil
}

func decodeBatchDA(body [][]byte) (*L1BatchDAReference, error) {
	if len(body) != 5 || len(body[1]) != 8 {
		return nil, coreerr.New(coreerr.KindProtocol, "malformed L1BatchDAReference")
	}

	batchHash, err := toHash(body[0])
	if err != nil {
		return nil, coreerr.Protocol("malformed l1_batch_hash", err)
	}
	prevHash, err := toHash(body[4])
	if err != nil {
		return nil, coreerr.Protocol("malformed prev_l1_batch_hash", err)
	}

	return &L1BatchDAReference{
		L1BatchHash:     batchHash,
		L1BatchIndex:    binary.BigEndian.Uint64(body[1]),
		DAIdentifier:    string(body[2]),
		DAReference:     string(body[3]),
		PrevL1BatchHash: prevHash,
	}, nil
}

func decodeProofDA(body [][]byte) (*ProofDAReference, error) {
	if len(body) != 3 {
		return nil, coreerr.New(coreerr.KindProtocol, "malformed ProofDAReference")
	}

	txid, err := toHash(body[0])
	if err != nil {
		return nil, coreerr.Protocol("malformed reveal txid", err)
	}

	return &ProofDAReference{
		L1BatchRevealTxID: txid,
		DAIdentifier:      string(body[1]),
		DAReference:       string(body[2]),
	}, nil
}

func decodeL1ToL2(body [][]byte) (*L1ToL2Message, error) {
	if len(body) != 3 || len(body[0]) != 20 || len(body[1]) != 20 {
		return nil, coreerr.New(coreerr.KindProtocol, "malformed L1ToL2Message")
	}

	msg := &L1ToL2Message{Calldata: append([]byte(nil), body[2]...)}
	copy(msg.ReceiverL2Address[:], body[0])
	copy(msg.L2ContractAddress[:], body[1])
	return msg, nil
}

func decodeUpgrade(body [][]byte) (*SystemContractUpgrade, error) {
	if len(body) < 5 || len(body[0]) != 4 {
		return nil, coreerr.New(coreerr.KindProtocol, "malformed SystemContractUpgrade")
	}

	count, n, err := readUvarint(body[4])
	if err != nil || n == 0 {
		return nil, coreerr.Protocol("malformed contract address count", err)
	}
	if len(body) != 5+int(count) {
		return nil, coreerr.New(coreerr.KindProtocol, "contract address count mismatch")
	}

	bootloaderHash, err := toHash(body[1])
	if err != nil {
		return nil, coreerr.Protocol("malformed bootloader hash", err)
	}
	defaultAAHash, err := toHash(body[2])
	if err != nil {
		return nil, coreerr.Protocol("malformed default aa hash", err)
	}
	vkHash, err := toHash(body[3])
	if err != nil {
		return nil, coreerr.Protocol("malformed recursion vk hash", err)
	}

	addrs := make([]string, count)
	for i := uint64(0); i < count; i++ {
		addrs[i] = string(body[5+i])
	}

	return &SystemContractUpgrade{
		Version:                  binary.BigEndian.Uint32(body[0]),
		BootloaderHash:           bootloaderHash,
		DefaultAAHash:            defaultAAHash,
		RecursionSchedulerVKHash: vkHash,
		SystemContractAddresses:  addrs,
	}, nil
}

func toHash(b []byte) (chainhash.Hash, error) {
	var h chainhash.Hash
	if len(b) != chainhash.HashSize {
		return h, fmt.Errorf("expected %d bytes, got %d", chainhash.HashSize, len(b))
	}
	copy(h[:], b)
	return h, nil
}

func uvarintBytes(v uint64) []byte {
	buf := make([]byte, binary.MaxVarintLen64)
	n := binary.PutUvarint(buf, v)
	return buf[:n]
}

func readUvarint(b []byte) (uint64, int, error) {
	v, n := binary.Uvarint(b)
	if n <= 0 {
		return 0, 0, fmt.Errorf("malformed uvarint")
	}
	return v, n, nil
}

// VerifyEnvelopeSignature checks the Schnorr signature over the reveal
// transaction's tapscript sighash for the given input, as required by
// §6.2's envelope pattern. prevOuts supplies every input's previous output
// for BIP-341 sighash computation.
func VerifyEnvelopeSignature(
	tx *wire.MsgTx,
	inputIndex int,
	prevOuts []*wire.TxOut,
	leafScript []byte,
	pubKey []byte,
	signature []byte,
) error {
	if len(pubKey) != 32 {
		return coreerr.Protocol("malformed pubkey", fmt.Errorf("expected 32 bytes"))
	}

	parsedPubKey, err := schnorr.ParsePubKey(pubKey)
	if err != nil {
		return coreerr.Protocol("parse pubkey", err)
	}

	sig, err := schnorr.ParseSignature(signature)
	if err != nil {
		return coreerr.Protocol("parse signature", err)
	}

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
		return coreerr.Protocol("compute tapscript sighash", err)
	}

	if !sig.Verify(sigHash, parsedPubKey) {
		return coreerr.Protocol("signature verification failed", fmt.Errorf("schnorr verify returned false"))
	}

	return nil
}
