// Package inscription implements the C2 codec: the seven Bitcoin
// Taproot-script inscription message kinds of §4.2/§6.2, each a
// Schnorr-signed envelope committed into a reveal transaction's witness.
package inscription

import "github.com/btcsuite/btcd/chaincfg/chainhash"

// Kind tags one of the seven inscription message kinds.
type Kind byte

const (
	KindSystemBootstrapping Kind = iota + 1
	KindProposeSequencer
	KindValidatorAttestation
	KindL1BatchDAReference
	KindProofDAReference
	KindL1ToL2Message
	KindSystemContractUpgrade
)

func (k Kind) String() string {
	switch k {
	case KindSystemBootstrapping:
		return "SystemBootstrapping"
	case KindProposeSequencer:
		return "ProposeSequencer"
	case KindValidatorAttestation:
		return "ValidatorAttestation"
	case KindL1BatchDAReference:
		return "L1BatchDAReference"
	case KindProofDAReference:
		return "ProofDAReference"
	case KindL1ToL2Message:
		return "L1ToL2Message"
	case KindSystemContractUpgrade:
		return "SystemContractUpgrade"
	default:
		return "Unknown"
	}
}

// ProtocolMagic is the common header push preceding the kind tag (§6.2).
const ProtocolMagic = "via_inscription_protocol"

// AttestationVote is the Ok/NotOk payload of a ValidatorAttestation.
type AttestationVote byte

const (
	VoteOk AttestationVote = iota
	VoteNotOk
)

// SystemBootstrapping is genesis: start height, verifier set, bridge
// address and bootloader/AA hashes (§4.2 kind 1).
type SystemBootstrapping struct {
	StartBlock        uint64
	VerifierAddresses []string // P2WPKH addresses
	BridgeAddress     string   // Taproot address
	BootloaderHash    chainhash.Hash
	DefaultAAHash     chainhash.Hash
}

// ProposeSequencer is a verifier nominating a sequencer address (kind 2).
type ProposeSequencer struct {
	SequencerAddress string
}

// ValidatorAttestation is a verifier's vote over a referenced inscription,
// typically a ProofDAReference reveal (kind 3).
type ValidatorAttestation struct {
	ReferenceTxID chainhash.Hash
	Vote          AttestationVote
}

// L1BatchDAReference anchors a batch commitment to its DA blob and chains
// it to its predecessor via prev_l1_batch_hash (kind 4).
type L1BatchDAReference struct {
	L1BatchHash     chainhash.Hash
	L1BatchIndex    uint64
	DAIdentifier    string
	DAReference     string
	PrevL1BatchHash chainhash.Hash
}

// ProofDAReference links a proof blob to the batch reveal it proves (kind 5).
type ProofDAReference struct {
	L1BatchRevealTxID chainhash.Hash
	DAIdentifier      string
	DAReference       string
}

// L1ToL2Message is a deposit or L2 contract call triggered by an L1
// transaction; a zero ContractAddress+Calldata pair is a pure bridging
// deposit (kind 6).
type L1ToL2Message struct {
	ReceiverL2Address [20]byte
	L2ContractAddress [20]byte
	Calldata          []byte
}

// IsPureDeposit reports whether this message carries no L2 contract call,
// i.e. it is a plain value bridging deposit (§4.2 kind 6).
func (m *L1ToL2Message) IsPureDeposit() bool {
	var zero [20]byte
	return m.L2ContractAddress == zero && len(m.Calldata) == 0
}

// SystemContractUpgrade announces a new system contract set (kind 7).
type SystemContractUpgrade struct {
	Version                 uint32
	BootloaderHash          chainhash.Hash
	DefaultAAHash           chainhash.Hash
	RecursionSchedulerVKHash chainhash.Hash
	SystemContractAddresses []string
}

// Message is the decoded, signature-verified result of parsing one
// inscription envelope. Exactly one of the typed fields is non-nil,
// matching Kind.
type Message struct {
	Kind   Kind
	Sender []byte // x-only Schnorr pubkey that signed the envelope

	Bootstrapping *SystemBootstrapping
	Sequencer     *ProposeSequencer
	Attestation   *ValidatorAttestation
	BatchDA       *L1BatchDAReference
	ProofDA       *ProofDAReference
	L1ToL2        *L1ToL2Message
	Upgrade       *SystemContractUpgrade
}
