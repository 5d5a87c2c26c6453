package inscription

import (
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/stretchr/testify/require"

	"github.com/via-protocol/btc-settlement-core/internal/coreerr"
)

func hashFromByte(b byte) chainhash.Hash {
	var h chainhash.Hash
	h[0] = b
	return h
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	t.Parallel()

	sender := make([]byte, 32)
	sender[0] = 0xAB

	tests := []struct {
		name string
		msg  *Message
	}{
		{
			name: "SystemBootstrapping",
			msg: &Message{
				Kind: KindSystemBootstrapping,
				Bootstrapping: &SystemBootstrapping{
					StartBlock:        101,
					VerifierAddresses: []string{"bcrt1qverifierone", "bcrt1qverifiertwo"},
					BridgeAddress:     "bcrt1pbridgeaddress",
					BootloaderHash:    hashFromByte(1),
					DefaultAAHash:     hashFromByte(2),
				},
			},
		},
		{
			name: "ProposeSequencer",
			msg: &Message{
				Kind:      KindProposeSequencer,
				Sequencer: &ProposeSequencer{SequencerAddress: "bcrt1qsequenceraddress"},
			},
		},
		{
			name: "ValidatorAttestation",
			msg: &Message{
				Kind: KindValidatorAttestation,
				Attestation: &ValidatorAttestation{
					ReferenceTxID: hashFromByte(3),
					Vote:          VoteOk,
				},
			},
		},
		{
			name: "L1BatchDAReference",
			msg: &Message{
				Kind: KindL1BatchDAReference,
				BatchDA: &L1BatchDAReference{
					L1BatchHash:     hashFromByte(4),
					L1BatchIndex:    42,
					DAIdentifier:    "celestia",
					DAReference:     "0xdeadbeef",
					PrevL1BatchHash: hashFromByte(5),
				},
			},
		},
		{
			name: "ProofDAReference",
			msg: &Message{
				Kind: KindProofDAReference,
				ProofDA: &ProofDAReference{
					L1BatchRevealTxID: hashFromByte(6),
					DAIdentifier:      "celestia",
					DAReference:       "0xfeedface",
				},
			},
		},
		{
			name: "L1ToL2Message deposit",
			msg: &Message{
				Kind: KindL1ToL2Message,
				L1ToL2: &L1ToL2Message{
					ReceiverL2Address: [20]byte{0x36, 0x61},
					L2ContractAddress: [20]byte{},
					Calldata:          nil,
				},
			},
		},
		{
			name: "L1ToL2Message contract call",
			msg: &Message{
				Kind: KindL1ToL2Message,
				L1ToL2: &L1ToL2Message{
					ReceiverL2Address: [20]byte{0x01},
					L2ContractAddress: [20]byte{0x02},
					Calldata:          []byte{0xde, 0xad, 0xbe, 0xef},
				},
			},
		},
		{
			name: "SystemContractUpgrade",
			msg: &Message{
				Kind: KindSystemContractUpgrade,
				Upgrade: &SystemContractUpgrade{
					Version:                  2,
					BootloaderHash:           hashFromByte(7),
					DefaultAAHash:            hashFromByte(8),
					RecursionSchedulerVKHash: hashFromByte(9),
					SystemContractAddresses:  []string{"0x1111", "0x2222", "0x3333"},
				},
			},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			pushes, err := Encode(tt.msg)
			require.NoError(t, err)
			require.Equal(t, ProtocolMagic, string(pushes[0]))
			require.Equal(t, byte(tt.msg.Kind), pushes[1][0])

			decoded, err := Decode(pushes, sender)
			require.NoError(t, err)
			require.Equal(t, sender, decoded.Sender)
			require.Equal(t, tt.msg.Kind, decoded.Kind)

			switch tt.msg.Kind {
			case KindSystemBootstrapping:
				require.Equal(t, tt.msg.Bootstrapping, decoded.Bootstrapping)
			case KindProposeSequencer:
				require.Equal(t, tt.msg.Sequencer, decoded.Sequencer)
			case KindValidatorAttestation:
				require.Equal(t, tt.msg.Attestation, decoded.Attestation)
			case KindL1BatchDAReference:
				require.Equal(t, tt.msg.BatchDA, decoded.BatchDA)
			case KindProofDAReference:
				require.Equal(t, tt.msg.ProofDA, decoded.ProofDA)
			case KindL1ToL2Message:
				require.Equal(t, tt.msg.L1ToL2, decoded.L1ToL2)
			case KindSystemContractUpgrade:
				require.Equal(t, tt.msg.Upgrade, decoded.Upgrade)
			}
		})
	}
}

func TestDecode_MagicMismatch(t *testing.T) {
	t.Parallel()

	_, err := Decode([][]byte{[]byte("not_the_real_magic"), {byte(KindProposeSequencer)}}, nil)
	require.Error(t, err)

	protoErr, ok := coreerr.As(err)
	require.True(t, ok)
	require.Contains(t, protoErr.Msg, "magic mismatch")
}

func TestDecode_UnknownKind(t *testing.T) {
	t.Parallel()

	_, err := Decode([][]byte{[]byte(ProtocolMagic), {0xFF}}, nil)
	require.Error(t, err)
}

func TestDecode_ShortEnvelope(t *testing.T) {
	t.Parallel()

	_, err := Decode([][]byte{[]byte(ProtocolMagic)}, nil)
	require.Error(t, err)
}

func TestDecode_MalformedBootstrappingCount(t *testing.T) {
	t.Parallel()

	startBlock := make([]byte, 8)
	body := [][]byte{
		[]byte(ProtocolMagic),
		{byte(KindSystemBootstrapping)},
		startBlock,
		{5}, // claims 5 verifier addresses but none follow
		[]byte("bridge"),
		hashFromByte(1)[:],
		hashFromByte(2)[:],
	}

	_, err := Decode(body, nil)
	require.Error(t, err)
}

func TestL1ToL2Message_IsPureDeposit(t *testing.T) {
	t.Parallel()

	deposit := &L1ToL2Message{ReceiverL2Address: [20]byte{0x01}}
	require.True(t, deposit.IsPureDeposit())

	call := &L1ToL2Message{
		ReceiverL2Address: [20]byte{0x01},
		L2ContractAddress: [20]byte{0x02},
	}
	require.False(t, call.IsPureDeposit())

	callWithCalldataOnly := &L1ToL2Message{
		ReceiverL2Address: [20]byte{0x01},
		Calldata:          []byte{0x01},
	}
	require.False(t, callWithCalldataOnly.IsPureDeposit())
}

func TestEnvelope_BuildParseRoundTrip(t *testing.T) {
	t.Parallel()

	pubKey := make([]byte, 32)
	pubKey[0] = 0xCD

	msg := &Message{
		Kind: KindValidatorAttestation,
		Attestation: &ValidatorAttestation{
			ReferenceTxID: hashFromByte(9),
			Vote:          VoteNotOk,
		},
	}

	pushes, err := Encode(msg)
	require.NoError(t, err)

	script, err := BuildEnvelopeScript(pubKey, pushes)
	require.NoError(t, err)

	parsedPubKey, parsedPushes, err := ParseEnvelopeScript(script)
	require.NoError(t, err)
	require.Equal(t, pubKey, parsedPubKey)
	require.Equal(t, pushes, parsedPushes)

	decoded, err := Decode(parsedPushes, parsedPubKey)
	require.NoError(t, err)
	require.Equal(t, msg.Attestation, decoded.Attestation)
}

func TestEnvelope_RejectsMalformedScript(t *testing.T) {
	t.Parallel()

	_, _, err := ParseEnvelopeScript([]byte{0x00, 0x01, 0x02})
	require.Error(t, err)
}

func TestAuthorize(t *testing.T) {
	t.Parallel()

	verifierA := make([]byte, 32)
	verifierA[0] = 0x01
	verifierB := make([]byte, 32)
	verifierB[0] = 0x02
	sequencer := make([]byte, 32)
	sequencer[0] = 0x03
	governance := make([]byte, 32)
	governance[0] = 0x04
	stranger := make([]byte, 32)
	stranger[0] = 0xFF

	authCtx := &AuthContext{
		KnownVerifiers:     [][]byte{verifierA, verifierB},
		CurrentSequencer:   sequencer,
		GovernanceMultisig: governance,
	}

	tests := []struct {
		name    string
		msg     *Message
		wantErr bool
	}{
		{
			name:    "bootstrapping any sender",
			msg:     &Message{Kind: KindSystemBootstrapping, Sender: stranger},
			wantErr: false,
		},
		{
			name:    "propose sequencer by known verifier",
			msg:     &Message{Kind: KindProposeSequencer, Sender: verifierA},
			wantErr: false,
		},
		{
			name:    "propose sequencer by stranger rejected",
			msg:     &Message{Kind: KindProposeSequencer, Sender: stranger},
			wantErr: true,
		},
		{
			name:    "attestation by known verifier",
			msg:     &Message{Kind: KindValidatorAttestation, Sender: verifierB},
			wantErr: false,
		},
		{
			name:    "attestation by stranger rejected",
			msg:     &Message{Kind: KindValidatorAttestation, Sender: stranger},
			wantErr: true,
		},
		{
			name:    "batch DA by sequencer",
			msg:     &Message{Kind: KindL1BatchDAReference, Sender: sequencer},
			wantErr: false,
		},
		{
			name:    "batch DA by verifier rejected",
			msg:     &Message{Kind: KindL1BatchDAReference, Sender: verifierA},
			wantErr: true,
		},
		{
			name:    "proof DA by sequencer",
			msg:     &Message{Kind: KindProofDAReference, Sender: sequencer},
			wantErr: false,
		},
		{
			name:    "l1 to l2 any sender",
			msg:     &Message{Kind: KindL1ToL2Message, Sender: stranger},
			wantErr: false,
		},
		{
			name:    "upgrade by governance",
			msg:     &Message{Kind: KindSystemContractUpgrade, Sender: governance},
			wantErr: false,
		},
		{
			name:    "upgrade by sequencer rejected",
			msg:     &Message{Kind: KindSystemContractUpgrade, Sender: sequencer},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			err := Authorize(tt.msg, authCtx)
			if tt.wantErr {
				require.Error(t, err)
			} else {
				require.NoError(t, err)
			}
		})
	}
}
