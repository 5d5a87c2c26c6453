package inscription

import (
	"bytes"
	"fmt"

	"github.com/via-protocol/btc-settlement-core/internal/coreerr"
)

// AuthContext carries the chain-view facts needed to evaluate the sender
// authorization table of §6.2. It is a snapshot supplied by the indexer at
// the point a message is decoded; callers refresh it per block.
type AuthContext struct {
	// KnownVerifiers is the set of verifier x-only pubkeys currently
	// recognized (from the last SystemBootstrapping plus any role
	// changes inscribed since).
	KnownVerifiers [][]byte

	// CurrentSequencer is the x-only pubkey of the currently proposed
	// and attested sequencer, or nil if none has been established yet.
	CurrentSequencer []byte

	// GovernanceMultisig is the x-only pubkey committing to the
	// governance multisig path authorized to announce upgrades.
	GovernanceMultisig []byte
}

func (c *AuthContext) isKnownVerifier(sender []byte) bool {
	for _, v := range c.KnownVerifiers {
		if bytes.Equal(v, sender) {
			return true
		}
	}
	return false
}

// Authorize enforces the §6.2 "Sender must be" table. It returns a
// coreerr.Protocol-classified InvalidInscription error when the sender is
// not permitted for the message's kind.
func Authorize(msg *Message, authCtx *AuthContext) error {
	switch msg.Kind {
	case KindSystemBootstrapping:
		// Any sender; the hash is anchored in the verifier genesis
		// out of band, so no further check applies here.
		return nil

	case KindProposeSequencer, KindValidatorAttestation:
		if !authCtx.isKnownVerifier(msg.Sender) {
			return invalidSender(msg.Kind, "known verifier")
		}
		return nil

	case KindL1BatchDAReference, KindProofDAReference:
		if authCtx.CurrentSequencer == nil || !bytes.Equal(authCtx.CurrentSequencer, msg.Sender) {
			return invalidSender(msg.Kind, "current sequencer")
		}
		return nil

	case KindL1ToL2Message:
		// Any sender; a deposit is authorized by the funds it moves,
		// not by who inscribes it.
		return nil

	case KindSystemContractUpgrade:
		if authCtx.GovernanceMultisig == nil || !bytes.Equal(authCtx.GovernanceMultisig, msg.Sender) {
			return invalidSender(msg.Kind, "governance multisig path")
		}
		return nil

	default:
		return coreerr.New(coreerr.KindProtocol, fmt.Sprintf("unknown kind tag %d", msg.Kind))
	}
}

func invalidSender(kind Kind, want string) error {
	return coreerr.New(coreerr.KindProtocol,
		fmt.Sprintf("invalid inscription: sender not permitted for %s, must be %s", kind, want),
	)
}
