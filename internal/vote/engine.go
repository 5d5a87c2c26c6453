// Package vote implements the C6 component: it turns observed
// L1BatchDAReference, ProofDAReference, and ValidatorAttestation
// inscriptions into VotableTransaction rows and derives batch finality
// from the accumulated verifier votes (§4.6).
package vote

import (
	"context"
	"encoding/hex"
	"math"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btclog"

	"github.com/via-protocol/btc-settlement-core/internal/indexer"
	"github.com/via-protocol/btc-settlement-core/internal/inscription"
	"github.com/via-protocol/btc-settlement-core/internal/store"
)

// Config parameterizes an Engine.
type Config struct {
	// ZKAgreementThreshold is the fraction of the verifier set that must
	// vote Ok for a batch to finalize (§4.6, §6.3's zk_agreement_threshold).
	ZKAgreementThreshold float64
	Log                  btclog.Logger
}

// Engine ingests C3's parsed messages and derives finality.
type Engine struct {
	cfg   Config
	store *store.DB
}

// New builds an Engine.
func New(db *store.DB, cfg Config) *Engine {
	if cfg.Log == nil {
		cfg.Log = btclog.Disabled
	}
	if cfg.ZKAgreementThreshold <= 0 {
		cfg.ZKAgreementThreshold = 0.67
	}
	return &Engine{cfg: cfg, store: db}
}

// voterID derives the dedup key InsertVote stores under from a message's
// authenticated sender pubkey (§3's (votable_tx_id, verifier_address)
// uniqueness). Verifier wallets are registered by their P2WPKH address at
// bootstrap, but the only identity available at inscription-authorization
// time is the signing x-only pubkey; hex-encoding it keeps the vote key
// stable without requiring address derivation the message doesn't carry.
func voterID(sender []byte) string {
	return hex.EncodeToString(sender)
}

// IngestTx inspects one indexed transaction and applies whichever of the
// three C6 input kinds it carries, doing nothing for every other kind
// (§4.6's "Inputs: L1BatchDAReference, ProofDAReference, and
// ValidatorAttestation messages from C3").
func (e *Engine) IngestTx(ctx context.Context, tx indexer.IndexedTx) error {
	if tx.Message == nil {
		return nil
	}

	switch tx.Message.Kind {
	case inscription.KindL1BatchDAReference:
		return e.ingestBatchDA(ctx, tx.Tx.TxHash(), tx.Message.BatchDA)
	case inscription.KindProofDAReference:
		return e.ingestProofDA(ctx, tx.Tx.TxHash(), tx.Message.ProofDA)
	case inscription.KindValidatorAttestation:
		return e.ingestAttestation(ctx, tx.Message.Sender, tx.Message.Attestation)
	default:
		return nil
	}
}

// ingestBatchDA upserts the VotableTransaction for a newly observed batch
// commitment (§4.6 step 1).
func (e *Engine) ingestBatchDA(ctx context.Context, revealTxID chainhash.Hash, ref *inscription.L1BatchDAReference) error {
	_, err := e.store.UpsertBatchDA(
		ctx,
		int64(ref.L1BatchIndex),
		ref.L1BatchHash.String(),
		ref.PrevL1BatchHash.String(),
		ref.DAIdentifier,
		ref.DAReference,
		revealTxID.String(),
	)
	return err
}

// ingestProofDA links a proof blob onto the VotableTransaction it proves.
// The VotableTransaction is matched by the batch-DA reveal txid ref names
// (ref.L1BatchRevealTxID), but the proof_reveal_txid column records
// revealTxID — the reveal transaction that actually carries this
// ProofDAReference inscription (the glossary's "canonical id of an
// inscription"), not the batch's own reveal txid already stored as
// pubdata_reveal_txid. musig/coordinator.go's session key and
// withdrawal/builder.go's OP_RETURN reference (§4.8 step 1, §4.7) both key
// off this value, so the two columns must diverge (§4.6 step 2).
func (e *Engine) ingestProofDA(ctx context.Context, revealTxID chainhash.Hash, ref *inscription.ProofDAReference) error {
	votable, err := e.store.VotableByPubdataRevealTxID(ctx, ref.L1BatchRevealTxID.String())
	if err != nil {
		return err
	}
	if votable == nil {
		// The batch-DA inscription hasn't been indexed yet (out-of-order
		// observation); nothing to link onto.
		return nil
	}
	return e.store.LinkProofDA(ctx, votable.ID, revealTxID.String(), ref.DAIdentifier, ref.DAReference)
}

// ingestAttestation records a verifier's vote, deduplicated by
// (votable_tx_id, verifier) (§4.6 step 3). The vote is matched to its
// VotableTransaction by the referenced batch-DA reveal txid.
func (e *Engine) ingestAttestation(ctx context.Context, sender []byte, att *inscription.ValidatorAttestation) error {
	votable, err := e.store.VotableByPubdataRevealTxID(ctx, att.ReferenceTxID.String())
	if err != nil {
		return err
	}
	if votable == nil {
		return nil
	}

	return e.store.InsertVote(ctx, store.Vote{
		VotableTxID:     votable.ID,
		VerifierAddress: voterID(sender),
		Vote:            att.Vote == inscription.VoteOk,
		CreatedAt:       e.store.Clock.Now(),
	})
}

// Reconcile walks every unfinalized VotableTransaction in ascending
// l1_batch_number order and finalizes every prefix that now satisfies the
// threshold, stopping at the first batch that doesn't (§4.6's "a batch
// cannot become finalized before its predecessor").
func (e *Engine) Reconcile(ctx context.Context, verifierSetSize int) error {
	unfinalized, err := e.store.UnfinalizedVotables(ctx)
	if err != nil {
		return err
	}

	for _, votable := range unfinalized {
		ok, err := e.canFinalize(ctx, votable, verifierSetSize)
		if err != nil {
			return err
		}
		if !ok {
			// Ordering invariant: later batches can't finalize before
			// this one, so stop here.
			return nil
		}

		if err := e.store.Finalize(ctx, votable.ID); err != nil {
			return err
		}
		if err := e.store.MarkBatchLinkFinalized(ctx, votable.L1BatchNumber); err != nil {
			return err
		}
		e.cfg.Log.Infof("vote: batch %d finalized (hash %s)", votable.L1BatchNumber, votable.L1BatchHash)
	}
	return nil
}

// canFinalize evaluates the §4.6 finality predicate for one
// VotableTransaction: enough Ok votes, and its predecessor (by hash) is
// already finalized, or it is the genesis batch.
func (e *Engine) canFinalize(ctx context.Context, votable store.VotableTransaction, verifierSetSize int) (bool, error) {
	if !e.hasPredecessorFinalized(ctx, votable) && !isGenesis(votable) {
		return false, nil
	}

	votes, err := e.store.VotesFor(ctx, votable.ID)
	if err != nil {
		return false, err
	}

	var okVotes int
	for _, v := range votes {
		if v.Vote {
			okVotes++
		}
	}

	required := int(math.Ceil(float64(verifierSetSize) * e.cfg.ZKAgreementThreshold))
	return okVotes >= required, nil
}

// isGenesis reports whether votable has no predecessor to chain to, i.e.
// its prev_l1_batch_hash is the zero hash.
func isGenesis(votable store.VotableTransaction) bool {
	var zero chainhash.Hash
	return votable.PrevL1BatchHash == zero.String()
}

// hasPredecessorFinalized reports whether the VotableTransaction whose
// l1_batch_hash equals votable's prev_l1_batch_hash is finalized.
func (e *Engine) hasPredecessorFinalized(ctx context.Context, votable store.VotableTransaction) bool {
	prev, err := e.store.VotableByBatchHash(ctx, votable.PrevL1BatchHash)
	if err != nil || prev == nil {
		return false
	}
	return prev.IsFinalized
}

// VerifierSetSize reports the number of distinct verifier addresses
// registered so far, the |V| term in §4.6's finality predicate.
func VerifierSetSize(ctx context.Context, db *store.DB) (int, error) {
	wallets, err := db.WalletsByRole(ctx, store.RoleVerifier)
	if err != nil {
		return 0, err
	}

	seen := make(map[string]struct{}, len(wallets))
	for _, w := range wallets {
		seen[w.Address] = struct{}{}
	}
	return len(seen), nil
}
