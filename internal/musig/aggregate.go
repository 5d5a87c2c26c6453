package musig

import (
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/musig2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"

	"github.com/via-protocol/btc-settlement-core/internal/coreerr"
)

// This file isolates every call into btcec/v2/musig2 behind small,
// narrowly-typed functions, so the session/coordinator logic never touches
// the library's nonce/partial-signature types directly. Grounded on
// btcec/v2/musig2's two-round, stateless (non-Context) API: GenNonces,
// AggregateNonces, Sign and CombineSigs operate on plain byte arrays and
// *btcec.PublicKey slices rather than a long-lived session object, which
// fits a coordinator that never holds a private key and only ever
// aggregates values submitted over HTTP by the verifiers that do.

// aggregateBridgeKey computes the untweaked MuSig2 aggregate of the
// verifier set's public keys (§4.8: "the n-of-n MuSig2 aggregate" that
// keypath-signs the bridge address). The bridge address's Taproot output
// key is derived from this by C7/C8 applying the governance-script Merkle
// root tweak (txscript.ComputeTaprootOutputKey), never baked in here.
func aggregateBridgeKey(verifierPubKeys []*btcec.PublicKey) (*btcec.PublicKey, error) {
	agg, err := musig2.AggregateKeys(verifierPubKeys, true)
	if err != nil {
		return nil, coreerr.Invariant("aggregate musig2 verifier keys", err)
	}
	return agg.PreTweakedKey, nil
}

// generateNonce runs round 1 for a single verifier, returning its public
// and secret nonce pair. The secret half is held only by the verifier
// (signer.go) and destroyed on session termination (§4.8 concurrency,
// §8 property 5).
func generateNonce(pubKey *btcec.PublicKey) (pub [musig2.PubNonceSize]byte, sec [musig2.SecNonceSize]byte, err error) {
	nonces, err := musig2.GenNonces(musig2.WithPublicKey(pubKey))
	if err != nil {
		return pub, sec, coreerr.Invariant("generate musig2 nonce", err)
	}
	return nonces.PubNonce, nonces.SecNonce, nil
}

// aggregateNonces combines every verifier's round-1 public nonce into the
// session's single aggregate nonce (§4.8 step 3 "the coordinator waits for
// nonces from all n verifiers").
func aggregateNonces(pubNonces [][musig2.PubNonceSize]byte) ([musig2.PubNonceSize]byte, error) {
	agg, err := musig2.AggregateNonces(pubNonces)
	if err != nil {
		return agg, coreerr.Invariant("aggregate musig2 nonces", err)
	}
	return agg, nil
}

// signPartial runs round 2 for a single verifier: it produces a partial
// signature over sigHash using this verifier's secret nonce, the session's
// aggregate nonce, and the full verifier public-key set.
func signPartial(secNonce [musig2.SecNonceSize]byte, privKey *btcec.PrivateKey, combinedNonce [musig2.PubNonceSize]byte, verifierPubKeys []*btcec.PublicKey, sigHash [32]byte) (*musig2.PartialSignature, error) {
	sig, err := musig2.Sign(secNonce, privKey, combinedNonce, verifierPubKeys, sigHash)
	if err != nil {
		return nil, coreerr.Invariant("compute musig2 partial signature", err)
	}
	return sig, nil
}

// combinePartials aggregates every verifier's partial signature into the
// final Schnorr signature over the bridge's MuSig2 aggregate key (§4.8
// step 5).
func combinePartials(combinedNonce [musig2.PubNonceSize]byte, partials []*musig2.PartialSignature) (*schnorr.Signature, error) {
	sig, err := musig2.CombineSigs(combinedNonce, partials)
	if err != nil {
		return nil, coreerr.Protocol("combine musig2 partial signatures", err)
	}
	return sig, nil
}
