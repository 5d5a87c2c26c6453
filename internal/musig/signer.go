package musig

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/musig2"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btclog"

	"github.com/via-protocol/btc-settlement-core/internal/coreerr"
)

// SignerConfig parameterizes a Signer.
type SignerConfig struct {
	CoordinatorURL  string
	VerifierIndex   uint32
	PrivKey         *btcec.PrivateKey
	VerifierPubKeys []*btcec.PublicKey
	HTTPClient      *http.Client
	Log             btclog.Logger
}

func (c *SignerConfig) setDefaults() {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: 15 * time.Second}
	}
	if c.Log == nil {
		c.Log = btclog.Disabled
	}
}

// Signer is a verifier node's side of §4.8 steps 2-4: it polls the
// coordinator for a session, validates the PSBT, and drives the two MuSig2
// rounds. It holds the only secret in-process state this core has (§5
// "Signer nonces are the only secret in-memory state"), pinned to the
// current session and discarded as soon as it submits its partial
// signature or the session ends.
type Signer struct {
	cfg SignerConfig

	lastSessionID string
	secNonce      *[musig2.SecNonceSize]byte
}

// NewSigner builds a Signer.
func NewSigner(cfg SignerConfig) *Signer {
	cfg.setDefaults()
	return &Signer{cfg: cfg}
}

// PollOnce runs one iteration of the verifier loop: fetch the current
// session (if any), and advance it one round if its state calls for this
// verifier's participation. validate is called with the decoded PSBT and
// the session's proof-reveal txid so the caller can check it reproduces
// the same transaction the verifier itself would have built (§4.8 step 2);
// a validate failure aborts local participation without contacting the
// coordinator further for that session.
func (s *Signer) PollOnce(ctx context.Context, validate func(pkt *psbt.Packet, proofRevealTxID string) error) error {
	session, err := s.getSession(ctx)
	if err != nil {
		return err
	}
	if session == nil {
		return nil
	}

	if session.ID != s.lastSessionID {
		s.lastSessionID = session.ID
		s.secNonce = nil
	}

	pkt, err := psbt.NewFromRawBytes(bytes.NewReader(session.psbtBytes), false)
	if err != nil {
		return coreerr.Protocol("parse coordinator-supplied psbt", err)
	}
	if validate != nil {
		if err := validate(pkt, session.ProofRevealTxID); err != nil {
			return coreerr.Protocol("reject coordinator-supplied session", err)
		}
	}

	if s.secNonce == nil {
		return s.submitNonce(ctx, session.ID)
	}

	agg, err := s.getAggregateNonce(ctx, session.ID)
	if err != nil {
		if coreerr.Is(err, coreerr.KindTransient) {
			return nil // 425 Too Early: not all nonces collected yet.
		}
		return err
	}

	return s.submitPartial(ctx, session.ID, pkt, agg)
}

type polledSession struct {
	ID              string
	ProofRevealTxID string
	psbtBytes       []byte
}

func (s *Signer) getSession(ctx context.Context) (*polledSession, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.CoordinatorURL+"/session", nil)
	if err != nil {
		return nil, coreerr.Invariant("build session request", err)
	}
	resp, err := s.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, coreerr.Transient("poll coordinator session", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, coreerr.Transient("poll coordinator session", fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	var body sessionResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, coreerr.Protocol("decode session response", err)
	}
	raw, err := base64.StdEncoding.DecodeString(body.PSBTBase64)
	if err != nil {
		return nil, coreerr.Protocol("decode session psbt", err)
	}
	return &polledSession{ID: body.ID, ProofRevealTxID: body.ProofRevealTxID, psbtBytes: raw}, nil
}

// submitNonce runs round 1: generate this verifier's nonce pair, hold the
// secret half, and submit the public half.
func (s *Signer) submitNonce(ctx context.Context, sessionID string) error {
	pub, sec, err := generateNonce(s.cfg.PrivKey.PubKey())
	if err != nil {
		return err
	}
	s.secNonce = &sec

	body, err := json.Marshal(nonceRequest{
		VerifierIndex: s.cfg.VerifierIndex,
		PubNonce:      hex.EncodeToString(pub[:]),
	})
	if err != nil {
		return coreerr.Invariant("marshal nonce request", err)
	}

	return s.post(ctx, fmt.Sprintf("/session/%s/nonce", sessionID), body)
}

func (s *Signer) getAggregateNonce(ctx context.Context, sessionID string) ([musig2.PubNonceSize]byte, error) {
	var zero [musig2.PubNonceSize]byte

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		s.cfg.CoordinatorURL+fmt.Sprintf("/session/%s/aggregate_nonce", sessionID), nil)
	if err != nil {
		return zero, coreerr.Invariant("build aggregate nonce request", err)
	}
	resp, err := s.cfg.HTTPClient.Do(req)
	if err != nil {
		return zero, coreerr.Transient("fetch aggregate nonce", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooEarly {
		return zero, coreerr.New(coreerr.KindTransient, "aggregate nonce not ready")
	}
	if resp.StatusCode != http.StatusOK {
		return zero, coreerr.Transient("fetch aggregate nonce", fmt.Errorf("unexpected status %d", resp.StatusCode))
	}

	var body aggregateNonceResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return zero, coreerr.Protocol("decode aggregate nonce response", err)
	}
	raw, err := hex.DecodeString(body.AggregateNonce)
	if err != nil || len(raw) != musig2.PubNonceSize {
		return zero, coreerr.Protocol("malformed aggregate nonce", err)
	}
	var agg [musig2.PubNonceSize]byte
	copy(agg[:], raw)
	return agg, nil
}

// submitPartial runs round 2: compute the sighash for the session's single
// input, sign it with this verifier's (now one-time-use) secret nonce, and
// submit the partial signature. The secret nonce is destroyed immediately
// afterward regardless of outcome, enforcing §8 property 5.
func (s *Signer) submitPartial(ctx context.Context, sessionID string, pkt *psbt.Packet, aggregateNonce [musig2.PubNonceSize]byte) error {
	secNonce := *s.secNonce
	s.secNonce = nil

	sigHash, err := keypathSigHash(pkt)
	if err != nil {
		return err
	}

	partial, err := signPartial(secNonce, s.cfg.PrivKey, aggregateNonce, s.cfg.VerifierPubKeys, sigHash)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	partial.Encode(&buf)

	body, err := json.Marshal(partialRequest{
		VerifierIndex: s.cfg.VerifierIndex,
		PartialSig:    hex.EncodeToString(buf.Bytes()),
	})
	if err != nil {
		return coreerr.Invariant("marshal partial request", err)
	}

	return s.post(ctx, fmt.Sprintf("/session/%s/partial", sessionID), body)
}

func (s *Signer) post(ctx context.Context, path string, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.CoordinatorURL+path, bytes.NewReader(body))
	if err != nil {
		return coreerr.Invariant("build request", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.cfg.HTTPClient.Do(req)
	if err != nil {
		return coreerr.Transient("post to coordinator", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusAccepted:
		return nil
	case http.StatusConflict:
		return coreerr.New(coreerr.KindInvariant, "coordinator rejected request (session conflict or reuse)")
	default:
		return coreerr.Transient("post to coordinator", fmt.Errorf("unexpected status %d", resp.StatusCode))
	}
}

// keypathSigHash computes the BIP341 keypath sighash for a single-input
// PSBT, mirroring Coordinator.validateSingleInput's constraint.
func keypathSigHash(pkt *psbt.Packet) ([32]byte, error) {
	var zero [32]byte
	if len(pkt.UnsignedTx.TxIn) != 1 {
		return zero, coreerr.New(coreerr.KindInvariant, "musig session supports single-input withdrawal psbts only")
	}
	prevOut := pkt.Inputs[0].WitnessUtxo
	fetcher := txscript.NewCannedPrevOutputFetcher(prevOut.PkScript, prevOut.Value)
	sigHashes := txscript.NewTxSigHashes(pkt.UnsignedTx, fetcher)
	hash, err := txscript.CalcTaprootSignatureHash(sigHashes, txscript.SigHashDefault, pkt.UnsignedTx, 0, fetcher)
	if err != nil {
		return zero, coreerr.Invariant("compute taproot keypath sighash", err)
	}
	var out [32]byte
	copy(out[:], hash)
	return out, nil
}
