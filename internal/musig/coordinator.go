package musig

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/musig2"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btclog"
	"github.com/google/uuid"

	"github.com/via-protocol/btc-settlement-core/internal/btcrpc"
	"github.com/via-protocol/btc-settlement-core/internal/coreerr"
	"github.com/via-protocol/btc-settlement-core/internal/metrics"
	"github.com/via-protocol/btc-settlement-core/internal/reorg"
	"github.com/via-protocol/btc-settlement-core/internal/store"
	"github.com/via-protocol/btc-settlement-core/internal/withdrawal"
)

// WithdrawalSource decodes a finalized batch's L2-to-L1 withdrawal payout
// list from its DA blob. The Merkle tree and DA layer are out of scope for
// this core (§1); this is the narrow seam the coordinator pulls decoded
// withdrawals through, mirroring rollback.StateKeeper's role for C9.
type WithdrawalSource interface {
	WithdrawalsForBatch(ctx context.Context, batch store.VotableTransaction) ([]withdrawal.L2Withdrawal, error)
}

// NoopWithdrawalSource reports no withdrawals for any batch, used where no
// L2 state keeper is attached (tests, a verifier-only deployment that
// never opens sessions).
type NoopWithdrawalSource struct{}

// WithdrawalsForBatch implements WithdrawalSource.
func (NoopWithdrawalSource) WithdrawalsForBatch(context.Context, store.VotableTransaction) ([]withdrawal.L2Withdrawal, error) {
	return nil, nil
}

// Config parameterizes a Coordinator.
type Config struct {
	VerifierPubKeys  []*btcec.PublicKey
	BridgeMerkleRoot []byte
	NetParams        *chaincfg.Params
	SessionTimeout   time.Duration
	PollInterval     time.Duration
	Log              btclog.Logger
}

func (c *Config) setDefaults() {
	if c.SessionTimeout == 0 {
		c.SessionTimeout = 2 * time.Minute
	}
	if c.PollInterval == 0 {
		c.PollInterval = 15 * time.Second
	}
	if c.Log == nil {
		c.Log = btclog.Disabled
	}
}

// Coordinator drives the elected node's half of §4.8: it watches for
// newly finalized batches lacking a BridgeTx, builds the unsigned PSBT via
// C7, opens a session, collects nonces and partial signatures over HTTP
// (see http.go), and on completion finalizes, broadcasts, and persists the
// result.
//
// A Coordinator holds at most one active Session at a time (§4.8
// concurrency). It never holds a verifier's private key; Signer (signer.go)
// is the corresponding role for a node that does.
type Coordinator struct {
	cfg         Config
	store       *store.DB
	client      btcrpc.Client
	builder     *withdrawal.Builder
	withdrawals WithdrawalSource

	bridgeKey *btcec.PublicKey

	mu      sync.Mutex
	current *Session
}

// New builds a Coordinator and aggregates the verifier set's MuSig2 key.
// It subscribes to detector so an in-flight session is aborted and its
// locked UTXOs released the instant a reorg lands (§4.8 "Cancellation: a
// reorg signal aborts the current session and deletes the session
// record").
func New(db *store.DB, client btcrpc.Client, builder *withdrawal.Builder, withdrawals WithdrawalSource, detector *reorg.Detector, cfg Config) (*Coordinator, error) {
	cfg.setDefaults()

	bridgeKey, err := aggregateBridgeKey(cfg.VerifierPubKeys)
	if err != nil {
		return nil, err
	}

	c := &Coordinator{cfg: cfg, store: db, client: client, builder: builder, withdrawals: withdrawals, bridgeKey: bridgeKey}

	if detector != nil {
		go c.watchReorgs(detector.Subscribe())
	}
	return c, nil
}

func (c *Coordinator) watchReorgs(events <-chan reorg.Event) {
	for range events {
		c.mu.Lock()
		if c.current != nil && c.current.State != StateDone && c.current.State != StateAborted {
			c.cfg.Log.Warnf("musig: aborting session %s for reorg", c.current.ID)
			c.releaseSessionUTXOsLocked()
			c.current = nil
		}
		c.mu.Unlock()
	}
}

// Run drives the coordinator loop until ctx is cancelled: open a session
// for the next finalized-but-unsigned batch, or time out the current one
// (§4.8 step 1, §5).
func (c *Coordinator) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return coreerr.Stopped
		default:
		}

		if err := c.tick(ctx); err != nil {
			metrics.ObserveErr("musig", err)
			if coreerr.Is(err, coreerr.KindInvariant) {
				return err
			}
			c.cfg.Log.Warnf("musig: coordinator tick failed: %v", err)
		}

		select {
		case <-ctx.Done():
			return coreerr.Stopped
		case <-time.After(c.cfg.PollInterval):
		}
	}
}

func (c *Coordinator) tick(ctx context.Context) error {
	c.mu.Lock()
	if c.current != nil {
		if !c.current.State.terminal() && time.Now().After(c.current.ExpiresAt) {
			c.cfg.Log.Warnf("musig: session %s timed out in state %s", c.current.ID, c.current.State)
			c.releaseSessionUTXOsLocked()
			c.current.abort("timeout")
		}
		if !c.current.State.terminal() {
			c.mu.Unlock()
			return nil
		}
		// Nonce and partial-signature reuse aborts do not release the
		// session's UTXOs themselves; releasing again after Done or a
		// timeout is harmless.
		c.releaseSessionUTXOsLocked()
	}
	c.mu.Unlock()

	return c.openNextSession(ctx)
}

// openNextSession implements §4.8 step 1.
func (c *Coordinator) openNextSession(ctx context.Context) error {
	candidates, err := c.store.FinalizedWithoutBridgeTx(ctx)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		return nil
	}
	batch := candidates[0]
	if batch.ProofRevealTxID == nil {
		return coreerr.New(coreerr.KindInvariant, "finalized batch missing proof reveal txid")
	}

	l2Withdrawals, err := c.withdrawals.WithdrawalsForBatch(ctx, batch)
	if err != nil {
		return err
	}

	proofTxID, err := chainhash.NewHashFromStr(*batch.ProofRevealTxID)
	if err != nil {
		return coreerr.Invariant("parse proof reveal txid", err)
	}

	result, err := c.builder.Build(ctx, l2Withdrawals, *proofTxID, c.bridgeKey, c.cfg.BridgeMerkleRoot)
	if err != nil {
		return err
	}

	storeWithdrawals := make([]store.Withdrawal, len(result.Grouped))
	for i, g := range result.Grouped {
		storeWithdrawals[i] = store.Withdrawal{Receiver: g.Receiver, Value: g.Value}
	}
	bridgeTxID, err := c.store.CreateBridgeTx(ctx, batch.ID, result.PSBT, storeWithdrawals)
	if err != nil {
		c.builder.Unlock(result.SpentUTXOs)
		return err
	}

	now := time.Now()
	session := newSession(uuid.NewString(), batch.L1BatchNumber, batch.ID, bridgeTxID, *batch.ProofRevealTxID,
		result.PSBT, uint32(len(c.cfg.VerifierPubKeys)), now, now.Add(c.cfg.SessionTimeout))
	for _, u := range result.SpentUTXOs {
		session.spentUTXOs = append(session.spentUTXOs, u.OutPoint)
	}

	c.mu.Lock()
	c.current = session
	c.mu.Unlock()

	c.cfg.Log.Infof("musig: opened session %s for batch %d", session.ID, session.L1BatchNumber)
	return nil
}

// CurrentSession returns the active session, if any (§6.4 GET /session).
func (c *Coordinator) CurrentSession() (*Session, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.current == nil {
		return nil, false
	}
	cp := *c.current
	return &cp, true
}

// RegisterNonce implements §6.4 POST /session/:id/nonce and the
// no-nonce-reuse hard error of §8 property 5.
func (c *Coordinator) RegisterNonce(sessionID string, verifierIndex uint32, pubNonce [musig2.PubNonceSize]byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, err := c.sessionFor(sessionID)
	if err != nil {
		return err
	}
	if verifierIndex >= s.NumVerifiers {
		return ErrUnknownVerifier
	}
	if _, ok := s.PubNonces[verifierIndex]; ok {
		s.abort("nonce_reuse")
		return coreerr.Invariant("musig nonce reuse", ErrNonceReuse)
	}

	s.PubNonces[verifierIndex] = pubNonce
	if uint32(len(s.PubNonces)) == s.NumVerifiers {
		nonces := make([][musig2.PubNonceSize]byte, 0, len(s.PubNonces))
		for i := uint32(0); i < s.NumVerifiers; i++ {
			nonces = append(nonces, s.PubNonces[i])
		}
		agg, err := aggregateNonces(nonces)
		if err != nil {
			s.abort("nonce_aggregation_failed")
			return err
		}
		s.AggregateNonce = &agg
		s.State = StateNoncesCollected
	}
	return nil
}

// AggregateNonce implements §6.4 GET /session/:id/aggregate_nonce.
func (c *Coordinator) AggregateNonce(sessionID string) ([musig2.PubNonceSize]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	var zero [musig2.PubNonceSize]byte
	s, err := c.sessionFor(sessionID)
	if err != nil {
		return zero, err
	}
	if s.AggregateNonce == nil {
		return zero, ErrNonceNotYetAggregated
	}
	return *s.AggregateNonce, nil
}

// RegisterPartial implements §6.4 POST /session/:id/partial, and on the
// final partial finalizes, broadcasts and persists the transaction (§4.8
// step 5).
func (c *Coordinator) RegisterPartial(ctx context.Context, sessionID string, verifierIndex uint32, partial *musig2.PartialSignature) error {
	c.mu.Lock()
	s, err := c.sessionFor(sessionID)
	if err != nil {
		c.mu.Unlock()
		return err
	}
	if s.State != StateNoncesCollected && s.State != StatePartialsCollected {
		c.mu.Unlock()
		return ErrSessionConflict
	}
	if verifierIndex >= s.NumVerifiers {
		c.mu.Unlock()
		return ErrUnknownVerifier
	}
	if _, ok := s.PartialSigs[verifierIndex]; ok {
		s.abort("partial_reuse")
		c.mu.Unlock()
		return coreerr.Invariant("musig partial signature reuse", ErrPartialReuse)
	}

	var buf bytes.Buffer
	partial.Encode(&buf)
	s.PartialSigs[verifierIndex] = buf.Bytes()
	s.State = StatePartialsCollected

	complete := uint32(len(s.PartialSigs)) == s.NumVerifiers
	var sessionCopy Session
	if complete {
		sessionCopy = *s
	}
	c.mu.Unlock()

	if !complete {
		return nil
	}
	return c.finalize(ctx, &sessionCopy)
}

// finalize implements §4.8 step 5: aggregate partials, produce the final
// transaction, broadcast via C1, and persist the BridgeTx hash.
func (c *Coordinator) finalize(ctx context.Context, s *Session) error {
	pkt, err := psbt.NewFromRawBytes(bytes.NewReader(s.PSBT), false)
	if err != nil {
		return coreerr.Invariant("parse session psbt", err)
	}

	if err := c.validateSingleInput(pkt); err != nil {
		return err
	}

	partials := make([]*musig2.PartialSignature, 0, len(s.PartialSigs))
	for i := uint32(0); i < s.NumVerifiers; i++ {
		raw, ok := s.PartialSigs[i]
		if !ok {
			return ErrPartialsNotComplete
		}
		var ps musig2.PartialSignature
		if err := ps.Decode(bytes.NewReader(raw)); err != nil {
			return coreerr.Invariant("decode verifier partial signature", err)
		}
		partials = append(partials, &ps)
	}

	finalSig, err := combinePartials(*s.AggregateNonce, partials)
	if err != nil {
		c.mu.Lock()
		if c.current != nil && c.current.ID == s.ID {
			c.releaseSessionUTXOsLocked()
			c.current.abort("signature_combination_failed")
		}
		c.mu.Unlock()
		return err
	}

	c.mu.Lock()
	if c.current != nil && c.current.ID == s.ID && !c.current.State.terminal() {
		c.current.State = StateSigned
	}
	c.mu.Unlock()

	finalTx := pkt.UnsignedTx.Copy()
	sigBytes := finalSig.Serialize()
	for i := range finalTx.TxIn {
		finalTx.TxIn[i].Witness = wire.TxWitness{sigBytes}
	}

	if err := c.client.BroadcastSignedTx(ctx, finalTx); err != nil {
		return coreerr.Transient("broadcast finalized withdrawal tx", err)
	}

	c.mu.Lock()
	if c.current != nil && c.current.ID == s.ID && !c.current.State.terminal() {
		c.current.State = StateBroadcast
	}
	c.mu.Unlock()

	txid := finalTx.TxHash()
	if err := c.store.SetBridgeTxHash(ctx, s.BridgeTxID, txid.String()); err != nil {
		return err
	}

	c.mu.Lock()
	if c.current != nil && c.current.ID == s.ID {
		c.current.State = StateDone
		c.current.FinalTxID = txid.String()
		c.releaseSessionUTXOsLocked()
	}
	c.mu.Unlock()

	c.cfg.Log.Infof("musig: session %s broadcast as %s", s.ID, txid)
	return nil
}

// validateSingleInput enforces the one limitation the wire protocol of
// §6.4 implies: a nonce/partial-signature body carries no input index, so
// a session can only ever sign a PSBT with exactly one input (Open
// Question, resolved: the builder's greedy UTXO selection already favors
// the smallest covering set, so this is the common case; a batch needing
// more than one bridge UTXO is out of scope for this component).
func (c *Coordinator) validateSingleInput(pkt *psbt.Packet) error {
	if len(pkt.UnsignedTx.TxIn) != 1 {
		return coreerr.New(coreerr.KindInvariant, "musig session supports single-input withdrawal psbts only")
	}
	return nil
}

// sessionFor validates the requested id against the current session,
// returning ErrNoActiveSession / ErrSessionConflict per §6.4. Caller must
// hold c.mu.
func (c *Coordinator) sessionFor(sessionID string) (*Session, error) {
	if c.current == nil {
		return nil, ErrNoActiveSession
	}
	if c.current.ID != sessionID {
		return nil, ErrSessionConflict
	}
	return c.current, nil
}

// releaseSessionUTXOsLocked unlocks the UTXOs the withdrawal builder
// reserved for the current session. Caller must hold c.mu.
func (c *Coordinator) releaseSessionUTXOsLocked() {
	if c.current == nil || len(c.current.spentUTXOs) == 0 {
		return
	}
	c.builder.UnlockOutpoints(c.current.spentUTXOs)
}
