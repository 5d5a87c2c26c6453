// Package inscriber implements the C5 component: the inscription outbox.
// It turns enqueued InscriptionRequests into signed commit/reveal Bitcoin
// transaction pairs, broadcasts them, tracks confirmations, rebroadcasts
// with a bumped fee when a request stalls, and reverts in-flight work that
// a reorg invalidates (§4.5).
package inscriber

import (
	"bytes"
	"context"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btclog"

	"github.com/via-protocol/btc-settlement-core/internal/btcrpc"
	"github.com/via-protocol/btc-settlement-core/internal/coreerr"
	"github.com/via-protocol/btc-settlement-core/internal/inscription"
	"github.com/via-protocol/btc-settlement-core/internal/metrics"
	"github.com/via-protocol/btc-settlement-core/internal/reorg"
	"github.com/via-protocol/btc-settlement-core/internal/store"
)

// Config parameterizes a Manager, matching the shape of the teacher's
// wallet/btcwallet config structs: plain fields, no functional options.
type Config struct {
	SignerKey     *btcec.PrivateKey
	SignerAddress string
	BridgeAddress string
	NetParams     *chaincfg.Params
	DustThreshold int64

	ConfirmationsRequired  uint32
	RebroadcastAfterBlocks int64
	FeeBumpFactor          float64
	MaxRetries             int
	PollInterval           time.Duration

	Log btclog.Logger
}

func (c *Config) setDefaults() {
	if c.ConfirmationsRequired == 0 {
		c.ConfirmationsRequired = 1
	}
	if c.RebroadcastAfterBlocks == 0 {
		c.RebroadcastAfterBlocks = 6
	}
	if c.FeeBumpFactor == 0 {
		c.FeeBumpFactor = 1.5
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 5
	}
	if c.PollInterval == 0 {
		c.PollInterval = 10 * time.Second
	}
	if c.Log == nil {
		c.Log = btclog.Disabled
	}
}

// Manager drives the outbox loop of §4.5: select next pending request,
// build, sign, and broadcast its commit/reveal pair, track confirmations,
// rebroadcast stalled requests, and pause/revert on reorg.
type Manager struct {
	cfg    Config
	client btcrpc.Client
	store  *store.DB

	paused bool
}

// New builds a Manager. It subscribes to detector for reorg events so the
// outbox loop can pause and revert in-flight work per §4.5's reorg
// handling.
func New(client btcrpc.Client, db *store.DB, detector *reorg.Detector, cfg Config) *Manager {
	cfg.setDefaults()
	m := &Manager{cfg: cfg, client: client, store: db}

	if detector != nil {
		go m.watchReorgs(detector.Subscribe())
	}
	return m
}

// Enqueue encodes msg and inserts a new Pending InscriptionRequest,
// returning its id (§4.5's enqueue(kind, payload) -> request_id entry
// point, used by C6/C7/C8 to schedule L1-bound inscriptions). depositValue
// is the BTC amount (sats) the reveal must pay to the bridge address for a
// value-carrying L1ToL2Message deposit (§4.2 kind 6); pass 0 for every
// other kind, which carries no bridge-address value output.
func (m *Manager) Enqueue(ctx context.Context, msg *inscription.Message, predictedFee, depositValue int64) (string, error) {
	pushes, err := inscription.Encode(msg)
	if err != nil {
		return "", err
	}
	payload := inscription.MarshalPushes(pushes)
	return m.store.EnqueueRequest(ctx, byte(msg.Kind), payload, predictedFee, depositValue)
}

// watchReorgs pauses the outbox and reverts any in-flight history whose
// commit or reveal landed above the reorg's last valid height, per §4.5:
// "a pending request whose last history's sent_at_block exceeds the
// reorg's last valid height reverts to Pending".
func (m *Manager) watchReorgs(events <-chan reorg.Event) {
	for ev := range events {
		m.paused = true

		ctx := context.Background()
		histories, err := m.store.HistoriesAbove(ctx, ev.LastValidHeight)
		if err != nil {
			m.cfg.Log.Errorf("inscriber: query histories above reorg height: %v", err)
		}
		for _, h := range histories {
			if err := m.store.RevertToPending(ctx, h.RequestID); err != nil {
				m.cfg.Log.Errorf("inscriber: revert request %s to pending: %v", h.RequestID, err)
			}
		}
		if err := m.store.DeleteHistoriesAbove(ctx, ev.LastValidHeight); err != nil {
			m.cfg.Log.Errorf("inscriber: delete histories above reorg height: %v", err)
		}

		m.paused = false
	}
}

// Run drives the outbox loop until ctx is cancelled: process the next
// pending request, then track confirmations and rebroadcasts for every
// in-flight one, sleeping cfg.PollInterval between iterations (§4.5, §5).
func (m *Manager) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return coreerr.Stopped
		default:
		}

		if !m.paused {
			if err := m.processNext(ctx); err != nil {
				metrics.ObserveErr("inscriber", err)
				if coreerr.Is(err, coreerr.KindInvariant) {
					return err
				}
				m.cfg.Log.Warnf("inscriber: process next request failed: %v", err)
			}

			if err := m.trackConfirmations(ctx); err != nil {
				metrics.ObserveErr("inscriber", err)
				if coreerr.Is(err, coreerr.KindInvariant) {
					return err
				}
				m.cfg.Log.Warnf("inscriber: track confirmations failed: %v", err)
			}
		}

		select {
		case <-ctx.Done():
			return coreerr.Stopped
		case <-time.After(m.cfg.PollInterval):
		}
	}
}

// processNext implements §4.5 steps 1-4 for a single request: select,
// build commit/reveal, sign, broadcast commit then reveal, record history.
func (m *Manager) processNext(ctx context.Context) error {
	req, err := m.store.NextPendingRequest(ctx)
	if err != nil {
		return err
	}
	if req == nil {
		return nil
	}

	pushes, err := inscription.UnmarshalPushes(req.Payload)
	if err != nil {
		return coreerr.Invariant("unmarshal request payload", err)
	}

	leafScript, err := inscription.BuildEnvelopeScript(schnorr.SerializePubKey(m.cfg.SignerKey.PubKey()), pushes)
	if err != nil {
		return err
	}

	// req.DepositValue is nonzero only for a value-carrying L1ToL2Message
	// deposit request (§4.2 kind 6): the commit output reserves it
	// alongside the reveal fee, and the reveal pays it to the bridge
	// address (§4.5 step 3). Every other kind enqueues with DepositValue
	// 0, so neither call changes behavior for non-deposit requests.
	revealFee := req.PredictedFee
	commit, ctrlBlock, err := m.buildCommit(ctx, leafScript, revealFee, req.DepositValue)
	if err != nil {
		return err
	}

	reveal, err := m.buildReveal(ctx, commit, 0, leafScript, ctrlBlock, req.DepositValue)
	if err != nil {
		return err
	}

	if err := m.client.BroadcastSignedTx(ctx, commit.Tx); err != nil {
		return coreerr.Transient("broadcast commit tx", err)
	}
	if err := m.client.BroadcastSignedTx(ctx, reveal.Tx); err != nil {
		return coreerr.Transient("broadcast reveal tx", err)
	}

	height, err := m.client.CurrentHeight(ctx)
	if err != nil {
		return err
	}

	commitBytes, err := serializeTx(commit.Tx)
	if err != nil {
		return err
	}
	revealBytes, err := serializeTx(reveal.Tx)
	if err != nil {
		return err
	}

	_, err = m.store.InsertHistory(ctx, store.InscriptionHistory{
		RequestID:      req.ID,
		CommitTxID:     txIDString(commit.Tx.TxHash()),
		RevealTxID:     txIDString(reveal.Tx.TxHash()),
		SignedCommitTx: commitBytes,
		SignedRevealTx: revealBytes,
		ActualFees:     revealFee,
		SentAtBlock:    height,
	})
	return err
}

// trackConfirmations polls every unconfirmed history row: confirm it once
// it reaches cfg.ConfirmationsRequired, or rebroadcast with a bumped fee
// once it has sat unconfirmed for cfg.RebroadcastAfterBlocks blocks
// (§4.5's rebroadcast policy).
func (m *Manager) trackConfirmations(ctx context.Context) error {
	histories, err := m.store.UnconfirmedHistories(ctx)
	if err != nil {
		return err
	}

	tip, err := m.client.CurrentHeight(ctx)
	if err != nil {
		return err
	}

	for _, h := range histories {
		revealHash, err := chainhash.NewHashFromStr(h.RevealTxID)
		if err != nil {
			return coreerr.Invariant("parse stored reveal txid", err)
		}

		confs, err := m.client.GetTxConfirmations(ctx, *revealHash)
		if err != nil {
			m.cfg.Log.Debugf("inscriber: confirmations check for %s failed: %v", h.RevealTxID, err)
			continue
		}

		if confs >= m.cfg.ConfirmationsRequired {
			if err := m.store.ConfirmHistory(ctx, h.ID, m.store.Clock.Now()); err != nil {
				return err
			}
			continue
		}

		if tip-h.SentAtBlock >= m.cfg.RebroadcastAfterBlocks {
			if err := m.rebroadcast(ctx, h); err != nil {
				m.cfg.Log.Warnf("inscriber: rebroadcast %s failed: %v", h.RequestID, err)
			}
		}
	}
	return nil
}

// rebroadcast resubmits a stalled request's pair at a bumped fee, per
// §4.5: fee multiplied by cfg.FeeBumpFactor each retry, up to cfg.MaxRetries.
func (m *Manager) rebroadcast(ctx context.Context, h store.InscriptionHistory) error {
	req, err := m.store.GetRequest(ctx, h.RequestID)
	if err != nil {
		return err
	}

	retries, err := m.retryCount(ctx, req.ID)
	if err != nil {
		return err
	}
	if retries >= m.cfg.MaxRetries {
		return m.store.SetRequestStatus(ctx, req.ID, store.RequestFailed)
	}

	bumpedFee := int64(float64(req.PredictedFee) * m.cfg.FeeBumpFactor)
	if bumpedFee <= req.PredictedFee {
		bumpedFee = req.PredictedFee + 1
	}

	if _, err := m.store.ExecContext(ctx,
		`UPDATE via_inscription_requests SET predicted_fee = ?, status = ?, updated_at = ? WHERE id = ?`,
		bumpedFee, store.RequestPending, m.store.Clock.Now(), req.ID,
	); err != nil {
		return coreerr.Invariant("bump request fee for rebroadcast", err)
	}
	return nil
}

// retryCount reports how many history rows a request has accumulated,
// used to enforce cfg.MaxRetries.
func (m *Manager) retryCount(ctx context.Context, requestID string) (int, error) {
	histories, err := m.store.UnconfirmedHistories(ctx)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, h := range histories {
		if h.RequestID == requestID {
			n++
		}
	}
	return n, nil
}

// serializeTx returns tx's canonical wire serialization, stored as the
// signed commit/reveal bytes on an InscriptionHistory row.
func serializeTx(tx *wire.MsgTx) ([]byte, error) {
	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		return nil, coreerr.Invariant("serialize tx", err)
	}
	return buf.Bytes(), nil
}

func txIDString(h chainhash.Hash) string {
	return h.String()
}
