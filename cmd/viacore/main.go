// Command viacore is the entrypoint that wires together the nine
// components of the Via Bitcoin-settlement core (§2) into a running node,
// grounded on lightweight-wallet/server/config.go's Server.New wiring
// style ("Initialize all components following the task order; each
// component builds on the previous ones") generalized from that file's
// placeholder construction to real constructors.
package main

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btclog"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/via-protocol/btc-settlement-core/internal/btcrpc"
	"github.com/via-protocol/btc-settlement-core/internal/config"
	"github.com/via-protocol/btc-settlement-core/internal/inscriber"
	"github.com/via-protocol/btc-settlement-core/internal/metrics"
	"github.com/via-protocol/btc-settlement-core/internal/musig"
	"github.com/via-protocol/btc-settlement-core/internal/reorg"
	"github.com/via-protocol/btc-settlement-core/internal/rollback"
	"github.com/via-protocol/btc-settlement-core/internal/store"
	"github.com/via-protocol/btc-settlement-core/internal/vote"
	"github.com/via-protocol/btc-settlement-core/internal/watcher"
	"github.com/via-protocol/btc-settlement-core/internal/withdrawal"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "run":
		err = runNode(os.Args[2:])
	case "rollback":
		err = runRollback(os.Args[2:])
	case "doctor":
		err = runDoctor(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintln(os.Stderr, "viacore:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: viacore <run|rollback|doctor> [flags]")
}

// node bundles every constructed component, held only so run can start
// and stop them together; no subsystem reaches into another's fields.
type node struct {
	db        *store.DB
	client    btcrpc.Client
	detector  *reorg.Detector
	votes     *vote.Engine
	watch     *watcher.Watcher
	inscriber *inscriber.Manager
	builder   *withdrawal.Builder
	coord     *musig.Coordinator
	signer    *musig.Signer
	log       btclog.Logger
}

func buildNode(cfg *config.Config) (*node, error) {
	// Every subsystem already defaults to btclog.Disabled when no logger
	// is supplied (see DESIGN.md's ambient-stack entry); the entrypoint
	// follows the same convention rather than standing up a distinct
	// backend.
	log := btclog.Disabled

	params, err := cfg.Network.Params()
	if err != nil {
		return nil, err
	}

	db, err := store.Open(store.DefaultConfig(cfg.DBPath))
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	feeAPIs := make([]btcrpc.FeeAPI, 0, len(cfg.ExternalFeeAPIs))
	for _, a := range cfg.ExternalFeeAPIs {
		feeAPIs = append(feeAPIs, btcrpc.NewFeeAPI(a.URL, a.Weight))
	}

	client, err := btcrpc.NewNodeClient(btcrpc.NodeConfig{
		RPCURL:      cfg.RPCURL,
		RPCUser:     cfg.RPCUser,
		RPCPassword: cfg.RPCPassword,
		Fees: btcrpc.FeeConfig{
			ExternalAPIs: feeAPIs,
			Strategy:     btcrpc.BlendStrategy(cfg.FeeStrategy),
			UseRPC:       cfg.UseRPCForFeeRate,
			FloorSatVB:   cfg.FeeFloorSatVB,
			CeilingSatVB: cfg.FeeCeilingSatVB,
		},
		Log: log,
	})
	if err != nil {
		return nil, fmt.Errorf("dial bitcoin node: %w", err)
	}

	startHeight, err := bootstrapHeight(context.Background(), client, cfg)
	if err != nil {
		return nil, fmt.Errorf("resolve bootstrap height: %w", err)
	}

	detector := reorg.New(client, db, reorg.Config{
		StartHeight:  startHeight,
		PollInterval: cfg.PollInterval,
		Log:          log,
	})

	votes := vote.New(db, vote.Config{
		ZKAgreementThreshold: cfg.ZKAgreementThreshold,
		Log:                  log,
	})

	verifierPubKeyBytes, err := decodeHexList(cfg.VerifierPubKeys)
	if err != nil {
		return nil, fmt.Errorf("decode verifier pubkeys: %w", err)
	}

	watch := watcher.New(client, db, votes, detector, watcher.NoopDepositSink{}, watcher.Config{
		StartHeight:     startHeight,
		BridgeAddress:   cfg.BridgeAddress,
		ProtocolFeeSat:  cfg.ProtocolFeeSat,
		NetParams:       params,
		VerifierPubKeys: verifierPubKeyBytes,
		PollInterval:    cfg.PollInterval,
		Log:             log,
	})

	signerKey, signerAddr, err := deriveSignerKey(cfg, params)
	if err != nil {
		return nil, err
	}

	insc := inscriber.New(client, db, detector, inscriber.Config{
		SignerKey:              signerKey,
		SignerAddress:          signerAddr,
		BridgeAddress:          cfg.BridgeAddress,
		NetParams:              params,
		DustThreshold:          cfg.DustThresholdSat,
		ConfirmationsRequired:  cfg.ConfirmationsRequired,
		RebroadcastAfterBlocks: int64(cfg.RebroadcastAfterBlocks),
		FeeBumpFactor:          cfg.FeeBumpFactor,
		MaxRetries:             int(cfg.MaxRetries),
		PollInterval:           cfg.PollInterval,
		Log:                    log,
	})

	builder := withdrawal.New(client, withdrawal.Config{
		BridgeAddress:   cfg.BridgeAddress,
		NetParams:       params,
		DustThreshold:   cfg.DustThresholdSat,
		FeeCeilingSatVB: cfg.FeeCeilingSatVB,
		Log:             log,
	})

	n := &node{db: db, client: client, detector: detector, votes: votes, watch: watch, inscriber: insc, builder: builder, log: log}

	if cfg.IsCoordinator {
		verifierPubKeys, err := parsePubKeys(verifierPubKeyBytes)
		if err != nil {
			return nil, fmt.Errorf("parse verifier pubkeys: %w", err)
		}
		coord, err := musig.New(db, client, builder, musig.NoopWithdrawalSource{}, detector, musig.Config{
			VerifierPubKeys: verifierPubKeys,
			NetParams:       params,
			SessionTimeout:  cfg.SessionTimeout,
			PollInterval:    cfg.PollInterval,
			Log:             log,
		})
		if err != nil {
			return nil, fmt.Errorf("build musig coordinator: %w", err)
		}
		n.coord = coord
	} else if signerKey != nil {
		verifierPubKeys, err := parsePubKeys(verifierPubKeyBytes)
		if err != nil {
			return nil, fmt.Errorf("parse verifier pubkeys: %w", err)
		}
		n.signer = musig.NewSigner(musig.SignerConfig{
			CoordinatorURL:  fmt.Sprintf("http://%s", cfg.ListenAddr),
			VerifierIndex:   cfg.VerifierIndex,
			PrivKey:         signerKey,
			VerifierPubKeys: verifierPubKeys,
			Log:             log,
		})
	}

	return n, nil
}

// bootstrapHeight resolves the watcher/detector's starting L1 height from
// the first configured bootstrap txid's confirmation depth (§6.3's
// bootstrap_txids), falling back to 0 when none is set (a fresh regtest
// deployment with no prior genesis inscription to resume from).
func bootstrapHeight(ctx context.Context, client btcrpc.Client, cfg *config.Config) (int64, error) {
	if len(cfg.BootstrapTxIDs) == 0 {
		return 0, nil
	}

	txid, err := chainhash.NewHashFromStr(cfg.BootstrapTxIDs[0])
	if err != nil {
		return 0, fmt.Errorf("parse bootstrap txid: %w", err)
	}

	confs, err := client.GetTxConfirmations(ctx, *txid)
	if err != nil {
		return 0, err
	}
	if confs == 0 {
		return 0, nil
	}

	tip, err := client.CurrentHeight(ctx)
	if err != nil {
		return 0, err
	}

	return tip - int64(confs) + 1, nil
}

// deriveSignerKey derives this node's Taproot signing key deterministically
// from the configured seed, matching the teacher's convention of deriving
// wallet keys from a single configured seed rather than a key file. The
// returned address is the plain (untweaked-script) P2TR key-path address
// ListUTXOs(address) funds commit transactions from (internal/inscriber's
// SignerAddress).
func deriveSignerKey(cfg *config.Config, params *chaincfg.Params) (*btcec.PrivateKey, string, error) {
	if cfg.Seed == "" {
		return nil, "", nil
	}

	h := sha256.Sum256([]byte(cfg.Seed))
	priv, _ := btcec.PrivKeyFromBytes(h[:])

	outputKey := txscript.ComputeTaprootOutputKey(priv.PubKey(), nil)
	addr, err := btcutil.NewAddressTaproot(schnorr.SerializePubKey(outputKey), params)
	if err != nil {
		return nil, "", fmt.Errorf("derive signer address: %w", err)
	}

	return priv, addr.EncodeAddress(), nil
}

func decodeHexList(in []string) ([][]byte, error) {
	out := make([][]byte, 0, len(in))
	for _, s := range in {
		b, err := hex.DecodeString(s)
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, nil
}

// parsePubKeys decodes the configured §6.3 verifiers_pub_keys list as
// x-only Schnorr pubkeys, the same representation the inscription codec
// uses for a message's Sender (internal/inscription.Message.Sender) and
// the envelope signature it verifies, so one configured verifier set
// serves both the §6.2 authorization table and the §4.8 MuSig2 aggregate.
func parsePubKeys(raw [][]byte) ([]*btcec.PublicKey, error) {
	keys := make([]*btcec.PublicKey, 0, len(raw))
	for _, b := range raw {
		k, err := schnorr.ParsePubKey(b)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, nil
}

func runNode(args []string) error {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	fs.Parse(args)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	n, err := buildNode(cfg)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	errCh := make(chan error, 8)

	go func() { errCh <- n.detector.Run(ctx) }()
	go func() { errCh <- n.watch.Run(ctx) }()
	go func() { errCh <- n.inscriber.Run(ctx) }()

	if cfg.MetricsAddr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
		metricsSrv := &http.Server{Addr: cfg.MetricsAddr, Handler: mux}
		go func() {
			<-ctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = metricsSrv.Shutdown(shutdownCtx)
		}()
		go func() { errCh <- metricsSrv.ListenAndServe() }()
	}

	if n.coord != nil {
		srv := &http.Server{Addr: cfg.ListenAddr, Handler: n.coord.Router()}
		go func() { errCh <- n.coord.Run(ctx) }()
		go func() {
			<-ctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = srv.Shutdown(shutdownCtx)
		}()
		go func() { errCh <- srv.ListenAndServe() }()
	}

	if n.signer != nil {
		go func() {
			ticker := time.NewTicker(cfg.PollInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					errCh <- nil
					return
				case <-ticker.C:
					if err := n.signer.PollOnce(ctx, func(pkt *psbt.Packet, proofRevealTxID string) error {
						// Bit-exact reproduction of the builder's PSBT
						// (§4.8 step 2) requires the decoded L2 payout
						// list this core receives only through the
						// out-of-scope DA/state-keeper seam; a verifier
						// deployment wires its own check here.
						return nil
					}); err != nil {
						n.log.Warnf("signer poll failed: %v", err)
					}
				}
			}
		}()
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			n.log.Errorf("subsystem exited: %v", err)
		}
	}

	return nil
}

func runRollback(args []string) error {
	fs := flag.NewFlagSet("rollback", flag.ExitOnError)
	batch := fs.Int64("batch", -1, "target l1_batch_number to roll back to")
	height := fs.Int64("height", -1, "last known-valid L1 height")
	fs.Parse(args)

	if *batch < 0 || *height < 0 {
		return fmt.Errorf("both -batch and -height are required")
	}

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	db, err := store.Open(store.DefaultConfig(cfg.DBPath))
	if err != nil {
		return err
	}

	executor := rollback.New(db, rollback.NoopStateKeeper{}, rollback.Config{})
	return executor.RollbackToBatch(context.Background(), *batch, *height)
}

// runDoctor reports the node's current watcher/reorg/finality position
// without mutating anything, for operator triage before a manual rollback
// (§9's "operator pauses the manager, runs the rollback, then resumes").
func runDoctor(args []string) error {
	fs := flag.NewFlagSet("doctor", flag.ExitOnError)
	fs.Parse(args)

	cfg, err := config.Load()
	if err != nil {
		return err
	}

	db, err := store.Open(store.DefaultConfig(cfg.DBPath))
	if err != nil {
		return err
	}

	ctx := context.Background()

	height, ok, err := db.LatestHeight(ctx)
	if err != nil {
		return err
	}
	if !ok {
		fmt.Println("no L1 blocks observed yet")
	} else {
		fmt.Printf("canonical tip height: %d\n", height)
	}

	lastIndexed, ok, err := db.LastIndexedHeight(ctx)
	if err != nil {
		return err
	}
	if ok {
		fmt.Printf("last indexed height: %d\n", lastIndexed)
	}

	generation, err := db.CurrentGeneration(ctx)
	if err != nil {
		return err
	}
	fmt.Printf("reorg generation: %d\n", generation)

	checkpoint, ok, err := db.LastRollbackCheckpoint(ctx)
	if err != nil {
		return err
	}
	if ok {
		fmt.Printf("last rollback checkpoint: batch %d\n", checkpoint)
	}

	return nil
}
