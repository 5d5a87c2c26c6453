// Package config assembles the single immutable configuration value
// consumed by every subsystem (§9 "Config object"), following the
// kelseyhightower/envconfig pattern used for the sibling BTC payment
// service in the retrieval pack.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg"
	"github.com/kelseyhightower/envconfig"
)

// Network identifies the Bitcoin network the core is anchored to.
type Network string

const (
	NetworkMainnet Network = "mainnet"
	NetworkTestnet Network = "testnet"
	NetworkRegtest Network = "regtest"
)

// Params returns the chaincfg.Params matching the configured network.
func (n Network) Params() (*chaincfg.Params, error) {
	switch n {
	case NetworkMainnet:
		return &chaincfg.MainNetParams, nil
	case NetworkTestnet:
		return &chaincfg.TestNet3Params, nil
	case NetworkRegtest:
		return &chaincfg.RegressionNetParams, nil
	default:
		return nil, fmt.Errorf("unknown network %q", n)
	}
}

// ExternalFeeAPI is one weighted external fee-estimation source (§4.1).
type ExternalFeeAPI struct {
	URL    string  `envconfig:"URL"`
	Weight float64 `envconfig:"WEIGHT"`
}

// Config is the root configuration object. Subsystems are handed only the
// sub-struct fields they need; nothing reaches for process-wide globals.
type Config struct {
	// Bitcoin node RPC (C1).
	RPCURL      string  `envconfig:"RPC_URL" required:"true"`
	RPCUser     string  `envconfig:"RPC_USER"`
	RPCPassword string  `envconfig:"RPC_PASSWORD"`
	Network     Network `envconfig:"NETWORK" default:"regtest"`

	// Fee strategy (§4.1, §6.3).
	ExternalFeeAPIs  []ExternalFeeAPI `ignored:"true"`
	FeeStrategy      string           `envconfig:"FEE_STRATEGY" default:"fastestFee"`
	UseRPCForFeeRate bool             `envconfig:"USE_RPC_FOR_FEE_RATE" default:"true"`
	FeeFloorSatVB    int64            `envconfig:"FEE_FLOOR_SAT_VB" default:"1"`
	FeeCeilingSatVB  int64            `envconfig:"FEE_CEILING_SAT_VB" default:"500"`

	// Confirmation / rebroadcast policy (§4.5, §6.3).
	ConfirmationsRequired uint32        `envconfig:"CONFIRMATIONS_REQUIRED" default:"6"`
	RebroadcastAfterBlocks uint32       `envconfig:"REBROADCAST_AFTER_BLOCKS" default:"12"`
	FeeBumpFactor          float64      `envconfig:"FEE_BUMP_FACTOR" default:"1.3"`
	MaxRetries             uint32       `envconfig:"MAX_RETRIES" default:"5"`
	BlockTimeToProof       uint32       `envconfig:"BLOCK_TIME_TO_PROOF" default:"3"`
	PollInterval           time.Duration `envconfig:"POLL_INTERVAL" default:"30s"`

	// Verifier set / finality (§4.6, §6.3).
	VerifierPubKeys      []string `ignored:"true"`
	RequiredSigners      uint32   `envconfig:"REQUIRED_SIGNERS"`
	ZKAgreementThreshold float64  `envconfig:"ZK_AGREEMENT_THRESHOLD" default:"0.67"`

	// Bridge / coordinator (§4.8, §6.3).
	BridgeAddress    string   `envconfig:"BRIDGE_ADDRESS"`
	CoordinatorPubKey string  `envconfig:"COORDINATOR_PUB_KEY"`
	BootstrapTxIDs   []string `ignored:"true"`
	IsCoordinator    bool     `envconfig:"IS_COORDINATOR" default:"false"`
	ListenAddr       string   `envconfig:"LISTEN_ADDR" default:"127.0.0.1:8721"`
	SessionTimeout   time.Duration `envconfig:"SESSION_TIMEOUT" default:"2m"`
	// VerifierIndex is this node's position in VerifierPubKeys, used to
	// tag its nonce/partial-signature submissions (§6.4's verifier_index
	// field). Unused when IsCoordinator is true.
	VerifierIndex uint32 `envconfig:"VERIFIER_INDEX" default:"0"`

	// Misc (§6.3).
	DustThresholdSat int64  `envconfig:"DUST_THRESHOLD_SAT" default:"546"`
	ProtocolFeeSat   int64  `envconfig:"PROTOCOL_FEE_SAT" default:"0"`
	DBPath           string `envconfig:"DB_PATH" default:"via-core.db"`
	Seed             string `envconfig:"SEED"`

	// MetricsAddr is where internal/metrics.Registry is served over
	// /metrics (§7). Empty disables the listener.
	MetricsAddr string `envconfig:"METRICS_ADDR" default:"127.0.0.1:9721"`
}

// Load reads the configuration from the environment under the VIA_ prefix,
// mirroring envconfig.Process's struct-tag driven binding. The three list-
// valued settings envconfig can't express directly (a weighted URL list, a
// bare pubkey list, a bare txid list) are parsed separately from their own
// comma-separated environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("via", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	feeAPIs, err := parseFeeAPIs(os.Getenv("VIA_EXTERNAL_FEE_APIS"))
	if err != nil {
		return nil, fmt.Errorf("parse VIA_EXTERNAL_FEE_APIS: %w", err)
	}
	cfg.ExternalFeeAPIs = feeAPIs

	cfg.VerifierPubKeys = splitNonEmpty(os.Getenv("VIA_VERIFIER_PUB_KEYS"))
	cfg.BootstrapTxIDs = splitNonEmpty(os.Getenv("VIA_BOOTSTRAP_TXIDS"))

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// parseFeeAPIs parses "url1:weight1,url2:weight2" into ExternalFeeAPI
// entries (§4.1's "{api_url -> weight}" configuration).
func parseFeeAPIs(raw string) ([]ExternalFeeAPI, error) {
	entries := splitNonEmpty(raw)
	apis := make([]ExternalFeeAPI, 0, len(entries))
	for _, e := range entries {
		// The weight follows the last colon; a colon followed by "/" is
		// part of the URL itself (its scheme or a port), so such an entry
		// carries no weight and defaults to 1.
		i := strings.LastIndex(e, ":")
		if i < 0 || strings.Contains(e[i+1:], "/") {
			apis = append(apis, ExternalFeeAPI{URL: e, Weight: 1})
			continue
		}
		url, weightStr := e[:i], e[i+1:]
		weight, err := strconv.ParseFloat(weightStr, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid weight in %q: %w", e, err)
		}
		apis = append(apis, ExternalFeeAPI{URL: url, Weight: weight})
	}
	return apis, nil
}

func splitNonEmpty(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Validate checks the subset of fields that have no safe default.
func (c *Config) Validate() error {
	if c.RPCURL == "" {
		return fmt.Errorf("rpc url is required")
	}
	if _, err := c.Network.Params(); err != nil {
		return err
	}
	if c.ZKAgreementThreshold <= 0 || c.ZKAgreementThreshold > 1 {
		return fmt.Errorf("zk agreement threshold must be in (0,1], got %v", c.ZKAgreementThreshold)
	}
	if c.FeeCeilingSatVB < c.FeeFloorSatVB {
		return fmt.Errorf("fee ceiling %d must be >= fee floor %d", c.FeeCeilingSatVB, c.FeeFloorSatVB)
	}
	if c.RequiredSigners > 0 && len(c.VerifierPubKeys) > 0 && uint32(len(c.VerifierPubKeys)) != c.RequiredSigners {
		return fmt.Errorf("required_signers=%d does not match %d configured verifier pubkeys",
			c.RequiredSigners, len(c.VerifierPubKeys))
	}
	return nil
}
