package btcrpc

import (
	"context"
	"fmt"
	"sort"

	"github.com/btcsuite/btcd/rpcclient"

	"github.com/via-protocol/btc-settlement-core/internal/coreerr"
)

// BlendStrategy selects how multiple fee sources are combined into one
// sat/vB figure (§4.1: "taking a max or weighted blend selected by the
// configured strategy").
type BlendStrategy string

const (
	BlendMax          BlendStrategy = "max"
	BlendMean         BlendStrategy = "mean"
	BlendWeightedMean BlendStrategy = "weighted-mean"
)

// FeeConfig configures the FeeEstimator.
type FeeConfig struct {
	ExternalAPIs []feeAPIConfig
	Strategy     BlendStrategy
	UseRPC       bool
	FloorSatVB   int64
	CeilingSatVB int64
}

// FeeAPI is the externally visible shape of a configured external fee
// source, re-exported so internal/config can build a btcrpc.FeeConfig
// without reaching into unexported fields.
type FeeAPI = feeAPIConfig

// NewFeeAPI constructs a weighted external fee source.
func NewFeeAPI(url string, weight float64) FeeAPI {
	return feeAPIConfig{URL: url, Weight: weight}
}

// FeeEstimator blends a node RPC estimate with the configured external fee
// APIs per §4.1, clamped to [FloorSatVB, CeilingSatVB].
type FeeEstimator struct {
	cfg     FeeConfig
	apis    []*feeAPIClient
	rpc     *rpcclient.Client
}

// NewFeeEstimator builds the estimator. rpc may be nil if UseRPC is false.
func NewFeeEstimator(rpc *rpcclient.Client, cfg FeeConfig) *FeeEstimator {
	apis := make([]*feeAPIClient, 0, len(cfg.ExternalAPIs))
	for _, a := range cfg.ExternalAPIs {
		apis = append(apis, newFeeAPIClient(a))
	}

	if cfg.Strategy == "" {
		cfg.Strategy = BlendMax
	}

	return &FeeEstimator{cfg: cfg, apis: apis, rpc: rpc}
}

// confTargetFor maps a priority bucket onto a confirmation-target block
// count for estimatesmartfee, matching the teacher's EstimateFee mapping.
func confTargetFor(p FeePriority) int64 {
	switch p {
	case PriorityFastest:
		return 1
	case PriorityHalfHour:
		return 3
	case PriorityHour:
		return 6
	case PriorityEconomy:
		return 12
	default:
		return 144
	}
}

// Estimate returns a blended sat/vB fee rate for the given priority.
func (f *FeeEstimator) Estimate(ctx context.Context, priority FeePriority) (int64, error) {
	var samples []float64
	var weights []float64

	if f.cfg.UseRPC && f.rpc != nil {
		rate, err := f.estimateFromRPC(priority)
		if err == nil && rate > 0 {
			samples = append(samples, float64(rate))
			weights = append(weights, 1.0)
		}
	}

	for _, api := range f.apis {
		resp, err := api.fetch(ctx)
		if err != nil {
			// One external source failing is not fatal; the
			// blend tolerates partial data. Only run dry if we
			// end up with zero samples at all.
			continue
		}

		rate := resp.forPriority(priority)
		if rate <= 0 {
			continue
		}

		samples = append(samples, float64(rate))
		w := api.cfg.Weight
		if w <= 0 {
			w = 1.0
		}
		weights = append(weights, w)
	}

	if len(samples) == 0 {
		return 0, coreerr.Transient("no fee source available", fmt.Errorf("all fee sources failed"))
	}

	blended := blend(f.cfg.Strategy, samples, weights)

	return clamp(int64(blended+0.5), f.cfg.FloorSatVB, f.cfg.CeilingSatVB), nil
}

func (f *FeeEstimator) estimateFromRPC(priority FeePriority) (int64, error) {
	result, err := f.rpc.EstimateSmartFee(confTargetFor(priority), nil)
	if err != nil || result.FeeRate == nil {
		return 0, fmt.Errorf("estimatesmartfee unavailable: %w", err)
	}

	// result.FeeRate is BTC/kvB; convert to sat/vB.
	satPerKvB := *result.FeeRate * 1e8
	return int64(satPerKvB/1000 + 0.5), nil
}

func blend(strategy BlendStrategy, samples, weights []float64) float64 {
	switch strategy {
	case BlendMax:
		sorted := append([]float64(nil), samples...)
		sort.Float64s(sorted)
		return sorted[len(sorted)-1]

	case BlendWeightedMean:
		var sum, totalWeight float64
		for i, s := range samples {
			sum += s * weights[i]
			totalWeight += weights[i]
		}
		if totalWeight == 0 {
			return mean(samples)
		}
		return sum / totalWeight

	case BlendMean:
		fallthrough
	default:
		return mean(samples)
	}
}

func mean(samples []float64) float64 {
	var sum float64
	for _, s := range samples {
		sum += s
	}
	return sum / float64(len(samples))
}

func clamp(v, floor, ceiling int64) int64 {
	if v < floor {
		return floor
	}
	if ceiling > 0 && v > ceiling {
		return ceiling
	}
	return v
}
