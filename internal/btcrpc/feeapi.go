package btcrpc

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/via-protocol/btc-settlement-core/internal/coreerr"
)

// feeAPIConfig describes one external fee-estimation source, weighted per
// §6.3's `external_fee_apis: {api_url -> weight}`.
type feeAPIConfig struct {
	URL    string
	Weight float64
}

// feeAPIClient is a rate-limited HTTP client for a single external fee API
// returning mempool.space-shaped `{fastestFee, halfHourFee, hourFee,
// economyFee, minimumFee}` JSON. Adapted from the teacher's
// chain/mempool.Client.doRequest, trimmed to the one endpoint this
// subsystem needs.
type feeAPIClient struct {
	cfg         feeAPIConfig
	httpClient  *http.Client
	rateLimiter *rate.Limiter
}

func newFeeAPIClient(cfg feeAPIConfig) *feeAPIClient {
	return &feeAPIClient{
		cfg:         cfg,
		httpClient:  &http.Client{Timeout: 10 * time.Second},
		rateLimiter: rate.NewLimiter(rate.Limit(5), 5),
	}
}

type feeEstimateResponse struct {
	FastestFee  int64 `json:"fastestFee"`
	HalfHourFee int64 `json:"halfHourFee"`
	HourFee     int64 `json:"hourFee"`
	EconomyFee  int64 `json:"economyFee"`
	MinimumFee  int64 `json:"minimumFee"`
}

func (c *feeAPIClient) fetch(ctx context.Context) (*feeEstimateResponse, error) {
	if err := c.rateLimiter.Wait(ctx); err != nil {
		return nil, coreerr.Transient("fee api rate limiter", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.URL, nil)
	if err != nil {
		return nil, coreerr.Transient("build fee api request", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, coreerr.Transient("fee api request", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, coreerr.Transient("read fee api response", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, coreerr.Transient(
			fmt.Sprintf("fee api returned %d: %s", resp.StatusCode, body), nil)
	}

	var out feeEstimateResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, coreerr.Protocol("parse fee api response", err)
	}

	return &out, nil
}

func (r *feeEstimateResponse) forPriority(p FeePriority) int64 {
	switch p {
	case PriorityFastest:
		return r.FastestFee
	case PriorityHalfHour:
		return r.HalfHourFee
	case PriorityHour:
		return r.HourFee
	case PriorityEconomy:
		return r.EconomyFee
	case PriorityMinimum:
		return r.MinimumFee
	default:
		return r.HalfHourFee
	}
}
