// Package api provides clients for the P2Pool observer REST API and the
// exchange-rate service.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// Query outcome labels recorded for every outbound call
const (
	StatusSuccess     = "success"
	StatusFailure     = "failure"
	StatusRateLimited = "rate_limited"
)

// Endpoint labels
const (
	EndpointMinerInfo  = "miner_info"
	EndpointSideBlocks = "side_blocks_in_window"
	EndpointPayouts    = "payouts"
	EndpointRaffle     = "raffle"
	EndpointRates      = "exchange_rate"
)

// QueryRecorder receives the outcome of every outbound API call. Implemented
// by the telemetry package; calls are recorded regardless of success.
type QueryRecorder interface {
	RecordQuery(ctx context.Context, endpoint, status string, elapsed time.Duration)
}

// Client talks to a P2Pool observer node
type Client struct {
	baseURL  string
	client   *http.Client
	recorder QueryRecorder
}

// NewClient creates an observer API client. The recorder wraps every call
// with latency and outcome measurement.
func NewClient(baseURL string, timeout time.Duration, recorder QueryRecorder) *Client {
	return &Client{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: timeout,
		},
		recorder: recorder,
	}
}

// MinerInfoResponse is the /api/miner_info/<wallet> response
type MinerInfoResponse struct {
	Address            string       `json:"address"`
	Shares             []ShareCount `json:"shares"`
	LastShareHeight    uint64       `json:"last_share_height"`
	LastShareTimestamp int64        `json:"last_share_timestamp"`
}

// ShareCount is one entry of the per-position share breakdown
type ShareCount struct {
	Shares uint64 `json:"shares"`
	Uncles uint64 `json:"uncles"`
}

// TotalBlocks sums shares and uncles across all positions
func (m *MinerInfoResponse) TotalBlocks() uint64 {
	var total uint64
	for _, s := range m.Shares {
		total += s.Shares + s.Uncles
	}
	return total
}

// SideBlock is one entry of the /api/side_blocks_in_window response
type SideBlock struct {
	Timestamp  int64   `json:"timestamp"`
	Difficulty float64 `json:"difficulty"`
	Height     uint64  `json:"side_height"`
	Miner      string  `json:"miner_address"`
}

// Payout is one entry of the /api/payouts response, newest first
type Payout struct {
	MainID         string `json:"main_id"`
	CoinbaseReward uint64 `json:"coinbase_reward"`
	Timestamp      int64  `json:"timestamp"`
}

// RaffleRates is the bonus-hashrate response of the raffle endpoint
type RaffleRates struct {
	Hour float64 `json:"hour"`
	Day  float64 `json:"day"`
}

// MinerInfo fetches share and last-share data for a wallet
func (c *Client) MinerInfo(ctx context.Context, wallet string) (*MinerInfoResponse, error) {
	var info MinerInfoResponse
	u := fmt.Sprintf("%s/api/miner_info/%s", c.baseURL, url.PathEscape(wallet))
	if err := c.getJSON(ctx, EndpointMinerInfo, u, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// SideBlocksInWindow fetches the sideblocks a wallet contributed within the
// given window, ordered newest first by the observer.
func (c *Client) SideBlocksInWindow(ctx context.Context, wallet string, window time.Duration) ([]SideBlock, error) {
	var blocks []SideBlock
	u := fmt.Sprintf("%s/api/side_blocks_in_window/%s?window=%d", c.baseURL, url.PathEscape(wallet), int64(window.Seconds()))
	if err := c.getJSON(ctx, EndpointSideBlocks, u, &blocks); err != nil {
		return nil, err
	}
	return blocks, nil
}

// Payouts fetches the most recent payout records for a wallet, newest first
func (c *Client) Payouts(ctx context.Context, wallet string, limit int) ([]Payout, error) {
	var payouts []Payout
	u := fmt.Sprintf("%s/api/payouts/%s?search_limit=%d", c.baseURL, url.PathEscape(wallet), limit)
	if err := c.getJSON(ctx, EndpointPayouts, u, &payouts); err != nil {
		return nil, err
	}
	return payouts, nil
}

// Raffle fetches the bonus-hashrate rates attributed to a wallet
func (c *Client) Raffle(ctx context.Context, wallet string) (*RaffleRates, error) {
	var rates RaffleRates
	u := fmt.Sprintf("%s/api/raffle/%s", c.baseURL, url.PathEscape(wallet))
	if err := c.getJSON(ctx, EndpointRaffle, u, &rates); err != nil {
		return nil, err
	}
	return &rates, nil
}

// getJSON performs an instrumented GET: latency and outcome are recorded for
// every call, success or not.
func (c *Client) getJSON(ctx context.Context, endpoint, rawURL string, out interface{}) error {
	start := time.Now()
	err := c.doGetJSON(ctx, rawURL, out)

	status := StatusSuccess
	if err != nil {
		status = StatusFailure
	}
	if c.recorder != nil {
		c.recorder.RecordQuery(ctx, endpoint, status, time.Since(start))
	}
	return err
}

func (c *Client) doGetJSON(ctx context.Context, rawURL string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("unexpected status %d from %s", resp.StatusCode, rawURL)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response from %s: %w", rawURL, err)
	}
	return nil
}
