package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// ErrRateLimited marks a transient rate-limit condition on the exchange-rate
// service. Callers skip the store write for that currency and keep the
// previous value.
var ErrRateLimited = errors.New("exchange rate service rate limited")

// RatesClient talks to the third-party exchange-rate service
type RatesClient struct {
	baseURL  string
	client   *http.Client
	recorder QueryRecorder
}

// NewRatesClient creates an exchange-rate client
func NewRatesClient(baseURL string, timeout time.Duration, recorder QueryRecorder) *RatesClient {
	return &RatesClient{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: timeout,
		},
		recorder: recorder,
	}
}

type rateResponse struct {
	Rate    float64 `json:"rate"`
	Limited bool    `json:"limited"`
}

// FetchRate fetches the fiat rate for one currency. A non-2xx status or a
// body flagged as limited both map to ErrRateLimited, recorded with its own
// outcome label.
func (c *RatesClient) FetchRate(ctx context.Context, currency string) (float64, error) {
	start := time.Now()
	rate, err := c.fetchRate(ctx, currency)

	status := StatusSuccess
	switch {
	case errors.Is(err, ErrRateLimited):
		status = StatusRateLimited
	case err != nil:
		status = StatusFailure
	}
	if c.recorder != nil {
		c.recorder.RecordQuery(ctx, EndpointRates, status, time.Since(start))
	}
	return rate, err
}

func (c *RatesClient) fetchRate(ctx context.Context, currency string) (float64, error) {
	u := fmt.Sprintf("%s?currency=%s", c.baseURL, url.QueryEscape(currency))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return 0, err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, resp.Body)
		return 0, ErrRateLimited
	}

	var body rateResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("decoding rate response for %s: %w", currency, err)
	}
	if body.Limited {
		return 0, ErrRateLimited
	}
	return body.Rate, nil
}
