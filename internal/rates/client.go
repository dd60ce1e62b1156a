// Package rates talks to the external exchange-rate service.
package rates

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/goccy/go-json"
)

// ErrUnavailable is returned when the rate service answers with a
// non-success status. Network-level failures are returned as-is so callers
// can retry them.
var ErrUnavailable = errors.New("exchange rate service unavailable")

// Client is an HTTP client for the exchange-rate service.
type Client struct {
	url  string
	http *http.Client
}

// NewClient creates a new Client for the given base URL.
func NewClient(url string) *Client {
	return &Client{
		url:  url,
		http: &http.Client{Timeout: 10 * time.Second},
	}
}

// USDRate returns the latest USD exchange rate.
func (c *Client) USDRate(ctx context.Context) (float64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url+"/latest?symbols=USD", nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to call rate service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("%w: status code %d", ErrUnavailable, resp.StatusCode)
	}

	var body struct {
		Rates map[string]float64 `json:"rates"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return 0, fmt.Errorf("failed to decode rate response: %w", err)
	}
	rate, ok := body.Rates["USD"]
	if !ok {
		return 0, fmt.Errorf("%w: no USD rate in response", ErrUnavailable)
	}
	return rate, nil
}
