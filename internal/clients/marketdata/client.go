// Package marketdata provides the HTTP client for the quote and price
// history provider. Credentials come from a rotation pool so a rate-limited
// key is swapped out without failing the whole refresh cycle.
package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/aristath/vigil/internal/clients"
	"github.com/aristath/vigil/internal/rotation"
)

const defaultBaseURL = "https://api.marketdata.internal/v1"

// Quote is a point-in-time snapshot for one symbol.
type Quote struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Change    float64   `json:"change"`
	ChangePct float64   `json:"change_pct"`
	Volume    int64     `json:"volume"`
	Timestamp time.Time `json:"timestamp"`
}

// PricePoint is one daily close from the provider's history endpoint.
type PricePoint struct {
	Date  time.Time `json:"date"`
	Close float64   `json:"close"`
}

// AccountBalance is the cash and invested position of one linked account.
type AccountBalance struct {
	Account  string  `json:"account"`
	Currency string  `json:"currency"`
	Cash     float64 `json:"cash"`
	Invested float64 `json:"invested"`
}

// Client calls the market data provider.
type Client struct {
	baseURL    string
	keys       *rotation.Rotator
	httpClient *http.Client
	log        zerolog.Logger
}

// NewClient creates a market data client. An empty baseURL selects the
// default endpoint; a nil key rotator makes every call fail with a
// configuration error.
func NewClient(baseURL string, keys *rotation.Rotator, logger zerolog.Logger) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	return &Client{
		baseURL: baseURL,
		keys:    keys,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		log: logger.With().Str("component", "marketdata_client").Logger(),
	}
}

// GetQuote fetches the current quote for a symbol.
func (c *Client) GetQuote(ctx context.Context, symbol string) (*Quote, error) {
	var quote Quote
	params := url.Values{"symbol": {symbol}}
	if err := c.get(ctx, "/quote", params, &quote); err != nil {
		return nil, fmt.Errorf("failed to fetch quote for %s: %w", symbol, err)
	}

	return &quote, nil
}

// GetQuotes fetches current quotes for several symbols in one call.
func (c *Client) GetQuotes(ctx context.Context, symbols []string) ([]Quote, error) {
	if len(symbols) == 0 {
		return nil, nil
	}

	var quotes []Quote
	params := url.Values{}
	for _, symbol := range symbols {
		params.Add("symbol", symbol)
	}
	if err := c.get(ctx, "/quotes", params, &quotes); err != nil {
		return nil, fmt.Errorf("failed to fetch quotes: %w", err)
	}

	return quotes, nil
}

// GetDailyHistory fetches up to days of daily closes for a symbol, oldest
// first.
func (c *Client) GetDailyHistory(ctx context.Context, symbol string, days int) ([]PricePoint, error) {
	var points []PricePoint
	params := url.Values{
		"symbol": {symbol},
		"days":   {strconv.Itoa(days)},
	}
	if err := c.get(ctx, "/history/daily", params, &points); err != nil {
		return nil, fmt.Errorf("failed to fetch history for %s: %w", symbol, err)
	}

	return points, nil
}

// GetAccountBalances fetches balances for every account linked to the
// active credentials.
func (c *Client) GetAccountBalances(ctx context.Context) ([]AccountBalance, error) {
	var balances []AccountBalance
	if err := c.get(ctx, "/accounts/balances", url.Values{}, &balances); err != nil {
		return nil, fmt.Errorf("failed to fetch account balances: %w", err)
	}

	return balances, nil
}

// get performs an authenticated GET and decodes the JSON response into out.
// A rate-limited key is marked failed and the pool rotated before the error
// is returned, so the retry runs on the next key.
func (c *Client) get(ctx context.Context, path string, params url.Values, out interface{}) error {
	if c.keys == nil {
		return fmt.Errorf("no market data API keys configured")
	}
	key := c.keys.Current()

	reqURL := c.baseURL + path + "?" + params.Encode()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+key)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return clients.Transient(fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	if err := clients.ClassifyResponse(resp, key); err != nil {
		if _, ok := clients.AsRateLimit(err); ok {
			c.keys.MarkFailure(key)
			c.keys.Rotate()
		}
		return err
	}
	c.keys.MarkSuccess(key)

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return nil
}
