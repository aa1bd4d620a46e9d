// Package news provides the HTTP client for the headline and earnings
// calendar provider.
package news

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

const defaultBaseURL = "https://api.newswire.internal/v2"

// Article is one headline returned by the provider.
type Article struct {
	Title       string    `json:"title"`
	URL         string    `json:"url"`
	Source      string    `json:"source"`
	PublishedAt time.Time `json:"published_at"`
	Summary     string    `json:"summary"`
}

// EarningsEvent is one scheduled earnings report.
type EarningsEvent struct {
	Symbol      string    `json:"symbol"`
	ReportDate  time.Time `json:"report_date"`
	EPSEstimate *float64  `json:"eps_estimate,omitempty"`
}

// Client calls the news provider.
type Client struct {
	baseURL    string
	keys       *rotation.Rotator
	httpClient *http.Client
	log        zerolog.Logger
}

// NewClient creates a news client. An empty baseURL selects the default
// endpoint; a nil key rotator makes every call fail with a configuration
// error.
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
		log: logger.With().Str("component", "news_client").Logger(),
	}
}

// GetNews fetches headlines for a symbol published since the given time,
// newest first.
func (c *Client) GetNews(ctx context.Context, symbol string, since time.Time, limit int) ([]Article, error) {
	var articles []Article
	params := url.Values{
		"symbol": {symbol},
		"since":  {since.UTC().Format(time.RFC3339)},
		"limit":  {strconv.Itoa(limit)},
	}
	if err := c.get(ctx, "/news", params, &articles); err != nil {
		return nil, fmt.Errorf("failed to fetch news for %s: %w", symbol, err)
	}

	return articles, nil
}

// GetEarningsCalendar fetches scheduled earnings reports in [from, to].
func (c *Client) GetEarningsCalendar(ctx context.Context, from, to time.Time) ([]EarningsEvent, error) {
	var events []EarningsEvent
	params := url.Values{
		"from": {from.UTC().Format("2006-01-02")},
		"to":   {to.UTC().Format("2006-01-02")},
	}
	if err := c.get(ctx, "/earnings/calendar", params, &events); err != nil {
		return nil, fmt.Errorf("failed to fetch earnings calendar: %w", err)
	}

	return events, nil
}

func (c *Client) get(ctx context.Context, path string, params url.Values, out interface{}) error {
	if c.keys == nil {
		return fmt.Errorf("no news API keys configured")
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
