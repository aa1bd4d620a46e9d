// Package analysis provides the HTTP client for the AI analysis backend.
// Responses come back as raw text because the backend's output shape is not
// guaranteed; the parsing package turns them into structured reports.
package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/aristath/vigil/internal/clients"
)

const defaultBaseURL = "http://localhost:9000"

// maxResponseSize caps how much of an analysis response is read. Reports
// past this size are cut off rather than ballooning memory.
const maxResponseSize = 1 << 20

type analyzeRequest struct {
	Symbol  string                 `json:"symbol"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// Client calls the analysis backend.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	log        zerolog.Logger
}

// NewClient creates an analysis client. An empty baseURL selects the default
// local endpoint. The token is optional and sent as a bearer credential when
// set.
func NewClient(baseURL, token string, logger zerolog.Logger) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}

	return &Client{
		baseURL: baseURL,
		token:   token,
		// No client-level timeout. Analysis runs are long and the task
		// context carries the deadline.
		httpClient: &http.Client{},
		log:        logger.With().Str("component", "analysis_client").Logger(),
	}
}

// Analyze asks the backend for a recommendation on one symbol and returns
// the raw response text.
func (c *Client) Analyze(ctx context.Context, symbol string, extra map[string]interface{}) (string, error) {
	payload, err := json.Marshal(analyzeRequest{Symbol: symbol, Context: extra})
	if err != nil {
		return "", fmt.Errorf("failed to marshal analysis request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/analyze", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	c.log.Debug().Str("symbol", symbol).Msg("Requesting analysis")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", clients.Transient(fmt.Errorf("analysis request failed: %w", err))
	}
	defer resp.Body.Close()

	if err := clients.ClassifyResponse(resp, "analysis"); err != nil {
		return "", err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return "", clients.Transient(fmt.Errorf("failed to read analysis response: %w", err))
	}

	return string(body), nil
}
