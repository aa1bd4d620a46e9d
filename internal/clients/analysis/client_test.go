package analysis

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aristath/vigil/internal/clients"
)

func TestAnalyze_ReturnsRawBody(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/analyze", r.URL.Path)
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))

		var req map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "AAPL", req["symbol"])

		// Backend output is arbitrary text, not guaranteed JSON.
		w.Write([]byte("Based on momentum, my recommendation:\n```json\n{\"action\":\"buy\",\"confidence\":0.7}\n```"))
	}))
	defer server.Close()

	client := NewClient(server.URL, "secret", zerolog.Nop())

	raw, err := client.Analyze(context.Background(), "AAPL", map[string]interface{}{"horizon": "1w"})
	require.NoError(t, err)
	assert.Contains(t, raw, "recommendation")
	assert.Contains(t, raw, `"action":"buy"`)
}

func TestAnalyze_NoTokenOmitsHeader(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.Header.Get("Authorization"))
		w.Write([]byte("hold"))
	}))
	defer server.Close()

	client := NewClient(server.URL, "", zerolog.Nop())

	_, err := client.Analyze(context.Background(), "AAPL", nil)
	require.NoError(t, err)
}

func TestAnalyze_ServerErrorIsTransient(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer server.Close()

	client := NewClient(server.URL, "", zerolog.Nop())

	_, err := client.Analyze(context.Background(), "AAPL", nil)
	require.Error(t, err)
	assert.True(t, clients.IsTransient(err))
}

func TestAnalyze_RateLimit(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := NewClient(server.URL, "", zerolog.Nop())

	_, err := client.Analyze(context.Background(), "AAPL", nil)
	require.Error(t, err)

	rle, ok := clients.AsRateLimit(err)
	require.True(t, ok)
	assert.Equal(t, "analysis", rle.Resource)
}

func TestAnalyze_ContextCancellation(t *testing.T) {
	started := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		<-r.Context().Done()
	}))
	defer server.Close()

	client := NewClient(server.URL, "", zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-started
		cancel()
	}()

	_, err := client.Analyze(ctx, "AAPL", nil)
	require.Error(t, err)
}
