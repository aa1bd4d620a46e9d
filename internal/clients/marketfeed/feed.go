// Package marketfeed maintains a live market status cache over a WebSocket
// feed. Open/close transitions are published on the event bus, where the
// scheduler's event router turns them into task submissions.
package marketfeed

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"math"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"nhooyr.io/websocket"

	"github.com/aristath/vigil/internal/events"
)

const (
	// WebSocket connection constants
	writeWait   = 10 * time.Second
	dialTimeout = 30 * time.Second

	// Reconnection constants
	baseReconnectDelay   = 5 * time.Second
	maxReconnectDelay    = 5 * time.Minute
	maxReconnectAttempts = 10

	// Cache staleness threshold
	cacheStaleThreshold = 5 * time.Minute
)

// MarketStatus is the cached state of one market.
type MarketStatus struct {
	Code      string    `json:"code"`
	Name      string    `json:"name"`
	Status    string    `json:"status"` // "open" or "closed"
	UpdatedAt time.Time `json:"updated_at"`
}

// feedMessage is one frame from the status feed.
type feedMessage struct {
	Markets   []feedMarket `json:"markets"`
	Timestamp string       `json:"timestamp"`
}

type feedMarket struct {
	Code   string `json:"code"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

// Feed handles real-time market status updates
type Feed struct {
	// Connection
	url        string
	httpClient *http.Client // Reusable HTTP client configured for HTTP/1.1
	conn       *websocket.Conn
	connCtx    context.Context    // Connection context (cancelled on disconnect)
	cancelFunc context.CancelFunc // For cancelling the connection context
	mu         sync.RWMutex

	// Dependencies
	eventBus *events.Bus
	log      zerolog.Logger

	// State
	connected    bool
	reconnecting bool
	stopChan     chan struct{}
	stopped      bool

	// Cache (thread-safe)
	marketCache map[string]MarketStatus
	lastUpdate  time.Time
	cacheMu     sync.RWMutex
}

// createHTTP1Client creates an HTTP client that forces HTTP/1.1.
// Edge proxies negotiate HTTP/2 via TLS ALPN, but the WebSocket upgrade
// handshake requires HTTP/1.1.
func createHTTP1Client() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			DialContext: (&net.Dialer{
				Timeout:   30 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			TLSClientConfig: &tls.Config{
				NextProtos: []string{"http/1.1"},
			},
			ForceAttemptHTTP2: false,
		},
	}
}

// NewFeed creates a market status feed client
func NewFeed(url string, eventBus *events.Bus, log zerolog.Logger) *Feed {
	return &Feed{
		url:         url,
		httpClient:  createHTTP1Client(),
		eventBus:    eventBus,
		log:         log.With().Str("component", "marketfeed").Logger(),
		marketCache: make(map[string]MarketStatus),
		stopChan:    make(chan struct{}),
	}
}

// Start initializes the WebSocket connection and starts the read loop
func (f *Feed) Start() error {
	f.log.Info().Msg("Starting market status feed")

	if err := f.Connect(); err != nil {
		f.log.Warn().Err(err).Msg("Initial feed connection failed, will retry in background")
		go f.reconnectLoop()
		return err
	}

	f.mu.RLock()
	ctx := f.connCtx
	f.mu.RUnlock()
	go f.readMessages(ctx)

	f.log.Info().Msg("Market status feed started")
	return nil
}

// Stop gracefully shuts down the WebSocket connection
func (f *Feed) Stop() error {
	f.mu.Lock()
	if f.stopped {
		f.mu.Unlock()
		return nil
	}
	f.stopped = true
	f.mu.Unlock()

	f.log.Info().Msg("Stopping market status feed")

	close(f.stopChan)

	return f.Disconnect()
}

// Connect establishes the WebSocket connection and subscribes to the
// markets channel
func (f *Feed) Connect() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.log.Info().Str("url", f.url).Msg("Connecting to market status feed")

	dialCtx, dialCancel := context.WithTimeout(context.Background(), dialTimeout)
	defer dialCancel()

	conn, _, err := websocket.Dial(dialCtx, f.url, &websocket.DialOptions{
		HTTPClient: f.httpClient,
	})
	if err != nil {
		return fmt.Errorf("failed to dial feed: %w", err)
	}

	// Long-lived context for the connection, cancelled on disconnect to
	// unblock pending reads
	connCtx, connCancel := context.WithCancel(context.Background())
	f.conn = conn
	f.connCtx = connCtx
	f.cancelFunc = connCancel
	f.connected = true

	if err := f.subscribe(connCtx); err != nil {
		connCancel()
		conn.Close(websocket.StatusNormalClosure, "subscribe failed")
		f.conn = nil
		f.connCtx = nil
		f.cancelFunc = nil
		f.connected = false
		return fmt.Errorf("failed to subscribe to markets: %w", err)
	}

	f.log.Info().Msg("Connected to market status feed")
	return nil
}

// Disconnect closes the WebSocket connection
func (f *Feed) Disconnect() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.conn == nil {
		return nil
	}

	f.log.Info().Msg("Disconnecting from market status feed")

	if f.cancelFunc != nil {
		f.cancelFunc()
		f.cancelFunc = nil
	}

	err := f.conn.Close(websocket.StatusNormalClosure, "")

	f.conn = nil
	f.connCtx = nil
	f.connected = false

	if err != nil {
		return fmt.Errorf("error closing feed connection: %w", err)
	}

	return nil
}

// subscribe sends the subscription message for the markets channel
func (f *Feed) subscribe(ctx context.Context) error {
	data, err := json.Marshal(map[string]string{"subscribe": "markets"})
	if err != nil {
		return fmt.Errorf("failed to marshal subscription message: %w", err)
	}

	writeCtx, cancel := context.WithTimeout(ctx, writeWait)
	defer cancel()

	if err := f.conn.Write(writeCtx, websocket.MessageText, data); err != nil {
		return fmt.Errorf("failed to send subscription message: %w", err)
	}

	f.log.Info().Msg("Subscribed to markets channel")
	return nil
}

// readMessages continuously reads frames from the feed
func (f *Feed) readMessages(ctx context.Context) {
	defer func() {
		f.log.Info().Msg("Feed read loop stopped")
		f.mu.RLock()
		stopped := f.stopped
		f.mu.RUnlock()
		if !stopped {
			go f.reconnectLoop()
		}
	}()

	for {
		select {
		case <-f.stopChan:
			return
		case <-ctx.Done():
			f.log.Debug().Msg("Read loop context cancelled")
			return
		default:
		}

		f.mu.RLock()
		conn := f.conn
		f.mu.RUnlock()

		if conn == nil {
			f.log.Warn().Msg("Connection is nil, stopping read loop")
			return
		}

		msgType, message, err := conn.Read(ctx)
		if err != nil {
			closeStatus := websocket.CloseStatus(err)
			if closeStatus == websocket.StatusNormalClosure || closeStatus == websocket.StatusGoingAway {
				f.log.Info().Int("status", int(closeStatus)).Msg("Feed closed normally")
			} else if ctx.Err() != nil {
				f.log.Debug().Msg("Read cancelled by context")
			} else {
				f.log.Error().Err(err).Msg("Unexpected feed read error")
			}
			return
		}

		if msgType != websocket.MessageText {
			f.log.Debug().Int("type", int(msgType)).Msg("Ignoring non-text message")
			continue
		}

		if err := f.handleMessage(message); err != nil {
			f.log.Error().Err(err).Str("message", string(message)).Msg("Failed to handle feed message")
			// Continue reading despite parse errors
		}
	}
}

// handleMessage parses a feed frame and applies the market updates
func (f *Feed) handleMessage(message []byte) error {
	var msg feedMessage
	if err := json.Unmarshal(message, &msg); err != nil {
		return fmt.Errorf("failed to parse feed message: %w", err)
	}

	if len(msg.Markets) == 0 {
		f.log.Debug().Msg("Ignoring frame without market data")
		return nil
	}

	f.applyUpdate(msg)
	return nil
}

// applyUpdate refreshes the cache and emits open/close events for markets
// whose status actually changed. The first frame seeds the cache without
// emitting; snapshots after a reconnect emit only real status changes.
func (f *Feed) applyUpdate(msg feedMessage) {
	now := time.Now()
	var transitions []events.MarketStatusChangedData

	f.cacheMu.Lock()
	initial := len(f.marketCache) == 0
	for _, m := range msg.Markets {
		status := normalizeStatus(m.Status)
		prev, seen := f.marketCache[m.Code]

		f.marketCache[m.Code] = MarketStatus{
			Code:      m.Code,
			Name:      m.Name,
			Status:    status,
			UpdatedAt: now,
		}

		if !initial && seen && prev.Status != status {
			transitions = append(transitions, events.MarketStatusChangedData{
				Market:    m.Code,
				Status:    status,
				Timestamp: now.Format(time.RFC3339),
			})
		}
	}
	f.lastUpdate = now
	total := len(f.marketCache)
	f.cacheMu.Unlock()

	f.log.Debug().
		Int("market_count", len(msg.Markets)).
		Int("cached", total).
		Int("transitions", len(transitions)).
		Msg("Market status cache updated")

	if f.eventBus == nil {
		return
	}
	for i := range transitions {
		tr := transitions[i]
		f.log.Info().
			Str("market", tr.Market).
			Str("status", tr.Status).
			Msg("Market status transition")
		f.eventBus.EmitTyped("marketfeed", &tr)
	}
}

// normalizeStatus collapses provider status values to open/closed. Pre and
// post market sessions count as closed for scheduling purposes.
func normalizeStatus(status string) string {
	if status == "open" {
		return "open"
	}
	return "closed"
}

// reconnectLoop handles automatic reconnection with exponential backoff
func (f *Feed) reconnectLoop() {
	f.mu.Lock()
	if f.reconnecting || f.stopped {
		f.mu.Unlock()
		return
	}
	f.reconnecting = true
	f.mu.Unlock()

	defer func() {
		f.mu.Lock()
		f.reconnecting = false
		f.mu.Unlock()
	}()

	attempt := 0
	for {
		select {
		case <-f.stopChan:
			f.log.Info().Msg("Reconnection loop stopped")
			return
		default:
		}

		f.mu.RLock()
		stopped := f.stopped
		f.mu.RUnlock()
		if stopped {
			return
		}

		attempt++

		delay := f.calculateBackoff(attempt)

		if attempt <= maxReconnectAttempts {
			f.log.Info().
				Int("attempt", attempt).
				Dur("delay", delay).
				Msg("Attempting to reconnect to feed")
		} else {
			f.log.Warn().
				Int("attempt", attempt).
				Dur("delay", delay).
				Msg("Reconnection attempt (exceeded max attempts, will keep retrying)")
		}

		select {
		case <-time.After(delay):
		case <-f.stopChan:
			return
		}

		if err := f.Connect(); err != nil {
			f.log.Error().Err(err).
				Int("attempt", attempt).
				Msg("Reconnection failed")
			continue
		}

		f.log.Info().
			Int("attempt", attempt).
			Msg("Reconnected to feed")

		attempt = 0

		f.mu.RLock()
		ctx := f.connCtx
		f.mu.RUnlock()
		go f.readMessages(ctx)
		return
	}
}

// calculateBackoff calculates exponential backoff delay
func (f *Feed) calculateBackoff(attempt int) time.Duration {
	delay := float64(baseReconnectDelay) * math.Pow(2, float64(attempt-1))

	if delay > float64(maxReconnectDelay) {
		delay = float64(maxReconnectDelay)
	}

	return time.Duration(delay)
}

// MarketStatus returns the cached status for a specific market (thread-safe)
func (f *Feed) MarketStatus(code string) (*MarketStatus, error) {
	f.cacheMu.RLock()
	defer f.cacheMu.RUnlock()

	market, exists := f.marketCache[code]
	if !exists {
		return nil, fmt.Errorf("market %s not found in cache", code)
	}

	return &market, nil
}

// AllMarkets returns all cached market statuses (thread-safe)
func (f *Feed) AllMarkets() map[string]MarketStatus {
	f.cacheMu.RLock()
	defer f.cacheMu.RUnlock()

	result := make(map[string]MarketStatus, len(f.marketCache))
	for k, v := range f.marketCache {
		result[k] = v
	}

	return result
}

// IsCacheStale checks if the cache hasn't been updated recently
func (f *Feed) IsCacheStale() bool {
	f.cacheMu.RLock()
	defer f.cacheMu.RUnlock()

	if f.lastUpdate.IsZero() {
		return true
	}

	return time.Since(f.lastUpdate) > cacheStaleThreshold
}

// IsConnected returns current connection status
func (f *Feed) IsConnected() bool {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.connected
}
