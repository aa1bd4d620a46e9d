// Package freshness tracks when external data was last fetched for each
// subject (symbol, account), so task handlers can skip calls for data that is
// still fresh instead of hammering rate-limited APIs.
package freshness

import (
	"database/sql"
	"fmt"
	"sync"
	"time"
)

// Data categories tracked per subject.
const (
	CategoryQuotes   = "quotes"
	CategoryNews     = "news"
	CategoryEarnings = "earnings"
	CategoryBalances = "balances"
)

// Record is one subject's fetch state for a category.
type Record struct {
	Subject     string
	Category    string
	LastFetchAt time.Time
	FetchCount  int
	ErrorCount  int
}

// Tracker persists per-subject fetch timestamps in the state database.
// A single mutex serializes callers from different queues.
type Tracker struct {
	db *sql.DB
	mu sync.Mutex
}

// NewTracker creates a tracker over the state database.
func NewTracker(db *sql.DB) *Tracker {
	return &Tracker{db: db}
}

// NeedsFetch returns true if the subject has no successful fetch recorded for
// the category, or the last one is older than the freshness window.
func (t *Tracker) NeedsFetch(subject, category string, window time.Duration) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var lastFetch int64
	err := t.db.QueryRow(
		"SELECT last_fetch_at FROM entity_state WHERE subject_key = ? AND category = ?",
		subject, category,
	).Scan(&lastFetch)
	if err == sql.ErrNoRows {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read fetch state for %s/%s: %w", subject, category, err)
	}
	if lastFetch == 0 {
		return true, nil
	}

	return time.Since(time.Unix(lastFetch, 0)) >= window, nil
}

// RecordFetch updates the subject's fetch state. Successful fetches advance
// last_fetch_at; failed ones only count the error, so the subject stays due
// for a fetch.
func (t *Tracker) RecordFetch(subject, category string, timestamp time.Time, success bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	var err error
	if success {
		_, err = t.db.Exec(`
			INSERT INTO entity_state (subject_key, category, last_fetch_at, fetch_count, error_count)
			VALUES (?, ?, ?, 1, 0)
			ON CONFLICT(subject_key, category)
			DO UPDATE SET last_fetch_at = excluded.last_fetch_at, fetch_count = fetch_count + 1`,
			subject, category, timestamp.Unix(),
		)
	} else {
		_, err = t.db.Exec(`
			INSERT INTO entity_state (subject_key, category, last_fetch_at, fetch_count, error_count)
			VALUES (?, ?, 0, 0, 1)
			ON CONFLICT(subject_key, category)
			DO UPDATE SET error_count = error_count + 1`,
			subject, category,
		)
	}
	if err != nil {
		return fmt.Errorf("failed to record fetch for %s/%s: %w", subject, category, err)
	}
	return nil
}

// Get returns the record for a subject and category, or nil if none exists.
func (t *Tracker) Get(subject, category string) (*Record, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	var lastFetch int64
	rec := &Record{Subject: subject, Category: category}
	err := t.db.QueryRow(
		"SELECT last_fetch_at, fetch_count, error_count FROM entity_state WHERE subject_key = ? AND category = ?",
		subject, category,
	).Scan(&lastFetch, &rec.FetchCount, &rec.ErrorCount)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read fetch state for %s/%s: %w", subject, category, err)
	}

	rec.LastFetchAt = time.Unix(lastFetch, 0)
	return rec, nil
}
