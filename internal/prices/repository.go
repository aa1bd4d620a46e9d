// Package prices stores daily closing prices for the tracked universe. Risk
// monitoring reads closes from here instead of refetching price history.
package prices

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
	"github.com/rs/zerolog"
)

const schema = `
CREATE TABLE IF NOT EXISTS daily_closes (
    symbol TEXT NOT NULL,
    date   INTEGER NOT NULL,
    close  REAL NOT NULL,
    PRIMARY KEY (symbol, date)
);
CREATE INDEX IF NOT EXISTS idx_daily_closes_date ON daily_closes(date);
`

// DailyClose is one closing price for one trading day.
type DailyClose struct {
	Date  time.Time `json:"date"`
	Close float64   `json:"close"`
}

// Repository provides access to the daily close database.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// Open opens (creating if needed) the price database at path.
func Open(path string, log zerolog.Logger) (*Repository, error) {
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open price database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping price database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply price schema: %w", err)
	}

	return &Repository{
		db:  db,
		log: log.With().Str("component", "prices").Logger(),
	}, nil
}

// Close closes the underlying database.
func (r *Repository) Close() error {
	return r.db.Close()
}

// SaveClose upserts a single closing price. The date is normalized to
// midnight UTC so each symbol keeps one row per trading day.
func (r *Repository) SaveClose(symbol string, date time.Time, close float64) error {
	_, err := r.db.Exec(
		"INSERT OR REPLACE INTO daily_closes (symbol, date, close) VALUES (?, ?, ?)",
		symbol, dayUnix(date), close,
	)
	if err != nil {
		return fmt.Errorf("failed to save close for %s: %w", symbol, err)
	}
	return nil
}

// SaveDailyCloses writes a batch of closes for one symbol in a single
// transaction.
func (r *Repository) SaveDailyCloses(symbol string, closes []DailyClose) error {
	tx, err := r.db.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback() // Will be no-op if Commit succeeds

	stmt, err := tx.Prepare("INSERT OR REPLACE INTO daily_closes (symbol, date, close) VALUES (?, ?, ?)")
	if err != nil {
		return fmt.Errorf("failed to prepare statement: %w", err)
	}
	defer stmt.Close()

	for _, c := range closes {
		if _, err := stmt.Exec(symbol, dayUnix(c.Date), c.Close); err != nil {
			return fmt.Errorf("failed to insert close for %s on %s: %w", symbol, c.Date.Format("2006-01-02"), err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	r.log.Debug().
		Str("symbol", symbol).
		Int("count", len(closes)).
		Msg("Saved daily closes")

	return nil
}

// RecentCloses returns the closes for a symbol over the last N days, oldest
// first, ready for return and volatility calculations.
func (r *Repository) RecentCloses(symbol string, days int) ([]DailyClose, error) {
	if days <= 0 {
		return []DailyClose{}, nil
	}

	cutoff := time.Now().AddDate(0, 0, -days).Unix()
	rows, err := r.db.Query(
		"SELECT date, close FROM daily_closes WHERE symbol = ? AND date >= ? ORDER BY date ASC",
		symbol, cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query recent closes: %w", err)
	}
	defer rows.Close()

	var closes []DailyClose
	for rows.Next() {
		var c DailyClose
		var dateUnix int64
		if err := rows.Scan(&dateUnix, &c.Close); err != nil {
			return nil, fmt.Errorf("failed to scan close: %w", err)
		}
		c.Date = time.Unix(dateUnix, 0).UTC()
		closes = append(closes, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating closes: %w", err)
	}

	return closes, nil
}

// LatestClose returns the most recent close for a symbol, or nil if the
// symbol has no history yet.
func (r *Repository) LatestClose(symbol string) (*DailyClose, error) {
	var c DailyClose
	var dateUnix int64
	err := r.db.QueryRow(
		"SELECT date, close FROM daily_closes WHERE symbol = ? ORDER BY date DESC LIMIT 1",
		symbol,
	).Scan(&dateUnix, &c.Close)
	if err == sql.ErrNoRows {
		return nil, nil // Not found (not an error)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest close: %w", err)
	}

	c.Date = time.Unix(dateUnix, 0).UTC()
	return &c, nil
}

// DeleteOlderThan removes closes before the threshold.
// Used by cleanup jobs to prevent unbounded table growth.
func (r *Repository) DeleteOlderThan(olderThan time.Time) (int64, error) {
	result, err := r.db.Exec("DELETE FROM daily_closes WHERE date < ?", olderThan.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to delete old closes: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected > 0 {
		r.log.Info().
			Int64("rows_deleted", rowsAffected).
			Time("older_than", olderThan).
			Msg("Deleted old daily closes")
	}

	return rowsAffected, nil
}

// dayUnix normalizes a timestamp to midnight UTC of its day.
func dayUnix(t time.Time) int64 {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC).Unix()
}
