// Package history archives finished task attempts so operators can inspect
// past executions and failure patterns across restarts.
package history

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Entry is one archived task attempt.
type Entry struct {
	ID         int64      `json:"id"`
	TaskID     string     `json:"task_id"`
	TaskType   string     `json:"task_type"`
	Queue      string     `json:"queue"`
	State      string     `json:"state"`
	Attempt    int        `json:"attempt"`
	Error      string     `json:"error,omitempty"`
	StartedAt  *time.Time `json:"started_at,omitempty"`
	FinishedAt time.Time  `json:"finished_at"`
	Duration   int64      `json:"duration_ms"`
}

// Repository provides access to the task history archive.
type Repository struct {
	db  *sql.DB
	log zerolog.Logger
}

// NewRepository creates a repository over the tasks database.
func NewRepository(db *sql.DB, log zerolog.Logger) *Repository {
	return &Repository{
		db:  db,
		log: log.With().Str("component", "task_history").Logger(),
	}
}

// Record appends a finished attempt to the archive.
func (r *Repository) Record(e Entry) error {
	var startedAt interface{}
	if e.StartedAt != nil {
		startedAt = e.StartedAt.Unix()
	}

	_, err := r.db.Exec(`
		INSERT INTO task_history (task_id, task_type, queue, state, attempt, error, started_at, finished_at, duration_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.TaskID, e.TaskType, e.Queue, e.State, e.Attempt, nullableString(e.Error), startedAt, e.FinishedAt.Unix(), e.Duration,
	)
	if err != nil {
		return fmt.Errorf("failed to record task history for %s: %w", e.TaskID, err)
	}
	return nil
}

// Recent returns the latest entries, newest first.
func (r *Repository) Recent(limit int) ([]Entry, error) {
	return r.query(
		"SELECT id, task_id, task_type, queue, state, attempt, error, started_at, finished_at, duration_ms FROM task_history ORDER BY finished_at DESC, id DESC LIMIT ?",
		limit,
	)
}

// RecentFailures returns the latest failed entries, newest first.
func (r *Repository) RecentFailures(limit int) ([]Entry, error) {
	return r.query(
		"SELECT id, task_id, task_type, queue, state, attempt, error, started_at, finished_at, duration_ms FROM task_history WHERE state = 'failed' ORDER BY finished_at DESC, id DESC LIMIT ?",
		limit,
	)
}

// StateCounts returns entry counts grouped by queue and state. The queue
// manager seeds its completed/failed counters from this at startup so status
// output stays truthful across restarts.
func (r *Repository) StateCounts() (map[string]map[string]int, error) {
	rows, err := r.db.Query("SELECT queue, state, COUNT(*) FROM task_history GROUP BY queue, state")
	if err != nil {
		return nil, fmt.Errorf("failed to count task history: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]map[string]int)
	for rows.Next() {
		var queue, state string
		var count int
		if err := rows.Scan(&queue, &state, &count); err != nil {
			return nil, fmt.Errorf("failed to scan history counts: %w", err)
		}
		if counts[queue] == nil {
			counts[queue] = make(map[string]int)
		}
		counts[queue][state] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating history counts: %w", err)
	}

	return counts, nil
}

// TypeCounts returns entry counts grouped by task type and state, the
// per-type counterpart of StateCounts.
func (r *Repository) TypeCounts() (map[string]map[string]int, error) {
	rows, err := r.db.Query("SELECT task_type, state, COUNT(*) FROM task_history GROUP BY task_type, state")
	if err != nil {
		return nil, fmt.Errorf("failed to count task history: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]map[string]int)
	for rows.Next() {
		var taskType, state string
		var count int
		if err := rows.Scan(&taskType, &state, &count); err != nil {
			return nil, fmt.Errorf("failed to scan history counts: %w", err)
		}
		if counts[taskType] == nil {
			counts[taskType] = make(map[string]int)
		}
		counts[taskType][state] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating history counts: %w", err)
	}

	return counts, nil
}

// Prune removes entries finished before the threshold.
// Used by cleanup jobs to prevent unbounded table growth.
func (r *Repository) Prune(olderThan time.Time) (int64, error) {
	result, err := r.db.Exec("DELETE FROM task_history WHERE finished_at < ?", olderThan.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to prune task history: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected > 0 {
		r.log.Info().
			Int64("rows_deleted", rowsAffected).
			Time("older_than", olderThan).
			Msg("Pruned task history")
	}

	return rowsAffected, nil
}

func (r *Repository) query(q string, args ...interface{}) ([]Entry, error) {
	rows, err := r.db.Query(q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query task history: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var errStr sql.NullString
		var startedAt sql.NullInt64
		var finishedAt int64

		if err := rows.Scan(&e.ID, &e.TaskID, &e.TaskType, &e.Queue, &e.State, &e.Attempt, &errStr, &startedAt, &finishedAt, &e.Duration); err != nil {
			return nil, fmt.Errorf("failed to scan history entry: %w", err)
		}

		if errStr.Valid {
			e.Error = errStr.String
		}
		if startedAt.Valid {
			t := time.Unix(startedAt.Int64, 0).UTC()
			e.StartedAt = &t
		}
		e.FinishedAt = time.Unix(finishedAt, 0).UTC()

		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating task history: %w", err)
	}

	return entries, nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
