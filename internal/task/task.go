// Package task defines the durable task model shared by the queue manager and
// the scheduler: the task record itself, the registry of known task types, and
// the on-disk store that survives restarts.
package task

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DefaultTimeout is the execution deadline applied when a descriptor does not
// set its own.
const DefaultTimeout = 5 * time.Minute

// DefaultMaxAttempts is the retry budget applied when a descriptor does not
// set its own.
const DefaultMaxAttempts = 5

// State describes where a task is in its lifecycle.
type State string

const (
	// StatePending means the task is waiting until its next execution time.
	StatePending State = "pending"
	// StateRunning means a queue worker is currently executing the task.
	StateRunning State = "running"
	// StateCompleted means a one-shot task finished successfully.
	StateCompleted State = "completed"
	// StateFailed means the task hit a terminal error or exhausted its retry budget.
	StateFailed State = "failed"
	// StateRetrying means the last attempt failed with a transient error and the
	// task is about to be requeued with a backoff delay.
	StateRetrying State = "retrying"
	// StateCancelled means the task was cancelled while still pending.
	StateCancelled State = "cancelled"
)

// Terminal returns true for states that end a task's lifecycle.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Priority determines execution order when multiple tasks in a queue are eligible.
// Higher values run first.
type Priority int

const (
	// PriorityLow is for maintenance and bulk work.
	PriorityLow Priority = iota
	// PriorityMedium is for regular background refreshes.
	PriorityMedium
	// PriorityHigh is for work that feeds user-visible decisions.
	PriorityHigh
	// PriorityCritical is for work that must preempt everything else in its queue.
	PriorityCritical
)

// String returns a human-readable name for the priority.
func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "Low"
	case PriorityMedium:
		return "Medium"
	case PriorityHigh:
		return "High"
	case PriorityCritical:
		return "Critical"
	default:
		return "Unknown"
	}
}

// ParsePriority maps a case-insensitive priority name back to its value.
func ParsePriority(s string) (Priority, error) {
	switch strings.ToLower(s) {
	case "low":
		return PriorityLow, nil
	case "medium":
		return PriorityMedium, nil
	case "high":
		return PriorityHigh, nil
	case "critical":
		return PriorityCritical, nil
	default:
		return PriorityLow, fmt.Errorf("unknown priority: %s", s)
	}
}

// Type identifies a registered kind of task.
type Type string

const (
	// TypeSyncAccountBalances refreshes broker account balances.
	TypeSyncAccountBalances Type = "sync_account_balances"
	// TypeMarketDataRefresh fetches quotes for the tracked universe.
	TypeMarketDataRefresh Type = "market_data_refresh"
	// TypeNewsMonitoring polls news feeds for tracked symbols.
	TypeNewsMonitoring Type = "news_monitoring"
	// TypeEarningsIngestion pulls upcoming earnings calendars.
	TypeEarningsIngestion Type = "earnings_ingestion"
	// TypeRecommendationGeneration runs AI analysis for a single symbol.
	TypeRecommendationGeneration Type = "recommendation_generation"
	// TypeAnalysisBatch runs AI analysis across the whole universe.
	TypeAnalysisBatch Type = "analysis_batch"
	// TypeRiskMonitoring recomputes volatility and RSI risk signals.
	TypeRiskMonitoring Type = "risk_monitoring"
	// TypeHistoryCleanup prunes old execution history and task records.
	TypeHistoryCleanup Type = "history_cleanup"
	// TypeStoreBackup snapshots the databases and uploads an archive.
	TypeStoreBackup Type = "store_backup"
)

// Queue names. Each queue executes at most one task at a time; distinct
// queues run in parallel.
const (
	QueueSync        = "sync"
	QueueMarket      = "market"
	QueueNews        = "news"
	QueueAnalysis    = "analysis"
	QueueRisk        = "risk"
	QueueMaintenance = "maintenance"
)

// QueueNames returns all queue names in display order.
func QueueNames() []string {
	return []string{QueueSync, QueueMarket, QueueNews, QueueAnalysis, QueueRisk, QueueMaintenance}
}

// Task is a durable unit of scheduled work. A recurring task keeps a single
// record for its whole life: the same ID is reused across retries and across
// recurrences, with NextExecutionAt advancing each cycle.
type Task struct {
	ID              string                 `msgpack:"id" json:"id"`
	Type            Type                   `msgpack:"type" json:"type"`
	Queue           string                 `msgpack:"queue" json:"queue"`
	Priority        Priority               `msgpack:"priority" json:"priority"`
	State           State                  `msgpack:"state" json:"state"`
	ScheduledAt     time.Time              `msgpack:"scheduled_at" json:"scheduled_at"`
	NextExecutionAt time.Time              `msgpack:"next_execution_at" json:"next_execution_at"`
	Interval        time.Duration          `msgpack:"interval" json:"interval,omitempty"`
	Metadata        map[string]interface{} `msgpack:"metadata" json:"metadata,omitempty"`
	AttemptCount    int                    `msgpack:"attempt_count" json:"attempt_count"`
	MaxAttempts     int                    `msgpack:"max_attempts" json:"max_attempts"`
	LastError       string                 `msgpack:"last_error" json:"last_error,omitempty"`
	CreatedAt       time.Time              `msgpack:"created_at" json:"created_at"`
	StartedAt       *time.Time             `msgpack:"started_at" json:"started_at,omitempty"`
	CompletedAt     *time.Time             `msgpack:"completed_at" json:"completed_at,omitempty"`
}

// NewFromDescriptor creates a pending task for a registered descriptor,
// scheduled to run at runAt.
func NewFromDescriptor(d *Descriptor, runAt time.Time) *Task {
	maxAttempts := d.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	return &Task{
		ID:              uuid.New().String(),
		Type:            d.Type,
		Queue:           d.Queue,
		Priority:        d.Priority,
		State:           StatePending,
		ScheduledAt:     runAt,
		NextExecutionAt: runAt,
		Interval:        d.Interval,
		Metadata:        make(map[string]interface{}),
		MaxAttempts:     maxAttempts,
		CreatedAt:       time.Now().UTC(),
	}
}

// IsRecurring returns true if the task reschedules itself after each completion.
func (t *Task) IsRecurring() bool {
	return t.Interval > 0
}

// Due returns true if the task is pending and its next execution time has passed.
func (t *Task) Due(now time.Time) bool {
	return t.State == StatePending && !t.NextExecutionAt.After(now)
}

// CanCancel returns true while the task has not started its current attempt.
func (t *Task) CanCancel() bool {
	return t.State == StatePending || t.State == StateRetrying
}

// Begin transitions the task to running and counts the attempt.
func (t *Task) Begin(now time.Time) {
	t.State = StateRunning
	t.AttemptCount++
	t.StartedAt = &now
}

// Complete records a successful attempt. One-shot tasks become terminal.
// Recurring tasks advance NextExecutionAt and go back to pending; missed
// slots after downtime are skipped rather than replayed.
func (t *Task) Complete(now time.Time) {
	t.CompletedAt = &now
	t.LastError = ""

	if !t.IsRecurring() {
		t.State = StateCompleted
		return
	}

	next := t.NextExecutionAt.Add(t.Interval)
	if !next.After(now) {
		next = now.Add(t.Interval)
	}
	t.NextExecutionAt = next
	t.AttemptCount = 0
	t.State = StatePending
}

// ScheduleRetry records a transient failure and the time of the next attempt.
func (t *Task) ScheduleRetry(next time.Time, cause error) {
	t.State = StateRetrying
	t.LastError = cause.Error()
	t.NextExecutionAt = next
}

// Requeue puts a retrying or interrupted task back into the pending pool.
func (t *Task) Requeue() {
	t.State = StatePending
}

// Fail marks the task terminally failed.
func (t *Task) Fail(now time.Time, cause error) {
	t.State = StateFailed
	t.LastError = cause.Error()
	t.CompletedAt = &now
}

// Cancel marks a not-yet-running task as cancelled.
func (t *Task) Cancel(now time.Time) {
	t.State = StateCancelled
	t.CompletedAt = &now
}

// Clone returns a copy of the task with its own metadata map, safe to hand
// out in status snapshots.
func (t *Task) Clone() *Task {
	c := *t
	if t.Metadata != nil {
		c.Metadata = make(map[string]interface{}, len(t.Metadata))
		for k, v := range t.Metadata {
			c.Metadata[k] = v
		}
	}
	if t.StartedAt != nil {
		startedAt := *t.StartedAt
		c.StartedAt = &startedAt
	}
	if t.CompletedAt != nil {
		completedAt := *t.CompletedAt
		c.CompletedAt = &completedAt
	}
	return &c
}
