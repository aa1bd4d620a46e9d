package queue

import "time"

// QueueStatus is the live view of one queue. Failed counts are always
// present; a monitoring surface that hides failures while failed > 0 would
// be lying about system health.
type QueueStatus struct {
	Pending       int    `json:"pending"`
	Running       int    `json:"running"`
	Completed     int    `json:"completed"`
	Failed        int    `json:"failed"`
	RunningTaskID string `json:"running_task_id,omitempty"`
}

// TypeCounts aggregates task outcomes for one task type.
type TypeCounts struct {
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// FailureSummary describes one recent terminal failure.
type FailureSummary struct {
	TaskID string    `json:"task_id"`
	Type   string    `json:"type"`
	Queue  string    `json:"queue"`
	Error  string    `json:"error"`
	At     time.Time `json:"at"`
}

// Snapshot is the full status view exposed to monitoring consumers. It is
// the sole feed for any dashboard surface.
type Snapshot struct {
	Queues         map[string]QueueStatus `json:"queues"`
	Types          map[string]TypeCounts  `json:"types"`
	RunningTasks   []string               `json:"running_tasks"`
	LastFailures   []FailureSummary       `json:"last_failures"`
	StoreHealthy   bool                   `json:"store_healthy"`
	RecoveredTasks int                    `json:"recovered_tasks"`
	StartedAt      time.Time              `json:"started_at"`
}
