package events

import (
	"time"
)

// EventData is the interface that all event data types must implement
// This allows for type-safe event data while maintaining flexibility
type EventData interface {
	// EventType returns the event type this data is associated with
	EventType() EventType
}

// PortfolioChangedData contains data for PortfolioChanged events
type PortfolioChangedData struct {
	Source  string   `json:"source"`
	Symbols []string `json:"symbols,omitempty"`
}

// EventType returns the event type for PortfolioChangedData
func (d *PortfolioChangedData) EventType() EventType {
	return PortfolioChanged
}

// MarketStatusChangedData contains data for MarketOpened and MarketClosed events
type MarketStatusChangedData struct {
	Market    string `json:"market"`
	Status    string `json:"status"` // "open" or "closed"
	Timestamp string `json:"timestamp"`
}

// EventType returns the event type for MarketStatusChangedData
func (d *MarketStatusChangedData) EventType() EventType {
	if d.Status == "open" {
		return MarketOpened
	}
	return MarketClosed
}

// RiskAlertData contains data for RiskAlert events
type RiskAlertData struct {
	Symbol     string  `json:"symbol"`
	Volatility float64 `json:"volatility"` // Annualized realized volatility
	RSI        float64 `json:"rsi"`
	Reason     string  `json:"reason"` // "high_volatility", "overbought", "oversold"
}

// EventType returns the event type for RiskAlertData
func (d *RiskAlertData) EventType() EventType {
	return RiskAlert
}

// BalancesSyncedData contains data for BalancesSynced events
type BalancesSyncedData struct {
	Accounts int `json:"accounts"`
}

// EventType returns the event type for BalancesSyncedData
func (d *BalancesSyncedData) EventType() EventType {
	return BalancesSynced
}

// PricesRefreshedData contains data for PricesRefreshed events
type PricesRefreshedData struct {
	Symbols int `json:"symbols"`
	Skipped int `json:"skipped"` // Symbols skipped because data was fresh
}

// EventType returns the event type for PricesRefreshedData
func (d *PricesRefreshedData) EventType() EventType {
	return PricesRefreshed
}

// NewsIngestedData contains data for NewsIngested events
type NewsIngestedData struct {
	Symbol   string `json:"symbol"`
	Articles int    `json:"articles"`
}

// EventType returns the event type for NewsIngestedData
func (d *NewsIngestedData) EventType() EventType {
	return NewsIngested
}

// RecommendationsReadyData contains data for RecommendationsReady events
type RecommendationsReadyData struct {
	Symbol     string  `json:"symbol"`
	Action     string  `json:"action"`
	Confidence float64 `json:"confidence"`
	ParseStage string  `json:"parse_stage"` // Which parser stage produced the record
}

// EventType returns the event type for RecommendationsReadyData
func (d *RecommendationsReadyData) EventType() EventType {
	return RecommendationsReady
}

// TaskStatusData contains data for task lifecycle events
type TaskStatusData struct {
	TaskID      string    `json:"task_id"`
	TaskType    string    `json:"task_type"`
	Queue       string    `json:"queue"`
	Status      string    `json:"status"` // "started", "completed", "failed", "retrying"
	Description string    `json:"description"`
	Attempt     int       `json:"attempt"`
	Error       string    `json:"error,omitempty"`
	Duration    float64   `json:"duration,omitempty"` // Seconds
	Timestamp   time.Time `json:"timestamp"`
}

// EventType returns the event type for TaskStatusData
// Note: The actual event type is determined by the Status field
func (d *TaskStatusData) EventType() EventType {
	switch d.Status {
	case "started":
		return TaskStarted
	case "completed":
		return TaskCompleted
	case "failed":
		return TaskFailed
	case "retrying":
		return TaskRetrying
	default:
		return TaskStarted
	}
}

// ErrorEventData contains data for ErrorOccurred events
type ErrorEventData struct {
	Error   string                 `json:"error"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// EventType returns the event type for ErrorEventData
func (d *ErrorEventData) EventType() EventType {
	return ErrorOccurred
}
