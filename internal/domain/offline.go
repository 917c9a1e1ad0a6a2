package domain

import (
	"encoding/json"
	"time"
)

// OperationType enumerates user actions that may be deferred while offline.
type OperationType string

const (
	OpGenerationSubmit OperationType = "generation_submit"
	OpLike             OperationType = "like"
	OpComment          OperationType = "comment"
	OpShare            OperationType = "share"
	OpUpload           OperationType = "upload"
)

// Priority orders offline queue drain and eviction.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityMedium Priority = "medium"
	PriorityLow    Priority = "low"
)

// Rank maps a priority to its drain order; lower drains first.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	default:
		return 2
	}
}

// OfflineItem is one deferred operation, persisted across restarts.
type OfflineItem struct {
	ID         string          `json:"id"`
	Op         OperationType   `json:"op"`
	Payload    json.RawMessage `json:"payload"`
	Priority   Priority        `json:"priority"`
	RetryCount int             `json:"retry_count"`
	MaxRetries int             `json:"max_retries"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}
