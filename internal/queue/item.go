package queue

import (
	"time"

	"github.com/snapexpense/snapexpense/internal/normalize"
)

// Status is a queue item's position in its lifecycle.
type Status string

const (
	// StatusPending items are awaiting dispatch (or re-dispatch).
	StatusPending Status = "pending"
	// StatusProcessing items have an extraction attempt in flight.
	StatusProcessing Status = "processing"
	// StatusCompleted items hold a candidate awaiting verification.
	StatusCompleted Status = "completed"
	// StatusFailed items hold a terminal error awaiting retry/discard.
	StatusFailed Status = "failed"
)

// Priority affects dispatch ordering, not correctness.
type Priority string

const (
	PriorityImmediate  Priority = "immediate"
	PriorityBackground Priority = "background"
)

// ValidPriority reports whether p is a known priority value.
func ValidPriority(p Priority) bool {
	return p == PriorityImmediate || p == PriorityBackground
}

// ItemError is a classified, user-presentable failure recorded on a
// failed item.
type ItemError struct {
	Kind    string `json:"kind"`
	Message string `json:"message"`
}

// Item is one receipt capture's unit of work through the pipeline.
// Exactly one of Result/Error is set when the status is terminal;
// neither is set while pending or processing. Items are mutated only by
// the queue's transition functions.
type Item struct {
	ID        string               `json:"id"`
	ImageURI  string               `json:"image_uri"`
	Provider  string               `json:"provider"`
	Priority  Priority             `json:"priority"`
	Status    Status               `json:"status"`
	Result    *normalize.Candidate `json:"result,omitempty"`
	Error     *ItemError           `json:"error,omitempty"`
	Attempts  int                  `json:"attempts"`
	CreatedAt time.Time            `json:"created_at"`
	UpdatedAt time.Time            `json:"updated_at"`
}

// Terminal reports whether the item has finished processing.
func (i *Item) Terminal() bool {
	return i.Status == StatusCompleted || i.Status == StatusFailed
}
