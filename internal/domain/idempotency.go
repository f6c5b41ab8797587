package domain

import (
	"encoding/json"
	"time"
)

// IdempotencyStatus represents the status of an idempotency record.
type IdempotencyStatus string

// Idempotency statuses.
const (
	IdempotencyStatusInProgress IdempotencyStatus = "IN_PROGRESS"
	IdempotencyStatusCompleted  IdempotencyStatus = "COMPLETED"
)

// IdempotencyRecord tracks the execution of one logical request.
// Completed records are permanent and are replayed verbatim.
type IdempotencyRecord struct {
	Key         string            `json:"key"`
	RequestHash string            `json:"request_hash"`
	Status      IdempotencyStatus `json:"status"`
	IncidentID  string            `json:"incident_id,omitempty"`
	Response    json.RawMessage   `json:"response,omitempty"`
	CreatedBy   string            `json:"created_by"`
	CreatedAt   time.Time         `json:"created_at"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// IsCompleted returns true if the request finished and its response was stored.
func (r *IdempotencyRecord) IsCompleted() bool {
	return r.Status == IdempotencyStatusCompleted
}
