// Package idempotency guarantees that a logical request executes its side effects once.
package idempotency

import (
	"context"
	"encoding/json"
	"time"

	"github.com/bissquit/incident-engine/internal/domain"
)

// Repository defines the storage operations the coordinator relies on.
// Every write is conditional; implementations must not overwrite existing records.
type Repository interface {
	// Create stores rec only if no record exists for rec.Key.
	// Returns ErrRecordExists when the key is taken.
	Create(ctx context.Context, rec *domain.IdempotencyRecord) error

	// Get returns the record for key or ErrRecordNotFound.
	Get(ctx context.Context, key string) (*domain.IdempotencyRecord, error)

	// Complete moves an IN_PROGRESS record to COMPLETED.
	// Completing an already completed record is a no-op.
	Complete(ctx context.Context, key, incidentID string, response json.RawMessage, completedAt time.Time) error

	// Release deletes the record only while it is still IN_PROGRESS.
	Release(ctx context.Context, key string) error
}
