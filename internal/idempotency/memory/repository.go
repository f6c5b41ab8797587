// Package memory provides an in-process idempotency repository.
package memory

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/bissquit/incident-engine/internal/domain"
	"github.com/bissquit/incident-engine/internal/idempotency"
)

// Repository implements idempotency.Repository in memory.
type Repository struct {
	mu      sync.Mutex
	records map[string]*domain.IdempotencyRecord
}

// NewRepository creates an empty repository.
func NewRepository() *Repository {
	return &Repository{records: make(map[string]*domain.IdempotencyRecord)}
}

func (r *Repository) Create(_ context.Context, rec *domain.IdempotencyRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.records[rec.Key]; ok {
		return idempotency.ErrRecordExists
	}
	r.records[rec.Key] = copyRecord(rec)
	return nil
}

func (r *Repository) Get(_ context.Context, key string) (*domain.IdempotencyRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[key]
	if !ok {
		return nil, idempotency.ErrRecordNotFound
	}
	return copyRecord(rec), nil
}

func (r *Repository) Complete(_ context.Context, key, incidentID string, response json.RawMessage, completedAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, ok := r.records[key]
	if !ok {
		return idempotency.ErrRecordNotFound
	}
	if rec.IsCompleted() {
		return nil
	}

	rec.Status = domain.IdempotencyStatusCompleted
	rec.IncidentID = incidentID
	rec.Response = append(json.RawMessage(nil), response...)
	rec.CompletedAt = &completedAt
	return nil
}

func (r *Repository) Release(_ context.Context, key string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if rec, ok := r.records[key]; ok && !rec.IsCompleted() {
		delete(r.records, key)
	}
	return nil
}

func copyRecord(rec *domain.IdempotencyRecord) *domain.IdempotencyRecord {
	c := *rec
	if rec.Response != nil {
		c.Response = append(json.RawMessage(nil), rec.Response...)
	}
	if rec.CompletedAt != nil {
		t := *rec.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
