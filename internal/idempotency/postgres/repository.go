// Package postgres provides PostgreSQL implementation of the idempotency repository.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/bissquit/incident-engine/internal/domain"
	"github.com/bissquit/incident-engine/internal/idempotency"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository implements idempotency.Repository using PostgreSQL.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// Create inserts a record unless the key already exists.
func (r *Repository) Create(ctx context.Context, rec *domain.IdempotencyRecord) error {
	query := `
		INSERT INTO idempotency_records (key, request_hash, status, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (key) DO NOTHING
	`
	tag, err := r.db.Exec(ctx, query, rec.Key, rec.RequestHash, rec.Status, rec.CreatedBy, rec.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert idempotency record: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return idempotency.ErrRecordExists
	}
	return nil
}

// Get retrieves a record by key.
func (r *Repository) Get(ctx context.Context, key string) (*domain.IdempotencyRecord, error) {
	query := `
		SELECT key, request_hash, status, COALESCE(incident_id::text, ''), response,
		       created_by, created_at, completed_at
		FROM idempotency_records
		WHERE key = $1
	`
	var rec domain.IdempotencyRecord
	var response []byte
	err := r.db.QueryRow(ctx, query, key).Scan(
		&rec.Key,
		&rec.RequestHash,
		&rec.Status,
		&rec.IncidentID,
		&response,
		&rec.CreatedBy,
		&rec.CreatedAt,
		&rec.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, idempotency.ErrRecordNotFound
		}
		return nil, fmt.Errorf("get idempotency record: %w", err)
	}
	if len(response) > 0 {
		rec.Response = json.RawMessage(response)
	}
	return &rec, nil
}

// Complete marks an in-progress record as completed.
func (r *Repository) Complete(ctx context.Context, key, incidentID string, response json.RawMessage, completedAt time.Time) error {
	query := `
		UPDATE idempotency_records
		SET status = $2, incident_id = $3, response = $4, completed_at = $5
		WHERE key = $1 AND status = $6
	`
	tag, err := r.db.Exec(ctx, query,
		key,
		domain.IdempotencyStatusCompleted,
		incidentID,
		[]byte(response),
		completedAt,
		domain.IdempotencyStatusInProgress,
	)
	if err != nil {
		return fmt.Errorf("complete idempotency record: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	// either already completed or gone
	if _, err := r.Get(ctx, key); err != nil {
		return err
	}
	return nil
}

// Release deletes the record if it has not completed.
func (r *Repository) Release(ctx context.Context, key string) error {
	query := `DELETE FROM idempotency_records WHERE key = $1 AND status = $2`
	if _, err := r.db.Exec(ctx, query, key, domain.IdempotencyStatusInProgress); err != nil {
		return fmt.Errorf("release idempotency record: %w", err)
	}
	return nil
}
