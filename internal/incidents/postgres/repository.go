// Package postgres provides PostgreSQL implementation of the incident and event stores.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/bissquit/incident-engine/internal/domain"
	"github.com/bissquit/incident-engine/internal/incidents"
	pgutil "github.com/bissquit/incident-engine/internal/pkg/postgres"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// querier is an interface for database operations that both *pgxpool.Pool and pgx.Tx implement.
type querier interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const incidentColumns = `
	id, state, version, event_seq, service, severity, title, description,
	created_by, timeline, resolution, created_at, updated_at
`

// Repository implements incidents.IncidentRepository and incidents.EventRepository.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new PostgreSQL repository.
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// CreateIncident inserts the incident at version 1 and its creation event in one transaction.
func (r *Repository) CreateIncident(ctx context.Context, inc *domain.Incident, build incidents.EventBuilder) (*domain.Incident, *domain.EventRecord, error) {
	timeline, err := json.Marshal(inc.Timeline)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal timeline: %w", err)
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			slog.Error("failed to rollback transaction", "error", err)
		}
	}()

	query := `
		INSERT INTO incidents (
			id, state, version, event_seq, service, severity, title, description,
			created_by, timeline, resolution, created_at, updated_at
		) VALUES ($1, $2, 1, 1, $3, $4, $5, $6, $7, $8::jsonb, NULL, $9, $10)
		ON CONFLICT (id) DO NOTHING
		RETURNING ` + incidentColumns

	stored, err := scanIncident(tx.QueryRow(ctx, query,
		inc.ID,
		inc.State,
		inc.Service,
		inc.Severity,
		inc.Title,
		inc.Description,
		inc.CreatedBy,
		string(timeline),
		inc.CreatedAt,
		inc.UpdatedAt,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, incidents.ErrIncidentExists
		}
		return nil, nil, fmt.Errorf("insert incident: %w", err)
	}

	ev, err := appendEvent(ctx, tx, stored, build)
	if err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("commit transaction: %w", err)
	}
	return stored, ev, nil
}

// Transition performs the guarded update and appends the event in one transaction.
func (r *Repository) Transition(ctx context.Context, p incidents.TransitionParams, build incidents.EventBuilder) (*domain.Incident, *domain.EventRecord, error) {
	entry, err := json.Marshal(p.Entry)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal timeline entry: %w", err)
	}

	var resolution *string
	if p.Resolution != nil {
		data, err := json.Marshal(p.Resolution)
		if err != nil {
			return nil, nil, fmt.Errorf("marshal resolution: %w", err)
		}
		s := string(data)
		resolution = &s
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
			slog.Error("failed to rollback transaction", "error", err)
		}
	}()

	query := `
		UPDATE incidents
		SET state = $4,
		    version = version + 1,
		    event_seq = event_seq + 1,
		    timeline = timeline || jsonb_build_array($5::jsonb),
		    resolution = COALESCE($6::jsonb, resolution),
		    updated_at = $7
		WHERE id = $1 AND version = $2 AND state = $3
		  AND ($6::jsonb IS NULL OR resolution IS NULL)
		RETURNING ` + incidentColumns

	stored, err := scanIncident(tx.QueryRow(ctx, query,
		p.IncidentID,
		p.ExpectedVersion,
		p.ExpectedState,
		p.NewState,
		string(entry),
		resolution,
		p.Now,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, r.diagnoseGuardFailure(ctx, tx, p)
		}
		return nil, nil, fmt.Errorf("update incident: %w", err)
	}

	ev, err := appendEvent(ctx, tx, stored, build)
	if err != nil {
		return nil, nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, nil, fmt.Errorf("commit transaction: %w", err)
	}
	return stored, ev, nil
}

// diagnoseGuardFailure explains why the conditional update matched no row.
// The values read here are for the error only; they never drive a retry.
func (r *Repository) diagnoseGuardFailure(ctx context.Context, q querier, p incidents.TransitionParams) error {
	var version int64
	var state domain.State
	var resolved bool
	err := q.QueryRow(ctx,
		`SELECT version, state, resolution IS NOT NULL FROM incidents WHERE id = $1`,
		p.IncidentID,
	).Scan(&version, &state, &resolved)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return incidents.ErrIncidentNotFound
		}
		return fmt.Errorf("read incident after failed update: %w", err)
	}

	if version == p.ExpectedVersion && state == p.ExpectedState && resolved && p.Resolution != nil {
		return incidents.ErrResolutionAlreadySet
	}
	return &incidents.ConflictError{
		IncidentID:      p.IncidentID,
		ExpectedVersion: p.ExpectedVersion,
		ActualVersion:   version,
	}
}

// appendEvent builds the event from the stored row and inserts it into its
// (incident_id, event_seq) slot.
func appendEvent(ctx context.Context, q querier, stored *domain.Incident, build incidents.EventBuilder) (*domain.EventRecord, error) {
	ev, err := build(stored.Clone())
	if err != nil {
		return nil, fmt.Errorf("build event: %w", err)
	}

	metadata, err := json.Marshal(ev.Metadata)
	if err != nil {
		return nil, fmt.Errorf("marshal event metadata: %w", err)
	}

	query := `
		INSERT INTO incident_events (
			incident_id, event_seq, event_type, from_state, to_state,
			actor, decision, occurred_at, state_hash_after, metadata
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::jsonb)
	`
	_, err = q.Exec(ctx, query,
		ev.IncidentID,
		ev.EventSeq,
		ev.EventType,
		nullableState(ev.FromState),
		ev.ToState,
		ev.Actor,
		ev.Decision,
		ev.Timestamp,
		ev.StateHashAfter,
		string(metadata),
	)
	if err != nil {
		if pgutil.IsUniqueViolation(err) {
			return nil, fmt.Errorf("%w: incident %s event %d", incidents.ErrEventSequenceCollision, ev.IncidentID, ev.EventSeq)
		}
		return nil, fmt.Errorf("insert event: %w", err)
	}
	return ev, nil
}

// GetIncident retrieves an incident by ID.
func (r *Repository) GetIncident(ctx context.Context, id string) (*domain.Incident, error) {
	query := `SELECT ` + incidentColumns + ` FROM incidents WHERE id = $1`

	inc, err := scanIncident(r.db.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, incidents.ErrIncidentNotFound
		}
		if pgutil.IsInvalidText(err) {
			return nil, incidents.ErrIncidentNotFound
		}
		return nil, fmt.Errorf("get incident: %w", err)
	}
	return inc, nil
}

// ListIncidents retrieves incidents with optional filters.
func (r *Repository) ListIncidents(ctx context.Context, filter incidents.IncidentFilter) ([]*domain.Incident, error) {
	query := `SELECT ` + incidentColumns + ` FROM incidents WHERE 1=1`
	args := []interface{}{}
	argNum := 1

	if filter.State != nil {
		query += fmt.Sprintf(" AND state = $%d", argNum)
		args = append(args, *filter.State)
		argNum++
	}

	if filter.Service != nil {
		query += fmt.Sprintf(" AND service = $%d", argNum)
		args = append(args, *filter.Service)
		argNum++
	}

	if filter.After != nil {
		query += fmt.Sprintf(" AND (created_at, id) < ($%d::timestamptz, $%d::uuid)", argNum, argNum+1)
		args = append(args, filter.After.CreatedAt, filter.After.ID)
		argNum += 2
	}

	query += " ORDER BY created_at DESC, id DESC"

	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argNum)
		args = append(args, filter.Limit)
	}

	rows, err := r.db.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list incidents: %w", err)
	}
	defer rows.Close()

	list := make([]*domain.Incident, 0)
	for rows.Next() {
		inc, err := scanIncident(rows)
		if err != nil {
			return nil, fmt.Errorf("scan incident: %w", err)
		}
		list = append(list, inc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate incidents: %w", err)
	}

	return list, nil
}

// ListEvents returns the incident's events ordered by sequence number.
func (r *Repository) ListEvents(ctx context.Context, incidentID string) ([]*domain.EventRecord, error) {
	query := `
		SELECT incident_id, event_seq, event_type, COALESCE(from_state, ''), to_state,
		       actor, decision, occurred_at, state_hash_after, metadata
		FROM incident_events
		WHERE incident_id = $1
		ORDER BY event_seq
	`
	rows, err := r.db.Query(ctx, query, incidentID)
	if err != nil {
		if pgutil.IsInvalidText(err) {
			return []*domain.EventRecord{}, nil
		}
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	list := make([]*domain.EventRecord, 0)
	for rows.Next() {
		var ev domain.EventRecord
		var metadata []byte
		if err := rows.Scan(
			&ev.IncidentID,
			&ev.EventSeq,
			&ev.EventType,
			&ev.FromState,
			&ev.ToState,
			&ev.Actor,
			&ev.Decision,
			&ev.Timestamp,
			&ev.StateHashAfter,
			&metadata,
		); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		if err := json.Unmarshal(metadata, &ev.Metadata); err != nil {
			return nil, fmt.Errorf("decode event metadata: %w", err)
		}
		ev.Timestamp = ev.Timestamp.UTC()
		list = append(list, &ev)
	}
	if err := rows.Err(); err != nil {
		if pgutil.IsInvalidText(err) {
			return []*domain.EventRecord{}, nil
		}
		return nil, fmt.Errorf("iterate events: %w", err)
	}

	return list, nil
}

func scanIncident(row pgx.Row) (*domain.Incident, error) {
	var inc domain.Incident
	var timeline, resolution []byte
	err := row.Scan(
		&inc.ID,
		&inc.State,
		&inc.Version,
		&inc.EventSeq,
		&inc.Service,
		&inc.Severity,
		&inc.Title,
		&inc.Description,
		&inc.CreatedBy,
		&timeline,
		&resolution,
		&inc.CreatedAt,
		&inc.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if err := json.Unmarshal(timeline, &inc.Timeline); err != nil {
		return nil, fmt.Errorf("decode timeline: %w", err)
	}
	for i := range inc.Timeline {
		inc.Timeline[i].Timestamp = inc.Timeline[i].Timestamp.UTC()
	}
	if len(resolution) > 0 {
		var res domain.Resolution
		if err := json.Unmarshal(resolution, &res); err != nil {
			return nil, fmt.Errorf("decode resolution: %w", err)
		}
		res.ResolvedAt = res.ResolvedAt.UTC()
		inc.Resolution = &res
	}
	inc.CreatedAt = inc.CreatedAt.UTC()
	inc.UpdatedAt = inc.UpdatedAt.UTC()

	return &inc, nil
}

func nullableState(s domain.State) *domain.State {
	if s == "" {
		return nil
	}
	return &s
}
