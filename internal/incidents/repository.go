package incidents

import (
	"context"
	"time"

	"github.com/bissquit/incident-engine/internal/domain"
)

// EventBuilder produces the event for a mutation from the incident row the
// store just wrote. It runs inside the store transaction, so the event's
// sequence number and state hash come from the stored row, never from a
// counter held in memory.
type EventBuilder func(stored *domain.Incident) (*domain.EventRecord, error)

// TransitionParams describes one conditional state change.
type TransitionParams struct {
	IncidentID      string
	ExpectedVersion int64
	ExpectedState   domain.State
	NewState        domain.State
	Entry           domain.TimelineEntry
	// Resolution is set only by approvals; the store refuses to overwrite an existing one.
	Resolution *domain.Resolution
	Now        time.Time
}

// ListCursor marks a position in list order (created_at DESC, id DESC).
type ListCursor struct {
	CreatedAt time.Time
	ID        string
}

// CursorOf returns the cursor positioned at inc.
func CursorOf(inc *domain.Incident) *ListCursor {
	return &ListCursor{CreatedAt: inc.CreatedAt, ID: inc.ID}
}

// IncidentFilter contains filter parameters for listing incidents.
type IncidentFilter struct {
	State   *domain.State
	Service *string
	Limit   int
	// After restricts the result to incidents listed after the cursor.
	After *ListCursor
}

// IncidentRepository is the state store.
type IncidentRepository interface {
	// CreateIncident stores inc with version and event sequence 1 together with
	// its creation event. Returns ErrIncidentExists if the id is taken.
	CreateIncident(ctx context.Context, inc *domain.Incident, build EventBuilder) (*domain.Incident, *domain.EventRecord, error)

	// Transition applies p only if the stored version and state still match the
	// expectations, and appends the built event in the same transaction.
	// Returns *ConflictError when the guard fails.
	Transition(ctx context.Context, p TransitionParams, build EventBuilder) (*domain.Incident, *domain.EventRecord, error)

	GetIncident(ctx context.Context, id string) (*domain.Incident, error)
	ListIncidents(ctx context.Context, filter IncidentFilter) ([]*domain.Incident, error)
}

// EventRepository reads the event log.
type EventRepository interface {
	// ListEvents returns the incident's events ordered by sequence number.
	ListEvents(ctx context.Context, incidentID string) ([]*domain.EventRecord, error)
}
