// Package memory provides in-process incident and event stores for local
// development and tests. A single mutex stands in for the atomicity of the
// backend's conditional writes and transactions.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/bissquit/incident-engine/internal/domain"
	"github.com/bissquit/incident-engine/internal/incidents"
)

// Repository implements incidents.IncidentRepository and incidents.EventRepository.
type Repository struct {
	mu        sync.RWMutex
	incidents map[string]*domain.Incident
	events    map[string][]*domain.EventRecord
}

// NewRepository creates an empty repository.
func NewRepository() *Repository {
	return &Repository{
		incidents: make(map[string]*domain.Incident),
		events:    make(map[string][]*domain.EventRecord),
	}
}

// CreateIncident stores the incident at version 1 together with its first event.
func (r *Repository) CreateIncident(_ context.Context, inc *domain.Incident, build incidents.EventBuilder) (*domain.Incident, *domain.EventRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.incidents[inc.ID]; ok {
		return nil, nil, incidents.ErrIncidentExists
	}

	stored := inc.Clone()
	stored.Version = 1
	stored.EventSeq = 1

	ev, err := r.appendEvent(stored, build)
	if err != nil {
		return nil, nil, err
	}

	r.incidents[stored.ID] = stored
	return stored.Clone(), copyEvent(ev), nil
}

// Transition applies the change if version and state still match.
func (r *Repository) Transition(_ context.Context, p incidents.TransitionParams, build incidents.EventBuilder) (*domain.Incident, *domain.EventRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.incidents[p.IncidentID]
	if !ok {
		return nil, nil, incidents.ErrIncidentNotFound
	}
	if cur.Version != p.ExpectedVersion || cur.State != p.ExpectedState {
		return nil, nil, &incidents.ConflictError{
			IncidentID:      p.IncidentID,
			ExpectedVersion: p.ExpectedVersion,
			ActualVersion:   cur.Version,
		}
	}
	if p.Resolution != nil && cur.Resolution != nil {
		return nil, nil, incidents.ErrResolutionAlreadySet
	}

	next := cur.Clone()
	next.State = p.NewState
	next.Version++
	next.EventSeq++
	next.Timeline = append(next.Timeline, p.Entry)
	next.UpdatedAt = p.Now
	if p.Resolution != nil {
		res := *p.Resolution
		next.Resolution = &res
	}

	ev, err := r.appendEvent(next, build)
	if err != nil {
		return nil, nil, err
	}

	r.incidents[next.ID] = next
	return next.Clone(), copyEvent(ev), nil
}

// appendEvent builds the event from the pending row and stores it if its slot is free.
// Caller holds the write lock; nothing is stored when an error is returned.
func (r *Repository) appendEvent(stored *domain.Incident, build incidents.EventBuilder) (*domain.EventRecord, error) {
	ev, err := build(stored.Clone())
	if err != nil {
		return nil, err
	}

	for _, existing := range r.events[ev.IncidentID] {
		if existing.EventSeq == ev.EventSeq {
			return nil, incidents.ErrEventSequenceCollision
		}
	}

	ev = copyEvent(ev)
	r.events[ev.IncidentID] = append(r.events[ev.IncidentID], ev)
	return ev, nil
}

// GetIncident retrieves an incident by ID.
func (r *Repository) GetIncident(_ context.Context, id string) (*domain.Incident, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	inc, ok := r.incidents[id]
	if !ok {
		return nil, incidents.ErrIncidentNotFound
	}
	return inc.Clone(), nil
}

// ListIncidents returns matching incidents, newest first.
func (r *Repository) ListIncidents(_ context.Context, filter incidents.IncidentFilter) ([]*domain.Incident, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	list := make([]*domain.Incident, 0)
	for _, inc := range r.incidents {
		if filter.State != nil && inc.State != *filter.State {
			continue
		}
		if filter.Service != nil && inc.Service != *filter.Service {
			continue
		}
		if filter.After != nil && !listedAfter(inc, filter.After) {
			continue
		}
		list = append(list, inc.Clone())
	}

	sort.Slice(list, func(i, j int) bool {
		if list[i].CreatedAt.Equal(list[j].CreatedAt) {
			return list[i].ID > list[j].ID
		}
		return list[i].CreatedAt.After(list[j].CreatedAt)
	})

	if filter.Limit > 0 && len(list) > filter.Limit {
		list = list[:filter.Limit]
	}
	return list, nil
}

func listedAfter(inc *domain.Incident, c *incidents.ListCursor) bool {
	if inc.CreatedAt.Equal(c.CreatedAt) {
		return inc.ID < c.ID
	}
	return inc.CreatedAt.Before(c.CreatedAt)
}

// ListEvents returns the incident's events in sequence order.
func (r *Repository) ListEvents(_ context.Context, incidentID string) ([]*domain.EventRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	src := r.events[incidentID]
	out := make([]*domain.EventRecord, len(src))
	for i, ev := range src {
		out[i] = copyEvent(ev)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EventSeq < out[j].EventSeq })
	return out, nil
}

func copyEvent(ev *domain.EventRecord) *domain.EventRecord {
	c := *ev
	if ev.Metadata != nil {
		c.Metadata = make(map[string]string, len(ev.Metadata))
		for k, v := range ev.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}
