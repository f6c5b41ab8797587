package incidents

import (
	"fmt"
	"time"

	"github.com/bissquit/incident-engine/internal/domain"
)

// ReplayResult is the outcome of folding an incident's event log.
type ReplayResult struct {
	Success     bool             `json:"success"`
	EventCount  int              `json:"event_count"`
	FinalState  *domain.Incident `json:"final_state"`
	FinalDigest string           `json:"final_digest"`
}

// ApplyEvent folds one event into the incident state and returns the new state.
// current is nil before the creation event. The input is not modified.
// Legality is checked with the same table live writes use.
func ApplyEvent(current *domain.Incident, ev *domain.EventRecord) (*domain.Incident, error) {
	entryID := ev.Metadata[domain.MetaTimelineEntryID]
	if entryID == "" {
		return nil, fmt.Errorf("event %d has no timeline entry id", ev.EventSeq)
	}

	if ev.EventType == domain.EventTypeIncidentCreated {
		if current != nil {
			return nil, fmt.Errorf("creation event %d on existing incident", ev.EventSeq)
		}
		if ev.EventSeq != 1 || ev.ToState != domain.StateCreated {
			return nil, fmt.Errorf("creation event must be #1 into %s, got #%d into %s",
				domain.StateCreated, ev.EventSeq, ev.ToState)
		}
		return &domain.Incident{
			ID:          ev.IncidentID,
			State:       domain.StateCreated,
			Version:     1,
			EventSeq:    1,
			Service:     ev.Metadata[domain.MetaService],
			Severity:    domain.Severity(ev.Metadata[domain.MetaSeverity]),
			Title:       ev.Metadata[domain.MetaTitle],
			Description: ev.Metadata[domain.MetaDescription],
			CreatedBy:   ev.Actor,
			Timeline: []domain.TimelineEntry{{
				ID:        entryID,
				ToState:   domain.StateCreated,
				Actor:     ev.Actor,
				Reason:    ev.Decision,
				Timestamp: ev.Timestamp,
			}},
			CreatedAt: ev.Timestamp,
			UpdatedAt: ev.Timestamp,
		}, nil
	}

	if current == nil {
		return nil, fmt.Errorf("event %d (%s) before creation", ev.EventSeq, ev.EventType)
	}
	if ev.EventSeq != current.EventSeq+1 {
		return nil, fmt.Errorf("event %d does not follow %d", ev.EventSeq, current.EventSeq)
	}
	if ev.FromState != current.State {
		return nil, fmt.Errorf("event %d starts from %s but incident is %s", ev.EventSeq, ev.FromState, current.State)
	}
	if !domain.IsValidTransition(ev.FromState, ev.ToState) {
		return nil, fmt.Errorf("event %d records illegal transition %s -> %s", ev.EventSeq, ev.FromState, ev.ToState)
	}

	next := current.Clone()

	switch ev.EventType {
	case domain.EventTypeStateTransitioned:
		if ev.FromState.RequiresApproval() {
			return nil, fmt.Errorf("event %d leaves %s without approval", ev.EventSeq, ev.FromState)
		}
	case domain.EventTypeIncidentApproved, domain.EventTypeIncidentRejected:
		action := domain.ApprovalActionReject
		if ev.EventType == domain.EventTypeIncidentApproved {
			action = domain.ApprovalActionApprove
		}
		if !ev.FromState.RequiresApproval() || ev.ToState != action.TargetState() {
			return nil, fmt.Errorf("event %d: %s from %s to %s", ev.EventSeq, ev.EventType, ev.FromState, ev.ToState)
		}
		if action == domain.ApprovalActionApprove {
			if next.Resolution != nil {
				return nil, fmt.Errorf("event %d: %w", ev.EventSeq, ErrResolutionAlreadySet)
			}
			res, err := resolutionFromMetadata(ev)
			if err != nil {
				return nil, err
			}
			next.Resolution = res
		}
	default:
		return nil, fmt.Errorf("event %d has unknown type %q", ev.EventSeq, ev.EventType)
	}

	next.State = ev.ToState
	next.Version++
	next.EventSeq = ev.EventSeq
	next.Timeline = append(next.Timeline, domain.TimelineEntry{
		ID:        entryID,
		FromState: ev.FromState,
		ToState:   ev.ToState,
		Actor:     ev.Actor,
		Reason:    ev.Decision,
		Timestamp: ev.Timestamp,
	})
	next.UpdatedAt = ev.Timestamp

	return next, nil
}

func resolutionFromMetadata(ev *domain.EventRecord) (*domain.Resolution, error) {
	resolvedAt, err := time.Parse(time.RFC3339Nano, ev.Metadata[domain.MetaResolvedAt])
	if err != nil {
		return nil, fmt.Errorf("event %d: parse resolved_at: %w", ev.EventSeq, err)
	}
	return &domain.Resolution{
		Summary:    ev.Metadata[domain.MetaResolution],
		ResolvedBy: ev.Metadata[domain.MetaResolvedBy],
		ResolvedAt: resolvedAt,
	}, nil
}

// resolutionMetadata is the inverse of resolutionFromMetadata.
func resolutionMetadata(res *domain.Resolution) map[string]string {
	return map[string]string{
		domain.MetaResolution: res.Summary,
		domain.MetaResolvedBy: res.ResolvedBy,
		domain.MetaResolvedAt: NormalizeTime(res.ResolvedAt).Format(time.RFC3339Nano),
	}
}

// fold replays events from scratch, checking contiguity and every recorded hash.
func fold(incidentID string, events []*domain.EventRecord) (*domain.Incident, error) {
	var state *domain.Incident
	for i, ev := range events {
		want := int64(i + 1)
		if ev.EventSeq != want {
			return nil, &ReplayIntegrityError{
				IncidentID: incidentID,
				EventSeq:   ev.EventSeq,
				Reason:     "event sequence is not contiguous",
				Expected:   fmt.Sprint(want),
				Actual:     fmt.Sprint(ev.EventSeq),
			}
		}

		next, err := ApplyEvent(state, ev)
		if err != nil {
			return nil, &ReplayIntegrityError{IncidentID: incidentID, EventSeq: ev.EventSeq, Reason: err.Error()}
		}

		if got := Digest(next); got != ev.StateHashAfter {
			return nil, &ReplayIntegrityError{
				IncidentID: incidentID,
				EventSeq:   ev.EventSeq,
				Reason:     "state hash mismatch",
				Expected:   ev.StateHashAfter,
				Actual:     got,
			}
		}
		state = next
	}
	return state, nil
}
