package domain

import "time"

// EventType represents the kind of fact recorded in the event log.
type EventType string

// Event types.
const (
	EventTypeIncidentCreated   EventType = "INCIDENT_CREATED"
	EventTypeStateTransitioned EventType = "STATE_TRANSITIONED"
	EventTypeIncidentApproved  EventType = "INCIDENT_APPROVED"
	EventTypeIncidentRejected  EventType = "INCIDENT_REJECTED"
)

// IsValid checks if the event type is valid.
func (t EventType) IsValid() bool {
	switch t {
	case EventTypeIncidentCreated, EventTypeStateTransitioned,
		EventTypeIncidentApproved, EventTypeIncidentRejected:
		return true
	}
	return false
}

// Metadata keys carried by event records.
const (
	MetaTimelineEntryID = "timeline_entry_id"
	MetaService         = "service"
	MetaSeverity        = "severity"
	MetaTitle           = "title"
	MetaDescription     = "description"
	MetaResolvedBy      = "resolved_by"
	MetaResolvedAt      = "resolved_at"
	MetaResolution      = "resolution_summary"
)

// EventRecord is an immutable fact in an incident's history.
// Records are identified by (IncidentID, EventSeq) and form a contiguous
// sequence starting at 1.
type EventRecord struct {
	IncidentID     string            `json:"incident_id"`
	EventSeq       int64             `json:"event_seq"`
	EventType      EventType         `json:"event_type"`
	FromState      State             `json:"from_state,omitempty"`
	ToState        State             `json:"to_state"`
	Actor          string            `json:"actor"`
	Decision       string            `json:"decision"`
	Timestamp      time.Time         `json:"timestamp"`
	StateHashAfter string            `json:"state_hash_after"`
	Metadata       map[string]string `json:"metadata"`
}
