// Package audit fans committed incident facts out to an event bus.
// Publishing is best effort: the event store remains the source of truth.
package audit

import (
	"strings"
	"time"

	"github.com/bissquit/incident-engine/internal/domain"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Fact is a committed event announced to observers.
type Fact struct {
	IncidentID     string            `json:"incident_id"`
	EventSeq       int64             `json:"event_seq"`
	EventType      domain.EventType  `json:"event_type"`
	FromState      domain.State      `json:"from_state,omitempty"`
	ToState        domain.State      `json:"to_state"`
	Actor          string            `json:"actor"`
	Decision       string            `json:"decision"`
	StateHashAfter string            `json:"state_hash_after"`
	Metadata       map[string]string `json:"metadata,omitempty"`
	Timestamp      time.Time         `json:"timestamp"`
}

// FactFromEvent builds a fact from a stored event record.
func FactFromEvent(ev *domain.EventRecord) Fact {
	return Fact{
		IncidentID:     ev.IncidentID,
		EventSeq:       ev.EventSeq,
		EventType:      ev.EventType,
		FromState:      ev.FromState,
		ToState:        ev.ToState,
		Actor:          ev.Actor,
		Decision:       ev.Decision,
		StateHashAfter: ev.StateHashAfter,
		Metadata:       ev.Metadata,
		Timestamp:      ev.Timestamp,
	}
}

var titleCaser = cases.Title(language.English)

// DetailType renders an event type for bus consumers: INCIDENT_CREATED -> "Incident Created".
func DetailType(t domain.EventType) string {
	return titleCaser.String(strings.ReplaceAll(strings.ToLower(string(t)), "_", " "))
}
