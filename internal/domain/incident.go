// Package domain contains the core types of the incident lifecycle engine.
package domain

import "time"

// State represents the lifecycle state of an incident.
type State string

// Incident states.
const (
	StateCreated         State = "CREATED"
	StateAnalyzing       State = "ANALYZING"
	StateDecided         State = "DECIDED"
	StateWaitingForHuman State = "WAITING_FOR_HUMAN"
	StateClosed          State = "CLOSED"
)

// Severity represents the severity level of an incident.
type Severity string

// Severity levels.
const (
	SeveritySEV1 Severity = "SEV1"
	SeveritySEV2 Severity = "SEV2"
	SeveritySEV3 Severity = "SEV3"
	SeveritySEV4 Severity = "SEV4"
)

// IsValid checks if the severity is valid.
func (s Severity) IsValid() bool {
	switch s {
	case SeveritySEV1, SeveritySEV2, SeveritySEV3, SeveritySEV4:
		return true
	}
	return false
}

// Incident is the materialized incident record.
//
// Version is the optimistic-concurrency token and EventSeq is the number of
// events recorded for the incident. Both are assigned by the store and are
// equal after every accepted mutation.
type Incident struct {
	ID          string          `json:"id"`
	State       State           `json:"state"`
	Version     int64           `json:"version"`
	EventSeq    int64           `json:"event_seq"`
	Service     string          `json:"service"`
	Severity    Severity        `json:"severity"`
	Title       string          `json:"title"`
	Description string          `json:"description"`
	CreatedBy   string          `json:"created_by"`
	Timeline    []TimelineEntry `json:"timeline"`
	Resolution  *Resolution     `json:"resolution,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// TimelineEntry records a single mutation of an incident.
type TimelineEntry struct {
	ID        string    `json:"id"`
	FromState State     `json:"from_state,omitempty"`
	ToState   State     `json:"to_state"`
	Actor     string    `json:"actor"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
}

// Resolution holds the outcome recorded when an incident is approved.
// It is set once and never changed afterwards.
type Resolution struct {
	Summary    string    `json:"summary"`
	ResolvedBy string    `json:"resolved_by"`
	ResolvedAt time.Time `json:"resolved_at"`
}

// IsResolved returns true if the resolution has been recorded.
func (i *Incident) IsResolved() bool {
	return i.Resolution != nil
}

// Clone returns a deep copy of the incident.
func (i *Incident) Clone() *Incident {
	if i == nil {
		return nil
	}
	c := *i
	c.Timeline = append([]TimelineEntry(nil), i.Timeline...)
	if i.Resolution != nil {
		r := *i.Resolution
		c.Resolution = &r
	}
	return &c
}
