package incidents

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"

	"github.com/bissquit/incident-engine/internal/domain"
)

const stateDigestDomain = "incident-engine/incident-state/v1"

// Canonical views fix field order and timestamp encoding so that a stored
// incident and a replayed one hash identically.
type digestTimelineEntry struct {
	ID        string `json:"id"`
	FromState string `json:"from_state"`
	ToState   string `json:"to_state"`
	Actor     string `json:"actor"`
	Reason    string `json:"reason"`
	Timestamp string `json:"timestamp"`
}

type digestResolution struct {
	Summary    string `json:"summary"`
	ResolvedBy string `json:"resolved_by"`
	ResolvedAt string `json:"resolved_at"`
}

type digestIncident struct {
	ID          string                `json:"id"`
	State       string                `json:"state"`
	Version     int64                 `json:"version"`
	EventSeq    int64                 `json:"event_seq"`
	Service     string                `json:"service"`
	Severity    string                `json:"severity"`
	Title       string                `json:"title"`
	Description string                `json:"description"`
	CreatedBy   string                `json:"created_by"`
	Timeline    []digestTimelineEntry `json:"timeline"`
	Resolution  *digestResolution     `json:"resolution"`
	CreatedAt   string                `json:"created_at"`
	UpdatedAt   string                `json:"updated_at"`
}

// NormalizeTime returns t in UTC at the precision the store keeps.
func NormalizeTime(t time.Time) time.Time {
	return t.UTC().Truncate(time.Microsecond)
}

func canonicalTime(t time.Time) string {
	return NormalizeTime(t).Format(time.RFC3339Nano)
}

// Digest returns the hex SHA-256 of the incident's canonical form.
func Digest(inc *domain.Incident) string {
	view := digestIncident{
		ID:          inc.ID,
		State:       string(inc.State),
		Version:     inc.Version,
		EventSeq:    inc.EventSeq,
		Service:     inc.Service,
		Severity:    string(inc.Severity),
		Title:       inc.Title,
		Description: inc.Description,
		CreatedBy:   inc.CreatedBy,
		Timeline:    make([]digestTimelineEntry, len(inc.Timeline)),
		CreatedAt:   canonicalTime(inc.CreatedAt),
		UpdatedAt:   canonicalTime(inc.UpdatedAt),
	}
	for i, e := range inc.Timeline {
		view.Timeline[i] = digestTimelineEntry{
			ID:        e.ID,
			FromState: string(e.FromState),
			ToState:   string(e.ToState),
			Actor:     e.Actor,
			Reason:    e.Reason,
			Timestamp: canonicalTime(e.Timestamp),
		}
	}
	if inc.Resolution != nil {
		view.Resolution = &digestResolution{
			Summary:    inc.Resolution.Summary,
			ResolvedBy: inc.Resolution.ResolvedBy,
			ResolvedAt: canonicalTime(inc.Resolution.ResolvedAt),
		}
	}

	// only strings, ints and slices of them: Marshal cannot fail
	data, _ := json.Marshal(view)

	h := sha256.New()
	h.Write([]byte(stateDigestDomain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}
