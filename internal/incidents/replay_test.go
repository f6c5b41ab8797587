package incidents

import (
	"testing"
	"time"

	"github.com/bissquit/incident-engine/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func creationRecord() *domain.EventRecord {
	return &domain.EventRecord{
		IncidentID: "inc-1",
		EventSeq:   1,
		EventType:  domain.EventTypeIncidentCreated,
		ToState:    domain.StateCreated,
		Actor:      "alice",
		Decision:   creationDecision,
		Timestamp:  t0,
		Metadata: map[string]string{
			domain.MetaTimelineEntryID: "tl-1",
			domain.MetaService:         "payment-service",
			domain.MetaSeverity:        "SEV2",
			domain.MetaTitle:           "Checkout errors",
			domain.MetaDescription:     "",
		},
	}
}

func transitionRecord(seq int64, eventType domain.EventType, from, to domain.State) *domain.EventRecord {
	return &domain.EventRecord{
		IncidentID: "inc-1",
		EventSeq:   seq,
		EventType:  eventType,
		FromState:  from,
		ToState:    to,
		Actor:      "bob",
		Decision:   "step",
		Timestamp:  t0.Add(time.Duration(seq) * time.Minute),
		Metadata:   map[string]string{domain.MetaTimelineEntryID: "tl-x"},
	}
}

func TestApplyEvent_Creation(t *testing.T) {
	inc, err := ApplyEvent(nil, creationRecord())
	require.NoError(t, err)

	assert.Equal(t, "inc-1", inc.ID)
	assert.Equal(t, domain.StateCreated, inc.State)
	assert.EqualValues(t, 1, inc.Version)
	assert.EqualValues(t, 1, inc.EventSeq)
	assert.Equal(t, "payment-service", inc.Service)
	assert.Equal(t, domain.SeveritySEV2, inc.Severity)
	assert.Equal(t, "alice", inc.CreatedBy)
	require.Len(t, inc.Timeline, 1)
	assert.Equal(t, "tl-1", inc.Timeline[0].ID)
}

func TestApplyEvent_DoesNotMutateInput(t *testing.T) {
	inc, err := ApplyEvent(nil, creationRecord())
	require.NoError(t, err)

	next, err := ApplyEvent(inc, transitionRecord(2, domain.EventTypeStateTransitioned, domain.StateCreated, domain.StateAnalyzing))
	require.NoError(t, err)

	assert.Equal(t, domain.StateCreated, inc.State)
	assert.Len(t, inc.Timeline, 1)
	assert.Equal(t, domain.StateAnalyzing, next.State)
	assert.EqualValues(t, 2, next.Version)
	assert.Len(t, next.Timeline, 2)
}

func TestApplyEvent_Approval(t *testing.T) {
	inc, err := ApplyEvent(nil, creationRecord())
	require.NoError(t, err)
	for seq, step := range []struct{ from, to domain.State }{
		{domain.StateCreated, domain.StateAnalyzing},
		{domain.StateAnalyzing, domain.StateDecided},
		{domain.StateDecided, domain.StateWaitingForHuman},
	} {
		inc, err = ApplyEvent(inc, transitionRecord(int64(seq+2), domain.EventTypeStateTransitioned, step.from, step.to))
		require.NoError(t, err)
	}

	ev := transitionRecord(5, domain.EventTypeIncidentApproved, domain.StateWaitingForHuman, domain.StateClosed)
	res := &domain.Resolution{Summary: "fixed", ResolvedBy: "bob", ResolvedAt: ev.Timestamp}
	for k, v := range resolutionMetadata(res) {
		ev.Metadata[k] = v
	}

	closed, err := ApplyEvent(inc, ev)
	require.NoError(t, err)
	assert.Equal(t, domain.StateClosed, closed.State)
	require.NotNil(t, closed.Resolution)
	assert.Equal(t, "fixed", closed.Resolution.Summary)
	assert.True(t, closed.Resolution.ResolvedAt.Equal(ev.Timestamp))
}

func TestApplyEvent_Rejections(t *testing.T) {
	created, err := ApplyEvent(nil, creationRecord())
	require.NoError(t, err)

	waiting := created.Clone()
	waiting.State = domain.StateWaitingForHuman

	tests := []struct {
		name    string
		current *domain.Incident
		ev      *domain.EventRecord
	}{
		{"transition before creation", nil, transitionRecord(2, domain.EventTypeStateTransitioned, domain.StateCreated, domain.StateAnalyzing)},
		{"second creation", created, creationRecord()},
		{"skipped step", created, transitionRecord(2, domain.EventTypeStateTransitioned, domain.StateCreated, domain.StateClosed)},
		{"wrong from state", created, transitionRecord(2, domain.EventTypeStateTransitioned, domain.StateAnalyzing, domain.StateDecided)},
		{"sequence gap", created, transitionRecord(3, domain.EventTypeStateTransitioned, domain.StateCreated, domain.StateAnalyzing)},
		{"plain transition out of waiting", waiting, transitionRecord(2, domain.EventTypeStateTransitioned, domain.StateWaitingForHuman, domain.StateAnalyzing)},
		{"approval into analyzing", waiting, transitionRecord(2, domain.EventTypeIncidentApproved, domain.StateWaitingForHuman, domain.StateAnalyzing)},
		{"unknown type", created, transitionRecord(2, "INCIDENT_PAUSED", domain.StateCreated, domain.StateAnalyzing)},
		{"missing timeline id", created, &domain.EventRecord{IncidentID: "inc-1", EventSeq: 2, EventType: domain.EventTypeStateTransitioned, FromState: domain.StateCreated, ToState: domain.StateAnalyzing}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ApplyEvent(tt.current, tt.ev)
			assert.Error(t, err)
		})
	}
}

func TestFold_ChecksHashes(t *testing.T) {
	first := creationRecord()
	inc, err := ApplyEvent(nil, first)
	require.NoError(t, err)
	first.StateHashAfter = Digest(inc)

	second := transitionRecord(2, domain.EventTypeStateTransitioned, domain.StateCreated, domain.StateAnalyzing)
	next, err := ApplyEvent(inc, second)
	require.NoError(t, err)
	second.StateHashAfter = Digest(next)

	final, err := fold("inc-1", []*domain.EventRecord{first, second})
	require.NoError(t, err)
	assert.Equal(t, Digest(next), Digest(final))

	second.StateHashAfter = "0000"
	_, err = fold("inc-1", []*domain.EventRecord{first, second})
	var integrity *ReplayIntegrityError
	require.ErrorAs(t, err, &integrity)
	assert.EqualValues(t, 2, integrity.EventSeq)
	assert.Equal(t, "0000", integrity.Expected)
}
