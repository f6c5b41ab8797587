package memory

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/bissquit/incident-engine/internal/domain"
	"github.com/bissquit/incident-engine/internal/incidents"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func creationEvent(stored *domain.Incident) (*domain.EventRecord, error) {
	return &domain.EventRecord{
		IncidentID: stored.ID,
		EventSeq:   stored.EventSeq,
		EventType:  domain.EventTypeIncidentCreated,
		ToState:    stored.State,
		Timestamp:  stored.CreatedAt,
	}, nil
}

func TestListIncidents_CursorWalksEveryIncidentOnce(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository()

	// two incidents share each timestamp so the id breaks ties
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 9; i++ {
		at := base.Add(time.Duration(i/2) * time.Second)
		_, _, err := repo.CreateIncident(ctx, &domain.Incident{
			ID:        fmt.Sprintf("inc-%02d", i),
			State:     domain.StateCreated,
			CreatedAt: at,
			UpdatedAt: at,
		}, creationEvent)
		require.NoError(t, err)
	}

	var seen []string
	filter := incidents.IncidentFilter{Limit: 2}
	for {
		page, err := repo.ListIncidents(ctx, filter)
		require.NoError(t, err)
		for _, inc := range page {
			seen = append(seen, inc.ID)
		}
		if len(page) < filter.Limit {
			break
		}
		filter.After = incidents.CursorOf(page[len(page)-1])
	}

	assert.Equal(t, []string{
		"inc-08", "inc-07", "inc-06", "inc-05", "inc-04",
		"inc-03", "inc-02", "inc-01", "inc-00",
	}, seen)
}
