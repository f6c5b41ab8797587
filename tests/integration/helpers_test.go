//go:build integration

package integration

import (
	"net/http"
	"testing"

	"github.com/bissquit/incident-engine/internal/domain"
	"github.com/bissquit/incident-engine/internal/testutil"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

const (
	viewer   = "viewer"
	operator = "operator"
	approver = "approver"
)

func roleOf(name string) domain.Role {
	return domain.Role(name)
}

type incidentEnvelope struct {
	Data domain.Incident `json:"data"`
}

type createEnvelope struct {
	Data struct {
		Incident domain.Incident `json:"incident"`
		Replayed bool            `json:"replayed"`
	} `json:"data"`
}

type eventsEnvelope struct {
	Data []domain.EventRecord `json:"data"`
}

type errorEnvelope struct {
	Error struct {
		Message string                 `json:"message"`
		Details map[string]interface{} `json:"details"`
	} `json:"error"`
}

// uniqueService keeps tests independent when they filter by service.
func uniqueService(prefix string) string {
	return prefix + "-" + uuid.NewString()[:8]
}

func incidentPayload(service string) map[string]interface{} {
	return map[string]interface{}{
		"service":     service,
		"severity":    "SEV2",
		"title":       "Elevated error rate",
		"description": "5xx above 2% for 10 minutes",
	}
}

// createIncident creates an incident with a fresh idempotency key.
func createIncident(t *testing.T, client *testutil.Client, service string) domain.Incident {
	t.Helper()

	resp, err := client.POSTWithKey("/api/v1/incidents", uuid.NewString(), incidentPayload(service))
	require.NoError(t, err)
	require.Equal(t, http.StatusCreated, resp.StatusCode, testutil.ReadBody(t, resp))

	var result createEnvelope
	testutil.DecodeJSON(t, resp, &result)
	require.False(t, result.Data.Replayed)
	return result.Data.Incident
}

func transition(t *testing.T, client *testutil.Client, id string, target domain.State, reason string) domain.Incident {
	t.Helper()

	resp, err := client.POST("/api/v1/incidents/"+id+"/transitions", map[string]string{
		"target_state": string(target),
		"reason":       reason,
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode, testutil.ReadBody(t, resp))

	var result incidentEnvelope
	testutil.DecodeJSON(t, resp, &result)
	return result.Data
}

func decide(t *testing.T, client *testutil.Client, id string, action domain.ApprovalAction, reason string) domain.Incident {
	t.Helper()

	resp, err := client.POST("/api/v1/incidents/"+id+"/approval", map[string]string{
		"action": string(action),
		"reason": reason,
	})
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode, testutil.ReadBody(t, resp))

	var result incidentEnvelope
	testutil.DecodeJSON(t, resp, &result)
	return result.Data
}

// driveToWaiting moves a fresh incident to WAITING_FOR_HUMAN.
func driveToWaiting(t *testing.T, client *testutil.Client, id string) domain.Incident {
	t.Helper()
	transition(t, client, id, domain.StateAnalyzing, "triage started")
	transition(t, client, id, domain.StateDecided, "rollback proposed")
	return transition(t, client, id, domain.StateWaitingForHuman, "needs sign-off")
}

func listEvents(t *testing.T, client *testutil.Client, id string) []domain.EventRecord {
	t.Helper()

	resp, err := client.GET("/api/v1/incidents/" + id + "/events")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode, testutil.ReadBody(t, resp))

	var result eventsEnvelope
	testutil.DecodeJSON(t, resp, &result)
	return result.Data
}
