//go:build integration

package integration

import (
	"net/http"
	"testing"

	"github.com/bissquit/incident-engine/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuth_MissingToken(t *testing.T) {
	client := testutil.NewClient(testServer.URL)

	resp, err := client.GET("/api/v1/incidents")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAuth_ForeignToken(t *testing.T) {
	client := testutil.NewClient(testServer.URL).As(t, "eyJhbGciOiJIUzI1NiJ9.e30.c2lnbmF0dXJl")

	resp, err := client.GET("/api/v1/incidents")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAuth_RoleGates(t *testing.T) {
	ops := newTestClient(t, "oncall-alice", operator)
	inc := createIncident(t, ops, uniqueService("gates"))

	tests := []struct {
		name   string
		role   string
		method string
		path   string
		body   interface{}
		want   int
	}{
		{"viewer reads", viewer, http.MethodGet, "/api/v1/incidents/" + inc.ID, nil, http.StatusOK},
		{"viewer cannot create", viewer, http.MethodPost, "/api/v1/incidents", incidentPayload("x"), http.StatusForbidden},
		{"viewer cannot replay", viewer, http.MethodPost, "/api/v1/incidents/" + inc.ID + "/replay", nil, http.StatusForbidden},
		{"operator cannot approve", operator, http.MethodPost, "/api/v1/incidents/" + inc.ID + "/approval", map[string]string{"action": "APPROVE"}, http.StatusForbidden},
		{"approver may replay", approver, http.MethodPost, "/api/v1/incidents/" + inc.ID + "/replay", nil, http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := newTestClient(t, "user-"+tt.role, tt.role)

			var resp *http.Response
			var err error
			if tt.method == http.MethodGet {
				resp, err = client.GET(tt.path)
			} else {
				resp, err = client.POST(tt.path, tt.body)
			}
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestPublicEndpoints(t *testing.T) {
	client := testutil.NewClientWithValidator(testServer.URL, testValidator)

	for _, path := range []string{"/healthz", "/readyz", "/version"} {
		t.Run(path, func(t *testing.T) {
			resp, err := client.GET(path)
			require.NoError(t, err)
			defer resp.Body.Close()
			assert.Equal(t, http.StatusOK, resp.StatusCode)
		})
	}
}
