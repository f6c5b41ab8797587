package testutil

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const specPath = "../../api/openapi/openapi.yaml"

func TestOpenAPIDocument_DeclaresEveryRoute(t *testing.T) {
	v, err := LoadOpenAPIValidator(specPath)
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{
		"GET /healthz",
		"GET /readyz",
		"GET /version",
		"GET /api/v1/incidents",
		"POST /api/v1/incidents",
		"GET /api/v1/incidents/{id}",
		"POST /api/v1/incidents/{id}/transitions",
		"POST /api/v1/incidents/{id}/approval",
		"GET /api/v1/incidents/{id}/events",
		"POST /api/v1/incidents/{id}/replay",
	}, v.Operations())
}
