//go:build integration

package integration

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/bissquit/incident-engine/internal/pkg/metrics"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
)

func TestStoreCollector(t *testing.T) {
	ctx := context.Background()
	ops := newTestClient(t, "oncall-alice", operator)
	createIncident(t, ops, uniqueService("metrics"))

	_, err := testDB.Exec(ctx, `
		INSERT INTO idempotency_records (key, request_hash, status, created_by, created_at)
		VALUES ($1, $2, 'IN_PROGRESS', 'metrics-test', $3)`,
		"stale-"+uniqueService("key"), strings.Repeat("0", 64),
		time.Now().Add(-time.Hour),
	)
	require.NoError(t, err)

	collector := metrics.NewStoreCollector(testDB, time.Minute)
	require.NoError(t, collector.Collect(ctx))

	assert.GreaterOrEqual(t, promtestutil.ToFloat64(metrics.IncidentsByState.WithLabelValues("CREATED")), 1.0)
	assert.GreaterOrEqual(t, promtestutil.ToFloat64(metrics.StaleIdempotencyRecords), 1.0)
	assert.Greater(t, promtestutil.ToFloat64(metrics.DBPoolConnections.WithLabelValues("max")), 0.0)
}
