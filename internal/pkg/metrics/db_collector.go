package metrics

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// lifecycleStates is the label set of IncidentsByState; states without rows
// are reported as zero.
var lifecycleStates = []string{"CREATED", "ANALYZING", "DECIDED", "WAITING_FOR_HUMAN", "CLOSED"}

// RecordDBPoolMetrics updates database pool metrics.
func RecordDBPoolMetrics(pool *pgxpool.Pool) {
	stats := pool.Stat()

	DBPoolConnections.WithLabelValues("in_use").Set(float64(stats.AcquiredConns()))
	DBPoolConnections.WithLabelValues("idle").Set(float64(stats.IdleConns()))
	DBPoolConnections.WithLabelValues("max").Set(float64(stats.MaxConns()))
}

// StoreCollector samples the pool and the incident store.
type StoreCollector struct {
	pool           *pgxpool.Pool
	staleThreshold time.Duration
}

// NewStoreCollector creates a collector. Idempotency records in progress for
// longer than staleThreshold are reported as stale.
func NewStoreCollector(pool *pgxpool.Pool, staleThreshold time.Duration) *StoreCollector {
	return &StoreCollector{pool: pool, staleThreshold: staleThreshold}
}

// Collect records one sample of every store gauge.
func (c *StoreCollector) Collect(ctx context.Context) error {
	RecordDBPoolMetrics(c.pool)

	counts, err := c.countByState(ctx)
	if err != nil {
		return err
	}
	for _, state := range lifecycleStates {
		IncidentsByState.WithLabelValues(state).Set(float64(counts[state]))
	}

	var stale int64
	err = c.pool.QueryRow(ctx,
		`SELECT count(*) FROM idempotency_records WHERE status = 'IN_PROGRESS' AND created_at < $1`,
		time.Now().Add(-c.staleThreshold),
	).Scan(&stale)
	if err != nil {
		return fmt.Errorf("count stale idempotency records: %w", err)
	}
	StaleIdempotencyRecords.Set(float64(stale))
	return nil
}

func (c *StoreCollector) countByState(ctx context.Context) (map[string]int64, error) {
	rows, err := c.pool.Query(ctx, `SELECT state, count(*) FROM incidents GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("count incidents by state: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int64, len(lifecycleStates))
	for rows.Next() {
		var state string
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("scan incident count: %w", err)
		}
		counts[state] = n
	}
	return counts, rows.Err()
}
