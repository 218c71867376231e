package store

import (
	"context"
	"fmt"
	"time"
)

// Retention windows. Raw telemetry ages out after a week, hourly rollups
// after a month, daily rollups after a year.
const (
	RawRetention    = 7 * 24 * time.Hour
	HourlyRetention = 30 * 24 * time.Hour
	DailyRetention  = 365 * 24 * time.Hour
	LogRetention    = 30 * 24 * time.Hour
)

// RetentionResult reports how many rows each sweep removed.
type RetentionResult struct {
	RawMetrics       int64
	RawHeartbeats    int64
	CompressedChunks int64
	HourlyRollups    int64
	DailyRollups     int64
	Logs             int64
}

// ApplyRetention deletes expired telemetry as of now. Compressed chunks are
// dropped whole once every row they can contain has passed the raw window,
// so a chunk straddling the cutoff survives up to one chunk width past it
// and queries near the boundary can still return its rows through the
// compressed read path.
func (s *Store) ApplyRetention(ctx context.Context, now time.Time) (RetentionResult, error) {
	var res RetentionResult

	rawCutoff := now.Add(-RawRetention).UnixMilli()
	// A compressed chunk's newest row is at most chunk_start + width.
	chunkCutoff := rawCutoff - chunkWidth.Milliseconds()

	sweeps := []struct {
		query string
		arg   int64
		count *int64
	}{
		{`DELETE FROM metrics WHERE ts < ?`, rawCutoff, &res.RawMetrics},
		{`DELETE FROM heartbeats WHERE ts < ?`, rawCutoff, &res.RawHeartbeats},
		{`DELETE FROM compressed_chunks WHERE chunk_start < ?`, chunkCutoff, &res.CompressedChunks},
		{`DELETE FROM metrics_rollup_hourly WHERE bucket < ?`, now.Add(-HourlyRetention).UnixMilli(), &res.HourlyRollups},
		{`DELETE FROM metrics_rollup_daily WHERE bucket < ?`, now.Add(-DailyRetention).UnixMilli(), &res.DailyRollups},
		{`DELETE FROM logs WHERE ts < ?`, now.Add(-LogRetention).UnixMilli(), &res.Logs},
	}
	for _, sweep := range sweeps {
		r, err := s.db.ExecContext(ctx, sweep.query, sweep.arg)
		if err != nil {
			return res, fmt.Errorf("retention sweep: %w", err)
		}
		n, err := r.RowsAffected()
		if err != nil {
			return res, fmt.Errorf("retention rows affected: %w", err)
		}
		*sweep.count = n
	}
	return res, nil
}
