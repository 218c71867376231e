package store

import (
	"context"
	"fmt"
	"time"
)

// RollupRow is one aggregated bucket from the hourly or daily table.
type RollupRow struct {
	Bucket       time.Time `json:"bucket"`
	InstanceID   string    `json:"instance_id"`
	AvgCPU       float64   `json:"avg_cpu"`
	MaxCPU       float64   `json:"max_cpu"`
	AvgMemUsed   float64   `json:"avg_mem_used"`
	MaxMemUsed   uint64    `json:"max_mem_used"`
	SumDiskRead  uint64    `json:"sum_disk_read"`
	SumDiskWrite uint64    `json:"sum_disk_write"`
	SumNetRx     uint64    `json:"sum_net_rx"`
	SumNetTx     uint64    `json:"sum_net_tx"`
	SampleCount  int64     `json:"sample_count"`
}

// Rollup granularities.
const (
	RollupHourly = "hourly"
	RollupDaily  = "daily"
)

// RefreshHourlyRollups recomputes hourly buckets intersecting
// [now-lookback, now] from the raw table. Buckets are replaced wholesale so
// late-arriving samples inside the lookback window are folded in.
func (s *Store) RefreshHourlyRollups(ctx context.Context, now time.Time, lookback time.Duration) error {
	return s.refreshRollups(ctx, "metrics_rollup_hourly", time.Hour, now, lookback)
}

// RefreshDailyRollups recomputes daily buckets intersecting [now-lookback, now].
func (s *Store) RefreshDailyRollups(ctx context.Context, now time.Time, lookback time.Duration) error {
	return s.refreshRollups(ctx, "metrics_rollup_daily", 24*time.Hour, now, lookback)
}

func (s *Store) refreshRollups(ctx context.Context, table string, bucketWidth time.Duration, now time.Time, lookback time.Duration) error {
	widthMs := bucketWidth.Milliseconds()
	fromMs := now.Add(-lookback).UnixMilli()
	fromMs -= mod(fromMs, widthMs)
	toMs := now.UnixMilli()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin rollup tx: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		fmt.Sprintf(`DELETE FROM %s WHERE bucket >= ? AND bucket <= ?`, table),
		fromMs, toMs); err != nil {
		tx.Rollback() //nolint:errcheck
		return fmt.Errorf("clear rollup window: %w", err)
	}
	if _, err := tx.ExecContext(ctx, fmt.Sprintf(`
INSERT INTO %s (bucket, instance_id, avg_cpu, max_cpu, avg_mem_used, max_mem_used,
	sum_disk_read, sum_disk_write, sum_net_rx, sum_net_tx, sample_count)
SELECT
	ts - (ts %% ?) AS bucket,
	instance_id,
	AVG(cpu_percent),
	MAX(cpu_percent),
	AVG(mem_used),
	MAX(mem_used),
	SUM(disk_read_bytes),
	SUM(disk_write_bytes),
	SUM(net_rx_bytes),
	SUM(net_tx_bytes),
	COUNT(*)
FROM metrics
WHERE ts >= ? AND ts <= ?
GROUP BY bucket, instance_id
`, table), widthMs, fromMs, toMs); err != nil {
		tx.Rollback() //nolint:errcheck
		return fmt.Errorf("recompute rollups: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit rollup tx: %w", err)
	}
	return nil
}

// QueryRollups returns aggregated buckets for an instance over [from, to].
// granularity is RollupHourly or RollupDaily.
func (s *Store) QueryRollups(ctx context.Context, granularity, instanceID string, from, to time.Time) ([]RollupRow, error) {
	var table string
	switch granularity {
	case RollupHourly:
		table = "metrics_rollup_hourly"
	case RollupDaily:
		table = "metrics_rollup_daily"
	default:
		return nil, fmt.Errorf("unknown rollup granularity %q", granularity)
	}

	rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
SELECT bucket, instance_id, avg_cpu, max_cpu, avg_mem_used, max_mem_used,
	sum_disk_read, sum_disk_write, sum_net_rx, sum_net_tx, sample_count
FROM %s
WHERE instance_id = ? AND bucket >= ? AND bucket <= ?
ORDER BY bucket ASC
`, table), instanceID, from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("query rollups: %w", err)
	}
	defer rows.Close()

	out := make([]RollupRow, 0)
	for rows.Next() {
		var (
			r        RollupRow
			bucketMs int64
		)
		if err := rows.Scan(&bucketMs, &r.InstanceID, &r.AvgCPU, &r.MaxCPU, &r.AvgMemUsed, &r.MaxMemUsed,
			&r.SumDiskRead, &r.SumDiskWrite, &r.SumNetRx, &r.SumNetTx, &r.SampleCount); err != nil {
			return nil, fmt.Errorf("scan rollup: %w", err)
		}
		r.Bucket = time.UnixMilli(bucketMs).UTC()
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter rollups: %w", err)
	}
	return out, nil
}
