package store

import (
	"context"
	"errors"
	"reflect"
	"testing"
	"time"

	"github.com/pacphi/sindri-console/internal/protocol"
)

func seedMetrics(t *testing.T, s *Store, instanceID string, start time.Time, n int, step time.Duration) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		err := s.InsertMetric(ctx, MetricPoint{
			InstanceID:     instanceID,
			Timestamp:      start.Add(time.Duration(i) * step),
			CPUPercent:     float64(10 + i),
			MemUsedBytes:   uint64(1000 + i),
			MemTotalBytes:  8192,
			DiskReadBytes:  100,
			DiskWriteBytes: 200,
			NetRxBytes:     300,
			NetTxBytes:     400,
		})
		if err != nil {
			t.Fatalf("seed metric %d: %v", i, err)
		}
	}
}

func TestInsertMetric_DuplicateTimestamp(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	p := MetricPoint{InstanceID: "sea-01", Timestamp: now, CPUPercent: 42}
	if err := s.InsertMetric(ctx, p); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertMetric(ctx, p); !errors.Is(err, ErrDuplicate) {
		t.Errorf("duplicate insert = %v, want ErrDuplicate", err)
	}
}

func TestQueryMetrics_TimeBounded(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	start := time.Now().UTC().Truncate(time.Millisecond).Add(-time.Hour)

	seedMetrics(t, s, "sea-01", start, 60, time.Minute)
	seedMetrics(t, s, "sea-02", start, 60, time.Minute)

	got, err := s.QueryMetrics(ctx, "sea-01", start.Add(10*time.Minute), start.Add(19*time.Minute), 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 10 {
		t.Fatalf("got %d points, want 10", len(got))
	}
	for i := 1; i < len(got); i++ {
		if !got[i].Timestamp.After(got[i-1].Timestamp) {
			t.Error("points not in ascending timestamp order")
		}
	}
	for _, p := range got {
		if p.InstanceID != "sea-01" {
			t.Errorf("leaked point from %s", p.InstanceID)
		}
	}
}

func TestCompressChunks_QueriesStayIdentical(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	// Fill one whole chunk, starting well in the past so it is cold.
	start := time.UnixMilli(chunkStart(time.Now().UTC().Add(-20 * 24 * time.Hour))).UTC()
	seedMetrics(t, s, "sea-01", start, 48, 30*time.Minute)

	from, to := start, start.Add(24*time.Hour)
	before, err := s.QueryMetrics(ctx, "sea-01", from, to, 0)
	if err != nil {
		t.Fatal(err)
	}

	n, err := s.CompressChunks(ctx, time.Now().UTC().Add(-2*24*time.Hour))
	if err != nil {
		t.Fatalf("compress: %v", err)
	}
	if n == 0 {
		t.Fatal("expected at least one chunk to compress")
	}

	// Raw table must be empty for the chunk now.
	raw, err := s.queryRawMetricsOnly(ctx, "sea-01", from, to)
	if err != nil {
		t.Fatal(err)
	}
	if len(raw) != 0 {
		t.Fatalf("%d raw rows survived compression", len(raw))
	}

	after, err := s.QueryMetrics(ctx, "sea-01", from, to, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(after) != len(before) {
		t.Fatalf("compressed query returned %d points, raw returned %d", len(after), len(before))
	}
	for i := range after {
		if !after[i].Timestamp.Equal(before[i].Timestamp) || after[i].CPUPercent != before[i].CPUPercent ||
			after[i].MemUsedBytes != before[i].MemUsedBytes {
			t.Errorf("point %d differs after compression: %+v vs %+v", i, after[i], before[i])
		}
	}
}

func TestCompressChunks_LeavesWarmChunksAlone(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	seedMetrics(t, s, "sea-01", now.Add(-time.Hour), 10, time.Minute)

	n, err := s.CompressChunks(ctx, now.Add(-2*24*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if n != 0 {
		t.Errorf("compressed %d warm chunks", n)
	}
	raw, err := s.queryRawMetricsOnly(ctx, "sea-01", now.Add(-2*time.Hour), now)
	if err != nil {
		t.Fatal(err)
	}
	if len(raw) != 10 {
		t.Errorf("raw rows = %d, want 10 untouched", len(raw))
	}
}

func TestApplyRetention_Windows(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	// One expired raw sample, one fresh.
	seedMetrics(t, s, "sea-01", now.Add(-8*24*time.Hour), 1, time.Minute)
	seedMetrics(t, s, "sea-01", now.Add(-time.Hour), 1, time.Minute)

	if err := s.InsertHeartbeat(ctx, protocol.Heartbeat{
		InstanceID: "sea-01", Timestamp: now.Add(-8 * 24 * time.Hour),
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertHeartbeat(ctx, protocol.Heartbeat{
		InstanceID: "sea-01", Timestamp: now.Add(-time.Minute),
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertLog(ctx, LogEntry{InstanceID: "sea-01", Timestamp: now.Add(-40 * 24 * time.Hour), Message: "old"}); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertLog(ctx, LogEntry{InstanceID: "sea-01", Timestamp: now, Message: "new"}); err != nil {
		t.Fatal(err)
	}

	res, err := s.ApplyRetention(ctx, now)
	if err != nil {
		t.Fatalf("retention: %v", err)
	}
	if res.RawMetrics != 1 {
		t.Errorf("raw metrics deleted = %d, want 1", res.RawMetrics)
	}
	if res.RawHeartbeats != 1 {
		t.Errorf("raw heartbeats deleted = %d, want 1", res.RawHeartbeats)
	}
	if res.Logs != 1 {
		t.Errorf("logs deleted = %d, want 1", res.Logs)
	}

	// The fresh sample survives.
	points, err := s.QueryMetrics(ctx, "sea-01", now.Add(-2*time.Hour), now, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(points) != 1 {
		t.Errorf("fresh metrics = %d, want 1", len(points))
	}
	beats, err := s.QueryHeartbeats(ctx, "sea-01", now.Add(-time.Hour), now, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(beats) != 1 {
		t.Errorf("fresh heartbeats = %d, want 1", len(beats))
	}
}

func TestApplyRetention_RollupsSurviveRawDeletion(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Hour)

	// Samples past the raw window, spread over two hour buckets.
	old := now.Add(-8 * 24 * time.Hour)
	seedMetrics(t, s, "sea-01", old, 12, 10*time.Minute)

	if err := s.RefreshHourlyRollups(ctx, now, 9*24*time.Hour); err != nil {
		t.Fatalf("refresh hourly: %v", err)
	}
	if err := s.RefreshDailyRollups(ctx, now, 9*24*time.Hour); err != nil {
		t.Fatalf("refresh daily: %v", err)
	}

	hourlyBefore, err := s.QueryRollups(ctx, RollupHourly, "sea-01", old.Add(-time.Hour), now)
	if err != nil {
		t.Fatal(err)
	}
	if len(hourlyBefore) == 0 {
		t.Fatal("no hourly buckets built from the seeded samples")
	}
	dailyBefore, err := s.QueryRollups(ctx, RollupDaily, "sea-01", old.Add(-24*time.Hour), now)
	if err != nil {
		t.Fatal(err)
	}
	if len(dailyBefore) == 0 {
		t.Fatal("no daily buckets built from the seeded samples")
	}

	res, err := s.ApplyRetention(ctx, now)
	if err != nil {
		t.Fatalf("retention: %v", err)
	}
	if res.RawMetrics != 12 {
		t.Fatalf("raw metrics deleted = %d, want 12", res.RawMetrics)
	}

	// The aggregates must be untouched by the raw sweep.
	hourlyAfter, err := s.QueryRollups(ctx, RollupHourly, "sea-01", old.Add(-time.Hour), now)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(hourlyAfter, hourlyBefore) {
		t.Errorf("hourly rollups changed after raw deletion:\nbefore %+v\nafter  %+v", hourlyBefore, hourlyAfter)
	}
	dailyAfter, err := s.QueryRollups(ctx, RollupDaily, "sea-01", old.Add(-24*time.Hour), now)
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(dailyAfter, dailyBefore) {
		t.Errorf("daily rollups changed after raw deletion:\nbefore %+v\nafter  %+v", dailyBefore, dailyAfter)
	}
}

func TestRefreshHourlyRollups(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Hour)

	// Two samples in one hour bucket: cpu 10 and 20.
	base := now.Add(-2 * time.Hour)
	if err := s.InsertMetric(ctx, MetricPoint{InstanceID: "sea-01", Timestamp: base.Add(5 * time.Minute), CPUPercent: 10, MemUsedBytes: 100}); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertMetric(ctx, MetricPoint{InstanceID: "sea-01", Timestamp: base.Add(25 * time.Minute), CPUPercent: 20, MemUsedBytes: 300}); err != nil {
		t.Fatal(err)
	}

	if err := s.RefreshHourlyRollups(ctx, now, 3*time.Hour); err != nil {
		t.Fatalf("refresh: %v", err)
	}

	rows, err := s.QueryRollups(ctx, RollupHourly, "sea-01", base, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Fatalf("rollup rows = %d, want 1", len(rows))
	}
	r := rows[0]
	if r.SampleCount != 2 {
		t.Errorf("sample_count = %d", r.SampleCount)
	}
	if r.AvgCPU != 15 || r.MaxCPU != 20 {
		t.Errorf("cpu avg/max = %v/%v", r.AvgCPU, r.MaxCPU)
	}
	if r.MaxMemUsed != 300 {
		t.Errorf("max mem = %d", r.MaxMemUsed)
	}

	// Refresh is idempotent: a second run replaces, not duplicates.
	if err := s.RefreshHourlyRollups(ctx, now, 3*time.Hour); err != nil {
		t.Fatal(err)
	}
	rows, err = s.QueryRollups(ctx, RollupHourly, "sea-01", base, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 1 {
		t.Errorf("rollup rows after second refresh = %d, want 1", len(rows))
	}
}
