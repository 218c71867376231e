package store

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/pacphi/sindri-console/internal/protocol"
)

// MetricPoint is one flattened raw metrics sample. The same row shape is
// served whether the sample still lives in the raw table or has been folded
// into a compressed chunk.
type MetricPoint struct {
	InstanceID     string    `json:"instance_id"`
	Timestamp      time.Time `json:"timestamp"`
	CPUPercent     float64   `json:"cpu_percent"`
	CPUSteal       float64   `json:"cpu_steal"`
	LoadAvg1       float64   `json:"load_avg_1"`
	MemUsedBytes   uint64    `json:"mem_used_bytes"`
	MemTotalBytes  uint64    `json:"mem_total_bytes"`
	DiskUsedBytes  uint64    `json:"disk_used_bytes"`
	DiskTotalBytes uint64    `json:"disk_total_bytes"`
	DiskReadBytes  uint64    `json:"disk_read_bytes"`
	DiskWriteBytes uint64    `json:"disk_write_bytes"`
	NetRxBytes     uint64    `json:"net_rx_bytes"`
	NetTxBytes     uint64    `json:"net_tx_bytes"`
}

// HeartbeatPoint is one stored liveness sample.
type HeartbeatPoint struct {
	InstanceID     string    `json:"instance_id"`
	Timestamp      time.Time `json:"timestamp"`
	UptimeSeconds  int64     `json:"uptime_seconds"`
	CPUPercent     float64   `json:"cpu_percent"`
	MemUsedBytes   uint64    `json:"mem_used_bytes"`
	MemTotalBytes  uint64    `json:"mem_total_bytes"`
	DiskUsedBytes  uint64    `json:"disk_used_bytes"`
	DiskTotalBytes uint64    `json:"disk_total_bytes"`
}

// FlattenMetrics projects a wire metrics sample onto the stored row shape.
// Disk usage is summed across mount points.
func FlattenMetrics(m *protocol.Metrics) MetricPoint {
	p := MetricPoint{
		InstanceID:     m.InstanceID,
		Timestamp:      m.Timestamp.UTC(),
		CPUPercent:     m.CPU.UsagePercent,
		CPUSteal:       m.CPU.StealPercent,
		LoadAvg1:       m.CPU.LoadAvg1,
		MemUsedBytes:   m.Memory.UsedBytes,
		MemTotalBytes:  m.Memory.TotalBytes,
		DiskReadBytes:  m.DiskIO.ReadBytes,
		DiskWriteBytes: m.DiskIO.WriteBytes,
		NetRxBytes:     m.Network.BytesRecv,
		NetTxBytes:     m.Network.BytesSent,
	}
	for _, d := range m.Disk {
		p.DiskUsedBytes += d.UsedBytes
		p.DiskTotalBytes += d.TotalBytes
	}
	return p
}

// InsertMetric writes one raw sample. Duplicate (instance, timestamp) pairs
// return ErrDuplicate.
func (s *Store) InsertMetric(ctx context.Context, p MetricPoint) error {
	tsMs := p.Timestamp.UnixMilli()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO metrics(instance_id, ts, chunk_start, cpu_percent, cpu_steal, load_avg_1,
	mem_used, mem_total, disk_used, disk_total, disk_read_bytes, disk_write_bytes, net_rx_bytes, net_tx_bytes)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, p.InstanceID, tsMs, chunkStart(p.Timestamp), p.CPUPercent, p.CPUSteal, p.LoadAvg1,
		p.MemUsedBytes, p.MemTotalBytes, p.DiskUsedBytes, p.DiskTotalBytes,
		p.DiskReadBytes, p.DiskWriteBytes, p.NetRxBytes, p.NetTxBytes)
	if err != nil {
		if isUniqueErr(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert metric: %w", err)
	}
	return nil
}

// InsertHeartbeat writes one liveness sample.
func (s *Store) InsertHeartbeat(ctx context.Context, hb protocol.Heartbeat) error {
	t := hb.Timestamp.UTC()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO heartbeats(instance_id, ts, chunk_start, uptime_seconds, cpu_percent, mem_used, mem_total, disk_used, disk_total)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
`, hb.InstanceID, t.UnixMilli(), chunkStart(t), hb.UptimeSeconds, hb.CPUPercent,
		hb.MemUsedBytes, hb.MemTotalBytes, hb.DiskUsedBytes, hb.DiskTotalBytes)
	if err != nil {
		if isUniqueErr(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert heartbeat: %w", err)
	}
	return nil
}

// QueryMetrics returns raw samples for an instance over [from, to], merging
// rows from compressed chunks so callers see identical data either side of
// the compression boundary. Results are ordered by timestamp ascending.
func (s *Store) QueryMetrics(ctx context.Context, instanceID string, from, to time.Time, limit int) ([]MetricPoint, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT instance_id, ts, cpu_percent, cpu_steal, load_avg_1,
	mem_used, mem_total, disk_used, disk_total, disk_read_bytes, disk_write_bytes, net_rx_bytes, net_tx_bytes
FROM metrics
WHERE instance_id = ? AND ts >= ? AND ts <= ?
ORDER BY ts ASC
`, instanceID, from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("query metrics: %w", err)
	}
	defer rows.Close()

	out := make([]MetricPoint, 0)
	for rows.Next() {
		var (
			p    MetricPoint
			tsMs int64
		)
		if err := rows.Scan(&p.InstanceID, &tsMs, &p.CPUPercent, &p.CPUSteal, &p.LoadAvg1,
			&p.MemUsedBytes, &p.MemTotalBytes, &p.DiskUsedBytes, &p.DiskTotalBytes,
			&p.DiskReadBytes, &p.DiskWriteBytes, &p.NetRxBytes, &p.NetTxBytes); err != nil {
			return nil, fmt.Errorf("scan metric: %w", err)
		}
		p.Timestamp = time.UnixMilli(tsMs).UTC()
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter metrics: %w", err)
	}

	cold, err := s.readCompressedMetrics(ctx, instanceID, from, to)
	if err != nil {
		return nil, err
	}
	out = append(out, cold...)

	sort.Slice(out, func(i, j int) bool { return out[i].Timestamp.Before(out[j].Timestamp) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// QueryHeartbeats returns liveness samples for an instance over [from, to],
// ordered by timestamp ascending.
func (s *Store) QueryHeartbeats(ctx context.Context, instanceID string, from, to time.Time, limit int) ([]HeartbeatPoint, error) {
	q := `
SELECT instance_id, ts, uptime_seconds, cpu_percent, mem_used, mem_total, disk_used, disk_total
FROM heartbeats
WHERE instance_id = ? AND ts >= ? AND ts <= ?
ORDER BY ts ASC`
	args := []any{instanceID, from.UnixMilli(), to.UnixMilli()}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query heartbeats: %w", err)
	}
	defer rows.Close()

	out := make([]HeartbeatPoint, 0)
	for rows.Next() {
		var (
			p    HeartbeatPoint
			tsMs int64
		)
		if err := rows.Scan(&p.InstanceID, &tsMs, &p.UptimeSeconds, &p.CPUPercent,
			&p.MemUsedBytes, &p.MemTotalBytes, &p.DiskUsedBytes, &p.DiskTotalBytes); err != nil {
			return nil, fmt.Errorf("scan heartbeat: %w", err)
		}
		p.Timestamp = time.UnixMilli(tsMs).UTC()
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter heartbeats: %w", err)
	}
	return out, nil
}
