package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/klauspost/compress/zstd"
)

// Compressed chunk codec: level 3 zstd over the JSON-encoded row block.
// Encoder and decoder are safe for concurrent use and reused across calls.
var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder
)

func init() {
	var err error
	zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		panic("store: zstd encoder initialization failed: " + err.Error())
	}
	zstdDecoder, err = zstd.NewReader(nil)
	if err != nil {
		panic("store: zstd decoder initialization failed: " + err.Error())
	}
}

const streamMetrics = "metrics"

// CompressChunks folds fully-closed metric chunks older than cutoff into
// compressed_chunks, one blob per (chunk, instance), rows ordered timestamp
// descending, then deletes the raw rows. Only chunks whose entire window
// ends before cutoff are touched, so a chunk is never half compressed.
// Returns the number of chunks compressed.
func (s *Store) CompressChunks(ctx context.Context, cutoff time.Time) (int, error) {
	// chunk_start + width <= cutoff means the whole chunk is cold.
	maxChunkStart := cutoff.UnixMilli() - chunkWidth.Milliseconds()

	rows, err := s.db.QueryContext(ctx, `
SELECT DISTINCT chunk_start, instance_id
FROM metrics
WHERE chunk_start <= ?
ORDER BY chunk_start ASC, instance_id ASC
`, maxChunkStart)
	if err != nil {
		return 0, fmt.Errorf("list cold chunks: %w", err)
	}
	type chunkKey struct {
		start      int64
		instanceID string
	}
	keys := make([]chunkKey, 0)
	for rows.Next() {
		var k chunkKey
		if err := rows.Scan(&k.start, &k.instanceID); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan cold chunk: %w", err)
		}
		keys = append(keys, k)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iter cold chunks: %w", err)
	}

	compressed := 0
	for _, k := range keys {
		if err := s.compressOne(ctx, k.start, k.instanceID); err != nil {
			return compressed, err
		}
		compressed++
	}
	return compressed, nil
}

func (s *Store) compressOne(ctx context.Context, start int64, instanceID string) error {
	from := time.UnixMilli(start).UTC()
	to := time.UnixMilli(start + chunkWidth.Milliseconds() - 1).UTC()

	points, err := s.queryRawMetricsOnly(ctx, instanceID, from, to)
	if err != nil {
		return err
	}
	if len(points) == 0 {
		return nil
	}
	// Timestamp descending inside the blob: recent-first reads dominate.
	sort.Slice(points, func(i, j int) bool { return points[i].Timestamp.After(points[j].Timestamp) })

	raw, err := json.Marshal(points)
	if err != nil {
		return fmt.Errorf("encode chunk rows: %w", err)
	}
	blob := zstdEncoder.EncodeAll(raw, nil)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin compress tx: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO compressed_chunks(stream, chunk_start, instance_id, row_count, payload)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT(stream, chunk_start, instance_id) DO UPDATE SET
	row_count = excluded.row_count,
	payload = excluded.payload
`, streamMetrics, start, instanceID, len(points), blob); err != nil {
		tx.Rollback() //nolint:errcheck
		return fmt.Errorf("insert compressed chunk: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
DELETE FROM metrics WHERE instance_id = ? AND chunk_start = ?
`, instanceID, start); err != nil {
		tx.Rollback() //nolint:errcheck
		return fmt.Errorf("delete compressed raw rows: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit compress tx: %w", err)
	}
	return nil
}

// readCompressedMetrics pulls every compressed chunk overlapping [from, to]
// for the instance and returns the rows inside the range.
func (s *Store) readCompressedMetrics(ctx context.Context, instanceID string, from, to time.Time) ([]MetricPoint, error) {
	minChunk := chunkStart(from)
	rows, err := s.db.QueryContext(ctx, `
SELECT payload
FROM compressed_chunks
WHERE stream = ? AND instance_id = ? AND chunk_start >= ? AND chunk_start <= ?
ORDER BY chunk_start ASC
`, streamMetrics, instanceID, minChunk, to.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("query compressed chunks: %w", err)
	}
	defer rows.Close()

	out := make([]MetricPoint, 0)
	for rows.Next() {
		var blob []byte
		if err := rows.Scan(&blob); err != nil {
			return nil, fmt.Errorf("scan compressed chunk: %w", err)
		}
		raw, err := zstdDecoder.DecodeAll(blob, nil)
		if err != nil {
			return nil, fmt.Errorf("decompress chunk: %w", err)
		}
		var points []MetricPoint
		if err := json.Unmarshal(raw, &points); err != nil {
			return nil, fmt.Errorf("decode chunk rows: %w", err)
		}
		for _, p := range points {
			if p.Timestamp.Before(from) || p.Timestamp.After(to) {
				continue
			}
			out = append(out, p)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter compressed chunks: %w", err)
	}
	return out, nil
}

// queryRawMetricsOnly reads from the raw table without consulting
// compressed chunks. Used by the compression job itself.
func (s *Store) queryRawMetricsOnly(ctx context.Context, instanceID string, from, to time.Time) ([]MetricPoint, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT instance_id, ts, cpu_percent, cpu_steal, load_avg_1,
	mem_used, mem_total, disk_used, disk_total, disk_read_bytes, disk_write_bytes, net_rx_bytes, net_tx_bytes
FROM metrics
WHERE instance_id = ? AND ts >= ? AND ts <= ?
ORDER BY ts ASC
`, instanceID, from.UnixMilli(), to.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("query raw metrics: %w", err)
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
			return nil, fmt.Errorf("scan raw metric: %w", err)
		}
		p.Timestamp = time.UnixMilli(tsMs).UTC()
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter raw metrics: %w", err)
	}
	return out, nil
}
