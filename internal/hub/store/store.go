// Package store is the hub's durable layer: the instance registry, chunked
// raw telemetry, rollup tables, the log archive, and the compressed cold
// storage for aged metric chunks. Backed by sqlite in WAL mode.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

var (
	ErrDuplicate = errors.New("duplicate")
	ErrNotFound  = errors.New("not found")
)

// chunkWidth is the span of one raw telemetry chunk. Rows are grouped by
// chunk_start so compression and retention operate on whole chunks.
const chunkWidth = 7 * 24 * time.Hour

type Store struct {
	db *sql.DB
}

// Open opens (creating if needed) the hub database at path and applies the
// schema. Pass ":memory:" for an in-memory database.
func Open(ctx context.Context, path string) (*Store, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)
	if path == ":memory:" {
		dsn = "file::memory:?_pragma=foreign_keys(1)"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

const schema = `
CREATE TABLE IF NOT EXISTS instances (
	id TEXT PRIMARY KEY,
	hostname TEXT NOT NULL,
	provider TEXT NOT NULL DEFAULT '',
	region TEXT NOT NULL DEFAULT '',
	status TEXT NOT NULL DEFAULT 'unknown'
		CHECK(status IN ('running','stopped','deploying','destroying','error','unknown')),
	agent_version TEXT NOT NULL DEFAULT '',
	os TEXT NOT NULL DEFAULT '',
	arch TEXT NOT NULL DEFAULT '',
	tags_json TEXT NOT NULL DEFAULT '{}',
	registered_at TEXT NOT NULL,
	last_seen_at TEXT
);

CREATE TABLE IF NOT EXISTS metrics (
	instance_id TEXT NOT NULL,
	ts INTEGER NOT NULL,
	chunk_start INTEGER NOT NULL,
	cpu_percent REAL NOT NULL DEFAULT 0,
	cpu_steal REAL NOT NULL DEFAULT 0,
	load_avg_1 REAL NOT NULL DEFAULT 0,
	mem_used INTEGER NOT NULL DEFAULT 0,
	mem_total INTEGER NOT NULL DEFAULT 0,
	disk_used INTEGER NOT NULL DEFAULT 0,
	disk_total INTEGER NOT NULL DEFAULT 0,
	disk_read_bytes INTEGER NOT NULL DEFAULT 0,
	disk_write_bytes INTEGER NOT NULL DEFAULT 0,
	net_rx_bytes INTEGER NOT NULL DEFAULT 0,
	net_tx_bytes INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY(instance_id, ts)
);
CREATE INDEX IF NOT EXISTS metrics_chunk ON metrics(chunk_start, instance_id);

CREATE TABLE IF NOT EXISTS heartbeats (
	instance_id TEXT NOT NULL,
	ts INTEGER NOT NULL,
	chunk_start INTEGER NOT NULL,
	uptime_seconds INTEGER NOT NULL DEFAULT 0,
	cpu_percent REAL NOT NULL DEFAULT 0,
	mem_used INTEGER NOT NULL DEFAULT 0,
	mem_total INTEGER NOT NULL DEFAULT 0,
	disk_used INTEGER NOT NULL DEFAULT 0,
	disk_total INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY(instance_id, ts)
);
CREATE INDEX IF NOT EXISTS heartbeats_chunk ON heartbeats(chunk_start, instance_id);

CREATE TABLE IF NOT EXISTS metrics_rollup_hourly (
	bucket INTEGER NOT NULL,
	instance_id TEXT NOT NULL,
	avg_cpu REAL NOT NULL,
	max_cpu REAL NOT NULL,
	avg_mem_used REAL NOT NULL,
	max_mem_used INTEGER NOT NULL,
	sum_disk_read INTEGER NOT NULL,
	sum_disk_write INTEGER NOT NULL,
	sum_net_rx INTEGER NOT NULL,
	sum_net_tx INTEGER NOT NULL,
	sample_count INTEGER NOT NULL,
	PRIMARY KEY(bucket, instance_id)
);

CREATE TABLE IF NOT EXISTS metrics_rollup_daily (
	bucket INTEGER NOT NULL,
	instance_id TEXT NOT NULL,
	avg_cpu REAL NOT NULL,
	max_cpu REAL NOT NULL,
	avg_mem_used REAL NOT NULL,
	max_mem_used INTEGER NOT NULL,
	sum_disk_read INTEGER NOT NULL,
	sum_disk_write INTEGER NOT NULL,
	sum_net_rx INTEGER NOT NULL,
	sum_net_tx INTEGER NOT NULL,
	sample_count INTEGER NOT NULL,
	PRIMARY KEY(bucket, instance_id)
);

CREATE TABLE IF NOT EXISTS logs (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	instance_id TEXT NOT NULL,
	ts INTEGER NOT NULL,
	level TEXT NOT NULL DEFAULT 'info',
	source TEXT NOT NULL DEFAULT '',
	message TEXT NOT NULL,
	metadata_json TEXT,
	deployment_id TEXT
);
CREATE INDEX IF NOT EXISTS logs_instance_ts ON logs(instance_id, ts);
CREATE INDEX IF NOT EXISTS logs_level ON logs(level, ts);
CREATE INDEX IF NOT EXISTS logs_source ON logs(source, ts);

CREATE TABLE IF NOT EXISTS compressed_chunks (
	stream TEXT NOT NULL,
	chunk_start INTEGER NOT NULL,
	instance_id TEXT NOT NULL,
	row_count INTEGER NOT NULL,
	payload BLOB NOT NULL,
	PRIMARY KEY(stream, chunk_start, instance_id)
);
`

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// chunkStart returns the start of the chunk containing t, in unix millis.
func chunkStart(t time.Time) int64 {
	w := chunkWidth.Milliseconds()
	ms := t.UnixMilli()
	return ms - mod(ms, w)
}

func mod(a, b int64) int64 {
	m := a % b
	if m < 0 {
		m += b
	}
	return m
}

func ts(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTS(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func isUniqueErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
