package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// LogEntry is one archived log line.
type LogEntry struct {
	ID           int64             `json:"id"`
	InstanceID   string            `json:"instance_id"`
	Timestamp    time.Time         `json:"timestamp"`
	Level        string            `json:"level"`
	Source       string            `json:"source,omitempty"`
	Message      string            `json:"message"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	DeploymentID string            `json:"deployment_id,omitempty"`
}

// LogQuery filters and paginates a log search. Zero values mean "no filter".
type LogQuery struct {
	InstanceID   string
	Levels       []string
	Sources      []string
	DeploymentID string
	Text         string
	From         time.Time
	To           time.Time
	Limit        int
	Offset       int
	Ascending    bool
}

const defaultLogLimit = 100

// InsertLog archives one log line.
func (s *Store) InsertLog(ctx context.Context, e LogEntry) error {
	return s.insertLogs(ctx, []LogEntry{e})
}

// InsertLogBatch archives a batch of log lines in one transaction.
func (s *Store) InsertLogBatch(ctx context.Context, entries []LogEntry) error {
	return s.insertLogs(ctx, entries)
}

func (s *Store) insertLogs(ctx context.Context, entries []LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin log tx: %w", err)
	}
	for _, e := range entries {
		if e.Level == "" {
			e.Level = "info"
		}
		metadataJSON, err := marshalMetadata(e.Metadata)
		if err != nil {
			tx.Rollback() //nolint:errcheck
			return err
		}
		if _, err := tx.ExecContext(ctx, `
INSERT INTO logs(instance_id, ts, level, source, message, metadata_json, deployment_id)
VALUES (?, ?, ?, ?, ?, ?, ?)
`, e.InstanceID, e.Timestamp.UnixMilli(), e.Level, e.Source, e.Message, metadataJSON, nullIfEmpty(e.DeploymentID)); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("insert log: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit log tx: %w", err)
	}
	return nil
}

// QueryLogs runs a filtered search and returns the page plus the total
// match count.
func (s *Store) QueryLogs(ctx context.Context, q LogQuery) ([]LogEntry, int64, error) {
	where, args := buildLogFilter(q)

	var total int64
	countQuery := `SELECT COUNT(*) FROM logs` + where
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count logs: %w", err)
	}

	order := "DESC"
	if q.Ascending {
		order = "ASC"
	}
	limit := q.Limit
	if limit <= 0 {
		limit = defaultLogLimit
	}
	query := fmt.Sprintf(`
SELECT id, instance_id, ts, level, source, message, metadata_json, deployment_id
FROM logs%s
ORDER BY ts %s, id %s
LIMIT ? OFFSET ?`, where, order, order)
	args = append(args, limit, q.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("query logs: %w", err)
	}
	defer rows.Close()

	out := make([]LogEntry, 0)
	for rows.Next() {
		var (
			e            LogEntry
			tsMs         int64
			metadataJSON sql.NullString
			deploymentID sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.InstanceID, &tsMs, &e.Level, &e.Source, &e.Message, &metadataJSON, &deploymentID); err != nil {
			return nil, 0, fmt.Errorf("scan log: %w", err)
		}
		e.Timestamp = time.UnixMilli(tsMs).UTC()
		if metadataJSON.Valid && metadataJSON.String != "" {
			meta, err := unmarshalMetadata(metadataJSON.String)
			if err != nil {
				return nil, 0, err
			}
			e.Metadata = meta
		}
		if deploymentID.Valid {
			e.DeploymentID = deploymentID.String
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iter logs: %w", err)
	}
	return out, total, nil
}

func buildLogFilter(q LogQuery) (string, []any) {
	conds := make([]string, 0, 6)
	args := make([]any, 0, 8)

	if q.InstanceID != "" {
		conds = append(conds, "instance_id = ?")
		args = append(args, q.InstanceID)
	}
	if len(q.Levels) > 0 {
		conds = append(conds, "level IN ("+placeholders(len(q.Levels))+")")
		for _, l := range q.Levels {
			args = append(args, strings.ToLower(l))
		}
	}
	if len(q.Sources) > 0 {
		conds = append(conds, "source IN ("+placeholders(len(q.Sources))+")")
		for _, src := range q.Sources {
			args = append(args, src)
		}
	}
	if q.DeploymentID != "" {
		conds = append(conds, "deployment_id = ?")
		args = append(args, q.DeploymentID)
	}
	if q.Text != "" {
		conds = append(conds, "message LIKE ? ESCAPE '\\'")
		args = append(args, "%"+escapeLike(q.Text)+"%")
	}
	if !q.From.IsZero() {
		conds = append(conds, "ts >= ?")
		args = append(args, q.From.UnixMilli())
	}
	if !q.To.IsZero() {
		conds = append(conds, "ts <= ?")
		args = append(args, q.To.UnixMilli())
	}

	if len(conds) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

// LogStats aggregates counts by level, source, and day.
type LogStats struct {
	Total    int64            `json:"total"`
	ByLevel  map[string]int64 `json:"by_level"`
	BySource map[string]int64 `json:"by_source"`
	ByDay    map[string]int64 `json:"by_day"`
}

// FleetLogStats is the fleet-wide aggregate with the noisiest instances.
type FleetLogStats struct {
	LogStats
	TopInstances []InstanceLogCount `json:"top_instances"`
}

// InstanceLogCount pairs an instance with its log volume.
type InstanceLogCount struct {
	InstanceID string `json:"instance_id"`
	Count      int64  `json:"count"`
}

// LogStatsForInstance aggregates one instance's logs over [from, to].
func (s *Store) LogStatsForInstance(ctx context.Context, instanceID string, from, to time.Time) (LogStats, error) {
	return s.logStats(ctx, " WHERE instance_id = ? AND ts >= ? AND ts <= ?",
		[]any{instanceID, from.UnixMilli(), to.UnixMilli()})
}

// LogStatsForFleet aggregates across all instances and adds the top log
// producers.
func (s *Store) LogStatsForFleet(ctx context.Context, from, to time.Time, topN int) (FleetLogStats, error) {
	stats, err := s.logStats(ctx, " WHERE ts >= ? AND ts <= ?", []any{from.UnixMilli(), to.UnixMilli()})
	if err != nil {
		return FleetLogStats{}, err
	}
	out := FleetLogStats{LogStats: stats}

	if topN <= 0 {
		topN = 10
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT instance_id, COUNT(*) AS n
FROM logs
WHERE ts >= ? AND ts <= ?
GROUP BY instance_id
ORDER BY n DESC
LIMIT ?
`, from.UnixMilli(), to.UnixMilli(), topN)
	if err != nil {
		return FleetLogStats{}, fmt.Errorf("top instances: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var c InstanceLogCount
		if err := rows.Scan(&c.InstanceID, &c.Count); err != nil {
			return FleetLogStats{}, fmt.Errorf("scan top instance: %w", err)
		}
		out.TopInstances = append(out.TopInstances, c)
	}
	if err := rows.Err(); err != nil {
		return FleetLogStats{}, fmt.Errorf("iter top instances: %w", err)
	}
	return out, nil
}

func (s *Store) logStats(ctx context.Context, where string, args []any) (LogStats, error) {
	stats := LogStats{
		ByLevel:  map[string]int64{},
		BySource: map[string]int64{},
		ByDay:    map[string]int64{},
	}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM logs`+where, args...).Scan(&stats.Total); err != nil {
		return stats, fmt.Errorf("count logs: %w", err)
	}

	groups := []struct {
		expr   string
		target map[string]int64
	}{
		{"level", stats.ByLevel},
		{"source", stats.BySource},
		{"date(ts / 1000, 'unixepoch')", stats.ByDay},
	}
	for _, g := range groups {
		rows, err := s.db.QueryContext(ctx,
			fmt.Sprintf(`SELECT %s AS k, COUNT(*) FROM logs%s GROUP BY k`, g.expr, where), args...)
		if err != nil {
			return stats, fmt.Errorf("group logs by %s: %w", g.expr, err)
		}
		for rows.Next() {
			var (
				key string
				n   int64
			)
			if err := rows.Scan(&key, &n); err != nil {
				rows.Close()
				return stats, fmt.Errorf("scan log group: %w", err)
			}
			g.target[key] = n
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return stats, fmt.Errorf("iter log groups: %w", err)
		}
	}
	return stats, nil
}

func placeholders(n int) string {
	return strings.TrimRight(strings.Repeat("?,", n), ",")
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	s = strings.ReplaceAll(s, "_", `\_`)
	return s
}

func nullIfEmpty(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func marshalMetadata(m map[string]string) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	buf, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal log metadata: %w", err)
	}
	return string(buf), nil
}

func unmarshalMetadata(raw string) (map[string]string, error) {
	var m map[string]string
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("decode log metadata: %w", err)
	}
	return m, nil
}
