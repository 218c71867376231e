package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Instance is one registered fleet member.
type Instance struct {
	ID           string            `json:"id"`
	Hostname     string            `json:"hostname"`
	Provider     string            `json:"provider,omitempty"`
	Region       string            `json:"region,omitempty"`
	Status       string            `json:"status"`
	AgentVersion string            `json:"agent_version,omitempty"`
	OS           string            `json:"os,omitempty"`
	Arch         string            `json:"arch,omitempty"`
	Tags         map[string]string `json:"tags,omitempty"`
	RegisteredAt time.Time         `json:"registered_at"`
	LastSeenAt   *time.Time        `json:"last_seen_at,omitempty"`
}

// Instance status values.
const (
	StatusRunning    = "running"
	StatusStopped    = "stopped"
	StatusDeploying  = "deploying"
	StatusDestroying = "destroying"
	StatusError      = "error"
	StatusUnknown    = "unknown"
)

// CreateInstance inserts a new registry row. A pre-existing id returns
// ErrDuplicate so the handler can answer with a conflict.
func (s *Store) CreateInstance(ctx context.Context, inst Instance) error {
	if inst.ID == "" {
		return fmt.Errorf("instance id is required")
	}
	if inst.Status == "" {
		inst.Status = StatusRunning
	}
	if inst.RegisteredAt.IsZero() {
		inst.RegisteredAt = time.Now().UTC()
	}
	tagsJSON, err := json.Marshal(inst.Tags)
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}
	if inst.Tags == nil {
		tagsJSON = []byte("{}")
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO instances(id, hostname, provider, region, status, agent_version, os, arch, tags_json, registered_at, last_seen_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
`, inst.ID, inst.Hostname, inst.Provider, inst.Region, inst.Status, inst.AgentVersion, inst.OS, inst.Arch, string(tagsJSON), ts(inst.RegisteredAt), nullableTime(inst.LastSeenAt))
	if err != nil {
		if isUniqueErr(err) {
			return ErrDuplicate
		}
		return fmt.Errorf("insert instance: %w", err)
	}
	return nil
}

// GetInstance fetches a single registry row.
func (s *Store) GetInstance(ctx context.Context, id string) (Instance, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id, hostname, provider, region, status, agent_version, os, arch, tags_json, registered_at, last_seen_at
FROM instances
WHERE id = ?
`, id)
	return scanInstance(row)
}

// ListInstances returns the full registry ordered by id.
func (s *Store) ListInstances(ctx context.Context) ([]Instance, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, hostname, provider, region, status, agent_version, os, arch, tags_json, registered_at, last_seen_at
FROM instances
ORDER BY id ASC
`)
	if err != nil {
		return nil, fmt.Errorf("list instances: %w", err)
	}
	defer rows.Close()

	out := make([]Instance, 0)
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iter instances: %w", err)
	}
	return out, nil
}

// DeleteInstance removes the registry row and cascades to all telemetry for
// the instance (raw, rollups, logs, compressed chunks).
func (s *Store) DeleteInstance(ctx context.Context, id string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete tx: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM instances WHERE id = ?`, id)
	if err != nil {
		tx.Rollback() //nolint:errcheck
		return fmt.Errorf("delete instance: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		tx.Rollback() //nolint:errcheck
		return fmt.Errorf("delete instance rows affected: %w", err)
	}
	if affected == 0 {
		tx.Rollback() //nolint:errcheck
		return ErrNotFound
	}
	for _, q := range []string{
		`DELETE FROM metrics WHERE instance_id = ?`,
		`DELETE FROM heartbeats WHERE instance_id = ?`,
		`DELETE FROM metrics_rollup_hourly WHERE instance_id = ?`,
		`DELETE FROM metrics_rollup_daily WHERE instance_id = ?`,
		`DELETE FROM logs WHERE instance_id = ?`,
		`DELETE FROM compressed_chunks WHERE instance_id = ?`,
	} {
		if _, err := tx.ExecContext(ctx, q, id); err != nil {
			tx.Rollback() //nolint:errcheck
			return fmt.Errorf("cascade delete: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete tx: %w", err)
	}
	return nil
}

// TouchInstance records liveness: updates last_seen_at and, when the
// instance was previously unknown or stopped, flips it to running.
func (s *Store) TouchInstance(ctx context.Context, id string, seenAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE instances
SET last_seen_at = ?,
	status = CASE WHEN status IN ('unknown','stopped') THEN 'running' ELSE status END
WHERE id = ?
`, ts(seenAt), id)
	if err != nil {
		return fmt.Errorf("touch instance: %w", err)
	}
	return nil
}

// SetInstanceStatus updates the lifecycle status.
func (s *Store) SetInstanceStatus(ctx context.Context, id, status string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE instances SET status = ? WHERE id = ?`, status, id)
	if err != nil {
		return fmt.Errorf("set instance status: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("set instance status rows affected: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func scanInstance(scanner interface{ Scan(dest ...any) error }) (Instance, error) {
	var (
		inst         Instance
		tagsJSON     string
		registeredAt string
		lastSeenAt   sql.NullString
	)
	if err := scanner.Scan(&inst.ID, &inst.Hostname, &inst.Provider, &inst.Region, &inst.Status,
		&inst.AgentVersion, &inst.OS, &inst.Arch, &tagsJSON, &registeredAt, &lastSeenAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Instance{}, ErrNotFound
		}
		return Instance{}, fmt.Errorf("scan instance: %w", err)
	}
	if tagsJSON != "" && tagsJSON != "{}" {
		if err := json.Unmarshal([]byte(tagsJSON), &inst.Tags); err != nil {
			return Instance{}, fmt.Errorf("decode instance tags: %w", err)
		}
	}
	var err error
	inst.RegisteredAt, err = parseTS(registeredAt)
	if err != nil {
		return Instance{}, fmt.Errorf("parse registered_at: %w", err)
	}
	if lastSeenAt.Valid {
		v, err := parseTS(lastSeenAt.String)
		if err != nil {
			return Instance{}, fmt.Errorf("parse last_seen_at: %w", err)
		}
		inst.LastSeenAt = &v
	}
	return inst, nil
}

func nullableTime(v *time.Time) any {
	if v == nil {
		return nil
	}
	return ts(*v)
}
