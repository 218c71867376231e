// Package protocol defines the envelope and payload types exchanged in both
// directions over the persistent agent-to-hub connection, plus the HTTP
// registration record. The envelope type tag alone determines how the payload
// is decoded; both sides ignore types they do not know.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Type tags a wire message.
type Type string

const (
	// Hub → agent.
	TypeTerminalCreate  Type = "terminal:create"
	TypeTerminalInput   Type = "terminal:input"
	TypeTerminalResize  Type = "terminal:resize"
	TypeTerminalClose   Type = "terminal:close"
	TypeCommandDispatch Type = "command:dispatch"

	// Agent → hub.
	TypeHeartbeat      Type = "heartbeat"
	TypeMetrics        Type = "metrics"
	TypeTerminalOutput Type = "terminal:output"
	TypeTerminalClosed Type = "terminal:closed"
	TypeCommandResult  Type = "command:result"
	TypeEvent          Type = "event"
)

// Envelope is the unit of exchange on the persistent connection. Payload is
// left raw so that dispatch can decode it based on Type.
type Envelope struct {
	Type      Type            `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// NewEnvelope marshals payload into a ready-to-send Envelope.
func NewEnvelope(t Type, sessionID string, payload any) (Envelope, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encoding %s payload: %w", t, err)
	}
	return Envelope{Type: t, SessionID: sessionID, Payload: raw}, nil
}

// DecodePayload unmarshals the envelope payload into out.
func DecodePayload(env Envelope, out any) error {
	if len(env.Payload) == 0 {
		return fmt.Errorf("%s envelope has no payload", env.Type)
	}
	if err := json.Unmarshal(env.Payload, out); err != nil {
		return fmt.Errorf("decoding %s payload: %w", env.Type, err)
	}
	return nil
}

// Registration is POSTed to the hub instance registry on agent boot.
// Re-announcing an existing instance id is not an error.
type Registration struct {
	InstanceID   string            `json:"instance_id"`
	Hostname     string            `json:"hostname"`
	Provider     string            `json:"provider"`
	Region       string            `json:"region"`
	AgentVersion string            `json:"agent_version"`
	OS           string            `json:"os"`
	Arch         string            `json:"arch"`
	Tags         map[string]string `json:"tags,omitempty"`
	Timestamp    time.Time         `json:"timestamp"`
}

// Heartbeat is the lightweight liveness sample sent every heartbeat interval.
type Heartbeat struct {
	InstanceID     string    `json:"instance_id"`
	Timestamp      time.Time `json:"timestamp"`
	UptimeSeconds  int64     `json:"uptime_seconds"`
	CPUPercent     float64   `json:"cpu_percent"`
	MemUsedBytes   uint64    `json:"mem_used_bytes"`
	MemTotalBytes  uint64    `json:"mem_total_bytes"`
	DiskUsedBytes  uint64    `json:"disk_used_bytes"`
	DiskTotalBytes uint64    `json:"disk_total_bytes"`
}

// Metrics is the richer periodic resource sample.
type Metrics struct {
	InstanceID string     `json:"instance_id"`
	Timestamp  time.Time  `json:"timestamp"`
	CPU        CPUStats   `json:"cpu"`
	Memory     MemStats   `json:"memory"`
	Disk       []DiskStat `json:"disk"`
	DiskIO     DiskIO     `json:"disk_io"`
	Network    NetStats   `json:"network"`
}

// CPUStats holds processor usage figures.
type CPUStats struct {
	UsagePercent float64   `json:"usage_percent"`
	StealPercent float64   `json:"steal_percent"`
	LoadAvg1     float64   `json:"load_avg_1"`
	LoadAvg5     float64   `json:"load_avg_5"`
	LoadAvg15    float64   `json:"load_avg_15"`
	CoreCount    int       `json:"core_count"`
	PerCore      []float64 `json:"per_core,omitempty"`
}

// MemStats holds memory and swap usage.
type MemStats struct {
	TotalBytes     uint64  `json:"total_bytes"`
	UsedBytes      uint64  `json:"used_bytes"`
	FreeBytes      uint64  `json:"free_bytes"`
	CachedBytes    uint64  `json:"cached_bytes"`
	UsagePercent   float64 `json:"usage_percent"`
	SwapTotalBytes uint64  `json:"swap_total_bytes"`
	SwapUsedBytes  uint64  `json:"swap_used_bytes"`
}

// DiskStat is usage for one mount point.
type DiskStat struct {
	MountPoint   string  `json:"mount_point"`
	Device       string  `json:"device"`
	FSType       string  `json:"fs_type"`
	TotalBytes   uint64  `json:"total_bytes"`
	UsedBytes    uint64  `json:"used_bytes"`
	FreeBytes    uint64  `json:"free_bytes"`
	UsagePercent float64 `json:"usage_percent"`
}

// DiskIO aggregates read/write throughput across devices.
type DiskIO struct {
	ReadBytes  uint64 `json:"read_bytes"`
	WriteBytes uint64 `json:"write_bytes"`
}

// NetStats aggregates network counters across interfaces.
type NetStats struct {
	BytesSent   uint64 `json:"bytes_sent"`
	BytesRecv   uint64 `json:"bytes_recv"`
	PacketsSent uint64 `json:"packets_sent"`
	PacketsRecv uint64 `json:"packets_recv"`
}

// TerminalCreate requests PTY allocation for a new shell session.
type TerminalCreate struct {
	SessionID string `json:"session_id"`
	Cols      uint16 `json:"cols"`
	Rows      uint16 `json:"rows"`
	Shell     string `json:"shell,omitempty"`
}

// TerminalInput carries raw input bytes for a session.
type TerminalInput struct {
	SessionID string `json:"session_id"`
	Data      []byte `json:"data"`
}

// TerminalResize changes PTY dimensions in place.
type TerminalResize struct {
	SessionID string `json:"session_id"`
	Cols      uint16 `json:"cols"`
	Rows      uint16 `json:"rows"`
}

// TerminalClose asks the agent to terminate a session. Closing an unknown or
// already-closed session is a no-op.
type TerminalClose struct {
	SessionID string `json:"session_id"`
}

// TerminalOutput carries PTY output bytes back to the hub.
type TerminalOutput struct {
	SessionID string `json:"session_id"`
	Data      []byte `json:"data"`
}

// TerminalClosed announces that a session's process has exited.
type TerminalClosed struct {
	SessionID string `json:"session_id"`
	ExitCode  int    `json:"exit_code"`
	Reason    string `json:"reason,omitempty"`
}

// CommandDispatch requests one-off command execution on the instance.
type CommandDispatch struct {
	CommandID string   `json:"command_id"`
	Command   string   `json:"command"`
	Args      []string `json:"args,omitempty"`
	Env       []string `json:"env,omitempty"`
	TimeoutMs int64    `json:"timeout_ms,omitempty"`
}

// CommandResult returns captured output and exit status for a dispatch.
type CommandResult struct {
	CommandID  string `json:"command_id"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exit_code"`
	DurationMs int64  `json:"duration_ms"`
}

// Event is a free-form lifecycle event emitted by the agent.
type Event struct {
	InstanceID string            `json:"instance_id"`
	EventType  string            `json:"event_type"`
	Message    string            `json:"message,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	Timestamp  time.Time         `json:"timestamp"`
}
