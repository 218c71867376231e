// Package events emits structured JSON records for notable agent lifecycle
// moments: registration, reconnects, terminal sessions, and remote commands.
// These are machine-readable audit lines, distinct from the agent's general
// debug logging.
package events

import (
	"io"
	"log/slog"
	"os"
	"sync"
)

// EventLogger provides structured logging for key agent lifecycle events.
type EventLogger struct {
	logger     *slog.Logger
	instanceID string
}

// NewEventLogger creates a new EventLogger with JSON output to stdout.
// Every event carries the instance_id base attribute.
func NewEventLogger(instanceID string) *EventLogger {
	return NewEventLoggerWithWriter(instanceID, os.Stdout)
}

// NewEventLoggerWithWriter creates a new EventLogger with JSON output to a
// custom writer. Useful for testing or redirecting output.
func NewEventLoggerWithWriter(instanceID string, w io.Writer) *EventLogger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	logger := slog.New(handler).With(
		"instance_id", instanceID,
	)
	return &EventLogger{
		logger:     logger,
		instanceID: instanceID,
	}
}

// LogRegistered logs a completed hub registration.
// event: "registered"
// Attributes: attempt, outcome ("created" or "already_registered")
func (el *EventLogger) LogRegistered(attempt int, outcome string) {
	el.logger.Info("registered",
		"attempt", attempt,
		"outcome", outcome,
	)
}

// LogReconnect logs a hub reconnection attempt being scheduled.
// event: "reconnect"
// Attributes: attempt, reason, backoff_ms
func (el *EventLogger) LogReconnect(attempt int, reason string, backoffMs int64) {
	el.logger.Info("reconnect",
		"attempt", attempt,
		"reason", reason,
		"backoff_ms", backoffMs,
	)
}

// LogSessionCreated logs when a terminal session is created.
// event: "session_created"
// Attributes: session_id, shell
func (el *EventLogger) LogSessionCreated(sessionID, shell string) {
	el.logger.Info("session_created",
		"session_id", sessionID,
		"shell", shell,
	)
}

// LogSessionClosed logs when a terminal session ends.
// event: "session_closed"
// Attributes: session_id, exit_code, lifetime_ms
func (el *EventLogger) LogSessionClosed(sessionID string, exitCode int, lifetimeMs int64) {
	el.logger.Info("session_closed",
		"session_id", sessionID,
		"exit_code", exitCode,
		"lifetime_ms", lifetimeMs,
	)
}

// LogCommandCompleted logs the result of a remote command execution.
// event: "command_completed"
// Attributes: command_id, exit_code, duration_ms
func (el *EventLogger) LogCommandCompleted(commandID string, exitCode int, durationMs int64) {
	el.logger.Info("command_completed",
		"command_id", commandID,
		"exit_code", exitCode,
		"duration_ms", durationMs,
	)
}

// Global logger management
var (
	globalLogger *EventLogger
	globalMu     sync.RWMutex
)

// SetGlobalEventLogger sets the global event logger instance.
func SetGlobalEventLogger(l *EventLogger) {
	globalMu.Lock()
	defer globalMu.Unlock()
	globalLogger = l
}

// GetGlobalEventLogger returns the global event logger instance.
// If no logger is set, returns a no-op logger.
func GetGlobalEventLogger() *EventLogger {
	globalMu.RLock()
	defer globalMu.RUnlock()
	if globalLogger != nil {
		return globalLogger
	}
	return NoopEventLogger()
}

// NoopEventLogger returns an event logger that discards all events.
func NoopEventLogger() *EventLogger {
	handler := slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	return &EventLogger{logger: slog.New(handler)}
}
