// Package command executes one-off commands dispatched by the hub and
// returns their captured output.
package command

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"time"

	"github.com/pacphi/sindri-console/internal/events"
	"github.com/pacphi/sindri-console/internal/protocol"
)

// maxCaptureBytes bounds stdout/stderr capture per command so a chatty
// process cannot balloon the result envelope.
const maxCaptureBytes = 256 * 1024

const defaultTimeout = 60 * time.Second

// Sender pushes result envelopes back to the hub.
type Sender interface {
	Send(env protocol.Envelope) error
}

// Runner executes dispatched commands, one goroutine per dispatch.
type Runner struct {
	sender Sender
	logger *slog.Logger
}

// NewRunner creates a Runner.
func NewRunner(sender Sender, logger *slog.Logger) *Runner {
	return &Runner{sender: sender, logger: logger}
}

// Dispatch runs the command asynchronously and sends a command:result when
// it finishes. The root context bounds the command's lifetime in addition
// to the per-dispatch timeout.
func (r *Runner) Dispatch(ctx context.Context, req protocol.CommandDispatch) {
	go func() {
		result := r.run(ctx, req)
		events.GetGlobalEventLogger().LogCommandCompleted(result.CommandID, result.ExitCode, result.DurationMs)
		env, err := protocol.NewEnvelope(protocol.TypeCommandResult, "", result)
		if err != nil {
			r.logger.Warn("command result encode failed", "command_id", req.CommandID, "error", err)
			return
		}
		if err := r.sender.Send(env); err != nil {
			r.logger.Warn("command result send failed", "command_id", req.CommandID, "error", err)
		}
	}()
}

func (r *Runner) run(ctx context.Context, req protocol.CommandDispatch) protocol.CommandResult {
	timeout := defaultTimeout
	if req.TimeoutMs > 0 {
		timeout = time.Duration(req.TimeoutMs) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, req.Command, req.Args...)
	if len(req.Env) > 0 {
		cmd.Env = append(cmd.Environ(), req.Env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &capWriter{buf: &stdout}
	cmd.Stderr = &capWriter{buf: &stderr}

	start := time.Now()
	err := cmd.Run()

	exitCode := 0
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			exitCode = -1
			stderr.WriteString(err.Error())
		}
	}

	return protocol.CommandResult{
		CommandID:  req.CommandID,
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		ExitCode:   exitCode,
		DurationMs: time.Since(start).Milliseconds(),
	}
}

// capWriter drops writes past maxCaptureBytes.
type capWriter struct {
	buf *bytes.Buffer
}

func (w *capWriter) Write(p []byte) (int, error) {
	remaining := maxCaptureBytes - w.buf.Len()
	if remaining <= 0 {
		return len(p), nil
	}
	if len(p) > remaining {
		w.buf.Write(p[:remaining])
		return len(p), nil
	}
	return w.buf.Write(p)
}
