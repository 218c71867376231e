// Package heartbeat sends periodic liveness samples to the hub.
package heartbeat

import (
	"context"
	"log/slog"
	"time"

	"github.com/pacphi/sindri-console/internal/protocol"
)

// Sampler produces the liveness snapshot for each beat.
type Sampler interface {
	Heartbeat(ctx context.Context) (*protocol.Heartbeat, error)
}

// Sender pushes envelopes over the transport.
type Sender interface {
	Send(env protocol.Envelope) error
}

// Loop ticks at a fixed interval, sampling and sending heartbeats. A failed
// sample or send is logged and skipped; the next tick produces a fresh one.
type Loop struct {
	sampler  Sampler
	sender   Sender
	interval time.Duration
	logger   *slog.Logger
}

// NewLoop creates a heartbeat Loop. interval must be > 0.
func NewLoop(sampler Sampler, sender Sender, interval time.Duration, logger *slog.Logger) *Loop {
	return &Loop{
		sampler:  sampler,
		sender:   sender,
		interval: interval,
		logger:   logger,
	}
}

// Run blocks, beating until ctx is cancelled. The first beat is sent
// immediately so the hub sees the agent right away.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()

	l.beat(ctx)

	for {
		select {
		case <-ticker.C:
			l.beat(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (l *Loop) beat(ctx context.Context) {
	hb, err := l.sampler.Heartbeat(ctx)
	if err != nil {
		l.logger.Warn("heartbeat sample failed", "error", err)
		return
	}
	env, err := protocol.NewEnvelope(protocol.TypeHeartbeat, "", hb)
	if err != nil {
		l.logger.Warn("heartbeat encode failed", "error", err)
		return
	}
	if err := l.sender.Send(env); err != nil {
		l.logger.Warn("heartbeat send failed", "error", err)
		return
	}
	l.logger.Debug("heartbeat sent", "uptime_seconds", hb.UptimeSeconds)
}
