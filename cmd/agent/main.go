package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pacphi/sindri-console/internal/agent/collector"
	"github.com/pacphi/sindri-console/internal/agent/command"
	"github.com/pacphi/sindri-console/internal/agent/config"
	"github.com/pacphi/sindri-console/internal/agent/heartbeat"
	"github.com/pacphi/sindri-console/internal/agent/registrar"
	"github.com/pacphi/sindri-console/internal/agent/terminal"
	"github.com/pacphi/sindri-console/internal/agent/transport"
	"github.com/pacphi/sindri-console/internal/events"
	"github.com/pacphi/sindri-console/internal/protocol"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	logger := newLogger(cfg.LogLevel)
	logger.Info("agent starting",
		"version", config.Version,
		"instance_id", cfg.InstanceID,
		"hub", cfg.HubURL,
		"heartbeat_interval", cfg.HeartbeatInterval,
		"metrics_interval", cfg.MetricsInterval,
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	events.SetGlobalEventLogger(events.NewEventLogger(cfg.InstanceID))

	// Registration failure is not fatal: the transport re-announces after
	// every successful connect, so the hub catches up once it is reachable.
	reg := registrar.New(cfg)
	if err := reg.Register(ctx); err != nil {
		logger.Warn("registration failed; continuing", "error", err)
	} else {
		logger.Info("registered with hub", "instance_id", cfg.InstanceID)
	}

	coll := collector.New(cfg.InstanceID)

	var (
		client   *transport.Client
		sessions *terminal.Manager
		runner   *command.Runner
	)
	client = transport.NewClient(cfg.WebSocketURL(), cfg.APIKey, cfg.InstanceID, func(env protocol.Envelope) error {
		return dispatch(ctx, env, sessions, runner, logger)
	}, logger)
	sessions = terminal.NewManager(cfg.Shell, client, logger)
	runner = command.NewRunner(client, logger)

	// Registration is idempotent, so re-announce after every reconnect to
	// cover hub restarts that lost the registry.
	client.OnConnect(func(ctx context.Context) {
		if err := reg.Register(ctx); err != nil {
			logger.Warn("re-registration failed", "error", err)
		}
	})

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		client.Run(gctx)
		return nil
	})
	g.Go(func() error {
		heartbeat.NewLoop(coll, client, cfg.HeartbeatInterval, logger).Run(gctx)
		return nil
	})
	g.Go(func() error {
		metricsLoop(gctx, coll, client, cfg.MetricsInterval, logger)
		return nil
	})

	_ = g.Wait()

	logger.Info("shutting down", "open_sessions", sessions.Count())
	sessions.CloseAll()
	logger.Info("agent stopped")
}

// dispatch routes an inbound hub envelope to the terminal manager or the
// command runner. Unknown types are logged and ignored so older agents
// survive newer hubs.
func dispatch(ctx context.Context, env protocol.Envelope, sessions *terminal.Manager, runner *command.Runner, logger *slog.Logger) error {
	switch env.Type {
	case protocol.TypeTerminalCreate:
		var req protocol.TerminalCreate
		if err := protocol.DecodePayload(env, &req); err != nil {
			return err
		}
		if req.SessionID == "" {
			req.SessionID = env.SessionID
		}
		return sessions.Create(&req)

	case protocol.TypeTerminalInput:
		var req protocol.TerminalInput
		if err := protocol.DecodePayload(env, &req); err != nil {
			return err
		}
		if req.SessionID == "" {
			req.SessionID = env.SessionID
		}
		return sessions.Write(req.SessionID, req.Data)

	case protocol.TypeTerminalResize:
		var req protocol.TerminalResize
		if err := protocol.DecodePayload(env, &req); err != nil {
			return err
		}
		if req.SessionID == "" {
			req.SessionID = env.SessionID
		}
		return sessions.Resize(req.SessionID, req.Cols, req.Rows)

	case protocol.TypeTerminalClose:
		var req protocol.TerminalClose
		if err := protocol.DecodePayload(env, &req); err != nil {
			return err
		}
		if req.SessionID == "" {
			req.SessionID = env.SessionID
		}
		sessions.Close(req.SessionID)
		return nil

	case protocol.TypeCommandDispatch:
		var req protocol.CommandDispatch
		if err := protocol.DecodePayload(env, &req); err != nil {
			return err
		}
		runner.Dispatch(ctx, req)
		return nil

	default:
		logger.Debug("ignoring unknown message type", "type", env.Type)
		return nil
	}
}

// metricsLoop collects and ships the full metrics snapshot on a fixed
// interval. Send failures are transient (reconnect in progress) and the next
// tick tries again.
func metricsLoop(ctx context.Context, coll *collector.Collector, client *transport.Client, interval time.Duration, logger *slog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m, err := coll.Collect(ctx)
			if err != nil {
				logger.Warn("metrics collection failed", "error", err)
				continue
			}
			env, err := protocol.NewEnvelope(protocol.TypeMetrics, "", m)
			if err != nil {
				logger.Warn("metrics encode failed", "error", err)
				continue
			}
			if err := client.Send(env); err != nil {
				logger.Debug("metrics send failed", "error", err)
			}
		}
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
