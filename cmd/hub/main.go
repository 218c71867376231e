package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/pacphi/sindri-console/internal/auth"
	"github.com/pacphi/sindri-console/internal/hub/api"
	"github.com/pacphi/sindri-console/internal/hub/channels"
	"github.com/pacphi/sindri-console/internal/hub/ingest"
	"github.com/pacphi/sindri-console/internal/hub/store"
	"github.com/pacphi/sindri-console/internal/hub/ws"
	"github.com/pacphi/sindri-console/internal/otel"
)

func main() {
	addr := flag.String("addr", ":8080", "HTTP server address")
	dbPath := flag.String("db", "sindri.db", "Path to the SQLite database file")
	authMode := flag.String("auth-mode", "api_key", "Authentication mode: none, api_key")
	apiKeys := flag.String("api-keys", "", "Comma-separated operator API keys (for api_key mode)")
	insecure := flag.Bool("insecure", false, "Allow unauthenticated mode (only safe on loopback)")
	agentTokens := flag.String("agent-tokens", "", "Comma-separated bearer tokens for agent authentication")
	rateLimit := flag.Int("rate-limit", 100, "Requests allowed per client per window (0 to disable)")
	strictRateLimit := flag.Int("strict-rate-limit", 10, "Requests allowed per client per window on registration")
	rateWindow := flag.Duration("rate-window", 60*time.Second, "Rate limit window")
	otelExporter := flag.String("otel-exporter", "none", "OpenTelemetry exporter: none, stdout, otlp-grpc, otlp-http")
	otelEndpoint := flag.String("otel-endpoint", "", "OTLP endpoint (e.g., localhost:4317)")
	otelInsecure := flag.Bool("otel-insecure", false, "Disable TLS for OTLP connections")
	traceSample := flag.Float64("trace-sample", 1.0, "Trace sampling rate (0.0 to 1.0)")
	logLevel := flag.String("log-level", "info", "Log level: debug, info, warn, error")
	devMode := flag.Bool("dev", false, "Development mode: binds to loopback, disables auth and rate limiting")
	flag.Parse()

	if *devMode {
		*addr = "127.0.0.1:8080"
		*insecure = true
		*agentTokens = "dev-token"
		*rateLimit = 0
		fmt.Println("")
		fmt.Println("╔════════════════════════════════════════════════════════════╗")
		fmt.Println("║  DEVELOPMENT MODE - DO NOT USE IN PRODUCTION               ║")
		fmt.Println("║  Auth disabled, rate limiting disabled                     ║")
		fmt.Println("║  Bound to loopback only (127.0.0.1:8080)                   ║")
		fmt.Println("╚════════════════════════════════════════════════════════════╝")
		fmt.Println("")
	}

	logger := newLogger(*logLevel)

	if strings.EqualFold(*authMode, string(auth.ModeNone)) && !*insecure {
		fmt.Fprintln(os.Stderr, "Refusing to start with auth disabled without --insecure")
		os.Exit(1)
	}

	ctx := context.Background()

	metrics, err := otel.NewMetrics(ctx, &otel.MetricsConfig{
		Enabled:      *otelExporter != string(otel.ExporterNone),
		ServiceName:  "sindri-hub",
		ExporterType: otel.ExporterType(*otelExporter),
		OTLPEndpoint: *otelEndpoint,
		OTLPInsecure: *otelInsecure,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating metrics: %v\n", err)
		os.Exit(1)
	}
	otel.SetGlobalMetrics(metrics)

	tracer, err := otel.NewTracer(ctx, &otel.Config{
		Enabled:      *otelExporter != string(otel.ExporterNone),
		ServiceName:  "sindri-hub",
		ExporterType: otel.ExporterType(*otelExporter),
		OTLPEndpoint: *otelEndpoint,
		OTLPInsecure: *otelInsecure,
		SampleRate:   *traceSample,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error creating tracer: %v\n", err)
		os.Exit(1)
	}
	otel.SetGlobalTracer(tracer)

	st, err := store.Open(ctx, *dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening store: %v\n", err)
		os.Exit(1)
	}

	jobs := store.NewJobs(st, store.JobConfig{}, logger)
	jobs.Start()

	bus := channels.NewBus()
	presence := channels.NewPresence()
	ing := ingest.NewService(st, bus, logger)

	var tokens []string
	if *agentTokens != "" {
		tokens = strings.Split(*agentTokens, ",")
	}
	agentSocket := ws.NewHandler(ing, st, bus, presence, tokens, logger)

	server := api.NewServer(*addr, st)
	server.SetLogger(logger)
	server.SetBus(bus)
	server.SetPresence(presence)
	server.SetAgentSocket(agentSocket)

	authConfig := &auth.Config{
		Mode:      auth.Mode(*authMode),
		SkipPaths: []string{"/healthz", "/readyz"},
	}
	if *insecure {
		authConfig.Mode = auth.ModeNone
	}
	if *apiKeys != "" {
		authConfig.APIKeys = strings.Split(*apiKeys, ",")
	}
	server.SetAuthConfig(authConfig)

	if len(tokens) > 0 {
		server.SetAgentAuthConfig(&api.AgentAuthConfig{
			Enabled: true,
			Tokens:  tokens,
		})
	}

	rlConfig := api.DefaultRateLimiterConfig()
	rlConfig.Requests = *rateLimit
	rlConfig.StrictRequests = *strictRateLimit
	rlConfig.Window = *rateWindow
	rlConfig.Enabled = *rateLimit > 0
	server.SetRateLimiterConfig(rlConfig)

	if err := server.Start(); err != nil {
		fmt.Fprintf(os.Stderr, "Error starting server: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Sindri hub listening on %s\n", server.URL())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	fmt.Println("\nShutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
	}

	jobs.Stop()

	if err := st.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Error closing store: %v\n", err)
	}
	_ = metrics.Shutdown(shutdownCtx)
	_ = tracer.Shutdown(shutdownCtx)

	fmt.Println("Hub stopped")
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
