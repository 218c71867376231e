package otel

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestNewMetrics_DisabledIsNoop(t *testing.T) {
	m, err := NewMetrics(context.Background(), nil)
	if err != nil {
		t.Fatalf("new metrics: %v", err)
	}
	if m.Enabled() {
		t.Error("default config should be disabled")
	}

	// Recording through a disabled instance must be safe.
	ctx := context.Background()
	m.RecordIngest(ctx, "metrics")
	m.AgentConnected(ctx)
	m.AgentDisconnected(ctx)
	m.RecordJobDuration(ctx, "rollup-hourly", 120*time.Millisecond, true)
	m.RecordFanoutDrop(ctx, "instance:sea-01:events")
	m.RecordRegistration(ctx, "created")

	if err := m.Shutdown(ctx); err != nil {
		t.Errorf("shutdown: %v", err)
	}
}

func TestGlobalMetrics_FallsBackToNoop(t *testing.T) {
	SetGlobalMetrics(nil)
	m := GetGlobalMetrics()
	if m == nil {
		t.Fatal("global accessor returned nil")
	}
	if m.Enabled() {
		t.Error("fallback instance should be disabled")
	}
}

func TestNewTracer_DisabledIsNoop(t *testing.T) {
	tr, err := NewTracer(context.Background(), nil)
	if err != nil {
		t.Fatalf("new tracer: %v", err)
	}
	if tr.Enabled() {
		t.Error("default config should be disabled")
	}

	ctx, span := tr.StartIngestSpan(context.Background(), IngestSpanOptions{
		InstanceID: "sea-01",
		Stream:     "metrics",
	})
	span.End()
	if ctx == nil {
		t.Fatal("span context is nil")
	}
}

func TestNewMetrics_UnknownExporter(t *testing.T) {
	_, err := NewMetrics(context.Background(), &MetricsConfig{
		Enabled:      true,
		ServiceName:  "sindri-hub",
		ExporterType: ExporterType("bogus"),
	})
	if err == nil {
		t.Fatal("unknown exporter should fail")
	}
}

func TestMiddleware_PassesThroughWhenDisabled(t *testing.T) {
	tr := NoopTracer()

	called := false
	handler := Middleware(tr)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
		w.WriteHeader(http.StatusNoContent)
	}))

	w := httptest.NewRecorder()
	handler.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/instances", nil))

	if !called {
		t.Error("handler never ran")
	}
	if w.Code != http.StatusNoContent {
		t.Errorf("status = %d", w.Code)
	}
}

func TestResponseWriter_ForwardsFlush(t *testing.T) {
	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, statusCode: http.StatusOK}

	rw.WriteHeader(http.StatusOK)
	if _, err := rw.Write([]byte("data: {}\n\n")); err != nil {
		t.Fatal(err)
	}
	rw.Flush()

	if !rec.Flushed {
		t.Error("flush was not forwarded to the underlying writer")
	}
}

func TestGetTraceInfo_EmptyWithoutSpan(t *testing.T) {
	traceID, spanID := GetTraceInfo(context.Background())
	if traceID != "" || spanID != "" {
		t.Errorf("trace info = %q/%q, want empty", traceID, spanID)
	}
}
