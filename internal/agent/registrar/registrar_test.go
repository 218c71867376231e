package registrar

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pacphi/sindri-console/internal/agent/config"
	"github.com/pacphi/sindri-console/internal/protocol"
)

func testConfig(url string) *config.Config {
	return &config.Config{
		HubURL:     url,
		APIKey:     "test-key",
		InstanceID: "sea-01",
		Provider:   "fly",
		Region:     "sea",
		Tags:       map[string]string{"env": "test"},
	}
}

func fastRegistrar(cfg *config.Config) *Registrar {
	r := New(cfg)
	r.backoff = time.Millisecond
	return r
}

func TestRegister_Success(t *testing.T) {
	var got protocol.Registration
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v1/instances" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
			t.Errorf("unexpected auth header %q", auth)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	if err := fastRegistrar(testConfig(srv.URL)).Register(context.Background()); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if got.InstanceID != "sea-01" || got.Provider != "fly" {
		t.Errorf("unexpected record %+v", got)
	}
	if got.Timestamp.IsZero() {
		t.Error("record timestamp not set")
	}
}

func TestRegister_ConflictIsSuccess(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	reg := fastRegistrar(testConfig(srv.URL))
	if err := reg.Register(context.Background()); err != nil {
		t.Fatalf("conflict should be success, got %v", err)
	}
	if err := reg.Register(context.Background()); err != nil {
		t.Fatalf("second registration should also succeed, got %v", err)
	}
	if calls.Load() != 2 {
		t.Errorf("expected exactly 2 requests (no retries on 409), got %d", calls.Load())
	}
}

func TestRegister_RetriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	if err := fastRegistrar(testConfig(srv.URL)).Register(context.Background()); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if calls.Load() != 4 {
		t.Errorf("expected success on 4th attempt, got %d calls", calls.Load())
	}
}

func TestRegister_ExhaustsAttempts(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	if err := fastRegistrar(testConfig(srv.URL)).Register(context.Background()); err == nil {
		t.Fatal("expected error after exhausted retries")
	}
	if calls.Load() != 5 {
		t.Errorf("expected 5 attempts, got %d", calls.Load())
	}
}

func TestRegister_BackoffDoubles(t *testing.T) {
	var stamps []time.Time
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		stamps = append(stamps, time.Now())
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	reg := New(testConfig(srv.URL))
	reg.backoff = 20 * time.Millisecond

	_ = reg.Register(context.Background())

	if len(stamps) != 5 {
		t.Fatalf("expected 5 attempts, got %d", len(stamps))
	}
	// Each wait must be at least double the previous one.
	prev := time.Duration(0)
	for i := 1; i < len(stamps); i++ {
		gap := stamps[i].Sub(stamps[i-1])
		if gap < prev*2*9/10 { // 10% scheduling slack
			t.Errorf("wait %d (%v) not at least double previous (%v)", i, gap, prev)
		}
		prev = gap
	}
}

func TestRegister_CancelAbortsRetryWait(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	reg := New(testConfig(srv.URL))
	reg.backoff = time.Hour

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- reg.Register(ctx) }()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if err == nil {
			t.Error("expected error from cancelled registration")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Register did not return after cancellation")
	}
}
