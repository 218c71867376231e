package api

import (
	"io"
	"log/slog"
	"testing"
	"time"
)

func testLimiter(requests, strict int, window time.Duration) *rateLimiter {
	cfg := DefaultRateLimiterConfig()
	cfg.Requests = requests
	cfg.StrictRequests = strict
	cfg.Window = window
	return newRateLimiter(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestAllow_RejectsBeyondLimit(t *testing.T) {
	rl := testLimiter(5, 2, time.Minute)

	for i := 0; i < 5; i++ {
		d := rl.allow("10.0.0.1")
		if !d.allowed {
			t.Fatalf("request %d rejected inside limit", i+1)
		}
		if d.remaining != 5-(i+1) {
			t.Errorf("request %d remaining = %d", i+1, d.remaining)
		}
	}

	d := rl.allow("10.0.0.1")
	if d.allowed {
		t.Fatal("request beyond limit allowed")
	}
	if d.retryAfter <= 0 || d.retryAfter > time.Minute {
		t.Errorf("retryAfter = %v, want within window", d.retryAfter)
	}
}

func TestAllow_ClientsAreIndependent(t *testing.T) {
	rl := testLimiter(3, 2, time.Minute)

	for i := 0; i < 3; i++ {
		rl.allow("10.0.0.1")
	}
	if rl.allow("10.0.0.1").allowed {
		t.Fatal("exhausted client should be limited")
	}
	if !rl.allow("10.0.0.2").allowed {
		t.Fatal("second client throttled by first client's traffic")
	}
}

func TestAllow_WindowSlides(t *testing.T) {
	rl := testLimiter(2, 2, 50*time.Millisecond)

	rl.allow("10.0.0.1")
	rl.allow("10.0.0.1")
	if rl.allow("10.0.0.1").allowed {
		t.Fatal("third request inside window allowed")
	}

	time.Sleep(60 * time.Millisecond)
	if !rl.allow("10.0.0.1").allowed {
		t.Fatal("request after window expiry rejected")
	}
}

func TestAllowStrict_UsesTighterLimit(t *testing.T) {
	rl := testLimiter(100, 2, time.Minute)

	rl.allowStrict("10.0.0.1")
	rl.allowStrict("10.0.0.1")
	if rl.allowStrict("10.0.0.1").allowed {
		t.Fatal("strict tier should cap at StrictRequests")
	}
	// The default tier's higher allowance still has headroom.
	if !rl.allow("10.0.0.1").allowed {
		t.Fatal("default tier rejected under its limit")
	}
}

func TestAllow_DisabledAlwaysPasses(t *testing.T) {
	cfg := DefaultRateLimiterConfig()
	cfg.Requests = 1
	cfg.Enabled = false
	rl := newRateLimiter(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))

	for i := 0; i < 10; i++ {
		if !rl.allow("10.0.0.1").allowed {
			t.Fatal("disabled limiter rejected a request")
		}
	}
}

func TestEviction_AtMaxClients(t *testing.T) {
	cfg := DefaultRateLimiterConfig()
	cfg.MaxClients = 2
	rl := newRateLimiter(cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))

	rl.allow("a")
	rl.allow("b")
	rl.allow("c")

	rl.mu.Lock()
	defer rl.mu.Unlock()
	if len(rl.windows) > 2 {
		t.Errorf("windows = %d, want at most MaxClients", len(rl.windows))
	}
}
