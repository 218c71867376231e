package api

import (
	"log/slog"
	"sync"
	"time"
)

const (
	defaultRateLimitRequests       = 100
	defaultStrictRateLimitRequests = 10
	defaultRateLimitWindow         = 60 * time.Second

	defaultMaxRateLimiterClients      = 10000
	defaultRateLimiterClientTTL       = 10 * time.Minute
	defaultRateLimiterCleanupInterval = time.Minute
)

// RateLimiterConfig configures the sliding-window rate limiter. Limits are
// per client address and process-local; a multi-replica hub would need a
// shared store, which is out of scope for a single-hub deployment.
type RateLimiterConfig struct {
	// Requests is the default per-window request allowance.
	Requests int
	// StrictRequests is the tighter allowance applied to registration.
	StrictRequests int
	// Window is the sliding window length.
	Window time.Duration
	// Enabled controls whether rate limiting is active.
	Enabled bool
	// MaxClients is the maximum number of client windows to retain.
	MaxClients int
	// ClientTTL is how long to retain idle client windows.
	ClientTTL time.Duration
	// CleanupInterval controls how often idle windows are cleaned.
	CleanupInterval time.Duration
}

// DefaultRateLimiterConfig returns sensible defaults for the rate limiter.
func DefaultRateLimiterConfig() *RateLimiterConfig {
	return &RateLimiterConfig{
		Requests:        defaultRateLimitRequests,
		StrictRequests:  defaultStrictRateLimitRequests,
		Window:          defaultRateLimitWindow,
		Enabled:         true,
		MaxClients:      defaultMaxRateLimiterClients,
		ClientTTL:       defaultRateLimiterClientTTL,
		CleanupInterval: defaultRateLimiterCleanupInterval,
	}
}

// decision is the outcome of one rate-limit check, carrying everything the
// middleware needs for the X-RateLimit-* headers.
type decision struct {
	allowed    bool
	limit      int
	remaining  int
	reset      time.Time
	retryAfter time.Duration
}

// clientWindow holds the request timestamps inside the current window for
// one client address.
type clientWindow struct {
	times    []time.Time
	lastSeen time.Time
}

// rateLimiter manages per-client sliding windows.
type rateLimiter struct {
	config      *RateLimiterConfig
	logger      *slog.Logger
	mu          sync.Mutex
	windows     map[string]*clientWindow
	lastCleanup time.Time
}

func newRateLimiter(config *RateLimiterConfig, logger *slog.Logger) *rateLimiter {
	if config == nil {
		config = DefaultRateLimiterConfig()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &rateLimiter{
		config:      config,
		logger:      logger,
		windows:     make(map[string]*clientWindow),
		lastCleanup: time.Now(),
	}
}

// allow checks one request against the default tier.
func (rl *rateLimiter) allow(key string) decision {
	return rl.allowKey(key, rl.config.Requests)
}

// allowStrict checks one request against the strict tier.
func (rl *rateLimiter) allowStrict(key string) decision {
	return rl.allowKey(key, rl.config.StrictRequests)
}

func (rl *rateLimiter) allowKey(key string, limit int) decision {
	window := rl.config.Window
	if window <= 0 {
		window = defaultRateLimitWindow
	}
	if !rl.config.Enabled {
		return decision{allowed: true, limit: limit, remaining: limit, reset: time.Now().Add(window)}
	}
	if key == "" {
		key = "unknown"
	}

	now := time.Now()
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.cleanupLocked(now)

	cw, ok := rl.windows[key]
	if !ok {
		if rl.config.MaxClients > 0 && len(rl.windows) >= rl.config.MaxClients {
			rl.evictOldestLocked()
		}
		cw = &clientWindow{}
		rl.windows[key] = cw
	}
	cw.lastSeen = now

	// Slide: drop timestamps that have left the window.
	cutoff := now.Add(-window)
	kept := cw.times[:0]
	for _, t := range cw.times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	cw.times = kept

	if len(cw.times) >= limit {
		// The window frees a slot when its oldest request ages out.
		oldest := cw.times[0]
		retry := oldest.Add(window).Sub(now)
		if retry < 0 {
			retry = 0
		}
		return decision{
			allowed:    false,
			limit:      limit,
			remaining:  0,
			reset:      oldest.Add(window),
			retryAfter: retry,
		}
	}

	cw.times = append(cw.times, now)
	reset := cw.times[0].Add(window)
	return decision{
		allowed:   true,
		limit:     limit,
		remaining: limit - len(cw.times),
		reset:     reset,
	}
}

func (rl *rateLimiter) cleanupLocked(now time.Time) {
	interval := rl.config.CleanupInterval
	if interval <= 0 {
		interval = defaultRateLimiterCleanupInterval
	}
	if now.Sub(rl.lastCleanup) < interval {
		return
	}
	rl.lastCleanup = now

	ttl := rl.config.ClientTTL
	if ttl <= 0 {
		ttl = defaultRateLimiterClientTTL
	}
	cutoff := now.Add(-ttl)
	for key, cw := range rl.windows {
		if cw.lastSeen.Before(cutoff) {
			delete(rl.windows, key)
		}
	}
}

func (rl *rateLimiter) evictOldestLocked() {
	var oldestKey string
	var oldestTime time.Time
	first := true
	for key, cw := range rl.windows {
		if first || cw.lastSeen.Before(oldestTime) {
			oldestKey = key
			oldestTime = cw.lastSeen
			first = false
		}
	}
	if oldestKey != "" {
		rl.logger.Warn("rate limiter at max clients, evicting oldest window",
			"max_clients", rl.config.MaxClients, "evicted", oldestKey)
		delete(rl.windows, oldestKey)
	}
}
