package store

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pacphi/sindri-console/internal/otel"
)

// JobConfig sets the scheduled-maintenance cadence. Zero fields take the
// defaults below.
type JobConfig struct {
	HourlyRollupInterval time.Duration
	HourlyLookback       time.Duration
	DailyRollupInterval  time.Duration
	DailyLookback        time.Duration
	RetentionInterval    time.Duration
	CompressionInterval  time.Duration
	CompressionAge       time.Duration
}

// WithDefaults fills unset fields.
func (c JobConfig) WithDefaults() JobConfig {
	if c.HourlyRollupInterval <= 0 {
		c.HourlyRollupInterval = time.Hour
	}
	if c.HourlyLookback <= 0 {
		c.HourlyLookback = 3 * time.Hour
	}
	if c.DailyRollupInterval <= 0 {
		c.DailyRollupInterval = 24 * time.Hour
	}
	if c.DailyLookback <= 0 {
		c.DailyLookback = 3 * 24 * time.Hour
	}
	if c.RetentionInterval <= 0 {
		c.RetentionInterval = time.Hour
	}
	if c.CompressionInterval <= 0 {
		c.CompressionInterval = time.Hour
	}
	if c.CompressionAge <= 0 {
		c.CompressionAge = 2 * 24 * time.Hour
	}
	return c
}

// Jobs runs the store's scheduled maintenance: rollup refresh, retention
// sweeps, and chunk compression. Each policy ticks independently and a
// per-job guard prevents a slow run overlapping the next tick.
type Jobs struct {
	store  *Store
	config JobConfig
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	group   *errgroup.Group
}

// NewJobs creates the maintenance scheduler. Call Start to begin.
func NewJobs(store *Store, config JobConfig, logger *slog.Logger) *Jobs {
	return &Jobs{
		store:  store,
		config: config.WithDefaults(),
		logger: logger,
	}
}

// Start launches the job loops. Calling Start on a running scheduler is a
// no-op.
func (j *Jobs) Start() {
	j.mu.Lock()
	defer j.mu.Unlock()

	if j.running {
		return
	}
	j.running = true

	ctx, cancel := context.WithCancel(context.Background())
	j.cancel = cancel
	j.group, ctx = errgroup.WithContext(ctx)

	j.spawn(ctx, "rollup-hourly", j.config.HourlyRollupInterval, func(ctx context.Context) error {
		return j.store.RefreshHourlyRollups(ctx, time.Now().UTC(), j.config.HourlyLookback)
	})
	j.spawn(ctx, "rollup-daily", j.config.DailyRollupInterval, func(ctx context.Context) error {
		return j.store.RefreshDailyRollups(ctx, time.Now().UTC(), j.config.DailyLookback)
	})
	j.spawn(ctx, "retention", j.config.RetentionInterval, func(ctx context.Context) error {
		res, err := j.store.ApplyRetention(ctx, time.Now().UTC())
		if err != nil {
			return err
		}
		if res.RawMetrics > 0 || res.RawHeartbeats > 0 || res.Logs > 0 || res.CompressedChunks > 0 {
			j.logger.Info("retention sweep",
				"raw_metrics", res.RawMetrics,
				"raw_heartbeats", res.RawHeartbeats,
				"compressed_chunks", res.CompressedChunks,
				"hourly_rollups", res.HourlyRollups,
				"daily_rollups", res.DailyRollups,
				"logs", res.Logs,
			)
		}
		return nil
	})
	j.spawn(ctx, "compression", j.config.CompressionInterval, func(ctx context.Context) error {
		n, err := j.store.CompressChunks(ctx, time.Now().UTC().Add(-j.config.CompressionAge))
		if err != nil {
			return err
		}
		if n > 0 {
			j.logger.Info("compressed metric chunks", "chunks", n)
		}
		return nil
	})
}

// Stop cancels the job loops and waits for in-flight runs to finish.
func (j *Jobs) Stop() {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return
	}
	j.running = false
	cancel := j.cancel
	group := j.group
	j.mu.Unlock()

	cancel()
	_ = group.Wait()
}

// spawn runs fn on its own ticker. A run that outlasts the interval makes
// the scheduler skip ticks instead of stacking runs.
func (j *Jobs) spawn(ctx context.Context, name string, interval time.Duration, fn func(ctx context.Context) error) {
	var inFlight atomic.Bool

	j.group.Go(func() error {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return nil
			case <-ticker.C:
				if !inFlight.CompareAndSwap(false, true) {
					j.logger.Warn("maintenance job still running, skipping tick", "job", name)
					continue
				}
				start := time.Now()
				err := fn(ctx)
				otel.GetGlobalMetrics().RecordJobDuration(ctx, name, time.Since(start), err == nil)
				if err != nil && ctx.Err() == nil {
					j.logger.Error("maintenance job failed", "job", name, "error", err)
				}
				inFlight.Store(false)
			}
		}
	})
}
