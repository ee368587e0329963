/*
Copyright 2025 The Morph Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package reaper tears down remote workers the pool no longer needs.
//
// Two policies run on the same cadence: idle eviction removes a worker that
// has been inactive past a threshold, and drain teardown removes every
// non-permanent worker once demand has returned to zero after a burst, so
// idle remote capacity is not paid for between bursts. Teardown is
// best-effort per worker: a failure is logged and the worker record is
// retained so a later pass retries it.
package reaper

import (
	"context"
	"time"

	"k8s.io/utils/clock"

	"github.com/Paladin159/morph/pkg/lb/metrics"
	"github.com/Paladin159/morph/pkg/lb/pool"
	logutil "github.com/Paladin159/morph/pkg/lb/util/logging"
)

const (
	// DefaultInterval is the cadence of reap passes.
	DefaultInterval = 10 * time.Second
	// DefaultIdleThreshold is how long a worker may sit idle before it is
	// torn down.
	DefaultIdleThreshold = 60 * time.Second
)

// WorkerDestroyer tears one remote worker down. Implemented by
// provisioning.Provisioner.
type WorkerDestroyer interface {
	TeardownWorker(ctx context.Context, id string) error
}

// Config holds the reaper's policy knobs.
type Config struct {
	Interval      time.Duration
	IdleThreshold time.Duration
	// PermanentWorkerID names a worker that is never reaped, for deployments
	// that keep one long-lived template worker. Empty means no such worker.
	PermanentWorkerID string
	// DisableDrain turns the drain-to-zero pass off, leaving only idle
	// eviction.
	DisableDrain bool
}

func (c *Config) withDefaults() *Config {
	out := *c
	if out.Interval <= 0 {
		out.Interval = DefaultInterval
	}
	if out.IdleThreshold <= 0 {
		out.IdleThreshold = DefaultIdleThreshold
	}
	return &out
}

// Reaper periodically evicts idle workers and drains the pool to zero
// between bursts.
type Reaper struct {
	pool      *pool.Pool
	destroyer WorkerDestroyer
	config    *Config
	clock     clock.WithTicker

	// drainedAt is the admitted count at the last drain pass; a new drain
	// only fires once fresh demand has arrived and completed since then.
	drainedAt uint64
}

// New creates a Reaper over the given pool and destroyer.
func New(p *pool.Pool, destroyer WorkerDestroyer, config *Config, clk clock.WithTicker) *Reaper {
	return &Reaper{
		pool:      p,
		destroyer: destroyer,
		config:    config.withDefaults(),
		clock:     clk,
	}
}

// Run executes reap passes on the configured cadence until ctx is done.
func (r *Reaper) Run(ctx context.Context) {
	logger := logutil.FromContext(ctx).WithName("reaper")
	ctx = logutil.IntoContext(ctx, logger)
	logger.V(logutil.DEFAULT).Info("Reaper running",
		"interval", r.config.Interval, "idleThreshold", r.config.IdleThreshold)

	ticker := r.clock.NewTicker(r.config.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			logger.V(logutil.DEFAULT).Info("Reaper stopping")
			return
		case <-ticker.C():
			r.reapOnce(ctx)
		}
	}
}

// reapOnce runs one pass: the drain policy when demand has returned to zero,
// otherwise idle eviction.
func (r *Reaper) reapOnce(ctx context.Context) {
	if !r.config.DisableDrain && r.shouldDrain() {
		r.drain(ctx)
		return
	}
	r.evictIdle(ctx)
}

// shouldDrain reports whether demand has returned to zero after a burst that
// the reaper has not already drained behind.
func (r *Reaper) shouldDrain() bool {
	stats := r.pool.Stats()
	if stats.Admitted == 0 || stats.Admitted != stats.Completed {
		return false
	}
	if r.pool.TotalInflight() != 0 {
		return false
	}
	return stats.Admitted > r.drainedAt
}

func (r *Reaper) drain(ctx context.Context) {
	logger := logutil.FromContext(ctx)
	stats := r.pool.Stats()
	logger.V(logutil.DEFAULT).Info("Demand drained to zero, tearing down workers", "stats", stats)

	allDown := true
	for _, w := range r.pool.Workers() {
		if w.ID == r.config.PermanentWorkerID {
			continue
		}
		if err := r.destroyer.TeardownWorker(ctx, w.ID); err != nil {
			// Retained for the next pass.
			logger.V(logutil.DEFAULT).Error(err, "Teardown failed during drain", "worker", w.ID)
			allDown = false
			continue
		}
		if _, ok := r.pool.Evict(w.ID, true); ok {
			metrics.RecordWorkerEvicted("drain")
		}
	}
	if allDown {
		r.drainedAt = stats.Admitted
	}
}

func (r *Reaper) evictIdle(ctx context.Context) {
	logger := logutil.FromContext(ctx)
	for _, w := range r.pool.Workers() {
		if w.ID == r.config.PermanentWorkerID {
			continue
		}
		if w.Inflight != 0 || r.clock.Since(w.LastActivity) < r.config.IdleThreshold {
			continue
		}
		if err := r.destroyer.TeardownWorker(ctx, w.ID); err != nil {
			logger.V(logutil.DEFAULT).Error(err, "Teardown failed for idle worker", "worker", w.ID)
			continue
		}
		// Evict without force: if the worker picked up work between the
		// snapshot and here, the record stays and the anomaly surfaces in
		// routing rather than silently losing accounting.
		if _, ok := r.pool.Evict(w.ID, false); ok {
			metrics.RecordWorkerEvicted("idle")
			logger.V(logutil.VERBOSE).Info("Evicted idle worker",
				"worker", w.ID, "idle", r.clock.Since(w.LastActivity))
		}
	}
}
