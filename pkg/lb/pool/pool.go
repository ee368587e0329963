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

// Package pool owns the in-memory registry of live workers and their load.
//
// The Pool is the single piece of state shared across concurrently routed
// requests. Its lock is held only for the duration of a map read or write,
// never across remote I/O; serializing provisioning attempts is the
// admission controller's job, not the Pool's.
package pool

import (
	"errors"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/go-logr/logr"
	"k8s.io/utils/clock"

	"github.com/Paladin159/morph/pkg/lb/metrics"
	logutil "github.com/Paladin159/morph/pkg/lb/util/logging"
)

var (
	// ErrNoCapacity is returned by Acquire when no live worker has spare
	// capacity. The caller decides whether to provision more capacity.
	ErrNoCapacity = errors.New("no worker with spare capacity")
	// ErrPoolEmpty is returned by AcquireAny when there are no live workers.
	ErrPoolEmpty = errors.New("pool is empty")
	// ErrCapacityExceeded is returned by Add when the pool is already at its
	// maximum size.
	ErrCapacityExceeded = errors.New("pool is at maximum size")
	// ErrDuplicateWorker is returned by Add when a worker with the same id is
	// already registered.
	ErrDuplicateWorker = errors.New("worker already registered")
)

// Pool tracks the set of live workers keyed by instance id.
type Pool struct {
	mu      sync.RWMutex
	workers map[string]*worker

	maxWorkers     int
	workerCapacity int

	admitted  atomic.Uint64
	completed atomic.Uint64

	clock  clock.Clock
	logger logr.Logger
}

// New creates an empty Pool. maxWorkers bounds the number of live workers;
// workerCapacity is the fixed per-worker concurrency limit applied to every
// added worker.
func New(maxWorkers, workerCapacity int, clk clock.Clock, logger logr.Logger) *Pool {
	return &Pool{
		workers:        make(map[string]*worker),
		maxWorkers:     maxWorkers,
		workerCapacity: workerCapacity,
		clock:          clk,
		logger:         logger.WithName("pool"),
	}
}

// Acquire picks the live worker with the smallest inflight count among those
// with spare capacity, increments its inflight count and returns a snapshot
// of it. Ties break by lexicographic worker id so selection is reproducible.
// Workers named in excludeIDs are skipped unless no other worker qualifies;
// routers use this to steer a retry away from the worker that just failed.
// Returns ErrNoCapacity if every worker is at capacity (or the pool is
// empty).
func (p *Pool) Acquire(excludeIDs ...string) (Worker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	best := p.leastLoadedLocked(true, excludeIDs)
	if best == nil && len(excludeIDs) > 0 {
		best = p.leastLoadedLocked(true, nil)
	}
	if best == nil {
		return Worker{}, ErrNoCapacity
	}
	return p.acquireLocked(best), nil
}

// AcquireAny picks the least-loaded live worker regardless of its nominal
// capacity, with the same soft exclusion semantics as Acquire. It backs the
// degraded path taken when provisioning fails: the request queues on a busy
// remote worker instead of being rejected outright. Returns ErrPoolEmpty
// when there is no worker at all.
func (p *Pool) AcquireAny(excludeIDs ...string) (Worker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	best := p.leastLoadedLocked(false, excludeIDs)
	if best == nil && len(excludeIDs) > 0 {
		best = p.leastLoadedLocked(false, nil)
	}
	if best == nil {
		return Worker{}, ErrPoolEmpty
	}
	return p.acquireLocked(best), nil
}

// Add registers a newly provisioned worker with a zero inflight count.
func (p *Pool) Add(id, url string) (Worker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, err := p.addLocked(id, url)
	if err != nil {
		return Worker{}, err
	}
	return w.snapshot(), nil
}

// AddAndAcquire registers a newly provisioned worker and acquires it in the
// same critical section, so the caller that drove provisioning does not have
// to race other callers for the capacity it just created.
func (p *Pool) AddAndAcquire(id, url string) (Worker, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	w, err := p.addLocked(id, url)
	if err != nil {
		return Worker{}, err
	}
	return p.acquireLocked(w), nil
}

// Release decrements the worker's inflight count and refreshes its
// last-activity time. Releasing an unknown or already-idle worker is an
// accounting anomaly: it is logged and ignored, never fatal.
func (p *Pool) Release(id string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	w, ok := p.workers[id]
	if !ok {
		p.logger.V(logutil.DEFAULT).Info("Accounting anomaly: release for unknown worker", "worker", id)
		return
	}
	if w.inflight == 0 {
		p.logger.V(logutil.DEFAULT).Info("Accounting anomaly: release for idle worker", "worker", id)
		w.lastActivity = p.clock.Now()
		return
	}
	w.inflight--
	w.lastActivity = p.clock.Now()
	p.logger.V(logutil.TRACE).Info("Released worker", "worker", w.snapshot())
	metrics.RecordPoolInflight(p.totalInflightLocked())
}

// Evict removes the worker from the pool. Without force it is a no-op when
// the worker is unknown or still has work in flight; force is used at full
// shutdown and for drain teardown. The removed snapshot is returned when the
// eviction happened. The caller is responsible for tearing the remote
// instance down first.
func (p *Pool) Evict(id string, force bool) (Worker, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	w, ok := p.workers[id]
	if !ok {
		return Worker{}, false
	}
	if w.inflight > 0 && !force {
		return Worker{}, false
	}
	delete(p.workers, id)
	metrics.RecordPoolSize(len(p.workers))
	metrics.RecordPoolInflight(p.totalInflightLocked())
	p.logger.V(logutil.VERBOSE).Info("Evicted worker", "worker", w.snapshot(), "force", force)
	return w.snapshot(), true
}

// Get returns a snapshot of the worker with the given id.
func (p *Pool) Get(id string) (Worker, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	w, ok := p.workers[id]
	if !ok {
		return Worker{}, false
	}
	return w.snapshot(), true
}

// Workers returns snapshots of all live workers sorted by id.
func (p *Pool) Workers() []Worker {
	p.mu.RLock()
	defer p.mu.RUnlock()
	res := make([]Worker, 0, len(p.workers))
	for _, w := range p.workers {
		res = append(res, w.snapshot())
	}
	sort.Slice(res, func(i, j int) bool { return res[i].ID < res[j].ID })
	return res
}

// Len returns the number of live workers.
func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.workers)
}

// MaxWorkers returns the pool's size bound.
func (p *Pool) MaxWorkers() int {
	return p.maxWorkers
}

// TotalInflight returns the sum of inflight counts across all live workers.
func (p *Pool) TotalInflight() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.totalInflightLocked()
}

// RecordAdmitted counts one request entering routing.
func (p *Pool) RecordAdmitted() {
	p.admitted.Add(1)
}

// RecordCompleted counts one request reaching a terminal state.
func (p *Pool) RecordCompleted() {
	p.completed.Add(1)
}

// Stats returns the process-wide demand counters.
func (p *Pool) Stats() Stats {
	// Load completed before admitted so a concurrent request can never make
	// the pair look drained when it is not.
	completed := p.completed.Load()
	admitted := p.admitted.Load()
	return Stats{Admitted: admitted, Completed: completed}
}

func (p *Pool) addLocked(id, url string) (*worker, error) {
	if len(p.workers) >= p.maxWorkers {
		return nil, ErrCapacityExceeded
	}
	if _, ok := p.workers[id]; ok {
		return nil, ErrDuplicateWorker
	}
	w := &worker{
		id:           id,
		url:          url,
		capacity:     p.workerCapacity,
		lastActivity: p.clock.Now(),
	}
	p.workers[id] = w
	metrics.RecordPoolSize(len(p.workers))
	p.logger.V(logutil.VERBOSE).Info("Added worker", "worker", w.snapshot(), "poolSize", len(p.workers))
	return w, nil
}

func (p *Pool) acquireLocked(w *worker) Worker {
	w.inflight++
	w.lastActivity = p.clock.Now()
	p.logger.V(logutil.TRACE).Info("Acquired worker", "worker", w.snapshot())
	metrics.RecordPoolInflight(p.totalInflightLocked())
	return w.snapshot()
}

// leastLoadedLocked returns the worker with the smallest inflight count,
// considering only workers below capacity when spareOnly is set and skipping
// excluded ids. Ties break by id.
func (p *Pool) leastLoadedLocked(spareOnly bool, excludeIDs []string) *worker {
	var best *worker
	for _, w := range p.workers {
		if spareOnly && w.inflight >= w.capacity {
			continue
		}
		if excluded(w.id, excludeIDs) {
			continue
		}
		if best == nil || w.inflight < best.inflight || (w.inflight == best.inflight && w.id < best.id) {
			best = w
		}
	}
	return best
}

func excluded(id string, excludeIDs []string) bool {
	for _, e := range excludeIDs {
		if e == id {
			return true
		}
	}
	return false
}

func (p *Pool) totalInflightLocked() int {
	total := 0
	for _, w := range p.workers {
		total += w.inflight
	}
	return total
}
