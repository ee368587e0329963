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

// Package admission turns "no worker currently has spare capacity" into
// either reuse or growth without double-provisioning under concurrent
// demand.
//
// Two exclusion scopes are in play: the Pool's own lock, which is never held
// across remote I/O, and the controller's creation slot, which is held
// across the whole provisioning call precisely so that concurrent callers
// cannot each trigger a remote create. A caller that wins the slot re-checks
// the pool first, because the previous holder usually just added the
// capacity it needs.
package admission

import (
	"context"
	"errors"

	"github.com/Paladin159/morph/pkg/lb/metrics"
	"github.com/Paladin159/morph/pkg/lb/pool"
	errutil "github.com/Paladin159/morph/pkg/lb/util/error"
	logutil "github.com/Paladin159/morph/pkg/lb/util/logging"
)

// WorkerCreator provisions one new remote worker. Implemented by
// provisioning.Provisioner.
type WorkerCreator interface {
	CreateWorker(ctx context.Context) (id, url string, err error)
	TeardownWorker(ctx context.Context, id string) error
}

// Controller decides, per request, whether to reuse an existing worker or
// provision a new one.
type Controller struct {
	pool    *pool.Pool
	creator WorkerCreator

	// creationSlot serializes provisioning attempts. A buffered channel
	// instead of a mutex so that waiting respects context cancellation.
	creationSlot chan struct{}
}

// NewController creates a Controller over the given pool and creator.
func NewController(p *pool.Pool, creator WorkerCreator) *Controller {
	return &Controller{
		pool:         p,
		creator:      creator,
		creationSlot: make(chan struct{}, 1),
	}
}

// AcquireWorker returns a worker with the request already counted against
// it. The caller must Release the worker's id exactly once.
//
// Order of preference: an existing worker with spare capacity; a freshly
// provisioned worker (at most one provisioning attempt in flight at a
// time); when provisioning failed but live workers exist, the least-loaded
// worker regardless of its nominal capacity. An error with code
// PoolExhausted is returned when the pool is at maximum size with every
// worker at capacity, or when it is empty and provisioning failed.
func (c *Controller) AcquireWorker(ctx context.Context, excludeIDs ...string) (pool.Worker, error) {
	logger := logutil.FromContext(ctx)

	if w, err := c.pool.Acquire(excludeIDs...); err == nil {
		return w, nil
	}

	// No spare capacity. Wait for the creation slot; whoever holds it is
	// likely adding the capacity we need.
	select {
	case c.creationSlot <- struct{}{}:
	case <-ctx.Done():
		return pool.Worker{}, errutil.Error{Code: errutil.RequestTimeout, Msg: "deadline elapsed while waiting for capacity"}
	}
	defer func() { <-c.creationSlot }()

	// Double-check: another caller may have just finished creating a worker.
	if w, err := c.pool.Acquire(excludeIDs...); err == nil {
		return w, nil
	}

	if c.pool.Len() >= c.pool.MaxWorkers() {
		logger.V(logutil.DEBUG).Info("Pool at maximum size with no spare capacity",
			"poolSize", c.pool.Len(), "maxWorkers", c.pool.MaxWorkers())
		return pool.Worker{}, errutil.Error{Code: errutil.PoolExhausted, Msg: "pool at maximum size and all workers at capacity"}
	}

	id, url, err := c.creator.CreateWorker(ctx)
	if err != nil {
		logger.V(logutil.DEFAULT).Error(err, "Provisioning failed, falling back to existing workers")
		return c.fallback(excludeIDs)
	}

	w, err := c.pool.AddAndAcquire(id, url)
	if err != nil {
		// The pool filled up while we were provisioning. The instance is
		// surplus; tear it down and reuse what the others created.
		logger.V(logutil.DEFAULT).Error(err, "Could not register provisioned worker", "instance", id)
		if terr := c.creator.TeardownWorker(ctx, id); terr == nil {
			metrics.RecordWorkerEvicted("provisioning")
		}
		return c.fallback(excludeIDs)
	}
	metrics.RecordWorkerCreated()
	logger.V(logutil.VERBOSE).Info("Provisioned new worker", "worker", w, "poolSize", c.pool.Len())
	return w, nil
}

// fallback degrades gracefully after a failed provisioning attempt: accept
// queuing delay on a busy remote worker rather than rejecting outright.
func (c *Controller) fallback(excludeIDs []string) (pool.Worker, error) {
	w, err := c.pool.AcquireAny(excludeIDs...)
	if err != nil {
		if errors.Is(err, pool.ErrPoolEmpty) {
			return pool.Worker{}, errutil.Error{Code: errutil.PoolExhausted, Msg: "no worker available"}
		}
		return pool.Worker{}, errutil.Error{Code: errutil.Internal, Msg: err.Error()}
	}
	return w, nil
}
