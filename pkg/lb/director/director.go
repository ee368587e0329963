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

// Package director routes inbound hash requests across the worker pool:
// acquire a worker, dispatch, and on transient failure release and retry on
// a different worker, bounded by a retry budget and the request's overall
// deadline.
package director

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/Paladin159/morph/pkg/lb/hashcache"
	"github.com/Paladin159/morph/pkg/lb/metrics"
	"github.com/Paladin159/morph/pkg/lb/pool"
	errutil "github.com/Paladin159/morph/pkg/lb/util/error"
	logutil "github.com/Paladin159/morph/pkg/lb/util/logging"
)

const (
	// DefaultRequestDeadline bounds one request end to end, including any
	// provisioning it triggers.
	DefaultRequestDeadline = 60 * time.Second
	// DefaultDispatchTimeout bounds a single unit-of-work call. Must be
	// strictly smaller than the request deadline.
	DefaultDispatchTimeout = 10 * time.Second
	// DefaultMaxRetries bounds dispatch retries per request, independent of
	// the deadline, so a systematically broken worker cannot cause infinite
	// thrash.
	DefaultMaxRetries = 3
	// DefaultAcquireBackoff is the pause before re-asking an exhausted pool.
	DefaultAcquireBackoff = 250 * time.Millisecond
)

// Config holds the director's routing knobs.
type Config struct {
	RequestDeadline time.Duration
	DispatchTimeout time.Duration
	MaxRetries      int
	AcquireBackoff  time.Duration
}

func (c *Config) withDefaults() *Config {
	out := *c
	if out.RequestDeadline <= 0 {
		out.RequestDeadline = DefaultRequestDeadline
	}
	if out.DispatchTimeout <= 0 {
		out.DispatchTimeout = DefaultDispatchTimeout
	}
	if out.MaxRetries <= 0 {
		out.MaxRetries = DefaultMaxRetries
	}
	if out.AcquireBackoff <= 0 {
		out.AcquireBackoff = DefaultAcquireBackoff
	}
	return &out
}

// WorkerSource hands out workers with the request already counted against
// them. Workers named in excludeIDs are avoided when an alternative exists.
// Implemented by admission.Controller.
type WorkerSource interface {
	AcquireWorker(ctx context.Context, excludeIDs ...string) (pool.Worker, error)
}

// Director routes requests. It owns no worker state; the pool does.
type Director struct {
	source     WorkerSource
	pool       *pool.Pool
	dispatcher Dispatcher
	cache      *hashcache.Cache // may be nil
	config     *Config
}

// NewDirector creates a Director. cache may be nil to disable response
// caching.
func NewDirector(source WorkerSource, p *pool.Pool, dispatcher Dispatcher, cache *hashcache.Cache, config *Config) *Director {
	return &Director{
		source:     source,
		pool:       p,
		dispatcher: dispatcher,
		cache:      cache,
		config:     config.withDefaults(),
	}
}

// HandleRequest routes one hash request to completion: Succeeded, TimedOut,
// or Exhausted. Every acquire it performs is matched by exactly one release
// on every path, including deadline expiry.
func (d *Director) HandleRequest(ctx context.Context, input string) (string, error) {
	requestID := uuid.NewString()
	logger := logutil.FromContext(ctx).WithValues("requestID", requestID)
	ctx = logutil.IntoContext(ctx, logger)

	if d.cache != nil {
		if digest, ok := d.cache.Get(input); ok {
			logger.V(logutil.DEBUG).Info("Served from response cache")
			metrics.RecordCacheHit()
			return digest, nil
		}
	}

	start := time.Now()
	d.pool.RecordAdmitted()
	metrics.RecordRequest()
	defer func() {
		d.pool.RecordCompleted()
		metrics.RecordRequestDuration(time.Since(start))
	}()

	ctx, cancel := context.WithTimeout(ctx, d.config.RequestDeadline)
	defer cancel()

	digest, err := d.route(ctx, input)
	if err != nil {
		metrics.RecordRequestError(errutil.CanonicalCode(err))
		return "", err
	}
	if d.cache != nil {
		d.cache.Set(input, digest)
	}
	logger.V(logutil.DEBUG).Info("Request succeeded", "elapsed", time.Since(start))
	return digest, nil
}

func (d *Director) route(ctx context.Context, input string) (string, error) {
	logger := logutil.FromContext(ctx)
	retries := 0
	var failed []string
	for {
		w, err := d.source.AcquireWorker(ctx, failed...)
		if err != nil {
			if errutil.CanonicalCode(err) != errutil.PoolExhausted {
				return "", err
			}
			// Exhausted: back off briefly and re-ask, until the deadline.
			select {
			case <-ctx.Done():
				logger.V(logutil.DEBUG).Info("Pool exhausted until deadline")
				return "", err
			case <-time.After(d.config.AcquireBackoff):
				continue
			}
		}

		digest, dispatchErr := d.dispatch(ctx, w, input)
		// Release exactly once per acquire, before deciding anything else.
		// The dispatch call carries ctx, so this also runs when the deadline
		// cancels an in-flight call.
		d.pool.Release(w.ID)
		if dispatchErr == nil {
			return digest, nil
		}

		if ctx.Err() != nil {
			logger.V(logutil.DEBUG).Info("Request deadline elapsed", "lastError", dispatchErr.Error())
			return "", errutil.Error{Code: errutil.RequestTimeout, Msg: "deadline elapsed before a worker produced a result"}
		}

		retries++
		failed = append(failed, w.ID)
		metrics.RecordDispatchRetry()
		logger.V(logutil.DEBUG).Info("Dispatch failed, retrying on another worker",
			"worker", w.ID, "retry", retries, "error", dispatchErr.Error())
		if retries > d.config.MaxRetries {
			return "", errutil.Error{Code: errutil.WorkerError, Msg: "retry budget exhausted: " + dispatchErr.Error()}
		}
	}
}

func (d *Director) dispatch(ctx context.Context, w pool.Worker, input string) (string, error) {
	dispatchCtx, cancel := context.WithTimeout(ctx, d.config.DispatchTimeout)
	defer cancel()
	return d.dispatcher.Dispatch(dispatchCtx, w.URL, input)
}
