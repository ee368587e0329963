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

// Package server wires the pool, admission controller, director, reaper and
// provisioning client together behind the load balancer's HTTP surface.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/pprof"
	"time"

	"github.com/go-logr/logr"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"k8s.io/utils/clock"

	"github.com/Paladin159/morph/pkg/lb/admission"
	"github.com/Paladin159/morph/pkg/lb/director"
	"github.com/Paladin159/morph/pkg/lb/hashcache"
	"github.com/Paladin159/morph/pkg/lb/metrics"
	"github.com/Paladin159/morph/pkg/lb/pool"
	"github.com/Paladin159/morph/pkg/lb/provisioning"
	"github.com/Paladin159/morph/pkg/lb/reaper"
	logutil "github.com/Paladin159/morph/pkg/lb/util/logging"
)

const shutdownTimeout = 10 * time.Second

// Runner assembles the load balancer from Options and runs it until the
// context is cancelled.
type Runner struct {
	opts *Options

	// ProvisioningClient, when set before Run, replaces the HTTP client built
	// from the options. Used by tests to substitute the in-memory fake.
	ProvisioningClient provisioning.Client
}

// NewRunner creates a Runner for the given options.
func NewRunner(opts *Options) *Runner {
	return &Runner{opts: opts}
}

// Run starts the request API, the metrics endpoint and the reaper, and
// blocks until ctx is done. On the way out every live worker is torn down
// with force, so no remote instance outlives the process on a clean
// shutdown.
func (r *Runner) Run(ctx context.Context) error {
	logger := logutil.FromContext(ctx)
	opts := r.opts

	client := r.ProvisioningClient
	if client == nil {
		if opts.MorphAPIKey == "" {
			return fmt.Errorf("no provisioning API key: set %s", MorphAPIKeyEnv)
		}
		if opts.ReferenceInstanceID == "" && opts.SnapshotID == "" {
			return errors.New("no worker source: set --reference-instance or --snapshot")
		}
		client = provisioning.NewHTTPClient(opts.MorphAPIBase, opts.MorphAPIKey)
	}

	metrics.Register(prometheus.DefaultRegisterer)

	provisioner := provisioning.NewProvisioner(client, &provisioning.HTTPHealthProber{}, &provisioning.Config{
		ReferenceInstanceID: opts.ReferenceInstanceID,
		SnapshotID:          opts.SnapshotID,
		WorkerPort:          opts.WorkerPort,
		ServiceStartCommand: opts.ServiceStartCommand,
		ReadinessAttempts:   opts.ReadinessAttempts,
		ReadinessInterval:   opts.ReadinessInterval,
	})

	workerPool := pool.New(opts.MaxWorkers, opts.WorkerCapacity, clock.RealClock{}, logger)
	controller := admission.NewController(workerPool, provisioner)

	var cache *hashcache.Cache
	if !opts.DisableCache {
		cache = hashcache.New(opts.CacheTTL, opts.CacheSize)
		defer cache.Stop()
	}

	d := director.NewDirector(controller, workerPool, &director.HTTPDispatcher{}, cache, &director.Config{
		RequestDeadline: opts.RequestDeadline,
		DispatchTimeout: opts.DispatchTimeout,
		MaxRetries:      opts.MaxRetries,
		AcquireBackoff:  opts.AcquireBackoff,
	})

	poolReaper := reaper.New(workerPool, provisioner, &reaper.Config{
		Interval:          opts.ReaperInterval,
		IdleThreshold:     opts.IdleThreshold,
		PermanentWorkerID: opts.PermanentWorkerID,
		DisableDrain:      opts.DisableDrain,
	}, clock.RealClock{})

	apiHandler := NewHandler(d)
	apiServer := &http.Server{
		Addr: fmt.Sprintf(":%d", opts.Port),
		// Requests carry the process logger so per-request loggers derived in
		// the director inherit its sink.
		Handler: http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			apiHandler.ServeHTTP(w, req.WithContext(logutil.IntoContext(req.Context(), logger)))
		}),
	}
	metricsServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", opts.MetricsPort),
		Handler: metricsMux(opts.EnablePprof),
	}

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		logger.V(logutil.DEFAULT).Info("Request API listening", "addr", apiServer.Addr)
		return serve(groupCtx, apiServer)
	})
	group.Go(func() error {
		logger.V(logutil.DEFAULT).Info("Metrics endpoint listening", "addr", metricsServer.Addr)
		return serve(groupCtx, metricsServer)
	})
	group.Go(func() error {
		poolReaper.Run(groupCtx)
		return nil
	})

	err := group.Wait()
	r.teardownAll(workerPool, provisioner, logger)
	return err
}

// serve runs srv until ctx is done, then shuts it down gracefully.
func serve(ctx context.Context, srv *http.Server) error {
	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// teardownAll force-evicts every worker on the way out, permanent one
// included, tearing the remote instances down best-effort.
func (r *Runner) teardownAll(workerPool *pool.Pool, provisioner *provisioning.Provisioner, logger logr.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	workers := workerPool.Workers()
	if len(workers) == 0 {
		return
	}
	logger.V(logutil.DEFAULT).Info("Tearing down all workers at shutdown", "count", len(workers))
	for _, w := range workers {
		if err := provisioner.TeardownWorker(ctx, w.ID); err != nil {
			logger.V(logutil.DEFAULT).Error(err, "Teardown failed at shutdown", "worker", w.ID)
			continue
		}
		if _, ok := workerPool.Evict(w.ID, true); ok {
			metrics.RecordWorkerEvicted("shutdown")
		}
	}
}

func metricsMux(enablePprof bool) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	if enablePprof {
		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
	}
	return mux
}
