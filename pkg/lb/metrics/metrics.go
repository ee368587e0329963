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

// Package metrics defines the prometheus metrics exposed by the load
// balancer.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// LoadBalancerSubsystem is the subsystem for request routing metrics.
	LoadBalancerSubsystem = "lb"
	// PoolSubsystem is the subsystem for worker pool metrics.
	PoolSubsystem = "pool"
	// ProvisioningSubsystem is the subsystem for provisioning metrics.
	ProvisioningSubsystem = "provisioning"

	namespace = "morph"
)

var (
	// RequestLatencyBuckets covers sub-millisecond cache hits up to
	// provisioning-dominated requests that take tens of seconds.
	RequestLatencyBuckets = []float64{
		0.0005, 0.001, 0.0025, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5,
		1, 2.5, 5, 10, 20, 30, 45, 60, 90, 120,
	}

	// ProvisioningLatencyBuckets covers remote instance bring-up, which is
	// expected to take seconds to tens of seconds.
	ProvisioningLatencyBuckets = []float64{
		1, 2, 5, 10, 15, 20, 30, 45, 60, 90, 120, 180,
	}
)

var (
	requestCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: LoadBalancerSubsystem,
			Name:      "request_total",
			Help:      "Counter of hash requests admitted by the load balancer.",
		},
	)

	requestErrCounter = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: LoadBalancerSubsystem,
			Name:      "request_error_total",
			Help:      "Counter of hash request errors broken out by canonical error code.",
		},
		[]string{"error_code"},
	)

	requestDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: LoadBalancerSubsystem,
			Name:      "request_duration_seconds",
			Help:      "Histogram of end to end request latency.",
			Buckets:   RequestLatencyBuckets,
		},
	)

	dispatchRetries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: LoadBalancerSubsystem,
			Name:      "dispatch_retry_total",
			Help:      "Counter of dispatch attempts that failed and were retried on another worker.",
		},
	)

	cacheHitCounter = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: LoadBalancerSubsystem,
			Name:      "cache_hit_total",
			Help:      "Counter of requests served from the hash response cache without touching the pool.",
		},
	)

	poolSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: PoolSubsystem,
			Name:      "workers",
			Help:      "Number of live workers in the pool.",
		},
	)

	poolInflight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: PoolSubsystem,
			Name:      "inflight_requests",
			Help:      "Total units of work dispatched to workers and not yet resolved.",
		},
	)

	workersCreated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: PoolSubsystem,
			Name:      "workers_created_total",
			Help:      "Counter of workers successfully provisioned and added to the pool.",
		},
	)

	workersEvicted = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: PoolSubsystem,
			Name:      "workers_evicted_total",
			Help:      "Counter of workers evicted from the pool broken out by reason.",
		},
		[]string{"reason"},
	)

	provisioningAttempts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: ProvisioningSubsystem,
			Name:      "attempt_total",
			Help:      "Counter of remote instance provisioning attempts.",
		},
	)

	provisioningFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: ProvisioningSubsystem,
			Name:      "failure_total",
			Help:      "Counter of provisioning attempts that did not produce a healthy worker.",
		},
	)

	provisioningDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: ProvisioningSubsystem,
			Name:      "duration_seconds",
			Help:      "Histogram of time from create call to first successful health probe.",
			Buckets:   ProvisioningLatencyBuckets,
		},
	)
)

var registerMetrics sync.Once

// Register all metrics with the given registry, or the default registerer if
// nil.
func Register(registry prometheus.Registerer) {
	registerMetrics.Do(func() {
		if registry == nil {
			registry = prometheus.DefaultRegisterer
		}
		registry.MustRegister(requestCounter)
		registry.MustRegister(requestErrCounter)
		registry.MustRegister(requestDuration)
		registry.MustRegister(dispatchRetries)
		registry.MustRegister(cacheHitCounter)
		registry.MustRegister(poolSize)
		registry.MustRegister(poolInflight)
		registry.MustRegister(workersCreated)
		registry.MustRegister(workersEvicted)
		registry.MustRegister(provisioningAttempts)
		registry.MustRegister(provisioningFailures)
		registry.MustRegister(provisioningDuration)
	})
}

// RecordRequest increments the admitted request counter.
func RecordRequest() {
	requestCounter.Inc()
}

// RecordRequestError increments the error counter for the given canonical
// error code.
func RecordRequestError(errorCode string) {
	requestErrCounter.WithLabelValues(errorCode).Inc()
}

// RecordRequestDuration records the end to end latency of one request.
func RecordRequestDuration(elapsed time.Duration) {
	requestDuration.Observe(elapsed.Seconds())
}

// RecordDispatchRetry increments the dispatch retry counter.
func RecordDispatchRetry() {
	dispatchRetries.Inc()
}

// RecordCacheHit increments the response cache hit counter.
func RecordCacheHit() {
	cacheHitCounter.Inc()
}

// RecordPoolSize sets the live worker gauge.
func RecordPoolSize(size int) {
	poolSize.Set(float64(size))
}

// RecordPoolInflight sets the total inflight gauge.
func RecordPoolInflight(inflight int) {
	poolInflight.Set(float64(inflight))
}

// RecordWorkerCreated increments the created worker counter.
func RecordWorkerCreated() {
	workersCreated.Inc()
}

// RecordWorkerEvicted increments the evicted worker counter for the given
// reason ("idle", "drain", "shutdown", "provisioning").
func RecordWorkerEvicted(reason string) {
	workersEvicted.WithLabelValues(reason).Inc()
}

// RecordProvisioningAttempt increments the provisioning attempt counter.
func RecordProvisioningAttempt() {
	provisioningAttempts.Inc()
}

// RecordProvisioningFailure increments the provisioning failure counter.
func RecordProvisioningFailure() {
	provisioningFailures.Inc()
}

// RecordProvisioningDuration records how long one successful provisioning
// cycle took.
func RecordProvisioningDuration(elapsed time.Duration) {
	provisioningDuration.Observe(elapsed.Seconds())
}
