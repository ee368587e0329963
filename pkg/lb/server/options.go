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

package server

import (
	"fmt"
	"time"

	"github.com/go-logr/logr"
	"github.com/spf13/pflag"

	"github.com/Paladin159/morph/pkg/lb/director"
	"github.com/Paladin159/morph/pkg/lb/provisioning"
	"github.com/Paladin159/morph/pkg/lb/reaper"
	"github.com/Paladin159/morph/pkg/lb/util/env"
	logutil "github.com/Paladin159/morph/pkg/lb/util/logging"
	"github.com/Paladin159/morph/pkg/worker"
)

const (
	DefaultPort        = 8000
	DefaultMetricsPort = 9090

	DefaultMaxWorkers     = 4
	DefaultWorkerCapacity = 2

	DefaultCacheTTL  = 5 * time.Minute
	DefaultCacheSize = 1024

	// MorphAPIKeyEnv names the environment variable holding the provisioning
	// API key. The key is never accepted as a flag so it cannot leak through
	// process listings.
	MorphAPIKeyEnv = "MORPH_API_KEY"
	// MorphAPIBaseEnv optionally overrides the provisioning API base URL.
	MorphAPIBaseEnv = "MORPH_BASE_URL"

	defaultMorphAPIBase = "https://cloud.morph.so/api"
)

// Options contains the command-line configuration for the load balancer.
type Options struct {
	//
	// Serving.
	//
	Port        int // The port the request API listens on.
	MetricsPort int // The port the prometheus registry is exposed on.
	EnablePprof bool
	//
	// Pool sizing and routing.
	//
	MaxWorkers      int           // Upper bound on live workers.
	WorkerCapacity  int           // Concurrent units of work per worker.
	RequestDeadline time.Duration // Overall per-request budget, provisioning included.
	DispatchTimeout time.Duration // Per unit-of-work call budget.
	MaxRetries      int           // Dispatch retries per request.
	AcquireBackoff  time.Duration // Pause before re-asking an exhausted pool.
	//
	// Provisioning.
	//
	MorphAPIBase        string
	MorphAPIKey         string // Populated from MORPH_API_KEY in Complete().
	ReferenceInstanceID string
	SnapshotID          string
	WorkerPort          int
	ServiceStartCommand []string
	ReadinessAttempts   int
	ReadinessInterval   time.Duration
	//
	// Reaping.
	//
	ReaperInterval    time.Duration
	IdleThreshold     time.Duration
	DisableDrain      bool
	PermanentWorkerID string
	//
	// Response cache.
	//
	CacheTTL     time.Duration
	CacheSize    uint64
	DisableCache bool
	//
	// Diagnostics.
	//
	LogVerbosity   int
	DevelopmentLog bool

	// internal
	fs *pflag.FlagSet // FlagSet used in AddFlags() and consulted in Complete()
}

// NewOptions returns a new Options struct initialized with default values.
func NewOptions() *Options {
	return &Options{
		Port:              DefaultPort,
		MetricsPort:       DefaultMetricsPort,
		EnablePprof:       true,
		MaxWorkers:        DefaultMaxWorkers,
		WorkerCapacity:    DefaultWorkerCapacity,
		RequestDeadline:   director.DefaultRequestDeadline,
		DispatchTimeout:   director.DefaultDispatchTimeout,
		MaxRetries:        director.DefaultMaxRetries,
		AcquireBackoff:    director.DefaultAcquireBackoff,
		MorphAPIBase:      defaultMorphAPIBase,
		WorkerPort:        worker.DefaultPort,
		ReadinessAttempts: provisioning.DefaultReadinessAttempts,
		ReadinessInterval: provisioning.DefaultReadinessInterval,
		ReaperInterval:    reaper.DefaultInterval,
		IdleThreshold:     reaper.DefaultIdleThreshold,
		CacheTTL:          DefaultCacheTTL,
		CacheSize:         DefaultCacheSize,
		LogVerbosity:      logutil.DEFAULT,
		DevelopmentLog:    true,
	}
}

// AddFlags binds the Options fields to command-line flags on the given FlagSet.
func (opts *Options) AddFlags(fs *pflag.FlagSet) {
	if fs == nil {
		fs = pflag.CommandLine
	}
	opts.fs = fs

	fs.IntVar(&opts.Port, "port", opts.Port,
		"The port the request API listens on.")
	fs.IntVar(&opts.MetricsPort, "metrics-port", opts.MetricsPort,
		"The port the prometheus registry is exposed on.")
	fs.BoolVar(&opts.EnablePprof, "enable-pprof", opts.EnablePprof,
		"Enables pprof handlers on the metrics port. Set to false to disable.")

	fs.IntVar(&opts.MaxWorkers, "max-workers", opts.MaxWorkers,
		"Upper bound on the number of live workers.")
	fs.IntVar(&opts.WorkerCapacity, "worker-capacity", opts.WorkerCapacity,
		"Concurrent units of work accepted per worker.")
	fs.DurationVar(&opts.RequestDeadline, "request-deadline", opts.RequestDeadline,
		"Overall per-request budget, including any provisioning the request triggers.")
	fs.DurationVar(&opts.DispatchTimeout, "dispatch-timeout", opts.DispatchTimeout,
		"Budget for a single unit-of-work call to a worker.")
	fs.IntVar(&opts.MaxRetries, "max-retries", opts.MaxRetries,
		"Dispatch retries per request before giving up.")
	fs.DurationVar(&opts.AcquireBackoff, "acquire-backoff", opts.AcquireBackoff,
		"Pause before re-asking an exhausted pool for a worker.")

	fs.StringVar(&opts.MorphAPIBase, "morph-api-base", opts.MorphAPIBase,
		"Base URL of the Morph Cloud API.")
	fs.StringVar(&opts.ReferenceInstanceID, "reference-instance", opts.ReferenceInstanceID,
		"Long-lived instance new workers are branched from. Ignored when --snapshot is set.")
	fs.StringVar(&opts.SnapshotID, "snapshot", opts.SnapshotID,
		"Snapshot to boot new workers from instead of branching.")
	fs.IntVar(&opts.WorkerPort, "worker-port", opts.WorkerPort,
		"Port the worker service listens on inside an instance.")
	fs.StringSliceVar(&opts.ServiceStartCommand, "service-start-command", opts.ServiceStartCommand,
		"Command run on every new instance before its port is exposed.")
	fs.IntVar(&opts.ReadinessAttempts, "readiness-attempts", opts.ReadinessAttempts,
		"Health probe budget per provisioning cycle.")
	fs.DurationVar(&opts.ReadinessInterval, "readiness-interval", opts.ReadinessInterval,
		"Delay between health probes during provisioning.")

	fs.DurationVar(&opts.ReaperInterval, "reaper-interval", opts.ReaperInterval,
		"Cadence of reap passes.")
	fs.DurationVar(&opts.IdleThreshold, "idle-threshold", opts.IdleThreshold,
		"How long a worker may sit idle before it is torn down.")
	fs.BoolVar(&opts.DisableDrain, "disable-drain", opts.DisableDrain,
		"Disables the drain-to-zero teardown pass, leaving only idle eviction.")
	fs.StringVar(&opts.PermanentWorkerID, "permanent-worker", opts.PermanentWorkerID,
		"Worker id the reaper never tears down.")

	fs.DurationVar(&opts.CacheTTL, "cache-ttl", opts.CacheTTL,
		"TTL of cached hash responses.")
	fs.Uint64Var(&opts.CacheSize, "cache-size", opts.CacheSize,
		"Maximum number of cached hash responses.")
	fs.BoolVar(&opts.DisableCache, "disable-cache", opts.DisableCache,
		"Disables the hash response cache.")

	fs.IntVarP(&opts.LogVerbosity, "v", "v", opts.LogVerbosity,
		"Number for the log level verbosity.")
	fs.BoolVar(&opts.DevelopmentLog, "development-log", opts.DevelopmentLog,
		"Enables development-mode (human readable) log output.")
}

// Complete performs post-processing of parsed command-line arguments: the
// provisioning API key is read from the environment, and the API base flag
// may be overridden by MORPH_BASE_URL when not set explicitly.
func (opts *Options) Complete(logger logr.Logger) error {
	opts.MorphAPIKey = env.GetEnvString(MorphAPIKeyEnv, "", logger.V(logutil.VERBOSE))

	baseFlag := opts.fs.Lookup("morph-api-base")
	if baseFlag != nil && !baseFlag.Changed {
		opts.MorphAPIBase = env.GetEnvString(MorphAPIBaseEnv, opts.MorphAPIBase, logger.V(logutil.VERBOSE))
	}
	return nil
}

// Validate checks the Options for invalid or conflicting values.
func (opts *Options) Validate() error {
	for _, pc := range []struct {
		name string
		port int
	}{
		{"port", opts.Port},
		{"metrics-port", opts.MetricsPort},
		{"worker-port", opts.WorkerPort},
	} {
		if pc.port < 1 || pc.port > 65535 {
			return fmt.Errorf("invalid value %d for flag %q: must be between 1 and 65535", pc.port, pc.name)
		}
	}
	if opts.Port == opts.MetricsPort {
		return fmt.Errorf("port conflict: port (%d) and metrics-port (%d) must be different", opts.Port, opts.MetricsPort)
	}

	if opts.MaxWorkers < 1 {
		return fmt.Errorf("invalid value %d for flag %q: must be >= 1", opts.MaxWorkers, "max-workers")
	}
	if opts.WorkerCapacity < 1 {
		return fmt.Errorf("invalid value %d for flag %q: must be >= 1", opts.WorkerCapacity, "worker-capacity")
	}
	if opts.MaxRetries < 0 {
		return fmt.Errorf("invalid value %d for flag %q: must be >= 0", opts.MaxRetries, "max-retries")
	}
	if opts.DispatchTimeout >= opts.RequestDeadline {
		return fmt.Errorf("dispatch-timeout (%s) must be smaller than request-deadline (%s)",
			opts.DispatchTimeout, opts.RequestDeadline)
	}
	if opts.ReadinessAttempts < 1 {
		return fmt.Errorf("invalid value %d for flag %q: must be >= 1", opts.ReadinessAttempts, "readiness-attempts")
	}

	if opts.LogVerbosity < 0 {
		return fmt.Errorf("invalid value %d for flag %q: must be >= 0", opts.LogVerbosity, "v")
	}

	return nil
}
