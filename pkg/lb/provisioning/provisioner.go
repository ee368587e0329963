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

package provisioning

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/multierr"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/Paladin159/morph/pkg/lb/metrics"
	errutil "github.com/Paladin159/morph/pkg/lb/util/error"
	logutil "github.com/Paladin159/morph/pkg/lb/util/logging"
)

const (
	// DefaultReadinessAttempts is the default health probe budget per
	// provisioning cycle.
	DefaultReadinessAttempts = 30
	// DefaultReadinessInterval is the default delay between health probes.
	DefaultReadinessInterval = 2 * time.Second

	healthProbeTimeout = 4 * time.Second
)

// Config holds the provisioner's knobs.
type Config struct {
	// ReferenceInstanceID is the long-lived instance new workers are branched
	// from. Ignored when SnapshotID is set.
	ReferenceInstanceID string
	// SnapshotID, when set, boots workers from this snapshot instead of
	// branching.
	SnapshotID string
	// WorkerPort is the port the worker service listens on inside the
	// instance.
	WorkerPort int
	// ServiceStartCommand, when non-empty, is run on every new instance
	// before its port is exposed.
	ServiceStartCommand []string
	// ReadinessAttempts is the health probe budget per provisioning cycle.
	ReadinessAttempts int
	// ReadinessInterval is the delay between health probes.
	ReadinessInterval time.Duration
}

func (c *Config) withDefaults() *Config {
	out := *c
	if out.ReadinessAttempts <= 0 {
		out.ReadinessAttempts = DefaultReadinessAttempts
	}
	if out.ReadinessInterval <= 0 {
		out.ReadinessInterval = DefaultReadinessInterval
	}
	return &out
}

// HealthProber issues a single liveness probe against a worker URL.
type HealthProber interface {
	ProbeHealth(ctx context.Context, url string) error
}

// HTTPHealthProber probes GET {url}/health; any non-200 response or
// connection failure means "not ready".
type HTTPHealthProber struct {
	Client *http.Client
}

func (p *HTTPHealthProber) ProbeHealth(ctx context.Context, url string) error {
	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url+"/health", nil)
	if err != nil {
		return fmt.Errorf("creating health probe request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health probe returned status %d", resp.StatusCode)
	}
	return nil
}

// Provisioner drives the bring-up and teardown of one worker at a time. Its
// latency is externally dominated and its failure is expected under normal
// operation; callers must not hold the pool's lock across its methods.
type Provisioner struct {
	client Client
	prober HealthProber
	config *Config
}

// NewProvisioner creates a Provisioner over the given client.
func NewProvisioner(client Client, prober HealthProber, config *Config) *Provisioner {
	return &Provisioner{
		client: client,
		prober: prober,
		config: config.withDefaults(),
	}
}

// CreateWorker provisions one new remote worker and blocks until its health
// endpoint answers, or the readiness budget runs out. On failure the
// half-created instance is torn down best-effort and an error with code
// ProvisioningFailed is returned.
func (p *Provisioner) CreateWorker(ctx context.Context) (id, url string, err error) {
	logger := logutil.FromContext(ctx).WithName("provisioner")
	start := time.Now()
	metrics.RecordProvisioningAttempt()

	if p.config.SnapshotID != "" {
		id, err = p.client.StartInstance(ctx, p.config.SnapshotID)
	} else {
		id, err = p.client.BranchInstance(ctx, p.config.ReferenceInstanceID)
	}
	if err != nil {
		metrics.RecordProvisioningFailure()
		return "", "", errutil.Error{Code: errutil.ProvisioningFailed, Msg: fmt.Sprintf("creating instance: %v", err)}
	}
	logger.V(logutil.VERBOSE).Info("Created instance", "instance", id)

	if len(p.config.ServiceStartCommand) > 0 {
		// The worker service is usually baked into the image; a failed start
		// command is surfaced by the readiness probes, not here.
		if err := p.client.ExecCommand(ctx, id, p.config.ServiceStartCommand); err != nil {
			logger.V(logutil.DEFAULT).Error(err, "Service start command failed", "instance", id)
		}
	}

	url, err = p.client.ExposeHTTP(ctx, id, "worker", p.config.WorkerPort)
	if err != nil {
		p.teardown(ctx, id, "provisioning")
		metrics.RecordProvisioningFailure()
		return "", "", errutil.Error{Code: errutil.ProvisioningFailed, Msg: fmt.Sprintf("exposing instance %s: %v", id, err)}
	}

	if err := p.awaitReady(ctx, url); err != nil {
		p.teardown(ctx, id, "provisioning")
		metrics.RecordProvisioningFailure()
		return "", "", errutil.Error{Code: errutil.ProvisioningFailed, Msg: fmt.Sprintf("instance %s never became healthy: %v", id, err)}
	}

	metrics.RecordProvisioningDuration(time.Since(start))
	logger.V(logutil.DEFAULT).Info("Worker ready", "instance", id, "url", url, "elapsed", time.Since(start))
	return id, url, nil
}

// awaitReady polls the worker's health endpoint until it answers or the
// attempt budget is exhausted.
func (p *Provisioner) awaitReady(ctx context.Context, url string) error {
	logger := logutil.FromContext(ctx)
	attempts := 0
	var lastErr error
	err := wait.PollUntilContextCancel(ctx, p.config.ReadinessInterval, true, func(ctx context.Context) (bool, error) {
		attempts++
		probeCtx, cancel := context.WithTimeout(ctx, healthProbeTimeout)
		defer cancel()
		if err := p.prober.ProbeHealth(probeCtx, url); err != nil {
			lastErr = err
			logger.V(logutil.TRACE).Info("Worker not ready yet", "url", url, "attempt", attempts, "error", err.Error())
			if attempts >= p.config.ReadinessAttempts {
				return false, fmt.Errorf("readiness budget of %d attempts exhausted: %w", attempts, err)
			}
			return false, nil
		}
		return true, nil
	})
	if err != nil && lastErr != nil {
		return fmt.Errorf("%v (last probe error: %v)", err, lastErr)
	}
	return err
}

// TeardownWorker deletes the remote instance best-effort. Failures are
// logged, not escalated; the returned error lets callers retain the worker
// record for a future retry.
func (p *Provisioner) TeardownWorker(ctx context.Context, id string) error {
	if err := p.client.DeleteInstance(ctx, id); err != nil {
		logutil.FromContext(ctx).V(logutil.DEFAULT).Error(err, "Failed to delete instance", "instance", id)
		return err
	}
	return nil
}

// CleanupSnapshots deletes every stored snapshot except keepID. Used by bulk
// cleanup only, never on the routing hot path.
func (p *Provisioner) CleanupSnapshots(ctx context.Context, keepID string) error {
	snapshots, err := p.client.ListSnapshots(ctx)
	if err != nil {
		return fmt.Errorf("listing snapshots: %w", err)
	}
	var errs error
	for _, snapshot := range snapshots {
		if snapshot.ID == keepID {
			continue
		}
		if err := p.client.DeleteSnapshot(ctx, snapshot.ID); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("deleting snapshot %s: %w", snapshot.ID, err))
		}
	}
	return errs
}

func (p *Provisioner) teardown(ctx context.Context, id, reason string) {
	if err := p.TeardownWorker(ctx, id); err == nil {
		metrics.RecordWorkerEvicted(reason)
	}
}
