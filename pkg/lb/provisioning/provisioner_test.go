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
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errutil "github.com/Paladin159/morph/pkg/lb/util/error"
	logutil "github.com/Paladin159/morph/pkg/lb/util/logging"
)

// fakeProber succeeds once failuresBeforeReady probes have failed.
type fakeProber struct {
	mu                  sync.Mutex
	failuresBeforeReady int
	probes              int
}

func (f *fakeProber) ProbeHealth(_ context.Context, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.probes++
	if f.probes <= f.failuresBeforeReady {
		return errors.New("connection refused")
	}
	return nil
}

func (f *fakeProber) probeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.probes
}

func testConfig() *Config {
	return &Config{
		ReferenceInstanceID: "morphvm-base",
		WorkerPort:          5000,
		ReadinessAttempts:   3,
		ReadinessInterval:   time.Millisecond,
	}
}

func TestCreateWorker(t *testing.T) {
	ctx := logutil.NewTestLoggerIntoContext(context.Background())
	client := NewFakeClient()
	prober := &fakeProber{failuresBeforeReady: 2}
	p := NewProvisioner(client, prober, testConfig())

	id, url, err := p.CreateWorker(ctx)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id, "branch-of-morphvm-base"), "id = %q", id)
	assert.Contains(t, url, ":5000")
	assert.Equal(t, 3, prober.probeCount(), "two failures then one success")
	assert.Equal(t, 1, client.Live())
	assert.Empty(t, client.DeletedIDs())
}

func TestCreateWorkerFromSnapshot(t *testing.T) {
	ctx := logutil.NewTestLoggerIntoContext(context.Background())
	client := NewFakeClient()
	cfg := testConfig()
	cfg.SnapshotID = "snapshot-xj3em2jb"
	p := NewProvisioner(client, &fakeProber{}, cfg)

	id, _, err := p.CreateWorker(ctx)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(id, "boot-of-snapshot-xj3em2jb"), "id = %q", id)
}

func TestCreateWorkerCreateFails(t *testing.T) {
	ctx := logutil.NewTestLoggerIntoContext(context.Background())
	client := NewFakeClient()
	client.CreateErr = errors.New("quota exceeded")
	p := NewProvisioner(client, &fakeProber{}, testConfig())

	_, _, err := p.CreateWorker(ctx)
	require.Error(t, err)
	assert.Equal(t, errutil.ProvisioningFailed, errutil.CanonicalCode(err))
	assert.Empty(t, client.DeletedIDs(), "nothing was created, nothing to tear down")
}

func TestCreateWorkerExposeFailsTearsDown(t *testing.T) {
	ctx := logutil.NewTestLoggerIntoContext(context.Background())
	client := NewFakeClient()
	client.ExposeErr = errors.New("port already bound")
	p := NewProvisioner(client, &fakeProber{}, testConfig())

	_, _, err := p.CreateWorker(ctx)
	require.Error(t, err)
	assert.Equal(t, errutil.ProvisioningFailed, errutil.CanonicalCode(err))
	require.Len(t, client.DeletedIDs(), 1)
	assert.Equal(t, 0, client.Live(), "half-created instance must be torn down")
}

func TestCreateWorkerReadinessBudgetExhausted(t *testing.T) {
	ctx := logutil.NewTestLoggerIntoContext(context.Background())
	client := NewFakeClient()
	prober := &fakeProber{failuresBeforeReady: 100}
	p := NewProvisioner(client, prober, testConfig())

	_, _, err := p.CreateWorker(ctx)
	require.Error(t, err)
	assert.Equal(t, errutil.ProvisioningFailed, errutil.CanonicalCode(err))
	assert.Equal(t, 3, prober.probeCount(), "probe budget is bounded")
	assert.Equal(t, 0, client.Live())
}

func TestCreateWorkerTeardownFailureIsNotEscalated(t *testing.T) {
	ctx := logutil.NewTestLoggerIntoContext(context.Background())
	client := NewFakeClient()
	client.DeleteErr = errors.New("api unavailable")
	p := NewProvisioner(client, &fakeProber{failuresBeforeReady: 100}, testConfig())

	_, _, err := p.CreateWorker(ctx)
	require.Error(t, err)
	// The surfaced error is the provisioning failure, not the teardown one.
	assert.Equal(t, errutil.ProvisioningFailed, errutil.CanonicalCode(err))
}

func TestTeardownWorkerIdempotent(t *testing.T) {
	ctx := logutil.NewTestLoggerIntoContext(context.Background())
	client := NewFakeClient()
	p := NewProvisioner(client, &fakeProber{}, testConfig())

	id, _, err := p.CreateWorker(ctx)
	require.NoError(t, err)

	require.NoError(t, p.TeardownWorker(ctx, id))
	require.NoError(t, p.TeardownWorker(ctx, id), "deleting an already-gone instance is not an error")
}

func TestCleanupSnapshots(t *testing.T) {
	ctx := logutil.NewTestLoggerIntoContext(context.Background())
	client := NewFakeClient()
	client.Snapshots = []Snapshot{{ID: "snap-1"}, {ID: "snap-2"}, {ID: "snap-keep"}}
	p := NewProvisioner(client, &fakeProber{}, testConfig())

	require.NoError(t, p.CleanupSnapshots(ctx, "snap-keep"))
	remaining, err := client.ListSnapshots(ctx)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "snap-keep", remaining[0].ID)
}
