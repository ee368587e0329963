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
	"sync"
)

// FakeClient is an in-memory Client for tests.
type FakeClient struct {
	mu        sync.Mutex
	instances map[string]*Instance
	nextID    int

	// CreateErr, when set, fails BranchInstance and StartInstance.
	CreateErr error
	// ExposeErr, when set, fails ExposeHTTP.
	ExposeErr error
	// DeleteErr, when set, fails DeleteInstance.
	DeleteErr error

	// Deleted records the ids passed to DeleteInstance, including repeats.
	Deleted []string
	// Snapshots backs ListSnapshots/DeleteSnapshot.
	Snapshots []Snapshot
}

var _ Client = &FakeClient{}

// NewFakeClient creates an empty fake provisioning service.
func NewFakeClient() *FakeClient {
	return &FakeClient{instances: make(map[string]*Instance)}
}

func (f *FakeClient) BranchInstance(_ context.Context, parentID string) (string, error) {
	return f.create("branch-of-" + parentID)
}

func (f *FakeClient) StartInstance(_ context.Context, snapshotID string) (string, error) {
	return f.create("boot-of-" + snapshotID)
}

func (f *FakeClient) create(prefix string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateErr != nil {
		return "", f.CreateErr
	}
	f.nextID++
	id := fmt.Sprintf("%s-%04d", prefix, f.nextID)
	f.instances[id] = &Instance{ID: id, Status: "ready"}
	return id, nil
}

func (f *FakeClient) ExecCommand(_ context.Context, instanceID string, _ []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.instances[instanceID]; !ok {
		return fmt.Errorf("instance %s not found", instanceID)
	}
	return nil
}

func (f *FakeClient) ExposeHTTP(_ context.Context, instanceID, name string, port int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ExposeErr != nil {
		return "", f.ExposeErr
	}
	inst, ok := f.instances[instanceID]
	if !ok {
		return "", fmt.Errorf("instance %s not found", instanceID)
	}
	url := fmt.Sprintf("http://%s.fake:%d", instanceID, port)
	inst.Networking.HTTPServices = append(inst.Networking.HTTPServices, HTTPService{Name: name, Port: port, URL: url})
	return url, nil
}

func (f *FakeClient) GetInstance(_ context.Context, instanceID string) (*Instance, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	inst, ok := f.instances[instanceID]
	if !ok {
		return nil, fmt.Errorf("instance %s not found", instanceID)
	}
	copied := *inst
	return &copied, nil
}

func (f *FakeClient) DeleteInstance(_ context.Context, instanceID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Deleted = append(f.Deleted, instanceID)
	if f.DeleteErr != nil {
		return f.DeleteErr
	}
	// Idempotent: deleting an unknown instance succeeds.
	delete(f.instances, instanceID)
	return nil
}

func (f *FakeClient) ListSnapshots(_ context.Context) ([]Snapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]Snapshot{}, f.Snapshots...), nil
}

func (f *FakeClient) DeleteSnapshot(_ context.Context, snapshotID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, s := range f.Snapshots {
		if s.ID == snapshotID {
			f.Snapshots = append(f.Snapshots[:i], f.Snapshots[i+1:]...)
			break
		}
	}
	return nil
}

// Live returns the number of instances not yet deleted.
func (f *FakeClient) Live() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.instances)
}

// DeletedIDs returns a copy of the delete call log.
func (f *FakeClient) DeletedIDs() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string{}, f.Deleted...)
}
