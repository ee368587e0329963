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

import "context"

// Instance describes one remote compute unit as reported by the
// provisioning service.
type Instance struct {
	ID         string     `json:"id"`
	Status     string     `json:"status,omitempty"`
	Networking Networking `json:"networking"`
}

// Networking holds the exposed HTTP services of an instance.
type Networking struct {
	HTTPServices []HTTPService `json:"http_services"`
}

// HTTPService is one exposed port of an instance.
type HTTPService struct {
	Name string `json:"name"`
	Port int    `json:"port"`
	URL  string `json:"url"`
}

// ServiceURL returns the URL of the exposed service on the given port.
func (i *Instance) ServiceURL(port int) (string, bool) {
	for _, svc := range i.Networking.HTTPServices {
		if svc.Port == port {
			return svc.URL, true
		}
	}
	return "", false
}

// Snapshot is a stored instance image usable as a boot template.
type Snapshot struct {
	ID string `json:"id"`
}

// Client is the thin adapter over the external provisioning service.
// All methods are blocking remote calls; callers must bound them with the
// context.
type Client interface {
	// BranchInstance clones a new instance from an existing one and returns
	// the new instance id.
	BranchInstance(ctx context.Context, parentID string) (string, error)
	// StartInstance boots a fresh instance from a snapshot and returns the
	// new instance id.
	StartInstance(ctx context.Context, snapshotID string) (string, error)
	// ExecCommand runs a command on the instance.
	ExecCommand(ctx context.Context, instanceID string, command []string) error
	// ExposeHTTP exposes an instance port as an HTTP service and returns the
	// reachable URL.
	ExposeHTTP(ctx context.Context, instanceID, name string, port int) (string, error)
	// GetInstance returns current instance info, including network addresses.
	GetInstance(ctx context.Context, instanceID string) (*Instance, error)
	// DeleteInstance tears the instance down. Deleting an already-gone
	// instance is not an error.
	DeleteInstance(ctx context.Context, instanceID string) error
	// ListSnapshots returns all stored snapshots. Used only by bulk cleanup.
	ListSnapshots(ctx context.Context) ([]Snapshot, error)
	// DeleteSnapshot removes a stored snapshot. Used only by bulk cleanup.
	DeleteSnapshot(ctx context.Context, snapshotID string) error
}
