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

package pool

import (
	"fmt"
	"time"
)

// Worker is a point-in-time snapshot of one remote worker's record.
// The authoritative, mutable record lives inside the Pool; snapshots are
// what leave the Pool's lock.
type Worker struct {
	// ID is the opaque instance identifier assigned by the provisioning
	// service.
	ID string
	// URL is the base URL at which the worker's endpoints are reachable.
	URL string
	// Capacity is the maximum number of concurrent units of work the worker
	// accepts.
	Capacity int
	// Inflight is the number of units of work dispatched to the worker and
	// not yet resolved.
	Inflight int
	// LastActivity is the time of the last acquire or release against this
	// worker.
	LastActivity time.Time
}

func (w Worker) String() string {
	return fmt.Sprintf("%s(%s) %d/%d", w.ID, w.URL, w.Inflight, w.Capacity)
}

// worker is the pool-internal mutable record.
type worker struct {
	id           string
	url          string
	capacity     int
	inflight     int
	lastActivity time.Time
}

func (w *worker) snapshot() Worker {
	return Worker{
		ID:           w.id,
		URL:          w.url,
		Capacity:     w.capacity,
		Inflight:     w.inflight,
		LastActivity: w.lastActivity,
	}
}

// Stats are the process-wide demand counters used by the reaper to detect
// that all outstanding work has drained.
type Stats struct {
	// Admitted is the number of requests that entered routing.
	Admitted uint64
	// Completed is the number of requests that reached a terminal state.
	Completed uint64
}
