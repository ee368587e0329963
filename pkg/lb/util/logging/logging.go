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

// Package logging contains shared logging helpers and the named verbosity
// levels used across the load balancer.
package logging

// Log verbosity levels. Use as logger.V(logging.VERBOSE).
const (
	// DEFAULT is the default (and lowest) verbosity for messages that should
	// always be logged.
	DEFAULT = 2
	// VERBOSE is for messages that are useful when observing the system's
	// behavior, e.g. pool growth and eviction decisions.
	VERBOSE = 3
	// DEBUG is for messages useful when debugging, e.g. per-request routing
	// decisions.
	DEBUG = 4
	// TRACE is for very high frequency messages, e.g. every acquire/release.
	TRACE = 5
)
