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
	"testing"
	"time"

	"github.com/spf13/pflag"

	logutil "github.com/Paladin159/morph/pkg/lb/util/logging"
)

func TestNewOptionsDefaults(t *testing.T) {
	opts := NewOptions()

	checks := []struct {
		name string
		got  any
		want any
	}{
		{"Port", opts.Port, DefaultPort},
		{"MetricsPort", opts.MetricsPort, DefaultMetricsPort},
		{"EnablePprof", opts.EnablePprof, true},
		{"MaxWorkers", opts.MaxWorkers, DefaultMaxWorkers},
		{"WorkerCapacity", opts.WorkerCapacity, DefaultWorkerCapacity},
		{"RequestDeadline", opts.RequestDeadline, 60 * time.Second},
		{"DispatchTimeout", opts.DispatchTimeout, 10 * time.Second},
		{"MaxRetries", opts.MaxRetries, 3},
		{"DisableDrain", opts.DisableDrain, false},
		{"DisableCache", opts.DisableCache, false},
		{"LogVerbosity", opts.LogVerbosity, 2}, // logging.DEFAULT
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("NewOptions().%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestAddFlagsOverridesDefaults(t *testing.T) {
	opts := NewOptions()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	opts.AddFlags(fs)

	args := []string{
		"--port", "5000",
		"--metrics-port", "5002",
		"--max-workers", "8",
		"--worker-capacity", "3",
		"--request-deadline", "30s",
		"--dispatch-timeout", "5s",
		"--snapshot", "snap-123",
		"--disable-drain",
		"--disable-cache",
		"--permanent-worker", "vm-perm",
		"-v", "3",
	}
	if err := fs.Parse(args); err != nil {
		t.Fatalf("Failed to parse flags: %v", err)
	}

	checks := []struct {
		name string
		got  any
		want any
	}{
		{"Port", opts.Port, 5000},
		{"MetricsPort", opts.MetricsPort, 5002},
		{"MaxWorkers", opts.MaxWorkers, 8},
		{"WorkerCapacity", opts.WorkerCapacity, 3},
		{"RequestDeadline", opts.RequestDeadline, 30 * time.Second},
		{"DispatchTimeout", opts.DispatchTimeout, 5 * time.Second},
		{"SnapshotID", opts.SnapshotID, "snap-123"},
		{"DisableDrain", opts.DisableDrain, true},
		{"DisableCache", opts.DisableCache, true},
		{"PermanentWorkerID", opts.PermanentWorkerID, "vm-perm"},
		{"LogVerbosity", opts.LogVerbosity, 3},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("After parse, opts.%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

func TestCompleteReadsAPIKeyFromEnv(t *testing.T) {
	t.Setenv(MorphAPIKeyEnv, "sk-test-key")
	t.Setenv(MorphAPIBaseEnv, "https://example.test/api")

	opts := NewOptions()
	fs := pflag.NewFlagSet("test-complete", pflag.ContinueOnError)
	opts.AddFlags(fs)
	if err := fs.Parse(nil); err != nil {
		t.Fatalf("Failed to parse flags: %v", err)
	}

	if err := opts.Complete(logutil.NewTestLogger()); err != nil {
		t.Fatalf("Complete() returned error: %v", err)
	}
	if opts.MorphAPIKey != "sk-test-key" {
		t.Errorf("MorphAPIKey = %q, want %q", opts.MorphAPIKey, "sk-test-key")
	}
	if opts.MorphAPIBase != "https://example.test/api" {
		t.Errorf("MorphAPIBase = %q, want %q", opts.MorphAPIBase, "https://example.test/api")
	}
}

func TestCompleteRespectsExplicitAPIBaseFlag(t *testing.T) {
	t.Setenv(MorphAPIBaseEnv, "https://env.test/api")

	opts := NewOptions()
	fs := pflag.NewFlagSet("test-explicit-base", pflag.ContinueOnError)
	opts.AddFlags(fs)
	if err := fs.Parse([]string{"--morph-api-base", "https://flag.test/api"}); err != nil {
		t.Fatalf("Failed to parse flags: %v", err)
	}

	if err := opts.Complete(logutil.NewTestLogger()); err != nil {
		t.Fatalf("Complete() returned error: %v", err)
	}
	if opts.MorphAPIBase != "https://flag.test/api" {
		t.Errorf("MorphAPIBase = %q, want the explicit flag value", opts.MorphAPIBase)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name        string
		mutate      func(*Options)
		expectError bool
	}{
		{
			name:        "defaults are valid",
			mutate:      func(_ *Options) {},
			expectError: false,
		},
		{
			name:        "port zero",
			mutate:      func(o *Options) { o.Port = 0 },
			expectError: true,
		},
		{
			name:        "port above 65535",
			mutate:      func(o *Options) { o.Port = 70000 },
			expectError: true,
		},
		{
			name: "port collides with metrics-port",
			mutate: func(o *Options) {
				o.Port = 9090
				o.MetricsPort = 9090
			},
			expectError: true,
		},
		{
			name:        "zero max-workers",
			mutate:      func(o *Options) { o.MaxWorkers = 0 },
			expectError: true,
		},
		{
			name:        "zero worker-capacity",
			mutate:      func(o *Options) { o.WorkerCapacity = 0 },
			expectError: true,
		},
		{
			name:        "negative max-retries",
			mutate:      func(o *Options) { o.MaxRetries = -1 },
			expectError: true,
		},
		{
			name:        "zero max-retries is valid",
			mutate:      func(o *Options) { o.MaxRetries = 0 },
			expectError: false,
		},
		{
			name:        "dispatch timeout not below request deadline",
			mutate:      func(o *Options) { o.DispatchTimeout = o.RequestDeadline },
			expectError: true,
		},
		{
			name:        "zero readiness attempts",
			mutate:      func(o *Options) { o.ReadinessAttempts = 0 },
			expectError: true,
		},
		{
			name:        "negative log verbosity",
			mutate:      func(o *Options) { o.LogVerbosity = -1 },
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := NewOptions()
			fs := pflag.NewFlagSet(tt.name, pflag.ContinueOnError)
			opts.AddFlags(fs)

			tt.mutate(opts)

			err := opts.Validate()
			if tt.expectError && err == nil {
				t.Error("Expected a validation error but got none")
			}
			if !tt.expectError && err != nil {
				t.Errorf("Unexpected validation error: %v", err)
			}
		})
	}
}
