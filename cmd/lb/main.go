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

package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/spf13/pflag"

	"github.com/Paladin159/morph/pkg/lb/server"
	logutil "github.com/Paladin159/morph/pkg/lb/util/logging"
	"github.com/Paladin159/morph/version"
)

func main() {
	opts := server.NewOptions()
	opts.AddFlags(pflag.CommandLine)
	pflag.Parse()

	logger := logutil.NewLogger(opts.LogVerbosity, opts.DevelopmentLog).WithName("lb")
	logger.Info("morph-lb build", "commit-sha", version.CommitSHA, "build-ref", version.BuildRef)

	if err := opts.Complete(logger); err != nil {
		logutil.Fatal(logger, err, "Failed to complete options")
	}
	if err := opts.Validate(); err != nil {
		logutil.Fatal(logger, err, "Invalid options")
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = logutil.IntoContext(ctx, logger)

	if err := server.NewRunner(opts).Run(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logutil.Fatal(logger, err, "Load balancer terminated")
	}
	logger.Info("Load balancer shut down")
}
