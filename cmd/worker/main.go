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
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	logutil "github.com/Paladin159/morph/pkg/lb/util/logging"
	"github.com/Paladin159/morph/pkg/worker"
	"github.com/Paladin159/morph/version"
)

func main() {
	port := pflag.Int("port", worker.DefaultPort, "The port the worker service listens on.")
	logVerbosity := pflag.IntP("v", "v", logutil.DEFAULT, "Number for the log level verbosity.")
	developmentLog := pflag.Bool("development-log", true, "Enables development-mode (human readable) log output.")
	pflag.Parse()

	logger := logutil.NewLogger(*logVerbosity, *developmentLog).WithName("worker")
	logger.Info("morph-worker build", "commit-sha", version.CommitSHA, "build-ref", version.BuildRef)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	handler := worker.NewHandler()
	srv := &http.Server{
		Addr: fmt.Sprintf(":%d", *port),
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			handler.ServeHTTP(w, r.WithContext(logutil.IntoContext(r.Context(), logger)))
		}),
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Worker listening", "addr", srv.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		logutil.Fatal(logger, err, "Worker terminated")
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logutil.Fatal(logger, err, "Worker shutdown failed")
		}
	}
	logger.Info("Worker shut down")
}
