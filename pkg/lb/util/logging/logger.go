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

package logging

import (
	"context"

	"github.com/go-logr/logr"
	"github.com/go-logr/zapr"
	uberzap "go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// NewLogger creates a zap-backed logr.Logger at the given verbosity.
// Verbosity is expressed on the logr scale, so a verbosity of TRACE enables
// everything up to and including V(TRACE) messages.
func NewLogger(verbosity int, development bool) logr.Logger {
	var cfg uberzap.Config
	if development {
		cfg = uberzap.NewDevelopmentConfig()
	} else {
		cfg = uberzap.NewProductionConfig()
	}
	// logr V-levels map onto negative zap levels.
	cfg.Level = uberzap.NewAtomicLevelAt(zapcore.Level(int8(-1 * verbosity)))
	zapLog, err := cfg.Build(uberzap.AddCaller())
	if err != nil {
		// Config is fully programmatic, so a build failure is a programming
		// error.
		panic(err)
	}
	return zapr.NewLogger(zapLog)
}

// NewTestLogger creates a new zap logger using the dev mode at TRACE
// verbosity.
func NewTestLogger() logr.Logger {
	return NewLogger(TRACE, true)
}

// IntoContext returns a copy of ctx carrying the given logger.
func IntoContext(ctx context.Context, logger logr.Logger) context.Context {
	return logr.NewContext(ctx, logger)
}

// FromContext returns the logger stored in ctx, or a discarding logger if
// none was stored.
func FromContext(ctx context.Context) logr.Logger {
	return logr.FromContextOrDiscard(ctx)
}

// NewTestLoggerIntoContext creates a new dev-mode logger and inserts it into
// the given context.
func NewTestLoggerIntoContext(ctx context.Context) context.Context {
	return IntoContext(ctx, NewTestLogger())
}
