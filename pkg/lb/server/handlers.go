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
	"context"
	"encoding/json"
	"net/http"

	errutil "github.com/Paladin159/morph/pkg/lb/util/error"
	logutil "github.com/Paladin159/morph/pkg/lb/util/logging"
)

// RequestHandler routes one unit of work to completion. Implemented by
// director.Director.
type RequestHandler interface {
	HandleRequest(ctx context.Context, input string) (string, error)
}

// HashRequest is the caller-facing payload, mirroring the worker wire
// format.
type HashRequest struct {
	InputString string `json:"input_string"`
}

// HashResponse carries the digest back to the caller.
type HashResponse struct {
	Hash string `json:"hash"`
}

// ErrorResponse is the body of any non-200 answer.
type ErrorResponse struct {
	Error string `json:"error"`
}

// HealthResponse is the body of the health endpoint.
type HealthResponse struct {
	Status string `json:"status"`
}

// NewHandler returns the load balancer's request surface: POST /hash and
// GET /health.
func NewHandler(handler RequestHandler) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", handleHealth)
	mux.HandleFunc("POST /hash", handleHash(handler))
	return mux
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy"})
}

func handleHash(handler RequestHandler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		logger := logutil.FromContext(r.Context())

		var req HashRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid JSON body"})
			return
		}
		if req.InputString == "" {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "missing input_string in request"})
			return
		}

		digest, err := handler.HandleRequest(r.Context(), req.InputString)
		if err != nil {
			logger.V(logutil.DEFAULT).Error(err, "Request failed", "code", errutil.CanonicalCode(err))
			writeJSON(w, statusFor(err), ErrorResponse{Error: err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, HashResponse{Hash: digest})
	}
}

// statusFor maps canonical error codes onto HTTP statuses: capacity problems
// are 503, deadline expiry is 504, bad input is 400, everything else is 500.
func statusFor(err error) int {
	switch errutil.CanonicalCode(err) {
	case errutil.BadRequest:
		return http.StatusBadRequest
	case errutil.PoolExhausted, errutil.ProvisioningFailed, errutil.ServiceUnavailable, errutil.WorkerError:
		return http.StatusServiceUnavailable
	case errutil.RequestTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
