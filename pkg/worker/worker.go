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

// Package worker implements the worker-side service that runs inside each
// provisioned instance: a health endpoint used as the readiness signal and
// the sha256 unit-of-work endpoint the load balancer dispatches to.
package worker

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"

	logutil "github.com/Paladin159/morph/pkg/lb/util/logging"
)

// DefaultPort is the port the worker service listens on inside an instance.
const DefaultPort = 5000

// HashRequest is the unit-of-work payload.
type HashRequest struct {
	InputString string `json:"input_string"`
}

// HashResponse carries the hex-encoded sha256 digest of the input.
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

// NewHandler returns the worker's HTTP surface: GET /health and POST /hash.
func NewHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", handleHealth)
	mux.HandleFunc("POST /hash", handleHash)
	return mux
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{Status: "healthy"})
}

func handleHash(w http.ResponseWriter, r *http.Request) {
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

	digest := sha256.Sum256([]byte(req.InputString))
	logger.V(logutil.TRACE).Info("Hashed input", "bytes", len(req.InputString))
	writeJSON(w, http.StatusOK, HashResponse{Hash: hex.EncodeToString(digest[:])})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
