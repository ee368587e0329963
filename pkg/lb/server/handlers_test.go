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
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errutil "github.com/Paladin159/morph/pkg/lb/util/error"
)

// stubHandler answers every request with a fixed digest or error.
type stubHandler struct {
	digest string
	err    error
}

func (s *stubHandler) HandleRequest(context.Context, string) (string, error) {
	return s.digest, s.err
}

func TestHandleHashSuccess(t *testing.T) {
	srv := httptest.NewServer(NewHandler(&stubHandler{digest: "digest-1"}))
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/hash", "application/json", strings.NewReader(`{"input_string": "abc"}`))
	require.NoError(t, err)
	defer func() {
		_ = resp.Body.Close()
	}()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body HashResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "digest-1", body.Hash)
}

func TestHandleHashBadInput(t *testing.T) {
	srv := httptest.NewServer(NewHandler(&stubHandler{digest: "unreached"}))
	defer srv.Close()

	for _, body := range []string{`{}`, `{"input_string": ""}`, `not json`} {
		resp, err := http.Post(srv.URL+"/hash", "application/json", strings.NewReader(body))
		require.NoError(t, err)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, "body %q", body)
		_ = resp.Body.Close()
	}
}

func TestHandleHashErrorStatusMapping(t *testing.T) {
	tests := []struct {
		code       string
		wantStatus int
	}{
		{errutil.PoolExhausted, http.StatusServiceUnavailable},
		{errutil.ProvisioningFailed, http.StatusServiceUnavailable},
		{errutil.ServiceUnavailable, http.StatusServiceUnavailable},
		{errutil.WorkerError, http.StatusServiceUnavailable},
		{errutil.RequestTimeout, http.StatusGatewayTimeout},
		{errutil.BadRequest, http.StatusBadRequest},
		{errutil.Internal, http.StatusInternalServerError},
		{errutil.Unknown, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			srv := httptest.NewServer(NewHandler(&stubHandler{err: errutil.Error{Code: tt.code, Msg: "boom"}}))
			defer srv.Close()

			resp, err := http.Post(srv.URL+"/hash", "application/json", strings.NewReader(`{"input_string": "abc"}`))
			require.NoError(t, err)
			defer func() {
				_ = resp.Body.Close()
			}()
			require.Equal(t, tt.wantStatus, resp.StatusCode)

			var body ErrorResponse
			require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
			assert.Contains(t, body.Error, tt.code)
		})
	}
}

func TestHandleHealth(t *testing.T) {
	srv := httptest.NewServer(NewHandler(&stubHandler{}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer func() {
		_ = resp.Body.Close()
	}()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body HealthResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "healthy", body.Status)
}
