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

package director

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// Dispatcher forwards one unit of work to a worker and returns its digest.
type Dispatcher interface {
	Dispatch(ctx context.Context, workerURL, input string) (string, error)
}

// HashRequest is the wire format of the unit-of-work call.
type HashRequest struct {
	InputString string `json:"input_string"`
}

// HashResponse is the worker's answer.
type HashResponse struct {
	Hash string `json:"hash"`
}

// HTTPDispatcher POSTs the unit of work to the worker's /hash endpoint.
type HTTPDispatcher struct {
	Client *http.Client
}

var _ Dispatcher = &HTTPDispatcher{}

func (d *HTTPDispatcher) Dispatch(ctx context.Context, workerURL, input string) (string, error) {
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	raw, err := json.Marshal(HashRequest{InputString: input})
	if err != nil {
		return "", fmt.Errorf("encoding hash request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, workerURL+"/hash", bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("creating hash request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return "", fmt.Errorf("worker returned status %d: %s", resp.StatusCode, body)
	}

	var out HashResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("decoding hash response: %w", err)
	}
	if out.Hash == "" {
		return "", fmt.Errorf("worker returned an empty hash")
	}
	return out.Hash, nil
}
