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

// Package provisioning adapts the external instance cloud: creating,
// cloning, exposing and destroying the remote units that workers run on.
package provisioning

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const defaultCallTimeout = 30 * time.Second

// HTTPClient talks to the instance cloud's REST API with bearer-token auth.
type HTTPClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

var _ Client = &HTTPClient{}

// NewHTTPClient creates a provisioning client for the API at baseURL.
func NewHTTPClient(baseURL, apiKey string) *HTTPClient {
	return &HTTPClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: defaultCallTimeout},
	}
}

func (c *HTTPClient) BranchInstance(ctx context.Context, parentID string) (string, error) {
	body := map[string]any{"snapshot_metadata": map[string]any{}, "instance_metadata": map[string]any{}}
	var resp struct {
		Instances []Instance `json:"instances"`
	}
	path := fmt.Sprintf("/instance/%s/branch", parentID)
	if err := c.do(ctx, http.MethodPost, path, body, &resp); err != nil {
		return "", fmt.Errorf("branching instance %s: %w", parentID, err)
	}
	if len(resp.Instances) == 0 {
		return "", fmt.Errorf("branching instance %s: no instances in response", parentID)
	}
	return resp.Instances[0].ID, nil
}

func (c *HTTPClient) StartInstance(ctx context.Context, snapshotID string) (string, error) {
	var resp Instance
	path := fmt.Sprintf("/instance?snapshot_id=%s", snapshotID)
	if err := c.do(ctx, http.MethodPost, path, nil, &resp); err != nil {
		return "", fmt.Errorf("starting instance from snapshot %s: %w", snapshotID, err)
	}
	if resp.ID == "" {
		return "", fmt.Errorf("starting instance from snapshot %s: no instance id in response", snapshotID)
	}
	return resp.ID, nil
}

func (c *HTTPClient) ExecCommand(ctx context.Context, instanceID string, command []string) error {
	body := map[string]any{"command": command}
	path := fmt.Sprintf("/instance/%s/exec", instanceID)
	if err := c.do(ctx, http.MethodPost, path, body, nil); err != nil {
		return fmt.Errorf("executing command on instance %s: %w", instanceID, err)
	}
	return nil
}

func (c *HTTPClient) ExposeHTTP(ctx context.Context, instanceID, name string, port int) (string, error) {
	body := map[string]any{"name": name, "port": port}
	var resp Instance
	path := fmt.Sprintf("/instance/%s/http", instanceID)
	if err := c.do(ctx, http.MethodPost, path, body, &resp); err != nil {
		return "", fmt.Errorf("exposing port %d on instance %s: %w", port, instanceID, err)
	}
	url, ok := resp.ServiceURL(port)
	if !ok {
		return "", fmt.Errorf("exposing port %d on instance %s: no service URL in response", port, instanceID)
	}
	return url, nil
}

func (c *HTTPClient) GetInstance(ctx context.Context, instanceID string) (*Instance, error) {
	var resp Instance
	if err := c.do(ctx, http.MethodGet, "/instance/"+instanceID, nil, &resp); err != nil {
		return nil, fmt.Errorf("fetching instance %s: %w", instanceID, err)
	}
	return &resp, nil
}

func (c *HTTPClient) DeleteInstance(ctx context.Context, instanceID string) error {
	err := c.do(ctx, http.MethodDelete, "/instance/"+instanceID, nil, nil)
	if err != nil {
		// Deleting an already-gone instance is success.
		if statusErr, ok := err.(*statusError); ok && statusErr.code == http.StatusNotFound {
			return nil
		}
		return fmt.Errorf("deleting instance %s: %w", instanceID, err)
	}
	return nil
}

func (c *HTTPClient) ListSnapshots(ctx context.Context) ([]Snapshot, error) {
	var resp struct {
		Snapshots []Snapshot `json:"snapshots"`
	}
	if err := c.do(ctx, http.MethodGet, "/snapshot", nil, &resp); err != nil {
		return nil, fmt.Errorf("listing snapshots: %w", err)
	}
	return resp.Snapshots, nil
}

func (c *HTTPClient) DeleteSnapshot(ctx context.Context, snapshotID string) error {
	err := c.do(ctx, http.MethodDelete, "/snapshot/"+snapshotID, nil, nil)
	if err != nil {
		if statusErr, ok := err.(*statusError); ok && statusErr.code == http.StatusNotFound {
			return nil
		}
		return fmt.Errorf("deleting snapshot %s: %w", snapshotID, err)
	}
	return nil
}

// statusError carries a non-2xx API response.
type statusError struct {
	code int
	body string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.code, e.body)
}

func (c *HTTPClient) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &statusError{code: resp.StatusCode, body: string(raw)}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
