// Orchd is a personal agent control plane.
// Copyright (C) 2026 The Orchd Authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"orchd/pkg/control"
)

const clientTimeout = 20 * time.Second

// Client talks to the orchestrator's worker-token endpoints.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient builds a client for the orchestrator at baseURL.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: clientTimeout},
	}
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	return nil
}

// Claim asks for the next queued job. A nil job means nothing to do.
func (c *Client) Claim(ctx context.Context, workerID string) (*control.Job, error) {
	var out struct {
		Job *control.Job `json:"job"`
	}
	err := c.do(ctx, http.MethodPost, "/v1/workers/claim", map[string]string{"workerId": workerID}, &out)
	if err != nil {
		return nil, err
	}
	return out.Job, nil
}

// PostEvent appends a progress event to the job's log.
func (c *Client) PostEvent(ctx context.Context, jobID string, ev control.JobEvent) error {
	return c.do(ctx, http.MethodPost, "/v1/workers/"+jobID+"/events", map[string]any{"event": ev}, nil)
}

// Heartbeat reports whether a cooperative abort is pending.
func (c *Client) Heartbeat(ctx context.Context, jobID string) (bool, error) {
	var out struct {
		AbortRequested bool `json:"abortRequested"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/workers/"+jobID+"/heartbeat", nil, &out); err != nil {
		return false, err
	}
	return out.AbortRequested, nil
}

// Complete reports a finished job with its final text.
func (c *Client) Complete(ctx context.Context, jobID, resultText string) error {
	return c.do(ctx, http.MethodPost, "/v1/workers/"+jobID+"/complete", map[string]string{"resultText": resultText}, nil)
}

// Fail reports a failed job.
func (c *Client) Fail(ctx context.Context, jobID, errText string) error {
	return c.do(ctx, http.MethodPost, "/v1/workers/"+jobID+"/fail", map[string]string{"error": errText}, nil)
}

// Aborted acknowledges a cooperative abort.
func (c *Client) Aborted(ctx context.Context, jobID, reason string) error {
	return c.do(ctx, http.MethodPost, "/v1/workers/"+jobID+"/aborted", map[string]string{"reason": reason}, nil)
}
