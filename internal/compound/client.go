// Copyright © 2026 Groups.io, Inc.
// SPDX-License-Identifier: Apache-2.0

package compound

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// OrchestrationClient is the Compound Runner's view of the orchestration
// server, per §6's HTTP contract: the mission is an internal client of its
// own server, not a direct caller of the Worker Manager/Blackboard.
type OrchestrationClient interface {
	Health(ctx context.Context) error
	Auth(ctx context.Context) (token string, err error)
	SpawnWorker(ctx context.Context, token string, req SpawnWorkerRequest) (WorkerSummary, error)
	SendToWorker(ctx context.Context, token, handle, message string) error
	DismissWorker(ctx context.Context, token, handle string) error
	PostBlackboard(ctx context.Context, token string, msg BlackboardPost) error
}

// SpawnWorkerRequest mirrors §6's `POST /orchestrate/spawn` body.
type SpawnWorkerRequest struct {
	Handle        string `json:"handle"`
	InitialPrompt string `json:"initialPrompt,omitempty"`
	Role          string `json:"role,omitempty"`
	TeamName      string `json:"teamName,omitempty"`
	WorkingDir    string `json:"workingDir,omitempty"`
	SpawnMode     string `json:"spawnMode,omitempty"`
	SwarmID       string `json:"swarmId,omitempty"`
}

// WorkerSummary is the spawn response's worker summary.
type WorkerSummary struct {
	ID     string `json:"id"`
	Handle string `json:"handle"`
}

// BlackboardPost mirrors §6's `POST /blackboard` body.
type BlackboardPost struct {
	SwarmID      string      `json:"swarmId"`
	SenderHandle string      `json:"senderHandle"`
	MessageType  string      `json:"messageType"`
	Payload      interface{} `json:"payload"`
	Priority     string      `json:"priority,omitempty"`
	TargetHandle string      `json:"targetHandle,omitempty"`
}

// httpClient is OrchestrationClient over net/http, matching the teacher's
// own client-side convention (internal/claude's API callers use the
// standard library client directly rather than a third-party HTTP client).
type httpClient struct {
	baseURL string
	hc      *http.Client
}

// NewHTTPClient builds an OrchestrationClient against baseURL.
func NewHTTPClient(baseURL string) OrchestrationClient {
	return &httpClient{baseURL: baseURL, hc: &http.Client{Timeout: 15 * time.Second}}
}

func (c *httpClient) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("compound: health check: status %d", resp.StatusCode)
	}
	return nil
}

func (c *httpClient) Auth(ctx context.Context) (string, error) {
	var out struct {
		Token string `json:"token"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/auth", "", nil, &out); err != nil {
		return "", err
	}
	return out.Token, nil
}

func (c *httpClient) SpawnWorker(ctx context.Context, token string, req SpawnWorkerRequest) (WorkerSummary, error) {
	var out WorkerSummary
	err := c.doJSON(ctx, http.MethodPost, "/orchestrate/spawn", token, req, &out)
	return out, err
}

func (c *httpClient) SendToWorker(ctx context.Context, token, handle, message string) error {
	body := struct {
		Message string `json:"message"`
	}{Message: message}
	var out struct {
		Delivered bool `json:"delivered"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/orchestrate/send/"+handle, token, body, &out); err != nil {
		return err
	}
	if !out.Delivered {
		return fmt.Errorf("compound: send to %s: not delivered", handle)
	}
	return nil
}

func (c *httpClient) DismissWorker(ctx context.Context, token, handle string) error {
	var out struct {
		OK bool `json:"ok"`
	}
	return c.doJSON(ctx, http.MethodPost, "/orchestrate/dismiss/"+handle, token, nil, &out)
}

func (c *httpClient) PostBlackboard(ctx context.Context, token string, msg BlackboardPost) error {
	var out json.RawMessage
	return c.doJSON(ctx, http.MethodPost, "/blackboard", token, msg, &out)
}

func (c *httpClient) doJSON(ctx context.Context, method, path, token string, body, out interface{}) error {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("compound: marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("compound: %s %s: status %d", method, path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
