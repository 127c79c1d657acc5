// Package executor wraps the external mutation executor. The executor is
// responsible for de-duplicating by attempt id; the orchestrator assumes
// at-least-once delivery and may reissue a call with the same attempt id.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/opsforge/remedia/internal/models"
)

// Result statuses reported by the mutation executor.
const (
	StatusSuccess = "success"
	StatusFailure = "failure"
)

// Result is the outcome of one execution attempt.
type Result struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Succeeded reports whether the executor applied the action.
func (r Result) Succeeded() bool { return r.Status == StatusSuccess }

// Client issues mutation calls to the external executor.
type Client struct {
	baseURL    string
	path       string
	httpClient *http.Client
}

// NewClient constructs a client targeting the configured executor.
func NewClient(baseURL, path string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		path:       path,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type executeRequest struct {
	AttemptID  string            `json:"attempt_id"`
	Target     string            `json:"target"`
	Action     string            `json:"action"`
	Parameters map[string]string `json:"parameters,omitempty"`
}

// Execute issues exactly one mutation call for the attempt. Retries belong
// to the orchestrator, not this client.
func (c *Client) Execute(ctx context.Context, action models.Action, target, attemptID string) (Result, error) {
	if c == nil {
		return Result{}, fmt.Errorf("executor client not initialised")
	}
	if c.baseURL == "" {
		return Result{}, fmt.Errorf("executor base URL not configured")
	}

	payload := executeRequest{
		AttemptID:  attemptID,
		Target:     target,
		Action:     action.Type,
		Parameters: action.Parameters,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return Result{}, fmt.Errorf("encode execute request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+c.path, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build execute request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("executor request: %w", err)
	}
	defer res.Body.Close()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		detail, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return Result{}, fmt.Errorf("executor status %d: %s", res.StatusCode, strings.TrimSpace(string(detail)))
	}

	var result Result
	if err := json.NewDecoder(res.Body).Decode(&result); err != nil {
		return Result{}, fmt.Errorf("decode executor response: %w", err)
	}
	if result.Status != StatusSuccess && result.Status != StatusFailure {
		return Result{}, fmt.Errorf("executor returned unknown status %q", result.Status)
	}
	return result, nil
}
