// Package inference wraps the external scoring provider behind a small
// HTTP client. It never fabricates candidates: timeouts and transport
// failures surface as errors for the caller to route around.
package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/opsforge/remedia/internal/models"
)

// ErrRejected marks a non-transient provider rejection (4xx-style). These
// are never retried.
var ErrRejected = errors.New("inference provider rejected the request")

// Client issues scoring requests against the external inference provider.
type Client struct {
	baseURL     string
	path        string
	httpClient  *http.Client
	maxRetries  int
	backoffBase time.Duration
	logger      *slog.Logger
}

// NewClient constructs a client targeting the configured provider.
func NewClient(baseURL, path string, timeout time.Duration, maxRetries int, backoffBase time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if backoffBase <= 0 {
		backoffBase = 200 * time.Millisecond
	}
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		path:        path,
		httpClient:  &http.Client{Timeout: timeout},
		maxRetries:  maxRetries,
		backoffBase: backoffBase,
		logger:      logger,
	}
}

type scoreRequest struct {
	IncidentID string    `json:"incident_id"`
	Target     string    `json:"target"`
	Features   []float64 `json:"features"`
}

type scoreResponse struct {
	Action     string            `json:"action"`
	Parameters map[string]string `json:"parameters"`
	Score      float64           `json:"score"`
	Confidence float64           `json:"confidence"`
	Priority   int               `json:"priority"`
}

// Score requests one prediction for the incident's feature vector. Transient
// transport failures are retried up to maxRetries times with exponential
// backoff; provider rejections are returned immediately. Out-of-range
// confidence values are clamped to [0,1] with a logged warning.
func (c *Client) Score(ctx context.Context, incidentID, target string, features []float64) (models.Candidate, error) {
	if c == nil {
		return models.Candidate{}, fmt.Errorf("inference client not initialised")
	}
	if c.baseURL == "" {
		return models.Candidate{}, fmt.Errorf("inference base URL not configured")
	}

	payload := scoreRequest{IncidentID: incidentID, Target: target, Features: features}

	var resp scoreResponse
	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.backoffBase << (attempt - 1)
			select {
			case <-ctx.Done():
				return models.Candidate{}, ctx.Err()
			case <-time.After(backoff):
			}
		}

		err := c.postJSON(ctx, payload, &resp)
		if err == nil {
			return c.toCandidate(incidentID, target, resp), nil
		}
		lastErr = err
		if !isTransient(err) {
			return models.Candidate{}, err
		}
		c.logger.Warn("inference request failed, retrying",
			slog.Int("attempt", attempt+1), slog.Any("error", err))
	}
	return models.Candidate{}, fmt.Errorf("inference request failed after %d attempts: %w", c.maxRetries+1, lastErr)
}

func (c *Client) toCandidate(incidentID, target string, resp scoreResponse) models.Candidate {
	confidence := resp.Confidence
	if confidence < 0 || confidence > 1 {
		c.logger.Warn("inference confidence outside [0,1], clamping",
			slog.String("incident", incidentID), slog.Float64("confidence", confidence))
		if confidence < 0 {
			confidence = 0
		} else {
			confidence = 1
		}
	}

	return models.Candidate{
		IncidentID: incidentID,
		Target:     target,
		Source:     models.SourceInference,
		Action: models.Action{
			Type:       resp.Action,
			Parameters: resp.Parameters,
		},
		Confidence: confidence,
		Priority:   resp.Priority,
		ProducedAt: time.Now().UTC(),
	}
}

func (c *Client) postJSON(ctx context.Context, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+c.path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("inference request: %w", err)
	}
	defer res.Body.Close()

	switch {
	case res.StatusCode >= 200 && res.StatusCode < 300:
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			return fmt.Errorf("decode inference response: %w", err)
		}
		return nil
	case res.StatusCode >= 400 && res.StatusCode < 500:
		detail, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return fmt.Errorf("status %d: %s: %w", res.StatusCode, strings.TrimSpace(string(detail)), ErrRejected)
	default:
		return &statusError{code: res.StatusCode}
	}
}

type statusError struct{ code int }

func (e *statusError) Error() string {
	return fmt.Sprintf("inference provider status %d", e.code)
}

// isTransient reports whether the error is worth a retry: connection-level
// failures, timeouts, and 5xx responses. Provider rejections are final.
func isTransient(err error) bool {
	if errors.Is(err, ErrRejected) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		return true
	}
	var statusErr *statusError
	if errors.As(err, &statusErr) {
		return statusErr.code >= 500
	}
	return false
}
