package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/opsforge/remedia/internal/models"
)

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(req *http.Request) (*http.Response, error) {
	return f(req)
}

func newTestClient(rt roundTripFunc) *http.Client {
	return &http.Client{Transport: rt}
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, nil))
}

func jsonResponse(t *testing.T, status int, payload any) *http.Response {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(bytes.NewReader(data)),
		Header:     make(http.Header),
	}
}

func TestScoreBuildsInferenceCandidate(t *testing.T) {
	client := NewClient("https://example.com", "/predict", time.Second, 2, 10*time.Millisecond, testLogger())
	client.httpClient = newTestClient(func(req *http.Request) (*http.Response, error) {
		if req.URL.Path != "/predict" {
			t.Fatalf("unexpected path: %s", req.URL.Path)
		}
		var body scoreRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if body.IncidentID != "inc-1" || body.Target != "svc-a" {
			t.Fatalf("unexpected request body: %+v", body)
		}
		return jsonResponse(t, http.StatusOK, scoreResponse{
			Action:     "restart_service",
			Parameters: map[string]string{"grace_period": "5s"},
			Confidence: 0.84,
			Priority:   40,
		}), nil
	})

	candidate, err := client.Score(context.Background(), "inc-1", "svc-a", []float64{0.1, 0.9})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if candidate.Source != models.SourceInference {
		t.Fatalf("expected inference source, got %s", candidate.Source)
	}
	if candidate.Action.Type != "restart_service" || candidate.Confidence != 0.84 {
		t.Fatalf("unexpected candidate: %+v", candidate)
	}
}

func TestScoreClampsConfidence(t *testing.T) {
	cases := []struct {
		name string
		in   float64
		want float64
	}{
		{"above one", 1.7, 1},
		{"below zero", -0.3, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			client := NewClient("https://example.com", "/predict", time.Second, 0, 10*time.Millisecond, testLogger())
			client.httpClient = newTestClient(func(*http.Request) (*http.Response, error) {
				return jsonResponse(t, http.StatusOK, scoreResponse{Action: "noop", Confidence: tc.in}), nil
			})
			candidate, err := client.Score(context.Background(), "inc-1", "svc-a", nil)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if candidate.Confidence != tc.want {
				t.Fatalf("expected clamp to %v, got %v", tc.want, candidate.Confidence)
			}
		})
	}
}

func TestScoreRejectionIsNotRetried(t *testing.T) {
	hits := 0
	client := NewClient("https://example.com", "/predict", time.Second, 3, time.Millisecond, testLogger())
	client.httpClient = newTestClient(func(*http.Request) (*http.Response, error) {
		hits++
		return &http.Response{
			StatusCode: http.StatusUnprocessableEntity,
			Body:       io.NopCloser(bytes.NewReader([]byte("unknown feature layout"))),
			Header:     make(http.Header),
		}, nil
	})

	_, err := client.Score(context.Background(), "inc-1", "svc-a", nil)
	if !errors.Is(err, ErrRejected) {
		t.Fatalf("expected ErrRejected, got %v", err)
	}
	if hits != 1 {
		t.Fatalf("rejection retried: %d requests", hits)
	}
}

func TestScoreRetriesServerErrors(t *testing.T) {
	hits := 0
	client := NewClient("https://example.com", "/predict", time.Second, 2, time.Millisecond, testLogger())
	client.httpClient = newTestClient(func(*http.Request) (*http.Response, error) {
		hits++
		if hits < 3 {
			return &http.Response{
				StatusCode: http.StatusBadGateway,
				Body:       io.NopCloser(bytes.NewReader(nil)),
				Header:     make(http.Header),
			}, nil
		}
		return jsonResponse(t, http.StatusOK, scoreResponse{Action: "noop", Confidence: 0.9}), nil
	})

	candidate, err := client.Score(context.Background(), "inc-1", "svc-a", nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if hits != 3 {
		t.Fatalf("expected 3 requests, got %d", hits)
	}
	if candidate.Confidence != 0.9 {
		t.Fatalf("unexpected candidate: %+v", candidate)
	}
}

func TestScoreExhaustsRetries(t *testing.T) {
	hits := 0
	client := NewClient("https://example.com", "/predict", time.Second, 2, time.Millisecond, testLogger())
	client.httpClient = newTestClient(func(*http.Request) (*http.Response, error) {
		hits++
		return &http.Response{
			StatusCode: http.StatusInternalServerError,
			Body:       io.NopCloser(bytes.NewReader(nil)),
			Header:     make(http.Header),
		}, nil
	})

	_, err := client.Score(context.Background(), "inc-1", "svc-a", nil)
	if err == nil {
		t.Fatalf("expected error after exhausting retries")
	}
	if hits != 3 {
		t.Fatalf("expected 3 requests (1 + 2 retries), got %d", hits)
	}
}

func TestScoreCancelledContextStopsRetry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	client := NewClient("https://example.com", "/predict", time.Second, 5, 50*time.Millisecond, testLogger())
	client.httpClient = newTestClient(func(*http.Request) (*http.Response, error) {
		cancel()
		return &http.Response{
			StatusCode: http.StatusInternalServerError,
			Body:       io.NopCloser(bytes.NewReader(nil)),
			Header:     make(http.Header),
		}, nil
	})

	_, err := client.Score(ctx, "inc-1", "svc-a", nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
