// Command mock-collaborators serves stub inference and executor endpoints
// for local development of the remediation engine. The executor stub
// de-duplicates by attempt id, as the real one is required to.
package main

import (
	"encoding/json"
	"flag"
	"hash/fnv"
	"log"
	"net/http"
	"sync"
	"time"
)

type scoreRequest struct {
	IncidentID string    `json:"incident_id"`
	Target     string    `json:"target"`
	Features   []float64 `json:"features"`
}

type scoreResponse struct {
	Action     string            `json:"action"`
	Parameters map[string]string `json:"parameters"`
	Confidence float64           `json:"confidence"`
	Priority   int               `json:"priority"`
}

type executeRequest struct {
	AttemptID  string            `json:"attempt_id"`
	Target     string            `json:"target"`
	Action     string            `json:"action"`
	Parameters map[string]string `json:"parameters"`
}

type executeResponse struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

func main() {
	var addr string
	var failEvery int
	flag.StringVar(&addr, "addr", ":9090", "listen address")
	flag.IntVar(&failEvery, "fail-every", 0, "fail every Nth execute call (0 disables)")
	flag.Parse()

	logger := log.New(log.Writer(), "mock-collab ", log.LstdFlags|log.Lmicroseconds)

	var mu sync.Mutex
	seenAttempts := make(map[string]executeResponse)
	executeCalls := 0

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	mux.HandleFunc("/predict", func(w http.ResponseWriter, r *http.Request) {
		if !enforcePost(w, r) {
			return
		}
		var req scoreRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		// Deterministic per-target score so repeated runs behave the same.
		h := fnv.New32a()
		_, _ = h.Write([]byte(req.Target))
		confidence := 0.70 + float64(h.Sum32()%30)/100.0
		writeJSON(w, scoreResponse{
			Action:     "restart_service",
			Parameters: map[string]string{"grace_period": "10s"},
			Confidence: confidence,
			Priority:   40,
		})
	})

	mux.HandleFunc("/execute", func(w http.ResponseWriter, r *http.Request) {
		if !enforcePost(w, r) {
			return
		}
		var req executeRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.AttemptID == "" {
			http.Error(w, "attempt_id is required", http.StatusBadRequest)
			return
		}

		mu.Lock()
		if prior, ok := seenAttempts[req.AttemptID]; ok {
			mu.Unlock()
			logger.Printf("replaying attempt %s", req.AttemptID)
			writeJSON(w, prior)
			return
		}
		executeCalls++
		resp := executeResponse{Status: "success"}
		if failEvery > 0 && executeCalls%failEvery == 0 {
			resp = executeResponse{Status: "failure", Detail: "injected failure"}
		}
		seenAttempts[req.AttemptID] = resp
		mu.Unlock()

		logger.Printf("%s %s on %s -> %s", req.Action, req.AttemptID, req.Target, resp.Status)
		writeJSON(w, resp)
	})

	srv := &http.Server{
		Addr:    addr,
		Handler: logRequests(logger, mux),
	}

	logger.Printf("listening on %s", addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Fatalf("server error: %v", err)
	}
}

func enforcePost(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, payload any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("encode error: %v", err)
	}
}

func logRequests(logger *log.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rw := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		logger.Printf("%s %s %d %s", r.Method, r.URL.Path, rw.status, time.Since(start))
	})
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}
