package api

import (
	"fmt"
	"net/http"
	"time"

	"github.com/quarryhq/quarry/pkg/version"
)

// HealthResponse represents the health check response
type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Version   string    `json:"version,omitempty"`
}

// ReadyResponse represents the readiness check response
type ReadyResponse struct {
	Status    string            `json:"status"`
	Timestamp time.Time         `json:"timestamp"`
	Checks    map[string]string `json:"checks"`
	Message   string            `json:"message,omitempty"`
}

// handleHealth is a simple liveness check - returns 200 if the process is alive
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:    "healthy",
		Timestamp: time.Now(),
		Version:   version.Version,
	})
}

// handleReady checks the substrate and the store before accepting traffic
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]string)
	ready := true
	var message string

	if err := s.streams.Ping(r.Context()); err != nil {
		checks["substrate"] = fmt.Sprintf("error: %v", err)
		ready = false
		message = "Stream substrate not accessible"
	} else {
		checks["substrate"] = "ok"
	}

	if err := s.store.Ping(r.Context()); err != nil {
		checks["store"] = fmt.Sprintf("error: %v", err)
		ready = false
		if message == "" {
			message = "Store not accessible"
		}
	} else {
		checks["store"] = "ok"
	}

	status := "ready"
	statusCode := http.StatusOK
	if !ready {
		status = "not ready"
		statusCode = http.StatusServiceUnavailable
	}

	writeJSON(w, statusCode, ReadyResponse{
		Status:    status,
		Timestamp: time.Now(),
		Checks:    checks,
		Message:   message,
	})
}
