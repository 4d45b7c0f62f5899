package api

import (
	"encoding/json"
	"errors"
	"net/http"

	verifengine "github.com/payment-verifier/internal/engine"
	"github.com/payment-verifier/internal/types"
)

// StatsSource exposes the engine's operational counters
type StatsSource interface {
	Snapshot() verifengine.JobStats
}

// handleJobStats returns a snapshot of the verification engine's run
// counters, timestamps and recent errors
func (s *Server) handleJobStats(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, s.stats.Snapshot())
}

// triggerResponse is the response body for a manual trigger request
type triggerResponse struct {
	Triggered bool   `json:"triggered"`
	Message   string `json:"message"`
}

// handleTrigger runs a verification cycle on demand. The scheduler's
// reentrancy rule applies: a request during an in-flight cycle is rejected
// with 409 rather than queued.
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if err := s.scheduler.TriggerNow(r.Context()); err != nil {
		if errors.Is(err, verifengine.ErrCycleInProgress) {
			respondJSON(w, http.StatusConflict, triggerResponse{
				Triggered: false,
				Message:   "previous cycle still running",
			})
			return
		}
		respondError(w, http.StatusInternalServerError, "CYCLE_FAILED", err.Error(), nil)
		return
	}

	respondJSON(w, http.StatusOK, triggerResponse{
		Triggered: true,
		Message:   "verification cycle completed",
	})
}

// healthResponse reports per-dependency reachability
type healthResponse struct {
	Status   string            `json:"status"`
	Services map[string]string `json:"services"`
}

// handleHealth probes the backing services
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	response := healthResponse{
		Status:   "ok",
		Services: make(map[string]string),
	}

	checks := map[string]HealthChecker{
		"postgres": s.postgres,
		"redis":    s.redis,
	}
	status := http.StatusOK
	for name, checker := range checks {
		if checker == nil {
			continue
		}
		if err := checker.Ping(r.Context()); err != nil {
			response.Services[name] = "unreachable"
			response.Status = "degraded"
			status = http.StatusServiceUnavailable
		} else {
			response.Services[name] = "ok"
		}
	}

	respondJSON(w, status, response)
}

// ErrorResponse represents an API error response
type ErrorResponse struct {
	Error types.ServiceError `json:"error"`
}

// respondError sends an error response
func respondError(w http.ResponseWriter, statusCode int, code, message string, details map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	response := ErrorResponse{
		Error: types.ServiceError{
			Code:    code,
			Message: message,
			Details: details,
		},
	}

	json.NewEncoder(w).Encode(response)
}

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}
