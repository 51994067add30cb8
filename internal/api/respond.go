package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"creative-job-scheduler/internal/jobs"
)

var errRateLimited = errors.New("rate limit exceeded")

// envelope wraps every JSON response.
type envelope struct {
	Success   bool   `json:"success"`
	Data      any    `json:"data,omitempty"`
	Error     string `json:"error,omitempty"`
	Message   string `json:"message,omitempty"`
	Timestamp string `json:"timestamp"`
}

func writeJSON(w http.ResponseWriter, code int, data any) {
	writeEnvelope(w, code, envelope{Success: true, Data: data})
}

func writeMessage(w http.ResponseWriter, code int, data any, message string) {
	writeEnvelope(w, code, envelope{Success: true, Data: data, Message: message})
}

func writeFailure(w http.ResponseWriter, code int, message string) {
	writeEnvelope(w, code, envelope{Success: false, Error: message})
}

func writeEnvelope(w http.ResponseWriter, code int, env envelope) {
	env.Timestamp = time.Now().UTC().Format(time.RFC3339)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(env)
}

// statusFor maps a domain error onto an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, jobs.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, jobs.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, jobs.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, errRateLimited):
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// writeError writes the failure envelope for err. Internal errors are logged
// and replaced with a generic message.
func writeError(w http.ResponseWriter, log zerolog.Logger, err error) {
	code := statusFor(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		log.Error().Err(err).Msg("request failed")
		msg = "internal server error"
	}
	writeFailure(w, code, msg)
}
