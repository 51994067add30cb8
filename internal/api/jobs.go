package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"creative-job-scheduler/internal/jobs"
	"creative-job-scheduler/internal/models"
)

const maxBodyBytes = 1 << 20

// Top-level create fields that are never part of an inline payload.
var createControlFields = map[string]bool{
	"type":               true,
	"payload":            true,
	"priority":           true,
	"estimated_duration": true,
}

// parseCreateRequest accepts either {type, payload, ...} or a flat body whose
// remaining fields form the payload. type defaults to text_generation.
func parseCreateRequest(body io.Reader) (jobs.CreateJobRequest, error) {
	var raw map[string]any
	dec := json.NewDecoder(io.LimitReader(body, maxBodyBytes))
	if err := dec.Decode(&raw); err != nil && !errors.Is(err, io.EOF) {
		return jobs.CreateJobRequest{}, fmt.Errorf("%w: invalid json body", jobs.ErrValidation)
	}
	if raw == nil {
		raw = map[string]any{}
	}

	req := jobs.CreateJobRequest{Type: models.TypeTextGeneration}
	if v, ok := raw["type"]; ok && v != nil {
		s, ok := v.(string)
		if !ok {
			return req, fmt.Errorf("%w: type must be a string", jobs.ErrValidation)
		}
		req.Type = models.JobType(s)
	}

	var err error
	if req.Priority, err = optionalInt(raw, "priority"); err != nil {
		return req, err
	}
	if req.EstimatedDuration, err = optionalInt(raw, "estimated_duration"); err != nil {
		return req, err
	}

	switch p := raw["payload"].(type) {
	case map[string]any:
		req.Payload = p
	case nil:
		req.Payload = map[string]any{}
		for k, v := range raw {
			if !createControlFields[k] {
				req.Payload[k] = v
			}
		}
	default:
		return req, fmt.Errorf("%w: payload must be an object", jobs.ErrValidation)
	}
	return req, nil
}

func optionalInt(raw map[string]any, key string) (*int, error) {
	v, ok := raw[key]
	if !ok || v == nil {
		return nil, nil
	}
	f, ok := v.(float64)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return nil, fmt.Errorf("%w: %s must be a number", jobs.ErrValidation, key)
	}
	n := int(math.Round(f))
	return &n, nil
}

func (s *Server) handlePostJobs(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("action") == "stats" {
		s.handleStats(w, r)
		return
	}
	s.handleCreateJob(w, r)
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	userID := UserIDFromContext(r.Context())
	req, err := parseCreateRequest(r.Body)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	if err := s.allow(r, userID); err != nil {
		writeError(w, s.log, err)
		return
	}
	res, err := s.manager.CreateJob(r.Context(), userID, req)
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeMessage(w, http.StatusOK, res, res.Message)
}

type statsResponse struct {
	Stats   jobs.Stats   `json:"stats"`
	Summary jobs.Summary `json:"summary"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.manager.GetUserJobStats(r.Context(), UserIDFromContext(r.Context()))
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, statsResponse{Stats: stats, Summary: stats.Summary()})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, err := queryInt(q.Get("page"), "page")
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	limit, err := queryInt(q.Get("limit"), "limit")
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	res, err := s.manager.GetUserJobs(r.Context(), UserIDFromContext(r.Context()), jobs.ListOptions{
		Page:   page,
		Limit:  limit,
		Status: q.Get("status"),
		Type:   q.Get("type"),
	})
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func queryInt(v, name string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", jobs.ErrValidation, name)
	}
	return n, nil
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.manager.GetJob(r.Context(), chi.URLParam(r, "id"), UserIDFromContext(r.Context()))
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	ok, err := s.manager.CancelJob(r.Context(), id, UserIDFromContext(r.Context()))
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	if !ok {
		writeError(w, s.log, fmt.Errorf("%w or cannot be cancelled", jobs.ErrNotFound))
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"jobId": id, "status": string(models.StatusCancelled)})
}

func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.manager.Events(r.Context(), chi.URLParam(r, "id"), UserIDFromContext(r.Context()))
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	if events == nil {
		events = []models.JobEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": events})
}
