package api

import (
	"net/http"

	"creative-job-scheduler/internal/scheduler"
)

type tickResponse struct {
	PendingJobsCount int                  `json:"pendingJobsCount"`
	WorkerResult     scheduler.TickResult `json:"workerResult"`
}

func (s *Server) handleTick(w http.ResponseWriter, r *http.Request) {
	res, err := s.dispatcher.Tick(r.Context())
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeMessage(w, http.StatusOK, tickResponse{PendingJobsCount: res.PendingJobsCount, WorkerResult: res}, res.Message)
}

func (s *Server) handleSchedulerStatus(w http.ResponseWriter, r *http.Request) {
	stats, err := s.dispatcher.Status(r.Context())
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"stats": stats})
}

func (s *Server) handleWork(w http.ResponseWriter, r *http.Request) {
	out, err := s.worker.ProcessNext(r.Context())
	if err != nil {
		writeError(w, s.log, err)
		return
	}
	if !out.Processed {
		writeMessage(w, http.StatusOK, out, "nothing to process")
		return
	}
	writeJSON(w, http.StatusOK, out)
}
