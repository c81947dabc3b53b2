package server

import (
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/teranos/tessera/errors"
	"github.com/teranos/tessera/logger"
	"github.com/teranos/tessera/pulse/history"
	"github.com/teranos/tessera/pulse/job"
	"github.com/teranos/tessera/version"
)

// maxMessageBytes bounds a msg job payload
const maxMessageBytes = 1 << 20

// HealthResponse is returned by /healthz
type HealthResponse struct {
	Status   string `json:"status"`
	Executor string `json:"executor"`
	Jobs     int    `json:"jobs"`
	Clients  int    `json:"clients"`
	Uptime   string `json:"uptime"`
	Version  string `json:"version"`
	State    string `json:"state"`
	Started  string `json:"started"`
}

// JobSummary is one row of the job list
type JobSummary struct {
	Job     string `json:"job"`
	Type    string `json:"type"`
	Cron    string `json:"cron,omitempty"`
	Handler string `json:"handler"`
	Enabled bool   `json:"enabled"`
	State   string `json:"state"`
	Leader  bool   `json:"leader"`
	Items   []int  `json:"items"`
}

// TriggerResponse is returned by run and messages
type TriggerResponse struct {
	Job       string `json:"job"`
	TriggerID string `json:"trigger_id"`
}

// ExecutionsResponse is one page of execution history
type ExecutionsResponse struct {
	Executions []*history.Record `json:"executions"`
	Total      int               `json:"total"`
	Limit      int               `json:"limit"`
	Offset     int               `json:"offset"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	state := s.getState()
	status, code := "ok", http.StatusOK
	if state != StateRunning {
		status, code = "unavailable", http.StatusServiceUnavailable
	}
	writeJSON(w, code, HealthResponse{
		Status:   status,
		Executor: s.backend.Name(),
		Jobs:     s.backend.Jobs().Len(),
		Clients:  s.hub.Clients(),
		Uptime:   time.Since(s.startedAt).Round(time.Second).String(),
		Version:  version.Get().Version,
		State:    state.String(),
		Started:  s.startedAt.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	jobs := make([]JobSummary, 0, s.backend.Jobs().Len())
	for _, sched := range s.backend.Jobs().List() {
		st, err := sched.Status(r.Context())
		if err != nil {
			// Shut down between List and Status
			continue
		}
		jobs = append(jobs, JobSummary{
			Job:     st.Job,
			Type:    string(st.Type),
			Cron:    st.Cron,
			Handler: st.Handler,
			Enabled: st.Enabled,
			State:   st.State,
			Leader:  st.Leader,
			Items:   st.Items,
		})
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"jobs": jobs, "executor": s.backend.Name()})
}

// scheduler resolves the {job} URL parameter, writing 404 when unknown
func (s *Server) scheduler(w http.ResponseWriter, r *http.Request) (*job.Scheduler, bool) {
	name := chi.URLParam(r, "job")
	sched, ok := s.backend.Jobs().Get(name)
	if !ok {
		writeErr(w, errors.NewNotFoundError("job %s is not running on executor %s", name, s.backend.Name()))
		return nil, false
	}
	return sched, true
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	sched, ok := s.scheduler(w, r)
	if !ok {
		return
	}
	st, err := sched.Status(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// allow applies the per-job manual trigger rate, writing 429 when exceeded
func (s *Server) allow(w http.ResponseWriter, jobName string) bool {
	if l := s.limiter(jobName); l != nil && !l.Allow() {
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "too many manual triggers for job "+jobName)
		return false
	}
	return true
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	sched, ok := s.scheduler(w, r)
	if !ok || !s.allow(w, sched.Job()) {
		return
	}
	id, err := sched.Trigger(r.URL.Query().Get("trigger_id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	s.logger.Infow("Manual trigger", logger.FieldJob, sched.Job(), "trigger_id", id)
	writeJSON(w, http.StatusAccepted, TriggerResponse{Job: sched.Job(), TriggerID: id})
}

func (s *Server) handleMessage(w http.ResponseWriter, r *http.Request) {
	sched, ok := s.scheduler(w, r)
	if !ok || !s.allow(w, sched.Job()) {
		return
	}
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxMessageBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "message too large")
		return
	}
	id, err := sched.Deliver(payload)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, TriggerResponse{Job: sched.Job(), TriggerID: id})
}

// control runs a lifecycle command and answers with the resulting state
func (s *Server) control(w http.ResponseWriter, r *http.Request, action string, fn func(*job.Scheduler) error) {
	sched, ok := s.scheduler(w, r)
	if !ok {
		return
	}
	if err := fn(sched); err != nil {
		writeErr(w, err)
		return
	}
	s.logger.Infow("Job control", logger.FieldJob, sched.Job(), "action", action)
	st, err := sched.Status(r.Context())
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job": sched.Job(), "state": st.State})
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, "stop", (*job.Scheduler).Stop)
}

func (s *Server) handleForceStop(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, "forcestop", (*job.Scheduler).ForceStop)
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	s.control(w, r, "resume", (*job.Scheduler).Resume)
}

func (s *Server) handleExecutions(w http.ResponseWriter, r *http.Request) {
	store := s.backend.History()
	if store == nil {
		writeErr(w, errors.WithHint(
			errors.Wrap(errors.ErrServiceUnavailable, "execution history is disabled"),
			"set history.enabled = true"))
		return
	}
	limit, err := queryInt(r, "limit", 50)
	if err != nil {
		writeErr(w, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		writeErr(w, err)
		return
	}

	recs, total, err := store.List(r.Context(), history.Filter{
		Job:    chi.URLParam(r, "job"),
		Status: r.URL.Query().Get("status"),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		writeErr(w, err)
		return
	}
	if recs == nil {
		recs = []*history.Record{}
	}
	writeJSON(w, http.StatusOK, ExecutionsResponse{Executions: recs, Total: total, Limit: limit, Offset: offset})
}
