package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/alexedwards/flow"

	"github.com/deepnoodle-ai/conveyor"
)

// workflowView is the wire shape of a workflow listing entry.
type workflowView struct {
	ID             string   `json:"id"`
	Name           string   `json:"name"`
	Description    string   `json:"description,omitempty"`
	Steps          []string `json:"steps"`
	Concurrency    int      `json:"concurrency"`
	MaxRetries     int      `json:"max_retries"`
	WebhookEnabled bool     `json:"webhook_enabled"`
}

func (s *Server) handleListWorkflows(w http.ResponseWriter, r *http.Request) {
	var out []workflowView
	for _, wf := range s.runtime.Registry().List() {
		if wf.Internal() {
			continue
		}
		out = append(out, workflowView{
			ID:             wf.ID(),
			Name:           wf.Name(),
			Description:    wf.Description(),
			Steps:          wf.StepNames(),
			Concurrency:    wf.Concurrency(),
			MaxRetries:     wf.MaxRetries(),
			WebhookEnabled: wf.WebhookEnabled(),
		})
	}
	jsonResponse(w, http.StatusOK, out)
}

func (s *Server) handleRunWorkflow(w http.ResponseWriter, r *http.Request) {
	var req conveyor.RunRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	req.WorkflowID = ""
	req.WorkflowName = flow.Param(r.Context(), "name")
	req.Trigger = conveyor.TriggerManual

	job, err := s.runtime.Run(r.Context(), req)
	if err != nil {
		s.writeError(w, err)
		return
	}
	jsonResponse(w, http.StatusCreated, job)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.runtime.Store().GetJob(r.Context(), flow.Param(r.Context(), "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, job)
}

func (s *Server) handleListJobSteps(w http.ResponseWriter, r *http.Request) {
	id := flow.Param(r.Context(), "id")
	if _, err := s.runtime.Store().GetJob(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	steps, err := s.runtime.Store().ListJobSteps(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, steps)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.runtime.CancelJob(r.Context(), flow.Param(r.Context(), "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, job)
}

func (s *Server) handleReplayJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.runtime.Replay(r.Context(), flow.Param(r.Context(), "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	jsonResponse(w, http.StatusCreated, job)
}

type resumeRequest struct {
	Token string          `json:"token"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func (s *Server) handleResumeJob(w http.ResponseWriter, r *http.Request) {
	var req resumeRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			jsonError(w, http.StatusBadRequest, "invalid request body")
			return
		}
	}
	if req.Token == "" {
		req.Token = r.URL.Query().Get("token")
	}

	job, err := s.runtime.Resume(r.Context(), flow.Param(r.Context(), "id"), req.Token, req.Data)
	if err != nil {
		s.writeError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, job)
}

func (s *Server) handleDispatchEvent(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		jsonError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	jobs, err := s.runtime.DispatchEvent(r.Context(), flow.Param(r.Context(), "name"), payload)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if jobs == nil {
		jobs = []*conveyor.Job{}
	}
	jsonResponse(w, http.StatusOK, jobs)
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		jsonError(w, http.StatusBadRequest, "failed to read request body")
		return
	}
	job, err := s.runtime.HandleWebhook(r.Context(), flow.Param(r.Context(), "token"), payload)
	if err != nil {
		s.writeError(w, err)
		return
	}
	jsonResponse(w, http.StatusCreated, job)
}

type issueTokenRequest struct {
	Key string `json:"key"`
	TTL string `json:"ttl,omitempty"`
}

type issueTokenResponse struct {
	Token string `json:"token"`
}

func (s *Server) handleIssueWebhookToken(w http.ResponseWriter, r *http.Request) {
	var req issueTokenRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	var ttl time.Duration
	if req.TTL != "" {
		var err error
		if ttl, err = time.ParseDuration(req.TTL); err != nil {
			jsonError(w, http.StatusBadRequest, "invalid ttl")
			return
		}
	}

	wf, ok := s.runtime.Registry().ByName(flow.Param(r.Context(), "name"))
	if !ok {
		jsonError(w, http.StatusNotFound, "not found")
		return
	}
	token, err := s.runtime.IssueWebhookToken(r.Context(), wf.ID(), req.Key, ttl)
	if err != nil {
		s.writeError(w, err)
		return
	}
	jsonResponse(w, http.StatusCreated, &issueTokenResponse{Token: token})
}

func (s *Server) handleListSchedules(w http.ResponseWriter, r *http.Request) {
	wf, ok := s.runtime.Registry().ByName(flow.Param(r.Context(), "name"))
	if !ok {
		jsonError(w, http.StatusNotFound, "not found")
		return
	}
	schedules, err := s.runtime.Store().ListSchedules(r.Context(), wf.ID())
	if err != nil {
		s.writeError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, schedules)
}

type scheduleRequest struct {
	Expression string `json:"expression"`
	Timezone   string `json:"timezone,omitempty"`
}

func (s *Server) handleCreateSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	wf, ok := s.runtime.Registry().ByName(flow.Param(r.Context(), "name"))
	if !ok {
		jsonError(w, http.StatusNotFound, "not found")
		return
	}
	schedule, err := s.runtime.CreateSchedule(r.Context(), wf.ID(), req.Expression, req.Timezone)
	if err != nil {
		s.writeError(w, err)
		return
	}
	jsonResponse(w, http.StatusCreated, schedule)
}

func (s *Server) handleUpdateSchedule(w http.ResponseWriter, r *http.Request) {
	var req scheduleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		jsonError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	schedule, err := s.runtime.UpdateSchedule(r.Context(), flow.Param(r.Context(), "id"), req.Expression, req.Timezone)
	if err != nil {
		s.writeError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, schedule)
}

func (s *Server) handleDeleteSchedule(w http.ResponseWriter, r *http.Request) {
	if err := s.runtime.DeleteSchedule(r.Context(), flow.Param(r.Context(), "id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
