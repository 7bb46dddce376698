package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/lettermill/lettermill/internal/lifecycle"
	"github.com/lettermill/lettermill/internal/models"
)

// CreateTaskRequest is the request body for POST /tasks
type CreateTaskRequest struct {
	UserID        string               `json:"user_id"`
	Name          string               `json:"name"`
	Rule          models.RecipientRule `json:"rule"`
	TemplateSetID string               `json:"template_set_id"`
	SenderID      string               `json:"sender_id"`
	ScheduleTime  *time.Time           `json:"schedule_time,omitempty"`
}

// TaskResponse is the task representation returned by the API
type TaskResponse struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Status       models.TaskStatus `json:"status"`
	ScheduleTime *time.Time        `json:"schedule_time,omitempty"`
	PauseReason  string            `json:"pause_reason,omitempty"`
	Stats        models.TaskStats  `json:"stats"`
	CreatedAt    time.Time         `json:"created_at"`
	ActivatedAt  *time.Time        `json:"activated_at,omitempty"`
	FinishedAt   *time.Time        `json:"finished_at,omitempty"`
}

func taskResponse(t *models.Task) TaskResponse {
	return TaskResponse{
		ID:           t.ID,
		Name:         t.Name,
		Status:       t.Status,
		ScheduleTime: t.ScheduleTime,
		PauseReason:  t.PauseReason,
		Stats:        t.Stats,
		CreatedAt:    t.CreatedAt,
		ActivatedAt:  t.ActivatedAt,
		FinishedAt:   t.FinishedAt,
	}
}

// handleCreateTask handles POST /api/v1/tasks
func (s *Server) handleCreateTask(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	task, err := s.lifecycle.CreateTask(lifecycle.CreateTaskRequest{
		UserID:        req.UserID,
		Name:          req.Name,
		Rule:          req.Rule,
		TemplateSetID: req.TemplateSetID,
		SenderID:      req.SenderID,
		ScheduleTime:  req.ScheduleTime,
	})
	if err != nil {
		s.sendDomainError(w, err)
		return
	}

	s.logger.Info("task created via API", "task_id", task.ID, "status", task.Status)
	s.sendJSON(w, http.StatusCreated, taskResponse(task))
}

// handleListTasks handles GET /api/v1/tasks
func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	filter := models.TaskListFilter{
		Status: models.TaskStatus(r.URL.Query().Get("status")),
		Limit:  queryInt(r, "limit", 50),
		Offset: queryInt(r, "offset", 0),
	}

	tasks, err := s.store.ListTasks(filter)
	if err != nil {
		s.sendDomainError(w, err)
		return
	}

	out := make([]TaskResponse, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, taskResponse(t))
	}
	s.sendJSON(w, http.StatusOK, out)
}

// handleGetTask handles GET /api/v1/tasks/{id} with live stats
func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	task, err := s.store.GetTask(id)
	if err != nil {
		s.sendDomainError(w, err)
		return
	}

	stats, err := s.store.TaskStats(id)
	if err != nil {
		s.sendDomainError(w, err)
		return
	}
	task.Stats = stats

	s.sendJSON(w, http.StatusOK, taskResponse(task))
}

func (s *Server) handleActivateTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.lifecycle.Activate(chi.URLParam(r, "id"))
	if err != nil {
		s.sendDomainError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, taskResponse(task))
}

func (s *Server) handlePauseTask(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Reason string `json:"reason"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req) // reason is optional

	task, err := s.lifecycle.Pause(chi.URLParam(r, "id"), req.Reason)
	if err != nil {
		s.sendDomainError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, taskResponse(task))
}

func (s *Server) handleResumeTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.lifecycle.Resume(chi.URLParam(r, "id"))
	if err != nil {
		s.sendDomainError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, taskResponse(task))
}

func (s *Server) handleUnscheduleTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.lifecycle.CancelSchedule(chi.URLParam(r, "id"))
	if err != nil {
		s.sendDomainError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, taskResponse(task))
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.lifecycle.Cancel(chi.URLParam(r, "id"))
	if err != nil {
		s.sendDomainError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, taskResponse(task))
}

func (s *Server) handleCloseTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.lifecycle.Close(chi.URLParam(r, "id"))
	if err != nil {
		s.sendDomainError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, taskResponse(task))
}

// SubTaskSummary is a summary of a subtask
type SubTaskSummary struct {
	ID             string               `json:"id"`
	ContactID      string               `json:"contact_id"`
	RecipientEmail string               `json:"recipient_email"`
	Status         models.SubTaskStatus `json:"status"`
	ServiceID      string               `json:"service_id,omitempty"`
	AttemptCount   int                  `json:"attempt_count"`
	LastError      string               `json:"last_error,omitempty"`
	SentAt         *time.Time           `json:"sent_at,omitempty"`
}

// handleListSubTasks handles GET /api/v1/tasks/{id}/subtasks
func (s *Server) handleListSubTasks(w http.ResponseWriter, r *http.Request) {
	taskID := chi.URLParam(r, "id")

	if _, err := s.store.GetTask(taskID); err != nil {
		s.sendDomainError(w, err)
		return
	}

	subs, err := s.store.ListSubTasks(models.SubTaskFilter{
		TaskID: taskID,
		Status: models.SubTaskStatus(r.URL.Query().Get("status")),
		Limit:  queryInt(r, "limit", 100),
		Offset: queryInt(r, "offset", 0),
	})
	if err != nil {
		s.sendDomainError(w, err)
		return
	}

	out := make([]SubTaskSummary, 0, len(subs))
	for _, sub := range subs {
		out = append(out, SubTaskSummary{
			ID:             sub.ID,
			ContactID:      sub.ContactID,
			RecipientEmail: sub.RecipientEmail,
			Status:         sub.Status,
			ServiceID:      sub.ServiceID,
			AttemptCount:   sub.AttemptCount,
			LastError:      sub.LastError,
			SentAt:         sub.SentAt,
		})
	}
	s.sendJSON(w, http.StatusOK, out)
}

// queryInt parses an integer query parameter with a fallback
func queryInt(r *http.Request, name string, def int) int {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
