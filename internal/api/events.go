package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/lettermill/lettermill/internal/models"
	"github.com/lettermill/lettermill/internal/store"
)

// DeliveryEventRequest is the request body for POST /events. Provider
// webhooks report post-send outcomes keyed by subtask.
type DeliveryEventRequest struct {
	SubTaskID string `json:"subtask_id"`
	Event     string `json:"event"` // delivered, opened, clicked, bounced
}

// eventUpgrades lists which statuses each event may upgrade from, in
// precedence order. Events arrive out of order and may repeat; an event
// that does not apply anymore is acknowledged without effect.
var eventUpgrades = map[string]struct {
	to   models.SubTaskStatus
	from []models.SubTaskStatus
}{
	"delivered": {models.SubTaskDelivered, []models.SubTaskStatus{models.SubTaskSent}},
	"opened":    {models.SubTaskOpened, []models.SubTaskStatus{models.SubTaskSent, models.SubTaskDelivered}},
	"clicked":   {models.SubTaskClicked, []models.SubTaskStatus{models.SubTaskSent, models.SubTaskDelivered, models.SubTaskOpened}},
	"bounced":   {models.SubTaskBounced, []models.SubTaskStatus{models.SubTaskSent, models.SubTaskDelivered}},
}

// handleDeliveryEvent handles POST /api/v1/events
func (s *Server) handleDeliveryEvent(w http.ResponseWriter, r *http.Request) {
	var req DeliveryEventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	upgrade, ok := eventUpgrades[req.Event]
	if !ok {
		s.sendError(w, http.StatusBadRequest, "unknown event")
		return
	}

	sub, err := s.store.GetSubTask(req.SubTaskID)
	if err != nil {
		s.sendDomainError(w, err)
		return
	}

	applied := false
	for _, from := range upgrade.from {
		updated, uerr := s.store.UpdateSubTask(req.SubTaskID, from, func(st *models.SubTask) {
			st.Status = upgrade.to
		})
		if uerr == nil {
			sub = updated
			applied = true
			break
		}
		if !errors.Is(uerr, store.ErrConflict) {
			s.sendDomainError(w, uerr)
			return
		}
	}

	if applied {
		s.logger.Info("delivery event applied",
			"subtask_id", req.SubTaskID,
			"event", req.Event,
		)
	}

	s.sendJSON(w, http.StatusOK, map[string]interface{}{
		"subtask_id": req.SubTaskID,
		"status":     sub.Status,
		"applied":    applied,
	})
}

// HealthResponse is the response for GET /health
type HealthResponse struct {
	Status  string           `json:"status"`
	Version string           `json:"version"`
	Uptime  string           `json:"uptime"`
	Queue   models.TaskStats `json:"queue"`
}

// handleHealth handles GET /health
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats, err := s.store.TaskStats("")
	if err != nil {
		s.sendError(w, http.StatusInternalServerError, "storage unavailable")
		return
	}

	s.sendJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: Version,
		Uptime:  time.Since(s.startTime).String(),
		Queue:   stats,
	})
}

// Version is set from the build by the main package
var Version = "dev"
