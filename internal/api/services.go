package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/lettermill/lettermill/internal/models"
)

// Duration accepts either a bare number of seconds or a duration
// string ("90s", "2m") in JSON request bodies.
type Duration time.Duration

// UnmarshalJSON implements json.Unmarshaler
func (d *Duration) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		v, err := time.ParseDuration(s)
		if err != nil {
			return err
		}
		*d = Duration(v)
		return nil
	}
	var secs float64
	if err := json.Unmarshal(b, &secs); err != nil {
		return err
	}
	*d = Duration(time.Duration(secs * float64(time.Second)))
	return nil
}

// CreateServiceRequest is the request body for POST /services
type CreateServiceRequest struct {
	Provider       string   `json:"provider"`
	Domain         string   `json:"domain"`
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	Username       string   `json:"username"`
	Password       string   `json:"password"`
	FromAddress    string   `json:"from_address"`
	DailyQuota     int      `json:"daily_quota"`
	SendingRate    Duration `json:"sending_rate"`
	QuotaResetTime string   `json:"quota_reset_time"`
	Timezone       string   `json:"timezone"`
	Enabled        *bool    `json:"enabled"`
}

// handleCreateService handles POST /api/v1/services
func (s *Server) handleCreateService(w http.ResponseWriter, r *http.Request) {
	var req CreateServiceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.Provider == "" {
		s.sendError(w, http.StatusBadRequest, "provider is required")
		return
	}
	if req.DailyQuota <= 0 {
		s.sendError(w, http.StatusBadRequest, "daily_quota must be positive")
		return
	}
	if req.SendingRate < 0 {
		s.sendError(w, http.StatusBadRequest, "sending_rate must not be negative")
		return
	}
	if req.Timezone != "" {
		if _, err := time.LoadLocation(req.Timezone); err != nil {
			s.sendError(w, http.StatusBadRequest, "unknown timezone")
			return
		}
	}
	if req.QuotaResetTime != "" {
		if _, err := time.Parse("15:04", req.QuotaResetTime); err != nil {
			s.sendError(w, http.StatusBadRequest, "quota_reset_time must be HH:MM")
			return
		}
	}

	now := time.Now()
	svc := &models.EmailService{
		ID:             uuid.New().String(),
		Provider:       req.Provider,
		Domain:         req.Domain,
		Host:           req.Host,
		Port:           req.Port,
		Username:       req.Username,
		Password:       req.Password,
		FromAddress:    req.FromAddress,
		DailyQuota:     req.DailyQuota,
		SendingRate:    time.Duration(req.SendingRate),
		QuotaResetTime: req.QuotaResetTime,
		Timezone:       req.Timezone,
		Enabled:        true,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if req.Enabled != nil {
		svc.Enabled = *req.Enabled
	}

	if err := s.store.PutService(svc); err != nil {
		s.sendDomainError(w, err)
		return
	}

	s.logger.Info("service created via API", "service_id", svc.ID, "provider", svc.Provider)
	s.sendJSON(w, http.StatusCreated, svc.Snapshot())
}

// handleListServices handles GET /api/v1/services. Snapshots have
// pending quota resets and thaws applied, so a frozen service whose
// cooldown elapsed already shows as available.
func (s *Server) handleListServices(w http.ResponseWriter, r *http.Request) {
	snaps, err := s.governor.Snapshot(time.Now())
	if err != nil {
		s.sendDomainError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, snaps)
}

func (s *Server) handleGetService(w http.ResponseWriter, r *http.Request) {
	svc, err := s.store.GetService(chi.URLParam(r, "id"))
	if err != nil {
		s.sendDomainError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, svc.Snapshot())
}

func (s *Server) handleEnableService(w http.ResponseWriter, r *http.Request) {
	s.setServiceEnabled(w, chi.URLParam(r, "id"), true)
}

func (s *Server) handleDisableService(w http.ResponseWriter, r *http.Request) {
	s.setServiceEnabled(w, chi.URLParam(r, "id"), false)
}

func (s *Server) setServiceEnabled(w http.ResponseWriter, id string, enabled bool) {
	svc, err := s.store.UpdateService(id, func(svc *models.EmailService) error {
		svc.Enabled = enabled
		return nil
	})
	if err != nil {
		s.sendDomainError(w, err)
		return
	}

	s.logger.Info("service toggled via API", "service_id", id, "enabled", enabled)
	s.sendJSON(w, http.StatusOK, svc.Snapshot())
}

// handleUnfreezeService handles POST /api/v1/services/{id}/unfreeze.
// Manual unfreeze also resets the failure streak.
func (s *Server) handleUnfreezeService(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.freezer.Unfreeze(id); err != nil {
		s.sendDomainError(w, err)
		return
	}

	svc, err := s.store.GetService(id)
	if err != nil {
		s.sendDomainError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, svc.Snapshot())
}

// AdjustQuotaRequest is the request body for POST /services/{id}/quota
type AdjustQuotaRequest struct {
	Op       string `json:"op"` // add, subtract, set
	Value    int    `json:"value"`
	Reason   string `json:"reason"`
	Operator string `json:"operator"`
}

// handleAdjustQuota handles POST /api/v1/services/{id}/quota
func (s *Server) handleAdjustQuota(w http.ResponseWriter, r *http.Request) {
	var req AdjustQuotaRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	svc, err := s.freezer.AdjustQuota(chi.URLParam(r, "id"), req.Op, req.Value, req.Reason, req.Operator)
	if err != nil {
		s.sendDomainError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, svc.Snapshot())
}

// handleQuotaLog handles GET /api/v1/services/{id}/quota-log
func (s *Server) handleQuotaLog(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetService(id); err != nil {
		s.sendDomainError(w, err)
		return
	}

	log, err := s.store.ListQuotaAdjustments(id, queryInt(r, "limit", 100))
	if err != nil {
		s.sendDomainError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, log)
}
