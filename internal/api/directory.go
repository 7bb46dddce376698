package api

import (
	"encoding/json"
	"net/http"
	"net/mail"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/lettermill/lettermill/internal/models"
)

// CreateSenderRequest is the request body for POST /senders
type CreateSenderRequest struct {
	UserID string `json:"user_id"`
	Name   string `json:"name"`
}

// handleCreateSender handles POST /api/v1/senders. Sender names are
// globally unique; a duplicate yields 409.
func (s *Server) handleCreateSender(w http.ResponseWriter, r *http.Request) {
	var req CreateSenderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if !models.ValidSenderName(req.Name) {
		s.sendError(w, http.StatusBadRequest, "invalid sender name")
		return
	}

	sender := &models.Sender{
		ID:        uuid.New().String(),
		UserID:    req.UserID,
		Name:      req.Name,
		CreatedAt: time.Now(),
	}

	if err := s.store.PutSender(sender); err != nil {
		s.sendDomainError(w, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, sender)
}

func (s *Server) handleListSenders(w http.ResponseWriter, r *http.Request) {
	senders, err := s.store.ListSenders()
	if err != nil {
		s.sendDomainError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, senders)
}

// handleDeleteSender handles DELETE /api/v1/senders/{id}. Senders still
// referenced by a task cannot be deleted.
func (s *Server) handleDeleteSender(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DeleteSender(chi.URLParam(r, "id")); err != nil {
		s.sendDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// CreateContactRequest is the request body for POST /contacts
type CreateContactRequest struct {
	UserID    string            `json:"user_id"`
	Email     string            `json:"email"`
	Name      string            `json:"name"`
	Tags      []string          `json:"tags,omitempty"`
	Variables map[string]string `json:"variables,omitempty"`
}

// handleCreateContact handles POST /api/v1/contacts
func (s *Server) handleCreateContact(w http.ResponseWriter, r *http.Request) {
	var req CreateContactRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.UserID == "" {
		s.sendError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	if _, err := mail.ParseAddress(req.Email); err != nil {
		s.sendError(w, http.StatusBadRequest, "invalid email address")
		return
	}

	now := time.Now()
	contact := &models.Contact{
		ID:        uuid.New().String(),
		UserID:    req.UserID,
		Email:     req.Email,
		Name:      req.Name,
		Tags:      req.Tags,
		Variables: req.Variables,
		CreatedAt: now,
		UpdatedAt: now,
	}

	if err := s.store.PutContact(contact); err != nil {
		s.sendDomainError(w, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, contact)
}

// handleListContacts handles GET /api/v1/contacts?user_id=...
func (s *Server) handleListContacts(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		s.sendError(w, http.StatusBadRequest, "user_id is required")
		return
	}

	contacts, err := s.store.ListContactsByUser(userID)
	if err != nil {
		s.sendDomainError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, contacts)
}

// CreateTemplateSetRequest is the request body for POST /template-sets
type CreateTemplateSetRequest struct {
	Name      string `json:"name"`
	Templates []struct {
		Subject string `json:"subject"`
		Body    string `json:"body"`
	} `json:"templates"`
}

// handleCreateTemplateSet handles POST /api/v1/template-sets
func (s *Server) handleCreateTemplateSet(w http.ResponseWriter, r *http.Request) {
	var req CreateTemplateSetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if len(req.Templates) == 0 {
		s.sendError(w, http.StatusBadRequest, "at least one template is required")
		return
	}

	now := time.Now()
	set := &models.TemplateSet{
		ID:        uuid.New().String(),
		Name:      req.Name,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, t := range req.Templates {
		set.Templates = append(set.Templates, models.Template{
			ID:      uuid.New().String(),
			Subject: t.Subject,
			Body:    t.Body,
		})
	}

	if err := s.store.PutTemplateSet(set); err != nil {
		s.sendDomainError(w, err)
		return
	}
	s.sendJSON(w, http.StatusCreated, set)
}

func (s *Server) handleGetTemplateSet(w http.ResponseWriter, r *http.Request) {
	set, err := s.store.GetTemplateSet(chi.URLParam(r, "id"))
	if err != nil {
		s.sendDomainError(w, err)
		return
	}
	s.sendJSON(w, http.StatusOK, set)
}
