package api

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/lettermill/lettermill/internal/config"
	"github.com/lettermill/lettermill/internal/fanout"
	"github.com/lettermill/lettermill/internal/freeze"
	"github.com/lettermill/lettermill/internal/governor"
	"github.com/lettermill/lettermill/internal/lifecycle"
	"github.com/lettermill/lettermill/internal/models"
	"github.com/lettermill/lettermill/internal/resolver"
	"github.com/lettermill/lettermill/internal/store"
)

func setupTestServer(t *testing.T, apiKey string) (*Server, *store.Store) {
	t.Helper()

	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	lc := lifecycle.New(s, resolver.New(s), fanout.New(s, nil), logger)
	gov := governor.New(s)
	freezer := freeze.New(s, freeze.DefaultConfig(), logger)
	cfg := &config.APIConfig{ListenAddr: ":8080", APIKey: apiKey}

	return NewServer(s, lc, gov, freezer, cfg, nil, logger), s
}

func doRequest(t *testing.T, srv *Server, method, path, apiKey string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("Marshal() error = %v", err)
		}
		reader = bytes.NewReader(data)
	}

	req := httptest.NewRequest(method, path, reader)
	if apiKey != "" {
		req.Header.Set("X-API-Key", apiKey)
	}
	w := httptest.NewRecorder()
	srv.Handler().ServeHTTP(w, req)
	return w
}

func seedDirectory(t *testing.T, s *store.Store) {
	t.Helper()
	now := time.Now()

	if err := s.PutSender(&models.Sender{ID: "snd-1", UserID: "user-1", Name: "Desk", CreatedAt: now}); err != nil {
		t.Fatalf("PutSender() error = %v", err)
	}
	if err := s.PutTemplateSet(&models.TemplateSet{
		ID: "set-1", Name: "set",
		Templates: []models.Template{{ID: "tmpl-1", Subject: "Hi", Body: "b"}},
		CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("PutTemplateSet() error = %v", err)
	}
	if err := s.PutContact(&models.Contact{
		ID: "c1", UserID: "user-1", Email: "c1@test.com", CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("PutContact() error = %v", err)
	}
}

func TestAuthMiddleware(t *testing.T) {
	srv, _ := setupTestServer(t, "secret")

	// Health is open
	if w := doRequest(t, srv, http.MethodGet, "/health", "", nil); w.Code != http.StatusOK {
		t.Errorf("GET /health = %v, want 200", w.Code)
	}

	// API routes require the key
	if w := doRequest(t, srv, http.MethodGet, "/api/v1/tasks", "", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("GET /api/v1/tasks without key = %v, want 401", w.Code)
	}
	if w := doRequest(t, srv, http.MethodGet, "/api/v1/tasks", "wrong", nil); w.Code != http.StatusUnauthorized {
		t.Errorf("GET /api/v1/tasks with wrong key = %v, want 401", w.Code)
	}
	if w := doRequest(t, srv, http.MethodGet, "/api/v1/tasks", "secret", nil); w.Code != http.StatusOK {
		t.Errorf("GET /api/v1/tasks with key = %v, want 200", w.Code)
	}
}

func TestTaskLifecycleOverHTTP(t *testing.T) {
	srv, s := setupTestServer(t, "secret")
	seedDirectory(t, s)

	// Create
	w := doRequest(t, srv, http.MethodPost, "/api/v1/tasks", "secret", CreateTaskRequest{
		UserID:        "user-1",
		Name:          "launch",
		Rule:          models.RecipientRule{Kind: models.RuleAllContacts},
		TemplateSetID: "set-1",
		SenderID:      "snd-1",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("POST /tasks = %v, body %s", w.Code, w.Body.String())
	}

	var task TaskResponse
	if err := json.Unmarshal(w.Body.Bytes(), &task); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if task.Status != models.TaskStatusDraft {
		t.Errorf("created status = %v, want draft", task.Status)
	}

	// Activate
	w = doRequest(t, srv, http.MethodPost, "/api/v1/tasks/"+task.ID+"/activate", "secret", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("POST /activate = %v, body %s", w.Code, w.Body.String())
	}

	// Pause, resume
	w = doRequest(t, srv, http.MethodPost, "/api/v1/tasks/"+task.ID+"/pause", "secret", map[string]string{"reason": "checking"})
	if w.Code != http.StatusOK {
		t.Fatalf("POST /pause = %v, body %s", w.Code, w.Body.String())
	}
	w = doRequest(t, srv, http.MethodPost, "/api/v1/tasks/"+task.ID+"/resume", "secret", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("POST /resume = %v, body %s", w.Code, w.Body.String())
	}

	// Invalid transition maps to 409
	w = doRequest(t, srv, http.MethodPost, "/api/v1/tasks/"+task.ID+"/resume", "secret", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("POST /resume twice = %v, want 409", w.Code)
	}

	// Subtask listing
	w = doRequest(t, srv, http.MethodGet, "/api/v1/tasks/"+task.ID+"/subtasks", "secret", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /subtasks = %v", w.Code)
	}
	var subs []SubTaskSummary
	if err := json.Unmarshal(w.Body.Bytes(), &subs); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if len(subs) != 1 {
		t.Errorf("subtasks = %v, want 1", len(subs))
	}

	// Get with live stats
	w = doRequest(t, srv, http.MethodGet, "/api/v1/tasks/"+task.ID, "secret", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /tasks/{id} = %v", w.Code)
	}
	if err := json.Unmarshal(w.Body.Bytes(), &task); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if task.Stats.Pending != 1 {
		t.Errorf("Stats.Pending = %v, want 1", task.Stats.Pending)
	}

	// Cancel
	w = doRequest(t, srv, http.MethodPost, "/api/v1/tasks/"+task.ID+"/cancel", "secret", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("POST /cancel = %v, body %s", w.Code, w.Body.String())
	}

	// Unknown task maps to 404
	w = doRequest(t, srv, http.MethodGet, "/api/v1/tasks/nope", "secret", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("GET unknown task = %v, want 404", w.Code)
	}
}

func TestActivateEmptyRecipientsOverHTTP(t *testing.T) {
	srv, s := setupTestServer(t, "secret")
	seedDirectory(t, s)

	w := doRequest(t, srv, http.MethodPost, "/api/v1/tasks", "secret", CreateTaskRequest{
		UserID:        "user-1",
		Name:          "nobody",
		Rule:          models.RecipientRule{Kind: models.RuleTagBased, IncludeTags: []string{"vip"}},
		TemplateSetID: "set-1",
		SenderID:      "snd-1",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("POST /tasks = %v", w.Code)
	}
	var task TaskResponse
	if err := json.Unmarshal(w.Body.Bytes(), &task); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}

	w = doRequest(t, srv, http.MethodPost, "/api/v1/tasks/"+task.ID+"/activate", "secret", nil)
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("POST /activate empty set = %v, want 422", w.Code)
	}
}

func TestServiceAdministration(t *testing.T) {
	srv, s := setupTestServer(t, "secret")

	w := doRequest(t, srv, http.MethodPost, "/api/v1/services", "secret", CreateServiceRequest{
		Provider:   "sandbox",
		Domain:     "mail.test.com",
		DailyQuota: 100,
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("POST /services = %v, body %s", w.Code, w.Body.String())
	}
	var snap models.ServiceSnapshot
	if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if !snap.Enabled || snap.Remaining != 100 {
		t.Errorf("snapshot = %+v, want enabled with 100 remaining", snap)
	}

	// Disable and enable
	w = doRequest(t, srv, http.MethodPost, "/api/v1/services/"+snap.ID+"/disable", "secret", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("POST /disable = %v", w.Code)
	}
	svc, err := s.GetService(snap.ID)
	if err != nil {
		t.Fatalf("GetService() error = %v", err)
	}
	if svc.Enabled {
		t.Error("service still enabled after disable")
	}
	w = doRequest(t, srv, http.MethodPost, "/api/v1/services/"+snap.ID+"/enable", "secret", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("POST /enable = %v", w.Code)
	}

	// Quota adjustment with audit trail
	w = doRequest(t, srv, http.MethodPost, "/api/v1/services/"+snap.ID+"/quota", "secret", AdjustQuotaRequest{
		Op: "add", Value: 30, Reason: "migration backfill", Operator: "ops",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("POST /quota = %v, body %s", w.Code, w.Body.String())
	}
	if err := json.Unmarshal(w.Body.Bytes(), &snap); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if snap.UsedQuota != 30 {
		t.Errorf("UsedQuota = %v, want 30", snap.UsedQuota)
	}

	w = doRequest(t, srv, http.MethodGet, "/api/v1/services/"+snap.ID+"/quota-log", "secret", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /quota-log = %v", w.Code)
	}
	var log []models.QuotaAdjustment
	if err := json.Unmarshal(w.Body.Bytes(), &log); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if len(log) != 1 || log[0].Delta != 30 {
		t.Errorf("quota log = %+v, want one entry with delta 30", log)
	}

	// Bad adjustment op maps to 400
	w = doRequest(t, srv, http.MethodPost, "/api/v1/services/"+snap.ID+"/quota", "secret", AdjustQuotaRequest{Op: "wipe"})
	if w.Code != http.StatusBadRequest {
		t.Errorf("POST /quota bad op = %v, want 400", w.Code)
	}

	// Unfreeze a manually frozen service
	until := time.Now().Add(time.Hour)
	if _, err := s.UpdateService(snap.ID, func(svc *models.EmailService) error {
		svc.Frozen = true
		svc.FrozenUntil = &until
		svc.ConsecutiveFailures = 9
		return nil
	}); err != nil {
		t.Fatalf("UpdateService() error = %v", err)
	}

	w = doRequest(t, srv, http.MethodPost, "/api/v1/services/"+snap.ID+"/unfreeze", "secret", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("POST /unfreeze = %v", w.Code)
	}
	svc, err = s.GetService(snap.ID)
	if err != nil {
		t.Fatalf("GetService() error = %v", err)
	}
	if svc.Frozen || svc.ConsecutiveFailures != 0 {
		t.Errorf("after unfreeze frozen=%v failures=%v, want cleared", svc.Frozen, svc.ConsecutiveFailures)
	}
}

func TestSenderEndpoints(t *testing.T) {
	srv, s := setupTestServer(t, "secret")

	w := doRequest(t, srv, http.MethodPost, "/api/v1/senders", "secret", CreateSenderRequest{
		UserID: "user-1", Name: "News Desk",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("POST /senders = %v, body %s", w.Code, w.Body.String())
	}
	var sender models.Sender
	if err := json.Unmarshal(w.Body.Bytes(), &sender); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}

	// Duplicate name rejected with 409
	w = doRequest(t, srv, http.MethodPost, "/api/v1/senders", "secret", CreateSenderRequest{
		UserID: "user-2", Name: "News Desk",
	})
	if w.Code != http.StatusConflict {
		t.Errorf("POST duplicate sender = %v, want 409", w.Code)
	}

	// Invalid charset rejected with 400
	w = doRequest(t, srv, http.MethodPost, "/api/v1/senders", "secret", CreateSenderRequest{
		UserID: "user-1", Name: "bad<name>",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("POST invalid sender name = %v, want 400", w.Code)
	}

	// Deleting a referenced sender is blocked
	now := time.Now()
	if err := s.PutTask(&models.Task{
		ID: "task-1", UserID: "user-1", Name: "t", Status: models.TaskStatusDraft,
		SenderID: sender.ID, CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("PutTask() error = %v", err)
	}
	w = doRequest(t, srv, http.MethodDelete, "/api/v1/senders/"+sender.ID, "secret", nil)
	if w.Code != http.StatusConflict {
		t.Errorf("DELETE referenced sender = %v, want 409", w.Code)
	}
}

func TestDeliveryEvents(t *testing.T) {
	srv, s := setupTestServer(t, "secret")

	now := time.Now()
	if err := s.PutTask(&models.Task{
		ID: "task-1", UserID: "user-1", Name: "t", Status: models.TaskStatusSending,
		CreatedAt: now, UpdatedAt: now,
	}); err != nil {
		t.Fatalf("PutTask() error = %v", err)
	}
	if _, err := s.CreateSubTasks([]*models.SubTask{{
		ID: "sub-1", TaskID: "task-1", ContactID: "c1",
		RecipientEmail: "c1@test.com", Status: models.SubTaskPending,
		NotBefore: now, CreatedAt: now, UpdatedAt: now,
	}}); err != nil {
		t.Fatalf("CreateSubTasks() error = %v", err)
	}
	if _, err := s.ClaimSubTask("sub-1"); err != nil {
		t.Fatalf("ClaimSubTask() error = %v", err)
	}
	if _, err := s.UpdateSubTask("sub-1", models.SubTaskAllocated, func(st *models.SubTask) {
		st.Status = models.SubTaskSent
	}); err != nil {
		t.Fatalf("UpdateSubTask() error = %v", err)
	}

	// delivered upgrades sent
	w := doRequest(t, srv, http.MethodPost, "/api/v1/events", "secret", DeliveryEventRequest{
		SubTaskID: "sub-1", Event: "delivered",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("POST /events delivered = %v, body %s", w.Code, w.Body.String())
	}
	sub, _ := s.GetSubTask("sub-1")
	if sub.Status != models.SubTaskDelivered {
		t.Errorf("status = %v, want delivered", sub.Status)
	}

	// opened upgrades delivered
	w = doRequest(t, srv, http.MethodPost, "/api/v1/events", "secret", DeliveryEventRequest{
		SubTaskID: "sub-1", Event: "opened",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("POST /events opened = %v", w.Code)
	}
	sub, _ = s.GetSubTask("sub-1")
	if sub.Status != models.SubTaskOpened {
		t.Errorf("status = %v, want opened", sub.Status)
	}

	// A stale delivered replay is acknowledged but changes nothing
	w = doRequest(t, srv, http.MethodPost, "/api/v1/events", "secret", DeliveryEventRequest{
		SubTaskID: "sub-1", Event: "delivered",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("POST /events stale = %v", w.Code)
	}
	sub, _ = s.GetSubTask("sub-1")
	if sub.Status != models.SubTaskOpened {
		t.Errorf("status after stale event = %v, want opened", sub.Status)
	}

	// Unknown event name and unknown subtask
	w = doRequest(t, srv, http.MethodPost, "/api/v1/events", "secret", DeliveryEventRequest{
		SubTaskID: "sub-1", Event: "vanished",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("POST /events unknown event = %v, want 400", w.Code)
	}
	w = doRequest(t, srv, http.MethodPost, "/api/v1/events", "secret", DeliveryEventRequest{
		SubTaskID: "nope", Event: "delivered",
	})
	if w.Code != http.StatusNotFound {
		t.Errorf("POST /events unknown subtask = %v, want 404", w.Code)
	}
}

func TestCreateServiceSendingRate(t *testing.T) {
	srv, s := setupTestServer(t, "secret")

	createService := func(t *testing.T, rate interface{}) string {
		t.Helper()
		w := doRequest(t, srv, http.MethodPost, "/api/v1/services", "secret", map[string]interface{}{
			"provider": "sandbox", "daily_quota": 10, "sending_rate": rate,
		})
		if w.Code != http.StatusCreated {
			t.Fatalf("POST /services = %v, body %s", w.Code, w.Body.String())
		}
		var snap models.ServiceSnapshot
		if err := json.NewDecoder(w.Body).Decode(&snap); err != nil {
			t.Fatalf("Decode() error = %v", err)
		}
		return snap.ID
	}

	// Bare numbers are seconds between sends, not nanoseconds
	svc, err := s.GetService(createService(t, 2))
	if err != nil {
		t.Fatalf("GetService() error = %v", err)
	}
	if svc.SendingRate != 2*time.Second {
		t.Errorf("SendingRate = %v, want 2s", svc.SendingRate)
	}

	// Duration strings are accepted too
	svc, err = s.GetService(createService(t, "90s"))
	if err != nil {
		t.Fatalf("GetService() error = %v", err)
	}
	if svc.SendingRate != 90*time.Second {
		t.Errorf("SendingRate = %v, want 90s", svc.SendingRate)
	}

	// Garbage and negative rates are rejected
	w := doRequest(t, srv, http.MethodPost, "/api/v1/services", "secret", map[string]interface{}{
		"provider": "sandbox", "daily_quota": 10, "sending_rate": "fast",
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("POST /services with bad rate = %v, want 400", w.Code)
	}
	w = doRequest(t, srv, http.MethodPost, "/api/v1/services", "secret", map[string]interface{}{
		"provider": "sandbox", "daily_quota": 10, "sending_rate": -1,
	})
	if w.Code != http.StatusBadRequest {
		t.Errorf("POST /services with negative rate = %v, want 400", w.Code)
	}
}
