package freeze

import (
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/lettermill/lettermill/internal/models"
	"github.com/lettermill/lettermill/internal/store"
)

func newTestManager(t *testing.T, cfg Config) (*Manager, *store.Store) {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(s, cfg, logger), s
}

func putService(t *testing.T, s *store.Store, svc *models.EmailService) {
	t.Helper()
	if err := s.PutService(svc); err != nil {
		t.Fatalf("PutService() error = %v", err)
	}
}

func TestFreezeAtThreshold(t *testing.T) {
	m, s := newTestManager(t, Config{Threshold: 3, Cooldown: 10 * time.Minute})
	putService(t, s, &models.EmailService{ID: "svc-1", Provider: "sandbox", DailyQuota: 100, Enabled: true})

	now := time.Now()

	// Failures below the threshold leave the service alone
	for i := 0; i < 2; i++ {
		froze, err := m.RecordFailure("svc-1", now)
		if err != nil {
			t.Fatalf("RecordFailure() error = %v", err)
		}
		if froze {
			t.Fatalf("RecordFailure() froze at streak %d, threshold is 3", i+1)
		}
	}

	froze, err := m.RecordFailure("svc-1", now)
	if err != nil {
		t.Fatalf("RecordFailure() error = %v", err)
	}
	if !froze {
		t.Fatal("RecordFailure() did not freeze at the threshold")
	}

	svc, err := s.GetService("svc-1")
	if err != nil {
		t.Fatalf("GetService() error = %v", err)
	}
	if !svc.Frozen {
		t.Error("service not frozen")
	}
	if svc.FreezeCount != 1 {
		t.Errorf("FreezeCount = %v, want 1", svc.FreezeCount)
	}
	want := now.Add(10 * time.Minute)
	if svc.FrozenUntil == nil || !svc.FrozenUntil.Equal(want) {
		t.Errorf("FrozenUntil = %v, want %v", svc.FrozenUntil, want)
	}

	// Further failures while frozen must not freeze again or extend
	froze, err = m.RecordFailure("svc-1", now.Add(time.Minute))
	if err != nil {
		t.Fatalf("RecordFailure() while frozen error = %v", err)
	}
	if froze {
		t.Error("RecordFailure() froze an already frozen service")
	}
}

func TestSuccessResetsStreak(t *testing.T) {
	m, s := newTestManager(t, Config{Threshold: 3, Cooldown: 10 * time.Minute})
	putService(t, s, &models.EmailService{ID: "svc-1", Provider: "sandbox", DailyQuota: 100, Enabled: true})

	now := time.Now()
	for i := 0; i < 2; i++ {
		if _, err := m.RecordFailure("svc-1", now); err != nil {
			t.Fatalf("RecordFailure() error = %v", err)
		}
	}
	if err := m.RecordSuccess("svc-1"); err != nil {
		t.Fatalf("RecordSuccess() error = %v", err)
	}

	// Two more failures: streak restarted, still below threshold
	for i := 0; i < 2; i++ {
		froze, err := m.RecordFailure("svc-1", now)
		if err != nil {
			t.Fatalf("RecordFailure() error = %v", err)
		}
		if froze {
			t.Error("froze despite streak reset")
		}
	}
}

func TestCooldownEscalation(t *testing.T) {
	tests := []struct {
		freezeCount int
		want        time.Duration
	}{
		{1, 15 * time.Minute},
		{2, 30 * time.Minute},
		{3, time.Hour},
		{8, 24 * time.Hour}, // capped
		{20, 24 * time.Hour},
	}

	for _, tt := range tests {
		if got := cooldown(15*time.Minute, tt.freezeCount); got != tt.want {
			t.Errorf("cooldown(15m, %d) = %v, want %v", tt.freezeCount, got, tt.want)
		}
	}
}

func TestRepeatFreezeDoublesCooldown(t *testing.T) {
	m, s := newTestManager(t, Config{Threshold: 2, Cooldown: 10 * time.Minute})
	putService(t, s, &models.EmailService{ID: "svc-1", Provider: "sandbox", DailyQuota: 100, Enabled: true})

	now := time.Now()
	for i := 0; i < 2; i++ {
		if _, err := m.RecordFailure("svc-1", now); err != nil {
			t.Fatalf("RecordFailure() error = %v", err)
		}
	}

	if err := m.Unfreeze("svc-1"); err != nil {
		t.Fatalf("Unfreeze() error = %v", err)
	}

	// Second freeze gets double the cooldown
	later := now.Add(time.Hour)
	for i := 0; i < 2; i++ {
		if _, err := m.RecordFailure("svc-1", later); err != nil {
			t.Fatalf("RecordFailure() error = %v", err)
		}
	}

	svc, err := s.GetService("svc-1")
	if err != nil {
		t.Fatalf("GetService() error = %v", err)
	}
	want := later.Add(20 * time.Minute)
	if svc.FrozenUntil == nil || !svc.FrozenUntil.Equal(want) {
		t.Errorf("FrozenUntil = %v, want %v (doubled cooldown)", svc.FrozenUntil, want)
	}
	if svc.FreezeCount != 2 {
		t.Errorf("FreezeCount = %v, want 2", svc.FreezeCount)
	}
}

func TestUnfreezeClearsState(t *testing.T) {
	m, s := newTestManager(t, Config{Threshold: 2, Cooldown: 10 * time.Minute})
	putService(t, s, &models.EmailService{ID: "svc-1", Provider: "sandbox", DailyQuota: 100, Enabled: true})

	now := time.Now()
	for i := 0; i < 2; i++ {
		if _, err := m.RecordFailure("svc-1", now); err != nil {
			t.Fatalf("RecordFailure() error = %v", err)
		}
	}

	if err := m.Unfreeze("svc-1"); err != nil {
		t.Fatalf("Unfreeze() error = %v", err)
	}

	svc, err := s.GetService("svc-1")
	if err != nil {
		t.Fatalf("GetService() error = %v", err)
	}
	if svc.Frozen || svc.FrozenUntil != nil {
		t.Error("service still frozen after manual unfreeze")
	}
	if svc.ConsecutiveFailures != 0 {
		t.Errorf("ConsecutiveFailures = %v, want 0", svc.ConsecutiveFailures)
	}

	if err := m.Unfreeze("missing"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Unfreeze(missing) error = %v, want ErrNotFound", err)
	}
}

func TestAdjustQuota(t *testing.T) {
	m, s := newTestManager(t, DefaultConfig())
	putService(t, s, &models.EmailService{ID: "svc-1", Provider: "sandbox", DailyQuota: 100, UsedQuota: 50, Enabled: true})

	tests := []struct {
		op    string
		value int
		want  int
	}{
		{"add", 20, 70},
		{"subtract", 100, 0}, // clamped at zero
		{"set", 40, 40},
		{"add", 500, 100}, // clamped at daily quota
	}

	for _, tt := range tests {
		svc, err := m.AdjustQuota("svc-1", tt.op, tt.value, "reconcile", "ops")
		if err != nil {
			t.Fatalf("AdjustQuota(%s, %d) error = %v", tt.op, tt.value, err)
		}
		if svc.UsedQuota != tt.want {
			t.Errorf("AdjustQuota(%s, %d) UsedQuota = %v, want %v", tt.op, tt.value, svc.UsedQuota, tt.want)
		}
	}

	if _, err := m.AdjustQuota("svc-1", "wipe", 1, "", ""); !errors.Is(err, ErrBadAdjustment) {
		t.Errorf("AdjustQuota(wipe) error = %v, want ErrBadAdjustment", err)
	}

	// Every applied adjustment leaves an audit entry with its real delta
	log, err := s.ListQuotaAdjustments("svc-1", 0)
	if err != nil {
		t.Fatalf("ListQuotaAdjustments() error = %v", err)
	}
	if len(log) != 4 {
		t.Fatalf("audit entries = %v, want 4", len(log))
	}
	wantDeltas := []int{20, -70, 40, 60}
	for i, adj := range log {
		if adj.Delta != wantDeltas[i] {
			t.Errorf("audit[%d].Delta = %v, want %v", i, adj.Delta, wantDeltas[i])
		}
		if adj.Operator != "ops" {
			t.Errorf("audit[%d].Operator = %v, want ops", i, adj.Operator)
		}
	}
}
