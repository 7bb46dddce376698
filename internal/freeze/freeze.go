// Package freeze isolates failing services. Consecutive send failures
// are tracked per service; crossing the threshold freezes the service
// for a cooldown that doubles with each repeat freeze. Frozen services
// are excluded from allocation even when quota remains.
package freeze

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/lettermill/lettermill/internal/models"
	"github.com/lettermill/lettermill/internal/store"
)

// ErrBadAdjustment is returned for an unknown quota adjustment op
var ErrBadAdjustment = errors.New("unknown quota adjustment op")

const maxCooldown = 24 * time.Hour

// Config contains freeze manager settings
type Config struct {
	// Threshold is the consecutive-failure count that triggers a freeze
	Threshold int

	// Cooldown is the first freeze duration; repeat freezes double it
	Cooldown time.Duration
}

// DefaultConfig returns reasonable freeze defaults
func DefaultConfig() Config {
	return Config{
		Threshold: 5,
		Cooldown:  15 * time.Minute,
	}
}

// Manager tracks failure streaks and freezes services
type Manager struct {
	store  *store.Store
	cfg    Config
	logger *slog.Logger
}

// New creates a freeze manager
func New(s *store.Store, cfg Config, logger *slog.Logger) *Manager {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 5
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 15 * time.Minute
	}
	return &Manager{store: s, cfg: cfg, logger: logger}
}

// RecordFailure increments the service's failure streak and freezes it
// when the streak reaches the threshold. Returns whether this call
// triggered a freeze. Only failures attributable to the service belong
// here; recipient-caused permanent failures must not be recorded.
func (m *Manager) RecordFailure(serviceID string, now time.Time) (bool, error) {
	froze := false

	svc, err := m.store.UpdateService(serviceID, func(svc *models.EmailService) error {
		svc.ConsecutiveFailures++
		if svc.Frozen || svc.ConsecutiveFailures < m.cfg.Threshold {
			return nil
		}

		svc.Frozen = true
		svc.FreezeCount++
		until := now.Add(cooldown(m.cfg.Cooldown, svc.FreezeCount))
		svc.FrozenUntil = &until
		froze = true
		return nil
	})
	if err != nil {
		return false, err
	}

	if froze {
		m.logger.Warn("service auto-frozen",
			"service_id", serviceID,
			"consecutive_failures", svc.ConsecutiveFailures,
			"frozen_until", svc.FrozenUntil,
			"freeze_count", svc.FreezeCount,
		)
	}
	return froze, nil
}

// RecordSuccess resets the service's failure streak
func (m *Manager) RecordSuccess(serviceID string) error {
	_, err := m.store.UpdateService(serviceID, func(svc *models.EmailService) error {
		svc.ConsecutiveFailures = 0
		return nil
	})
	return err
}

// Unfreeze manually unfreezes a service and clears its failure streak
func (m *Manager) Unfreeze(serviceID string) error {
	_, err := m.store.UpdateService(serviceID, func(svc *models.EmailService) error {
		svc.Frozen = false
		svc.FrozenUntil = nil
		svc.ConsecutiveFailures = 0
		return nil
	})
	if err != nil {
		return err
	}

	m.logger.Info("service unfrozen", "service_id", serviceID)
	return nil
}

// AdjustQuota applies a manual used-quota correction (add, subtract or
// set) clamped to [0, daily_quota], and appends an audit entry naming
// the operator and reason.
func (m *Manager) AdjustQuota(serviceID, op string, value int, reason, operator string) (*models.EmailService, error) {
	var delta int

	svc, err := m.store.UpdateService(serviceID, func(svc *models.EmailService) error {
		before := svc.UsedQuota

		switch op {
		case "add":
			svc.UsedQuota += value
		case "subtract":
			svc.UsedQuota -= value
		case "set":
			svc.UsedQuota = value
		default:
			return fmt.Errorf("%w: %q", ErrBadAdjustment, op)
		}

		if svc.UsedQuota < 0 {
			svc.UsedQuota = 0
		}
		if svc.UsedQuota > svc.DailyQuota {
			svc.UsedQuota = svc.DailyQuota
		}

		delta = svc.UsedQuota - before
		return nil
	})
	if err != nil {
		return nil, err
	}

	adj := &models.QuotaAdjustment{
		ID:        uuid.New().String(),
		ServiceID: serviceID,
		Op:        op,
		Delta:     delta,
		Reason:    reason,
		Operator:  operator,
		CreatedAt: time.Now(),
	}
	if err := m.store.AppendQuotaAdjustment(adj); err != nil {
		return nil, fmt.Errorf("failed to write audit entry: %w", err)
	}

	m.logger.Info("quota adjusted",
		"service_id", serviceID,
		"op", op,
		"delta", delta,
		"operator", operator,
	)
	return svc, nil
}

// cooldown doubles with each repeat freeze, capped at maxCooldown
func cooldown(base time.Duration, freezeCount int) time.Duration {
	d := base
	for i := 1; i < freezeCount; i++ {
		d *= 2
		if d >= maxCooldown {
			return maxCooldown
		}
	}
	if d > maxCooldown {
		return maxCooldown
	}
	return d
}
