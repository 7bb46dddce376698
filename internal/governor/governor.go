// Package governor owns allocation of sends to outbound services. A
// service is eligible when it is enabled, not frozen, has quota headroom
// and respects its minimum inter-send interval. Reservation runs as one
// atomic conditional update, so N concurrent workers against a service
// with quota K succeed exactly K times.
package governor

import (
	"errors"
	"fmt"
	"time"

	"github.com/lettermill/lettermill/internal/models"
	"github.com/lettermill/lettermill/internal/store"
)

// ErrNoEligibleService means every service is disabled, frozen, out of
// quota or rate-limited right now. This is a throttling condition, not a
// failure: the subtask stays pending.
var ErrNoEligibleService = errors.New("no eligible email service")

// Governor allocates quota-bounded, rate-limited services
type Governor struct {
	store *store.Store
}

// New creates a governor over the given store
func New(s *store.Store) *Governor {
	return &Governor{store: s}
}

// Reserve picks the eligible service with the highest remaining quota
// headroom (ties broken by ascending service ID, so selection is
// deterministic), increments its used quota and stamps last_sent_at.
// Daily quota resets and expired freezes are applied lazily inside the
// same transaction, so resets missed during downtime take effect on the
// next eligibility check.
func (g *Governor) Reserve(now time.Time) (*models.EmailService, error) {
	var picked *models.EmailService

	err := g.store.MutateServices(func(svcs []*models.EmailService) ([]*models.EmailService, error) {
		var dirty []*models.EmailService

		for _, svc := range svcs {
			if applyReset(svc, now) || applyThaw(svc, now) {
				dirty = append(dirty, svc)
			}
		}

		for _, svc := range svcs {
			if !Eligible(svc, now) {
				continue
			}
			if picked == nil || svc.Remaining() > picked.Remaining() {
				picked = svc
			}
		}

		if picked != nil {
			picked.UsedQuota++
			t := now
			picked.LastSentAt = &t
			dirty = appendOnce(dirty, picked)
		}
		return dirty, nil
	})
	if err != nil {
		return nil, err
	}

	if picked == nil {
		return nil, ErrNoEligibleService
	}
	return picked, nil
}

// Eligible reports whether the service may take a send right now. The
// caller is responsible for having applied resets and thaws first.
func Eligible(svc *models.EmailService, now time.Time) bool {
	if !svc.Enabled || svc.Frozen {
		return false
	}
	if svc.UsedQuota >= svc.DailyQuota {
		return false
	}
	if svc.LastSentAt != nil && now.Sub(*svc.LastSentAt) < svc.SendingRate {
		return false
	}
	return true
}

// applyReset zeroes used quota when the service-local reset boundary has
// passed since the last applied reset. Returns true if the service
// changed.
func applyReset(svc *models.EmailService, now time.Time) bool {
	boundary := lastResetBoundary(svc, now)
	day := boundary.Format("2006-01-02")
	if svc.LastResetDay == day {
		return false
	}

	svc.UsedQuota = 0
	svc.LastResetDay = day
	return true
}

// applyThaw clears an expired freeze. Returns true if the service
// changed.
func applyThaw(svc *models.EmailService, now time.Time) bool {
	if !svc.Frozen || svc.FrozenUntil == nil || now.Before(*svc.FrozenUntil) {
		return false
	}

	svc.Frozen = false
	svc.FrozenUntil = nil
	svc.ConsecutiveFailures = 0
	return true
}

// lastResetBoundary returns the most recent quota reset instant at or
// before now, in the service's own timezone.
func lastResetBoundary(svc *models.EmailService, now time.Time) time.Time {
	loc := svc.Location()
	local := now.In(loc)

	resetAt := svc.QuotaResetTime
	if resetAt == "" {
		resetAt = "00:00"
	}
	t, err := time.Parse("15:04", resetAt)
	if err != nil {
		t = time.Time{} // midnight
	}

	boundary := time.Date(local.Year(), local.Month(), local.Day(),
		t.Hour(), t.Minute(), 0, 0, loc)
	if boundary.After(local) {
		boundary = boundary.AddDate(0, 0, -1)
	}
	return boundary
}

// Snapshot returns the health/quota view of every service with lazy
// resets applied read-only (the stored counters are not modified).
func (g *Governor) Snapshot(now time.Time) ([]models.ServiceSnapshot, error) {
	svcs, err := g.store.ListServices()
	if err != nil {
		return nil, fmt.Errorf("failed to list services: %w", err)
	}

	snaps := make([]models.ServiceSnapshot, 0, len(svcs))
	for _, svc := range svcs {
		applyReset(svc, now)
		applyThaw(svc, now)
		snaps = append(snaps, svc.Snapshot())
	}
	return snaps, nil
}

func appendOnce(dirty []*models.EmailService, svc *models.EmailService) []*models.EmailService {
	for _, d := range dirty {
		if d == svc {
			return dirty
		}
	}
	return append(dirty, svc)
}
