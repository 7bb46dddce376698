package models

import "time"

// EmailService is an outbound provider credential set with its own daily
// quota and minimum inter-send interval.
type EmailService struct {
	ID          string `json:"id"`
	Provider    string `json:"provider"` // smtp, sandbox
	Domain      string `json:"domain"`
	Host        string `json:"host"`
	Port        int    `json:"port"`
	Username    string `json:"username"`
	Password    string `json:"password"`
	FromAddress string `json:"from_address"`

	DailyQuota  int           `json:"daily_quota"`
	UsedQuota   int           `json:"used_quota"`
	SendingRate time.Duration `json:"sending_rate"` // min interval between sends

	QuotaResetTime string `json:"quota_reset_time"` // "15:04", service-local
	Timezone       string `json:"timezone"`         // IANA name, e.g. Asia/Shanghai
	LastResetDay   string `json:"last_reset_day"`   // "2006-01-02" in service tz

	Enabled             bool       `json:"enabled"`
	Frozen              bool       `json:"frozen"`
	FrozenUntil         *time.Time `json:"frozen_until,omitempty"`
	FreezeCount         int        `json:"freeze_count"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastSentAt          *time.Time `json:"last_sent_at,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Remaining returns the unreserved quota headroom
func (s *EmailService) Remaining() int {
	r := s.DailyQuota - s.UsedQuota
	if r < 0 {
		return 0
	}
	return r
}

// Location resolves the service timezone, falling back to UTC
func (s *EmailService) Location() *time.Location {
	if s.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(s.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// ServiceSnapshot is the health/quota view exposed over the API
type ServiceSnapshot struct {
	ID                  string     `json:"id"`
	Provider            string     `json:"provider"`
	Domain              string     `json:"domain"`
	DailyQuota          int        `json:"daily_quota"`
	UsedQuota           int        `json:"used_quota"`
	Remaining           int        `json:"remaining"`
	Enabled             bool       `json:"enabled"`
	Frozen              bool       `json:"frozen"`
	FrozenUntil         *time.Time `json:"frozen_until,omitempty"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastSentAt          *time.Time `json:"last_sent_at,omitempty"`
}

// Snapshot builds the API view of the service
func (s *EmailService) Snapshot() ServiceSnapshot {
	return ServiceSnapshot{
		ID:                  s.ID,
		Provider:            s.Provider,
		Domain:              s.Domain,
		DailyQuota:          s.DailyQuota,
		UsedQuota:           s.UsedQuota,
		Remaining:           s.Remaining(),
		Enabled:             s.Enabled,
		Frozen:              s.Frozen,
		FrozenUntil:         s.FrozenUntil,
		ConsecutiveFailures: s.ConsecutiveFailures,
		LastSentAt:          s.LastSentAt,
	}
}

// QuotaAdjustment is an append-only audit record for manual quota changes
type QuotaAdjustment struct {
	ID        string    `json:"id"`
	ServiceID string    `json:"service_id"`
	Op        string    `json:"op"` // add, subtract, set
	Delta     int       `json:"delta"`
	Reason    string    `json:"reason"`
	Operator  string    `json:"operator"`
	CreatedAt time.Time `json:"created_at"`
}
