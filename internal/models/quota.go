package models

import (
	"time"
)

// QuotaRecord tracks per-user usage for one calendar month. The period key
// is "YYYY-MM"; a new row is created on first access after the month rolls
// over, so used never resets in place.
type QuotaRecord struct {
	UserID    int       `json:"user_id" db:"user_id"`
	Period    string    `json:"period" db:"period"`
	Limit     int       `json:"limit" db:"quota_limit"`
	Used      int       `json:"used" db:"used"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// QuotaPeriod returns the period key for t, e.g. "2026-08".
func QuotaPeriod(t time.Time) string {
	return t.Format("2006-01")
}
