package scheduler

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/matthewjhunter/courier/internal/storage"
)

// CadenceDays is the number of days between automatic fetches for a frequency.
func CadenceDays(frequency string) int {
	switch frequency {
	case storage.FrequencyThreeDays:
		return 3
	case storage.FrequencyWeekly:
		return 7
	default:
		return 1
	}
}

// NextDue returns the next time cfg wants an automatic fetch, counting a
// slot that started less than tolerance ago as still upcoming. Slots fall
// at PreferredHour local time in cfg.Timezone. Non-daily cadences use the
// local date the config was created as their first slot day.
func NextDue(cfg storage.FetchConfig, now time.Time, tolerance time.Duration) time.Time {
	loc, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		loc = time.UTC
	}
	local := now.In(loc)
	step := CadenceDays(cfg.Frequency)

	candidate := time.Date(local.Year(), local.Month(), local.Day(), cfg.PreferredHour, 0, 0, 0, loc)
	if step > 1 {
		anchor := time.Unix(0, 0).In(loc)
		if !cfg.CreatedAt.IsZero() {
			anchor = cfg.CreatedAt.In(loc)
		}
		if rem := mod(daysBetween(anchor, candidate), step); rem != 0 {
			candidate = candidate.AddDate(0, 0, step-rem)
		}
	}
	for candidate.Before(now.Add(-tolerance)) {
		candidate = candidate.AddDate(0, 0, step)
	}
	return candidate
}

// IsDue reports whether a slot lies within tolerance of now, and returns it.
func IsDue(cfg storage.FetchConfig, now time.Time, tolerance time.Duration) (time.Time, bool) {
	due := NextDue(cfg, now, tolerance)
	d := due.Sub(now)
	if d < 0 {
		d = -d
	}
	return due, d <= tolerance
}

// daysBetween counts calendar days from a's date to b's date, ignoring
// clock time and DST shifts.
func daysBetween(a, b time.Time) int {
	da := time.Date(a.Year(), a.Month(), a.Day(), 0, 0, 0, 0, time.UTC)
	db := time.Date(b.Year(), b.Month(), b.Day(), 0, 0, 0, 0, time.UTC)
	return int(db.Sub(da).Hours() / 24)
}

func mod(a, n int) int {
	r := a % n
	if r < 0 {
		r += n
	}
	return r
}

// AutoTaskKey names the automatic task for one user and slot. The slot is
// bucketed to the hour in UTC, so repeated sweeps inside the tolerance
// window produce the same key.
func AutoTaskKey(userID int64, due time.Time) string {
	return fmt.Sprintf("auto_%d_%s", userID, due.UTC().Format("20060102_15"))
}

// ManualTaskKey names a user-triggered task. Every call is distinct.
func ManualTaskKey(userID int64) string {
	return fmt.Sprintf("manual_%d_%s", userID, uuid.NewString())
}
