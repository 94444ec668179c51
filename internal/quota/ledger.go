// Package quota owns the per-user daily fetch ceiling and the settings that
// drive it. Attempt is the only path that consumes quota.
package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/matthewjhunter/courier/internal/result"
	"github.com/matthewjhunter/courier/internal/storage"
)

const dateLayout = "2006-01-02"

// Status is a user's quota for the current day.
type Status struct {
	Date             string     `json:"date"`
	Timezone         string     `json:"timezone"`
	Limit            int        `json:"limit"`
	Used             int        `json:"used"`
	Remaining        int        `json:"remaining"`
	CanFetch         bool       `json:"can_fetch"`
	AutoUsed         int        `json:"auto_used"`
	ManualUsed       int        `json:"manual_used"`
	LastFetchAt      *time.Time `json:"last_fetch_at,omitempty"`
	LastFetchSuccess *bool      `json:"last_fetch_success,omitempty"`
}

// AttemptOutcome reports whether a fetch may proceed and the quota after the call.
type AttemptOutcome struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
	Quota   Status `json:"quota"`
}

type Ledger struct {
	configs *Configs
	logs    storage.FetchLogRepository
	opts    Options
	logger  *slog.Logger
}

func NewLedger(configs *Configs, logs storage.FetchLogRepository, opts Options) *Ledger {
	opts.setDefaults()
	return &Ledger{
		configs: configs,
		logs:    logs,
		opts:    opts,
		logger:  opts.Logger.With("component", "quota"),
	}
}

// DateIn returns the calendar date of t in the named zone. Unknown zones
// fall back to UTC.
func DateIn(t time.Time, tz string) string {
	loc, err := time.LoadLocation(tz)
	if err != nil {
		loc = time.UTC
	}
	return t.In(loc).Format(dateLayout)
}

// LimitMessage is the denial message for an exhausted quota.
func LimitMessage(limit int) string {
	return fmt.Sprintf("daily fetch limit reached (%d), try again tomorrow", limit)
}

func (l *Ledger) Quota(ctx context.Context, userID int64) result.Result[Status] {
	cfg := l.configs.Get(ctx, userID)
	if !cfg.IsOk() {
		return result.Forward[Status](cfg)
	}
	date := DateIn(l.opts.Now(), cfg.Value.Timezone)
	log, err := l.logs.Get(ctx, userID, date)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return result.Transient[Status](err)
	}
	if log == nil {
		log = &storage.FetchLog{UserID: userID, Date: date}
	}
	return result.Ok(statusFrom(log, cfg.Value.DailyLimit, cfg.Value.Timezone))
}

func statusFrom(log *storage.FetchLog, limit int, tz string) Status {
	remaining := limit - log.FetchCount
	if remaining < 0 {
		remaining = 0
	}
	return Status{
		Date:             log.Date,
		Timezone:         tz,
		Limit:            limit,
		Used:             log.FetchCount,
		Remaining:        remaining,
		CanFetch:         remaining > 0,
		AutoUsed:         log.AutoFetchCount,
		ManualUsed:       log.ManualFetchCount,
		LastFetchAt:      log.LastFetchAt,
		LastFetchSuccess: log.LastFetchSuccess,
	}
}

// Attempt consumes one fetch from the user's quota for today in their
// configured timezone.
func (l *Ledger) Attempt(ctx context.Context, userID int64, kind string) result.Result[AttemptOutcome] {
	return l.AttemptInZone(ctx, userID, kind, "")
}

// AttemptInZone is Attempt with the day bucket taken from tz instead of the
// user's current setting. An empty tz means the current setting.
//
// On success the counters have been incremented. When the limit is already
// reached nothing is written and the result is Denied, carrying the
// unchanged quota.
func (l *Ledger) AttemptInZone(ctx context.Context, userID int64, kind, tz string) result.Result[AttemptOutcome] {
	return l.attempt(ctx, userID, kind, tz, func(date string, limit int) (*storage.FetchLog, bool, error) {
		return l.logs.Reserve(ctx, userID, date, kind, limit)
	})
}

// AttemptForTask charges the task's user once for the task, bucketed in the
// task's timezone. The task is flagged as charged in the same write, so
// calling it again for a task that was already charged succeeds without
// consuming more quota.
func (l *Ledger) AttemptForTask(ctx context.Context, task *storage.Task) result.Result[AttemptOutcome] {
	return l.attempt(ctx, task.UserID, task.Kind, task.Timezone, func(date string, limit int) (*storage.FetchLog, bool, error) {
		return l.logs.ReserveForTask(ctx, task.ID, task.UserID, date, task.Kind, limit, l.opts.Now())
	})
}

func (l *Ledger) attempt(ctx context.Context, userID int64, kind, tz string, reserve func(date string, limit int) (*storage.FetchLog, bool, error)) result.Result[AttemptOutcome] {
	if err := validKind(kind); err != nil {
		return result.Invalid[AttemptOutcome]("%v", err)
	}
	cfg := l.configs.Get(ctx, userID)
	if !cfg.IsOk() {
		return result.Forward[AttemptOutcome](cfg)
	}
	if tz == "" {
		tz = cfg.Value.Timezone
	}
	limit := cfg.Value.DailyLimit
	date := DateIn(l.opts.Now(), tz)

	log, reserved, err := reserve(date, limit)
	if err != nil {
		return result.Transient[AttemptOutcome](err)
	}
	status := statusFrom(log, limit, tz)
	if !reserved {
		msg := LimitMessage(limit)
		l.logger.Info("Fetch denied", "user_id", userID, "kind", kind, "date", date, "used", status.Used, "limit", limit)
		return result.DeniedWith(AttemptOutcome{Success: false, Message: msg, Quota: status}, msg)
	}
	l.logger.Debug("Fetch quota reserved", "user_id", userID, "kind", kind, "date", date, "used", status.Used, "limit", limit)
	return result.Ok(AttemptOutcome{
		Success: true,
		Message: fmt.Sprintf("%d of %d fetches remaining today", status.Remaining, limit),
		Quota:   status,
	})
}

func validKind(kind string) error {
	if kind != storage.KindAuto && kind != storage.KindManual {
		return fmt.Errorf("kind must be auto or manual (got %q)", kind)
	}
	return nil
}

// RecordResult stamps the outcome of the user's latest fetch on today's
// row. Counters never change here.
func (l *Ledger) RecordResult(ctx context.Context, userID int64, kind string, success bool) result.Result[struct{}] {
	return l.RecordResultInZone(ctx, userID, kind, success, "")
}

func (l *Ledger) RecordResultInZone(ctx context.Context, userID int64, kind string, success bool, tz string) result.Result[struct{}] {
	if err := validKind(kind); err != nil {
		return result.Invalid[struct{}]("%v", err)
	}
	if tz == "" {
		cfg := l.configs.Get(ctx, userID)
		if !cfg.IsOk() {
			return result.Forward[struct{}](cfg)
		}
		tz = cfg.Value.Timezone
	}
	now := l.opts.Now()
	if err := l.logs.RecordResult(ctx, userID, DateIn(now, tz), success, now); err != nil {
		return result.Transient[struct{}](err)
	}
	l.logger.Debug("Recorded fetch result", "user_id", userID, "kind", kind, "success", success)
	return result.Ok(struct{}{})
}

// History returns the last days of usage, newest first. days <= 0 uses the
// configured default.
func (l *Ledger) History(ctx context.Context, userID int64, days int) result.Result[[]storage.FetchLog] {
	if days <= 0 {
		days = l.opts.HistoryDays
	}
	if days > 366 {
		return result.Invalid[[]storage.FetchLog]("days must be at most 366")
	}
	cfg := l.configs.Get(ctx, userID)
	if !cfg.IsOk() {
		return result.Forward[[]storage.FetchLog](cfg)
	}
	since := DateIn(l.opts.Now().AddDate(0, 0, -(days - 1)), cfg.Value.Timezone)
	logs, err := l.logs.History(ctx, userID, since)
	if err != nil {
		return result.Transient[[]storage.FetchLog](err)
	}
	if logs == nil {
		logs = []storage.FetchLog{}
	}
	return result.Ok(logs)
}

// Reset clears today's usage for the user. It reports whether a row existed.
func (l *Ledger) Reset(ctx context.Context, userID int64) result.Result[bool] {
	cfg := l.configs.Get(ctx, userID)
	if !cfg.IsOk() {
		return result.Forward[bool](cfg)
	}
	date := DateIn(l.opts.Now(), cfg.Value.Timezone)
	deleted, err := l.logs.Delete(ctx, userID, date)
	if err != nil {
		return result.Transient[bool](err)
	}
	l.logger.Info("Reset daily quota", "user_id", userID, "date", date, "existed", deleted)
	return result.Ok(deleted)
}
