package quota

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/matthewjhunter/courier/internal/result"
	"github.com/matthewjhunter/courier/internal/storage"
)

// Options holds the defaults and bounds shared by Configs and Ledger.
type Options struct {
	DefaultDailyLimit    int
	MaxDailyLimit        int
	DefaultTimezone      string
	// DefaultPreferredHour is a pointer because midnight is a valid hour;
	// nil means 9.
	DefaultPreferredHour *int
	HistoryDays          int
	Now                  func() time.Time
	Logger               *slog.Logger
}

func (o *Options) setDefaults() {
	if o.DefaultDailyLimit <= 0 {
		o.DefaultDailyLimit = 10
	}
	if o.MaxDailyLimit <= 0 {
		o.MaxDailyLimit = 100
	}
	if o.DefaultTimezone == "" {
		o.DefaultTimezone = "UTC"
	}
	if h := o.DefaultPreferredHour; h == nil || *h < 0 || *h > 23 {
		nine := 9
		o.DefaultPreferredHour = &nine
	}
	if o.HistoryDays <= 0 {
		o.HistoryDays = 7
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// ConfigUpdate is a partial change to a user's fetch settings. Nil fields
// keep their stored value.
type ConfigUpdate struct {
	AutoFetchEnabled *bool   `json:"auto_fetch_enabled,omitempty"`
	Frequency        *string `json:"frequency,omitempty"`
	PreferredHour    *int    `json:"preferred_hour,omitempty"`
	Timezone         *string `json:"timezone,omitempty"`
	DailyLimit       *int    `json:"daily_limit,omitempty"`
	IsActive         *bool   `json:"is_active,omitempty"`
}

// Configs reads and edits per-user fetch settings. Rows are created with
// defaults the first time a user is seen.
type Configs struct {
	repo   storage.FetchConfigRepository
	opts   Options
	logger *slog.Logger
}

func NewConfigs(repo storage.FetchConfigRepository, opts Options) *Configs {
	opts.setDefaults()
	return &Configs{repo: repo, opts: opts, logger: opts.Logger.With("component", "fetch_config")}
}

func (c *Configs) defaults(userID int64) storage.FetchConfig {
	return storage.FetchConfig{
		UserID:        userID,
		Frequency:     storage.FrequencyDaily,
		PreferredHour: *c.opts.DefaultPreferredHour,
		Timezone:      c.opts.DefaultTimezone,
		DailyLimit:    c.opts.DefaultDailyLimit,
		IsActive:      true,
	}
}

func (c *Configs) Get(ctx context.Context, userID int64) result.Result[*storage.FetchConfig] {
	if userID <= 0 {
		return result.Invalid[*storage.FetchConfig]("user_id must be positive")
	}
	cfg, err := c.repo.GetOrCreate(ctx, c.defaults(userID), c.opts.Now())
	if err != nil {
		return result.Transient[*storage.FetchConfig](err)
	}
	return result.Ok(cfg)
}

// Update validates every supplied field before writing any of them.
func (c *Configs) Update(ctx context.Context, userID int64, u ConfigUpdate) result.Result[*storage.FetchConfig] {
	got := c.Get(ctx, userID)
	if !got.IsOk() {
		return got
	}
	cfg := *got.Value

	var problems []string
	if u.Frequency != nil {
		switch *u.Frequency {
		case storage.FrequencyDaily, storage.FrequencyThreeDays, storage.FrequencyWeekly:
			cfg.Frequency = *u.Frequency
		default:
			problems = append(problems, fmt.Sprintf("frequency must be one of daily, three_days, weekly (got %q)", *u.Frequency))
		}
	}
	if u.PreferredHour != nil {
		if *u.PreferredHour < 0 || *u.PreferredHour > 23 {
			problems = append(problems, fmt.Sprintf("preferred_hour must be between 0 and 23 (got %d)", *u.PreferredHour))
		} else {
			cfg.PreferredHour = *u.PreferredHour
		}
	}
	if u.DailyLimit != nil {
		if *u.DailyLimit < 1 || *u.DailyLimit > c.opts.MaxDailyLimit {
			problems = append(problems, fmt.Sprintf("daily_limit must be between 1 and %d (got %d)", c.opts.MaxDailyLimit, *u.DailyLimit))
		} else {
			cfg.DailyLimit = *u.DailyLimit
		}
	}
	if u.Timezone != nil {
		tz := strings.TrimSpace(*u.Timezone)
		if _, err := time.LoadLocation(tz); err != nil || tz == "" {
			problems = append(problems, fmt.Sprintf("unknown timezone %q", *u.Timezone))
		} else {
			cfg.Timezone = tz
		}
	}
	if len(problems) > 0 {
		return result.Invalid[*storage.FetchConfig]("%s", strings.Join(problems, "; "))
	}
	if u.AutoFetchEnabled != nil {
		cfg.AutoFetchEnabled = *u.AutoFetchEnabled
	}
	if u.IsActive != nil {
		cfg.IsActive = *u.IsActive
	}

	if err := c.repo.Save(ctx, &cfg, c.opts.Now()); err != nil {
		return result.Transient[*storage.FetchConfig](err)
	}
	c.logger.Info("Updated fetch config", "user_id", userID, "auto", cfg.AutoFetchEnabled,
		"frequency", cfg.Frequency, "hour", cfg.PreferredHour, "timezone", cfg.Timezone, "limit", cfg.DailyLimit)
	return result.Ok(&cfg)
}

// Disable turns off automatic fetching and marks the config inactive.
// The row is kept so re-enabling restores the user's other settings.
func (c *Configs) Disable(ctx context.Context, userID int64) result.Result[*storage.FetchConfig] {
	if got := c.Get(ctx, userID); !got.IsOk() {
		return got
	}
	err := c.repo.Disable(ctx, userID, c.opts.Now())
	if errors.Is(err, storage.ErrNotFound) {
		return result.NotFound[*storage.FetchConfig](fmt.Sprintf("no fetch config for user %d", userID))
	}
	if err != nil {
		return result.Transient[*storage.FetchConfig](err)
	}
	c.logger.Info("Disabled fetch config", "user_id", userID)
	return c.Get(ctx, userID)
}

// ListAutoEnabled returns the configs the scheduler should consider.
func (c *Configs) ListAutoEnabled(ctx context.Context) ([]storage.FetchConfig, error) {
	return c.repo.ListAutoEnabled(ctx)
}
