// Package relations manages the per-user visibility windows over shared
// content: creation and refresh by the fetch cycle, personal read state,
// user-initiated extension, statistics and reaping.
package relations

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

const (
	DefaultTTL          = 24 * time.Hour
	DefaultMaxExtension = 7 * 24 * time.Hour
	DefaultOrphanGrace  = 10 * time.Minute

	maxPersonalTags = 20
	maxListLimit    = 200
)

// Options configures a Manager. Zero values take the defaults above.
type Options struct {
	TTL          time.Duration
	MaxExtension time.Duration
	OrphanGrace  time.Duration
	Now          func() time.Time
	Logger       *slog.Logger
}

type Manager struct {
	repo   storage.RelationRepository
	opts   Options
	now    func() time.Time
	logger *slog.Logger
}

func NewManager(repo storage.RelationRepository, opts Options) *Manager {
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.MaxExtension <= 0 {
		opts.MaxExtension = DefaultMaxExtension
	}
	if opts.OrphanGrace <= 0 {
		opts.OrphanGrace = DefaultOrphanGrace
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{repo: repo, opts: opts, now: now, logger: logger.With("component", "relations")}
}

// TTL is the window applied when CreateOrRefresh is given none.
func (m *Manager) TTL() time.Duration { return m.opts.TTL }

// MaxExtension caps any single TTL or extension.
func (m *Manager) MaxExtension() time.Duration { return m.opts.MaxExtension }

// CreateOrRefresh binds content to the user until now+ttl. An existing
// relation keeps whichever expiry is later. A non-positive ttl uses the
// configured default; one above MaxExtension is rejected.
func (m *Manager) CreateOrRefresh(ctx context.Context, userID, contentID, subscriptionID int64, ttl time.Duration) result.Result[int64] {
	if userID <= 0 || contentID <= 0 {
		return result.Invalid[int64]("user_id and content_id must be positive")
	}
	if ttl > m.opts.MaxExtension {
		return result.Invalid[int64]("ttl must be at most %s", m.opts.MaxExtension)
	}
	if ttl <= 0 {
		ttl = m.opts.TTL
	}
	now := m.now()
	id, err := m.repo.Upsert(ctx, userID, contentID, subscriptionID, now.Add(ttl), now)
	if errors.Is(err, storage.ErrNotFound) {
		return result.NotFound[int64](fmt.Sprintf("content %d does not exist", contentID))
	}
	if err != nil {
		return result.Transient[int64](err)
	}
	return result.Ok(id)
}

// RefreshSubscription extends the visible relations a subscription produced
// for the user to now+TTL. It returns how many were touched.
func (m *Manager) RefreshSubscription(ctx context.Context, userID, subscriptionID int64) result.Result[int64] {
	now := m.now()
	n, err := m.repo.RefreshSubscription(ctx, userID, subscriptionID, now.Add(m.opts.TTL), now)
	if err != nil {
		return result.Transient[int64](err)
	}
	return result.Ok(n)
}

// UpdateStatus applies a partial update to the user's unexpired relations
// with the content and returns the number of relations changed.
func (m *Manager) UpdateStatus(ctx context.Context, userID, contentID int64, patch storage.StatusPatch) result.Result[int64] {
	if patch.Empty() {
		return result.Invalid[int64]("no fields to update")
	}
	if patch.PersonalTags != nil {
		tags, err := cleanTags(*patch.PersonalTags)
		if err != nil {
			return result.Invalid[int64]("%v", err)
		}
		patch.PersonalTags = &tags
	}

	n, err := m.repo.UpdateStatus(ctx, userID, contentID, patch, m.now())
	if err != nil {
		return result.Transient[int64](err)
	}
	if n == 0 {
		return result.NotFound[int64](fmt.Sprintf("no visible relation for user %d and content %d", userID, contentID))
	}
	return result.Ok(n)
}

func cleanTags(tags []string) ([]string, error) {
	out := make([]string, 0, len(tags))
	seen := make(map[string]bool, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		out = append(out, t)
	}
	if len(out) > maxPersonalTags {
		return nil, fmt.Errorf("at most %d personal tags allowed, got %d", maxPersonalTags, len(out))
	}
	return out, nil
}

// ExtendExpiry pushes the relation's expiry to now+hours. The extension is
// bounded by the configured maximum and never shortens the window.
func (m *Manager) ExtendExpiry(ctx context.Context, userID, contentID int64, hours int) result.Result[time.Time] {
	maxHours := int(m.opts.MaxExtension / time.Hour)
	if hours <= 0 || hours > maxHours {
		return result.Invalid[time.Time]("hours must be between 1 and %d", maxHours)
	}
	now := m.now()
	expires, err := m.repo.Extend(ctx, userID, contentID, now.Add(time.Duration(hours)*time.Hour), now)
	if errors.Is(err, storage.ErrNotFound) {
		return result.NotFound[time.Time](fmt.Sprintf("no visible relation for user %d and content %d", userID, contentID))
	}
	if err != nil {
		return result.Transient[time.Time](err)
	}
	return result.Ok(expires)
}

func (m *Manager) Get(ctx context.Context, userID, contentID int64) result.Result[*storage.Relation] {
	rel, err := m.repo.Get(ctx, userID, contentID, m.now())
	if errors.Is(err, storage.ErrNotFound) {
		return result.NotFound[*storage.Relation](fmt.Sprintf("no visible relation for user %d and content %d", userID, contentID))
	}
	if err != nil {
		return result.Transient[*storage.Relation](err)
	}
	return result.Ok(rel)
}

// ListVisible pages through the user's unexpired content, newest first.
func (m *Manager) ListVisible(ctx context.Context, userID int64, filter storage.RelationFilter) result.Result[[]storage.VisibleItem] {
	if filter.Limit < 0 || filter.Offset < 0 {
		return result.Invalid[[]storage.VisibleItem]("limit and offset must not be negative")
	}
	if filter.Limit == 0 || filter.Limit > maxListLimit {
		filter.Limit = maxListLimit
	}
	items, err := m.repo.ListVisible(ctx, userID, filter, m.now())
	if err != nil {
		return result.Transient[[]storage.VisibleItem](err)
	}
	return result.Ok(items)
}

func (m *Manager) Stats(ctx context.Context, userID int64) result.Result[*storage.RelationStats] {
	stats, err := m.repo.Stats(ctx, userID, m.now())
	if err != nil {
		return result.Transient[*storage.RelationStats](err)
	}
	return result.Ok(stats)
}

// ReapExpired deletes expired relations and the shared content they leave
// unreferenced. Content younger than the orphan grace period is kept so a
// fetch cycle can still attach its first relation.
func (m *Manager) ReapExpired(ctx context.Context) result.Result[storage.ReapReport] {
	now := m.now()
	report, err := m.repo.Reap(ctx, now, now.Add(-m.opts.OrphanGrace))
	if err != nil {
		return result.Transient[storage.ReapReport](err)
	}
	if report.Relations > 0 || report.Contents > 0 {
		m.logger.Info("Reaped expired content", "relations", report.Relations, "contents", report.Contents)
	}
	return result.Ok(report)
}
