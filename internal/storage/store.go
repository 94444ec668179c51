package storage

import (
	"context"
	"time"
)

// ContentRepository stores shared content and its media.
type ContentRepository interface {
	IDByHash(ctx context.Context, hash string) (int64, error)
	Insert(ctx context.Context, c *Content, now time.Time) (int64, error)
	Get(ctx context.Context, id int64) (*Content, error)
	ListUnenriched(ctx context.Context, limit int) ([]Content, error)
	SetEnrichment(ctx context.Context, id int64, summary string, topics, tags []string, now time.Time) error
	Count(ctx context.Context) (int, error)
}

// RelationRepository stores per-user visibility windows. Every read treats
// a relation whose expires_at is not after now as absent.
type RelationRepository interface {
	Upsert(ctx context.Context, userID, contentID, subscriptionID int64, expiresAt, now time.Time) (int64, error)
	UpdateStatus(ctx context.Context, userID, contentID int64, patch StatusPatch, now time.Time) (int64, error)
	Extend(ctx context.Context, userID, contentID int64, until, now time.Time) (time.Time, error)
	RefreshSubscription(ctx context.Context, userID, subscriptionID int64, expiresAt, now time.Time) (int64, error)
	Get(ctx context.Context, userID, contentID int64, now time.Time) (*Relation, error)
	ListVisible(ctx context.Context, userID int64, filter RelationFilter, now time.Time) ([]VisibleItem, error)
	Stats(ctx context.Context, userID int64, now time.Time) (*RelationStats, error)
	Reap(ctx context.Context, now, orphanCutoff time.Time) (ReapReport, error)
}

// FetchConfigRepository stores per-user automatic fetch settings.
type FetchConfigRepository interface {
	GetOrCreate(ctx context.Context, defaults FetchConfig, now time.Time) (*FetchConfig, error)
	Save(ctx context.Context, cfg *FetchConfig, now time.Time) error
	ListAutoEnabled(ctx context.Context) ([]FetchConfig, error)
	Disable(ctx context.Context, userID int64, now time.Time) error
}

// FetchLogRepository stores the day-bucketed quota counters.
type FetchLogRepository interface {
	Get(ctx context.Context, userID int64, date string) (*FetchLog, error)
	Reserve(ctx context.Context, userID int64, date, kind string, limit int) (*FetchLog, bool, error)
	ReserveForTask(ctx context.Context, taskID, userID int64, date, kind string, limit int, now time.Time) (*FetchLog, bool, error)
	RecordResult(ctx context.Context, userID int64, date string, success bool, now time.Time) error
	History(ctx context.Context, userID int64, sinceDate string) ([]FetchLog, error)
	Delete(ctx context.Context, userID int64, date string) (bool, error)
}

// TaskRepository stores fetch tasks. Status changes are guarded by the
// current status so concurrent writers cannot move a task backwards.
type TaskRepository interface {
	Create(ctx context.Context, t *Task) (bool, error)
	Get(ctx context.Context, id int64) (*Task, error)
	GetByKey(ctx context.Context, key string) (*Task, error)
	Claim(ctx context.Context, id int64, now time.Time) (bool, error)
	Finish(ctx context.Context, id int64, status string, successCount, totalCount int, errMsg string, now time.Time) (bool, error)
	ScheduleRetry(ctx context.Context, id int64, nextRetry time.Time, successCount, totalCount int, errMsg string, now time.Time) (bool, error)
	Cancel(ctx context.Context, id int64, reason string, now time.Time) (bool, error)
	ListFresh(ctx context.Context, now time.Time, limit int) ([]Task, error)
	ListRetryDue(ctx context.Context, now time.Time, limit int) ([]Task, error)
	RecoverRunning(ctx context.Context, now time.Time) (int64, error)
	List(ctx context.Context, filter TaskFilter) ([]Task, error)
}

// SubscriptionRepository stores the feeds each user follows.
type SubscriptionRepository interface {
	Add(ctx context.Context, s *Subscription, now time.Time) (int64, error)
	Get(ctx context.Context, id int64) (*Subscription, error)
	ListForUser(ctx context.Context, userID int64) ([]Subscription, error)
	SetActive(ctx context.Context, id int64, active bool) error
	RecordFetch(ctx context.Context, id int64, etag, lastModified string, fetchErr error, now time.Time) error
}

// Repositories bundles one repository per entity over a shared DB.
type Repositories struct {
	Contents      ContentRepository
	Relations     RelationRepository
	FetchConfigs  FetchConfigRepository
	FetchLogs     FetchLogRepository
	Tasks         TaskRepository
	Subscriptions SubscriptionRepository
}

// NewRepositories wires every repository to db.
func NewRepositories(db *DB) *Repositories {
	return &Repositories{
		Contents:      &contentRepo{db: db},
		Relations:     &relationRepo{db: db},
		FetchConfigs:  &fetchConfigRepo{db: db},
		FetchLogs:     &fetchLogRepo{db: db},
		Tasks:         &taskRepo{db: db},
		Subscriptions: &subscriptionRepo{db: db},
	}
}
