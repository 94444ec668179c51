package storage

import "time"

// Fetch kinds. Quota counters are split by kind.
const (
	KindAuto   = "auto"
	KindManual = "manual"
)

// Frequencies for automatic fetching.
const (
	FrequencyDaily     = "daily"
	FrequencyThreeDays = "three_days"
	FrequencyWeekly    = "weekly"
)

// Task statuses.
const (
	TaskPending   = "pending"
	TaskRunning   = "running"
	TaskSuccess   = "success"
	TaskFailed    = "failed"
	TaskCancelled = "cancelled"
)

// Content is a deduplicated feed entry shared by every user who sees it.
type Content struct {
	ID              int64       `json:"id"`
	Hash            string      `json:"content_hash"`
	Title           string      `json:"title"`
	Author          string      `json:"author"`
	PublishedAt     *time.Time  `json:"published_at,omitempty"`
	OriginalLink    string      `json:"original_link"`
	Platform        string      `json:"platform"`
	ContentType     string      `json:"content_type"`
	Description     string      `json:"description"`
	DescriptionText string      `json:"description_text"`
	CoverImage      string      `json:"cover_image,omitempty"`
	Summary         *string     `json:"summary,omitempty"`
	Topics          []string    `json:"topics,omitempty"`
	Tags            []string    `json:"tags,omitempty"`
	FeedTitle       string      `json:"feed_title"`
	FeedLink        string      `json:"feed_link"`
	FeedDescription string      `json:"feed_description"`
	FeedImageURL    string      `json:"feed_image_url,omitempty"`
	Media           []MediaItem `json:"media_items"`
	CreatedAt       time.Time   `json:"created_at"`
	UpdatedAt       time.Time   `json:"updated_at"`
}

type MediaItem struct {
	URL         string `json:"url"`
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
	Duration    int    `json:"duration,omitempty"`
	SortOrder   int    `json:"sort_order"`
}

// Relation binds a content item to a user for a limited window.
type Relation struct {
	ID             int64      `json:"id"`
	UserID         int64      `json:"user_id"`
	ContentID      int64      `json:"content_id"`
	SubscriptionID int64      `json:"subscription_id"`
	IsRead         bool       `json:"is_read"`
	IsFavorited    bool       `json:"is_favorited"`
	ReadAt         *time.Time `json:"read_at,omitempty"`
	PersonalTags   []string   `json:"personal_tags"`
	ExpiresAt      time.Time  `json:"expires_at"`
	CreatedAt      time.Time  `json:"created_at"`
}

// StatusPatch is a partial update of a relation's personal state. Nil fields are left alone.
type StatusPatch struct {
	IsRead       *bool     `json:"is_read,omitempty"`
	IsFavorited  *bool     `json:"is_favorited,omitempty"`
	PersonalTags *[]string `json:"personal_tags,omitempty"`
}

// Empty reports whether the patch changes nothing.
func (p StatusPatch) Empty() bool {
	return p.IsRead == nil && p.IsFavorited == nil && p.PersonalTags == nil
}

// VisibleItem is a content item as one user sees it.
type VisibleItem struct {
	Relation Relation `json:"relation"`
	Content  Content  `json:"content"`
}

// RelationFilter narrows ListVisible.
type RelationFilter struct {
	UnreadOnly    bool
	FavoritedOnly bool
	Limit         int
	Offset        int
}

type PlatformCount struct {
	Platform string `json:"platform"`
	Count    int    `json:"count"`
}

type SubscriptionCount struct {
	SubscriptionID int64  `json:"subscription_id"`
	Name           string `json:"name"`
	Count          int    `json:"count"`
}

// RelationStats aggregates a user's unexpired relations.
type RelationStats struct {
	Total          int                 `json:"total"`
	Read           int                 `json:"read"`
	Unread         int                 `json:"unread"`
	Favorited      int                 `json:"favorited"`
	ReadPercentage float64             `json:"read_percentage"`
	ByPlatform     []PlatformCount     `json:"platform_distribution"`
	BySubscription []SubscriptionCount `json:"subscription_distribution"`
}

// ReapReport counts rows removed by one reaper pass.
type ReapReport struct {
	Relations int64 `json:"relations"`
	Contents  int64 `json:"contents"`
}

// FetchConfig holds one user's automatic fetch settings.
type FetchConfig struct {
	UserID           int64     `json:"user_id"`
	AutoFetchEnabled bool      `json:"auto_fetch_enabled"`
	Frequency        string    `json:"frequency"`
	PreferredHour    int       `json:"preferred_hour"`
	Timezone         string    `json:"timezone"`
	DailyLimit       int       `json:"daily_limit"`
	IsActive         bool      `json:"is_active"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// FetchLog is one user's quota usage for one calendar date.
type FetchLog struct {
	UserID           int64      `json:"user_id"`
	Date             string     `json:"date"`
	FetchCount       int        `json:"fetch_count"`
	AutoFetchCount   int        `json:"auto_fetch_count"`
	ManualFetchCount int        `json:"manual_fetch_count"`
	LastFetchAt      *time.Time `json:"last_fetch_at,omitempty"`
	LastFetchSuccess *bool      `json:"last_fetch_success,omitempty"`
}

// Task is one scheduled or retried attempt to pull a user's subscriptions.
type Task struct {
	ID            int64      `json:"id"`
	Key           string     `json:"task_key"`
	UserID        int64      `json:"user_id"`
	Kind          string     `json:"kind"`
	Timezone      string     `json:"timezone"`
	Status        string     `json:"status"`
	ScheduledAt   time.Time  `json:"scheduled_at"`
	ExecutedAt    *time.Time `json:"executed_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
	NextRetryAt   *time.Time `json:"next_retry_at,omitempty"`
	AttemptCount  int        `json:"attempt_count"`
	MaxAttempts   int        `json:"max_attempts"`
	QuotaReserved bool       `json:"quota_reserved"`
	SuccessCount  int        `json:"success_count"`
	TotalCount    int        `json:"total_count"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// TaskFilter narrows task listings. Zero values match everything.
type TaskFilter struct {
	Status string
	UserID int64
	Limit  int
}

// Subscription is one feed a user follows.
type Subscription struct {
	ID            int64      `json:"id"`
	UserID        int64      `json:"user_id"`
	URL           string     `json:"url"`
	CustomName    string     `json:"custom_name"`
	Platform      string     `json:"platform"`
	IsActive      bool       `json:"is_active"`
	ETag          string     `json:"-"`
	LastModified  string     `json:"-"`
	LastFetchedAt *time.Time `json:"last_fetched_at,omitempty"`
	LastError     *string    `json:"last_error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}
