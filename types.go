package courier

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/matthewjhunter/courier/internal/dedup"
	"github.com/matthewjhunter/courier/internal/enrich"
	"github.com/matthewjhunter/courier/internal/feeds"
	"github.com/matthewjhunter/courier/internal/quota"
	"github.com/matthewjhunter/courier/internal/result"
	"github.com/matthewjhunter/courier/internal/scheduler"
	"github.com/matthewjhunter/courier/internal/storage"
)

// EngineOptions overrides collaborators, mainly for tests. Zero values use
// the production implementations built from the config.
type EngineOptions struct {
	Now        func() time.Time
	Logger     *slog.Logger
	HTTPClient *http.Client
	// Fetcher replaces the HTTP feed fetcher.
	Fetcher Fetcher
	// Enricher replaces the Ollama-with-rules enricher when enrichment is enabled.
	Enricher enrich.Enricher
}

// Public names for the types the engine's methods accept and return.
type (
	Result[T any] = result.Result[T]

	Entry          = feeds.Entry
	FetchResult    = feeds.FetchResult
	ImportResult   = feeds.ImportResult
	Fetcher        = scheduler.Fetcher
	Identity       = dedup.Identity
	Content        = storage.Content
	MediaItem      = storage.MediaItem
	Subscription   = storage.Subscription
	Relation       = storage.Relation
	RelationFilter = storage.RelationFilter
	RelationStats  = storage.RelationStats
	StatusPatch    = storage.StatusPatch
	VisibleItem    = storage.VisibleItem
	ReapReport     = storage.ReapReport
	FetchConfig    = storage.FetchConfig
	ConfigUpdate   = quota.ConfigUpdate
	FetchLog       = storage.FetchLog
	QuotaStatus    = quota.Status
	AttemptOutcome = quota.AttemptOutcome
	Task           = storage.Task
	TaskFilter     = storage.TaskFilter
	Outcome        = scheduler.Outcome
	JobInfo        = scheduler.JobInfo
)

// Fetch kinds accepted by the quota operations.
const (
	KindAuto   = storage.KindAuto
	KindManual = storage.KindManual
)

// Task statuses.
const (
	TaskPending   = storage.TaskPending
	TaskRunning   = storage.TaskRunning
	TaskSuccess   = storage.TaskSuccess
	TaskFailed    = storage.TaskFailed
	TaskCancelled = storage.TaskCancelled
)
