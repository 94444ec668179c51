// Package courier is a personal feed-aggregation backend. It stores each
// distinct feed entry once, binds it to the users who should see it for a
// limited window, caps how often each user may fetch per day, and runs
// scheduled and manual fetches through a retrying task executor.
package courier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/matthewjhunter/courier/internal/api"
	"github.com/matthewjhunter/courier/internal/config"
	"github.com/matthewjhunter/courier/internal/dedup"
	"github.com/matthewjhunter/courier/internal/enrich"
	"github.com/matthewjhunter/courier/internal/feeds"
	"github.com/matthewjhunter/courier/internal/quota"
	"github.com/matthewjhunter/courier/internal/relations"
	"github.com/matthewjhunter/courier/internal/result"
	"github.com/matthewjhunter/courier/internal/scheduler"
	"github.com/matthewjhunter/courier/internal/storage"
)

// Engine wires the store and every service over it and owns their lifecycle.
type Engine struct {
	cfg    *config.Config
	now    func() time.Time
	logger *slog.Logger

	db        *storage.DB
	repos     *storage.Repositories
	configs   *quota.Configs
	ledger    *quota.Ledger
	dedup     *dedup.Engine
	relations *relations.Manager
	fetcher   Fetcher
	enricher  *enrich.Worker
	executor  *scheduler.Executor
	scheduler *scheduler.Scheduler

	mu      sync.Mutex
	cancel  context.CancelFunc
	workers sync.WaitGroup
}

// NewEngine opens the database named by cfg, applies migrations and builds
// every component. Nothing runs in the background until Start.
func NewEngine(ctx context.Context, cfg *config.Config, opts EngineOptions) (*Engine, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	db, err := storage.Open(ctx, storage.Options{
		Path:         cfg.Database.Path,
		MaxOpenConns: cfg.Database.MaxOpenConns,
		BusyTimeout:  cfg.Database.BusyTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	e := &Engine{
		cfg:    cfg,
		now:    opts.Now,
		logger: opts.Logger.With("component", "engine"),
		db:     db,
		repos:  storage.NewRepositories(db),
	}

	preferredHour := cfg.Quota.DefaultPreferredHour
	qopts := quota.Options{
		DefaultDailyLimit:    cfg.Quota.DefaultDailyLimit,
		MaxDailyLimit:        cfg.Quota.MaxDailyLimit,
		DefaultTimezone:      cfg.Quota.DefaultTimezone,
		DefaultPreferredHour: &preferredHour,
		HistoryDays:          cfg.Quota.HistoryDays,
		Now:                  opts.Now,
		Logger:               opts.Logger,
	}
	e.configs = quota.NewConfigs(e.repos.FetchConfigs, qopts)
	e.ledger = quota.NewLedger(e.configs, e.repos.FetchLogs, qopts)

	e.dedup = dedup.NewEngine(e.repos.Contents, dedup.Options{
		MaxMediaItems:  cfg.Content.MaxMediaItems,
		TrackingParams: cfg.Content.TrackingParams,
		Now:            opts.Now,
		Logger:         opts.Logger,
	})
	e.relations = relations.NewManager(e.repos.Relations, relations.Options{
		TTL:          cfg.Content.RelationTTL,
		MaxExtension: cfg.Content.MaxExtension,
		OrphanGrace:  cfg.Content.OrphanGrace,
		Now:          opts.Now,
		Logger:       opts.Logger,
	})

	e.fetcher = opts.Fetcher
	if e.fetcher == nil {
		e.fetcher = feeds.NewFetcher(feeds.Options{
			Timeout:       cfg.Fetch.Timeout,
			MaxRetries:    cfg.Fetch.MaxRetries,
			RetryBackoff:  cfg.Fetch.RetryBackoff,
			MaxEntries:    cfg.Fetch.MaxEntriesPerFeed,
			MaxMediaItems: cfg.Content.MaxMediaItems,
			UserAgent:     cfg.Fetch.UserAgent,
			Client:        opts.HTTPClient,
			Logger:        opts.Logger,
		})
	}

	var backlog scheduler.Backlogger
	var enqueuer scheduler.Enqueuer
	if cfg.Enrichment.Enabled {
		enricher := opts.Enricher
		if enricher == nil {
			if enricher, err = e.defaultEnricher(opts); err != nil {
				db.Close()
				return nil, err
			}
		}
		e.enricher = enrich.NewWorker(e.repos.Contents, enricher, enrich.WorkerOptions{
			QueueSize: cfg.Enrichment.QueueSize,
			BatchSize: cfg.Enrichment.BatchSize,
			Now:       opts.Now,
			Logger:    opts.Logger,
		})
		backlog, enqueuer = e.enricher, e.enricher
	}

	e.executor = scheduler.NewExecutor(scheduler.ExecutorDeps{
		Tasks:         e.repos.Tasks,
		Subscriptions: e.repos.Subscriptions,
		Configs:       e.configs,
		Ledger:        e.ledger,
		Dedup:         e.dedup,
		Relations:     e.relations,
		Fetcher:       e.fetcher,
		Enqueuer:      enqueuer,
	}, scheduler.ExecutorOptions{
		RetryDelay:  cfg.Scheduler.RetryDelay,
		Parallelism: cfg.Fetch.Parallelism,
		TaskTimeout: cfg.Scheduler.TaskTimeout,
		Now:         opts.Now,
		Logger:      opts.Logger,
	})
	e.scheduler = scheduler.New(e.executor, e.repos.Tasks, e.configs, e.relations, backlog, scheduler.Options{
		SweepInterval:      cfg.Scheduler.SweepInterval,
		DueTolerance:       cfg.Scheduler.DueTolerance,
		RetrySweepInterval: cfg.Scheduler.RetrySweepInterval,
		ReapInterval:       cfg.Scheduler.ReapInterval,
		EnrichInterval:     cfg.Scheduler.EnrichInterval,
		MaxAttempts:        cfg.Scheduler.MaxAttempts,
		Workers:            cfg.Scheduler.Workers,
		QueueSize:          cfg.Scheduler.QueueSize,
		Now:                opts.Now,
		Logger:             opts.Logger,
	})
	return e, nil
}

// defaultEnricher prefers the model and falls back to text rules when the
// model is unreachable or answers badly.
func (e *Engine) defaultEnricher(opts EngineOptions) (enrich.Enricher, error) {
	rules := enrich.RuleEnricher{SummaryLength: e.cfg.Enrichment.SummaryLength, MaxTags: e.cfg.Enrichment.MaxTags}
	llm, err := enrich.NewOllamaEnricher(enrich.OllamaOptions{
		BaseURL:       e.cfg.Enrichment.OllamaBaseURL,
		Model:         e.cfg.Enrichment.Model,
		Temperature:   e.cfg.Enrichment.Temperature,
		SummaryLength: e.cfg.Enrichment.SummaryLength,
		MaxTags:       e.cfg.Enrichment.MaxTags,
		HTTPClient:    opts.HTTPClient,
	})
	if err != nil {
		return nil, fmt.Errorf("create enricher: %w", err)
	}
	return &enrich.Fallback{Primary: llm, Secondary: rules, Logger: opts.Logger}, nil
}

// Start launches the scheduler and, when enabled, the enrichment worker.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.cancel != nil {
		e.mu.Unlock()
		return errors.New("engine already started")
	}
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.mu.Unlock()

	if e.enricher != nil {
		e.workers.Add(1)
		go func() {
			defer e.workers.Done()
			e.enricher.Run(ctx)
		}()
	}
	if err := e.scheduler.Start(ctx); err != nil {
		cancel()
		e.workers.Wait()
		e.mu.Lock()
		e.cancel = nil
		e.mu.Unlock()
		return err
	}
	e.logger.Info("Engine started", "db", e.db.Path(), "enrichment", e.enricher != nil)
	return nil
}

// Stop halts background work and waits for running tasks to return.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.mu.Unlock()
	if cancel == nil {
		return
	}
	e.scheduler.Stop()
	cancel()
	e.workers.Wait()
}

// Close stops background work and closes the database.
func (e *Engine) Close() error {
	e.Stop()
	return e.db.Close()
}

// Server builds the HTTP API over this engine's services.
func (e *Engine) Server() *api.Server {
	return api.NewServer(api.Deps{
		Health:    e.db,
		Configs:   e.configs,
		Ledger:    e.ledger,
		Dedup:     e.dedup,
		Contents:  e.repos.Contents,
		Relations: e.relations,
		Scheduler: e.scheduler,
	}, api.Options{
		AdminSecret: e.cfg.HTTP.AdminSecret,
		Now:         e.now,
		Logger:      e.logger,
	})
}

// IssueAdminToken signs an admin token with the configured secret.
func (e *Engine) IssueAdminToken(ttl time.Duration) (string, error) {
	return api.IssueAdminToken(e.cfg.HTTP.AdminSecret, ttl, e.now())
}

// --- content ---

func (e *Engine) FindOrCreate(ctx context.Context, entry Entry) Result[Identity] {
	return e.dedup.FindOrCreate(ctx, entry)
}

func (e *Engine) Content(ctx context.Context, id int64) Result[*Content] {
	c, err := e.repos.Contents.Get(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return result.NotFound[*Content](fmt.Sprintf("content %d not found", id))
	}
	if err != nil {
		return result.Transient[*Content](err)
	}
	return result.Ok(c)
}

// --- relations ---

func (e *Engine) CreateOrRefresh(ctx context.Context, userID, contentID, subscriptionID int64, ttl time.Duration) Result[int64] {
	return e.relations.CreateOrRefresh(ctx, userID, contentID, subscriptionID, ttl)
}

func (e *Engine) UpdateStatus(ctx context.Context, userID, contentID int64, patch StatusPatch) Result[int64] {
	return e.relations.UpdateStatus(ctx, userID, contentID, patch)
}

func (e *Engine) ExtendExpiry(ctx context.Context, userID, contentID int64, hours int) Result[time.Time] {
	return e.relations.ExtendExpiry(ctx, userID, contentID, hours)
}

func (e *Engine) Visible(ctx context.Context, userID int64, filter RelationFilter) Result[[]VisibleItem] {
	return e.relations.ListVisible(ctx, userID, filter)
}

func (e *Engine) RelationStats(ctx context.Context, userID int64) Result[*RelationStats] {
	return e.relations.Stats(ctx, userID)
}

// Reap deletes expired relations and the orphaned content they leave.
func (e *Engine) Reap(ctx context.Context) Result[ReapReport] {
	return e.relations.ReapExpired(ctx)
}

// --- quota and fetch config ---

func (e *Engine) Quota(ctx context.Context, userID int64) Result[QuotaStatus] {
	return e.ledger.Quota(ctx, userID)
}

func (e *Engine) QuotaHistory(ctx context.Context, userID int64, days int) Result[[]FetchLog] {
	return e.ledger.History(ctx, userID, days)
}

func (e *Engine) AttemptFetch(ctx context.Context, userID int64, kind string) Result[AttemptOutcome] {
	return e.ledger.Attempt(ctx, userID, kind)
}

func (e *Engine) RecordFetchResult(ctx context.Context, userID int64, kind string, success bool) Result[struct{}] {
	return e.ledger.RecordResult(ctx, userID, kind, success)
}

func (e *Engine) ResetQuota(ctx context.Context, userID int64) Result[bool] {
	return e.ledger.Reset(ctx, userID)
}

func (e *Engine) FetchConfig(ctx context.Context, userID int64) Result[*FetchConfig] {
	return e.configs.Get(ctx, userID)
}

func (e *Engine) UpdateFetchConfig(ctx context.Context, userID int64, u ConfigUpdate) Result[*FetchConfig] {
	return e.configs.Update(ctx, userID, u)
}

func (e *Engine) DisableFetchConfig(ctx context.Context, userID int64) Result[*FetchConfig] {
	return e.configs.Disable(ctx, userID)
}

// --- scheduling ---

// FetchNow runs a manual fetch for the user on the calling goroutine.
func (e *Engine) FetchNow(ctx context.Context, userID int64) Result[*Outcome] {
	return e.scheduler.RunUser(ctx, userID)
}

// TriggerFetch queues a manual fetch for a running engine's workers.
func (e *Engine) TriggerFetch(ctx context.Context, userID int64) Result[*Task] {
	return e.scheduler.TriggerUser(ctx, userID)
}

func (e *Engine) Jobs() []JobInfo {
	return e.scheduler.Jobs()
}

func (e *Engine) RunJob(ctx context.Context, name string) Result[JobInfo] {
	return e.scheduler.RunJob(ctx, name)
}

func (e *Engine) Tasks(ctx context.Context, filter TaskFilter) Result[[]Task] {
	return e.scheduler.Tasks(ctx, filter)
}

// --- subscriptions ---

// Subscribe adds a feed for the user. With verify set, the feed is fetched
// once first and an unreachable or unparseable feed is rejected.
func (e *Engine) Subscribe(ctx context.Context, userID int64, rawURL, name string, verify bool) Result[*Subscription] {
	if userID <= 0 {
		return result.Invalid[*Subscription]("user id must be positive")
	}
	u, err := url.Parse(strings.TrimSpace(rawURL))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return result.Invalid[*Subscription]("feed url must be an absolute http(s) URL (got %q)", rawURL)
	}
	sub := &Subscription{UserID: userID, URL: u.String(), CustomName: strings.TrimSpace(name), Platform: feeds.DetectPlatform(u.String())}

	if verify {
		res, err := e.fetcher.Fetch(ctx, *sub)
		if err != nil {
			return result.Invalid[*Subscription]("feed could not be fetched: %v", err)
		}
		if sub.CustomName == "" {
			sub.CustomName = res.FeedTitle
		}
	}

	if _, err := e.repos.Subscriptions.Add(ctx, sub, e.now()); err != nil {
		return result.Transient[*Subscription](err)
	}
	stored, err := e.repos.Subscriptions.Get(ctx, sub.ID)
	if err != nil {
		return result.Transient[*Subscription](err)
	}
	e.logger.Info("Subscribed", "user_id", userID, "url", stored.URL, "platform", stored.Platform)
	return result.Ok(stored)
}

func (e *Engine) Subscriptions(ctx context.Context, userID int64) Result[[]Subscription] {
	subs, err := e.repos.Subscriptions.ListForUser(ctx, userID)
	if err != nil {
		return result.Transient[[]Subscription](err)
	}
	return result.Ok(subs)
}

// SetSubscriptionActive pauses or resumes a feed. Paused feeds are skipped by fetches.
func (e *Engine) SetSubscriptionActive(ctx context.Context, subscriptionID int64, active bool) Result[struct{}] {
	err := e.repos.Subscriptions.SetActive(ctx, subscriptionID, active)
	if errors.Is(err, storage.ErrNotFound) {
		return result.NotFound[struct{}](fmt.Sprintf("subscription %d not found", subscriptionID))
	}
	if err != nil {
		return result.Transient[struct{}](err)
	}
	return result.Ok(struct{}{})
}

// ImportOPML subscribes the user to every feed in the OPML file at path.
func (e *Engine) ImportOPML(ctx context.Context, path string, userID int64) (*ImportResult, error) {
	return feeds.ImportOPML(ctx, path, userID, e.repos.Subscriptions, e.now())
}
