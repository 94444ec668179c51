package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/matthewjhunter/courier/internal/dedup"
	"github.com/matthewjhunter/courier/internal/feeds"
	"github.com/matthewjhunter/courier/internal/quota"
	"github.com/matthewjhunter/courier/internal/relations"
	"github.com/matthewjhunter/courier/internal/result"
	"github.com/matthewjhunter/courier/internal/storage"
	"golang.org/x/sync/errgroup"
)

// Fetcher retrieves and normalizes one subscription's feed.
type Fetcher interface {
	Fetch(ctx context.Context, sub storage.Subscription) (*feeds.FetchResult, error)
}

// Enqueuer receives ids of newly created content for enrichment.
type Enqueuer interface {
	Enqueue(contentID int64) bool
}

// Outcome summarizes one execution of a task.
type Outcome struct {
	TaskID       int64  `json:"task_id"`
	TaskKey      string `json:"task_key"`
	Status       string `json:"status"`
	Attempt      int    `json:"attempt"`
	SuccessCount int    `json:"success_count"`
	TotalCount   int    `json:"total_count"`
	NewContents  int    `json:"new_contents"`
	Entries      int    `json:"entries"`
	Message      string `json:"message,omitempty"`
	Skipped      bool   `json:"skipped,omitempty"`
}

// ExecutorDeps are the collaborators an Executor drives.
type ExecutorDeps struct {
	Tasks         storage.TaskRepository
	Subscriptions storage.SubscriptionRepository
	Configs       *quota.Configs
	Ledger        *quota.Ledger
	Dedup         *dedup.Engine
	Relations     *relations.Manager
	Fetcher       Fetcher
	Enqueuer      Enqueuer
}

// ExecutorOptions tunes an Executor.
type ExecutorOptions struct {
	RetryDelay  time.Duration
	Parallelism int
	TaskTimeout time.Duration
	Now         func() time.Time
	Logger      *slog.Logger
}

// Executor runs one fetch task through claim, quota, fetch and bookkeeping.
type Executor struct {
	ExecutorDeps
	opts   ExecutorOptions
	now    func() time.Time
	logger *slog.Logger
}

func NewExecutor(deps ExecutorDeps, opts ExecutorOptions) *Executor {
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 10 * time.Minute
	}
	if opts.Parallelism <= 0 {
		opts.Parallelism = 1
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Executor{
		ExecutorDeps: deps,
		opts:         opts,
		now:          opts.Now,
		logger:       opts.Logger.With("component", "executor"),
	}
}

// Execute claims the task and runs it once. A task that is not pending, or
// that another worker claimed first, is reported as skipped. The returned
// error covers bookkeeping failures only; fetch failures are part of the
// Outcome.
//
// Cancelling ctx stops the fetch work but not the writes that settle the
// task, so a claimed task never stays running because its caller went away.
// If settling fails anyway the task is put back to pending for a retry.
func (e *Executor) Execute(ctx context.Context, taskID int64) (*Outcome, error) {
	claimed, err := e.Tasks.Claim(ctx, taskID, e.now())
	if err != nil {
		return nil, fmt.Errorf("claim task %d: %w", taskID, err)
	}
	book := context.WithoutCancel(ctx)
	task, err := e.Tasks.Get(book, taskID)
	if err != nil {
		err = fmt.Errorf("load task %d: %w", taskID, err)
		if claimed {
			e.release(book, &storage.Task{ID: taskID}, &Outcome{TaskID: taskID}, err, e.logger.With("task_id", taskID))
		}
		return nil, err
	}
	if !claimed {
		return &Outcome{TaskID: task.ID, TaskKey: task.Key, Status: task.Status, Attempt: task.AttemptCount, Skipped: true}, nil
	}

	log := e.logger.With("task", task.Key, "user_id", task.UserID, "attempt", task.AttemptCount)
	out := &Outcome{TaskID: task.ID, TaskKey: task.Key, Attempt: task.AttemptCount}

	res, err := e.run(ctx, book, task, out, log)
	if err != nil {
		e.release(book, task, out, err, log)
		return nil, err
	}
	return res, nil
}

func (e *Executor) run(ctx, book context.Context, task *storage.Task, out *Outcome, log *slog.Logger) (*Outcome, error) {
	// The timeout bounds the fetch work only.
	runCtx := ctx
	if e.opts.TaskTimeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, e.opts.TaskTimeout)
		defer cancel()
	}

	cfg := e.Configs.Get(book, task.UserID)
	if !cfg.IsOk() {
		return e.fail(book, task, out, fmt.Sprintf("load fetch config: %s", cfg.Reason), log)
	}
	switch {
	case !cfg.Value.IsActive:
		return e.cancel(book, task, out, "fetch config is inactive", log)
	case task.Kind == storage.KindAuto && !cfg.Value.AutoFetchEnabled:
		return e.cancel(book, task, out, "automatic fetching was disabled after scheduling", log)
	}

	if !task.QuotaReserved {
		attempt := e.Ledger.AttemptForTask(book, task)
		switch attempt.Kind {
		case result.KindOk:
		case result.KindDenied, result.KindNotFound:
			return e.finish(book, task, out, storage.TaskFailed, attempt.Reason, log)
		default:
			return e.fail(book, task, out, attempt.Reason, log)
		}
	}

	subs, err := e.Subscriptions.ListForUser(book, task.UserID)
	if err != nil {
		return e.fail(book, task, out, fmt.Sprintf("list subscriptions: %v", err), log)
	}
	active := subs[:0]
	for _, s := range subs {
		if s.IsActive {
			active = append(active, s)
		}
	}
	out.TotalCount = len(active)

	var (
		mu       sync.Mutex
		failures []string
	)
	fetch := func(sub storage.Subscription) {
		stats, err := e.fetchSubscription(runCtx, book, task, sub)
		mu.Lock()
		defer mu.Unlock()
		out.NewContents += stats.newContents
		out.Entries += stats.entries
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", sub.URL, err))
			log.Warn("Subscription fetch failed", "subscription_id", sub.ID, "url", sub.URL, "error", err)
			return
		}
		out.SuccessCount++
	}

	if e.opts.Parallelism == 1 {
		for _, sub := range active {
			fetch(sub)
		}
	} else {
		var g errgroup.Group
		g.SetLimit(e.opts.Parallelism)
		for _, sub := range active {
			g.Go(func() error {
				fetch(sub)
				return nil
			})
		}
		g.Wait()
	}

	success := out.TotalCount == 0 || out.SuccessCount > 0
	if rr := e.Ledger.RecordResultInZone(book, task.UserID, task.Kind, success, task.Timezone); !rr.IsOk() {
		log.Warn("Failed to record fetch result", "error", rr.Reason)
	}

	msg := strings.Join(failures, "; ")
	if success {
		return e.finish(book, task, out, storage.TaskSuccess, msg, log)
	}
	return e.fail(book, task, out, msg, log)
}

// release returns a claimed task to pending after a bookkeeping error, or
// fails it when no attempts are left.
func (e *Executor) release(ctx context.Context, task *storage.Task, out *Outcome, cause error, log *slog.Logger) {
	now := e.now()
	msg := cause.Error()
	next := now.Add(e.opts.RetryDelay)
	ok, err := e.Tasks.ScheduleRetry(ctx, task.ID, next, out.SuccessCount, out.TotalCount, msg, now)
	if err == nil && !ok {
		ok, err = e.Tasks.Finish(ctx, task.ID, storage.TaskFailed, out.SuccessCount, out.TotalCount, msg, now)
	}
	switch {
	case err != nil:
		log.Error("Failed to release task", "error", err, "cause", cause)
	case ok:
		log.Warn("Released task after bookkeeping error", "next_retry_at", next, "error", cause)
	}
}

type fetchStats struct {
	entries     int
	newContents int
}

// fetchSubscription pulls one feed and binds every entry to the user.
// Entry-level failures other than malformed input fail the subscription
// after the remaining entries have been processed.
//
// Only the network fetch runs under ctx; the writes use book.
func (e *Executor) fetchSubscription(ctx, book context.Context, task *storage.Task, sub storage.Subscription) (fetchStats, error) {
	var stats fetchStats
	res, err := e.Fetcher.Fetch(ctx, sub)
	if err != nil {
		if rerr := e.Subscriptions.RecordFetch(book, sub.ID, sub.ETag, sub.LastModified, err, e.now()); rerr != nil {
			e.logger.Warn("Failed to record fetch error", "subscription_id", sub.ID, "error", rerr)
		}
		return stats, err
	}

	if res.NotModified {
		if r := e.Relations.RefreshSubscription(book, task.UserID, sub.ID); !r.IsOk() {
			return stats, fmt.Errorf("refresh relations: %s", r.Reason)
		}
	}

	var entryErr error
	for _, entry := range res.Entries {
		stats.entries++
		id := e.Dedup.FindOrCreate(book, entry)
		if id.IsInvalid() {
			continue
		}
		if !id.IsOk() {
			entryErr = errors.Join(entryErr, errors.New(id.Reason))
			continue
		}
		if id.Value.IsNew {
			stats.newContents++
			if e.Enqueuer != nil {
				e.Enqueuer.Enqueue(id.Value.ContentID)
			}
		}
		if rel := e.Relations.CreateOrRefresh(book, task.UserID, id.Value.ContentID, sub.ID, 0); !rel.IsOk() {
			entryErr = errors.Join(entryErr, errors.New(rel.Reason))
		}
	}

	if err := e.Subscriptions.RecordFetch(book, sub.ID, res.ETag, res.LastModified, entryErr, e.now()); err != nil {
		return stats, fmt.Errorf("record fetch: %w", err)
	}
	return stats, entryErr
}

func (e *Executor) finish(ctx context.Context, task *storage.Task, out *Outcome, status, msg string, log *slog.Logger) (*Outcome, error) {
	if _, err := e.Tasks.Finish(ctx, task.ID, status, out.SuccessCount, out.TotalCount, msg, e.now()); err != nil {
		return nil, fmt.Errorf("finish task %d: %w", task.ID, err)
	}
	out.Status, out.Message = status, msg
	if status == storage.TaskSuccess {
		log.Info("Task succeeded", "succeeded", out.SuccessCount, "total", out.TotalCount, "new_contents", out.NewContents)
	} else {
		log.Warn("Task failed", "reason", msg)
	}
	return out, nil
}

// fail schedules a retry while attempts remain and fails the task for good otherwise.
func (e *Executor) fail(ctx context.Context, task *storage.Task, out *Outcome, msg string, log *slog.Logger) (*Outcome, error) {
	if msg == "" {
		msg = "no subscription fetched successfully"
	}
	if task.AttemptCount >= task.MaxAttempts {
		return e.finish(ctx, task, out, storage.TaskFailed, msg, log)
	}
	next := e.now().Add(e.opts.RetryDelay)
	if _, err := e.Tasks.ScheduleRetry(ctx, task.ID, next, out.SuccessCount, out.TotalCount, msg, e.now()); err != nil {
		return nil, fmt.Errorf("schedule retry for task %d: %w", task.ID, err)
	}
	out.Status, out.Message = storage.TaskPending, msg
	log.Info("Task will be retried", "next_retry_at", next, "reason", msg)
	return out, nil
}

func (e *Executor) cancel(ctx context.Context, task *storage.Task, out *Outcome, reason string, log *slog.Logger) (*Outcome, error) {
	if _, err := e.Tasks.Cancel(ctx, task.ID, reason, e.now()); err != nil {
		return nil, fmt.Errorf("cancel task %d: %w", task.ID, err)
	}
	out.Status, out.Message = storage.TaskCancelled, reason
	log.Info("Task cancelled", "reason", reason)
	return out, nil
}
