// Package scheduler decides when each user's feeds are due, turns due work
// into persisted fetch tasks and runs them on a bounded worker pool.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/matthewjhunter/courier/internal/quota"
	"github.com/matthewjhunter/courier/internal/relations"
	"github.com/matthewjhunter/courier/internal/result"
	"github.com/matthewjhunter/courier/internal/storage"
)

// Job names.
const (
	JobFetchSweep    = "fetch_sweep"
	JobRetrySweep    = "retry_sweep"
	JobReapExpired   = "reap_expired"
	JobEnrichBacklog = "enrich_backlog"
)

const sweepBatch = 500

// Backlogger processes content that missed live enrichment.
type Backlogger interface {
	Backlog(ctx context.Context) (int, error)
}

// Options tunes a Scheduler. Zero values take defaults.
type Options struct {
	SweepInterval      time.Duration
	DueTolerance       time.Duration
	RetrySweepInterval time.Duration
	ReapInterval       time.Duration
	EnrichInterval     time.Duration
	MaxAttempts        int
	Workers            int
	QueueSize          int
	Now                func() time.Time
	Logger             *slog.Logger
}

func (o *Options) setDefaults() {
	if o.SweepInterval <= 0 {
		o.SweepInterval = time.Minute
	}
	if o.DueTolerance <= 0 {
		o.DueTolerance = time.Minute
	}
	if o.RetrySweepInterval <= 0 {
		o.RetrySweepInterval = 5 * time.Minute
	}
	if o.ReapInterval <= 0 {
		o.ReapInterval = time.Hour
	}
	if o.EnrichInterval <= 0 {
		o.EnrichInterval = 10 * time.Minute
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.Workers <= 0 {
		o.Workers = 2
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// JobInfo describes a periodic job for the admin surface.
type JobInfo struct {
	Name      string     `json:"name"`
	Interval  string     `json:"interval"`
	LastRun   *time.Time `json:"last_run,omitempty"`
	NextRun   time.Time  `json:"next_run"`
	Runs      int        `json:"runs"`
	LastError string     `json:"last_error,omitempty"`
}

type job struct {
	name     string
	interval time.Duration
	run      func(ctx context.Context) error

	lastRun   *time.Time
	nextRun   time.Time
	runs      int
	lastError string
}

// Scheduler owns the periodic jobs and the worker pool. Sweeps enqueue task
// ids; workers execute them. A task id is never queued twice at once.
type Scheduler struct {
	executor  *Executor
	tasks     storage.TaskRepository
	configs   *quota.Configs
	relations *relations.Manager
	backlog   Backlogger
	opts      Options
	logger    *slog.Logger

	queue chan int64

	mu       sync.Mutex
	inflight map[int64]bool
	jobs     []*job

	// lifecycle serializes Start and Stop and guards the fields below it.
	lifecycle   sync.Mutex
	running     bool
	cancelLoops context.CancelFunc
	cancelWork  context.CancelFunc
	quit        chan struct{}
	wg          sync.WaitGroup
}

// New builds a scheduler. backlog may be nil, in which case the
// enrich_backlog job is not registered.
func New(executor *Executor, tasks storage.TaskRepository, configs *quota.Configs, rel *relations.Manager, backlog Backlogger, opts Options) *Scheduler {
	opts.setDefaults()
	s := &Scheduler{
		executor:  executor,
		tasks:     tasks,
		configs:   configs,
		relations: rel,
		backlog:   backlog,
		opts:      opts,
		logger:    opts.Logger.With("component", "scheduler"),
		queue:     make(chan int64, opts.QueueSize),
		inflight:  make(map[int64]bool),
	}

	now := opts.Now()
	s.addJob(JobFetchSweep, opts.SweepInterval, now, func(ctx context.Context) error {
		_, err := s.SweepDue(ctx)
		return err
	})
	s.addJob(JobRetrySweep, opts.RetrySweepInterval, now, func(ctx context.Context) error {
		_, err := s.SweepRetries(ctx)
		return err
	})
	s.addJob(JobReapExpired, opts.ReapInterval, now, func(ctx context.Context) error {
		_, err := s.relations.ReapExpired(ctx).Unwrap()
		return err
	})
	if backlog != nil {
		s.addJob(JobEnrichBacklog, opts.EnrichInterval, now, func(ctx context.Context) error {
			_, err := s.backlog.Backlog(ctx)
			return err
		})
	}
	return s
}

func (s *Scheduler) addJob(name string, interval time.Duration, now time.Time, run func(context.Context) error) {
	s.jobs = append(s.jobs, &job{name: name, interval: interval, run: run, nextRun: now.Add(interval)})
}

// Start recovers tasks a previous process left running, then launches the
// workers and the job loops. It returns once they are running.
//
// Cancelling ctx stops the job loops. Workers outlive ctx so that a task
// already claimed is carried to completion; only Stop ends them. A stopped
// scheduler can be started again.
func (s *Scheduler) Start(ctx context.Context) error {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if s.running {
		return errors.New("scheduler already started")
	}

	recovered, err := s.tasks.RecoverRunning(ctx, s.opts.Now())
	if err != nil {
		return fmt.Errorf("recover interrupted tasks: %w", err)
	}
	if recovered > 0 {
		s.logger.Warn("Recovered interrupted tasks", "count", recovered)
	}

	loopCtx, cancelLoops := context.WithCancel(ctx)
	workCtx, cancelWork := context.WithCancel(context.WithoutCancel(ctx))
	s.running = true
	s.cancelLoops, s.cancelWork = cancelLoops, cancelWork
	s.quit = make(chan struct{})

	for i := 0; i < s.opts.Workers; i++ {
		s.wg.Add(1)
		go s.worker(workCtx, s.quit, i)
	}
	for _, j := range s.jobs {
		s.wg.Add(1)
		go s.loop(loopCtx, j)
	}
	s.logger.Info("Scheduler started", "workers", s.opts.Workers, "jobs", len(s.jobs))

	// Pick up work that was pending before the restart.
	if _, err := s.SweepRetries(loopCtx); err != nil {
		s.logger.Warn("Initial retry sweep failed", "error", err)
	}
	return nil
}

// Stop ends the job loops, lets each worker finish the task it is running
// (its fetch is bounded by the task timeout) and waits for them. Queued
// tasks that no worker picked up stay pending for the next sweep.
func (s *Scheduler) Stop() {
	s.lifecycle.Lock()
	defer s.lifecycle.Unlock()
	if !s.running {
		return
	}
	s.cancelLoops()
	close(s.quit)
	s.wg.Wait()
	s.cancelWork()

	s.mu.Lock()
drain:
	for {
		select {
		case <-s.queue:
		default:
			break drain
		}
	}
	clear(s.inflight)
	s.mu.Unlock()

	s.running = false
	s.cancelLoops, s.cancelWork, s.quit = nil, nil, nil
	s.logger.Info("Scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context, j *job) {
	defer s.wg.Done()
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runJob(ctx, j)
		}
	}
}

func (s *Scheduler) runJob(ctx context.Context, j *job) {
	err := j.run(ctx)
	now := s.opts.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	j.lastRun = &now
	j.nextRun = now.Add(j.interval)
	j.runs++
	j.lastError = ""
	if err != nil {
		j.lastError = err.Error()
		if ctx.Err() == nil {
			s.logger.Error("Job failed", "job", j.name, "error", err)
		}
	}
}

func (s *Scheduler) worker(ctx context.Context, quit <-chan struct{}, n int) {
	defer s.wg.Done()
	for {
		select {
		case <-quit:
			return
		case id := <-s.queue:
			select {
			case <-quit:
				// Not claimed yet; the task stays pending.
				return
			default:
			}
			if _, err := s.executor.Execute(ctx, id); err != nil {
				s.logger.Error("Task execution failed", "worker", n, "task_id", id, "error", err)
			}
			s.mu.Lock()
			delete(s.inflight, id)
			s.mu.Unlock()
		}
	}
}

// dispatch queues id for a worker. It reports false when the id is already
// queued or the queue is full; the next sweep will find the task again.
func (s *Scheduler) dispatch(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight[id] {
		return false
	}
	select {
	case s.queue <- id:
		s.inflight[id] = true
		return true
	default:
		s.logger.Warn("Task queue full, deferring", "task_id", id)
		return false
	}
}

// SweepDue creates a task for every auto-enabled user whose slot is within
// the due tolerance, then queues all fresh pending tasks. It returns how
// many tasks were created. Repeating a sweep inside one slot creates nothing.
func (s *Scheduler) SweepDue(ctx context.Context) (int, error) {
	now := s.opts.Now()
	cfgs, err := s.configs.ListAutoEnabled(ctx)
	if err != nil {
		return 0, err
	}

	created := 0
	var errs []error
	for _, cfg := range cfgs {
		due, ok := IsDue(cfg, now, s.opts.DueTolerance)
		if !ok {
			continue
		}
		t := &storage.Task{
			Key:         AutoTaskKey(cfg.UserID, due),
			UserID:      cfg.UserID,
			Kind:        storage.KindAuto,
			Timezone:    cfg.Timezone,
			ScheduledAt: due,
			MaxAttempts: s.opts.MaxAttempts,
			CreatedAt:   now,
		}
		isNew, err := s.tasks.Create(ctx, t)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if isNew {
			created++
			s.logger.Info("Scheduled automatic fetch", "task", t.Key, "user_id", cfg.UserID, "due", due)
		}
	}

	fresh, err := s.tasks.ListFresh(ctx, now.Add(s.opts.DueTolerance), sweepBatch)
	if err != nil {
		errs = append(errs, err)
	}
	for _, t := range fresh {
		s.dispatch(t.ID)
	}
	return created, errors.Join(errs...)
}

// SweepRetries queues pending tasks whose retry time has passed and returns
// how many were queued.
func (s *Scheduler) SweepRetries(ctx context.Context) (int, error) {
	due, err := s.tasks.ListRetryDue(ctx, s.opts.Now(), sweepBatch)
	if err != nil {
		return 0, err
	}
	queued := 0
	for _, t := range due {
		if s.dispatch(t.ID) {
			queued++
		}
	}
	return queued, nil
}

// CreateManual persists a manual task for the user without queuing it.
func (s *Scheduler) CreateManual(ctx context.Context, userID int64) result.Result[*storage.Task] {
	cfg := s.configs.Get(ctx, userID)
	if !cfg.IsOk() {
		return result.Forward[*storage.Task](cfg)
	}
	if !cfg.Value.IsActive {
		return result.Denied[*storage.Task]("fetch config is inactive")
	}
	now := s.opts.Now()
	t := &storage.Task{
		Key:         ManualTaskKey(userID),
		UserID:      userID,
		Kind:        storage.KindManual,
		Timezone:    cfg.Value.Timezone,
		ScheduledAt: now,
		MaxAttempts: s.opts.MaxAttempts,
		CreatedAt:   now,
	}
	if _, err := s.tasks.Create(ctx, t); err != nil {
		return result.Transient[*storage.Task](err)
	}
	return result.Ok(t)
}

// TriggerUser creates a manual task for the user and queues it.
func (s *Scheduler) TriggerUser(ctx context.Context, userID int64) result.Result[*storage.Task] {
	r := s.CreateManual(ctx, userID)
	if r.IsOk() {
		s.dispatch(r.Value.ID)
		s.logger.Info("Manual fetch triggered", "task", r.Value.Key, "user_id", userID)
	}
	return r
}

// RunUser creates a manual task and executes it on the calling goroutine.
func (s *Scheduler) RunUser(ctx context.Context, userID int64) result.Result[*Outcome] {
	r := s.CreateManual(ctx, userID)
	if !r.IsOk() {
		return result.Forward[*Outcome](r)
	}
	out, err := s.executor.Execute(ctx, r.Value.ID)
	if err != nil {
		return result.Transient[*Outcome](err)
	}
	return result.Ok(out)
}

// TriggerDue runs the fetch sweep now and returns how many tasks it created.
func (s *Scheduler) TriggerDue(ctx context.Context) result.Result[int] {
	n, err := s.SweepDue(ctx)
	if err != nil {
		return result.Transient[int](err)
	}
	return result.Ok(n)
}

// Jobs returns the registered jobs with their next run times.
func (s *Scheduler) Jobs() []JobInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]JobInfo, 0, len(s.jobs))
	for _, j := range s.jobs {
		info := JobInfo{
			Name:      j.name,
			Interval:  j.interval.String(),
			NextRun:   j.nextRun,
			Runs:      j.runs,
			LastError: j.lastError,
		}
		if j.lastRun != nil {
			t := *j.lastRun
			info.LastRun = &t
		}
		out = append(out, info)
	}
	return out
}

// RunJob runs the named job immediately, outside its schedule.
func (s *Scheduler) RunJob(ctx context.Context, name string) result.Result[JobInfo] {
	for _, j := range s.jobs {
		if j.name != name {
			continue
		}
		s.runJob(ctx, j)
		for _, info := range s.Jobs() {
			if info.Name == name {
				return result.Ok(info)
			}
		}
	}
	return result.NotFound[JobInfo](fmt.Sprintf("no job named %q", name))
}

func (s *Scheduler) Tasks(ctx context.Context, filter storage.TaskFilter) result.Result[[]storage.Task] {
	tasks, err := s.tasks.List(ctx, filter)
	if err != nil {
		return result.Transient[[]storage.Task](err)
	}
	if tasks == nil {
		tasks = []storage.Task{}
	}
	return result.Ok(tasks)
}
