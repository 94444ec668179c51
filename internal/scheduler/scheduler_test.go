package scheduler

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/matthewjhunter/courier/internal/dedup"
	"github.com/matthewjhunter/courier/internal/feeds"
	"github.com/matthewjhunter/courier/internal/quota"
	"github.com/matthewjhunter/courier/internal/relations"
	"github.com/matthewjhunter/courier/internal/result"
	"github.com/matthewjhunter/courier/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// stubFetcher serves canned results per feed URL.
type stubFetcher struct {
	mu      sync.Mutex
	results map[string]*feeds.FetchResult
	errs    map[string]error
	calls   map[string]int
}

func newStubFetcher() *stubFetcher {
	return &stubFetcher{
		results: make(map[string]*feeds.FetchResult),
		errs:    make(map[string]error),
		calls:   make(map[string]int),
	}
}

func (f *stubFetcher) Fetch(_ context.Context, sub storage.Subscription) (*feeds.FetchResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[sub.URL]++
	if err := f.errs[sub.URL]; err != nil {
		return nil, err
	}
	if r := f.results[sub.URL]; r != nil {
		return r, nil
	}
	return &feeds.FetchResult{}, nil
}

func (f *stubFetcher) callCount(url string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[url]
}

type fixture struct {
	clock     *clock
	repos     *storage.Repositories
	configs   *quota.Configs
	ledger    *quota.Ledger
	relations *relations.Manager
	fetcher   *stubFetcher
	executor  *Executor
	scheduler *Scheduler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := storage.Open(context.Background(), storage.Options{Path: filepath.Join(t.TempDir(), "scheduler.db")})
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	f := &fixture{clock: &clock{now: t0}, repos: storage.NewRepositories(db), fetcher: newStubFetcher()}
	qopts := quota.Options{DefaultDailyLimit: 10, MaxDailyLimit: 100, DefaultTimezone: "UTC", Now: f.clock.Now}
	f.configs = quota.NewConfigs(f.repos.FetchConfigs, qopts)
	f.ledger = quota.NewLedger(f.configs, f.repos.FetchLogs, qopts)
	f.relations = relations.NewManager(f.repos.Relations, relations.Options{Now: f.clock.Now})

	f.executor = NewExecutor(ExecutorDeps{
		Tasks:         f.repos.Tasks,
		Subscriptions: f.repos.Subscriptions,
		Configs:       f.configs,
		Ledger:        f.ledger,
		Dedup:         dedup.NewEngine(f.repos.Contents, dedup.Options{MaxMediaItems: 10, Now: f.clock.Now}),
		Relations:     f.relations,
		Fetcher:       f.fetcher,
	}, ExecutorOptions{RetryDelay: 10 * time.Minute, Now: f.clock.Now})

	f.scheduler = New(f.executor, f.repos.Tasks, f.configs, f.relations, nil, Options{
		SweepInterval:      time.Hour,
		RetrySweepInterval: time.Hour,
		ReapInterval:       time.Hour,
		DueTolerance:       time.Minute,
		MaxAttempts:        3,
		Workers:            2,
		Now:                f.clock.Now,
	})
	return f
}

func (f *fixture) subscribe(t *testing.T, userID int64, url string) int64 {
	t.Helper()
	id, err := f.repos.Subscriptions.Add(context.Background(), &storage.Subscription{UserID: userID, URL: url}, f.clock.Now())
	require.NoError(t, err)
	return id
}

func (f *fixture) enableAuto(t *testing.T, userID int64, hour int) {
	t.Helper()
	on := true
	r := f.configs.Update(context.Background(), userID, quota.ConfigUpdate{AutoFetchEnabled: &on, PreferredHour: &hour})
	require.True(t, r.IsOk(), r.Reason)
}

func entries(n int, prefix string) *feeds.FetchResult {
	res := &feeds.FetchResult{ETag: `"` + prefix + `"`}
	for i := 0; i < n; i++ {
		res.Entries = append(res.Entries, feeds.Entry{
			Title: fmt.Sprintf("%s entry %d", prefix, i),
			Link:  fmt.Sprintf("https://example.com/%s/%d", prefix, i),
		})
	}
	return res
}

func (f *fixture) manualTask(t *testing.T, userID int64) *storage.Task {
	t.Helper()
	r := f.scheduler.CreateManual(context.Background(), userID)
	require.True(t, r.IsOk(), r.Reason)
	return r.Value
}

func (f *fixture) task(t *testing.T, id int64) *storage.Task {
	t.Helper()
	task, err := f.repos.Tasks.Get(context.Background(), id)
	require.NoError(t, err)
	return task
}

func TestNextDue(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		cfg  storage.FetchConfig
		now  time.Time
		want time.Time
	}{
		{
			name: "later today",
			cfg:  storage.FetchConfig{Frequency: storage.FrequencyDaily, PreferredHour: 9, Timezone: "UTC"},
			now:  time.Date(2026, 3, 10, 7, 0, 0, 0, time.UTC),
			want: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC),
		},
		{
			name: "hour passed rolls to tomorrow",
			cfg:  storage.FetchConfig{Frequency: storage.FrequencyDaily, PreferredHour: 9, Timezone: "UTC"},
			now:  time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC),
			want: time.Date(2026, 3, 11, 9, 0, 0, 0, time.UTC),
		},
		{
			name: "inside tolerance stays today",
			cfg:  storage.FetchConfig{Frequency: storage.FrequencyDaily, PreferredHour: 9, Timezone: "UTC"},
			now:  time.Date(2026, 3, 10, 9, 0, 30, 0, time.UTC),
			want: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC),
		},
		{
			name: "local timezone",
			cfg:  storage.FetchConfig{Frequency: storage.FrequencyDaily, PreferredHour: 9, Timezone: "Asia/Shanghai"},
			now:  time.Date(2026, 3, 10, 2, 0, 0, 0, time.UTC),
			want: time.Date(2026, 3, 11, 1, 0, 0, 0, time.UTC),
		},
		{
			name: "three days aligned to creation date",
			cfg:  storage.FetchConfig{Frequency: storage.FrequencyThreeDays, PreferredHour: 9, Timezone: "UTC", CreatedAt: created},
			now:  time.Date(2026, 3, 5, 8, 0, 0, 0, time.UTC),
			want: time.Date(2026, 3, 7, 9, 0, 0, 0, time.UTC),
		},
		{
			name: "weekly on an aligned day after the hour",
			cfg:  storage.FetchConfig{Frequency: storage.FrequencyWeekly, PreferredHour: 9, Timezone: "UTC", CreatedAt: created},
			now:  time.Date(2026, 3, 8, 10, 0, 0, 0, time.UTC),
			want: time.Date(2026, 3, 15, 9, 0, 0, 0, time.UTC),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := NextDue(tt.cfg, tt.now, time.Minute)
			assert.True(t, got.Equal(tt.want), "got %v, want %v", got, tt.want)
		})
	}
}

func TestIsDue(t *testing.T) {
	cfg := storage.FetchConfig{Frequency: storage.FrequencyDaily, PreferredHour: 9, Timezone: "UTC"}

	_, ok := IsDue(cfg, time.Date(2026, 3, 10, 8, 59, 30, 0, time.UTC), time.Minute)
	assert.True(t, ok)
	_, ok = IsDue(cfg, time.Date(2026, 3, 10, 9, 0, 45, 0, time.UTC), time.Minute)
	assert.True(t, ok)
	_, ok = IsDue(cfg, time.Date(2026, 3, 10, 9, 5, 0, 0, time.UTC), time.Minute)
	assert.False(t, ok)
}

func TestTaskKeys(t *testing.T) {
	due := time.Date(2026, 3, 10, 1, 0, 0, 0, time.FixedZone("CST", 8*3600))
	assert.Equal(t, "auto_42_20260309_17", AutoTaskKey(42, due))

	a, b := ManualTaskKey(42), ManualTaskKey(42)
	assert.True(t, strings.HasPrefix(a, "manual_42_"))
	assert.NotEqual(t, a, b)
}

func TestSweepDueIsIdempotent(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.enableAuto(t, 1, 9)
	f.enableAuto(t, 2, 15)

	f.clock.Advance(20 * time.Second)
	n, err := f.scheduler.SweepDue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	f.clock.Advance(20 * time.Second)
	n, err = f.scheduler.SweepDue(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	tasks := f.scheduler.Tasks(ctx, storage.TaskFilter{})
	require.True(t, tasks.IsOk())
	require.Len(t, tasks.Value, 1)
	task := tasks.Value[0]
	assert.Equal(t, "auto_1_20260310_09", task.Key)
	assert.Equal(t, storage.KindAuto, task.Kind)
	assert.Equal(t, "UTC", task.Timezone)
	assert.Equal(t, 3, task.MaxAttempts)
}

func TestExecuteSuccess(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	subA := f.subscribe(t, 1, "https://a.example.com/feed")
	f.subscribe(t, 1, "https://b.example.com/feed")
	f.fetcher.results["https://a.example.com/feed"] = entries(3, "a")
	f.fetcher.results["https://b.example.com/feed"] = entries(2, "b")

	task := f.manualTask(t, 1)
	out, err := f.executor.Execute(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.TaskSuccess, out.Status)
	assert.Equal(t, 2, out.SuccessCount)
	assert.Equal(t, 2, out.TotalCount)
	assert.Equal(t, 5, out.NewContents)

	stored := f.task(t, task.ID)
	assert.Equal(t, storage.TaskSuccess, stored.Status)
	assert.True(t, stored.QuotaReserved)
	assert.Equal(t, 1, stored.AttemptCount)
	assert.NotNil(t, stored.CompletedAt)

	q := f.ledger.Quota(ctx, 1)
	require.True(t, q.IsOk())
	assert.Equal(t, 1, q.Value.ManualUsed)
	require.NotNil(t, q.Value.LastFetchSuccess)
	assert.True(t, *q.Value.LastFetchSuccess)

	stats := f.relations.Stats(ctx, 1)
	require.True(t, stats.IsOk())
	assert.Equal(t, 5, stats.Value.Total)

	sub, err := f.repos.Subscriptions.Get(ctx, subA)
	require.NoError(t, err)
	assert.Equal(t, `"a"`, sub.ETag)
	assert.Nil(t, sub.LastError)

	// A second user following the same feed shares the content rows.
	f.subscribe(t, 2, "https://a.example.com/feed")
	out, err = f.executor.Execute(ctx, f.manualTask(t, 2).ID)
	require.NoError(t, err)
	assert.Equal(t, storage.TaskSuccess, out.Status)
	assert.Zero(t, out.NewContents)
	n, err := f.repos.Contents.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 5, n)
}

func TestExecutePartialFailureAndInactiveSubscription(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.subscribe(t, 1, "https://ok.example.com/feed")
	f.subscribe(t, 1, "https://down.example.com/feed")
	off := f.subscribe(t, 1, "https://off.example.com/feed")
	require.NoError(t, f.repos.Subscriptions.SetActive(ctx, off, false))

	f.fetcher.results["https://ok.example.com/feed"] = entries(1, "ok")
	f.fetcher.errs["https://down.example.com/feed"] = errors.New("connection refused")

	out, err := f.executor.Execute(ctx, f.manualTask(t, 1).ID)
	require.NoError(t, err)
	assert.Equal(t, storage.TaskSuccess, out.Status)
	assert.Equal(t, 1, out.SuccessCount)
	assert.Equal(t, 2, out.TotalCount)
	assert.Contains(t, out.Message, "connection refused")
	assert.Zero(t, f.fetcher.callCount("https://off.example.com/feed"), "inactive subscriptions are skipped")
}

func TestExecuteRetriesThenFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.subscribe(t, 1, "https://down.example.com/feed")
	f.fetcher.errs["https://down.example.com/feed"] = errors.New("timeout")
	task := f.manualTask(t, 1)

	for attempt := 1; attempt <= 2; attempt++ {
		out, err := f.executor.Execute(ctx, task.ID)
		require.NoError(t, err)
		assert.Equal(t, storage.TaskPending, out.Status, "attempt %d", attempt)

		stored := f.task(t, task.ID)
		assert.Equal(t, storage.TaskPending, stored.Status)
		assert.Equal(t, attempt, stored.AttemptCount)
		require.NotNil(t, stored.NextRetryAt)
		assert.True(t, stored.NextRetryAt.Equal(f.clock.Now().Add(10*time.Minute)))

		f.clock.Advance(10 * time.Minute)
		queued, err := f.scheduler.SweepRetries(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, queued)
		<-f.scheduler.queue
		f.scheduler.inflight = map[int64]bool{}
	}

	out, err := f.executor.Execute(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.TaskFailed, out.Status)

	stored := f.task(t, task.ID)
	assert.Equal(t, storage.TaskFailed, stored.Status)
	assert.Equal(t, 3, stored.AttemptCount)
	assert.Nil(t, stored.NextRetryAt)
	assert.Equal(t, "https://down.example.com/feed: timeout", stored.ErrorMessage)

	queued, err := f.scheduler.SweepRetries(ctx)
	require.NoError(t, err)
	assert.Zero(t, queued)

	again, err := f.executor.Execute(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, again.Skipped)

	q := f.ledger.Quota(ctx, 1)
	require.True(t, q.IsOk())
	assert.Equal(t, 1, q.Value.Used, "retries reuse the first reservation")
}

func TestExecuteQuotaDenied(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	limit := 1
	require.True(t, f.configs.Update(ctx, 1, quota.ConfigUpdate{DailyLimit: &limit}).IsOk())
	f.subscribe(t, 1, "https://a.example.com/feed")
	require.True(t, f.ledger.Attempt(ctx, 1, storage.KindManual).IsOk())

	task := f.manualTask(t, 1)
	out, err := f.executor.Execute(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.TaskFailed, out.Status)
	assert.Equal(t, quota.LimitMessage(1), out.Message)

	stored := f.task(t, task.ID)
	assert.Equal(t, storage.TaskFailed, stored.Status)
	assert.Nil(t, stored.NextRetryAt, "quota denial is not retried")
	assert.False(t, stored.QuotaReserved)
	assert.Zero(t, f.fetcher.callCount("https://a.example.com/feed"), "no fetch without a reservation")
}

func TestExecuteCancelsWhenAutoDisabled(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.enableAuto(t, 1, 9)
	f.subscribe(t, 1, "https://a.example.com/feed")

	n, err := f.scheduler.SweepDue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	task, err := f.repos.Tasks.GetByKey(ctx, "auto_1_20260310_09")
	require.NoError(t, err)

	off := false
	require.True(t, f.configs.Update(ctx, 1, quota.ConfigUpdate{AutoFetchEnabled: &off}).IsOk())

	out, err := f.executor.Execute(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.TaskCancelled, out.Status)
	assert.Zero(t, f.fetcher.callCount("https://a.example.com/feed"))

	q := f.ledger.Quota(ctx, 1)
	require.True(t, q.IsOk())
	assert.Zero(t, q.Value.Used)

	// Manual fetches still work while automatic fetching is off.
	manual, err := f.executor.Execute(ctx, f.manualTask(t, 1).ID)
	require.NoError(t, err)
	assert.Equal(t, storage.TaskSuccess, manual.Status)

	require.True(t, f.configs.Disable(ctx, 1).IsOk())
	denied := f.scheduler.CreateManual(ctx, 1)
	assert.Equal(t, result.KindDenied, denied.Kind)
}

func TestExecuteWithoutSubscriptions(t *testing.T) {
	f := newFixture(t)
	out, err := f.executor.Execute(context.Background(), f.manualTask(t, 1).ID)
	require.NoError(t, err)
	assert.Equal(t, storage.TaskSuccess, out.Status)
	assert.Zero(t, out.TotalCount)
}

func TestExecuteNotModifiedKeepsContentVisible(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.subscribe(t, 1, "https://a.example.com/feed")
	f.fetcher.results["https://a.example.com/feed"] = entries(2, "a")

	_, err := f.executor.Execute(ctx, f.manualTask(t, 1).ID)
	require.NoError(t, err)

	f.clock.Advance(20 * time.Hour)
	f.fetcher.results["https://a.example.com/feed"] = &feeds.FetchResult{NotModified: true}
	out, err := f.executor.Execute(ctx, f.manualTask(t, 1).ID)
	require.NoError(t, err)
	assert.Equal(t, storage.TaskSuccess, out.Status)

	f.clock.Advance(20 * time.Hour)
	stats := f.relations.Stats(ctx, 1)
	require.True(t, stats.IsOk())
	assert.Equal(t, 2, stats.Value.Total)
}

func TestExecuteParallel(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.executor.opts.Parallelism = 4
	for i := 0; i < 6; i++ {
		url := fmt.Sprintf("https://feed%d.example.com/rss", i)
		f.subscribe(t, 1, url)
		f.fetcher.results[url] = entries(3, fmt.Sprintf("f%d", i))
	}

	out, err := f.executor.Execute(ctx, f.manualTask(t, 1).ID)
	require.NoError(t, err)
	assert.Equal(t, storage.TaskSuccess, out.Status)
	assert.Equal(t, 6, out.SuccessCount)
	assert.Equal(t, 18, out.NewContents)
}

func TestSchedulerRunsTriggeredTasks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.subscribe(t, 1, "https://a.example.com/feed")
	f.fetcher.results["https://a.example.com/feed"] = entries(1, "a")

	// A task left running by a crashed process is recovered on start.
	stale := f.manualTask(t, 1)
	claimed, err := f.repos.Tasks.Claim(ctx, stale.ID, f.clock.Now())
	require.NoError(t, err)
	require.True(t, claimed)

	require.NoError(t, f.scheduler.Start(ctx))
	defer f.scheduler.Stop()
	assert.Error(t, f.scheduler.Start(ctx), "second start is rejected")

	r := f.scheduler.TriggerUser(ctx, 1)
	require.True(t, r.IsOk(), r.Reason)

	for _, id := range []int64{stale.ID, r.Value.ID} {
		require.Eventually(t, func() bool {
			task, err := f.repos.Tasks.Get(ctx, id)
			return err == nil && task.Status == storage.TaskSuccess
		}, 5*time.Second, 20*time.Millisecond, "task %d never succeeded", id)
	}
	assert.Equal(t, 2, f.task(t, stale.ID).AttemptCount)
}

func TestJobs(t *testing.T) {
	f := newFixture(t)
	jobs := f.scheduler.Jobs()
	require.Len(t, jobs, 3)
	names := []string{jobs[0].Name, jobs[1].Name, jobs[2].Name}
	assert.Equal(t, []string{JobFetchSweep, JobRetrySweep, JobReapExpired}, names)
	assert.True(t, jobs[0].NextRun.Equal(t0.Add(time.Hour)))
	assert.Nil(t, jobs[0].LastRun)

	r := f.scheduler.RunJob(context.Background(), JobReapExpired)
	require.True(t, r.IsOk())
	assert.Equal(t, 1, r.Value.Runs)
	require.NotNil(t, r.Value.LastRun)

	assert.Equal(t, result.KindNotFound, f.scheduler.RunJob(context.Background(), "nope").Kind)

	withBacklog := New(f.executor, f.repos.Tasks, f.configs, f.relations, backlogFunc(func(context.Context) (int, error) { return 0, nil }), Options{Now: f.clock.Now})
	assert.Len(t, withBacklog.Jobs(), 4)
}

type backlogFunc func(context.Context) (int, error)

func (b backlogFunc) Backlog(ctx context.Context) (int, error) { return b(ctx) }

// gateFetcher signals when the first fetch starts, then takes delay to
// answer unless its context ends first.
type gateFetcher struct {
	started chan struct{}
	once    sync.Once
	delay   time.Duration
}

func newGateFetcher(delay time.Duration) *gateFetcher {
	return &gateFetcher{started: make(chan struct{}), delay: delay}
}

func (g *gateFetcher) Fetch(ctx context.Context, sub storage.Subscription) (*feeds.FetchResult, error) {
	g.once.Do(func() { close(g.started) })
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-time.After(g.delay):
		return entries(1, "gate"), nil
	}
}

// flakyTasks fails the next n Finish calls.
type flakyTasks struct {
	storage.TaskRepository
	mu          sync.Mutex
	finishFails int
}

func (f *flakyTasks) Finish(ctx context.Context, id int64, status string, successCount, totalCount int, errMsg string, now time.Time) (bool, error) {
	f.mu.Lock()
	if f.finishFails > 0 {
		f.finishFails--
		f.mu.Unlock()
		return false, errors.New("database is locked")
	}
	f.mu.Unlock()
	return f.TaskRepository.Finish(ctx, id, status, successCount, totalCount, errMsg, now)
}

func TestExecuteReleasesTaskAfterBookkeepingError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.subscribe(t, 1, "https://a.example.com/feed")
	f.fetcher.results["https://a.example.com/feed"] = entries(1, "a")
	task := f.manualTask(t, 1)

	deps := f.executor.ExecutorDeps
	deps.Tasks = &flakyTasks{TaskRepository: f.repos.Tasks, finishFails: 1}
	exec := NewExecutor(deps, f.executor.opts)

	_, err := exec.Execute(ctx, task.ID)
	require.Error(t, err)

	stored := f.task(t, task.ID)
	assert.Equal(t, storage.TaskPending, stored.Status, "a claimed task is not left running")
	require.NotNil(t, stored.NextRetryAt)
	assert.True(t, stored.NextRetryAt.Equal(f.clock.Now().Add(10*time.Minute)))
	assert.True(t, stored.QuotaReserved)

	f.clock.Advance(10 * time.Minute)
	queued, err := f.scheduler.SweepRetries(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, queued)

	out, err := exec.Execute(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.TaskSuccess, out.Status)
	assert.Equal(t, 2, f.task(t, task.ID).AttemptCount)

	q := f.ledger.Quota(ctx, 1)
	require.True(t, q.IsOk())
	assert.Equal(t, 1, q.Value.Used, "the retry reuses the first reservation")
}

func TestExecuteSettlesTaskWhenCallerCancels(t *testing.T) {
	f := newFixture(t)
	f.subscribe(t, 1, "https://slow.example.com/feed")
	gate := newGateFetcher(time.Minute)
	f.executor.Fetcher = gate
	task := f.manualTask(t, 1)

	ctx, cancel := context.WithCancel(context.Background())
	type ret struct {
		out *Outcome
		err error
	}
	done := make(chan ret, 1)
	go func() {
		out, err := f.executor.Execute(ctx, task.ID)
		done <- ret{out, err}
	}()
	<-gate.started
	cancel()

	r := <-done
	require.NoError(t, r.err)
	assert.Equal(t, storage.TaskPending, r.out.Status)

	stored := f.task(t, task.ID)
	assert.Equal(t, storage.TaskPending, stored.Status)
	assert.NotNil(t, stored.NextRetryAt)
	assert.True(t, stored.QuotaReserved)
}

func TestStopLetsRunningTasksFinish(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.subscribe(t, 1, "https://slow.example.com/feed")
	gate := newGateFetcher(200 * time.Millisecond)
	f.executor.Fetcher = gate

	require.NoError(t, f.scheduler.Start(ctx))
	r := f.scheduler.TriggerUser(ctx, 1)
	require.True(t, r.IsOk(), r.Reason)
	<-gate.started
	f.scheduler.Stop()

	stored := f.task(t, r.Value.ID)
	assert.Equal(t, storage.TaskSuccess, stored.Status)
	assert.Equal(t, 1, stored.AttemptCount)
	q := f.ledger.Quota(ctx, 1)
	require.True(t, q.IsOk())
	assert.Equal(t, 1, q.Value.Used)

	// A stopped scheduler starts again.
	require.NoError(t, f.scheduler.Start(ctx))
	assert.Error(t, f.scheduler.Start(ctx))
	f.scheduler.Stop()
	f.scheduler.Stop()
}

func TestTaskTimezonePicksQuotaDay(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.subscribe(t, 1, "https://a.example.com/feed")

	// 18:00 UTC on the 10th is 02:00 on the 11th in Shanghai.
	f.clock.Advance(9 * time.Hour)
	task := f.manualTask(t, 1)
	require.Equal(t, "UTC", task.Timezone)

	tz := "Asia/Shanghai"
	require.True(t, f.configs.Update(ctx, 1, quota.ConfigUpdate{Timezone: &tz}).IsOk())

	out, err := f.executor.Execute(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, storage.TaskSuccess, out.Status)

	charged, err := f.repos.FetchLogs.Get(ctx, 1, "2026-03-10")
	require.NoError(t, err)
	assert.Equal(t, 1, charged.FetchCount)
	assert.Equal(t, 1, charged.ManualFetchCount)

	_, err = f.repos.FetchLogs.Get(ctx, 1, "2026-03-11")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
