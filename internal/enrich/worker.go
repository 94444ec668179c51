package enrich

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/matthewjhunter/courier/internal/storage"
)

// WorkerOptions configures a Worker.
type WorkerOptions struct {
	QueueSize int
	BatchSize int
	Now       func() time.Time
	Logger    *slog.Logger
}

// Worker enriches content in the background. New content ids arrive through
// Enqueue; rows missed by the queue are picked up by Backlog.
type Worker struct {
	contents  storage.ContentRepository
	enricher  Enricher
	queue     chan int64
	batchSize int
	now       func() time.Time
	logger    *slog.Logger
}

func NewWorker(contents storage.ContentRepository, enricher Enricher, opts WorkerOptions) *Worker {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 128
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 20
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Worker{
		contents:  contents,
		enricher:  enricher,
		queue:     make(chan int64, opts.QueueSize),
		batchSize: opts.BatchSize,
		now:       opts.Now,
		logger:    opts.Logger.With("component", "enrich"),
	}
}

// Enqueue schedules contentID without blocking. It reports false when the
// queue is full; the backlog job will reach the row later.
func (w *Worker) Enqueue(contentID int64) bool {
	select {
	case w.queue <- contentID:
		return true
	default:
		w.logger.Debug("Enrichment queue full, deferring to backlog", "content_id", contentID)
		return false
	}
}

// Run drains the queue until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case id := <-w.queue:
			if err := w.EnrichOne(ctx, id); err != nil && !errors.Is(err, storage.ErrNotFound) {
				w.logger.Warn("Enrichment failed", "content_id", id, "error", err)
			}
		}
	}
}

// EnrichOne enriches a single content row. Rows that already have a summary
// are left alone.
func (w *Worker) EnrichOne(ctx context.Context, contentID int64) error {
	c, err := w.contents.Get(ctx, contentID)
	if err != nil {
		return err
	}
	if c.Summary != nil {
		return nil
	}
	return w.enrich(ctx, c)
}

func (w *Worker) enrich(ctx context.Context, c *storage.Content) error {
	out, err := w.enricher.Enrich(ctx, InputFor(c))
	if err != nil {
		return fmt.Errorf("enrich content %d: %w", c.ID, err)
	}
	if err := w.contents.SetEnrichment(ctx, c.ID, out.Summary, out.Topics, out.Tags, w.now()); err != nil {
		return fmt.Errorf("store enrichment for content %d: %w", c.ID, err)
	}
	w.logger.Debug("Enriched content", "content_id", c.ID, "tags", len(out.Tags))
	return nil
}

// Backlog enriches one batch of rows that have no summary and returns how
// many were processed. Rows that fail stay in the backlog.
func (w *Worker) Backlog(ctx context.Context) (int, error) {
	pending, err := w.contents.ListUnenriched(ctx, w.batchSize)
	if err != nil {
		return 0, err
	}
	done := 0
	for i := range pending {
		if ctx.Err() != nil {
			return done, ctx.Err()
		}
		if err := w.enrich(ctx, &pending[i]); err != nil {
			w.logger.Warn("Backlog enrichment failed", "content_id", pending[i].ID, "error", err)
			continue
		}
		done++
	}
	if done > 0 {
		w.logger.Info("Enriched backlog", "processed", done, "batch", len(pending))
	}
	return done, nil
}
