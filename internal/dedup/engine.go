// Package dedup turns normalized feed entries into shared content rows,
// storing each distinct title and link pair once for every user.
package dedup

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/matthewjhunter/courier/internal/feeds"
	"github.com/matthewjhunter/courier/internal/result"
	"github.com/matthewjhunter/courier/internal/storage"
)

// Identity is the outcome of FindOrCreate.
type Identity struct {
	ContentID int64 `json:"content_id"`
	IsNew     bool  `json:"is_new"`
}

// Options configures an Engine.
type Options struct {
	MaxMediaItems  int
	TrackingParams []string
	Now            func() time.Time
	Logger         *slog.Logger
}

type Engine struct {
	contents       storage.ContentRepository
	maxMedia       int
	trackingParams []string
	now            func() time.Time
	logger         *slog.Logger
}

func NewEngine(contents storage.ContentRepository, opts Options) *Engine {
	if opts.TrackingParams == nil {
		opts.TrackingParams = DefaultTrackingParams
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Engine{
		contents:       contents,
		maxMedia:       opts.MaxMediaItems,
		trackingParams: opts.TrackingParams,
		now:            opts.Now,
		logger:         opts.Logger.With("component", "dedup"),
	}
}

// HashEntry returns the content hash for e, or false if the entry has
// neither a title nor a link.
func (e *Engine) HashEntry(entry feeds.Entry) (string, bool) {
	title := NormalizeTitle(entry.Title)
	link := NormalizeLink(entry.Link, e.trackingParams)
	if title == "" && link == "" {
		return "", false
	}
	return Hash(title, link), true
}

// FindOrCreate returns the id of the shared content matching entry,
// inserting it when no row carries its hash. A concurrent insert of the
// same hash is resolved by reading the winner's row once; a second miss
// is reported as transient.
func (e *Engine) FindOrCreate(ctx context.Context, entry feeds.Entry) result.Result[Identity] {
	hash, ok := e.HashEntry(entry)
	if !ok {
		return result.Invalid[Identity]("entry has neither title nor link")
	}

	id, err := e.contents.IDByHash(ctx, hash)
	switch {
	case err == nil:
		return result.Ok(Identity{ContentID: id})
	case !errors.Is(err, storage.ErrNotFound):
		return result.Transient[Identity](fmt.Errorf("lookup content %s: %w", hash, err))
	}

	c := e.contentFor(entry, hash)
	id, err = e.contents.Insert(ctx, c, e.now())
	if err == nil {
		return result.Ok(Identity{ContentID: id, IsNew: true})
	}
	if !errors.Is(err, storage.ErrDuplicate) {
		return result.Transient[Identity](fmt.Errorf("insert content %s: %w", hash, err))
	}

	e.logger.Debug("Lost content insert race, re-reading", "hash", hash)
	id, err = e.contents.IDByHash(ctx, hash)
	if err != nil {
		return result.Transient[Identity](fmt.Errorf("re-read content %s after duplicate insert: %w", hash, err))
	}
	return result.Ok(Identity{ContentID: id})
}

func (e *Engine) contentFor(entry feeds.Entry, hash string) *storage.Content {
	media := entry.Media
	if e.maxMedia > 0 && len(media) > e.maxMedia {
		media = media[:e.maxMedia]
	}
	media = append([]storage.MediaItem(nil), media...)
	for i := range media {
		media[i].SortOrder = i
	}

	contentType := entry.ContentType
	if contentType == "" {
		contentType = feeds.ContentTypeFor(media)
	}
	cover := entry.CoverImage
	if cover == "" {
		cover = feeds.CoverImageFor(media)
	}
	platform := entry.Platform
	if platform == "" {
		platform = feeds.PlatformOther
	}
	descText := entry.DescriptionText
	if descText == "" {
		descText = feeds.PlainText(entry.Description)
	}

	return &storage.Content{
		Hash:            hash,
		Title:           entry.Title,
		Author:          entry.Author,
		PublishedAt:     entry.PublishedAt,
		OriginalLink:    entry.Link,
		Platform:        platform,
		ContentType:     contentType,
		Description:     entry.Description,
		DescriptionText: descText,
		CoverImage:      cover,
		FeedTitle:       entry.FeedTitle,
		FeedLink:        entry.FeedLink,
		FeedDescription: entry.FeedDescription,
		FeedImageURL:    entry.FeedImageURL,
		Media:           media,
	}
}
