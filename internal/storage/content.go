package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type contentRepo struct {
	db *DB
}

const contentColumns = `id, content_hash, title, author, published_at, original_link, platform,
	content_type, description, description_text, cover_image, summary, topics, tags,
	feed_title, feed_link, feed_description, feed_image_url, created_at, updated_at`

func (r *contentRepo) IDByHash(ctx context.Context, hash string) (int64, error) {
	var id int64
	err := r.db.db.QueryRowContext(ctx, "SELECT id FROM shared_contents WHERE content_hash = ?", hash).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("get content by hash: %w", err)
	}
	return id, nil
}

// Insert stores c and its media in one transaction. A content_hash that is
// already present yields ErrDuplicate.
func (r *contentRepo) Insert(ctx context.Context, c *Content, now time.Time) (int64, error) {
	now = now.UTC()
	var id int64
	err := r.db.WriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO shared_contents
			 (content_hash, title, author, published_at, original_link, platform, content_type,
			  description, description_text, cover_image, feed_title, feed_link, feed_description,
			  feed_image_url, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			c.Hash, c.Title, c.Author, utcPtr(c.PublishedAt), c.OriginalLink, c.Platform, c.ContentType,
			c.Description, c.DescriptionText, c.CoverImage, c.FeedTitle, c.FeedLink, c.FeedDescription,
			c.FeedImageURL, now, now,
		)
		if err != nil {
			if IsUniqueViolation(err) {
				return ErrDuplicate
			}
			return fmt.Errorf("failed to insert content: %w", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to get content id: %w", err)
		}

		for i, m := range c.Media {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO media_items (content_id, url, media_type, description, duration, sort_order)
				 VALUES (?, ?, ?, ?, ?, ?)`,
				id, m.URL, m.Type, m.Description, m.Duration, i,
			); err != nil {
				return fmt.Errorf("failed to insert media item %d: %w", i, err)
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	c.ID = id
	c.CreatedAt, c.UpdatedAt = now, now
	return id, nil
}

func (r *contentRepo) Get(ctx context.Context, id int64) (*Content, error) {
	row := r.db.db.QueryRowContext(ctx, "SELECT "+contentColumns+" FROM shared_contents WHERE id = ?", id)
	c, err := scanContent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get content %d: %w", id, err)
	}
	media, err := r.media(ctx, id)
	if err != nil {
		return nil, err
	}
	c.Media = media
	return c, nil
}

func (r *contentRepo) media(ctx context.Context, contentID int64) ([]MediaItem, error) {
	rows, err := r.db.db.QueryContext(ctx,
		`SELECT url, media_type, description, duration, sort_order
		 FROM media_items WHERE content_id = ? ORDER BY sort_order`, contentID)
	if err != nil {
		return nil, fmt.Errorf("get media for content %d: %w", contentID, err)
	}
	defer rows.Close()

	items := []MediaItem{}
	for rows.Next() {
		var m MediaItem
		if err := rows.Scan(&m.URL, &m.Type, &m.Description, &m.Duration, &m.SortOrder); err != nil {
			return nil, err
		}
		items = append(items, m)
	}
	return items, rows.Err()
}

// ListUnenriched returns the oldest content rows that have no summary yet.
func (r *contentRepo) ListUnenriched(ctx context.Context, limit int) ([]Content, error) {
	rows, err := r.db.db.QueryContext(ctx,
		"SELECT "+contentColumns+" FROM shared_contents WHERE summary IS NULL ORDER BY id LIMIT ?", limit)
	if err != nil {
		return nil, fmt.Errorf("list unenriched content: %w", err)
	}
	defer rows.Close()

	var out []Content
	for rows.Next() {
		c, err := scanContent(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// SetEnrichment writes the enrichment fields. Nothing else on the row changes.
func (r *contentRepo) SetEnrichment(ctx context.Context, id int64, summary string, topics, tags []string, now time.Time) error {
	topicsJSON, err := encodeStrings(topics)
	if err != nil {
		return err
	}
	tagsJSON, err := encodeStrings(tags)
	if err != nil {
		return err
	}
	return r.db.WriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"UPDATE shared_contents SET summary = ?, topics = ?, tags = ?, updated_at = ? WHERE id = ?",
			summary, topicsJSON, tagsJSON, now.UTC(), id)
		if err != nil {
			return fmt.Errorf("failed to update enrichment: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

func (r *contentRepo) Count(ctx context.Context) (int, error) {
	var n int
	if err := r.db.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM shared_contents").Scan(&n); err != nil {
		return 0, fmt.Errorf("count content: %w", err)
	}
	return n, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanContent(s rowScanner) (*Content, error) {
	var c Content
	var published sql.NullTime
	var summary, topics, tags sql.NullString
	err := s.Scan(&c.ID, &c.Hash, &c.Title, &c.Author, &published, &c.OriginalLink, &c.Platform,
		&c.ContentType, &c.Description, &c.DescriptionText, &c.CoverImage, &summary, &topics, &tags,
		&c.FeedTitle, &c.FeedLink, &c.FeedDescription, &c.FeedImageURL, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if published.Valid {
		t := published.Time
		c.PublishedAt = &t
	}
	if summary.Valid {
		c.Summary = &summary.String
	}
	if c.Topics, err = decodeStrings(topics); err != nil {
		return nil, err
	}
	if c.Tags, err = decodeStrings(tags); err != nil {
		return nil, err
	}
	return &c, nil
}

func encodeStrings(v []string) (string, error) {
	if v == nil {
		v = []string{}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("failed to encode string list: %w", err)
	}
	return string(b), nil
}

func decodeStrings(s sql.NullString) ([]string, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	var out []string
	if err := json.Unmarshal([]byte(s.String), &out); err != nil {
		return nil, fmt.Errorf("failed to decode string list: %w", err)
	}
	return out, nil
}

func utcPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
