package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

type relationRepo struct {
	db *DB
}

const relationColumns = `id, user_id, content_id, subscription_id, is_read, is_favorited, read_at,
	personal_tags, expires_at, created_at`

// Upsert creates the relation or refreshes it. expires_at only ever moves
// forward. A relation that had already expired but was not yet reaped starts
// a new window with its personal state cleared, since readers already treat
// it as gone.
func (r *relationRepo) Upsert(ctx context.Context, userID, contentID, subscriptionID int64, expiresAt, now time.Time) (int64, error) {
	now, expiresAt = now.UTC(), expiresAt.UTC()
	var id int64
	err := r.db.WriteTx(ctx, func(tx *sql.Tx) error {
		var one int
		err := tx.QueryRowContext(ctx, "SELECT 1 FROM shared_contents WHERE id = ?", contentID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to check content %d: %w", contentID, err)
		}

		const stale = "user_content_relations.expires_at <= ?"
		err = tx.QueryRowContext(ctx,
			`INSERT INTO user_content_relations (user_id, content_id, subscription_id, expires_at, created_at)
			 VALUES (?, ?, ?, ?, ?)
			 ON CONFLICT(user_id, content_id, subscription_id) DO UPDATE SET
			   is_read = CASE WHEN `+stale+` THEN 0 ELSE user_content_relations.is_read END,
			   is_favorited = CASE WHEN `+stale+` THEN 0 ELSE user_content_relations.is_favorited END,
			   read_at = CASE WHEN `+stale+` THEN NULL ELSE user_content_relations.read_at END,
			   personal_tags = CASE WHEN `+stale+` THEN '[]' ELSE user_content_relations.personal_tags END,
			   created_at = CASE WHEN `+stale+` THEN excluded.created_at ELSE user_content_relations.created_at END,
			   expires_at = MAX(user_content_relations.expires_at, excluded.expires_at)
			 RETURNING id`,
			userID, contentID, subscriptionID, expiresAt, now,
			now, now, now, now, now,
		).Scan(&id)
		if err != nil {
			return fmt.Errorf("failed to upsert relation: %w", err)
		}
		return nil
	})
	return id, err
}

// UpdateStatus applies patch to every unexpired relation between the user
// and the content and returns how many rows changed.
func (r *relationRepo) UpdateStatus(ctx context.Context, userID, contentID int64, patch StatusPatch, now time.Time) (int64, error) {
	if patch.Empty() {
		return 0, nil
	}
	now = now.UTC()

	var sets []string
	var args []any
	if patch.IsRead != nil {
		if *patch.IsRead {
			sets = append(sets, "read_at = CASE WHEN is_read = 1 AND read_at IS NOT NULL THEN read_at ELSE ? END", "is_read = 1")
			args = append(args, now)
		} else {
			sets = append(sets, "read_at = NULL", "is_read = 0")
		}
	}
	if patch.IsFavorited != nil {
		sets = append(sets, "is_favorited = ?")
		args = append(args, *patch.IsFavorited)
	}
	if patch.PersonalTags != nil {
		tags, err := encodeStrings(*patch.PersonalTags)
		if err != nil {
			return 0, err
		}
		sets = append(sets, "personal_tags = ?")
		args = append(args, tags)
	}
	args = append(args, userID, contentID, now)

	var n int64
	err := r.db.WriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"UPDATE user_content_relations SET "+strings.Join(sets, ", ")+
				" WHERE user_id = ? AND content_id = ? AND expires_at > ?", args...)
		if err != nil {
			return fmt.Errorf("failed to update relation status: %w", err)
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

// Extend moves expires_at of the unexpired relations to until, unless they
// already expire later. It returns the resulting latest expiry.
func (r *relationRepo) Extend(ctx context.Context, userID, contentID int64, until, now time.Time) (time.Time, error) {
	now, until = now.UTC(), until.UTC()
	var expires time.Time
	err := r.db.WriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE user_content_relations SET expires_at = MAX(expires_at, ?)
			 WHERE user_id = ? AND content_id = ? AND expires_at > ?`,
			until, userID, contentID, now)
		if err != nil {
			return fmt.Errorf("failed to extend relation: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return tx.QueryRowContext(ctx,
			`SELECT expires_at FROM user_content_relations
			 WHERE user_id = ? AND content_id = ? ORDER BY expires_at DESC LIMIT 1`,
			userID, contentID).Scan(&expires)
	})
	return expires, err
}

// RefreshSubscription advances expires_at of the user's unexpired relations
// that came from the subscription. Used when a feed answers 304.
func (r *relationRepo) RefreshSubscription(ctx context.Context, userID, subscriptionID int64, expiresAt, now time.Time) (int64, error) {
	var n int64
	err := r.db.WriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`UPDATE user_content_relations SET expires_at = MAX(expires_at, ?)
			 WHERE user_id = ? AND subscription_id = ? AND expires_at > ?`,
			expiresAt.UTC(), userID, subscriptionID, now.UTC())
		if err != nil {
			return fmt.Errorf("failed to refresh subscription relations: %w", err)
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

func (r *relationRepo) Get(ctx context.Context, userID, contentID int64, now time.Time) (*Relation, error) {
	row := r.db.db.QueryRowContext(ctx,
		"SELECT "+relationColumns+` FROM user_content_relations
		 WHERE user_id = ? AND content_id = ? AND expires_at > ?
		 ORDER BY expires_at DESC, id LIMIT 1`,
		userID, contentID, now.UTC())
	rel, err := scanRelation(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get relation: %w", err)
	}
	return rel, nil
}

// ListVisible returns one row per visible content item, newest first. When
// several subscriptions produced the same item, the relation expiring last
// represents it.
func (r *relationRepo) ListVisible(ctx context.Context, userID int64, filter RelationFilter, now time.Time) ([]VisibleItem, error) {
	now = now.UTC()
	if filter.Limit <= 0 {
		filter.Limit = 50
	}

	where := []string{"r.user_id = ?", "r.expires_at > ?"}
	args := []any{userID, now}
	if filter.UnreadOnly {
		where = append(where, "r.is_read = 0")
	}
	if filter.FavoritedOnly {
		where = append(where, "r.is_favorited = 1")
	}
	where = append(where, `r.id = (SELECT r2.id FROM user_content_relations r2
		WHERE r2.user_id = r.user_id AND r2.content_id = r.content_id AND r2.expires_at > ?
		ORDER BY r2.expires_at DESC, r2.id LIMIT 1)`)
	args = append(args, now, filter.Limit, filter.Offset)

	query := "SELECT " + prefixColumns(relationColumns, "r") + ", " + prefixColumns(contentColumns, "c") +
		` FROM user_content_relations r JOIN shared_contents c ON c.id = r.content_id
		 WHERE ` + strings.Join(where, " AND ") + `
		 ORDER BY COALESCE(c.published_at, c.created_at) DESC, r.id DESC
		 LIMIT ? OFFSET ?`

	rows, err := r.db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list visible content: %w", err)
	}
	defer rows.Close()

	var out []VisibleItem
	for rows.Next() {
		var item VisibleItem
		if err := scanVisible(rows, &item); err != nil {
			return nil, err
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (r *relationRepo) Stats(ctx context.Context, userID int64, now time.Time) (*RelationStats, error) {
	now = now.UTC()
	stats := &RelationStats{ByPlatform: []PlatformCount{}, BySubscription: []SubscriptionCount{}}

	err := r.db.db.QueryRowContext(ctx,
		`SELECT COUNT(DISTINCT content_id),
		        COUNT(DISTINCT CASE WHEN is_read = 1 THEN content_id END),
		        COUNT(DISTINCT CASE WHEN is_favorited = 1 THEN content_id END)
		 FROM user_content_relations WHERE user_id = ? AND expires_at > ?`,
		userID, now).Scan(&stats.Total, &stats.Read, &stats.Favorited)
	if err != nil {
		return nil, fmt.Errorf("get relation totals: %w", err)
	}
	stats.Unread = stats.Total - stats.Read
	if stats.Total > 0 {
		stats.ReadPercentage = math.Round(float64(stats.Read)/float64(stats.Total)*10000) / 100
	}

	rows, err := r.db.db.QueryContext(ctx,
		`SELECT c.platform, COUNT(DISTINCT r.content_id)
		 FROM user_content_relations r JOIN shared_contents c ON c.id = r.content_id
		 WHERE r.user_id = ? AND r.expires_at > ?
		 GROUP BY c.platform ORDER BY 2 DESC, 1`, userID, now)
	if err != nil {
		return nil, fmt.Errorf("get platform distribution: %w", err)
	}
	for rows.Next() {
		var pc PlatformCount
		if err := rows.Scan(&pc.Platform, &pc.Count); err != nil {
			rows.Close()
			return nil, err
		}
		stats.ByPlatform = append(stats.ByPlatform, pc)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = r.db.db.QueryContext(ctx,
		`SELECT r.subscription_id, COALESCE(NULLIF(s.custom_name, ''), s.url, ''), COUNT(*)
		 FROM user_content_relations r LEFT JOIN subscriptions s ON s.id = r.subscription_id
		 WHERE r.user_id = ? AND r.expires_at > ?
		 GROUP BY r.subscription_id ORDER BY 3 DESC, 1`, userID, now)
	if err != nil {
		return nil, fmt.Errorf("get subscription distribution: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var sc SubscriptionCount
		if err := rows.Scan(&sc.SubscriptionID, &sc.Name, &sc.Count); err != nil {
			return nil, err
		}
		stats.BySubscription = append(stats.BySubscription, sc)
	}
	return stats, rows.Err()
}

// Reap deletes expired relations, then content that no relation references
// and that was created at or before orphanCutoff. Both deletes share one transaction.
func (r *relationRepo) Reap(ctx context.Context, now, orphanCutoff time.Time) (ReapReport, error) {
	var report ReapReport
	err := r.db.WriteTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			"DELETE FROM user_content_relations WHERE expires_at <= ?", now.UTC())
		if err != nil {
			return fmt.Errorf("failed to delete expired relations: %w", err)
		}
		report.Relations, _ = res.RowsAffected()

		res, err = tx.ExecContext(ctx,
			`DELETE FROM shared_contents
			 WHERE created_at <= ?
			   AND NOT EXISTS (SELECT 1 FROM user_content_relations r WHERE r.content_id = shared_contents.id)`,
			orphanCutoff.UTC())
		if err != nil {
			return fmt.Errorf("failed to delete orphaned content: %w", err)
		}
		report.Contents, _ = res.RowsAffected()
		return nil
	})
	return report, err
}

func scanRelation(s rowScanner) (*Relation, error) {
	var rel Relation
	var readAt sql.NullTime
	var tags sql.NullString
	if err := s.Scan(&rel.ID, &rel.UserID, &rel.ContentID, &rel.SubscriptionID, &rel.IsRead,
		&rel.IsFavorited, &readAt, &tags, &rel.ExpiresAt, &rel.CreatedAt); err != nil {
		return nil, err
	}
	if readAt.Valid {
		t := readAt.Time
		rel.ReadAt = &t
	}
	var err error
	if rel.PersonalTags, err = decodeStrings(tags); err != nil {
		return nil, err
	}
	if rel.PersonalTags == nil {
		rel.PersonalTags = []string{}
	}
	return &rel, nil
}

func scanVisible(rows *sql.Rows, item *VisibleItem) error {
	var readAt, published sql.NullTime
	var personal, summary, topics, tags sql.NullString
	rel, c := &item.Relation, &item.Content
	err := rows.Scan(&rel.ID, &rel.UserID, &rel.ContentID, &rel.SubscriptionID, &rel.IsRead,
		&rel.IsFavorited, &readAt, &personal, &rel.ExpiresAt, &rel.CreatedAt,
		&c.ID, &c.Hash, &c.Title, &c.Author, &published, &c.OriginalLink, &c.Platform,
		&c.ContentType, &c.Description, &c.DescriptionText, &c.CoverImage, &summary, &topics, &tags,
		&c.FeedTitle, &c.FeedLink, &c.FeedDescription, &c.FeedImageURL, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return err
	}
	if readAt.Valid {
		t := readAt.Time
		rel.ReadAt = &t
	}
	if published.Valid {
		t := published.Time
		c.PublishedAt = &t
	}
	if summary.Valid {
		c.Summary = &summary.String
	}
	if rel.PersonalTags, err = decodeStrings(personal); err != nil {
		return err
	}
	if rel.PersonalTags == nil {
		rel.PersonalTags = []string{}
	}
	if c.Topics, err = decodeStrings(topics); err != nil {
		return err
	}
	c.Tags, err = decodeStrings(tags)
	return err
}

func prefixColumns(cols, alias string) string {
	parts := strings.Split(cols, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}
