package dispatch

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aftionix/jobboard-realtime/notify"
)

// Repository handles database operations for notifications.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// Create inserts a notification row. The id must already be assigned; it is
// the deduplication key across redeliveries.
func (r *Repository) Create(ctx context.Context, n *notify.Notification) error {
	data, err := json.Marshal(n.Data)
	if err != nil {
		return fmt.Errorf("encode notification data: %w", err)
	}

	query := `
		INSERT INTO notifications (id, recipient_id, type, title, message, is_read, data, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`
	_, err = r.db.ExecContext(ctx, query,
		n.ID, n.RecipientID, n.Type, n.Title, n.Message, n.IsRead, data, n.CreatedAt,
	)
	return err
}

// ListRecent returns the user's backlog, newest first, bounded by limit.
func (r *Repository) ListRecent(ctx context.Context, userID string, limit int) ([]*notify.Notification, error) {
	query := `
		SELECT id, recipient_id, type, title, message, is_read, data, created_at
		FROM notifications WHERE recipient_id = $1
		ORDER BY created_at DESC LIMIT $2
	`
	rows, err := r.db.QueryContext(ctx, query, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*notify.Notification
	for rows.Next() {
		var n notify.Notification
		var data []byte
		if err := rows.Scan(&n.ID, &n.RecipientID, &n.Type, &n.Title, &n.Message, &n.IsRead, &data, &n.CreatedAt); err != nil {
			return nil, err
		}
		if len(data) > 0 {
			if err := json.Unmarshal(data, &n.Data); err != nil {
				return nil, fmt.Errorf("decode notification data: %w", err)
			}
		}
		out = append(out, &n)
	}
	return out, rows.Err()
}

// MarkRead sets is_read for one notification. The recipient check keeps one
// user from acking another's rows.
func (r *Repository) MarkRead(ctx context.Context, userID, id string) error {
	query := `UPDATE notifications SET is_read = TRUE WHERE id = $1 AND recipient_id = $2`
	_, err := r.db.ExecContext(ctx, query, id, userID)
	return err
}

// MarkAllRead sets is_read on every unread row for the user.
func (r *Repository) MarkAllRead(ctx context.Context, userID string) error {
	query := `UPDATE notifications SET is_read = TRUE WHERE recipient_id = $1 AND is_read = FALSE`
	_, err := r.db.ExecContext(ctx, query, userID)
	return err
}

// MarkReadByType sets is_read on the user's unread rows of one type.
func (r *Repository) MarkReadByType(ctx context.Context, userID string, t notify.Type) error {
	query := `UPDATE notifications SET is_read = TRUE WHERE recipient_id = $1 AND type = $2 AND is_read = FALSE`
	_, err := r.db.ExecContext(ctx, query, userID, t)
	return err
}

// UnreadCount returns the user's server-side unread total.
func (r *Repository) UnreadCount(ctx context.Context, userID string) (int, error) {
	var count int
	query := `SELECT COUNT(*) FROM notifications WHERE recipient_id = $1 AND is_read = FALSE`
	err := r.db.QueryRowContext(ctx, query, userID).Scan(&count)
	return count, err
}

// StatsByType returns the authoritative per-type read/unread aggregate. It
// reflects the full server-side history, not just what any client holds.
func (r *Repository) StatsByType(ctx context.Context, userID string) (notify.Stats, error) {
	query := `
		SELECT type, is_read, COUNT(*)
		FROM notifications WHERE recipient_id = $1
		GROUP BY type, is_read
	`
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := make(notify.Stats)
	for rows.Next() {
		var t notify.Type
		var isRead bool
		var count int
		if err := rows.Scan(&t, &isRead, &count); err != nil {
			return nil, err
		}
		s := stats[t]
		if isRead {
			s.Read += count
		} else {
			s.Unread += count
		}
		stats[t] = s
	}
	return stats, rows.Err()
}

// DeleteOlderThan prunes read notifications past the retention window and
// returns the number of rows removed.
func (r *Repository) DeleteOlderThan(ctx context.Context, age time.Duration) (int64, error) {
	query := `DELETE FROM notifications WHERE is_read = TRUE AND created_at < $1`
	res, err := r.db.ExecContext(ctx, query, time.Now().Add(-age))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
