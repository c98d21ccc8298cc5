package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/socialfeed/internal/model"
)

const notificationColumns = `id, to_user_id, from_user_id, from_user, type, payload, read, created_at`

// PostgresNotificationRepo はPostgreSQLを使用した通知リポジトリ。
type PostgresNotificationRepo struct {
	db *sql.DB
}

// NewPostgresNotificationRepo はPostgresNotificationRepoを生成する。
func NewPostgresNotificationRepo(db *sql.DB) *PostgresNotificationRepo {
	return &PostgresNotificationRepo{db: db}
}

func scanNotification(row rowScanner) (*model.Notification, error) {
	n := &model.Notification{}
	var from, payload []byte
	err := row.Scan(&n.ID, &n.ToUserID, &n.FromUserID, &from, &n.Type, &payload, &n.Read, &n.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := decodeJSON(from, &n.From); err != nil {
		return nil, err
	}
	if err := decodeJSON(payload, &n.Payload); err != nil {
		return nil, err
	}
	return n, nil
}

// insertNotification は通知を作成する。同じIDが既にあれば何もしない。
func insertNotification(ctx context.Context, ex execer, n *model.Notification) error {
	from, err := jsonValue(n.From)
	if err != nil {
		return err
	}
	payload, err := jsonValue(n.Payload)
	if err != nil {
		return err
	}
	_, err = ex.ExecContext(ctx,
		`INSERT INTO notifications (`+notificationColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		 ON CONFLICT (id) DO NOTHING`,
		n.ID, n.ToUserID, n.FromUserID, from, string(n.Type), payload, n.Read, n.CreatedAt,
	)
	return err
}

// ListByUser は受信者の通知を作成日時の降順で返す。
func (r *PostgresNotificationRepo) ListByUser(ctx context.Context, userID string, before *NotificationCursor, limit int) ([]*model.Notification, error) {
	query := `SELECT ` + notificationColumns + ` FROM notifications WHERE to_user_id = $1`
	args := []any{userID}
	if before != nil {
		args = append(args, before.CreatedAt, before.ID)
		query += " AND (created_at, id) < ($2, $3)"
	}
	query += " ORDER BY created_at DESC, id DESC"
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	defer rows.Close()

	var out []*model.Notification
	for rows.Next() {
		n, err := scanNotification(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan notification: %w", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// CountUnread は未読件数を返す。
func (r *PostgresNotificationRepo) CountUnread(ctx context.Context, userID string) (int, error) {
	var n int
	err := r.db.QueryRowContext(ctx,
		`SELECT count(*) FROM notifications WHERE to_user_id = $1 AND NOT read`, userID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count unread notifications: %w", err)
	}
	return n, nil
}

// MarkRead は受信者本人の指定通知を既読にし、更新件数を返す。
func (r *PostgresNotificationRepo) MarkRead(ctx context.Context, userID string, ids []string) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	n, err := rowsAffected(r.db.ExecContext(ctx,
		`UPDATE notifications SET read = TRUE WHERE to_user_id = $1 AND id = ANY($2) AND NOT read`,
		userID, stringArray(ids),
	))
	if err != nil {
		return 0, fmt.Errorf("failed to mark notifications read: %w", err)
	}
	return n, nil
}

// MarkAllRead は受信者の全通知を既読にし、更新件数を返す。
func (r *PostgresNotificationRepo) MarkAllRead(ctx context.Context, userID string) (int, error) {
	n, err := rowsAffected(r.db.ExecContext(ctx,
		`UPDATE notifications SET read = TRUE WHERE to_user_id = $1 AND NOT read`, userID,
	))
	if err != nil {
		return 0, fmt.Errorf("failed to mark all notifications read: %w", err)
	}
	return n, nil
}

// compile-time interface check
var _ NotificationRepository = (*PostgresNotificationRepo)(nil)
