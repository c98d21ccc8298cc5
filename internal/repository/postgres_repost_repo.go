package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/hitoshi/socialfeed/internal/model"
)

const repostColumns = `id, user_id, post_id, original_post_author_id, created_at`

// PostgresRepostRepo はPostgreSQLを使用した再投稿リポジトリ。
type PostgresRepostRepo struct {
	db *sql.DB
}

// NewPostgresRepostRepo はPostgresRepostRepoを生成する。
func NewPostgresRepostRepo(db *sql.DB) *PostgresRepostRepo {
	return &PostgresRepostRepo{db: db}
}

func scanRepost(row rowScanner) (*model.Repost, error) {
	rp := &model.Repost{}
	if err := row.Scan(&rp.ID, &rp.UserID, &rp.PostID, &rp.OriginalPostAuthorID, &rp.CreatedAt); err != nil {
		return nil, err
	}
	return rp, nil
}

// List は (created_at, post_id, user_id) の降順で再投稿を返す。
func (r *PostgresRepostRepo) List(ctx context.Context, q RepostQuery) ([]*model.Repost, error) {
	if q.UserIDs != nil && len(q.UserIDs) == 0 {
		return nil, nil
	}

	var conds []string
	var args []any
	if q.UserIDs != nil {
		args = append(args, stringArray(q.UserIDs))
		conds = append(conds, fmt.Sprintf("user_id = ANY($%d)", len(args)))
	}
	if c := q.Before; c != nil {
		args = append(args, c.CreatedAt, c.PostID, c.UserID)
		conds = append(conds, fmt.Sprintf("(created_at, post_id, user_id) < ($%d, $%d, $%d)", len(args)-2, len(args)-1, len(args)))
	}

	query := `SELECT ` + repostColumns + ` FROM reposts`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, post_id DESC, user_id DESC"
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return r.query(ctx, query, args...)
}

func (r *PostgresRepostRepo) query(ctx context.Context, query string, args ...any) ([]*model.Repost, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query reposts: %w", err)
	}
	defer rows.Close()

	var reposts []*model.Repost
	for rows.Next() {
		rp, err := scanRepost(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan repost: %w", err)
		}
		reposts = append(reposts, rp)
	}
	return reposts, rows.Err()
}

// FindByUserAndPost はユーザーと投稿の組で再投稿を検索する。見つからない場合はnilを返す。
func (r *PostgresRepostRepo) FindByUserAndPost(ctx context.Context, userID, postID string) (*model.Repost, error) {
	rp, err := scanRepost(r.db.QueryRowContext(ctx,
		`SELECT `+repostColumns+` FROM reposts WHERE user_id = $1 AND post_id = $2`,
		userID, postID,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find repost: %w", err)
	}
	return rp, nil
}

// ListOrphans は参照先の投稿が存在しない再投稿を返す。
func (r *PostgresRepostRepo) ListOrphans(ctx context.Context, limit int) ([]*model.Repost, error) {
	return r.query(ctx,
		`SELECT r.id, r.user_id, r.post_id, r.original_post_author_id, r.created_at
		 FROM reposts r
		 LEFT JOIN posts p ON p.id = r.post_id
		 WHERE p.id IS NULL
		 ORDER BY r.created_at DESC, r.post_id DESC, r.user_id DESC
		 LIMIT $1`,
		limit,
	)
}

// compile-time interface check
var _ RepostRepository = (*PostgresRepostRepo)(nil)
