package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/socialfeed/internal/model"
	"github.com/lib/pq"
)

const commentColumns = `id, post_id, parent_comment_id, author_id, author, content,
	likes, retweets, replies, created_at`

// PostgresCommentRepo はPostgreSQLを使用したコメントリポジトリ。
type PostgresCommentRepo struct {
	db *sql.DB
}

// NewPostgresCommentRepo はPostgresCommentRepoを生成する。
func NewPostgresCommentRepo(db *sql.DB) *PostgresCommentRepo {
	return &PostgresCommentRepo{db: db}
}

func scanComment(row rowScanner) (*model.Comment, error) {
	c := &model.Comment{}
	var author []byte
	var likes, retweets pq.StringArray
	err := row.Scan(
		&c.ID, &c.PostID, &c.ParentCommentID, &c.AuthorID, &author, &c.Content,
		&likes, &retweets, &c.Replies, &c.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	if err := decodeJSON(author, &c.Author); err != nil {
		return nil, err
	}
	c.Likes = model.IDSet(likes)
	c.Retweets = model.IDSet(retweets)
	return c, nil
}

func insertComment(ctx context.Context, ex execer, c *model.Comment) error {
	author, err := jsonValue(c.Author)
	if err != nil {
		return err
	}
	_, err = ex.ExecContext(ctx,
		`INSERT INTO comments (`+commentColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		c.ID, c.PostID, c.ParentCommentID, c.AuthorID, author, c.Content,
		stringArray(c.Likes), stringArray(c.Retweets), c.Replies, c.CreatedAt,
	)
	if pqErrorCode(err) == pqUniqueViolation {
		return fmt.Errorf("comment %s: %w", c.ID, ErrDuplicate)
	}
	return err
}

// FindByID は指定IDのコメントを取得する。見つからない場合はnilを返す。
func (r *PostgresCommentRepo) FindByID(ctx context.Context, id string) (*model.Comment, error) {
	c, err := scanComment(r.db.QueryRowContext(ctx,
		`SELECT `+commentColumns+` FROM comments WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find comment by ID: %w", err)
	}
	return c, nil
}

// ListByPost は投稿のコメントを作成日時の昇順で返す。
func (r *PostgresCommentRepo) ListByPost(ctx context.Context, postID string) ([]*model.Comment, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+commentColumns+` FROM comments WHERE post_id = $1 ORDER BY created_at, id`,
		postID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list comments: %w", err)
	}
	defer rows.Close()

	var comments []*model.Comment
	for rows.Next() {
		c, err := scanComment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan comment: %w", err)
		}
		comments = append(comments, c)
	}
	return comments, rows.Err()
}

// compile-time interface check
var _ CommentRepository = (*PostgresCommentRepo)(nil)
