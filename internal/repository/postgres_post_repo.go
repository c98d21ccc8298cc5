package repository

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/hitoshi/socialfeed/internal/model"
	"github.com/lib/pq"
)

const postColumns = `id, author_id, author, content, media_url, location, quoted, poll,
	likes, retweets, comments, views, hashtags, created_at, edited_at, version`

// PostgresPostRepo はPostgreSQLを使用した投稿リポジトリ。
type PostgresPostRepo struct {
	db *sql.DB
}

// NewPostgresPostRepo はPostgresPostRepoを生成する。
func NewPostgresPostRepo(db *sql.DB) *PostgresPostRepo {
	return &PostgresPostRepo{db: db}
}

func scanPost(row rowScanner) (*model.Post, error) {
	p := &model.Post{}
	var author, quoted, poll []byte
	var likes, retweets, hashtags pq.StringArray
	var editedAt sql.NullTime

	err := row.Scan(
		&p.ID, &p.AuthorID, &author, &p.Content, &p.MediaURL, &p.Location, &quoted, &poll,
		&likes, &retweets, &p.Comments, &p.Views, &hashtags, &p.CreatedAt, &editedAt, &p.Version,
	)
	if err != nil {
		return nil, err
	}

	if err := decodeJSON(author, &p.Author); err != nil {
		return nil, err
	}
	if len(quoted) > 0 {
		p.Quoted = &model.QuotedPost{}
		if err := decodeJSON(quoted, p.Quoted); err != nil {
			return nil, err
		}
	}
	if len(poll) > 0 {
		p.Poll = &model.Poll{}
		if err := decodeJSON(poll, p.Poll); err != nil {
			return nil, err
		}
	}
	p.Likes = model.IDSet(likes)
	p.Retweets = model.IDSet(retweets)
	p.Hashtags = []string(hashtags)
	if editedAt.Valid {
		p.EditedAt = &editedAt.Time
	}
	return p, nil
}

// postArgs はpostsテーブルへの書き込み引数を列順に返す（versionを除く）。
func postArgs(p *model.Post) ([]any, error) {
	author, err := jsonValue(p.Author)
	if err != nil {
		return nil, err
	}
	var quoted, poll any
	if p.Quoted != nil {
		if quoted, err = jsonValue(p.Quoted); err != nil {
			return nil, err
		}
	}
	if p.Poll != nil {
		if poll, err = jsonValue(p.Poll); err != nil {
			return nil, err
		}
	}
	var editedAt sql.NullTime
	if p.EditedAt != nil {
		editedAt = sql.NullTime{Time: *p.EditedAt, Valid: true}
	}
	return []any{
		p.ID, p.AuthorID, author, p.Content, p.MediaURL, p.Location, quoted, poll,
		stringArray(p.Likes), stringArray(p.Retweets), p.Comments, p.Views, stringArray(p.Hashtags),
		p.CreatedAt, editedAt,
	}, nil
}

func insertPost(ctx context.Context, ex execer, p *model.Post) error {
	args, err := postArgs(p)
	if err != nil {
		return err
	}
	_, err = ex.ExecContext(ctx,
		`INSERT INTO posts (`+postColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, 1)`,
		args...,
	)
	if pqErrorCode(err) == pqUniqueViolation {
		return fmt.Errorf("post %s: %w", p.ID, ErrDuplicate)
	}
	return err
}

// FindByID は指定IDの投稿を取得する。見つからない場合はnilを返す。
func (r *PostgresPostRepo) FindByID(ctx context.Context, id string) (*model.Post, error) {
	return findPostByID(ctx, r.db, id)
}

func findPostByID(ctx context.Context, q queryRower, id string) (*model.Post, error) {
	post, err := scanPost(q.QueryRowContext(ctx,
		`SELECT `+postColumns+` FROM posts WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find post by ID: %w", err)
	}
	return post, nil
}

// FindByIDs は指定IDの投稿を取得する。存在しないIDは結果に含めない。
func (r *PostgresPostRepo) FindByIDs(ctx context.Context, ids []string) ([]*model.Post, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	return r.query(ctx, `SELECT `+postColumns+` FROM posts WHERE id = ANY($1)`, stringArray(ids))
}

// List は (created_at, id) の降順で投稿を返す。
func (r *PostgresPostRepo) List(ctx context.Context, q PostQuery) ([]*model.Post, error) {
	if q.AuthorIDs != nil && len(q.AuthorIDs) == 0 {
		return nil, nil
	}

	var conds []string
	var args []any
	if q.AuthorIDs != nil {
		args = append(args, stringArray(q.AuthorIDs))
		conds = append(conds, fmt.Sprintf("author_id = ANY($%d)", len(args)))
	}
	if c := q.Before; c != nil {
		op := "<"
		if c.Inclusive {
			op = "<="
		}
		args = append(args, c.CreatedAt, c.ID)
		conds = append(conds, fmt.Sprintf("(created_at, id) %s ($%d, $%d)", op, len(args)-1, len(args)))
	}

	query := `SELECT ` + postColumns + ` FROM posts`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if q.Limit > 0 {
		args = append(args, q.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}
	return r.query(ctx, query, args...)
}

func (r *PostgresPostRepo) query(ctx context.Context, query string, args ...any) ([]*model.Post, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query posts: %w", err)
	}
	defer rows.Close()

	var posts []*model.Post
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan post: %w", err)
		}
		posts = append(posts, p)
	}
	return posts, rows.Err()
}

// CountHashtags は生存している投稿のハッシュタグごとの件数を返す。
func (r *PostgresPostRepo) CountHashtags(ctx context.Context) (map[string]int, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT tag, count(*) FROM posts, unnest(hashtags) AS tag GROUP BY tag`)
	if err != nil {
		return nil, fmt.Errorf("failed to count hashtags: %w", err)
	}
	defer rows.Close()

	counts := map[string]int{}
	for rows.Next() {
		var tag string
		var n int
		if err := rows.Scan(&tag, &n); err != nil {
			return nil, fmt.Errorf("failed to scan hashtag count: %w", err)
		}
		counts[tag] = n
	}
	return counts, rows.Err()
}

// compile-time interface check
var _ PostRepository = (*PostgresPostRepo)(nil)
