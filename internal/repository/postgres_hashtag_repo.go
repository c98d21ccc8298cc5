package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/socialfeed/internal/model"
)

// PostgresHashtagRepo はPostgreSQLを使用したハッシュタグ集計リポジトリ。
type PostgresHashtagRepo struct {
	db *sql.DB
}

// NewPostgresHashtagRepo はPostgresHashtagRepoを生成する。
func NewPostgresHashtagRepo(db *sql.DB) *PostgresHashtagRepo {
	return &PostgresHashtagRepo{db: db}
}

func findHashtag(ctx context.Context, q queryRower, name string) (*model.Hashtag, error) {
	h := &model.Hashtag{}
	err := q.QueryRowContext(ctx,
		`SELECT name, count, updated_at, version FROM hashtags WHERE name = $1`, name,
	).Scan(&h.Name, &h.Count, &h.UpdatedAt, &h.Version)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find hashtag: %w", err)
	}
	return h, nil
}

// FindByName は指定名のハッシュタグを取得する。見つからない場合はnilを返す。
func (r *PostgresHashtagRepo) FindByName(ctx context.Context, name string) (*model.Hashtag, error) {
	return findHashtag(ctx, r.db, name)
}

// ListTop は件数の降順（同数は名前の昇順）で件数が正のハッシュタグを返す。
func (r *PostgresHashtagRepo) ListTop(ctx context.Context, limit int) ([]*model.Hashtag, error) {
	return r.query(ctx,
		`SELECT name, count, updated_at, version FROM hashtags
		 WHERE count > 0 ORDER BY count DESC, name ASC LIMIT $1`,
		limit,
	)
}

// ListAll は全ハッシュタグを返す。
func (r *PostgresHashtagRepo) ListAll(ctx context.Context) ([]*model.Hashtag, error) {
	return r.query(ctx, `SELECT name, count, updated_at, version FROM hashtags ORDER BY name`)
}

func (r *PostgresHashtagRepo) query(ctx context.Context, query string, args ...any) ([]*model.Hashtag, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query hashtags: %w", err)
	}
	defer rows.Close()

	var tags []*model.Hashtag
	for rows.Next() {
		h := &model.Hashtag{}
		if err := rows.Scan(&h.Name, &h.Count, &h.UpdatedAt, &h.Version); err != nil {
			return nil, fmt.Errorf("failed to scan hashtag: %w", err)
		}
		tags = append(tags, h)
	}
	return tags, rows.Err()
}

// compile-time interface check
var _ HashtagRepository = (*PostgresHashtagRepo)(nil)
