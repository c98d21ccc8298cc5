package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"maps"
	"slices"
	"time"

	"github.com/hitoshi/socialfeed/internal/model"
)

// PostgresStore はPostgreSQL上でBatchの確定と楽観的トランザクションを提供する。
type PostgresStore struct {
	db    *sql.DB
	retry RetryPolicy
	now   func() time.Time
}

// NewPostgresStore はPostgresStoreを生成する。
func NewPostgresStore(db *sql.DB, retry RetryPolicy) *PostgresStore {
	return &PostgresStore{db: db, retry: retry, now: time.Now}
}

// Repositories はこのストアを使うリポジトリ一式を返す。
func (s *PostgresStore) Repositories() *Repositories {
	return &Repositories{
		Users:         NewPostgresUserRepo(s.db),
		Posts:         NewPostgresPostRepo(s.db),
		Reposts:       NewPostgresRepostRepo(s.db),
		Comments:      NewPostgresCommentRepo(s.db),
		Notifications: NewPostgresNotificationRepo(s.db),
		Hashtags:      NewPostgresHashtagRepo(s.db),
		Batches:       s,
		Tx:            s,
	}
}

// Commit はBatchの全操作を1つのSQLトランザクションで適用する。
func (s *PostgresStore) Commit(ctx context.Context, b *Batch) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, op := range b.Ops() {
		if err := execOp(ctx, tx, op); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// RunTransaction はfnを実行し、書き込み対象の版数が読み取り時から変わっていなければ確定する。
func (s *PostgresStore) RunTransaction(ctx context.Context, fn TxFunc) error {
	return s.retry.run(ctx, func(ctx context.Context) error {
		tx := &postgresTx{
			db:       s.db,
			users:    map[string]*model.User{},
			posts:    map[string]*model.Post{},
			hashtags: map[string]*model.Hashtag{},
		}
		if err := fn(ctx, tx); err != nil {
			return err
		}
		return tx.commit(ctx, s.now())
	})
}

// postgresTx は読み取りをDBから直接行い、書き込みを確定時まで保留する。
type postgresTx struct {
	db       *sql.DB
	users    map[string]*model.User
	posts    map[string]*model.Post
	hashtags map[string]*model.Hashtag
	ops      []Op
}

func (t *postgresTx) Add(op Op) { t.ops = append(t.ops, op) }

func (t *postgresTx) GetUser(ctx context.Context, id string) (*model.User, error) {
	if u, ok := t.users[id]; ok {
		return u.Clone(), nil
	}
	return findUserByID(ctx, t.db, id)
}

func (t *postgresTx) GetPost(ctx context.Context, id string) (*model.Post, error) {
	if p, ok := t.posts[id]; ok {
		return p.Clone(), nil
	}
	return findPostByID(ctx, t.db, id)
}

func (t *postgresTx) GetHashtag(ctx context.Context, name string) (*model.Hashtag, error) {
	if h, ok := t.hashtags[name]; ok {
		c := *h
		return &c, nil
	}
	return findHashtag(ctx, t.db, name)
}

func (t *postgresTx) PutUser(u *model.User)       { t.users[u.ID] = u }
func (t *postgresTx) PutPost(p *model.Post)       { t.posts[p.ID] = p }
func (t *postgresTx) PutHashtag(h *model.Hashtag) { t.hashtags[h.Name] = h }

// commit は保留中の書き込みを版数条件付きで適用する。
// 行ロックの取得順を揃えるため、キーの昇順で書き込む。
func (t *postgresTx) commit(ctx context.Context, now time.Time) error {
	tx, err := t.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, id := range slices.Sorted(maps.Keys(t.users)) {
		if err := writeUser(ctx, tx, t.users[id], now); err != nil {
			return asConflict(err)
		}
	}
	for _, id := range slices.Sorted(maps.Keys(t.posts)) {
		if err := writePost(ctx, tx, t.posts[id]); err != nil {
			return asConflict(err)
		}
	}
	for _, name := range slices.Sorted(maps.Keys(t.hashtags)) {
		if err := writeHashtag(ctx, tx, t.hashtags[name], now); err != nil {
			return asConflict(err)
		}
	}
	for _, op := range t.ops {
		if err := execOp(ctx, tx, op); err != nil {
			return err
		}
	}

	if err := tx.Commit(); err != nil {
		return asConflict(fmt.Errorf("failed to commit transaction: %w", err))
	}
	return nil
}

// asConflict は一意制約違反・直列化失敗・デッドロックを競合として扱う。
func asConflict(err error) error {
	switch pqErrorCode(err) {
	case pqUniqueViolation, pqSerializationFailure, "40P01":
		return fmt.Errorf("%v: %w", err, ErrConflict)
	}
	return err
}

func writeUser(ctx context.Context, tx *sql.Tx, u *model.User, now time.Time) error {
	c := u.Clone()
	c.UpdatedAt = now
	if c.Version == 0 {
		if c.CreatedAt.IsZero() {
			c.CreatedAt = now
		}
		return insertUser(ctx, tx, c)
	}
	args, err := userArgs(c)
	if err != nil {
		return err
	}
	args = append(args, c.Version)
	err = conditional(tx.ExecContext(ctx,
		`UPDATE users SET display_name = $2, handle = $3, bio = $4, avatar_url = $5, banner_url = $6,
		        verification = $7, following = $8, followers = $9, blocked = $10, blocked_by = $11,
		        pinned_post_id = $12, collections = $13, notification_preferences = $14,
		        created_at = $15, updated_at = $16, version = version + 1
		 WHERE id = $1 AND version = $17`,
		args...,
	))
	if pqErrorCode(err) == pqUniqueViolation {
		// ハンドルの変更先が既に使われている
		return fmt.Errorf("%v: %w", err, ErrDuplicate)
	}
	return err
}

func writePost(ctx context.Context, tx *sql.Tx, p *model.Post) error {
	if p.Version == 0 {
		err := insertPost(ctx, tx, p)
		if errors.Is(err, ErrDuplicate) {
			return ErrConflict
		}
		return err
	}
	args, err := postArgs(p)
	if err != nil {
		return err
	}
	args = append(args, p.Version)
	return conditional(tx.ExecContext(ctx,
		`UPDATE posts SET author_id = $2, author = $3, content = $4, media_url = $5, location = $6,
		        quoted = $7, poll = $8, likes = $9, retweets = $10, comments = $11, views = $12,
		        hashtags = $13, created_at = $14, edited_at = $15, version = version + 1
		 WHERE id = $1 AND version = $16`,
		args...,
	))
}

func writeHashtag(ctx context.Context, tx *sql.Tx, h *model.Hashtag, now time.Time) error {
	if h.Version == 0 {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO hashtags (name, count, updated_at, version) VALUES ($1, $2, $3, 1)`,
			h.Name, h.Count, now,
		)
		return err
	}
	return conditional(tx.ExecContext(ctx,
		`UPDATE hashtags SET count = $2, updated_at = $3, version = version + 1
		 WHERE name = $1 AND version = $4`,
		h.Name, h.Count, now, h.Version,
	))
}

// conditional は版数条件付き更新が0件の場合にErrConflictを返す。
func conditional(res sql.Result, err error) error {
	if err := expectRows(res, err); err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrConflict
		}
		return err
	}
	return nil
}

// compile-time interface check
var (
	_ BatchCommitter = (*PostgresStore)(nil)
	_ Transactor     = (*PostgresStore)(nil)
)
