package repository

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/hitoshi/socialfeed/internal/model"
	"github.com/lib/pq"
)

const userColumns = `id, display_name, handle, bio, avatar_url, banner_url, verification,
	following, followers, blocked, blocked_by, pinned_post_id,
	collections, notification_preferences, created_at, updated_at, version`

// PostgresUserRepo はPostgreSQLを使用したユーザーリポジトリ。
type PostgresUserRepo struct {
	db *sql.DB
}

// NewPostgresUserRepo はPostgresUserRepoを生成する。
func NewPostgresUserRepo(db *sql.DB) *PostgresUserRepo {
	return &PostgresUserRepo{db: db}
}

func scanUser(row rowScanner) (*model.User, error) {
	u := &model.User{}
	var following, followers, blocked, blockedBy pq.StringArray
	var pinned sql.NullString
	var collections, prefs []byte

	err := row.Scan(
		&u.ID, &u.DisplayName, &u.Handle, &u.Bio, &u.AvatarURL, &u.BannerURL, &u.Verification,
		&following, &followers, &blocked, &blockedBy, &pinned,
		&collections, &prefs, &u.CreatedAt, &u.UpdatedAt, &u.Version,
	)
	if err != nil {
		return nil, err
	}

	u.Following = model.IDSet(following)
	u.Followers = model.IDSet(followers)
	u.Blocked = model.IDSet(blocked)
	u.BlockedBy = model.IDSet(blockedBy)
	u.PinnedPostID = nullStringValue(pinned)
	if err := decodeJSON(collections, &u.Collections); err != nil {
		return nil, err
	}
	if err := decodeJSON(prefs, &u.NotificationPreferences); err != nil {
		return nil, err
	}
	return u, nil
}

// userArgs はusersテーブルへの書き込み引数を列順に返す（versionを除く）。
func userArgs(u *model.User) ([]any, error) {
	collections, err := jsonValue(u.Collections)
	if err != nil {
		return nil, err
	}
	prefs := u.NotificationPreferences
	if prefs == nil {
		prefs = map[model.NotificationType]bool{}
	}
	prefsJSON, err := jsonValue(prefs)
	if err != nil {
		return nil, err
	}
	if u.Collections == nil {
		collections = "[]"
	}
	verification := u.Verification
	if verification == "" {
		verification = model.VerificationNone
	}
	return []any{
		u.ID, u.DisplayName, u.Handle, u.Bio, u.AvatarURL, u.BannerURL, string(verification),
		stringArray(u.Following), stringArray(u.Followers), stringArray(u.Blocked), stringArray(u.BlockedBy),
		nullString(u.PinnedPostID), collections, prefsJSON, u.CreatedAt, u.UpdatedAt,
	}, nil
}

// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByID(ctx context.Context, id string) (*model.User, error) {
	return findUserByID(ctx, r.db, id)
}

type queryRower interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func findUserByID(ctx context.Context, q queryRower, id string) (*model.User, error) {
	user, err := scanUser(q.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user by ID: %w", err)
	}
	return user, nil
}

// FindByIDs は指定IDのユーザーを取得する。存在しないIDは結果に含めない。
func (r *PostgresUserRepo) FindByIDs(ctx context.Context, ids []string) ([]*model.User, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE id = ANY($1)`, stringArray(ids))
	if err != nil {
		return nil, fmt.Errorf("failed to find users by IDs: %w", err)
	}
	defer rows.Close()

	var users []*model.User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan user: %w", err)
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// FindByHandle は正規化済みハンドルでユーザーを検索する。見つからない場合はnilを返す。
func (r *PostgresUserRepo) FindByHandle(ctx context.Context, handle string) (*model.User, error) {
	user, err := scanUser(r.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE handle = $1`, handle))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find user by handle: %w", err)
	}
	return user, nil
}

// Create はユーザーを作成する。IDまたはハンドルが重複する場合はErrDuplicateを返す。
func (r *PostgresUserRepo) Create(ctx context.Context, user *model.User) error {
	if err := insertUser(ctx, r.db, user); err != nil {
		if pqErrorCode(err) == pqUniqueViolation {
			return fmt.Errorf("user %s: %w", user.ID, ErrDuplicate)
		}
		return fmt.Errorf("failed to insert user: %w", err)
	}
	user.Version = 1
	return nil
}

func insertUser(ctx context.Context, ex execer, u *model.User) error {
	args, err := userArgs(u)
	if err != nil {
		return err
	}
	_, err = ex.ExecContext(ctx,
		`INSERT INTO users (`+userColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, 1)`,
		args...,
	)
	return err
}

// compile-time interface check
var _ UserRepository = (*PostgresUserRepo)(nil)
