package repository

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/socialfeed/internal/database"
	"github.com/hitoshi/socialfeed/internal/model"
	"github.com/lib/pq"
)

func TestPostgresStore_ImplementsInterfaces(t *testing.T) {
	var _ BatchCommitter = (*PostgresStore)(nil)
	var _ Transactor = (*PostgresStore)(nil)
	var _ UserRepository = (*PostgresUserRepo)(nil)
	var _ PostRepository = (*PostgresPostRepo)(nil)
}

func TestSetUpdateSQL(t *testing.T) {
	tests := []struct {
		name      string
		table     string
		add       bool
		versioned bool
		contains  []string
		excludes  []string
	}{
		{
			name: "投稿への追加", table: "posts", add: true, versioned: true,
			contains: []string{"array_append(likes, $2)", "$2 = ANY(likes)", "version = version + 1"},
			excludes: []string{"updated_at"},
		},
		{
			name: "コメントからの削除", table: "comments", add: false, versioned: false,
			contains: []string{"array_remove(likes, $2)"},
			excludes: []string{"version", "updated_at"},
		},
		{
			name: "ユーザーへの追加", table: "users", add: true, versioned: true,
			contains: []string{"updated_at = now()", "WHERE id = $1"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := setUpdateSQL(tt.table, "likes", tt.add, tt.versioned)
			for _, s := range tt.contains {
				if !strings.Contains(got, s) {
					t.Errorf("%q を含むべき: %s", s, got)
				}
			}
			for _, s := range tt.excludes {
				if strings.Contains(got, s) {
					t.Errorf("%q を含むべきでない: %s", s, got)
				}
			}
		})
	}
}

func TestAsConflict(t *testing.T) {
	err := asConflict(&pq.Error{Code: pqUniqueViolation})
	if !errors.Is(err, ErrConflict) {
		t.Errorf("一意制約違反は競合として扱うべき: %v", err)
	}
	other := errors.New("connection reset")
	if got := asConflict(other); got != other {
		t.Errorf("その他のエラーはそのまま返すべき: %v", got)
	}
}

// setupPostgresStore はマイグレーション済みのテスト用ストアを返す。
// databaseパッケージのテストがテーブルを削除するため、TEST_DATABASE_URLを明示した場合のみ実行する（go test -p 1）。
func setupPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL が未設定のためスキップ")
	}
	db, err := sql.Open("postgres", dbURL)
	if err != nil {
		t.Fatalf("データベースへの接続に失敗: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	if err := db.Ping(); err != nil {
		t.Skipf("テスト用データベースに接続できません（スキップ）: %v", err)
	}
	if _, err := database.RunMigrations(dbURL); err != nil {
		t.Fatalf("マイグレーション実行に失敗: %v", err)
	}
	if _, err := db.Exec(`TRUNCATE users, posts, reposts, comments, notifications, hashtags`); err != nil {
		t.Fatalf("クリーンアップに失敗: %v", err)
	}
	return NewPostgresStore(db, RetryPolicy{MaxAttempts: 1})
}

func TestPostgresStore_BatchAndTransaction(t *testing.T) {
	s := setupPostgresStore(t)
	ctx := context.Background()
	repos := s.Repositories()
	now := time.Now().UTC().Truncate(time.Microsecond)

	if err := repos.Users.Create(ctx, &model.User{ID: "u1", Handle: "alice", CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("ユーザー作成に失敗: %v", err)
	}
	if err := repos.Users.Create(ctx, &model.User{ID: "u2", Handle: "alice"}); !errors.Is(err, ErrDuplicate) {
		t.Errorf("ハンドル重複はErrDuplicateであるべき: %v", err)
	}

	b := NewBatch()
	b.Add(InsertPost{Post: &model.Post{ID: "p1", AuthorID: "u1", Content: "hello #go", Hashtags: []string{"go"}, CreatedAt: now}})
	b.Add(UpdatePostSet{PostID: "p1", Set: SetLikes, UserID: "u2", Add: true})
	b.Add(UpdatePostSet{PostID: "p1", Set: SetLikes, UserID: "u2", Add: true})
	b.Add(SetUserPreference{UserID: "u1", Type: model.NotificationLike, Enabled: false})
	if err := s.Commit(ctx, b); err != nil {
		t.Fatalf("Commit失敗: %v", err)
	}

	p, err := repos.Posts.FindByID(ctx, "p1")
	if err != nil || p == nil {
		t.Fatalf("投稿の取得に失敗: %v", err)
	}
	if len(p.Likes) != 1 || !p.Likes.Has("u2") {
		t.Errorf("いいね集合が不正: %v", p.Likes)
	}
	u, _ := repos.Users.FindByID(ctx, "u1")
	if u.WantsNotification(model.NotificationLike) || !u.WantsNotification(model.NotificationReply) {
		t.Errorf("通知設定が不正: %v", u.NotificationPreferences)
	}

	// 失敗したBatchは何も残さない
	bad := NewBatch()
	bad.Add(UpdatePostSet{PostID: "p1", Set: SetRetweets, UserID: "u3", Add: true})
	bad.Add(DeletePost{PostID: "missing"})
	if err := s.Commit(ctx, bad); !errors.Is(err, ErrNotFound) {
		t.Fatalf("ErrNotFoundであるべき: %v", err)
	}
	p, _ = repos.Posts.FindByID(ctx, "p1")
	if p.Retweets.Has("u3") {
		t.Error("失敗したBatchの一部が反映された")
	}

	// 読み取り後に版数が変わると競合になる
	err = s.RunTransaction(ctx, func(ctx context.Context, tx Tx) error {
		p, err := tx.GetPost(ctx, "p1")
		if err != nil {
			return err
		}
		nb := NewBatch()
		nb.Add(IncrementPostCounter{PostID: "p1", Counter: CounterViews, Delta: 1})
		if err := s.Commit(ctx, nb); err != nil {
			return err
		}
		p.Content = "edited"
		tx.PutPost(p)
		return nil
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("競合が検出されていない: %v", err)
	}

	counts, err := repos.Posts.CountHashtags(ctx)
	if err != nil || counts["go"] != 1 {
		t.Errorf("ハッシュタグ集計が不正: %v %v", counts, err)
	}
}
