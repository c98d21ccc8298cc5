// Package repository はデータ永続化のインターフェースと実装を提供する。
//
// 書き込みは2種類のプリミティブだけで行う。
//   - Batch: 前提条件を読み直さない全件成功/全件失敗の書き込み（集合の和・差、カウンタ増減）
//   - Transactor: 読み取った版数を条件に書き込み、競合時は自動で再試行する楽観的トランザクション
package repository

import (
	"context"
	"time"

	"github.com/hitoshi/socialfeed/internal/model"
)

// UserRepository はユーザーデータの読み取りと作成のインターフェース。
// 更新はBatchまたはTransactor経由で行う。
type UserRepository interface {
	// FindByID は指定IDのユーザーを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.User, error)

	// FindByIDs は指定IDのユーザーを取得する。存在しないIDは結果に含めない。
	FindByIDs(ctx context.Context, ids []string) ([]*model.User, error)

	// FindByHandle は正規化済みハンドルでユーザーを検索する。見つからない場合はnilを返す。
	FindByHandle(ctx context.Context, handle string) (*model.User, error)

	// Create はユーザーを作成する。IDまたはハンドルが重複する場合はErrDuplicateを返す。
	Create(ctx context.Context, user *model.User) error
}

// PostCursor は投稿一覧のキーセットページングの境界。
// Inclusiveがtrueの場合は境界と同じ (CreatedAt, ID) の投稿も含める。
type PostCursor struct {
	CreatedAt time.Time
	ID        string
	Inclusive bool
}

// PostQuery は投稿一覧の検索条件。
type PostQuery struct {
	// AuthorIDs がnilの場合は全投稿を対象とする。空スライスの場合は結果も空。
	AuthorIDs []string
	Before    *PostCursor
	Limit     int
}

// PostRepository は投稿データの読み取りインターフェース。
type PostRepository interface {
	// FindByID は指定IDの投稿を取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Post, error)

	// FindByIDs は指定IDの投稿を取得する。存在しないIDは結果に含めない。
	FindByIDs(ctx context.Context, ids []string) ([]*model.Post, error)

	// List は (created_at, id) の降順で投稿を返す。
	List(ctx context.Context, q PostQuery) ([]*model.Post, error)

	// CountHashtags は生存している投稿のハッシュタグごとの件数を返す。
	CountHashtags(ctx context.Context) (map[string]int, error)
}

// RepostCursor は再投稿一覧のキーセットページングの境界（この値を含まない）。
type RepostCursor struct {
	CreatedAt time.Time
	PostID    string
	UserID    string
}

// RepostQuery は再投稿一覧の検索条件。
type RepostQuery struct {
	// UserIDs がnilの場合は全ユーザーの再投稿を対象とする。
	UserIDs []string
	Before  *RepostCursor
	Limit   int
}

// RepostRepository は再投稿レコードの読み取りインターフェース。
type RepostRepository interface {
	// List は (created_at, post_id, user_id) の降順で再投稿を返す。
	List(ctx context.Context, q RepostQuery) ([]*model.Repost, error)

	// FindByUserAndPost はユーザーと投稿の組で再投稿を検索する。見つからない場合はnilを返す。
	FindByUserAndPost(ctx context.Context, userID, postID string) (*model.Repost, error)

	// ListOrphans は参照先の投稿が存在しない再投稿を返す。
	ListOrphans(ctx context.Context, limit int) ([]*model.Repost, error)
}

// CommentRepository はコメントデータの読み取りインターフェース。
type CommentRepository interface {
	// FindByID は指定IDのコメントを取得する。見つからない場合はnilを返す。
	FindByID(ctx context.Context, id string) (*model.Comment, error)

	// ListByPost は投稿のコメントを作成日時の昇順で返す。
	ListByPost(ctx context.Context, postID string) ([]*model.Comment, error)
}

// NotificationCursor は通知一覧のページング境界（この値を含まない）。
type NotificationCursor struct {
	CreatedAt time.Time
	ID        string
}

// NotificationRepository は通知の読み取りと既読化のインターフェース。
// 通知の作成はBatchのInsertNotificationで行う。
type NotificationRepository interface {
	// ListByUser は受信者の通知を作成日時の降順で返す。
	ListByUser(ctx context.Context, userID string, before *NotificationCursor, limit int) ([]*model.Notification, error)

	// CountUnread は未読件数を返す。
	CountUnread(ctx context.Context, userID string) (int, error)

	// MarkRead は受信者本人の指定通知を既読にし、更新件数を返す。
	MarkRead(ctx context.Context, userID string, ids []string) (int, error)

	// MarkAllRead は受信者の全通知を既読にし、更新件数を返す。
	MarkAllRead(ctx context.Context, userID string) (int, error)
}

// HashtagRepository はハッシュタグ集計の読み取りインターフェース。
// 件数の更新はTransactor経由で行う。
type HashtagRepository interface {
	// FindByName は指定名のハッシュタグを取得する。見つからない場合はnilを返す。
	FindByName(ctx context.Context, name string) (*model.Hashtag, error)

	// ListTop は件数の降順（同数は名前の昇順）で件数が正のハッシュタグを返す。
	ListTop(ctx context.Context, limit int) ([]*model.Hashtag, error)

	// ListAll は全ハッシュタグを返す。
	ListAll(ctx context.Context) ([]*model.Hashtag, error)
}

// BatchCommitter はBatchを全件成功/全件失敗で確定する。
type BatchCommitter interface {
	// Commit はBatchの全操作を1単位で適用する。
	// 更新系の操作の対象が存在しない場合はErrNotFoundを返し、何も適用しない。
	Commit(ctx context.Context, b *Batch) error
}

// Tx は楽観的トランザクション内の読み書きを表す。
// Get系は呼び出し側が自由に変更できるコピーを返す。Put系はVersionが0なら新規作成、
// それ以外は読み取り時のVersionと一致する場合のみ書き込む。
type Tx interface {
	OpSink

	GetUser(ctx context.Context, id string) (*model.User, error)
	GetPost(ctx context.Context, id string) (*model.Post, error)
	GetHashtag(ctx context.Context, name string) (*model.Hashtag, error)

	PutUser(user *model.User)
	PutPost(post *model.Post)
	PutHashtag(tag *model.Hashtag)
}

// TxFunc はトランザクション本体。競合時は同じ関数が再度呼ばれるため副作用を持たないこと。
type TxFunc func(ctx context.Context, tx Tx) error

// Transactor は楽観的トランザクションを実行する。
type Transactor interface {
	// RunTransaction はfnを実行し、書き込みを条件付きで確定する。
	// 競合時はRetryPolicyに従って再試行し、上限に達した場合はErrConflictを返す。
	// fnがエラーを返した場合は再試行せずにそのエラーを返す。
	RunTransaction(ctx context.Context, fn TxFunc) error
}

// Repositories はアプリケーションが利用するリポジトリ一式。
type Repositories struct {
	Users         UserRepository
	Posts         PostRepository
	Reposts       RepostRepository
	Comments      CommentRepository
	Notifications NotificationRepository
	Hashtags      HashtagRepository
	Batches       BatchCommitter
	Tx            Transactor
}
