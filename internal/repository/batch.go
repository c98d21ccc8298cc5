package repository

import (
	"errors"

	"github.com/hitoshi/socialfeed/internal/model"
)

var (
	// ErrNotFound は更新対象のドキュメントが存在しないことを示す。
	ErrNotFound = errors.New("document not found")
	// ErrConflict は楽観的トランザクションの競合を示す。
	ErrConflict = errors.New("concurrent modification")
	// ErrDuplicate は一意制約違反を示す。
	ErrDuplicate = errors.New("duplicate document")
)

// Op はBatchに積む型付きの書き込み操作。
type Op interface {
	isOp()
}

// OpSink はOpを受け取るもの。BatchとTxが実装する。
type OpSink interface {
	Add(op Op)
}

// Batch は1単位で確定する書き込み操作の列。
type Batch struct {
	ops []Op
}

// NewBatch は空のBatchを生成する。
func NewBatch() *Batch {
	return &Batch{}
}

// Add は操作を末尾に追加する。
func (b *Batch) Add(op Op) {
	b.ops = append(b.ops, op)
}

// Ops は積まれた操作を返す。
func (b *Batch) Ops() []Op {
	return b.ops
}

// Len は積まれた操作数を返す。
func (b *Batch) Len() int {
	return len(b.ops)
}

// PostSet は投稿・コメントのエンゲージメント集合の種別。
type PostSet string

const (
	SetLikes    PostSet = "likes"
	SetRetweets PostSet = "retweets"
)

// SetFor はエンゲージメント種別に対応する集合を返す。
func SetFor(kind model.EngagementKind) PostSet {
	if kind == model.EngagementRetweet {
		return SetRetweets
	}
	return SetLikes
}

// PostCounter は投稿の整数カウンタの種別。
type PostCounter string

const (
	CounterComments PostCounter = "comments"
	CounterViews    PostCounter = "views"
)

// UserSet はユーザーの関係集合の種別。
type UserSet string

const (
	SetFollowing UserSet = "following"
	SetFollowers UserSet = "followers"
	SetBlocked   UserSet = "blocked"
	SetBlockedBy UserSet = "blocked_by"
)

// InsertPost は投稿を作成する。IDが重複する場合はErrDuplicate。
type InsertPost struct{ Post *model.Post }

// DeletePost は投稿を削除する。存在しない場合はErrNotFound。
type DeletePost struct{ PostID string }

// UpdatePostSet は投稿の集合にUserIDを追加（Add=true）または削除する。
type UpdatePostSet struct {
	PostID string
	Set    PostSet
	UserID string
	Add    bool
}

// IncrementPostCounter は投稿のカウンタにDeltaを加える。結果は0未満にならない。
type IncrementPostCounter struct {
	PostID  string
	Counter PostCounter
	Delta   int
}

// InsertRepost は再投稿を作成する。(UserID, PostID) が既にあれば何もしない。
type InsertRepost struct{ Repost *model.Repost }

// DeleteReposts は再投稿を削除する。UserIDが空なら投稿の全再投稿を削除する。
type DeleteReposts struct {
	PostID string
	UserID string
}

// InsertComment はコメントを作成する。IDが重複する場合はErrDuplicate。
type InsertComment struct{ Comment *model.Comment }

// DeleteComment はコメントを削除する。存在しない場合はErrNotFound。
type DeleteComment struct{ CommentID string }

// DeleteCommentsByPost は投稿の全コメントを削除する。
type DeleteCommentsByPost struct{ PostID string }

// UpdateCommentSet はコメントの集合にUserIDを追加または削除する。
type UpdateCommentSet struct {
	CommentID string
	Set       PostSet
	UserID    string
	Add       bool
}

// IncrementCommentReplies はコメントの返信数にDeltaを加える。結果は0未満にならない。
type IncrementCommentReplies struct {
	CommentID string
	Delta     int
}

// UpdateUserSet はユーザーの関係集合にMemberIDを追加または削除する。
type UpdateUserSet struct {
	UserID   string
	Set      UserSet
	MemberID string
	Add      bool
}

// SetUserPreference は通知設定マップの1キーをupsertする。
type SetUserPreference struct {
	UserID  string
	Type    model.NotificationType
	Enabled bool
}

// ClearPinnedPost はユーザーの固定投稿がPostIDの場合のみ解除する。ユーザーが無ければ何もしない。
type ClearPinnedPost struct {
	UserID string
	PostID string
}

// InsertNotification は通知を作成する。IDが既にあれば何もしない。
type InsertNotification struct{ Notification *model.Notification }

func (InsertPost) isOp()              {}
func (DeletePost) isOp()              {}
func (UpdatePostSet) isOp()           {}
func (IncrementPostCounter) isOp()    {}
func (InsertRepost) isOp()            {}
func (DeleteReposts) isOp()           {}
func (InsertComment) isOp()           {}
func (DeleteComment) isOp()           {}
func (DeleteCommentsByPost) isOp()    {}
func (UpdateCommentSet) isOp()        {}
func (IncrementCommentReplies) isOp() {}
func (UpdateUserSet) isOp()           {}
func (SetUserPreference) isOp()       {}
func (ClearPinnedPost) isOp()         {}
func (InsertNotification) isOp()      {}
