// Package events はドメインイベントの発行を提供する。
// 発行は確定後の副作用として扱い、失敗しても書き込みは取り消さない。
package events

import (
	"context"
	"errors"
	"time"
)

// Type はドメインイベントの種別。
type Type string

const (
	PostCreated      Type = "post.created"
	PostEdited       Type = "post.edited"
	PostDeleted      Type = "post.deleted"
	PostEngaged      Type = "post.engaged"
	PostDisengaged   Type = "post.disengaged"
	PollVoted        Type = "poll.voted"
	CommentCreated   Type = "comment.created"
	CommentDeleted   Type = "comment.deleted"
	UserRegistered   Type = "user.registered"
	UserUpdated      Type = "user.updated"
	UserFollowed     Type = "user.followed"
	UserUnfollowed   Type = "user.unfollowed"
	UserBlocked      Type = "user.blocked"
	UserUnblocked    Type = "user.unblocked"
	CollectionChange Type = "collection.changed"
)

// Event はドメインイベント。
type Event struct {
	Type         Type      `json:"type"`
	ActorID      string    `json:"actor_id"`
	PostID       string    `json:"post_id,omitempty"`
	AuthorID     string    `json:"author_id,omitempty"`
	TargetUserID string    `json:"target_user_id,omitempty"`
	Detail       string    `json:"detail,omitempty"`
	At           time.Time `json:"at"`
}

// Key はパーティション分割に使うキーを返す。同じ投稿のイベントは同じパーティションに入る。
func (e Event) Key() string {
	if e.PostID != "" {
		return e.PostID
	}
	return e.ActorID
}

// AffectsFeed はフィードの表示内容が変わり得るイベントかを返す。
func (e Event) AffectsFeed() bool {
	switch e.Type {
	case PostCreated, PostEdited, PostDeleted, PostEngaged, PostDisengaged, PollVoted,
		CommentCreated, CommentDeleted, UserFollowed, UserUnfollowed, UserBlocked, UserUnblocked:
		return true
	}
	return false
}

// Publisher はドメインイベントを発行する。
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// Nop は何もしないPublisher。
type Nop struct{}

// Publish は何もしない。
func (Nop) Publish(context.Context, Event) error { return nil }

// Multi は複数のPublisherへ順に発行する。1つが失敗しても残りへの発行は続ける。
type Multi []Publisher

// Publish は全てのPublisherへ発行し、失敗をまとめて返す。
func (m Multi) Publish(ctx context.Context, ev Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// compile-time interface check
var (
	_ Publisher = Nop{}
	_ Publisher = Multi(nil)
)
