// Package engagement は投稿・コメントへのいいね/リツイートの切り替えを提供する。
//
// 切り替えは集合への追加・削除として1つのBatchで書き込む。
// 同じ操作が重複しても集合の状態は変わらず、通知IDも決定的なので二重にならない。
package engagement

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/socialfeed/internal/events"
	"github.com/hitoshi/socialfeed/internal/metrics"
	"github.com/hitoshi/socialfeed/internal/model"
	"github.com/hitoshi/socialfeed/internal/notification"
	"github.com/hitoshi/socialfeed/internal/repository"
	"github.com/hitoshi/socialfeed/internal/telemetry"
	"go.opentelemetry.io/otel/attribute"
)

// Notifier は通知の書き込みをBatchに追加する。
type Notifier interface {
	Prepare(ctx context.Context, sink repository.OpSink, ev notification.Event) (bool, error)
}

// Service はエンゲージメントのサービス層。
type Service struct {
	repos     *repository.Repositories
	notifier  Notifier
	publisher events.Publisher
	metrics   metrics.Recorder
	logger    *slog.Logger
	now       func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	repos *repository.Repositories,
	notifier Notifier,
	publisher events.Publisher,
	recorder metrics.Recorder,
	logger *slog.Logger,
) *Service {
	return &Service{
		repos:     repos,
		notifier:  notifier,
		publisher: publisher,
		metrics:   recorder,
		logger:    logger,
		now:       time.Now,
	}
}

// Toggle は投稿へのいいね/リツイートを切り替え、切り替え後に付いているかを返す。
// リツイートでは再投稿レコードを同じBatchで作成・削除する。
// 投稿が削除済みならBatch全体が失敗し、何も書き込まない。
func (s *Service) Toggle(ctx context.Context, postID, userID string, kind model.EngagementKind) (_ bool, err error) {
	ctx, span := telemetry.Start(ctx, "engagement.toggle",
		attribute.String("post_id", postID),
		attribute.String("kind", string(kind)),
	)
	defer func() { telemetry.End(span, err) }()

	if !kind.Valid() {
		return false, model.NewValidationError(fmt.Sprintf("不明なエンゲージメント種別です: %s", kind))
	}

	p, err := s.repos.Posts.FindByID(ctx, postID)
	if err != nil {
		return false, fmt.Errorf("投稿の取得に失敗しました: %w", err)
	}
	if p == nil {
		return false, model.NewPostUnavailableError(postID)
	}
	actor, err := s.actor(ctx, userID, p.AuthorID)
	if err != nil {
		return false, err
	}

	engage := !p.Engagement(kind).Has(userID)
	now := s.now()

	b := repository.NewBatch()
	b.Add(repository.UpdatePostSet{PostID: postID, Set: repository.SetFor(kind), UserID: userID, Add: engage})
	if kind == model.EngagementRetweet {
		if engage {
			b.Add(repository.InsertRepost{Repost: &model.Repost{
				ID:                   uuid.NewString(),
				UserID:               userID,
				PostID:               postID,
				OriginalPostAuthorID: p.AuthorID,
				CreatedAt:            now,
			}})
		} else {
			b.Add(repository.DeleteReposts{PostID: postID, UserID: userID})
		}
	}
	if engage {
		if _, err := s.notifier.Prepare(ctx, b, notification.Event{
			Type:     notificationType(kind),
			ToUserID: p.AuthorID,
			From:     actor.Snapshot(),
			RefID:    postID,
			PostID:   postID,
			Content:  p.Content,
		}); err != nil {
			return false, err
		}
	}

	if err := s.repos.Batches.Commit(ctx, b); err != nil {
		return false, repository.Classify(err, model.NewPostUnavailableError(postID))
	}
	s.metrics.RecordEngagement(string(kind), engage)

	typ := events.PostDisengaged
	if engage {
		typ = events.PostEngaged
	}
	s.publish(ctx, events.Event{
		Type:     typ,
		ActorID:  userID,
		PostID:   postID,
		AuthorID: p.AuthorID,
		Detail:   string(kind),
		At:       now,
	})
	return engage, nil
}

// ToggleCommentLike はコメントへのいいねを切り替え、切り替え後に付いているかを返す。
func (s *Service) ToggleCommentLike(ctx context.Context, commentID, userID string) (bool, error) {
	c, err := s.repos.Comments.FindByID(ctx, commentID)
	if err != nil {
		return false, fmt.Errorf("コメントの取得に失敗しました: %w", err)
	}
	if c == nil {
		return false, model.NewCommentNotFoundError(commentID)
	}
	actor, err := s.actor(ctx, userID, c.AuthorID)
	if err != nil {
		return false, err
	}

	engage := !c.Likes.Has(userID)
	b := repository.NewBatch()
	b.Add(repository.UpdateCommentSet{CommentID: commentID, Set: repository.SetLikes, UserID: userID, Add: engage})
	if engage {
		if _, err := s.notifier.Prepare(ctx, b, notification.Event{
			Type:     model.NotificationLike,
			ToUserID: c.AuthorID,
			From:     actor.Snapshot(),
			RefID:    commentID,
			PostID:   c.PostID,
			Content:  c.Content,
		}); err != nil {
			return false, err
		}
	}
	if err := s.repos.Batches.Commit(ctx, b); err != nil {
		return false, repository.Classify(err, model.NewCommentNotFoundError(commentID))
	}
	s.metrics.RecordEngagement("comment_like", engage)
	return engage, nil
}

// actor は操作するユーザーを取得し、相手とのブロック関係を確認する。
func (s *Service) actor(ctx context.Context, userID, authorID string) (*model.User, error) {
	u, err := s.repos.Users.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	if u == nil {
		return nil, model.NewUserNotFoundError(userID)
	}
	if userID != authorID && u.HasBlockRelation(authorID) {
		return nil, model.NewBlockedError()
	}
	return u, nil
}

func notificationType(kind model.EngagementKind) model.NotificationType {
	if kind == model.EngagementRetweet {
		return model.NotificationRetweet
	}
	return model.NotificationLike
}

func (s *Service) publish(ctx context.Context, ev events.Event) {
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.metrics.RecordBestEffortFailure("events")
		s.logger.Warn("イベントの発行に失敗しました",
			slog.String("type", string(ev.Type)),
			slog.String("error", err.Error()),
		)
	}
}
