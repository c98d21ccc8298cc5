// Package comment は投稿へのコメントと返信を提供する。
package comment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/socialfeed/internal/events"
	"github.com/hitoshi/socialfeed/internal/metrics"
	"github.com/hitoshi/socialfeed/internal/model"
	"github.com/hitoshi/socialfeed/internal/notification"
	"github.com/hitoshi/socialfeed/internal/repository"
	"github.com/hitoshi/socialfeed/internal/security"
	"github.com/hitoshi/socialfeed/internal/textutil"
)

// Notifier は通知の書き込みをBatchに追加する。
type Notifier interface {
	Prepare(ctx context.Context, sink repository.OpSink, ev notification.Event) (bool, error)
	PrepareMentions(ctx context.Context, sink repository.OpSink, from model.AuthorSnapshot, handles []string,
		postID, refID, content string, exclude map[string]bool) ([]string, error)
}

// Service はコメントのサービス層。
type Service struct {
	repos     *repository.Repositories
	notifier  Notifier
	publisher events.Publisher
	sanitizer security.TextSanitizer
	metrics   metrics.Recorder
	logger    *slog.Logger
	now       func() time.Time
	newID     func() string
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	repos *repository.Repositories,
	notifier Notifier,
	publisher events.Publisher,
	sanitizer security.TextSanitizer,
	recorder metrics.Recorder,
	logger *slog.Logger,
) *Service {
	return &Service{
		repos:     repos,
		notifier:  notifier,
		publisher: publisher,
		sanitizer: sanitizer,
		metrics:   recorder,
		logger:    logger,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// Create はコメントを作成する。parentCommentIDが空でなければ同じ投稿のコメントへの返信になる。
// コメント本体・投稿のコメント数・親の返信数・通知を1つのBatchで書き込む。
func (s *Service) Create(ctx context.Context, authorID, postID, rawContent, parentCommentID string) (*model.Comment, error) {
	content := s.sanitizer.SanitizeText(rawContent)
	if n := textutil.Length(content); n == 0 || n > model.MaxContentLength {
		return nil, model.NewValidationError(fmt.Sprintf("コメントは1〜%d文字で入力してください", model.MaxContentLength))
	}

	author, err := s.repos.Users.FindByID(ctx, authorID)
	if err != nil {
		return nil, fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	if author == nil {
		return nil, model.NewUserNotFoundError(authorID)
	}
	p, err := s.repos.Posts.FindByID(ctx, postID)
	if err != nil {
		return nil, fmt.Errorf("投稿の取得に失敗しました: %w", err)
	}
	if p == nil {
		return nil, model.NewPostNotFoundError(postID)
	}
	if author.HasBlockRelation(p.AuthorID) {
		return nil, model.NewBlockedError()
	}

	var parent *model.Comment
	if parentCommentID != "" {
		parent, err = s.repos.Comments.FindByID(ctx, parentCommentID)
		if err != nil {
			return nil, fmt.Errorf("返信先コメントの取得に失敗しました: %w", err)
		}
		if parent == nil || parent.PostID != postID {
			return nil, model.NewCommentNotFoundError(parentCommentID)
		}
		if author.HasBlockRelation(parent.AuthorID) {
			return nil, model.NewBlockedError()
		}
	}

	c := &model.Comment{
		ID:              s.newID(),
		PostID:          postID,
		ParentCommentID: parentCommentID,
		AuthorID:        authorID,
		Author:          author.Snapshot(),
		Content:         content,
		Likes:           model.IDSet{},
		Retweets:        model.IDSet{},
		CreatedAt:       s.now(),
	}

	b := repository.NewBatch()
	b.Add(repository.InsertComment{Comment: c})
	b.Add(repository.IncrementPostCounter{PostID: postID, Counter: repository.CounterComments, Delta: 1})
	if parent != nil {
		b.Add(repository.IncrementCommentReplies{CommentID: parent.ID, Delta: 1})
	}

	// 投稿者と返信先の投稿者にreply通知、それ以外のメンション先にmention通知
	replied := map[string]bool{authorID: true}
	recipients := []string{p.AuthorID}
	if parent != nil {
		recipients = append(recipients, parent.AuthorID)
	}
	for _, to := range recipients {
		if replied[to] {
			continue
		}
		replied[to] = true
		if _, err := s.notifier.Prepare(ctx, b, notification.Event{
			Type:     model.NotificationReply,
			ToUserID: to,
			From:     c.Author,
			RefID:    c.ID,
			PostID:   postID,
			Content:  content,
		}); err != nil {
			return nil, err
		}
	}
	if _, err := s.notifier.PrepareMentions(ctx, b, c.Author, textutil.ExtractMentions(content),
		postID, c.ID, content, replied); err != nil {
		return nil, err
	}

	if err := s.repos.Batches.Commit(ctx, b); err != nil {
		return nil, repository.Classify(err, model.NewPostUnavailableError(postID))
	}

	s.publish(ctx, events.Event{
		Type:     events.CommentCreated,
		ActorID:  authorID,
		PostID:   postID,
		AuthorID: p.AuthorID,
		Detail:   c.ID,
		At:       c.CreatedAt,
	})
	return c, nil
}

// Delete はコメントを削除する。コメントの投稿者か、コメント先の投稿の投稿者のみが行える。
// 投稿のコメント数と親の返信数は0未満にならないように減らす。
func (s *Service) Delete(ctx context.Context, userID, commentID string) error {
	c, err := s.repos.Comments.FindByID(ctx, commentID)
	if err != nil {
		return fmt.Errorf("コメントの取得に失敗しました: %w", err)
	}
	if c == nil {
		return model.NewCommentNotFoundError(commentID)
	}
	p, err := s.repos.Posts.FindByID(ctx, c.PostID)
	if err != nil {
		return fmt.Errorf("投稿の取得に失敗しました: %w", err)
	}
	if c.AuthorID != userID && (p == nil || p.AuthorID != userID) {
		return model.NewNotAuthorError()
	}

	parentID := c.ParentCommentID
	if parentID != "" {
		parent, err := s.repos.Comments.FindByID(ctx, parentID)
		if err != nil {
			return fmt.Errorf("返信先コメントの取得に失敗しました: %w", err)
		}
		if parent == nil {
			parentID = ""
		}
	}
	postID := ""
	if p != nil {
		postID = p.ID
	}

	err = s.repos.Batches.Commit(ctx, deleteBatch(commentID, postID, parentID))
	if errors.Is(err, repository.ErrNotFound) && (postID != "" || parentID != "") {
		// 読み取り後に投稿か親コメントが消えた場合は、残っている方だけ数を減らして再度確定する
		if postID, parentID, err = s.existingTargets(ctx, postID, parentID); err != nil {
			return err
		}
		err = s.repos.Batches.Commit(ctx, deleteBatch(commentID, postID, parentID))
	}
	if err != nil {
		return repository.Classify(err, model.NewCommentNotFoundError(commentID))
	}

	s.publish(ctx, events.Event{
		Type:    events.CommentDeleted,
		ActorID: userID,
		PostID:  c.PostID,
		Detail:  commentID,
		At:      s.now(),
	})
	return nil
}

// deleteBatch はコメントの削除と、空でないIDの投稿・親コメントの件数の減算をまとめる。
func deleteBatch(commentID, postID, parentID string) *repository.Batch {
	b := repository.NewBatch()
	b.Add(repository.DeleteComment{CommentID: commentID})
	if postID != "" {
		b.Add(repository.IncrementPostCounter{PostID: postID, Counter: repository.CounterComments, Delta: -1})
	}
	if parentID != "" {
		b.Add(repository.IncrementCommentReplies{CommentID: parentID, Delta: -1})
	}
	return b
}

// existingTargets は現存しない投稿・親コメントのIDを空にして返す。
func (s *Service) existingTargets(ctx context.Context, postID, parentID string) (string, string, error) {
	if postID != "" {
		p, err := s.repos.Posts.FindByID(ctx, postID)
		if err != nil {
			return "", "", fmt.Errorf("投稿の取得に失敗しました: %w", err)
		}
		if p == nil {
			postID = ""
		}
	}
	if parentID != "" {
		parent, err := s.repos.Comments.FindByID(ctx, parentID)
		if err != nil {
			return "", "", fmt.Errorf("返信先コメントの取得に失敗しました: %w", err)
		}
		if parent == nil {
			parentID = ""
		}
	}
	return postID, parentID, nil
}

// List は投稿のコメントを古い順に返す。閲覧者とブロック関係にあるユーザーのコメントは除く。
func (s *Service) List(ctx context.Context, viewerID, postID string) ([]*model.Comment, error) {
	p, err := s.repos.Posts.FindByID(ctx, postID)
	if err != nil {
		return nil, fmt.Errorf("投稿の取得に失敗しました: %w", err)
	}
	if p == nil {
		return nil, model.NewPostNotFoundError(postID)
	}

	var viewer *model.User
	if viewerID != "" {
		viewer, err = s.repos.Users.FindByID(ctx, viewerID)
		if err != nil {
			return nil, fmt.Errorf("閲覧者の取得に失敗しました: %w", err)
		}
	}
	if viewer != nil && viewer.HasBlockRelation(p.AuthorID) {
		return nil, model.NewPostNotFoundError(postID)
	}

	comments, err := s.repos.Comments.ListByPost(ctx, postID)
	if err != nil {
		return nil, fmt.Errorf("コメント一覧の取得に失敗しました: %w", err)
	}
	if viewer == nil {
		return comments, nil
	}
	out := make([]*model.Comment, 0, len(comments))
	for _, c := range comments {
		if viewer.HasBlockRelation(c.AuthorID) {
			continue
		}
		out = append(out, c)
	}
	return out, nil
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
