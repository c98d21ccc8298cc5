// Package post は投稿の作成・編集・削除・固定・閲覧のドメインロジックを提供する。
package post

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/socialfeed/internal/events"
	"github.com/hitoshi/socialfeed/internal/metrics"
	"github.com/hitoshi/socialfeed/internal/model"
	"github.com/hitoshi/socialfeed/internal/notification"
	"github.com/hitoshi/socialfeed/internal/repository"
	"github.com/hitoshi/socialfeed/internal/security"
	"github.com/hitoshi/socialfeed/internal/telemetry"
	"github.com/hitoshi/socialfeed/internal/textutil"
	"github.com/hitoshi/socialfeed/internal/viewcount"
	"go.opentelemetry.io/otel/attribute"
)

const (
	maxLocationLength   = 100
	maxPollOptionLength = 25
	minPollOptions      = 2
	maxPollOptions      = 4
	minPollDuration     = 5 * time.Minute
	maxPollDuration     = 7 * 24 * time.Hour

	// DefaultMaxBatchWrites は1つのBatchに積む書き込みの上限のデフォルト値。
	DefaultMaxBatchWrites = 500
)

// Notifier は通知の書き込みをBatchに追加する。
type Notifier interface {
	PrepareFor(sink repository.OpSink, to *model.User, ev notification.Event) bool
	PrepareMentions(ctx context.Context, sink repository.OpSink, from model.AuthorSnapshot, handles []string,
		postID, refID, content string, exclude map[string]bool) ([]string, error)
}

// HashtagCounter はハッシュタグ件数を増減する。
type HashtagCounter interface {
	ApplyDelta(ctx context.Context, tags []string, delta int) error
}

// Options は投稿サービスの設定。
type Options struct {
	EditWindow     time.Duration
	MaxBatchWrites int
	ChunkSize      int
	// MediaBaseURL はメディア保存先の公開URLの基点。この配下のURLは自前の保存物として外部URL検査を省く。
	MediaBaseURL string
}

// NewPost は投稿作成の入力。
type NewPost struct {
	Content      string
	MediaURL     string
	Location     string
	QuotedPostID string
	Poll         *NewPoll
}

// NewPoll は投稿に添付する投票の入力。Durationが0なら締切なし。
type NewPoll struct {
	Options  []string
	Duration time.Duration
}

// Service は投稿のサービス層。
type Service struct {
	repos     *repository.Repositories
	notifier  Notifier
	hashtags  HashtagCounter
	views     viewcount.Tracker
	publisher events.Publisher
	sanitizer security.TextSanitizer
	guard     security.URLGuard
	metrics   metrics.Recorder
	logger    *slog.Logger
	opts      Options
	now       func() time.Time
	newID     func() string
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	repos *repository.Repositories,
	notifier Notifier,
	hashtags HashtagCounter,
	views viewcount.Tracker,
	publisher events.Publisher,
	sanitizer security.TextSanitizer,
	guard security.URLGuard,
	recorder metrics.Recorder,
	logger *slog.Logger,
	opts Options,
) *Service {
	if opts.MaxBatchWrites <= 0 {
		opts.MaxBatchWrites = DefaultMaxBatchWrites
	}
	return &Service{
		repos:     repos,
		notifier:  notifier,
		hashtags:  hashtags,
		views:     views,
		publisher: publisher,
		sanitizer: sanitizer,
		guard:     guard,
		metrics:   recorder,
		logger:    logger,
		opts:      opts,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// CreatePost は投稿を作成する。
// 投稿・メンション通知・フォロワーへの新着通知を1つのBatchで書き込む。
// フォロワーが多くBatchの上限を超える分の通知は後続のBatchで書き込み、失敗しても投稿は残す。
func (s *Service) CreatePost(ctx context.Context, authorID string, in NewPost) (_ *model.Post, err error) {
	ctx, span := telemetry.Start(ctx, "post.create", attribute.String("author_id", authorID))
	defer func() { telemetry.End(span, err) }()

	author, err := s.repos.Users.FindByID(ctx, authorID)
	if err != nil {
		return nil, fmt.Errorf("投稿者の取得に失敗しました: %w", err)
	}
	if author == nil {
		return nil, model.NewUserNotFoundError(authorID)
	}

	content, err := s.content(in.Content, in.MediaURL != "")
	if err != nil {
		return nil, err
	}
	if in.MediaURL != "" {
		if err := s.validateMediaURL(in.MediaURL); err != nil {
			return nil, err
		}
	}
	location := s.sanitizer.SanitizeText(in.Location)
	if textutil.Length(location) > maxLocationLength {
		return nil, model.NewValidationError(fmt.Sprintf("location は%d文字以内で入力してください", maxLocationLength))
	}

	now := s.now()
	poll, err := s.poll(in.Poll, now)
	if err != nil {
		return nil, err
	}

	var quoted *model.QuotedPost
	if in.QuotedPostID != "" {
		q, err := s.repos.Posts.FindByID(ctx, in.QuotedPostID)
		if err != nil {
			return nil, fmt.Errorf("引用元投稿の取得に失敗しました: %w", err)
		}
		if q == nil {
			return nil, model.NewPostNotFoundError(in.QuotedPostID)
		}
		if author.HasBlockRelation(q.AuthorID) {
			return nil, model.NewBlockedError()
		}
		quoted = &model.QuotedPost{
			ID:        q.ID,
			AuthorID:  q.AuthorID,
			Author:    q.Author,
			Content:   q.Content,
			MediaURL:  q.MediaURL,
			CreatedAt: q.CreatedAt,
		}
	}

	p := &model.Post{
		ID:        s.newID(),
		AuthorID:  authorID,
		Author:    author.Snapshot(),
		Content:   content,
		MediaURL:  in.MediaURL,
		Location:  location,
		Quoted:    quoted,
		Poll:      poll,
		Likes:     model.IDSet{},
		Retweets:  model.IDSet{},
		Hashtags:  textutil.ExtractHashtags(content),
		CreatedAt: now,
	}

	b := repository.NewBatch()
	b.Add(repository.InsertPost{Post: p})
	if _, err := s.notifier.PrepareMentions(ctx, b, p.Author, textutil.ExtractMentions(content),
		p.ID, p.ID, content, map[string]bool{authorID: true}); err != nil {
		return nil, err
	}
	overflow, err := s.prepareFollowerNotifications(ctx, b, author, p)
	if err != nil {
		return nil, err
	}
	if err := s.repos.Batches.Commit(ctx, b); err != nil {
		return nil, fmt.Errorf("投稿の書き込みに失敗しました: %w", err)
	}
	p.Version = 1

	for _, ob := range overflow {
		if err := s.repos.Batches.Commit(ctx, ob); err != nil {
			s.metrics.RecordBestEffortFailure("notification")
			s.logger.Warn("フォロワーへの通知の書き込みに失敗しました",
				slog.String("post_id", p.ID),
				slog.Int("ops", ob.Len()),
				slog.String("error", err.Error()),
			)
		}
	}
	s.hashtags.ApplyDelta(ctx, p.Hashtags, 1)
	s.publish(ctx, events.Event{Type: events.PostCreated, ActorID: authorID, PostID: p.ID, AuthorID: authorID, At: now})
	return p, nil
}

// prepareFollowerNotifications はフォロワーへの新着通知を追加する。
// mainが上限に達した後の通知は追加のBatchに分けて返す。
func (s *Service) prepareFollowerNotifications(ctx context.Context, main *repository.Batch, author *model.User, p *model.Post) ([]*repository.Batch, error) {
	if len(author.Followers) == 0 {
		return nil, nil
	}
	followers, err := repository.LookupChunked(ctx, author.Followers, s.opts.ChunkSize, s.repos.Users.FindByIDs)
	if err != nil {
		return nil, fmt.Errorf("フォロワーの取得に失敗しました: %w", err)
	}

	var overflow []*repository.Batch
	current := main
	ev := notification.Event{
		Type:    model.NotificationPost,
		From:    p.Author,
		RefID:   p.ID,
		PostID:  p.ID,
		Content: p.Content,
	}
	for _, f := range followers {
		if current.Len() >= s.opts.MaxBatchWrites {
			current = repository.NewBatch()
			overflow = append(overflow, current)
		}
		s.notifier.PrepareFor(current, f, ev)
	}
	if n := len(overflow); n > 0 && overflow[n-1].Len() == 0 {
		overflow = overflow[:n-1]
	}
	return overflow, nil
}

// EditPost は投稿本文を編集する。投稿者本人が作成から編集期間内に限り行える。
// 新たに追加されたハッシュタグは加算し、外れたタグは減算しない（定期的な再集計で修正する）。
func (s *Service) EditPost(ctx context.Context, userID, postID, rawContent string) (*model.Post, error) {
	var (
		edited      *model.Post
		addedTags   []string
		contentText = s.sanitizer.SanitizeText(rawContent)
	)
	if textutil.Length(contentText) > model.MaxContentLength {
		return nil, model.NewValidationError(fmt.Sprintf("本文は%d文字以内で入力してください", model.MaxContentLength))
	}

	err := s.repos.Tx.RunTransaction(ctx, func(ctx context.Context, tx repository.Tx) error {
		p, err := tx.GetPost(ctx, postID)
		if err != nil {
			return err
		}
		if p == nil {
			return model.NewPostNotFoundError(postID)
		}
		if p.AuthorID != userID {
			return model.NewNotAuthorError()
		}
		now := s.now()
		if !p.Editable(now, s.opts.EditWindow) {
			return model.NewEditWindowExpiredError()
		}
		if contentText == "" && p.MediaURL == "" {
			return model.NewValidationError("本文またはメディアが必要です")
		}

		oldMentions := textutil.ExtractMentions(p.Content)
		newTags := textutil.ExtractHashtags(contentText)
		addedTags = textutil.Diff(newTags, p.Hashtags)

		p.Content = contentText
		p.Hashtags = newTags
		p.EditedAt = &now
		tx.PutPost(p)

		added := textutil.Diff(textutil.ExtractMentions(contentText), oldMentions)
		if _, err := s.notifier.PrepareMentions(ctx, tx, p.Author, added, p.ID, p.ID, contentText,
			map[string]bool{userID: true}); err != nil {
			return err
		}
		edited = p
		return nil
	})
	if err != nil {
		return nil, repository.Classify(err, model.NewPostNotFoundError(postID))
	}
	edited.Version++

	s.hashtags.ApplyDelta(ctx, addedTags, 1)
	s.publish(ctx, events.Event{Type: events.PostEdited, ActorID: userID, PostID: postID, AuthorID: userID, At: s.now()})
	return edited, nil
}

// DeletePost は投稿と、その再投稿・コメント・固定表示を1つのBatchで削除する。
func (s *Service) DeletePost(ctx context.Context, userID, postID string) error {
	p, err := s.repos.Posts.FindByID(ctx, postID)
	if err != nil {
		return fmt.Errorf("投稿の取得に失敗しました: %w", err)
	}
	if p == nil {
		return model.NewPostNotFoundError(postID)
	}
	if p.AuthorID != userID {
		return model.NewNotAuthorError()
	}

	b := repository.NewBatch()
	b.Add(repository.DeletePost{PostID: postID})
	b.Add(repository.DeleteReposts{PostID: postID})
	b.Add(repository.DeleteCommentsByPost{PostID: postID})
	b.Add(repository.ClearPinnedPost{UserID: userID, PostID: postID})
	if err := s.repos.Batches.Commit(ctx, b); err != nil {
		return repository.Classify(err, model.NewPostNotFoundError(postID))
	}

	s.hashtags.ApplyDelta(ctx, p.Hashtags, -1)
	s.publish(ctx, events.Event{Type: events.PostDeleted, ActorID: userID, PostID: postID, AuthorID: userID, At: s.now()})
	return nil
}

// PinPost は自分の投稿をプロフィールに固定する。既に固定中の投稿なら解除する。固定後の状態を返す。
func (s *Service) PinPost(ctx context.Context, userID, postID string) (bool, error) {
	p, err := s.repos.Posts.FindByID(ctx, postID)
	if err != nil {
		return false, fmt.Errorf("投稿の取得に失敗しました: %w", err)
	}
	if p == nil {
		return false, model.NewPostNotFoundError(postID)
	}
	if p.AuthorID != userID {
		return false, model.NewNotAuthorError()
	}

	var pinned bool
	err = s.repos.Tx.RunTransaction(ctx, func(ctx context.Context, tx repository.Tx) error {
		u, err := tx.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		if u == nil {
			return model.NewUserNotFoundError(userID)
		}
		pinned = u.PinnedPostID != postID
		if pinned {
			u.PinnedPostID = postID
		} else {
			u.PinnedPostID = ""
		}
		tx.PutUser(u)
		return nil
	})
	if err != nil {
		return false, repository.Classify(err, nil)
	}
	return pinned, nil
}

// RecordView は閲覧を記録する。同じセッションから同じ投稿への閲覧は1回だけ数える。
// 加算に失敗しても閲覧自体は成功として扱う。数えた場合はtrueを返す。
func (s *Service) RecordView(ctx context.Context, viewerID, sessionID, postID string) (bool, error) {
	if sessionID == "" {
		sessionID = viewerID
	}
	first, err := s.views.MarkViewed(ctx, sessionID, postID)
	if err != nil {
		s.metrics.RecordBestEffortFailure("viewcount")
		s.logger.Warn("閲覧記録に失敗しました", slog.String("post_id", postID), slog.String("error", err.Error()))
		return false, nil
	}
	if !first {
		return false, nil
	}

	b := repository.NewBatch()
	b.Add(repository.IncrementPostCounter{PostID: postID, Counter: repository.CounterViews, Delta: 1})
	if err := s.repos.Batches.Commit(ctx, b); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return false, model.NewPostNotFoundError(postID)
		}
		s.metrics.RecordBestEffortFailure("viewcount")
		s.logger.Warn("閲覧数の加算に失敗しました", slog.String("post_id", postID), slog.String("error", err.Error()))
		return false, nil
	}
	return true, nil
}

// GetPost は閲覧者基準のフラグを付けて投稿を返す。ブロック関係にある投稿者の投稿は見つからないものとして扱う。
func (s *Service) GetPost(ctx context.Context, viewerID, postID string) (*model.FeedItem, error) {
	p, err := s.repos.Posts.FindByID(ctx, postID)
	if err != nil {
		return nil, fmt.Errorf("投稿の取得に失敗しました: %w", err)
	}
	if p == nil {
		return nil, model.NewPostNotFoundError(postID)
	}
	if viewerID != "" && viewerID != p.AuthorID {
		viewer, err := s.repos.Users.FindByID(ctx, viewerID)
		if err != nil {
			return nil, fmt.Errorf("閲覧者の取得に失敗しました: %w", err)
		}
		if viewer != nil && viewer.HasBlockRelation(p.AuthorID) {
			return nil, model.NewPostNotFoundError(postID)
		}
	}
	item := model.ViewOf(p, viewerID)
	return &item, nil
}

func (s *Service) content(raw string, hasMedia bool) (string, error) {
	content := s.sanitizer.SanitizeText(raw)
	if textutil.Length(content) > model.MaxContentLength {
		return "", model.NewValidationError(fmt.Sprintf("本文は%d文字以内で入力してください", model.MaxContentLength))
	}
	if content == "" && !hasMedia {
		return "", model.NewValidationError("本文またはメディアが必要です")
	}
	return content, nil
}

func (s *Service) poll(in *NewPoll, now time.Time) (*model.Poll, error) {
	if in == nil {
		return nil, nil
	}
	if n := len(in.Options); n < minPollOptions || n > maxPollOptions {
		return nil, model.NewValidationError(fmt.Sprintf("投票の選択肢は%d〜%d個で指定してください", minPollOptions, maxPollOptions))
	}
	options := make([]string, len(in.Options))
	for i, raw := range in.Options {
		o := s.sanitizer.SanitizeText(raw)
		if n := textutil.Length(o); n == 0 || n > maxPollOptionLength {
			return nil, model.NewValidationError(fmt.Sprintf("投票の選択肢は1〜%d文字で入力してください", maxPollOptionLength))
		}
		options[i] = o
	}

	var endsAt *time.Time
	if in.Duration != 0 {
		if in.Duration < minPollDuration || in.Duration > maxPollDuration {
			return nil, model.NewValidationError("投票期間は5分〜7日で指定してください")
		}
		t := now.Add(in.Duration)
		endsAt = &t
	}
	return model.NewPoll(options, endsAt), nil
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

// validateMediaURL はメディア保存先の配下ならそのまま受け付け、それ以外は外部URLとして検査する。
func (s *Service) validateMediaURL(raw string) error {
	if s.storedMedia(raw) {
		return nil
	}
	if err := s.guard.ValidateURL(raw); err != nil {
		return model.NewInvalidURLError(err.Error())
	}
	return nil
}

func (s *Service) storedMedia(raw string) bool {
	base := strings.TrimSuffix(s.opts.MediaBaseURL, "/")
	if base == "" || len(raw) > security.MaxURLLength || !strings.HasPrefix(raw, base+"/") {
		return false
	}
	u, err := url.Parse(raw)
	if err != nil || u.User != nil || u.RawQuery != "" || u.Fragment != "" {
		return false
	}
	// キーの外へ出るパスは保存物とみなさない
	key := strings.TrimPrefix(raw, base+"/")
	return key != "" && !strings.Contains(key, "..")
}
