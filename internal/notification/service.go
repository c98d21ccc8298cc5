// Package notification は通知の生成・一覧・既読化を提供する。
//
// 通知は受信者ごとの1レコードで、IDは (種別, 参照先, 送信者, 受信者) から決まる。
// 同じ操作が重複して届いても通知は1件にまとまる。
package notification

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/socialfeed/internal/metrics"
	"github.com/hitoshi/socialfeed/internal/model"
	"github.com/hitoshi/socialfeed/internal/repository"
	"github.com/hitoshi/socialfeed/internal/textutil"
)

// DefaultPageSize は通知一覧のデフォルト件数。
const DefaultPageSize = 20

// maxPageSize は通知一覧の最大件数。
const maxPageSize = 100

// Event は通知の元になる出来事。
type Event struct {
	Type     model.NotificationType
	ToUserID string
	From     model.AuthorSnapshot
	// RefID は通知の参照先（投稿・コメント）のID。フォローでは空。
	RefID   string
	PostID  string
	Content string
}

// ID は通知の決定的なIDを返す。
func (e Event) ID() string {
	return strings.Join([]string{string(e.Type), e.RefID, e.From.ID, e.ToUserID}, ":")
}

// Service は通知のサービス層。
type Service struct {
	users         repository.UserRepository
	notifications repository.NotificationRepository
	batches       repository.BatchCommitter
	metrics       metrics.Recorder
	logger        *slog.Logger
	now           func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	repos *repository.Repositories,
	recorder metrics.Recorder,
	logger *slog.Logger,
) *Service {
	return &Service{
		users:         repos.Users,
		notifications: repos.Notifications,
		batches:       repos.Batches,
		metrics:       recorder,
		logger:        logger,
		now:           time.Now,
	}
}

// Prepare は受信者の通知設定を確認し、有効ならsinkに通知の書き込みを追加する。
// 自分自身への通知と存在しない受信者への通知は追加しない。追加した場合はtrueを返す。
func (s *Service) Prepare(ctx context.Context, sink repository.OpSink, ev Event) (bool, error) {
	if ev.ToUserID == "" || ev.ToUserID == ev.From.ID {
		return false, nil
	}
	to, err := s.users.FindByID(ctx, ev.ToUserID)
	if err != nil {
		return false, fmt.Errorf("通知先ユーザーの取得に失敗しました: %w", err)
	}
	if to == nil {
		return false, nil
	}
	return s.prepareFor(sink, to, ev), nil
}

// PrepareFor は取得済みの受信者に対して通知の書き込みを追加する。
func (s *Service) PrepareFor(sink repository.OpSink, to *model.User, ev Event) bool {
	if to == nil || to.ID == ev.From.ID {
		return false
	}
	ev.ToUserID = to.ID
	return s.prepareFor(sink, to, ev)
}

func (s *Service) prepareFor(sink repository.OpSink, to *model.User, ev Event) bool {
	// ブロック関係にある相手からの通知は届けない
	if to.HasBlockRelation(ev.From.ID) {
		return false
	}
	if !to.WantsNotification(ev.Type) {
		s.metrics.RecordNotification(false)
		return false
	}
	sink.Add(repository.InsertNotification{Notification: &model.Notification{
		ID:         ev.ID(),
		ToUserID:   to.ID,
		FromUserID: ev.From.ID,
		From:       ev.From,
		Type:       ev.Type,
		Payload: model.NotificationPayload{
			Content: textutil.Excerpt(ev.Content),
			PostID:  ev.PostID,
			RefID:   ev.RefID,
		},
		CreatedAt: s.now(),
	}})
	s.metrics.RecordNotification(true)
	return true
}

// PrepareMentions は本文中の @handle を解決し、メンション通知をsinkに追加する。
// 解決できないハンドルとexcludeに含まれるユーザーは読み飛ばす。通知したユーザーIDを返す。
func (s *Service) PrepareMentions(
	ctx context.Context,
	sink repository.OpSink,
	from model.AuthorSnapshot,
	handles []string,
	postID, refID, content string,
	exclude map[string]bool,
) ([]string, error) {
	var notified []string
	for _, handle := range handles {
		to, err := s.users.FindByHandle(ctx, textutil.NormalizeHandle(handle))
		if err != nil {
			return notified, fmt.Errorf("メンション先の解決に失敗しました: %w", err)
		}
		if to == nil || exclude[to.ID] {
			continue
		}
		if s.PrepareFor(sink, to, Event{
			Type:    model.NotificationMention,
			From:    from,
			RefID:   refID,
			PostID:  postID,
			Content: content,
		}) {
			notified = append(notified, to.ID)
		}
	}
	return notified, nil
}

// Notify は1件の通知を単独のBatchで書き込む。
func (s *Service) Notify(ctx context.Context, ev Event) error {
	b := repository.NewBatch()
	added, err := s.Prepare(ctx, b, ev)
	if err != nil || !added {
		return err
	}
	if err := s.batches.Commit(ctx, b); err != nil {
		return fmt.Errorf("通知の書き込みに失敗しました: %w", err)
	}
	return nil
}

// List は受信者の通知を新しい順に返す。cursorは前ページのNextCursor。
func (s *Service) List(ctx context.Context, userID, cursor string, limit int) (*model.NotificationPage, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	limit = min(limit, maxPageSize)

	before, err := decodeCursor(cursor)
	if err != nil {
		return nil, model.NewValidationError("cursor")
	}

	list, err := s.notifications.ListByUser(ctx, userID, before, limit+1)
	if err != nil {
		return nil, fmt.Errorf("通知一覧の取得に失敗しました: %w", err)
	}
	unread, err := s.notifications.CountUnread(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("未読件数の取得に失敗しました: %w", err)
	}

	page := &model.NotificationPage{UnreadCount: unread}
	if len(list) > limit {
		list = list[:limit]
		last := list[len(list)-1]
		page.NextCursor = encodeCursor(last.CreatedAt, last.ID)
	}
	page.Notifications = list
	return page, nil
}

// UnreadCount は未読件数を返す。
func (s *Service) UnreadCount(ctx context.Context, userID string) (int, error) {
	n, err := s.notifications.CountUnread(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("未読件数の取得に失敗しました: %w", err)
	}
	return n, nil
}

// MarkRead は指定した通知を既読にする。idsが空なら全件を既読にする。
func (s *Service) MarkRead(ctx context.Context, userID string, ids []string) (int, error) {
	var (
		n   int
		err error
	)
	if len(ids) == 0 {
		n, err = s.notifications.MarkAllRead(ctx, userID)
	} else {
		n, err = s.notifications.MarkRead(ctx, userID, ids)
	}
	if err != nil {
		return 0, fmt.Errorf("既読化に失敗しました: %w", err)
	}
	return n, nil
}

// MarkAllRead は受信者の全通知を既読にする。
func (s *Service) MarkAllRead(ctx context.Context, userID string) (int, error) {
	return s.MarkRead(ctx, userID, nil)
}

func encodeCursor(at time.Time, id string) string {
	raw := strconv.FormatInt(at.UnixNano(), 10) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeCursor(cursor string) (*repository.NotificationCursor, error) {
	if cursor == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return nil, err
	}
	nanos, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return nil, fmt.Errorf("malformed cursor")
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return nil, err
	}
	return &repository.NotificationCursor{CreatedAt: time.Unix(0, n).UTC(), ID: id}, nil
}
