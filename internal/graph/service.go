// Package graph はユーザーとフォロー・ブロック関係のドメインロジックを提供する。
package graph

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hitoshi/socialfeed/internal/events"
	"github.com/hitoshi/socialfeed/internal/metrics"
	"github.com/hitoshi/socialfeed/internal/model"
	"github.com/hitoshi/socialfeed/internal/notification"
	"github.com/hitoshi/socialfeed/internal/repository"
	"github.com/hitoshi/socialfeed/internal/security"
	"github.com/hitoshi/socialfeed/internal/textutil"
)

const (
	maxDisplayNameLength = 50
	maxBioLength         = 160
)

// Notifier は通知の書き込みをBatchに追加する。
type Notifier interface {
	Prepare(ctx context.Context, sink repository.OpSink, ev notification.Event) (bool, error)
}

// ProfileUpdate はプロフィール更新の入力。nilのフィールドは変更しない。
type ProfileUpdate struct {
	DisplayName *string
	Handle      *string
	Bio         *string
	AvatarURL   *string
	BannerURL   *string
}

// Service はソーシャルグラフのサービス層。
type Service struct {
	repos     *repository.Repositories
	notifier  Notifier
	publisher events.Publisher
	sanitizer security.TextSanitizer
	guard     security.URLGuard
	metrics   metrics.Recorder
	logger    *slog.Logger
	chunkSize int
	now       func() time.Time
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	repos *repository.Repositories,
	notifier Notifier,
	publisher events.Publisher,
	sanitizer security.TextSanitizer,
	guard security.URLGuard,
	recorder metrics.Recorder,
	logger *slog.Logger,
	chunkSize int,
) *Service {
	return &Service{
		repos:     repos,
		notifier:  notifier,
		publisher: publisher,
		sanitizer: sanitizer,
		guard:     guard,
		metrics:   recorder,
		logger:    logger,
		chunkSize: chunkSize,
		now:       time.Now,
	}
}

// RegisterUser は認証基盤が発行したIDでユーザーを登録する。
// 同じIDで既に登録済みの場合は既存のユーザーを返す。
func (s *Service) RegisterUser(ctx context.Context, id, displayName, handle string) (*model.User, error) {
	if id == "" {
		return nil, model.NewUnauthorizedError()
	}
	existing, err := s.repos.Users.FindByID(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	if existing != nil {
		return existing, nil
	}

	handle = textutil.NormalizeHandle(handle)
	if !textutil.ValidHandle(handle) {
		return nil, model.NewValidationError("handle は3〜30文字の英数字とアンダースコアで指定してください")
	}
	name, err := s.displayName(displayName)
	if err != nil {
		return nil, err
	}

	now := s.now()
	u := &model.User{
		ID:           id,
		DisplayName:  name,
		Handle:       handle,
		Verification: model.VerificationNone,
		Collections: []model.Collection{
			{ID: model.AllSavedCollectionID, Name: model.AllSavedCollectionName, CreatedAt: now},
		},
		NotificationPreferences: map[model.NotificationType]bool{},
		CreatedAt:               now,
		UpdatedAt:               now,
	}
	if err := s.repos.Users.Create(ctx, u); err != nil {
		if errors.Is(err, repository.ErrDuplicate) {
			// 同時登録でIDが先に作られた場合は既存ユーザーを返す
			if again, findErr := s.repos.Users.FindByID(ctx, id); findErr == nil && again != nil {
				return again, nil
			}
			return nil, model.NewHandleTakenError(handle)
		}
		return nil, fmt.Errorf("ユーザーの作成に失敗しました: %w", err)
	}

	s.publish(ctx, events.Event{Type: events.UserRegistered, ActorID: id, At: now})
	return u, nil
}

// GetUser はユーザーを返す。閲覧者をブロックしているユーザーは見つからないものとして扱う。
func (s *Service) GetUser(ctx context.Context, viewerID, userID string) (*model.User, error) {
	u, err := s.repos.Users.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	if u == nil || (viewerID != "" && viewerID != userID && u.Blocked.Has(viewerID)) {
		return nil, model.NewUserNotFoundError(userID)
	}
	return u, nil
}

// ResolveHandle はハンドルからユーザーIDを解決する。
func (s *Service) ResolveHandle(ctx context.Context, handle string) (string, error) {
	normalized := textutil.NormalizeHandle(handle)
	u, err := s.repos.Users.FindByHandle(ctx, normalized)
	if err != nil {
		return "", fmt.Errorf("ハンドルの解決に失敗しました: %w", err)
	}
	if u == nil {
		return "", model.NewUserNotFoundError("@" + normalized)
	}
	return u.ID, nil
}

// UpdateProfile はプロフィールを更新する。
// 過去の投稿・通知に埋め込まれたスナップショットは更新しない。
func (s *Service) UpdateProfile(ctx context.Context, userID string, in ProfileUpdate) (*model.User, error) {
	var (
		name, bio, avatar, banner string
		handle                    string
		err                       error
	)
	if in.DisplayName != nil {
		if name, err = s.displayName(*in.DisplayName); err != nil {
			return nil, err
		}
	}
	if in.Bio != nil {
		bio = s.sanitizer.SanitizeText(*in.Bio)
		if textutil.Length(bio) > maxBioLength {
			return nil, model.NewValidationError(fmt.Sprintf("bio は%d文字以内で入力してください", maxBioLength))
		}
	}
	if in.AvatarURL != nil {
		if avatar, err = s.profileURL(*in.AvatarURL); err != nil {
			return nil, err
		}
	}
	if in.BannerURL != nil {
		if banner, err = s.profileURL(*in.BannerURL); err != nil {
			return nil, err
		}
	}
	if in.Handle != nil {
		handle = textutil.NormalizeHandle(*in.Handle)
		if !textutil.ValidHandle(handle) {
			return nil, model.NewValidationError("handle は3〜30文字の英数字とアンダースコアで指定してください")
		}
		owner, err := s.repos.Users.FindByHandle(ctx, handle)
		if err != nil {
			return nil, fmt.Errorf("ハンドルの確認に失敗しました: %w", err)
		}
		if owner != nil && owner.ID != userID {
			return nil, model.NewHandleTakenError(handle)
		}
	}

	var updated *model.User
	err = s.repos.Tx.RunTransaction(ctx, func(ctx context.Context, tx repository.Tx) error {
		u, err := tx.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		if u == nil {
			return model.NewUserNotFoundError(userID)
		}
		if in.DisplayName != nil {
			u.DisplayName = name
		}
		if in.Handle != nil {
			u.Handle = handle
		}
		if in.Bio != nil {
			u.Bio = bio
		}
		if in.AvatarURL != nil {
			u.AvatarURL = avatar
		}
		if in.BannerURL != nil {
			u.BannerURL = banner
		}
		tx.PutUser(u)
		updated = u
		return nil
	})
	if errors.Is(err, repository.ErrDuplicate) {
		return nil, model.NewHandleTakenError(handle)
	}
	if err != nil {
		return nil, repository.Classify(err, nil)
	}

	updated.Version++
	s.publish(ctx, events.Event{Type: events.UserUpdated, ActorID: userID, At: s.now()})
	return updated, nil
}

// Follow はactorIDがtargetIDをフォローする。既にフォロー中なら何もせずfalseを返す。
func (s *Service) Follow(ctx context.Context, actorID, targetID string) (bool, error) {
	actor, target, err := s.pair(ctx, actorID, targetID)
	if err != nil {
		return false, err
	}
	if actor.HasBlockRelation(targetID) {
		return false, model.NewBlockedError()
	}
	if actor.Following.Has(targetID) {
		return false, nil
	}

	b := repository.NewBatch()
	b.Add(repository.UpdateUserSet{UserID: actorID, Set: repository.SetFollowing, MemberID: targetID, Add: true})
	b.Add(repository.UpdateUserSet{UserID: targetID, Set: repository.SetFollowers, MemberID: actorID, Add: true})
	if _, err := s.notifier.Prepare(ctx, b, notification.Event{
		Type:     model.NotificationFollow,
		ToUserID: target.ID,
		From:     actor.Snapshot(),
	}); err != nil {
		return false, err
	}
	if err := s.repos.Batches.Commit(ctx, b); err != nil {
		return false, repository.Classify(err, model.NewUserNotFoundError(targetID))
	}

	s.publish(ctx, events.Event{Type: events.UserFollowed, ActorID: actorID, TargetUserID: targetID, At: s.now()})
	return true, nil
}

// Unfollow はフォローを解除する。フォローしていなければ何もせずfalseを返す。
func (s *Service) Unfollow(ctx context.Context, actorID, targetID string) (bool, error) {
	actor, _, err := s.pair(ctx, actorID, targetID)
	if err != nil {
		return false, err
	}
	if !actor.Following.Has(targetID) {
		return false, nil
	}

	b := repository.NewBatch()
	b.Add(repository.UpdateUserSet{UserID: actorID, Set: repository.SetFollowing, MemberID: targetID, Add: false})
	b.Add(repository.UpdateUserSet{UserID: targetID, Set: repository.SetFollowers, MemberID: actorID, Add: false})
	if err := s.repos.Batches.Commit(ctx, b); err != nil {
		return false, repository.Classify(err, model.NewUserNotFoundError(targetID))
	}

	s.publish(ctx, events.Event{Type: events.UserUnfollowed, ActorID: actorID, TargetUserID: targetID, At: s.now()})
	return true, nil
}

// Block はtargetIDをブロックし、双方向のフォロー関係を解除する。既にブロック済みならfalseを返す。
func (s *Service) Block(ctx context.Context, actorID, targetID string) (bool, error) {
	actor, _, err := s.pair(ctx, actorID, targetID)
	if err != nil {
		return false, err
	}
	if actor.Blocked.Has(targetID) {
		return false, nil
	}

	b := repository.NewBatch()
	b.Add(repository.UpdateUserSet{UserID: actorID, Set: repository.SetBlocked, MemberID: targetID, Add: true})
	b.Add(repository.UpdateUserSet{UserID: targetID, Set: repository.SetBlockedBy, MemberID: actorID, Add: true})
	b.Add(repository.UpdateUserSet{UserID: actorID, Set: repository.SetFollowing, MemberID: targetID, Add: false})
	b.Add(repository.UpdateUserSet{UserID: actorID, Set: repository.SetFollowers, MemberID: targetID, Add: false})
	b.Add(repository.UpdateUserSet{UserID: targetID, Set: repository.SetFollowing, MemberID: actorID, Add: false})
	b.Add(repository.UpdateUserSet{UserID: targetID, Set: repository.SetFollowers, MemberID: actorID, Add: false})
	if err := s.repos.Batches.Commit(ctx, b); err != nil {
		return false, repository.Classify(err, model.NewUserNotFoundError(targetID))
	}

	s.publish(ctx, events.Event{Type: events.UserBlocked, ActorID: actorID, TargetUserID: targetID, At: s.now()})
	return true, nil
}

// Unblock はブロックを解除する。フォロー関係は復元しない。ブロックしていなければfalseを返す。
func (s *Service) Unblock(ctx context.Context, actorID, targetID string) (bool, error) {
	actor, _, err := s.pair(ctx, actorID, targetID)
	if err != nil {
		return false, err
	}
	if !actor.Blocked.Has(targetID) {
		return false, nil
	}

	b := repository.NewBatch()
	b.Add(repository.UpdateUserSet{UserID: actorID, Set: repository.SetBlocked, MemberID: targetID, Add: false})
	b.Add(repository.UpdateUserSet{UserID: targetID, Set: repository.SetBlockedBy, MemberID: actorID, Add: false})
	if err := s.repos.Batches.Commit(ctx, b); err != nil {
		return false, repository.Classify(err, model.NewUserNotFoundError(targetID))
	}

	s.publish(ctx, events.Event{Type: events.UserUnblocked, ActorID: actorID, TargetUserID: targetID, At: s.now()})
	return true, nil
}

// SetNotificationPreference は通知種別ごとの受信設定を変更する。
func (s *Service) SetNotificationPreference(ctx context.Context, userID string, typ model.NotificationType, enabled bool) error {
	if !typ.Valid() {
		return model.NewValidationError(fmt.Sprintf("未知の通知種別です: %s", typ))
	}
	b := repository.NewBatch()
	b.Add(repository.SetUserPreference{UserID: userID, Type: typ, Enabled: enabled})
	if err := s.repos.Batches.Commit(ctx, b); err != nil {
		return repository.Classify(err, model.NewUserNotFoundError(userID))
	}
	return nil
}

// ListFollowers はユーザーのフォロワーを返す。削除済みのユーザーは含めない。
func (s *Service) ListFollowers(ctx context.Context, viewerID, userID string) ([]*model.User, error) {
	u, err := s.GetUser(ctx, viewerID, userID)
	if err != nil {
		return nil, err
	}
	return s.lookup(ctx, u.Followers)
}

// ListFollowing はユーザーがフォローしているユーザーを返す。
func (s *Service) ListFollowing(ctx context.Context, viewerID, userID string) ([]*model.User, error) {
	u, err := s.GetUser(ctx, viewerID, userID)
	if err != nil {
		return nil, err
	}
	return s.lookup(ctx, u.Following)
}

func (s *Service) lookup(ctx context.Context, ids []string) ([]*model.User, error) {
	users, err := repository.LookupChunked(ctx, ids, s.chunkSize, s.repos.Users.FindByIDs)
	if err != nil {
		return nil, fmt.Errorf("ユーザー一覧の取得に失敗しました: %w", err)
	}
	// 集合の順序（追加順）に並べ直す
	byID := make(map[string]*model.User, len(users))
	for _, u := range users {
		byID[u.ID] = u
	}
	out := make([]*model.User, 0, len(users))
	for _, id := range ids {
		if u, ok := byID[id]; ok {
			out = append(out, u)
		}
	}
	return out, nil
}

// pair は操作者と対象ユーザーを取得する。自分自身を対象にした場合は入力エラー。
func (s *Service) pair(ctx context.Context, actorID, targetID string) (*model.User, *model.User, error) {
	if actorID == targetID {
		return nil, nil, model.NewValidationError("自分自身を対象にはできません")
	}
	users, err := s.repos.Users.FindByIDs(ctx, []string{actorID, targetID})
	if err != nil {
		return nil, nil, fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	var actor, target *model.User
	for _, u := range users {
		switch u.ID {
		case actorID:
			actor = u
		case targetID:
			target = u
		}
	}
	if actor == nil {
		return nil, nil, model.NewUserNotFoundError(actorID)
	}
	if target == nil {
		return nil, nil, model.NewUserNotFoundError(targetID)
	}
	return actor, target, nil
}

func (s *Service) displayName(raw string) (string, error) {
	name := s.sanitizer.SanitizeText(raw)
	if n := textutil.Length(name); n == 0 || n > maxDisplayNameLength {
		return "", model.NewValidationError(fmt.Sprintf("表示名は1〜%d文字で入力してください", maxDisplayNameLength))
	}
	return name, nil
}

// profileURL は空文字（削除）またはURLGuardの検証を通過したURLを返す。
func (s *Service) profileURL(raw string) (string, error) {
	if raw == "" {
		return "", nil
	}
	if err := s.guard.ValidateURL(raw); err != nil {
		if errors.Is(err, security.ErrBlockedHost) {
			return "", model.NewSSRFBlockedError()
		}
		return "", model.NewInvalidURLError(err.Error())
	}
	return raw, nil
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
