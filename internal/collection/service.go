// Package collection はユーザーごとの保存コレクションを提供する。
//
// コレクションはユーザードキュメントに配列として埋め込まれ、変更は配列全体の
// 読み取り→書き戻しを版数条件付きで行う。予約コレクション all_saved は
// 保存されていなくても常に存在するものとして扱う。
package collection

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/hitoshi/socialfeed/internal/events"
	"github.com/hitoshi/socialfeed/internal/metrics"
	"github.com/hitoshi/socialfeed/internal/model"
	"github.com/hitoshi/socialfeed/internal/repository"
	"github.com/hitoshi/socialfeed/internal/security"
	"github.com/hitoshi/socialfeed/internal/textutil"
)

// maxNameLength はコレクション名の最大文字数。
const maxNameLength = 50

// Service はコレクションのサービス層。
type Service struct {
	repos     *repository.Repositories
	publisher events.Publisher
	sanitizer security.TextSanitizer
	metrics   metrics.Recorder
	logger    *slog.Logger
	chunkSize int
	now       func() time.Time
	newID     func() string
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	repos *repository.Repositories,
	publisher events.Publisher,
	sanitizer security.TextSanitizer,
	recorder metrics.Recorder,
	logger *slog.Logger,
	chunkSize int,
) *Service {
	return &Service{
		repos:     repos,
		publisher: publisher,
		sanitizer: sanitizer,
		metrics:   recorder,
		logger:    logger,
		chunkSize: chunkSize,
		now:       time.Now,
		newID:     uuid.NewString,
	}
}

// ToggleSave はコレクションへの投稿の保存を切り替え、切り替え後に保存されているかを返す。
// collectionIDが空なら all_saved を対象にする。
func (s *Service) ToggleSave(ctx context.Context, userID, collectionID, postID string) (bool, error) {
	if collectionID == "" {
		collectionID = model.AllSavedCollectionID
	}

	var saved bool
	err := s.update(ctx, userID, func(ctx context.Context, cols []model.Collection) ([]model.Collection, error) {
		i := model.IndexOfCollection(cols, collectionID)
		if i < 0 {
			return nil, model.NewCollectionNotFoundError(collectionID)
		}
		c := &cols[i]
		if j := slices.Index(c.PostIDs, postID); j >= 0 {
			c.PostIDs = slices.Delete(c.PostIDs, j, j+1)
			saved = false
			return cols, nil
		}

		// 保存時のみ投稿の存在を確認する。削除済み投稿の保存解除は許可する
		p, err := s.repos.Posts.FindByID(ctx, postID)
		if err != nil {
			return nil, fmt.Errorf("投稿の取得に失敗しました: %w", err)
		}
		if p == nil {
			return nil, model.NewPostNotFoundError(postID)
		}
		c.PostIDs = append([]string{postID}, c.PostIDs...)
		saved = true
		return cols, nil
	})
	if err != nil {
		return false, err
	}
	s.publish(ctx, userID, "save:"+collectionID)
	return saved, nil
}

// Create はコレクションを作成する。名前は大文字小文字を区別せず一意。
func (s *Service) Create(ctx context.Context, userID, rawName string) (*model.Collection, error) {
	name, err := s.name(rawName)
	if err != nil {
		return nil, err
	}

	var created model.Collection
	err = s.update(ctx, userID, func(ctx context.Context, cols []model.Collection) ([]model.Collection, error) {
		if nameTaken(cols, name, "") {
			return nil, model.NewCollectionNameTakenError(name)
		}
		created = model.Collection{ID: s.newID(), Name: name, PostIDs: []string{}, CreatedAt: s.now()}
		return append(cols, created), nil
	})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, userID, "create:"+created.ID)
	return &created, nil
}

// Rename はコレクション名を変更する。予約コレクションは変更できない。
func (s *Service) Rename(ctx context.Context, userID, collectionID, rawName string) (*model.Collection, error) {
	if collectionID == model.AllSavedCollectionID {
		return nil, model.NewReservedCollectionError()
	}
	name, err := s.name(rawName)
	if err != nil {
		return nil, err
	}

	var renamed model.Collection
	err = s.update(ctx, userID, func(ctx context.Context, cols []model.Collection) ([]model.Collection, error) {
		i := model.IndexOfCollection(cols, collectionID)
		if i < 0 {
			return nil, model.NewCollectionNotFoundError(collectionID)
		}
		if nameTaken(cols, name, collectionID) {
			return nil, model.NewCollectionNameTakenError(name)
		}
		cols[i].Name = name
		renamed = cols[i].Clone()
		return cols, nil
	})
	if err != nil {
		return nil, err
	}
	s.publish(ctx, userID, "rename:"+collectionID)
	return &renamed, nil
}

// Delete はコレクションを削除する。予約コレクションは削除できない。
func (s *Service) Delete(ctx context.Context, userID, collectionID string) error {
	if collectionID == model.AllSavedCollectionID {
		return model.NewReservedCollectionError()
	}
	err := s.update(ctx, userID, func(ctx context.Context, cols []model.Collection) ([]model.Collection, error) {
		i := model.IndexOfCollection(cols, collectionID)
		if i < 0 {
			return nil, model.NewCollectionNotFoundError(collectionID)
		}
		return slices.Delete(cols, i, i+1), nil
	})
	if err != nil {
		return err
	}
	s.publish(ctx, userID, "delete:"+collectionID)
	return nil
}

// List はユーザーのコレクション一覧を返す。
func (s *Service) List(ctx context.Context, userID string) ([]model.Collection, error) {
	u, err := s.repos.Users.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	if u == nil {
		return nil, model.NewUserNotFoundError(userID)
	}
	return model.WithAllSaved(u.Collections), nil
}

// Posts はコレクションの投稿を保存順に返す。
// 削除済みの投稿とブロック関係にあるユーザーの投稿は読み飛ばす。
func (s *Service) Posts(ctx context.Context, userID, collectionID string) ([]model.FeedItem, error) {
	u, err := s.repos.Users.FindByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	if u == nil {
		return nil, model.NewUserNotFoundError(userID)
	}
	cols := model.WithAllSaved(u.Collections)
	i := model.IndexOfCollection(cols, collectionID)
	if i < 0 {
		return nil, model.NewCollectionNotFoundError(collectionID)
	}
	ids := cols[i].PostIDs

	posts, err := repository.LookupChunked(ctx, ids, s.chunkSize, s.repos.Posts.FindByIDs)
	if err != nil {
		return nil, fmt.Errorf("保存した投稿の取得に失敗しました: %w", err)
	}
	byID := make(map[string]*model.Post, len(posts))
	for _, p := range posts {
		byID[p.ID] = p
	}

	items := make([]model.FeedItem, 0, len(ids))
	for _, id := range ids {
		p, ok := byID[id]
		if !ok || u.HasBlockRelation(p.AuthorID) {
			continue
		}
		items = append(items, model.ViewOf(p, userID))
	}
	return items, nil
}

type mutation func(ctx context.Context, cols []model.Collection) ([]model.Collection, error)

// update はユーザーのコレクション配列を読み取り、fnの結果で書き戻す。
// 競合時はfnが再度呼ばれる。
func (s *Service) update(ctx context.Context, userID string, fn mutation) error {
	err := s.repos.Tx.RunTransaction(ctx, func(ctx context.Context, tx repository.Tx) error {
		u, err := tx.GetUser(ctx, userID)
		if err != nil {
			return err
		}
		if u == nil {
			return model.NewUserNotFoundError(userID)
		}
		cols, err := fn(ctx, model.WithAllSaved(u.Collections))
		if err != nil {
			return err
		}
		u.Collections = cols
		tx.PutUser(u)
		return nil
	})
	return repository.Classify(err, model.NewUserNotFoundError(userID))
}

func (s *Service) name(raw string) (string, error) {
	name := s.sanitizer.SanitizeText(raw)
	if n := textutil.Length(name); n == 0 || n > maxNameLength {
		return "", model.NewValidationError(fmt.Sprintf("コレクション名は1〜%d文字で入力してください", maxNameLength))
	}
	return name, nil
}

func nameTaken(cols []model.Collection, name, exceptID string) bool {
	for _, c := range cols {
		if c.ID != exceptID && strings.EqualFold(c.Name, name) {
			return true
		}
	}
	return false
}

func (s *Service) publish(ctx context.Context, userID, detail string) {
	ev := events.Event{Type: events.CollectionChange, ActorID: userID, Detail: detail, At: s.now()}
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.metrics.RecordBestEffortFailure("events")
		s.logger.Warn("イベントの発行に失敗しました",
			slog.String("type", string(ev.Type)),
			slog.String("error", err.Error()),
		)
	}
}
