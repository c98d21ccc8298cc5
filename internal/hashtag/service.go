// Package hashtag はハッシュタグのトレンド集計を提供する。
//
// 件数は投稿の作成・削除に追随する近似値で、失敗しても投稿の書き込みは取り消さない。
// ずれは Recount で生存投稿から再計算して修正する。
package hashtag

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"

	"github.com/hitoshi/socialfeed/internal/metrics"
	"github.com/hitoshi/socialfeed/internal/model"
	"github.com/hitoshi/socialfeed/internal/repository"
)

// DefaultTrendingLimit はトレンド一覧のデフォルト件数。
const DefaultTrendingLimit = 10

const maxTrendingLimit = 50

// Service はハッシュタグ集計のサービス層。
type Service struct {
	hashtags repository.HashtagRepository
	posts    repository.PostRepository
	tx       repository.Transactor
	metrics  metrics.Recorder
	logger   *slog.Logger
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(repos *repository.Repositories, recorder metrics.Recorder, logger *slog.Logger) *Service {
	return &Service{
		hashtags: repos.Hashtags,
		posts:    repos.Posts,
		tx:       repos.Tx,
		metrics:  recorder,
		logger:   logger,
	}
}

// ApplyDelta は各タグの件数にdeltaを加える。タグごとに独立したトランザクションで更新し、
// 一部のタグが失敗しても残りの更新は続ける。失敗はログに記録し、まとめて返す。
func (s *Service) ApplyDelta(ctx context.Context, tags []string, delta int) error {
	if delta == 0 {
		return nil
	}
	var errs []error
	for _, tag := range tags {
		if err := s.apply(ctx, tag, delta); err != nil {
			s.metrics.RecordBestEffortFailure("hashtag")
			s.logger.Warn("ハッシュタグ件数の更新に失敗しました",
				slog.String("hashtag", tag),
				slog.Int("delta", delta),
				slog.String("error", err.Error()),
			)
			errs = append(errs, fmt.Errorf("%s: %w", tag, err))
		}
	}
	return errors.Join(errs...)
}

func (s *Service) apply(ctx context.Context, tag string, delta int) error {
	return s.tx.RunTransaction(ctx, func(ctx context.Context, tx repository.Tx) error {
		h, err := tx.GetHashtag(ctx, tag)
		if err != nil {
			return err
		}
		if h == nil {
			if delta < 0 {
				return nil
			}
			h = &model.Hashtag{Name: tag}
		}
		h.Count = max(0, h.Count+delta)
		tx.PutHashtag(h)
		return nil
	})
}

// Trending は件数の多い順にハッシュタグを返す。
func (s *Service) Trending(ctx context.Context, limit int) ([]*model.Hashtag, error) {
	if limit <= 0 {
		limit = DefaultTrendingLimit
	}
	tags, err := s.hashtags.ListTop(ctx, min(limit, maxTrendingLimit))
	if err != nil {
		return nil, fmt.Errorf("トレンドの取得に失敗しました: %w", err)
	}
	return tags, nil
}

// Recount は生存投稿からハッシュタグ件数を再計算し、ずれていた件数を修正する。
// 集計の後に件数が更新されたタグは集計が古い可能性があるため触らず、次回に回す。
// 修正したタグの数を返す。
func (s *Service) Recount(ctx context.Context) (int, error) {
	// 版数を先に控えてから集計する。集計より後の増減は版数の違いで検出できる
	stored, err := s.hashtags.ListAll(ctx)
	if err != nil {
		return 0, fmt.Errorf("ハッシュタグ一覧の取得に失敗しました: %w", err)
	}
	actual, err := s.posts.CountHashtags(ctx)
	if err != nil {
		return 0, fmt.Errorf("ハッシュタグの集計に失敗しました: %w", err)
	}

	names := make(map[string]struct{}, len(actual)+len(stored))
	for name := range actual {
		names[name] = struct{}{}
	}
	current := make(map[string]*model.Hashtag, len(stored))
	for _, h := range stored {
		names[h.Name] = struct{}{}
		current[h.Name] = h
	}

	fixed := 0
	for _, name := range slices.Sorted(maps.Keys(names)) {
		want := actual[name]
		seen, ok := current[name]
		if ok && seen.Count == want {
			continue
		}
		if !ok && want == 0 {
			continue
		}
		var seenVersion int64
		if ok {
			seenVersion = seen.Version
		}

		changed := false
		err := s.tx.RunTransaction(ctx, func(ctx context.Context, tx repository.Tx) error {
			changed = false
			h, err := tx.GetHashtag(ctx, name)
			if err != nil {
				return err
			}
			var version int64
			if h != nil {
				version = h.Version
			}
			if version != seenVersion {
				return nil
			}
			if h == nil {
				h = &model.Hashtag{Name: name}
			}
			h.Count = want
			tx.PutHashtag(h)
			changed = true
			return nil
		})
		if err != nil {
			return fixed, fmt.Errorf("ハッシュタグ %s の修正に失敗しました: %w", name, err)
		}
		if !changed {
			s.logger.Info("集計中に更新されたハッシュタグの修正を見送りました", slog.String("hashtag", name))
			continue
		}
		fixed++
	}
	return fixed, nil
}
