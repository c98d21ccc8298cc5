// Package feed は投稿と再投稿を時系列に合成したフィードを提供する。
//
// フィードは読み取り時に組み立てる。投稿と再投稿をそれぞれキーセットページングで
// 少しずつ読み、実効時刻の降順にマージしながらブロック関係で絞り込む。
// 合成はストアに何も書き込まない。
package feed

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/hitoshi/socialfeed/internal/changefeed"
	"github.com/hitoshi/socialfeed/internal/metrics"
	"github.com/hitoshi/socialfeed/internal/model"
	"github.com/hitoshi/socialfeed/internal/repository"
)

// DefaultPageSize はフィード1ページのデフォルト件数。
const DefaultPageSize = 20

const (
	maxPageSize = 100
	// defaultBatchSize は各ソースから1回に読む件数。
	defaultBatchSize = 50
)

// Options はフィード合成の設定。
type Options struct {
	PageSize  int
	BatchSize int
	ChunkSize int
}

// Service はフィードのサービス層。
type Service struct {
	repos   *repository.Repositories
	hub     changefeed.Hub
	metrics metrics.Recorder
	logger  *slog.Logger
	opts    Options
}

// NewService はServiceの新しいインスタンスを生成する。
func NewService(
	repos *repository.Repositories,
	hub changefeed.Hub,
	recorder metrics.Recorder,
	logger *slog.Logger,
	opts Options,
) *Service {
	if opts.PageSize <= 0 {
		opts.PageSize = DefaultPageSize
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = defaultBatchSize
	}
	return &Service{repos: repos, hub: hub, metrics: recorder, logger: logger, opts: opts}
}

// Compose は閲覧者のフィードを先頭から順に返す。
// 返すシーケンスは遅延評価で、何度でも最初から読み直せる。
func (s *Service) Compose(ctx context.Context, viewerID string, scope model.FeedScope) iter.Seq2[model.FeedItem, error] {
	return s.compose(ctx, viewerID, scope, nil)
}

// compose はafterより後ろ（afterを含まない）の項目を返す。afterがnilなら先頭から。
func (s *Service) compose(ctx context.Context, viewerID string, scope model.FeedScope, after *model.FeedKey) iter.Seq2[model.FeedItem, error] {
	return func(yield func(model.FeedItem, error) bool) {
		if !scope.Valid() {
			yield(model.FeedItem{}, model.NewValidationError(fmt.Sprintf("不明なフィード範囲です: %s", scope)))
			return
		}
		viewer, err := s.repos.Users.FindByID(ctx, viewerID)
		if err != nil {
			yield(model.FeedItem{}, fmt.Errorf("閲覧者の取得に失敗しました: %w", err))
			return
		}
		if viewer == nil {
			yield(model.FeedItem{}, model.NewUserNotFoundError(viewerID))
			return
		}

		var authors []string
		if scope == model.FeedScopeFollowing {
			authors = append([]string{viewer.ID}, viewer.Following...)
		}
		posts := &postSource{repos: s.repos, authors: authors, batch: s.opts.BatchSize, after: after}
		reposts := &repostSource{repos: s.repos, users: authors, batch: s.opts.BatchSize, chunk: s.opts.ChunkSize, after: after}

		type dedupeKey struct{ postID, reposterID string }
		seen := map[dedupeKey]bool{}

		for {
			p, err := posts.peek(ctx)
			if err != nil {
				yield(model.FeedItem{}, err)
				return
			}
			r, err := reposts.peek(ctx)
			if err != nil {
				yield(model.FeedItem{}, err)
				return
			}

			var next *model.FeedItem
			switch {
			case p == nil && r == nil:
				return
			case r == nil || (p != nil && p.Key().Compare(r.Key()) > 0):
				next = posts.pop()
			default:
				next = reposts.pop()
			}

			item := *next
			if !visible(viewer, item) {
				continue
			}
			k := dedupeKey{postID: item.Post.ID}
			if item.Attribution != nil {
				k.reposterID = item.Attribution.ReposterID
			}
			if seen[k] {
				continue
			}
			seen[k] = true

			item.IsLiked = item.Post.Likes.Has(viewer.ID)
			item.IsRetweeted = item.Post.Retweets.Has(viewer.ID)
			if !yield(item, nil) {
				return
			}
		}
	}
}

// visible は閲覧者と投稿者・再投稿者の間にブロック関係が無いかを返す。
func visible(viewer *model.User, item model.FeedItem) bool {
	if viewer.HasBlockRelation(item.Post.AuthorID) {
		return false
	}
	if item.Attribution != nil && viewer.HasBlockRelation(item.Attribution.ReposterID) {
		return false
	}
	return true
}

// Page はcursorの続きから最大limit件のフィードを返す。
func (s *Service) Page(ctx context.Context, viewerID string, scope model.FeedScope, cursor string, limit int) (*model.FeedPage, error) {
	start := time.Now()
	if limit <= 0 {
		limit = s.opts.PageSize
	}
	limit = min(limit, maxPageSize)

	after, err := decodeCursor(cursor)
	if err != nil {
		return nil, model.NewValidationError("cursor")
	}

	page := &model.FeedPage{Items: []model.FeedItem{}}
	for item, err := range s.compose(ctx, viewerID, scope, after) {
		if err != nil {
			return nil, err
		}
		if len(page.Items) == limit {
			page.HasMore = true
			break
		}
		page.Items = append(page.Items, item)
	}
	if page.HasMore {
		page.NextCursor = encodeCursor(page.Items[len(page.Items)-1].Key())
	}

	s.metrics.RecordFeedComposition(string(scope), time.Since(start))
	return page, nil
}

// --- ソース ---

// postSource は投稿を (created_at, id) の降順に少しずつ読む。
type postSource struct {
	repos   *repository.Repositories
	authors []string
	batch   int
	after   *model.FeedKey

	buf    []model.FeedItem
	cursor *repository.PostCursor
	done   bool
}

func (s *postSource) peek(ctx context.Context) (*model.FeedItem, error) {
	for len(s.buf) == 0 && !s.done {
		if err := s.fill(ctx); err != nil {
			return nil, err
		}
	}
	if len(s.buf) == 0 {
		return nil, nil
	}
	return &s.buf[0], nil
}

func (s *postSource) pop() *model.FeedItem {
	item := s.buf[0]
	s.buf = s.buf[1:]
	return &item
}

func (s *postSource) fill(ctx context.Context) error {
	before := s.cursor
	if before == nil && s.after != nil {
		// 再投稿の位置から再開した場合、同じ時刻・同じ投稿の元投稿はその後ろに並ぶ
		before = &repository.PostCursor{CreatedAt: s.after.At, ID: s.after.PostID, Inclusive: true}
	}
	list, err := s.repos.Posts.List(ctx, repository.PostQuery{AuthorIDs: s.authors, Before: before, Limit: s.batch})
	if err != nil {
		return fmt.Errorf("投稿一覧の取得に失敗しました: %w", err)
	}
	if len(list) < s.batch {
		s.done = true
	}
	if len(list) > 0 {
		last := list[len(list)-1]
		s.cursor = &repository.PostCursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}
	for _, p := range list {
		item := model.FeedItem{Post: p, EffectiveAt: p.CreatedAt}
		if s.after != nil && item.Key().Compare(*s.after) >= 0 {
			continue
		}
		s.buf = append(s.buf, item)
	}
	return nil
}

// repostSource は再投稿を (created_at, post_id, user_id) の降順に少しずつ読み、
// 参照先の投稿を分割検索で解決する。参照先が削除済みの再投稿は読み飛ばす。
type repostSource struct {
	repos *repository.Repositories
	users []string
	batch int
	chunk int
	after *model.FeedKey

	buf    []model.FeedItem
	cursor *repository.RepostCursor
	done   bool
}

func (s *repostSource) peek(ctx context.Context) (*model.FeedItem, error) {
	for len(s.buf) == 0 && !s.done {
		if err := s.fill(ctx); err != nil {
			return nil, err
		}
	}
	if len(s.buf) == 0 {
		return nil, nil
	}
	return &s.buf[0], nil
}

func (s *repostSource) pop() *model.FeedItem {
	item := s.buf[0]
	s.buf = s.buf[1:]
	return &item
}

func (s *repostSource) fill(ctx context.Context) error {
	before := s.cursor
	if before == nil && s.after != nil {
		before = &repository.RepostCursor{CreatedAt: s.after.At, PostID: s.after.PostID, UserID: s.after.ReposterID}
	}
	list, err := s.repos.Reposts.List(ctx, repository.RepostQuery{UserIDs: s.users, Before: before, Limit: s.batch})
	if err != nil {
		return fmt.Errorf("再投稿一覧の取得に失敗しました: %w", err)
	}
	if len(list) < s.batch {
		s.done = true
	}
	if len(list) == 0 {
		return nil
	}
	last := list[len(list)-1]
	s.cursor = &repository.RepostCursor{CreatedAt: last.CreatedAt, PostID: last.PostID, UserID: last.UserID}

	ids := make([]string, len(list))
	for i, rp := range list {
		ids[i] = rp.PostID
	}
	posts, err := repository.LookupChunked(ctx, ids, s.chunk, s.repos.Posts.FindByIDs)
	if err != nil {
		return fmt.Errorf("再投稿元の投稿の取得に失敗しました: %w", err)
	}
	byID := make(map[string]*model.Post, len(posts))
	for _, p := range posts {
		byID[p.ID] = p
	}

	for _, rp := range list {
		p, ok := byID[rp.PostID]
		if !ok {
			continue
		}
		s.buf = append(s.buf, model.FeedItem{
			Post:        p,
			Attribution: &model.Attribution{ReposterID: rp.UserID, RepostedAt: rp.CreatedAt},
			EffectiveAt: rp.CreatedAt,
		})
	}
	return nil
}
