package post

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/hitoshi/socialfeed/internal/model"
	"github.com/hitoshi/socialfeed/internal/repository"
)

// DefaultTimelineSize はプロフィールのタイムラインの1ページのデフォルト件数。
const DefaultTimelineSize = 20

const maxTimelineSize = 100

// ListByAuthor はユーザーの投稿を新しい順に返す。
// 先頭ページでは固定投稿を最初に置き、以降の一覧からは除く。
func (s *Service) ListByAuthor(ctx context.Context, viewerID, authorID, cursor string, limit int) (*model.FeedPage, error) {
	if limit <= 0 {
		limit = DefaultTimelineSize
	}
	limit = min(limit, maxTimelineSize)

	before, err := decodeTimelineCursor(cursor)
	if err != nil {
		return nil, model.NewValidationError("cursor")
	}

	author, err := s.repos.Users.FindByID(ctx, authorID)
	if err != nil {
		return nil, fmt.Errorf("ユーザーの取得に失敗しました: %w", err)
	}
	if author == nil || (viewerID != authorID && author.HasBlockRelation(viewerID)) {
		return nil, model.NewUserNotFoundError(authorID)
	}

	page := &model.FeedPage{}
	if before == nil && author.PinnedPostID != "" {
		pinned, err := s.repos.Posts.FindByID(ctx, author.PinnedPostID)
		if err != nil {
			return nil, fmt.Errorf("固定投稿の取得に失敗しました: %w", err)
		}
		if pinned != nil {
			page.Items = append(page.Items, model.ViewOf(pinned, viewerID))
		}
	}

	posts, err := s.repos.Posts.List(ctx, repository.PostQuery{
		AuthorIDs: []string{authorID},
		Before:    before,
		Limit:     limit + 2,
	})
	if err != nil {
		return nil, fmt.Errorf("投稿一覧の取得に失敗しました: %w", err)
	}

	var listed []*model.Post
	for _, p := range posts {
		if p.ID == author.PinnedPostID {
			continue
		}
		listed = append(listed, p)
	}
	if len(listed) > limit {
		listed = listed[:limit]
		last := listed[len(listed)-1]
		page.NextCursor = encodeTimelineCursor(last.CreatedAt, last.ID)
		page.HasMore = true
	}
	for _, p := range listed {
		page.Items = append(page.Items, model.ViewOf(p, viewerID))
	}
	return page, nil
}

func encodeTimelineCursor(at time.Time, id string) string {
	raw := strconv.FormatInt(at.UnixNano(), 10) + "|" + id
	return base64.RawURLEncoding.EncodeToString([]byte(raw))
}

func decodeTimelineCursor(cursor string) (*repository.PostCursor, error) {
	if cursor == "" {
		return nil, nil
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return nil, err
	}
	nanos, id, ok := strings.Cut(string(raw), "|")
	if !ok || id == "" {
		return nil, errors.New("malformed cursor")
	}
	n, err := strconv.ParseInt(nanos, 10, 64)
	if err != nil {
		return nil, err
	}
	return &repository.PostCursor{CreatedAt: time.Unix(0, n), ID: id}, nil
}
