package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/socialfeed/internal/middleware"
	"github.com/hitoshi/socialfeed/internal/model"
	"github.com/hitoshi/socialfeed/internal/poll"
	"github.com/hitoshi/socialfeed/internal/post"
)

// sessionHeader は閲覧の重複排除に使うクライアントのセッションID。
const sessionHeader = "X-Session-ID"

// PostServiceInterface は投稿ハンドラーが必要とするサービスインターフェース。
type PostServiceInterface interface {
	CreatePost(ctx context.Context, authorID string, in post.NewPost) (*model.Post, error)
	EditPost(ctx context.Context, userID, postID, rawContent string) (*model.Post, error)
	DeletePost(ctx context.Context, userID, postID string) error
	PinPost(ctx context.Context, userID, postID string) (bool, error)
	RecordView(ctx context.Context, viewerID, sessionID, postID string) (bool, error)
	GetPost(ctx context.Context, viewerID, postID string) (*model.FeedItem, error)
	ListByAuthor(ctx context.Context, viewerID, authorID, cursor string, limit int) (*model.FeedPage, error)
}

// EngagementServiceInterface はいいね・リツイートの切り替え。
type EngagementServiceInterface interface {
	Toggle(ctx context.Context, postID, userID string, kind model.EngagementKind) (bool, error)
	ToggleCommentLike(ctx context.Context, commentID, userID string) (bool, error)
}

// PollServiceInterface は投票。
type PollServiceInterface interface {
	CastVote(ctx context.Context, postID, userID string, optionIndex int) (bool, error)
	Results(ctx context.Context, viewerID, postID string) (*poll.Result, error)
}

// PostHandler は投稿・エンゲージメント・投票のHTTPハンドラー。
type PostHandler struct {
	posts      PostServiceInterface
	engagement EngagementServiceInterface
	polls      PollServiceInterface
	now        func() time.Time
}

// NewPostHandler はPostHandlerを生成する。
func NewPostHandler(posts PostServiceInterface, engagement EngagementServiceInterface, polls PollServiceInterface) *PostHandler {
	return &PostHandler{posts: posts, engagement: engagement, polls: polls, now: time.Now}
}

type createPostRequest struct {
	Content      string `json:"content"`
	MediaURL     string `json:"media_url"`
	Location     string `json:"location"`
	QuotedPostID string `json:"quoted_post_id"`
	Poll         *struct {
		Options []string `json:"options"`
		// DurationMinutes が0なら締切なし。
		DurationMinutes int `json:"duration_minutes"`
	} `json:"poll"`
}

type editPostRequest struct {
	Content string `json:"content"`
}

type voteRequest struct {
	OptionIndex *int `json:"option_index"`
}

type voteResponse struct {
	Accepted bool         `json:"accepted"`
	Results  *poll.Result `json:"results"`
}

type viewResponse struct {
	Counted bool `json:"counted"`
}

// CreatePost は投稿を作成する。
// POST /api/posts
func (h *PostHandler) CreatePost(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req createPostRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	in := post.NewPost{
		Content:      req.Content,
		MediaURL:     req.MediaURL,
		Location:     req.Location,
		QuotedPostID: req.QuotedPostID,
	}
	if req.Poll != nil {
		in.Poll = &post.NewPoll{
			Options:  req.Poll.Options,
			Duration: time.Duration(req.Poll.DurationMinutes) * time.Minute,
		}
	}

	p, err := h.posts.CreatePost(r.Context(), userID, in)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPostResponse(model.ViewOf(p, userID), userID, h.now()))
}

// GetPost は投稿を1件返す。
// GET /api/posts/{id}
func (h *PostHandler) GetPost(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}

	item, err := h.posts.GetPost(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPostResponse(*item, userID, h.now()))
}

// EditPost は投稿本文を編集する。
// PATCH /api/posts/{id}
func (h *PostHandler) EditPost(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req editPostRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	p, err := h.posts.EditPost(r.Context(), userID, chi.URLParam(r, "id"), req.Content)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPostResponse(model.ViewOf(p, userID), userID, h.now()))
}

// DeletePost は投稿を削除する。
// DELETE /api/posts/{id}
func (h *PostHandler) DeletePost(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}

	if err := h.posts.DeletePost(r.Context(), userID, chi.URLParam(r, "id")); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// PinPost はプロフィールへの固定を切り替える。
// POST /api/posts/{id}/pin
func (h *PostHandler) PinPost(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}

	pinned, err := h.posts.PinPost(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toggleResponse{Active: pinned})
}

// RecordView は閲覧を記録する。
// POST /api/posts/{id}/view
func (h *PostHandler) RecordView(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}

	counted, err := h.posts.RecordView(r.Context(), userID, r.Header.Get(sessionHeader), chi.URLParam(r, "id"))
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewResponse{Counted: counted})
}

// Like はいいねを切り替える。
// POST /api/posts/{id}/like
func (h *PostHandler) Like(w http.ResponseWriter, r *http.Request) {
	h.toggle(w, r, model.EngagementLike)
}

// Retweet はリツイートを切り替える。
// POST /api/posts/{id}/retweet
func (h *PostHandler) Retweet(w http.ResponseWriter, r *http.Request) {
	h.toggle(w, r, model.EngagementRetweet)
}

func (h *PostHandler) toggle(w http.ResponseWriter, r *http.Request, kind model.EngagementKind) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}

	active, err := h.engagement.Toggle(r.Context(), chi.URLParam(r, "id"), userID, kind)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toggleResponse{Active: active})
}

// LikeComment はコメントへのいいねを切り替える。
// POST /api/comments/{id}/like
func (h *PostHandler) LikeComment(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}

	active, err := h.engagement.ToggleCommentLike(r.Context(), chi.URLParam(r, "id"), userID)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toggleResponse{Active: active})
}

// Vote は投票する。既に投票済みならaccepted=falseで現在の集計を返す。
// POST /api/posts/{id}/vote
func (h *PostHandler) Vote(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req voteRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.OptionIndex == nil {
		middleware.WriteError(w, r, model.NewValidationError("option_index"))
		return
	}

	postID := chi.URLParam(r, "id")
	accepted, err := h.polls.CastVote(r.Context(), postID, userID, *req.OptionIndex)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	res, err := h.polls.Results(r.Context(), userID, postID)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, voteResponse{Accepted: accepted, Results: res})
}

// PollResults は投票の集計を返す。
// GET /api/posts/{id}/poll
func (h *PostHandler) PollResults(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}

	res, err := h.polls.Results(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// ListByAuthor はユーザーの投稿を新しい順に返す。固定した投稿は1ページ目の先頭に来る。
// GET /api/users/{id}/posts
func (h *PostHandler) ListByAuthor(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}

	page, err := h.posts.ListByAuthor(r.Context(), userID, targetID(r, userID), r.URL.Query().Get("cursor"), queryLimit(r))
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toFeedPageResponse(page, userID, h.now()))
}
