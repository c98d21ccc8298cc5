package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/socialfeed/internal/middleware"
	"github.com/hitoshi/socialfeed/internal/model"
)

// CollectionServiceInterface はコレクションハンドラーが必要とするサービスインターフェース。
type CollectionServiceInterface interface {
	ToggleSave(ctx context.Context, userID, collectionID, postID string) (bool, error)
	Create(ctx context.Context, userID, rawName string) (*model.Collection, error)
	Rename(ctx context.Context, userID, collectionID, rawName string) (*model.Collection, error)
	Delete(ctx context.Context, userID, collectionID string) error
	List(ctx context.Context, userID string) ([]model.Collection, error)
	Posts(ctx context.Context, userID, collectionID string) ([]model.FeedItem, error)
}

// CollectionHandler はコレクションのHTTPハンドラー。
type CollectionHandler struct {
	service CollectionServiceInterface
	now     func() time.Time
}

// NewCollectionHandler はCollectionHandlerを生成する。
func NewCollectionHandler(service CollectionServiceInterface) *CollectionHandler {
	return &CollectionHandler{service: service, now: time.Now}
}

type collectionRequest struct {
	Name string `json:"name"`
}

type collectionResponse struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	PostCount int       `json:"post_count"`
	Reserved  bool      `json:"reserved"`
	CreatedAt time.Time `json:"created_at,omitzero"`
}

func toCollectionResponse(c model.Collection) collectionResponse {
	return collectionResponse{
		ID:        c.ID,
		Name:      c.Name,
		PostCount: len(c.PostIDs),
		Reserved:  c.Reserved(),
		CreatedAt: c.CreatedAt,
	}
}

// List は本人のコレクション一覧を返す。all_savedは常に含まれる。
// GET /api/collections
func (h *CollectionHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}

	cols, err := h.service.List(r.Context(), userID)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	res := make([]collectionResponse, 0, len(cols))
	for _, c := range cols {
		res = append(res, toCollectionResponse(c))
	}
	writeJSON(w, http.StatusOK, res)
}

// Create はコレクションを作成する。
// POST /api/collections
func (h *CollectionHandler) Create(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req collectionRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	c, err := h.service.Create(r.Context(), userID, req.Name)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toCollectionResponse(*c))
}

// Rename はコレクション名を変更する。
// PATCH /api/collections/{id}
func (h *CollectionHandler) Rename(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req collectionRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	c, err := h.service.Rename(r.Context(), userID, chi.URLParam(r, "id"), req.Name)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toCollectionResponse(*c))
}

// Delete はコレクションを削除する。
// DELETE /api/collections/{id}
func (h *CollectionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}

	if err := h.service.Delete(r.Context(), userID, chi.URLParam(r, "id")); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ToggleSave はコレクションへの保存を切り替える。
// POST /api/collections/{id}/posts/{postID}
func (h *CollectionHandler) ToggleSave(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}

	saved, err := h.service.ToggleSave(r.Context(), userID, chi.URLParam(r, "id"), chi.URLParam(r, "postID"))
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toggleResponse{Active: saved})
}

// Posts はコレクションに保存した投稿を保存順に返す。
// GET /api/collections/{id}/posts
func (h *CollectionHandler) Posts(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}

	items, err := h.service.Posts(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	now := h.now()
	res := make([]postResponse, 0, len(items))
	for _, item := range items {
		res = append(res, toPostResponse(item, userID, now))
	}
	writeJSON(w, http.StatusOK, res)
}
