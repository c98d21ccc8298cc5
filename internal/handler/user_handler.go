package handler

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/hitoshi/socialfeed/internal/graph"
	"github.com/hitoshi/socialfeed/internal/middleware"
	"github.com/hitoshi/socialfeed/internal/model"
)

// UserServiceInterface はユーザーハンドラーが必要とするサービスインターフェース。
type UserServiceInterface interface {
	RegisterUser(ctx context.Context, id, displayName, handle string) (*model.User, error)
	GetUser(ctx context.Context, viewerID, userID string) (*model.User, error)
	ResolveHandle(ctx context.Context, handle string) (string, error)
	UpdateProfile(ctx context.Context, userID string, in graph.ProfileUpdate) (*model.User, error)
	Follow(ctx context.Context, actorID, targetID string) (bool, error)
	Unfollow(ctx context.Context, actorID, targetID string) (bool, error)
	Block(ctx context.Context, actorID, targetID string) (bool, error)
	Unblock(ctx context.Context, actorID, targetID string) (bool, error)
	SetNotificationPreference(ctx context.Context, userID string, typ model.NotificationType, enabled bool) error
	ListFollowers(ctx context.Context, viewerID, userID string) ([]*model.User, error)
	ListFollowing(ctx context.Context, viewerID, userID string) ([]*model.User, error)
}

// UserHandler はユーザー・ソーシャルグラフのHTTPハンドラー。
type UserHandler struct {
	service UserServiceInterface
}

// NewUserHandler はUserHandlerを生成する。
func NewUserHandler(service UserServiceInterface) *UserHandler {
	return &UserHandler{service: service}
}

type registerRequest struct {
	DisplayName string `json:"display_name"`
	Handle      string `json:"handle"`
}

// profileRequest はプロフィール更新リクエスト。省略した項目は変更しない。
type profileRequest struct {
	DisplayName *string `json:"display_name"`
	Handle      *string `json:"handle"`
	Bio         *string `json:"bio"`
	AvatarURL   *string `json:"avatar_url"`
	BannerURL   *string `json:"banner_url"`
}

type preferenceRequest struct {
	Enabled bool `json:"enabled"`
}

// Register はトークンのユーザーIDでユーザーを登録する。
// POST /api/users
func (h *UserHandler) Register(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req registerRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	u, err := h.service.RegisterUser(r.Context(), userID, req.DisplayName, req.Handle)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toUserResponse(userID, u))
}

// GetUser はユーザーを取得する。idに "me" を指定すると本人。
// GET /api/users/{id}
func (h *UserHandler) GetUser(w http.ResponseWriter, r *http.Request) {
	viewerID, ok := currentUser(w, r)
	if !ok {
		return
	}

	u, err := h.service.GetUser(r.Context(), viewerID, targetID(r, viewerID))
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(viewerID, u))
}

// ResolveHandle はハンドルからユーザーを引く。
// GET /api/handles/{handle}
func (h *UserHandler) ResolveHandle(w http.ResponseWriter, r *http.Request) {
	viewerID, ok := currentUser(w, r)
	if !ok {
		return
	}

	id, err := h.service.ResolveHandle(r.Context(), chi.URLParam(r, "handle"))
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	u, err := h.service.GetUser(r.Context(), viewerID, id)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(viewerID, u))
}

// UpdateProfile は本人のプロフィールを更新する。
// PATCH /api/users/me
func (h *UserHandler) UpdateProfile(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req profileRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	u, err := h.service.UpdateProfile(r.Context(), userID, graph.ProfileUpdate{
		DisplayName: req.DisplayName,
		Handle:      req.Handle,
		Bio:         req.Bio,
		AvatarURL:   req.AvatarURL,
		BannerURL:   req.BannerURL,
	})
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserResponse(userID, u))
}

// SetPreference は通知種別ごとの受信設定を変更する。
// PUT /api/users/me/preferences/{type}
func (h *UserHandler) SetPreference(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req preferenceRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	typ := model.NotificationType(chi.URLParam(r, "type"))
	if err := h.service.SetNotificationPreference(r.Context(), userID, typ, req.Enabled); err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Follow はユーザーをフォローする。
// POST /api/users/{id}/follow
func (h *UserHandler) Follow(w http.ResponseWriter, r *http.Request) {
	h.relation(w, r, h.service.Follow)
}

// Unfollow はフォローを解除する。
// DELETE /api/users/{id}/follow
func (h *UserHandler) Unfollow(w http.ResponseWriter, r *http.Request) {
	h.relation(w, r, h.service.Unfollow)
}

// Block はユーザーをブロックする。
// POST /api/users/{id}/block
func (h *UserHandler) Block(w http.ResponseWriter, r *http.Request) {
	h.relation(w, r, h.service.Block)
}

// Unblock はブロックを解除する。
// DELETE /api/users/{id}/block
func (h *UserHandler) Unblock(w http.ResponseWriter, r *http.Request) {
	h.relation(w, r, h.service.Unblock)
}

func (h *UserHandler) relation(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, actorID, targetID string) (bool, error)) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}

	changed, err := op(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, changedResponse{Changed: changed})
}

// ListFollowers はフォロワー一覧を返す。
// GET /api/users/{id}/followers
func (h *UserHandler) ListFollowers(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, h.service.ListFollowers)
}

// ListFollowing はフォロー中一覧を返す。
// GET /api/users/{id}/following
func (h *UserHandler) ListFollowing(w http.ResponseWriter, r *http.Request) {
	h.list(w, r, h.service.ListFollowing)
}

func (h *UserHandler) list(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, viewerID, userID string) ([]*model.User, error)) {
	viewerID, ok := currentUser(w, r)
	if !ok {
		return
	}

	users, err := op(r.Context(), viewerID, targetID(r, viewerID))
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toUserResponses(viewerID, users))
}

// targetID はURLの{id}を返す。"me" は閲覧者本人に読み替える。
func targetID(r *http.Request, viewerID string) string {
	if id := chi.URLParam(r, "id"); id != "me" {
		return id
	}
	return viewerID
}
