package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/hitoshi/socialfeed/internal/middleware"
	"github.com/hitoshi/socialfeed/internal/model"
)

// defaultTrendingLimit はトレンド取得件数の既定値。
const defaultTrendingLimit = 10

// NotificationServiceInterface は通知ハンドラーが必要とするサービスインターフェース。
type NotificationServiceInterface interface {
	List(ctx context.Context, userID, cursor string, limit int) (*model.NotificationPage, error)
	MarkRead(ctx context.Context, userID string, ids []string) (int, error)
}

// HashtagServiceInterface はトレンドの取得。
type HashtagServiceInterface interface {
	Trending(ctx context.Context, limit int) ([]*model.Hashtag, error)
}

// NotificationHandler は通知とトレンドのHTTPハンドラー。
type NotificationHandler struct {
	notifications NotificationServiceInterface
	hashtags      HashtagServiceInterface
}

// NewNotificationHandler はNotificationHandlerを生成する。
func NewNotificationHandler(notifications NotificationServiceInterface, hashtags HashtagServiceInterface) *NotificationHandler {
	return &NotificationHandler{notifications: notifications, hashtags: hashtags}
}

type notificationPageResponse struct {
	Notifications []notificationResponse `json:"notifications"`
	NextCursor    string                 `json:"next_cursor,omitempty"`
	UnreadCount   int                    `json:"unread_count"`
}

type markReadRequest struct {
	// IDs が空なら全件を既読にする。
	IDs []string `json:"ids"`
}

type markReadResponse struct {
	Updated int `json:"updated"`
}

type hashtagResponse struct {
	Name      string    `json:"name"`
	Count     int       `json:"count"`
	UpdatedAt time.Time `json:"updated_at"`
}

func toNotificationResponse(n *model.Notification) notificationResponse {
	return notificationResponse{
		ID:        n.ID,
		Type:      n.Type,
		From:      n.From,
		Payload:   n.Payload,
		Read:      n.Read,
		CreatedAt: n.CreatedAt,
	}
}

// List は本人宛ての通知を新しい順に返す。
// GET /api/notifications?cursor=&limit=
func (h *NotificationHandler) List(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}

	page, err := h.notifications.List(r.Context(), userID, r.URL.Query().Get("cursor"), queryLimit(r))
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	res := notificationPageResponse{
		Notifications: make([]notificationResponse, 0, len(page.Notifications)),
		NextCursor:    page.NextCursor,
		UnreadCount:   page.UnreadCount,
	}
	for _, n := range page.Notifications {
		res.Notifications = append(res.Notifications, toNotificationResponse(n))
	}
	writeJSON(w, http.StatusOK, res)
}

// MarkRead は通知を既読にする。
// POST /api/notifications/read
func (h *NotificationHandler) MarkRead(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req markReadRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	n, err := h.notifications.MarkRead(r.Context(), userID, req.IDs)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, markReadResponse{Updated: n})
}

// Trending は件数の多いハッシュタグを返す。
// GET /api/hashtags/trending?limit=
func (h *NotificationHandler) Trending(w http.ResponseWriter, r *http.Request) {
	limit := queryLimit(r)
	if limit == 0 {
		limit = defaultTrendingLimit
	}

	tags, err := h.hashtags.Trending(r.Context(), limit)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	res := make([]hashtagResponse, 0, len(tags))
	for _, t := range tags {
		res = append(res, hashtagResponse{Name: t.Name, Count: t.Count, UpdatedAt: t.UpdatedAt})
	}
	writeJSON(w, http.StatusOK, res)
}
