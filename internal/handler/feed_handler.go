package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/hitoshi/socialfeed/internal/feed"
	"github.com/hitoshi/socialfeed/internal/middleware"
	"github.com/hitoshi/socialfeed/internal/model"
)

// keepAliveInterval はSSE接続を維持するコメント行の送信間隔。
const keepAliveInterval = 25 * time.Second

// FeedServiceInterface はフィードハンドラーが必要とするサービスインターフェース。
type FeedServiceInterface interface {
	Page(ctx context.Context, viewerID string, scope model.FeedScope, cursor string, limit int) (*model.FeedPage, error)
	Subscribe(ctx context.Context, viewerID string, scope model.FeedScope, limit int) <-chan feed.Snapshot
}

// FeedHandler はフィードのHTTPハンドラー。
type FeedHandler struct {
	service FeedServiceInterface
	now     func() time.Time
}

// NewFeedHandler はFeedHandlerを生成する。
func NewFeedHandler(service FeedServiceInterface) *FeedHandler {
	return &FeedHandler{service: service, now: time.Now}
}

// queryScope はscopeクエリを読む。未指定はfollowing。
func queryScope(r *http.Request) (model.FeedScope, bool) {
	raw := r.URL.Query().Get("scope")
	if raw == "" {
		return model.FeedScopeFollowing, true
	}
	scope := model.FeedScope(raw)
	return scope, scope.Valid()
}

// GetFeed はフィードの1ページを返す。
// GET /api/feed?scope=&cursor=&limit=
func (h *FeedHandler) GetFeed(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	scope, ok := queryScope(r)
	if !ok {
		middleware.WriteError(w, r, model.NewValidationError("scope"))
		return
	}

	page, err := h.service.Page(r.Context(), userID, scope, r.URL.Query().Get("cursor"), queryLimit(r))
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toFeedPageResponse(page, userID, h.now()))
}

// Stream はフィード先頭ページをServer-Sent Eventsで送り続ける。
// 変更があるたびに "feed" イベント、再合成に失敗したら "error" イベントを送る。
// GET /api/feed/stream?scope=&limit=
func (h *FeedHandler) Stream(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	scope, ok := queryScope(r)
	if !ok {
		middleware.WriteError(w, r, model.NewValidationError("scope"))
		return
	}

	rc := http.NewResponseController(w)
	// サーバーのWriteTimeoutで切断されないよう、この接続だけ書き込み期限を外す
	_ = rc.SetWriteDeadline(time.Time{})
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	if err := rc.Flush(); err != nil {
		slog.Warn("SSEのフラッシュに対応していません", slog.String("error", err.Error()))
		return
	}

	ctx := r.Context()
	snapshots := h.service.Subscribe(ctx, userID, scope, queryLimit(r))
	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := fmt.Fprint(w, ": keep-alive\n\n"); err != nil {
				return
			}
		case snap, ok := <-snapshots:
			if !ok {
				return
			}
			if err := h.writeSnapshot(w, userID, snap); err != nil {
				return
			}
		}
		if err := rc.Flush(); err != nil {
			return
		}
	}
}

func (h *FeedHandler) writeSnapshot(w http.ResponseWriter, viewerID string, snap feed.Snapshot) error {
	event := "feed"
	var payload any
	if snap.Err != nil {
		event = "error"
		payload = map[string]string{"message": "フィードの取得に失敗しました。"}
	} else {
		payload = toFeedPageResponse(snap.Page, viewerID, h.now())
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
