package handler

import (
	"context"
	"io"
	"mime"
	"net/http"

	"github.com/hitoshi/socialfeed/internal/middleware"
	"github.com/hitoshi/socialfeed/internal/model"
)

// MediaServiceInterface はメディアハンドラーが必要とするサービスインターフェース。
type MediaServiceInterface interface {
	Upload(ctx context.Context, userID string, r io.Reader) (string, error)
	Import(ctx context.Context, userID, rawURL string) (string, error)
}

// MediaHandler はメディアのアップロードと取り込みのHTTPハンドラー。
type MediaHandler struct {
	service MediaServiceInterface
}

// NewMediaHandler はMediaHandlerを生成する。
func NewMediaHandler(service MediaServiceInterface) *MediaHandler {
	return &MediaHandler{service: service}
}

type importMediaRequest struct {
	URL string `json:"url"`
}

type mediaResponse struct {
	URL string `json:"url"`
}

// Upload はmultipartの "file" フィールド、またはリクエストボディそのものを保存する。
// サイズ上限と形式の判定はサービス側で行う。
// POST /api/media
func (h *MediaHandler) Upload(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}

	body := io.Reader(r.Body)
	if mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type")); mediaType == "multipart/form-data" {
		reader, err := r.MultipartReader()
		if err != nil {
			middleware.WriteError(w, r, model.NewValidationError("multipart"))
			return
		}
		var found bool
		for {
			part, err := reader.NextPart()
			if err != nil {
				break
			}
			if part.FormName() == "file" {
				body, found = part, true
				break
			}
			part.Close()
		}
		if !found {
			middleware.WriteError(w, r, model.NewValidationError("file"))
			return
		}
	}

	url, err := h.service.Upload(r.Context(), userID, body)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, mediaResponse{URL: url})
}

// Import は外部URLのメディアを取り込む。
// POST /api/media/import
func (h *MediaHandler) Import(w http.ResponseWriter, r *http.Request) {
	userID, ok := currentUser(w, r)
	if !ok {
		return
	}
	var req importMediaRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	url, err := h.service.Import(r.Context(), userID, req.URL)
	if err != nil {
		middleware.WriteError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, mediaResponse{URL: url})
}
