package handler

import (
	"bytes"
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/socialfeed/internal/model"
)

// mockMediaService はMediaServiceInterfaceのモック実装。
type mockMediaService struct {
	uploadFn func(ctx context.Context, userID string, r io.Reader) (string, error)
	importFn func(ctx context.Context, userID, rawURL string) (string, error)
}

func (m *mockMediaService) Upload(ctx context.Context, userID string, r io.Reader) (string, error) {
	if m.uploadFn != nil {
		return m.uploadFn(ctx, userID, r)
	}
	return "https://cdn.example.com/x.png", nil
}

func (m *mockMediaService) Import(ctx context.Context, userID, rawURL string) (string, error) {
	if m.importFn != nil {
		return m.importFn(ctx, userID, rawURL)
	}
	return "https://cdn.example.com/y.png", nil
}

func TestMediaHandler_Upload_RawBody(t *testing.T) {
	svc := &mockMediaService{
		uploadFn: func(ctx context.Context, userID string, r io.Reader) (string, error) {
			data, _ := io.ReadAll(r)
			if string(data) != "raw-bytes" {
				t.Errorf("body = %q", data)
			}
			return "https://cdn.example.com/user-1/a.png", nil
		},
	}
	h := NewMediaHandler(svc)

	req := httptest.NewRequest(http.MethodPost, "/api/media", bytes.NewBufferString("raw-bytes"))
	req.Header.Set("Content-Type", "application/octet-stream")
	req = withUserID(req, "user-1")
	w := httptest.NewRecorder()

	h.Upload(w, req)

	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want %d", w.Code, http.StatusCreated)
	}
	var res mediaResponse
	decodeBody(t, w, &res)
	if res.URL != "https://cdn.example.com/user-1/a.png" {
		t.Errorf("url = %q", res.URL)
	}
}

func TestMediaHandler_Upload_Multipart(t *testing.T) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("caption", "ignored")
	fw, _ := mw.CreateFormFile("file", "a.png")
	fw.Write([]byte("file-bytes"))
	mw.Close()

	svc := &mockMediaService{
		uploadFn: func(ctx context.Context, userID string, r io.Reader) (string, error) {
			data, _ := io.ReadAll(r)
			if string(data) != "file-bytes" {
				t.Errorf("body = %q, want file-bytes", data)
			}
			return "https://cdn.example.com/a.png", nil
		},
	}
	h := NewMediaHandler(svc)

	req := httptest.NewRequest(http.MethodPost, "/api/media", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req = withUserID(req, "user-1")
	w := httptest.NewRecorder()

	h.Upload(w, req)

	if w.Code != http.StatusCreated {
		t.Errorf("status = %d, want %d", w.Code, http.StatusCreated)
	}
}

func TestMediaHandler_Upload_MultipartWithoutFile(t *testing.T) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("caption", "no file")
	mw.Close()

	h := NewMediaHandler(&mockMediaService{})

	req := httptest.NewRequest(http.MethodPost, "/api/media", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req = withUserID(req, "user-1")
	w := httptest.NewRecorder()

	h.Upload(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestMediaHandler_Upload_Rejected(t *testing.T) {
	svc := &mockMediaService{
		uploadFn: func(ctx context.Context, userID string, r io.Reader) (string, error) {
			return "", model.NewMediaRejectedError("text/plain")
		},
	}
	h := NewMediaHandler(svc)

	req := withUserID(httptest.NewRequest(http.MethodPost, "/api/media", bytes.NewBufferString("hello")), "user-1")
	w := httptest.NewRecorder()

	h.Upload(w, req)

	if code := errorCode(t, w); code != model.ErrCodeMediaRejected {
		t.Errorf("code = %q, want %q", code, model.ErrCodeMediaRejected)
	}
}

func TestMediaHandler_Import_SSRFBlocked(t *testing.T) {
	svc := &mockMediaService{
		importFn: func(ctx context.Context, userID, rawURL string) (string, error) {
			if rawURL != "http://169.254.169.254/latest" {
				t.Errorf("rawURL = %q", rawURL)
			}
			return "", model.NewSSRFBlockedError()
		},
	}
	h := NewMediaHandler(svc)

	req := jsonRequest(t, http.MethodPost, "/api/media/import", map[string]string{"url": "http://169.254.169.254/latest"})
	req = withUserID(req, "user-1")
	w := httptest.NewRecorder()

	h.Import(w, req)

	if code := errorCode(t, w); code != model.ErrCodeSSRFBlocked {
		t.Errorf("code = %q, want %q", code, model.ErrCodeSSRFBlocked)
	}
}
