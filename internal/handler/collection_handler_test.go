package handler

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/hitoshi/socialfeed/internal/model"
)

// mockCollectionService はCollectionServiceInterfaceのモック実装。
type mockCollectionService struct {
	toggleFn func(ctx context.Context, userID, collectionID, postID string) (bool, error)
	createFn func(ctx context.Context, userID, name string) (*model.Collection, error)
	renameFn func(ctx context.Context, userID, collectionID, name string) (*model.Collection, error)
	deleteFn func(ctx context.Context, userID, collectionID string) error
	listFn   func(ctx context.Context, userID string) ([]model.Collection, error)
	postsFn  func(ctx context.Context, userID, collectionID string) ([]model.FeedItem, error)
}

func (m *mockCollectionService) ToggleSave(ctx context.Context, userID, collectionID, postID string) (bool, error) {
	if m.toggleFn != nil {
		return m.toggleFn(ctx, userID, collectionID, postID)
	}
	return true, nil
}

func (m *mockCollectionService) Create(ctx context.Context, userID, name string) (*model.Collection, error) {
	if m.createFn != nil {
		return m.createFn(ctx, userID, name)
	}
	return &model.Collection{ID: "col-1", Name: name}, nil
}

func (m *mockCollectionService) Rename(ctx context.Context, userID, collectionID, name string) (*model.Collection, error) {
	if m.renameFn != nil {
		return m.renameFn(ctx, userID, collectionID, name)
	}
	return &model.Collection{ID: collectionID, Name: name}, nil
}

func (m *mockCollectionService) Delete(ctx context.Context, userID, collectionID string) error {
	if m.deleteFn != nil {
		return m.deleteFn(ctx, userID, collectionID)
	}
	return nil
}

func (m *mockCollectionService) List(ctx context.Context, userID string) ([]model.Collection, error) {
	if m.listFn != nil {
		return m.listFn(ctx, userID)
	}
	return model.WithAllSaved(nil), nil
}

func (m *mockCollectionService) Posts(ctx context.Context, userID, collectionID string) ([]model.FeedItem, error) {
	if m.postsFn != nil {
		return m.postsFn(ctx, userID, collectionID)
	}
	return nil, nil
}

func TestCollectionHandler_List_IncludesAllSaved(t *testing.T) {
	h := NewCollectionHandler(&mockCollectionService{})

	req := withUserID(httptest.NewRequest(http.MethodGet, "/api/collections", nil), "user-1")
	w := httptest.NewRecorder()

	h.List(w, req)

	var res []collectionResponse
	decodeBody(t, w, &res)
	if len(res) != 1 || res[0].ID != model.AllSavedCollectionID || !res[0].Reserved {
		t.Errorf("collections = %+v", res)
	}
}

func TestCollectionHandler_Create_NameTaken(t *testing.T) {
	svc := &mockCollectionService{
		createFn: func(ctx context.Context, userID, name string) (*model.Collection, error) {
			return nil, model.NewCollectionNameTakenError(name)
		},
	}
	h := NewCollectionHandler(svc)

	req := withUserID(jsonRequest(t, http.MethodPost, "/api/collections", map[string]string{"name": "Recipes"}), "user-1")
	w := httptest.NewRecorder()

	h.Create(w, req)

	if w.Code != http.StatusConflict {
		t.Errorf("status = %d, want %d", w.Code, http.StatusConflict)
	}
}

func TestCollectionHandler_Rename(t *testing.T) {
	h := NewCollectionHandler(&mockCollectionService{})

	req := jsonRequest(t, http.MethodPatch, "/api/collections/col-1", map[string]string{"name": "Travel"})
	req = withChiURLParams(withUserID(req, "user-1"), "id", "col-1")
	w := httptest.NewRecorder()

	h.Rename(w, req)

	var res collectionResponse
	decodeBody(t, w, &res)
	if res.ID != "col-1" || res.Name != "Travel" {
		t.Errorf("response = %+v", res)
	}
}

func TestCollectionHandler_Delete_Reserved(t *testing.T) {
	svc := &mockCollectionService{
		deleteFn: func(ctx context.Context, userID, collectionID string) error {
			return model.NewReservedCollectionError()
		},
	}
	h := NewCollectionHandler(svc)

	req := httptest.NewRequest(http.MethodDelete, "/api/collections/all_saved", nil)
	req = withChiURLParams(withUserID(req, "user-1"), "id", model.AllSavedCollectionID)
	w := httptest.NewRecorder()

	h.Delete(w, req)

	if code := errorCode(t, w); code != model.ErrCodeReservedCollection {
		t.Errorf("code = %q, want %q", code, model.ErrCodeReservedCollection)
	}
}

func TestCollectionHandler_ToggleSave(t *testing.T) {
	svc := &mockCollectionService{
		toggleFn: func(ctx context.Context, userID, collectionID, postID string) (bool, error) {
			if collectionID != "col-1" || postID != "p9" {
				t.Errorf("ToggleSave(%q, %q)", collectionID, postID)
			}
			return false, nil
		},
	}
	h := NewCollectionHandler(svc)

	req := httptest.NewRequest(http.MethodPost, "/api/collections/col-1/posts/p9", nil)
	req = withChiURLParams(withUserID(req, "user-1"), "id", "col-1", "postID", "p9")
	w := httptest.NewRecorder()

	h.ToggleSave(w, req)

	var res toggleResponse
	decodeBody(t, w, &res)
	if res.Active {
		t.Error("active = true, want false")
	}
}

func TestCollectionHandler_Posts_NotFound(t *testing.T) {
	svc := &mockCollectionService{
		postsFn: func(ctx context.Context, userID, collectionID string) ([]model.FeedItem, error) {
			return nil, model.NewCollectionNotFoundError(collectionID)
		},
	}
	h := NewCollectionHandler(svc)

	req := httptest.NewRequest(http.MethodGet, "/api/collections/nope/posts", nil)
	req = withChiURLParams(withUserID(req, "user-1"), "id", "nope")
	w := httptest.NewRecorder()

	h.Posts(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", w.Code, http.StatusNotFound)
	}
}
