package graph

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/hitoshi/socialfeed/internal/events"
	"github.com/hitoshi/socialfeed/internal/metrics"
	"github.com/hitoshi/socialfeed/internal/model"
	"github.com/hitoshi/socialfeed/internal/notification"
	"github.com/hitoshi/socialfeed/internal/repository"
	"github.com/hitoshi/socialfeed/internal/security"
)

// --- テストヘルパー ---

type recordingPublisher struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *recordingPublisher) Publish(ctx context.Context, ev events.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

type fixture struct {
	svc   *Service
	repos *repository.Repositories
	pub   *recordingPublisher
}

func newFixture(t *testing.T, handles ...string) *fixture {
	t.Helper()
	repos := repository.NewMemoryStore(repository.RetryPolicy{MaxAttempts: 3}).Repositories()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	pub := &recordingPublisher{}
	notifier := notification.NewService(repos, metrics.Nop{}, logger)
	svc := NewService(repos, notifier, pub, security.NewTextSanitizer(), security.NewURLGuard(), metrics.Nop{}, logger, 2)

	for _, h := range handles {
		if _, err := svc.RegisterUser(context.Background(), h, h, h); err != nil {
			t.Fatalf("ユーザー登録に失敗: %v", err)
		}
	}
	return &fixture{svc: svc, repos: repos, pub: pub}
}

func (f *fixture) user(t *testing.T, id string) *model.User {
	t.Helper()
	u, err := f.repos.Users.FindByID(context.Background(), id)
	if err != nil || u == nil {
		t.Fatalf("ユーザー %s の取得に失敗: %v", id, err)
	}
	return u
}

func assertAPIError(t *testing.T, err error, code string) {
	t.Helper()
	var apiErr *model.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("APIErrorであるべき: %v", err)
	}
	if apiErr.Code != code {
		t.Errorf("Code = %s, want %s", apiErr.Code, code)
	}
}

func ptr(s string) *string { return &s }

// --- RegisterUser / ResolveHandle ---

func TestRegisterUser(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	u, err := f.svc.RegisterUser(ctx, "id-1", "  <b>Alice</b> ", "@Alice_01")
	if err != nil {
		t.Fatalf("RegisterUser失敗: %v", err)
	}
	if u.Handle != "alice_01" || u.DisplayName != "Alice" || u.Verification != model.VerificationNone {
		t.Errorf("登録内容が不正: %+v", u)
	}
	if model.IndexOfCollection(u.Collections, model.AllSavedCollectionID) != 0 {
		t.Error("予約コレクションが作成されていない")
	}

	// 同じIDの再登録は既存ユーザーを返す
	again, err := f.svc.RegisterUser(ctx, "id-1", "Other", "other")
	if err != nil || again.Handle != "alice_01" {
		t.Errorf("再登録で既存ユーザーが返らない: %+v, %v", again, err)
	}

	_, err = f.svc.RegisterUser(ctx, "id-2", "Bob", "ALICE_01")
	assertAPIError(t, err, model.ErrCodeHandleTaken)

	if len(f.pub.events) != 1 || f.pub.events[0].Type != events.UserRegistered {
		t.Errorf("登録イベントが1件発行されるべき: %+v", f.pub.events)
	}
}

func TestRegisterUser_Validation(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		name, displayName, handle string
	}{
		{"短いハンドル", "A", "ab"},
		{"記号を含むハンドル", "A", "a-b-c"},
		{"空の表示名", "<p></p>", "valid_handle"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.RegisterUser(context.Background(), "x", tt.displayName, tt.handle)
			assertAPIError(t, err, model.ErrCodeInvalidInput)
		})
	}
}

func TestResolveHandle(t *testing.T) {
	f := newFixture(t, "alice")
	id, err := f.svc.ResolveHandle(context.Background(), "@ALICE")
	if err != nil || id != "alice" {
		t.Errorf("ResolveHandle = %q, %v", id, err)
	}
	_, err = f.svc.ResolveHandle(context.Background(), "nobody")
	assertAPIError(t, err, model.ErrCodeUserNotFound)
}

// --- UpdateProfile ---

func TestUpdateProfile(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	ctx := context.Background()

	u, err := f.svc.UpdateProfile(ctx, "alice", ProfileUpdate{
		DisplayName: ptr("Alice A."),
		Bio:         ptr("<script>x</script>Gopher"),
		AvatarURL:   ptr("https://cdn.example.com/a.png"),
		Handle:      ptr("alice_new"),
	})
	if err != nil {
		t.Fatalf("UpdateProfile失敗: %v", err)
	}
	if u.DisplayName != "Alice A." || u.Bio != "Gopher" || u.Handle != "alice_new" || u.AvatarURL == "" {
		t.Errorf("更新結果が不正: %+v", u)
	}
	stored := f.user(t, "alice")
	if stored.Handle != "alice_new" || stored.Version != u.Version {
		t.Errorf("保存内容が不正: %+v", stored)
	}

	_, err = f.svc.UpdateProfile(ctx, "alice", ProfileUpdate{Handle: ptr("bob")})
	assertAPIError(t, err, model.ErrCodeHandleTaken)

	_, err = f.svc.UpdateProfile(ctx, "alice", ProfileUpdate{AvatarURL: ptr("http://169.254.169.254/")})
	assertAPIError(t, err, model.ErrCodeSSRFBlocked)

	_, err = f.svc.UpdateProfile(ctx, "alice", ProfileUpdate{BannerURL: ptr("javascript:alert(1)")})
	assertAPIError(t, err, model.ErrCodeInvalidURL)

	_, err = f.svc.UpdateProfile(ctx, "ghost", ProfileUpdate{Bio: ptr("x")})
	assertAPIError(t, err, model.ErrCodeUserNotFound)
}

// --- Follow / Unfollow ---

func TestFollow_UpdatesBothSidesAndNotifies(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	ctx := context.Background()

	changed, err := f.svc.Follow(ctx, "alice", "bob")
	if err != nil || !changed {
		t.Fatalf("Follow = %v, %v", changed, err)
	}
	if !f.user(t, "alice").Following.Has("bob") || !f.user(t, "bob").Followers.Has("alice") {
		t.Error("フォロー関係が双方向に反映されていない")
	}
	list, _ := f.repos.Notifications.ListByUser(ctx, "bob", nil, 0)
	if len(list) != 1 || list[0].Type != model.NotificationFollow {
		t.Errorf("フォロー通知が不正: %+v", list)
	}

	// 2回目は何もしない
	changed, err = f.svc.Follow(ctx, "alice", "bob")
	if err != nil || changed {
		t.Errorf("2回目のFollow = %v, %v; want false", changed, err)
	}
	if n := len(f.user(t, "bob").Followers); n != 1 {
		t.Errorf("フォロワー数 = %d, want 1", n)
	}

	changed, err = f.svc.Unfollow(ctx, "alice", "bob")
	if err != nil || !changed {
		t.Fatalf("Unfollow = %v, %v", changed, err)
	}
	if f.user(t, "alice").Following.Has("bob") || f.user(t, "bob").Followers.Has("alice") {
		t.Error("フォロー解除が双方向に反映されていない")
	}
	if changed, _ := f.svc.Unfollow(ctx, "alice", "bob"); changed {
		t.Error("フォローしていない相手のUnfollowはfalseであるべき")
	}
}

func TestFollow_Rejections(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	ctx := context.Background()

	_, err := f.svc.Follow(ctx, "alice", "alice")
	assertAPIError(t, err, model.ErrCodeInvalidInput)

	_, err = f.svc.Follow(ctx, "alice", "ghost")
	assertAPIError(t, err, model.ErrCodeUserNotFound)

	if _, err := f.svc.Block(ctx, "bob", "alice"); err != nil {
		t.Fatalf("Block失敗: %v", err)
	}
	_, err = f.svc.Follow(ctx, "alice", "bob")
	assertAPIError(t, err, model.ErrCodeBlocked)
	if f.user(t, "alice").Following.Has("bob") {
		t.Error("拒否された操作で書き込みが行われた")
	}
}

func TestFollow_RespectsPreference(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	ctx := context.Background()
	if err := f.svc.SetNotificationPreference(ctx, "bob", model.NotificationFollow, false); err != nil {
		t.Fatalf("SetNotificationPreference失敗: %v", err)
	}
	if _, err := f.svc.Follow(ctx, "alice", "bob"); err != nil {
		t.Fatalf("Follow失敗: %v", err)
	}
	if n, _ := f.repos.Notifications.CountUnread(ctx, "bob"); n != 0 {
		t.Errorf("無効化した通知が書き込まれた: %d", n)
	}
}

// --- Block / Unblock ---

func TestBlock_RemovesFollowEdges(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	ctx := context.Background()
	f.svc.Follow(ctx, "alice", "bob")
	f.svc.Follow(ctx, "bob", "alice")

	changed, err := f.svc.Block(ctx, "alice", "bob")
	if err != nil || !changed {
		t.Fatalf("Block = %v, %v", changed, err)
	}
	alice, bob := f.user(t, "alice"), f.user(t, "bob")
	if !alice.Blocked.Has("bob") || !bob.BlockedBy.Has("alice") {
		t.Error("ブロック関係が双方向に反映されていない")
	}
	if len(alice.Following)+len(alice.Followers)+len(bob.Following)+len(bob.Followers) != 0 {
		t.Errorf("フォロー関係が残っている: alice=%v/%v bob=%v/%v",
			alice.Following, alice.Followers, bob.Following, bob.Followers)
	}
	if changed, _ := f.svc.Block(ctx, "alice", "bob"); changed {
		t.Error("2回目のBlockはfalseであるべき")
	}

	changed, err = f.svc.Unblock(ctx, "alice", "bob")
	if err != nil || !changed {
		t.Fatalf("Unblock = %v, %v", changed, err)
	}
	if f.user(t, "alice").Blocked.Has("bob") || f.user(t, "bob").BlockedBy.Has("alice") {
		t.Error("ブロック解除が反映されていない")
	}
}

func TestGetUser_HiddenFromBlockedViewer(t *testing.T) {
	f := newFixture(t, "alice", "bob")
	ctx := context.Background()
	f.svc.Block(ctx, "alice", "bob")

	_, err := f.svc.GetUser(ctx, "bob", "alice")
	assertAPIError(t, err, model.ErrCodeUserNotFound)
	if _, err := f.svc.GetUser(ctx, "alice", "bob"); err != nil {
		t.Errorf("ブロックした側からは閲覧できるべき: %v", err)
	}
}

// --- 設定・一覧 ---

func TestSetNotificationPreference(t *testing.T) {
	f := newFixture(t, "alice")
	ctx := context.Background()

	if err := f.svc.SetNotificationPreference(ctx, "alice", model.NotificationLike, false); err != nil {
		t.Fatalf("SetNotificationPreference失敗: %v", err)
	}
	if f.user(t, "alice").WantsNotification(model.NotificationLike) {
		t.Error("設定が反映されていない")
	}
	err := f.svc.SetNotificationPreference(ctx, "alice", "unknown", true)
	assertAPIError(t, err, model.ErrCodeInvalidInput)
	err = f.svc.SetNotificationPreference(ctx, "ghost", model.NotificationLike, true)
	assertAPIError(t, err, model.ErrCodeUserNotFound)
}

func TestListFollowersAndFollowing(t *testing.T) {
	f := newFixture(t, "alice", "bob", "carol", "dave")
	ctx := context.Background()
	for _, id := range []string{"bob", "carol", "dave"} {
		if _, err := f.svc.Follow(ctx, id, "alice"); err != nil {
			t.Fatalf("Follow失敗: %v", err)
		}
	}

	followers, err := f.svc.ListFollowers(ctx, "bob", "alice")
	if err != nil {
		t.Fatalf("ListFollowers失敗: %v", err)
	}
	// チャンクサイズ2でも全員が追加順に返る
	if len(followers) != 3 || followers[0].ID != "bob" || followers[2].ID != "dave" {
		t.Errorf("フォロワー一覧が不正: %v", followers)
	}

	following, err := f.svc.ListFollowing(ctx, "alice", "carol")
	if err != nil || len(following) != 1 || following[0].ID != "alice" {
		t.Errorf("フォロー一覧が不正: %v, %v", following, err)
	}
}
