package post

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hitoshi/socialfeed/internal/events"
	"github.com/hitoshi/socialfeed/internal/hashtag"
	"github.com/hitoshi/socialfeed/internal/metrics"
	"github.com/hitoshi/socialfeed/internal/model"
	"github.com/hitoshi/socialfeed/internal/notification"
	"github.com/hitoshi/socialfeed/internal/repository"
	"github.com/hitoshi/socialfeed/internal/security"
	"github.com/hitoshi/socialfeed/internal/viewcount"
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

type mockTracker struct {
	markFn func(sessionID, postID string) (bool, error)
}

func (m *mockTracker) MarkViewed(ctx context.Context, sessionID, postID string) (bool, error) {
	return m.markFn(sessionID, postID)
}

type fixture struct {
	svc   *Service
	repos *repository.Repositories
	pub   *recordingPublisher
	clock time.Time
}

func newFixture(t *testing.T, opts Options, users ...string) *fixture {
	t.Helper()
	repos := repository.NewMemoryStore(repository.RetryPolicy{MaxAttempts: 3}).Repositories()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	pub := &recordingPublisher{}
	f := &fixture{repos: repos, pub: pub, clock: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}

	f.svc = NewService(
		repos,
		notification.NewService(repos, metrics.Nop{}, logger),
		hashtag.NewService(repos, metrics.Nop{}, logger),
		viewcount.NewMemoryTracker(time.Hour),
		pub,
		security.NewTextSanitizer(),
		security.NewURLGuard(),
		metrics.Nop{},
		logger,
		opts,
	)
	f.svc.now = func() time.Time { return f.clock }

	for _, id := range users {
		f.addUser(t, &model.User{ID: id, Handle: id, DisplayName: id})
	}
	return f
}

func (f *fixture) addUser(t *testing.T, u *model.User) {
	t.Helper()
	if err := f.repos.Users.Create(context.Background(), u); err != nil {
		t.Fatalf("ユーザー作成に失敗: %v", err)
	}
}

func (f *fixture) post(t *testing.T, id string) *model.Post {
	t.Helper()
	p, err := f.repos.Posts.FindByID(context.Background(), id)
	if err != nil {
		t.Fatalf("投稿の取得に失敗: %v", err)
	}
	return p
}

func (f *fixture) notificationsOf(t *testing.T, userID string) []*model.Notification {
	t.Helper()
	list, err := f.repos.Notifications.ListByUser(context.Background(), userID, nil, 100)
	if err != nil {
		t.Fatalf("通知の取得に失敗: %v", err)
	}
	return list
}

func (f *fixture) hashtagCount(t *testing.T, name string) int {
	t.Helper()
	h, err := f.repos.Hashtags.FindByName(context.Background(), name)
	if err != nil {
		t.Fatalf("ハッシュタグの取得に失敗: %v", err)
	}
	if h == nil {
		return 0
	}
	return h.Count
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

// --- CreatePost ---

func TestCreatePost(t *testing.T) {
	f := newFixture(t, Options{}, "bob")
	f.addUser(t, &model.User{ID: "alice", Handle: "alice", DisplayName: "Alice", Followers: model.IDSet{"bob"}})
	ctx := context.Background()

	p, err := f.svc.CreatePost(ctx, "alice", NewPost{Content: "<b>hello</b> #Go #go @bob @nobody"})
	if err != nil {
		t.Fatalf("CreatePost失敗: %v", err)
	}
	if p.Content != "hello #Go #go @bob @nobody" {
		t.Errorf("本文が無害化されていない: %q", p.Content)
	}
	if len(p.Hashtags) != 1 || p.Hashtags[0] != "go" {
		t.Errorf("Hashtags = %v", p.Hashtags)
	}
	if p.Author.Handle != "alice" || p.Author.DisplayName != "Alice" {
		t.Errorf("投稿者スナップショットが不正: %+v", p.Author)
	}

	stored := f.post(t, p.ID)
	if stored == nil || stored.Version != 1 {
		t.Fatalf("投稿が保存されていない: %+v", stored)
	}
	if got := f.hashtagCount(t, "go"); got != 1 {
		t.Errorf("ハッシュタグ件数 = %d, want 1", got)
	}

	// bobにはメンションと新着の2種類の通知が届く
	types := map[model.NotificationType]bool{}
	for _, n := range f.notificationsOf(t, "bob") {
		types[n.Type] = true
	}
	if !types[model.NotificationMention] || !types[model.NotificationPost] {
		t.Errorf("bobへの通知が不足: %v", types)
	}

	if len(f.pub.events) != 1 || f.pub.events[0].Type != events.PostCreated {
		t.Errorf("作成イベントが発行されていない: %+v", f.pub.events)
	}
}

func TestCreatePost_Validation(t *testing.T) {
	f := newFixture(t, Options{}, "alice")

	tests := []struct {
		name string
		in   NewPost
		code string
	}{
		{"本文もメディアも無い", NewPost{Content: "  <i></i> "}, model.ErrCodeInvalidInput},
		{"本文が長すぎる", NewPost{Content: strings.Repeat("あ", model.MaxContentLength+1)}, model.ErrCodeInvalidInput},
		{"不正なメディアURL", NewPost{MediaURL: "ftp://example.com/a.png"}, model.ErrCodeInvalidURL},
		{"選択肢が1つ", NewPost{Content: "q", Poll: &NewPoll{Options: []string{"a"}}}, model.ErrCodeInvalidInput},
		{"選択肢が5つ", NewPost{Content: "q", Poll: &NewPoll{Options: []string{"a", "b", "c", "d", "e"}}}, model.ErrCodeInvalidInput},
		{"空の選択肢", NewPost{Content: "q", Poll: &NewPoll{Options: []string{"a", " "}}}, model.ErrCodeInvalidInput},
		{"投票期間が短すぎる", NewPost{Content: "q", Poll: &NewPoll{Options: []string{"a", "b"}, Duration: time.Minute}}, model.ErrCodeInvalidInput},
		{"存在しない引用元", NewPost{Content: "q", QuotedPostID: "missing"}, model.ErrCodePostNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.CreatePost(context.Background(), "alice", tt.in)
			assertAPIError(t, err, tt.code)
		})
	}

	_, err := f.svc.CreatePost(context.Background(), "ghost", NewPost{Content: "hi"})
	assertAPIError(t, err, model.ErrCodeUserNotFound)
}

func TestCreatePost_MediaOnly(t *testing.T) {
	f := newFixture(t, Options{}, "alice")
	p, err := f.svc.CreatePost(context.Background(), "alice", NewPost{MediaURL: "https://cdn.example.com/a.png"})
	if err != nil {
		t.Fatalf("メディアのみの投稿は成功すべき: %v", err)
	}
	if p.Content != "" || p.MediaURL == "" {
		t.Errorf("投稿内容が不正: %+v", p)
	}
}

func TestCreatePost_StoredMediaURL(t *testing.T) {
	const base = "http://localhost:8080/media"
	f := newFixture(t, Options{MediaBaseURL: base + "/"}, "alice")

	tests := []struct {
		name string
		url  string
		code string
	}{
		{"保存先の配下", base + "/alice/1.png", ""},
		{"保存先に似た別パス", "http://localhost:8080/media-evil/1.png", model.ErrCodeInvalidURL},
		{"保存先の外へ出るパス", base + "/../admin", model.ErrCodeInvalidURL},
		{"クエリ付き", base + "/alice/1.png?x=1", model.ErrCodeInvalidURL},
		{"基点そのもの", base + "/", model.ErrCodeInvalidURL},
		{"外部の公開URL", "https://cdn.example.com/a.png", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := f.svc.CreatePost(context.Background(), "alice", NewPost{MediaURL: tt.url})
			if tt.code != "" {
				assertAPIError(t, err, tt.code)
				return
			}
			if err != nil {
				t.Fatalf("CreatePost失敗: %v", err)
			}
			if p.MediaURL != tt.url {
				t.Errorf("MediaURL = %s, want %s", p.MediaURL, tt.url)
			}
		})
	}

	// 保存先が未設定ならlocalhostは外部URLとして拒否する
	plain := newFixture(t, Options{}, "alice")
	_, err := plain.svc.CreatePost(context.Background(), "alice", NewPost{MediaURL: base + "/alice/1.png"})
	assertAPIError(t, err, model.ErrCodeInvalidURL)
}

func TestCreatePost_PollAndQuote(t *testing.T) {
	f := newFixture(t, Options{}, "alice", "bob")
	ctx := context.Background()

	orig, err := f.svc.CreatePost(ctx, "bob", NewPost{Content: "original"})
	if err != nil {
		t.Fatalf("引用元の作成に失敗: %v", err)
	}

	p, err := f.svc.CreatePost(ctx, "alice", NewPost{
		Content:      "quote",
		QuotedPostID: orig.ID,
		Poll:         &NewPoll{Options: []string{"yes", "no"}, Duration: time.Hour},
	})
	if err != nil {
		t.Fatalf("CreatePost失敗: %v", err)
	}
	if p.Quoted == nil || p.Quoted.ID != orig.ID || p.Quoted.Content != "original" || p.Quoted.Author.ID != "bob" {
		t.Errorf("引用スナップショットが不正: %+v", p.Quoted)
	}
	if p.Poll == nil || len(p.Poll.Votes) != 2 || p.Poll.EndsAt == nil || !p.Poll.EndsAt.Equal(f.clock.Add(time.Hour)) {
		t.Errorf("投票が不正: %+v", p.Poll)
	}
}

func TestCreatePost_QuoteBlocked(t *testing.T) {
	f := newFixture(t, Options{}, "bob")
	f.addUser(t, &model.User{ID: "alice", Handle: "alice", BlockedBy: model.IDSet{"bob"}})
	orig, err := f.svc.CreatePost(context.Background(), "bob", NewPost{Content: "original"})
	if err != nil {
		t.Fatalf("引用元の作成に失敗: %v", err)
	}
	_, err = f.svc.CreatePost(context.Background(), "alice", NewPost{Content: "q", QuotedPostID: orig.ID})
	assertAPIError(t, err, model.ErrCodeBlocked)
}

func TestCreatePost_FollowerOverflow(t *testing.T) {
	f := newFixture(t, Options{MaxBatchWrites: 3, ChunkSize: 2})
	var followers model.IDSet
	for i := range 7 {
		id := fmt.Sprintf("f%d", i)
		f.addUser(t, &model.User{ID: id, Handle: id})
		followers = append(followers, id)
	}
	f.addUser(t, &model.User{ID: "alice", Handle: "alice", Followers: followers})

	if _, err := f.svc.CreatePost(context.Background(), "alice", NewPost{Content: "hi all"}); err != nil {
		t.Fatalf("CreatePost失敗: %v", err)
	}
	for _, id := range followers {
		if n := len(f.notificationsOf(t, id)); n != 1 {
			t.Errorf("%s への通知 = %d件, want 1", id, n)
		}
	}
}

// --- EditPost ---

func TestEditPost(t *testing.T) {
	f := newFixture(t, Options{}, "alice", "bob", "carol")
	ctx := context.Background()

	p, err := f.svc.CreatePost(ctx, "alice", NewPost{Content: "#old hi @bob"})
	if err != nil {
		t.Fatalf("CreatePost失敗: %v", err)
	}

	f.clock = f.clock.Add(4 * time.Minute)
	edited, err := f.svc.EditPost(ctx, "alice", p.ID, "#new hi @bob @carol")
	if err != nil {
		t.Fatalf("EditPost失敗: %v", err)
	}
	if edited.EditedAt == nil || !edited.EditedAt.Equal(f.clock) {
		t.Errorf("EditedAtが設定されていない: %v", edited.EditedAt)
	}
	if len(edited.Hashtags) != 1 || edited.Hashtags[0] != "new" {
		t.Errorf("Hashtags = %v", edited.Hashtags)
	}
	if stored := f.post(t, p.ID); stored.Version != edited.Version || stored.Content != edited.Content {
		t.Errorf("保存内容が返り値と一致しない: %+v", stored)
	}

	// 追加されたタグだけ加算し、外れたタグはそのまま残る
	if f.hashtagCount(t, "new") != 1 || f.hashtagCount(t, "old") != 1 {
		t.Errorf("ハッシュタグ件数が不正: new=%d old=%d", f.hashtagCount(t, "new"), f.hashtagCount(t, "old"))
	}
	// 新たにメンションされたcarolだけ通知される
	if n := len(f.notificationsOf(t, "carol")); n != 1 {
		t.Errorf("carolへの通知 = %d件, want 1", n)
	}
	if n := len(f.notificationsOf(t, "bob")); n != 1 {
		t.Errorf("bobへの通知 = %d件, want 1", n)
	}
}

func TestEditPost_Rejections(t *testing.T) {
	f := newFixture(t, Options{}, "alice", "bob")
	ctx := context.Background()
	p, err := f.svc.CreatePost(ctx, "alice", NewPost{Content: "hi"})
	if err != nil {
		t.Fatalf("CreatePost失敗: %v", err)
	}

	_, err = f.svc.EditPost(ctx, "bob", p.ID, "hijack")
	assertAPIError(t, err, model.ErrCodeNotAuthor)

	_, err = f.svc.EditPost(ctx, "alice", "missing", "x")
	assertAPIError(t, err, model.ErrCodePostNotFound)

	_, err = f.svc.EditPost(ctx, "alice", p.ID, "")
	assertAPIError(t, err, model.ErrCodeInvalidInput)

	f.clock = f.clock.Add(model.EditWindow + time.Second)
	_, err = f.svc.EditPost(ctx, "alice", p.ID, "late")
	assertAPIError(t, err, model.ErrCodeEditWindowExpired)

	if got := f.post(t, p.ID).Content; got != "hi" {
		t.Errorf("拒否された編集が反映されている: %q", got)
	}
}

func TestEditPost_CustomWindow(t *testing.T) {
	f := newFixture(t, Options{EditWindow: time.Hour}, "alice")
	ctx := context.Background()
	p, _ := f.svc.CreatePost(ctx, "alice", NewPost{Content: "hi"})
	f.clock = f.clock.Add(30 * time.Minute)
	if _, err := f.svc.EditPost(ctx, "alice", p.ID, "still editable"); err != nil {
		t.Errorf("設定した編集期間内は編集できるべき: %v", err)
	}
}

// --- DeletePost ---

func TestDeletePost(t *testing.T) {
	f := newFixture(t, Options{}, "bob")
	ctx := context.Background()
	f.addUser(t, &model.User{ID: "alice", Handle: "alice"})

	p, err := f.svc.CreatePost(ctx, "alice", NewPost{Content: "bye #go"})
	if err != nil {
		t.Fatalf("CreatePost失敗: %v", err)
	}
	if pinned, err := f.svc.PinPost(ctx, "alice", p.ID); err != nil || !pinned {
		t.Fatalf("PinPost失敗: %v, %v", pinned, err)
	}

	b := repository.NewBatch()
	b.Add(repository.UpdatePostSet{PostID: p.ID, Set: repository.SetRetweets, UserID: "bob", Add: true})
	b.Add(repository.InsertRepost{Repost: &model.Repost{ID: "r1", UserID: "bob", PostID: p.ID, CreatedAt: f.clock}})
	b.Add(repository.InsertComment{Comment: &model.Comment{ID: "c1", PostID: p.ID, AuthorID: "bob", CreatedAt: f.clock}})
	if err := f.repos.Batches.Commit(ctx, b); err != nil {
		t.Fatalf("準備のBatchに失敗: %v", err)
	}

	if err := f.svc.DeletePost(ctx, "bob", p.ID); err == nil {
		t.Fatal("他人の投稿は削除できないべき")
	}
	if err := f.svc.DeletePost(ctx, "alice", p.ID); err != nil {
		t.Fatalf("DeletePost失敗: %v", err)
	}

	if f.post(t, p.ID) != nil {
		t.Error("投稿が残っている")
	}
	if rp, _ := f.repos.Reposts.FindByUserAndPost(ctx, "bob", p.ID); rp != nil {
		t.Error("再投稿が残っている")
	}
	if c, _ := f.repos.Comments.FindByID(ctx, "c1"); c != nil {
		t.Error("コメントが残っている")
	}
	if u, _ := f.repos.Users.FindByID(ctx, "alice"); u.PinnedPostID != "" {
		t.Error("固定投稿が解除されていない")
	}
	if got := f.hashtagCount(t, "go"); got != 0 {
		t.Errorf("ハッシュタグ件数 = %d, want 0", got)
	}

	err = f.svc.DeletePost(ctx, "alice", p.ID)
	assertAPIError(t, err, model.ErrCodePostNotFound)
}

// --- PinPost ---

func TestPinPost(t *testing.T) {
	f := newFixture(t, Options{}, "alice", "bob")
	ctx := context.Background()
	p, _ := f.svc.CreatePost(ctx, "alice", NewPost{Content: "pin me"})
	other, _ := f.svc.CreatePost(ctx, "bob", NewPost{Content: "not yours"})

	pinned, err := f.svc.PinPost(ctx, "alice", p.ID)
	if err != nil || !pinned {
		t.Fatalf("固定されるべき: %v, %v", pinned, err)
	}
	pinned, err = f.svc.PinPost(ctx, "alice", p.ID)
	if err != nil || pinned {
		t.Fatalf("2回目は解除されるべき: %v, %v", pinned, err)
	}

	_, err = f.svc.PinPost(ctx, "alice", other.ID)
	assertAPIError(t, err, model.ErrCodeNotAuthor)
}

// --- RecordView ---

func TestRecordView(t *testing.T) {
	f := newFixture(t, Options{}, "alice")
	ctx := context.Background()
	p, _ := f.svc.CreatePost(ctx, "alice", NewPost{Content: "look"})

	for range 3 {
		if _, err := f.svc.RecordView(ctx, "bob", "session-1", p.ID); err != nil {
			t.Fatalf("RecordView失敗: %v", err)
		}
	}
	counted, _ := f.svc.RecordView(ctx, "bob", "session-2", p.ID)
	if !counted {
		t.Error("別セッションの閲覧は数えるべき")
	}
	if got := f.post(t, p.ID).Views; got != 2 {
		t.Errorf("Views = %d, want 2", got)
	}

	_, err := f.svc.RecordView(ctx, "bob", "session-1", "missing")
	assertAPIError(t, err, model.ErrCodePostNotFound)
}

func TestRecordView_TrackerFailure(t *testing.T) {
	f := newFixture(t, Options{}, "alice")
	f.svc.views = &mockTracker{markFn: func(string, string) (bool, error) {
		return false, errors.New("redis down")
	}}
	p, _ := f.svc.CreatePost(context.Background(), "alice", NewPost{Content: "look"})

	counted, err := f.svc.RecordView(context.Background(), "bob", "s", p.ID)
	if err != nil || counted {
		t.Errorf("記録の失敗は閲覧の失敗にしないべき: %v, %v", counted, err)
	}
}

// --- GetPost / ListByAuthor ---

func TestGetPost(t *testing.T) {
	f := newFixture(t, Options{}, "alice", "bob")
	f.addUser(t, &model.User{ID: "mallory", Handle: "mallory", Blocked: model.IDSet{"alice"}})
	ctx := context.Background()
	p, _ := f.svc.CreatePost(ctx, "alice", NewPost{Content: "hi"})

	b := repository.NewBatch()
	b.Add(repository.UpdatePostSet{PostID: p.ID, Set: repository.SetLikes, UserID: "bob", Add: true})
	if err := f.repos.Batches.Commit(ctx, b); err != nil {
		t.Fatalf("Commit失敗: %v", err)
	}

	item, err := f.svc.GetPost(ctx, "bob", p.ID)
	if err != nil {
		t.Fatalf("GetPost失敗: %v", err)
	}
	if !item.IsLiked || item.IsRetweeted {
		t.Errorf("閲覧者フラグが不正: liked=%v retweeted=%v", item.IsLiked, item.IsRetweeted)
	}

	_, err = f.svc.GetPost(ctx, "mallory", p.ID)
	assertAPIError(t, err, model.ErrCodePostNotFound)
}

func TestListByAuthor(t *testing.T) {
	f := newFixture(t, Options{}, "alice", "bob")
	ctx := context.Background()

	var ids []string
	for i := range 5 {
		f.clock = f.clock.Add(time.Minute)
		p, err := f.svc.CreatePost(ctx, "alice", NewPost{Content: fmt.Sprintf("post %d", i)})
		if err != nil {
			t.Fatalf("CreatePost失敗: %v", err)
		}
		ids = append(ids, p.ID)
	}
	// 最も古い投稿を固定する
	if _, err := f.svc.PinPost(ctx, "alice", ids[0]); err != nil {
		t.Fatalf("PinPost失敗: %v", err)
	}

	page, err := f.svc.ListByAuthor(ctx, "bob", "alice", "", 2)
	if err != nil {
		t.Fatalf("ListByAuthor失敗: %v", err)
	}
	got := []string{}
	for _, it := range page.Items {
		got = append(got, it.Post.ID)
	}
	want := []string{ids[0], ids[4], ids[3]}
	if strings.Join(got, ",") != strings.Join(want, ",") || !page.HasMore {
		t.Fatalf("1ページ目 = %v (hasMore=%v), want %v", got, page.HasMore, want)
	}

	page, err = f.svc.ListByAuthor(ctx, "bob", "alice", page.NextCursor, 2)
	if err != nil {
		t.Fatalf("2ページ目の取得に失敗: %v", err)
	}
	got = got[:0]
	for _, it := range page.Items {
		got = append(got, it.Post.ID)
	}
	if strings.Join(got, ",") != ids[2]+","+ids[1] || page.HasMore {
		t.Errorf("2ページ目 = %v (hasMore=%v)", got, page.HasMore)
	}

	_, err = f.svc.ListByAuthor(ctx, "bob", "alice", "%%%", 2)
	assertAPIError(t, err, model.ErrCodeInvalidInput)
}
