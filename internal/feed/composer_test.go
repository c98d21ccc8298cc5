package feed

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/hitoshi/socialfeed/internal/changefeed"
	"github.com/hitoshi/socialfeed/internal/events"
	"github.com/hitoshi/socialfeed/internal/metrics"
	"github.com/hitoshi/socialfeed/internal/model"
	"github.com/hitoshi/socialfeed/internal/repository"
)

var t0 = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

type fixture struct {
	svc   *Service
	repos *repository.Repositories
	hub   *changefeed.MemoryHub
}

func newFixture(t *testing.T, opts Options) *fixture {
	t.Helper()
	repos := repository.NewMemoryStore(repository.DefaultRetryPolicy()).Repositories()
	hub := changefeed.NewMemoryHub()
	svc := NewService(repos, hub, metrics.Nop{}, slog.New(slog.NewTextHandler(io.Discard, nil)), opts)
	return &fixture{svc: svc, repos: repos, hub: hub}
}

func (f *fixture) user(t *testing.T, u *model.User) {
	t.Helper()
	if err := f.repos.Users.Create(context.Background(), u); err != nil {
		t.Fatalf("ユーザー作成に失敗: %v", err)
	}
}

// post はt0からminutes分後に作成された投稿を追加する。
func (f *fixture) post(t *testing.T, id, author string, minutes int, likes ...string) {
	t.Helper()
	b := repository.NewBatch()
	b.Add(repository.InsertPost{Post: &model.Post{
		ID:        id,
		AuthorID:  author,
		Likes:     likes,
		CreatedAt: t0.Add(time.Duration(minutes) * time.Minute),
	}})
	f.commit(t, b)
}

// repost はt0からminutes分後の再投稿を追加する。
func (f *fixture) repost(t *testing.T, user, postID, postAuthor string, minutes int) {
	t.Helper()
	b := repository.NewBatch()
	b.Add(repository.InsertRepost{Repost: &model.Repost{
		ID:                   user + "-" + postID,
		UserID:               user,
		PostID:               postID,
		OriginalPostAuthorID: postAuthor,
		CreatedAt:            t0.Add(time.Duration(minutes) * time.Minute),
	}})
	f.commit(t, b)
}

func (f *fixture) commit(t *testing.T, b *repository.Batch) {
	t.Helper()
	if err := f.repos.Batches.Commit(context.Background(), b); err != nil {
		t.Fatalf("Commit失敗: %v", err)
	}
}

// label は項目を "投稿ID" または "投稿ID<再投稿者" で表す。
func label(it model.FeedItem) string {
	if it.Attribution != nil {
		return it.Post.ID + "<" + it.Attribution.ReposterID
	}
	return it.Post.ID
}

func collect(t *testing.T, f *fixture, viewer string, scope model.FeedScope) []string {
	t.Helper()
	var got []string
	for it, err := range f.svc.Compose(context.Background(), viewer, scope) {
		if err != nil {
			t.Fatalf("Compose失敗: %v", err)
		}
		got = append(got, label(it))
	}
	return got
}

func assertOrder(t *testing.T, got, want []string) {
	t.Helper()
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Errorf("フィード = %v\n want %v", got, want)
	}
}

// socialGraph は次の関係を作る。
//
//	viewer → alice, bob をフォロー
//	viewer は mallory をブロック、eve は viewer をブロック
func socialGraph(t *testing.T, f *fixture) {
	f.user(t, &model.User{ID: "viewer", Handle: "viewer", Following: model.IDSet{"alice", "bob"}, Blocked: model.IDSet{"mallory"}, BlockedBy: model.IDSet{"eve"}})
	f.user(t, &model.User{ID: "alice", Handle: "alice", Followers: model.IDSet{"viewer"}})
	f.user(t, &model.User{ID: "bob", Handle: "bob", Followers: model.IDSet{"viewer"}})
	f.user(t, &model.User{ID: "carol", Handle: "carol"})
	f.user(t, &model.User{ID: "mallory", Handle: "mallory", BlockedBy: model.IDSet{"viewer"}})
	f.user(t, &model.User{ID: "eve", Handle: "eve", Blocked: model.IDSet{"viewer"}})
}

func TestCompose_GlobalMergesAndFilters(t *testing.T) {
	f := newFixture(t, Options{BatchSize: 2, ChunkSize: 1})
	socialGraph(t, f)

	f.post(t, "a1", "alice", 1)
	f.post(t, "c1", "carol", 2)
	f.post(t, "m1", "mallory", 3)
	f.post(t, "e1", "eve", 4)
	f.post(t, "v1", "viewer", 5)
	f.repost(t, "bob", "c1", "carol", 6)     // 再投稿で前に出る
	f.repost(t, "mallory", "a1", "alice", 7) // ブロック中の再投稿者
	f.repost(t, "carol", "m1", "mallory", 8) // ブロック中の投稿者の投稿
	f.repost(t, "alice", "gone", "carol", 9) // 削除済み投稿への再投稿

	got := collect(t, f, "viewer", model.FeedScopeGlobal)
	assertOrder(t, got, []string{"c1<bob", "v1", "c1", "a1"})
}

func TestCompose_FollowingScope(t *testing.T) {
	f := newFixture(t, Options{BatchSize: 3})
	socialGraph(t, f)

	f.post(t, "a1", "alice", 1)
	f.post(t, "c1", "carol", 2)
	f.post(t, "b1", "bob", 3)
	f.post(t, "v1", "viewer", 4)
	f.repost(t, "alice", "c1", "carol", 5) // フォロー中ユーザーの再投稿は含む
	f.repost(t, "carol", "a1", "alice", 6) // フォロー外ユーザーの再投稿は含まない

	got := collect(t, f, "viewer", model.FeedScopeFollowing)
	assertOrder(t, got, []string{"c1<alice", "v1", "b1", "a1"})
}

func TestCompose_SameTimestampOrdering(t *testing.T) {
	f := newFixture(t, Options{BatchSize: 1})
	f.user(t, &model.User{ID: "viewer", Handle: "viewer"})
	f.user(t, &model.User{ID: "x", Handle: "xx1"})
	f.user(t, &model.User{ID: "y", Handle: "yy1"})

	f.post(t, "p-a", "x", 1)
	f.post(t, "p-b", "x", 1)
	f.repost(t, "x", "p-a", "x", 1)
	f.repost(t, "y", "p-a", "x", 1)

	// 実効時刻が同じ場合は投稿ID、再投稿者IDの降順
	got := collect(t, f, "viewer", model.FeedScopeGlobal)
	assertOrder(t, got, []string{"p-b", "p-a<y", "p-a<x", "p-a"})
}

func TestCompose_ViewerFlagsAndNoMutation(t *testing.T) {
	f := newFixture(t, Options{})
	socialGraph(t, f)
	f.post(t, "a1", "alice", 1, "viewer")
	f.repost(t, "viewer", "a1", "alice", 2)
	b := repository.NewBatch()
	b.Add(repository.UpdatePostSet{PostID: "a1", Set: repository.SetRetweets, UserID: "viewer", Add: true})
	f.commit(t, b)

	before, _ := f.repos.Posts.FindByID(context.Background(), "a1")
	var items []model.FeedItem
	for it, err := range f.svc.Compose(context.Background(), "viewer", model.FeedScopeGlobal) {
		if err != nil {
			t.Fatalf("Compose失敗: %v", err)
		}
		items = append(items, it)
	}
	if len(items) != 2 {
		t.Fatalf("項目数 = %d, want 2", len(items))
	}
	for _, it := range items {
		if !it.IsLiked || !it.IsRetweeted {
			t.Errorf("閲覧者フラグが不正: %s liked=%v retweeted=%v", label(it), it.IsLiked, it.IsRetweeted)
		}
	}
	if items[0].Attribution == nil || !items[0].EffectiveAt.Equal(t0.Add(2*time.Minute)) {
		t.Errorf("再投稿の実効時刻が不正: %+v", items[0])
	}

	after, _ := f.repos.Posts.FindByID(context.Background(), "a1")
	if after.Version != before.Version {
		t.Error("フィードの合成で投稿が変更されている")
	}
}

func TestCompose_IsLazyAndRestartable(t *testing.T) {
	f := newFixture(t, Options{BatchSize: 2})
	f.user(t, &model.User{ID: "viewer", Handle: "viewer"})
	for i := range 10 {
		f.post(t, fmt.Sprintf("p%02d", i), "viewer", i)
	}

	seq := f.svc.Compose(context.Background(), "viewer", model.FeedScopeGlobal)
	for range 2 {
		var got []string
		for it, err := range seq {
			if err != nil {
				t.Fatalf("Compose失敗: %v", err)
			}
			got = append(got, it.Post.ID)
			if len(got) == 3 {
				break
			}
		}
		assertOrder(t, got, []string{"p09", "p08", "p07"})
	}
}

func TestCompose_Errors(t *testing.T) {
	f := newFixture(t, Options{})
	f.user(t, &model.User{ID: "viewer", Handle: "viewer"})

	tests := []struct {
		name   string
		viewer string
		scope  model.FeedScope
		code   string
	}{
		{"不明な範囲", "viewer", model.FeedScope("trending"), model.ErrCodeInvalidInput},
		{"存在しない閲覧者", "ghost", model.FeedScopeGlobal, model.ErrCodeUserNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got error
			for _, err := range f.svc.Compose(context.Background(), tt.viewer, tt.scope) {
				got = err
			}
			var apiErr *model.APIError
			if !errors.As(got, &apiErr) || apiErr.Code != tt.code {
				t.Errorf("エラー = %v, want %s", got, tt.code)
			}
		})
	}
}

func TestPage_CursorWalkMatchesCompose(t *testing.T) {
	f := newFixture(t, Options{BatchSize: 2, ChunkSize: 2})
	socialGraph(t, f)
	authors := []string{"alice", "bob", "carol"}
	for i := range 12 {
		f.post(t, fmt.Sprintf("p%02d", i), authors[i%3], i*2)
	}
	for i := range 6 {
		f.repost(t, authors[(i+1)%3], fmt.Sprintf("p%02d", i*2), authors[(i*2)%3], i*4+1)
	}
	// 同時刻の再投稿と元投稿の境界でページが切れても取りこぼさない
	f.repost(t, "viewer", "p10", "bob", 20)
	f.repost(t, "carol", "p10", "bob", 20)

	want := collect(t, f, "viewer", model.FeedScopeGlobal)

	for _, limit := range []int{1, 2, 3, 5} {
		t.Run(fmt.Sprintf("limit=%d", limit), func(t *testing.T) {
			var got []string
			cursor := ""
			for range 100 {
				page, err := f.svc.Page(context.Background(), "viewer", model.FeedScopeGlobal, cursor, limit)
				if err != nil {
					t.Fatalf("Page失敗: %v", err)
				}
				if len(page.Items) > limit {
					t.Fatalf("項目数 %d が上限 %d を超えている", len(page.Items), limit)
				}
				for _, it := range page.Items {
					got = append(got, label(it))
				}
				if !page.HasMore {
					break
				}
				cursor = page.NextCursor
			}
			assertOrder(t, got, want)
		})
	}

	// 重複が無いこと
	seen := map[string]bool{}
	for _, l := range want {
		if seen[l] {
			t.Errorf("重複した項目: %s", l)
		}
		seen[l] = true
	}
	if !slices.Contains(want, "p10<viewer") || !slices.Contains(want, "p10<carol") || !slices.Contains(want, "p10") {
		t.Errorf("同時刻の項目が欠けている: %v", want)
	}
}

func TestPage_InvalidCursor(t *testing.T) {
	f := newFixture(t, Options{})
	f.user(t, &model.User{ID: "viewer", Handle: "viewer"})

	for _, c := range []string{"%%%", encodeRaw("abc|p1|"), encodeRaw("1|")} {
		_, err := f.svc.Page(context.Background(), "viewer", model.FeedScopeGlobal, c, 10)
		var apiErr *model.APIError
		if !errors.As(err, &apiErr) || apiErr.Code != model.ErrCodeInvalidInput {
			t.Errorf("cursor %q: エラー = %v", c, err)
		}
	}
}

func TestSubscribe(t *testing.T) {
	f := newFixture(t, Options{})
	f.user(t, &model.User{ID: "viewer", Handle: "viewer"})
	f.post(t, "p1", "viewer", 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	snaps := f.svc.Subscribe(ctx, "viewer", model.FeedScopeGlobal, 10)

	first := receive(t, snaps)
	if first.Err != nil || len(first.Page.Items) != 1 {
		t.Fatalf("初回のスナップショットが不正: %+v", first)
	}

	f.post(t, "p2", "viewer", 2)
	waitSubscribers(t, f.hub)
	if err := f.hub.Publish(ctx, events.Event{Type: events.PostCreated, PostID: "p2"}); err != nil {
		t.Fatalf("Publish失敗: %v", err)
	}
	second := receive(t, snaps)
	if second.Err != nil || len(second.Page.Items) != 2 || second.Page.Items[0].Post.ID != "p2" {
		t.Fatalf("変更後のスナップショットが不正: %+v", second)
	}

	cancel()
	select {
	case _, ok := <-snaps:
		if ok {
			// キャンセル直前の送信が残っている場合は次で閉じる
			if _, ok := <-snaps; ok {
				t.Error("キャンセル後にチャネルが閉じられていない")
			}
		}
	case <-time.After(2 * time.Second):
		t.Error("キャンセル後にチャネルが閉じられていない")
	}
}

func receive(t *testing.T, ch <-chan Snapshot) Snapshot {
	t.Helper()
	select {
	case s, ok := <-ch:
		if !ok {
			t.Fatal("チャネルが閉じられている")
		}
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("スナップショットが届かない")
	}
	return Snapshot{}
}

func waitSubscribers(t *testing.T, hub *changefeed.MemoryHub) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for hub.Subscribers() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("購読が登録されない")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
