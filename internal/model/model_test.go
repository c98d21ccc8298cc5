package model

import (
	"testing"
	"time"
)

func TestIDSet_AddRemove(t *testing.T) {
	var s IDSet
	s = s.Add("u1")
	s = s.Add("u1")
	s = s.Add("u2")

	if len(s) != 2 {
		t.Fatalf("重複追加後の要素数が不正: got %d, want 2", len(s))
	}
	if !s.Has("u1") || !s.Has("u2") {
		t.Errorf("追加した要素が含まれていない: %v", s)
	}

	removed := s.Remove("u1")
	if removed.Has("u1") {
		t.Errorf("u1が削除されていない: %v", removed)
	}
	// Removeは元の集合を変更しない
	if !s.Has("u1") {
		t.Errorf("元の集合が変更された: %v", s)
	}
	if got := removed.Remove("missing"); len(got) != 1 {
		t.Errorf("存在しない要素の削除で要素数が変わった: %v", got)
	}
}

func TestUser_WantsNotification(t *testing.T) {
	u := &User{NotificationPreferences: map[NotificationType]bool{
		NotificationLike: false,
		NotificationPost: true,
	}}

	tests := []struct {
		typ  NotificationType
		want bool
	}{
		{NotificationLike, false},
		{NotificationPost, true},
		{NotificationFollow, true}, // キーが無い場合は有効
	}
	for _, tt := range tests {
		if got := u.WantsNotification(tt.typ); got != tt.want {
			t.Errorf("WantsNotification(%s) = %v, want %v", tt.typ, got, tt.want)
		}
	}

	var empty User
	if !empty.WantsNotification(NotificationMention) {
		t.Error("設定が無いユーザーは全種別を受け取るべき")
	}
}

func TestUser_HasBlockRelation(t *testing.T) {
	u := &User{Blocked: IDSet{"a"}, BlockedBy: IDSet{"b"}}
	if !u.HasBlockRelation("a") || !u.HasBlockRelation("b") {
		t.Error("双方向のブロック関係を検出できていない")
	}
	if u.HasBlockRelation("c") {
		t.Error("無関係なユーザーをブロック関係と判定した")
	}
}

func TestUser_CloneIsDeep(t *testing.T) {
	u := &User{
		ID:          "u1",
		Following:   IDSet{"u2"},
		Collections: []Collection{{ID: "c1", PostIDs: []string{"p1"}}},
		NotificationPreferences: map[NotificationType]bool{
			NotificationLike: true,
		},
	}
	c := u.Clone()
	c.Following[0] = "x"
	c.Collections[0].PostIDs[0] = "x"
	c.NotificationPreferences[NotificationLike] = false

	if u.Following[0] != "u2" || u.Collections[0].PostIDs[0] != "p1" || !u.NotificationPreferences[NotificationLike] {
		t.Error("Cloneが元のユーザーと状態を共有している")
	}
}

func TestPost_Editable(t *testing.T) {
	created := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	p := &Post{CreatedAt: created}

	if !p.Editable(created.Add(4*time.Minute), 0) {
		t.Error("4分後は編集可能であるべき")
	}
	if !p.Editable(created.Add(5*time.Minute), 0) {
		t.Error("ちょうど5分後は編集可能であるべき")
	}
	if p.Editable(created.Add(5*time.Minute+time.Second), 0) {
		t.Error("5分を過ぎたら編集不可であるべき")
	}
	if !p.Editable(created.Add(9*time.Minute), 10*time.Minute) {
		t.Error("指定した期間内は編集可能であるべき")
	}
}

func TestPoll_ClosedAndTotal(t *testing.T) {
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	ends := now.Add(time.Hour)
	p := NewPoll([]string{"a", "b"}, &ends)
	p.Votes[0] = 2
	p.Votes[1] = 1

	if p.TotalVotes() != 3 {
		t.Errorf("TotalVotes = %d, want 3", p.TotalVotes())
	}
	if p.Closed(now) {
		t.Error("締切前なのにClosedがtrue")
	}
	if !p.Closed(ends) {
		t.Error("締切時刻ちょうどでClosedがfalse")
	}
	if NewPoll([]string{"a", "b"}, nil).Closed(now.Add(100 * 24 * time.Hour)) {
		t.Error("締切なしの投票は締め切られない")
	}
}

func TestWithAllSaved(t *testing.T) {
	t.Run("予約コレクションが無ければ先頭に補う", func(t *testing.T) {
		cols := []Collection{{ID: "c1", Name: "Recipes"}}
		got := WithAllSaved(cols)
		if len(got) != 2 || got[0].ID != AllSavedCollectionID {
			t.Fatalf("予約コレクションが補われていない: %+v", got)
		}
		if len(cols) != 1 {
			t.Error("引数のスライスが変更された")
		}
	})

	t.Run("既にあれば追加しない", func(t *testing.T) {
		cols := []Collection{{ID: "c1"}, {ID: AllSavedCollectionID, PostIDs: []string{"p1"}}}
		got := WithAllSaved(cols)
		if len(got) != 2 {
			t.Fatalf("予約コレクションが重複した: %+v", got)
		}
		if i := IndexOfCollection(got, AllSavedCollectionID); i != 1 || got[i].PostIDs[0] != "p1" {
			t.Errorf("既存の予約コレクションの位置や内容が変わった: %+v", got)
		}
	})
}

func TestFeedKey_Compare(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		a, b FeedKey
		want int
	}{
		{"時刻が新しい方が大きい", FeedKey{At: t0.Add(time.Second)}, FeedKey{At: t0}, 1},
		{"同時刻は投稿IDで比較", FeedKey{At: t0, PostID: "b"}, FeedKey{At: t0, PostID: "a"}, 1},
		{"同時刻同投稿は再投稿者で比較", FeedKey{At: t0, PostID: "a"}, FeedKey{At: t0, PostID: "a", ReposterID: "u1"}, -1},
		{"同一キー", FeedKey{At: t0, PostID: "a", ReposterID: "u"}, FeedKey{At: t0, PostID: "a", ReposterID: "u"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.a.Compare(tt.b); got != tt.want {
				t.Errorf("Compare = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestAPIError_Error(t *testing.T) {
	err := NewPostUnavailableError("p1")
	if err.Error() != "[POST_UNAVAILABLE] この投稿は利用できません: p1" {
		t.Errorf("Error() = %q", err.Error())
	}
	if err.Kind != KindNotFound {
		t.Errorf("Kind = %s, want %s", err.Kind, KindNotFound)
	}
	if NewReservedCollectionError().Kind != KindPermissionDenied {
		t.Error("予約コレクションの変更は権限エラーであるべき")
	}
}
