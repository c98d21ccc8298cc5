package model

import (
	"strings"
	"time"
)

// FeedScope はフィードの対象範囲。
type FeedScope string

const (
	// FeedScopeGlobal は全投稿・全再投稿を対象とする。
	FeedScopeGlobal FeedScope = "global"
	// FeedScopeFollowing は閲覧者本人とフォロー中ユーザーを対象とする。
	FeedScopeFollowing FeedScope = "following"
)

// Valid は定義済みのスコープかを返す。
func (s FeedScope) Valid() bool {
	return s == FeedScopeGlobal || s == FeedScopeFollowing
}

// Attribution は再投稿経由でフィードに載った項目の帰属情報。
type Attribution struct {
	ReposterID string
	RepostedAt time.Time
}

// FeedKey はフィードの並び順を決めるキー。
// 実効時刻の降順、同時刻は投稿ID、再投稿者IDの降順で並ぶ。
type FeedKey struct {
	At         time.Time
	PostID     string
	ReposterID string
}

// Compare はキーを昇順比較する。フィード上ではCompareが大きい方が先に並ぶ。
func (k FeedKey) Compare(o FeedKey) int {
	if c := k.At.Compare(o.At); c != 0 {
		return c
	}
	if c := strings.Compare(k.PostID, o.PostID); c != 0 {
		return c
	}
	return strings.Compare(k.ReposterID, o.ReposterID)
}

// FeedItem はフィードまたは単体表示での投稿1件。
// IsLiked/IsRetweetedは閲覧者基準の射影で、保存されない。
type FeedItem struct {
	Post        *Post
	Attribution *Attribution
	EffectiveAt time.Time
	IsLiked     bool
	IsRetweeted bool
}

// Key はこの項目のフィード上の並び順キーを返す。
func (i FeedItem) Key() FeedKey {
	k := FeedKey{At: i.EffectiveAt, PostID: i.Post.ID}
	if i.Attribution != nil {
		k.ReposterID = i.Attribution.ReposterID
	}
	return k
}

// FeedPage はフィードの1ページ。
type FeedPage struct {
	Items      []FeedItem
	NextCursor string
	HasMore    bool
}

// ViewOf は閲覧者基準のフラグを付けた単体表示用の項目を返す。
func ViewOf(p *Post, viewerID string) FeedItem {
	return FeedItem{
		Post:        p,
		EffectiveAt: p.CreatedAt,
		IsLiked:     p.Likes.Has(viewerID),
		IsRetweeted: p.Retweets.Has(viewerID),
	}
}
