package model

import (
	"slices"
	"time"
)

// EditWindow は投稿後に本文を編集できる期間。
const EditWindow = 5 * time.Minute

// MaxContentLength は投稿・コメント本文の最大文字数（rune数）。
const MaxContentLength = 280

// Post は投稿を表す。
// likes/retweetsはエンゲージメントの正とする集合、commentsは増減で維持するカウンタ。
type Post struct {
	ID       string         `bson:"_id"`
	AuthorID string         `bson:"author_id"`
	Author   AuthorSnapshot `bson:"author"`
	Content  string         `bson:"content"`
	MediaURL string         `bson:"media_url"`
	Location string         `bson:"location"`
	Quoted   *QuotedPost    `bson:"quoted,omitempty"`
	Poll     *Poll          `bson:"poll,omitempty"`

	Likes    IDSet `bson:"likes"`
	Retweets IDSet `bson:"retweets"`
	Comments int   `bson:"comments"`
	Views    int   `bson:"views"`

	Hashtags []string `bson:"hashtags"`

	CreatedAt time.Time  `bson:"created_at"`
	EditedAt  *time.Time `bson:"edited_at,omitempty"`
	Version   int64      `bson:"version"`
}

// Editable はnow時点で作成からwindow以内かを返す。windowが0以下ならEditWindowを使う。
func (p *Post) Editable(now time.Time, window time.Duration) bool {
	if window <= 0 {
		window = EditWindow
	}
	return now.Sub(p.CreatedAt) <= window
}

// Engagement は種別に対応するメンバー集合を返す。
func (p *Post) Engagement(kind EngagementKind) IDSet {
	if kind == EngagementRetweet {
		return p.Retweets
	}
	return p.Likes
}

// Clone は投稿のディープコピーを返す。
func (p *Post) Clone() *Post {
	c := *p
	c.Likes = p.Likes.Clone()
	c.Retweets = p.Retweets.Clone()
	c.Hashtags = slices.Clone(p.Hashtags)
	if p.Quoted != nil {
		q := *p.Quoted
		c.Quoted = &q
	}
	if p.Poll != nil {
		c.Poll = p.Poll.Clone()
	}
	if p.EditedAt != nil {
		t := *p.EditedAt
		c.EditedAt = &t
	}
	return &c
}

// QuotedPost は引用元投稿の作成時点のスナップショット。作成後は変更しない。
type QuotedPost struct {
	ID        string         `json:"id" bson:"id"`
	AuthorID  string         `json:"author_id" bson:"author_id"`
	Author    AuthorSnapshot `json:"author" bson:"author"`
	Content   string         `json:"content" bson:"content"`
	MediaURL  string         `json:"media_url,omitempty" bson:"media_url"`
	CreatedAt time.Time      `json:"created_at" bson:"created_at"`
}

// Poll は投稿に埋め込まれる投票。
// Votesは選択肢と並行する配列で、sum(Votes) == len(Voters) を保つ。
type Poll struct {
	Options []string       `json:"options" bson:"options"`
	Votes   []int          `json:"votes" bson:"votes"`
	Voters  map[string]int `json:"voters" bson:"voters"`
	EndsAt  *time.Time     `json:"ends_at,omitempty" bson:"ends_at,omitempty"`
}

// NewPoll は得票0の投票を生成する。
func NewPoll(options []string, endsAt *time.Time) *Poll {
	return &Poll{
		Options: slices.Clone(options),
		Votes:   make([]int, len(options)),
		Voters:  map[string]int{},
		EndsAt:  endsAt,
	}
}

// TotalVotes は総得票数を返す。
func (p *Poll) TotalVotes() int {
	total := 0
	for _, v := range p.Votes {
		total += v
	}
	return total
}

// Closed はnow時点で締め切られているかを返す。
func (p *Poll) Closed(now time.Time) bool {
	return p.EndsAt != nil && !now.Before(*p.EndsAt)
}

// Clone は投票のディープコピーを返す。
func (p *Poll) Clone() *Poll {
	c := &Poll{
		Options: slices.Clone(p.Options),
		Votes:   slices.Clone(p.Votes),
		Voters:  make(map[string]int, len(p.Voters)),
	}
	for k, v := range p.Voters {
		c.Voters[k] = v
	}
	if p.EndsAt != nil {
		t := *p.EndsAt
		c.EndsAt = &t
	}
	return c
}

// EngagementKind はいいね/リツイートの種別。
type EngagementKind string

const (
	EngagementLike    EngagementKind = "like"
	EngagementRetweet EngagementKind = "retweet"
)

// Valid は定義済みの種別かを返す。
func (k EngagementKind) Valid() bool {
	return k == EngagementLike || k == EngagementRetweet
}

// Repost はユーザーによる再投稿の記録。
// (UserID, PostID) の組は高々1件で、投稿のRetweets集合と対になる。
type Repost struct {
	ID                   string    `bson:"_id"`
	UserID               string    `bson:"user_id"`
	PostID               string    `bson:"post_id"`
	OriginalPostAuthorID string    `bson:"original_post_author_id"`
	CreatedAt            time.Time `bson:"created_at"`
}

// Comment は投稿へのコメント。ParentCommentIDが空でなければ返信。
type Comment struct {
	ID              string         `bson:"_id"`
	PostID          string         `bson:"post_id"`
	ParentCommentID string         `bson:"parent_comment_id"`
	AuthorID        string         `bson:"author_id"`
	Author          AuthorSnapshot `bson:"author"`
	Content         string         `bson:"content"`
	Likes           IDSet          `bson:"likes"`
	Retweets        IDSet          `bson:"retweets"`
	Replies         int            `bson:"replies"`
	CreatedAt       time.Time      `bson:"created_at"`
}

// Clone はコメントのディープコピーを返す。
func (c *Comment) Clone() *Comment {
	cc := *c
	cc.Likes = c.Likes.Clone()
	cc.Retweets = c.Retweets.Clone()
	return &cc
}

// Hashtag はハッシュタグのトレンド集計。Countは生存投稿数の近似値。
type Hashtag struct {
	Name      string    `bson:"_id"`
	Count     int       `bson:"count"`
	UpdatedAt time.Time `bson:"updated_at"`
	Version   int64     `bson:"version"`
}
