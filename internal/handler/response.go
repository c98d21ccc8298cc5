package handler

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/hitoshi/socialfeed/internal/middleware"
	"github.com/hitoshi/socialfeed/internal/model"
)

// maxBodyBytes はJSONリクエストボディの上限。
const maxBodyBytes = 64 << 10

// userResponse はユーザー情報のAPIレスポンス。
type userResponse struct {
	ID             string    `json:"id"`
	DisplayName    string    `json:"display_name"`
	Handle         string    `json:"handle"`
	Bio            string    `json:"bio,omitempty"`
	AvatarURL      string    `json:"avatar_url,omitempty"`
	BannerURL      string    `json:"banner_url,omitempty"`
	Verification   string    `json:"verification"`
	FollowersCount int       `json:"followers_count"`
	FollowingCount int       `json:"following_count"`
	PinnedPostID   string    `json:"pinned_post_id,omitempty"`
	IsFollowing    bool      `json:"is_following"`
	IsBlocked      bool      `json:"is_blocked"`
	CreatedAt      time.Time `json:"created_at"`

	// NotificationPreferences は本人にだけ返す。
	NotificationPreferences map[model.NotificationType]bool `json:"notification_preferences,omitempty"`
}

func toUserResponse(viewerID string, u *model.User) userResponse {
	res := userResponse{
		ID:             u.ID,
		DisplayName:    u.DisplayName,
		Handle:         u.Handle,
		Bio:            u.Bio,
		AvatarURL:      u.AvatarURL,
		BannerURL:      u.BannerURL,
		Verification:   string(u.Verification),
		FollowersCount: len(u.Followers),
		FollowingCount: len(u.Following),
		PinnedPostID:   u.PinnedPostID,
		IsFollowing:    u.Followers.Has(viewerID),
		IsBlocked:      u.BlockedBy.Has(viewerID),
		CreatedAt:      u.CreatedAt,
	}
	if viewerID == u.ID {
		res.NotificationPreferences = make(map[model.NotificationType]bool, len(model.NotificationTypes))
		for _, t := range model.NotificationTypes {
			res.NotificationPreferences[t] = u.WantsNotification(t)
		}
	}
	return res
}

func toUserResponses(viewerID string, users []*model.User) []userResponse {
	out := make([]userResponse, 0, len(users))
	for _, u := range users {
		out = append(out, toUserResponse(viewerID, u))
	}
	return out
}

// pollResponse は投稿に埋め込む投票の集計。投票者の一覧は返さない。
type pollResponse struct {
	Options      []string   `json:"options"`
	Votes        []int      `json:"votes"`
	Total        int        `json:"total"`
	EndsAt       *time.Time `json:"ends_at,omitempty"`
	Closed       bool       `json:"closed"`
	ViewerChoice *int       `json:"viewer_choice,omitempty"`
}

// postResponse は投稿のAPIレスポンス。
type postResponse struct {
	ID           string               `json:"id"`
	Author       model.AuthorSnapshot `json:"author"`
	Content      string               `json:"content"`
	MediaURL     string               `json:"media_url,omitempty"`
	Location     string               `json:"location,omitempty"`
	Quoted       *model.QuotedPost    `json:"quoted,omitempty"`
	Poll         *pollResponse        `json:"poll,omitempty"`
	Hashtags     []string             `json:"hashtags"`
	LikeCount    int                  `json:"like_count"`
	RetweetCount int                  `json:"retweet_count"`
	CommentCount int                  `json:"comment_count"`
	ViewCount    int                  `json:"view_count"`
	IsLiked      bool                 `json:"is_liked"`
	IsRetweeted  bool                 `json:"is_retweeted"`
	CreatedAt    time.Time            `json:"created_at"`
	EditedAt     *time.Time           `json:"edited_at,omitempty"`

	// RepostedBy は再投稿経由でフィードに載った場合の再投稿者。
	RepostedBy  string     `json:"reposted_by,omitempty"`
	RepostedAt  *time.Time `json:"reposted_at,omitempty"`
	EffectiveAt time.Time  `json:"effective_at"`
}

func toPostResponse(item model.FeedItem, viewerID string, now time.Time) postResponse {
	p := item.Post
	res := postResponse{
		ID:           p.ID,
		Author:       p.Author,
		Content:      p.Content,
		MediaURL:     p.MediaURL,
		Location:     p.Location,
		Quoted:       p.Quoted,
		Hashtags:     p.Hashtags,
		LikeCount:    len(p.Likes),
		RetweetCount: len(p.Retweets),
		CommentCount: p.Comments,
		ViewCount:    p.Views,
		IsLiked:      item.IsLiked,
		IsRetweeted:  item.IsRetweeted,
		CreatedAt:    p.CreatedAt,
		EditedAt:     p.EditedAt,
		EffectiveAt:  item.EffectiveAt,
	}
	if res.Hashtags == nil {
		res.Hashtags = []string{}
	}
	if p.Poll != nil {
		res.Poll = &pollResponse{
			Options: p.Poll.Options,
			Votes:   p.Poll.Votes,
			Total:   p.Poll.TotalVotes(),
			EndsAt:  p.Poll.EndsAt,
			Closed:  p.Poll.Closed(now),
		}
		if idx, ok := p.Poll.Voters[viewerID]; ok {
			res.Poll.ViewerChoice = &idx
		}
	}
	if a := item.Attribution; a != nil {
		at := a.RepostedAt
		res.RepostedBy = a.ReposterID
		res.RepostedAt = &at
	}
	return res
}

// feedPageResponse はフィード・タイムラインの1ページ。
type feedPageResponse struct {
	Items      []postResponse `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
	HasMore    bool           `json:"has_more"`
}

func toFeedPageResponse(page *model.FeedPage, viewerID string, now time.Time) feedPageResponse {
	res := feedPageResponse{
		Items:      make([]postResponse, 0, len(page.Items)),
		NextCursor: page.NextCursor,
		HasMore:    page.HasMore,
	}
	for _, item := range page.Items {
		res.Items = append(res.Items, toPostResponse(item, viewerID, now))
	}
	return res
}

// commentResponse はコメントのAPIレスポンス。
type commentResponse struct {
	ID              string               `json:"id"`
	PostID          string               `json:"post_id"`
	ParentCommentID string               `json:"parent_comment_id,omitempty"`
	Author          model.AuthorSnapshot `json:"author"`
	Content         string               `json:"content"`
	LikeCount       int                  `json:"like_count"`
	ReplyCount      int                  `json:"reply_count"`
	IsLiked         bool                 `json:"is_liked"`
	CreatedAt       time.Time            `json:"created_at"`
}

func toCommentResponse(c *model.Comment, viewerID string) commentResponse {
	return commentResponse{
		ID:              c.ID,
		PostID:          c.PostID,
		ParentCommentID: c.ParentCommentID,
		Author:          c.Author,
		Content:         c.Content,
		LikeCount:       len(c.Likes),
		ReplyCount:      c.Replies,
		IsLiked:         c.Likes.Has(viewerID),
		CreatedAt:       c.CreatedAt,
	}
}

// notificationResponse は通知のAPIレスポンス。
type notificationResponse struct {
	ID        string                    `json:"id"`
	Type      model.NotificationType    `json:"type"`
	From      model.AuthorSnapshot      `json:"from"`
	Payload   model.NotificationPayload `json:"payload"`
	Read      bool                      `json:"read"`
	CreatedAt time.Time                 `json:"created_at"`
}

// toggleResponse は切り替え系操作の結果。Activeは切り替え後の状態。
type toggleResponse struct {
	Active bool `json:"active"`
}

// changedResponse は冪等な操作の結果。Changedは実際に状態が変わったか。
type changedResponse struct {
	Changed bool `json:"changed"`
}

// writeJSON はステータスコードとJSONボディを書き込む。
func writeJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}

// decodeJSON はリクエストボディをvに読み込む。失敗時は400を書き込みfalseを返す。
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v); err != nil {
		middleware.WriteErrorResponse(w, http.StatusBadRequest, &model.APIError{
			Code:     "INVALID_REQUEST",
			Message:  "リクエストボディの解析に失敗しました。",
			Category: "validation",
			Action:   "正しいJSON形式でリクエストしてください。",
			Kind:     model.KindValidation,
		})
		return false
	}
	return true
}

// currentUser は認証済みユーザーIDを返す。未認証なら401を書き込みfalseを返す。
func currentUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, err := middleware.UserIDFromContext(r.Context())
	if err != nil {
		middleware.WriteErrorResponse(w, http.StatusUnauthorized, model.NewUnauthorizedError())
		return "", false
	}
	return userID, true
}

// queryLimit はlimitクエリを読む。未指定・不正値は0（サービス側のデフォルト）。
func queryLimit(r *http.Request) int {
	n, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil || n < 0 {
		return 0
	}
	return n
}
