package model

import "time"

// NotificationType は通知の種別。ユーザーの通知設定のキーとしても使う。
type NotificationType string

const (
	NotificationLike    NotificationType = "like"
	NotificationRetweet NotificationType = "retweet"
	NotificationReply   NotificationType = "reply"
	NotificationMention NotificationType = "mention"
	NotificationFollow  NotificationType = "follow"
	NotificationPost    NotificationType = "post"
)

// NotificationTypes は定義済みの通知種別の一覧。
var NotificationTypes = []NotificationType{
	NotificationLike,
	NotificationRetweet,
	NotificationReply,
	NotificationMention,
	NotificationFollow,
	NotificationPost,
}

// Valid は定義済みの通知種別かを返す。
func (t NotificationType) Valid() bool {
	for _, v := range NotificationTypes {
		if v == t {
			return true
		}
	}
	return false
}

// Notification は受信者ごとに書き込まれる通知。
// 作成後に変わるのは既読フラグのみ。
type Notification struct {
	ID         string              `bson:"_id"`
	ToUserID   string              `bson:"to_user_id"`
	FromUserID string              `bson:"from_user_id"`
	From       AuthorSnapshot      `bson:"from"`
	Type       NotificationType    `bson:"type"`
	Payload    NotificationPayload `bson:"payload"`
	Read       bool                `bson:"read"`
	CreatedAt  time.Time           `bson:"created_at"`
}

// NotificationPayload は通知元の内容の抜粋と参照先。
type NotificationPayload struct {
	Content string `json:"content" bson:"content"`
	PostID  string `json:"post_id,omitempty" bson:"post_id"`
	RefID   string `json:"ref_id,omitempty" bson:"ref_id"`
}

// NotificationPage は通知一覧の1ページ。
type NotificationPage struct {
	Notifications []*Notification
	NextCursor    string
	UnreadCount   int
}
