// Package model はドメインモデルを定義する。
package model

import (
	"slices"
	"time"
)

// VerificationTier はユーザーの認証バッジ種別を表す。
type VerificationTier string

const (
	VerificationNone   VerificationTier = "none"
	VerificationBasic  VerificationTier = "basic"
	VerificationBronze VerificationTier = "bronze"
	VerificationSilver VerificationTier = "silver"
	VerificationGold   VerificationTier = "gold"
)

// Valid は定義済みの認証バッジ種別かを返す。
func (t VerificationTier) Valid() bool {
	switch t {
	case VerificationNone, VerificationBasic, VerificationBronze, VerificationSilver, VerificationGold:
		return true
	}
	return false
}

// IDSet はユーザーIDの集合を順序付きスライスで表す。
// 重複を持たないことを呼び出し側ではなくメソッドで保証する。
type IDSet []string

// Has はidが集合に含まれるかを返す。
func (s IDSet) Has(id string) bool {
	return slices.Contains(s, id)
}

// Add はidを追加した集合を返す。既に含まれる場合はそのまま返す。
func (s IDSet) Add(id string) IDSet {
	if s.Has(id) {
		return s
	}
	return append(s, id)
}

// Remove はidを除いた集合を返す。
func (s IDSet) Remove(id string) IDSet {
	return slices.DeleteFunc(slices.Clone(s), func(v string) bool { return v == id })
}

// Clone は集合のコピーを返す。
func (s IDSet) Clone() IDSet {
	if s == nil {
		return nil
	}
	return slices.Clone(s)
}

// User はサービス利用ユーザーを表す。
// following/followers/blocked/blockedByは双方向で対になる集合として維持される。
type User struct {
	ID           string           `bson:"_id"`
	DisplayName  string           `bson:"display_name"`
	Handle       string           `bson:"handle"`
	Bio          string           `bson:"bio"`
	AvatarURL    string           `bson:"avatar_url"`
	BannerURL    string           `bson:"banner_url"`
	Verification VerificationTier `bson:"verification"`

	Following IDSet `bson:"following"`
	Followers IDSet `bson:"followers"`
	Blocked   IDSet `bson:"blocked"`
	BlockedBy IDSet `bson:"blocked_by"`

	// PinnedPostID は本人が投稿したポストのみを指す。空文字は未設定。
	PinnedPostID string `bson:"pinned_post_id"`

	Collections []Collection `bson:"collections"`

	// NotificationPreferences はキーが無い場合は有効として扱う（オプトアウト方式）。
	NotificationPreferences map[NotificationType]bool `bson:"notification_preferences"`

	CreatedAt time.Time `bson:"created_at"`
	UpdatedAt time.Time `bson:"updated_at"`
	Version   int64     `bson:"version"`
}

// WantsNotification は指定種別の通知を受け取る設定かを返す。
func (u *User) WantsNotification(t NotificationType) bool {
	enabled, ok := u.NotificationPreferences[t]
	return !ok || enabled
}

// HasBlockRelation はotherIDとの間にどちらか向きのブロック関係があるかを返す。
func (u *User) HasBlockRelation(otherID string) bool {
	return u.Blocked.Has(otherID) || u.BlockedBy.Has(otherID)
}

// Snapshot は投稿や通知に埋め込む非正規化スナップショットを返す。
func (u *User) Snapshot() AuthorSnapshot {
	return AuthorSnapshot{
		ID:           u.ID,
		DisplayName:  u.DisplayName,
		Handle:       u.Handle,
		AvatarURL:    u.AvatarURL,
		Verification: u.Verification,
	}
}

// Clone はユーザーのディープコピーを返す。
func (u *User) Clone() *User {
	c := *u
	c.Following = u.Following.Clone()
	c.Followers = u.Followers.Clone()
	c.Blocked = u.Blocked.Clone()
	c.BlockedBy = u.BlockedBy.Clone()
	if u.Collections != nil {
		c.Collections = make([]Collection, len(u.Collections))
		for i, col := range u.Collections {
			c.Collections[i] = col.Clone()
		}
	}
	if u.NotificationPreferences != nil {
		c.NotificationPreferences = make(map[NotificationType]bool, len(u.NotificationPreferences))
		for k, v := range u.NotificationPreferences {
			c.NotificationPreferences[k] = v
		}
	}
	return &c
}

// AuthorSnapshot は作成時点のユーザー情報の写し。
// 元ユーザーのプロフィール変更後も再同期しない。
type AuthorSnapshot struct {
	ID           string           `json:"id" bson:"id"`
	DisplayName  string           `json:"display_name" bson:"display_name"`
	Handle       string           `json:"handle" bson:"handle"`
	AvatarURL    string           `json:"avatar_url,omitempty" bson:"avatar_url"`
	Verification VerificationTier `json:"verification" bson:"verification"`
}
