package model

import (
	"slices"
	"time"
)

// AllSavedCollectionID は常に存在するものとして扱う予約コレクションのID。
const AllSavedCollectionID = "all_saved"

// AllSavedCollectionName は予約コレクションの表示名。
const AllSavedCollectionName = "All saved"

// Collection はユーザーが保存した投稿の名前付き順序付き集合。
type Collection struct {
	ID        string    `json:"id" bson:"id"`
	Name      string    `json:"name" bson:"name"`
	PostIDs   []string  `json:"post_ids" bson:"post_ids"`
	CreatedAt time.Time `json:"created_at" bson:"created_at"`
}

// Reserved は予約コレクションかを返す。
func (c Collection) Reserved() bool {
	return c.ID == AllSavedCollectionID
}

// Clone はコレクションのコピーを返す。
func (c Collection) Clone() Collection {
	c.PostIDs = slices.Clone(c.PostIDs)
	return c
}

// WithAllSaved は予約コレクションが無ければ先頭に補ったコレクション一覧を返す。
// 引数のスライスは変更しない。
func WithAllSaved(cols []Collection) []Collection {
	out := make([]Collection, 0, len(cols)+1)
	found := false
	for _, c := range cols {
		if c.Reserved() {
			found = true
		}
		out = append(out, c.Clone())
	}
	if !found {
		out = append([]Collection{{ID: AllSavedCollectionID, Name: AllSavedCollectionName}}, out...)
	}
	return out
}

// IndexOfCollection はidに一致するコレクションの位置を返す。無ければ-1。
func IndexOfCollection(cols []Collection, id string) int {
	return slices.IndexFunc(cols, func(c Collection) bool { return c.ID == id })
}
