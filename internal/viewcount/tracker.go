// Package viewcount は閲覧セッションごとの閲覧記録を提供する。
// 閲覧数は同じセッションから同じ投稿につき高々1回だけ加算する。
package viewcount

import (
	"context"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultSessionTTL は閲覧記録を保持する期間のデフォルト値。
const DefaultSessionTTL = 12 * time.Hour

// Tracker は (セッション, 投稿) の初回閲覧を判定する。
type Tracker interface {
	// MarkViewed は初回の閲覧ならtrueを返し、以後TTLの間はfalseを返す。
	MarkViewed(ctx context.Context, sessionID, postID string) (bool, error)
}

func viewKey(sessionID, postID string) string {
	return "view:" + sessionID + ":" + postID
}

// MemoryTracker はプロセス内メモリで閲覧記録を保持するTracker。
type MemoryTracker struct {
	mu    sync.Mutex
	seen  map[string]time.Time
	ttl   time.Duration
	now   func() time.Time
	sweep int
}

// NewMemoryTracker はMemoryTrackerを生成する。
func NewMemoryTracker(ttl time.Duration) *MemoryTracker {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &MemoryTracker{seen: map[string]time.Time{}, ttl: ttl, now: time.Now}
}

// MarkViewed は初回の閲覧ならtrueを返す。
func (t *MemoryTracker) MarkViewed(ctx context.Context, sessionID, postID string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	// 期限切れの記録を時々まとめて捨てる
	t.sweep++
	if t.sweep >= 1024 {
		t.sweep = 0
		for k, exp := range t.seen {
			if !now.Before(exp) {
				delete(t.seen, k)
			}
		}
	}

	key := viewKey(sessionID, postID)
	if exp, ok := t.seen[key]; ok && now.Before(exp) {
		return false, nil
	}
	t.seen[key] = now.Add(t.ttl)
	return true, nil
}

// RedisTracker はRedisのSETNXで閲覧記録を保持するTracker。複数プロセスで共有できる。
type RedisTracker struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisTracker はRedisTrackerを生成する。
func NewRedisTracker(client *redis.Client, ttl time.Duration) *RedisTracker {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &RedisTracker{client: client, ttl: ttl}
}

// MarkViewed は初回の閲覧ならtrueを返す。
func (t *RedisTracker) MarkViewed(ctx context.Context, sessionID, postID string) (bool, error) {
	return t.client.SetNX(ctx, "socialfeed:"+viewKey(sessionID, postID), "1", t.ttl).Result()
}

// compile-time interface check
var (
	_ Tracker = (*MemoryTracker)(nil)
	_ Tracker = (*RedisTracker)(nil)
)
