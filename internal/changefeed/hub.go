// Package changefeed はフィードの再構成を促す変更通知の配信を提供する。
//
// 配信は取りこぼし得る合図として扱う。受信側は通知の内容ではなく
// 「何か変わった」ことだけを使い、最新の状態はストアから読み直す。
package changefeed

import (
	"context"
	"sync"

	"github.com/hitoshi/socialfeed/internal/events"
)

// subscriberBuffer は購読者ごとの未処理通知の上限。超えた通知は捨てる。
const subscriberBuffer = 16

// Hub は変更通知の発行と購読を提供する。
type Hub interface {
	events.Publisher

	// Subscribe はctxが終わるまで変更通知を受け取るチャネルを返す。
	// ctxの終了後にチャネルは閉じられる。
	Subscribe(ctx context.Context) <-chan events.Event
}

// MemoryHub はプロセス内で変更通知を配信するHub。
type MemoryHub struct {
	mu   sync.Mutex
	subs map[chan events.Event]struct{}
}

// NewMemoryHub はMemoryHubを生成する。
func NewMemoryHub() *MemoryHub {
	return &MemoryHub{subs: map[chan events.Event]struct{}{}}
}

// Publish はフィードに影響するイベントを全購読者へ配信する。
// 受信が追いつかない購読者への通知は捨てる。
func (h *MemoryHub) Publish(ctx context.Context, ev events.Event) error {
	if !ev.AffectsFeed() {
		return nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
		}
	}
	return nil
}

// Subscribe はctxが終わるまで変更通知を受け取るチャネルを返す。
func (h *MemoryHub) Subscribe(ctx context.Context) <-chan events.Event {
	ch := make(chan events.Event, subscriberBuffer)
	h.mu.Lock()
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subs, ch)
		h.mu.Unlock()
		close(ch)
	}()
	return ch
}

// Subscribers は現在の購読者数を返す。
func (h *MemoryHub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

var _ Hub = (*MemoryHub)(nil)
