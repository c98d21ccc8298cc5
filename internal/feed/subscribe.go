package feed

import (
	"context"
	"log/slog"

	"github.com/hitoshi/socialfeed/internal/model"
)

// Snapshot は購読者に送るフィード先頭ページ。
type Snapshot struct {
	Page *model.FeedPage
	Err  error
}

// Subscribe はフィードの先頭ページを送り、以後は変更通知を受けるたびに組み立て直して送る。
// 通知が続けて届いた場合は1回の再合成にまとめる。ctxが終わるとチャネルを閉じる。
func (s *Service) Subscribe(ctx context.Context, viewerID string, scope model.FeedScope, limit int) <-chan Snapshot {
	out := make(chan Snapshot, 1)
	changes := s.hub.Subscribe(ctx)

	go func() {
		defer close(out)

		send := func() bool {
			page, err := s.Page(ctx, viewerID, scope, "", limit)
			if err != nil && ctx.Err() == nil {
				s.logger.Warn("フィードの再合成に失敗しました",
					slog.String("viewer_id", viewerID),
					slog.String("error", err.Error()),
				)
			}
			select {
			case out <- Snapshot{Page: page, Err: err}:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if !send() {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-changes:
				if !ok {
					return
				}
			drain:
				for {
					select {
					case _, ok := <-changes:
						if !ok {
							break drain
						}
					default:
						break drain
					}
				}
				if !send() {
					return
				}
			}
		}
	}()
	return out
}
