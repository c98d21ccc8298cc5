package changefeed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/hitoshi/socialfeed/internal/events"
	"github.com/redis/go-redis/v9"
)

// DefaultChannel は変更通知に使うRedisのPub/Subチャネル名。
const DefaultChannel = "socialfeed:changes"

// RedisHub はRedisのPub/Subで複数プロセス間に変更通知を配信するHub。
type RedisHub struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
}

// NewRedisHub はRedisHubを生成する。
func NewRedisHub(client *redis.Client, channel string, logger *slog.Logger) *RedisHub {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisHub{client: client, channel: channel, logger: logger}
}

// Publish はフィードに影響するイベントをチャネルへ発行する。
func (h *RedisHub) Publish(ctx context.Context, ev events.Event) error {
	if !ev.AffectsFeed() {
		return nil
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal change: %w", err)
	}
	if err := h.client.Publish(ctx, h.channel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish change: %w", err)
	}
	return nil
}

// Subscribe はチャネルを購読し、受信した変更通知を返すチャネルへ流す。
func (h *RedisHub) Subscribe(ctx context.Context) <-chan events.Event {
	out := make(chan events.Event, subscriberBuffer)
	sub := h.client.Subscribe(ctx, h.channel)

	go func() {
		defer close(out)
		defer sub.Close()

		msgs := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-msgs:
				if !ok {
					return
				}
				var ev events.Event
				if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
					h.logger.Warn("変更通知のデコードに失敗しました", slog.String("error", err.Error()))
					continue
				}
				select {
				case out <- ev:
				default:
				}
			}
		}
	}()
	return out
}

var _ Hub = (*RedisHub)(nil)
