package backend

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/yourusername/anchor-forge/internal/record"
)

// Notifier は行変更イベントを通知フィードへ発行します。
type Notifier interface {
	Publish(ctx context.Context, ev *record.ChangeEvent) error
}

// RedisNotifier は Redis Pub/Sub へイベントを発行する Notifier 実装です。
// チャンネル名は realtime 側の購読チャンネルと揃えています。
type RedisNotifier struct {
	rdb *redis.Client
}

// NewRedisNotifier は RedisNotifier を作成します。
func NewRedisNotifier(rdb *redis.Client) *RedisNotifier {
	return &RedisNotifier{rdb: rdb}
}

// Publish はイベントをテーブルごとのチャンネルへ発行します。
func (n *RedisNotifier) Publish(ctx context.Context, ev *record.ChangeEvent) error {
	if ev.EmittedAt.IsZero() {
		ev.EmittedAt = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal change event: %w", err)
	}
	return n.rdb.Publish(ctx, record.ChannelFor(ev.Table), payload).Err()
}
