package realtime

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Feed は変更通知フィードへの接続を開きます。
type Feed interface {
	Subscribe(ctx context.Context, channel string) (Conn, error)
}

// Conn はフィードとの1本の論理接続です。Events のチャンネルが
// 閉じたら接続断とみなし、呼び出し側が再購読します。
type Conn interface {
	Events() <-chan []byte
	Close() error
}

// RedisFeed は Redis Pub/Sub を使った Feed 実装です。
type RedisFeed struct {
	rdb *redis.Client
}

// NewRedisFeed は RedisFeed を作成します。
func NewRedisFeed(rdb *redis.Client) *RedisFeed {
	return &RedisFeed{rdb: rdb}
}

// Subscribe はチャンネルを購読し、受信ループを開始します。
func (f *RedisFeed) Subscribe(ctx context.Context, channel string) (Conn, error) {
	pubsub := f.rdb.Subscribe(ctx, channel)
	// 購読の成立を確認してから返す。失敗は呼び出し側でリトライする。
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe channel %s: %w", channel, err)
	}

	conn := &redisConn{pubsub: pubsub, events: make(chan []byte)}
	go conn.receiveLoop(ctx)
	return conn, nil
}

type redisConn struct {
	pubsub *redis.PubSub
	events chan []byte
}

func (c *redisConn) Events() <-chan []byte { return c.events }

func (c *redisConn) Close() error { return c.pubsub.Close() }

// receiveLoop はメッセージを受信して events へ流します。受信エラーは
// 接続断として扱い、チャンネルを閉じて終了します。
func (c *redisConn) receiveLoop(ctx context.Context) {
	defer close(c.events)
	for {
		msg, err := c.pubsub.ReceiveMessage(ctx)
		if err != nil {
			return
		}
		select {
		case c.events <- []byte(msg.Payload):
		case <-ctx.Done():
			return
		}
	}
}
