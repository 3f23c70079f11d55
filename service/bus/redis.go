package bus

import (
	"context"
	"sync"

	"PPChat/logger"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisTransport 基于 Redis PUBLISH/SUBSCRIBE；没有持久化，断线期间的消息会丢
type RedisTransport struct {
	rdb    redis.UniversalClient
	prefix string

	mu     sync.Mutex
	subs   []*redis.PubSub
	wg     sync.WaitGroup
	closed bool
}

func NewRedisTransport(rdb redis.UniversalClient, keyPrefix string) *RedisTransport {
	if keyPrefix == "" {
		keyPrefix = "im"
	}
	return &RedisTransport{rdb: rdb, prefix: keyPrefix + ":bus:"}
}

func (t *RedisTransport) Publish(ctx context.Context, channel string, data []byte, _ string) error {
	return t.rdb.Publish(ctx, t.prefix+channel, data).Err()
}

// Subscribe 等订阅确认后才返回，避免紧接着的 Publish 丢失
func (t *RedisTransport) Subscribe(channel string, h RawHandler) error {
	ctx := context.Background()
	ps := t.rdb.Subscribe(ctx, t.prefix+channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return err
	}

	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		_ = ps.Close()
		return redis.ErrClosed
	}
	t.subs = append(t.subs, ps)
	t.wg.Add(1)
	t.mu.Unlock()

	go func() {
		defer t.wg.Done()
		for msg := range ps.Channel() {
			if err := h(ctx, []byte(msg.Payload)); err != nil {
				logger.Debug("redis bus handler error", zap.String("channel", channel), zap.Error(err))
			}
		}
	}()
	return nil
}

func (t *RedisTransport) Close() error {
	t.mu.Lock()
	t.closed = true
	subs := t.subs
	t.subs = nil
	t.mu.Unlock()
	for _, ps := range subs {
		_ = ps.Close()
	}
	t.wg.Wait()
	return nil
}
