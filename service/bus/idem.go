package bus

import (
	"context"
	"sync"
	"time"

	"PPChat/logger"
	"PPChat/service/metrics"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ----- 抽象存储 -----
type IdemStore interface {
	// SeenOnce 第一次见到 key 返回 false 并记下；ttl 内再次出现返回 true
	SeenOnce(ctx context.Context, key string, ttl time.Duration) (seen bool, err error)
}

// ----- 内存实现（单进程） -----
type MemIdem struct {
	mu   sync.Mutex
	m    map[string]time.Time // key -> expireAt
	ttl  time.Duration
	now  func() time.Time
	stop chan struct{}
	once sync.Once
}

func NewMemIdem(defaultTTL time.Duration) *MemIdem {
	mi := &MemIdem{m: make(map[string]time.Time), ttl: defaultTTL, now: time.Now, stop: make(chan struct{})}
	// 清理协程
	go func() {
		t := time.NewTicker(time.Minute)
		defer t.Stop()
		for {
			select {
			case <-mi.stop:
				return
			case <-t.C:
				mi.sweep()
			}
		}
	}()
	return mi
}

func (mi *MemIdem) sweep() {
	now := mi.now()
	mi.mu.Lock()
	for k, exp := range mi.m {
		if !exp.After(now) {
			delete(mi.m, k)
		}
	}
	mi.mu.Unlock()
}

func (mi *MemIdem) SeenOnce(_ context.Context, key string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		ttl = mi.ttl
	}
	now := mi.now()
	mi.mu.Lock()
	defer mi.mu.Unlock()
	if exp, ok := mi.m[key]; ok && exp.After(now) {
		return true, nil // 已见过
	}
	mi.m[key] = now.Add(ttl)
	return false, nil
}

func (mi *MemIdem) Close() { mi.once.Do(func() { close(mi.stop) }) }

// ----- Redis 实现（节点重启不丢） -----
// key 里带节点ID：广播频道每个节点都要各处理一次，不能共用去重记录
type RedisIdem struct {
	rdb    redis.UniversalClient
	prefix string
}

func NewRedisIdem(rdb redis.UniversalClient, keyPrefix, nodeID string) *RedisIdem {
	if keyPrefix == "" {
		keyPrefix = "im"
	}
	return &RedisIdem{rdb: rdb, prefix: keyPrefix + ":bus:seen:" + nodeID + ":"}
}

func (ri *RedisIdem) SeenOnce(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	ok, err := ri.rdb.SetNX(ctx, ri.prefix+key, 1, ttl).Result()
	if err != nil {
		return false, err
	}
	return !ok, nil
}

// ----- 去重中间件 -----
// 去重键是 频道+信封ID
// 存储不可用时放行（宁可重复也不丢），handler 本身要幂等
func DedupMiddleware(store IdemStore, ttl time.Duration) Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, env Envelope) error {
			if env.ID == "" {
				return next(ctx, env)
			}
			seen, err := store.SeenOnce(ctx, env.Channel+"|"+env.ID, ttl)
			if err != nil {
				logger.Warn("bus dedup store failed, passing through", zap.String("id", env.ID), zap.Error(err))
				return next(ctx, env)
			}
			if seen {
				metrics.BusDuplicates.WithLabelValues(metricChannel(env.Channel)).Inc()
				return nil
			}
			return next(ctx, env)
		}
	}
}
