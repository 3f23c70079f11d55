package chat

import (
	"context"
	"time"

	"PPChat/tools/errs"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
)

// 滑动窗口：一个用户一个 ZSET，member 唯一，score = 事件时间
// KEYS[1] = <p>:rl:<uid>
// ARGV[1] = nowMs  ARGV[2] = windowMs  ARGV[3] = limit  ARGV[4] = member
// 返回 {allowed(0/1), retryAfterMs}
const luaSlidingWindow = `
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local limit = tonumber(ARGV[3])
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", now - window)
local n = redis.call("ZCARD", KEYS[1])
if n >= limit then
  local oldest = redis.call("ZRANGE", KEYS[1], 0, 0, "WITHSCORES")
  local retry = window
  if oldest[2] then
    retry = tonumber(oldest[2]) + window - now
  end
  if retry < 1 then retry = 1 end
  return {0, retry}
end
redis.call("ZADD", KEYS[1], now, ARGV[4])
redis.call("PEXPIRE", KEYS[1], window)
return {1, 0}
`

type RateLimitConfig struct {
	KeyPrefix string
	Events    int           // 窗口内允许的事件数
	Window    time.Duration //
}

// RateLimiter 按用户限流，多节点共享同一个计数
type RateLimiter struct {
	rdb    redis.UniversalClient
	conf   RateLimitConfig
	script *redis.Script
	Now    func() time.Time
}

func NewRateLimiter(rdb redis.UniversalClient, conf RateLimitConfig) *RateLimiter {
	if conf.KeyPrefix == "" {
		conf.KeyPrefix = "im"
	}
	if conf.Events <= 0 {
		conf.Events = 30
	}
	if conf.Window <= 0 {
		conf.Window = 10 * time.Second
	}
	return &RateLimiter{rdb: rdb, conf: conf, script: redis.NewScript(luaSlidingWindow), Now: time.Now}
}

// Allow 不允许时返回建议的重试间隔
func (l *RateLimiter) Allow(ctx context.Context, userID string) (bool, time.Duration, error) {
	now := l.Now()
	res, err := l.script.Run(ctx, l.rdb, []string{l.conf.KeyPrefix + ":rl:" + userID},
		now.UnixMilli(),
		l.conf.Window.Milliseconds(),
		l.conf.Events,
		ulid.Make().String(),
	).Int64Slice()
	if err != nil {
		return true, 0, errs.ErrInfra.WrapMsg("rate limit", "user", userID, "err", err)
	}
	if len(res) != 2 {
		return true, 0, errs.New("rate limit: unexpected reply", "user", userID)
	}
	if res[0] == 1 {
		return true, 0, nil
	}
	return false, time.Duration(res[1]) * time.Millisecond, nil
}
