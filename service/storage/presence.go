package storage

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"PPChat/logger"
	"PPChat/service/metrics"
	"PPChat/tools/errs"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

type PresenceConfig struct {
	KeyPrefix string
	TTL       time.Duration // 设备条目 TTL，心跳 Touch 续期
	ScanCount int64
}

// ===== Lua 脚本 =====
//
// <p>:presence:<uid> 的成员是 "<deviceId>|<socketId>"，一条连接一个成员，score=expireAtMs。
// 同一设备的新旧连接各自持有成员，旧连接下线只删自己的那条，不会把刚重连的设备带下线。

// 上线：ZADD 成员，返回 {新增成员数, 当前未过期成员数}
// KEYS[1] = <p>:presence:<uid>
// KEYS[2] = <p>:presence:users
// ARGV[1] = member  ARGV[2] = expireAtMs  ARGV[3] = nowMs  ARGV[4] = userId  ARGV[5] = keyTtlMs
const luaSetOnline = `
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[3])
local added = redis.call("ZADD", KEYS[1], ARGV[2], ARGV[1])
redis.call("PEXPIRE", KEYS[1], ARGV[5])
redis.call("SADD", KEYS[2], ARGV[4])
return {added, redis.call("ZCARD", KEYS[1])}
`

// 续期：成员不在集合里不补写（已被下线或清理）
const luaTouch = `
local score = redis.call("ZSCORE", KEYS[1], ARGV[1])
if not score then
  return 0
end
redis.call("ZADD", KEYS[1], ARGV[2], ARGV[1])
redis.call("PEXPIRE", KEYS[1], ARGV[4])
return 1
`

// 移除连接：只有“本次删除导致集合变空”才返回 1，保证离线只触发一次
// KEYS 同上；ARGV[1] = member  ARGV[2] = nowMs  ARGV[3] = userId
const luaRemoveDevice = `
local removed = redis.call("ZREM", KEYS[1], ARGV[1])
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[2])
if redis.call("ZCARD", KEYS[1]) == 0 then
  redis.call("DEL", KEYS[1])
  redis.call("SREM", KEYS[2], ARGV[3])
  if removed == 1 then
    return 1
  end
end
return 0
`

// 清理过期设备：返回 {清理条数, 是否因此离线}
// 集合在清理前就已为空（被 RemoveDevice 处理过）不算离线转换
const luaSweepUser = `
local before = redis.call("ZCARD", KEYS[1])
local removed = redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", ARGV[1])
if redis.call("ZCARD", KEYS[1]) == 0 then
  redis.call("DEL", KEYS[1])
  redis.call("SREM", KEYS[2], ARGV[2])
  if before > 0 and removed > 0 then
    return {removed, 1}
  end
end
return {removed, 0}
`

// Presence 用户在线状态：连接集合非空即在线；在线/离线是派生出来的，不能直接设置
type Presence struct {
	rdb  redis.UniversalClient
	conf PresenceConfig
	Now  func() time.Time

	luaSetOnline    *redis.Script
	luaTouch        *redis.Script
	luaRemoveDevice *redis.Script
	luaSweepUser    *redis.Script
}

func NewPresence(rdb redis.UniversalClient, conf PresenceConfig) *Presence {
	if conf.KeyPrefix == "" {
		conf.KeyPrefix = "im"
	}
	if conf.TTL <= 0 {
		conf.TTL = 2 * time.Minute
	}
	if conf.ScanCount <= 0 {
		conf.ScanCount = 200
	}
	return &Presence{
		rdb:             rdb,
		conf:            conf,
		Now:             time.Now,
		luaSetOnline:    redis.NewScript(luaSetOnline),
		luaTouch:        redis.NewScript(luaTouch),
		luaRemoveDevice: redis.NewScript(luaRemoveDevice),
		luaSweepUser:    redis.NewScript(luaSweepUser),
	}
}

func (p *Presence) userKey(userID string) string {
	return fmt.Sprintf("%s:presence:%s", p.conf.KeyPrefix, userID)
}

func (p *Presence) usersKey() string { return p.conf.KeyPrefix + ":presence:users" }

func (p *Presence) keyTTL() time.Duration { return p.conf.TTL * 2 }

func presenceMember(deviceID, socketID string) string { return deviceID + "|" + socketID }

func memberDevice(member string) string {
	if i := strings.LastIndexByte(member, '|'); i >= 0 {
		return member[:i]
	}
	return member
}

// SetOnline 登记设备上的一条连接；返回本次是否由离线变为在线。已存在的连接只续期，不算转换
func (p *Presence) SetOnline(ctx context.Context, userID, deviceID, socketID string) (bool, error) {
	now := p.Now()
	res, err := p.luaSetOnline.Run(ctx, p.rdb, []string{p.userKey(userID), p.usersKey()},
		presenceMember(deviceID, socketID),
		now.Add(p.conf.TTL).UnixMilli(),
		now.UnixMilli(),
		userID,
		p.keyTTL().Milliseconds(),
	).Int64Slice()
	if err != nil {
		return false, errs.ErrInfra.WrapMsg("presence set online", "user", userID, "err", err)
	}
	return len(res) == 2 && res[0] == 1 && res[1] == 1, nil
}

// Touch 心跳续期
func (p *Presence) Touch(ctx context.Context, userID, deviceID, socketID string) (bool, error) {
	now := p.Now()
	rc, err := p.luaTouch.Run(ctx, p.rdb, []string{p.userKey(userID)},
		presenceMember(deviceID, socketID),
		now.Add(p.conf.TTL).UnixMilli(),
		now.UnixMilli(),
		p.keyTTL().Milliseconds(),
	).Int64()
	if err != nil {
		return false, errs.ErrInfra.WrapMsg("presence touch", "user", userID, "err", err)
	}
	return rc == 1, nil
}

// RemoveDevice 移除设备上的这条连接；设备还有别的连接时设备保留。
// 只有删掉用户最后一条连接的那次调用返回 true
func (p *Presence) RemoveDevice(ctx context.Context, userID, deviceID, socketID string) (bool, error) {
	rc, err := p.luaRemoveDevice.Run(ctx, p.rdb, []string{p.userKey(userID), p.usersKey()},
		presenceMember(deviceID, socketID),
		p.Now().UnixMilli(),
		userID,
	).Int64()
	if err != nil {
		return false, errs.ErrInfra.WrapMsg("presence remove device", "user", userID, "err", err)
	}
	return rc == 1, nil
}

func (p *Presence) IsOnline(ctx context.Context, userID string) (bool, error) {
	n, err := p.rdb.ZCount(ctx, p.userKey(userID), "("+strconv.FormatInt(p.Now().UnixMilli(), 10), "+inf").Result()
	if err != nil {
		return false, errs.ErrInfra.WrapMsg("presence is online", "user", userID, "err", err)
	}
	return n > 0, nil
}

// Devices 当前未过期的设备（去重，按成员顺序）
func (p *Presence) Devices(ctx context.Context, userID string) ([]string, error) {
	members, err := p.rdb.ZRangeByScore(ctx, p.userKey(userID), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(p.Now().UnixMilli(), 10), Max: "+inf",
	}).Result()
	if err != nil {
		return nil, errs.ErrInfra.WrapMsg("presence devices", "user", userID, "err", err)
	}
	out := make([]string, 0, len(members))
	seen := make(map[string]struct{}, len(members))
	for _, m := range members {
		d := memberDevice(m)
		if _, ok := seen[d]; ok {
			continue
		}
		seen[d] = struct{}{}
		out = append(out, d)
	}
	return out, nil
}

// CleanupStale 清理心跳超时的设备；返回清理条数和因此离线的用户（调用方负责广播离线）
func (p *Presence) CleanupStale(ctx context.Context) (int, []string, error) {
	var (
		cursor  uint64
		removed int
		offline []string
	)
	nowMs := p.Now().UnixMilli()
	for {
		users, next, err := p.rdb.SScan(ctx, p.usersKey(), cursor, "", p.conf.ScanCount).Result()
		if err != nil {
			return removed, offline, errs.ErrInfra.WrapMsg("presence scan", "err", err)
		}
		for _, uid := range users {
			res, err := p.luaSweepUser.Run(ctx, p.rdb, []string{p.userKey(uid), p.usersKey()}, nowMs, uid).Int64Slice()
			if err != nil {
				return removed, offline, errs.ErrInfra.WrapMsg("presence sweep", "user", uid, "err", err)
			}
			removed += int(res[0])
			if res[1] == 1 {
				offline = append(offline, uid)
			}
		}
		cursor = next
		if cursor == 0 {
			return removed, offline, nil
		}
	}
}

// RunCleanup 后台清理循环；onOffline 对每个因超时离线的用户回调一次
func (p *Presence) RunCleanup(ctx context.Context, every time.Duration, onOffline func(ctx context.Context, userID string)) error {
	if every <= 0 {
		every = 30 * time.Second
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			n, offline, err := p.CleanupStale(ctx)
			if n > 0 {
				metrics.PresenceStaleRemoved.Add(float64(n))
				logger.Info("presence stale devices removed", zap.Int("count", n), zap.Int("offline_users", len(offline)))
			}
			if onOffline != nil {
				for _, uid := range offline {
					onOffline(ctx, uid)
				}
			}
			if err != nil && ctx.Err() == nil {
				logger.Warn("presence cleanup failed", zap.Error(err))
			}
		}
	}
}
