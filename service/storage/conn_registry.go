package storage

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"PPChat/logger"
	"PPChat/service/metrics"
	"PPChat/tools/errs"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// SocketConnection 一条已认证连接；socketId 全局唯一
type SocketConnection struct {
	SocketID         string    `json:"socketId"`
	UserID           string    `json:"userId"`
	DeviceID         string    `json:"deviceId"`
	ServerInstanceID string    `json:"serverInstanceId"`
	IPAddress        string    `json:"ipAddress"`
	UserAgent        string    `json:"userAgent"`
	ConnectedAt      time.Time `json:"connectedAt"`
}

type RegistryConfig struct {
	KeyPrefix string        // 默认 im
	TTL       time.Duration // 连接 TTL，心跳续期
	ReapBatch int           // 每轮回收上限
}

func (c *RegistryConfig) norm() {
	if c.KeyPrefix == "" {
		c.KeyPrefix = "im"
	}
	if c.TTL <= 0 {
		c.TTL = 2 * time.Minute
	}
	if c.ReapBatch <= 0 {
		c.ReapBatch = 500
	}
}

// ===== Lua 脚本 =====

// 注册（幂等）：同 socketId 重复注册只续期；socketId 已归属其他用户则拒绝
// KEYS[1] = conn hash      <p>:conn:<sid>
// KEYS[2] = user index     <p>:uconn:<uid>
// KEYS[3] = expiry index   <p>:conn:expiry
// KEYS[4] = owner hash     <p>:conn:owner
// ARGV[1] = socketId
// ARGV[2] = userId
// ARGV[3] = ttlMs
// ARGV[4] = expireAtMs
// ARGV[5] = idxTtlMs
// ARGV[6] = connectedAtMs（只在首次写入）
// ARGV[7..] = field, value ...
// 返回：1 新建；0 已存在（续期）；-1 归属冲突
const luaRegister = `
local owner = redis.call("HGET", KEYS[4], ARGV[1])
if owner and owner ~= ARGV[2] then
  return -1
end
local existed = redis.call("EXISTS", KEYS[1])
redis.call("HSET", KEYS[1], unpack(ARGV, 7))
redis.call("HSETNX", KEYS[1], "connectedAt", ARGV[6])
redis.call("PEXPIRE", KEYS[1], ARGV[3])
redis.call("ZADD", KEYS[2], ARGV[4], ARGV[1])
redis.call("PEXPIRE", KEYS[2], ARGV[5])
redis.call("ZADD", KEYS[3], ARGV[4], ARGV[1])
redis.call("HSET", KEYS[4], ARGV[1], ARGV[2])
if existed == 1 then
  return 0
end
return 1
`

// 续期：连接键不存在返回 0（已过期或被回收，调用方需重新注册）
// KEYS 同上前三个；ARGV[1]=socketId ARGV[2]=ttlMs ARGV[3]=expireAtMs ARGV[4]=idxTtlMs
const luaRefresh = `
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
redis.call("PEXPIRE", KEYS[1], ARGV[2])
redis.call("ZADD", KEYS[2], ARGV[3], ARGV[1])
redis.call("PEXPIRE", KEYS[2], ARGV[4])
redis.call("ZADD", KEYS[3], ARGV[3], ARGV[1])
return 1
`

// 注销：删除全部索引，返回删除前的 hash（HGETALL 扁平数组）
// KEYS 同注册；ARGV[1]=socketId
const luaUnregister = `
local fields = redis.call("HGETALL", KEYS[1])
redis.call("DEL", KEYS[1])
redis.call("ZREM", KEYS[2], ARGV[1])
redis.call("ZREM", KEYS[3], ARGV[1])
redis.call("HDEL", KEYS[4], ARGV[1])
return fields
`

// 回收单个僵尸连接：score 仍 <= now 才删，避免和并发心跳续期打架
// KEYS 同注册；ARGV[1]=socketId ARGV[2]=nowMs
// 返回：1 回收；0 已续期或已不存在
const luaReapOne = `
local score = redis.call("ZSCORE", KEYS[3], ARGV[1])
if not score then
  redis.call("HDEL", KEYS[4], ARGV[1])
  return 0
end
if tonumber(score) > tonumber(ARGV[2]) then
  return 0
end
redis.call("DEL", KEYS[1])
redis.call("ZREM", KEYS[2], ARGV[1])
redis.call("ZREM", KEYS[3], ARGV[1])
redis.call("HDEL", KEYS[4], ARGV[1])
return 1
`

// ConnRegistry 基于 Redis 的连接注册表：所有节点共享，进程崩溃后靠 TTL + 回收器清理
type ConnRegistry struct {
	rdb  redis.UniversalClient
	conf RegistryConfig
	Now  func() time.Time

	luaRegister   *redis.Script
	luaRefresh    *redis.Script
	luaUnregister *redis.Script
	luaReapOne    *redis.Script
}

func NewConnRegistry(rdb redis.UniversalClient, conf RegistryConfig) *ConnRegistry {
	conf.norm()
	return &ConnRegistry{
		rdb:           rdb,
		conf:          conf,
		Now:           time.Now,
		luaRegister:   redis.NewScript(luaRegister),
		luaRefresh:    redis.NewScript(luaRefresh),
		luaUnregister: redis.NewScript(luaUnregister),
		luaReapOne:    redis.NewScript(luaReapOne),
	}
}

// ===== Key 构造 =====

func (r *ConnRegistry) connKey(socketID string) string {
	return fmt.Sprintf("%s:conn:%s", r.conf.KeyPrefix, socketID)
}

// 用户索引ZSET（member=socketId, score=expireAtMs）
func (r *ConnRegistry) userIndexKey(userID string) string {
	return fmt.Sprintf("%s:uconn:%s", r.conf.KeyPrefix, userID)
}

func (r *ConnRegistry) expiryKey() string { return r.conf.KeyPrefix + ":conn:expiry" }
func (r *ConnRegistry) ownerKey() string  { return r.conf.KeyPrefix + ":conn:owner" }

func (r *ConnRegistry) keys(socketID, userID string) []string {
	return []string{r.connKey(socketID), r.userIndexKey(userID), r.expiryKey(), r.ownerKey()}
}

// 用户索引本身也带 TTL，兜底防止全部连接异常后索引永久残留
func (r *ConnRegistry) idxTTL() time.Duration { return r.conf.TTL * 2 }

// Register 注册连接；同 socketId 重复注册是幂等续期
func (r *ConnRegistry) Register(ctx context.Context, c SocketConnection) (bool, error) {
	if c.SocketID == "" || c.UserID == "" {
		return false, errs.ErrInvalidArgument.WrapMsg("socketId and userId are required")
	}
	now := r.Now()
	if c.ConnectedAt.IsZero() {
		c.ConnectedAt = now
	}
	expAt := now.Add(r.conf.TTL).UnixMilli()

	args := []any{
		c.SocketID,
		c.UserID,
		r.conf.TTL.Milliseconds(),
		expAt,
		r.idxTTL().Milliseconds(),
		c.ConnectedAt.UnixMilli(),
	}
	args = append(args, toHash(c)...)

	rc, err := r.luaRegister.Run(ctx, r.rdb, r.keys(c.SocketID, c.UserID), args...).Int64()
	if err != nil {
		return false, errs.ErrInfra.WrapMsg("registry register", "socket", c.SocketID, "err", err)
	}
	switch rc {
	case 1:
		return true, nil
	case 0:
		return false, nil
	default:
		return false, errs.ErrConflict.WrapMsg("socket already registered to another user", "socket", c.SocketID)
	}
}

// Unregister 删除连接与全部索引，返回删除前的元数据；不存在返回 nil
func (r *ConnRegistry) Unregister(ctx context.Context, socketID string) (*SocketConnection, error) {
	uid, err := r.owner(ctx, socketID)
	if err != nil {
		return nil, err
	}
	res, err := r.luaUnregister.Run(ctx, r.rdb, r.keys(socketID, uid), socketID).StringSlice()
	if err != nil {
		return nil, errs.ErrInfra.WrapMsg("registry unregister", "socket", socketID, "err", err)
	}
	if len(res) == 0 {
		return nil, nil
	}
	m := make(map[string]string, len(res)/2)
	for i := 0; i+1 < len(res); i += 2 {
		m[res[i]] = res[i+1]
	}
	c := fromHash(m)
	return &c, nil
}

// RefreshTTL 心跳续期；返回 false 表示条目已不存在
func (r *ConnRegistry) RefreshTTL(ctx context.Context, socketID string) (bool, error) {
	uid, err := r.owner(ctx, socketID)
	if err != nil {
		return false, err
	}
	if uid == "" {
		return false, nil
	}
	now := r.Now()
	rc, err := r.luaRefresh.Run(ctx, r.rdb, r.keys(socketID, uid)[:3],
		socketID,
		r.conf.TTL.Milliseconds(),
		now.Add(r.conf.TTL).UnixMilli(),
		r.idxTTL().Milliseconds(),
	).Int64()
	if err != nil {
		return false, errs.ErrInfra.WrapMsg("registry refresh", "socket", socketID, "err", err)
	}
	return rc == 1, nil
}

// GetUserSockets 该用户在所有节点上未过期的 socketId
func (r *ConnRegistry) GetUserSockets(ctx context.Context, userID string) ([]string, error) {
	min := "(" + strconv.FormatInt(r.Now().UnixMilli(), 10)
	ids, err := r.rdb.ZRangeByScore(ctx, r.userIndexKey(userID), &redis.ZRangeBy{Min: min, Max: "+inf"}).Result()
	if err != nil {
		return nil, errs.ErrInfra.WrapMsg("registry user sockets", "user", userID, "err", err)
	}
	return ids, nil
}

// GetUserConnections 同 GetUserSockets，顺带一次 pipeline 取回元数据（路由用）
func (r *ConnRegistry) GetUserConnections(ctx context.Context, userID string) ([]SocketConnection, error) {
	ids, err := r.GetUserSockets(ctx, userID)
	if err != nil || len(ids) == 0 {
		return nil, err
	}
	pipe := r.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, r.connKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, errs.ErrInfra.WrapMsg("registry user connections", "user", userID, "err", err)
	}
	out := make([]SocketConnection, 0, len(ids))
	for _, cmd := range cmds {
		m, err := cmd.Result()
		if err != nil || len(m) == 0 {
			continue
		}
		out = append(out, fromHash(m))
	}
	return out, nil
}

// GetMetadata 不存在返回 nil, nil
func (r *ConnRegistry) GetMetadata(ctx context.Context, socketID string) (*SocketConnection, error) {
	m, err := r.rdb.HGetAll(ctx, r.connKey(socketID)).Result()
	if err != nil {
		return nil, errs.ErrInfra.WrapMsg("registry metadata", "socket", socketID, "err", err)
	}
	if len(m) == 0 {
		return nil, nil
	}
	c := fromHash(m)
	return &c, nil
}

// ReapExpired 回收 TTL 已过期且未续期的僵尸连接（节点宕机时唯一的释放途径）
func (r *ConnRegistry) ReapExpired(ctx context.Context) (int, error) {
	total := 0
	for {
		n, more, err := r.reapBatch(ctx)
		total += n
		if err != nil {
			return total, err
		}
		if !more {
			return total, nil
		}
	}
}

func (r *ConnRegistry) reapBatch(ctx context.Context) (int, bool, error) {
	now := r.Now().UnixMilli()
	victims, err := r.rdb.ZRangeByScore(ctx, r.expiryKey(), &redis.ZRangeBy{
		Min: "-inf", Max: strconv.FormatInt(now, 10), Count: int64(r.conf.ReapBatch),
	}).Result()
	if err != nil {
		return 0, false, errs.ErrInfra.WrapMsg("registry reap scan", "err", err)
	}
	if len(victims) == 0 {
		return 0, false, nil
	}
	owners, err := r.rdb.HMGet(ctx, r.ownerKey(), victims...).Result()
	if err != nil {
		return 0, false, errs.ErrInfra.WrapMsg("registry reap owners", "err", err)
	}
	reaped := 0
	for i, sid := range victims {
		uid, _ := owners[i].(string)
		rc, err := r.luaReapOne.Run(ctx, r.rdb, r.keys(sid, uid), sid, now).Int64()
		if err != nil {
			return reaped, false, errs.ErrInfra.WrapMsg("registry reap", "socket", sid, "err", err)
		}
		if rc == 1 {
			reaped++
		}
	}
	// 本批未全部回收（被续期）时不再继续，防止在同一批上空转
	return reaped, len(victims) == r.conf.ReapBatch && reaped == len(victims), nil
}

// RunReaper 后台回收循环，ctx 取消即退出
func (r *ConnRegistry) RunReaper(ctx context.Context, every time.Duration) error {
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
			n, err := r.ReapExpired(ctx)
			if n > 0 {
				metrics.RegistryReaped.Add(float64(n))
				logger.Info("registry reaped zombie connections", zap.Int("count", n))
			}
			if err != nil && ctx.Err() == nil {
				logger.Warn("registry reap failed", zap.Error(err))
			}
		}
	}
}

func (r *ConnRegistry) owner(ctx context.Context, socketID string) (string, error) {
	uid, err := r.rdb.HGet(ctx, r.ownerKey(), socketID).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", errs.ErrInfra.WrapMsg("registry owner", "socket", socketID, "err", err)
	}
	return uid, nil
}

// connectedAt 由脚本 HSETNX 单独写，保证重复注册不改首次连接时间
func toHash(c SocketConnection) []any {
	return []any{
		"socketId", c.SocketID,
		"userId", c.UserID,
		"deviceId", c.DeviceID,
		"serverInstanceId", c.ServerInstanceID,
		"ipAddress", c.IPAddress,
		"userAgent", c.UserAgent,
	}
}

func fromHash(m map[string]string) SocketConnection {
	c := SocketConnection{
		SocketID:         m["socketId"],
		UserID:           m["userId"],
		DeviceID:         m["deviceId"],
		ServerInstanceID: m["serverInstanceId"],
		IPAddress:        m["ipAddress"],
		UserAgent:        m["userAgent"],
	}
	if ms, err := strconv.ParseInt(m["connectedAt"], 10, 64); err == nil {
		c.ConnectedAt = time.UnixMilli(ms)
	}
	return c
}
