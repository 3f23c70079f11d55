package bus

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"PPChat/logger"
	"PPChat/service/metrics"
	"PPChat/tools/errs"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"
)

// 跨节点频道
const (
	ChannelPresenceOnline  = "presence-online"
	ChannelPresenceOffline = "presence-offline"
	ChannelBroadcast       = "broadcast"
	deliverPrefix          = "deliver."
)

// DeliverChannel 每个节点一条投递频道，发送方只需要知道目标 serverInstanceId
func DeliverChannel(nodeID string) string { return deliverPrefix + nodeID }

// Envelope 总线上的统一消息；ID 是消费端去重键
type Envelope struct {
	ID      string          `json:"id"`
	Channel string          `json:"channel"`
	Origin  string          `json:"origin"`
	TS      int64           `json:"ts"`
	Payload json.RawMessage `json:"payload"`
}

func (e Envelope) Decode(v any) error {
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return errs.WrapMsg(err, "decode envelope payload", "channel", e.Channel, "id", e.ID)
	}
	return nil
}

// Handler 业务处理函数；必须幂等（至少一次投递，可能乱序）
type Handler func(ctx context.Context, env Envelope) error

// Middleware 中间件（去重、日志、recover 等）
type Middleware func(Handler) Handler

// Chain 组合中间件，第一个在最外层
func Chain(h Handler, mws ...Middleware) Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// RawHandler 传输层回调
type RawHandler func(ctx context.Context, data []byte) error

// Transport 底层发布订阅（NATS / Redis / 进程内）
type Transport interface {
	Publish(ctx context.Context, channel string, data []byte, msgID string) error
	Subscribe(channel string, h RawHandler) error
	Close() error
}

// Bus 在 Transport 之上封装信封、序列化与中间件
type Bus struct {
	t      Transport
	origin string
	mws    []Middleware
	now    func() time.Time
}

func New(t Transport, origin string, mws ...Middleware) *Bus {
	return &Bus{t: t, origin: origin, mws: mws, now: time.Now}
}

func (b *Bus) Origin() string { return b.origin }

// Publish 序列化 v 作为 payload 发布到 channel
func (b *Bus) Publish(ctx context.Context, channel string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return errs.WrapMsg(err, "marshal bus payload", "channel", channel)
	}
	env := Envelope{
		ID:      ulid.Make().String(),
		Channel: channel,
		Origin:  b.origin,
		TS:      b.now().UnixMilli(),
		Payload: payload,
	}
	data, err := json.Marshal(env)
	if err != nil {
		return errs.WrapMsg(err, "marshal bus envelope", "channel", channel)
	}
	if err := b.t.Publish(ctx, channel, data, env.ID); err != nil {
		return errs.ErrInfra.WrapMsg("bus publish", "channel", channel, "err", err)
	}
	metrics.BusPublished.WithLabelValues(metricChannel(channel)).Inc()
	return nil
}

// Subscribe 订阅 channel；坏包只记日志不重投
func (b *Bus) Subscribe(channel string, h Handler) error {
	h = Chain(h, b.mws...)
	return b.t.Subscribe(channel, func(ctx context.Context, data []byte) error {
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			logger.Warn("bus drop malformed envelope", zap.String("channel", channel), zap.Error(err))
			return nil
		}
		if env.Channel == "" {
			env.Channel = channel
		}
		return h(ctx, env)
	})
}

func (b *Bus) Close() error { return b.t.Close() }

// deliver.<node> 按节点展开会让 label 基数失控
func metricChannel(channel string) string {
	if strings.HasPrefix(channel, deliverPrefix) {
		return "deliver"
	}
	return channel
}

// RecoverMiddleware handler panic 不能拖垮订阅协程
func RecoverMiddleware() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, env Envelope) (err error) {
			defer func() {
				if r := recover(); r != nil {
					err = errs.ErrPanic(r)
					logger.Error("bus handler panic", zap.String("channel", env.Channel), zap.Error(err))
				}
			}()
			return next(ctx, env)
		}
	}
}

// LogMiddleware 处理失败记一条 warn
func LogMiddleware() Middleware {
	return func(next Handler) Handler {
		return func(ctx context.Context, env Envelope) error {
			err := next(ctx, env)
			if err != nil {
				logger.Warn("bus handler failed",
					zap.String("channel", env.Channel),
					zap.String("id", env.ID),
					zap.String("origin", env.Origin),
					zap.Error(err))
			}
			return err
		}
	}
}
