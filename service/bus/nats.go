package bus

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"PPChat/logger"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

// NatsMode 工作模式
type NatsMode int

const (
	Core          NatsMode = iota // 无持久化，节点离线期间的消息直接丢
	JetStreamPush                 // JS 推送订阅，手动 ACK
)

const headerMsgID = "Nats-Msg-Id"

// NatsConfig 客户端配置
type NatsConfig struct {
	Servers         []string
	Name            string
	User            string
	Password        string
	SubjectPrefix   string // subject = prefix.channel
	Mode            NatsMode
	Stream          string // JetStream 模式下的 stream 名
	ReconnectWait   time.Duration
	Timeout         time.Duration
	AckWait         time.Duration
	MaxAckPending   int
	PublishAsyncMax int
}

// NatsTransport 统一客户端
type NatsTransport struct {
	cfg NatsConfig
	nc  *nats.Conn
	js  nats.JetStreamContext

	mu   sync.Mutex
	subs map[string]*nats.Subscription // channel -> sub
}

// NewNatsTransport 连接 NATS
func NewNatsTransport(cfg NatsConfig) (*NatsTransport, error) {
	if len(cfg.Servers) == 0 {
		return nil, errors.New("nats servers missing")
	}
	if cfg.ReconnectWait == 0 {
		cfg.ReconnectWait = 500 * time.Millisecond
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.AckWait == 0 {
		cfg.AckWait = 30 * time.Second
	}
	if cfg.MaxAckPending == 0 {
		cfg.MaxAckPending = 1024
	}
	if cfg.PublishAsyncMax == 0 {
		cfg.PublishAsyncMax = 4096
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = "ppchat"
	}
	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.ReconnectJitter(100*time.Millisecond, 500*time.Millisecond),
		nats.Timeout(cfg.Timeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", zap.Error(err))
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	if cfg.User != "" {
		opts = append(opts, nats.UserInfo(cfg.User, cfg.Password))
	}
	nc, err := nats.Connect(strings.Join(cfg.Servers, ","), opts...)
	if err != nil {
		return nil, err
	}
	t := &NatsTransport{cfg: cfg, nc: nc, subs: make(map[string]*nats.Subscription)}
	if cfg.Mode == JetStreamPush {
		if err := t.ensureJS(); err != nil {
			nc.Close()
			return nil, fmt.Errorf("init jetstream: %w", err)
		}
	}
	return t, nil
}

// ensureJS 初始化 JetStream 上下文，stream 不存在就创建（覆盖 prefix.>）
func (t *NatsTransport) ensureJS() error {
	js, err := t.nc.JetStream(nats.PublishAsyncMaxPending(t.cfg.PublishAsyncMax))
	if err != nil {
		return err
	}
	if t.cfg.Stream == "" {
		t.cfg.Stream = strings.ToUpper(strings.ReplaceAll(t.cfg.SubjectPrefix, ".", "_"))
	}
	if _, err := js.StreamInfo(t.cfg.Stream); errors.Is(err, nats.ErrStreamNotFound) {
		_, err = js.AddStream(&nats.StreamConfig{
			Name:       t.cfg.Stream,
			Subjects:   []string{t.cfg.SubjectPrefix + ".>"},
			MaxAge:     time.Hour,
			Duplicates: 2 * time.Minute, // 服务端按 Nats-Msg-Id 去重的窗口
		})
		if err != nil {
			return err
		}
	} else if err != nil {
		return err
	}
	t.js = js
	return nil
}

func (t *NatsTransport) subject(channel string) string {
	return t.cfg.SubjectPrefix + "." + channel
}

func (t *NatsTransport) Publish(ctx context.Context, channel string, data []byte, msgID string) error {
	msg := nats.NewMsg(t.subject(channel))
	msg.Data = data
	if msgID != "" {
		msg.Header.Set(headerMsgID, msgID)
	}
	if t.js != nil {
		if _, err := t.js.PublishMsg(msg, nats.Context(ctx)); err != nil {
			return fmt.Errorf("publish failed: %w", err)
		}
		return nil
	}
	if err := t.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("publish failed: %w", err)
	}
	return nil
}

// Subscribe Core 直接订阅；JetStream 用临时 consumer（每个节点各收一份），handler 出错 NAK 重投
func (t *NatsTransport) Subscribe(channel string, h RawHandler) error {
	subject := t.subject(channel)
	var (
		sub *nats.Subscription
		err error
	)
	if t.js == nil {
		sub, err = t.nc.Subscribe(subject, func(m *nats.Msg) {
			_ = h(context.Background(), append([]byte(nil), m.Data...))
		})
		if err == nil {
			_ = sub.SetPendingLimits(1_000_000, 64*1024*1024)
		}
	} else {
		sub, err = t.js.Subscribe(subject, func(m *nats.Msg) {
			if err := h(context.Background(), append([]byte(nil), m.Data...)); err == nil {
				_ = m.Ack()
			} else {
				_ = m.Nak()
			}
		},
			nats.ManualAck(),
			nats.DeliverNew(),
			nats.AckWait(t.cfg.AckWait),
			nats.MaxAckPending(t.cfg.MaxAckPending),
		)
	}
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.subs[channel] = sub
	t.mu.Unlock()
	return nil
}

// Close 优雅关闭
func (t *NatsTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	for ch, sub := range t.subs {
		_ = sub.Drain()
		delete(t.subs, ch)
	}
	if t.nc != nil {
		return t.nc.Drain()
	}
	return nil
}
