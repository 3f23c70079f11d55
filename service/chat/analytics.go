package chat

import (
	"context"
	"encoding/json"

	"PPChat/service/kafka"
	"PPChat/tools/errs"
)

// ConnRecord 一条连接结束时的统计
type ConnRecord struct {
	SocketID     string `json:"socketId"`
	UserID       string `json:"userId"`
	DeviceID     string `json:"deviceId"`
	Node         string `json:"node"`
	IPAddress    string `json:"ipAddress"`
	UserAgent    string `json:"userAgent"`
	Reason       string `json:"reason"`
	ConnectedAt  int64  `json:"connectedAt"`
	DisconnectAt int64  `json:"disconnectedAt"`
	DurationMs   int64  `json:"durationMs"`
	MessagesIn   int64  `json:"messagesIn"`
	MessagesOut  int64  `json:"messagesOut"`
}

// Analytics 断开后旁路上报，失败不影响断开流程
type Analytics interface {
	Record(ctx context.Context, rec ConnRecord) error
}

type NoopAnalytics struct{}

func (NoopAnalytics) Record(context.Context, ConnRecord) error { return nil }

// KafkaAnalytics 按 userId 做 key 写入 kafka
type KafkaAnalytics struct {
	pub *kafka.AsyncPublisher
}

func NewKafkaAnalytics(pub *kafka.AsyncPublisher) *KafkaAnalytics {
	return &KafkaAnalytics{pub: pub}
}

func (a *KafkaAnalytics) Record(ctx context.Context, rec ConnRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return errs.WrapMsg(err, "marshal conn record", "socket", rec.SocketID)
	}
	return a.pub.Publish(ctx, rec.UserID, b)
}

func (a *KafkaAnalytics) Close() error { return a.pub.Close() }
