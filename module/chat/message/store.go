package message

import (
	"context"

	chatmodel "PPChat/module/chat/model"
)

// Store 消息与回执持久化
//
// Insert 遇到 (conversation_id, client_msg_id) 冲突返回 errs.ErrConflict，
// 调用方据此回查已有消息。查询不到返回 nil, nil。
type Store interface {
	Insert(ctx context.Context, m *chatmodel.Message) error
	FindByClientMessageID(ctx context.Context, conversationID, clientMsgID string) (*chatmodel.Message, error)
	Get(ctx context.Context, messageID string) (*chatmodel.Message, error)

	// ListBefore 严格早于 (ts,id) 的消息，新到旧；ts=0 表示从最新开始
	ListBefore(ctx context.Context, conversationID string, ts int64, id string, limit int) ([]chatmodel.Message, error)
	// ListAfter 严格晚于 (ts,id) 的消息，旧到新
	ListAfter(ctx context.Context, conversationID string, ts int64, id string, limit int) ([]chatmodel.Message, error)

	InitReceipt(ctx context.Context, st *chatmodel.ReceiptState) error
	GetReceipt(ctx context.Context, messageID string) (*chatmodel.ReceiptState, error)
	// ApplyReceipt 原子地套用回执规则；changed=false 时 state 仍返回当前值
	ApplyReceipt(ctx context.Context, messageID, userID string, kind chatmodel.ReceiptKind, at int64) (changed bool, st *chatmodel.ReceiptState, err error)
	// MarkSeenUpTo 会话内 created_at <= upTo 且非本人发送的消息全部记 seen，返回变化条数
	MarkSeenUpTo(ctx context.Context, conversationID, userID string, upTo, at int64) (int, error)
}
