package model

import (
	"strconv"
	"strings"
)

const (
	MessageTableName = "message"
	ReceiptTableName = "message_receipt"
)

// 字段名（mongo 过滤条件统一引用）
const (
	MessageFieldID             = "_id"
	MessageFieldClientMsgID    = "client_msg_id"
	MessageFieldConversationID = "conversation_id"
	MessageFieldSenderID       = "sender_id"
	MessageFieldCreatedAt      = "created_at"
)

// 消息类型
const (
	MsgTypeText   = "text"
	MsgTypeImage  = "image"
	MsgTypeFile   = "file"
	MsgTypeSystem = "system"
)

// Message 一条持久化消息；(conversation_id, client_msg_id) 唯一
type Message struct {
	ID              string   `bson:"_id" json:"id"`
	ClientMessageID string   `bson:"client_msg_id" json:"clientMessageId"`
	ConversationID  string   `bson:"conversation_id" json:"conversationId"`
	SenderID        string   `bson:"sender_id" json:"senderId"`
	Type            string   `bson:"type" json:"type"`
	Content         string   `bson:"content,omitempty" json:"content,omitempty"`
	MediaIDs        []string `bson:"media_ids,omitempty" json:"mediaIds,omitempty"`
	CreatedAt       int64    `bson:"created_at" json:"createdAt"` // Unix ms
}

// Before 排序：created_at 升序，同毫秒按 id
func (m *Message) Before(o *Message) bool {
	if m.CreatedAt != o.CreatedAt {
		return m.CreatedAt < o.CreatedAt
	}
	return m.ID < o.ID
}

// Cursor 分页游标 <createdAtMs>_<id>
func (m *Message) Cursor() string {
	return strconv.FormatInt(m.CreatedAt, 10) + "_" + m.ID
}

// ParseCursor 空串表示从最新开始
func ParseCursor(c string) (ts int64, id string, ok bool) {
	if c == "" {
		return 0, "", true
	}
	i := strings.IndexByte(c, '_')
	if i <= 0 || i == len(c)-1 {
		return 0, "", false
	}
	ts, err := strconv.ParseInt(c[:i], 10, 64)
	if err != nil || ts < 0 {
		return 0, "", false
	}
	return ts, c[i+1:], true
}

func ValidMessageType(t string) bool {
	switch t {
	case MsgTypeText, MsgTypeImage, MsgTypeFile, MsgTypeSystem:
		return true
	}
	return false
}
