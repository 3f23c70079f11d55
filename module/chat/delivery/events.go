package delivery

import chatmodel "PPChat/module/chat/model"

// 服务端推送事件
const (
	EventMessageNew       = "message-new"
	EventMessageSentAck   = "message-sent-ack"
	EventReceiptUpdate    = "receipt-update"
	EventConversationRead = "conversation-read"
	EventTyping           = "typing"
)

type MessageNewPayload struct {
	ConversationID string            `json:"conversationId"`
	Message        chatmodel.Message `json:"message"`
}

type SentAckPayload struct {
	ClientMessageID string `json:"clientMessageId"`
	ServerMessageID string `json:"serverMessageId"`
	Timestamp       int64  `json:"timestamp"`
}

type ReceiptUpdatePayload struct {
	MessageID      string                `json:"messageId"`
	ConversationID string                `json:"conversationId"`
	UserID         string                `json:"userId"`
	Type           chatmodel.ReceiptKind `json:"type"`
	Timestamp      int64                 `json:"timestamp"`
}

type ConversationReadPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	MessageID      string `json:"messageId"`
	Timestamp      int64  `json:"timestamp"`
}

type TypingPayload struct {
	ConversationID string `json:"conversationId"`
	UserID         string `json:"userId"`
	Typing         bool   `json:"typing"`
}
