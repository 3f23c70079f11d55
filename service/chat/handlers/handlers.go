package handlers

import (
	"context"
	"encoding/json"
	"time"

	"PPChat/module/chat/delivery"
	"PPChat/service/chat"
	"PPChat/tools/errs"
)

// 客户端 -> 服务端事件
const (
	EventSendMessage          = "send-message"
	EventMarkSeen             = "mark-seen"
	EventMessageDelivered     = "message-delivered"
	EventMarkConversationRead = "mark-conversation-read"
	EventTypingStart          = "typing-start"
	EventTypingStop           = "typing-stop"
	EventPresenceSubscribe    = "presence-subscribe"
	EventPresenceUnsubscribe  = "presence-unsubscribe"
)

const maxReceiptBatch = 100

// Register 启动时调用一次，之后 dispatcher 只读
func Register(d *chat.Dispatcher, gw *chat.Gateway, coord *delivery.Coordinator) {
	h := &handler{gw: gw, coord: coord}
	d.Register(EventSendMessage, h.sendMessage)
	d.Register(EventMarkSeen, h.receipts(coord.RecordSeen))
	d.Register(EventMessageDelivered, h.receipts(coord.RecordDelivered))
	d.Register(EventMarkConversationRead, h.markConversationRead)
	d.Register(EventTypingStart, h.typing(true))
	d.Register(EventTypingStop, h.typing(false))
	d.Register(EventPresenceSubscribe, h.presenceSubscribe)
	d.Register(EventPresenceUnsubscribe, h.presenceUnsubscribe)
	d.Register(chat.EventPing, h.ping)
}

type handler struct {
	gw    *chat.Gateway
	coord *delivery.Coordinator
}

type sendMessageReq struct {
	ConversationID  string   `json:"conversationId"`
	ClientMessageID string   `json:"clientMessageId"`
	Type            string   `json:"type"`
	Content         string   `json:"content,omitempty"`
	MediaIDs        []string `json:"mediaIds,omitempty"`
}

// sendMessage 失败时 error 帧带上 clientMessageId，客户端据此把乐观消息标成失败
func (h *handler) sendMessage(ctx context.Context, s *chat.Session, data json.RawMessage) error {
	var req sendMessageReq
	if err := chat.Decode(data, &req); err != nil {
		return err
	}
	if req.Type == "" {
		req.Type = "text"
	}
	ack, err := h.coord.Send(ctx, delivery.SendRequest{
		SenderID:        s.UserID,
		ConversationID:  req.ConversationID,
		ClientMessageID: req.ClientMessageID,
		Type:            req.Type,
		Content:         req.Content,
		MediaIDs:        req.MediaIDs,
		OriginSocketID:  s.ID,
	})
	if err != nil {
		p := chat.ErrorFrame(EventSendMessage, err)
		p.ClientMessageID = req.ClientMessageID
		s.Send(chat.EventError, p)
		return nil
	}
	s.Send(delivery.EventMessageSentAck, ack.Payload())
	return nil
}

type receiptReq struct {
	ConversationID string   `json:"conversationId"`
	MessageIDs     []string `json:"messageIds"`
}

type recordFunc func(ctx context.Context, messageID, userID string) (*delivery.ReceiptChange, error)

// receipts 批量回执；逐条处理，返回第一个错误
func (h *handler) receipts(record recordFunc) chat.HandlerFunc {
	return func(ctx context.Context, s *chat.Session, data json.RawMessage) error {
		var req receiptReq
		if err := chat.Decode(data, &req); err != nil {
			return err
		}
		if len(req.MessageIDs) == 0 {
			return errs.ErrInvalidArgument.WrapMsg("messageIds required")
		}
		if len(req.MessageIDs) > maxReceiptBatch {
			return errs.ErrInvalidArgument.WrapMsg("too many messageIds", "count", len(req.MessageIDs))
		}
		var first error
		for _, mid := range req.MessageIDs {
			if _, err := record(ctx, mid, s.UserID); err != nil && first == nil {
				first = err
			}
		}
		return first
	}
}

type markReadReq struct {
	ConversationID string `json:"conversationId"`
	MessageID      string `json:"messageId"`
}

func (h *handler) markConversationRead(ctx context.Context, s *chat.Session, data json.RawMessage) error {
	var req markReadReq
	if err := chat.Decode(data, &req); err != nil {
		return err
	}
	if req.ConversationID == "" || req.MessageID == "" {
		return errs.ErrInvalidArgument.WrapMsg("conversationId and messageId required")
	}
	_, err := h.coord.MarkConversationRead(ctx, req.ConversationID, s.UserID, req.MessageID)
	return err
}

type typingReq struct {
	ConversationID string `json:"conversationId"`
}

func (h *handler) typing(on bool) chat.HandlerFunc {
	return func(ctx context.Context, s *chat.Session, data json.RawMessage) error {
		var req typingReq
		if err := chat.Decode(data, &req); err != nil {
			return err
		}
		return h.coord.Typing(ctx, req.ConversationID, s.UserID, on)
	}
}

func (h *handler) presenceSubscribe(ctx context.Context, s *chat.Session, data json.RawMessage) error {
	var req chat.PresenceSubscribePayload
	if err := chat.Decode(data, &req); err != nil {
		return err
	}
	return h.gw.SubscribePresence(ctx, s, req.UserIDs)
}

func (h *handler) presenceUnsubscribe(_ context.Context, s *chat.Session, data json.RawMessage) error {
	var req chat.PresenceSubscribePayload
	if err := chat.Decode(data, &req); err != nil {
		return err
	}
	h.gw.UnsubscribePresence(s, req.UserIDs)
	return nil
}

// ping 应用层心跳：和 ws pong 一样续期
func (h *handler) ping(_ context.Context, s *chat.Session, _ json.RawMessage) error {
	h.gw.Heartbeat(s)
	s.Send(chat.EventPong, chat.PongPayload{Timestamp: time.Now().UnixMilli()})
	return nil
}
