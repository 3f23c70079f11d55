package delivery

import (
	"context"
	"errors"
	"strings"
	"time"

	"PPChat/logger"
	"PPChat/module/chat/conversation"
	"PPChat/module/chat/message"
	chatmodel "PPChat/module/chat/model"
	"PPChat/service/metrics"
	"PPChat/tools/errs"
	"PPChat/tools/ids"

	"go.uber.org/zap"
)

const (
	maxClientMsgIDLen = 128
	maxMediaIDs       = 16
	defaultPageSize   = 30
	maxPageSize       = 100
	maxContextSide    = 100
)

// Pusher 按用户扇出事件（本节点直写，其他节点走总线）；excludeSocket 为空表示不排除
type Pusher interface {
	PushToUsers(ctx context.Context, userIDs []string, event string, data any, excludeSocket string) error
}

type Config struct {
	MaxContentLen int
	NodeID        int64 // 雪花节点号
	Now           func() time.Time
}

type Coordinator struct {
	store  message.Store
	dir    conversation.Directory
	pusher Pusher
	ids    *ids.Generator
	now    func() time.Time
	maxLen int
}

func NewCoordinator(store message.Store, dir conversation.Directory, pusher Pusher, conf Config) *Coordinator {
	if conf.Now == nil {
		conf.Now = time.Now
	}
	if conf.MaxContentLen <= 0 {
		conf.MaxContentLen = 8000
	}
	return &Coordinator{
		store:  store,
		dir:    dir,
		pusher: pusher,
		ids:    ids.NewGenerator(conf.NodeID),
		now:    conf.Now,
		maxLen: conf.MaxContentLen,
	}
}

type SendRequest struct {
	SenderID        string
	ConversationID  string
	ClientMessageID string
	Type            string
	Content         string
	MediaIDs        []string
	OriginSocketID  string // 发起的连接，不回推 message-new
}

type Ack struct {
	ClientMessageID string
	ServerMessageID string
	Timestamp       int64
	Duplicate       bool
}

func (a *Ack) Payload() SentAckPayload {
	return SentAckPayload{ClientMessageID: a.ClientMessageID, ServerMessageID: a.ServerMessageID, Timestamp: a.Timestamp}
}

func ackOf(m *chatmodel.Message, dup bool) *Ack {
	return &Ack{ClientMessageID: m.ClientMessageID, ServerMessageID: m.ID, Timestamp: m.CreatedAt, Duplicate: dup}
}

func (r *SendRequest) validate(maxLen int) error {
	switch {
	case r.SenderID == "":
		return errs.ErrInvalidArgument.WrapMsg("sender required")
	case r.ConversationID == "":
		return errs.ErrInvalidArgument.WrapMsg("conversationId required")
	case r.ClientMessageID == "" || len(r.ClientMessageID) > maxClientMsgIDLen:
		return errs.ErrInvalidArgument.WrapMsg("bad clientMessageId", "len", len(r.ClientMessageID))
	case !chatmodel.ValidMessageType(r.Type):
		return errs.ErrInvalidArgument.WrapMsg("unknown message type", "type", r.Type)
	case len(r.Content) > maxLen:
		return errs.ErrInvalidArgument.WrapMsg("content too long", "len", len(r.Content))
	case len(r.MediaIDs) > maxMediaIDs:
		return errs.ErrInvalidArgument.WrapMsg("too many media", "count", len(r.MediaIDs))
	}
	if r.Type == chatmodel.MsgTypeText && strings.TrimSpace(r.Content) == "" {
		return errs.ErrInvalidArgument.WrapMsg("empty text message")
	}
	if r.Type != chatmodel.MsgTypeText && r.Content == "" && len(r.MediaIDs) == 0 {
		return errs.ErrInvalidArgument.WrapMsg("empty message")
	}
	return nil
}

// member 会话不存在也按无权限处理
func (c *Coordinator) member(ctx context.Context, conversationID, userID string) (*chatmodel.Conversation, error) {
	conv, err := c.dir.Get(ctx, conversationID)
	if errors.Is(err, errs.ErrNotFound) {
		return nil, errs.ErrAuthorization.WrapMsg("not a member", "conversationId", conversationID, "userId", userID)
	}
	if err != nil {
		return nil, err
	}
	if !conv.HasMember(userID) {
		return nil, errs.ErrAuthorization.WrapMsg("not a member", "conversationId", conversationID, "userId", userID)
	}
	return conv, nil
}

// Send 按 clientMessageId 幂等；存储失败不在服务端重试，由客户端用同一个 clientMessageId 重发
func (c *Coordinator) Send(ctx context.Context, req SendRequest) (ack *Ack, err error) {
	start := time.Now()
	result := "failed"
	defer func() {
		metrics.MessagesSent.WithLabelValues(result).Inc()
		metrics.SendLatency.Observe(time.Since(start).Seconds())
	}()

	if err := req.validate(c.maxLen); err != nil {
		result = "invalid"
		return nil, err
	}
	conv, err := c.member(ctx, req.ConversationID, req.SenderID)
	if err != nil {
		if errors.Is(err, errs.ErrAuthorization) {
			result = "forbidden"
			return nil, err
		}
		return nil, errs.ErrTransientSend.WrapMsg("directory unavailable", "err", err)
	}

	existing, err := c.store.FindByClientMessageID(ctx, req.ConversationID, req.ClientMessageID)
	if err != nil {
		return nil, errs.ErrTransientSend.WrapMsg("lookup client message id", "err", err)
	}
	if existing != nil {
		result = "duplicate"
		return ackOf(existing, true), nil
	}

	m := &chatmodel.Message{
		ID:              c.ids.NextString(),
		ClientMessageID: req.ClientMessageID,
		ConversationID:  req.ConversationID,
		SenderID:        req.SenderID,
		Type:            req.Type,
		Content:         req.Content,
		MediaIDs:        req.MediaIDs,
		CreatedAt:       c.now().UnixMilli(),
	}
	if err := c.store.Insert(ctx, m); err != nil {
		if errors.Is(err, errs.ErrConflict) {
			// 并发重发，以先落库的为准
			existing, ferr := c.store.FindByClientMessageID(ctx, req.ConversationID, req.ClientMessageID)
			if ferr == nil && existing != nil {
				result = "duplicate"
				return ackOf(existing, true), nil
			}
		}
		if errors.Is(err, errs.ErrTransientSend) {
			return nil, err
		}
		return nil, errs.ErrTransientSend.WrapMsg("persist message", "conversationId", m.ConversationID, "err", err)
	}

	if err := c.store.InitReceipt(ctx, chatmodel.NewReceiptState(m, conv)); err != nil {
		// 回执状态后续按需补建
		logger.Warn("init receipt failed", zap.String("message_id", m.ID), zap.Error(err))
	}

	payload := MessageNewPayload{ConversationID: m.ConversationID, Message: *m}
	if err := c.pusher.PushToUsers(ctx, conv.MemberIDs, EventMessageNew, payload, req.OriginSocketID); err != nil {
		logger.Warn("fan out message-new failed", zap.String("message_id", m.ID), zap.Error(err))
	}
	result = "ok"
	return ackOf(m, false), nil
}

type ReceiptChange struct {
	Changed bool
	Kind    chatmodel.ReceiptKind
	State   *chatmodel.ReceiptState
}

func (c *Coordinator) RecordDelivered(ctx context.Context, messageID, userID string) (*ReceiptChange, error) {
	return c.record(ctx, messageID, userID, chatmodel.ReceiptDelivered)
}

func (c *Coordinator) RecordSeen(ctx context.Context, messageID, userID string) (*ReceiptChange, error) {
	return c.record(ctx, messageID, userID, chatmodel.ReceiptSeen)
}

func (c *Coordinator) record(ctx context.Context, messageID, userID string, kind chatmodel.ReceiptKind) (*ReceiptChange, error) {
	m, err := c.store.Get(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, errs.ErrNotFound.WrapMsg("message not found", "messageId", messageID)
	}
	conv, err := c.member(ctx, m.ConversationID, userID)
	if err != nil {
		return nil, err
	}
	if userID == m.SenderID {
		return &ReceiptChange{Kind: kind}, nil
	}

	at := c.now().UnixMilli()
	changed, st, err := c.store.ApplyReceipt(ctx, messageID, userID, kind, at)
	if errors.Is(err, errs.ErrNotFound) {
		if err = c.store.InitReceipt(ctx, chatmodel.NewReceiptState(m, conv)); err == nil {
			changed, st, err = c.store.ApplyReceipt(ctx, messageID, userID, kind, at)
		}
	}
	if err != nil {
		return nil, err
	}
	if changed {
		upd := ReceiptUpdatePayload{MessageID: m.ID, ConversationID: m.ConversationID, UserID: userID, Type: kind, Timestamp: at}
		if err := c.pusher.PushToUsers(ctx, []string{m.SenderID}, EventReceiptUpdate, upd, ""); err != nil {
			logger.Warn("push receipt-update failed", zap.String("message_id", m.ID), zap.Error(err))
		}
	}
	return &ReceiptChange{Changed: changed, Kind: kind, State: st}, nil
}

// MarkConversationRead upTo 及之前的消息全部记 seen，同一用户重复读不重复计数
func (c *Coordinator) MarkConversationRead(ctx context.Context, conversationID, userID, upToMessageID string) (int, error) {
	conv, err := c.member(ctx, conversationID, userID)
	if err != nil {
		return 0, err
	}
	target, err := c.store.Get(ctx, upToMessageID)
	if err != nil {
		return 0, err
	}
	if target == nil || target.ConversationID != conversationID {
		return 0, errs.ErrNotFound.WrapMsg("message not in conversation", "messageId", upToMessageID, "conversationId", conversationID)
	}
	at := c.now().UnixMilli()
	n, err := c.store.MarkSeenUpTo(ctx, conversationID, userID, target.CreatedAt, at)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		evt := ConversationReadPayload{ConversationID: conversationID, UserID: userID, MessageID: target.ID, Timestamp: at}
		if err := c.pusher.PushToUsers(ctx, conv.MemberIDs, EventConversationRead, evt, ""); err != nil {
			logger.Warn("push conversation-read failed", zap.String("conversation_id", conversationID), zap.Error(err))
		}
	}
	return n, nil
}

// Typing 只推给其他成员，不落库
func (c *Coordinator) Typing(ctx context.Context, conversationID, userID string, on bool) error {
	conv, err := c.member(ctx, conversationID, userID)
	if err != nil {
		return err
	}
	evt := TypingPayload{ConversationID: conversationID, UserID: userID, Typing: on}
	return c.pusher.PushToUsers(ctx, conv.Recipients(userID), EventTyping, evt, "")
}

// ===== 历史消息 =====

type Page struct {
	Items      []chatmodel.Message `json:"items"`
	NextCursor string              `json:"nextCursor,omitempty"`
	HasMore    bool                `json:"hasMore"`
}

type ContextPage struct {
	Items            []chatmodel.Message `json:"items"`
	HasOlderMessages bool                `json:"hasOlderMessages"`
	HasNewerMessages bool                `json:"hasNewerMessages"`
	OlderCursor      string              `json:"olderCursor,omitempty"`
	NewerCursor      string              `json:"newerCursor,omitempty"`
}

func clampLimit(n, def, max int) int {
	if n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}

func reverse(ms []chatmodel.Message) {
	for i, j := 0, len(ms)-1; i < j; i, j = i+1, j-1 {
		ms[i], ms[j] = ms[j], ms[i]
	}
}

// ListMessages 游标之前的一页，按时间正序返回；nextCursor 指向本页最旧一条
func (c *Coordinator) ListMessages(ctx context.Context, userID, conversationID, cursor string, limit int) (*Page, error) {
	if _, err := c.member(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	ts, id, ok := chatmodel.ParseCursor(cursor)
	if !ok {
		return nil, errs.ErrInvalidArgument.WrapMsg("bad cursor", "cursor", cursor)
	}
	limit = clampLimit(limit, defaultPageSize, maxPageSize)
	items, err := c.store.ListBefore(ctx, conversationID, ts, id, limit+1)
	if err != nil {
		return nil, err
	}
	page := &Page{HasMore: len(items) > limit}
	if page.HasMore {
		items = items[:limit]
	}
	reverse(items)
	page.Items = items
	if page.HasMore && len(items) > 0 {
		page.NextCursor = items[0].Cursor()
	}
	return page, nil
}

// ListNewer 游标之后的一页，按时间正序返回；nextCursor 指向本页最新一条，hasMore 表示后面还有
func (c *Coordinator) ListNewer(ctx context.Context, userID, conversationID, cursor string, limit int) (*Page, error) {
	if _, err := c.member(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	ts, id, ok := chatmodel.ParseCursor(cursor)
	if !ok || cursor == "" {
		return nil, errs.ErrInvalidArgument.WrapMsg("bad cursor", "after", cursor)
	}
	limit = clampLimit(limit, defaultPageSize, maxPageSize)
	items, err := c.store.ListAfter(ctx, conversationID, ts, id, limit+1)
	if err != nil {
		return nil, err
	}
	page := &Page{HasMore: len(items) > limit}
	if page.HasMore {
		items = items[:limit]
	}
	page.Items = items
	if len(items) > 0 {
		page.NextCursor = items[len(items)-1].Cursor()
	}
	return page, nil
}

// MessageContext 目标消息前后各取若干条，用于跳转时整体替换窗口
func (c *Coordinator) MessageContext(ctx context.Context, userID, conversationID, messageID string, before, after int) (*ContextPage, error) {
	if _, err := c.member(ctx, conversationID, userID); err != nil {
		return nil, err
	}
	target, err := c.store.Get(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if target == nil || target.ConversationID != conversationID {
		return nil, errs.ErrNotFound.WrapMsg("message not in conversation", "messageId", messageID)
	}
	before = clampLimit(before, 25, maxContextSide)
	after = clampLimit(after, 25, maxContextSide)

	older, err := c.store.ListBefore(ctx, conversationID, target.CreatedAt, target.ID, before+1)
	if err != nil {
		return nil, err
	}
	newer, err := c.store.ListAfter(ctx, conversationID, target.CreatedAt, target.ID, after+1)
	if err != nil {
		return nil, err
	}
	out := &ContextPage{HasOlderMessages: len(older) > before, HasNewerMessages: len(newer) > after}
	if out.HasOlderMessages {
		older = older[:before]
	}
	if out.HasNewerMessages {
		newer = newer[:after]
	}
	reverse(older)
	items := make([]chatmodel.Message, 0, len(older)+1+len(newer))
	items = append(items, older...)
	items = append(items, *target)
	items = append(items, newer...)
	out.Items = items
	if out.HasOlderMessages {
		out.OlderCursor = items[0].Cursor()
	}
	if out.HasNewerMessages {
		out.NewerCursor = items[len(items)-1].Cursor()
	}
	return out, nil
}
