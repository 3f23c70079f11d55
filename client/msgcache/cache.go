package msgcache

import (
	"context"
	"sync"
	"time"

	"PPChat/logger"
	chatmodel "PPChat/module/chat/model"

	"go.uber.org/zap"
)

// Fetcher 拉历史消息，一般是 HTTPFetcher
type Fetcher interface {
	ListMessages(ctx context.Context, convID, cursor string, limit int) (*Page, error)
	MessageContext(ctx context.Context, convID, messageID string, before, after int) (*ContextPage, error)
	// ListNewer cursor 之后的一页，正序；NextCursor 指向本页最新一条
	ListNewer(ctx context.Context, convID, cursor string, limit int) (*Page, error)
}

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

// Anchor 加载更早消息前记下的滚动位置
type Anchor struct {
	ScrollHeight float64
	ScrollTop    float64
}

// Viewport 列表视图；AfterCommit 在新数据提交后按 anchor 补偿偏移
type Viewport interface {
	CaptureAnchor(convID string) Anchor
	AfterCommit(convID string, anchor Anchor)
	ScrollTo(convID, messageID string)
}

type nopViewport struct{}

func (nopViewport) CaptureAnchor(string) Anchor { return Anchor{} }
func (nopViewport) AfterCommit(string, Anchor)  {}
func (nopViewport) ScrollTo(string, string)     {}

type ChangeKind int

const (
	ChangeReset     ChangeKind = iota // 窗口整体替换
	ChangeUpsert                      // 新增或更新一条
	ChangePrepend                     // 加载了更早的一页
	ChangeReceipt                     // 回执
	ChangeHighlight                   // 定位到已在窗口里的消息
	ChangeAppend                      // 跳转后往新的方向补了一页
)

type Change struct {
	ConversationID string
	Kind           ChangeKind
	MessageID      string
}

type Listener func(Change)

type JumpResult int

const (
	JumpDeferred    JumpResult = iota // 首屏还在加载，加载完再跳
	JumpHighlighted                   // 已在窗口内
	JumpReplaced                      // 拉了上下文，整体替换
	JumpSuperseded                    // 被更新的一次跳转取代
)

type Config struct {
	PageSize    int
	ContextSize int // 目标前后各取多少条
	Now         func() time.Time
}

func (c *Config) norm() {
	if c.PageSize <= 0 {
		c.PageSize = 50
	}
	if c.ContextSize <= 0 {
		c.ContextSize = 25
	}
	if c.Now == nil {
		c.Now = time.Now
	}
}

// Cache 客户端消息缓存，每个打开的会话一个窗口
//
// 所有状态在 mu 下修改；拉取期间不持锁，回来后用 token 判断结果是否过期。
// 监听器和 Viewport 都在锁外回调。
type Cache struct {
	fetcher Fetcher
	vp      Viewport
	conf    Config

	mu        sync.Mutex
	windows   map[string]*window
	listeners map[int]Listener
	nextL     int
}

func New(f Fetcher, vp Viewport, conf Config) *Cache {
	conf.norm()
	if vp == nil {
		vp = nopViewport{}
	}
	return &Cache{
		fetcher:   f,
		vp:        vp,
		conf:      conf,
		windows:   make(map[string]*window),
		listeners: make(map[int]Listener),
	}
}

// Subscribe 返回取消函数
func (c *Cache) Subscribe(l Listener) func() {
	c.mu.Lock()
	id := c.nextL
	c.nextL++
	c.listeners[id] = l
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

// 调用方持锁
func (c *Cache) window(convID string) *window {
	w, ok := c.windows[convID]
	if !ok {
		w = newWindow(convID)
		c.windows[convID] = w
	}
	return w
}

// unlockAndNotify 释放锁后再回调监听器
func (c *Cache) unlockAndNotify(changes []Change) {
	if len(changes) == 0 {
		c.mu.Unlock()
		return
	}
	ls := make([]Listener, 0, len(c.listeners))
	for _, l := range c.listeners {
		ls = append(ls, l)
	}
	c.mu.Unlock()
	for _, ch := range changes {
		for _, l := range ls {
			l(ch)
		}
	}
}

// Messages 当前窗口快照
func (c *Cache) Messages(convID string) []Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.windows[convID]
	if !ok {
		return nil
	}
	return w.snapshot()
}

func (c *Cache) HasOlder(convID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.windows[convID]
	return ok && w.hasOlder
}

func (c *Cache) HasNewer(convID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	w, ok := c.windows[convID]
	return ok && w.hasNewer
}

func (c *Cache) Highlighted(convID string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if w, ok := c.windows[convID]; ok {
		return w.highlight
	}
	return ""
}

// Close 关闭会话时丢掉窗口；在途的拉取回来后会被丢弃
func (c *Cache) Close(convID string) {
	c.mu.Lock()
	delete(c.windows, convID)
	c.mu.Unlock()
}

// ---- 写入 ----

type eventKind int

const (
	evPush eventKind = iota
	evSend
	evAck
	evFail
	evRetry
	evReceipt
	evRead
)

type event struct {
	kind     eventKind
	msg      Message
	clientID string
	serverID string
	userID   string
	receipt  chatmodel.ReceiptKind
	ts       int64
}

// Receipt 服务端 receipt-update 推送
type Receipt struct {
	ConversationID string
	MessageID      string
	UserID         string
	Kind           chatmodel.ReceiptKind
	Timestamp      int64
}

// submit JUMPING 期间进缓冲，之后按到达顺序重放
func (c *Cache) submit(convID string, ev event) bool {
	c.mu.Lock()
	w := c.window(convID)
	if w.state == stateJumping {
		w.buffer = append(w.buffer, ev)
		c.mu.Unlock()
		return false
	}
	changes := c.apply(w, ev)
	c.unlockAndNotify(changes)
	return len(changes) > 0
}

// apply 调用方持锁，窗口必须是 IDLE
func (c *Cache) apply(w *window, ev event) []Change {
	one := func(kind ChangeKind, id string) []Change {
		return []Change{{ConversationID: w.convID, Kind: kind, MessageID: id}}
	}
	switch ev.kind {
	case evPush, evSend:
		if w.upsert(ev.msg) {
			return one(ChangeUpsert, ev.msg.key())
		}
	case evAck:
		i := w.find("", ev.clientID)
		if i < 0 {
			return nil
		}
		m := w.items[i]
		if m.ID != "" {
			return nil
		}
		// 原地换 id，位置和内容不变；同 id 的推送若已到达则合并
		m.ID = ev.serverID
		m.Status = StatusSent
		w.upsert(Message{Message: chatmodel.Message{ID: ev.serverID, ClientMessageID: ev.clientID, CreatedAt: m.CreatedAt}, Status: StatusSent})
		return one(ChangeUpsert, ev.serverID)
	case evFail:
		i := w.find("", ev.clientID)
		if i < 0 || w.items[i].ID != "" || w.items[i].Status != StatusSending {
			return nil
		}
		w.items[i].Status = StatusFailed
		return one(ChangeUpsert, ev.clientID)
	case evRetry:
		i := w.find("", ev.clientID)
		if i < 0 || w.items[i].Status != StatusFailed {
			return nil
		}
		w.items[i].Status = StatusSending
		return one(ChangeUpsert, ev.clientID)
	case evReceipt:
		m := w.byID(ev.msg.ID)
		if m == nil {
			return nil
		}
		if mergeReceipt(m, ev.userID, receiptOf(ev.receipt, ev.ts)) {
			return one(ChangeReceipt, m.ID)
		}
	case evRead:
		idx := w.find(ev.serverID, "")
		if idx < 0 {
			return nil
		}
		var out []Change
		for _, m := range w.items[:idx+1] {
			if m.ID == "" || m.SenderID == ev.userID {
				continue
			}
			if mergeReceipt(m, ev.userID, chatmodel.RecipientReceipt{Seen: ev.ts}) {
				out = append(out, Change{ConversationID: w.convID, Kind: ChangeReceipt, MessageID: m.ID})
			}
		}
		return out
	}
	return nil
}

func receiptOf(kind chatmodel.ReceiptKind, ts int64) chatmodel.RecipientReceipt {
	if kind == chatmodel.ReceiptSeen {
		return chatmodel.RecipientReceipt{Seen: ts}
	}
	return chatmodel.RecipientReceipt{Delivered: ts}
}

// SendOptimistic 立即插入一条 SENDING 消息；同 clientMessageId 再调返回已有的那条
func (c *Cache) SendOptimistic(convID, senderID, clientMsgID, typ, content string, mediaIDs []string) Message {
	if typ == "" {
		typ = "text"
	}
	m := Message{
		Message: chatmodel.Message{
			ClientMessageID: clientMsgID,
			ConversationID:  convID,
			SenderID:        senderID,
			Type:            typ,
			Content:         content,
			MediaIDs:        mediaIDs,
			CreatedAt:       c.conf.Now().UnixMilli(),
		},
		Status: StatusSending,
	}
	c.mu.Lock()
	if w, ok := c.windows[convID]; ok {
		if i := w.find("", clientMsgID); i >= 0 {
			out := w.items[i].clone()
			c.mu.Unlock()
			return out
		}
	}
	c.mu.Unlock()
	c.submit(convID, event{kind: evSend, msg: m})
	return m.clone()
}

// Ack message-sent-ack
func (c *Cache) Ack(convID, clientMsgID, serverMsgID string, ts int64) bool {
	return c.submit(convID, event{kind: evAck, clientID: clientMsgID, serverID: serverMsgID, ts: ts})
}

// Fail 发送失败（error 帧带 clientMessageId 或超时）
func (c *Cache) Fail(convID, clientMsgID string) bool {
	return c.submit(convID, event{kind: evFail, clientID: clientMsgID})
}

// Retry 失败的消息用同一个 clientMessageId 重发；第二个返回值 false 表示不需要重发
func (c *Cache) Retry(convID, clientMsgID string) (Message, bool) {
	c.mu.Lock()
	w, ok := c.windows[convID]
	if !ok {
		c.mu.Unlock()
		return Message{}, false
	}
	i := w.find("", clientMsgID)
	if i < 0 || w.items[i].Status != StatusFailed {
		c.mu.Unlock()
		return Message{}, false
	}
	out := w.items[i].clone()
	out.Status = StatusSending
	c.mu.Unlock()
	c.submit(convID, event{kind: evRetry, clientID: clientMsgID})
	return out, true
}

// ApplyPush message-new；按 id / clientMessageId 合并
func (c *Cache) ApplyPush(m chatmodel.Message) bool {
	return c.submit(m.ConversationID, event{kind: evPush, msg: Message{Message: m, Status: StatusSent}})
}

// ApplyReceipt 没有可见变化时返回 false，也不通知
func (c *Cache) ApplyReceipt(r Receipt) bool {
	return c.submit(r.ConversationID, event{
		kind:    evReceipt,
		msg:     Message{Message: chatmodel.Message{ID: r.MessageID}},
		userID:  r.UserID,
		receipt: r.Kind,
		ts:      r.Timestamp,
	})
}

// ApplyConversationRead userID 读到 upToMessageID（含）为止，别人发的都标成 seen
func (c *Cache) ApplyConversationRead(convID, userID, upToMessageID string, ts int64) bool {
	return c.submit(convID, event{kind: evRead, userID: userID, serverID: upToMessageID, ts: ts})
}

// ---- 拉取 ----

func (c *Cache) toMessages(items []chatmodel.Message) []Message {
	out := make([]Message, len(items))
	for i, it := range items {
		out[i] = Message{Message: it, Status: StatusSent}
	}
	return out
}

// LoadInitial 拉最新一页；期间到达的推送直接合并。完成后重放被推迟的跳转
//
// 窗口停在跳转后的历史区间（hasNewer）时不合并，整体换成最新一页，只保留未确认的本地消息，
// 否则中间会留下一段空洞。
func (c *Cache) LoadInitial(ctx context.Context, convID string) error {
	c.mu.Lock()
	w := c.window(convID)
	if w.loading || w.state == stateJumping {
		c.mu.Unlock()
		return nil
	}
	w.loading = true
	c.mu.Unlock()

	page, err := c.fetcher.ListMessages(ctx, convID, "", c.conf.PageSize)

	c.mu.Lock()
	w.loading = false
	target := w.pendingJump
	w.pendingJump = ""
	if c.windows[convID] != w {
		c.mu.Unlock()
		return nil
	}
	if err != nil {
		c.mu.Unlock()
		logger.Warn("msgcache: initial load failed", zap.String("conv", convID), zap.Error(err))
		return err
	}
	replace := w.loaded && w.hasNewer
	if replace {
		pending := w.pending()
		w.items = nil
		for _, p := range pending {
			w.upsert(*p)
		}
		w.olderToken++
		w.newerToken++
		w.hasNewer = false
		w.newerCursor = ""
		w.highlight = ""
	}
	for _, m := range c.toMessages(page.Items) {
		w.upsert(m)
	}
	if replace || !w.loaded {
		w.hasOlder = page.HasMore
		w.olderCursor = page.NextCursor
	}
	w.loaded = true
	c.unlockAndNotify([]Change{{ConversationID: convID, Kind: ChangeReset}})

	if target != "" {
		_, err = c.JumpTo(ctx, convID, target)
	}
	return err
}

// LoadOlder 往前翻一页，返回新增条数；结果过期（被新请求或跳转取代）时静默丢弃
func (c *Cache) LoadOlder(ctx context.Context, convID string) (int, error) {
	c.mu.Lock()
	w, ok := c.windows[convID]
	if !ok || !w.loaded || !w.hasOlder || w.state != stateIdle {
		c.mu.Unlock()
		return 0, nil
	}
	w.olderToken++
	token := w.olderToken
	cursor := w.olderCursor
	c.mu.Unlock()

	anchor := c.vp.CaptureAnchor(convID)
	page, err := c.fetcher.ListMessages(ctx, convID, cursor, c.conf.PageSize)

	c.mu.Lock()
	if c.windows[convID] != w || token != w.olderToken || w.state != stateIdle {
		c.mu.Unlock()
		logger.Debug("msgcache: stale older page dropped", zap.String("conv", convID))
		return 0, nil
	}
	if err != nil {
		c.mu.Unlock()
		return 0, err
	}
	n := len(w.items)
	for _, m := range c.toMessages(page.Items) {
		w.upsert(m)
	}
	added := len(w.items) - n
	w.hasOlder = page.HasMore
	if page.HasMore {
		w.olderCursor = page.NextCursor
	}
	var changes []Change
	if added > 0 {
		changes = []Change{{ConversationID: convID, Kind: ChangePrepend}}
	}
	c.unlockAndNotify(changes)
	if added > 0 {
		c.vp.AfterCommit(convID, anchor)
	}
	return added, nil
}

// LoadNewer 跳转后往新的方向翻一页，返回新增条数；接上最新后 HasNewer 变 false
//
// 和 LoadOlder 一样用 token 丢弃过期结果。
func (c *Cache) LoadNewer(ctx context.Context, convID string) (int, error) {
	c.mu.Lock()
	w, ok := c.windows[convID]
	if !ok || !w.loaded || !w.hasNewer || w.state != stateIdle {
		c.mu.Unlock()
		return 0, nil
	}
	w.newerToken++
	token := w.newerToken
	cursor := w.newerCursor
	c.mu.Unlock()

	page, err := c.fetcher.ListNewer(ctx, convID, cursor, c.conf.PageSize)

	c.mu.Lock()
	if c.windows[convID] != w || token != w.newerToken || w.state != stateIdle {
		c.mu.Unlock()
		logger.Debug("msgcache: stale newer page dropped", zap.String("conv", convID))
		return 0, nil
	}
	if err != nil {
		c.mu.Unlock()
		return 0, err
	}
	n := len(w.items)
	for _, m := range c.toMessages(page.Items) {
		w.upsert(m)
	}
	added := len(w.items) - n
	w.hasNewer = page.HasMore
	if page.NextCursor != "" {
		w.newerCursor = page.NextCursor
	}
	if !w.hasNewer {
		w.newerCursor = ""
	}
	var changes []Change
	if added > 0 {
		changes = []Change{{ConversationID: convID, Kind: ChangeAppend}}
	}
	c.unlockAndNotify(changes)
	return added, nil
}

// JumpTo 定位到某条消息
//
// 已在窗口内只高亮；否则进入 JUMPING 拉上下文整体替换窗口。
// JUMPING 期间的推送、回执等进缓冲，替换后按序重放；拉取失败也一定重放。
func (c *Cache) JumpTo(ctx context.Context, convID, messageID string) (JumpResult, error) {
	c.mu.Lock()
	w := c.window(convID)
	if w.loading {
		w.pendingJump = messageID
		c.mu.Unlock()
		return JumpDeferred, nil
	}
	if w.state == stateIdle && w.byID(messageID) != nil {
		w.highlight = messageID
		c.unlockAndNotify([]Change{{ConversationID: convID, Kind: ChangeHighlight, MessageID: messageID}})
		c.vp.ScrollTo(convID, messageID)
		return JumpHighlighted, nil
	}
	w.state = stateJumping
	w.jumpToken++
	w.olderToken++
	w.newerToken++
	token := w.jumpToken
	c.mu.Unlock()

	page, err := c.fetcher.MessageContext(ctx, convID, messageID, c.conf.ContextSize, c.conf.ContextSize)

	c.mu.Lock()
	if c.windows[convID] != w {
		c.mu.Unlock()
		return JumpSuperseded, nil
	}
	if token != w.jumpToken {
		// 更新的跳转负责重放缓冲
		c.mu.Unlock()
		return JumpSuperseded, nil
	}
	changes := []Change{{ConversationID: convID, Kind: ChangeReset}}
	if err == nil {
		pending := w.pending()
		w.items = nil
		for _, m := range c.toMessages(page.Items) {
			w.upsert(m)
		}
		for _, p := range pending {
			w.upsert(*p)
		}
		w.loaded = true
		w.hasOlder = page.HasOlderMessages
		w.hasNewer = page.HasNewerMessages
		w.olderCursor = page.OlderCursor
		w.newerCursor = page.NewerCursor
		w.highlight = messageID
	} else {
		changes = nil
		logger.Warn("msgcache: jump failed", zap.String("conv", convID), zap.String("target", messageID), zap.Error(err))
	}
	w.state = stateIdle
	buf := w.buffer
	w.buffer = nil
	for _, ev := range buf {
		changes = append(changes, c.apply(w, ev)...)
	}
	c.unlockAndNotify(changes)
	if err != nil {
		return 0, err
	}
	c.vp.ScrollTo(convID, messageID)
	return JumpReplaced, nil
}
