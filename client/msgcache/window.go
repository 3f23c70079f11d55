package msgcache

import (
	"slices"
	"sort"

	chatmodel "PPChat/module/chat/model"
)

// Status 本地消息状态
type Status int

const (
	StatusSending Status = iota
	StatusSent
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusSending:
		return "sending"
	case StatusSent:
		return "sent"
	case StatusFailed:
		return "failed"
	}
	return "unknown"
}

// Message 客户端视图里的一条消息；乐观消息在 ack 前 ID 为空
type Message struct {
	chatmodel.Message
	Status   Status
	Receipts map[string]chatmodel.RecipientReceipt
}

func (m *Message) key() string {
	if m.ID != "" {
		return m.ID
	}
	return m.ClientMessageID
}

func (m *Message) before(o *Message) bool {
	if m.CreatedAt != o.CreatedAt {
		return m.CreatedAt < o.CreatedAt
	}
	return m.key() < o.key()
}

func (m Message) clone() Message {
	if m.Receipts != nil {
		rs := make(map[string]chatmodel.RecipientReceipt, len(m.Receipts))
		for k, v := range m.Receipts {
			rs[k] = v
		}
		m.Receipts = rs
	}
	if m.MediaIDs != nil {
		m.MediaIDs = append([]string(nil), m.MediaIDs...)
	}
	return m
}

type windowState int

const (
	stateIdle windowState = iota
	stateJumping
)

// window 一个会话当前持有的连续消息区间，按 createdAt、id 升序
//
// 字段只在 Cache.mu 下读写
type window struct {
	convID string
	items  []*Message

	state  windowState
	buffer []event // JUMPING 期间到达的事件，只追加

	loading     bool // 首屏加载中
	loaded      bool
	hasOlder    bool
	hasNewer    bool
	olderCursor string
	newerCursor string

	olderToken  uint64
	newerToken  uint64
	jumpToken   uint64
	pendingJump string
	highlight   string
}

func newWindow(convID string) *window {
	return &window{convID: convID}
}

// find 按 id 或 clientMessageId 找下标，-1 表示没有
func (w *window) find(id, clientID string) int {
	for i, m := range w.items {
		if id != "" && m.ID == id {
			return i
		}
		if clientID != "" && m.ClientMessageID == clientID {
			return i
		}
	}
	return -1
}

func (w *window) byID(id string) *Message {
	if id == "" {
		return nil
	}
	for _, m := range w.items {
		if m.ID == id {
			return m
		}
	}
	return nil
}

// upsert 所有写入都走这里：同 id 或同 clientMessageId 的条目合并成一条
func (w *window) upsert(in Message) bool {
	var first *Message
	kept := w.items[:0]
	for _, m := range w.items {
		same := (in.ID != "" && m.ID == in.ID) ||
			(in.ClientMessageID != "" && m.ClientMessageID == in.ClientMessageID)
		if !same {
			kept = append(kept, m)
			continue
		}
		if first == nil {
			first = m
			kept = append(kept, m)
			continue
		}
		// 已经重复的条目并入第一条
		mergeInto(first, m)
	}
	w.items = kept

	if first == nil {
		m := in.clone()
		w.items = append(w.items, &m)
		w.sort()
		return true
	}
	before := first.clone()
	mergeInto(first, &in)
	w.sort()
	return !sameObservable(&before, first)
}

// mergeInto 服务端字段以有 id 的一方为准；状态只前进；回执取并集
func mergeInto(dst, src *Message) {
	if src.ID != "" {
		if dst.ID == "" {
			dst.ID = src.ID
		}
		dst.CreatedAt = src.CreatedAt
		if src.Content != "" {
			dst.Content = src.Content
		}
		if src.Type != "" {
			dst.Type = src.Type
		}
		if len(src.MediaIDs) > 0 {
			dst.MediaIDs = append([]string(nil), src.MediaIDs...)
		}
		if dst.ClientMessageID == "" {
			dst.ClientMessageID = src.ClientMessageID
		}
		if dst.SenderID == "" {
			dst.SenderID = src.SenderID
		}
	}
	if dst.ID != "" {
		dst.Status = StatusSent
	} else if src.Status > dst.Status {
		dst.Status = src.Status
	}
	for uid, r := range src.Receipts {
		mergeReceipt(dst, uid, r)
	}
}

func mergeReceipt(m *Message, uid string, r chatmodel.RecipientReceipt) bool {
	if m.Receipts == nil {
		m.Receipts = map[string]chatmodel.RecipientReceipt{}
	}
	cur := m.Receipts[uid]
	next := cur
	if next.Delivered == 0 && r.Delivered != 0 {
		next.Delivered = r.Delivered
	}
	if next.Seen == 0 && r.Seen != 0 {
		next.Seen = r.Seen
		if next.Delivered == 0 {
			next.Delivered = r.Seen
		}
	}
	if next == cur {
		return false
	}
	m.Receipts[uid] = next
	return true
}

// sameObservable 列表能渲染出来的字段都算；只补了 mediaIds/type/sender 也要通知
func sameObservable(a, b *Message) bool {
	if a.ID != b.ID || a.ClientMessageID != b.ClientMessageID || a.Status != b.Status ||
		a.CreatedAt != b.CreatedAt || a.Content != b.Content || a.Type != b.Type ||
		a.SenderID != b.SenderID || !slices.Equal(a.MediaIDs, b.MediaIDs) {
		return false
	}
	if len(a.Receipts) != len(b.Receipts) {
		return false
	}
	for k, v := range a.Receipts {
		if b.Receipts[k] != v {
			return false
		}
	}
	return true
}

func (w *window) sort() {
	sort.SliceStable(w.items, func(i, j int) bool { return w.items[i].before(w.items[j]) })
}

// pending 还没落库的本地消息，整体替换窗口时保留
func (w *window) pending() []*Message {
	var out []*Message
	for _, m := range w.items {
		if m.ID == "" {
			out = append(out, m)
		}
	}
	return out
}

func (w *window) snapshot() []Message {
	out := make([]Message, len(w.items))
	for i, m := range w.items {
		out[i] = m.clone()
	}
	return out
}
