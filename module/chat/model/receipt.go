package model

// ReceiptKind 回执类型
type ReceiptKind string

const (
	ReceiptDelivered ReceiptKind = "delivered"
	ReceiptSeen      ReceiptKind = "seen"
)

// RecipientReceipt 单聊接收方回执；0 表示未记录，Unix ms
type RecipientReceipt struct {
	Delivered int64 `bson:"delivered" json:"delivered,omitempty"`
	Seen      int64 `bson:"seen" json:"seen,omitempty"`
}

// ReceiptState 一条消息的回执状态
//
// 规则：
//   - delivered / seen 单调，只会从 0 变成时间戳，不会回退或清空
//   - 记录 seen 时若 delivered 为空，用 seen 的时间回填 delivered
//   - 群聊只维护计数，按用户去重，计数封顶 TotalRecipients
type ReceiptState struct {
	MessageID      string           `bson:"_id" json:"messageId"`
	ConversationID string           `bson:"conversation_id" json:"conversationId"`
	SenderID       string           `bson:"sender_id" json:"senderId"`
	Kind           ConversationType `bson:"kind" json:"kind"`
	CreatedAt      int64            `bson:"created_at" json:"createdAt"`

	// 单聊
	Recipients map[string]*RecipientReceipt `bson:"recipients,omitempty" json:"recipients,omitempty"`

	// 群聊
	TotalRecipients int      `bson:"total" json:"totalRecipients,omitempty"`
	DeliveredCount  int      `bson:"delivered_count" json:"deliveredCount,omitempty"`
	SeenCount       int      `bson:"seen_count" json:"seenCount,omitempty"`
	DeliveredBy     []string `bson:"delivered_by,omitempty" json:"-"`
	SeenBy          []string `bson:"seen_by,omitempty" json:"-"`
}

// NewReceiptState 发送成功后初始化
func NewReceiptState(m *Message, conv *Conversation) *ReceiptState {
	st := &ReceiptState{
		MessageID:      m.ID,
		ConversationID: m.ConversationID,
		SenderID:       m.SenderID,
		Kind:           conv.Type,
		CreatedAt:      m.CreatedAt,
	}
	recipients := conv.Recipients(m.SenderID)
	if conv.Type == ConversationGroup {
		st.TotalRecipients = len(recipients)
		return st
	}
	st.Recipients = make(map[string]*RecipientReceipt, len(recipients))
	for _, uid := range recipients {
		st.Recipients[uid] = &RecipientReceipt{}
	}
	return st
}

// Apply 按 kind 分派
func (s *ReceiptState) Apply(kind ReceiptKind, userID string, at int64) bool {
	if kind == ReceiptSeen {
		return s.ApplySeen(userID, at)
	}
	return s.ApplyDelivered(userID, at)
}

// ApplyDelivered 返回状态是否变化
func (s *ReceiptState) ApplyDelivered(userID string, at int64) bool {
	if userID == s.SenderID || at <= 0 {
		return false
	}
	if s.Kind == ConversationGroup {
		if contains(s.DeliveredBy, userID) || s.DeliveredCount >= s.TotalRecipients {
			return false
		}
		s.DeliveredBy = append(s.DeliveredBy, userID)
		s.DeliveredCount++
		return true
	}
	r := s.Recipients[userID]
	if r == nil || r.Delivered != 0 {
		return false
	}
	r.Delivered = at
	return true
}

// ApplySeen seen 蕴含 delivered
func (s *ReceiptState) ApplySeen(userID string, at int64) bool {
	if userID == s.SenderID || at <= 0 {
		return false
	}
	if s.Kind == ConversationGroup {
		if contains(s.SeenBy, userID) || s.SeenCount >= s.TotalRecipients {
			return false
		}
		s.SeenBy = append(s.SeenBy, userID)
		s.SeenCount++
		if !contains(s.DeliveredBy, userID) && s.DeliveredCount < s.TotalRecipients {
			s.DeliveredBy = append(s.DeliveredBy, userID)
			s.DeliveredCount++
		}
		return true
	}
	r := s.Recipients[userID]
	if r == nil || r.Seen != 0 {
		return false
	}
	r.Seen = at
	if r.Delivered == 0 {
		r.Delivered = at
	}
	return true
}

// Clone 深拷贝，内存存储对外返回快照用
func (s *ReceiptState) Clone() *ReceiptState {
	if s == nil {
		return nil
	}
	cp := *s
	if s.Recipients != nil {
		cp.Recipients = make(map[string]*RecipientReceipt, len(s.Recipients))
		for k, v := range s.Recipients {
			r := *v
			cp.Recipients[k] = &r
		}
	}
	cp.DeliveredBy = append([]string(nil), s.DeliveredBy...)
	cp.SeenBy = append([]string(nil), s.SeenBy...)
	return &cp
}

func contains(xs []string, x string) bool {
	for _, v := range xs {
		if v == x {
			return true
		}
	}
	return false
}
