package model

import "time"

// ConversationType 会话类型
type ConversationType int32

const (
	ConversationDirect ConversationType = 1 // 单聊
	ConversationGroup  ConversationType = 2 // 群聊
)

func (t ConversationType) String() string {
	switch t {
	case ConversationDirect:
		return "direct"
	case ConversationGroup:
		return "group"
	}
	return "unknown"
}

// Conversation 会话及成员快照（目录服务只读）
type Conversation struct {
	ID        string           `json:"id"`
	Type      ConversationType `json:"type"`
	MemberIDs []string         `json:"memberIds"`
	CreatedAt time.Time        `json:"createdAt"`
}

func (c *Conversation) HasMember(userID string) bool {
	for _, m := range c.MemberIDs {
		if m == userID {
			return true
		}
	}
	return false
}

// Recipients 除发送者外的成员
func (c *Conversation) Recipients(senderID string) []string {
	out := make([]string, 0, len(c.MemberIDs))
	for _, m := range c.MemberIDs {
		if m != senderID {
			out = append(out, m)
		}
	}
	return out
}
