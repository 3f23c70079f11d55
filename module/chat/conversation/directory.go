package conversation

import (
	"context"
	"sync"

	chatmodel "PPChat/module/chat/model"
	"PPChat/tools/errs"
)

// Directory 会话目录（成员关系由外部的群组/联系人服务维护，这里只读）
type Directory interface {
	// Get 不存在返回 errs.ErrNotFound
	Get(ctx context.Context, conversationID string) (*chatmodel.Conversation, error)
}

// MemDirectory 测试和单机用
type MemDirectory struct {
	mu    sync.RWMutex
	convs map[string]chatmodel.Conversation
}

func NewMemDirectory(convs ...chatmodel.Conversation) *MemDirectory {
	d := &MemDirectory{convs: make(map[string]chatmodel.Conversation)}
	for _, c := range convs {
		d.Put(c)
	}
	return d
}

func (d *MemDirectory) Put(c chatmodel.Conversation) {
	c.MemberIDs = append([]string(nil), c.MemberIDs...)
	d.mu.Lock()
	d.convs[c.ID] = c
	d.mu.Unlock()
}

func (d *MemDirectory) Get(_ context.Context, conversationID string) (*chatmodel.Conversation, error) {
	d.mu.RLock()
	c, ok := d.convs[conversationID]
	d.mu.RUnlock()
	if !ok {
		return nil, errs.ErrNotFound.WrapMsg("conversation not found", "conversationId", conversationID)
	}
	c.MemberIDs = append([]string(nil), c.MemberIDs...)
	return &c, nil
}
