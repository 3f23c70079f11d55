package message

import (
	"context"
	"sort"
	"sync"

	chatmodel "PPChat/module/chat/model"
	"PPChat/tools/errs"
)

// MemStore 单进程存储，本地开发和测试用
type MemStore struct {
	mu       sync.RWMutex
	byID     map[string]*chatmodel.Message
	byClient map[string]string                  // conv|clientMsgId -> id
	byConv   map[string][]*chatmodel.Message    // 按 Before 有序
	receipts map[string]*chatmodel.ReceiptState // messageId -> state

	// FailInsert 非 nil 时 Insert 直接返回它（模拟存储故障）
	FailInsert error
}

func NewMemStore() *MemStore {
	return &MemStore{
		byID:     make(map[string]*chatmodel.Message),
		byClient: make(map[string]string),
		byConv:   make(map[string][]*chatmodel.Message),
		receipts: make(map[string]*chatmodel.ReceiptState),
	}
}

func clientKey(conv, cid string) string { return conv + "|" + cid }

func (s *MemStore) Insert(_ context.Context, m *chatmodel.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailInsert != nil {
		return s.FailInsert
	}
	ck := clientKey(m.ConversationID, m.ClientMessageID)
	if _, ok := s.byClient[ck]; ok {
		return errs.ErrConflict.WrapMsg("duplicate client message id", "conversationId", m.ConversationID, "clientMessageId", m.ClientMessageID)
	}
	if _, ok := s.byID[m.ID]; ok {
		return errs.ErrConflict.WrapMsg("duplicate message id", "id", m.ID)
	}
	cp := *m
	s.byID[m.ID] = &cp
	s.byClient[ck] = m.ID
	list := s.byConv[m.ConversationID]
	i := sort.Search(len(list), func(i int) bool { return cp.Before(list[i]) })
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = &cp
	s.byConv[m.ConversationID] = list
	return nil
}

func (s *MemStore) FindByClientMessageID(_ context.Context, conversationID, clientMsgID string) (*chatmodel.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byClient[clientKey(conversationID, clientMsgID)]
	if !ok {
		return nil, nil
	}
	cp := *s.byID[id]
	return &cp, nil
}

func (s *MemStore) Get(_ context.Context, messageID string) (*chatmodel.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m, ok := s.byID[messageID]
	if !ok {
		return nil, nil
	}
	cp := *m
	return &cp, nil
}

func (s *MemStore) ListBefore(_ context.Context, conversationID string, ts int64, id string, limit int) ([]chatmodel.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.byConv[conversationID]
	end := len(list)
	if ts > 0 {
		pivot := &chatmodel.Message{CreatedAt: ts, ID: id}
		end = sort.Search(len(list), func(i int) bool { return !list[i].Before(pivot) })
	}
	out := make([]chatmodel.Message, 0, limit)
	for i := end - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, *list[i])
	}
	return out, nil
}

func (s *MemStore) ListAfter(_ context.Context, conversationID string, ts int64, id string, limit int) ([]chatmodel.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	list := s.byConv[conversationID]
	pivot := &chatmodel.Message{CreatedAt: ts, ID: id}
	start := sort.Search(len(list), func(i int) bool { return pivot.Before(list[i]) })
	out := make([]chatmodel.Message, 0, limit)
	for i := start; i < len(list) && len(out) < limit; i++ {
		out = append(out, *list[i])
	}
	return out, nil
}

func (s *MemStore) InitReceipt(_ context.Context, st *chatmodel.ReceiptState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.receipts[st.MessageID]; !ok {
		s.receipts[st.MessageID] = st.Clone()
	}
	return nil
}

func (s *MemStore) GetReceipt(_ context.Context, messageID string) (*chatmodel.ReceiptState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.receipts[messageID].Clone(), nil
}

func (s *MemStore) ApplyReceipt(_ context.Context, messageID, userID string, kind chatmodel.ReceiptKind, at int64) (bool, *chatmodel.ReceiptState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.receipts[messageID]
	if !ok {
		return false, nil, errs.ErrNotFound.WrapMsg("receipt not found", "messageId", messageID)
	}
	changed := st.Apply(kind, userID, at)
	return changed, st.Clone(), nil
}

func (s *MemStore) MarkSeenUpTo(_ context.Context, conversationID, userID string, upTo, at int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.byConv[conversationID] {
		if m.CreatedAt > upTo {
			break
		}
		if m.SenderID == userID {
			continue
		}
		if st, ok := s.receipts[m.ID]; ok && st.ApplySeen(userID, at) {
			n++
		}
	}
	return n, nil
}
