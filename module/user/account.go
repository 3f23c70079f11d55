package user

import (
	"context"
	"sync"

	"PPChat/tools/errs"
)

// Status 账号状态
const (
	UserNormal   int32 = 0
	UserBanned   int32 = 1
	UserClosed   int32 = 2
	UserReadOnly int32 = 3
)

// Account 握手鉴权只关心状态和密码纪元
type Account struct {
	UserID   string
	Status   int32
	PwdEpoch int64 // 改密后递增，之前签发的 token 全部失效
}

// CanConnect 只读账号允许在线收消息
func (a *Account) CanConnect() bool {
	return a.Status == UserNormal || a.Status == UserReadOnly
}

// AccountStore 账号服务（外部维护，这里只读）
type AccountStore interface {
	// Get 不存在返回 errs.ErrNotFound
	Get(ctx context.Context, userID string) (*Account, error)
}

type MemAccountStore struct {
	mu sync.RWMutex
	m  map[string]Account
}

func NewMemAccountStore(accounts ...Account) *MemAccountStore {
	s := &MemAccountStore{m: make(map[string]Account)}
	for _, a := range accounts {
		s.Put(a)
	}
	return s
}

func (s *MemAccountStore) Put(a Account) {
	s.mu.Lock()
	s.m[a.UserID] = a
	s.mu.Unlock()
}

func (s *MemAccountStore) Get(_ context.Context, userID string) (*Account, error) {
	s.mu.RLock()
	a, ok := s.m[userID]
	s.mu.RUnlock()
	if !ok {
		return nil, errs.ErrNotFound.WrapMsg("account not found", "userId", userID)
	}
	return &a, nil
}
