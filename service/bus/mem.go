package bus

import (
	"context"
	"sync"
)

// MemHub 进程内的“总线服务器”；多个 MemTransport 连同一个 hub 就能模拟多节点
type MemHub struct {
	mu   sync.RWMutex
	subs map[string][]RawHandler
}

func NewMemHub() *MemHub {
	return &MemHub{subs: make(map[string][]RawHandler)}
}

// MemTransport 同步投递：Publish 返回时所有订阅者都已处理完
type MemTransport struct {
	hub *MemHub
}

func (h *MemHub) Transport() *MemTransport { return &MemTransport{hub: h} }

func (t *MemTransport) Publish(ctx context.Context, channel string, data []byte, _ string) error {
	t.hub.mu.RLock()
	hs := append([]RawHandler(nil), t.hub.subs[channel]...)
	t.hub.mu.RUnlock()
	for _, h := range hs {
		_ = h(ctx, append([]byte(nil), data...))
	}
	return nil
}

func (t *MemTransport) Subscribe(channel string, h RawHandler) error {
	t.hub.mu.Lock()
	t.hub.subs[channel] = append(t.hub.subs[channel], h)
	t.hub.mu.Unlock()
	return nil
}

func (t *MemTransport) Close() error { return nil }
