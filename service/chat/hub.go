package chat

import "sync"

// Hub 本节点的连接表 + presence 订阅关系
type Hub struct {
	mu       sync.RWMutex
	bySocket map[string]*Session
	byUser   map[string]map[string]*Session // userId -> socketId -> session

	// 被观察的 userId -> 观察者 socketId 集合
	watchers map[string]map[string]struct{}
	// socketId -> 它观察的 userId 集合，断开时反向清理
	watching map[string]map[string]struct{}
}

func NewHub() *Hub {
	return &Hub{
		bySocket: make(map[string]*Session),
		byUser:   make(map[string]map[string]*Session),
		watchers: make(map[string]map[string]struct{}),
		watching: make(map[string]map[string]struct{}),
	}
}

func (h *Hub) Join(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.bySocket[s.ID] = s
	m := h.byUser[s.UserID]
	if m == nil {
		m = make(map[string]*Session)
		h.byUser[s.UserID] = m
	}
	m[s.ID] = s
}

// Leave 同时清掉它的 presence 订阅
func (h *Hub) Leave(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cur, ok := h.bySocket[s.ID]; !ok || cur != s {
		return
	}
	delete(h.bySocket, s.ID)
	if m := h.byUser[s.UserID]; m != nil {
		delete(m, s.ID)
		if len(m) == 0 {
			delete(h.byUser, s.UserID)
		}
	}
	h.unwatchAllLocked(s.ID)
}

func (h *Hub) Get(socketID string) *Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.bySocket[socketID]
}

func (h *Hub) SocketsOf(userID string) []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	m := h.byUser[userID]
	out := make([]*Session, 0, len(m))
	for _, s := range m {
		out = append(out, s)
	}
	return out
}

func (h *Hub) All() []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Session, 0, len(h.bySocket))
	for _, s := range h.bySocket {
		out = append(out, s)
	}
	return out
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.bySocket)
}

func (h *Hub) UserCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.byUser)
}

func (h *Hub) Watch(socketID string, userIDs ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.bySocket[socketID]; !ok {
		return
	}
	w := h.watching[socketID]
	if w == nil {
		w = make(map[string]struct{})
		h.watching[socketID] = w
	}
	for _, uid := range userIDs {
		if uid == "" {
			continue
		}
		w[uid] = struct{}{}
		set := h.watchers[uid]
		if set == nil {
			set = make(map[string]struct{})
			h.watchers[uid] = set
		}
		set[socketID] = struct{}{}
	}
}

func (h *Hub) Unwatch(socketID string, userIDs ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, uid := range userIDs {
		h.dropWatchLocked(socketID, uid)
	}
}

func (h *Hub) unwatchAllLocked(socketID string) {
	for uid := range h.watching[socketID] {
		h.dropWatchLocked(socketID, uid)
	}
	delete(h.watching, socketID)
}

func (h *Hub) dropWatchLocked(socketID, uid string) {
	if set := h.watchers[uid]; set != nil {
		delete(set, socketID)
		if len(set) == 0 {
			delete(h.watchers, uid)
		}
	}
	if w := h.watching[socketID]; w != nil {
		delete(w, uid)
		if len(w) == 0 {
			delete(h.watching, socketID)
		}
	}
}

// Watchers 观察 userID 的本地连接
func (h *Hub) Watchers(userID string) []*Session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	set := h.watchers[userID]
	out := make([]*Session, 0, len(set))
	for sid := range set {
		if s := h.bySocket[sid]; s != nil {
			out = append(out, s)
		}
	}
	return out
}
