package middleware

import (
	"sync"

	"github.com/gin-gonic/gin"
)

// Chain 按名字注册的全局中间件，运行期可以增删（配置热更新时替换 cors 等）
//
// 链里的中间件不能调用 c.Next()，需要包住整个请求的（访问日志、recover）直接 Use 到 engine 上
type Chain struct {
	mu    sync.RWMutex
	names []string
	mids  map[string]gin.HandlerFunc
}

func NewChain() *Chain {
	return &Chain{mids: make(map[string]gin.HandlerFunc)}
}

// Add 同名覆盖，位置不变
func (m *Chain) Add(name string, h gin.HandlerFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.mids[name]; !ok {
		m.names = append(m.names, name)
	}
	m.mids[name] = h
}

func (m *Chain) Remove(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.mids[name]; !ok {
		return false
	}
	delete(m.mids, name)
	for i, n := range m.names {
		if n == name {
			m.names = append(m.names[:i], m.names[i+1:]...)
			break
		}
	}
	return true
}

func (m *Chain) Names() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.names...)
}

// Handler 挂到 engine 上的总控，每个请求取一次快照
func (m *Chain) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		m.mu.RLock()
		handlers := make([]gin.HandlerFunc, 0, len(m.names))
		for _, n := range m.names {
			handlers = append(handlers, m.mids[n])
		}
		m.mu.RUnlock()

		for _, h := range handlers {
			h(c)
			if c.IsAborted() {
				return
			}
		}
		c.Next()
	}
}
