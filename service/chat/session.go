package chat

import (
	"sync"
	"sync/atomic"
	"time"

	"PPChat/logger"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// State 连接生命周期
type State int32

const (
	StateConnecting State = iota
	StateAuthenticating
	StateAuthenticated
	StateActive
	StateDisconnecting
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "CONNECTING"
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateAuthenticated:
		return "AUTHENTICATED"
	case StateActive:
		return "ACTIVE"
	case StateDisconnecting:
		return "DISCONNECTING"
	case StateClosed:
		return "CLOSED"
	}
	return "UNKNOWN"
}

// 断开原因，进 metrics 和分析事件
const (
	ReasonClientClosed   = "client_closed"
	ReasonTransportError = "transport_error"
	ReasonPingTimeout    = "ping_timeout"
	ReasonServerShutdown = "server_shutdown"
	ReasonServerKick     = "server_kick"
)

// Session 本节点上的一条 WebSocket 连接。
// 只有 writePump 往 conn 写；其他协程一律走 Enqueue。
type Session struct {
	ID          string
	UserID      string
	DeviceID    string
	IP          string
	UserAgent   string
	ConnectedAt time.Time

	conn  *websocket.Conn
	send  chan []byte
	state atomic.Int32

	closeOnce sync.Once
	closed    chan struct{}
	mu        sync.Mutex
	reason    string
	closeCode int
	closeText string

	messagesIn  atomic.Int64
	messagesOut atomic.Int64
}

func newSession(id string, conn *websocket.Conn, buffer int) *Session {
	if buffer <= 0 {
		buffer = 256
	}
	return &Session{
		ID:          id,
		ConnectedAt: time.Now(),
		conn:        conn,
		send:        make(chan []byte, buffer),
		closed:      make(chan struct{}),
	}
}

func (s *Session) State() State { return State(s.state.Load()) }
func (s *Session) setState(st State) { s.state.Store(int32(st)) }

// Send 编码后入队；队列满按慢消费者踢掉
func (s *Session) Send(event string, data any) bool {
	raw, err := EncodeFrame(event, data)
	if err != nil {
		logger.Warn("encode frame failed", zap.String("event", event), zap.Error(err))
		return false
	}
	return s.Enqueue(raw)
}

func (s *Session) Enqueue(raw []byte) bool {
	select {
	case <-s.closed:
		return false
	default:
	}
	select {
	case s.send <- raw:
		return true
	default:
		logger.Warn("send buffer full, kicking slow consumer",
			zap.String("socket", s.ID), zap.String("user", s.UserID))
		s.Close(ReasonServerKick, CloseKicked, "slow consumer")
		return false
	}
}

// Close 只生效一次；第一次给出的原因为准
func (s *Session) Close(reason string, code int, text string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.reason, s.closeCode, s.closeText = reason, code, text
		s.mu.Unlock()
		close(s.closed)
	})
}

func (s *Session) Closed() <-chan struct{} { return s.closed }

func (s *Session) Reason() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reason
}

func (s *Session) closeFrame() (int, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closeCode == 0 {
		return websocket.CloseNormalClosure, ""
	}
	return s.closeCode, s.closeText
}

func (s *Session) MessagesIn() int64 { return s.messagesIn.Load() }
func (s *Session) MessagesOut() int64 { return s.messagesOut.Load() }
