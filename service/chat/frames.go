package chat

import (
	"encoding/json"
	"time"

	"PPChat/tools/errs"
)

// 网关自己的事件；业务事件（message-new 等）定义在 delivery
const (
	EventAuthenticate      = "authenticate"
	EventAuthenticated     = "authenticated"
	EventAuthFailed        = "auth-failed"
	EventServerShutdown    = "server-shutdown"
	EventServerMaintenance = "server-maintenance"
	EventError             = "error"
	EventPresenceUpdate    = "presence-update"
	EventPing              = "ping"
	EventPong              = "pong"
)

// 自定义关闭码
const (
	CloseAuthFailed = 4401
	CloseKicked     = 4408
)

// Frame 线上统一帧：{"event": "...", "data": {...}}
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ParseFrame 只校验外层结构，data 交给具体 handler 解
func ParseFrame(b []byte) (*Frame, error) {
	var f Frame
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, errs.ErrInvalidArgument.WrapMsg("malformed frame", "err", err)
	}
	if f.Event == "" {
		return nil, errs.ErrInvalidArgument.WrapMsg("frame without event")
	}
	return &f, nil
}

// EncodeFrame data 已经是 json.RawMessage / []byte 时原样透传
func EncodeFrame(event string, data any) ([]byte, error) {
	var raw json.RawMessage
	switch v := data.(type) {
	case nil:
	case json.RawMessage:
		raw = v
	case []byte:
		raw = v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return nil, errs.WrapMsg(err, "marshal frame data", "event", event)
		}
		raw = b
	}
	return json.Marshal(Frame{Event: event, Data: raw})
}

type AuthenticatePayload struct {
	Token    string `json:"token,omitempty"`
	DeviceID string `json:"deviceId,omitempty"`
}

type AuthenticatedPayload struct {
	SocketID string `json:"socketId"`
	UserID   string `json:"userId"`
	DeviceID string `json:"deviceId"`
	Node     string `json:"node"`
}

type AuthFailedPayload struct {
	Reason string `json:"reason"`
}

type NoticePayload struct {
	Message   string `json:"message"`
	Reconnect bool   `json:"reconnect"`
	Timestamp int64  `json:"timestamp"`
}

// ErrorPayload 回给客户端的错误；event 是触发错误的那条入站事件
type ErrorPayload struct {
	Event           string `json:"event,omitempty"`
	ClientMessageID string `json:"clientMessageId,omitempty"`
	errs.WireError
	Timestamp int64 `json:"timestamp"`
}

func ErrorFrame(event string, err error) ErrorPayload {
	return ErrorPayload{Event: event, WireError: errs.ToWire(err), Timestamp: time.Now().UnixMilli()}
}

type PresenceUpdatePayload struct {
	UserID    string `json:"userId"`
	Online    bool   `json:"online"`
	Timestamp int64  `json:"timestamp"`
}

type PresenceSubscribePayload struct {
	UserIDs []string `json:"userIds"`
}

type PongPayload struct {
	Timestamp int64 `json:"timestamp"`
}
