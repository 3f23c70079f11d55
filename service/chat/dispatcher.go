package chat

import (
	"context"
	"encoding/json"

	"PPChat/tools/errs"
)

// HandlerFunc 处理一条入站事件；返回的错误由网关转成 error 帧回给该连接
type HandlerFunc func(ctx context.Context, s *Session, data json.RawMessage) error

// Dispatcher 事件名 -> handler，启动时注册完，之后只读
type Dispatcher struct {
	handlers map[string]HandlerFunc
}

func NewDispatcher() *Dispatcher {
	return &Dispatcher{handlers: make(map[string]HandlerFunc)}
}

func (d *Dispatcher) Register(event string, h HandlerFunc) { d.handlers[event] = h }

func (d *Dispatcher) Has(event string) bool {
	_, ok := d.handlers[event]
	return ok
}

func (d *Dispatcher) Dispatch(ctx context.Context, s *Session, f *Frame) error {
	h, ok := d.handlers[f.Event]
	if !ok {
		return errs.ErrInvalidArgument.WrapMsg("unknown event", "event", f.Event)
	}
	return h(ctx, s, f.Data)
}

// Decode handler 里解 data 的统一入口
func Decode(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return errs.ErrInvalidArgument.WrapMsg("missing data")
	}
	if err := json.Unmarshal(data, v); err != nil {
		return errs.ErrInvalidArgument.WrapMsg("malformed data", "err", err)
	}
	return nil
}
