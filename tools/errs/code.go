package errs

import (
	"net/http"
	"time"
)

const (
	AuthenticationFailure = 1001
	AuthorizationFailure  = 1002
	RateLimited           = 1003
	TransientSendFailure  = 1004
	InfraUnavailable      = 1005
	ServerDraining        = 1006
	InvalidArgument       = 1007
	NotFound              = 1008
	Conflict              = 1009

	// Retryable 只做父级分组，不直接返回给客户端
	Retryable = 1900

	ServerInternalError = 5000
)

var (
	ErrAuthentication  = NewCodeError(AuthenticationFailure, "authentication failed")
	ErrAuthorization   = NewCodeError(AuthorizationFailure, "not authorized")
	ErrRateLimited     = NewCodeError(RateLimited, "rate limited")
	ErrTransientSend   = NewCodeError(TransientSendFailure, "send failed, retry later")
	ErrInfra           = NewCodeError(InfraUnavailable, "infrastructure unavailable")
	ErrServerDraining  = NewCodeError(ServerDraining, "server unavailable, reconnect elsewhere")
	ErrInvalidArgument = NewCodeError(InvalidArgument, "invalid argument")
	ErrNotFound        = NewCodeError(NotFound, "not found")
	ErrConflict        = NewCodeError(Conflict, "conflict")
	ErrInternal        = NewCodeError(ServerInternalError, "internal error")

	ErrRetryable = NewCodeError(Retryable, "retryable")
)

func init() {
	_ = DefaultCodeRelation.Add(Retryable, TransientSendFailure)
	_ = DefaultCodeRelation.Add(Retryable, InfraUnavailable)
	_ = DefaultCodeRelation.Add(Retryable, RateLimited)
	_ = DefaultCodeRelation.Add(Retryable, ServerDraining)
}

// WireError 下发给客户端的错误结构（error 事件 / HTTP body）
type WireError struct {
	Code         int    `json:"code"`
	Message      string `json:"message"`
	Retryable    bool   `json:"retryable,omitempty"`
	RetryAfterMs int64  `json:"retryAfterMs,omitempty"`
}

// ToWire 未知错误一律按 5000 处理，不把内部信息带给客户端
func ToWire(err error) WireError {
	ce, ok := AsCode(err)
	if !ok {
		return WireError{Code: ServerInternalError, Message: ErrInternal.Msg}
	}
	w := WireError{
		Code:      ce.Code,
		Message:   ce.Msg,
		Retryable: DefaultCodeRelation.Is(Retryable, ce.Code),
	}
	if ce.RetryAfter > 0 {
		w.RetryAfterMs = ce.RetryAfter.Milliseconds()
	}
	return w
}

func NewRateLimited(retryAfter time.Duration) error {
	return ErrRateLimited.WithRetryAfter(retryAfter).Wrap()
}

// HTTPStatus 历史接口 / admin 接口用的状态码
func HTTPStatus(code int) int {
	switch code {
	case AuthenticationFailure:
		return http.StatusUnauthorized
	case AuthorizationFailure:
		return http.StatusForbidden
	case RateLimited:
		return http.StatusTooManyRequests
	case TransientSendFailure, InfraUnavailable, ServerDraining:
		return http.StatusServiceUnavailable
	case InvalidArgument:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}
