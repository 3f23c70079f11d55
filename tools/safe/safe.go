package safe

import (
	"context"
	"time"

	"PPChat/logger"
	"PPChat/tools/errs"

	"go.uber.org/zap"
)

// SafeGo starts a new goroutine that recovers from panic,
// so that panics don't crash the entire program.
func SafeGo(name string, f func()) {
	go func() {
		defer Recover(name)
		f()
	}()
}

// Recover 用在 defer 里，吞掉 panic 只记日志
func Recover(name string) {
	if r := recover(); r != nil {
		logger.Error("panic recovered",
			zap.String("where", name),
			zap.Error(errs.ErrPanic(r)),
			zap.Stack("stack"),
		)
	}
}

// BestEffort 旁路任务：独立 ctx + 超时，错误和 panic 都只记日志，调用方不等待
func BestEffort(name string, timeout time.Duration, f func(ctx context.Context) error) {
	SafeGo(name, func() {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := f(ctx); err != nil {
			logger.Warn("best-effort task failed", zap.String("task", name), zap.Error(err))
		}
	})
}

// DefaultString returns the dereferenced value of a string pointer,
// or the fallback if the pointer is nil.
func DefaultString(s *string, fallback string) string {
	if s == nil {
		return fallback
	}
	return *s
}
