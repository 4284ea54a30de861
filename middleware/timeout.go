package middleware

import (
	"context"
	"time"

	"github.com/shrek82/tooldb/core"
)

// TimeoutMiddleware bounds each statement by a deadline. A context that
// already carries an earlier deadline is left alone.
type TimeoutMiddleware struct {
	Timeout time.Duration
}

func NewTimeout(timeout time.Duration) *TimeoutMiddleware {
	return &TimeoutMiddleware{Timeout: timeout}
}

func (m *TimeoutMiddleware) Name() string {
	return "Timeout"
}

func (m *TimeoutMiddleware) Init(*core.DB) error {
	return nil
}

func (m *TimeoutMiddleware) Shutdown() error {
	return nil
}

func (m *TimeoutMiddleware) Process(ctx context.Context, st *core.Statement, next core.ExecFunc) (*core.Result, error) {
	if m.Timeout <= 0 {
		return next(ctx, st)
	}
	if dl, ok := ctx.Deadline(); ok && time.Until(dl) <= m.Timeout {
		return next(ctx, st)
	}
	ctx, cancel := context.WithTimeout(ctx, m.Timeout)
	defer cancel()
	return next(ctx, st)
}
