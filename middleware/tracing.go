package middleware

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shrek82/tooldb/core"
	"github.com/shrek82/tooldb/logger"
)

type contextKey struct{ name string }

// Context keys read by TracingMiddleware.
var (
	RequestIDKey = &contextKey{"request_id"}
	UserIPKey    = &contextKey{"user_ip"}
	TraceIDKey   = &contextKey{"trace_id"}
)

// WithTraceID returns a context carrying a trace id.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, TraceIDKey, id)
}

// TraceID returns the trace id of ctx, or "".
func TraceID(ctx context.Context) string {
	id, _ := ctx.Value(TraceIDKey).(string)
	return id
}

// TracingMiddleware tags every statement with a trace id and logs it at debug
// level together with the request id and user ip found in the context. A
// trace id is generated when the context has none, and passed on to the rest
// of the chain.
type TracingMiddleware struct {
	log logger.Logger
}

// NewTracing creates a TracingMiddleware. A nil log means the DB logger.
func NewTracing(log logger.Logger) *TracingMiddleware {
	return &TracingMiddleware{log: log}
}

func (m *TracingMiddleware) Name() string {
	return "Tracing"
}

func (m *TracingMiddleware) Init(db *core.DB) error {
	if m.log == nil && db != nil {
		m.log = db.Logger()
	}
	if m.log == nil {
		m.log = logger.NewStdLogger()
	}
	return nil
}

func (m *TracingMiddleware) Shutdown() error {
	return nil
}

func (m *TracingMiddleware) Process(ctx context.Context, st *core.Statement, next core.ExecFunc) (*core.Result, error) {
	traceID := TraceID(ctx)
	if traceID == "" {
		traceID = uuid.NewString()
		ctx = WithTraceID(ctx, traceID)
	}

	fields := map[string]any{
		"trace_id": traceID,
		"model":    st.Model,
		"kind":     st.Kind.String(),
	}
	if reqID := ctx.Value(RequestIDKey); reqID != nil {
		fields["request_id"] = reqID
	}
	if userIP := ctx.Value(UserIPKey); userIP != nil {
		fields["user_ip"] = userIP
	}

	start := time.Now()
	res, err := next(ctx, st)
	log := m.log.WithFields(fields)
	if err != nil {
		log.Debug("%s failed after %v: %v", st.Key, time.Since(start), err)
	} else {
		log.Debug("%s done in %v", st.Key, time.Since(start))
	}
	return res, err
}
