package logger

import "context"

type contextKey struct{}

// LogContext carries request-scoped fields that *Ctx functions prepend.
type LogContext struct {
	TraceID   string
	SpanID    string
	Operation string
	Path      string
}

// WithContext attaches lc to ctx.
func WithContext(ctx context.Context, lc *LogContext) context.Context {
	return context.WithValue(ctx, contextKey{}, lc)
}

// FromContext returns the LogContext stored in ctx, or nil.
func FromContext(ctx context.Context) *LogContext {
	if ctx == nil {
		return nil
	}
	lc, _ := ctx.Value(contextKey{}).(*LogContext)
	return lc
}

// WithOperation returns a copy of ctx whose LogContext has op and path set.
func WithOperation(ctx context.Context, op, path string) context.Context {
	lc := LogContext{}
	if cur := FromContext(ctx); cur != nil {
		lc = *cur
	}
	lc.Operation = op
	lc.Path = path
	return WithContext(ctx, &lc)
}
