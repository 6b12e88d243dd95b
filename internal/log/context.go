package log

import "context"

type ctxKey struct{}

// WithContext returns ctx carrying l. Middleware stores the request-scoped
// logger this way.
func WithContext(ctx context.Context, l Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContext returns the stored Logger, or Nop.
func FromContext(ctx context.Context) Logger { return FromContextOr(ctx, Nop()) }

// FromContextOr returns the stored Logger, or fallback when ctx is nil or
// carries none.
func FromContextOr(ctx context.Context, fallback Logger) Logger {
	if ctx == nil {
		return fallback
	}
	if l, ok := ctx.Value(ctxKey{}).(Logger); ok && l != nil {
		return l
	}
	return fallback
}
