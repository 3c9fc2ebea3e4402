package logger

import "context"

// LogContext carries per-request fields that every *Ctx call prepends.
type LogContext struct {
	RequestID string
	Class     string
	Version   string
}

type ctxKey struct{}

// WithContext attaches lc to ctx.
func WithContext(ctx context.Context, lc *LogContext) context.Context {
	return context.WithValue(ctx, ctxKey{}, lc)
}

// FromContext returns the LogContext stored in ctx, or nil.
func FromContext(ctx context.Context) *LogContext {
	if ctx == nil {
		return nil
	}
	lc, _ := ctx.Value(ctxKey{}).(*LogContext)
	return lc
}

// WithClass returns a copy of ctx whose LogContext also carries the request class.
func WithClass(ctx context.Context, class string) context.Context {
	lc := FromContext(ctx)
	next := LogContext{Class: class}
	if lc != nil {
		next = *lc
		next.Class = class
	}
	return WithContext(ctx, &next)
}

func appendContextFields(ctx context.Context, args []any) []any {
	lc := FromContext(ctx)
	if lc == nil {
		return args
	}
	out := make([]any, 0, 6+len(args))
	if lc.RequestID != "" {
		out = append(out, KeyRequestID, lc.RequestID)
	}
	if lc.Class != "" {
		out = append(out, KeyClass, lc.Class)
	}
	if lc.Version != "" {
		out = append(out, KeyVersion, lc.Version)
	}
	return append(out, args...)
}
