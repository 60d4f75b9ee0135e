package logger

import "context"

type ctxKey string

const (
	requestIDKey ctxKey = "request_id"
	traceIDKey   ctxKey = "trace_id"
	userIPKey    ctxKey = "user_ip"
)

// WithRequestID attaches a request id that ContextFields will report.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// WithTraceID attaches a trace id that ContextFields will report.
func WithTraceID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, traceIDKey, id)
}

// WithUserIP attaches the caller address that ContextFields will report.
func WithUserIP(ctx context.Context, ip string) context.Context {
	return context.WithValue(ctx, userIPKey, ip)
}

// ContextFields extracts tracing information from ctx as log fields.
// It returns nil when ctx carries none.
func ContextFields(ctx context.Context) map[string]any {
	if ctx == nil {
		return nil
	}
	var fields map[string]any
	for _, k := range []ctxKey{requestIDKey, traceIDKey, userIPKey} {
		if v, ok := ctx.Value(k).(string); ok && v != "" {
			if fields == nil {
				fields = make(map[string]any, 3)
			}
			fields[string(k)] = v
		}
	}
	return fields
}
