package logging

import (
	"context"
	"log/slog"
)

// Fields are the correlation values carried on a context. Empty fields are not logged.
type Fields struct {
	SessionKey string
	RequestID  string
	UserID     string
	Node       string
}

type fieldsKey struct{}

// FromContext returns the correlation fields set on ctx.
func FromContext(ctx context.Context) Fields {
	f, _ := ctx.Value(fieldsKey{}).(Fields)
	return f
}

func with(ctx context.Context, set func(*Fields)) context.Context {
	f := FromContext(ctx)
	set(&f)
	return context.WithValue(ctx, fieldsKey{}, f)
}

func WithSessionKey(ctx context.Context, key string) context.Context {
	return with(ctx, func(f *Fields) { f.SessionKey = key })
}

func WithRequestID(ctx context.Context, id string) context.Context {
	return with(ctx, func(f *Fields) { f.RequestID = id })
}

func WithUser(ctx context.Context, userID string) context.Context {
	return with(ctx, func(f *Fields) { f.UserID = userID })
}

// WithNode records the graph node being executed.
func WithNode(ctx context.Context, node string) context.Context {
	return with(ctx, func(f *Fields) { f.Node = node })
}

// WithIDs sets the session key and request ID in one step.
func WithIDs(ctx context.Context, sessionKey, requestID string) context.Context {
	return with(ctx, func(f *Fields) {
		f.SessionKey = sessionKey
		f.RequestID = requestID
	})
}

func SessionKey(ctx context.Context) string { return FromContext(ctx).SessionKey }
func RequestID(ctx context.Context) string  { return FromContext(ctx).RequestID }
func Node(ctx context.Context) string       { return FromContext(ctx).Node }

// Attrs returns the non-empty fields as log attributes.
func (f Fields) Attrs() []slog.Attr {
	attrs := make([]slog.Attr, 0, 4)
	for _, kv := range [...]struct{ k, v string }{
		{"session_key", f.SessionKey},
		{"request_id", f.RequestID},
		{"user_id", f.UserID},
		{"node", f.Node},
	} {
		if kv.v != "" {
			attrs = append(attrs, slog.String(kv.k, kv.v))
		}
	}
	return attrs
}

// LogWith returns logger with ctx's correlation fields attached. Prefer a logger built on
// CorrelationHandler where the *Context logging methods are available.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	attrs := FromContext(ctx).Attrs()
	if len(attrs) == 0 {
		return logger
	}
	args := make([]any, len(attrs))
	for i, a := range attrs {
		args[i] = a
	}
	return logger.With(args...)
}

// CorrelationHandler adds the context's correlation fields to every record.
type CorrelationHandler struct {
	inner slog.Handler
}

func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(FromContext(ctx).Attrs()...)
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return NewCorrelationHandler(h.inner.WithAttrs(attrs))
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return NewCorrelationHandler(h.inner.WithGroup(name))
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
