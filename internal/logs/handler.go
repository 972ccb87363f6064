package logs

import (
	"context"
	"log/slog"
)

type runKey struct{}

// WithRun tags every record logged with ctx by the run it belongs to.
func WithRun(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runKey{}, runID)
}

func RunFromContext(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(runKey{}).(string)
	return v, ok && v != ""
}

type Handler struct {
	slog.Handler
}

func (h *Handler) Handle(ctx context.Context, record slog.Record) error {
	if runID, ok := RunFromContext(ctx); ok {
		record.Add("run_id", runID)
	}
	return h.Handler.Handle(ctx, record)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Handler{Handler: h.Handler.WithAttrs(attrs)}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{Handler: h.Handler.WithGroup(name)}
}
