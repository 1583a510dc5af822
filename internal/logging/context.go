// Package logging carries run correlation fields through context.Context
// into slog records.
package logging

import (
	"context"
	"log/slog"
)

type ctxKey int

const (
	runIDKey ctxKey = iota
	definitionKey
	subjectKey
	stepKey
)

// WithRunID returns a context with the run ID set.
func WithRunID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, runIDKey, id)
}

// WithDefinition returns a context with the definition code set.
func WithDefinition(ctx context.Context, code string) context.Context {
	return context.WithValue(ctx, definitionKey, code)
}

// WithSubject returns a context with the subject ("kind:id") set.
func WithSubject(ctx context.Context, subject string) context.Context {
	return context.WithValue(ctx, subjectKey, subject)
}

// WithStep returns a context with the 1-based step ordinal set.
func WithStep(ctx context.Context, ordinal int) context.Context {
	return context.WithValue(ctx, stepKey, ordinal)
}

// RunID extracts the run ID from the context, or "" if absent.
func RunID(ctx context.Context) string {
	v, _ := ctx.Value(runIDKey).(string)
	return v
}

// Definition extracts the definition code from the context, or "".
func Definition(ctx context.Context) string {
	v, _ := ctx.Value(definitionKey).(string)
	return v
}

// Subject extracts the subject from the context, or "".
func Subject(ctx context.Context) string {
	v, _ := ctx.Value(subjectKey).(string)
	return v
}

// Step extracts the step ordinal from the context, or 0.
func Step(ctx context.Context) int {
	v, _ := ctx.Value(stepKey).(int)
	return v
}

// WithRun sets run, definition and subject on the context at once.
func WithRun(ctx context.Context, runID, definition, subject string) context.Context {
	ctx = WithRunID(ctx, runID)
	ctx = WithDefinition(ctx, definition)
	ctx = WithSubject(ctx, subject)
	return ctx
}

func attrs(ctx context.Context) []slog.Attr {
	var out []slog.Attr
	if v := RunID(ctx); v != "" {
		out = append(out, slog.String("run_id", v))
	}
	if v := Definition(ctx); v != "" {
		out = append(out, slog.String("definition", v))
	}
	if v := Subject(ctx); v != "" {
		out = append(out, slog.String("subject", v))
	}
	if v := Step(ctx); v > 0 {
		out = append(out, slog.Int("step", v))
	}
	return out
}

// LogWith returns a logger enriched with correlation fields from the context.
// Only non-empty values are added as attributes.
func LogWith(ctx context.Context, logger *slog.Logger) *slog.Logger {
	for _, a := range attrs(ctx) {
		logger = logger.With(a)
	}
	return logger
}

// CorrelationHandler wraps an slog.Handler, injecting correlation fields
// from the context into every record.
// Use with slog.New(NewCorrelationHandler(inner)) so callers can use
// logger.InfoContext(ctx, ...) and the fields appear automatically.
type CorrelationHandler struct {
	inner slog.Handler
}

// NewCorrelationHandler wraps the given handler.
func NewCorrelationHandler(inner slog.Handler) *CorrelationHandler {
	return &CorrelationHandler{inner: inner}
}

func (h *CorrelationHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *CorrelationHandler) Handle(ctx context.Context, r slog.Record) error {
	r.AddAttrs(attrs(ctx)...)
	return h.inner.Handle(ctx, r)
}

func (h *CorrelationHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithAttrs(attrs)}
}

func (h *CorrelationHandler) WithGroup(name string) slog.Handler {
	return &CorrelationHandler{inner: h.inner.WithGroup(name)}
}
