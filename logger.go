package bdispatch

import (
	"context"
	"log"
	"sync/atomic"
	"testing"

	"go.uber.org/zap"
)

// Logger can be implemented to get informed about important states.
type Logger interface {
	LogRouteNotFound(ctx context.Context, method, path string)
	LogUnsupportedTarget(ctx context.Context, route string)
	LogMapperFailure(ctx context.Context, cause, err error)
	LogWriteError(ctx context.Context, err error)
	LogCleanupError(ctx context.Context, err error)
}

type zapLogger struct{ *zap.Logger }

// NewZapLogger returns a [Logger] that writes to l. Messages carry the request-scoped fields when ctx
// holds them.
func NewZapLogger(l *zap.Logger) Logger {
	return zapLogger{l.Named("bdispatch")}
}

func (l zapLogger) with(ctx context.Context) *zap.Logger {
	if cl, ok := loggerFrom(ctx); ok {
		return cl.Named("bdispatch")
	}

	return l.Logger
}

func (l zapLogger) LogRouteNotFound(ctx context.Context, method, path string) {
	l.with(ctx).Info("route not found", zap.String("method", method), zap.String("path", path))
}

func (l zapLogger) LogUnsupportedTarget(ctx context.Context, route string) {
	l.with(ctx).Warn("unsupported handler target", zap.String("route", route))
}

func (l zapLogger) LogMapperFailure(ctx context.Context, cause, err error) {
	l.with(ctx).Error("exception mapper failed", zap.NamedError("cause", cause), zap.Error(err))
}

func (l zapLogger) LogWriteError(ctx context.Context, err error) {
	l.with(ctx).Error("error while writing response", zap.Error(err))
}

func (l zapLogger) LogCleanupError(ctx context.Context, err error) {
	l.with(ctx).Warn("error while cleaning up request", zap.Error(err))
}

type stdLogger struct{ *log.Logger }

func (l stdLogger) LogRouteNotFound(_ context.Context, method, path string) {
	l.Logger.Printf("bdispatch: route not found: %s %s", method, path)
}

func (l stdLogger) LogUnsupportedTarget(_ context.Context, route string) {
	l.Logger.Printf("bdispatch: unsupported handler target for route %q", route)
}

func (l stdLogger) LogMapperFailure(_ context.Context, cause, err error) {
	l.Logger.Printf("bdispatch: exception mapper failed on %q: %s", cause, err)
}

func (l stdLogger) LogWriteError(_ context.Context, err error) {
	l.Logger.Printf("bdispatch: error while writing response: %s", err)
}

func (l stdLogger) LogCleanupError(_ context.Context, err error) {
	l.Logger.Printf("bdispatch: error while cleaning up request: %s", err)
}

func NewStdLogger(l *log.Logger) Logger {
	return stdLogger{l}
}

type TestLogger struct {
	tb testing.TB

	NumLogRouteNotFound     int64
	NumLogUnsupportedTarget int64
	NumLogMapperFailure     int64
	NumLogWriteError        int64
	NumLogCleanupError      int64
}

func NewTestLogger(tb testing.TB) *TestLogger {
	return &TestLogger{tb: tb}
}

func (l *TestLogger) LogRouteNotFound(_ context.Context, method, path string) {
	atomic.AddInt64(&l.NumLogRouteNotFound, 1)
	l.tb.Logf("bdispatch: route not found: %s %s", method, path)
}

func (l *TestLogger) LogUnsupportedTarget(_ context.Context, route string) {
	atomic.AddInt64(&l.NumLogUnsupportedTarget, 1)
	l.tb.Logf("bdispatch: unsupported handler target for route %q", route)
}

func (l *TestLogger) LogMapperFailure(_ context.Context, cause, err error) {
	atomic.AddInt64(&l.NumLogMapperFailure, 1)
	l.tb.Logf("bdispatch: exception mapper failed on %q: %s", cause, err)
}

func (l *TestLogger) LogWriteError(_ context.Context, err error) {
	atomic.AddInt64(&l.NumLogWriteError, 1)
	l.tb.Logf("bdispatch: error while writing response: %s", err)
}

func (l *TestLogger) LogCleanupError(_ context.Context, err error) {
	atomic.AddInt64(&l.NumLogCleanupError, 1)
	l.tb.Logf("bdispatch: error while cleaning up request: %s", err)
}

var _ Logger = &TestLogger{}
