package apptest

import (
	"strconv"
	"strings"
	"testing"
	"time"
)

// Env provides a chainable builder for setting config env vars via t.Setenv. Create one with [SetBaseEnv].
type Env struct {
	t testing.TB
}

// SetBaseEnv points both servers at ephemeral loopback ports and keeps logging and tracing quiet.
//
// Defaults:
//   - DISPATCH_HOST: "127.0.0.1"
//   - DISPATCH_PORT: "0"
//   - DISPATCH_METRICS_ADDR: "127.0.0.1:0"
//   - DISPATCH_SERVICE_NAME: "test"
//   - DISPATCH_LOG_LEVEL: "error"
//   - DISPATCH_OTEL_EXPORTER: "none"
//
// Use the returned [Env] to override individual values:
//
//	apptest.SetBaseEnv(t).MaxContentLength(16).BlockedPaths("/robots.txt")
func SetBaseEnv(t testing.TB) *Env {
	t.Helper()
	t.Setenv("DISPATCH_CONFIG_FILE", "")
	t.Setenv("DISPATCH_HOST", "127.0.0.1")
	t.Setenv("DISPATCH_PORT", "0")
	t.Setenv("DISPATCH_METRICS_ADDR", "127.0.0.1:0")
	t.Setenv("DISPATCH_SERVICE_NAME", "test")
	t.Setenv("DISPATCH_LOG_LEVEL", "error")
	t.Setenv("DISPATCH_OTEL_EXPORTER", "none")
	return &Env{t: t}
}

// ServiceName overrides DISPATCH_SERVICE_NAME.
func (e *Env) ServiceName(name string) *Env {
	e.t.Helper()
	e.t.Setenv("DISPATCH_SERVICE_NAME", name)
	return e
}

// MaxContentLength overrides DISPATCH_MAX_CONTENT_LENGTH.
func (e *Env) MaxContentLength(n int64) *Env {
	e.t.Helper()
	e.t.Setenv("DISPATCH_MAX_CONTENT_LENGTH", strconv.FormatInt(n, 10))
	return e
}

// IdleTimeout overrides DISPATCH_IDLE_TIMEOUT.
func (e *Env) IdleTimeout(d time.Duration) *Env {
	e.t.Helper()
	e.t.Setenv("DISPATCH_IDLE_TIMEOUT", d.String())
	return e
}

// BlockedPaths overrides DISPATCH_BLOCKED_PATHS.
func (e *Env) BlockedPaths(paths ...string) *Env {
	e.t.Helper()
	e.t.Setenv("DISPATCH_BLOCKED_PATHS", strings.Join(paths, ","))
	return e
}

// Workers overrides DISPATCH_WORKERS.
func (e *Env) Workers(n int) *Env {
	e.t.Helper()
	e.t.Setenv("DISPATCH_WORKERS", strconv.Itoa(n))
	return e
}
