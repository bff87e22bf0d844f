// Package app assembles a dispatch server with fx: configuration, logging, tracing, metrics, the route table,
// the dispatcher and the TCP transport.
package app

import (
	"context"
	"net/http"

	"github.com/advdv/bdispatch"
	"github.com/advdv/bdispatch/config"
	"github.com/advdv/bdispatch/route"
	"go.uber.org/fx"
)

// App wraps an fx.App for lifecycle management.
type App struct {
	app *fx.App
}

// AppConfig holds configuration for the app.
type AppConfig struct {
	ServerConfig
	FxOptions []fx.Option
}

// Option configures the App.
type Option func(*AppConfig)

// WithFx adds fx options for dependency injection.
func WithFx(fxOpts ...fx.Option) Option {
	return func(c *AppConfig) {
		c.FxOptions = append(c.FxOptions, fxOpts...)
	}
}

// WithHealthHandler sets the handler behind /healthz on the admin server. If not set, a handler returning
// 200 OK is used.
func WithHealthHandler(h http.HandlerFunc) Option {
	return func(c *AppConfig) {
		c.HealthHandler = h
	}
}

// WithExceptionMapper replaces the [bdispatch.DefaultExceptionMapper].
func WithExceptionMapper(m bdispatch.ExceptionMapper) Option {
	return func(c *AppConfig) {
		c.FxOptions = append(c.FxOptions, fx.Provide(func() bdispatch.ExceptionMapper { return m }))
	}
}

// FxOptions returns the options that make up the app's dependency graph. The routing function can request
// any provided type and at minimum takes the *route.Table.
func FxOptions(routing any, opts ...Option) []fx.Option {
	var cfg AppConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	baseOpts := make([]fx.Option, 0, 16+len(cfg.FxOptions))
	baseOpts = append(baseOpts, []fx.Option{
		fx.NopLogger,
		fx.Provide(config.Load),
		fx.Provide(NewLogger),
		fx.Provide(NewTracerProvider),
		fx.Provide(NewPropagator),
		fx.Provide(NewRegistry),
		fx.Provide(NewCollector),
		fx.Provide(route.New),
		fx.Provide(NewDispatcher),
		fx.Provide(NewTransport),
		fx.Provide(NewHTTPTransport),
		fx.Provide(NewHTTPClient),
		fx.Provide(NewRuntime),
		fx.Supply(cfg.ServerConfig),
		fx.Provide(NewAdminServer),
		fx.Invoke(routing),
		fx.Invoke(startServerHooks),
	}...)

	return append(baseOpts, cfg.FxOptions...)
}

// NewApp creates a batteries-included dispatch server.
//
// Example:
//
//	app.NewApp(func(t *route.Table, h *Handlers) {
//	    t.HandleFunc("GET /items/{id}", h.GetItem, "get-item")
//	},
//	    app.WithFx(fx.Provide(NewHandlers)),
//	).Run()
func NewApp(routing any, opts ...Option) *App {
	return &App{
		app: fx.New(FxOptions(routing, opts...)...),
	}
}

// Run starts the application and blocks until interrupted.
func (a *App) Run() {
	a.app.Run()
}

// Err returns the error that occurred while building the dependency graph, if any.
func (a *App) Err() error {
	return a.app.Err()
}

// Start starts the application and stops it once ctx is done.
func (a *App) Start(ctx context.Context) error {
	if err := a.app.Start(ctx); err != nil {
		return err //nolint:wrapcheck
	}

	<-ctx.Done()

	stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.app.StopTimeout())
	defer cancel()

	return a.app.Stop(stopCtx) //nolint:wrapcheck
}
