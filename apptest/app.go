// Package apptest provides test helpers for app based servers.
//
// It constructs the identical DI graph as [app.NewApp] but uses [fxtest.App] which fails the test immediately
// on DI errors.
//
// Example:
//
//	apptest.SetBaseEnv(t)
//	a := apptest.New(t, routing, app.WithFx(fx.Provide(NewHandlers)))
//	a.RequireStart()
//	t.Cleanup(a.RequireStop)
package apptest

import (
	"testing"

	"github.com/advdv/bdispatch/app"
	"github.com/advdv/bdispatch/transport"
	"go.uber.org/fx"
	"go.uber.org/fx/fxtest"
)

// App embeds *fxtest.App and knows where the started servers listen.
type App struct {
	*fxtest.App

	transport *transport.Server
	admin     *app.AdminServer
}

// New creates a test app with the same DI graph as [app.NewApp].
func New(t testing.TB, routing any, opts ...app.Option) *App {
	a := &App{}
	opts = append(opts, app.WithFx(fx.Populate(&a.transport, &a.admin)))
	a.App = fxtest.New(t, app.FxOptions(routing, opts...)...)

	return a
}

// URL is the base url of the dispatch server. Only valid after start.
func (a *App) URL() string {
	return "http://" + a.transport.Addr().String()
}

// AdminURL is the base url of the admin server. Only valid after start.
func (a *App) AdminURL() string {
	return "http://" + a.admin.Addr().String()
}
