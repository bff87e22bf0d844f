package app

import (
	"net/http"

	"github.com/advdv/bdispatch/config"
	"github.com/advdv/bdispatch/route"
	"github.com/carlmjohnson/requests"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
)

// Runtime provides access to app-scoped dependencies. Inject it into handler constructors via fx instead of
// pulling from context.
//
// Example:
//
//	func NewHandlers(rt *app.Runtime) *Handlers {
//	    return &Handlers{rt: rt}
//	}
//
//	func (h *Handlers) Create(req *bdispatch.Request, resp *bdispatch.Response) error {
//	    loc, _ := h.rt.Reverse("get-item", id)
//	    resp.Header().Set("Location", loc)
//	    // ...
//	}
type Runtime struct {
	cfg       config.Config
	table     *route.Table
	transport http.RoundTripper
}

// NewRuntime creates a new Runtime with the given dependencies.
func NewRuntime(cfg config.Config, table *route.Table, transport http.RoundTripper) *Runtime {
	return &Runtime{cfg: cfg, table: table, transport: transport}
}

// Config returns the loaded configuration.
func (r *Runtime) Config() config.Config {
	return r.cfg
}

// Reverse returns the path for a named route with the given values.
func (r *Runtime) Reverse(name string, vals ...string) (string, error) {
	return r.table.Reverse(name, vals...)
}

// NewRequest returns a fresh [requests.Builder] that sends through the traced transport.
func (r *Runtime) NewRequest() *requests.Builder {
	return requests.New().Transport(r.transport)
}

// NewHTTPTransport creates an HTTP RoundTripper instrumented with OpenTelemetry tracing.
func NewHTTPTransport(tp trace.TracerProvider, prop propagation.TextMapPropagator) http.RoundTripper {
	return otelhttp.NewTransport(http.DefaultTransport,
		otelhttp.WithTracerProvider(tp),
		otelhttp.WithPropagators(prop),
	)
}

// NewHTTPClient creates an *http.Client that uses the instrumented transport.
func NewHTTPClient(t http.RoundTripper) *http.Client {
	return &http.Client{Transport: t}
}
