package app

import (
	"context"
	"net"
	"net/http"

	"github.com/advdv/bdispatch"
	"github.com/advdv/bdispatch/config"
	"github.com/advdv/bdispatch/httpadapter"
	"github.com/advdv/bdispatch/metrics"
	"github.com/advdv/bdispatch/route"
	"github.com/advdv/bdispatch/transport"
	"github.com/cockroachdb/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/samber/lo"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

// ServerConfig holds optional configuration for the admin server.
type ServerConfig struct {
	HealthHandler http.HandlerFunc
}

// NewRegistry creates the prometheus registry with the go and process collectors registered.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return reg
}

// NewCollector creates the dispatch metrics and registers them.
func NewCollector(reg *prometheus.Registry) (*metrics.Collector, error) {
	col := metrics.New("bdispatch")
	if err := reg.Register(col); err != nil {
		return nil, errors.Wrap(err, "register dispatch metrics")
	}

	return col, nil
}

// DispatcherParams holds the dependencies of the dispatcher.
type DispatcherParams struct {
	fx.In

	Config     config.Config
	Table      *route.Table
	Logger     *zap.Logger
	TracerProv trace.TracerProvider
	Propagator propagation.TextMapPropagator
	Collector  *metrics.Collector
	Mapper     bdispatch.ExceptionMapper `optional:"true"`
}

// NewDispatcher creates the dispatcher that resolves through the route table.
func NewDispatcher(p DispatcherParams) *bdispatch.Dispatcher {
	return bdispatch.NewDispatcher(p.Table, p.Mapper,
		bdispatch.WithZapLogger(p.Logger),
		bdispatch.WithTracerProvider(p.TracerProv),
		bdispatch.WithPropagator(p.Propagator),
		bdispatch.WithObserver(p.Collector),
		bdispatch.WithBlockedPaths(p.Config.BlockedPaths...),
		bdispatch.WithMultipartMemory(p.Config.MultipartMemory),
	)
}

// NewTransport creates the TCP server, loading the TLS key pair when one is configured.
func NewTransport(cfg config.Config, d *bdispatch.Dispatcher, logs *zap.Logger) (*transport.Server, error) {
	tcfg := transport.Config{
		Addr:              cfg.Addr(),
		IdleTimeout:       cfg.IdleTimeout,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		MaxContentLength:  cfg.MaxContentLength,
		Workers:           cfg.Workers,
	}

	if cfg.TLS() {
		tlsCfg, err := transport.LoadTLS(cfg.TLSCertFile, cfg.TLSKeyFile)
		if err != nil {
			return nil, err
		}

		tcfg.TLSConfig = tlsCfg
	}

	return transport.New(d, tcfg, logs), nil
}

// AdminServer serves /metrics and /healthz next to the dispatch server.
type AdminServer struct {
	srv  *http.Server
	addr string

	ln net.Listener
}

// NewAdminServer creates the admin server. It returns nil when no metrics address is configured.
func NewAdminServer(
	cfg config.Config,
	scfg ServerConfig,
	reg *prometheus.Registry,
	tp trace.TracerProvider,
	prop propagation.TextMapPropagator,
) *AdminServer {
	if cfg.MetricsAddr == "" {
		return nil
	}

	health := scfg.HealthHandler
	if health == nil {
		health = defaultHealthHandler
	}

	mux := http.NewServeMux()
	mux.Handle("GET /metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	mux.HandleFunc("GET /healthz", health)

	return &AdminServer{
		addr: cfg.MetricsAddr,
		srv: &http.Server{
			Handler:           httpadapter.Instrument(mux, tp, prop, cfg.ServiceName+"-admin", "/healthz"),
			ReadHeaderTimeout: cfg.ReadHeaderTimeout,
			IdleTimeout:       cfg.IdleTimeout,
		},
	}
}

// Addr returns the address the admin server listens on once started.
func (s *AdminServer) Addr() net.Addr {
	if s.ln == nil {
		return nil
	}

	return s.ln.Addr()
}

type hookParams struct {
	fx.In

	Lifecycle fx.Lifecycle
	Config    config.Config
	Logger    *zap.Logger
	Table     *route.Table
	Transport *transport.Server
	Admin     *AdminServer
}

// startServerHooks registers lifecycle hooks for the dispatch and admin servers. Listening happens in OnStart
// so that a taken port fails the start.
func startServerHooks(p hookParams) {
	p.Lifecycle.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", p.Config.Addr())
			if err != nil {
				return errors.Wrapf(err, "listen on %q", p.Config.Addr())
			}

			p.Logger.Info("starting dispatch server",
				zap.Stringer("addr", ln.Addr()),
				zap.Bool("tls", p.Config.TLS()),
				zap.Duration("idle_timeout", p.Config.IdleTimeout),
				zap.Int64("max_content_length", p.Config.MaxContentLength),
				zap.Int("workers", p.Config.Workers),
				zap.Strings("routes", lo.Map(p.Table.Routes(), func(r route.Info, _ int) string {
					return r.Pattern
				})))

			go func() {
				if err := p.Transport.Serve(ln); err != nil && !errors.Is(err, transport.ErrServerClosed) {
					p.Logger.Error("dispatch server error", zap.Error(err))
				}
			}()

			return nil
		},
		OnStop: func(ctx context.Context) error {
			p.Logger.Info("stopping dispatch server")
			return p.Transport.Shutdown(ctx)
		},
	})

	if p.Admin == nil {
		return
	}

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ln, err := net.Listen("tcp", p.Admin.addr)
			if err != nil {
				return errors.Wrapf(err, "listen on %q", p.Admin.addr)
			}

			p.Admin.ln = ln
			p.Logger.Info("starting admin server", zap.Stringer("addr", ln.Addr()))

			go func() {
				if err := p.Admin.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					p.Logger.Error("admin server error", zap.Error(err))
				}
			}()

			return nil
		},
		OnStop: func(ctx context.Context) error {
			p.Logger.Info("stopping admin server")
			return errors.Wrap(p.Admin.srv.Shutdown(ctx), "shutdown admin server")
		},
	})
}

func defaultHealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}
