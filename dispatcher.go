package bdispatch

import (
	"context"
	"net/http"
	"runtime/debug"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// DefaultBlockedPath is answered with a bare 404 unless other blocked paths are configured.
const DefaultBlockedPath = "/favicon.ico"

const tracerName = "github.com/advdv/bdispatch"

// Dispatcher runs request cycles for the connections of one server. It holds no per-cycle state and is safe
// for concurrent use by many sessions.
type Dispatcher struct {
	resolver   Resolver
	mapper     ExceptionMapper
	logs       Logger
	zlog       *zap.Logger
	tracer     trace.Tracer
	propagator propagation.TextMapPropagator
	observer   Observer
	blocked    map[string]struct{}
	newID      func() string
	maxMemory  int64
}

// Option configures a [Dispatcher].
type Option func(*Dispatcher)

// WithLogger sets the hook that is informed about not-found routes, mapper failures and the like.
func WithLogger(l Logger) Option { return func(d *Dispatcher) { d.logs = l } }

// WithZapLogger sets the logger that request-scoped loggers are derived from. Unless [WithLogger] is also
// given, the hook logs to it as well.
func WithZapLogger(l *zap.Logger) Option { return func(d *Dispatcher) { d.zlog = l } }

// WithTracerProvider sets where cycle spans are created.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(d *Dispatcher) { d.tracer = tp.Tracer(tracerName) }
}

// WithPropagator sets how the parent span is extracted from request headers.
func WithPropagator(p propagation.TextMapPropagator) Option {
	return func(d *Dispatcher) { d.propagator = p }
}

// WithObserver sets the observer that is told about every finished cycle.
func WithObserver(o Observer) Option { return func(d *Dispatcher) { d.observer = o } }

// WithBlockedPaths replaces the set of paths that are answered with a bare 404.
func WithBlockedPaths(paths ...string) Option {
	return func(d *Dispatcher) {
		d.blocked = make(map[string]struct{}, len(paths))
		for _, p := range paths {
			d.blocked[p] = struct{}{}
		}
	}
}

// WithRequestIDGenerator replaces the uuid based request id generator.
func WithRequestIDGenerator(f func() string) Option { return func(d *Dispatcher) { d.newID = f } }

// WithMultipartMemory sets how many bytes of a multipart body are held in memory.
func WithMultipartMemory(n int64) Option { return func(d *Dispatcher) { d.maxMemory = n } }

// NewDispatcher inits a dispatcher that routes with resolver and turns failures into responses with mapper.
// A nil mapper means [DefaultExceptionMapper].
func NewDispatcher(resolver Resolver, mapper ExceptionMapper, opts ...Option) *Dispatcher {
	if mapper == nil {
		mapper = DefaultExceptionMapper{}
	}

	d := &Dispatcher{
		resolver:   resolver,
		mapper:     mapper,
		zlog:       zap.NewNop(),
		tracer:     otel.GetTracerProvider().Tracer(tracerName),
		propagator: otel.GetTextMapPropagator(),
		observer:   nopObserver{},
		blocked:    map[string]struct{}{DefaultBlockedPath: {}},
		newID:      uuid.NewString,
		maxMemory:  DefaultMultipartMemory,
	}

	for _, o := range opts {
		o(d)
	}

	if d.logs == nil {
		d.logs = NewZapLogger(d.zlog)
	}

	return d
}

// NewSession starts serving conn. The transport must call the session's methods from a single goroutine,
// except for Idle and Disconnected which may be called from anywhere.
func (d *Dispatcher) NewSession(conn Conn) *Session {
	return &Session{d: d, conn: conn}
}

func (d *Dispatcher) isBlocked(path string) bool {
	_, ok := d.blocked[path]
	return ok
}

// process runs the cycle up to the point where a response exists. Errors and panics are left to the caller.
func (d *Dispatcher) process(c *cycle, msg *Message) (Outcome, error) {
	req, err := newRequest(c.ctx, d.newID(), msg, c.peer, d.maxMemory)
	c.setRequest(req)

	c.ctx = withCorrelation(c.ctx, d.zlog, req.ID())
	req.ctx = c.ctx

	if err != nil {
		return "", err
	}

	if req.Method() == http.MethodOptions {
		c.resp = preflightResponse(req.ID())
		return OutcomePreflight, nil
	}

	bundle, ok := d.resolver.Resolve(req)
	if !ok {
		d.logs.LogRouteNotFound(c.ctx, req.Method(), req.Path())
		return OutcomeNotFound, nil
	}

	c.route = bundle.Route
	c.resp = NewResponse(req.ID())

	for _, ic := range bundle.Interceptors {
		cont, err := ic.PreHandle(req, c.resp)
		if err != nil {
			return "", err
		}

		if !cont {
			return OutcomeStopped, nil
		}
	}

	supported, err := invokeTarget(bundle.Target, req, c.resp)
	if err != nil {
		return "", err
	}

	if !supported {
		d.logs.LogUnsupportedTarget(c.ctx, bundle.Route)
	}

	for i := len(bundle.Interceptors) - 1; i >= 0; i-- {
		if err := bundle.Interceptors[i].PostHandle(req, c.resp); err != nil {
			return "", err
		}
	}

	return OutcomeHandled, nil
}

func invoke(t Target, req *Request, resp *Response) error {
	if t == nil {
		return ErrUnsupportedTarget
	}

	return t.Invoke(req, resp)
}

// invokeTarget reports a target that cannot be invoked separately from the errors it returns. Only the bare
// [ErrUnsupportedTarget] counts; a handler error that wraps it is mapped like any other.
func invokeTarget(t Target, req *Request, resp *Response) (supported bool, err error) {
	err = invoke(t, req, resp)
	if err == ErrUnsupportedTarget { //nolint:errorlint
		return false, nil
	}

	return true, err
}

// mapFailure asks the exception mapper for a response. When the mapper fails the fixed failure response is
// used instead.
func (d *Dispatcher) mapFailure(c *cycle, cause error) (*Wire, Outcome) {
	Log(c.ctx).Debug("mapping cycle failure", zap.Error(cause))
	c.span.RecordError(cause)

	var mapped *Response
	err := protect(func() (err error) {
		mapped, err = d.mapper.Map(c.request(), c.resp, cause)
		return err
	})
	if err == nil && mapped == nil {
		err = errors.New("exception mapper returned no response")
	}

	if err != nil {
		d.logs.LogMapperFailure(c.ctx, cause, err)
		return failureWire(err.Error()), OutcomeMapperFailed
	}

	c.mapped = mapped
	return assemble(c.ctx, mapped), OutcomeMapped
}

// protect runs fn and turns a panic into a [*PanicError].
func protect(fn func() error) (err error) {
	defer func() {
		if v := recover(); v != nil {
			err = &PanicError{Value: v, Stack: debug.Stack()}
		}
	}()

	return fn()
}

func preflightResponse(requestID string) *Response {
	resp := NewResponse(requestID)
	resp.SetStatus(http.StatusCreated)
	resp.SetContentTypeJSON()
	resp.SetResult(`{"status":201,"msg":"ok"}`)

	return resp
}

// startSpan begins the span that covers one cycle, continuing a trace carried in the request headers.
func (d *Dispatcher) startSpan(ctx context.Context, raw *http.Request) (context.Context, trace.Span) {
	ctx = d.propagator.Extract(ctx, propagation.HeaderCarrier(raw.Header))

	return d.tracer.Start(ctx, raw.Method, trace.WithSpanKind(trace.SpanKindServer))
}
