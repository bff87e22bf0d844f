package bdispatch

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Session is the dispatcher's side of one client connection. Messages are handled one at a time, in the order
// the transport delivers them.
type Session struct {
	d    *Dispatcher
	conn Conn

	mu       sync.Mutex
	inflight *cycle
	gone     bool
}

// Handle processes one inbound message. It writes at most one response to the connection and never panics;
// failures end up as responses or as calls on the dispatcher's [Logger].
func (s *Session) Handle(ctx context.Context, msg *Message) {
	if msg == nil || msg.Partial || msg.Request == nil || msg.Request.URL == nil {
		return
	}

	if s.isGone() {
		return
	}

	start := time.Now()
	raw := msg.Request

	if msg.ExpectsContinue() {
		s.write(ctx, continueWire())
		s.observe("", raw.Method, http.StatusContinue, OutcomeContinue, start)
		return
	}

	if s.d.isBlocked(raw.URL.Path) {
		s.write(ctx, emptyWire(http.StatusNotFound))
		s.observe("", raw.Method, http.StatusNotFound, OutcomeBlocked, start)
		return
	}

	c := s.begin(ctx, raw)
	defer s.end(c)

	var outcome Outcome
	err := protect(func() (err error) {
		outcome, err = s.d.process(c, msg)
		return err
	})

	var wire *Wire
	switch {
	case err != nil:
		wire, outcome = s.d.mapFailure(c, err)
	case outcome == OutcomeNotFound:
		wire = emptyWire(http.StatusNotFound)
	default:
		wire = assemble(c.ctx, c.resp)
	}

	c.span.SetAttributes(
		attribute.String("http.route", c.route),
		attribute.Int("http.response.status_code", wire.Status),
	)
	if wire.Status >= http.StatusInternalServerError {
		c.span.SetStatus(codes.Error, http.StatusText(wire.Status))
	}

	if s.isGone() {
		return
	}

	s.write(c.ctx, wire)
	s.observe(c.route, raw.Method, wire.Status, outcome, start)
}

// Idle reacts to the transport's all-idle signal by closing the connection. Nothing is written, also when a
// cycle is in flight.
func (s *Session) Idle() {
	if err := s.conn.Close(); err != nil {
		s.d.logs.LogCleanupError(context.Background(), err)
	}

	s.Disconnected()
}

// Disconnected tells the session its connection is gone. Temporary files of an in-flight request are removed
// and the cycle's context is cancelled. Later messages are ignored.
func (s *Session) Disconnected() {
	s.mu.Lock()
	c := s.inflight
	s.gone = true
	s.mu.Unlock()

	if c != nil {
		c.abort()
	}
}

func (s *Session) isGone() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.gone
}

// InFlight reports whether a cycle is running.
func (s *Session) InFlight() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.inflight != nil
}

func (s *Session) begin(ctx context.Context, raw *http.Request) *cycle {
	ctx, cancel := context.WithCancel(ctx)
	ctx, span := s.d.startSpan(ctx, raw)
	span.SetAttributes(
		attribute.String("http.request.method", raw.Method),
		attribute.String("url.path", raw.URL.Path),
	)

	c := &cycle{d: s.d, ctx: ctx, cancel: cancel, span: span, peer: s.conn.RemoteAddr()}

	s.mu.Lock()
	s.inflight = c
	s.mu.Unlock()

	return c
}

func (s *Session) end(c *cycle) {
	c.release()

	s.mu.Lock()
	if s.inflight == c {
		s.inflight = nil
	}
	s.mu.Unlock()
}

func (s *Session) write(ctx context.Context, w *Wire) {
	if err := s.conn.Write(w); err != nil {
		s.d.logs.LogWriteError(ctx, err)
	}
}

func (s *Session) observe(route, method string, status int, outcome Outcome, start time.Time) {
	s.d.observer.ObserveCycle(CycleInfo{
		Route:    route,
		Method:   method,
		Status:   status,
		Outcome:  outcome,
		Duration: time.Since(start),
	})
}

// cycle carries the state of one request through the dispatcher. Only req is shared with other goroutines,
// through abort.
type cycle struct {
	d      *Dispatcher
	ctx    context.Context
	cancel context.CancelFunc
	span   trace.Span
	peer   net.Addr
	route  string
	resp   *Response
	mapped *Response

	mu   sync.Mutex
	req  *Request
	once sync.Once
}

func (c *cycle) setRequest(r *Request) {
	c.mu.Lock()
	c.req = r
	c.mu.Unlock()
}

func (c *cycle) request() *Request {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.req
}

// abort is the disconnect path: best-effort file cleanup and cancellation. The cycle goroutine still runs
// release when it returns.
func (c *cycle) abort() {
	if req := c.request(); req != nil {
		if err := req.CleanFiles(); err != nil {
			c.d.logs.LogCleanupError(context.Background(), err)
		}
	}

	c.cancel()
}

// release frees everything the cycle holds. Only the first call has an effect.
func (c *cycle) release() {
	c.once.Do(func() {
		if c.resp != nil {
			c.resp.Close()
		}

		if c.mapped != nil && c.mapped != c.resp {
			c.mapped.Close()
		}

		if req := c.request(); req != nil {
			if err := req.Destroy(); err != nil {
				c.d.logs.LogCleanupError(c.ctx, err)
			}
		}

		c.span.End()
		c.cancel()
	})
}
