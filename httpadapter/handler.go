// Package httpadapter runs the dispatcher behind a net/http server.
package httpadapter

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/advdv/bdispatch"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
)

// DefaultMaxContentLength caps aggregated bodies when no limit is configured.
const DefaultMaxContentLength = 10 << 20

// Handler implements http.Handler on top of a dispatcher. net/http owns the connection here, so each request
// gets its own session and the session is told about disconnects through the request context.
type Handler struct {
	d    *bdispatch.Dispatcher
	max  int64
	logs *zap.Logger
	ids  atomic.Uint64
}

// Option configures a [Handler].
type Option func(*Handler)

// WithMaxContentLength limits the aggregated body size. Larger bodies are answered with a 413.
func WithMaxContentLength(n int64) Option { return func(h *Handler) { h.max = n } }

// WithLogger sets the logger for adapter level events.
func WithLogger(l *zap.Logger) Option { return func(h *Handler) { h.logs = l } }

// New inits the handler.
func New(d *bdispatch.Dispatcher, opts ...Option) *Handler {
	h := &Handler{d: d, max: DefaultMaxContentLength, logs: zap.NewNop()}
	for _, o := range opts {
		o(h)
	}

	h.logs = h.logs.Named("httpadapter")

	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// net/http answers the expectation itself once the body is read.
	r.Header.Del("Expect")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.max))
	if err != nil {
		var mbe *http.MaxBytesError
		if errors.As(err, &mbe) {
			w.Header().Set("Connection", "close")
			w.WriteHeader(http.StatusRequestEntityTooLarge)
			return
		}

		h.logs.Debug("failed to read body", zap.Error(err))
		return
	}

	conn := &responseConn{
		id:   "h" + strconv.FormatUint(h.ids.Add(1), 10),
		w:    w,
		addr: remoteAddr(r.RemoteAddr),
	}

	sess := h.d.NewSession(conn)
	stop := context.AfterFunc(r.Context(), sess.Disconnected)
	defer stop()

	sess.Handle(r.Context(), &bdispatch.Message{Request: r, Body: body})
}

// responseConn adapts a ResponseWriter to a dispatcher connection for a single exchange.
type responseConn struct {
	id   string
	w    http.ResponseWriter
	addr net.Addr

	mu     sync.Mutex
	closed bool
}

func (c *responseConn) ID() string           { return c.id }
func (c *responseConn) RemoteAddr() net.Addr { return c.addr }

func (c *responseConn) Write(w *bdispatch.Wire) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errors.Wrap(net.ErrClosed, "write response")
	}

	hdr := c.w.Header()
	for k, vs := range w.Header {
		hdr[k] = append([]string(nil), vs...)
	}

	if w.Interim {
		c.w.WriteHeader(w.Status)
		return nil
	}

	if w.Close {
		hdr.Set("Connection", "close")
		c.closed = true
	}

	c.w.WriteHeader(w.Status)
	if _, err := c.w.Write(w.Body); err != nil {
		return errors.Wrap(err, "write body")
	}

	return nil
}

// Close only stops further writes; net/http closes the socket on its own schedule.
func (c *responseConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true

	return nil
}

// remoteAddr parses the "host:port" form net/http reports. Anything unparsable is kept verbatim.
func remoteAddr(s string) net.Addr {
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return net.TCPAddrFromAddrPort(ap)
	}

	return rawAddr(s)
}

type rawAddr string

func (a rawAddr) Network() string { return "tcp" }
func (a rawAddr) String() string  { return string(a) }
