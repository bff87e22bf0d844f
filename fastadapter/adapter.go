// Package fastadapter runs the dispatcher behind a fasthttp server.
package fastadapter

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/advdv/bdispatch"
	"github.com/cockroachdb/errors"
	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

// Adapter keeps one dispatch session per fasthttp connection.
type Adapter struct {
	d    *bdispatch.Dispatcher
	logs *zap.Logger
	ids  atomic.Uint64

	mu    sync.Mutex
	conns map[net.Conn]*fastConn
}

// New inits the adapter.
func New(d *bdispatch.Dispatcher, logs *zap.Logger) *Adapter {
	if logs == nil {
		logs = zap.NewNop()
	}

	return &Adapter{d: d, logs: logs.Named("fastadapter"), conns: map[net.Conn]*fastConn{}}
}

// Config holds the server limits that fasthttp enforces itself.
type Config struct {
	IdleTimeout      time.Duration
	ReadTimeout      time.Duration
	MaxContentLength int64
	Workers          int
	Name             string
}

// Server builds a fasthttp server that dispatches through the adapter. Body limits, 100-continue and idle
// connections are handled by fasthttp.
func (a *Adapter) Server(cfg Config) *fasthttp.Server {
	return &fasthttp.Server{
		Handler:            a.Handle,
		ConnState:          a.ConnState,
		Name:               cfg.Name,
		IdleTimeout:        cfg.IdleTimeout,
		ReadTimeout:        cfg.ReadTimeout,
		MaxRequestBodySize: int(cfg.MaxContentLength),
		Concurrency:        cfg.Workers,
		CloseOnShutdown:    true,
	}
}

// ConnState ends the session when fasthttp is done with a connection.
func (a *Adapter) ConnState(nc net.Conn, st fasthttp.ConnState) {
	if st != fasthttp.StateClosed && st != fasthttp.StateHijacked {
		return
	}

	a.mu.Lock()
	c, ok := a.conns[nc]
	delete(a.conns, nc)
	a.mu.Unlock()

	if ok {
		c.sess.Disconnected()
	}
}

// Handle is the fasthttp request handler.
func (a *Adapter) Handle(ctx *fasthttp.RequestCtx) {
	c := a.session(ctx)

	raw, err := convert(ctx)
	if err != nil {
		a.logs.Debug("failed to convert request", zap.Error(err))
		ctx.SetStatusCode(fasthttp.StatusBadRequest)
		ctx.SetConnectionClose()
		return
	}

	c.begin(ctx)
	defer c.finish()

	// the body must outlive fasthttp's buffer reuse
	body := append([]byte(nil), ctx.PostBody()...)
	c.sess.Handle(context.Background(), &bdispatch.Message{Request: raw, Body: body})
}

func (a *Adapter) session(ctx *fasthttp.RequestCtx) *fastConn {
	nc := ctx.Conn()

	a.mu.Lock()
	defer a.mu.Unlock()

	if c, ok := a.conns[nc]; ok {
		return c
	}

	c := &fastConn{id: "f" + strconv.FormatUint(a.ids.Add(1), 10), addr: ctx.RemoteAddr()}
	c.sess = a.d.NewSession(c)
	if nc != nil {
		a.conns[nc] = c
	}

	return c
}

// convert builds a net/http request from the fasthttp one. The Expect header is dropped because fasthttp
// already answered it.
func convert(ctx *fasthttp.RequestCtx) (*http.Request, error) {
	rURL, err := url.ParseRequestURI(string(ctx.RequestURI()))
	if err != nil {
		return nil, errors.Wrap(err, "parse request uri")
	}

	r := &http.Request{
		Method:     string(ctx.Method()),
		URL:        rURL,
		Proto:      "HTTP/1.1",
		ProtoMajor: 1,
		ProtoMinor: 1,
		Header:     http.Header{},
		Host:       string(ctx.Host()),
		RequestURI: string(ctx.RequestURI()),
		RemoteAddr: ctx.RemoteAddr().String(),
	}

	if !ctx.Request.Header.IsHTTP11() {
		r.Proto, r.ProtoMinor = "HTTP/1.0", 0
	}

	ctx.Request.Header.VisitAll(func(k, v []byte) {
		key := string(k)
		if key == "Expect" || key == "Host" {
			return
		}

		r.Header.Add(key, string(v))
	})

	return r.WithContext(context.Background()), nil
}

// fastConn is the dispatcher's view of a fasthttp connection. Writes go to the request that is currently
// being served.
type fastConn struct {
	id   string
	addr net.Addr
	sess *bdispatch.Session

	mu     sync.Mutex
	cur    *fasthttp.RequestCtx
	closed bool
}

func (c *fastConn) ID() string           { return c.id }
func (c *fastConn) RemoteAddr() net.Addr { return c.addr }

func (c *fastConn) begin(ctx *fasthttp.RequestCtx) {
	c.mu.Lock()
	c.cur = ctx
	c.mu.Unlock()
}

func (c *fastConn) finish() {
	c.mu.Lock()
	c.cur = nil
	c.mu.Unlock()
}

func (c *fastConn) Write(w *bdispatch.Wire) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed || c.cur == nil {
		return errors.Wrap(net.ErrClosed, "write response")
	}

	if w.Interim {
		return nil
	}

	resp := &c.cur.Response
	for k, vs := range w.Header {
		switch http.CanonicalHeaderKey(k) {
		case "Content-Length":
			continue
		case "Content-Type":
			resp.Header.SetContentType(vs[0])
			continue
		}

		for _, v := range vs {
			resp.Header.Add(k, v)
		}
	}

	resp.SetStatusCode(w.Status)
	resp.SetBody(w.Body)

	if w.Close {
		c.cur.SetConnectionClose()
	}

	return nil
}

// Close makes fasthttp close the connection after the current response.
func (c *fastConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed = true
	if c.cur != nil {
		c.cur.SetConnectionClose()
	}

	return nil
}
