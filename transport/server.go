// Package transport serves HTTP/1.x over TCP and hands every aggregated message to a dispatch session.
package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/advdv/bdispatch"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

var (
	// ErrServerClosed is returned by Serve after Shutdown was called.
	ErrServerClosed = errors.New("transport: server closed")

	// ErrServing is returned by Serve when the server is already serving a listener.
	ErrServing = errors.New("transport: server already serving")
)

// SessionFactory starts a dispatch session for a new connection. [*bdispatch.Dispatcher] implements it.
type SessionFactory interface {
	NewSession(conn bdispatch.Conn) *bdispatch.Session
}

// Config configures a [Server].
type Config struct {
	Addr string

	// IdleTimeout closes a connection that saw no reads or writes for this long.
	IdleTimeout time.Duration

	// ReadHeaderTimeout bounds reading a request head. Zero means no limit.
	ReadHeaderTimeout time.Duration

	// MaxContentLength is the largest body that is aggregated. Larger requests get a 413.
	MaxContentLength int64

	// Workers bounds how many connections are served at once.
	Workers int

	// TLSConfig turns on TLS when set.
	TLSConfig *tls.Config
}

// Server accepts connections and runs one session per connection.
type Server struct {
	cfg   Config
	sf    SessionFactory
	logs  *zap.Logger
	sem   *semaphore.Weighted
	ids   atomic.Uint64
	ctx   context.Context
	stop  context.CancelFunc
	wg    sync.WaitGroup
	ready chan struct{}
	once  sync.Once

	mu       sync.Mutex
	ln       net.Listener
	conns    map[*conn]struct{}
	shutdown bool
}

// New inits a server. Zero values in cfg fall back to the package defaults.
func New(sf SessionFactory, cfg Config, logs *zap.Logger) *Server {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 60 * time.Second
	}

	if cfg.MaxContentLength <= 0 {
		cfg.MaxContentLength = 10 << 20
	}

	if cfg.Workers <= 0 {
		cfg.Workers = 2 * runtime.NumCPU()
	}

	if logs == nil {
		logs = zap.NewNop()
	}

	ctx, stop := context.WithCancel(context.Background())

	return &Server{
		cfg:   cfg,
		sf:    sf,
		logs:  logs.Named("transport"),
		sem:   semaphore.NewWeighted(int64(cfg.Workers)),
		ctx:   ctx,
		stop:  stop,
		ready: make(chan struct{}),
		conns: map[*conn]struct{}{},
	}
}

// ListenAndServe listens on the configured address and serves until Shutdown.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return errors.Wrapf(err, "listen on %q", s.cfg.Addr)
	}

	return s.Serve(ln)
}

// Serve accepts connections on ln until Shutdown. It always returns a non-nil error.
func (s *Server) Serve(ln net.Listener) error {
	if s.cfg.TLSConfig != nil {
		ln = tls.NewListener(ln, s.cfg.TLSConfig)
	}

	s.mu.Lock()
	if s.shutdown {
		s.mu.Unlock()
		ln.Close()
		return ErrServerClosed
	}
	if s.ln != nil {
		s.mu.Unlock()
		return ErrServing
	}
	s.ln = ln
	s.markReady()
	s.mu.Unlock()

	s.logs.Info("serving",
		zap.Stringer("addr", ln.Addr()),
		zap.Duration("idle_timeout", s.cfg.IdleTimeout),
		zap.Int64("max_content_length", s.cfg.MaxContentLength),
		zap.Int("workers", s.cfg.Workers))

	var delay time.Duration
	for {
		nc, err := ln.Accept()
		if err != nil {
			if s.isShutdown() {
				return ErrServerClosed
			}

			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				delay = backoff(delay)
				s.logs.Warn("accept error, retrying", zap.Error(err), zap.Duration("delay", delay))
				time.Sleep(delay)
				continue
			}

			return errors.Wrap(err, "accept")
		}
		delay = 0

		if err := s.sem.Acquire(s.ctx, 1); err != nil {
			nc.Close()
			return ErrServerClosed
		}

		c, ok := s.track(nc)
		if !ok {
			s.sem.Release(1)
			nc.Close()
			return ErrServerClosed
		}

		go func() {
			defer s.sem.Release(1)
			defer s.wg.Done()
			defer s.untrack(c)

			s.serveConn(c)
		}()
	}
}

// Addr returns the listener's address once Serve has started. It returns nil when the server was shut down
// before it served.
func (s *Server) Addr() net.Addr {
	<-s.ready

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ln == nil {
		return nil
	}

	return s.ln.Addr()
}

func (s *Server) markReady() { s.once.Do(func() { close(s.ready) }) }

// Shutdown stops accepting, closes connections that are waiting for a request and waits for running cycles
// to finish. When ctx expires first, the remaining connections are closed too.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.shutdown = true
	s.markReady()
	ln := s.ln
	for c := range s.conns {
		if !c.active.Load() {
			c.Close()
		}
	}
	s.mu.Unlock()

	s.stop()
	if ln != nil {
		if err := ln.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			s.logs.Warn("failed to close listener", zap.Error(err))
		}
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		s.mu.Lock()
		for c := range s.conns {
			c.Close()
		}
		s.mu.Unlock()

		return errors.Wrap(ctx.Err(), "shutdown")
	}
}

func (s *Server) isShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.shutdown
}

func (s *Server) track(nc net.Conn) (*conn, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.shutdown {
		return nil, false
	}

	c := newConn(nc, "c"+strconv.FormatUint(s.ids.Add(1), 10), s.cfg.IdleTimeout)
	s.conns[c] = struct{}{}
	s.wg.Add(1)

	return c, true
}

func (s *Server) untrack(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}

// serveConn reads messages until the connection is closed. Every full response closes it, so in practice a
// connection carries one request, preceded by an interim 100 when the client asked for it.
func (s *Server) serveConn(c *conn) {
	logs := s.logs.With(zap.String("conn_id", c.id), zap.Stringer("remote", c.RemoteAddr()))
	sess := s.sf.NewSession(c)

	c.startIdle(sess.Idle)
	defer func() {
		c.Close()
		sess.Disconnected()
		logs.Debug("connection done")
	}()

	br := bufio.NewReader(c.ac)
	for !c.isClosed() {
		if s.cfg.ReadHeaderTimeout > 0 {
			_ = c.nc.SetReadDeadline(time.Now().Add(s.cfg.ReadHeaderTimeout))
		}

		req, err := http.ReadRequest(br)
		if err != nil {
			if !isClosedErr(err) {
				logs.Debug("failed to read request", zap.Error(err))
				s.reject(c, http.StatusBadRequest)
			}

			return
		}

		_ = c.nc.SetReadDeadline(time.Time{})
		req.RemoteAddr = c.RemoteAddr().String()

		c.active.Store(true)
		s.deliver(c, sess, req, logs)
		c.active.Store(false)
	}
}

// deliver aggregates the body of req and hands it to the session. A request that expects a 100 continue is
// first delivered head only, which makes the session send the interim response.
func (s *Server) deliver(c *conn, sess *bdispatch.Session, req *http.Request, logs *zap.Logger) {
	ctx := context.WithoutCancel(s.ctx)

	head := &bdispatch.Message{Request: req}
	if head.ExpectsContinue() {
		sess.Handle(ctx, head)
		if c.isClosed() {
			return
		}

		req.Header.Del("Expect")
	}

	body, err := readBody(req.Body, s.cfg.MaxContentLength)
	if err != nil {
		if errors.Is(err, bdispatch.ErrBodyTooLarge) {
			s.reject(c, http.StatusRequestEntityTooLarge)
			return
		}

		logs.Debug("failed to read body", zap.Error(err))
		if !isClosedErr(err) {
			s.reject(c, http.StatusBadRequest)
		}

		return
	}

	sess.Handle(ctx, &bdispatch.Message{Request: req, Body: body})
}

// reject answers with a bare status and closes the connection. These responses are the transport's own and
// never reach the dispatcher.
func (s *Server) reject(c *conn, status int) {
	hdr := http.Header{}
	hdr.Set("Content-Length", "0")

	if err := c.Write(&bdispatch.Wire{Status: status, Header: hdr, Close: true}); err != nil {
		s.logs.Debug("failed to write rejection", zap.Int("status", status), zap.Error(err))
	}
}

func readBody(r io.ReadCloser, limit int64) ([]byte, error) {
	if r == nil || r == http.NoBody {
		return nil, nil
	}
	defer r.Close()

	body, err := io.ReadAll(io.LimitReader(r, limit+1))
	if err != nil {
		return nil, errors.Wrap(err, "read body")
	}

	if int64(len(body)) > limit {
		return nil, bdispatch.ErrBodyTooLarge
	}

	return body, nil
}

func isClosedErr(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return true
	}

	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func backoff(d time.Duration) time.Duration {
	if d == 0 {
		return 5 * time.Millisecond
	}

	if d *= 2; d > time.Second {
		d = time.Second
	}

	return d
}
