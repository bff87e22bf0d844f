package transport

import (
	"bufio"
	"bytes"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/advdv/bdispatch"
	"github.com/cockroachdb/errors"
)

// conn is the [bdispatch.Conn] for one accepted socket.
type conn struct {
	id     string
	nc     net.Conn
	ac     *activityConn
	active atomic.Bool
	closed atomic.Bool

	// wmu serializes writes. Close never takes it, so closing unblocks a write stuck on a peer that stopped
	// reading.
	wmu sync.Mutex
}

func newConn(nc net.Conn, id string, idle time.Duration) *conn {
	return &conn{id: id, nc: nc, ac: &activityConn{Conn: nc, idle: idle}}
}

func (c *conn) ID() string           { return c.id }
func (c *conn) RemoteAddr() net.Addr { return c.nc.RemoteAddr() }

// Write encodes w as an HTTP/1.1 response. Interim responses are a bare status line.
func (c *conn) Write(w *bdispatch.Wire) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()

	if c.closed.Load() {
		return errors.Wrap(net.ErrClosed, "write response")
	}

	bw := bufio.NewWriter(c.ac)
	if w.Interim {
		if _, err := fmt.Fprintf(bw, "HTTP/1.1 %d %s\r\n\r\n", w.Status, http.StatusText(w.Status)); err != nil {
			return errors.Wrap(err, "write interim response")
		}

		return errors.Wrap(bw.Flush(), "flush interim response")
	}

	resp := &http.Response{
		StatusCode:    w.Status,
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        w.Header,
		ContentLength: int64(len(w.Body)),
		Close:         w.Close,
	}
	if resp.Header == nil {
		resp.Header = http.Header{}
	}
	if len(w.Body) > 0 {
		resp.Body = io.NopCloser(bytes.NewReader(w.Body))
	}

	err := resp.Write(bw)
	if err == nil {
		err = bw.Flush()
	}

	if w.Close {
		c.Close()
	}

	return errors.Wrap(err, "write response")
}

// Close closes the socket. Only the first call has an effect. It may be called while a Write is in progress.
func (c *conn) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}

	c.ac.stop()
	if err := c.nc.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		return errors.Wrap(err, "close connection")
	}

	return nil
}

func (c *conn) isClosed() bool { return c.closed.Load() }

// startIdle arms the idle monitor. onIdle runs once when neither side read or wrote for the idle timeout.
func (c *conn) startIdle(onIdle func()) {
	c.ac.start(onIdle)
}

// activityConn resets the idle timer on every read and write.
type activityConn struct {
	net.Conn
	idle time.Duration

	mu    sync.Mutex
	timer *time.Timer
}

func (a *activityConn) start(onIdle func()) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.timer = time.AfterFunc(a.idle, onIdle)
}

func (a *activityConn) touch() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.timer != nil {
		a.timer.Reset(a.idle)
	}
}

func (a *activityConn) stop() {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.timer != nil {
		a.timer.Stop()
		a.timer = nil
	}
}

func (a *activityConn) Read(p []byte) (int, error) {
	n, err := a.Conn.Read(p)
	if n > 0 {
		a.touch()
	}

	return n, err //nolint:wrapcheck
}

func (a *activityConn) Write(p []byte) (int, error) {
	n, err := a.Conn.Write(p)
	if n > 0 {
		a.touch()
	}

	return n, err //nolint:wrapcheck
}

// LoadTLS builds a server TLS config from a certificate and key file.
func LoadTLS(certFile, keyFile string) (*tls.Config, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, errors.Wrap(err, "load key pair")
	}

	return &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}, nil
}
