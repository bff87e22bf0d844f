package bdispatch_test

import (
	"bytes"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/advdv/bdispatch"
)

// testConn records what the dispatcher writes.
type testConn struct {
	mu     sync.Mutex
	addr   net.Addr
	wires  []*bdispatch.Wire
	closed int
}

func newTestConn() *testConn {
	return &testConn{addr: &net.TCPAddr{IP: net.IPv4(10, 0, 0, 7), Port: 51234}}
}

func (c *testConn) ID() string           { return "test-conn" }
func (c *testConn) RemoteAddr() net.Addr { return c.addr }

func (c *testConn) Write(w *bdispatch.Wire) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.wires = append(c.wires, w)
	if w.Close {
		c.closed++
	}

	return nil
}

func (c *testConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.closed++
	return nil
}

func (c *testConn) written() []*bdispatch.Wire {
	c.mu.Lock()
	defer c.mu.Unlock()

	return append([]*bdispatch.Wire(nil), c.wires...)
}

func (c *testConn) closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.closed
}

// last returns the single wire written, failing the test when there is not exactly one.
func (c *testConn) last(tb testing.TB) *bdispatch.Wire {
	tb.Helper()

	ws := c.written()
	if len(ws) != 1 {
		tb.Fatalf("expected exactly one response, got %d", len(ws))
	}

	return ws[0]
}

func newMessage(method, target string, body []byte, hdr http.Header) *bdispatch.Message {
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	for k, vs := range hdr {
		req.Header[k] = vs
	}

	return &bdispatch.Message{Request: req, Body: body}
}

// countingResolver resolves every request to the same bundle and counts lookups.
type countingResolver struct {
	mu     sync.Mutex
	calls  int
	bundle bdispatch.Bundle
	found  bool
}

func resolveTo(b bdispatch.Bundle) *countingResolver {
	return &countingResolver{bundle: b, found: true}
}

func (r *countingResolver) Resolve(*bdispatch.Request) (bdispatch.Bundle, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.calls++
	return r.bundle, r.found
}

func (r *countingResolver) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.calls
}

// countingMapper wraps another mapper and counts invocations.
type countingMapper struct {
	next  bdispatch.ExceptionMapper
	calls int
	req   *bdispatch.Request
	resp  *bdispatch.Response
	err   error
}

func (m *countingMapper) Map(req *bdispatch.Request, resp *bdispatch.Response, err error) (*bdispatch.Response, error) {
	m.calls++
	m.req, m.resp, m.err = req, resp, err

	return m.next.Map(req, resp, err)
}

// countingIDs generates predictable request ids and counts how many requests were built.
type countingIDs struct {
	mu sync.Mutex
	n  int
}

func (g *countingIDs) next() string {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.n++
	return "req-" + strconv.Itoa(g.n)
}

func (g *countingIDs) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.n
}
