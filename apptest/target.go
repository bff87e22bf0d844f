package apptest

import (
	"bytes"
	"context"
	"net"
	"net/http/httptest"
	"sync"

	"github.com/advdv/bdispatch"
)

// CallTarget dispatches one request straight to target, without interceptors, and returns what would have
// been written to the connection. It handles the boilerplate of a single-bundle resolver and a recording
// connection.
func CallTarget(target bdispatch.Target, method, uri string, body []byte, opts ...bdispatch.Option) *bdispatch.Wire {
	res := bdispatch.ResolverFunc(func(*bdispatch.Request) (bdispatch.Bundle, bool) {
		return bdispatch.Bundle{Route: method + " " + uri, Target: target}, true
	})

	conn := &recordConn{}
	bdispatch.NewDispatcher(res, nil, opts...).NewSession(conn).Handle(
		context.Background(),
		&bdispatch.Message{Request: httptest.NewRequest(method, uri, bytes.NewReader(body)), Body: body})

	if len(conn.wires) != 1 {
		panic("apptest: expected exactly one response to be written")
	}

	return conn.wires[0]
}

type recordConn struct {
	mu    sync.Mutex
	wires []*bdispatch.Wire
}

func (c *recordConn) ID() string { return "apptest" }

func (c *recordConn) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(192, 0, 2, 10), Port: 1234}
}

func (c *recordConn) Write(w *bdispatch.Wire) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.wires = append(c.wires, w)
	return nil
}

func (c *recordConn) Close() error { return nil }
