package bdispatch

import (
	"net"
	"net/http"
	"strings"
)

// Message is one decoded inbound HTTP message as delivered by a transport. Request carries the head,
// Body the aggregated payload. The Request's own Body field is ignored by the dispatcher.
type Message struct {
	Request *http.Request
	Body    []byte

	// Partial marks a message whose body has not been aggregated. Such messages are not the
	// dispatcher's concern and are ignored.
	Partial bool
}

// ExpectsContinue reports whether the message declares a "100-continue" expectation.
func (m *Message) ExpectsContinue() bool {
	if m == nil || m.Request == nil {
		return false
	}

	if !m.Request.ProtoAtLeast(1, 1) {
		return false
	}

	return strings.EqualFold(strings.TrimSpace(m.Request.Header.Get("Expect")), "100-continue")
}

// Wire describes a fully assembled response that a transport encodes and writes.
type Wire struct {
	Status int
	Header http.Header
	Body   []byte

	// Interim marks a 1xx response. The transport writes it without a body and keeps reading.
	Interim bool

	// Close asks the transport to close the connection once the write completes.
	Close bool
}

// Conn is the transport side of a single client connection.
type Conn interface {
	// ID identifies the connection in logs.
	ID() string
	// RemoteAddr is the socket peer address, used as the last client-ip fallback.
	RemoteAddr() net.Addr
	// Write encodes and flushes w. If w.Close is set the connection is closed after the write.
	Write(w *Wire) error
	// Close closes the connection without writing anything.
	Close() error
}
