package bdispatch

import (
	"encoding/json"
	"net/http"

	"github.com/cockroachdb/errors"
	"github.com/valyala/bytebufferpool"
)

// ContentTypeJSON is the content type SetContentTypeJSON applies.
const ContentTypeJSON = "application/json; charset=utf-8"

// Response collects what handlers and interceptors decide to send back. The body is either a textual
// result or bytes written to the output stream, never both: whichever was set last wins.
type Response struct {
	requestID string
	status    int
	header    http.Header
	cookies   []*http.Cookie
	result    string
	out       *bytebufferpool.ByteBuffer
	closed    bool
}

// NewResponse creates an empty response owned by the request with the given id.
func NewResponse(requestID string) *Response {
	return &Response{requestID: requestID, header: http.Header{}}
}

// RequestID is the id of the owning request.
func (r *Response) RequestID() string { return r.requestID }

// Status returns the status code, or 0 when none was set.
func (r *Response) Status() int { return r.status }

// SetStatus sets the status code.
func (r *Response) SetStatus(code int) { r.status = code }

// Header returns the response headers.
func (r *Response) Header() http.Header { return r.header }

// SetContentType sets the Content-Type header.
func (r *Response) SetContentType(ct string) { r.header.Set("Content-Type", ct) }

// SetContentTypeJSON marks the body as JSON.
func (r *Response) SetContentTypeJSON() { r.SetContentType(ContentTypeJSON) }

// AddCookie adds c to the cookie set. A cookie with the same name, domain and path is replaced.
func (r *Response) AddCookie(c *http.Cookie) {
	if c == nil {
		return
	}

	for i, ex := range r.cookies {
		if ex.Name == c.Name && ex.Domain == c.Domain && ex.Path == c.Path {
			r.cookies[i] = c
			return
		}
	}

	r.cookies = append(r.cookies, c)
}

// Cookies returns the cookie set in insertion order.
func (r *Response) Cookies() []*http.Cookie { return r.cookies }

// SetResult sets a textual body and discards anything written to the output stream.
func (r *Response) SetResult(s string) {
	r.releaseOutput()
	r.result = s
}

// Result returns the textual body.
func (r *Response) Result() string { return r.result }

// SetJSON encodes v as the result and sets the JSON content type.
func (r *Response) SetJSON(v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "encode json result")
	}

	r.SetContentTypeJSON()
	r.SetResult(string(b))
	return nil
}

// Write appends p to the output stream and discards any pending result.
func (r *Response) Write(p []byte) (int, error) {
	if r.closed {
		return 0, errors.New("write to closed response")
	}

	if r.out == nil {
		r.out = bytebufferpool.Get()
	}

	r.result = ""
	return r.out.Write(p)
}

// WriteString is like Write for strings.
func (r *Response) WriteString(s string) (int, error) {
	return r.Write([]byte(s))
}

// HasOutput reports whether the output stream was opened.
func (r *Response) HasOutput() bool { return r.out != nil }

// Output returns a copy of what was written to the output stream.
func (r *Response) Output() []byte {
	if r.out == nil {
		return nil
	}

	return append([]byte(nil), r.out.B...)
}

// Reset clears the status and the body. Headers and cookies are kept.
func (r *Response) Reset() {
	r.releaseOutput()
	r.result = ""
	r.status = 0
}

// Close releases the output stream. It may be called more than once.
func (r *Response) Close() {
	if r.closed {
		return
	}

	r.closed = true
	r.releaseOutput()
}

func (r *Response) releaseOutput() {
	if r.out == nil {
		return
	}

	bytebufferpool.Put(r.out)
	r.out = nil
}
