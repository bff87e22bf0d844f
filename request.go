package bdispatch

import (
	"bytes"
	"context"
	"io"
	"mime"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/tidwall/gjson"
)

// DefaultMultipartMemory is how much of a multipart body is kept in memory before parts spill to temporary
// files.
const DefaultMultipartMemory = 32 << 20

// Request is the per-cycle view of one inbound HTTP message. Apart from path values and attributes it is
// immutable once built. Destroy removes any temporary files the request created and may be called more than
// once.
type Request struct {
	id       string
	raw      *http.Request
	body     []byte
	clientIP string
	query    url.Values
	form     url.Values
	ctx      context.Context

	mu        sync.Mutex
	multipart *multipart.Form
	attrs     map[string]any
	destroyed bool
}

// NewRequest builds a request outside of a dispatch cycle, for resolvers and tests. The caller owns it and
// must call Destroy.
func NewRequest(ctx context.Context, id string, msg *Message, peer net.Addr) (*Request, error) {
	return newRequest(ctx, id, msg, peer, DefaultMultipartMemory)
}

// newRequest builds the request for msg. A multipart body is parsed eagerly so that any temporary files exist
// from here on and are owned by the returned request, also when an error is returned alongside it.
func newRequest(ctx context.Context, id string, msg *Message, peer net.Addr, maxMemory int64) (*Request, error) {
	raw := msg.Request
	raw.Body = io.NopCloser(bytes.NewReader(msg.Body))
	raw.ContentLength = int64(len(msg.Body))

	req := &Request{
		id:       id,
		raw:      raw,
		body:     msg.Body,
		clientIP: clientIP(raw.Header, peer),
		query:    raw.URL.Query(),
		form:     url.Values{},
		ctx:      ctx,
	}

	if err := req.parseForm(maxMemory); err != nil {
		return req, err
	}

	return req, nil
}

func (r *Request) parseForm(maxMemory int64) error {
	ct := r.raw.Header.Get("Content-Type")
	if ct == "" || len(r.body) == 0 {
		return nil
	}

	mt, params, err := mime.ParseMediaType(ct)
	if err != nil {
		return NewError(CodeBadRequest, errors.Wrap(err, "parse content type"))
	}

	switch mt {
	case "application/x-www-form-urlencoded":
		vals, err := url.ParseQuery(string(r.body))
		if err != nil {
			return NewError(CodeBadRequest, errors.Wrap(err, "parse urlencoded form"))
		}

		r.form = vals
	case "multipart/form-data":
		boundary := params["boundary"]
		if boundary == "" {
			return NewError(CodeBadRequest, errors.New("multipart body without boundary"))
		}

		mf, err := multipart.NewReader(bytes.NewReader(r.body), boundary).ReadForm(maxMemory)
		if mf != nil {
			r.mu.Lock()
			r.multipart = mf
			r.mu.Unlock()
		}

		if err != nil {
			return NewError(CodeBadRequest, errors.Wrap(err, "read multipart form"))
		}

		for k, vs := range mf.Value {
			r.form[k] = append(r.form[k], vs...)
		}
	}

	return nil
}

// clientIP picks the first non-blank of the first X-Forwarded-For element, X-Real-IP and the peer host.
func clientIP(h http.Header, peer net.Addr) string {
	if xff := h.Get("X-Forwarded-For"); xff != "" {
		first, _, _ := strings.Cut(xff, ",")
		if ip := strings.TrimSpace(first); ip != "" {
			return ip
		}
	}

	if ip := strings.TrimSpace(h.Get("X-Real-IP")); ip != "" {
		return ip
	}

	if peer == nil {
		return ""
	}

	host, _, err := net.SplitHostPort(peer.String())
	if err != nil {
		return peer.String()
	}

	return host
}

// ID is the generated request id. It is only used for log correlation.
func (r *Request) ID() string { return r.id }

// Method is the request method.
func (r *Request) Method() string { return r.raw.Method }

// URI is the request target as it appeared on the request line.
func (r *Request) URI() string {
	if r.raw.RequestURI != "" {
		return r.raw.RequestURI
	}

	return r.raw.URL.RequestURI()
}

// Path is the decoded URL path.
func (r *Request) Path() string { return r.raw.URL.Path }

// Query returns the parsed query string.
func (r *Request) Query() url.Values { return r.query }

// Header returns the request headers.
func (r *Request) Header() http.Header { return r.raw.Header }

// Body returns the aggregated request body.
func (r *Request) Body() []byte { return r.body }

// ClientIP returns the address the request is attributed to.
func (r *Request) ClientIP() string { return r.clientIP }

// Form returns the urlencoded or multipart form values.
func (r *Request) Form() url.Values { return r.form }

// Param looks up name in the query string first and the form second.
func (r *Request) Param(name string) string {
	if vs, ok := r.query[name]; ok && len(vs) > 0 {
		return vs[0]
	}

	return r.form.Get(name)
}

// Files returns the uploaded files for the multipart field name.
func (r *Request) Files(name string) []*multipart.FileHeader {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.multipart == nil {
		return nil
	}

	return r.multipart.File[name]
}

// Cookie returns the named cookie sent with the request.
func (r *Request) Cookie(name string) (*http.Cookie, error) {
	c, err := r.raw.Cookie(name)
	if err != nil {
		return nil, errors.Wrapf(err, "cookie %q", name)
	}

	return c, nil
}

// PathValue returns a path variable captured by the resolver.
func (r *Request) PathValue(name string) string { return r.raw.PathValue(name) }

// SetPathValue records a path variable. Resolvers call it while matching.
func (r *Request) SetPathValue(name, value string) { r.raw.SetPathValue(name, value) }

// JSON reads the value at path from a JSON body.
func (r *Request) JSON(path string) gjson.Result {
	return gjson.GetBytes(r.body, path)
}

// Set stores an attribute for later phases of the same cycle.
func (r *Request) Set(key string, v any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.attrs == nil {
		r.attrs = map[string]any{}
	}

	r.attrs[key] = v
}

// Get returns an attribute stored with Set.
func (r *Request) Get(key string) (any, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	v, ok := r.attrs[key]
	return v, ok
}

// Context carries the request-scoped logger and the cycle's span. It is cancelled when the connection
// goes away.
func (r *Request) Context() context.Context { return r.ctx }

// Raw returns the underlying request. Its Body reads the aggregated payload.
func (r *Request) Raw() *http.Request { return r.raw.WithContext(r.ctx) }

// CleanFiles removes the temporary files created for multipart uploads.
func (r *Request) CleanFiles() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.multipart == nil {
		return nil
	}

	mf := r.multipart
	r.multipart = nil

	if err := mf.RemoveAll(); err != nil {
		return errors.Wrap(err, "remove multipart files")
	}

	return nil
}

// Destroy releases everything the request holds.
func (r *Request) Destroy() error {
	err := r.CleanFiles()

	r.mu.Lock()
	r.destroyed = true
	r.attrs = nil
	r.mu.Unlock()

	return err
}

// Destroyed reports whether Destroy was called.
func (r *Request) Destroyed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.destroyed
}
