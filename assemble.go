package bdispatch

import (
	"context"
	"net/http"
	"strconv"

	"go.uber.org/zap"
	"golang.org/x/net/http/httpguts"
)

// assemble turns resp into the wire descriptor. Header values and cookies that cannot be encoded are left out
// and logged. Content-Length always reflects the chosen body.
func assemble(ctx context.Context, resp *Response) *Wire {
	var body []byte
	switch {
	case resp.HasOutput():
		body = resp.Output()
	case resp.Result() != "":
		body = []byte(resp.Result())
	}

	status := resp.Status()
	if status == 0 {
		status = http.StatusOK
	}

	hdr := make(http.Header, len(resp.Header())+2)
	for name, vals := range resp.Header() {
		if !httpguts.ValidHeaderFieldName(name) {
			Log(ctx).Warn("dropping invalid response header", zap.String("name", name))
			continue
		}

		key := http.CanonicalHeaderKey(name)
		if key == "Content-Length" {
			continue
		}

		for _, v := range vals {
			if !httpguts.ValidHeaderFieldValue(v) {
				Log(ctx).Warn("dropping invalid response header value", zap.String("name", key))
				continue
			}

			hdr[key] = append(hdr[key], v)
		}
	}

	for _, c := range resp.Cookies() {
		if err := c.Valid(); err != nil {
			Log(ctx).Warn("dropping invalid cookie", zap.String("name", c.Name), zap.Error(err))
			continue
		}

		hdr.Add("Set-Cookie", c.String())
	}

	hdr.Set("Content-Length", strconv.Itoa(len(body)))

	return &Wire{Status: status, Header: hdr, Body: body, Close: true}
}

// failureWire is what is sent when the exception mapper itself failed.
func failureWire(msg string) *Wire {
	body := []byte("Failure: " + msg)
	hdr := http.Header{}
	hdr.Set("Content-Type", "text/plain; charset=utf-8")
	hdr.Set("Content-Length", strconv.Itoa(len(body)))

	return &Wire{Status: http.StatusInternalServerError, Header: hdr, Body: body, Close: true}
}

// emptyWire is a bodiless response that closes the connection.
func emptyWire(status int) *Wire {
	hdr := http.Header{}
	hdr.Set("Content-Length", "0")

	return &Wire{Status: status, Header: hdr, Close: true}
}

// continueWire is the interim 100 response. The connection stays open.
func continueWire() *Wire {
	return &Wire{Status: http.StatusContinue, Header: http.Header{}, Interim: true}
}
