package bdispatch_test

import (
	"net/http"
	"strconv"
	"strings"
	"testing"

	"github.com/advdv/bdispatch"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func okTarget() bdispatch.Target {
	return bdispatch.HandlerFunc(func(_ *bdispatch.Request, resp *bdispatch.Response) error {
		resp.SetResult("ok")
		return nil
	})
}

func failTarget(tb testing.TB) bdispatch.Target {
	return bdispatch.HandlerFunc(func(*bdispatch.Request, *bdispatch.Response) error {
		tb.Fatal("target must not be invoked")
		return nil
	})
}

// echoMapper writes the error text as a 500 body.
func echoMapper() bdispatch.ExceptionMapper {
	return bdispatch.ExceptionMapperFunc(func(
		req *bdispatch.Request, resp *bdispatch.Response, err error,
	) (*bdispatch.Response, error) {
		if resp == nil {
			resp = bdispatch.NewResponse(req.ID())
		}

		resp.Reset()
		resp.SetStatus(http.StatusInternalServerError)
		resp.SetResult(err.Error())

		return resp, nil
	})
}

func TestDispatchHandled(t *testing.T) {
	logs := bdispatch.NewTestLogger(t)
	res := resolveTo(bdispatch.Bundle{Route: "hello", Target: okTarget()})
	d := bdispatch.NewDispatcher(res, nil, bdispatch.WithLogger(logs))

	conn := newTestConn()
	d.NewSession(conn).Handle(t.Context(), newMessage(http.MethodGet, "/hello", nil, nil))

	w := conn.last(t)
	require.Equal(t, http.StatusOK, w.Status)
	require.Equal(t, "ok", string(w.Body))
	require.Equal(t, "2", w.Header.Get("Content-Length"))
	require.True(t, w.Close)
	require.False(t, w.Interim)
	require.Equal(t, 1, conn.closes())
	require.Equal(t, 1, res.count())
}

func TestDispatchIgnoresPartialAndNil(t *testing.T) {
	res := resolveTo(bdispatch.Bundle{Target: failTarget(t)})
	d := bdispatch.NewDispatcher(res, nil)
	conn := newTestConn()
	sess := d.NewSession(conn)

	sess.Handle(t.Context(), nil)
	sess.Handle(t.Context(), &bdispatch.Message{})

	msg := newMessage(http.MethodGet, "/", nil, nil)
	msg.Partial = true
	sess.Handle(t.Context(), msg)

	require.Empty(t, conn.written())
	require.Zero(t, res.count())
}

func TestDispatchBlockedPath(t *testing.T) {
	for _, target := range []string{"/favicon.ico", "/favicon.ico?v=2"} {
		t.Run(target, func(t *testing.T) {
			ids := &countingIDs{}
			res := resolveTo(bdispatch.Bundle{Target: failTarget(t)})
			d := bdispatch.NewDispatcher(res, nil, bdispatch.WithRequestIDGenerator(ids.next))

			conn := newTestConn()
			d.NewSession(conn).Handle(t.Context(), newMessage(http.MethodGet, target, nil, nil))

			w := conn.last(t)
			require.Equal(t, http.StatusNotFound, w.Status)
			require.Empty(t, w.Body)
			require.Equal(t, "0", w.Header.Get("Content-Length"))
			require.True(t, w.Close)
			require.Zero(t, ids.count(), "no request may be built")
			require.Zero(t, res.count())
		})
	}
}

func TestDispatchCustomBlockedPaths(t *testing.T) {
	res := resolveTo(bdispatch.Bundle{Target: okTarget()})
	d := bdispatch.NewDispatcher(res, nil, bdispatch.WithBlockedPaths("/robots.txt"))

	conn := newTestConn()
	sess := d.NewSession(conn)
	sess.Handle(t.Context(), newMessage(http.MethodGet, "/robots.txt", nil, nil))
	sess.Handle(t.Context(), newMessage(http.MethodGet, "/favicon.ico", nil, nil))

	ws := conn.written()
	require.Len(t, ws, 2)
	require.Equal(t, http.StatusNotFound, ws[0].Status)
	require.Equal(t, http.StatusOK, ws[1].Status)
	require.Equal(t, 1, res.count())
}

func TestDispatchPreflight(t *testing.T) {
	for _, target := range []string{"/anything", "/", "/deeply/nested?x=1"} {
		t.Run(target, func(t *testing.T) {
			res := resolveTo(bdispatch.Bundle{Target: failTarget(t)})
			d := bdispatch.NewDispatcher(res, nil)

			conn := newTestConn()
			d.NewSession(conn).Handle(t.Context(), newMessage(http.MethodOptions, target, nil, nil))

			w := conn.last(t)
			require.Equal(t, http.StatusCreated, w.Status)
			require.JSONEq(t, `{"status":201,"msg":"ok"}`, string(w.Body))
			require.Equal(t, `{"status":201,"msg":"ok"}`, string(w.Body))
			require.Equal(t, bdispatch.ContentTypeJSON, w.Header.Get("Content-Type"))
			require.Equal(t, strconv.Itoa(len(w.Body)), w.Header.Get("Content-Length"))
			require.True(t, w.Close)
			require.Zero(t, res.count(), "resolver must not be consulted")
		})
	}
}

func TestDispatchContinue(t *testing.T) {
	ids := &countingIDs{}
	res := resolveTo(bdispatch.Bundle{Target: failTarget(t)})
	d := bdispatch.NewDispatcher(res, nil, bdispatch.WithRequestIDGenerator(ids.next))

	conn := newTestConn()
	d.NewSession(conn).Handle(t.Context(), newMessage(http.MethodPost, "/upload", nil, http.Header{
		"Expect": {"100-continue"},
	}))

	w := conn.last(t)
	require.Equal(t, http.StatusContinue, w.Status)
	require.True(t, w.Interim)
	require.False(t, w.Close)
	require.Empty(t, w.Body)
	require.Zero(t, conn.closes())
	require.Zero(t, ids.count())
	require.Zero(t, res.count())
}

func TestDispatchContinueIgnoredOnHTTP10(t *testing.T) {
	res := resolveTo(bdispatch.Bundle{Target: okTarget()})
	d := bdispatch.NewDispatcher(res, nil)

	msg := newMessage(http.MethodPost, "/upload", nil, http.Header{"Expect": {"100-continue"}})
	msg.Request.Proto, msg.Request.ProtoMajor, msg.Request.ProtoMinor = "HTTP/1.0", 1, 0

	conn := newTestConn()
	d.NewSession(conn).Handle(t.Context(), msg)
	require.Equal(t, http.StatusOK, conn.last(t).Status)
}

func TestDispatchNotFound(t *testing.T) {
	logs := bdispatch.NewTestLogger(t)
	res := &countingResolver{}
	mapper := &countingMapper{next: bdispatch.DefaultExceptionMapper{}}
	d := bdispatch.NewDispatcher(res, mapper, bdispatch.WithLogger(logs))

	conn := newTestConn()
	d.NewSession(conn).Handle(t.Context(), newMessage(http.MethodGet, "/nope", nil, nil))

	w := conn.last(t)
	require.Equal(t, http.StatusNotFound, w.Status)
	require.Empty(t, w.Body)
	require.Equal(t, "0", w.Header.Get("Content-Length"))
	require.True(t, w.Close)
	require.Zero(t, mapper.calls)
	require.Equal(t, 1, res.count())
	require.Equal(t, int64(1), logs.NumLogRouteNotFound)
}

func TestDispatchHandlerErrorIsMapped(t *testing.T) {
	var seenReq *bdispatch.Request
	var seenResp *bdispatch.Response

	res := resolveTo(bdispatch.Bundle{Target: bdispatch.HandlerFunc(
		func(req *bdispatch.Request, resp *bdispatch.Response) error {
			seenReq, seenResp = req, resp
			return errors.New("boom")
		})})

	mapper := &countingMapper{next: echoMapper()}
	d := bdispatch.NewDispatcher(res, mapper)

	conn := newTestConn()
	d.NewSession(conn).Handle(t.Context(), newMessage(http.MethodGet, "/x", nil, nil))

	w := conn.last(t)
	require.Equal(t, http.StatusInternalServerError, w.Status)
	require.Equal(t, "boom", string(w.Body))
	require.Equal(t, "4", w.Header.Get("Content-Length"))
	require.True(t, w.Close)

	require.Equal(t, 1, mapper.calls)
	require.Same(t, seenReq, mapper.req)
	require.Same(t, seenResp, mapper.resp)
	require.EqualError(t, mapper.err, "boom")
	require.True(t, seenReq.Destroyed())
}

func TestDispatchMapperFailure(t *testing.T) {
	for _, tt := range []struct {
		name   string
		mapper bdispatch.ExceptionMapperFunc
		expMsg string
	}{
		{
			name: "error",
			mapper: func(*bdispatch.Request, *bdispatch.Response, error) (*bdispatch.Response, error) {
				return nil, errors.New("mapper broke")
			},
			expMsg: "mapper broke",
		},
		{
			name: "panic",
			mapper: func(*bdispatch.Request, *bdispatch.Response, error) (*bdispatch.Response, error) {
				panic("mapper panicked")
			},
			expMsg: "mapper panicked",
		},
		{
			name: "nil response",
			mapper: func(*bdispatch.Request, *bdispatch.Response, error) (*bdispatch.Response, error) {
				return nil, nil
			},
			expMsg: "exception mapper returned no response",
		},
	} {
		t.Run(tt.name, func(t *testing.T) {
			logs := bdispatch.NewTestLogger(t)
			res := resolveTo(bdispatch.Bundle{Target: bdispatch.HandlerFunc(
				func(*bdispatch.Request, *bdispatch.Response) error { return errors.New("boom") })})
			d := bdispatch.NewDispatcher(res, tt.mapper, bdispatch.WithLogger(logs))

			conn := newTestConn()
			d.NewSession(conn).Handle(t.Context(), newMessage(http.MethodGet, "/x", nil, nil))

			w := conn.last(t)
			require.Equal(t, http.StatusInternalServerError, w.Status)
			require.Equal(t, "Failure: "+tt.expMsg, string(w.Body))
			require.Equal(t, "text/plain; charset=utf-8", w.Header.Get("Content-Type"))
			require.Equal(t, strconv.Itoa(len(w.Body)), w.Header.Get("Content-Length"))
			require.True(t, w.Close)
			require.Equal(t, int64(1), logs.NumLogMapperFailure)
		})
	}
}

func TestDispatchHandlerPanicIsMapped(t *testing.T) {
	res := resolveTo(bdispatch.Bundle{Target: bdispatch.HandlerFunc(
		func(*bdispatch.Request, *bdispatch.Response) error { panic("oops") })})
	mapper := &countingMapper{next: bdispatch.DefaultExceptionMapper{}}
	d := bdispatch.NewDispatcher(res, mapper)

	conn := newTestConn()
	d.NewSession(conn).Handle(t.Context(), newMessage(http.MethodGet, "/x", nil, nil))

	w := conn.last(t)
	require.Equal(t, http.StatusInternalServerError, w.Status)
	require.JSONEq(t, `{"status":500,"msg":"oops"}`, string(w.Body))

	var perr *bdispatch.PanicError
	require.ErrorAs(t, mapper.err, &perr)
	require.Equal(t, "oops", perr.Value)
	require.NotEmpty(t, perr.Stack)
}

func TestDispatchCodedErrorKeepsHeaders(t *testing.T) {
	res := resolveTo(bdispatch.Bundle{Target: bdispatch.HandlerFunc(
		func(_ *bdispatch.Request, resp *bdispatch.Response) error {
			resp.Header().Set("X-Trace", "abc")
			resp.SetResult("partial")
			return bdispatch.NewError(bdispatch.CodeConflict, errors.New("taken"))
		})})
	d := bdispatch.NewDispatcher(res, nil)

	conn := newTestConn()
	d.NewSession(conn).Handle(t.Context(), newMessage(http.MethodPut, "/users/1", nil, nil))

	w := conn.last(t)
	require.Equal(t, http.StatusConflict, w.Status)
	require.JSONEq(t, `{"status":409,"msg":"taken"}`, string(w.Body))
	require.Equal(t, "abc", w.Header.Get("X-Trace"))
}

func TestDispatchInterceptorOrder(t *testing.T) {
	var trail []string
	rec := func(name string) bdispatch.Interceptor {
		return bdispatch.InterceptorFuncs{
			Pre: func(*bdispatch.Request, *bdispatch.Response) (bool, error) {
				trail = append(trail, "pre"+name)
				return true, nil
			},
			Post: func(*bdispatch.Request, *bdispatch.Response) error {
				trail = append(trail, "post"+name)
				return nil
			},
		}
	}

	res := resolveTo(bdispatch.Bundle{
		Interceptors: []bdispatch.Interceptor{rec("1"), rec("2"), rec("3")},
		Target: bdispatch.HandlerFunc(func(*bdispatch.Request, *bdispatch.Response) error {
			trail = append(trail, "target")
			return nil
		}),
	})
	d := bdispatch.NewDispatcher(res, nil)

	conn := newTestConn()
	d.NewSession(conn).Handle(t.Context(), newMessage(http.MethodGet, "/", nil, nil))

	require.Equal(t, "pre1 pre2 pre3 target post3 post2 post1", strings.Join(trail, " "))
	require.Equal(t, http.StatusOK, conn.last(t).Status)
}

func TestDispatchInterceptorStop(t *testing.T) {
	var trail []string
	res := resolveTo(bdispatch.Bundle{
		Interceptors: []bdispatch.Interceptor{
			bdispatch.InterceptorFuncs{
				Pre: func(*bdispatch.Request, *bdispatch.Response) (bool, error) {
					trail = append(trail, "pre1")
					return true, nil
				},
				Post: func(*bdispatch.Request, *bdispatch.Response) error {
					trail = append(trail, "post1")
					return nil
				},
			},
			bdispatch.InterceptorFuncs{
				Pre: func(_ *bdispatch.Request, resp *bdispatch.Response) (bool, error) {
					trail = append(trail, "pre2")
					resp.SetStatus(http.StatusForbidden)
					resp.SetResult("nope")
					return false, nil
				},
			},
			bdispatch.InterceptorFuncs{
				Pre: func(*bdispatch.Request, *bdispatch.Response) (bool, error) {
					trail = append(trail, "pre3")
					return true, nil
				},
			},
		},
		Target: failTarget(t),
	})

	var infos []bdispatch.CycleInfo
	d := bdispatch.NewDispatcher(res, nil, bdispatch.WithObserver(bdispatch.ObserverFunc(func(ci bdispatch.CycleInfo) {
		infos = append(infos, ci)
	})))

	conn := newTestConn()
	d.NewSession(conn).Handle(t.Context(), newMessage(http.MethodGet, "/", nil, nil))

	w := conn.last(t)
	require.Equal(t, http.StatusForbidden, w.Status)
	require.Equal(t, "nope", string(w.Body))
	require.Equal(t, []string{"pre1", "pre2"}, trail)
	require.Len(t, infos, 1)
	require.Equal(t, bdispatch.OutcomeStopped, infos[0].Outcome)
}

func TestDispatchInterceptorErrors(t *testing.T) {
	for _, tt := range []struct {
		name string
		ic   bdispatch.InterceptorFuncs
	}{
		{name: "pre", ic: bdispatch.InterceptorFuncs{
			Pre: func(*bdispatch.Request, *bdispatch.Response) (bool, error) { return false, errors.New("pre failed") },
		}},
		{name: "post", ic: bdispatch.InterceptorFuncs{
			Post: func(*bdispatch.Request, *bdispatch.Response) error { return errors.New("post failed") },
		}},
	} {
		t.Run(tt.name, func(t *testing.T) {
			res := resolveTo(bdispatch.Bundle{
				Interceptors: []bdispatch.Interceptor{tt.ic},
				Target:       okTarget(),
			})
			mapper := &countingMapper{next: echoMapper()}
			d := bdispatch.NewDispatcher(res, mapper)

			conn := newTestConn()
			d.NewSession(conn).Handle(t.Context(), newMessage(http.MethodGet, "/", nil, nil))

			w := conn.last(t)
			require.Equal(t, http.StatusInternalServerError, w.Status)
			require.Equal(t, tt.name+" failed", string(w.Body))
			require.Equal(t, 1, mapper.calls)
			require.NotNil(t, mapper.resp)
		})
	}
}

func TestDispatchUnsupportedTarget(t *testing.T) {
	for _, tt := range []struct {
		name   string
		target bdispatch.Target
	}{
		{"nil interface", nil},
		{"nil func", bdispatch.HandlerFunc(nil)},
		{"unbound method", bdispatch.MethodTarget{}},
		{"nil direct", bdispatch.Direct(nil)},
	} {
		t.Run(tt.name, func(t *testing.T) {
			logs := bdispatch.NewTestLogger(t)
			var posted bool
			res := resolveTo(bdispatch.Bundle{
				Route: "odd",
				Interceptors: []bdispatch.Interceptor{bdispatch.InterceptorFuncs{
					Post: func(*bdispatch.Request, *bdispatch.Response) error {
						posted = true
						return nil
					},
				}},
				Target: tt.target,
			})
			mapper := &countingMapper{next: bdispatch.DefaultExceptionMapper{}}
			d := bdispatch.NewDispatcher(res, mapper, bdispatch.WithLogger(logs))

			conn := newTestConn()
			d.NewSession(conn).Handle(t.Context(), newMessage(http.MethodGet, "/", nil, nil))

			w := conn.last(t)
			require.Equal(t, http.StatusOK, w.Status)
			require.Empty(t, w.Body)
			require.True(t, posted)
			require.Zero(t, mapper.calls)
			require.Equal(t, int64(1), logs.NumLogUnsupportedTarget)
		})
	}
}

func TestDispatchAssembly(t *testing.T) {
	zc, zlogs := observer.New(zapcore.WarnLevel)

	res := resolveTo(bdispatch.Bundle{Target: bdispatch.HandlerFunc(
		func(_ *bdispatch.Request, resp *bdispatch.Response) error {
			resp.SetStatus(http.StatusAccepted)
			resp.Header().Set("Content-Length", "999")
			resp.Header().Add("X-Multi", "a")
			resp.Header().Add("X-Multi", "b")
			resp.Header()["Bad Name"] = []string{"v"}
			resp.Header().Set("X-Bad-Value", "line\r\nbreak")

			resp.AddCookie(&http.Cookie{Name: "a", Value: "1"})
			resp.AddCookie(&http.Cookie{Name: "b", Value: "2", Path: "/"})
			resp.AddCookie(&http.Cookie{Name: "a", Value: "3"})
			resp.AddCookie(&http.Cookie{Name: "bad name", Value: "x"})

			resp.SetResult("ignored")
			_, err := resp.WriteString("stream")
			return err
		})})
	d := bdispatch.NewDispatcher(res, nil, bdispatch.WithZapLogger(zap.New(zc)))

	conn := newTestConn()
	d.NewSession(conn).Handle(t.Context(), newMessage(http.MethodGet, "/", nil, nil))

	w := conn.last(t)
	require.Equal(t, http.StatusAccepted, w.Status)
	require.Equal(t, "stream", string(w.Body))
	require.Equal(t, []string{"6"}, w.Header.Values("Content-Length"))
	require.Equal(t, []string{"a", "b"}, w.Header.Values("X-Multi"))
	require.NotContains(t, w.Header, "Bad Name")
	require.Empty(t, w.Header.Values("X-Bad-Value"))
	require.Equal(t, []string{"a=3", "b=2; Path=/"}, w.Header.Values("Set-Cookie"))

	assert.Equal(t, 1, zlogs.FilterMessage("dropping invalid cookie").Len())
	assert.Equal(t, 1, zlogs.FilterMessage("dropping invalid response header").Len())
	assert.Equal(t, 1, zlogs.FilterMessage("dropping invalid response header value").Len())
}

func TestDispatchRequestBuildFailure(t *testing.T) {
	res := resolveTo(bdispatch.Bundle{Target: failTarget(t)})
	mapper := &countingMapper{next: bdispatch.DefaultExceptionMapper{}}
	d := bdispatch.NewDispatcher(res, mapper)

	conn := newTestConn()
	d.NewSession(conn).Handle(t.Context(), newMessage(http.MethodPost, "/form", []byte("x"), http.Header{
		"Content-Type": {"multipart/form-data"},
	}))

	w := conn.last(t)
	require.Equal(t, http.StatusBadRequest, w.Status)
	require.JSONEq(t, `{"status":400,"msg":"multipart body without boundary"}`, string(w.Body))
	require.NotNil(t, mapper.req)
	require.Nil(t, mapper.resp)
	require.Zero(t, res.count())
}

func TestDispatchWriteErrorIsLogged(t *testing.T) {
	logs := bdispatch.NewTestLogger(t)
	d := bdispatch.NewDispatcher(resolveTo(bdispatch.Bundle{Target: okTarget()}), nil, bdispatch.WithLogger(logs))

	conn := &failingConn{testConn: newTestConn()}
	d.NewSession(conn).Handle(t.Context(), newMessage(http.MethodGet, "/", nil, nil))
	require.Equal(t, int64(1), logs.NumLogWriteError)
}

type failingConn struct{ *testConn }

func (c *failingConn) Write(*bdispatch.Wire) error { return errors.New("broken pipe") }

func TestDispatchObserverOutcomes(t *testing.T) {
	var infos []bdispatch.CycleInfo
	obs := bdispatch.ObserverFunc(func(ci bdispatch.CycleInfo) { infos = append(infos, ci) })

	res := bdispatch.ResolverFunc(func(req *bdispatch.Request) (bdispatch.Bundle, bool) {
		switch req.Path() {
		case "/ok":
			return bdispatch.Bundle{Route: "ok", Target: okTarget()}, true
		case "/fail":
			return bdispatch.Bundle{Route: "fail", Target: bdispatch.HandlerFunc(
				func(*bdispatch.Request, *bdispatch.Response) error { return errors.New("x") })}, true
		}

		return bdispatch.Bundle{}, false
	})
	d := bdispatch.NewDispatcher(res, nil, bdispatch.WithObserver(obs))

	conn := newTestConn()
	sess := d.NewSession(conn)
	for _, m := range []*bdispatch.Message{
		newMessage(http.MethodGet, "/ok", nil, nil),
		newMessage(http.MethodGet, "/fail", nil, nil),
		newMessage(http.MethodGet, "/missing", nil, nil),
		newMessage(http.MethodOptions, "/ok", nil, nil),
		newMessage(http.MethodGet, "/favicon.ico", nil, nil),
		newMessage(http.MethodPut, "/ok", nil, http.Header{"Expect": {"100-continue"}}),
	} {
		sess.Handle(t.Context(), m)
	}

	require.Len(t, infos, 6)
	require.Equal(t, bdispatch.CycleInfo{Route: "ok", Method: "GET", Status: 200, Outcome: bdispatch.OutcomeHandled},
		withoutDuration(infos[0]))
	require.Equal(t, bdispatch.CycleInfo{Route: "fail", Method: "GET", Status: 500, Outcome: bdispatch.OutcomeMapped},
		withoutDuration(infos[1]))
	require.Equal(t, bdispatch.OutcomeNotFound, infos[2].Outcome)
	require.Equal(t, bdispatch.OutcomePreflight, infos[3].Outcome)
	require.Equal(t, bdispatch.OutcomeBlocked, infos[4].Outcome)
	require.Equal(t, bdispatch.OutcomeContinue, infos[5].Outcome)
}

func withoutDuration(ci bdispatch.CycleInfo) bdispatch.CycleInfo {
	ci.Duration = 0
	return ci
}

func TestDispatchTracing(t *testing.T) {
	sr := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(sr))
	zc, zlogs := observer.New(zapcore.InfoLevel)

	res := resolveTo(bdispatch.Bundle{Route: "traced", Target: bdispatch.HandlerFunc(
		func(req *bdispatch.Request, _ *bdispatch.Response) error {
			bdispatch.Log(req.Context()).Info("in handler")
			return nil
		})})
	d := bdispatch.NewDispatcher(res, nil,
		bdispatch.WithTracerProvider(tp),
		bdispatch.WithPropagator(propagation.TraceContext{}),
		bdispatch.WithZapLogger(zap.New(zc)))

	const traceID = "4bf92f3577b34da6a3ce929d0e0e4736"
	conn := newTestConn()
	d.NewSession(conn).Handle(t.Context(), newMessage(http.MethodGet, "/t", nil, http.Header{
		"Traceparent": {"00-" + traceID + "-00f067aa0ba902b7-01"},
	}))

	spans := sr.Ended()
	require.Len(t, spans, 1)
	require.Equal(t, traceID, spans[0].SpanContext().TraceID().String())
	require.Contains(t, spans[0].Attributes(), attribute.String("http.route", "traced"))
	require.Contains(t, spans[0].Attributes(), attribute.Int("http.response.status_code", 200))

	entries := zlogs.FilterMessage("in handler").All()
	require.Len(t, entries, 1)
	require.Equal(t, traceID, entries[0].ContextMap()["trace_id"])
}

func TestDispatchWrappedUnsupportedErrorIsMapped(t *testing.T) {
	for _, tt := range []struct {
		name   string
		target bdispatch.Target
		status int
	}{
		{"plain", bdispatch.HandlerFunc(func(*bdispatch.Request, *bdispatch.Response) error {
			return errors.Wrap(bdispatch.ErrUnsupportedTarget, "pick backend")
		}), http.StatusInternalServerError},
		{"with code", bdispatch.Wrap(bdispatch.HandlerFunc(func(*bdispatch.Request, *bdispatch.Response) error {
			return errors.Wrap(bdispatch.ErrUnsupportedTarget, "pick backend")
		}), bdispatch.WithCode(bdispatch.CodeBadGateway)), http.StatusBadGateway},
	} {
		t.Run(tt.name, func(t *testing.T) {
			logs := bdispatch.NewTestLogger(t)
			mapper := &countingMapper{next: bdispatch.DefaultExceptionMapper{}}
			d := bdispatch.NewDispatcher(resolveTo(bdispatch.Bundle{Route: "backend", Target: tt.target}), mapper,
				bdispatch.WithLogger(logs))

			conn := newTestConn()
			d.NewSession(conn).Handle(t.Context(), newMessage(http.MethodGet, "/", nil, nil))

			w := conn.last(t)
			require.Equal(t, tt.status, w.Status)
			require.Equal(t, 1, mapper.calls)
			require.ErrorIs(t, mapper.err, bdispatch.ErrUnsupportedTarget)
			require.Zero(t, logs.NumLogUnsupportedTarget)
		})
	}
}
