// Package bdispatch turns decoded HTTP messages into responses, one request/response cycle at a time.
//
// # Overview
//
// A transport decodes bytes into a [Message] and hands it to the [Session] of the connection it arrived on.
// The session runs the cycle and writes exactly one [Wire] back through the connection's [Conn]:
//
//	d := bdispatch.NewDispatcher(table, nil, bdispatch.WithZapLogger(logs))
//	sess := d.NewSession(conn)
//	sess.Handle(ctx, msg)
//
// Transports live in sub packages: transport serves raw TCP, httpadapter sits behind net/http and
// fastadapter behind fasthttp. route provides a [Resolver] on top of gorilla/mux.
//
// # The Cycle
//
// For every message the session:
//
//   - answers "Expect: 100-continue" with an interim 100 and stops there
//   - answers blocked paths (by default /favicon.ico) with an empty 404
//   - builds a [Request] and a request-scoped logger that carries the request id
//   - answers OPTIONS with a 201 preflight body
//   - resolves a [Bundle] of interceptors and a [Target], or answers an empty 404
//   - runs every [Interceptor.PreHandle] in order, stopping at the first that returns false
//   - invokes the target and runs every [Interceptor.PostHandle] in reverse order
//   - assembles the [Response] into a [Wire] and writes it, closing the connection
//
// Any error or panic along the way goes to the [ExceptionMapper]. When the mapper itself fails the client
// receives a plain text 500 that starts with "Failure: ".
//
// # Handlers
//
// Targets and handlers return errors instead of writing error responses themselves:
//
//	table.HandleFunc("GET /items/{id}", func(req *bdispatch.Request, resp *bdispatch.Response) error {
//	    item, err := db.GetItem(req.PathValue("id"))
//	    if err != nil {
//	        return bdispatch.NewError(bdispatch.CodeNotFound, err)
//	    }
//	    return resp.SetJSON(item)
//	}, "get-item")
//
// The [DefaultExceptionMapper] turns a returned [*Error] into a JSON body with the error's status. Errors
// without a code become a 500.
//
// A [Response] body is either a result string set with [Response.SetResult] or whatever was written to it
// as an io.Writer. Writing wins when both are used.
//
// # Logging and Tracing
//
// [Log] returns the request-scoped zap logger from a request's context. Its entries carry the request id and,
// when tracing is configured, the trace and span ids. Each cycle is a server span whose parent is extracted
// from the request headers.
//
// Failures that never reach the client are reported through the [Logger] hooks.
//
// # Disconnects
//
// [Session.Disconnected] cancels the context of an in-flight cycle and removes the temporary files of its
// multipart uploads. No response is written after a disconnect. [Session.Idle] closes the connection.
package bdispatch
