package bdispatch

import (
	"fmt"
	"reflect"

	"github.com/cockroachdb/errors"
)

// Target is the terminal handler of a [Bundle]. The dispatcher calls Invoke once per routed cycle.
type Target interface {
	Invoke(req *Request, resp *Response) error
}

// Handler is the direct handler variant: a value exposing a single handle operation.
type Handler interface {
	Handle(req *Request, resp *Response) error
}

// HandlerFunc allows casting a function to a [Handler] and a [Target].
type HandlerFunc func(*Request, *Response) error

// Handle implements [Handler].
func (f HandlerFunc) Handle(req *Request, resp *Response) error { return f(req, resp) }

// Invoke implements [Target].
func (f HandlerFunc) Invoke(req *Request, resp *Response) error {
	if f == nil {
		return ErrUnsupportedTarget
	}

	return f(req, resp)
}

// Direct turns any [Handler] into a [Target].
func Direct(h Handler) Target { return directTarget{h} }

type directTarget struct{ h Handler }

func (t directTarget) Invoke(req *Request, resp *Response) error {
	if t.h == nil {
		return ErrUnsupportedTarget
	}

	return t.h.Handle(req, resp)
}

func (t directTarget) String() string { return fmt.Sprintf("direct(%T)", t.h) }

// MethodTarget is the bound-method variant: a receiver and one of its methods, captured as a method value
// when the routing table is built.
type MethodTarget struct {
	Receiver any
	Name     string
	Func     func(*Request, *Response) error
}

// Invoke implements [Target].
func (t MethodTarget) Invoke(req *Request, resp *Response) error {
	if t.Func == nil {
		return ErrUnsupportedTarget
	}

	return t.Func(req, resp)
}

func (t MethodTarget) String() string { return fmt.Sprintf("%T.%s", t.Receiver, t.Name) }

// BindMethod looks up the exported method called name on receiver and captures it. It is meant to be
// called while building a routing table from a declarative source; lookups never happen per request.
func BindMethod(receiver any, name string) (MethodTarget, error) {
	if receiver == nil {
		return MethodTarget{}, errors.Newf("bind %q: nil receiver", name)
	}

	mv := reflect.ValueOf(receiver).MethodByName(name)
	if !mv.IsValid() {
		return MethodTarget{}, errors.Newf("bind %q: %T has no such method", name, receiver)
	}

	fn, ok := mv.Interface().(func(*Request, *Response) error)
	if !ok {
		return MethodTarget{}, errors.Newf("bind %q: method has signature %s, want func(*Request, *Response) error",
			name, mv.Type())
	}

	return MethodTarget{Receiver: receiver, Name: name, Func: fn}, nil
}

// MustBindMethod is like [BindMethod] but panics on failure.
func MustBindMethod(receiver any, name string) MethodTarget {
	t, err := BindMethod(receiver, name)
	if err != nil {
		panic("bdispatch: " + err.Error())
	}

	return t
}

// Interceptor runs around a handler. PreHandle returning false stops the cycle: the handler and the remaining
// interceptors are skipped and the response as populated so far is emitted.
type Interceptor interface {
	PreHandle(req *Request, resp *Response) (bool, error)
	PostHandle(req *Request, resp *Response) error
}

// InterceptorFuncs builds an [Interceptor] from functions. Nil functions are no-ops.
type InterceptorFuncs struct {
	Pre  func(*Request, *Response) (bool, error)
	Post func(*Request, *Response) error
}

// PreHandle implements [Interceptor].
func (f InterceptorFuncs) PreHandle(req *Request, resp *Response) (bool, error) {
	if f.Pre == nil {
		return true, nil
	}

	return f.Pre(req, resp)
}

// PostHandle implements [Interceptor].
func (f InterceptorFuncs) PostHandle(req *Request, resp *Response) error {
	if f.Post == nil {
		return nil
	}

	return f.Post(req, resp)
}

// Bundle is what route resolution produces: the interceptors to run, in order, and the terminal target.
type Bundle struct {
	Route        string
	Interceptors []Interceptor
	Target       Target
}

// Resolver maps a request to a [Bundle]. The boolean is false when no route matches.
type Resolver interface {
	Resolve(req *Request) (Bundle, bool)
}

// ResolverFunc allows casting a function to a [Resolver].
type ResolverFunc func(*Request) (Bundle, bool)

// Resolve implements [Resolver].
func (f ResolverFunc) Resolve(req *Request) (Bundle, bool) { return f(req) }

// ExceptionMapper turns a cycle failure into the response to send. Either req or resp may be nil when the
// failure happened before they were built. A returned error is treated as a mapper failure.
type ExceptionMapper interface {
	Map(req *Request, resp *Response, err error) (*Response, error)
}

// ExceptionMapperFunc allows casting a function to an [ExceptionMapper].
type ExceptionMapperFunc func(*Request, *Response, error) (*Response, error)

// Map implements [ExceptionMapper].
func (f ExceptionMapperFunc) Map(req *Request, resp *Response, err error) (*Response, error) {
	return f(req, resp, err)
}
