package bdispatch

// Middleware decorates a [Target]. Unlike an [Interceptor] it sees the target's error and may replace it.
type Middleware func(Target) Target

// Wrap takes the inner target t and wraps it with middleware. The order is that of the Gorilla and Chi router.
// That is: the middleware provided first is called first and is the "outer" most wrapping, the middleware
// provided last will be the "inner most" wrapping (closest to the target).
func Wrap(t Target, m ...Middleware) Target {
	if len(m) < 1 {
		return t
	}

	wrapped := t
	for i := len(m) - 1; i >= 0; i-- {
		wrapped = m[i](wrapped)
	}

	return wrapped
}

// WithCode is middleware that gives every error of the inner target the http status c, unless the error
// already carries one.
func WithCode(c Code) Middleware {
	return func(next Target) Target {
		return HandlerFunc(func(req *Request, resp *Response) error {
			err := invoke(next, req, resp)
			if err == nil || err == ErrUnsupportedTarget || CodeOf(err) != CodeUnknown { //nolint:errorlint
				return err
			}

			return NewError(c, err)
		})
	}
}
