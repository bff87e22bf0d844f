package bdispatch

import (
	"net/http"
)

type errorBody struct {
	Status int    `json:"status"`
	Msg    string `json:"msg"`
}

// DefaultExceptionMapper maps errors to a JSON body of the form {"status":<code>,"msg":"<text>"}. The status is
// taken from [CodeOf] and is 500 when the error carries no code. The live response is reused when there is
// one so that headers and cookies already set survive.
type DefaultExceptionMapper struct{}

// Map implements [ExceptionMapper].
func (DefaultExceptionMapper) Map(req *Request, resp *Response, err error) (*Response, error) {
	code := int(CodeOf(err))
	if code == 0 {
		code = http.StatusInternalServerError
	}

	msg := err.Error()
	if codeErr, ok := asError(err); ok {
		msg = codeErr.Message()
	}

	if resp == nil {
		id := ""
		if req != nil {
			id = req.ID()
		}

		resp = NewResponse(id)
	}

	resp.Reset()
	resp.SetStatus(code)

	if err := resp.SetJSON(errorBody{Status: code, Msg: msg}); err != nil {
		return nil, err
	}

	return resp, nil
}
