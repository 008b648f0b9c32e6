package control

import (
	"errors"
	"fmt"

	"github.com/imroc/req/v3"
)

// ErrAlreadyRunning is reported by Start when the backend consumer was already running.
// Callers treat it as success unless they need a fresh start.
var ErrAlreadyRunning = errors.New("already running")

// ResponseError is an HTTP failure without a decodable backend body.
type ResponseError struct {
	Status string
	Body   []byte
	Code   int
}

// Error does not include the body, it may be large.
func (e *ResponseError) Error() string {
	return fmt.Sprintf("code: %d status: %s", e.Code, e.Status)
}

// BackendError is a start/stop failure reported by the backend itself,
// for example a busy device or a decoder that failed to launch.
type BackendError struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (e *BackendError) Error() string {
	if e.Message == "" {
		return "backend error"
	}
	return "backend error: " + e.Message
}

// errorFromResponse turns a req response into a typed error.
func errorFromResponse(err error, resp *req.Response) error {
	if err != nil {
		return err
	}
	if resp.IsSuccessState() {
		return nil
	}

	if be, ok := resp.ErrorResult().(*BackendError); ok && be != nil && (be.Message != "" || be.Status != "") {
		return be
	}

	return &ResponseError{
		Code:   resp.StatusCode,
		Status: resp.Status,
		Body:   resp.Bytes(),
	}
}
