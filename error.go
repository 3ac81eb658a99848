package bingest

import (
	"fmt"
	"net/http"

	"github.com/cockroachdb/errors"
)

// Code is an error code mirroring the http status codes the ingestion
// pipeline reports. It travels with failures so the transport layer can
// render the right response without inspecting error strings.
type Code int

const (
	CodeUnknown               Code = 0
	CodeBadRequest            Code = http.StatusBadRequest            // malformed payload encoding
	CodeLengthRequired        Code = http.StatusLengthRequired        // RFC 9110, 15.5.12
	CodeRequestEntityTooLarge Code = http.StatusRequestEntityTooLarge // body limit exceeded
	CodeUnsupportedMediaType  Code = http.StatusUnsupportedMediaType  // RFC 9110, 15.5.16
	CodeExpectationFailed     Code = http.StatusExpectationFailed     // unsupported Expect header
	CodeInternalServerError   Code = http.StatusInternalServerError   // unexpected i/o failure
)

// Status returns the http status code to respond with. CodeUnknown maps to
// an internal server error.
func (c Code) Status() int {
	if c == CodeUnknown {
		return http.StatusInternalServerError
	}

	return int(c)
}

// ErrMalformedPayload marks transport decode failures: bad chunked framing,
// an invalid multipart boundary, or an undecodable form body. Failures
// carrying this mark are reported as a bad request.
var ErrMalformedPayload = errors.New("bingest: malformed payload")

// Error carries an ingestion failure together with its response code.
type Error struct {
	code Code
	err  error
}

// NewError inits a new error given the error code.
func NewError(c Code, underlying error) *Error {
	return &Error{c, underlying}
}

// Code returns the error's response code.
func (e *Error) Code() Code { return e.code }

func (e *Error) Error() string {
	status := http.StatusText(e.code.Status())

	return fmt.Sprintf("%s: %s", status, e.err.Error())
}

// Unwrap exposes the underlying cause for errors.Is/As chains.
func (e *Error) Unwrap() error { return e.err }

// CodeOf returns the error's code if it is or wraps an [*Error] and
// [CodeUnknown] otherwise.
func CodeOf(err error) Code {
	var ingErr *Error
	if errors.As(err, &ingErr) {
		return ingErr.Code()
	}

	return CodeUnknown
}
