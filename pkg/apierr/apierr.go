// Package apierr defines the error taxonomy for the repub registry and its
// mapping onto HTTP responses.
//
// Every user-visible failure is an *Error carrying a stable kebab-case code,
// a human message, and an HTTP status. Service code returns these directly or
// wraps lower-level errors with E(); the HTTP layer writes them with Write.
package apierr

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
)

// Kind identifies a class of failure.
type Kind string

const (
	KindBadRequest           Kind = "bad-request"
	KindUnauthorized         Kind = "unauthorized"
	KindForbidden            Kind = "forbidden"
	KindNotFound             Kind = "not-found"
	KindConflict             Kind = "conflict"
	KindVersionExists        Kind = "version-exists"
	KindPayloadTooLarge      Kind = "payload-too-large"
	KindUploadExpired        Kind = "upload-expired"
	KindUnsupportedMedia     Kind = "unsupported-media-type"
	KindUnprocessable        Kind = "unprocessable-entity"
	KindTooManyRequests      Kind = "too-many-requests"
	KindUpstreamUnavailable  Kind = "upstream-unavailable"
	KindInternal             Kind = "internal"
	KindServiceUnavailable   Kind = "service-unavailable"
)

// statusFor maps each kind onto its HTTP status code.
var statusFor = map[Kind]int{
	KindBadRequest:          http.StatusBadRequest,
	KindUnauthorized:        http.StatusUnauthorized,
	KindForbidden:           http.StatusForbidden,
	KindNotFound:            http.StatusNotFound,
	KindConflict:            http.StatusConflict,
	KindVersionExists:       http.StatusConflict,
	KindPayloadTooLarge:     http.StatusRequestEntityTooLarge,
	KindUploadExpired:       http.StatusGone,
	KindUnsupportedMedia:    http.StatusUnsupportedMediaType,
	KindUnprocessable:       http.StatusUnprocessableEntity,
	KindTooManyRequests:     http.StatusTooManyRequests,
	KindUpstreamUnavailable: http.StatusBadGateway,
	KindInternal:            http.StatusInternalServerError,
	KindServiceUnavailable:  http.StatusServiceUnavailable,
}

// Error is a user-visible registry error.
type Error struct {
	Kind    Kind
	Message string
	Err     error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap returns the wrapped cause, if any.
func (e *Error) Unwrap() error {
	return e.Err
}

// Status returns the HTTP status code for the error.
func (e *Error) Status() int {
	if s, ok := statusFor[e.Kind]; ok {
		return s
	}
	return http.StatusInternalServerError
}

// New creates an error of the given kind with a message.
func New(kind Kind, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// E wraps a cause with a kind and message.
func E(kind Kind, err error, format string, args ...interface{}) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Err: err}
}

// Is reports whether err is (or wraps) an *Error of the given kind.
func Is(err error, kind Kind) bool {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind == kind
	}
	return false
}

// envelope is the wire shape of all error responses.
type envelope struct {
	Error body `json:"error"`
}

type body struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Write writes err to w using the registry error envelope. Errors that are
// not *Error values are reported as internal without leaking detail.
func Write(w http.ResponseWriter, err error) {
	var ae *Error
	if !errors.As(err, &ae) {
		ae = &Error{Kind: KindInternal, Message: "internal server error"}
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(ae.Status())
	json.NewEncoder(w).Encode(envelope{Error: body{
		Code:    string(ae.Kind),
		Message: ae.Message,
	}})
}

// WriteKind is a shorthand for Write(w, New(kind, format, args...)).
func WriteKind(w http.ResponseWriter, kind Kind, format string, args ...interface{}) {
	Write(w, New(kind, format, args...))
}
