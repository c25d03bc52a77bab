// Package errcode defines the device error kinds shared by all canaryd
// subsystems and their mapping onto HTTP statuses.
//
// Subsystems return these through the usual error-wrapping chain; the HTTP
// layer unwraps them with errors.As to build the uniform failure envelope.
package errcode

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies a device error kind.
type Code string

const (
	CodeBadRequest         Code = "bad_request"
	CodeUnauthorized       Code = "unauthorized"
	CodeBusy               Code = "busy"
	CodeNotFound           Code = "not_found"
	CodeStorageUnavailable Code = "storage_unavailable"
	CodeStorageFull        Code = "storage_full"
	CodeChainBroken        Code = "chain_broken"
	CodeRadioFailure       Code = "radio_failure"
	CodeTimeout            Code = "timeout"
	CodeInternal           Code = "internal"

	// Community-channel send gates.
	CodePresenceNotMet Code = "presence_not_met"
	CodeCooldown       Code = "cooldown"
)

// Error is a device error with a kind and an operator-facing message.
// Meta carries extra envelope fields, such as a cooldown countdown.
type Error struct {
	Code    Code
	Message string
	Meta    map[string]any
	wrapped error
}

// New creates an Error with the given code and message.
func New(code Code, message string) *Error {
	return &Error{Code: code, Message: message}
}

// Newf creates an Error with a formatted message.
func Newf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a code and message to an underlying error.
func Wrap(err error, code Code, message string) *Error {
	return &Error{Code: code, Message: message, wrapped: err}
}

// WithMeta attaches one extra envelope field.
func (e *Error) WithMeta(key string, value any) *Error {
	if e.Meta == nil {
		e.Meta = make(map[string]any, 1)
	}
	e.Meta[key] = value
	return e
}

func (e *Error) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Message, e.wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error { return e.wrapped }

// HTTPStatus maps the code to an HTTP status.
func (e *Error) HTTPStatus() int {
	switch e.Code {
	case CodeBadRequest:
		return http.StatusBadRequest
	case CodeUnauthorized:
		return http.StatusForbidden
	case CodeBusy:
		return http.StatusConflict
	case CodeNotFound:
		return http.StatusNotFound
	case CodeStorageUnavailable, CodeStorageFull:
		return http.StatusServiceUnavailable
	case CodeChainBroken:
		return http.StatusLocked
	case CodeRadioFailure:
		return http.StatusServiceUnavailable
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodePresenceNotMet:
		return http.StatusForbidden
	case CodeCooldown:
		return http.StatusTooManyRequests
	default:
		return http.StatusInternalServerError
	}
}

// CodeOf extracts the device code from an error chain.
// Errors without an embedded *Error report CodeInternal.
func CodeOf(err error) Code {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return CodeInternal
}

// StatusOf returns the HTTP status for any error.
func StatusOf(err error) int {
	var de *Error
	if errors.As(err, &de) {
		return de.HTTPStatus()
	}
	return http.StatusInternalServerError
}
