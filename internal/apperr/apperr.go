// Package apperr defines the typed business errors shared by the trade,
// escrow, negotiation and dispute services.
//
// Services return *Error values built with the constructors below. Callers
// test the category with errors.Is against the package sentinels:
//
//	if errors.Is(err, apperr.ErrInsufficientFunds) { ... }
package apperr

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"
)

// Kind classifies a business error.
type Kind string

const (
	KindNotFound          Kind = "not_found"
	KindForbidden         Kind = "forbidden"
	KindBadRequest        Kind = "bad_request"
	KindConflict          Kind = "conflict"
	KindInsufficientFunds Kind = "insufficient_funds"
	KindFeeMisconfigured  Kind = "fee_misconfigured"
	KindInternal          Kind = "internal_error"
)

// Error is a business error with a category and a caller-safe message.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

// Sentinels for errors.Is. They carry no message and match any *Error of the
// same Kind.
var (
	ErrNotFound          = &Error{Kind: KindNotFound}
	ErrForbidden         = &Error{Kind: KindForbidden}
	ErrBadRequest        = &Error{Kind: KindBadRequest}
	ErrConflict          = &Error{Kind: KindConflict}
	ErrInsufficientFunds = &Error{Kind: KindInsufficientFunds}
	ErrFeeMisconfigured  = &Error{Kind: KindFeeMisconfigured}
)

func (e *Error) Error() string {
	switch {
	case e.Message == "" && e.cause == nil:
		return string(e.Kind)
	case e.cause == nil:
		return e.Message
	case e.Message == "":
		return e.cause.Error()
	}
	return e.Message + ": " + e.cause.Error()
}

func (e *Error) Unwrap() error { return e.cause }

// Is reports whether target is a sentinel of the same Kind.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Message == "" && t.cause == nil && t.Kind == e.Kind
}

func newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

func NotFound(format string, args ...any) *Error   { return newf(KindNotFound, format, args...) }
func Forbidden(format string, args ...any) *Error  { return newf(KindForbidden, format, args...) }
func BadRequest(format string, args ...any) *Error { return newf(KindBadRequest, format, args...) }
func Conflict(format string, args ...any) *Error   { return newf(KindConflict, format, args...) }

func InsufficientFunds(format string, args ...any) *Error {
	return newf(KindInsufficientFunds, format, args...)
}

func FeeMisconfigured(format string, args ...any) *Error {
	return newf(KindFeeMisconfigured, format, args...)
}

// Wrap attaches a Kind and message to an underlying error.
func Wrap(kind Kind, err error, message string) *Error {
	return &Error{Kind: kind, Message: message, cause: err}
}

// KindOf returns the Kind of the first *Error in err's chain, or KindInternal.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindInternal
}

// HTTPStatus maps err to the status code the API responds with.
func HTTPStatus(err error) int {
	switch KindOf(err) {
	case KindNotFound:
		return http.StatusNotFound
	case KindForbidden:
		return http.StatusForbidden
	case KindBadRequest, KindInsufficientFunds:
		return http.StatusBadRequest
	case KindConflict:
		return http.StatusConflict
	case KindFeeMisconfigured:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

// Respond writes err as the standard JSON error body. Internal errors are
// not echoed to the client.
func Respond(c *gin.Context, err error) {
	kind := KindOf(err)
	message := "Internal server error"
	if kind != KindInternal {
		message = err.Error()
	}
	c.JSON(HTTPStatus(err), gin.H{
		"error":   string(kind),
		"message": message,
	})
}

// BadBody responds to a request whose JSON body could not be bound.
func BadBody(c *gin.Context) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "invalid_request",
		"message": "Invalid request body",
	})
}
