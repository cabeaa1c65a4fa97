// Package apperr is the coded error type shared by repositories, the live poll engine and HTTP handlers.
package apperr

import (
	"errors"
	"fmt"
	"net/http"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type Code codes.Code

const (
	CodeInvalidArgument    = Code(codes.InvalidArgument)
	CodeNotFound           = Code(codes.NotFound)
	CodeAlreadyExists      = Code(codes.AlreadyExists)
	CodeFailedPrecondition = Code(codes.FailedPrecondition)
	CodePermissionDenied   = Code(codes.PermissionDenied)
	CodeUnavailable        = Code(codes.Unavailable)
	CodeInternal           = Code(codes.Internal)
)

// Reasons are stable strings clients switch on to render a specific message.
const (
	ReasonPollInactive     = "poll_inactive"
	ReasonDuplicate        = "duplicate"
	ReasonNotAMember       = "not_a_member"
	ReasonPollActivated    = "poll_activated"
	ReasonPollHasResponses = "poll_has_responses"
	ReasonPollClosed       = "poll_closed"
	ReasonSessionInactive  = "session_inactive"
	ReasonQueueUnavailable = "queue_unavailable"
)

var code2http = map[Code]int{
	CodeInvalidArgument:    http.StatusBadRequest,
	CodeNotFound:           http.StatusNotFound,
	CodeAlreadyExists:      http.StatusConflict,
	CodeFailedPrecondition: http.StatusConflict,
	CodePermissionDenied:   http.StatusForbidden,
	CodeUnavailable:        http.StatusServiceUnavailable,
	CodeInternal:           http.StatusInternalServerError,
}

type Error struct {
	Code    Code   `json:"code"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message"`
	err     error
}

func New(code Code, opts ...Option) *Error {
	e := &Error{
		Code:    code,
		Message: codes.Code(code).String(),
	}

	for _, opt := range opts {
		opt.apply(e)
	}

	return e
}

func (e *Error) Error() string {
	s := fmt.Sprintf("code: %d, message: %s", e.Code, e.Message)
	if e.Reason != "" {
		s += ", reason: " + e.Reason
	}
	if e.err != nil {
		s += fmt.Sprintf(", err: %s", e.err)
	}

	return s
}

func (e *Error) Unwrap() error {
	return e.err
}

// Is matches another *Error by code and reason so callers can compare against sentinels.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return e.Code == t.Code && e.Reason == t.Reason
}

func (e *Error) GRPCStatus() *status.Status {
	return status.New(codes.Code(e.Code), e.Message)
}

func (e *Error) HTTPStatusCode() int {
	if c, ok := code2http[e.Code]; ok {
		return c
	}

	return http.StatusInternalServerError
}

// Convert returns err as *Error, wrapping anything else as Internal.
func Convert(err error) *Error {
	var e *Error
	if !errors.As(err, &e) {
		return Internal(err)
	}

	return e
}

// CodeOf returns the code carried by err, or CodeInternal.
func CodeOf(err error) Code {
	return Convert(err).Code
}

func Internal(err error) *Error {
	return New(CodeInternal, WithCause(err))
}

func NotFound(format string, args ...any) *Error {
	return New(CodeNotFound, WithMessagef(format, args...))
}

func InvalidArgument(format string, args ...any) *Error {
	return New(CodeInvalidArgument, WithMessagef(format, args...))
}

// Unavailable marks a retryable failure of a dependency.
func Unavailable(err error, format string, args ...any) *Error {
	return New(CodeUnavailable, WithCause(err), WithMessagef(format, args...))
}

type Option interface {
	apply(*Error)
}

type optionFunc func(*Error)

func (f optionFunc) apply(e *Error) {
	f(e)
}

func WithCause(err error) Option {
	return optionFunc(func(e *Error) {
		e.err = err
	})
}

func WithMessagef(format string, args ...any) Option {
	return optionFunc(func(e *Error) {
		e.Message = fmt.Sprintf(format, args...)
	})
}

func WithReason(reason string) Option {
	return optionFunc(func(e *Error) {
		e.Reason = reason
	})
}

// Sentinels for the distinguishable submission and lifecycle failures.
var (
	ErrPollInactive     = New(CodeFailedPrecondition, WithReason(ReasonPollInactive), WithMessagef("poll is not active"))
	ErrDuplicate        = New(CodeAlreadyExists, WithReason(ReasonDuplicate), WithMessagef("response already submitted"))
	ErrNotAMember       = New(CodeNotFound, WithReason(ReasonNotAMember), WithMessagef("not a session member"))
	ErrPollActivated    = New(CodeFailedPrecondition, WithReason(ReasonPollActivated), WithMessagef("poll has already been activated"))
	ErrPollHasResponses = New(CodeFailedPrecondition, WithReason(ReasonPollHasResponses), WithMessagef("poll has responses"))
	ErrPollClosed       = New(CodeFailedPrecondition, WithReason(ReasonPollClosed), WithMessagef("poll is closed"))
	ErrSessionInactive  = New(CodePermissionDenied, WithReason(ReasonSessionInactive), WithMessagef("session is not active"))
)
