package ipcmux

import (
	"errors"
	"fmt"
)

// ErrorCode is a stable numeric error classification. Codes travel on the
// wire inside ChannelEnd frames, so their values must never be reordered.
type ErrorCode uint32

const (
	// CodeOK marks a graceful channel end.
	CodeOK ErrorCode = 0
	// CodeInvalidArgument covers bad connection strings, malformed or
	// oversized frames, and undecodable envelopes.
	CodeInvalidArgument ErrorCode = 1
	// CodeNotConnected is returned for sends before the handshake or after
	// a disconnect.
	CodeNotConnected ErrorCode = 2
	// CodeAlreadyExists is returned for duplicate factory registrations.
	CodeAlreadyExists ErrorCode = 3
	// CodeCanceled reports an explicit cancellation by the channel owner.
	CodeCanceled ErrorCode = 4
	// CodeDisconnected reports loss of the underlying pipe.
	CodeDisconnected ErrorCode = 5
	// CodeIO wraps an OS level I/O failure.
	CodeIO ErrorCode = 6
	// CodeOther is the fallback for unmapped failures.
	CodeOther ErrorCode = 7
)

func (c ErrorCode) String() string {
	switch c {
	case CodeOK:
		return "ok"
	case CodeInvalidArgument:
		return "invalid argument"
	case CodeNotConnected:
		return "not connected"
	case CodeAlreadyExists:
		return "already exists"
	case CodeCanceled:
		return "canceled"
	case CodeDisconnected:
		return "disconnected"
	case CodeIO:
		return "io"
	default:
		return fmt.Sprintf("error(%d)", uint32(c))
	}
}

// Error is the single error type surfaced by this package. It pairs a stable
// code with an optional human readable message and wrapped cause.
type Error struct {
	Code  ErrorCode
	Msg   string
	Cause error
}

func (e *Error) Error() string {
	switch {
	case e.Msg != "" && e.Cause != nil:
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Msg, e.Cause)
	case e.Msg != "":
		return fmt.Sprintf("%s: %s", e.Code, e.Msg)
	case e.Cause != nil:
		return fmt.Sprintf("%s: %v", e.Code, e.Cause)
	default:
		return e.Code.String()
	}
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error carrying the same code, so sentinel comparisons via
// errors.Is work regardless of message or cause.
func (e *Error) Is(target error) bool {
	var other *Error
	if errors.As(target, &other) {
		return other.Code == e.Code
	}
	return false
}

// newError builds an *Error with a formatted message.
func newError(code ErrorCode, format string, args ...any) *Error {
	return &Error{Code: code, Msg: fmt.Sprintf(format, args...)}
}

// wrapError attaches a code and message to an underlying cause.
func wrapError(code ErrorCode, cause error, msg string) *Error {
	return &Error{Code: code, Msg: msg, Cause: cause}
}

// codeToError converts a wire error code into the error delivered with a
// Completed event. CodeOK means a graceful end and maps to nil.
func codeToError(code ErrorCode) *Error {
	if code == CodeOK {
		return nil
	}
	return &Error{Code: code}
}

// Sentinel errors for hot-path conditions. All are *Error values, so both
// errors.Is(err, ErrNotConnected) and code inspection work.
var (
	// ErrNotConnected is returned when sending on a pipe or gateway that has
	// not completed its handshake, or whose peer is gone.
	ErrNotConnected = &Error{Code: CodeNotConnected}
	// ErrBufferFull signals backpressure: the outbound queue is full and the
	// message was not enqueued.
	ErrBufferFull = &Error{Code: CodeOther, Msg: "send buffer full"}
	// ErrClosed describes a closed pipe or executor. No function of this
	// package returns it: sends on a closed pipe fail with ErrNotConnected
	// and Submit on a closed executor is a silent no-op.
	ErrClosed = &Error{Code: CodeCanceled, Msg: "closed"}
	// ErrDisconnected is delivered to every live gateway when the underlying
	// pipe goes away.
	ErrDisconnected = &Error{Code: CodeDisconnected}
)
