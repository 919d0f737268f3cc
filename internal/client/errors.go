package client

import (
	"errors"
	"fmt"

	"github.com/roach88/strand/internal/streamid"
)

// ErrorCode categorizes client errors.
type ErrorCode string

const (
	// ErrCodeStreamNotFound indicates the stream is not registered.
	ErrCodeStreamNotFound ErrorCode = "STREAM_NOT_FOUND"

	// ErrCodeStreamExists indicates a handle already exists for the id.
	ErrCodeStreamExists ErrorCode = "STREAM_EXISTS"

	// ErrCodeNotInitialized indicates the stream is registered but has no
	// state yet.
	ErrCodeNotInitialized ErrorCode = "NOT_INITIALIZED"

	// ErrCodeNoCommitPointer indicates the stream has no miniblock to
	// commit against.
	ErrCodeNoCommitPointer ErrorCode = "NO_COMMIT_POINTER"

	// ErrCodeNotInPersistence indicates initialization was restricted to
	// persistence and persistence had nothing usable.
	ErrCodeNotInPersistence ErrorCode = "NOT_IN_PERSISTENCE"

	// ErrCodeWaitTimeout indicates WaitFor gave up.
	ErrCodeWaitTimeout ErrorCode = "WAIT_TIMEOUT"

	// ErrCodeMalformedStreamID indicates an id failed to parse.
	ErrCodeMalformedStreamID ErrorCode = "MALFORMED_STREAM_ID"
)

// Error is a client-side failure. These are preconditions or setup failures
// and are never retried by the engine.
type Error struct {
	Code     ErrorCode
	Message  string
	StreamID streamid.ID
	Err      error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Message)
	if e.StreamID != "" {
		msg += fmt.Sprintf(" (stream=%s)", e.StreamID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is matches another *Error by code, so errors.Is(err, &Error{Code: c})
// works as a code check.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code && (t.StreamID == "" || t.StreamID == e.StreamID)
}

func newError(code ErrorCode, id streamid.ID, format string, args ...any) *Error {
	return &Error{Code: code, StreamID: id, Message: fmt.Sprintf(format, args...)}
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsStreamNotFound reports whether err is a missing-stream precondition.
func IsStreamNotFound(err error) bool { return CodeOf(err) == ErrCodeStreamNotFound }

// IsWaitTimeout reports whether err came from WaitFor timing out.
func IsWaitTimeout(err error) bool { return CodeOf(err) == ErrCodeWaitTimeout }
