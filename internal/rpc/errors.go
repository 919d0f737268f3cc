package rpc

import (
	"errors"
	"fmt"
	"strings"

	"github.com/roach88/strand/internal/protocol"
)

// Code classifies a node error.
type Code string

const (
	CodeBadPrevMiniblockHash Code = "BAD_PREV_MINIBLOCK_HASH"
	CodeMiniblockTooNew      Code = "MINIBLOCK_TOO_NEW"
	CodePermissionDenied     Code = "PERMISSION_DENIED"
	CodeNotFound             Code = "NOT_FOUND"
	CodeAlreadyExists        Code = "ALREADY_EXISTS"
	CodeInvalidArgument      Code = "INVALID_ARGUMENT"
	CodeInternal             Code = "INTERNAL"
	CodeUnavailable          Code = "UNAVAILABLE"
)

// Messages a node uses when a referenced on-chain transaction is not yet
// visible to it.
const (
	MsgZeroConfirmations = "Transaction has 0 confirmations."
	MsgReceiptNotFound   = "Transaction receipt not found"
)

// Error is a typed node error. It survives the wire round trip.
type Error struct {
	Code    Code   `json:"code"`
	Message string `json:"message"`

	// Expected is set on BAD_PREV_MINIBLOCK_HASH: the pointer the node
	// would have accepted.
	Expected *protocol.CommitPointer `json:"expected,omitempty"`
}

func (e *Error) Error() string {
	if e.Expected != nil {
		return fmt.Sprintf("%s: %s (expected %s)", e.Code, e.Message, e.Expected)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Errorf builds an *Error.
func Errorf(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf returns the code of the first *Error in err's chain, or "".
func CodeOf(err error) Code {
	var re *Error
	if errors.As(err, &re) {
		return re.Code
	}
	return ""
}

// ExpectedPointer returns the pointer embedded in a stale-pointer error.
func ExpectedPointer(err error) (protocol.CommitPointer, bool) {
	var re *Error
	if errors.As(err, &re) && re.Code == CodeBadPrevMiniblockHash && re.Expected != nil {
		return *re.Expected, true
	}
	return protocol.CommitPointer{}, false
}

// IsMiniblockTooNew reports whether the event referenced a pointer ahead of
// the node's view.
func IsMiniblockTooNew(err error) bool {
	return CodeOf(err) == CodeMiniblockTooNew
}

// IsAwaitingConfirmation reports a permission error caused by an external
// transaction the node cannot see yet.
func IsAwaitingConfirmation(err error) bool {
	var re *Error
	if !errors.As(err, &re) || re.Code != CodePermissionDenied {
		return false
	}
	return strings.Contains(re.Message, MsgZeroConfirmations) ||
		strings.Contains(re.Message, MsgReceiptNotFound)
}

// IsNotFound reports a missing stream or miniblock.
func IsNotFound(err error) bool {
	return CodeOf(err) == CodeNotFound
}
