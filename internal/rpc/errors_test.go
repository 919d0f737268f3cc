package rpc

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/roach88/strand/internal/protocol"
)

func TestExpectedPointer(t *testing.T) {
	want := protocol.CommitPointer{Num: 6}
	err := fmt.Errorf("add event: %w", &Error{Code: CodeBadPrevMiniblockHash, Message: "stale", Expected: &want})

	got, ok := ExpectedPointer(err)
	assert.True(t, ok)
	assert.Equal(t, want, got)

	_, ok = ExpectedPointer(&Error{Code: CodeBadPrevMiniblockHash})
	assert.False(t, ok, "no expected pointer attached")
	_, ok = ExpectedPointer(errors.New("plain"))
	assert.False(t, ok)
}

func TestIsAwaitingConfirmation(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"zero confirmations", &Error{Code: CodePermissionDenied, Message: "denied: " + MsgZeroConfirmations}, true},
		{"receipt", fmt.Errorf("wrapped: %w", &Error{Code: CodePermissionDenied, Message: MsgReceiptNotFound}), true},
		{"other permission error", &Error{Code: CodePermissionDenied, Message: "not a member"}, false},
		{"wrong code", &Error{Code: CodeInternal, Message: MsgZeroConfirmations}, false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsAwaitingConfirmation(tt.err))
		})
	}
}

func TestCodePredicates(t *testing.T) {
	assert.True(t, IsMiniblockTooNew(Errorf(CodeMiniblockTooNew, "num %d", 9)))
	assert.False(t, IsMiniblockTooNew(errors.New("x")))
	assert.True(t, IsNotFound(fmt.Errorf("get: %w", Errorf(CodeNotFound, "gone"))))
	assert.Equal(t, Code(""), CodeOf(nil))
}

func TestErrorString(t *testing.T) {
	e := &Error{Code: CodeBadPrevMiniblockHash, Message: "stale", Expected: &protocol.CommitPointer{Num: 3}}
	assert.Contains(t, e.Error(), "BAD_PREV_MINIBLOCK_HASH: stale (expected ")
	assert.Equal(t, "NOT_FOUND: x", Errorf(CodeNotFound, "x").Error())
}
