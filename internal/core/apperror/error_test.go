package apperror

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCodeHelpers_WrappedChain(t *testing.T) {
	base := NewOccConflict("stock_counter", "t1/item")
	wrapped := fmt.Errorf("apply delta: %w", base)

	assert.True(t, IsOccConflict(wrapped))
	assert.True(t, IsRetryable(wrapped))
	assert.Equal(t, CodeOccConflict, Code(wrapped))
	assert.False(t, IsNotFound(wrapped))
}

func TestCode_PlainErrorIsInternal(t *testing.T) {
	err := errors.New("boom")
	assert.Equal(t, CodeInternal, Code(err))
	assert.False(t, IsRetryable(err))
}

func TestBusinessErrorsAreNotRetryable(t *testing.T) {
	cases := []*AppError{
		NewInsufficientQuantity("i", "1", "0", "-2", "0"),
		NewInsufficientOnHand("i", "5", "3"),
		NewExceedsRemaining("l", "5", "3"),
		NewInvalidTransition("sales_order", "closed", "cancel"),
		NewValidation("bad"),
	}
	for _, c := range cases {
		t.Run(c.Code, func(t *testing.T) {
			assert.False(t, IsRetryable(c))
		})
	}
}

func TestPartialApplication_UnwrapsCause(t *testing.T) {
	cause := NewInsufficientOnHand("i", "5", "3")
	err := NewPartialApplication("reserve", 1, 1, cause)

	assert.Equal(t, CodePartialApplication, Code(err))
	assert.True(t, HasCode(err, CodeInsufficientOnHand))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, 1, err.Details["applied_lines"])
}
