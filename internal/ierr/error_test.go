package ierr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError(t *testing.T) {
	t.Run("message and unwrap", func(t *testing.T) {
		err := New(ErrorCodeInvalidArgument, ErrMalformedMessage)

		assert.Equal(t, "InvalidArgument: malformed control message", err.Error())
		assert.Equal(t, "malformed control message", err.Message)
		assert.True(t, errors.Is(err, ErrMalformedMessage))
	})

	t.Run("code of wrapped error", func(t *testing.T) {
		err := fmt.Errorf("handling join: %w", New(ErrorCodeNotFound, errors.New("gone")))

		assert.Equal(t, ErrorCodeNotFound, CodeOf(err))
	})

	t.Run("code of plain error", func(t *testing.T) {
		assert.Equal(t, ErrorCodeInternal, CodeOf(errors.New("boom")))
	})
}
