package contracts

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsExpectedError(t *testing.T) {
	cause := errors.New("read: connection reset by peer")
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"client disconnect", NewClientDisconnectError("r1"), true},
		{"complete", NewStreamCompleteError("r1"), true},
		{"truncated", NewStreamTruncatedError("r1", 3, cause), true},
		{"wrapped truncated", fmt.Errorf("relay: %w", NewStreamTruncatedError("r1", 3, cause)), true},
		{"internal", NewInternalError("r1", "write failed", cause), false},
		{"plain", cause, false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsExpectedError(tt.err))
		})
	}
}

func TestStreamTruncatedErrorKeepsCause(t *testing.T) {
	cause := errors.New("unexpected EOF")
	err := NewStreamTruncatedError("r1", 2, cause)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "Stream truncated after 2 chunk retries: unexpected EOF", err.Error())
	assert.False(t, IsClientDisconnect(err))
}
