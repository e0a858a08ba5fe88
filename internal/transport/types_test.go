package transport

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFailureKindOf(t *testing.T) {
	base := errors.New("Forbidden: bot was blocked by the user")
	wrapped := fmt.Errorf("broadcast: %w", &SendError{Kind: FailureUnreachable, Code: 403, Err: base})

	assert.Equal(t, FailureUnreachable, FailureKindOf(wrapped))
	assert.True(t, errors.Is(wrapped, base))
	assert.Equal(t, FailureUnknown, FailureKindOf(base))
	assert.Equal(t, FailureUnknown, FailureKindOf(nil))
	assert.Contains(t, wrapped.Error(), "code=403")
}

func TestSenderKey(t *testing.T) {
	assert.Equal(t, "123456789", (&Message{FromID: 123456789}).SenderKey())
	assert.Equal(t, "", (&Message{}).SenderKey())
	var m *Message
	assert.Equal(t, "", m.SenderKey())
}
