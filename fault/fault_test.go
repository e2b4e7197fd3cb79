package fault

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestKindOfWrappedFault(t *testing.T) {
	base := Validation("step %q has no actions", "route")
	wrapped := errors.Wrap(base, "register rule")

	assert.Equal(t, KindValidation, KindOf(wrapped))
	assert.True(t, Is(wrapped, KindValidation))
	assert.False(t, Is(wrapped, KindSystem))
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
	assert.Equal(t, Kind(""), KindOf(nil))
}

func TestRetryableClassification(t *testing.T) {
	cause := errors.New("connection reset")

	assert.True(t, IsRetryable(ActionExecution(cause, true, "action %s", "crm_sync")))
	assert.False(t, IsRetryable(ActionExecution(cause, false, "action %s", "crm_sync")))
	assert.True(t, IsRetryable(System(cause, "queue full")))
	assert.False(t, IsRetryable(NotFound("rule %s", "r1")))
}

func TestErrorFormatting(t *testing.T) {
	cause := errors.New("boom")
	f := ActionExecution(cause, false, "action %s failed", "route")

	assert.Equal(t, "action_execution: action route failed: boom", f.Error())
	assert.Equal(t, "action route failed: boom", Message(f))
	assert.Equal(t, cause, errors.Cause(f))

	bare := ActionExecution(cause, false, "")
	assert.Equal(t, "boom", Message(bare))
	assert.Equal(t, "not_found: rule r1", NotFound("rule %s", "r1").Error())
}
