package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorFormatting(t *testing.T) {
	cause := errors.New("connection reset")

	err := Wrap(cause, ErrTransient, "fetch application")
	assert.Equal(t, "fetch application: connection reset", err.Error())

	withOp := WithOp(err, "loadApplication")
	assert.Equal(t, "loadApplication: fetch application: connection reset", withOp.Error())
	assert.Equal(t, ErrTransient, GetCode(withOp))

	plain := New(ErrInvalidInput, "stage type is required")
	assert.Equal(t, "stage type is required", plain.Error())
}

func TestErrorCodeThroughWrapping(t *testing.T) {
	base := New(ErrConflict, "saga version moved")
	wrapped := fmt.Errorf("append event: %w", base)

	assert.True(t, IsConflict(wrapped))
	assert.Equal(t, ErrConflict, GetCode(wrapped))
	assert.True(t, errors.Is(wrapped, &Error{Code: ErrConflict}))
	assert.False(t, errors.Is(wrapped, &Error{Code: ErrNotFound}))
}

func TestForeignErrorsKeepTheirCode(t *testing.T) {
	wrapped := fmt.Errorf("update stage: %w", New(ErrTimeout, "statement timeout"))

	err := WithOp(wrapped, "UpdateStage")
	assert.Equal(t, "UpdateStage: update stage: statement timeout", err.Error())
	assert.Equal(t, ErrTimeout, GetCode(err))

	err = WithContext(errors.New("disk full"), map[string]interface{}{"key": "execution:1"})
	assert.Equal(t, "disk full", err.Error())
	assert.Equal(t, ErrUnknown, GetCode(err))
	assert.Equal(t, "execution:1", GetContext(err)["key"])
}

func TestWithContextDoesNotMutateTheOriginal(t *testing.T) {
	base := WithContext(New(ErrNotFound, "missing"), map[string]interface{}{"id": "1"})
	_ = WithContext(base, map[string]interface{}{"extra": true})

	assert.NotContains(t, GetContext(base), "extra")
}

func TestWithContextMerges(t *testing.T) {
	err := WithContext(New(ErrIntegration, "load failed"), map[string]interface{}{"resource": "app"})
	err = WithContext(err, map[string]interface{}{"action": "loadApplication"})

	ctx := GetContext(err)
	assert.Equal(t, "app", ctx["resource"])
	assert.Equal(t, "loadApplication", ctx["action"])
	assert.True(t, IsIntegration(err))
}

func TestPermanentClassification(t *testing.T) {
	assert.False(t, IsPermanent(nil))
	assert.False(t, IsRetryable(nil))

	assert.True(t, IsPermanent(New(ErrInvalidInput, "bad")))
	assert.True(t, IsPermanent(New(ErrCycle, "loop")))
	assert.True(t, IsPermanent(New(ErrDanglingReference, "missing")))
	assert.True(t, IsBuilderMisuse(New(ErrBuilderMisuse, "shared builder")))

	assert.True(t, IsRetryable(errors.New("plain network error")))
	assert.True(t, IsRetryable(New(ErrTransient, "503")))
	assert.True(t, IsRetryable(New(ErrIntegration, "registry down")))
}

func TestCodeNames(t *testing.T) {
	assert.Equal(t, "integration", ErrIntegration.String())
	assert.Equal(t, "code(999)", ErrorCode(999).String())
}
