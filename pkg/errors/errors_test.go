package errors

import (
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAppErrorMessage(t *testing.T) {
	err := New(CodeInvalidParameter, "bad input")
	assert.Equal(t, "[INVALID_PARAMETER] bad input", err.Error())

	wrapped := Wrap(CodeDatabaseError, "query failed", stderrors.New("disk full"))
	assert.Equal(t, "[DATABASE_ERROR] query failed: disk full", wrapped.Error())
}

func TestNewfFormatsMessage(t *testing.T) {
	err := Newf(CodeInvalidParameter, "field %q is not declared", "outlook")
	assert.Equal(t, `field "outlook" is not declared`, err.Message)
}

func TestWrapUnwrapsUnderlyingError(t *testing.T) {
	cause := stderrors.New("connection reset")
	err := Wrap(CodeDatabaseError, "commit failed", cause)
	assert.ErrorIs(t, err, cause)
}

func TestIsMatchesByCodeNotMessage(t *testing.T) {
	a := New(CodeRuleNotMatched, "node 3 has no matching rule")
	b := New(CodeRuleNotMatched, "node 9 has no matching rule")
	assert.True(t, stderrors.Is(a, b), "two AppErrors with the same code should compare equal")

	c := New(CodeFeatureNotFound, "node 3 has no matching rule")
	assert.False(t, stderrors.Is(a, c))
}

func TestSentinelHelpers(t *testing.T) {
	assert.True(t, IsItemNotFound(New(CodeItemNotFound, "instance 7 not found")))
	assert.False(t, IsItemNotFound(New(CodeDatabaseError, "disk full")))

	assert.True(t, IsRuleNotMatched(New(CodeRuleNotMatched, "no rule")))
	assert.True(t, IsDatabaseError(Wrap(CodeDatabaseError, "commit failed", stderrors.New("x"))))
	assert.True(t, IsInternalError(New(CodeInternalError, "invariant violated")))
}

func TestCodeAndMessage(t *testing.T) {
	err := New(CodeFeatureNotFound, "value never interned")
	assert.Equal(t, CodeFeatureNotFound, Code(err))
	assert.Equal(t, "value never interned", Message(err))

	plain := stderrors.New("plain error")
	assert.Equal(t, CodeInternalError, Code(plain))
	assert.Equal(t, "plain error", Message(plain))

	assert.Equal(t, "", Message(nil))
}

func TestErrorsAsRecoversAppError(t *testing.T) {
	err := Wrap(CodeRuleNotMatched, "no rule matched", stderrors.New("cause"))

	var target *AppError
	require.True(t, stderrors.As(err, &target))
	assert.Equal(t, CodeRuleNotMatched, target.Code)
}
