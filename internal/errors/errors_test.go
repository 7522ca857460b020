package errors

import (
	stderrors "errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorStringCarriesCode(t *testing.T) {
	err := New(CodeValidation, "bad input %d", 7)
	assert.Equal(t, "VALIDATION: bad input 7", err.Error())
}

func TestWrapPreservesCause(t *testing.T) {
	cause := stderrors.New("disk full")
	err := Wrap(CodePersistence, cause, "write snapshot for %s", "c1")

	require.ErrorIs(t, err, cause)
	assert.Equal(t, CodePersistence, CodeOf(err))
}

func TestIsMatchesCodeOnly(t *testing.T) {
	err := NewNotFound("c1")

	assert.True(t, Is(err, CodeNotFound))
	assert.False(t, Is(err, CodeValidation))
	assert.False(t, Is(stderrors.New("plain"), CodeNotFound))
	assert.False(t, Is(nil, CodeNotFound))
}

func TestCodeOfForeignError(t *testing.T) {
	assert.Equal(t, CodeInternal, CodeOf(stderrors.New("plain")))
}

func TestInvalidTransitionDetails(t *testing.T) {
	err := NewInvalidTransition("c1", "terminated", "active")

	assert.Equal(t, CodeValidation, err.Code)
	assert.Equal(t, "c1", err.Details["capsule_id"])
	assert.Equal(t, "terminated", err.Details["from"])
	assert.Equal(t, "active", err.Details["to"])
}

func TestRecoveryExhaustedWrapsCause(t *testing.T) {
	cause := stderrors.New("init keeps failing")
	err := NewRecoveryExhausted("c1", 3, cause)

	require.ErrorIs(t, err, cause)
	assert.Equal(t, 3, err.Details["attempts"])
	assert.Contains(t, err.Error(), "after 3 attempts")
}

func TestHTTPStatusMapping(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{New(CodeValidation, "x"), 400},
		{New(CodeCapacity, "x"), 400},
		{New(CodeNotFound, "x"), 404},
		{New(CodeTimeout, "x"), 408},
		{New(CodeRecoveryExhausted, "x"), 409},
		{New(CodeSyncConflict, "x"), 409},
		{New(CodePersistence, "x"), 500},
		{New(CodeInternal, "x"), 500},
		{stderrors.New("plain"), 500},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, HTTPStatus(tc.err), "error %v", tc.err)
	}
}
