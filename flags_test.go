package vmx

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlagsKind(t *testing.T) {
	tests := []struct {
		flags Flags
		want  FailKind
	}{
		{0, FailNone},
		{FlagCarry, FailInvalid},
		{FlagZero, FailValid},
		{FlagCarry | FlagZero, FailInvalid},
		// Unrelated bits (IF, reserved bit 1) are ignored.
		{1<<9 | 1<<1, FailNone},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.flags.kind(), "flags %#x", uint64(tt.flags))
	}
}

func TestEnterResult(t *testing.T) {
	assert.NoError(t, enterResult(0))
	// VMXON has no valid-failure form without a current VMCS.
	assert.NoError(t, enterResult(FlagZero))

	err := enterResult(FlagCarry)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrEnableRejected)

	var te *TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, "vmxon", te.Op)
	assert.Equal(t, FailInvalid, te.Kind)
}

func TestLeaveResult(t *testing.T) {
	assert.NoError(t, leaveResult(0))

	for _, f := range []Flags{FlagCarry, FlagZero, FlagCarry | FlagZero} {
		err := leaveResult(f)
		require.Error(t, err, "flags %#x", uint64(f))
		assert.ErrorIs(t, err, ErrDisableRejected)
		assert.NotErrorIs(t, err, ErrEnableRejected)
	}
}
