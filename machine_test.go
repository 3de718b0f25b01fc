package vmx

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTypestateHappyPath(t *testing.T) {
	r := newRig(t, DefaultSimConfig(), 4)
	idle := r.idle()

	ok, err := idle.Detect()
	require.NoError(t, err)
	assert.True(t, ok.Report().Favorable())
	assert.Equal(t, RegionDescriptor{Size: PageSize, Order: 0, Revision: 0x4}, ok.Descriptor())

	ready, err := ok.AcquireRegion()
	require.NoError(t, err)
	assert.Equal(t, uint32(0x4), ready.Region().Revision())
	assert.Equal(t, 3, r.arena.FreeFrames())

	enabled, err := ready.Enable()
	require.NoError(t, err)
	assert.True(t, r.sim.InVMXOperation())
	assert.NotZero(t, r.sim.ReadCR4()&CR4VMXE)
	assert.Equal(t, uint64(0x100000), enabled.PhysAddr())

	disabled, err := enabled.Disable()
	require.NoError(t, err)
	assert.False(t, r.sim.InVMXOperation())
	assert.Zero(t, r.sim.ReadCR4()&CR4VMXE)
	// Still allocated until Release.
	assert.Equal(t, 3, r.arena.FreeFrames())

	require.NoError(t, disabled.Release())
	assert.Equal(t, 4, r.arena.FreeFrames())
}

func TestTransitionsConsumeReceiver(t *testing.T) {
	r := newRig(t, DefaultSimConfig(), 4)
	idle := r.idle()

	ok, err := idle.Detect()
	require.NoError(t, err)
	_, err = idle.Detect()
	assert.ErrorIs(t, err, ErrStateConsumed)

	ready, err := ok.AcquireRegion()
	require.NoError(t, err)
	_, err = ok.AcquireRegion()
	assert.ErrorIs(t, err, ErrStateConsumed)

	enabled, err := ready.Enable()
	require.NoError(t, err)
	_, err = ready.Enable()
	assert.ErrorIs(t, err, ErrStateConsumed)
	assert.ErrorIs(t, ready.Abandon(), ErrStateConsumed)

	disabled, err := enabled.Disable()
	require.NoError(t, err)
	_, err = enabled.Disable()
	assert.ErrorIs(t, err, ErrStateConsumed)

	require.NoError(t, disabled.Release())
	assert.ErrorIs(t, disabled.Release(), ErrStateConsumed)

	assert.Equal(t, 1, r.count("vmxon 0x100000"))
	assert.Equal(t, 1, r.count("vmxoff"))
}

func TestNilStateIsConsumed(t *testing.T) {
	var (
		idle     *Idle
		ok       *CapabilityOK
		ready    *RegionReady
		enabled  *Enabled
		disabled *Disabled
	)
	assert.NotPanics(t, func() {
		_, err := idle.Detect()
		assert.ErrorIs(t, err, ErrStateConsumed)
		_, err = ok.AcquireRegion()
		assert.ErrorIs(t, err, ErrStateConsumed)
		_, err = ready.Enable()
		assert.ErrorIs(t, err, ErrStateConsumed)
		assert.ErrorIs(t, ready.Abandon(), ErrStateConsumed)
		_, err = enabled.Disable()
		assert.ErrorIs(t, err, ErrStateConsumed)
		assert.ErrorIs(t, disabled.Release(), ErrStateConsumed)
	})
}

func TestDetectFailureKeepsIdle(t *testing.T) {
	cfg := DefaultSimConfig()
	cfg.VMX = false
	r := newRig(t, cfg, 4)
	idle := r.idle()

	_, err := idle.Detect()
	assert.ErrorIs(t, err, ErrUnsupported)
	_, err = idle.Detect()
	assert.ErrorIs(t, err, ErrUnsupported, "Idle must stay usable")
}

func TestDetectLocksFeatureControl(t *testing.T) {
	cfg := DefaultSimConfig()
	cfg.FeatureControl = 0
	r := newRig(t, cfg, 4)

	_, err := r.idle().Detect()
	require.NoError(t, err)
	assert.Equal(t, 1, r.count("wrmsr 0x3a 0x5"))

	fc, err := r.sim.ReadMSR(MSRFeatureControl)
	require.NoError(t, err)
	assert.Equal(t, FeatureControlLocked|FeatureControlVMXOutsideSMX, fc)
}

func TestDetectLockFails(t *testing.T) {
	cfg := DefaultSimConfig()
	cfg.FeatureControl = 0
	cfg.LockFeatureControlFails = true
	r := newRig(t, cfg, 4)

	_, err := r.idle().Detect()
	assert.ErrorIs(t, err, ErrDisabledByFirmware)
}

func TestDetectInconsistentBasic(t *testing.T) {
	cfg := DefaultSimConfig()
	cfg.VMXBasic = BasicMSR(0, 0x4)
	r := newRig(t, cfg, 4)

	_, err := r.idle().Detect()
	assert.ErrorIs(t, err, ErrCapabilityInconsistent)
}

func TestAcquireRegionOOMKeepsState(t *testing.T) {
	r := newRig(t, DefaultSimConfig(), 0)
	ok, err := r.idle().Detect()
	require.NoError(t, err)

	_, err = ok.AcquireRegion()
	assert.ErrorIs(t, err, ErrOutOfMemory)
	_, err = ok.AcquireRegion()
	assert.ErrorIs(t, err, ErrOutOfMemory, "CapabilityOK must stay usable")
}

func TestEnableRejected(t *testing.T) {
	cfg := DefaultSimConfig()
	cfg.RejectVMXOn = true
	r := newRig(t, cfg, 4)

	ok, err := r.idle().Detect()
	require.NoError(t, err)
	ready, err := ok.AcquireRegion()
	require.NoError(t, err)

	_, err = ready.Enable()
	require.ErrorIs(t, err, ErrEnableRejected)
	var te *TransitionError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, FlagCarry, te.Flags)

	assert.False(t, r.sim.InVMXOperation())
	assert.Zero(t, r.sim.ReadCR4()&CR4VMXE, "CR4 restored")

	// No retry.
	_, err = ready.Enable()
	assert.ErrorIs(t, err, ErrEnableRejected)
	assert.Equal(t, 1, r.count("vmxon 0x100000"))

	// VMXON ran on the region, so abandoning it must not free it.
	ResetMetrics()
	err = ready.Abandon()
	assert.ErrorIs(t, err, ErrRegionLeaked)
	assert.Equal(t, 3, r.arena.FreeFrames())
	assert.Zero(t, GetMetrics().Releases)
	assert.Zero(t, r.count("vmxoff"))

	assert.ErrorIs(t, ready.Abandon(), ErrStateConsumed)
}

func TestEnableModeBusy(t *testing.T) {
	cfg := DefaultSimConfig()
	cfg.CR4 = CR4VMXE
	r := newRig(t, cfg, 4)

	ok, err := r.idle().Detect()
	require.NoError(t, err)
	ready, err := ok.AcquireRegion()
	require.NoError(t, err)

	_, err = ready.Enable()
	assert.ErrorIs(t, err, ErrEnableRejected)
	assert.Zero(t, r.count("vmxon 0x100000"), "VMXON must not run")
	assert.Equal(t, CR4VMXE, r.sim.ReadCR4(), "CR4 left to its owner")

	// VMXON never ran, so the region can go back.
	require.NoError(t, ready.Abandon())
	assert.Equal(t, 4, r.arena.FreeFrames())
}

func TestAbandonBeforeEnable(t *testing.T) {
	r := newRig(t, DefaultSimConfig(), 4)
	ok, err := r.idle().Detect()
	require.NoError(t, err)
	ready, err := ok.AcquireRegion()
	require.NoError(t, err)

	require.NoError(t, ready.Abandon())
	assert.Equal(t, 4, r.arena.FreeFrames())
	assert.Zero(t, r.count("vmxon 0x100000"))
}

func TestEnableRevisionMismatch(t *testing.T) {
	r := newRig(t, DefaultSimConfig(), 4)
	ok, err := r.idle().Detect()
	require.NoError(t, err)
	ready, err := ok.AcquireRegion()
	require.NoError(t, err)

	// Corrupt the stamp behind the allocator's back.
	ready.Region().page.Mem[0] ^= 0xff

	_, err = ready.Enable()
	assert.ErrorIs(t, err, ErrEnableRejected)
}

func TestDisableRejectedPoisons(t *testing.T) {
	for _, tt := range []struct {
		name  string
		flags Flags
		kind  FailKind
	}{
		{"carry", FlagCarry, FailInvalid},
		{"zero", FlagZero, FailValid},
		{"both", FlagCarry | FlagZero, FailInvalid},
	} {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultSimConfig()
			cfg.RejectVMXOff = tt.flags
			r := newRig(t, cfg, 4)

			ok, err := r.idle().Detect()
			require.NoError(t, err)
			ready, err := ok.AcquireRegion()
			require.NoError(t, err)
			enabled, err := ready.Enable()
			require.NoError(t, err)

			_, err = enabled.Disable()
			require.ErrorIs(t, err, ErrDisableRejected)
			var te *TransitionError
			require.True(t, errors.As(err, &te))
			assert.Equal(t, tt.kind, te.Kind)

			_, again := enabled.Disable()
			assert.Same(t, err, again)
			assert.Equal(t, 1, r.count("vmxoff"), "VMXOFF must not be retried")

			assert.True(t, r.sim.InVMXOperation())
			assert.NotZero(t, r.sim.ReadCR4()&CR4VMXE)
			assert.Equal(t, 3, r.arena.FreeFrames(), "region leaked, not freed")
		})
	}
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "RegionReady", StateRegionReady.String())
	assert.Equal(t, "State(9)", State(9).String())
	b, err := StateReleased.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "Released", string(b))
}
