package vmx

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestLifecycleScenarios(t *testing.T) {
	tests := []struct {
		name       string
		cfg        func(*SimConfig)
		frames     int
		outcome    Outcome
		state      State
		message    string
		freeFrames int
		vmxon      int
	}{
		{
			name:       "enabled",
			frames:     4,
			outcome:    OutcomeStarted,
			state:      StateEnabled,
			message:    "VMX: VMXON executed correctly",
			freeFrames: 3,
			vmxon:      1,
		},
		{
			name:       "unsupported",
			cfg:        func(c *SimConfig) { c.VMX = false },
			frames:     4,
			outcome:    OutcomeUnsupported,
			state:      StateIdle,
			message:    "VMX: VMX instructions not available",
			freeFrames: 4,
		},
		{
			name:       "locked out by firmware",
			cfg:        func(c *SimConfig) { c.FeatureControl = FeatureControlLocked },
			frames:     4,
			outcome:    OutcomeDisabledByFirmware,
			state:      StateIdle,
			message:    "VMX: VMX instructions disabled by bios",
			freeFrames: 4,
		},
		{
			name:       "inconsistent basic",
			cfg:        func(c *SimConfig) { c.VMXBasic = BasicMSR(0, 4) },
			frames:     4,
			outcome:    OutcomeUnsupported,
			state:      StateIdle,
			message:    "VMX: capability registers inconsistent",
			freeFrames: 4,
		},
		{
			name:       "out of memory",
			frames:     0,
			outcome:    OutcomeOutOfMemory,
			state:      StateCapabilityOK,
			message:    "VMX: error allocating memory for the VMXON region",
			freeFrames: 0,
		},
		{
			name:       "vmxon rejected",
			cfg:        func(c *SimConfig) { c.RejectVMXOn = true },
			frames:     4,
			outcome:    OutcomeEnableRejected,
			state:      StateRegionReady,
			message:    "VMX: VMXON not correctly executed",
			freeFrames: 3,
			vmxon:      1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultSimConfig()
			if tt.cfg != nil {
				tt.cfg(&cfg)
			}
			r := newRig(t, cfg, tt.frames)
			lc := r.lifecycle()

			outcome, err := lc.Load(context.Background())
			assert.Equal(t, tt.outcome, outcome)
			if tt.outcome == OutcomeStarted {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
				assert.Equal(t, err, lc.Err())
			}
			assert.Equal(t, tt.state, lc.State())
			assert.Equal(t, tt.freeFrames, r.arena.FreeFrames())
			assert.Equal(t, tt.vmxon, r.count("vmxon 0x100000"))
			assert.Equal(t, 1, r.logs.FilterMessage(tt.message).Len(), "log %q", tt.message)
		})
	}
}

func TestLifecycleLoadUnload(t *testing.T) {
	r := newRig(t, DefaultSimConfig(), 4)
	lc := r.lifecycle()
	ctx := context.Background()

	outcome, err := lc.Load(ctx)
	require.NoError(t, err)
	require.Equal(t, OutcomeStarted, outcome)

	outcome, err = lc.Unload(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeStopped, outcome)
	assert.Equal(t, StateReleased, lc.State())
	assert.Equal(t, 4, r.arena.FreeFrames())
	assert.False(t, r.sim.InVMXOperation())

	entry := r.logs.FilterMessage("VMX: VMXOFF executed correctly").All()
	require.Len(t, entry, 1)
	assert.Equal(t, zapcore.InfoLevel, entry[0].Level)

	_, err = lc.Load(ctx)
	assert.ErrorIs(t, err, ErrStateConsumed)
	_, err = lc.Unload(ctx)
	assert.ErrorIs(t, err, ErrStateConsumed)
}

func TestLifecycleDisableRejected(t *testing.T) {
	for _, tt := range []struct {
		flags   Flags
		message string
	}{
		{FlagCarry, "VMX: VMXOFF not correctly executed: VMfailInvalid, region leaked"},
		{FlagZero, "VMX: VMXOFF not correctly executed: VMfailValid, region leaked"},
	} {
		t.Run(tt.message, func(t *testing.T) {
			cfg := DefaultSimConfig()
			cfg.RejectVMXOff = tt.flags
			r := newRig(t, cfg, 4)
			lc := r.lifecycle()
			ctx := context.Background()

			_, err := lc.Load(ctx)
			require.NoError(t, err)

			outcome, err := lc.Unload(ctx)
			assert.ErrorIs(t, err, ErrDisableRejected)
			assert.Equal(t, OutcomeDisableRejected, outcome)
			assert.Equal(t, StateEnabled, lc.State())
			assert.Equal(t, 3, r.arena.FreeFrames(), "region must not be released")

			entries := r.logs.FilterMessage(tt.message).All()
			require.Len(t, entries, 1)
			assert.Equal(t, zapcore.ErrorLevel, entries[0].Level)

			// A second unload repeats the verdict without another VMXOFF.
			outcome, _ = lc.Unload(ctx)
			assert.Equal(t, OutcomeDisableRejected, outcome)
			assert.Equal(t, 1, r.count("vmxoff"))
		})
	}
}

func TestLifecycleUnloadAfterRejectedEnable(t *testing.T) {
	cfg := DefaultSimConfig()
	cfg.RejectVMXOn = true
	r := newRig(t, cfg, 4)
	lc := r.lifecycle()
	ctx := context.Background()

	_, err := lc.Load(ctx)
	require.ErrorIs(t, err, ErrEnableRejected)

	// Retrying does not reissue VMXON.
	outcome, err := lc.Load(ctx)
	assert.ErrorIs(t, err, ErrEnableRejected)
	assert.Equal(t, OutcomeEnableRejected, outcome)
	assert.Equal(t, 1, r.count("vmxon 0x100000"))

	ResetMetrics()
	outcome, err = lc.Unload(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeStopped, outcome)
	assert.Equal(t, StateRegionReady, lc.State())
	assert.ErrorIs(t, lc.Err(), ErrRegionLeaked)
	assert.Equal(t, 3, r.arena.FreeFrames(), "region must not be released")
	assert.Zero(t, GetMetrics().Releases)
	assert.Zero(t, r.count("vmxoff"))

	entries := r.logs.FilterMessage("VMX: VMXON region leaked after rejected VMXON").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)
}

func TestLifecycleUnloadAfterModeBusy(t *testing.T) {
	cfg := DefaultSimConfig()
	cfg.CR4 = CR4VMXE
	r := newRig(t, cfg, 4)
	lc := r.lifecycle()
	ctx := context.Background()

	_, err := lc.Load(ctx)
	require.ErrorIs(t, err, ErrEnableRejected)

	outcome, err := lc.Unload(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeStopped, outcome)
	assert.Equal(t, StateReleased, lc.State())
	assert.Equal(t, 4, r.arena.FreeFrames())
	assert.Equal(t, 1, r.logs.FilterMessage("VMX: VMXON region released without entering VMX operation").Len())
}

func TestLifecycleUnloadBeforeLoad(t *testing.T) {
	r := newRig(t, DefaultSimConfig(), 4)
	lc := r.lifecycle()

	outcome, err := lc.Unload(context.Background())
	require.NoError(t, err)
	assert.Equal(t, OutcomeStopped, outcome)
	assert.Equal(t, StateIdle, lc.State())
	assert.Equal(t, 1, r.logs.FilterMessage("VMX: nothing to tear down").Len())
	assert.Empty(t, r.sim.Journal())
}

func TestLifecycleLoadResumesAfterOOM(t *testing.T) {
	r := newRig(t, DefaultSimConfig(), 4)
	lc := NewLifecycle(r.sim, &flakyAllocator{Arena: r.arena, fail: 1}, WithLogger(r.log))
	ctx := context.Background()

	outcome, err := lc.Load(ctx)
	require.ErrorIs(t, err, ErrOutOfMemory)
	assert.Equal(t, OutcomeOutOfMemory, outcome)

	outcome, err = lc.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutcomeStarted, outcome)
	assert.Equal(t, 1, r.count("cpuid 0x1"), "detection is not repeated")
}

func TestLifecycleLoadCanceled(t *testing.T) {
	r := newRig(t, DefaultSimConfig(), 4)
	lc := r.lifecycle()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	outcome, err := lc.Load(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, OutcomeUnknown, outcome)
	assert.Equal(t, StateIdle, lc.State())
	assert.Empty(t, r.sim.Journal())

	entries := r.logs.FilterMessage("VMX: load canceled").All()
	require.Len(t, entries, 1)
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)

	outcome, err = lc.Unload(ctx)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, OutcomeUnknown, outcome)
	assert.Equal(t, 1, r.logs.FilterMessage("VMX: unload canceled").Len())
}

func TestOutcomeOf(t *testing.T) {
	assert.Equal(t, OutcomeUnknown, OutcomeOf(nil))
	assert.Equal(t, OutcomeEnableRejected, OutcomeOf(errModeBusy))
	assert.Equal(t, OutcomeDisableRejected, OutcomeOf(leaveResult(FlagZero)))
	assert.Equal(t, OutcomeUnsupported, OutcomeOf(ErrCapabilityInconsistent))
	assert.Equal(t, OutcomeUnknown, OutcomeOf(ErrStateConsumed))

	b, err := OutcomeDisabledByFirmware.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "DisabledByFirmware", string(b))
}

// flakyAllocator fails the first fail allocations.
type flakyAllocator struct {
	*Arena
	fail int
}

func (f *flakyAllocator) Alloc(order uint32) (Page, error) {
	if f.fail > 0 {
		f.fail--
		return Page{}, ErrOutOfMemory
	}
	return f.Arena.Alloc(order)
}
