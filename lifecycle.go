package vmx

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"
)

// Outcome is what the load and unload entry points report to the operator.
type Outcome int

const (
	OutcomeUnknown Outcome = iota
	OutcomeStarted
	OutcomeUnsupported
	OutcomeDisabledByFirmware
	OutcomeOutOfMemory
	OutcomeEnableRejected
	OutcomeStopped
	OutcomeDisableRejected
)

func (o Outcome) String() string {
	switch o {
	case OutcomeStarted:
		return "Started"
	case OutcomeUnsupported:
		return "Unsupported"
	case OutcomeDisabledByFirmware:
		return "DisabledByFirmware"
	case OutcomeOutOfMemory:
		return "OutOfMemory"
	case OutcomeEnableRejected:
		return "EnableRejected"
	case OutcomeStopped:
		return "Stopped"
	case OutcomeDisableRejected:
		return "DisableRejected"
	default:
		return "Unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (o Outcome) MarshalText() ([]byte, error) { return []byte(o.String()), nil }

// OutcomeOf maps an error from the flow to the outcome it reports.
func OutcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeUnknown
	case errors.Is(err, ErrUnsupported), errors.Is(err, ErrCapabilityInconsistent):
		return OutcomeUnsupported
	case errors.Is(err, ErrDisabledByFirmware):
		return OutcomeDisabledByFirmware
	case errors.Is(err, ErrOutOfMemory):
		return OutcomeOutOfMemory
	case errors.Is(err, ErrEnableRejected):
		return OutcomeEnableRejected
	case errors.Is(err, ErrDisableRejected):
		return OutcomeDisableRejected
	default:
		return OutcomeUnknown
	}
}

// Lifecycle drives one instance of the typestate machine from the two
// operator entry points. It is bound to one logical processor.
type Lifecycle struct {
	mu    sync.Mutex
	log   *zap.Logger
	state State
	err   error

	idle     *Idle
	ok       *CapabilityOK
	ready    *RegionReady
	enabled  *Enabled
	disabled *Disabled
}

// NewLifecycle returns a lifecycle in the Idle state.
func NewLifecycle(cpu Processor, pages PageAllocator, opts ...Option) *Lifecycle {
	idle := NewIdle(cpu, pages, opts...)
	return &Lifecycle{
		log:   idle.f.log,
		state: StateIdle,
		idle:  idle,
	}
}

// State returns the furthest state reached.
func (l *Lifecycle) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Err returns the error that stopped the last entry point, if any.
func (l *Lifecycle) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Load runs Idle to Enabled. The context is only consulted before each
// transition starts; an issued VMXON always runs to its flag check.
func (l *Lifecycle) Load(ctx context.Context) (Outcome, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.state >= StateEnabled {
		return OutcomeUnknown, fmt.Errorf("load from state %s: %w", l.state, ErrStateConsumed)
	}

	steps := []func() error{
		func() (err error) {
			l.ok, err = l.idle.Detect()
			return err
		},
		func() (err error) {
			l.ready, err = l.ok.AcquireRegion()
			return err
		},
		func() (err error) {
			l.enabled, err = l.ready.Enable()
			return err
		},
	}
	// A Load that stopped part way resumes from the state it reached.
	for _, step := range steps[l.state:] {
		if err := ctx.Err(); err != nil {
			l.err = err
			l.log.Warn("VMX: load canceled",
				zap.Stringer("outcome", OutcomeUnknown),
				zap.Stringer("state", l.state),
				zap.Error(err))
			return OutcomeUnknown, err
		}
		if err := step(); err != nil {
			l.err = err
			o := OutcomeOf(err)
			l.logLoadFailure(o, err)
			return o, err
		}
		l.state++
	}

	l.err = nil
	l.log.Info("VMX: VMXON executed correctly",
		zap.Stringer("outcome", OutcomeStarted),
		zap.Stringer("state", l.state),
		zap.Uint64("phys", l.enabled.PhysAddr()),
		zap.Stringer("descriptor", l.ok.Descriptor()))
	return OutcomeStarted, nil
}

func (l *Lifecycle) logLoadFailure(o Outcome, err error) {
	fields := []zap.Field{
		zap.Stringer("outcome", o),
		zap.Stringer("state", l.state),
		zap.Error(err),
	}
	switch o {
	case OutcomeUnsupported:
		if errors.Is(err, ErrCapabilityInconsistent) {
			l.log.Error("VMX: capability registers inconsistent", fields...)
			return
		}
		l.log.Error("VMX: VMX instructions not available", fields...)
	case OutcomeDisabledByFirmware:
		l.log.Error("VMX: VMX instructions disabled by bios", fields...)
	case OutcomeOutOfMemory:
		l.log.Error("VMX: error allocating memory for the VMXON region", fields...)
	case OutcomeEnableRejected:
		l.log.Error("VMX: VMXON not correctly executed", fields...)
	default:
		l.log.Error("VMX: load failed", fields...)
	}
}

// Unload runs Enabled to Released. A rejected VMXOFF leaves the lifecycle
// in Enabled and the region allocated. A lifecycle whose VMXON was
// rejected stays in RegionReady and keeps its region; one that stopped
// before VMXON gives the region back.
func (l *Lifecycle) Unload(ctx context.Context) (Outcome, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := ctx.Err(); err != nil {
		l.log.Warn("VMX: unload canceled",
			zap.Stringer("outcome", OutcomeUnknown),
			zap.Stringer("state", l.state),
			zap.Error(err))
		return OutcomeUnknown, err
	}

	switch l.state {
	case StateIdle, StateCapabilityOK:
		l.log.Info("VMX: nothing to tear down",
			zap.Stringer("outcome", OutcomeStopped),
			zap.Stringer("state", l.state))
		return OutcomeStopped, nil

	case StateRegionReady:
		err := l.ready.Abandon()
		if errors.Is(err, ErrRegionLeaked) {
			l.err = err
			l.log.Warn("VMX: VMXON region leaked after rejected VMXON",
				zap.Stringer("outcome", OutcomeStopped),
				zap.Stringer("state", l.state),
				zap.Error(err))
			return OutcomeStopped, nil
		}
		if err != nil {
			l.err = err
			return OutcomeUnknown, err
		}
		l.state = StateReleased
		l.log.Info("VMX: VMXON region released without entering VMX operation",
			zap.Stringer("outcome", OutcomeStopped),
			zap.Stringer("state", l.state))
		return OutcomeStopped, nil

	case StateEnabled:
		d, err := l.enabled.Disable()
		if err != nil {
			l.err = err
			l.logDisableFailure(err)
			return OutcomeOf(err), err
		}
		l.disabled = d
		l.state = StateDisabled

		if err := d.Release(); err != nil {
			l.err = err
			return OutcomeUnknown, err
		}
		l.state = StateReleased
		l.err = nil
		l.log.Info("VMX: VMXOFF executed correctly",
			zap.Stringer("outcome", OutcomeStopped),
			zap.Stringer("state", l.state))
		return OutcomeStopped, nil

	default:
		return OutcomeUnknown, fmt.Errorf("unload from state %s: %w", l.state, ErrStateConsumed)
	}
}

func (l *Lifecycle) logDisableFailure(err error) {
	kind := FailNone
	var te *TransitionError
	if errors.As(err, &te) {
		kind = te.Kind
	}
	fields := []zap.Field{
		zap.Stringer("outcome", OutcomeDisableRejected),
		zap.Stringer("state", l.state),
		zap.Stringer("fail_kind", kind),
		zap.Error(err),
	}
	switch kind {
	case FailInvalid:
		l.log.Error("VMX: VMXOFF not correctly executed: VMfailInvalid, region leaked", fields...)
	case FailValid:
		l.log.Error("VMX: VMXOFF not correctly executed: VMfailValid, region leaked", fields...)
	default:
		l.log.Error("VMX: VMXOFF not correctly executed, region leaked", fields...)
	}
}
