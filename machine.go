package vmx

import (
	"fmt"
	"time"

	"go.uber.org/zap"
)

// State names a point in the enablement lifecycle.
type State int

const (
	StateIdle State = iota
	StateCapabilityOK
	StateRegionReady
	StateEnabled
	StateDisabled
	StateReleased
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateCapabilityOK:
		return "CapabilityOK"
	case StateRegionReady:
		return "RegionReady"
	case StateEnabled:
		return "Enabled"
	case StateDisabled:
		return "Disabled"
	case StateReleased:
		return "Released"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// Option configures a lifecycle.
type Option func(*options)

type options struct {
	log *zap.Logger
}

// WithLogger sets the logger used for transition and outcome messages.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.log = l
		}
	}
}

// flow is the state shared by all lifecycle stages of one instance.
type flow struct {
	cpu    Processor
	alloc  *RegionAllocator
	log    *zap.Logger
	report CapabilityReport
	desc   RegionDescriptor
	region *ControlRegion
}

// stage is embedded in every state type. A stage is consumed by the
// transition that leaves it; a consumed stage refuses further use.
type stage struct {
	f        *flow
	consumed bool
}

func (s *stage) live() (*flow, error) {
	if s.f == nil || s.consumed {
		return nil, ErrStateConsumed
	}
	return s.f, nil
}

// Idle is the initial state.
type Idle struct{ stage }

// NewIdle starts a lifecycle on the current logical processor.
func NewIdle(cpu Processor, pages PageAllocator, opts ...Option) *Idle {
	o := options{log: zap.NewNop()}
	for _, opt := range opts {
		opt(&o)
	}
	return &Idle{stage{f: &flow{
		cpu:   cpu,
		alloc: NewRegionAllocator(pages),
		log:   o.log,
	}}}
}

// Detect probes the processor and builds the region descriptor. It fails
// with ErrUnsupported, ErrDisabledByFirmware or ErrCapabilityInconsistent
// and leaves the Idle state intact on failure.
func (s *Idle) Detect() (*CapabilityOK, error) {
	if s == nil {
		return nil, ErrStateConsumed
	}
	f, err := s.live()
	if err != nil {
		return nil, err
	}

	report, err := Detect(f.cpu)
	if err != nil {
		recordUnsupported()
		return nil, fmt.Errorf("capability probe failed: %w: %w", err, ErrUnsupported)
	}
	if err := report.Err(); err != nil {
		if report.LockedOut {
			recordFirmwareLockout()
		} else {
			recordUnsupported()
		}
		return nil, err
	}

	if !report.Locked {
		// VMXON faults while IA32_FEATURE_CONTROL is unlocked.
		v := report.FeatureControl | FeatureControlLocked | FeatureControlVMXOutsideSMX
		if err := f.cpu.WriteMSR(MSRFeatureControl, v); err != nil {
			recordFirmwareLockout()
			return nil, fmt.Errorf("failed to lock IA32_FEATURE_CONTROL: %w: %w", err, ErrDisabledByFirmware)
		}
		f.log.Debug("locked IA32_FEATURE_CONTROL", zap.Uint64("value", v))
	}

	desc, err := BuildDescriptor(f.cpu)
	if err != nil {
		return nil, err
	}

	f.report = report
	f.desc = desc
	s.consumed = true
	f.log.Debug("capability ok",
		zap.Uint64("feature_control", report.FeatureControl),
		zap.Stringer("descriptor", desc))
	return &CapabilityOK{stage{f: f}}, nil
}

// CapabilityOK holds a favorable report and a descriptor.
type CapabilityOK struct{ stage }

// Report returns the capability report.
func (s *CapabilityOK) Report() CapabilityReport { return s.f.report }

// Descriptor returns the region descriptor.
func (s *CapabilityOK) Descriptor() RegionDescriptor { return s.f.desc }

// AcquireRegion allocates and stamps the control region. On
// ErrOutOfMemory the state stays usable so the caller may retry after
// freeing memory elsewhere.
func (s *CapabilityOK) AcquireRegion() (*RegionReady, error) {
	if s == nil {
		return nil, ErrStateConsumed
	}
	f, err := s.live()
	if err != nil {
		return nil, err
	}
	r, err := f.alloc.Acquire(f.desc)
	if err != nil {
		return nil, err
	}
	f.region = r
	s.consumed = true
	f.log.Debug("control region ready",
		zap.Uint64("phys", r.PhysAddr()),
		zap.Uint32("order", r.Order()))
	return &RegionReady{stage: stage{f: f}}, nil
}

// RegionReady owns a stamped region that the processor does not yet use.
type RegionReady struct {
	stage
	rejected bool
	// issued is set once VMXON has executed on the region.
	issued bool
}

// Region returns the control region for inspection. It must not be
// retained past Enable.
func (s *RegionReady) Region() *ControlRegion { return s.f.region }

// Enable sets CR4.VMXE and executes VMXON on the region. A rejection
// restores CR4, marks the state rejected and never retries. Once VMXON
// has executed the region is never returned to the allocator, even when
// the processor rejected it.
func (s *RegionReady) Enable() (*Enabled, error) {
	if s == nil {
		return nil, ErrStateConsumed
	}
	f, err := s.live()
	if err != nil {
		return nil, err
	}
	if s.rejected {
		return nil, fmt.Errorf("enable already rejected: %w", ErrEnableRejected)
	}

	recordEnableAttempt()
	start := time.Now()

	cr4 := f.cpu.ReadCR4()
	if cr4&CR4VMXE != 0 {
		s.rejected = true
		recordEnableRejected()
		return nil, errModeBusy
	}
	f.cpu.WriteCR4(cr4 | CR4VMXE)

	s.issued = true
	if err := enterResult(f.cpu.VMXOn(f.region.PhysAddr())); err != nil {
		f.cpu.WriteCR4(cr4)
		s.rejected = true
		recordEnableRejected()
		return nil, err
	}

	s.consumed = true
	recordEnable(time.Since(start))
	return &Enabled{stage: stage{f: f}, phys: f.region.PhysAddr()}, nil
}

// Abandon ends a lifecycle that never entered VMX operation. The region
// is released only if VMXON was never executed on it; otherwise it is
// leaked and Abandon returns ErrRegionLeaked.
func (s *RegionReady) Abandon() error {
	if s == nil {
		return ErrStateConsumed
	}
	f, err := s.live()
	if err != nil {
		return err
	}
	s.consumed = true
	if s.issued {
		return fmt.Errorf("region %#x after rejected VMXON: %w", f.region.PhysAddr(), ErrRegionLeaked)
	}
	f.alloc.release(f.region)
	f.region = nil
	return nil
}

// Enabled is the only holder of authority over VMX operation. It has no
// path to the region allocator.
type Enabled struct {
	stage
	phys     uint64
	rejected error
}

// PhysAddr returns the physical address of the region in use.
func (s *Enabled) PhysAddr() uint64 { return s.phys }

// Disable executes VMXOFF and clears CR4.VMXE. On rejection the state is
// kept, the region stays allocated, and every later call returns the
// same error without executing VMXOFF again.
func (s *Enabled) Disable() (*Disabled, error) {
	if s == nil {
		return nil, ErrStateConsumed
	}
	f, err := s.live()
	if err != nil {
		return nil, err
	}
	if s.rejected != nil {
		return nil, s.rejected
	}

	recordDisableAttempt()
	if err := leaveResult(f.cpu.VMXOff()); err != nil {
		s.rejected = err
		recordDisableRejected()
		return nil, err
	}
	f.cpu.WriteCR4(f.cpu.ReadCR4() &^ CR4VMXE)

	s.consumed = true
	recordDisable()
	return &Disabled{stage{f: f}}, nil
}

// Disabled follows a confirmed VMXOFF; only it can release the region.
type Disabled struct{ stage }

// Release frees the control region. This is the terminal transition.
func (s *Disabled) Release() error {
	if s == nil {
		return ErrStateConsumed
	}
	f, err := s.live()
	if err != nil {
		return err
	}
	s.consumed = true
	f.alloc.release(f.region)
	f.region = nil
	return nil
}
