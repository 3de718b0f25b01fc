package vmx

import (
	"fmt"
	"sync"
)

// SimConfig describes the hardware a SimProcessor pretends to be.
type SimConfig struct {
	// VMX sets CPUID.01H:ECX[5].
	VMX bool
	// FeatureControl is the initial IA32_FEATURE_CONTROL value.
	FeatureControl uint64
	// VMXBasic is the IA32_VMX_BASIC value.
	VMXBasic uint64
	// CR4 is the initial CR4 value.
	CR4 uint64
	// LockFeatureControlFails makes writes to IA32_FEATURE_CONTROL fail.
	LockFeatureControlFails bool
	// RejectVMXOn leaves RFLAGS.CF set after VMXON.
	RejectVMXOn bool
	// RejectVMXOff is the flag snapshot left by a failing VMXOFF; zero
	// means VMXOFF succeeds.
	RejectVMXOff Flags
}

// BasicMSR packs an IA32_VMX_BASIC value from a region size and revision.
func BasicMSR(size, revision uint32) uint64 {
	return uint64(size&vmxBasicSizeMask)<<32 | uint64(revision)
}

// DefaultSimConfig is a VMX capable processor with locked, enabled
// feature control and a 4KiB region.
func DefaultSimConfig() SimConfig {
	return SimConfig{
		VMX:            true,
		FeatureControl: FeatureControlLocked | FeatureControlVMXOutsideSMX,
		VMXBasic:       BasicMSR(PageSize, 0x4),
	}
}

// SimProcessor is a software model of one logical processor's VMX state.
// It follows the architectural rules VMXON and VMXOFF check and records
// every privileged call it sees.
type SimProcessor struct {
	mu sync.Mutex

	cfg     SimConfig
	fc      uint64
	cr4     uint64
	vmxOn   bool
	vmxonPA uint64
	journal []string
	mem     func(phys uint64) (revision uint32, ok bool)
}

// NewSimProcessor returns a processor modelled on cfg.
func NewSimProcessor(cfg SimConfig) *SimProcessor {
	return &SimProcessor{cfg: cfg, fc: cfg.FeatureControl, cr4: cfg.CR4}
}

// AttachArena lets VMXON check the revision identifier stamped in the
// region, the way the processor does.
func (p *SimProcessor) AttachArena(a *Arena) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mem = a.readRevision
}

// Journal returns the privileged operations executed so far.
func (p *SimProcessor) Journal() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.journal...)
}

// InVMXOperation reports whether VMXON succeeded and VMXOFF has not.
func (p *SimProcessor) InVMXOperation() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.vmxOn
}

func (p *SimProcessor) record(format string, args ...any) {
	p.journal = append(p.journal, fmt.Sprintf(format, args...))
}

// CPUID implements Prober.
func (p *SimProcessor) CPUID(leaf, subleaf uint32) CPUIDResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("cpuid %#x", leaf)
	var r CPUIDResult
	if leaf == cpuidLeafFeatures && p.cfg.VMX {
		r.ECX |= cpuidECXVMX
	}
	return r
}

// ReadMSR implements Prober.
func (p *SimProcessor) ReadMSR(msr uint32) (uint64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("rdmsr %#x", msr)
	switch {
	case msr == MSRFeatureControl && p.cfg.VMX:
		return p.fc, nil
	case msr == MSRVMXBasic && p.cfg.VMX:
		return p.cfg.VMXBasic, nil
	default:
		return 0, fmt.Errorf("rdmsr %#x: #GP", msr)
	}
}

// WriteMSR implements Processor.
func (p *SimProcessor) WriteMSR(msr uint32, value uint64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("wrmsr %#x %#x", msr, value)
	if msr != MSRFeatureControl || !p.cfg.VMX {
		return fmt.Errorf("wrmsr %#x: #GP", msr)
	}
	if p.fc&FeatureControlLocked != 0 || p.cfg.LockFeatureControlFails {
		return fmt.Errorf("wrmsr %#x: #GP (locked)", msr)
	}
	p.fc = value
	return nil
}

// ReadCR4 implements Processor.
func (p *SimProcessor) ReadCR4() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cr4
}

// WriteCR4 implements Processor.
func (p *SimProcessor) WriteCR4(value uint64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("mov cr4 %#x", value)
	p.cr4 = value
}

// VMXOn implements Processor. The returned flags follow VMXON's checks:
// CF is set when the region is unusable or the configuration says so.
func (p *SimProcessor) VMXOn(phys uint64) Flags {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("vmxon %#x", phys)

	switch {
	case p.cr4&CR4VMXE == 0, p.fc&FeatureControlLocked == 0, p.fc&FeatureControlVMXOutsideSMX == 0:
		// #UD / #GP on hardware; treated as failure here.
		return FlagCarry
	case p.vmxOn:
		return FlagCarry
	case phys&(PageSize-1) != 0:
		return FlagCarry
	case p.cfg.RejectVMXOn:
		return FlagCarry
	}
	if p.mem != nil {
		if rev, ok := p.mem(phys); !ok || rev != uint32(p.cfg.VMXBasic) {
			return FlagCarry
		}
	}
	p.vmxOn = true
	p.vmxonPA = phys
	return 0
}

// VMXOff implements Processor.
func (p *SimProcessor) VMXOff() Flags {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.record("vmxoff")

	if !p.vmxOn {
		return FlagCarry
	}
	if p.cfg.RejectVMXOff != 0 {
		return p.cfg.RejectVMXOff
	}
	p.vmxOn = false
	p.vmxonPA = 0
	return 0
}
