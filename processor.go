package vmx

import "fmt"

// Architectural register indices and bits used by the enablement flow.
const (
	MSRFeatureControl uint32 = 0x3a
	MSRVMXBasic       uint32 = 0x480

	FeatureControlLocked        uint64 = 1 << 0
	FeatureControlVMXInSMX      uint64 = 1 << 1
	FeatureControlVMXOutsideSMX uint64 = 1 << 2

	CR4VMXE uint64 = 1 << 13

	cpuidLeafFeatures uint32 = 1
	cpuidECXVMX       uint32 = 1 << 5
)

// CPUIDResult holds the four output registers of CPUID.
type CPUIDResult struct {
	EAX, EBX, ECX, EDX uint32
}

// Prober reads capability state. It never changes processor state.
type Prober interface {
	CPUID(leaf, subleaf uint32) CPUIDResult
	ReadMSR(msr uint32) (uint64, error)
}

// Processor is the full set of privileged operations the lifecycle needs.
//
// VMXOn and VMXOff execute the instruction and capture RFLAGS as the
// architecturally next step; implementations must not let anything that
// touches the flags run in between.
//
// Callers must hold exclusive control of CR4.VMXE on the current logical
// processor for as long as a lifecycle is live. Nothing in software can
// enforce that.
type Processor interface {
	Prober
	WriteMSR(msr uint32, value uint64) error
	ReadCR4() uint64
	WriteCR4(value uint64)
	VMXOn(phys uint64) Flags
	VMXOff() Flags
}

// MSRDevicePath returns the Linux msr driver node for cpu.
func MSRDevicePath(cpu int) string {
	return fmt.Sprintf("/dev/cpu/%d/msr", cpu)
}
