//go:build amd64

package vmx

import "fmt"

// cpuid executes CPUID.
func cpuid(leaf, subleaf uint32) (eax, ebx, ecx, edx uint32)

// cpl returns the current privilege level from CS.
func cpl() uint64

// rdmsr reads the given MSR. CPL 0 only.
func rdmsr(msr uint32) uint64

// wrmsr writes the given MSR. CPL 0 only.
func wrmsr(msr uint32, value uint64)

// readCR4 reads CR4. CPL 0 only.
func readCR4() uint64

// writeCR4 writes CR4. CPL 0 only.
func writeCR4(value uint64)

// vmxon executes VMXON with phys as its operand and returns RFLAGS as
// read by the very next instruction.
func vmxon(phys uint64) uint64

// vmxoff executes VMXOFF and returns RFLAGS as read by the very next
// instruction.
func vmxoff() uint64

// NativeProcessor executes the privileged instructions directly. It only
// works at CPL 0, e.g. in a Go kernel or a ring-0 guest runtime.
type NativeProcessor struct{}

// NewNativeProcessor returns ErrPrivileged unless running at CPL 0.
func NewNativeProcessor() (*NativeProcessor, error) {
	if level := cpl(); level != 0 {
		return nil, fmt.Errorf("running at CPL %d: %w", level, ErrPrivileged)
	}
	return &NativeProcessor{}, nil
}

// CPUID implements Prober.
func (NativeProcessor) CPUID(leaf, subleaf uint32) CPUIDResult {
	a, b, c, d := cpuid(leaf, subleaf)
	return CPUIDResult{EAX: a, EBX: b, ECX: c, EDX: d}
}

// ReadMSR implements Prober.
func (NativeProcessor) ReadMSR(msr uint32) (uint64, error) { return rdmsr(msr), nil }

// WriteMSR implements Processor.
func (NativeProcessor) WriteMSR(msr uint32, value uint64) error {
	wrmsr(msr, value)
	return nil
}

// ReadCR4 implements Processor.
func (NativeProcessor) ReadCR4() uint64 { return readCR4() }

// WriteCR4 implements Processor.
func (NativeProcessor) WriteCR4(value uint64) { writeCR4(value) }

// VMXOn implements Processor.
func (NativeProcessor) VMXOn(phys uint64) Flags { return Flags(vmxon(phys)) }

// VMXOff implements Processor.
func (NativeProcessor) VMXOff() Flags { return Flags(vmxoff()) }
