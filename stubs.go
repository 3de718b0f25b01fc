//go:build !amd64

package vmx

import "fmt"

// NativeProcessor is unavailable off amd64.
type NativeProcessor struct{}

// NewNativeProcessor returns an error on non-amd64 platforms.
func NewNativeProcessor() (*NativeProcessor, error) {
	return nil, fmt.Errorf("native processor: %w", ErrNotSupported)
}

// Stub implementations for Processor methods
func (NativeProcessor) CPUID(leaf, subleaf uint32) CPUIDResult { return CPUIDResult{} }

func (NativeProcessor) ReadMSR(msr uint32) (uint64, error) {
	return 0, fmt.Errorf("rdmsr: %w", ErrNotSupported)
}

func (NativeProcessor) WriteMSR(msr uint32, value uint64) error {
	return fmt.Errorf("wrmsr: %w", ErrNotSupported)
}

func (NativeProcessor) ReadCR4() uint64 { return 0 }
func (NativeProcessor) WriteCR4(value uint64) {}
func (NativeProcessor) VMXOn(phys uint64) Flags { return FlagCarry }
func (NativeProcessor) VMXOff() Flags { return FlagCarry }
