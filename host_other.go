//go:build !linux || !amd64

package vmx

import "fmt"

// HostProber is only implemented on linux/amd64.
type HostProber struct{}

// NewHostProber returns an error on this platform.
func NewHostProber(path string) (*HostProber, error) {
	return nil, fmt.Errorf("host prober: %w", ErrNotSupported)
}

func (h *HostProber) Close() error { return nil }

func (h *HostProber) CPUID(leaf, subleaf uint32) CPUIDResult { return CPUIDResult{} }

func (h *HostProber) ReadMSR(msr uint32) (uint64, error) {
	return 0, fmt.Errorf("rdmsr: %w", ErrNotSupported)
}
