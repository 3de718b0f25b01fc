//go:build !linux

package vmx

import (
	"fmt"

	"go.uber.org/zap"
)

// DefaultMmapAttempts bounds how often MmapAllocator remaps a block.
const DefaultMmapAttempts = 8

// Pagemap is only implemented on Linux.
type Pagemap struct{}

// OpenPagemap returns an error on non-Linux platforms.
func OpenPagemap() (*Pagemap, error) {
	return nil, fmt.Errorf("pagemap: %w", ErrNotSupported)
}

func (m *Pagemap) Close() error { return nil }

func (m *Pagemap) Translate(virt uintptr) (uint64, error) {
	return 0, fmt.Errorf("pagemap: %w", ErrNotSupported)
}

// MmapAllocator is only implemented on Linux.
type MmapAllocator struct{}

// NewMmapAllocator returns an error on non-Linux platforms.
func NewMmapAllocator(pm *Pagemap, attempts int, log *zap.Logger) (*MmapAllocator, error) {
	return nil, fmt.Errorf("mmap allocator: %w", ErrNotSupported)
}

func (a *MmapAllocator) Alloc(order uint32) (Page, error) {
	return Page{}, fmt.Errorf("mmap allocator: %w", ErrNotSupported)
}

func (a *MmapAllocator) Free(p Page, order uint32) {}

// PinCPU returns an error on non-Linux platforms.
func PinCPU(cpu int) (unpin func() error, err error) {
	return nil, fmt.Errorf("pin cpu: %w", ErrNotSupported)
}

// AllowedCPUs returns an error on non-Linux platforms.
func AllowedCPUs() ([]int, error) {
	return nil, fmt.Errorf("allowed cpus: %w", ErrNotSupported)
}
