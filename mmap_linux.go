//go:build linux

package vmx

import (
	"fmt"
	"unsafe"

	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// DefaultMmapAttempts bounds how often MmapAllocator remaps a block that
// did not land on contiguous, aligned frames.
const DefaultMmapAttempts = 8

// MmapAllocator is a PageAllocator backed by anonymous, locked mappings
// of the current process. The kernel does not promise physical
// contiguity for user memory, so every block is checked through the
// pagemap and remapped when it is not contiguous and aligned.
type MmapAllocator struct {
	pm       *Pagemap
	attempts int
	log      *zap.Logger
}

// NewMmapAllocator returns an allocator translating through pm. Unmap
// failures, which PageAllocator.Free cannot return, go to log.
func NewMmapAllocator(pm *Pagemap, attempts int, log *zap.Logger) (*MmapAllocator, error) {
	if pageSize() != PageSize {
		return nil, fmt.Errorf("host page size %d, need %d: %w", pageSize(), PageSize, ErrNotSupported)
	}
	if attempts <= 0 {
		attempts = DefaultMmapAttempts
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &MmapAllocator{pm: pm, attempts: attempts, log: log}, nil
}

// Alloc implements PageAllocator.
func (a *MmapAllocator) Alloc(order uint32) (Page, error) {
	if order >= 32 {
		return Page{}, fmt.Errorf("order %d: %w", order, ErrOutOfMemory)
	}
	size := PageSize << order

	for i := 0; i < a.attempts; i++ {
		mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE|unix.MAP_POPULATE)
		if err != nil {
			return Page{}, fmt.Errorf("mmap %d bytes: %v: %w", size, err, ErrOutOfMemory)
		}
		// Keep the frames resident so the physical address stays valid.
		if err := unix.Mlock(mem); err != nil {
			err = multierr.Append(err, unix.Munmap(mem))
			return Page{}, fmt.Errorf("mlock %d bytes: %v: %w", size, err, ErrOutOfMemory)
		}

		phys, ok, err := a.contiguous(mem, order)
		if err != nil {
			return Page{}, multierr.Append(err, a.unmap(mem))
		}
		if ok {
			return Page{Phys: phys, Mem: mem}, nil
		}
		if err := a.unmap(mem); err != nil {
			return Page{}, fmt.Errorf("discarding non-contiguous block: %w", err)
		}
	}
	return Page{}, fmt.Errorf("no contiguous order-%d block after %d attempts: %w", order, a.attempts, ErrOutOfMemory)
}

// contiguous reports the physical base of mem when its frames are
// contiguous and the base is aligned to the block size.
func (a *MmapAllocator) contiguous(mem []byte, order uint32) (uint64, bool, error) {
	base := uintptr(unsafe.Pointer(&mem[0]))
	first, err := a.pm.Translate(base)
	if err != nil {
		return 0, false, err
	}
	if first&(uint64(PageSize)<<order-1) != 0 {
		return 0, false, nil
	}
	for off := PageSize; off < len(mem); off += PageSize {
		phys, err := a.pm.Translate(base + uintptr(off))
		if err != nil {
			return 0, false, err
		}
		if phys != first+uint64(off) {
			return 0, false, nil
		}
	}
	return first, true, nil
}

func (a *MmapAllocator) unmap(mem []byte) error {
	return multierr.Combine(
		wrapErr("munlock", unix.Munlock(mem)),
		wrapErr("munmap", unix.Munmap(mem)),
	)
}

func wrapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// Free implements PageAllocator.
func (a *MmapAllocator) Free(p Page, order uint32) {
	if len(p.Mem) == 0 {
		return
	}
	if err := a.unmap(p.Mem); err != nil {
		a.log.Error("failed to unmap control region block",
			zap.Uint64("phys", p.Phys),
			zap.Uint32("order", order),
			zap.Error(err))
	}
}
