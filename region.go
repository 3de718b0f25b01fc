package vmx

import (
	"encoding/binary"
	"fmt"
)

const (
	// PageShift and PageSize describe the 4KiB frames VMX structures live in.
	PageShift = 12
	PageSize  = 1 << PageShift

	regionRevisionOffset = 0
	regionAbortOffset    = 4
)

// Page is a block of 1<<order physically contiguous frames.
type Page struct {
	// Phys is the physical address of the first frame.
	Phys uint64
	// Mem maps the block into the caller's address space.
	Mem []byte
}

// PageAllocator hands out naturally aligned blocks of frames.
type PageAllocator interface {
	// Alloc returns a block of PageSize<<order bytes aligned to its size.
	// It returns an error wrapping ErrOutOfMemory when it cannot.
	Alloc(order uint32) (Page, error)
	// Free returns a block obtained from Alloc with the same order.
	Free(p Page, order uint32)
}

// ControlRegion is an allocated and stamped VMXON region. Its memory is
// never exposed for writing; once VMX operation is entered the processor
// owns it.
type ControlRegion struct {
	page  Page
	order uint32
	size  uint32
}

// PhysAddr returns the physical address passed to VMXON.
func (r *ControlRegion) PhysAddr() uint64 { return r.page.Phys }

// Order returns the page order of the backing block.
func (r *ControlRegion) Order() uint32 { return r.order }

// Size returns the region size from the descriptor.
func (r *ControlRegion) Size() uint32 { return r.size }

// Revision returns the identifier stamped in the first four bytes.
func (r *ControlRegion) Revision() uint32 {
	return binary.LittleEndian.Uint32(r.page.Mem[regionRevisionOffset:])
}

// AbortIndicator returns the second 32-bit word of the region.
func (r *ControlRegion) AbortIndicator() uint32 {
	return binary.LittleEndian.Uint32(r.page.Mem[regionAbortOffset:])
}

// RegionAllocator acquires control regions from a PageAllocator.
type RegionAllocator struct {
	pages PageAllocator
}

// NewRegionAllocator wraps a page allocator.
func NewRegionAllocator(pages PageAllocator) *RegionAllocator {
	return &RegionAllocator{pages: pages}
}

// Acquire allocates a zeroed block large enough for d and stamps the
// revision identifier into its header.
func (a *RegionAllocator) Acquire(d RegionDescriptor) (*ControlRegion, error) {
	if d.Size == 0 || d.Size > MaxRegionSize {
		return nil, fmt.Errorf("region size %d: %w", d.Size, ErrCapabilityInconsistent)
	}
	if PageOrder(d.Size) > d.Order {
		return nil, fmt.Errorf("order %d too small for %d bytes: %w", d.Order, d.Size, ErrCapabilityInconsistent)
	}

	p, err := a.pages.Alloc(d.Order)
	if err != nil {
		recordAllocFailure()
		return nil, fmt.Errorf("failed to allocate order-%d block: %w", d.Order, err)
	}
	if uint64(len(p.Mem)) < uint64(PageSize)<<d.Order || p.Phys&(uint64(PageSize)<<d.Order-1) != 0 {
		a.pages.Free(p, d.Order)
		recordAllocFailure()
		return nil, fmt.Errorf("allocator returned unaligned block phys=%#x len=%d: %w", p.Phys, len(p.Mem), ErrOutOfMemory)
	}

	clear(p.Mem[:d.Size])
	binary.LittleEndian.PutUint32(p.Mem[regionRevisionOffset:], d.Revision)
	binary.LittleEndian.PutUint32(p.Mem[regionAbortOffset:], 0)

	recordAlloc()
	return &ControlRegion{page: p, order: d.Order, size: d.Size}, nil
}

// release hands the block back. Only (*Disabled).Release and
// (*RegionReady).Abandon reach it.
func (a *RegionAllocator) release(r *ControlRegion) {
	a.pages.Free(r.page, r.order)
	r.page = Page{}
	recordRelease()
}
