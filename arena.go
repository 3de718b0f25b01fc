package vmx

import (
	"encoding/binary"
	"fmt"
	"sync"
)

// Arena is a PageAllocator over a fixed block of memory that stands in for
// a physical address range. Frame reservations are tracked in a bitmap;
// blocks are naturally aligned to their size in the simulated physical
// address space.
type Arena struct {
	mu sync.Mutex

	// baseFrame is the frame number of the first frame in the arena.
	// Frame i of mem corresponds to physical frame baseFrame+i.
	baseFrame uint64

	frames    uint64
	freeCount uint64
	bitmap    []uint64
	mem       []byte
}

// NewArena returns an arena of frames pages whose first frame sits at the
// physical address base.
func NewArena(base uint64, frames int) (*Arena, error) {
	if base&(PageSize-1) != 0 {
		return nil, fmt.Errorf("vmx: arena base %#x not page-aligned", base)
	}
	if frames < 0 {
		return nil, fmt.Errorf("vmx: negative arena size %d", frames)
	}
	return &Arena{
		baseFrame: base >> PageShift,
		frames:    uint64(frames),
		freeCount: uint64(frames),
		// Round the bitmap up to a multiple of 64 bits.
		bitmap: make([]uint64, (frames+63)>>6),
		mem:    make([]byte, frames*PageSize),
	}, nil
}

// FreeFrames returns the number of unreserved frames.
func (a *Arena) FreeFrames() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return int(a.freeCount)
}

// Alloc implements PageAllocator.
func (a *Arena) Alloc(order uint32) (Page, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if order >= 64-PageShift {
		return Page{}, fmt.Errorf("order %d: %w", order, ErrOutOfMemory)
	}
	n := uint64(1) << order
	if n > a.freeCount {
		return Page{}, fmt.Errorf("arena has %d free frames, need %d: %w", a.freeCount, n, ErrOutOfMemory)
	}

	// First index whose absolute frame number is aligned to n.
	first := (n - a.baseFrame%n) % n
	for i := first; i+n <= a.frames; i += n {
		if !a.rangeFree(i, n) {
			continue
		}
		a.markRange(i, n, true)
		a.freeCount -= n
		return Page{
			Phys: (a.baseFrame + i) << PageShift,
			Mem:  a.mem[i<<PageShift : (i+n)<<PageShift : (i+n)<<PageShift],
		}, nil
	}
	return Page{}, fmt.Errorf("no aligned run of %d frames: %w", n, ErrOutOfMemory)
}

// Free implements PageAllocator. Freeing a block that is not reserved is
// a caller bug and panics.
func (a *Arena) Free(p Page, order uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()

	n := uint64(1) << order
	frame := p.Phys >> PageShift
	if frame < a.baseFrame || frame-a.baseFrame+n > a.frames {
		panic(fmt.Sprintf("vmx: free of block %#x/%d outside arena", p.Phys, order))
	}
	i := frame - a.baseFrame
	for j := i; j < i+n; j++ {
		if !a.reserved(j) {
			panic(fmt.Sprintf("vmx: double free of frame %#x", (a.baseFrame+j)<<PageShift))
		}
	}
	a.markRange(i, n, false)
	a.freeCount += n
}

func (a *Arena) reserved(i uint64) bool {
	return a.bitmap[i>>6]&(1<<(i&63)) != 0
}

func (a *Arena) rangeFree(i, n uint64) bool {
	for j := i; j < i+n; j++ {
		if a.reserved(j) {
			return false
		}
	}
	return true
}

func (a *Arena) markRange(i, n uint64, used bool) {
	for j := i; j < i+n; j++ {
		if used {
			a.bitmap[j>>6] |= 1 << (j & 63)
		} else {
			a.bitmap[j>>6] &^= 1 << (j & 63)
		}
	}
}

// readRevision returns the first word of the reserved frame at phys.
func (a *Arena) readRevision(phys uint64) (uint32, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	frame := phys >> PageShift
	if phys&(PageSize-1) != 0 || frame < a.baseFrame || frame-a.baseFrame >= a.frames {
		return 0, false
	}
	i := frame - a.baseFrame
	if !a.reserved(i) {
		return 0, false
	}
	return binary.LittleEndian.Uint32(a.mem[i<<PageShift:]), true
}
