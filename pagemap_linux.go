//go:build linux

package vmx

import (
	"encoding/binary"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

const (
	pagemapPresent = 1 << 63
	pagemapPFNMask = 1<<55 - 1
)

// Pagemap translates virtual addresses of the calling process to physical
// addresses through /proc/self/pagemap. PFNs read as zero without
// CAP_SYS_ADMIN.
type Pagemap struct {
	mu sync.Mutex
	f  *os.File
}

// OpenPagemap opens /proc/self/pagemap.
func OpenPagemap() (*Pagemap, error) {
	f, err := os.Open("/proc/self/pagemap")
	if err != nil {
		return nil, fmt.Errorf("failed to open pagemap: %w", err)
	}
	return &Pagemap{f: f}, nil
}

// Close closes the pagemap file.
func (m *Pagemap) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.f.Close()
}

// Translate returns the physical address backing virt.
func (m *Pagemap) Translate(virt uintptr) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	hostPage := uintptr(pageSize())
	var buf [8]byte
	if _, err := m.f.ReadAt(buf[:], int64(virt/hostPage)*8); err != nil {
		return 0, fmt.Errorf("pagemap read for %#x: %w", virt, err)
	}
	pfn, ok := pagemapPFN(binary.LittleEndian.Uint64(buf[:]))
	if !ok {
		return 0, fmt.Errorf("page %#x not present", virt)
	}
	if pfn == 0 {
		return 0, fmt.Errorf("pagemap PFN hidden for %#x: %w", virt, ErrPrivileged)
	}
	return pfn*uint64(hostPage) + uint64(virt%hostPage), nil
}

// pagemapPFN decodes one pagemap entry.
func pagemapPFN(entry uint64) (pfn uint64, present bool) {
	if entry&pagemapPresent == 0 {
		return 0, false
	}
	return entry & pagemapPFNMask, true
}

var (
	cachedPageSize int
	pageSizeOnce   sync.Once
)

// pageSize returns the system page size, cached for performance
func pageSize() int {
	pageSizeOnce.Do(func() {
		cachedPageSize = unix.Getpagesize()
	})
	return cachedPageSize
}
