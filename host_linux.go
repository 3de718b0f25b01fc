//go:build linux && amd64

package vmx

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// HostProber reads capability state from user space on Linux: CPUID is
// unprivileged, MSRs come from the msr driver's character device. CPUID
// runs on whatever CPU the calling thread is on, so pin it first (PinCPU)
// when the two must agree.
type HostProber struct {
	mu     sync.Mutex
	fd     int
	closed bool
}

// NewHostProber opens the msr device at path.
func NewHostProber(path string) (*HostProber, error) {
	fd, err := unix.Open(path, unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		if errors.Is(err, unix.ENOENT) {
			return nil, fmt.Errorf("open %s: %w (is the msr module loaded?)", path, err)
		}
		if errors.Is(err, unix.EACCES) || errors.Is(err, unix.EPERM) {
			return nil, fmt.Errorf("open %s: %w (needs CAP_SYS_RAWIO)", path, err)
		}
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	return &HostProber{fd: fd}, nil
}

// Close releases the msr device. Idempotent.
func (h *HostProber) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil
	}
	h.closed = true
	return unix.Close(h.fd)
}

// CPUID implements Prober.
func (h *HostProber) CPUID(leaf, subleaf uint32) CPUIDResult {
	a, b, c, d := cpuid(leaf, subleaf)
	return CPUIDResult{EAX: a, EBX: b, ECX: c, EDX: d}
}

// ReadMSR implements Prober. The msr driver maps the register index to
// the file offset.
func (h *HostProber) ReadMSR(msr uint32) (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return 0, os.ErrClosed
	}

	var buf [8]byte
	n, err := unix.Pread(h.fd, buf[:], int64(msr))
	if err != nil {
		return 0, fmt.Errorf("rdmsr %#x: %w", msr, err)
	}
	if n != len(buf) {
		return 0, fmt.Errorf("rdmsr %#x: short read (%d bytes)", msr, n)
	}
	return binary.LittleEndian.Uint64(buf[:]), nil
}
