//go:build linux

package vmx

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/unix"
)

// PinCPU locks the calling goroutine to its OS thread and restricts that
// thread to cpu. The returned function restores the previous affinity and
// unlocks the thread; the thread stays locked if the affinity cannot be
// restored. VMX state is per logical processor, so a lifecycle
// must run pinned from Load to Unload.
func PinCPU(cpu int) (unpin func() error, err error) {
	runtime.LockOSThread()

	var prev unix.CPUSet
	if err := unix.SchedGetaffinity(0, &prev); err != nil {
		runtime.UnlockOSThread()
		return nil, fmt.Errorf("sched_getaffinity: %w", err)
	}
	if cpu < 0 || !prev.IsSet(cpu) {
		runtime.UnlockOSThread()
		return nil, fmt.Errorf("cpu %d not in allowed set (%d cpus)", cpu, prev.Count())
	}

	var set unix.CPUSet
	set.Set(cpu)
	if err := unix.SchedSetaffinity(0, &set); err != nil {
		runtime.UnlockOSThread()
		return nil, fmt.Errorf("sched_setaffinity cpu %d: %w", cpu, err)
	}

	return func() error {
		if err := unix.SchedSetaffinity(0, &prev); err != nil {
			// A locked thread exits with its goroutine.
			return fmt.Errorf("restore affinity: %w", err)
		}
		runtime.UnlockOSThread()
		return nil
	}, nil
}

// cpuSetSize is CPU_SETSIZE.
const cpuSetSize = 1024

// AllowedCPUs returns the CPUs the calling thread may run on.
func AllowedCPUs() ([]int, error) {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return nil, fmt.Errorf("sched_getaffinity: %w", err)
	}
	var cpus []int
	for i := 0; i < cpuSetSize; i++ {
		if set.IsSet(i) {
			cpus = append(cpus, i)
		}
	}
	return cpus, nil
}
