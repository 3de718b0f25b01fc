package vmx

import (
	"sync/atomic"
	"time"
)

// Counters for the enablement flow. They are process wide; one process
// may run lifecycles on several logical processors.
var (
	// Capability counters
	detections      uint64
	unsupported     uint64
	firmwareLockout uint64

	// Region counters
	allocations   uint64
	allocFailures uint64
	releases      uint64

	// Transition counters
	enableAttempts  uint64
	enables         uint64
	enableRejects   uint64
	disableAttempts uint64
	disables        uint64
	disableRejects  uint64

	// Timing metrics (nanoseconds)
	totalEnableTime uint64
)

// Metrics is a snapshot of the flow counters.
type Metrics struct {
	Detections       uint64 `json:"detections"`
	Unsupported      uint64 `json:"unsupported"`
	FirmwareLockouts uint64 `json:"firmware_lockouts"`
	Allocations      uint64 `json:"allocations"`
	AllocFailures    uint64 `json:"alloc_failures"`
	Releases         uint64 `json:"releases"`
	EnableAttempts   uint64 `json:"enable_attempts"`
	Enables          uint64 `json:"enables"`
	EnableRejects    uint64 `json:"enable_rejects"`
	DisableAttempts  uint64 `json:"disable_attempts"`
	Disables         uint64 `json:"disables"`
	DisableRejects   uint64 `json:"disable_rejects"`
	AvgEnableTimeNs  uint64 `json:"avg_enable_time_ns"`
}

// GetMetrics returns current metrics
func GetMetrics() Metrics {
	n := atomic.LoadUint64(&enables)

	var avgEnable uint64
	if n > 0 {
		avgEnable = atomic.LoadUint64(&totalEnableTime) / n
	}

	return Metrics{
		Detections:       atomic.LoadUint64(&detections),
		Unsupported:      atomic.LoadUint64(&unsupported),
		FirmwareLockouts: atomic.LoadUint64(&firmwareLockout),
		Allocations:      atomic.LoadUint64(&allocations),
		AllocFailures:    atomic.LoadUint64(&allocFailures),
		Releases:         atomic.LoadUint64(&releases),
		EnableAttempts:   atomic.LoadUint64(&enableAttempts),
		Enables:          n,
		EnableRejects:    atomic.LoadUint64(&enableRejects),
		DisableAttempts:  atomic.LoadUint64(&disableAttempts),
		Disables:         atomic.LoadUint64(&disables),
		DisableRejects:   atomic.LoadUint64(&disableRejects),
		AvgEnableTimeNs:  avgEnable,
	}
}

// ResetMetrics clears all metrics
func ResetMetrics() {
	for _, c := range []*uint64{
		&detections, &unsupported, &firmwareLockout,
		&allocations, &allocFailures, &releases,
		&enableAttempts, &enables, &enableRejects,
		&disableAttempts, &disables, &disableRejects,
		&totalEnableTime,
	} {
		atomic.StoreUint64(c, 0)
	}
}

func recordDetection()       { atomic.AddUint64(&detections, 1) }
func recordUnsupported()     { atomic.AddUint64(&unsupported, 1) }
func recordFirmwareLockout() { atomic.AddUint64(&firmwareLockout, 1) }
func recordAlloc()           { atomic.AddUint64(&allocations, 1) }
func recordAllocFailure()    { atomic.AddUint64(&allocFailures, 1) }
func recordRelease()         { atomic.AddUint64(&releases, 1) }
func recordEnableAttempt()   { atomic.AddUint64(&enableAttempts, 1) }
func recordEnableRejected()  { atomic.AddUint64(&enableRejects, 1) }
func recordDisableAttempt()  { atomic.AddUint64(&disableAttempts, 1) }
func recordDisableRejected() { atomic.AddUint64(&disableRejects, 1) }
func recordDisable()         { atomic.AddUint64(&disables, 1) }

func recordEnable(duration time.Duration) {
	atomic.AddUint64(&enables, 1)
	atomic.AddUint64(&totalEnableTime, uint64(duration.Nanoseconds()))
}
