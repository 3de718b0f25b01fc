package vmx

import "fmt"

// CapabilityReport is the result of Detect. It is a value and is never
// updated after detection.
type CapabilityReport struct {
	// Supported reflects CPUID.01H:ECX[5].
	Supported bool `json:"supported"`
	// LockedOut is set when firmware locked IA32_FEATURE_CONTROL without
	// enabling VMX outside SMX. It holds for the rest of this boot.
	LockedOut bool `json:"locked_out"`
	// Locked reports the IA32_FEATURE_CONTROL lock bit. An unlocked MSR
	// must be locked with VMX enabled before VMXON can succeed.
	Locked bool `json:"locked"`
	// FeatureControl is the raw MSR value, zero when not Supported.
	FeatureControl uint64 `json:"feature_control"`
}

// Favorable reports whether the flow may go on to allocate a region.
func (r CapabilityReport) Favorable() bool {
	return r.Supported && !r.LockedOut
}

// Err returns the error a caller must stop with, or nil.
func (r CapabilityReport) Err() error {
	switch {
	case !r.Supported:
		return ErrUnsupported
	case r.LockedOut:
		return ErrDisabledByFirmware
	default:
		return nil
	}
}

// Detect reads CPUID and IA32_FEATURE_CONTROL. It has no side effects.
func Detect(p Prober) (CapabilityReport, error) {
	var r CapabilityReport

	recordDetection()

	id := p.CPUID(cpuidLeafFeatures, 0)
	r.Supported = id.ECX&cpuidECXVMX != 0
	if !r.Supported {
		// IA32_FEATURE_CONTROL may not exist without VMX.
		return r, nil
	}

	fc, err := p.ReadMSR(MSRFeatureControl)
	if err != nil {
		return CapabilityReport{}, fmt.Errorf("failed to read IA32_FEATURE_CONTROL: %w", err)
	}
	r.FeatureControl = fc
	r.Locked = fc&FeatureControlLocked != 0
	r.LockedOut = r.Locked && fc&FeatureControlVMXOutsideSMX == 0
	return r, nil
}
