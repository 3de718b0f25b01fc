package vmx

import (
	"errors"
	"fmt"
	"os"
	"strconv"
)

// Code classifies a failure of the enablement flow.
type Code uint32

const (
	CodeUnsupported Code = iota + 1
	CodeDisabledByFirmware
	CodeOutOfMemory
	CodeEnableRejected
	CodeDisableRejected
	CodeCapabilityInconsistent
	CodeStateConsumed
	CodePrivileged
	CodeNotSupported
	CodeRegionLeaked
)

func (c Code) String() string {
	switch c {
	case CodeUnsupported:
		return "UNSUPPORTED"
	case CodeDisabledByFirmware:
		return "DISABLED_BY_FIRMWARE"
	case CodeOutOfMemory:
		return "OUT_OF_MEMORY"
	case CodeEnableRejected:
		return "ENABLE_REJECTED"
	case CodeDisableRejected:
		return "DISABLE_REJECTED"
	case CodeCapabilityInconsistent:
		return "CAPABILITY_INCONSISTENT"
	case CodeStateConsumed:
		return "STATE_CONSUMED"
	case CodePrivileged:
		return "PRIVILEGED"
	case CodeNotSupported:
		return "NOT_SUPPORTED"
	case CodeRegionLeaked:
		return "REGION_LEAKED"
	default:
		return fmt.Sprintf("CODE_%d", uint32(c))
	}
}

// Error is the error type returned by every stage of the flow.
type Error struct {
	Code    Code
	message string // Optional custom message for specific errors
}

func (e *Error) Error() string {
	if e.message != "" && !isProductionEnv() {
		return e.message
	}
	if isProductionEnv() {
		return e.sanitizedError()
	}
	return e.detailedError()
}

// Is reports whether target carries the same code, so that errors built
// with a custom message still match the package sentinels.
func (e *Error) Is(target error) bool {
	var t *Error
	if !errors.As(target, &t) {
		return false
	}
	return t.Code == e.Code
}

// detailedError provides full error context for development
func (e *Error) detailedError() string {
	switch e.Code {
	case CodeUnsupported:
		return "vmx: extension not supported (CPUID.01H:ECX.VMX[bit 5] clear)"
	case CodeDisabledByFirmware:
		return "vmx: extension disabled by firmware (IA32_FEATURE_CONTROL locked without VMX enable)"
	case CodeOutOfMemory:
		return "vmx: out of memory - control region allocation could not satisfy the page order"
	case CodeEnableRejected:
		return "vmx: VMXON rejected by the processor (RFLAGS.CF set)"
	case CodeDisableRejected:
		return "vmx: VMXOFF rejected by the processor (RFLAGS.CF or RFLAGS.ZF set)"
	case CodeCapabilityInconsistent:
		return "vmx: IA32_VMX_BASIC reports an impossible region size - capability misread"
	case CodeStateConsumed:
		return "vmx: lifecycle state already consumed by a previous transition"
	case CodePrivileged:
		return "vmx: privileged instruction requires CPL 0"
	case CodeNotSupported:
		return "vmx: not supported on this platform"
	case CodeRegionLeaked:
		return "vmx: control region kept allocated - the processor may still reference it"
	default:
		return fmt.Sprintf("vmx: unknown error code %d", uint32(e.Code))
	}
}

// sanitizedError provides minimal error information for production
func (e *Error) sanitizedError() string {
	switch e.Code {
	case CodeUnsupported:
		return "vmx: unsupported"
	case CodeDisabledByFirmware:
		return "vmx: disabled by firmware"
	case CodeOutOfMemory:
		return "vmx: out of memory"
	case CodeEnableRejected:
		return "vmx: enable rejected"
	case CodeDisableRejected:
		return "vmx: disable rejected"
	case CodeCapabilityInconsistent:
		return "vmx: capability inconsistent"
	case CodeStateConsumed:
		return "vmx: state consumed"
	case CodePrivileged:
		return "vmx: insufficient privilege"
	case CodeNotSupported:
		return "vmx: not supported"
	case CodeRegionLeaked:
		return "vmx: region leaked"
	default:
		return "vmx: error"
	}
}

// isProductionEnv checks if we're running in production environment
func isProductionEnv() bool {
	env := os.Getenv("VMX_ENV")
	if env == "production" || env == "prod" {
		return true
	}

	// Check if debug mode is explicitly disabled
	if debug := os.Getenv("VMX_DEBUG"); debug != "" {
		if val, err := strconv.ParseBool(debug); err == nil && !val {
			return true
		}
	}

	return false
}

// Sentinel errors for API consumers; compare with errors.Is.
var (
	ErrUnsupported            = &Error{Code: CodeUnsupported}
	ErrDisabledByFirmware     = &Error{Code: CodeDisabledByFirmware}
	ErrOutOfMemory            = &Error{Code: CodeOutOfMemory}
	ErrEnableRejected         = &Error{Code: CodeEnableRejected}
	ErrDisableRejected        = &Error{Code: CodeDisableRejected}
	ErrCapabilityInconsistent = &Error{Code: CodeCapabilityInconsistent}
	ErrStateConsumed          = &Error{Code: CodeStateConsumed}
	ErrPrivileged             = &Error{Code: CodePrivileged}
	ErrNotSupported           = &Error{Code: CodeNotSupported}
	ErrRegionLeaked           = &Error{Code: CodeRegionLeaked}

	errModeBusy = &Error{Code: CodeEnableRejected, message: "vmx: CR4.VMXE already set - extension mode owned elsewhere"}
)

// FailKind distinguishes the two VMX instruction failure conventions.
type FailKind int

const (
	FailNone FailKind = iota
	// FailInvalid is VMfailInvalid: RFLAGS.CF set, no current VMCS to hold an error number.
	FailInvalid
	// FailValid is VMfailValid: RFLAGS.ZF set, an error number is in the VM-instruction error field.
	FailValid
)

func (k FailKind) String() string {
	switch k {
	case FailNone:
		return "none"
	case FailInvalid:
		return "VMfailInvalid"
	case FailValid:
		return "VMfailValid"
	default:
		return fmt.Sprintf("FailKind(%d)", int(k))
	}
}

// TransitionError reports a rejected VMXON/VMXOFF with the raw flag snapshot.
type TransitionError struct {
	Op    string
	Kind  FailKind
	Flags Flags
	Err   error
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s failed (%s, rflags=%#x): %v", e.Op, e.Kind, uint64(e.Flags), e.Err)
}

func (e *TransitionError) Unwrap() error { return e.Err }
