// Package vmx turns Intel VMX operation on and off for one logical
// processor.
//
// It detects the extension, sizes and allocates the VMXON region,
// executes VMXON and later VMXOFF, and reads RFLAGS after each of those
// instructions because the flags are their only error signal.
//
// # Requirements
//
//   - amd64 processor with VMX
//   - CPL 0 for the enable and disable transitions (a Go kernel or a ring-0
//     runtime); user space can only probe, through /dev/cpu/N/msr
//   - exclusive control of CR4.VMXE on the logical processor for the
//     whole lifecycle
//
// # Basic Usage
//
// Probe from user space:
//
//	unpin, err := vmx.PinCPU(0)
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer unpin() // returns an error if the old affinity cannot be restored
//
//	p, err := vmx.NewHostProber(vmx.MSRDevicePath(0))
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer p.Close()
//
//	report, err := vmx.Detect(p)
//	if err != nil {
//		log.Fatal(err)
//	}
//	fmt.Printf("supported=%v locked_out=%v\n", report.Supported, report.LockedOut)
//
// Drive the full lifecycle:
//
//	cpu, err := vmx.NewNativeProcessor()
//	if err != nil {
//		log.Fatal(err) // ErrPrivileged outside ring 0
//	}
//	lc := vmx.NewLifecycle(cpu, pages, vmx.WithLogger(logger))
//	if outcome, err := lc.Load(ctx); err != nil {
//		log.Fatalf("%s: %v", outcome, err)
//	}
//	// ... VMX operation ...
//	outcome, err := lc.Unload(ctx)
//
// # Lifecycle
//
// The typestate API makes every state its own type:
//
//	Idle -> CapabilityOK -> RegionReady -> Enabled -> Disabled -> Released
//
// Each transition consumes its receiver. The region is released by
// *Disabled, or by (*RegionReady).Abandon when VMXON never ran on it, so
// it cannot be freed while the processor may still use it. A rejected
// VMXON or VMXOFF leaks the region on purpose.
//
// # Error Handling
//
// Errors are *Error values with a Code; compare with errors.Is against
// ErrUnsupported, ErrDisabledByFirmware, ErrOutOfMemory,
// ErrEnableRejected and ErrDisableRejected. Rejected transitions are
// *TransitionError values that also carry the RFLAGS snapshot. Set
// VMX_ENV=production for terse messages.
//
// # Testing
//
// SimProcessor and Arena model the processor and a physical address range
// so the whole lifecycle runs anywhere.
package vmx
