/*
Copyright © 2025 blacktop

Permission is hereby granted, free of charge, to any person obtaining a copy
of this software and associated documentation files (the "Software"), to deal
in the Software without restriction, including without limitation the rights
to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
copies of the Software, and to permit persons to whom the Software is
furnished to do so, subject to the following conditions:

The above copyright notice and this permission notice shall be included in
all copies or substantial portions of the Software.

THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
THE SOFTWARE.
*/
package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/blacktop/go-vmx"
	"github.com/blacktop/go-vmx/internal/config"
)

func init() {
	rootCmd.AddCommand(emulateCmd)
	f := emulateCmd.Flags()
	f.Bool("unsupported", false, "Processor without VMX")
	f.Bool("locked", false, "Firmware locked IA32_FEATURE_CONTROL with VMX disabled")
	f.Bool("unlocked", false, "Firmware left IA32_FEATURE_CONTROL unlocked")
	f.Bool("busy", false, "CR4.VMXE already set by another owner")
	f.Bool("oom", false, "Region allocation fails")
	f.Bool("reject-enable", false, "VMXON leaves RFLAGS.CF set")
	f.String("reject-disable", "", "VMXOFF failure: carry, zero or both")
	f.Uint32("region-size", 0, "IA32_VMX_BASIC region size (default from config)")
	f.Uint32("revision", 0, "IA32_VMX_BASIC revision identifier (default from config)")
	f.Bool("no-unload", false, "Stop after Load")
}

// EmulateResult is the output of `vmxctl emulate`.
type EmulateResult struct {
	Load       vmx.Outcome `json:"load"`
	LoadErr    string      `json:"load_error,omitempty"`
	Unload     vmx.Outcome `json:"unload,omitempty"`
	UnloadErr  string      `json:"unload_error,omitempty"`
	State      vmx.State   `json:"state"`
	InVMX      bool        `json:"in_vmx_operation"`
	FreeFrames int         `json:"free_frames"`
	Journal    []string    `json:"journal"`
	Metrics    vmx.Metrics `json:"metrics"`
}

var emulateCmd = &cobra.Command{
	Use:     "emulate",
	Aliases: []string{"emu"},
	Short:   "Run the VMXON/VMXOFF lifecycle against a simulated processor",
	RunE: func(cmd *cobra.Command, args []string) error {
		ec, err := emulateConfig(cmd, cfg.Emulate)
		if err != nil {
			return err
		}
		noUnload, _ := cmd.Flags().GetBool("no-unload")

		res, err := emulate(cmd.Context(), ec, !noUnload)
		if err != nil {
			return err
		}
		if res.Load != vmx.OutcomeStarted || (!noUnload && res.Unload != vmx.OutcomeStopped) {
			exitCode = 2
		}
		return emit(cmd.OutOrStdout(), res, res.print)
	},
}

// emulateConfig applies command line flags on top of the config file.
func emulateConfig(cmd *cobra.Command, ec config.EmulateConfig) (config.EmulateConfig, error) {
	f := cmd.Flags()
	if v, _ := f.GetBool("unsupported"); v {
		ec.Supported = false
	}
	if v, _ := f.GetBool("locked"); v {
		ec.LockedOut = true
	}
	if v, _ := f.GetBool("unlocked"); v {
		ec.Unlocked = true
	}
	if v, _ := f.GetBool("busy"); v {
		ec.ModeBusy = true
	}
	if v, _ := f.GetBool("oom"); v {
		ec.ArenaFrames = 0
	}
	if v, _ := f.GetBool("reject-enable"); v {
		ec.RejectEnable = true
	}
	if f.Changed("reject-disable") {
		ec.RejectDisable, _ = f.GetString("reject-disable")
	}
	if f.Changed("region-size") {
		ec.RegionSize, _ = f.GetUint32("region-size")
	}
	if f.Changed("revision") {
		ec.Revision, _ = f.GetUint32("revision")
	}
	if ec.RegionSize > vmx.MaxRegionSize {
		return ec, fmt.Errorf("region size %d exceeds %d", ec.RegionSize, vmx.MaxRegionSize)
	}
	return ec, nil
}

func emulate(ctx context.Context, ec config.EmulateConfig, unload bool) (*EmulateResult, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	sc, err := ec.SimConfig()
	if err != nil {
		return nil, err
	}
	arena, err := vmx.NewArena(ec.ArenaBase, ec.ArenaFrames)
	if err != nil {
		return nil, err
	}
	sim := vmx.NewSimProcessor(sc)
	sim.AttachArena(arena)

	vmx.ResetMetrics()
	lc := vmx.NewLifecycle(sim, arena, vmx.WithLogger(logger))

	var res EmulateResult
	res.Load, err = lc.Load(ctx)
	if err != nil {
		res.LoadErr = err.Error()
	}
	if unload {
		res.Unload, err = lc.Unload(ctx)
		if err != nil {
			res.UnloadErr = err.Error()
		}
	}

	res.State = lc.State()
	res.InVMX = sim.InVMXOperation()
	res.FreeFrames = arena.FreeFrames()
	res.Journal = sim.Journal()
	res.Metrics = vmx.GetMetrics()
	return &res, nil
}

func (r EmulateResult) print(w io.Writer) {
	for _, op := range r.Journal {
		fmt.Fprintf(w, "  %s\n", op)
	}
	fmt.Fprintf(w, "load:        %s", r.Load)
	if r.LoadErr != "" {
		fmt.Fprintf(w, " (%s)", r.LoadErr)
	}
	fmt.Fprintln(w)
	if r.Unload != vmx.OutcomeUnknown {
		fmt.Fprintf(w, "unload:      %s", r.Unload)
		if r.UnloadErr != "" {
			fmt.Fprintf(w, " (%s)", r.UnloadErr)
		}
		fmt.Fprintln(w)
	}
	fmt.Fprintf(w, "state:       %s\n", r.State)
	fmt.Fprintf(w, "vmx active:  %v\n", r.InVMX)
	fmt.Fprintf(w, "free frames: %d\n", r.FreeFrames)
}
