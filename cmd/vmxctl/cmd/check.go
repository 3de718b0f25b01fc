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
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/blacktop/go-vmx"
)

func init() {
	rootCmd.AddCommand(checkCmd)
	checkCmd.Flags().String("msr-dev", "", "msr device (default /dev/cpu/<cpu>/msr)")
}

// CheckResult is the output of `vmxctl check`.
type CheckResult struct {
	CPU        int                   `json:"cpu"`
	MSRDevice  string                `json:"msr_device"`
	Report     vmx.CapabilityReport  `json:"report"`
	Descriptor *vmx.RegionDescriptor `json:"descriptor,omitempty"`
	Verdict    vmx.Outcome           `json:"verdict"`
	Error      string                `json:"error,omitempty"`
}

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check VMX support, firmware lock and VMXON region requirements",
	RunE: func(cmd *cobra.Command, args []string) error {
		dev, _ := cmd.Flags().GetString("msr-dev")
		if dev == "" {
			dev = cfg.MSRDevicePath()
		}

		unpin, err := pinCPU()
		if err != nil {
			return err
		}
		defer unpin()

		p, err := vmx.NewHostProber(dev)
		if err != nil {
			return err
		}
		defer p.Close()

		res := checkHost(p)
		res.CPU = cfg.CPU
		res.MSRDevice = dev
		logger.Debug("host probe done",
			zap.Int("cpu", res.CPU),
			zap.Stringer("verdict", res.Verdict))

		if res.Verdict != vmx.OutcomeStarted {
			exitCode = 2
		}
		return emit(cmd.OutOrStdout(), res, res.print)
	},
}

// checkHost runs the read-only half of the flow. Verdict is Started when
// a Load on this processor would get as far as allocating the region.
func checkHost(p vmx.Prober) CheckResult {
	var res CheckResult

	report, err := vmx.Detect(p)
	if err != nil {
		res.Verdict = vmx.OutcomeUnsupported
		res.Error = err.Error()
		return res
	}
	res.Report = report
	if err := report.Err(); err != nil {
		res.Verdict = vmx.OutcomeOf(err)
		res.Error = err.Error()
		return res
	}

	d, err := vmx.BuildDescriptor(p)
	if err != nil {
		res.Verdict = vmx.OutcomeOf(err)
		res.Error = err.Error()
		return res
	}
	res.Descriptor = &d
	res.Verdict = vmx.OutcomeStarted
	return res
}

func (r CheckResult) print(w io.Writer) {
	fmt.Fprintf(w, "cpu:             %d (%s)\n", r.CPU, r.MSRDevice)
	fmt.Fprintf(w, "vmx support:     %v\n", r.Report.Supported)
	if r.Report.Supported {
		fmt.Fprintf(w, "feature control: %#x (locked=%v, locked out=%v)\n",
			r.Report.FeatureControl, r.Report.Locked, r.Report.LockedOut)
	}
	if r.Descriptor != nil {
		fmt.Fprintf(w, "vmxon region:    %s\n", r.Descriptor)
	}
	if r.Error != "" {
		fmt.Fprintf(w, "error:           %s\n", r.Error)
	}
	fmt.Fprintf(w, "verdict:         %s\n", r.Verdict)
}
