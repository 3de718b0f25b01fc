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
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/blacktop/go-vmx"
)

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().Bool("hold", false, "Stay in VMX operation until SIGINT/SIGTERM")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Enter and leave VMX operation on the real processor (CPL 0 only)",
	RunE: func(cmd *cobra.Command, args []string) error {
		hold, _ := cmd.Flags().GetBool("hold")

		unpin, err := pinCPU()
		if err != nil {
			return err
		}
		defer unpin()

		cpu, err := vmx.NewNativeProcessor()
		if err != nil {
			return err
		}
		pm, err := vmx.OpenPagemap()
		if err != nil {
			return err
		}
		defer pm.Close()
		pages, err := vmx.NewMmapAllocator(pm, cfg.MmapAttempts, logger)
		if err != nil {
			return err
		}

		lc := vmx.NewLifecycle(cpu, pages, vmx.WithLogger(logger.With(zap.Int("cpu", cfg.CPU))))

		outcome, err := lc.Load(context.Background())
		if err != nil {
			exitCode = 2
			// Gives the region back unless VMXON ran on it.
			if _, uerr := lc.Unload(context.Background()); uerr != nil {
				logger.Error("teardown after failed load", zap.Error(uerr))
			}
			return fmt.Errorf("%s: %w", outcome, err)
		}

		if hold {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			<-ctx.Done()
			stop()
		}

		outcome, err = lc.Unload(context.Background())
		if err != nil {
			exitCode = 2
			return fmt.Errorf("%s: %w", outcome, err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), outcome)
		return nil
	},
}
