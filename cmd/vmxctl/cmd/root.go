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
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/blacktop/go-vmx"
	"github.com/blacktop/go-vmx/internal/config"
)

var (
	cfgFile  string
	verbose  bool
	jsonOut  bool
	cfg      *config.Config
	logger   = zap.NewNop()
	exitCode int
)

var rootCmd = &cobra.Command{
	Use:   "vmxctl",
	Short: "Probe and toggle Intel VMX operation on one logical processor",
	Long: `vmxctl detects VMX support, builds the VMXON region descriptor and
drives the VMXON/VMXOFF lifecycle.

  check    probe the host through /dev/cpu/N/msr (needs the msr module)
  emulate  run the full lifecycle against a simulated processor
  run      run the full lifecycle on the real processor (CPL 0 only)
  config   print or write the effective configuration`,
	SilenceUsage: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("cpu") {
			cfg.CPU, _ = cmd.Flags().GetInt("cpu")
		}
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("invalid config: %w", err)
		}
		logger, err = cfg.Logger(verbose)
		return err
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	os.Exit(exitCode)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "YAML config file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "V", false, "Enable debug logging")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Print results as JSON")
	rootCmd.PersistentFlags().Int("cpu", 0, "Logical processor to pin to")
}

// pinCPU pins the calling goroutine to cfg.CPU. The returned function
// undoes it and logs a failed restore.
func pinCPU() (func(), error) {
	unpin, err := vmx.PinCPU(cfg.CPU)
	if err != nil {
		return nil, err
	}
	return func() {
		if err := unpin(); err != nil {
			logger.Warn("failed to restore CPU affinity", zap.Int("cpu", cfg.CPU), zap.Error(err))
		}
	}, nil
}

// emit prints v as indented JSON or through the text printer.
func emit(w io.Writer, v any, text func(io.Writer)) error {
	if !jsonOut {
		text(w)
		return nil
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
