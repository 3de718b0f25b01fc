package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/blacktop/go-vmx"
)

// Config holds vmxctl configuration.
type Config struct {
	// CPU is the logical processor the lifecycle is pinned to.
	CPU int `yaml:"cpu"`

	// MSRDevice overrides /dev/cpu/<CPU>/msr.
	MSRDevice string `yaml:"msr_device"`

	// MmapAttempts bounds remapping for a contiguous region block.
	MmapAttempts int `yaml:"mmap_attempts"`

	// Logging
	Logging LoggingConfig `yaml:"logging"`

	// Emulate configures the simulated processor used by `vmxctl emulate`.
	Emulate EmulateConfig `yaml:"emulate"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level    string `yaml:"level"`    // debug, info, warn, error
	Encoding string `yaml:"encoding"` // json, console
}

// EmulateConfig describes the simulated hardware.
type EmulateConfig struct {
	Supported     bool   `yaml:"supported"`
	LockedOut     bool   `yaml:"locked_out"`
	Unlocked      bool   `yaml:"unlocked"`
	ModeBusy      bool   `yaml:"mode_busy"`
	Revision      uint32 `yaml:"revision"`
	RegionSize    uint32 `yaml:"region_size"`
	ArenaBase     uint64 `yaml:"arena_base"`
	ArenaFrames   int    `yaml:"arena_frames"`
	RejectEnable  bool   `yaml:"reject_enable"`
	RejectDisable string `yaml:"reject_disable"` // "", carry, zero, both
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		CPU:          0,
		MmapAttempts: vmx.DefaultMmapAttempts,
		Logging: LoggingConfig{
			Level:    "info",
			Encoding: "json",
		},
		Emulate: EmulateConfig{
			Supported:   true,
			Revision:    0x4,
			RegionSize:  vmx.PageSize,
			ArenaBase:   0x100000,
			ArenaFrames: 16,
		},
	}
}

// Load loads configuration from a YAML file. A missing file yields the
// defaults; environment overrides apply either way.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
		case err != nil:
			return nil, fmt.Errorf("failed to read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config: %w", err)
			}
		}
	}

	if err := cfg.applyEnvOverrides(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() error {
	if v := os.Getenv("VMX_CPU"); v != "" {
		cpu, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid VMX_CPU %q: %w", v, err)
		}
		c.CPU = cpu
	}
	if v := os.Getenv("VMX_MSR_DEVICE"); v != "" {
		c.MSRDevice = v
	}
	if v := os.Getenv("VMX_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	return nil
}

// MSRDevicePath returns the msr device to probe.
func (c *Config) MSRDevicePath() string {
	if c.MSRDevice != "" {
		return c.MSRDevice
	}
	return vmx.MSRDevicePath(c.CPU)
}

// ValidRejectDisable lists the accepted emulate.reject_disable values.
var ValidRejectDisable = []string{"", "carry", "zero", "both"}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.CPU < 0 {
		return fmt.Errorf("invalid cpu %d", c.CPU)
	}
	if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.Logging.Level, err)
	}
	if c.Logging.Encoding != "json" && c.Logging.Encoding != "console" {
		return fmt.Errorf("invalid log encoding %q (valid: json, console)", c.Logging.Encoding)
	}
	if c.Emulate.RegionSize > vmx.MaxRegionSize {
		return fmt.Errorf("emulate.region_size %d exceeds %d", c.Emulate.RegionSize, vmx.MaxRegionSize)
	}
	if c.Emulate.ArenaBase&(vmx.PageSize-1) != 0 {
		return fmt.Errorf("emulate.arena_base %#x not page-aligned", c.Emulate.ArenaBase)
	}
	if c.Emulate.ArenaFrames < 0 {
		return fmt.Errorf("emulate.arena_frames %d is negative", c.Emulate.ArenaFrames)
	}
	if _, err := rejectFlags(c.Emulate.RejectDisable); err != nil {
		return err
	}
	return nil
}

func rejectFlags(s string) (vmx.Flags, error) {
	switch s {
	case "":
		return 0, nil
	case "carry":
		return vmx.FlagCarry, nil
	case "zero":
		return vmx.FlagZero, nil
	case "both":
		return vmx.FlagCarry | vmx.FlagZero, nil
	default:
		return 0, fmt.Errorf("invalid emulate.reject_disable %q (valid: %q)", s, ValidRejectDisable)
	}
}

// SimConfig translates the emulate section into simulated hardware.
func (e EmulateConfig) SimConfig() (vmx.SimConfig, error) {
	off, err := rejectFlags(e.RejectDisable)
	if err != nil {
		return vmx.SimConfig{}, err
	}
	sc := vmx.SimConfig{
		VMX:          e.Supported,
		VMXBasic:     vmx.BasicMSR(e.RegionSize, e.Revision),
		RejectVMXOn:  e.RejectEnable,
		RejectVMXOff: off,
	}
	switch {
	case e.LockedOut:
		sc.FeatureControl = vmx.FeatureControlLocked
	case e.Unlocked:
		sc.FeatureControl = 0
	default:
		sc.FeatureControl = vmx.FeatureControlLocked | vmx.FeatureControlVMXOutsideSMX
	}
	if e.ModeBusy {
		sc.CR4 = vmx.CR4VMXE
	}
	return sc, nil
}

// Logger builds a zap logger from the logging section.
func (c *Config) Logger(verbose bool) (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	zc.Encoding = c.Logging.Encoding
	if zc.Encoding == "console" {
		zc.EncoderConfig = zap.NewDevelopmentEncoderConfig()
	}
	level, err := zapcore.ParseLevel(c.Logging.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", c.Logging.Level, err)
	}
	if verbose {
		level = zapcore.DebugLevel
	}
	zc.Level = zap.NewAtomicLevelAt(level)

	logger, err := zc.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}
	return logger, nil
}
