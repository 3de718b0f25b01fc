package vmx

import (
	"os"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

// isCI returns true if running in GitHub Actions
func isCI() bool {
	return os.Getenv("CI") == "true" || os.Getenv("GITHUB_ACTIONS") == "true"
}

// rig is a simulated processor with an arena and an observed logger.
type rig struct {
	sim   *SimProcessor
	arena *Arena
	logs  *observer.ObservedLogs
	log   *zap.Logger
}

func newRig(t *testing.T, cfg SimConfig, frames int) *rig {
	t.Helper()
	arena, err := NewArena(0x100000, frames)
	if err != nil {
		t.Fatalf("NewArena: %v", err)
	}
	sim := NewSimProcessor(cfg)
	sim.AttachArena(arena)
	core, logs := observer.New(zapcore.DebugLevel)
	return &rig{sim: sim, arena: arena, logs: logs, log: zap.New(core)}
}

func (r *rig) lifecycle() *Lifecycle {
	return NewLifecycle(r.sim, r.arena, WithLogger(r.log))
}

func (r *rig) idle() *Idle {
	return NewIdle(r.sim, r.arena, WithLogger(r.log))
}

// count returns how many journal entries equal op.
func (r *rig) count(op string) int {
	n := 0
	for _, e := range r.sim.Journal() {
		if e == op {
			n++
		}
	}
	return n
}

// fakeProber answers CPUID and RDMSR from fixed values.
type fakeProber struct {
	ecx  uint32
	msrs map[uint32]uint64
	err  error
}

func (p *fakeProber) CPUID(leaf, subleaf uint32) CPUIDResult {
	if leaf == cpuidLeafFeatures {
		return CPUIDResult{ECX: p.ecx}
	}
	return CPUIDResult{}
}

func (p *fakeProber) ReadMSR(msr uint32) (uint64, error) {
	if p.err != nil {
		return 0, p.err
	}
	return p.msrs[msr], nil
}
