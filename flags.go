package vmx

// Flags is an RFLAGS snapshot taken by the instruction immediately after
// VMXON or VMXOFF, inside the same assembly routine.
type Flags uint64

const (
	FlagCarry Flags = 1 << 0
	FlagZero  Flags = 1 << 6
)

// Carry reports RFLAGS.CF.
func (f Flags) Carry() bool { return f&FlagCarry != 0 }

// Zero reports RFLAGS.ZF.
func (f Flags) Zero() bool { return f&FlagZero != 0 }

// kind classifies the snapshot. CF wins when both are set.
func (f Flags) kind() FailKind {
	switch {
	case f.Carry():
		return FailInvalid
	case f.Zero():
		return FailValid
	default:
		return FailNone
	}
}

// enterResult resolves the flags left by VMXON. Only CF signals failure.
func enterResult(f Flags) error {
	if !f.Carry() {
		return nil
	}
	return &TransitionError{Op: "vmxon", Kind: FailInvalid, Flags: f, Err: ErrEnableRejected}
}

// leaveResult resolves the flags left by VMXOFF. Either CF or ZF set is a
// failure.
func leaveResult(f Flags) error {
	k := f.kind()
	if k == FailNone {
		return nil
	}
	return &TransitionError{Op: "vmxoff", Kind: k, Flags: f, Err: ErrDisableRejected}
}
