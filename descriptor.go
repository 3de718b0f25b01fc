package vmx

import "fmt"

const (
	// vmxBasicSizeMask is the width of IA32_VMX_BASIC[44:32].
	vmxBasicSizeMask = 0x1fff

	// MaxRegionSize is the largest size the 13-bit field can encode.
	MaxRegionSize = vmxBasicSizeMask
)

// RegionDescriptor sizes and tags the VMXON region.
type RegionDescriptor struct {
	Size     uint32 `json:"size"`
	Order    uint32 `json:"order"`
	Revision uint32 `json:"revision"`
}

func (d RegionDescriptor) String() string {
	return fmt.Sprintf("size=%d order=%d revision=%#x", d.Size, d.Order, d.Revision)
}

// BuildDescriptor derives the region descriptor from IA32_VMX_BASIC.
func BuildDescriptor(p Prober) (RegionDescriptor, error) {
	basic, err := p.ReadMSR(MSRVMXBasic)
	if err != nil {
		return RegionDescriptor{}, fmt.Errorf("failed to read IA32_VMX_BASIC: %w", err)
	}
	return descriptorFromBasic(basic)
}

func descriptorFromBasic(basic uint64) (RegionDescriptor, error) {
	lo, hi := uint32(basic), uint32(basic>>32)

	d := RegionDescriptor{
		Size:     hi & vmxBasicSizeMask,
		Revision: lo,
	}
	if d.Size == 0 {
		return RegionDescriptor{}, fmt.Errorf("IA32_VMX_BASIC=%#x: zero region size: %w", basic, ErrCapabilityInconsistent)
	}
	d.Order = PageOrder(d.Size)
	return d, nil
}

// PageOrder returns the smallest order such that PageSize<<order >= size.
func PageOrder(size uint32) uint32 {
	var order uint32
	for uint64(PageSize)<<order < uint64(size) {
		order++
	}
	return order
}
