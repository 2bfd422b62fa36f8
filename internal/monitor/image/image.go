package image

import "fmt"

// Set holds the guest binaries placed into guest RAM before boot. Immutable
// once handed to the monitor.
type Set struct {
	Kernel []byte
	DTB    []byte
	Initrd []byte
}

// Validate checks the set is complete enough to boot from.
func (s Set) Validate() error {
	if len(s.Kernel) == 0 {
		return fmt.Errorf("image: kernel is empty")
	}
	if len(s.DTB) == 0 {
		return fmt.Errorf("image: device tree is empty")
	}
	return nil
}

// Placement describes the guest-physical layout the images land in.
type Placement struct {
	RAMBase    uint64
	RAMSize    uint64
	DTBAddr    uint64
	InitrdAddr uint64
}

// Validate checks that the image target addresses fall inside the RAM window.
func (p Placement) Validate() error {
	if p.RAMSize == 0 {
		return fmt.Errorf("image: guest RAM size is zero")
	}
	end := p.RAMBase + p.RAMSize
	if p.DTBAddr < p.RAMBase || p.DTBAddr >= end {
		return fmt.Errorf("image: dtb address %#x outside guest RAM [%#x, %#x)", p.DTBAddr, p.RAMBase, end)
	}
	if p.InitrdAddr < p.RAMBase || p.InitrdAddr >= end {
		return fmt.Errorf("image: initrd address %#x outside guest RAM [%#x, %#x)", p.InitrdAddr, p.RAMBase, end)
	}
	return nil
}

// Loader copies a guest image set into the RAM window and computes the
// kernel entry address. An entry of zero is a failure even with a nil
// error; callers must treat it as one.
type Loader interface {
	Setup(ram []byte, placement Placement, set Set) (entry uint64, err error)
}
