// Package linux places arm64 Linux boot images into guest RAM.
package linux

import (
	"encoding/binary"
	"fmt"

	"github.com/vesselvm/vessel/internal/monitor/image"
)

const (
	headerSize = 64
	// "ARM\x64", little endian, at offset 56 of the kernel image header.
	headerMagic       = 0x644d5241
	magicOffset       = 56
	textOffsetField   = 8
	imageSizeField    = 16
	defaultTextOffset = 0x80000
)

// Loader implements image.Loader for the arm64 Linux boot protocol: the
// kernel is copied to RAM base plus its header's text offset, the device
// tree and initrd to their configured guest-physical addresses.
type Loader struct{}

func New() *Loader { return &Loader{} }

var _ image.Loader = (*Loader)(nil)

func (Loader) Setup(ram []byte, placement image.Placement, set image.Set) (uint64, error) {
	if err := set.Validate(); err != nil {
		return 0, err
	}
	if err := placement.Validate(); err != nil {
		return 0, err
	}
	if uint64(len(ram)) < placement.RAMSize {
		return 0, fmt.Errorf("linux: RAM window %d bytes, placement wants %d", len(ram), placement.RAMSize)
	}

	textOffset, err := kernelTextOffset(set.Kernel)
	if err != nil {
		return 0, err
	}

	if err := place(ram, placement, textOffset+placement.RAMBase, set.Kernel, "kernel"); err != nil {
		return 0, err
	}
	if err := place(ram, placement, placement.DTBAddr, set.DTB, "dtb"); err != nil {
		return 0, err
	}
	if len(set.Initrd) > 0 {
		if err := place(ram, placement, placement.InitrdAddr, set.Initrd, "initrd"); err != nil {
			return 0, err
		}
	}

	return placement.RAMBase + textOffset, nil
}

// kernelTextOffset validates the arm64 image header and extracts the load
// offset the kernel expects relative to the start of RAM.
func kernelTextOffset(kernel []byte) (uint64, error) {
	if len(kernel) < headerSize {
		return 0, fmt.Errorf("linux: kernel image too small for arm64 header (%d bytes)", len(kernel))
	}
	if magic := binary.LittleEndian.Uint32(kernel[magicOffset:]); magic != headerMagic {
		return 0, fmt.Errorf("linux: bad arm64 image magic %#x", magic)
	}
	textOffset := binary.LittleEndian.Uint64(kernel[textOffsetField:])
	imageSize := binary.LittleEndian.Uint64(kernel[imageSizeField:])
	// Kernels predating the image_size field need the historical offset.
	if imageSize == 0 {
		textOffset = defaultTextOffset
	}
	return textOffset, nil
}

func place(ram []byte, placement image.Placement, addr uint64, blob []byte, name string) error {
	if addr < placement.RAMBase {
		return fmt.Errorf("linux: %s address %#x below guest RAM base %#x", name, addr, placement.RAMBase)
	}
	offset := addr - placement.RAMBase
	if offset+uint64(len(blob)) > placement.RAMSize {
		return fmt.Errorf("linux: %s (%d bytes at %#x) overruns guest RAM", name, len(blob), addr)
	}
	copy(ram[offset:], blob)
	return nil
}
