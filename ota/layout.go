// Package ota provides the flash primitives behind image updates: a raw
// sector/page flash abstraction, the A/B partition layout and the reboot
// hooks of the RP2350 bootrom.
package ota

import (
	"errors"
	"fmt"
)

// Partition indexes.
const (
	PartitionA = 0
	PartitionB = 1
)

// Flash geometry shared by the RP2350 and the host emulator.
const (
	SectorSize = 4096 // 4KB erase block
	PageSize   = 256  // 256B program block
	ErasedByte = 0xFF
)

// Default flash map. Must match the partition table flashed with picotool:
//
//	PT (8KB) | Partition A (1984KB) | Partition B (1984KB) | Filesystem (120KB)
const (
	DefaultFlashSize       = 0x400000
	DefaultPartitionA      = 0x2000
	DefaultPartitionB      = 0x1F2000
	DefaultPartitionSize   = 0x1F0000
	DefaultFilesystemStart = 0x3E2000
	DefaultFilesystemSize  = DefaultFlashSize - DefaultFilesystemStart
)

// Errors
var (
	ErrConfirmFailed    = errors.New("ota: partition confirm failed")
	ErrRebootFailed     = errors.New("ota: reboot failed")
	ErrImageTooLarge    = errors.New("ota: image too large for partition")
	ErrFlashWriteFailed = errors.New("ota: flash write failed")
	ErrFlashEraseFailed = errors.New("ota: flash erase failed")
	ErrOutOfRange       = errors.New("ota: access outside flash")
	ErrUnaligned        = errors.New("ota: unaligned flash access")
)

// Flash is a raw NOR flash addressed by byte offset from the start of the
// device. Erase works on whole sectors; Program may only clear bits.
type Flash interface {
	// EraseSector sets the SectorSize bytes starting at offset to ErasedByte.
	// offset must be sector aligned.
	EraseSector(offset uint32) error
	// Program writes data at offset and reports how many bytes were written.
	Program(offset uint32, data []byte) (int, error)
	// Size is the total flash size in bytes.
	Size() uint32
}

// Region is a contiguous, sector aligned span of flash.
type Region struct {
	Name   string
	Offset uint32
	Size   uint32
}

// Contains reports whether [off, off+n) relative to the region start lies
// inside the region.
func (r Region) Contains(off, n uint32) bool {
	return off <= r.Size && n <= r.Size-off
}

// Sectors returns how many erase sectors are needed to hold n bytes.
func (r Region) Sectors(n uint32) uint32 {
	return (n + SectorSize - 1) / SectorSize
}

// String implements fmt.Stringer.
func (r Region) String() string {
	return fmt.Sprintf("%s@0x%08x+%d", r.Name, r.Offset, r.Size)
}

// Layout maps update targets onto flash regions.
type Layout struct {
	Code       [2]Region
	Filesystem Region
}

// DefaultLayout returns the RP2350 4MB layout.
func DefaultLayout() Layout {
	return Layout{
		Code: [2]Region{
			{Name: "A", Offset: DefaultPartitionA, Size: DefaultPartitionSize},
			{Name: "B", Offset: DefaultPartitionB, Size: DefaultPartitionSize},
		},
		Filesystem: Region{Name: "fs", Offset: DefaultFilesystemStart, Size: DefaultFilesystemSize},
	}
}

// Validate checks that every region is sector aligned, fits in a flash of
// flashSize bytes and does not overlap another region.
func (l Layout) Validate(flashSize uint32) error {
	regions := []Region{l.Code[0], l.Code[1], l.Filesystem}
	for i, r := range regions {
		if r.Offset%SectorSize != 0 || r.Size%SectorSize != 0 {
			return fmt.Errorf("%w: region %s", ErrUnaligned, r)
		}
		if r.Size == 0 || r.Offset > flashSize || r.Size > flashSize-r.Offset {
			return fmt.Errorf("%w: region %s", ErrOutOfRange, r)
		}
		for _, o := range regions[i+1:] {
			if r.Offset < o.Offset+o.Size && o.Offset < r.Offset+r.Size {
				return fmt.Errorf("ota: regions %s and %s overlap", r, o)
			}
		}
	}
	return nil
}

// TargetPartition returns the inactive partition (for writing updates),
// the opposite of current.
func TargetPartition(current int) int {
	if current == PartitionA {
		return PartitionB
	}
	return PartitionA
}

// PartitionName returns "A" or "B".
func PartitionName(partition int) string {
	if partition == PartitionA {
		return "A"
	}
	return "B"
}
