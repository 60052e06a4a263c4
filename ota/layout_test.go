package ota

import (
	"errors"
	"testing"
)

func TestDefaultLayoutIsValid(t *testing.T) {
	if err := DefaultLayout().Validate(DefaultFlashSize); err != nil {
		t.Fatalf("Validate: %v", err)
	}
}

func TestLayoutValidate(t *testing.T) {
	tests := []struct {
		name    string
		layout  Layout
		wantErr error
	}{
		{
			name: "unaligned offset",
			layout: Layout{
				Code:       [2]Region{{Name: "A", Offset: 100, Size: SectorSize}, {Name: "B", Offset: 2 * SectorSize, Size: SectorSize}},
				Filesystem: Region{Name: "fs", Offset: 3 * SectorSize, Size: SectorSize},
			},
			wantErr: ErrUnaligned,
		},
		{
			name: "past end of flash",
			layout: Layout{
				Code:       [2]Region{{Name: "A", Offset: 0, Size: SectorSize}, {Name: "B", Offset: SectorSize, Size: SectorSize}},
				Filesystem: Region{Name: "fs", Offset: 2 * SectorSize, Size: 4 * SectorSize},
			},
			wantErr: ErrOutOfRange,
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.layout.Validate(4 * SectorSize)
			if !errors.Is(err, tc.wantErr) {
				t.Errorf("err = %v, want %v", err, tc.wantErr)
			}
		})
	}
}

func TestLayoutValidate_Overlap(t *testing.T) {
	l := Layout{
		Code:       [2]Region{{Name: "A", Offset: 0, Size: 2 * SectorSize}, {Name: "B", Offset: SectorSize, Size: SectorSize}},
		Filesystem: Region{Name: "fs", Offset: 3 * SectorSize, Size: SectorSize},
	}
	if err := l.Validate(4 * SectorSize); err == nil {
		t.Error("expected overlap error")
	}
}

func TestTargetPartition(t *testing.T) {
	if got := TargetPartition(PartitionA); got != PartitionB {
		t.Errorf("TargetPartition(A) = %d, want B", got)
	}
	if got := TargetPartition(PartitionB); got != PartitionA {
		t.Errorf("TargetPartition(B) = %d, want A", got)
	}
}

func TestRegion(t *testing.T) {
	r := Region{Name: "A", Offset: SectorSize, Size: 2 * SectorSize}

	if !r.Contains(0, 2*SectorSize) {
		t.Error("expected whole region to be contained")
	}
	if r.Contains(1, 2*SectorSize) {
		t.Error("expected overflow by one byte to be rejected")
	}
	if got := r.Sectors(SectorSize + 1); got != 2 {
		t.Errorf("Sectors = %d, want 2", got)
	}
	if got := r.Sectors(0); got != 0 {
		t.Errorf("Sectors(0) = %d, want 0", got)
	}
}
