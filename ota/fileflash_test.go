//go:build !tinygo

package ota

import (
	"bytes"
	"errors"
	"path/filepath"
	"testing"
)

func openTestFlash(t *testing.T, size uint32) *FileFlash {
	t.Helper()
	ff, err := OpenFileFlash(filepath.Join(t.TempDir(), "flash.bin"), size)
	if err != nil {
		t.Fatalf("OpenFileFlash: %v", err)
	}
	t.Cleanup(func() { ff.Close() })
	return ff
}

func TestFileFlash_StartsErased(t *testing.T) {
	ff := openTestFlash(t, 2*SectorSize)

	buf := make([]byte, 2*SectorSize)
	if _, err := ff.ReadAt(buf, 0); err != nil {
		t.Fatalf("ReadAt: %v", err)
	}
	for i, b := range buf {
		if b != ErasedByte {
			t.Fatalf("byte %d = 0x%02x, want 0x%02x", i, b, ErasedByte)
		}
	}
}

func TestFileFlash_ProgramClearsBitsOnly(t *testing.T) {
	ff := openTestFlash(t, SectorSize)

	if _, err := ff.Program(0, []byte{0xF0}); err != nil {
		t.Fatalf("Program: %v", err)
	}
	// Programming 0x0F over 0xF0 without erase must leave 0x00.
	if _, err := ff.Program(0, []byte{0x0F}); err != nil {
		t.Fatalf("Program: %v", err)
	}
	got := make([]byte, 1)
	ff.ReadAt(got, 0)
	if got[0] != 0x00 {
		t.Errorf("cell = 0x%02x, want 0x00", got[0])
	}

	if err := ff.EraseSector(0); err != nil {
		t.Fatalf("EraseSector: %v", err)
	}
	if _, err := ff.Program(0, []byte{0x0F}); err != nil {
		t.Fatalf("Program: %v", err)
	}
	ff.ReadAt(got, 0)
	if got[0] != 0x0F {
		t.Errorf("cell after erase = 0x%02x, want 0x0f", got[0])
	}
}

func TestFileFlash_Bounds(t *testing.T) {
	ff := openTestFlash(t, SectorSize)

	tests := []struct {
		name string
		run  func() error
		want error
	}{
		{"erase unaligned", func() error { return ff.EraseSector(1) }, ErrUnaligned},
		{"erase past end", func() error { return ff.EraseSector(SectorSize) }, ErrOutOfRange},
		{"program past end", func() error {
			_, err := ff.Program(SectorSize-1, []byte{1, 2})
			return err
		}, ErrOutOfRange},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if err := tc.run(); !errors.Is(err, tc.want) {
				t.Errorf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestFileFlash_ReopenKeepsContents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "flash.bin")
	ff, err := OpenFileFlash(path, SectorSize)
	if err != nil {
		t.Fatal(err)
	}
	data := []byte("persisted image")
	if _, err := ff.Program(0, data); err != nil {
		t.Fatal(err)
	}
	ff.Close()

	ff, err = OpenFileFlash(path, SectorSize)
	if err != nil {
		t.Fatal(err)
	}
	defer ff.Close()

	got, err := ff.ReadRegion(Region{Size: SectorSize}, uint32(len(data)))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Errorf("contents = %q, want %q", got, data)
	}
}

func TestOpenFileFlash_RejectsUnalignedSize(t *testing.T) {
	_, err := OpenFileFlash(filepath.Join(t.TempDir(), "flash.bin"), SectorSize+1)
	if !errors.Is(err, ErrUnaligned) {
		t.Errorf("err = %v, want ErrUnaligned", err)
	}
}
