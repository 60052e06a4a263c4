//go:build !tinygo

package ota

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"sync"
)

// FileFlash emulates a NOR flash in a regular file so the update path can run
// on a host. Programming ANDs new data into the existing contents, exactly
// like real NOR cells that can only be cleared without an erase.
type FileFlash struct {
	mu   sync.Mutex
	f    *os.File
	size uint32
}

// OpenFileFlash opens or creates a flash image of size bytes at path. A new or
// short image is padded with ErasedByte.
func OpenFileFlash(path string, size uint32) (*FileFlash, error) {
	if size == 0 || size%SectorSize != 0 {
		return nil, fmt.Errorf("%w: flash size %d", ErrUnaligned, size)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open flash image: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat flash image: %w", err)
	}
	if st.Size() < int64(size) {
		fill := bytes.Repeat([]byte{ErasedByte}, int(int64(size)-st.Size()))
		if _, err := f.WriteAt(fill, st.Size()); err != nil {
			f.Close()
			return nil, fmt.Errorf("initialise flash image: %w", err)
		}
	}
	return &FileFlash{f: f, size: size}, nil
}

// Size implements Flash.
func (ff *FileFlash) Size() uint32 { return ff.size }

// EraseSector implements Flash.
func (ff *FileFlash) EraseSector(offset uint32) error {
	if offset%SectorSize != 0 {
		return ErrUnaligned
	}
	if offset > ff.size-SectorSize {
		return ErrOutOfRange
	}
	ff.mu.Lock()
	defer ff.mu.Unlock()
	var sector [SectorSize]byte
	for i := range sector {
		sector[i] = ErasedByte
	}
	if _, err := ff.f.WriteAt(sector[:], int64(offset)); err != nil {
		return fmt.Errorf("%w: %v", ErrFlashEraseFailed, err)
	}
	return nil
}

// Program implements Flash.
func (ff *FileFlash) Program(offset uint32, data []byte) (int, error) {
	if len(data) == 0 {
		return 0, nil
	}
	if uint64(offset)+uint64(len(data)) > uint64(ff.size) {
		return 0, ErrOutOfRange
	}
	ff.mu.Lock()
	defer ff.mu.Unlock()
	cells := make([]byte, len(data))
	if _, err := ff.f.ReadAt(cells, int64(offset)); err != nil && err != io.EOF {
		return 0, fmt.Errorf("%w: %v", ErrFlashWriteFailed, err)
	}
	for i, b := range data {
		cells[i] &= b
	}
	n, err := ff.f.WriteAt(cells, int64(offset))
	if err != nil {
		return n, fmt.Errorf("%w: %v", ErrFlashWriteFailed, err)
	}
	return n, nil
}

// ReadAt reads flash contents, for verification and tests.
func (ff *FileFlash) ReadAt(p []byte, off int64) (int, error) {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return ff.f.ReadAt(p, off)
}

// ReadRegion returns the first n bytes of r.
func (ff *FileFlash) ReadRegion(r Region, n uint32) ([]byte, error) {
	if !r.Contains(0, n) {
		return nil, ErrOutOfRange
	}
	buf := make([]byte, n)
	if _, err := ff.ReadAt(buf, int64(r.Offset)); err != nil {
		return nil, err
	}
	return buf, nil
}

// Sync flushes the image to stable storage.
func (ff *FileFlash) Sync() error {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return ff.f.Sync()
}

// Close closes the backing file.
func (ff *FileFlash) Close() error {
	ff.mu.Lock()
	defer ff.mu.Unlock()
	return ff.f.Close()
}
