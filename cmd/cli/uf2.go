package main

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
)

// UF2 block layout (512 bytes):
//
//	0-3    magic 1 (0x0A324655 "UF2\n")
//	4-7    magic 2 (0x9E5D5157)
//	8-11   flags
//	12-15  target address
//	16-19  payload size (typically 256)
//	20-23  block number
//	24-27  total blocks
//	28-31  file size or family ID (FAMILY_ID_PRESENT)
//	32-507 data (476 bytes max)
//	508-511 magic 3 (0x0AB16F30)
const (
	uf2BlockSize  = 512
	uf2MaxPayload = 476
	uf2Magic1     = 0x0A324655
	uf2Magic2     = 0x9E5D5157
	uf2Magic3     = 0x0AB16F30

	uf2FlagNotMainFlash  = 0x00000001
	uf2FlagFileContainer = 0x00001000
	uf2FlagFamilyID      = 0x00002000
	uf2FlagMD5           = 0x00004000
	uf2FlagExtensionTags = 0x00008000

	maxExtractedImageSize = 4 * 1024 * 1024
)

var (
	errUF2TooSmall = errors.New("file too small to be UF2")
	errUF2Size     = errors.New("UF2 file size not multiple of 512")
	errUF2BadMagic = errors.New("not a valid UF2 file (bad magic)")
	errUF2TooLarge = errors.New("extracted binary too large")
)

type uf2Block struct {
	Flags      uint32
	TargetAddr uint32
	PayloadLen uint32
	BlockNo    uint32
	NumBlocks  uint32
	FamilyID   uint32
	Payload    []byte
}

func parseUF2Block(b []byte) (uf2Block, error) {
	if len(b) < uf2BlockSize {
		return uf2Block{}, errUF2TooSmall
	}
	le := binary.LittleEndian
	if le.Uint32(b[0:4]) != uf2Magic1 || le.Uint32(b[4:8]) != uf2Magic2 || le.Uint32(b[508:512]) != uf2Magic3 {
		return uf2Block{}, errUF2BadMagic
	}
	blk := uf2Block{
		Flags:      le.Uint32(b[8:12]),
		TargetAddr: le.Uint32(b[12:16]),
		PayloadLen: le.Uint32(b[16:20]),
		BlockNo:    le.Uint32(b[20:24]),
		NumBlocks:  le.Uint32(b[24:28]),
		FamilyID:   le.Uint32(b[28:32]),
	}
	n := min(blk.PayloadLen, uf2MaxPayload)
	blk.Payload = b[32 : 32+n]
	return blk, nil
}

// extractUF2Binary flattens a UF2 container into the raw image it programs,
// gaps between blocks left zero.
func extractUF2Binary(uf2Data []byte) ([]byte, error) {
	if len(uf2Data) < uf2BlockSize {
		return nil, errUF2TooSmall
	}
	if len(uf2Data)%uf2BlockSize != 0 {
		return nil, errUF2Size
	}

	blocks := make([]uf2Block, 0, len(uf2Data)/uf2BlockSize)
	var minAddr, maxAddr uint32 = 0xFFFFFFFF, 0
	for off := 0; off < len(uf2Data); off += uf2BlockSize {
		blk, err := parseUF2Block(uf2Data[off : off+uf2BlockSize])
		if err != nil {
			return nil, fmt.Errorf("block %d: %w", off/uf2BlockSize, err)
		}
		minAddr = min(minAddr, blk.TargetAddr)
		maxAddr = max(maxAddr, blk.TargetAddr+uint32(len(blk.Payload)))
		blocks = append(blocks, blk)
	}

	size := maxAddr - minAddr
	if size > maxExtractedImageSize {
		return nil, fmt.Errorf("%w: %d bytes", errUF2TooLarge, size)
	}
	out := make([]byte, size)
	for _, blk := range blocks {
		copy(out[blk.TargetAddr-minAddr:], blk.Payload)
	}
	return out, nil
}

func familyName(id uint32) string {
	switch id {
	case 0xe48bff56:
		return "RP2040"
	case 0xe48bff57:
		return "RP2350 ARM-S"
	case 0xe48bff58:
		return "RP2350 ARM-NS"
	case 0xe48bff59:
		return "RP2350 RISC-V"
	}
	return "unknown"
}

// readFirmwareInfo prints the header of a UF2 file's first block.
func readFirmwareInfo(w io.Writer, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	stat, err := f.Stat()
	if err != nil {
		return err
	}
	first := make([]byte, uf2BlockSize)
	if _, err := io.ReadFull(f, first); err != nil {
		return fmt.Errorf("%w: %w", errUF2TooSmall, err)
	}
	blk, err := parseUF2Block(first)
	if err != nil {
		return err
	}

	size := stat.Size()
	fmt.Fprintf(w, "UF2 File: %s\n", path)
	fmt.Fprintf(w, "  File size: %d bytes (%d KB)\n", size, size/1024)
	fmt.Fprintf(w, "  Blocks: %d (block 0 shown)\n", blk.NumBlocks)
	fmt.Fprintf(w, "  Target address: 0x%08x\n", blk.TargetAddr)
	fmt.Fprintf(w, "  Payload per block: %d bytes\n", blk.PayloadLen)
	fmt.Fprintf(w, "  Flags: 0x%08x\n", blk.Flags)
	for _, fl := range []struct {
		bit  uint32
		name string
	}{
		{uf2FlagNotMainFlash, "NOT_MAIN_FLASH"},
		{uf2FlagFileContainer, "FILE_CONTAINER"},
		{uf2FlagFamilyID, "FAMILY_ID_PRESENT"},
		{uf2FlagMD5, "MD5_CHECKSUM_PRESENT"},
		{uf2FlagExtensionTags, "EXTENSION_TAGS_PRESENT"},
	} {
		if blk.Flags&fl.bit != 0 {
			fmt.Fprintf(w, "    - %s\n", fl.name)
		}
	}
	if blk.Flags&uf2FlagFamilyID != 0 {
		fmt.Fprintf(w, "  Family ID: 0x%08x (%s)\n", blk.FamilyID, familyName(blk.FamilyID))
	}
	fw := uint64(blk.NumBlocks) * uint64(blk.PayloadLen)
	fmt.Fprintf(w, "  Firmware size: ~%d bytes (%d KB)\n", fw, fw/1024)
	return nil
}
