package update

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"log/slog"

	"openenterprise/otaengine/ota"
)

// Sink is the persistent medium an image is streamed into. One Sink serves
// one session: Begin, any number of Writes, then Commit or Abort.
type Sink interface {
	// Begin reserves room for expectedSize bytes. 0 means the size is not
	// known up front.
	Begin(expectedSize uint64) error
	// Write appends p and reports how many bytes were accepted.
	Write(p []byte) (int, error)
	// Commit finalizes and validates the complete image.
	Commit() error
	// Abort releases reserved resources without applying the image.
	Abort()
}

// SinkFactory creates the sink for a new session.
type SinkFactory func() (Sink, error)

// DigestVerifier is implemented by sinks that can check the image against an
// expected SHA-256 at Commit.
type DigestVerifier interface {
	ExpectDigest(sum []byte)
}

// BootTarget is implemented by sinks that write a bootable code partition.
type BootTarget interface {
	BootPartition() int
}

// PartitionSink writes an image into a flash region. Sectors are erased on
// demand ahead of the write cursor and data is programmed in whole pages,
// the tail page padded with erased bytes at Commit.
type PartitionSink struct {
	flash     ota.Flash
	region    ota.Region
	partition int
	log       *slog.Logger

	expected uint64
	written  uint64
	erased   uint32 // bytes of region erased, sector multiple
	progOff  uint32 // next page to program, relative to region
	page     [ota.PageSize]byte
	pageLen  int
	hash     hash.Hash
	digest   []byte
	sum      []byte
	begun    bool
}

// NewPartitionSink returns a sink over region of f. partition is the boot
// partition index the region holds, or -1 for non-bootable regions.
func NewPartitionSink(f ota.Flash, region ota.Region, partition int, log *slog.Logger) *PartitionSink {
	if log == nil {
		log = slog.Default()
	}
	return &PartitionSink{flash: f, region: region, partition: partition, log: log}
}

// Begin implements Sink.
func (s *PartitionSink) Begin(expectedSize uint64) error {
	if expectedSize > uint64(s.region.Size) {
		return fmt.Errorf("%w: image of %s exceeds region %s (%s)",
			ErrInsufficientSpace, FormatBytes(expectedSize), s.region.Name, FormatBytes(uint64(s.region.Size)))
	}
	s.expected = expectedSize
	s.written = 0
	s.erased = 0
	s.progOff = 0
	s.pageLen = 0
	s.hash = sha256.New()
	s.digest = nil
	s.sum = nil
	if err := s.ensureErased(1); err != nil {
		return err
	}
	s.begun = true
	s.log.Debug("ota:sink-begin",
		slog.String("region", s.region.String()),
		slog.Uint64("expected", expectedSize),
	)
	return nil
}

// Write implements Sink. Bytes are counted and hashed once they are on
// flash or in the page buffer; a failed page program keeps the buffer as it
// was before the failing copy, so the same bytes can be written again.
func (s *PartitionSink) Write(p []byte) (int, error) {
	if !s.begun {
		return 0, fmt.Errorf("%w: sink not started", ErrWriteError)
	}
	if s.written+uint64(len(p)) > uint64(s.region.Size) {
		return 0, fmt.Errorf("%w: %w", ErrWriteError, ota.ErrImageTooLarge)
	}
	n := 0
	for n < len(p) {
		c := copy(s.page[s.pageLen:], p[n:])
		s.pageLen += c
		if s.pageLen == ota.PageSize {
			if err := s.flushPage(); err != nil {
				s.pageLen -= c
				s.hash.Write(p[:n])
				s.written += uint64(n)
				return n, err
			}
		}
		n += c
	}
	s.hash.Write(p)
	s.written += uint64(n)
	return n, nil
}

// ExpectDigest implements DigestVerifier.
func (s *PartitionSink) ExpectDigest(sum []byte) {
	s.digest = append([]byte(nil), sum...)
}

// BootPartition implements BootTarget.
func (s *PartitionSink) BootPartition() int { return s.partition }

// Region returns the flash region the sink writes.
func (s *PartitionSink) Region() ota.Region { return s.region }

// Sum returns the SHA-256 of the committed image.
func (s *PartitionSink) Sum() []byte { return s.sum }

// Commit implements Sink.
func (s *PartitionSink) Commit() error {
	if !s.begun {
		return fmt.Errorf("%w: sink not started", ErrValidation)
	}
	s.begun = false
	if s.pageLen > 0 {
		for i := s.pageLen; i < ota.PageSize; i++ {
			s.page[i] = ota.ErasedByte
		}
		if err := s.flushPage(); err != nil {
			return err
		}
	}
	if err := validateImage(s.written, s.expected, s.hash.Sum(nil), s.digest); err != nil {
		return err
	}
	s.sum = s.hash.Sum(nil)
	s.log.Info("ota:sink-committed",
		slog.String("region", s.region.String()),
		slog.Uint64("bytes", s.written),
		slog.String("sha256", hex.EncodeToString(s.sum)),
	)
	return nil
}

// Abort implements Sink. The region keeps whatever was programmed; it is
// never booted without a successful Commit.
func (s *PartitionSink) Abort() {
	if s.begun {
		s.log.Warn("ota:sink-aborted",
			slog.String("region", s.region.String()),
			slog.Uint64("bytes", s.written),
		)
	}
	s.begun = false
	s.pageLen = 0
}

func (s *PartitionSink) flushPage() error {
	if err := s.ensureErased(s.progOff + ota.PageSize); err != nil {
		return err
	}
	if _, err := s.flash.Program(s.region.Offset+s.progOff, s.page[:]); err != nil {
		return fmt.Errorf("%w: %w", ErrWriteError, err)
	}
	s.progOff += ota.PageSize
	s.pageLen = 0
	return nil
}

// ensureErased erases sectors until the first end bytes of the region are
// erased.
func (s *PartitionSink) ensureErased(end uint32) error {
	for s.erased < end {
		if err := s.flash.EraseSector(s.region.Offset + s.erased); err != nil {
			s.log.Error("ota:erase-failed",
				slog.Uint64("offset", uint64(s.region.Offset+s.erased)),
				slog.String("err", err.Error()),
			)
			return fmt.Errorf("%w: %w", ErrEraseError, err)
		}
		s.erased += ota.SectorSize
	}
	return nil
}

// validateImage checks a finished image. expected 0 means the size was not
// declared; digest nil skips the checksum.
func validateImage(written, expected uint64, sum, digest []byte) error {
	if written == 0 {
		return fmt.Errorf("%w: empty image", ErrValidation)
	}
	if expected > 0 && written != expected {
		return fmt.Errorf("%w: got %d bytes, declared %d", ErrValidation, written, expected)
	}
	if digest != nil && !bytes.Equal(sum, digest) {
		return fmt.Errorf("%w: sha256 %s, expected %s",
			ErrValidation, hex.EncodeToString(sum), hex.EncodeToString(digest))
	}
	return nil
}

// ParseDigest decodes a hex SHA-256 digest.
func ParseDigest(s string) ([]byte, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("update: bad sha256 %q: %w", s, err)
	}
	if len(b) != sha256.Size {
		return nil, fmt.Errorf("update: sha256 must be %d bytes, got %d", sha256.Size, len(b))
	}
	return b, nil
}
