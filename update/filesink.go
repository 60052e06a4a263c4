package update

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"hash"
	"log/slog"
	"os"
	"path/filepath"
)

// FileSink stores a filesystem image as a file. Data lands in a temporary
// file next to the target and replaces it atomically at Commit.
type FileSink struct {
	path    string
	maxSize uint64
	log     *slog.Logger

	// freeSpace reports the bytes available in a directory.
	freeSpace func(dir string) (uint64, error)

	tmp      *os.File
	expected uint64
	written  uint64
	hash     hash.Hash
	digest   []byte
}

// NewFileSink returns a sink that writes path. maxSize caps the image size;
// 0 means only free disk space limits it.
func NewFileSink(path string, maxSize uint64, log *slog.Logger) *FileSink {
	if log == nil {
		log = slog.Default()
	}
	return &FileSink{path: path, maxSize: maxSize, log: log, freeSpace: freeSpace}
}

// Path returns the destination file.
func (s *FileSink) Path() string { return s.path }

// Begin implements Sink.
func (s *FileSink) Begin(expectedSize uint64) error {
	if s.maxSize > 0 && expectedSize > s.maxSize {
		return fmt.Errorf("%w: image of %s exceeds limit of %s",
			ErrInsufficientSpace, FormatBytes(expectedSize), FormatBytes(s.maxSize))
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("%w: %w", ErrEraseError, err)
	}
	free, err := s.freeSpace(dir)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrEraseError, err)
	}
	if expectedSize > free {
		return fmt.Errorf("%w: image of %s, %s free in %s",
			ErrInsufficientSpace, FormatBytes(expectedSize), FormatBytes(free), dir)
	}
	s.discard()
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("%w: %w", ErrEraseError, err)
	}
	s.tmp = tmp
	s.expected = expectedSize
	s.written = 0
	s.hash = sha256.New()
	s.digest = nil
	return nil
}

// Write implements Sink.
func (s *FileSink) Write(p []byte) (int, error) {
	if s.tmp == nil {
		return 0, fmt.Errorf("%w: sink not started", ErrWriteError)
	}
	if s.maxSize > 0 && s.written+uint64(len(p)) > s.maxSize {
		return 0, fmt.Errorf("%w: image exceeds %s", ErrWriteError, FormatBytes(s.maxSize))
	}
	n, err := s.tmp.Write(p)
	s.hash.Write(p[:n])
	s.written += uint64(n)
	if err != nil {
		return n, fmt.Errorf("%w: %w", ErrWriteError, err)
	}
	return n, nil
}

// ExpectDigest implements DigestVerifier.
func (s *FileSink) ExpectDigest(sum []byte) {
	s.digest = append([]byte(nil), sum...)
}

// Commit implements Sink.
func (s *FileSink) Commit() error {
	if s.tmp == nil {
		return fmt.Errorf("%w: sink not started", ErrValidation)
	}
	err := s.tmp.Sync()
	if cerr := s.tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		s.discard()
		return fmt.Errorf("%w: %w", ErrWriteError, err)
	}
	if err := validateImage(s.written, s.expected, s.hash.Sum(nil), s.digest); err != nil {
		s.discard()
		return err
	}
	tmpName := s.tmp.Name()
	s.tmp = nil
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("%w: %w", ErrValidation, err)
	}
	s.log.Info("ota:sink-committed",
		slog.String("path", s.path),
		slog.Uint64("bytes", s.written),
	)
	return nil
}

// Abort implements Sink.
func (s *FileSink) Abort() {
	if s.tmp != nil {
		s.log.Warn("ota:sink-aborted",
			slog.String("path", s.path),
			slog.Uint64("bytes", s.written),
		)
	}
	s.discard()
}

func (s *FileSink) discard() {
	if s.tmp == nil {
		return
	}
	name := s.tmp.Name()
	if err := s.tmp.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		s.log.Debug("ota:tmp-close", slog.String("err", err.Error()))
	}
	os.Remove(name)
	s.tmp = nil
}
