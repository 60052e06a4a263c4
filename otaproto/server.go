// Package otaproto implements the device upload protocol, a line and frame
// protocol over a single stream connection:
//
//	client: OTA <firmware|filesystem> <size> [name]\n
//	server: READY <max>\n
//	client: <u32 LE length><data>          (repeated)
//	server: ACK <total>\n                  (per frame)
//	client: DONE [sha256hex]\n
//	server: VERIFIED\n | ERROR <reason>\n
//
// A bare "OTA\n" starts a firmware upload of undeclared size.
package otaproto

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"openenterprise/otaengine/update"
)

const (
	DefaultPort     = 4242
	DefaultMaxFrame = 4096 + 64 // 4KB chunk + header room

	defaultHandshakeTimeout = 10 * time.Second
	defaultFrameTimeout     = 30 * time.Second
	maxLineLen              = 128 // DONE + 64-char hash + newline
)

// Reasons the protocol reports on top of the update taxonomy.
const (
	ReasonBadRequest    = "bad_request"
	ReasonFrameTooLarge = "frame_too_large"
)

var (
	ErrBadRequest    = errors.New("otaproto: malformed request")
	ErrFrameTooLarge = errors.New("otaproto: frame too large")
)

// Deliverer is the part of the update engine the protocol drives.
type Deliverer interface {
	Deliver(kind update.Kind, c update.Chunk) (update.Result, error)
	Abort(sessionID string, cause error) bool
}

// Options configure Serve.
type Options struct {
	// MaxSize returns the largest image accepted for a kind, announced in
	// READY.
	MaxSize func(kind update.Kind) uint64
	// MaxFrame caps the data length of a single frame.
	MaxFrame int
	// HandshakeTimeout bounds the wait for the OTA line.
	HandshakeTimeout time.Duration
	// FrameTimeout bounds the wait for each frame and the DONE line.
	FrameTimeout time.Duration
	Logger       *slog.Logger
}

func (o *Options) setDefaults() {
	if o.MaxFrame <= 0 {
		o.MaxFrame = DefaultMaxFrame
	}
	if o.HandshakeTimeout <= 0 {
		o.HandshakeTimeout = defaultHandshakeTimeout
	}
	if o.FrameTimeout <= 0 {
		o.FrameTimeout = defaultFrameTimeout
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

type flusher interface {
	Flush() error
}

// Request is a parsed OTA line.
type Request struct {
	Kind     update.Kind
	Size     uint64
	Filename string
}

// ParseRequest parses an OTA line without its trailing newline.
func ParseRequest(line string) (Request, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 || fields[0] != "OTA" {
		return Request{}, fmt.Errorf("%w: %q", ErrBadRequest, line)
	}
	req := Request{Kind: update.KindCode}
	if len(fields) == 1 {
		return req, nil
	}
	if len(fields) < 3 || len(fields) > 4 {
		return Request{}, fmt.Errorf("%w: %q", ErrBadRequest, line)
	}
	kind, err := update.ParseKind(fields[1])
	if err != nil || kind == update.KindNone {
		return Request{}, fmt.Errorf("%w: kind %q", ErrBadRequest, fields[1])
	}
	size, err := strconv.ParseUint(fields[2], 10, 64)
	if err != nil {
		return Request{}, fmt.Errorf("%w: size %q", ErrBadRequest, fields[2])
	}
	req.Kind = kind
	req.Size = size
	if len(fields) == 4 {
		req.Filename = fields[3]
	}
	return req, nil
}

// String formats the request as an OTA line without newline.
func (r Request) String() string {
	s := "OTA " + r.Kind.String() + " " + strconv.FormatUint(r.Size, 10)
	if r.Filename != "" {
		s += " " + r.Filename
	}
	return s
}

type server struct {
	rw   io.ReadWriter
	r    *bufio.Reader
	d    Deliverer
	opts Options
	log  *slog.Logger

	session string
}

// Serve runs one upload over rw. It returns the restart action of a
// completed update, or nil with the error that ended the exchange. A
// session left open by a broken connection is aborted.
func Serve(rw io.ReadWriter, d Deliverer, opts Options) (*update.RestartAction, error) {
	opts.setDefaults()
	s := &server{rw: rw, r: bufio.NewReader(rw), d: d, opts: opts, log: opts.Logger}
	return s.run()
}

func (s *server) run() (*update.RestartAction, error) {
	s.deadline(s.opts.HandshakeTimeout)
	line, err := s.readLine()
	if err != nil {
		s.log.Error("ota:no-init", slog.String("err", err.Error()))
		return nil, err
	}
	req, err := ParseRequest(line)
	if err != nil {
		s.log.Error("ota:bad-init", slog.String("got", line))
		s.reply("ERROR " + ReasonBadRequest)
		return nil, err
	}

	maxSize := uint64(0)
	if s.opts.MaxSize != nil {
		maxSize = s.opts.MaxSize(req.Kind)
	}
	if maxSize > 0 && req.Size > maxSize {
		s.log.Error("ota:image-too-large",
			slog.Uint64("size", req.Size),
			slog.Uint64("max", maxSize),
		)
		s.reply("ERROR " + update.ReasonInsufficientSpace)
		return nil, fmt.Errorf("%w: %d bytes, max %d", update.ErrInsufficientSpace, req.Size, maxSize)
	}

	start := update.Chunk{Offset: 0, Total: req.Size, Filename: req.Filename}
	res, err := s.d.Deliver(req.Kind, start)
	if err != nil {
		s.reply("ERROR " + update.Reason(err))
		return nil, err
	}
	s.session = res.SessionID
	s.reply("READY " + strconv.FormatUint(maxSize, 10))
	s.log.Info("ota:ready",
		slog.String("kind", req.Kind.String()),
		slog.Uint64("size", req.Size),
		slog.Uint64("max_size", maxSize),
	)

	var (
		written uint64
		frames  int
		header  [4]byte
		frame   = make([]byte, s.opts.MaxFrame)
	)
	for {
		s.deadline(s.opts.FrameTimeout)
		if _, err := io.ReadFull(s.r, header[:]); err != nil {
			s.log.Error("ota:read-timeout", slog.String("err", err.Error()))
			s.d.Abort(s.session, err)
			return nil, err
		}

		if string(header[:]) == "DONE" {
			return s.done(req.Kind, written, frames)
		}

		n := binary.LittleEndian.Uint32(header[:])
		if n > uint32(s.opts.MaxFrame) {
			s.log.Error("ota:chunk-too-large", slog.Int("size", int(n)))
			s.d.Abort(s.session, ErrFrameTooLarge)
			s.reply("ERROR " + ReasonFrameTooLarge)
			return nil, ErrFrameTooLarge
		}
		if n == 0 {
			continue
		}
		if _, err := io.ReadFull(s.r, frame[:n]); err != nil {
			s.log.Error("ota:chunk-read-failed",
				slog.Int("chunk", frames),
				slog.Int("expected", int(n)),
				slog.String("err", err.Error()),
			)
			s.d.Abort(s.session, err)
			return nil, err
		}
		if _, err := s.d.Deliver(req.Kind, update.Chunk{Session: s.session, Offset: written, Data: frame[:n]}); err != nil {
			s.reply("ERROR " + update.Reason(err))
			return nil, err
		}
		written += uint64(n)
		frames++
		s.reply("ACK " + strconv.FormatUint(written, 10))
	}
}

func (s *server) done(kind update.Kind, written uint64, frames int) (*update.RestartAction, error) {
	rest, err := s.readLine()
	if err != nil {
		s.d.Abort(s.session, err)
		return nil, err
	}
	var digest []byte
	if hexSum := strings.TrimSpace(rest); hexSum != "" {
		digest, err = update.ParseDigest(hexSum)
		if err != nil {
			s.d.Abort(s.session, err)
			s.reply("ERROR " + update.ReasonValidationError)
			return nil, fmt.Errorf("%w: %w", update.ErrValidation, err)
		}
	}
	s.log.Info("ota:verifying",
		slog.Uint64("bytes", written),
		slog.Int("frames", frames),
	)
	if written == 0 {
		s.d.Abort(s.session, update.ErrZeroLength)
		s.reply("ERROR " + update.ReasonZeroLength)
		return nil, update.ErrZeroLength
	}

	res, err := s.d.Deliver(kind, update.Chunk{Session: s.session, Offset: written, Final: true, Digest: digest})
	if err != nil {
		s.reply("ERROR " + update.Reason(err))
		return nil, err
	}
	s.reply("VERIFIED")
	return res.Restart, nil
}

func (s *server) readLine() (string, error) {
	line, err := s.r.ReadSlice('\n')
	if errors.Is(err, bufio.ErrBufferFull) || len(line) > maxLineLen {
		return "", fmt.Errorf("%w: line too long", ErrBadRequest)
	}
	if err != nil {
		return "", err
	}
	return strings.TrimRight(string(line), "\r\n"), nil
}

func (s *server) reply(msg string) {
	if _, err := io.WriteString(s.rw, msg+"\n"); err != nil {
		s.log.Warn("ota:reply-failed", slog.String("err", err.Error()))
		return
	}
	if f, ok := s.rw.(flusher); ok {
		f.Flush()
	}
}

func (s *server) deadline(d time.Duration) {
	if rd, ok := s.rw.(readDeadliner); ok {
		rd.SetReadDeadline(time.Now().Add(d))
	}
}
