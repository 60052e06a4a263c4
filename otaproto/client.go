package otaproto

import (
	"bufio"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"openenterprise/otaengine/update"
)

// DefaultChunkSize is the frame payload the client sends.
const DefaultChunkSize = 4096

// RemoteError is an ERROR line sent by the device.
type RemoteError struct {
	Reason string
}

func (e *RemoteError) Error() string { return "otaproto: device reported " + e.Reason }

// PushOptions configure Push.
type PushOptions struct {
	Kind      update.Kind
	Filename  string
	ChunkSize int
	// Legacy sends the bare "OTA" line for devices that only take
	// firmware.
	Legacy bool
	// AckTimeout bounds the wait for each reply. Flash erase can take
	// 400ms+ per 4KB sector.
	AckTimeout time.Duration
	// Progress, if set, is called after every acknowledged frame.
	Progress func(sent, total uint64)
}

type writeDeadliner interface {
	SetDeadline(t time.Time) error
}

// Push uploads image over rw and waits for the device to verify it.
func Push(rw io.ReadWriter, image []byte, opts PushOptions) error {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = defaultFrameTimeout
	}
	if opts.Kind == update.KindNone {
		opts.Kind = update.KindCode
	}
	r := bufio.NewReader(rw)
	readReply := func() (string, error) {
		if d, ok := rw.(writeDeadliner); ok {
			d.SetDeadline(time.Now().Add(opts.AckTimeout))
		}
		line, err := r.ReadString('\n')
		if err != nil {
			return "", fmt.Errorf("no response from device: %w", err)
		}
		line = strings.TrimSpace(line)
		if reason, ok := strings.CutPrefix(line, "ERROR "); ok {
			return "", &RemoteError{Reason: reason}
		}
		return line, nil
	}

	req := "OTA"
	if !opts.Legacy {
		req = Request{Kind: opts.Kind, Size: uint64(len(image)), Filename: opts.Filename}.String()
	}
	if _, err := io.WriteString(rw, req+"\n"); err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	resp, err := readReply()
	if err != nil {
		return err
	}
	maxStr, ok := strings.CutPrefix(resp, "READY ")
	if !ok {
		return fmt.Errorf("unexpected response: %s", resp)
	}
	if max, err := strconv.ParseUint(maxStr, 10, 64); err == nil && max > 0 && uint64(len(image)) > max {
		return fmt.Errorf("image of %d bytes exceeds device limit of %d", len(image), max)
	}

	var header [4]byte
	total := uint64(len(image))
	for off := 0; off < len(image); off += opts.ChunkSize {
		end := min(off+opts.ChunkSize, len(image))
		chunk := image[off:end]

		binary.LittleEndian.PutUint32(header[:], uint32(len(chunk)))
		if _, err := rw.Write(header[:]); err != nil {
			return fmt.Errorf("send frame at %d: %w", off, err)
		}
		if _, err := rw.Write(chunk); err != nil {
			return fmt.Errorf("send frame at %d: %w", off, err)
		}

		resp, err := readReply()
		if err != nil {
			return fmt.Errorf("frame at %d: %w", off, err)
		}
		ackStr, ok := strings.CutPrefix(resp, "ACK ")
		if !ok {
			return fmt.Errorf("frame at %d: bad response: %s", off, resp)
		}
		ack, err := strconv.ParseUint(ackStr, 10, 64)
		if err != nil || ack != uint64(end) {
			return fmt.Errorf("frame at %d: device acknowledged %q, want %d", off, ackStr, end)
		}
		if opts.Progress != nil {
			opts.Progress(ack, total)
		}
	}

	sum := sha256.Sum256(image)
	if _, err := io.WriteString(rw, "DONE "+hex.EncodeToString(sum[:])+"\n"); err != nil {
		return fmt.Errorf("send DONE: %w", err)
	}
	resp, err = readReply()
	if err != nil {
		return fmt.Errorf("verification failed: %w", err)
	}
	if resp != "VERIFIED" {
		return fmt.Errorf("verification failed: %s", resp)
	}
	return nil
}
