package httpapi

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"

	"openenterprise/otaengine/update"
)

var (
	errNoFile    = errors.New("httpapi: multipart upload has no file part")
	errBadSize   = errors.New("httpapi: bad " + HeaderSize + " header")
	errBadDigest = errors.New("httpapi: bad " + HeaderDigest + " header")
)

type uploadResponse struct {
	Status    string      `json:"status"`
	Session   string      `json:"session"`
	Kind      update.Kind `json:"kind"`
	Written   uint64      `json:"written"`
	Partition int         `json:"partition"`
}

// upload returns the handler for one image kind. The body is either the raw
// image or a multipart form whose first file part is the image.
func (s *Server) upload(kind update.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := readUpload(r)
		if err != nil {
			s.log.Warn("ota:bad-upload", slog.String("kind", kind.String()), slog.String("err", err.Error()))
			writeJSON(w, http.StatusBadRequest, errorBody{Status: "error", Reason: "bad_request", Error: err.Error()})
			return
		}

		res, err := s.feed(kind, body)
		if err != nil {
			writeJSON(w, statusCode(err), errorBody{
				Status:  "error",
				Reason:  reason(err),
				Session: res.SessionID,
				Error:   err.Error(),
			})
			return
		}

		resp := uploadResponse{Status: "ok", Session: res.SessionID, Kind: kind, Written: res.Written, Partition: -1}
		if res.Restart != nil {
			resp.Partition = res.Restart.Partition
		}
		writeJSON(w, http.StatusOK, resp)
		if f, ok := w.(http.Flusher); ok {
			f.Flush()
		}
		if res.Restart != nil {
			s.restart(*res.Restart)
		}
	}
}

type uploadBody struct {
	r        io.Reader
	size     uint64
	filename string
	digest   []byte
}

func readUpload(r *http.Request) (uploadBody, error) {
	u := uploadBody{r: r.Body, filename: r.Header.Get(HeaderFilename)}
	if h := r.Header.Get(HeaderDigest); h != "" {
		d, err := update.ParseDigest(h)
		if err != nil {
			return u, fmt.Errorf("%w: %w", errBadDigest, err)
		}
		u.digest = d
	}
	if h := r.Header.Get(HeaderSize); h != "" {
		v, err := strconv.ParseUint(h, 10, 64)
		if err != nil {
			return u, fmt.Errorf("%w: %q", errBadSize, h)
		}
		u.size = v
	} else if r.ContentLength > 0 {
		u.size = uint64(r.ContentLength)
	}

	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mt != "multipart/form-data" {
		return u, nil
	}
	// Content-Length covers the form framing, not the image.
	if r.Header.Get(HeaderSize) == "" {
		u.size = 0
	}
	mr, err := r.MultipartReader()
	if err != nil {
		return u, err
	}
	for {
		part, err := mr.NextPart()
		if err == io.EOF {
			return u, errNoFile
		}
		if err != nil {
			return u, err
		}
		if part.FileName() != "" {
			if u.filename == "" {
				u.filename = part.FileName()
			}
			u.r = part
			return u, nil
		}
		part.Close()
	}
}

// feed cuts the body into chunks for the engine. A body that breaks off
// aborts the session it started.
func (s *Server) feed(kind update.Kind, u uploadBody) (update.Result, error) {
	eng := s.opts.Engine
	buf := make([]byte, s.opts.ChunkSize)
	var (
		offset  uint64
		session string
	)
	for {
		n, rerr := fill(u.r, buf)
		end := rerr == io.EOF
		if rerr != nil && !end {
			if session != "" {
				eng.Abort(session, rerr)
			}
			s.log.Warn("ota:upload-interrupted",
				slog.String("session", session),
				slog.Uint64("written", offset),
				slog.String("err", rerr.Error()),
			)
			return update.Result{SessionID: session, Written: offset}, fmt.Errorf("%w: %w", update.ErrAborted, rerr)
		}

		c := update.Chunk{Session: session, Offset: offset, Data: buf[:n], Final: end && offset+uint64(n) > 0}
		if offset == 0 {
			c.Total = u.size
			c.Filename = u.filename
		}
		if c.Final {
			c.Digest = u.digest
		}
		res, err := eng.Deliver(kind, c)
		if err != nil {
			if session == "" && errors.Is(err, update.ErrBusy) {
				// The result describes someone else's session.
				res = update.Result{}
			}
			return res, err
		}
		session = res.SessionID
		offset += uint64(n)

		if end && offset == 0 {
			eng.Abort(session, update.ErrZeroLength)
			return res, update.ErrZeroLength
		}
		if c.Final {
			return res, nil
		}
	}
}

// fill reads until buf is full or r fails.
func fill(r io.Reader, buf []byte) (int, error) {
	n := 0
	for n < len(buf) {
		m, err := r.Read(buf[n:])
		n += m
		if err != nil {
			return n, err
		}
	}
	return n, nil
}

func reason(err error) string {
	if errors.Is(err, update.ErrZeroLength) {
		return update.ReasonZeroLength
	}
	return update.Reason(err)
}
