package httpapi

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/prometheus/client_golang/prometheus"

	"openenterprise/otaengine/channel"
	"openenterprise/otaengine/metrics"
	"openenterprise/otaengine/ota"
	"openenterprise/otaengine/telemetry"
	"openenterprise/otaengine/update"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type fixture struct {
	engine   *update.Engine
	server   *Server
	hub      *channel.Hub
	ring     *telemetry.Ring
	registry *prometheus.Registry
	flash    *ota.FileFlash
	region   ota.Region
	fsPath   string
	restarts chan update.RestartAction
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	ff, err := ota.OpenFileFlash(filepath.Join(dir, "flash.bin"), 16*ota.SectorSize)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ff.Close() })

	f := &fixture{
		hub:      channel.NewHub(64, quiet),
		ring:     telemetry.NewRing(8),
		registry: prometheus.NewRegistry(),
		flash:    ff,
		region:   ota.Region{Name: "B", Offset: 4 * ota.SectorSize, Size: 8 * ota.SectorSize},
		fsPath:   filepath.Join(dir, "fs", "littlefs.img"),
		restarts: make(chan update.RestartAction, 4),
	}
	f.engine = update.NewEngine(update.Options{
		CodeSink: func() (update.Sink, error) {
			return update.NewPartitionSink(ff, f.region, ota.PartitionB, quiet), nil
		},
		FilesystemSink: func() (update.Sink, error) {
			return update.NewFileSink(f.fsPath, 0, quiet), nil
		},
		Channel:      f.hub,
		Observer:     metrics.New(f.registry),
		Logger:       quiet,
		RestartDelay: time.Millisecond,
	})
	f.server = New(Options{
		Engine:   f.engine,
		Hub:      f.hub,
		Logs:     f.ring,
		Gatherer: f.registry,
		Restarter: update.RestartFunc(func(_ context.Context, a update.RestartAction) error {
			f.restarts <- a
			return nil
		}),
		ChunkSize: 1024,
		Logger:    quiet,
	})
	return f
}

func (f *fixture) do(t *testing.T, req *http.Request) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	f.server.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func pattern(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = byte(i * 7)
	}
	return b
}

func TestUpload_FirmwareRaw(t *testing.T) {
	f := newFixture(t)
	image := pattern(10000)
	sum := sha256.Sum256(image)

	req := httptest.NewRequest(http.MethodPost, "/update", bytes.NewReader(image))
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set(HeaderDigest, hex.EncodeToString(sum[:]))
	req.Header.Set(HeaderFilename, "build.bin")
	rec := f.do(t, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	resp := decode[uploadResponse](t, rec)
	if resp.Written != uint64(len(image)) || resp.Partition != ota.PartitionB || resp.Kind != update.KindCode {
		t.Errorf("response = %+v", resp)
	}

	f.server.Wait()
	select {
	case a := <-f.restarts:
		if a.Partition != ota.PartitionB || a.SessionID != resp.Session {
			t.Errorf("restart = %+v", a)
		}
	default:
		t.Fatal("restart not run")
	}

	got, err := f.flash.ReadRegion(f.region, uint32(len(image)))
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, image) {
		t.Error("flash contents differ from upload")
	}
	st := f.engine.Status()
	if st.State != update.StateCompleted || st.Filename != "build.bin" {
		t.Errorf("status = %+v", st)
	}
}

func TestUpload_FilesystemMultipart(t *testing.T) {
	f := newFixture(t)
	image := pattern(5000)

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	mw.WriteField("note", "ignored")
	fw, err := mw.CreateFormFile("file", "littlefs.img")
	if err != nil {
		t.Fatal(err)
	}
	fw.Write(image)
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/update/filesystem", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set(HeaderSize, fmt.Sprint(len(image)))
	rec := f.do(t, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if resp := decode[uploadResponse](t, rec); resp.Partition != -1 || resp.Kind != update.KindFilesystem {
		t.Errorf("response = %+v", resp)
	}
	got, err := os.ReadFile(f.fsPath)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, image) {
		t.Error("filesystem image differs from upload")
	}
	if st := f.engine.Status(); st.Filename != "littlefs.img" || st.Total != uint64(len(image)) {
		t.Errorf("status = %+v", st)
	}
}

func TestUpload_Errors(t *testing.T) {
	image := pattern(3000)
	wrong := sha256.Sum256([]byte("something else"))

	noFile := func() (io.Reader, string) {
		var b bytes.Buffer
		mw := multipart.NewWriter(&b)
		mw.WriteField("note", "no file here")
		mw.Close()
		return &b, mw.FormDataContentType()
	}

	tests := []struct {
		name    string
		path    string
		body    func() (io.Reader, string)
		headers map[string]string
		code    int
		reason  string
	}{
		{
			name:    "digest mismatch",
			path:    "/update",
			headers: map[string]string{HeaderDigest: hex.EncodeToString(wrong[:])},
			code:    http.StatusUnprocessableEntity,
			reason:  update.ReasonValidationError,
		},
		{
			name:    "malformed digest",
			path:    "/update",
			headers: map[string]string{HeaderDigest: "xyz"},
			code:    http.StatusBadRequest,
			reason:  "bad_request",
		},
		{
			name:    "malformed size",
			path:    "/update/filesystem",
			headers: map[string]string{HeaderSize: "lots"},
			code:    http.StatusBadRequest,
			reason:  "bad_request",
		},
		{
			name:    "declared size mismatch",
			path:    "/update/filesystem",
			headers: map[string]string{HeaderSize: "4000"},
			code:    http.StatusUnprocessableEntity,
			reason:  update.ReasonValidationError,
		},
		{
			name:   "larger than partition",
			path:   "/update",
			body:   func() (io.Reader, string) { return bytes.NewReader(pattern(9 * ota.SectorSize)), "" },
			code:   http.StatusInsufficientStorage,
			reason: update.ReasonInsufficientSpace,
		},
		{
			name:   "empty body",
			path:   "/update",
			body:   func() (io.Reader, string) { return bytes.NewReader(nil), "" },
			code:   http.StatusUnprocessableEntity,
			reason: update.ReasonZeroLength,
		},
		{
			name:   "multipart without file",
			path:   "/update/filesystem",
			body:   noFile,
			code:   http.StatusBadRequest,
			reason: "bad_request",
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := newFixture(t)
			var body io.Reader = bytes.NewReader(image)
			ctype := "application/octet-stream"
			if tc.body != nil {
				body, ctype = tc.body()
				if ctype == "" {
					ctype = "application/octet-stream"
				}
			}
			req := httptest.NewRequest(http.MethodPost, tc.path, body)
			req.Header.Set("Content-Type", ctype)
			for k, v := range tc.headers {
				req.Header.Set(k, v)
			}
			rec := f.do(t, req)

			if rec.Code != tc.code {
				t.Fatalf("status = %d, want %d (body %s)", rec.Code, tc.code, rec.Body.String())
			}
			if got := decode[errorBody](t, rec); got.Reason != tc.reason {
				t.Errorf("reason = %q, want %q", got.Reason, tc.reason)
			}
			if st := f.engine.Status(); !st.State.Terminal() && st.State != update.StateIdle {
				t.Errorf("session left in state %s", st.State)
			}
			select {
			case a := <-f.restarts:
				t.Errorf("unexpected restart %+v", a)
			default:
			}
		})
	}
}

func TestUpload_BusyKeepsRunningSession(t *testing.T) {
	f := newFixture(t)
	res, err := f.engine.Deliver(update.KindCode, update.Chunk{Data: pattern(512), Total: 4096})
	if err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodPost, "/update/filesystem", bytes.NewReader(pattern(100)))
	rec := f.do(t, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
	got := decode[errorBody](t, rec)
	if got.Reason != update.ReasonBusy || got.Session != "" {
		t.Errorf("body = %+v", got)
	}
	st := f.engine.Status()
	if st.SessionID != res.SessionID || st.State != update.StateReceiving {
		t.Errorf("running session disturbed: %+v", st)
	}
}

type brokenReader struct{ r io.Reader }

func (b *brokenReader) Read(p []byte) (int, error) {
	n, err := b.r.Read(p)
	if err == io.EOF {
		return n, io.ErrUnexpectedEOF
	}
	return n, err
}

func TestUpload_BrokenBodyAbortsSession(t *testing.T) {
	f := newFixture(t)
	sub := f.hub.Subscribe()
	defer sub.Close()

	req := httptest.NewRequest(http.MethodPost, "/update", &brokenReader{r: bytes.NewReader(pattern(2500))})
	req.Header.Set(HeaderSize, "8192")
	rec := f.do(t, req)

	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if got := decode[errorBody](t, rec); got.Reason != update.ReasonAborted || got.Session == "" {
		t.Errorf("body = %+v", got)
	}
	st := f.engine.Status()
	if st.State != update.StateFailed || st.Reason != update.ReasonAborted {
		t.Errorf("status = %+v", st)
	}

	var last update.Event
	for {
		select {
		case msg := <-sub.C:
			json.Unmarshal(msg, &last)
			continue
		default:
		}
		break
	}
	if last.Type != update.EventError || last.Reason != update.ReasonAborted {
		t.Errorf("last event = %+v, want aborted error", last)
	}
}

func waitSubscribers(t *testing.T, hub *channel.Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Subscribers() != want {
		if time.Now().After(deadline) {
			t.Fatalf("subscribers = %d, want %d", hub.Subscribers(), want)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestSocket_StreamsHubMessages(t *testing.T) {
	f := newFixture(t)
	ts := httptest.NewServer(f.server)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, ts.URL+"/ws", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.CloseNow()
	waitSubscribers(t, f.hub, 1)

	f.hub.Broadcast([]byte(`{"type":"progress","progress":42}`))
	typ, msg, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if typ != websocket.MessageText || string(msg) != `{"type":"progress","progress":42}` {
		t.Errorf("message = %v %q", typ, msg)
	}

	// A whole upload ends with the 100% event on the socket.
	rec := f.do(t, httptest.NewRequest(http.MethodPost, "/update/filesystem", bytes.NewReader(pattern(3000))))
	if rec.Code != http.StatusOK {
		t.Fatalf("upload status = %d", rec.Code)
	}
	for {
		_, msg, err := conn.Read(ctx)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var ev update.Event
		if err := json.Unmarshal(msg, &ev); err != nil {
			t.Fatalf("decode %q: %v", msg, err)
		}
		if ev.Progress == 100 {
			if ev.Kind != update.KindFilesystem || ev.Current != 3000 {
				t.Errorf("final event = %+v", ev)
			}
			break
		}
	}

	conn.Close(websocket.StatusNormalClosure, "")
	waitSubscribers(t, f.hub, 0)
}

func TestSocket_ClosedWithServerContext(t *testing.T) {
	f := newFixture(t)
	srvCtx, stop := context.WithCancel(context.Background())
	s := New(Options{Engine: f.engine, Hub: f.hub, Context: srvCtx, Logger: quiet})
	ts := httptest.NewServer(s)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, _, err := websocket.Dial(ctx, ts.URL+"/ws", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer conn.CloseNow()
	waitSubscribers(t, f.hub, 1)

	stop()
	_, _, err = conn.Read(ctx)
	if code := websocket.CloseStatus(err); code != websocket.StatusGoingAway {
		t.Errorf("close status = %v (%v), want going away", code, err)
	}
	waitSubscribers(t, f.hub, 0)
}

func TestSocket_Origins(t *testing.T) {
	f := newFixture(t)
	s := New(Options{Engine: f.engine, Hub: f.hub, AllowedOrigins: []string{"https://ui.example"}, Logger: quiet})
	ts := httptest.NewServer(s)
	defer ts.Close()

	tests := []struct {
		origin string
		ok     bool
	}{
		{"https://ui.example", true},
		{"https://other.example", false},
		{"", true},
	}
	for _, tc := range tests {
		t.Run(tc.origin, func(t *testing.T) {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			h := http.Header{}
			if tc.origin != "" {
				h.Set("Origin", tc.origin)
			}
			conn, resp, err := websocket.Dial(ctx, ts.URL+"/ws", &websocket.DialOptions{HTTPHeader: h})
			if tc.ok {
				if err != nil {
					t.Fatalf("dial: %v", err)
				}
				conn.Close(websocket.StatusNormalClosure, "")
				return
			}
			if err == nil {
				conn.CloseNow()
				t.Fatal("foreign origin accepted")
			}
			if resp == nil || resp.StatusCode != http.StatusForbidden {
				t.Errorf("response = %v, want 403", resp)
			}
		})
	}
}

func TestStatusLogsHealth(t *testing.T) {
	f := newFixture(t)
	f.ring.Add(telemetry.SeverityInfo, "ota:begin kind=firmware")
	f.ring.Add(telemetry.SeverityError, "ota:failed reason=write_error")

	rec := f.do(t, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	if st := decode[update.Status](t, rec); rec.Code != http.StatusOK || st.State != update.StateIdle {
		t.Errorf("status %d %+v", rec.Code, st)
	}

	rec = f.do(t, httptest.NewRequest(http.MethodGet, "/api/logs?n=1", nil))
	logs := decode[[]telemetry.Entry](t, rec)
	if len(logs) != 1 || logs[0].Message != "ota:failed reason=write_error" || logs[0].Level != "ERROR" {
		t.Errorf("logs = %+v", logs)
	}

	rec = f.do(t, httptest.NewRequest(http.MethodGet, "/api/logs?n=-3", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("bad n: status %d", rec.Code)
	}

	rec = f.do(t, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), `"ok"`) {
		t.Errorf("healthz: %d %s", rec.Code, rec.Body.String())
	}
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	rec := f.do(t, httptest.NewRequest(http.MethodPost, "/update/filesystem", bytes.NewReader(pattern(2048))))
	if rec.Code != http.StatusOK {
		t.Fatalf("upload status = %d", rec.Code)
	}

	rec = f.do(t, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rec.Code)
	}
	for _, want := range []string{
		`ota_sessions_completed_total{kind="filesystem"} 1`,
		`ota_bytes_written_total{kind="filesystem"} 2048`,
	} {
		if !strings.Contains(rec.Body.String(), want) {
			t.Errorf("metrics missing %q", want)
		}
	}
}

func TestOptionalRoutes(t *testing.T) {
	s := New(Options{Engine: update.NewEngine(update.Options{Logger: quiet}), Logger: quiet})
	for _, path := range []string{"/ws", "/metrics"} {
		rec := httptest.NewRecorder()
		s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s: status %d, want 404", path, rec.Code)
		}
	}
}

func TestStatusCode(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{update.ErrBusy, http.StatusConflict},
		{fmt.Errorf("%w: gone", update.ErrAborted), http.StatusConflict},
		{update.ErrInsufficientSpace, http.StatusInsufficientStorage},
		{update.ErrValidation, http.StatusUnprocessableEntity},
		{update.ErrZeroLength, http.StatusUnprocessableEntity},
		{update.ErrWriteError, http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range tests {
		if got := statusCode(tc.err); got != tc.want {
			t.Errorf("statusCode(%v) = %d, want %d", tc.err, got, tc.want)
		}
	}
}
