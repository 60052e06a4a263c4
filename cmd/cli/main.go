package main

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"time"

	"github.com/coder/websocket"
	"golang.org/x/term"

	"openenterprise/otaengine/otaproto"
	"openenterprise/otaengine/telemetry"
	"openenterprise/otaengine/update"
	"openenterprise/otaengine/version"
)

const (
	defaultURL     = "http://localhost:8080"
	defaultTimeout = 10 * time.Second
	otaChunkSize   = otaproto.DefaultChunkSize
)

func main() {
	// Load .env file before parsing flags
	loadEnvFile()

	if len(os.Args) < 2 {
		printUsage(os.Stderr)
		os.Exit(1)
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	if err := run(ctx, os.Args[1], os.Args[2:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var errUsage = errors.New("invalid usage")

func run(ctx context.Context, cmd string, args []string, out io.Writer) error {
	switch cmd {
	case "ota-push":
		return cmdPush(args, out)
	case "ota-file":
		if len(args) != 1 {
			fmt.Fprintln(out, "Usage: otacli ota-file <firmware.uf2>")
			return errUsage
		}
		return readFirmwareInfo(out, args[0])
	case "ota-status":
		return cmdStatus(ctx, args, out)
	case "ota-watch":
		return cmdWatch(ctx, args, out)
	case "ota-logs":
		return cmdLogs(ctx, args, out)
	case "version":
		fmt.Fprintln(out, "otacli", version.String())
		return nil
	case "help", "-h", "--help":
		printUsage(out)
		return nil
	}
	printUsage(out)
	return fmt.Errorf("%w: unknown command %q", errUsage, cmd)
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "OTA engine CLI")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage:")
	fmt.Fprintln(w, "  otacli ota-push [-kind firmware|filesystem] [-port 4242] [-legacy] <host> <file>")
	fmt.Fprintln(w, "  otacli ota-file <file.uf2>        Inspect UF2 file (no device needed)")
	fmt.Fprintln(w, "  otacli ota-status [-url URL]      Show the current update session")
	fmt.Fprintln(w, "  otacli ota-watch [-url URL]       Follow progress events")
	fmt.Fprintln(w, "  otacli ota-logs [-url URL] [-n N] Show recent device log records")
	fmt.Fprintln(w, "  otacli version")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Firmware images ending in .uf2 are unpacked before upload.")
	fmt.Fprintln(w, "URL defaults to $OTA_URL (also read from .env), then "+defaultURL+".")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Examples:")
	fmt.Fprintln(w, "  otacli ota-push 192.168.1.99 build.uf2")
	fmt.Fprintln(w, "  otacli ota-push -kind filesystem 192.168.1.99 littlefs.img")
	fmt.Fprintln(w, "  OTA_URL=http://otad:8080 otacli ota-watch")
}

// cmdPush uploads an image over the device frame protocol.
func cmdPush(args []string, out io.Writer) error {
	fs := flag.NewFlagSet("ota-push", flag.ContinueOnError)
	fs.SetOutput(out)
	kindName := fs.String("kind", "firmware", "Image kind: firmware or filesystem")
	port := fs.Int("port", otaproto.DefaultPort, "Device OTA port")
	legacy := fs.Bool("legacy", false, "Send the bare OTA handshake (firmware only)")
	chunk := fs.Int("chunk", otaChunkSize, "Frame payload size")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 2 {
		fmt.Fprintln(out, "Usage: otacli ota-push [flags] <host> <file>")
		return errUsage
	}
	kind, err := update.ParseKind(*kindName)
	if err != nil || kind == update.KindNone {
		return fmt.Errorf("%w: kind %q", errUsage, *kindName)
	}
	if *legacy && kind != update.KindCode {
		return fmt.Errorf("%w: -legacy only uploads firmware", errUsage)
	}

	host, path := fs.Arg(0), fs.Arg(1)
	image, err := loadImage(path, kind)
	if err != nil {
		return err
	}
	hash := sha256.Sum256(image)
	fmt.Fprintf(out, "Image: %s (%s)\n", path, kind)
	fmt.Fprintf(out, "Binary size: %d bytes (%s)\n", len(image), update.FormatBytes(uint64(len(image))))
	fmt.Fprintf(out, "SHA256: %x\n", hash[:8])
	fmt.Fprintln(out)

	addr := net.JoinHostPort(host, fmt.Sprint(*port))
	fmt.Fprintf(out, "Connecting to %s...\n", addr)
	conn, err := net.DialTimeout("tcp", addr, defaultTimeout)
	if err != nil {
		return fmt.Errorf("connect to OTA port failed: %w", err)
	}
	defer conn.Close()

	bar := newProgressBar(out)
	err = otaproto.Push(conn, image, otaproto.PushOptions{
		Kind:      kind,
		Filename:  filepath.Base(path),
		ChunkSize: *chunk,
		Legacy:    *legacy,
		Progress:  bar.update,
	})
	bar.done()
	if err != nil {
		return fmt.Errorf("OTA push failed: %w", err)
	}
	fmt.Fprintln(out, "Image verified!")
	if kind == update.KindCode {
		fmt.Fprintln(out, "Device will reboot to new partition...")
	} else {
		fmt.Fprintln(out, "Device will restart...")
	}
	return nil
}

// loadImage reads path, unpacking UF2 containers for firmware.
func loadImage(path string, kind update.Kind) ([]byte, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read image: %w", err)
	}
	if kind == update.KindCode && strings.EqualFold(filepath.Ext(path), ".uf2") {
		fw, err := extractUF2Binary(data)
		if err != nil {
			return nil, fmt.Errorf("extract UF2: %w", err)
		}
		return fw, nil
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("read image: %s is empty", path)
	}
	return data, nil
}

// progressBar redraws one line on a terminal and prints every 10% otherwise.
type progressBar struct {
	w       io.Writer
	tty     bool
	start   time.Time
	lastPct int
}

func newProgressBar(w io.Writer) *progressBar {
	tty := false
	if f, ok := w.(*os.File); ok {
		tty = term.IsTerminal(int(f.Fd()))
	}
	return &progressBar{w: w, tty: tty, start: time.Now(), lastPct: -1}
}

func (p *progressBar) update(sent, total uint64) {
	pct := int(update.Percentage(sent, total))
	rate := 0.0
	if el := time.Since(p.start).Seconds(); el > 0 {
		rate = float64(sent) / el
	}
	line := fmt.Sprintf("[%3d%%] %s / %s  %s", pct, update.FormatBytes(sent), update.FormatBytes(total), update.FormatSpeed(rate))
	if p.tty {
		fmt.Fprintf(p.w, "\r%-60s", line)
		return
	}
	if pct/10 != p.lastPct/10 || sent == total {
		fmt.Fprintln(p.w, line)
	}
	p.lastPct = pct
}

func (p *progressBar) done() {
	if p.tty {
		fmt.Fprintln(p.w)
	}
}

func baseURL(fs *flag.FlagSet) *string {
	def := os.Getenv("OTA_URL")
	if def == "" {
		def = defaultURL
	}
	return fs.String("url", def, "Host daemon base URL")
}

func getJSON(ctx context.Context, url string, v any) error {
	ctx, cancel := context.WithTimeout(ctx, defaultTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: %s", url, resp.Status)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func cmdStatus(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("ota-status", flag.ContinueOnError)
	fs.SetOutput(out)
	url := baseURL(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	var st update.Status
	if err := getJSON(ctx, strings.TrimRight(*url, "/")+"/api/status", &st); err != nil {
		return err
	}
	printStatus(out, st)
	return nil
}

func printStatus(w io.Writer, st update.Status) {
	fmt.Fprintf(w, "State:    %s\n", st.State)
	if st.State == update.StateIdle {
		return
	}
	fmt.Fprintf(w, "Session:  %s\n", st.SessionID)
	fmt.Fprintf(w, "Kind:     %s\n", st.Kind)
	if st.Filename != "" {
		fmt.Fprintf(w, "File:     %s\n", st.Filename)
	}
	if st.Total > 0 {
		fmt.Fprintf(w, "Progress: %.1f%% (%s of %s)\n", st.Progress, update.FormatBytes(st.Current), update.FormatBytes(st.Total))
	} else {
		fmt.Fprintf(w, "Written:  %s\n", update.FormatBytes(st.Current))
	}
	fmt.Fprintf(w, "Speed:    %s\n", st.SpeedText)
	if st.Reason != "" {
		fmt.Fprintf(w, "Reason:   %s\n", st.Reason)
	}
	if !st.StartedAt.IsZero() {
		fmt.Fprintf(w, "Started:  %s\n", st.StartedAt.Local().Format(time.DateTime))
	}
}

func cmdLogs(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("ota-logs", flag.ContinueOnError)
	fs.SetOutput(out)
	url := baseURL(fs)
	n := fs.Int("n", 20, "Number of records")
	if err := fs.Parse(args); err != nil {
		return err
	}
	var entries []telemetry.Entry
	if err := getJSON(ctx, fmt.Sprintf("%s/api/logs?n=%d", strings.TrimRight(*url, "/"), *n), &entries); err != nil {
		return err
	}
	for _, e := range entries {
		fmt.Fprintf(out, "%s %-5s %s\n", e.Time.Local().Format(time.TimeOnly), e.Level, e.Message)
	}
	return nil
}

func cmdWatch(ctx context.Context, args []string, out io.Writer) error {
	fs := flag.NewFlagSet("ota-watch", flag.ContinueOnError)
	fs.SetOutput(out)
	url := baseURL(fs)
	follow := fs.Bool("follow", false, "Keep watching after a session ends")
	if err := fs.Parse(args); err != nil {
		return err
	}

	conn, _, err := websocket.Dial(ctx, strings.TrimRight(*url, "/")+"/ws", nil)
	if err != nil {
		return fmt.Errorf("connect /ws: %w", err)
	}
	defer conn.CloseNow()

	var failed error
	err = readEvents(ctx, conn, func(ev update.Event) bool {
		fmt.Fprintln(out, formatEvent(ev))
		switch {
		case ev.Type == update.EventError:
			failed = fmt.Errorf("update failed: %s", ev.Reason)
			return *follow
		case ev.Progress >= 100:
			return *follow
		}
		return true
	})
	if ctx.Err() != nil {
		return nil
	}
	if err != nil {
		return err
	}
	conn.Close(websocket.StatusNormalClosure, "")
	return failed
}

// messageReader is the receiving side of a WebSocket connection.
type messageReader interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
}

// readEvents calls fn with every event read from r until fn returns false
// or the peer closes the connection.
func readEvents(ctx context.Context, r messageReader, fn func(update.Event) bool) error {
	for {
		_, msg, err := r.Read(ctx)
		if err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
				return nil
			}
			return err
		}
		var ev update.Event
		if err := json.Unmarshal(msg, &ev); err != nil {
			return fmt.Errorf("decode event: %w", err)
		}
		if !fn(ev) {
			return nil
		}
	}
}

func formatEvent(ev update.Event) string {
	if ev.Type == update.EventError {
		return fmt.Sprintf("%s update failed: %s", ev.Kind, ev.Reason)
	}
	if ev.Total == 0 {
		return fmt.Sprintf("%s %s written  %s", ev.Kind, update.FormatBytes(ev.Current), ev.SpeedText)
	}
	return fmt.Sprintf("%s [%5.1f%%] %s / %s  %s", ev.Kind, ev.Progress,
		update.FormatBytes(ev.Current), update.FormatBytes(ev.Total), ev.SpeedText)
}

// loadEnvFile loads environment variables from .env file in current directory
func loadEnvFile() {
	data, err := os.ReadFile(".env")
	if err != nil {
		return // File doesn't exist or can't be read, that's fine
	}
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)

		// Remove quotes if present
		if len(value) >= 2 && ((value[0] == '"' && value[len(value)-1] == '"') ||
			(value[0] == '\'' && value[len(value)-1] == '\'')) {
			value = value[1 : len(value)-1]
		}

		// Only set if not already set in environment
		if os.Getenv(key) == "" {
			os.Setenv(key, value)
		}
	}
}
