//go:build !tinygo

package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"

	"openenterprise/otaengine/ota"
	"openenterprise/otaengine/telemetry"
	"openenterprise/otaengine/update"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

// smallLayout fits a 64KB test flash.
func smallLayout() ota.Layout {
	return ota.Layout{
		Code: [2]ota.Region{
			{Name: "A", Offset: 0x1000, Size: 0x6000},
			{Name: "B", Offset: 0x7000, Size: 0x6000},
		},
		Filesystem: ota.Region{Name: "fs", Offset: 0xD000, Size: 0x3000},
	}
}

func newTestDevice(t *testing.T, current int) (*device, *ota.FileFlash) {
	t.Helper()
	ff, err := ota.OpenFileFlash(filepath.Join(t.TempDir(), "flash.bin"), 0x10000)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { ff.Close() })
	d, err := newDevice(ff, smallLayout(), current, nil, nil, quiet)
	if err != nil {
		t.Fatal(err)
	}
	return d, ff
}

func TestDevice_WritesInactivePartition(t *testing.T) {
	tests := []struct {
		name    string
		current int
		want    int
	}{
		{"booted from A", ota.PartitionA, ota.PartitionB},
		{"booted from B", ota.PartitionB, ota.PartitionA},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, ff := newTestDevice(t, tt.current)
			image := bytes.Repeat([]byte{0x5A, 0xA5}, 3000)

			if _, err := d.engine.HandleFirmwareChunk(update.Chunk{Total: uint64(len(image)), Data: image}); err != nil {
				t.Fatal(err)
			}
			res, err := d.engine.HandleFirmwareChunk(update.Chunk{Offset: uint64(len(image)), Final: true})
			if err != nil {
				t.Fatal(err)
			}
			if res.Restart == nil || res.Restart.Partition != tt.want {
				t.Fatalf("restart = %+v, want partition %d", res.Restart, tt.want)
			}
			got, err := ff.ReadRegion(d.layout.Code[tt.want], uint32(len(image)))
			if err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(got, image) {
				t.Error("image not found in target partition")
			}
			running, _ := ff.ReadRegion(d.layout.Code[tt.current], 4)
			if !bytes.Equal(running, []byte{0xFF, 0xFF, 0xFF, 0xFF}) {
				t.Error("running partition was modified")
			}
		})
	}
}

func TestDevice_FilesystemImage(t *testing.T) {
	d, ff := newTestDevice(t, ota.PartitionA)
	image := []byte("littlefs image contents")

	if _, err := d.engine.HandleFilesystemChunk(update.Chunk{Total: uint64(len(image)), Data: image}); err != nil {
		t.Fatal(err)
	}
	res, err := d.engine.HandleFilesystemChunk(update.Chunk{Offset: uint64(len(image)), Final: true})
	if err != nil {
		t.Fatal(err)
	}
	if res.Restart == nil || res.Restart.Partition != -1 {
		t.Fatalf("restart = %+v, want plain reset", res.Restart)
	}
	got, _ := ff.ReadRegion(d.layout.Filesystem, uint32(len(image)))
	if !bytes.Equal(got, image) {
		t.Errorf("filesystem region = %q", got)
	}
}

func TestDevice_MaxSize(t *testing.T) {
	d, _ := newTestDevice(t, ota.PartitionA)
	if got := d.maxSize(update.KindCode); got != 0x6000 {
		t.Errorf("code max = %#x, want 0x6000", got)
	}
	if got := d.maxSize(update.KindFilesystem); got != 0x3000 {
		t.Errorf("fs max = %#x, want 0x3000", got)
	}
}

func TestNewDevice_RejectsBadLayout(t *testing.T) {
	ff, err := ota.OpenFileFlash(filepath.Join(t.TempDir(), "flash.bin"), 0x8000)
	if err != nil {
		t.Fatal(err)
	}
	defer ff.Close()
	if _, err := newDevice(ff, smallLayout(), ota.PartitionA, nil, nil, quiet); !errors.Is(err, ota.ErrOutOfRange) {
		t.Errorf("err = %v, want ErrOutOfRange", err)
	}
}

func TestRebooter(t *testing.T) {
	var region ota.Region
	var resets int
	r := rebooter{
		layout:   smallLayout(),
		toRegion: func(reg ota.Region) error { region = reg; return nil },
		reset:    func() { resets++ },
		log:      quiet,
	}

	if err := r.Restart(context.Background(), update.RestartAction{Kind: update.KindCode, Partition: ota.PartitionB}); err != nil {
		t.Fatal(err)
	}
	if region.Name != "B" {
		t.Errorf("rebooted into %q, want B", region.Name)
	}
	if err := r.Restart(context.Background(), update.RestartAction{Kind: update.KindFilesystem, Partition: -1}); err != nil {
		t.Fatal(err)
	}
	if resets != 1 {
		t.Errorf("resets = %d, want 1", resets)
	}

	r.toRegion = func(ota.Region) error { return ota.ErrRebootFailed }
	if err := r.Restart(context.Background(), update.RestartAction{Partition: ota.PartitionA}); !errors.Is(err, ota.ErrRebootFailed) {
		t.Errorf("err = %v, want ErrRebootFailed", err)
	}
}

// collector keeps the last OTLP payload posted per path.
type collector map[string]string

func (c collector) Post(_ context.Context, path string, body []byte) error {
	c[path] = string(body)
	return nil
}

func TestDevice_TracesSessions(t *testing.T) {
	ff, err := ota.OpenFileFlash(filepath.Join(t.TempDir(), "flash.bin"), 0x10000)
	if err != nil {
		t.Fatal(err)
	}
	defer ff.Close()
	exp := telemetry.NewExporter(telemetry.ExporterConfig{Logger: quiet})
	col := collector{}
	exp.Start(col)

	d, err := newDevice(ff, smallLayout(), ota.PartitionA, nil, telemetry.NewSessionObserver(exp), quiet)
	if err != nil {
		t.Fatal(err)
	}
	image := bytes.Repeat([]byte{0x11}, 5000)
	if _, err := d.engine.HandleFirmwareChunk(update.Chunk{Total: uint64(len(image)), Data: image, Final: true}); err != nil {
		t.Fatal(err)
	}
	if _, err := d.engine.HandleFilesystemChunk(update.Chunk{Total: 0x4000, Data: image}); !errors.Is(err, update.ErrInsufficientSpace) {
		t.Fatalf("oversized filesystem err = %v", err)
	}

	if err := exp.Flush(context.Background()); err != nil {
		t.Fatal(err)
	}
	traces := col[telemetry.PathTraces]
	for _, want := range []string{`"name":"ota.firmware"`, `"name":"ota.filesystem"`, `"message":"insufficient_space"`} {
		if !strings.Contains(traces, want) {
			t.Errorf("traces missing %s\n%s", want, traces)
		}
	}
	metrics := col[telemetry.PathMetrics]
	for _, want := range []string{`"name":"ota.firmware.bytes"`, `"asInt":"5000"`, `"name":"ota.filesystem.failures"`} {
		if !strings.Contains(metrics, want) {
			t.Errorf("metrics missing %s\n%s", want, metrics)
		}
	}
}
