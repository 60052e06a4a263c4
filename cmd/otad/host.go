package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"openenterprise/otaengine/channel"
	"openenterprise/otaengine/config"
	"openenterprise/otaengine/httpapi"
	"openenterprise/otaengine/metrics"
	"openenterprise/otaengine/ota"
	"openenterprise/otaengine/otaproto"
	"openenterprise/otaengine/telemetry"
	"openenterprise/otaengine/update"
)

const shutdownTimeout = 5 * time.Second

// errRestart ends host.run when a completed update asks for a restart.
var errRestart = errors.New("otad: restart requested")

var errBadBootFile = errors.New("otad: boot file must name partition A or B")

// host is one "boot" of the emulated device.
type host struct {
	cfg      *config.Config
	log      *slog.Logger
	flash    *ota.FileFlash
	layout   ota.Layout
	current  int
	engine   *update.Engine
	hub      *channel.Hub
	mqtt     *channel.MQTT
	registry *prometheus.Registry
	exporter *telemetry.Exporter

	httpLn  net.Listener
	protoLn net.Listener

	restartOnce sync.Once
	restarted   chan struct{}
}

func newHost(cfg *config.Config, log *slog.Logger) (*host, error) {
	current, err := readBootPartition(cfg.Flash.BootFile)
	if err != nil {
		return nil, err
	}
	flash, err := ota.OpenFileFlash(cfg.Flash.Image, cfg.Flash.Size)
	if err != nil {
		return nil, err
	}
	h := &host{
		cfg:       cfg,
		log:       log,
		flash:     flash,
		layout:    ota.DefaultLayout(),
		current:   current,
		hub:       channel.NewHub(cfg.Events.Depth, log),
		registry:  prometheus.NewRegistry(),
		restarted: make(chan struct{}),
	}
	if err := h.layout.Validate(flash.Size()); err != nil {
		flash.Close()
		return nil, err
	}
	h.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	var progress update.Channel = h.hub
	if cfg.MQTT.Broker != "" {
		h.mqtt, err = channel.NewMQTT(channel.MQTTConfig{
			ClientID: cfg.MQTT.ClientID,
			Topic:    cfg.MQTT.Topic,
			Dial:     tcpDialer(cfg.MQTT.Broker),
			Logger:   log,
		})
		if err != nil {
			flash.Close()
			return nil, err
		}
		progress = channel.Multi{h.hub, h.mqtt}
	}

	observers := update.Observers{metrics.New(h.registry)}
	if col := cfg.Telemetry.Collector; col != "" {
		h.exporter = telemetry.NewExporter(telemetry.ExporterConfig{
			ServiceName: "otad",
			HostName:    cfg.MQTT.ClientID,
			Interval:    cfg.Telemetry.Interval,
			Logger:      log,
		})
		h.exporter.Start(&telemetry.HTTPPoster{BaseURL: col})
		if sh, ok := log.Handler().(*telemetry.SlogHandler); ok {
			h.log = slog.New(sh.Export(h.exporter))
			log = h.log
		}
		observers = append(observers, telemetry.NewSessionObserver(h.exporter))
		log.Info("config:collector", slog.String("url", col))
	}

	h.engine = update.NewEngine(update.Options{
		CodeSink:       h.codeSink,
		FilesystemSink: h.filesystemSink,
		Channel:        progress,
		Logger:         log,
		Observer:       observers,
		Policy:         cfg.Policy(),
		StaleAfter:     cfg.Update.StaleAfter,
		RestartDelay:   cfg.Update.RestartDelay,
	})
	log.Info("ota:booted",
		slog.String("partition", ota.PartitionName(current)),
		slog.String("flash", cfg.Flash.Image),
	)
	return h, nil
}

func tcpDialer(addr string) channel.DialFunc {
	return func(ctx context.Context) (channel.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "tcp", addr)
	}
}

func (h *host) target() int { return ota.TargetPartition(h.current) }

func (h *host) codeSink() (update.Sink, error) {
	p := h.target()
	h.log.Info("ota:target",
		slog.String("partition", ota.PartitionName(p)),
		slog.String("region", h.layout.Code[p].String()),
	)
	return update.NewPartitionSink(h.flash, h.layout.Code[p], p, h.log), nil
}

func (h *host) filesystemSink() (update.Sink, error) {
	return update.NewFileSink(h.cfg.Filesystem.Path, h.cfg.Filesystem.MaxSize, h.log), nil
}

func (h *host) maxSize(kind update.Kind) uint64 {
	if kind == update.KindFilesystem {
		if h.cfg.Filesystem.MaxSize > 0 {
			return h.cfg.Filesystem.MaxSize
		}
		return uint64(h.layout.Filesystem.Size)
	}
	return uint64(h.layout.Code[h.target()].Size)
}

// Restart implements update.Restarter: a code image switches the boot
// partition, then the host reloads.
func (h *host) Restart(_ context.Context, a update.RestartAction) error {
	if a.Partition >= 0 {
		if err := writeBootPartition(h.cfg.Flash.BootFile, a.Partition); err != nil {
			return err
		}
	}
	if err := h.flash.Sync(); err != nil {
		return err
	}
	h.log.Info("ota:rebooting",
		slog.String("kind", a.Kind.String()),
		slog.String("session", a.SessionID),
		slog.Int("partition", a.Partition),
	)
	h.restartOnce.Do(func() { close(h.restarted) })
	return nil
}

// listen opens the configured listeners.
func (h *host) listen() error {
	var err error
	if addr := h.cfg.Listen.HTTP; addr != "" {
		if h.httpLn, err = net.Listen("tcp", addr); err != nil {
			return fmt.Errorf("listen http: %w", err)
		}
	}
	if addr := h.cfg.Listen.Proto; addr != "" {
		if h.protoLn, err = net.Listen("tcp", addr); err != nil {
			if h.httpLn != nil {
				h.httpLn.Close()
			}
			return fmt.Errorf("listen proto: %w", err)
		}
	}
	return nil
}

// run serves until ctx ends or an update restarts the host, then releases
// everything. It opens the listeners unless listen already did.
func (h *host) run(ctx context.Context) error {
	defer h.flash.Close()
	if h.httpLn == nil && h.protoLn == nil {
		if err := h.listen(); err != nil {
			return err
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	if h.exporter != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.exporter.Run(runCtx)
		}()
	}
	if h.mqtt != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.mqtt.Run(runCtx)
		}()
	}

	api := httpapi.New(httpapi.Options{
		Engine:    h.engine,
		Hub:       h.hub,
		Gatherer:  h.registry,
		Restarter: h,
		Context:   runCtx,
		Logger:    h.log,
	})
	var srv *http.Server
	errc := make(chan error, 2)
	if h.httpLn != nil {
		srv = &http.Server{
			Handler:           api,
			ReadHeaderTimeout: 10 * time.Second,
		}
		h.log.Info("http:listening", slog.String("addr", h.httpLn.Addr().String()))
		go func() {
			if err := srv.Serve(h.httpLn); err != nil && err != http.ErrServerClosed {
				errc <- err
			}
		}()
	}
	if h.protoLn != nil {
		h.log.Info("ota:listening", slog.String("addr", h.protoLn.Addr().String()))
		wg.Add(1)
		go func() {
			defer wg.Done()
			h.serveProto(runCtx, h.protoLn)
		}()
	}

	var err error
	select {
	case <-ctx.Done():
		h.log.Info("init:shutdown")
	case <-h.restarted:
		err = errRestart
	case err = <-errc:
		h.log.Error("http:serve-failed", slog.String("err", err.Error()))
	}

	cancel()
	if srv != nil {
		sctx, scancel := context.WithTimeout(context.Background(), shutdownTimeout)
		srv.Shutdown(sctx)
		scancel()
	}
	if h.protoLn != nil {
		h.protoLn.Close()
	}
	h.engine.Abort("", errors.New("host shutting down"))
	wg.Wait()
	api.Wait()
	return err
}

func (h *host) serveProto(ctx context.Context, ln net.Listener) {
	var conns sync.WaitGroup
	defer conns.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return
			}
			h.log.Warn("ota:accept-failed", slog.String("err", err.Error()))
			continue
		}
		h.log.Info("ota:connected", slog.String("ip", conn.RemoteAddr().String()))
		conns.Add(1)
		go func() {
			defer conns.Done()
			h.handleProto(ctx, conn)
		}()
	}
}

func (h *host) handleProto(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	restart, err := otaproto.Serve(conn, h.engine, otaproto.Options{
		MaxSize: h.maxSize,
		Logger:  h.log,
	})
	if err != nil {
		h.log.Warn("ota:session-ended", slog.String("err", err.Error()))
		return
	}
	if restart != nil {
		if err := restart.Run(ctx, h); err != nil {
			h.log.Error("ota:restart-failed", slog.String("err", err.Error()))
		}
	}
}

// readBootPartition returns the partition recorded in path; a missing file
// means a factory-fresh device booting A.
func readBootPartition(path string) (int, error) {
	b, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return ota.PartitionA, nil
	}
	if err != nil {
		return 0, err
	}
	switch strings.TrimSpace(string(b)) {
	case "A":
		return ota.PartitionA, nil
	case "B":
		return ota.PartitionB, nil
	}
	return 0, fmt.Errorf("%w: %s", errBadBootFile, path)
}

func writeBootPartition(path string, partition int) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, []byte(ota.PartitionName(partition)+"\n"), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
