package main

import (
	"context"
	"fmt"
	"log/slog"

	"openenterprise/otaengine/ota"
	"openenterprise/otaengine/update"
)

// device ties the update engine to the A/B flash layout. It has no hardware
// dependencies so it can be exercised against ota.FileFlash.
type device struct {
	flash   ota.Flash
	layout  ota.Layout
	current int
	engine  *update.Engine
	log     *slog.Logger
}

// newDevice builds the engine. obs may be nil.
func newDevice(f ota.Flash, layout ota.Layout, current int, ch update.Channel, obs update.Observer, log *slog.Logger) (*device, error) {
	if err := layout.Validate(f.Size()); err != nil {
		return nil, fmt.Errorf("layout: %w", err)
	}
	d := &device{flash: f, layout: layout, current: current, log: log}
	d.engine = update.NewEngine(update.Options{
		CodeSink:       d.codeSink,
		FilesystemSink: d.filesystemSink,
		Channel:        ch,
		Logger:         log,
		Observer:       obs,
		Policy:         update.PolicyReject,
	})
	return d, nil
}

// target is the partition code images are written to.
func (d *device) target() int { return ota.TargetPartition(d.current) }

func (d *device) codeSink() (update.Sink, error) {
	p := d.target()
	d.log.Info("ota:target",
		slog.String("partition", ota.PartitionName(p)),
		slog.String("region", d.layout.Code[p].String()),
	)
	return update.NewPartitionSink(d.flash, d.layout.Code[p], p, d.log), nil
}

func (d *device) filesystemSink() (update.Sink, error) {
	return update.NewPartitionSink(d.flash, d.layout.Filesystem, -1, d.log), nil
}

// maxSize is announced in READY.
func (d *device) maxSize(kind update.Kind) uint64 {
	if kind == update.KindFilesystem {
		return uint64(d.layout.Filesystem.Size)
	}
	return uint64(d.layout.Code[d.target()].Size)
}

// rebooter restarts the device after a completed update: into the written
// partition for code images, a plain reset otherwise.
type rebooter struct {
	layout   ota.Layout
	toRegion func(ota.Region) error
	reset    func()
	log      *slog.Logger
}

func (r rebooter) Restart(_ context.Context, a update.RestartAction) error {
	if a.Partition < 0 || a.Partition >= len(r.layout.Code) {
		r.log.Info("ota:rebooting", slog.String("kind", a.Kind.String()))
		r.reset()
		return nil
	}
	region := r.layout.Code[a.Partition]
	r.log.Info("ota:rebooting",
		slog.String("partition", ota.PartitionName(a.Partition)),
		slog.String("region", region.String()),
	)
	if err := r.toRegion(region); err != nil {
		r.log.Error("ota:reboot-failed", slog.String("err", err.Error()))
		return err
	}
	return nil
}
