//go:build tinygo

package main

// WARNING: default -scheduler=cores unsupported, compile with -scheduler=tasks set!

import (
	"context"
	"log/slog"
	"machine"
	"net/netip"
	"time"

	"openenterprise/otaengine/channel"
	"openenterprise/otaengine/config"
	"openenterprise/otaengine/credentials"
	"openenterprise/otaengine/ota"
	"openenterprise/otaengine/telemetry"
	"openenterprise/otaengine/update"
	"openenterprise/otaengine/version"

	"github.com/soypat/cyw43439"
	"github.com/soypat/cyw43439/examples/cywnet"
)

const pollTime = 5 * time.Millisecond

var requestedIP = [4]byte{192, 168, 1, 99}

// When false, stop feeding watchdog to trigger reset
var systemHealthy = true

// fatalError handles unrecoverable errors by waiting for watchdog reset
// with a software reset fallback. This ensures the device always recovers.
func fatalError(msg string) {
	println(msg)
	systemHealthy = false
	// Wait for watchdog timeout (8s timeout + margin)
	for i := 0; i < 15; i++ {
		time.Sleep(time.Second)
	}
	println("Watchdog timeout - forcing software reset...")
	ota.Reboot()
	for {
		time.Sleep(time.Second)
	}
}

func main() {
	// CRITICAL: Confirm OTA partition IMMEDIATELY to prevent TBYB auto-revert.
	// Must be called within 16.7s of boot. Do this before ANY delays!
	confirmErr := ota.ConfirmPartition()

	time.Sleep(2 * time.Second) // Give time to connect to USB and monitor output.
	println("========================================")
	println("  Openenterprise OTA engine")
	println("  Version:", version.Version)
	println("  Git SHA:", version.GitSHA)
	println("  Built:  ", version.BuildDate)
	println("========================================")

	current := ota.CurrentPartition()
	println("OTA: booted from partition", ota.PartitionName(current))
	if confirmErr != nil {
		println("OTA: partition confirm failed:", confirmErr.Error())
	}

	// Application logger; Info and above are also kept for status reporting
	// and exported once the collector is reachable.
	exporter := telemetry.NewExporter(telemetry.ExporterConfig{
		ServiceName: "ota-engine",
		HostName:    config.ClientID(),
		Interval:    config.DefaultTelemetryInterval,
	})
	logger := slog.New(telemetry.NewSlogHandler(machine.Serial, nil, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}).Export(exporter))
	slog.SetDefault(logger)

	// Network stack logger above ERROR: cywnet logs dropped packets as errors
	netLogger := slog.New(slog.NewTextHandler(machine.Serial, &slog.HandlerOptions{
		Level: slog.Level(12),
	}))

	machine.Watchdog.Configure(machine.WatchdogConfig{
		TimeoutMillis: 8000,
	})
	machine.Watchdog.Start()
	logger.Info("init:watchdog-started")

	if err := credentials.Check(); err != nil {
		logger.Error("wifi:no-credentials", slog.String("err", err.Error()))
		fatalError("No WiFi credentials built in - waiting for reset...")
	}

	devcfg := cyw43439.DefaultWifiConfig()
	devcfg.Logger = netLogger
	cystack, err := cywnet.NewConfiguredPicoWithStack(
		credentials.SSID(),
		credentials.Password(),
		devcfg,
		cywnet.StackConfig{
			Hostname:    "ota-engine",
			MaxTCPPorts: 3, // OTA + MQTT progress + telemetry
		},
	)
	if err != nil {
		logger.Error("wifi:setup-failed", slog.String("err", err.Error()))
		fatalError("WiFi setup failed - waiting for reset...")
	}

	ota.SetShutdown(func() {
		// cyw43439 has no full deinit; let pending packets drain
		logger.Info("ota:wifi-shutdown")
		time.Sleep(100 * time.Millisecond)
	})

	go loopForeverStack(cystack)

	dhcpResults, err := cystack.SetupWithDHCP(cywnet.DHCPConfig{
		RequestedAddr: netip.AddrFrom4(requestedIP),
	})
	if err != nil {
		logger.Error("dhcp:failed", slog.String("err", err.Error()))
		fatalError("DHCP failed - waiting for reset...")
	}
	logger.Info("dhcp:complete", slog.String("addr", dhcpResults.AssignedAddr.String()))

	stack := cystack.LnetoStack()

	var progress update.Channel
	if brokerAddr, err := config.BrokerAddr(); err != nil {
		logger.Warn("config:broker-unset", slog.String("err", err.Error()))
	} else {
		mq, err := channel.NewMQTT(channel.MQTTConfig{
			ClientID: config.ClientID(),
			Topic:    config.ProgressTopic(),
			Dial:     mqttDialer(stack, brokerAddr, logger),
			Logger:   logger,
		})
		if err != nil {
			fatalError("MQTT setup failed - waiting for reset...")
		}
		go mq.Run(context.Background())
		progress = mq
		logger.Info("config:broker", slog.String("addr", brokerAddr.String()))
	}

	var observer update.Observer
	if collectorAddr, err := config.TelemetryCollectorAddr(); err != nil {
		logger.Warn("config:collector-unset", slog.String("err", err.Error()))
	} else {
		exporter.Start(&telemetry.TCPPoster{Stack: stack, Collector: collectorAddr})
		go exporter.Run(context.Background())
		observer = telemetry.NewSessionObserver(exporter)
		logger.Info("config:collector", slog.String("addr", collectorAddr.String()))
	}

	dev, err := newDevice(ota.NewROMFlash(ota.DefaultFlashSize), ota.DefaultLayout(), current, progress, observer, logger)
	if err != nil {
		logger.Error("ota:layout-invalid", slog.String("err", err.Error()))
		fatalError("Invalid flash layout - waiting for reset...")
	}
	reboot := rebooter{
		layout:   dev.layout,
		toRegion: ota.RebootToRegion,
		reset:    ota.Reboot,
		log:      logger,
	}
	go otaServerLoop(stack, dev, reboot, exporter, logger)

	logger.Info("init:complete")
	for {
		feedWatchdogIfHealthy()
		time.Sleep(time.Second)
	}
}

// feedWatchdogIfHealthy only feeds the watchdog if the system is healthy.
// When unhealthy, the watchdog will timeout and reset the device.
func feedWatchdogIfHealthy() {
	if systemHealthy {
		machine.Watchdog.Update()
	}
}

// loopForeverStack processes network packets in the background
func loopForeverStack(stack *cywnet.Stack) {
	var count int
	for {
		send, recv, _ := stack.RecvAndSend()
		if send == 0 && recv == 0 {
			time.Sleep(pollTime)
		}
		// Update watchdog every ~100 iterations (~500ms)
		count++
		if count >= 100 {
			feedWatchdogIfHealthy()
			count = 0
		}
	}
}
