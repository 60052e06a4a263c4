// Command otad runs the update engine on a host, with a file-backed flash
// standing in for the device. It accepts uploads over HTTP and the device
// frame protocol and "reboots" by reloading itself from the written
// partition.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"openenterprise/otaengine/config"
	"openenterprise/otaengine/ota"
	"openenterprise/otaengine/telemetry"
	"openenterprise/otaengine/version"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// cli carries what PersistentPreRunE loads for the subcommands.
type cli struct {
	v       *viper.Viper
	cfgFile string
	cfg     *config.Config
	log     *slog.Logger
}

func newRootCmd() *cobra.Command {
	c := &cli{v: config.NewViper()}
	root := &cobra.Command{
		Use:   "otad",
		Short: "otad - chunked OTA update engine host daemon",
		Long: `otad receives firmware and filesystem images in chunks and writes them
to an emulated A/B flash or a filesystem image.

Uploads arrive over HTTP (POST /update, POST /update/filesystem) or the
device frame protocol (otacli ota-push). Progress is broadcast over the
WebSocket at GET /ws and optionally published to MQTT.

Configuration is read from otad.yaml (or --config) and OTA_* environment
variables, e.g. OTA_LISTEN_HTTP=:9090 or OTA_MQTT_BROKER=localhost:1883.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(c.v, c.cfgFile)
			if err != nil {
				return err
			}
			lvl, _ := cfg.Log.SlogLevel()
			c.cfg = cfg
			c.log = slog.New(telemetry.NewSlogHandler(cmd.ErrOrStderr(), nil, &slog.HandlerOptions{Level: lvl}))
			if used := c.v.ConfigFileUsed(); used != "" {
				c.log.Debug("config:file", slog.String("path", used))
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&c.cfgFile, "config", "", "config file (default ./otad.yaml)")
	root.PersistentFlags().String("log-level", config.DefaultLogLevel, "log level: debug, info, warn, error")
	c.v.BindPFlag("log.level", root.PersistentFlags().Lookup("log-level"))

	root.AddCommand(c.serveCmd(), c.layoutCmd(), versionCmd())
	return root
}

func (c *cli) serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Accept uploads until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			c.log.Info("init:start", slog.String("version", version.String()))
			for {
				h, err := newHost(c.cfg, c.log)
				if err != nil {
					return err
				}
				err = h.run(cmd.Context())
				if !errors.Is(err, errRestart) {
					return err
				}
				c.log.Info("init:restarting")
			}
		},
	}
	cmd.Flags().String("http", config.DefaultHTTPAddr, "HTTP listen address (empty disables)")
	cmd.Flags().String("proto", fmt.Sprintf(":%d", config.DefaultProtoPort), "frame protocol listen address (empty disables)")
	cmd.Flags().String("broker", "", "MQTT broker host:port for progress events")
	c.v.BindPFlag("listen.http", cmd.Flags().Lookup("http"))
	c.v.BindPFlag("listen.proto", cmd.Flags().Lookup("proto"))
	c.v.BindPFlag("mqtt.broker", cmd.Flags().Lookup("broker"))
	return cmd
}

func (c *cli) layoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "layout",
		Short: "Show the emulated flash layout and boot partition",
		RunE: func(cmd *cobra.Command, args []string) error {
			boot, err := readBootPartition(c.cfg.Flash.BootFile)
			if err != nil {
				return err
			}
			printLayout(cmd.OutOrStdout(), ota.DefaultLayout(), c.cfg.Flash.Size, boot)
			return nil
		},
	}
}

func printLayout(w io.Writer, l ota.Layout, flashSize uint32, boot int) {
	fmt.Fprintf(w, "Flash: %d bytes\n", flashSize)
	for p, r := range l.Code {
		mark := " (update target)"
		if p == boot {
			mark = " (booted)"
		}
		fmt.Fprintf(w, "  %s%s\n", r, mark)
	}
	fmt.Fprintf(w, "  %s\n", l.Filesystem)
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {},
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "otad", version.String())
		},
	}
}
