//go:build tinygo

package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"runtime"
	"time"

	"openenterprise/otaengine/otaproto"
	"openenterprise/otaengine/telemetry"
	"openenterprise/otaengine/update"

	"github.com/soypat/lneto/tcp"
	"github.com/soypat/lneto/x/xnet"
)

const otaPort = uint16(otaproto.DefaultPort)

// Pre-allocated OTA buffers
var (
	otaRxBuf [otaproto.DefaultMaxFrame]byte
	otaTxBuf [512]byte
)

var errReadTimeout = errors.New("ota: read timeout")

// pollConn adapts the non-blocking lneto connection to the blocking reads
// otaproto expects, feeding the watchdog while it waits.
type pollConn struct {
	conn     *tcp.Conn
	deadline time.Time
}

func (c *pollConn) SetReadDeadline(t time.Time) error {
	c.deadline = t
	return nil
}

func (c *pollConn) Read(p []byte) (int, error) {
	for {
		if c.conn.State().IsClosed() || c.conn.State().IsClosing() {
			return 0, io.EOF
		}
		n, err := c.conn.Read(p)
		if n > 0 {
			return n, nil
		}
		if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) {
			return 0, err
		}
		if !c.deadline.IsZero() && time.Now().After(c.deadline) {
			return 0, errReadTimeout
		}
		feedWatchdogIfHealthy()
		time.Sleep(10 * time.Millisecond)
	}
}

func (c *pollConn) Write(p []byte) (int, error) {
	return c.conn.Write(p)
}

// Flush pushes pending replies and yields so the stack goroutine sends them.
func (c *pollConn) Flush() error {
	c.conn.Flush()
	for i := 0; i < 5; i++ {
		runtime.Gosched()
	}
	return nil
}

// otaServerLoop accepts one upload connection at a time and hands it to
// otaproto. A completed update ends in a reboot.
func otaServerLoop(stack *xnet.StackAsync, dev *device, reboot rebooter, exp *telemetry.Exporter, logger *slog.Logger) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("ota:panic-recovered")
		}
	}()

	var conn tcp.Conn
	err := conn.Configure(tcp.ConnConfig{
		RxBuf:             otaRxBuf[:],
		TxBuf:             otaTxBuf[:],
		TxPacketQueueSize: 2,
	})
	if err != nil {
		logger.Error("ota:configure-failed", slog.String("err", err.Error()))
		return
	}
	logger.Info("ota:listening", slog.Int("port", int(otaPort)))

	for {
		// Abort any previous state
		conn.Abort()
		time.Sleep(100 * time.Millisecond)

		err = stack.ListenTCP(&conn, otaPort)
		if err != nil {
			logger.Error("ota:listen-failed", slog.String("err", err.Error()))
			time.Sleep(3 * time.Second)
			continue
		}
		for conn.State().IsPreestablished() {
			time.Sleep(10 * time.Millisecond)
		}
		if !conn.State().IsSynchronized() {
			conn.Abort()
			continue
		}
		ip, _ := netip.AddrFromSlice(conn.RemoteAddr())
		logger.Info("ota:connected", slog.String("ip", ip.String()))

		// No collector traffic while the upload holds the network
		logger.Warn("ota:pausing-telemetry")
		exp.Pause()
		restart := serveOTA(&conn, dev, logger)

		conn.Close()
		for i := 0; i < 30 && !conn.State().IsClosed(); i++ {
			time.Sleep(100 * time.Millisecond)
		}
		conn.Abort()
		logger.Info("ota:disconnected")
		exp.Resume()

		if restart != nil {
			// Ship the session span before the reboot, then keep the final
			// records in the ring while the radio goes down
			ctx, cancel := context.WithTimeout(context.Background(), telemetry.HTTPTimeout)
			if err := exp.Flush(ctx); err != nil {
				logger.Debug("telemetry:flush-failed", slog.String("err", err.Error()))
			}
			cancel()
			exp.Pause()
			telemetry.Default().Pause()
			if err := restart.Run(context.Background(), reboot); err != nil {
				telemetry.Default().Resume()
				exp.Resume()
				logger.Error("ota:restart-failed", slog.String("err", err.Error()))
			}
		}
	}
}

func serveOTA(conn *tcp.Conn, dev *device, logger *slog.Logger) (restart *update.RestartAction) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("ota:session-panic")
			dev.engine.Abort("", nil)
			restart = nil
		}
	}()
	restart, err := otaproto.Serve(&pollConn{conn: conn}, dev.engine, otaproto.Options{
		MaxSize: dev.maxSize,
		Logger:  logger,
	})
	if err != nil {
		logger.Warn("ota:session-ended", slog.String("err", err.Error()))
	}
	return restart
}
