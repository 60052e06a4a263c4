//go:build tinygo

package main

import (
	"context"
	"log/slog"
	"net/netip"
	"time"

	"openenterprise/otaengine/channel"

	"github.com/soypat/lneto/tcp"
	"github.com/soypat/lneto/x/xnet"
)

const (
	mqttTimeout = 10 * time.Second
	mqttRetries = 3
	tcpBufSize  = 2030 // MTU - ethhdr - iphdr - tcphdr
)

// Pre-allocated buffers; the publisher holds at most one connection.
var (
	tcpRxBuf [tcpBufSize]byte
	tcpTxBuf [tcpBufSize]byte
)

// brokerConn closes the TCP connection the way the stack expects before the
// buffers are reused.
type brokerConn struct {
	*tcp.Conn
	stack *xnet.StackAsync
	addr  netip.AddrPort
}

func (c *brokerConn) Close() error {
	closeConn(c.Conn, c.stack, c.addr)
	return nil
}

// mqttDialer dials the broker over the lneto stack for channel.MQTT.
func mqttDialer(stack *xnet.StackAsync, brokerAddr netip.AddrPort, logger *slog.Logger) channel.DialFunc {
	conn := new(tcp.Conn)
	return func(ctx context.Context) (channel.Conn, error) {
		err := conn.Configure(tcp.ConnConfig{
			RxBuf:             tcpRxBuf[:],
			TxBuf:             tcpTxBuf[:],
			TxPacketQueueSize: 3,
		})
		if err != nil {
			return nil, err
		}

		// Random local port
		lport := uint16(stack.Prand32()>>17) + 1024
		logger.Info("mqtt:dialing",
			slog.String("broker", brokerAddr.String()),
			slog.Uint64("localport", uint64(lport)),
		)
		rstack := stack.StackRetrying(5 * time.Millisecond)
		err = rstack.DoDialTCP(conn, lport, brokerAddr, mqttTimeout, mqttRetries)
		if err != nil {
			logger.Error("mqtt:dial-failed", slog.String("err", err.Error()))
			closeConn(conn, stack, brokerAddr)
			return nil, err
		}
		return &brokerConn{Conn: conn, stack: stack, addr: brokerAddr}, nil
	}
}

// closeConn closes the TCP connection and waits for it to close
func closeConn(conn *tcp.Conn, stack *xnet.StackAsync, addr netip.AddrPort) {
	conn.Close()
	for i := 0; i < 50 && !conn.State().IsClosed(); i++ {
		time.Sleep(100 * time.Millisecond)
	}
	conn.Abort()

	// Discard ARP query to free slot for next connection
	stack.DiscardResolveHardwareAddress6(addr.Addr())
}
