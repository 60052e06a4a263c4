//go:build tinygo

package telemetry

import (
	"context"
	"errors"
	"net/netip"
	"strconv"
	"sync"
	"time"

	"github.com/soypat/lneto/tcp"
	"github.com/soypat/lneto/x/xnet"
)

var errHTTPStatus = errors.New("telemetry: collector returned non-2xx")

// TCPPoster posts OTLP payloads over the lneto stack with plain HTTP/1.1,
// one connection per request.
type TCPPoster struct {
	Stack     *xnet.StackAsync
	Collector netip.AddrPort

	mu      sync.Mutex
	rxBuf   [512]byte
	txBuf   [2560]byte
	respBuf [64]byte
}

// Post implements Poster. ctx bounds the request together with HTTPTimeout.
func (p *TCPPoster) Post(ctx context.Context, path string, body []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.Stack == nil {
		return errors.New("telemetry: no stack")
	}

	var conn tcp.Conn
	err := conn.Configure(tcp.ConnConfig{
		RxBuf:             p.rxBuf[:],
		TxBuf:             p.txBuf[:],
		TxPacketQueueSize: 3,
	})
	if err != nil {
		return err
	}

	rstack := p.Stack.StackRetrying(5 * time.Millisecond)
	lport := uint16(p.Stack.Prand32()>>17) + 1024
	if err := rstack.DoDialTCP(&conn, lport, p.Collector, HTTPTimeout, MaxRetries); err != nil {
		conn.Abort()
		return err
	}
	defer p.Stack.DiscardResolveHardwareAddress6(p.Collector.Addr())

	// Give the stack time to fully establish connection
	time.Sleep(50 * time.Millisecond)
	if !conn.State().IsSynchronized() {
		conn.Abort()
		return errors.New("telemetry: connection not established")
	}

	deadline := time.Now().Add(HTTPTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	conn.SetDeadline(deadline)

	var num [20]byte
	conn.Write([]byte("POST "))
	conn.Write([]byte(path))
	conn.Write([]byte(" HTTP/1.1\r\nHost: "))
	conn.Write([]byte(p.Collector.Addr().String()))
	conn.Write([]byte("\r\nContent-Type: application/json\r\nContent-Length: "))
	conn.Write(strconv.AppendInt(num[:0], int64(len(body)), 10))
	conn.Write([]byte("\r\nConnection: close\r\n\r\n"))
	conn.Flush()
	time.Sleep(50 * time.Millisecond)

	// The tx buffer may not hold the whole body.
	for written := 0; written < len(body); {
		if err := ctx.Err(); err != nil {
			conn.Abort()
			return err
		}
		chunk := min(len(body)-written, 1024)
		n, err := conn.Write(body[written : written+chunk])
		if err != nil {
			conn.Abort()
			return errors.New("telemetry: write failed: body")
		}
		written += n
		conn.Flush()
		time.Sleep(50 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)

	respLen, _ := conn.Read(p.respBuf[:])

	conn.Close()
	for i := 0; i < 10 && !conn.State().IsClosed(); i++ {
		time.Sleep(100 * time.Millisecond)
	}
	conn.Abort()

	// "HTTP/1.1 2xx"
	if respLen >= 12 && p.respBuf[9] == '2' {
		return nil
	}
	return errHTTPStatus
}
