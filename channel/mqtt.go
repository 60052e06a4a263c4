package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	mqtt "github.com/soypat/natiu-mqtt"
)

const (
	mqttBufSize        = 512
	defaultMQTTQueue   = 8
	defaultMQTTTimeout = 10 * time.Second
	defaultMQTTIdle    = 5 * time.Second
	mqttRetryDelay     = 3 * time.Second
)

// MQTT publish flags (QoS0, not retained, not dup)
var pubFlags, _ = mqtt.NewPublishFlags(mqtt.QoS0, false, false)

// ErrConnectTimeout is returned when the broker never acknowledges CONNECT.
var ErrConnectTimeout = errors.New("mqtt: connect timeout")

// Conn is the broker connection. Both net.Conn and the device TCP stack
// satisfy it.
type Conn interface {
	io.ReadWriteCloser
	SetDeadline(t time.Time) error
}

// DialFunc opens a connection to the broker.
type DialFunc func(ctx context.Context) (Conn, error)

// MQTTConfig configures an MQTT publisher.
type MQTTConfig struct {
	ClientID string
	Topic    string
	Dial     DialFunc
	// QueueSize bounds the messages waiting to be published.
	QueueSize int
	// Timeout bounds connect and publish round trips.
	Timeout time.Duration
	// IdleTimeout closes the connection after this long without messages.
	IdleTimeout time.Duration
	Logger      *slog.Logger
}

// MQTT publishes broadcasts to a broker topic at QoS0 from its own
// goroutine. Broadcast only enqueues; when the queue is full the message is
// dropped. The connection is opened on demand and closed when idle.
type MQTT struct {
	cfg   MQTTConfig
	log   *slog.Logger
	queue chan []byte
	topic []byte

	userBuf [mqttBufSize]byte
	pid     uint16

	client *mqtt.Client
	conn   Conn

	published atomic.Uint64
	dropped   atomic.Uint64
}

// NewMQTT validates cfg and returns an idle publisher. Call Run to start
// publishing.
func NewMQTT(cfg MQTTConfig) (*MQTT, error) {
	if cfg.Dial == nil {
		return nil, errors.New("mqtt: no dial function")
	}
	if cfg.Topic == "" {
		return nil, errors.New("mqtt: empty topic")
	}
	if cfg.ClientID == "" {
		cfg.ClientID = "otaengine"
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultMQTTQueue
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultMQTTTimeout
	}
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = defaultMQTTIdle
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &MQTT{
		cfg:   cfg,
		log:   cfg.Logger,
		queue: make(chan []byte, cfg.QueueSize),
		topic: []byte(cfg.Topic),
	}, nil
}

// Broadcast implements Broadcaster. It never blocks.
func (m *MQTT) Broadcast(msg []byte) {
	select {
	case m.queue <- append([]byte(nil), msg...):
	default:
		m.dropped.Add(1)
	}
}

// Published returns how many messages reached the broker.
func (m *MQTT) Published() uint64 { return m.published.Load() }

// Dropped returns how many messages were discarded.
func (m *MQTT) Dropped() uint64 { return m.dropped.Load() }

// Run publishes queued messages until ctx is cancelled.
func (m *MQTT) Run(ctx context.Context) error {
	defer m.disconnect("shutdown")

	idle := time.NewTimer(m.cfg.IdleTimeout)
	defer idle.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-idle.C:
			m.disconnect("idle")
		case msg := <-m.queue:
			if err := m.publish(ctx, msg); err != nil {
				m.dropped.Add(1)
				m.log.Warn("mqtt:publish-failed", slog.String("err", err.Error()))
				m.disconnect("error")
				select {
				case <-ctx.Done():
					return ctx.Err()
				case <-time.After(mqttRetryDelay):
				}
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(m.cfg.IdleTimeout)
		}
	}
}

func (m *MQTT) publish(ctx context.Context, msg []byte) error {
	if m.client == nil || !m.client.IsConnected() {
		if err := m.connect(ctx); err != nil {
			return err
		}
	}
	m.conn.SetDeadline(time.Now().Add(m.cfg.Timeout))
	m.pid++
	pubVar := mqtt.VariablesPublish{
		TopicName:        m.topic,
		PacketIdentifier: m.pid,
	}
	if err := m.client.PublishPayload(pubFlags, pubVar, msg); err != nil {
		return fmt.Errorf("publish: %w", err)
	}
	m.published.Add(1)
	return nil
}

func (m *MQTT) connect(ctx context.Context) error {
	m.disconnect("reconnect")

	conn, err := m.cfg.Dial(ctx)
	if err != nil {
		return fmt.Errorf("dial: %w", err)
	}
	cfg := mqtt.ClientConfig{
		Decoder: mqtt.DecoderNoAlloc{UserBuffer: m.userBuf[:]},
		OnPub: func(mqtt.Header, mqtt.VariablesPublish, io.Reader) error {
			return nil
		},
	}
	var varconn mqtt.VariablesConnect
	varconn.SetDefaultMQTT([]byte(m.cfg.ClientID))
	client := mqtt.NewClient(cfg)

	deadline := time.Now().Add(m.cfg.Timeout)
	conn.SetDeadline(deadline)
	if err := client.StartConnect(conn, &varconn); err != nil {
		conn.Close()
		return fmt.Errorf("connect: %w", err)
	}
	for !client.IsConnected() && time.Now().Before(deadline) && ctx.Err() == nil {
		if err := client.HandleNext(); err != nil && !client.IsConnected() {
			m.log.Debug("mqtt:handle-next", slog.String("err", err.Error()))
			time.Sleep(100 * time.Millisecond)
		}
	}
	if !client.IsConnected() {
		conn.Close()
		return ErrConnectTimeout
	}
	m.client = client
	m.conn = conn
	m.log.Info("mqtt:connected",
		slog.String("clientid", m.cfg.ClientID),
		slog.String("topic", m.cfg.Topic),
	)
	return nil
}

func (m *MQTT) disconnect(why string) {
	if m.client == nil {
		return
	}
	if m.client.IsConnected() {
		m.conn.SetDeadline(time.Now().Add(time.Second))
		m.client.Disconnect(errors.New(why))
	}
	m.conn.Close()
	m.client = nil
	m.conn = nil
	m.log.Debug("mqtt:disconnected", slog.String("reason", why))
}
