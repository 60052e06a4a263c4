package config

import (
	_ "embed"
	"net/netip"
	"strings"
	"time"
)

// Defaults for operational configuration. The firmware can override some of
// them by placing a non-empty value in the corresponding .text file; the
// host daemon reads them through Load.
const (
	DefaultHTTPAddr      = ":8080"
	DefaultProtoPort     = 4242
	DefaultProgressTopic = "ota/progress"
	DefaultClientID      = "ota-engine"
	DefaultStaleAfter    = 30 * time.Second
	DefaultRestartDelay  = time.Second
	DefaultEventDepth    = 16
	DefaultLogLevel      = "info"
	DefaultPolicy        = "reject"

	DefaultTelemetryInterval = 30 * time.Second
)

// Environment-specific configuration (may be empty: MQTT is then disabled).
var (
	//go:embed broker.text
	brokerAddr string

	//go:embed clientid.text
	clientID string

	//go:embed telemetry_collector.text
	telemetryCollector string
)

// Optional overrides for defaults (empty file = use default).
var (
	//go:embed progress_topic.text
	progressTopicOverride string

	//go:embed restart_delay.text
	restartDelayOverride string
)

// BrokerAddr returns the MQTT broker address from broker.text file.
// Format: "host:port" e.g., "192.168.1.100:1883"
func BrokerAddr() (netip.AddrPort, error) {
	addr := strings.TrimSpace(brokerAddr)
	return netip.ParseAddrPort(addr)
}

// TelemetryCollectorAddr returns the OTLP/HTTP collector address from
// telemetry_collector.text. Format: "host:port" e.g., "192.168.1.100:4318"
func TelemetryCollectorAddr() (netip.AddrPort, error) {
	addr := strings.TrimSpace(telemetryCollector)
	return netip.ParseAddrPort(addr)
}

// ClientID returns the MQTT client ID from clientid.text file, or
// DefaultClientID.
func ClientID() string {
	if id := strings.TrimSpace(clientID); id != "" {
		return id
	}
	return DefaultClientID
}

// ProgressTopic returns the topic progress events are published on.
func ProgressTopic() string {
	if override := strings.TrimSpace(progressTopicOverride); override != "" {
		return override
	}
	return DefaultProgressTopic
}

// RestartDelay returns the pause between a committed image and the reboot.
// Returns DefaultRestartDelay unless overridden via restart_delay.text.
func RestartDelay() time.Duration {
	if override := strings.TrimSpace(restartDelayOverride); override != "" {
		if d, err := time.ParseDuration(override); err == nil {
			return d
		}
	}
	return DefaultRestartDelay
}
