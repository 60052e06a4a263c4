//go:build !tinygo

package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/viper"

	"openenterprise/otaengine/ota"
	"openenterprise/otaengine/update"
)

var (
	ErrInvalidFlashSize  = errors.New("config: flash size must be a non-zero multiple of 4096")
	ErrMissingFlashImage = errors.New("config: flash image path must be set")
	ErrMissingFSPath     = errors.New("config: filesystem image path must be set")
	ErrInvalidPolicy     = errors.New("config: unknown overlap policy")
	ErrInvalidLogLevel   = errors.New("config: unknown log level")
	ErrInvalidListen     = errors.New("config: at least one listener must be enabled")
	ErrMissingTopic      = errors.New("config: mqtt topic must be set when a broker is configured")
	ErrInvalidCollector  = errors.New("config: telemetry collector must be an http or https URL")
)

// Config holds the host daemon configuration.
type Config struct {
	Listen     ListenConfig     `mapstructure:"listen"`
	Flash      FlashConfig      `mapstructure:"flash"`
	Filesystem FilesystemConfig `mapstructure:"filesystem"`
	Update     UpdateConfig     `mapstructure:"update"`
	MQTT       MQTTConfig       `mapstructure:"mqtt"`
	Events     EventsConfig     `mapstructure:"events"`
	Telemetry  TelemetryConfig  `mapstructure:"telemetry"`
	Log        LogConfig        `mapstructure:"log"`
}

// ListenConfig holds the ingress addresses; an empty address disables it.
type ListenConfig struct {
	HTTP  string `mapstructure:"http"`
	Proto string `mapstructure:"proto"`
}

// FlashConfig describes the emulated device flash.
type FlashConfig struct {
	Image    string `mapstructure:"image"`
	Size     uint32 `mapstructure:"size"`
	BootFile string `mapstructure:"boot_file"`
}

// FilesystemConfig describes where filesystem images land.
type FilesystemConfig struct {
	Path    string `mapstructure:"path"`
	MaxSize uint64 `mapstructure:"max_size"`
}

// UpdateConfig tunes the update engine.
type UpdateConfig struct {
	Policy       string        `mapstructure:"policy"`
	StaleAfter   time.Duration `mapstructure:"stale_after"`
	RestartDelay time.Duration `mapstructure:"restart_delay"`
}

// MQTTConfig enables progress publishing when Broker is set.
type MQTTConfig struct {
	Broker   string `mapstructure:"broker"`
	Topic    string `mapstructure:"topic"`
	ClientID string `mapstructure:"client_id"`
}

// EventsConfig sizes the in-process event hub.
type EventsConfig struct {
	Depth int `mapstructure:"depth"`
}

// TelemetryConfig enables OTLP export when Collector is set.
type TelemetryConfig struct {
	// Collector is the OTLP/HTTP base URL, e.g. http://localhost:4318.
	Collector string        `mapstructure:"collector"`
	Interval  time.Duration `mapstructure:"interval"`
}

// LogConfig selects the log level.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// NewDefaultConfig returns a configuration with sensible defaults
func NewDefaultConfig() *Config {
	return &Config{
		Listen: ListenConfig{
			HTTP:  DefaultHTTPAddr,
			Proto: fmt.Sprintf(":%d", DefaultProtoPort),
		},
		Flash: FlashConfig{
			Image:    "otad-flash.bin",
			Size:     ota.DefaultFlashSize,
			BootFile: "otad-boot.txt",
		},
		Filesystem: FilesystemConfig{
			Path: "otad-fs.img",
		},
		Update: UpdateConfig{
			Policy:       DefaultPolicy,
			StaleAfter:   DefaultStaleAfter,
			RestartDelay: DefaultRestartDelay,
		},
		MQTT: MQTTConfig{
			Topic:    DefaultProgressTopic,
			ClientID: DefaultClientID,
		},
		Events:    EventsConfig{Depth: DefaultEventDepth},
		Telemetry: TelemetryConfig{Interval: DefaultTelemetryInterval},
		Log:       LogConfig{Level: DefaultLogLevel},
	}
}

// Validate ensures the configuration is valid
func (c *Config) Validate() error {
	if c.Listen.HTTP == "" && c.Listen.Proto == "" {
		return ErrInvalidListen
	}
	if c.Flash.Image == "" {
		return ErrMissingFlashImage
	}
	if c.Flash.Size == 0 || c.Flash.Size%ota.SectorSize != 0 {
		return ErrInvalidFlashSize
	}
	if err := ota.DefaultLayout().Validate(c.Flash.Size); err != nil {
		return fmt.Errorf("config: flash of %d bytes cannot hold the partition layout: %w", c.Flash.Size, err)
	}
	if c.Filesystem.Path == "" {
		return ErrMissingFSPath
	}
	if _, err := update.ParsePolicy(c.Update.Policy); err != nil {
		return fmt.Errorf("%w: %q", ErrInvalidPolicy, c.Update.Policy)
	}
	if _, err := c.Log.SlogLevel(); err != nil {
		return err
	}
	if c.MQTT.Broker != "" && c.MQTT.Topic == "" {
		return ErrMissingTopic
	}
	if col := c.Telemetry.Collector; col != "" {
		u, err := url.Parse(col)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return fmt.Errorf("%w: %q", ErrInvalidCollector, col)
		}
	}
	return nil
}

// Policy returns the parsed overlap policy.
func (c *Config) Policy() update.Policy {
	p, _ := update.ParsePolicy(c.Update.Policy)
	return p
}

// SlogLevel parses the configured level.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("%w: %q", ErrInvalidLogLevel, l.Level)
	}
	return lvl, nil
}

// NewViper returns a viper instance carrying every default, bound to OTA_*
// environment variables ("flash.image" reads OTA_FLASH_IMAGE).
func NewViper() *viper.Viper {
	v := viper.New()
	d := NewDefaultConfig()
	v.SetDefault("listen.http", d.Listen.HTTP)
	v.SetDefault("listen.proto", d.Listen.Proto)
	v.SetDefault("flash.image", d.Flash.Image)
	v.SetDefault("flash.size", d.Flash.Size)
	v.SetDefault("flash.boot_file", d.Flash.BootFile)
	v.SetDefault("filesystem.path", d.Filesystem.Path)
	v.SetDefault("filesystem.max_size", d.Filesystem.MaxSize)
	v.SetDefault("update.policy", d.Update.Policy)
	v.SetDefault("update.stale_after", d.Update.StaleAfter)
	v.SetDefault("update.restart_delay", d.Update.RestartDelay)
	v.SetDefault("mqtt.broker", d.MQTT.Broker)
	v.SetDefault("mqtt.topic", d.MQTT.Topic)
	v.SetDefault("mqtt.client_id", d.MQTT.ClientID)
	v.SetDefault("events.depth", d.Events.Depth)
	v.SetDefault("telemetry.collector", d.Telemetry.Collector)
	v.SetDefault("telemetry.interval", d.Telemetry.Interval)
	v.SetDefault("log.level", d.Log.Level)

	v.SetEnvPrefix("OTA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

// Load reads cfgFile (if set, otherwise an optional otad.yaml in the working
// directory) through v and returns the validated configuration.
func Load(v *viper.Viper, cfgFile string) (*Config, error) {
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.AddConfigPath(".")
		v.SetConfigType("yaml")
		v.SetConfigName("otad")
	}
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if cfgFile != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("config: read %s: %w", v.ConfigFileUsed(), err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("config: decode: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
