// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package config loads the host configuration: the devices to register,
// transaction timeouts, the status poller, the HTTP API, the MQTT bridge,
// logging and the snapshot store.
//
// Values come from a YAML, TOML or JSON file, overridden by EXLINK_*
// environment variables (dots become underscores, so http.addr is
// EXLINK_HTTP_ADDR).
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/Thermoquad/exlink/pkg/exlink"
	"github.com/Thermoquad/exlink/pkg/logging"
	"github.com/Thermoquad/exlink/pkg/session"
)

// EnvPrefix is prepended to every environment override
const EnvPrefix = "EXLINK"

// Transport kinds accepted in DeviceConfig.Transport
const (
	TransportSerial    = "serial"
	TransportWebSocket = "websocket"
	TransportTCP       = "tcp"
	TransportSimulator = "simulator"
)

// DeviceConfig registers one set
type DeviceConfig struct {
	ID            string `mapstructure:"id"`
	Transport     string `mapstructure:"transport"`
	Port          string `mapstructure:"port"`
	Baud          int    `mapstructure:"baud"`
	URL           string `mapstructure:"url"`
	Username      string `mapstructure:"username"`
	Password      string `mapstructure:"password"`
	SkipSSLVerify bool   `mapstructure:"skip_ssl_verify"`
	Address       string `mapstructure:"address"`
}

// TimeoutConfig mirrors session.Timeouts
type TimeoutConfig struct {
	Ack      time.Duration `mapstructure:"ack"`
	PowerAck time.Duration `mapstructure:"power_ack"`
	Data     time.Duration `mapstructure:"data"`
	Drain    time.Duration `mapstructure:"drain"`
}

// Session converts to the engine's timeout set
func (t TimeoutConfig) Session() session.Timeouts {
	return session.Timeouts{Ack: t.Ack, PowerAck: t.PowerAck, Data: t.Data, Drain: t.Drain}
}

// PollConfig paces the background status request
type PollConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Interval time.Duration `mapstructure:"interval"`
	Burst    int           `mapstructure:"burst"`
}

// HTTPConfig configures the HTTP API and its mDNS advertisement
type HTTPConfig struct {
	Addr      string   `mapstructure:"addr"`
	Advertise bool     `mapstructure:"advertise"`
	Instance  string   `mapstructure:"instance"`
	APIKeys   []string `mapstructure:"api_keys"`
}

// MQTTConfig configures the state bridge. An empty broker disables it.
type MQTTConfig struct {
	Broker   string `mapstructure:"broker"`
	ClientID string `mapstructure:"client_id"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Prefix   string `mapstructure:"prefix"`
	QoS      byte   `mapstructure:"qos"`
}

// Enabled reports whether a broker is configured
func (m MQTTConfig) Enabled() bool {
	return m.Broker != ""
}

// SnapshotConfig points at the CBOR state file. An empty path disables it.
type SnapshotConfig struct {
	Path string `mapstructure:"path"`
}

// RegistryConfig lists registry overlay files merged over the built-in table
type RegistryConfig struct {
	Overlays []string `mapstructure:"overlays"`
}

// Config is the top-level configuration
type Config struct {
	Devices  []DeviceConfig `mapstructure:"devices"`
	Timeouts TimeoutConfig  `mapstructure:"timeouts"`
	Poll     PollConfig     `mapstructure:"poll"`
	HTTP     HTTPConfig     `mapstructure:"http"`
	MQTT     MQTTConfig     `mapstructure:"mqtt"`
	Logging  logging.Config `mapstructure:"logging"`
	Snapshot SnapshotConfig `mapstructure:"snapshot"`
	Registry RegistryConfig `mapstructure:"registry"`
}

func setDefaults(v *viper.Viper) {
	d := session.DefaultTimeouts()
	v.SetDefault("timeouts.ack", d.Ack)
	v.SetDefault("timeouts.power_ack", d.PowerAck)
	v.SetDefault("timeouts.data", d.Data)
	v.SetDefault("timeouts.drain", d.Drain)

	v.SetDefault("poll.enabled", true)
	v.SetDefault("poll.interval", 30*time.Second)
	v.SetDefault("poll.burst", 1)

	v.SetDefault("http.addr", ":8321")
	v.SetDefault("http.advertise", false)
	v.SetDefault("http.instance", "exlink")
	v.SetDefault("http.api_keys", []string{})

	v.SetDefault("mqtt.broker", "")
	v.SetDefault("mqtt.client_id", "exlink")
	v.SetDefault("mqtt.username", "")
	v.SetDefault("mqtt.password", "")
	v.SetDefault("mqtt.prefix", "exlink")
	v.SetDefault("mqtt.qos", 1)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "console")
	v.SetDefault("logging.file", "")
	v.SetDefault("logging.max_size_mb", 10)
	v.SetDefault("logging.max_backups", 3)
	v.SetDefault("logging.max_age_days", 28)
	v.SetDefault("logging.compress", false)

	v.SetDefault("snapshot.path", "")
	v.SetDefault("registry.overlays", []string{})
}

// Load reads the file at path, or searches ./exlink.*, the user config
// directory and /etc/exlink when path is empty. A missing searched file is
// not an error; a missing explicit file is.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path == "" {
		path = os.Getenv(EnvPrefix + "_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("exlink")
		v.AddConfigPath(".")
		if dir, err := os.UserConfigDir(); err == nil {
			v.AddConfigPath(filepath.Join(dir, "exlink"))
		}
		v.AddConfigPath("/etc/exlink")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks device entries and numeric settings
func (c *Config) Validate() error {
	seen := make(map[string]bool, len(c.Devices))
	for i, d := range c.Devices {
		if d.ID == "" {
			return fmt.Errorf("devices[%d]: id is required", i)
		}
		if seen[d.ID] {
			return fmt.Errorf("devices[%d]: duplicate id %q", i, d.ID)
		}
		seen[d.ID] = true
		if err := d.Validate(); err != nil {
			return fmt.Errorf("devices[%d] %q: %w", i, d.ID, err)
		}
	}
	if c.Poll.Enabled && c.Poll.Interval <= 0 {
		return fmt.Errorf("poll.interval must be positive, got %s", c.Poll.Interval)
	}
	if c.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS)
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	return nil
}

// Validate checks that the fields the transport needs are present
func (d DeviceConfig) Validate() error {
	switch d.Transport {
	case TransportSerial, "":
		if d.Port == "" {
			return errors.New("serial transport requires port")
		}
		if d.Baud != 0 && d.Baud != exlink.BaudRate {
			return fmt.Errorf("baud must be %d, got %d", exlink.BaudRate, d.Baud)
		}
	case TransportWebSocket:
		if d.URL == "" {
			return errors.New("websocket transport requires url")
		}
	case TransportTCP:
		if d.Address == "" {
			return errors.New("tcp transport requires address")
		}
	case TransportSimulator:
	default:
		return fmt.Errorf("unknown transport %q", d.Transport)
	}
	return nil
}
