// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/exlink/pkg/logging"
	"github.com/Thermoquad/exlink/pkg/session"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

const sample = `
devices:
  - id: lounge
    transport: serial
    port: /dev/ttyUSB0
  - id: bedroom
    transport: tcp
    address: 192.168.1.40:4001
timeouts:
  ack: 2s
  power_ack: 250ms
poll:
  interval: 1m
http:
  api_keys: [k1, k2]
mqtt:
  broker: tcp://localhost:1883
logging:
  level: debug
`

func TestLoad_File(t *testing.T) {
	cfg, err := Load(writeFile(t, "exlink.yaml", sample))
	require.NoError(t, err)

	require.Len(t, cfg.Devices, 2)
	assert.Equal(t, "lounge", cfg.Devices[0].ID)
	assert.Equal(t, "/dev/ttyUSB0", cfg.Devices[0].Port)
	assert.Equal(t, TransportTCP, cfg.Devices[1].Transport)

	assert.Equal(t, 2*time.Second, cfg.Timeouts.Ack)
	assert.Equal(t, 250*time.Millisecond, cfg.Timeouts.PowerAck)
	assert.Equal(t, session.DefaultTimeouts().Data, cfg.Timeouts.Data)
	assert.Equal(t, time.Minute, cfg.Poll.Interval)
	assert.True(t, cfg.Poll.Enabled)
	assert.True(t, cfg.MQTT.Enabled())
	assert.Equal(t, "exlink", cfg.MQTT.Prefix)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, ":8321", cfg.HTTP.Addr)
	assert.Equal(t, []string{"k1", "k2"}, cfg.HTTP.APIKeys)
}

func TestLoad_TimeoutsConvert(t *testing.T) {
	cfg, err := Load(writeFile(t, "exlink.yaml", sample))
	require.NoError(t, err)

	got := cfg.Timeouts.Session()
	assert.Equal(t, 2*time.Second, got.Ack)
	assert.Equal(t, 250*time.Millisecond, got.PowerAck)
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("EXLINK_HTTP_ADDR", "127.0.0.1:9000")
	t.Setenv("EXLINK_MQTT_PREFIX", "house/tv")

	cfg, err := Load(writeFile(t, "exlink.yaml", sample))
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9000", cfg.HTTP.Addr)
	assert.Equal(t, "house/tv", cfg.MQTT.Prefix)
}

func TestLoad_SearchedFileMissing(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })
	t.Setenv("XDG_CONFIG_HOME", dir)
	t.Setenv("HOME", dir)

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Empty(t, cfg.Devices)
	assert.Equal(t, 30*time.Second, cfg.Poll.Interval)
}

func TestLoad_ExplicitFileMissing(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		devices []DeviceConfig
		wantErr string
	}{
		{"ok", []DeviceConfig{{ID: "a", Port: "/dev/ttyS0"}, {ID: "b", Transport: TransportSimulator}}, ""},
		{"missing id", []DeviceConfig{{Transport: TransportSimulator}}, "id is required"},
		{"duplicate", []DeviceConfig{{ID: "a", Transport: TransportSimulator}, {ID: "a", Transport: TransportSimulator}}, "duplicate id"},
		{"serial without port", []DeviceConfig{{ID: "a", Transport: TransportSerial}}, "requires port"},
		{"wrong baud", []DeviceConfig{{ID: "a", Port: "/dev/ttyS0", Baud: 115200}}, "baud must be 9600"},
		{"websocket without url", []DeviceConfig{{ID: "a", Transport: TransportWebSocket}}, "requires url"},
		{"tcp without address", []DeviceConfig{{ID: "a", Transport: TransportTCP}}, "requires address"},
		{"unknown transport", []DeviceConfig{{ID: "a", Transport: "ir"}}, "unknown transport"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Config{Devices: tt.devices, Poll: PollConfig{Interval: time.Second}}
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestValidate_Settings(t *testing.T) {
	cfg := Config{Poll: PollConfig{Enabled: true}}
	assert.ErrorContains(t, cfg.Validate(), "poll.interval")

	cfg = Config{MQTT: MQTTConfig{QoS: 3}}
	assert.ErrorContains(t, cfg.Validate(), "mqtt.qos")

	cfg = Config{Logging: logging.Config{Level: "loud"}}
	assert.ErrorContains(t, cfg.Validate(), "logging.level")
}
