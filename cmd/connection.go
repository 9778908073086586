// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"

	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/Thermoquad/exlink/pkg/config"
	"github.com/Thermoquad/exlink/pkg/exlink"
	"github.com/Thermoquad/exlink/pkg/session"
	"github.com/Thermoquad/exlink/pkg/simulator"
	"github.com/Thermoquad/exlink/pkg/snapshot"
	"github.com/Thermoquad/exlink/pkg/transport"
)

// GetPassword retrieves password from environment or prompts user
func GetPassword() (string, error) {
	// First check environment variable
	if pw := os.Getenv("EXLINK_PASSWORD"); pw != "" {
		return pw, nil
	}

	fmt.Fprint(os.Stderr, "Password: ")

	// Read password without echo
	passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
	if err != nil {
		// Fallback to regular input if terminal functions fail
		reader := bufio.NewReader(os.Stdin)
		password, err := reader.ReadString('\n')
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		fmt.Fprintln(os.Stderr)
		return strings.TrimSpace(password), nil
	}

	fmt.Fprintln(os.Stderr)
	return string(passwordBytes), nil
}

// loadRegistry returns the built-in tables merged with configured overlays
func loadRegistry(cfg *config.Config) (*exlink.Registry, error) {
	if len(cfg.Registry.Overlays) == 0 {
		return exlink.DefaultRegistry(), nil
	}
	readers := make([]io.Reader, 0, len(cfg.Registry.Overlays))
	for _, path := range cfg.Registry.Overlays {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("registry overlay: %w", err)
		}
		defer f.Close()
		readers = append(readers, f)
	}
	reg, err := exlink.LoadRegistry(readers...)
	if err != nil {
		return nil, fmt.Errorf("registry overlay: %w", err)
	}
	return reg, nil
}

// openerFor builds the opener for a configured device
func openerFor(reg *exlink.Registry, d config.DeviceConfig) (session.Opener, string, error) {
	switch d.Transport {
	case config.TransportSerial, "":
		s := transport.Serial{Port: d.Port, BaudRate: d.Baud}
		return s, s.String(), nil
	case config.TransportWebSocket:
		w := transport.WebSocket{URL: d.URL, Username: d.Username, Password: d.Password, SkipSSLVerify: d.SkipSSLVerify}
		if w.Username != "" && w.Password == "" {
			pw, err := GetPassword()
			if err != nil {
				return nil, "", err
			}
			w.Password = pw
		}
		return w, w.String(), nil
	case config.TransportTCP:
		t := transport.TCP{Address: d.Address}
		return t, t.String(), nil
	case config.TransportSimulator:
		return simulator.New(reg), "Simulator", nil
	}
	return nil, "", fmt.Errorf("unknown transport %q", d.Transport)
}

// flagDevice describes the device named by connection flags, if any
func flagDevice() (config.DeviceConfig, bool) {
	switch {
	case simulate:
		return config.DeviceConfig{ID: "simulator", Transport: config.TransportSimulator}, true
	case wsURL != "":
		return config.DeviceConfig{ID: "websocket", Transport: config.TransportWebSocket, URL: wsURL, Username: wsUsername, SkipSSLVerify: wsNoSSLVerify}, true
	case tcpAddress != "":
		return config.DeviceConfig{ID: "tcp", Transport: config.TransportTCP, Address: tcpAddress}, true
	case portName != "":
		return config.DeviceConfig{ID: "serial", Transport: config.TransportSerial, Port: portName, Baud: baudRate}, true
	}
	return config.DeviceConfig{}, false
}

// selectDevice picks the device a one-shot command talks to: connection
// flags first, then --device, then the only configured device
func selectDevice(cfg *config.Config) (config.DeviceConfig, error) {
	if d, ok := flagDevice(); ok {
		if deviceID != "" {
			d.ID = deviceID
		}
		return d, nil
	}
	if deviceID != "" {
		for _, d := range cfg.Devices {
			if d.ID == deviceID {
				return d, nil
			}
		}
		return config.DeviceConfig{}, fmt.Errorf("%s: %w", deviceID, session.ErrUnknownDevice)
	}
	if len(cfg.Devices) == 1 {
		return cfg.Devices[0], nil
	}
	if len(cfg.Devices) > 1 {
		return config.DeviceConfig{}, errors.New("several devices are configured, pick one with --device")
	}
	return config.DeviceConfig{}, errors.New("either --port, --url, --tcp, --simulate or a configured device must be specified")
}

// newManager builds a session manager from the loaded configuration
func newManager(reg *exlink.Registry, opts ...session.Option) *session.Manager {
	base := []session.Option{
		session.WithLogger(logger),
		session.WithTimeouts(appConfig.Timeouts.Session()),
	}
	return session.NewManager(reg, append(base, opts...)...)
}

// deviceConn is one device opened for a one-shot command
type deviceConn struct {
	mgr   *session.Manager
	sess  *session.Session
	info  string
	store *snapshot.Store
}

// openDevice activates the selected device, restoring its last snapshot
func openDevice() (*deviceConn, error) {
	reg, err := loadRegistry(appConfig)
	if err != nil {
		return nil, err
	}
	dev, err := selectDevice(appConfig)
	if err != nil {
		return nil, err
	}
	opener, info, err := openerFor(reg, dev)
	if err != nil {
		return nil, err
	}

	mgr := newManager(reg)
	sess, err := mgr.Activate(dev.ID, opener)
	if err != nil {
		return nil, err
	}
	dc := &deviceConn{mgr: mgr, sess: sess, info: info}

	if path := appConfig.Snapshot.Path; path != "" {
		store, err := snapshot.Open(path)
		if err != nil {
			logger.Warn("snapshot unavailable", zap.String("path", path), zap.Error(err))
		} else {
			dc.store = store
			if st, ok := store.Get(dev.ID); ok {
				sess.Restore(st)
			}
		}
	}
	return dc, nil
}

// Close saves the device state and closes the transport
func (dc *deviceConn) Close() {
	if dc.store != nil {
		if err := dc.store.Update(dc.sess.ID(), dc.sess.State()); err != nil {
			logger.Warn("snapshot not saved", zap.Error(err))
		}
	}
	if err := dc.mgr.Close(context.Background()); err != nil {
		logger.Warn("close failed", zap.Error(err))
	}
}
