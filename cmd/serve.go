// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Thermoquad/exlink/pkg/advertise"
	"github.com/Thermoquad/exlink/pkg/bridge"
	"github.com/Thermoquad/exlink/pkg/config"
	"github.com/Thermoquad/exlink/pkg/httpapi"
	"github.com/Thermoquad/exlink/pkg/metrics"
	"github.com/Thermoquad/exlink/pkg/poller"
	"github.com/Thermoquad/exlink/pkg/session"
	"github.com/Thermoquad/exlink/pkg/snapshot"
)

var listenAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve every configured set over HTTP and MQTT",
	Long: `Activate every configured device and serve it until interrupted.

Runs the HTTP API, the background status poller, the MQTT bridge when a
broker is configured and the mDNS announcement when http.advertise is set.
Device state is restored from and saved to the snapshot file when one is
configured.

Connection flags add one more device alongside the configured ones.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringVar(&listenAddr, "listen", "", "HTTP listen address (overrides http.addr)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg := appConfig
	devices := append([]config.DeviceConfig(nil), cfg.Devices...)
	if d, ok := flagDevice(); ok {
		if deviceID != "" {
			d.ID = deviceID
		}
		devices = append(devices, d)
	}
	if len(devices) == 0 {
		return errors.New("no devices configured")
	}

	reg, err := loadRegistry(cfg)
	if err != nil {
		return err
	}

	promReg := metrics.NewRegistry()
	m := metrics.New(promReg)
	mgr := newManager(reg, session.WithRecorder(m))

	var store *snapshot.Store
	if cfg.Snapshot.Path != "" {
		store, err = snapshot.Open(cfg.Snapshot.Path)
		if err != nil {
			return err
		}
		mgr.OnStateChange(func(id string, st session.DeviceState) {
			if err := store.Update(id, st); err != nil {
				logger.Warn("snapshot not saved", zap.String("device", id), zap.Error(err))
			}
		})
	}

	for _, d := range devices {
		opener, info, err := openerFor(reg, d)
		if err != nil {
			return fmt.Errorf("%s: %w", d.ID, err)
		}
		sess, err := mgr.Activate(d.ID, opener)
		if err != nil {
			return err
		}
		if store != nil {
			if st, ok := store.Get(d.ID); ok {
				sess.Restore(st)
			}
		}
		logger.Info("device registered", zap.String("device", d.ID), zap.String("connection", info))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Poll.Enabled {
		p := poller.New(mgr, cfg.Poll.Interval,
			poller.WithLogger(logger),
			poller.WithBurst(cfg.Poll.Burst),
			poller.WithObserver(m.Poll))
		go p.Run(ctx)
	}

	addr := cfg.HTTP.Addr
	if listenAddr != "" {
		addr = listenAddr
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", addr, err)
	}
	router := httpapi.NewRouter(mgr, httpapi.Options{
		Metrics: metrics.Handler(promReg),
		APIKeys: cfg.HTTP.APIKeys,
		Logger:  logger,
	})
	srv := httpapi.NewServer(addr, router)
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ln) }()
	logger.Info("http api listening", zap.String("addr", ln.Addr().String()))

	if cfg.HTTP.Advertise {
		port := ln.Addr().(*net.TCPAddr).Port
		adv, err := advertise.Register(cfg.HTTP.Instance, port, advertise.TXT(mgr.Devices(), rootCmd.Version))
		if err != nil {
			logger.Warn("mdns announcement failed", zap.Error(err))
		} else {
			defer adv.Shutdown()
			logger.Info("announced over mdns", zap.String("instance", cfg.HTTP.Instance), zap.Int("port", port))
		}
	}

	if cfg.MQTT.Enabled() {
		b := bridge.New(cfg.MQTT, mgr, logger)
		mgr.OnStateChange(b.PublishState)
		go func() {
			if err := b.Connect(ctx); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("mqtt bridge stopped", zap.Error(err))
			}
		}()
		defer b.Close()
	}

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err := <-serveErr:
		if err != nil {
			logger.Error("http api failed", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	return mgr.Close(shutdownCtx)
}
