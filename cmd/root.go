// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Thermoquad/exlink/pkg/config"
	"github.com/Thermoquad/exlink/pkg/logging"
)

var (
	// Serial connection flags
	portName string
	baudRate int

	// WebSocket connection flags
	wsURL         string
	wsUsername    string
	wsNoSSLVerify bool

	// TCP connection flags
	tcpAddress string

	// Host flags
	simulate   bool
	configPath string
	deviceID   string
	logLevel   string
	jsonOutput bool
)

var (
	appConfig *config.Config
	logger    = zap.NewNop()
)

var rootCmd = &cobra.Command{
	Use:   "exlink",
	Short: "Ex-Link serial control for television sets",
	Long: `exlink - control and monitor television sets over the Ex-Link serial protocol.

Runs one-shot commands against a single set, serves every configured set over
HTTP and MQTT, or opens an interactive remote.

Connection modes:
  Serial:    --port /dev/ttyUSB0 [--baud 9600]
  WebSocket: --url ws://host/path [--username user]
  TCP:       --tcp host:4001
  Simulated: --simulate
  Config:    --config exlink.yaml [--device lounge]

For WebSocket authentication, the password is read from the EXLINK_PASSWORD
environment variable, or prompted interactively if not set. The --password
flag is intentionally not provided to avoid leaking credentials in shell history.`,
	Version:           "1.0.0",
	SilenceUsage:      true,
	PersistentPreRunE: setup,
	PersistentPostRun: func(*cobra.Command, []string) {
		_ = logger.Sync()
	},
}

func init() {
	// Serial connection flags
	rootCmd.PersistentFlags().StringVarP(&portName, "port", "p", "", "Serial port device")
	rootCmd.PersistentFlags().IntVarP(&baudRate, "baud", "b", 9600, "Baud rate (serial only)")

	// WebSocket connection flags
	rootCmd.PersistentFlags().StringVarP(&wsURL, "url", "u", "", "WebSocket URL (ws:// or wss://)")
	rootCmd.PersistentFlags().StringVar(&wsUsername, "username", "", "Username for HTTP Basic auth")
	rootCmd.PersistentFlags().BoolVar(&wsNoSSLVerify, "no-ssl-verify", false, "Skip TLS certificate verification (wss:// only)")

	// TCP connection flags
	rootCmd.PersistentFlags().StringVar(&tcpAddress, "tcp", "", "Serial device server address (host:port)")

	// Host flags
	rootCmd.PersistentFlags().BoolVar(&simulate, "simulate", false, "Use an in-memory simulated set")
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Config file (default: ./exlink.yaml, then the user config dir)")
	rootCmd.PersistentFlags().StringVarP(&deviceID, "device", "d", "", "Configured device to use")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Print results as JSON")
}

// setup loads configuration and builds the logger before any command runs
func setup(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	switch {
	case logLevel != "":
		cfg.Logging.Level = logLevel
	case cmd.Name() != "serve":
		// one-shot commands keep stderr quiet unless asked
		cfg.Logging.Level = "warn"
	}
	// the TUI owns the terminal
	cfg.Logging.Quiet = cmd.Name() == "control"

	log, err := logging.New(cfg.Logging)
	if err != nil {
		return err
	}
	appConfig = cfg
	logger = log
	return nil
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}
