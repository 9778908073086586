// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/Thermoquad/exlink/pkg/exlink"
	"github.com/Thermoquad/exlink/pkg/session"
	"github.com/Thermoquad/exlink/pkg/transport"
)

var (
	errorsOnly    bool
	statsInterval int
)

var monitorCmd = &cobra.Command{
	Use:   "monitor",
	Short: "Passively decode Ex-Link traffic on a tapped line",
	Long: `Continuously decode and display Ex-Link frames as they arrive.

Listens without sending anything, so it can sit on a line tapped between an
existing controller and a set. Commands are named from the command table,
data frames are resolved against every reply family.

Decode errors are ignored until the first valid frame, when the decoder is
synchronised. Statistics are printed at --stats-interval and on exit.`,
	Args: cobra.NoArgs,
	RunE: runMonitor,
}

func init() {
	rootCmd.AddCommand(monitorCmd)
	monitorCmd.Flags().BoolVar(&errorsOnly, "errors-only", false, "Only show malformed frames")
	monitorCmd.Flags().IntVar(&statsInterval, "stats-interval", 30, "Statistics interval in seconds (0 disables)")
}

func runMonitor(cmd *cobra.Command, args []string) error {
	reg, err := loadRegistry(appConfig)
	if err != nil {
		return err
	}
	dev, err := selectDevice(appConfig)
	if err != nil {
		return err
	}
	opener, info, err := openerFor(reg, dev)
	if err != nil {
		return err
	}
	port, err := opener.Open()
	if err != nil {
		return fmt.Errorf("%w: %v", session.ErrTransportUnavailable, err)
	}
	defer port.Close()
	if err := port.SetReadTimeout(200 * time.Millisecond); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Printf("exlink - Line Monitor\n")
	fmt.Printf("Connection: %s\n", info)
	if errorsOnly {
		fmt.Printf("Mode: Errors only\n")
	} else {
		fmt.Printf("Mode: All frames\n")
	}
	fmt.Printf("Press Ctrl+C to exit\n\n")

	decoder := exlink.NewDecoder()
	stats := exlink.NewStatistics()
	defer func() { fmt.Print("\n" + stats.String()) }()

	var tick <-chan time.Time
	if statsInterval > 0 {
		ticker := time.NewTicker(time.Duration(statsInterval) * time.Second)
		defer ticker.Stop()
		tick = ticker.C
	}

	// Sync tracking - ignore decode errors until first valid frame
	synchronized := false
	buf := make([]byte, 128)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tick:
			fmt.Print(stats.String())
		default:
		}

		n, err := port.Read(buf)
		if err != nil {
			if errors.Is(err, transport.ErrConnectionClosed) {
				logger.Info("connection closed")
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}
		if n == 0 {
			time.Sleep(10 * time.Millisecond)
			continue
		}

		for i := 0; i < n; i++ {
			frame, decodeErr := decoder.DecodeByte(buf[i])
			if decodeErr != nil {
				if !synchronized {
					continue
				}
				stats.Update(reg, nil, decodeErr)
				timestamp := time.Now().Format("15:04:05.000")
				fmt.Printf("[%s] \033[1;31mDECODE ERROR:\033[0m %v\n", timestamp, decodeErr)
				continue
			}
			if frame == nil {
				continue
			}
			if !synchronized {
				synchronized = true
				logger.Debug("synchronized", zap.Int("skipped_bytes", decoder.Skipped()))
			}
			stats.Update(reg, frame, nil)
			if !errorsOnly {
				fmt.Println(exlink.FormatFrame(reg, frame))
			}
		}
	}
}
