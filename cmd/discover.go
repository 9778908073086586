// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/exlink/pkg/advertise"
)

var discoverTimeout time.Duration

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Find exlink hosts announcing over mDNS",
	Long: `Browse the local network for hosts running 'exlink serve' with
http.advertise enabled and list their API address and devices.`,
	Args: cobra.NoArgs,
	RunE: runDiscover,
}

func init() {
	rootCmd.AddCommand(discoverCmd)
	discoverCmd.Flags().DurationVar(&discoverTimeout, "timeout", advertise.DefaultBrowseTimeout, "How long to listen for announcements")
}

func runDiscover(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if !jsonOutput {
		fmt.Printf("Browsing for %s hosts (%s)...\n\n", advertise.ServiceType, discoverTimeout)
	}
	hosts, err := advertise.Browse(ctx, discoverTimeout)
	if err != nil {
		return err
	}
	if jsonOutput {
		return printJSON(hosts)
	}

	if len(hosts) == 0 {
		fmt.Println(warnStyle.Render("No hosts found"))
		return nil
	}
	for _, h := range hosts {
		fmt.Printf("%s\n", titleStyle.Render(h.Instance))
		fmt.Printf("  API:     %s\n", h.URL())
		fmt.Printf("  Version: %s\n", h.Version)
		fmt.Printf("  Devices: %s\n", strings.Join(h.Devices, ", "))
		fmt.Println()
	}
	fmt.Printf("%d host(s) found\n", len(hosts))
	return nil
}
