// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/exlink/pkg/exlink"
	"github.com/Thermoquad/exlink/pkg/session"
	"github.com/Thermoquad/exlink/pkg/snapshot"
)

var pingTimeout int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Run a full status request and print the device state",
	Long: `Query power and, when the set is on, input, channel (on the TV input),
volume, mute, picture mode, picture size, 3D and sound mode.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOp(session.Command{Op: session.OpStatus})
	},
}

var stateCmd = &cobra.Command{
	Use:   "state [device...]",
	Short: "Print the last saved state without talking to the set",
	Args:  cobra.ArbitraryArgs,
	RunE:  runState,
}

var pingCmd = &cobra.Command{
	Use:   "ping",
	Short: "Check whether the set is powered on",
	Long: `Send the power query and report whether the set answered.

Exit codes:
  0 - Set is on
  1 - Set is off (no answer within the power timeout)
  2 - Connection error`,
	Args: cobra.NoArgs,
	RunE: runPing,
}

func init() {
	rootCmd.AddCommand(statusCmd, stateCmd, pingCmd)
	pingCmd.Flags().IntVar(&pingTimeout, "timeout", 5, "Overall timeout in seconds")
}

func runState(cmd *cobra.Command, args []string) error {
	path := appConfig.Snapshot.Path
	if path == "" {
		return errors.New("no snapshot path configured (snapshot.path)")
	}
	store, err := snapshot.Open(path)
	if err != nil {
		return err
	}

	states := store.All()
	ids := args
	if len(ids) == 0 {
		for id := range states {
			ids = append(ids, id)
		}
		sort.Strings(ids)
	}

	if jsonOutput {
		out := make(map[string]session.DeviceState, len(ids))
		for _, id := range ids {
			if st, ok := states[id]; ok {
				out[id] = st
			}
		}
		return printJSON(out)
	}
	for _, id := range ids {
		st, ok := states[id]
		if !ok {
			fmt.Fprintf(os.Stderr, "%s: no saved state\n", id)
			continue
		}
		printState(id, st)
	}
	return nil
}

func runPing(cmd *cobra.Command, args []string) error {
	dc, err := openDevice()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Duration(pingTimeout)*time.Second)
	defer cancel()

	fmt.Printf("Connection: %s\n", dc.info)
	start := time.Now()
	v, err := dc.sess.Query(ctx, exlink.FamilyPower)
	elapsed := time.Since(start)
	dc.Close()

	if err != nil {
		fmt.Fprintf(os.Stderr, "Connection error: %v\n", err)
		os.Exit(2)
	}
	if !v.Flag {
		fmt.Printf("Set is OFF (no answer after %s)\n", elapsed.Round(time.Millisecond))
		os.Exit(1)
	}
	fmt.Printf("Set is ON (answered in %s)\n", elapsed.Round(time.Millisecond))
	return nil
}
