// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"fmt"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Thermoquad/exlink/pkg/exlink"
	"github.com/Thermoquad/exlink/pkg/session"
)

var queryCmd = &cobra.Command{
	Use:   "query <family>",
	Short: "Query one state family (power, volume, mute, channel, input, ...)",
	Long: `Send the query for a state family and print the decoded reply.

Families: POWER, VOLUME, MUTE, CHANNEL, INPUT, PICTURE_SIZE, PICTURE_MODE,
SOUND_MODE, 3D_STATE. Names are case-insensitive.

A powered-off set does not answer; the power query reports OFF after the
short power timeout instead of failing.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOp(session.Command{Op: session.OpQuery, ID: args[0]})
	},
}

var setCmd = &cobra.Command{
	Use:   "set <command> <value>",
	Short: "Send an integer setting (Volume, Channel, Brightness, ...)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		value, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("value %q: %w", args[1], exlink.ErrInvalidParameter)
		}
		return runOp(session.Command{Op: session.OpSet, ID: args[0], Value: &value})
	},
}

var enumCmd = &cobra.Command{
	Use:   "enum <command>",
	Short: "Send an enumerated setting (Input.HDMI1, PowerOff, ...)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOp(session.Command{Op: session.OpEnum, ID: args[0]})
	},
}

var pressCmd = &cobra.Command{
	Use:   "press <button>",
	Short: "Press a remote control button (MENU, VOLUP, ...)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runOp(session.Command{Op: session.OpPress, ID: args[0]})
	},
}

var groupCmd = &cobra.Command{
	Use:   "group <group> name=value...",
	Short: "Apply several integer settings of a group (WhiteBalance, SoundEQ)",
	Long: `Apply the members of a group in their declared order.

Each member is acknowledged on its own. A member that fails or has no value
is reported and skipped; the others are still sent.

Example:
  exlink group SoundEQ SoundEQ100Hz=12 SoundEQ1kHz=8`,
	Args: cobra.MinimumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		values, err := parseAssignments(args[1:])
		if err != nil {
			return err
		}
		return runOp(session.Command{Op: session.OpGroup, ID: args[0], Values: values})
	},
}

func init() {
	rootCmd.AddCommand(queryCmd, setCmd, enumCmd, pressCmd, groupCmd)
}

func parseAssignments(args []string) (map[string]int, error) {
	values := make(map[string]int, len(args))
	for _, arg := range args {
		name, raw, ok := strings.Cut(arg, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("%q is not name=value: %w", arg, exlink.ErrInvalidParameter)
		}
		v, err := strconv.Atoi(raw)
		if err != nil {
			return nil, fmt.Errorf("%s value %q: %w", name, raw, exlink.ErrInvalidParameter)
		}
		values[name] = v
	}
	return values, nil
}

// runOp executes one command against the selected device
func runOp(c session.Command) error {
	dc, err := openDevice()
	if err != nil {
		return err
	}
	defer dc.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return printResult(dc.sess.Execute(ctx, c))
}
