// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/exlink/pkg/session"
)

var controlCmd = &cobra.Command{
	Use:   "control",
	Short: "Interactive remote for one set",
	Long: `Control a set from an interactive terminal UI.

The left panel lists every remote key and enum option in the command table.
Enter sends the selected entry. The right panel shows the last known state,
refreshed in the background, and a volume field.

Keys:
  Tab/Shift+Tab  switch between key list, volume field and Set button
  +/-            volume up/down
  m              mute
  r              refresh status now
  q              quit

Supports serial, WebSocket, TCP and simulated connections.`,
	Args: cobra.NoArgs,
	RunE: runControl,
}

func init() {
	rootCmd.AddCommand(controlCmd)
}

func runControl(cmd *cobra.Command, args []string) error {
	dc, err := openDevice()
	if err != nil {
		return err
	}
	defer dc.Close()

	m := initialControlModel(dc)

	// Create TUI program with alt screen and mouse support
	p := tea.NewProgram(m, tea.WithAltScreen(), tea.WithMouseCellMotion())
	dc.mgr.OnStateChange(func(_ string, _ session.DeviceState) {
		p.Send(stateChangedMsg{})
	})

	if _, err := p.Run(); err != nil {
		return fmt.Errorf("TUI error: %v", err)
	}
	return nil
}
