// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/Thermoquad/exlink/pkg/exlink"
	"github.com/Thermoquad/exlink/pkg/session"
)

var (
	tableHeaderStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	unknownStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	staleStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	titleStyle       = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	warnStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
)

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// formatValue renders a decoded reply for humans
func formatValue(v exlink.Value) string {
	switch {
	case v.Family == exlink.FamilyPower:
		if v.Flag {
			return "ON"
		}
		return "OFF"
	case v.Tag != "":
		return v.Tag
	case v.Raw != nil:
		return exlink.HexString(v.Raw)
	case v.Family == exlink.FamilyMute:
		if v.Flag {
			return "ON"
		}
		return "OFF"
	}
	return fmt.Sprint(v.Number)
}

// printResult prints an operation result and returns its error
func printResult(res session.Result) error {
	if jsonOutput {
		if err := printJSON(res); err != nil {
			return err
		}
		return res.Err()
	}
	if !res.OK {
		return res.Err()
	}

	switch res.Op {
	case session.OpQuery:
		fmt.Printf("%s: %s\n", res.Value.Family, formatValue(*res.Value))
	case session.OpGroup:
		for _, m := range res.Members {
			status := "ok"
			if !m.OK {
				status = m.Error
			}
			fmt.Printf("%-22s %4d  %s\n", m.ID, m.Value, status)
		}
	case session.OpStatus:
		printState(res.Device, res.State)
	default:
		fmt.Printf("%s: acknowledged\n", res.ID)
	}
	return nil
}

func reading[T any](r session.Reading[T], format func(T) string) (string, string) {
	switch r.Status {
	case session.NeverQueried:
		return staleStyle.Render("-"), ""
	case session.Unknown:
		return unknownStyle.Render(exlink.UnknownTag), r.Updated.Format(time.TimeOnly)
	}
	return format(r.Value), r.Updated.Format(time.TimeOnly)
}

func onOff(b bool) string {
	if b {
		return "ON"
	}
	return "OFF"
}

func stateRows(st session.DeviceState) [][]string {
	row := func(name string, value, updated string) []string {
		return []string{name, value, updated}
	}
	str := func(s string) string { return s }
	num := func(n int) string { return fmt.Sprint(n) }

	var rows [][]string
	v, u := reading(st.Power, onOff)
	rows = append(rows, row("Power", v, u))
	v, u = reading(st.Input, str)
	rows = append(rows, row("Input", v, u))
	v, u = reading(st.Channel, num)
	rows = append(rows, row("Channel", v, u))
	v, u = reading(st.Volume, num)
	rows = append(rows, row("Volume", v, u))
	v, u = reading(st.Mute, onOff)
	rows = append(rows, row("Mute", v, u))
	v, u = reading(st.PictureMode, str)
	rows = append(rows, row("Picture Mode", v, u))
	v, u = reading(st.PictureSize, str)
	rows = append(rows, row("Picture Size", v, u))
	v, u = reading(st.SoundMode, str)
	rows = append(rows, row("Sound Mode", v, u))
	v, u = reading(st.ThreeD, exlink.HexString)
	rows = append(rows, row("3D", v, u))
	return rows
}

// printState prints a device state as a table
func printState(device string, st session.DeviceState) {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		Headers(device, "Value", "Updated").
		Rows(stateRows(st)...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return tableHeaderStyle.Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		})
	fmt.Println(t.String())
}
