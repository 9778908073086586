// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"fmt"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/Thermoquad/exlink/pkg/exlink"
)

var commandsCategory string

var commandsCmd = &cobra.Command{
	Use:   "commands",
	Short: "List the commands, groups and query families the set understands",
	Args:  cobra.NoArgs,
	RunE:  runCommands,
}

func init() {
	rootCmd.AddCommand(commandsCmd)
	commandsCmd.Flags().StringVar(&commandsCategory, "category", "", "Only list one category: query, integer, enum, button")
}

func runCommands(cmd *cobra.Command, args []string) error {
	reg, err := loadRegistry(appConfig)
	if err != nil {
		return err
	}

	cats := []exlink.Category{exlink.CategoryQuery, exlink.CategoryInteger, exlink.CategoryEnum, exlink.CategoryButton}
	if commandsCategory != "" {
		c, err := exlink.ParseCategory(commandsCategory)
		if err != nil {
			return err
		}
		cats = []exlink.Category{c}
	}

	if jsonOutput {
		out := map[string][]string{}
		for _, c := range cats {
			for _, spec := range reg.Commands(c) {
				out[c.String()] = append(out[c.String()], spec.ID)
			}
		}
		return printJSON(out)
	}

	var rows [][]string
	for _, c := range cats {
		for _, spec := range reg.Commands(c) {
			rows = append(rows, []string{spec.ID, c.String(), describeSpec(spec)})
		}
	}
	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("Command", "Category", "Details").
		Rows(rows...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return tableHeaderStyle.Padding(0, 1)
			}
			return lipgloss.NewStyle().Padding(0, 1)
		})
	fmt.Println(t.String())

	if commandsCategory == "" {
		for _, g := range reg.Groups() {
			fmt.Printf("Group %s: %v\n", g.Name, g.Members)
		}
	}
	return nil
}

func describeSpec(spec *exlink.CommandSpec) string {
	var d string
	switch spec.Category {
	case exlink.CategoryQuery:
		d = "family " + string(spec.Family)
	case exlink.CategoryInteger:
		d = fmt.Sprintf("%d..%d", spec.Min, spec.Max)
		if spec.Group != "" {
			d += ", group " + spec.Group
		}
	case exlink.CategoryEnum:
		if spec.Group != "" {
			d = fmt.Sprintf("%s: %s", spec.Group, spec.Label)
		}
		if spec.OneShot {
			d += " (one-shot)"
		}
	}
	if spec.Refresh != "" {
		d += fmt.Sprintf(" -> %s", spec.Refresh)
	}
	return d
}
