// SPDX-License-Identifier: GPL-2.0-or-later
// Copyright (c) 2025 Kaz Walker, Thermoquad

package cmd

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/list"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/Thermoquad/exlink/pkg/exlink"
	"github.com/Thermoquad/exlink/pkg/session"
)

//////////////////////////////////////////////////////////////
// Constants
//////////////////////////////////////////////////////////////

const (
	refreshIntervalSeconds = 10 // Background status refresh every N seconds
	commandTimeout         = 30 * time.Second
	maxLogEntries          = 100
)

// Focus states
const (
	focusKeyList = iota
	focusVolumeInput
	focusButton
)

//////////////////////////////////////////////////////////////
// Types
//////////////////////////////////////////////////////////////

// remoteKey is one sendable entry of the key list
type remoteKey struct {
	spec *exlink.CommandSpec
}

// Implement list.Item interface
func (k remoteKey) Title() string { return k.spec.ID }
func (k remoteKey) Description() string {
	if k.spec.Category == exlink.CategoryEnum {
		return fmt.Sprintf("%s: %s", k.spec.Group, k.spec.Label)
	}
	return k.spec.Category.String()
}
func (k remoteKey) FilterValue() string { return k.spec.ID }

type logEntry struct {
	timestamp time.Time
	message   string
	isError   bool
}

// controlModel is the Bubble Tea model for the remote
type controlModel struct {
	conn *deviceConn

	keyList list.Model
	state   session.DeviceState

	volumeInput  textinput.Model
	focusedField int

	eventLog []logEntry

	// UI state
	width       int
	height      int
	quitting    bool
	pending     int
	lastRefresh time.Time
}

//////////////////////////////////////////////////////////////
// Messages
//////////////////////////////////////////////////////////////

type controlTickMsg time.Time

type stateChangedMsg struct{}

type resultMsg struct {
	result session.Result
}

type refreshMsg struct {
	err error
}

//////////////////////////////////////////////////////////////
// Model Initialization
//////////////////////////////////////////////////////////////

func initialControlModel(dc *deviceConn) controlModel {
	ti := textinput.New()
	ti.Placeholder = "25"
	ti.CharLimit = 3
	ti.Width = 6

	reg := dc.sess.Registry()
	var items []list.Item
	for _, spec := range reg.Commands(exlink.CategoryButton) {
		items = append(items, remoteKey{spec: spec})
	}
	for _, spec := range reg.Commands(exlink.CategoryEnum) {
		items = append(items, remoteKey{spec: spec})
	}

	delegate := list.NewDefaultDelegate()
	delegate.ShowDescription = true
	delegate.SetHeight(2)
	keyList := list.New(items, delegate, 30, 10)
	keyList.Title = "Keys"
	keyList.SetShowStatusBar(false)
	keyList.SetShowHelp(false)
	keyList.SetFilteringEnabled(false)

	return controlModel{
		conn:         dc,
		keyList:      keyList,
		state:        dc.sess.State(),
		volumeInput:  ti,
		focusedField: focusKeyList,
		width:        80,
		height:       24,
	}
}

//////////////////////////////////////////////////////////////
// Bubble Tea Interface
//////////////////////////////////////////////////////////////

func (m controlModel) Init() tea.Cmd {
	return tea.Batch(controlTickCmd(), m.refreshCmd())
}

func controlTickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return controlTickMsg(t)
	})
}

func (m controlModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd

	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyMsg(msg)

	case tea.MouseMsg:
		if msg.Action == tea.MouseActionRelease && msg.Button == tea.MouseButtonLeft {
			m.keyList, _ = m.keyList.Update(msg)
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.updateListSize()

	case controlTickMsg:
		if time.Since(m.lastRefresh) >= refreshIntervalSeconds*time.Second {
			return m, tea.Batch(controlTickCmd(), m.refreshCmd())
		}
		return m, controlTickCmd()

	case stateChangedMsg:
		m.state = m.conn.sess.State()

	case resultMsg:
		m.pending--
		m.state = msg.result.State
		m.logResult(msg.result)

	case refreshMsg:
		m.lastRefresh = time.Now()
		m.state = m.conn.sess.State()
		// Busy means a key press holds the line; the next tick retries
		if msg.err != nil && !errors.Is(msg.err, session.ErrBusy) {
			m.addLogEntry(fmt.Sprintf("Status refresh failed: %v", msg.err), true)
		}
	}

	var cmd tea.Cmd
	if m.focusedField == focusVolumeInput {
		m.volumeInput, cmd = m.volumeInput.Update(msg)
		cmds = append(cmds, cmd)
	}
	if m.focusedField == focusKeyList {
		m.keyList, cmd = m.keyList.Update(msg)
		cmds = append(cmds, cmd)
	}

	return m, tea.Batch(cmds...)
}

func (m *controlModel) handleKeyMsg(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		m.quitting = true
		return m, tea.Quit

	case "tab":
		return m.cycleFocus(1), nil

	case "shift+tab":
		return m.cycleFocus(-1), nil

	case "enter":
		return m.handleEnter()
	}

	// Shortcuts only apply outside the volume field
	if m.focusedField != focusVolumeInput {
		switch msg.String() {
		case "q":
			m.quitting = true
			return m, tea.Quit
		case "+", "=":
			return m, m.send(session.Command{Op: session.OpPress, ID: "VOLUP"})
		case "-":
			return m, m.send(session.Command{Op: session.OpPress, ID: "VOLDOWN"})
		case "m":
			return m, m.send(session.Command{Op: session.OpPress, ID: "MUTE"})
		case "r":
			return m, m.refreshCmd()
		}
	}

	var cmd tea.Cmd
	switch m.focusedField {
	case focusKeyList:
		m.keyList, cmd = m.keyList.Update(msg)
	case focusVolumeInput:
		m.volumeInput, cmd = m.volumeInput.Update(msg)
	}
	return m, cmd
}

func (m *controlModel) cycleFocus(delta int) *controlModel {
	n := focusButton + 1
	m.focusedField = (m.focusedField + delta + n) % n

	if m.focusedField == focusVolumeInput {
		m.volumeInput.Focus()
	} else {
		m.volumeInput.Blur()
	}
	return m
}

func (m *controlModel) handleEnter() (tea.Model, tea.Cmd) {
	switch m.focusedField {
	case focusKeyList:
		key, ok := m.keyList.SelectedItem().(remoteKey)
		if !ok {
			return m, nil
		}
		op := session.OpPress
		if key.spec.Category == exlink.CategoryEnum {
			op = session.OpEnum
		}
		return m, m.send(session.Command{Op: op, ID: key.spec.ID})

	case focusVolumeInput, focusButton:
		value, err := strconv.Atoi(strings.TrimSpace(m.volumeInput.Value()))
		if err != nil {
			m.addLogEntry(fmt.Sprintf("Invalid volume %q", m.volumeInput.Value()), true)
			return m, nil
		}
		return m, m.send(session.Command{Op: session.OpSet, ID: "Volume", Value: &value})
	}
	return m, nil
}

// send runs a command off the UI goroutine
func (m *controlModel) send(c session.Command) tea.Cmd {
	m.pending++
	m.addLogEntry(fmt.Sprintf("Sending %s %s", c.Op, c.ID), false)
	sess := m.conn.sess
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		return resultMsg{result: sess.Execute(ctx, c)}
	}
}

// refreshCmd asks for a full status without waiting for a busy line
func (m controlModel) refreshCmd() tea.Cmd {
	sess := m.conn.sess
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
		defer cancel()
		_, err := sess.TryRefreshStatus(ctx)
		return refreshMsg{err: err}
	}
}

func (m controlModel) View() string {
	if m.quitting {
		return "Shutting down...\n"
	}

	var s strings.Builder

	// Styles
	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("12")).
		Background(lipgloss.Color("235")).
		Padding(0, 1)

	headerStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241"))

	labelStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("12")).
		Bold(true)

	valueStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("10"))

	boxStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1)

	focusedBoxStyle := boxStyle.
		BorderForeground(lipgloss.Color("12"))

	buttonStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("0")).
		Background(lipgloss.Color("12")).
		Padding(0, 2)

	focusedButtonStyle := buttonStyle.
		Background(lipgloss.Color("10"))

	// Header
	s.WriteString(titleStyle.Render("EXLINK REMOTE"))
	s.WriteString(" ")
	busy := ""
	if m.pending > 0 {
		busy = " | " + warnStyle.Render("sending...")
	}
	s.WriteString(headerStyle.Render(fmt.Sprintf("| %s | %s | q=quit Tab=switch", m.conn.sess.ID(), m.conn.info)))
	s.WriteString(busy)
	s.WriteString("\n\n")

	// Layout: left panel (keys) | right panel (state)
	leftWidth := 30
	rightWidth := m.width - leftWidth - 6
	if rightWidth < 30 {
		rightWidth = 30
	}

	listStyle := boxStyle.Width(leftWidth)
	if m.focusedField == focusKeyList {
		listStyle = focusedBoxStyle.Width(leftWidth)
	}
	keyPanel := listStyle.Render(m.keyList.View())

	statePanel := boxStyle.Width(rightWidth).Render(
		m.renderStatePanel(labelStyle, valueStyle, headerStyle, buttonStyle, focusedButtonStyle))

	s.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, keyPanel, " ", statePanel))
	s.WriteString("\n\n")

	s.WriteString(m.renderEventLog(labelStyle, headerStyle, boxStyle))
	return s.String()
}

//////////////////////////////////////////////////////////////
// View Helpers
//////////////////////////////////////////////////////////////

func (m controlModel) renderStatePanel(labelStyle, valueStyle, headerStyle, buttonStyle, focusedButtonStyle lipgloss.Style) string {
	var s strings.Builder

	s.WriteString(labelStyle.Render("STATE"))
	s.WriteString("\n")
	for _, row := range stateRows(m.state) {
		s.WriteString(fmt.Sprintf("%-14s %s", labelStyle.Render(row[0]+":"), valueStyle.Render(row[1])))
		if row[2] != "" {
			s.WriteString(headerStyle.Render("  " + row[2]))
		}
		s.WriteString("\n")
	}
	s.WriteString("\n")

	s.WriteString(labelStyle.Render("Volume: "))
	if m.focusedField == focusVolumeInput {
		s.WriteString(m.volumeInput.View())
	} else {
		val := m.volumeInput.Value()
		if val == "" {
			val = m.volumeInput.Placeholder
		}
		s.WriteString(fmt.Sprintf("[%s]", val))
	}
	s.WriteString("  ")

	btnText := "[ Set ]"
	if m.focusedField == focusButton {
		s.WriteString(focusedButtonStyle.Render(btnText))
	} else {
		s.WriteString(buttonStyle.Render(btnText))
	}
	return s.String()
}

func (m controlModel) renderEventLog(labelStyle, headerStyle, boxStyle lipgloss.Style) string {
	var s strings.Builder
	s.WriteString(labelStyle.Render("EVENTS"))
	s.WriteString("\n")

	errorStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)

	logHeight := 8
	if len(m.eventLog) < logHeight {
		logHeight = len(m.eventLog)
	}

	if len(m.eventLog) == 0 {
		s.WriteString(headerStyle.Render("  (no events yet)"))
	} else {
		for _, entry := range m.eventLog[len(m.eventLog)-logHeight:] {
			icon := "i"
			style := warnStyle
			if entry.isError {
				icon = "x"
				style = errorStyle
			}
			s.WriteString(fmt.Sprintf("%s %s %s\n",
				headerStyle.Render(entry.timestamp.Format("15:04:05.000")),
				style.Render(icon),
				entry.message))
		}
	}

	return boxStyle.Width(m.width - 4).Render(s.String())
}

//////////////////////////////////////////////////////////////
// Helpers
//////////////////////////////////////////////////////////////

func (m *controlModel) logResult(res session.Result) {
	if !res.OK {
		m.addLogEntry(fmt.Sprintf("%s %s failed: %s", res.Op, res.ID, res.Error), true)
		return
	}
	msg := fmt.Sprintf("%s %s ok", res.Op, res.ID)
	if res.Value != nil {
		msg += " = " + formatValue(*res.Value)
	}
	m.addLogEntry(msg, false)
}

func (m *controlModel) addLogEntry(message string, isError bool) {
	m.eventLog = append(m.eventLog, logEntry{
		timestamp: time.Now(),
		message:   message,
		isError:   isError,
	})
	if len(m.eventLog) > maxLogEntries {
		m.eventLog = m.eventLog[len(m.eventLog)-maxLogEntries:]
	}
}

func (m *controlModel) updateListSize() {
	listHeight := m.height - 16
	if listHeight < 5 {
		listHeight = 5
	}
	m.keyList.SetSize(28, listHeight)
}
