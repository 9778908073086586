// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package transport opens the byte channels a session talks over: a local
// serial port, a serial-to-WebSocket bridge, or a raw TCP socket server.
package transport

import (
	"fmt"

	"go.bug.st/serial"

	"github.com/Thermoquad/exlink/pkg/exlink"
	"github.com/Thermoquad/exlink/pkg/session"
)

// Serial opens a local serial port at 8N1
type Serial struct {
	Port     string
	BaudRate int
}

// Open implements session.Opener. go.bug.st/serial ports already satisfy
// session.Transport.
func (s Serial) Open() (session.Transport, error) {
	baud := s.BaudRate
	if baud == 0 {
		baud = exlink.BaudRate
	}
	mode := &serial.Mode{
		BaudRate: baud,
		DataBits: exlink.DataBits,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}

	port, err := serial.Open(s.Port, mode)
	if err != nil {
		return nil, fmt.Errorf("failed to open serial port %s: %w", s.Port, err)
	}
	return port, nil
}

func (s Serial) String() string {
	baud := s.BaudRate
	if baud == 0 {
		baud = exlink.BaudRate
	}
	return fmt.Sprintf("Serial: %s @ %d baud", s.Port, baud)
}

// ListPorts returns the serial ports present on the host
func ListPorts() ([]string, error) {
	return serial.GetPortsList()
}
