// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package session

import (
	"io"
	"time"
)

// Transport is an open byte channel to one set. Read returns (0, nil) when
// the read timeout expires with nothing received, the same way a serial
// port does.
type Transport interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
	ResetInputBuffer() error
	ResetOutputBuffer() error
}

// Buffered is implemented by transports that can report how many received
// bytes are waiting to be read
type Buffered interface {
	Buffered() (int, error)
}

// Opener opens the transport for a device. It is called lazily before the
// first transaction and again after an I/O error closed the previous handle.
type Opener interface {
	Open() (Transport, error)
}

// OpenerFunc adapts a function to an Opener
type OpenerFunc func() (Transport, error)

// Open calls f
func (f OpenerFunc) Open() (Transport, error) {
	return f()
}

// Timeouts bounds every wait on the line
type Timeouts struct {
	// Ack is the default acknowledgement wait
	Ack time.Duration
	// PowerAck is used for commands marked with a short timeout, because an
	// off set never answers
	PowerAck time.Duration
	// Data is the wait for the data frame of a query
	Data time.Duration
	// Drain bounds the read that discards unsolicited bytes before a transaction
	Drain time.Duration
}

// DefaultTimeouts returns the standard timeouts
func DefaultTimeouts() Timeouts {
	return Timeouts{
		Ack:      5 * time.Second,
		PowerAck: 500 * time.Millisecond,
		Data:     5 * time.Second,
		Drain:    10 * time.Millisecond,
	}
}

func (t Timeouts) withDefaults() Timeouts {
	d := DefaultTimeouts()
	if t.Ack <= 0 {
		t.Ack = d.Ack
	}
	if t.PowerAck <= 0 {
		t.PowerAck = d.PowerAck
	}
	if t.Data <= 0 {
		t.Data = d.Data
	}
	if t.Drain <= 0 {
		t.Drain = d.Drain
	}
	return t
}

// Recorder receives transaction outcomes, typically for metrics
type Recorder interface {
	Transaction(device, kind, outcome string, elapsed time.Duration)
	Unsolicited(device string, n int)
	Skipped(device, op string)
	TransportOpened(device string, err error)
}

type nopRecorder struct{}

func (nopRecorder) Transaction(string, string, string, time.Duration) {}
func (nopRecorder) Unsolicited(string, int)                            {}
func (nopRecorder) Skipped(string, string)                             {}
func (nopRecorder) TransportOpened(string, error)                      {}
