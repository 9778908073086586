// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package exlink

import (
	"fmt"
	"time"
)

// FrameKind identifies a frame seen on the line
type FrameKind int

const (
	KindCommand FrameKind = iota
	KindAck
	KindNak
	KindData
)

func (k FrameKind) String() string {
	switch k {
	case KindCommand:
		return "COMMAND"
	case KindAck:
		return "ACK"
	case KindNak:
		return "NAK"
	case KindData:
		return "DATA"
	}
	return "UNKNOWN"
}

// Frame is a complete frame recognised by the Decoder
type Frame struct {
	Kind      FrameKind
	Bytes     []byte
	Timestamp time.Time
}

// Decoder states
const (
	stateIdle = iota
	stateCommandSubtype
	stateCommandBody
	stateReplyMarker
	stateReplyType
	stateDataBody
)

// Decoder recognises command, acknowledgement and data frames in a byte
// stream, such as a line tapped between a controller and a set
type Decoder struct {
	state   int
	buffer  []byte
	skipped int
}

// NewDecoder creates a new stream decoder
func NewDecoder() *Decoder {
	return &Decoder{
		state:  stateIdle,
		buffer: make([]byte, 0, DataFrameSize),
	}
}

// Reset drops any partial frame
func (d *Decoder) Reset() {
	d.state = stateIdle
	d.buffer = d.buffer[:0]
}

// Skipped returns the number of bytes discarded outside any frame
func (d *Decoder) Skipped() int {
	return d.skipped
}

// DecodeByte processes a single byte.
// Returns a completed frame, or nil if the frame is incomplete.
// Returns an error when a partial frame turns out to be malformed; the
// decoder is then back in sync and ready for the next frame.
func (d *Decoder) DecodeByte(b byte) (*Frame, error) {
	switch d.state {
	case stateIdle:
		d.start(b)
		return nil, nil

	case stateCommandSubtype:
		if b != CommandSubtype {
			return nil, d.fail(b, "expected command subtype 0x%02X, got 0x%02X", CommandSubtype, b)
		}
		d.buffer = append(d.buffer, b)
		d.state = stateCommandBody
		return nil, nil

	case stateCommandBody:
		d.buffer = append(d.buffer, b)
		if len(d.buffer) < CommandFrameSize {
			return nil, nil
		}
		return d.complete(KindCommand)

	case stateReplyMarker:
		if b != ackFrame[1] {
			return nil, d.fail(b, "expected reply marker 0x%02X, got 0x%02X", ackFrame[1], b)
		}
		d.buffer = append(d.buffer, b)
		d.state = stateReplyType
		return nil, nil

	case stateReplyType:
		d.buffer = append(d.buffer, b)
		switch b {
		case ackFrame[2]:
			return d.complete(KindAck)
		case nakFrame[2]:
			return d.complete(KindNak)
		case dataHeader[2]:
			d.state = stateDataBody
			return nil, nil
		}
		d.buffer = d.buffer[:len(d.buffer)-1]
		return nil, d.fail(b, "unknown reply type 0x%02X", b)

	case stateDataBody:
		d.buffer = append(d.buffer, b)
		if len(d.buffer) < DataFrameSize {
			return nil, nil
		}
		return d.complete(KindData)
	}

	d.Reset()
	return nil, nil
}

func (d *Decoder) start(b byte) {
	d.buffer = d.buffer[:0]
	switch b {
	case CommandHeader:
		d.buffer = append(d.buffer, b)
		d.state = stateCommandSubtype
	case ackFrame[0]:
		d.buffer = append(d.buffer, b)
		d.state = stateReplyMarker
	default:
		d.state = stateIdle
		d.skipped++
	}
}

// fail reports a malformed partial frame and restarts from b, which may be
// the first byte of the next frame
func (d *Decoder) fail(b byte, format string, args ...any) error {
	err := fmt.Errorf("after %s: "+format, append([]any{HexString(d.buffer)}, args...)...)
	d.start(b)
	return err
}

func (d *Decoder) complete(kind FrameKind) (*Frame, error) {
	raw := append([]byte(nil), d.buffer...)
	d.Reset()

	switch kind {
	case KindCommand:
		if !ValidChecksum(raw) {
			return nil, fmt.Errorf("command %s: %w", HexString(raw), ErrBadChecksum)
		}
	case KindData:
		if _, err := ParseDataFrame(raw); err != nil {
			return nil, fmt.Errorf("data %s: %w", HexString(raw), err)
		}
	}

	return &Frame{Kind: kind, Bytes: raw, Timestamp: time.Now()}, nil
}
