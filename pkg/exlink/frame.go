// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package exlink

import (
	"bytes"
	"fmt"
)

// Lowest and highest values that fit in the single parameter byte. Negative
// values are sent as two's complement.
const (
	minEncodable = -128
	maxEncodable = 255
)

// BuildCommand returns the wire frame for spec. Integer commands require a
// parameter, every other category must be called with nil.
func BuildCommand(spec *CommandSpec, param *int) ([]byte, error) {
	if spec == nil {
		return nil, fmt.Errorf("build command: %w", ErrInvalidIdentifier)
	}

	frame := make([]byte, 0, len(spec.Template)+2)
	frame = append(frame, spec.Template...)

	if spec.Category == CategoryInteger {
		if param == nil {
			return nil, fmt.Errorf("%s: missing value: %w", spec.ID, ErrInvalidParameter)
		}
		if err := spec.CheckRange(*param); err != nil {
			return nil, err
		}
		frame = append(frame, byte(*param))
	} else if param != nil {
		return nil, fmt.Errorf("%s takes no value: %w", spec.ID, ErrInvalidParameter)
	}

	return append(frame, Checksum(frame)), nil
}

// CheckRange validates value against the command's declared range and the
// one byte wire encoding
func (c *CommandSpec) CheckRange(value int) error {
	if value < c.Min || value > c.Max {
		return fmt.Errorf("%s: %d not in [%d, %d]: %w", c.ID, value, c.Min, c.Max, ErrOutOfRange)
	}
	if value < minEncodable || value > maxEncodable {
		return fmt.Errorf("%s: %d does not fit in one byte: %w", c.ID, value, ErrInvalidParameter)
	}
	return nil
}

// IsAck reports whether b is exactly the acknowledgement frame
func IsAck(b []byte) bool {
	return bytes.Equal(b, ackFrame[:])
}

// DataFrame is a validated 13 byte reply to a query
type DataFrame struct {
	raw [DataFrameSize]byte
}

// ParseDataFrame validates raw as a data frame. Length is checked first,
// then the checksum, then the fixed header.
func ParseDataFrame(raw []byte) (DataFrame, error) {
	var f DataFrame
	if len(raw) != DataFrameSize {
		return f, fmt.Errorf("got %d of %d bytes: %w", len(raw), DataFrameSize, ErrShortFrame)
	}
	if !ValidChecksum(raw) {
		return f, fmt.Errorf("expected 0x%02X, got 0x%02X: %w",
			Checksum(raw[:DataFrameSize-1]), raw[DataFrameSize-1], ErrBadChecksum)
	}
	if !bytes.Equal(raw[:DataHeaderSize], dataHeader[:]) {
		return f, fmt.Errorf("header %s: %w", HexString(raw[:DataHeaderSize]), ErrBadHeader)
	}
	copy(f.raw[:], raw)
	return f, nil
}

// NewDataFrame builds a data frame around an eight byte payload. The last
// payload byte is replaced by the frame checksum.
func NewDataFrame(payload []byte) ([]byte, error) {
	if len(payload) != PayloadSize {
		return nil, fmt.Errorf("payload is %d bytes, want %d: %w", len(payload), PayloadSize, ErrInvalidParameter)
	}
	frame := make([]byte, 0, DataFrameSize)
	frame = append(frame, dataHeader[:]...)
	frame = append(frame, payload[:PayloadSize-1]...)
	return append(frame, Checksum(frame)), nil
}

// Bytes returns a copy of the whole frame
func (f DataFrame) Bytes() []byte {
	b := f.raw
	return b[:]
}

// Payload returns a copy of the eight bytes after the header, checksum included
func (f DataFrame) Payload() []byte {
	b := f.raw
	return b[DataHeaderSize:]
}

// At returns the byte at a frame offset
func (f DataFrame) At(offset int) (byte, bool) {
	if offset < 0 || offset >= DataFrameSize {
		return 0, false
	}
	return f.raw[offset], true
}
