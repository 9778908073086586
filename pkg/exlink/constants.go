// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package exlink implements the Ex-Link serial control protocol spoken by
// television-class displays.
//
// A controller sends a checksummed command frame and the set answers with a
// three byte acknowledgement. Queries are followed by a thirteen byte data
// frame whose payload is resolved against the response tables loaded by
// LoadRegistry.
package exlink

// Command frame header
const (
	CommandHeader  = 0x08
	CommandSubtype = 0x22
)

// Frame sizes
const (
	AckFrameSize    = 3
	DataFrameSize   = 13
	DataHeaderSize  = 5
	PayloadSize     = DataFrameSize - DataHeaderSize
	CommandPathSize = 4
	// CommandFrameSize is the length of every command frame: header,
	// subtype, four path or parameter bytes and the checksum.
	CommandFrameSize = 2 + CommandPathSize + 1
)

// Serial line settings (8N1)
const (
	BaudRate = 9600
	DataBits = 8
)

// UnknownTag marks a reply that was received but could not be resolved.
// It is never a valid signature tag.
const UnknownTag = "UNKNOWN"

var (
	ackFrame   = [AckFrameSize]byte{0x03, 0x0C, 0xF1}
	nakFrame   = [AckFrameSize]byte{0x03, 0x0C, 0xFF}
	dataHeader = [DataHeaderSize]byte{0x03, 0x0C, 0xF5, 0x08, 0xF0}
)

// AckFrame returns a copy of the acknowledgement frame
func AckFrame() []byte {
	b := ackFrame
	return b[:]
}

// NakFrame returns a copy of the negative acknowledgement frame
func NakFrame() []byte {
	b := nakFrame
	return b[:]
}

// DataHeader returns a copy of the fixed data frame header
func DataHeader() []byte {
	b := dataHeader
	return b[:]
}
