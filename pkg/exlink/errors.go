// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package exlink

import "errors"

var (
	// ErrShortFrame is returned when a data frame is not exactly 13 bytes
	ErrShortFrame = errors.New("short frame")
	// ErrBadChecksum is returned when a frame fails checksum validation
	ErrBadChecksum = errors.New("bad checksum")
	// ErrBadHeader is returned for a checksum-valid data frame with the wrong header
	ErrBadHeader = errors.New("bad data frame header")
	// ErrNoMatch is returned when a well-formed payload matches no known signature
	ErrNoMatch = errors.New("no matching response signature")
	// ErrOutOfRange is returned when an integer parameter is outside the command range
	ErrOutOfRange = errors.New("parameter out of range")
	// ErrInvalidParameter is returned when a parameter is missing, unexpected or not encodable
	ErrInvalidParameter = errors.New("invalid parameter")
	// ErrInvalidIdentifier is returned for an unknown command, family or group
	ErrInvalidIdentifier = errors.New("invalid identifier")
)
