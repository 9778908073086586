// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package exlink

// Checksum returns the byte that brings the sum of data to zero modulo 256
func Checksum(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum += b
	}
	return byte(0x100 - int(sum))
}

// ValidChecksum reports whether the last byte of frame is the checksum of
// the bytes before it. Frames shorter than three bytes are never valid.
func ValidChecksum(frame []byte) bool {
	if len(frame) < 3 {
		return false
	}
	n := len(frame) - 1
	return Checksum(frame[:n]) == frame[n]
}
