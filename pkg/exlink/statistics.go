// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package exlink

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Statistics tracks frames and errors seen by a Decoder on a monitored line
type Statistics struct {
	StartTime      time.Time
	LastUpdateTime time.Time

	// Counters
	TotalFrames    uint64
	Commands       uint64
	Acks           uint64
	Naks           uint64
	DataFrames     uint64
	UnknownCommand uint64
	UnmatchedData  uint64
	ChecksumErrors uint64
	HeaderErrors   uint64
	FramingErrors  uint64

	// Rates (calculated)
	FrameRate float64 // frames/sec
	ErrorRate float64 // errors/sec
}

// NewStatistics creates a new statistics tracker
func NewStatistics() *Statistics {
	now := time.Now()
	return &Statistics{
		StartTime:      now,
		LastUpdateTime: now,
	}
}

// Update counts one decoder result. Frames are resolved against reg to
// count commands and replies the tables do not know.
func (s *Statistics) Update(reg *Registry, frame *Frame, decodeErr error) {
	if frame == nil && decodeErr == nil {
		return
	}
	s.TotalFrames++
	s.LastUpdateTime = time.Now()

	if decodeErr != nil {
		switch {
		case errors.Is(decodeErr, ErrBadChecksum):
			s.ChecksumErrors++
		case errors.Is(decodeErr, ErrBadHeader):
			s.HeaderErrors++
		default:
			s.FramingErrors++
		}
		return
	}

	switch frame.Kind {
	case KindCommand:
		s.Commands++
		if _, _, ok := reg.Identify(frame.Bytes); !ok {
			s.UnknownCommand++
		}
	case KindAck:
		s.Acks++
	case KindNak:
		s.Naks++
	case KindData:
		s.DataFrames++
		if !matchesAnyFamily(reg, frame.Bytes) {
			s.UnmatchedData++
		}
	}
}

func matchesAnyFamily(reg *Registry, raw []byte) bool {
	f, err := ParseDataFrame(raw)
	if err != nil {
		return false
	}
	for _, family := range reg.Families() {
		p, err := reg.Response(family)
		if err != nil {
			continue
		}
		if _, ok := p.Match(f.Payload()); ok {
			return true
		}
	}
	return false
}

// Errors returns the number of malformed frames
func (s *Statistics) Errors() uint64 {
	return s.ChecksumErrors + s.HeaderErrors + s.FramingErrors
}

// CalculateRates calculates frame and error rates
func (s *Statistics) CalculateRates() {
	elapsed := time.Since(s.StartTime).Seconds()
	if elapsed > 0 {
		s.FrameRate = float64(s.TotalFrames) / elapsed
		s.ErrorRate = float64(s.Errors()) / elapsed
	}
}

func percent(n, total uint64) float64 {
	if total == 0 {
		return 0
	}
	return float64(n) * 100.0 / float64(total)
}

// String returns a formatted statistics summary
func (s *Statistics) String() string {
	s.CalculateRates()
	elapsed := time.Since(s.StartTime)

	var b strings.Builder
	fmt.Fprintf(&b, "=== Statistics (%.0f seconds) ===\n", elapsed.Seconds())
	fmt.Fprintf(&b, "Total Frames:    %8d\n", s.TotalFrames)
	fmt.Fprintf(&b, "Commands:        %8d (%.1f%%)\n", s.Commands, percent(s.Commands, s.TotalFrames))
	if s.UnknownCommand > 0 {
		fmt.Fprintf(&b, "  Unknown:          %5d\n", s.UnknownCommand)
	}
	fmt.Fprintf(&b, "ACKs:            %8d (%.1f%%)\n", s.Acks, percent(s.Acks, s.TotalFrames))
	if s.Naks > 0 {
		fmt.Fprintf(&b, "NAKs:            %8d (%.1f%%)\n", s.Naks, percent(s.Naks, s.TotalFrames))
	}
	fmt.Fprintf(&b, "Data Frames:     %8d (%.1f%%)\n", s.DataFrames, percent(s.DataFrames, s.TotalFrames))
	if s.UnmatchedData > 0 {
		fmt.Fprintf(&b, "  Unmatched:        %5d\n", s.UnmatchedData)
	}
	if s.ChecksumErrors > 0 {
		fmt.Fprintf(&b, "Checksum Errors: %8d (%.1f%%)\n", s.ChecksumErrors, percent(s.ChecksumErrors, s.TotalFrames))
	}
	if s.HeaderErrors > 0 {
		fmt.Fprintf(&b, "Header Errors:   %8d (%.1f%%)\n", s.HeaderErrors, percent(s.HeaderErrors, s.TotalFrames))
	}
	if s.FramingErrors > 0 {
		fmt.Fprintf(&b, "Framing Errors:  %8d (%.1f%%)\n", s.FramingErrors, percent(s.FramingErrors, s.TotalFrames))
	}
	fmt.Fprintf(&b, "Frame Rate:      %8.1f frames/sec\n", s.FrameRate)
	fmt.Fprintf(&b, "Error Rate:      %8.1f errors/sec\n", s.ErrorRate)
	b.WriteString("================================\n")
	return b.String()
}

// Reset resets all statistics counters
func (s *Statistics) Reset() {
	*s = *NewStatistics()
}
