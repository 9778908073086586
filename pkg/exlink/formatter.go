// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package exlink

import (
	"fmt"
	"strings"
)

// HexString formats bytes as space separated upper-case hex pairs
func HexString(b []byte) string {
	var sb strings.Builder
	for i, v := range b {
		if i > 0 {
			sb.WriteByte(' ')
		}
		fmt.Fprintf(&sb, "%02X", v)
	}
	return sb.String()
}

// DescribeCommand names the command a frame carries, with its value for
// integer commands
func DescribeCommand(reg *Registry, frame []byte) string {
	spec, value, ok := reg.Identify(frame)
	if !ok {
		return "unknown command"
	}
	if spec.HasParameter() {
		return fmt.Sprintf("%s=%d", spec.ID, value)
	}
	return spec.ID
}

// DescribeReply resolves a data frame against every family and names the
// matches. The data frame does not say which query it answers.
func DescribeReply(reg *Registry, raw []byte) string {
	f, err := ParseDataFrame(raw)
	if err != nil {
		return err.Error()
	}
	var matches []string
	for _, family := range reg.Families() {
		p, _ := reg.Response(family)
		if tag, ok := p.Match(f.Payload()); ok {
			matches = append(matches, fmt.Sprintf("%s=%s", family, tag))
		}
	}
	if len(matches) == 0 {
		b, _ := f.At(9)
		return fmt.Sprintf("value=%d", b)
	}
	return strings.Join(matches, " | ")
}

// FormatFrame formats a decoded frame into a human-readable line
func FormatFrame(reg *Registry, f *Frame) string {
	timestamp := f.Timestamp.Format("15:04:05.000")
	var detail string
	switch f.Kind {
	case KindCommand:
		detail = DescribeCommand(reg, f.Bytes)
	case KindAck:
		detail = "acknowledged"
	case KindNak:
		detail = "rejected"
	case KindData:
		detail = DescribeReply(reg, f.Bytes)
	}
	return fmt.Sprintf("[%s] %-7s %-24s (%s)", timestamp, f.Kind, detail, HexString(f.Bytes))
}
