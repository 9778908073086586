// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package session

import (
	"errors"
	"fmt"

	"github.com/Thermoquad/exlink/pkg/exlink"
)

var (
	// ErrTransportUnavailable is returned when the transport cannot be opened
	ErrTransportUnavailable = errors.New("transport unavailable")
	// ErrNotAcknowledged is returned when the set answers with something other than ACK
	ErrNotAcknowledged = errors.New("not acknowledged")
	// ErrNoResponse is returned when nothing arrives before the timeout
	ErrNoResponse = errors.New("no response")
	// ErrBusy is returned by non-blocking calls while another transaction holds the device
	ErrBusy = errors.New("device busy")
	// ErrSessionClosed is returned for calls on a deactivated session
	ErrSessionClosed = errors.New("session closed")
	// ErrUnknownDevice is returned for a device that is not active
	ErrUnknownDevice = errors.New("unknown device")
	// ErrDeviceExists is returned when activating a device twice
	ErrDeviceExists = errors.New("device already active")
)

// ReplyError reports a reply that arrived but could not be used. Raw holds
// the bytes as received.
type ReplyError struct {
	Family exlink.Family
	Raw    []byte
	Err    error
}

func (e *ReplyError) Error() string {
	return fmt.Sprintf("%s reply [%s]: %v", e.Family, exlink.HexString(e.Raw), e.Err)
}

func (e *ReplyError) Unwrap() error {
	return e.Err
}
