// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package session

import (
	"fmt"
	"time"

	"github.com/Thermoquad/exlink/pkg/exlink"
)

// Status records how much is known about one field of the device state
type Status uint8

const (
	// NeverQueried means no query for the field has completed
	NeverQueried Status = iota
	// Known means the last query decoded a value
	Known
	// Unknown means the last reply could not be decoded
	Unknown
)

var statusNames = []string{"never_queried", "known", "unknown"}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// MarshalText implements encoding.TextMarshaler
func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler
func (s *Status) UnmarshalText(text []byte) error {
	for i, name := range statusNames {
		if string(text) == name {
			*s = Status(i)
			return nil
		}
	}
	return fmt.Errorf("unknown status %q", text)
}

// Reading is the last known value of one state field
type Reading[T any] struct {
	Status  Status    `cbor:"1,keyasint" json:"status"`
	Value   T         `cbor:"2,keyasint" json:"value"`
	Updated time.Time `cbor:"3,keyasint" json:"updated"`
}

// Known reports whether the reading holds a decoded value
func (r Reading[T]) Known() bool {
	return r.Status == Known
}

func known[T any](v T, at time.Time) Reading[T] {
	return Reading[T]{Status: Known, Value: v, Updated: at}
}

func unknown[T any](v T, at time.Time) Reading[T] {
	return Reading[T]{Status: Unknown, Value: v, Updated: at}
}

// DeviceState is the last known state of a set, updated only from decoded
// query replies
type DeviceState struct {
	Power       Reading[bool]   `cbor:"1,keyasint" json:"power"`
	Input       Reading[string] `cbor:"2,keyasint" json:"input"`
	Volume      Reading[int]    `cbor:"3,keyasint" json:"volume"`
	Mute        Reading[bool]   `cbor:"4,keyasint" json:"mute"`
	Channel     Reading[int]    `cbor:"5,keyasint" json:"channel"`
	PictureMode Reading[string] `cbor:"6,keyasint" json:"picture_mode"`
	PictureSize Reading[string] `cbor:"7,keyasint" json:"picture_size"`
	SoundMode   Reading[string] `cbor:"8,keyasint" json:"sound_mode"`
	ThreeD      Reading[[]byte] `cbor:"9,keyasint" json:"three_d"`
}

// Clone returns a deep copy
func (d DeviceState) Clone() DeviceState {
	c := d
	c.ThreeD.Value = append([]byte(nil), d.ThreeD.Value...)
	return c
}

// apply records a decoded value for its family
func (d *DeviceState) apply(v exlink.Value, at time.Time) {
	switch v.Family {
	case exlink.FamilyPower:
		d.Power = known(v.Flag, at)
	case exlink.FamilyVolume:
		d.Volume = known(v.Number, at)
	case exlink.FamilyMute:
		d.Mute = known(v.Flag, at)
	case exlink.FamilyChannel:
		d.Channel = known(v.Number, at)
	case exlink.FamilyInput:
		d.Input = known(v.Tag, at)
	case exlink.FamilyPictureMode:
		d.PictureMode = known(v.Tag, at)
	case exlink.FamilyPictureSize:
		d.PictureSize = known(v.Tag, at)
	case exlink.FamilySoundMode:
		d.SoundMode = known(v.Tag, at)
	case exlink.FamilyThreeD:
		d.ThreeD = known(append([]byte(nil), v.Raw...), at)
	}
}

// markUnknown records that a reply for the family arrived but could not be
// decoded
func (d *DeviceState) markUnknown(f exlink.Family, at time.Time) {
	switch f {
	case exlink.FamilyPower:
		d.Power = unknown(false, at)
	case exlink.FamilyVolume:
		d.Volume = unknown(0, at)
	case exlink.FamilyMute:
		d.Mute = unknown(false, at)
	case exlink.FamilyChannel:
		d.Channel = unknown(0, at)
	case exlink.FamilyInput:
		d.Input = unknown(exlink.UnknownTag, at)
	case exlink.FamilyPictureMode:
		d.PictureMode = unknown(exlink.UnknownTag, at)
	case exlink.FamilyPictureSize:
		d.PictureSize = unknown(exlink.UnknownTag, at)
	case exlink.FamilySoundMode:
		d.SoundMode = unknown(exlink.UnknownTag, at)
	case exlink.FamilyThreeD:
		d.ThreeD = unknown([]byte(nil), at)
	}
}
