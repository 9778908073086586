// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package exlink

import (
	"fmt"
	"strings"
)

// Shape says how a family's payload is interpreted
type Shape int

const (
	// ShapeSignature maps the whole payload to a tag
	ShapeSignature Shape = iota
	// ShapeInteger reads one frame byte as a number
	ShapeInteger
	// ShapeBoolean reads one frame byte, 1 meaning true
	ShapeBoolean
	// ShapePresence treats any reply as "on"
	ShapePresence
	// ShapeRaw keeps the payload bytes as received
	ShapeRaw
)

var shapeNames = []string{"signature", "integer", "boolean", "presence", "raw"}

func (s Shape) String() string {
	if int(s) >= 0 && int(s) < len(shapeNames) {
		return shapeNames[s]
	}
	return fmt.Sprintf("shape(%d)", int(s))
}

func parseShape(s string) (Shape, error) {
	for i, name := range shapeNames {
		if strings.EqualFold(s, name) {
			return Shape(i), nil
		}
	}
	return 0, fmt.Errorf("unknown shape %q", s)
}

// Signature is an exact payload that identifies a state
type Signature struct {
	Tag     string
	Payload [PayloadSize]byte
}

// ResponsePattern decodes the replies of one family
type ResponsePattern struct {
	Family     Family
	Shape      Shape
	Offset     int
	Signatures []Signature

	byValue map[[PayloadSize]byte]string
}

// Match looks a payload up among the family's signatures
func (p *ResponsePattern) Match(payload []byte) (string, bool) {
	if len(payload) != PayloadSize {
		return "", false
	}
	var key [PayloadSize]byte
	copy(key[:], payload)
	tag, ok := p.byValue[key]
	return tag, ok
}

// Signature returns the payload registered for a tag
func (p *ResponsePattern) Signature(tag string) ([PayloadSize]byte, bool) {
	for _, s := range p.Signatures {
		if s.Tag == tag {
			return s.Payload, true
		}
	}
	return [PayloadSize]byte{}, false
}

// Value is a decoded reply
type Value struct {
	Family Family `json:"family"`
	// Tag is the matched signature, or ON/OFF for power
	Tag    string `json:"tag,omitempty"`
	Number int    `json:"number,omitempty"`
	Flag   bool   `json:"flag,omitempty"`
	Raw    []byte `json:"raw,omitempty"`
	// Frame is the data frame the value was decoded from, if one was read
	Frame []byte `json:"frame,omitempty"`
}

// Power state tags
const (
	TagOn  = "ON"
	TagOff = "OFF"
)

// Decode resolves a validated data frame. Presence families never fail to
// decode; the caller decides on/off from whether anything arrived.
func (p *ResponsePattern) Decode(f DataFrame) (Value, error) {
	v := Value{Family: p.Family, Frame: f.Bytes()}
	switch p.Shape {
	case ShapeSignature:
		tag, ok := p.Match(f.Payload())
		if !ok {
			return v, fmt.Errorf("%s payload %s: %w", p.Family, HexString(f.Payload()), ErrNoMatch)
		}
		v.Tag = tag
	case ShapeInteger:
		b, _ := f.At(p.Offset)
		v.Number = int(b)
	case ShapeBoolean:
		b, _ := f.At(p.Offset)
		v.Flag = b == 1
	case ShapePresence:
		v.Flag = true
		v.Tag = TagOn
	case ShapeRaw:
		v.Raw = f.Payload()
	}
	return v, nil
}
