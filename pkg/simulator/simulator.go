// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package simulator provides an in-memory set that answers Ex-Link frames
// from the command tables. It stands in for hardware in tests and in the
// CLI's --simulate mode.
package simulator

import (
	"errors"
	"sync"
	"time"

	"github.com/Thermoquad/exlink/pkg/exlink"
	"github.com/Thermoquad/exlink/pkg/session"
)

// ErrClosed is returned by a port used after Close
var ErrClosed = errors.New("simulator: port closed")

// Status is the simulated set's internal state
type Status struct {
	Power       bool
	Volume      int
	Mute        bool
	Channel     int
	Input       string
	PictureMode string
	PictureSize string
	SoundMode   string
	ThreeD      byte
	// Integers holds integer settings other than volume and channel
	Integers map[string]int
	// Options holds the last selection of each write-only option group
	Options map[string]string
}

// ReplyFunc can replace the simulated reply to a frame. Returning false
// falls back to the normal reply.
type ReplyFunc func(frame []byte) ([]byte, bool)

// TV is a simulated set. It implements session.Opener; every Open returns a
// new port onto the same set.
type TV struct {
	mu     sync.Mutex
	reg    *exlink.Registry
	status Status

	pending  []byte
	latency  time.Duration
	override ReplyFunc
	openErr  error
	writeErr error

	writing     int
	interleaved int
	opens       int
	writes      [][]byte
	timeouts    []time.Duration
}

// New returns a powered on set tuned to channel 7 on the TV input
func New(reg *exlink.Registry) *TV {
	return &TV{
		reg: reg,
		status: Status{
			Power:       true,
			Volume:      10,
			Channel:     7,
			Input:       "TV",
			PictureMode: "STANDARD",
			PictureSize: "SIXTEEN_NINE",
			SoundMode:   "STANDARD",
			Integers:    make(map[string]int),
			Options:     make(map[string]string),
		},
	}
}

// Update changes the simulated state
func (t *TV) Update(fn func(st *Status)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fn(&t.status)
}

// Status returns a copy of the simulated state
func (t *TV) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	st := t.status
	st.Integers = make(map[string]int, len(t.status.Integers))
	for k, v := range t.status.Integers {
		st.Integers[k] = v
	}
	st.Options = make(map[string]string, len(t.status.Options))
	for k, v := range t.status.Options {
		st.Options[k] = v
	}
	return st
}

// Inject queues bytes as if the set had sent them unprompted
func (t *TV) Inject(b []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = append(t.pending, b...)
}

// Override installs a reply hook
func (t *TV) Override(fn ReplyFunc) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.override = fn
}

// SetLatency delays every reply
func (t *TV) SetLatency(d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.latency = d
}

// FailOpen makes Open fail with err until called again with nil
func (t *TV) FailOpen(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.openErr = err
}

// FailWrites makes Write fail with err until called again with nil
func (t *TV) FailWrites(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.writeErr = err
}

// Writes returns every frame written so far
func (t *TV) Writes() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([][]byte, len(t.writes))
	copy(out, t.writes)
	return out
}

// ReadTimeouts returns every read timeout set so far
func (t *TV) ReadTimeouts() []time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]time.Duration(nil), t.timeouts...)
}

// Opens returns how many times the set was opened
func (t *TV) Opens() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.opens
}

// Interleaved returns how many writes started while another write was
// still in progress or a previous reply was unread
func (t *TV) Interleaved() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.interleaved
}

// Open implements session.Opener
func (t *TV) Open() (session.Transport, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.opens++
	if t.openErr != nil {
		return nil, t.openErr
	}
	return &port{tv: t}, nil
}

func (t *TV) write(frame []byte) (int, error) {
	t.mu.Lock()
	if t.writeErr != nil {
		defer t.mu.Unlock()
		return 0, t.writeErr
	}
	t.writing++
	if t.writing > 1 || len(t.pending) > 0 {
		t.interleaved++
	}
	t.writes = append(t.writes, append([]byte(nil), frame...))
	latency := t.latency
	t.mu.Unlock()

	if latency > 0 {
		time.Sleep(latency)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.writing--
	t.pending = append(t.pending, t.respond(frame)...)
	return len(frame), nil
}

func (t *TV) read(p []byte) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := copy(p, t.pending)
	t.pending = t.pending[n:]
	return n
}

// respond computes the reply to one frame. Called with mu held.
func (t *TV) respond(frame []byte) []byte {
	if t.override != nil {
		if reply, ok := t.override(frame); ok {
			return reply
		}
	}
	if len(frame) != exlink.CommandFrameSize || !exlink.ValidChecksum(frame) {
		return nil
	}
	spec, value, ok := t.reg.Identify(frame)
	if !ok {
		if t.status.Power {
			return exlink.NakFrame()
		}
		return nil
	}
	if !t.status.Power && spec.ID != "PowerOn" {
		return nil
	}

	reply := exlink.AckFrame()
	switch spec.Category {
	case exlink.CategoryQuery:
		return append(reply, t.dataFrame(spec)...)
	case exlink.CategoryInteger:
		t.setInteger(spec.ID, value)
	case exlink.CategoryEnum:
		t.selectOption(spec)
	case exlink.CategoryButton:
		t.press(spec.ID)
	}
	return reply
}

func (t *TV) setInteger(id string, value int) {
	switch id {
	case "Volume":
		t.status.Volume = value
	case "Channel":
		t.status.Channel = value
	default:
		t.status.Integers[id] = value
	}
}

func (t *TV) selectOption(spec *exlink.CommandSpec) {
	switch spec.ID {
	case "PowerOn":
		t.status.Power = true
		return
	case "PowerOff":
		t.status.Power = false
		return
	}
	switch spec.Group {
	case "Input":
		t.status.Input = spec.Label
	case "PictureMode":
		t.status.PictureMode = spec.Label
	case "PictureSize":
		t.status.PictureSize = spec.Label
	case "SoundMode":
		t.status.SoundMode = spec.Label
	case "":
	default:
		t.status.Options[spec.Group] = spec.Label
	}
}

func (t *TV) press(id string) {
	switch id {
	case "VOLUP":
		t.status.Volume = min(t.status.Volume+1, 100)
	case "VOLDOWN":
		t.status.Volume = max(t.status.Volume-1, 0)
	case "MUTE":
		t.status.Mute = !t.status.Mute
	case "CHUP":
		t.status.Channel = min(t.status.Channel+1, 255)
	case "CHDOWN":
		t.status.Channel = max(t.status.Channel-1, 1)
	}
}

// dataFrame builds the reply to a query. Called with mu held.
func (t *TV) dataFrame(query *exlink.CommandSpec) []byte {
	pattern, err := t.reg.Response(query.Family)
	if err != nil {
		return nil
	}
	code := query.Template[3]
	positional := func(v byte) []byte {
		frame, _ := exlink.NewDataFrame([]byte{code, 0x00, 0x00, 0xF1, v, 0x00, 0x00, 0x00})
		return frame
	}
	signature := func(tag string) []byte {
		payload, ok := pattern.Signature(tag)
		if !ok {
			// a state the tables have no signature for
			return positional(0xEE)
		}
		frame, _ := exlink.NewDataFrame(payload[:])
		return frame
	}

	switch query.Family {
	case exlink.FamilyPower:
		return signature(exlink.TagOn)
	case exlink.FamilyVolume:
		return positional(byte(t.status.Volume))
	case exlink.FamilyMute:
		if t.status.Mute {
			return positional(1)
		}
		return positional(0)
	case exlink.FamilyChannel:
		return positional(byte(t.status.Channel))
	case exlink.FamilyInput:
		return signature(t.status.Input)
	case exlink.FamilyPictureMode:
		return signature(t.status.PictureMode)
	case exlink.FamilyPictureSize:
		return signature(t.status.PictureSize)
	case exlink.FamilySoundMode:
		return signature(t.status.SoundMode)
	case exlink.FamilyThreeD:
		return positional(t.status.ThreeD)
	}
	return nil
}

// port is one open handle onto a TV
type port struct {
	tv     *TV
	mu     sync.Mutex
	closed bool
}

func (p *port) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *port) Read(b []byte) (int, error) {
	if p.isClosed() {
		return 0, ErrClosed
	}
	return p.tv.read(b), nil
}

func (p *port) Write(b []byte) (int, error) {
	if p.isClosed() {
		return 0, ErrClosed
	}
	return p.tv.write(b)
}

func (p *port) SetReadTimeout(d time.Duration) error {
	p.tv.mu.Lock()
	defer p.tv.mu.Unlock()
	p.tv.timeouts = append(p.tv.timeouts, d)
	return nil
}

func (p *port) ResetInputBuffer() error {
	p.tv.mu.Lock()
	defer p.tv.mu.Unlock()
	p.tv.pending = nil
	return nil
}

func (p *port) ResetOutputBuffer() error {
	return nil
}

// Buffered implements session.Buffered
func (p *port) Buffered() (int, error) {
	p.tv.mu.Lock()
	defer p.tv.mu.Unlock()
	return len(p.tv.pending), nil
}

func (p *port) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}
