// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package session

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// chunkedPort returns its data a few bytes per read
type chunkedPort struct {
	chunks   [][]byte
	timeouts []time.Duration
	err      error
}

func (p *chunkedPort) Read(b []byte) (int, error) {
	if len(p.chunks) == 0 {
		return 0, p.err
	}
	n := copy(b, p.chunks[0])
	p.chunks[0] = p.chunks[0][n:]
	if len(p.chunks[0]) == 0 {
		p.chunks = p.chunks[1:]
	}
	return n, nil
}

func (p *chunkedPort) Write(b []byte) (int, error) { return len(b), nil }
func (p *chunkedPort) Close() error                { return nil }
func (p *chunkedPort) ResetInputBuffer() error     { return nil }
func (p *chunkedPort) ResetOutputBuffer() error    { return nil }

func (p *chunkedPort) SetReadTimeout(d time.Duration) error {
	p.timeouts = append(p.timeouts, d)
	return nil
}

func TestReadFull_Chunks(t *testing.T) {
	p := &chunkedPort{chunks: [][]byte{{0x03}, {0x0C, 0xF1, 0x99}}}

	got, err := readFull(p, 3, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x03, 0x0C, 0xF1}, got)
	require.Len(t, p.timeouts, 2)
	assert.LessOrEqual(t, p.timeouts[1], p.timeouts[0])
}

func TestReadFull_StopsOnSilence(t *testing.T) {
	p := &chunkedPort{chunks: [][]byte{{0x03, 0x0C}}}

	got, err := readFull(p, 13, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x03, 0x0C}, got)
}

func TestReadFull_Error(t *testing.T) {
	p := &chunkedPort{err: errors.New("unplugged")}

	_, err := readFull(p, 3, time.Second)
	assert.EqualError(t, err, "unplugged")
}

func TestTimeouts_WithDefaults(t *testing.T) {
	got := Timeouts{Ack: time.Second}.withDefaults()
	assert.Equal(t, time.Second, got.Ack)
	assert.Equal(t, 500*time.Millisecond, got.PowerAck)
	assert.Equal(t, 5*time.Second, got.Data)
}

func TestStatus_Text(t *testing.T) {
	for _, s := range []Status{NeverQueried, Known, Unknown} {
		text, err := s.MarshalText()
		require.NoError(t, err)
		var back Status
		require.NoError(t, back.UnmarshalText(text))
		assert.Equal(t, s, back)
	}
	var s Status
	assert.Error(t, s.UnmarshalText([]byte("maybe")))
}
