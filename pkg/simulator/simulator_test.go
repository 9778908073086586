// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package simulator

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/exlink/pkg/exlink"
	"github.com/Thermoquad/exlink/pkg/session"
)

func frameFor(t *testing.T, reg *exlink.Registry, id string, param *int) []byte {
	t.Helper()
	spec, err := reg.Command(id)
	require.NoError(t, err)
	frame, err := exlink.BuildCommand(spec, param)
	require.NoError(t, err)
	return frame
}

func roundTrip(t *testing.T, p session.Transport, frame []byte) []byte {
	t.Helper()
	n, err := p.Write(frame)
	require.NoError(t, err)
	require.Equal(t, len(frame), n)

	buf := make([]byte, 64)
	n, err = p.Read(buf)
	require.NoError(t, err)
	return buf[:n]
}

func TestQueryVolume(t *testing.T) {
	reg := exlink.DefaultRegistry()
	tv := New(reg)
	p, err := tv.Open()
	require.NoError(t, err)
	defer p.Close()

	reply := roundTrip(t, p, frameFor(t, reg, exlink.QueryPrefix+"VOLUME", nil))
	require.Len(t, reply, exlink.AckFrameSize+exlink.DataFrameSize)
	assert.True(t, exlink.IsAck(reply[:exlink.AckFrameSize]))

	data, err := exlink.ParseDataFrame(reply[exlink.AckFrameSize:])
	require.NoError(t, err)
	assert.Equal(t, byte(10), data.Payload()[4])
}

func TestSetIntegerAndOptions(t *testing.T) {
	reg := exlink.DefaultRegistry()
	tv := New(reg)
	p, err := tv.Open()
	require.NoError(t, err)
	defer p.Close()

	vol := 42
	assert.Equal(t, exlink.AckFrame(), roundTrip(t, p, frameFor(t, reg, "Volume", &vol)))
	assert.Equal(t, exlink.AckFrame(), roundTrip(t, p, frameFor(t, reg, "Input.HDMI1", nil)))
	assert.Equal(t, exlink.AckFrame(), roundTrip(t, p, frameFor(t, reg, "MUTE", nil)))
	assert.Equal(t, exlink.AckFrame(), roundTrip(t, p, frameFor(t, reg, "CHUP", nil)))

	st := tv.Status()
	assert.Equal(t, 42, st.Volume)
	assert.Equal(t, "HDMI1", st.Input)
	assert.True(t, st.Mute)
	assert.Equal(t, 8, st.Channel)
	assert.Len(t, tv.Writes(), 4)
}

func TestPowerOffIsSilent(t *testing.T) {
	reg := exlink.DefaultRegistry()
	tv := New(reg)
	tv.Update(func(st *Status) { st.Power = false })
	p, err := tv.Open()
	require.NoError(t, err)
	defer p.Close()

	assert.Empty(t, roundTrip(t, p, frameFor(t, reg, "MENU", nil)))
	assert.Equal(t, exlink.AckFrame(), roundTrip(t, p, frameFor(t, reg, "PowerOn", nil)))
	assert.True(t, tv.Status().Power)
}

func TestUnknownFrameIsRejected(t *testing.T) {
	tv := New(exlink.DefaultRegistry())
	p, err := tv.Open()
	require.NoError(t, err)
	defer p.Close()

	frame := []byte{0x08, 0x22, 0x7E, 0x7E, 0x7E, 0x7E, 0x00}
	frame[6] = exlink.Checksum(frame[:6])
	assert.Equal(t, exlink.NakFrame(), roundTrip(t, p, frame))

	// a bad checksum gets no reply at all
	frame[6]++
	assert.Empty(t, roundTrip(t, p, frame))
}

func TestOverrideAndInject(t *testing.T) {
	reg := exlink.DefaultRegistry()
	tv := New(reg)
	tv.Override(func(frame []byte) ([]byte, bool) {
		return exlink.NakFrame(), true
	})
	p, err := tv.Open()
	require.NoError(t, err)

	assert.Equal(t, exlink.NakFrame(), roundTrip(t, p, frameFor(t, reg, "MENU", nil)))

	tv.Inject([]byte{0xAA, 0xBB})
	buffered, err := p.(session.Buffered).Buffered()
	require.NoError(t, err)
	assert.Equal(t, 2, buffered)
	require.NoError(t, p.ResetInputBuffer())
	buffered, _ = p.(session.Buffered).Buffered()
	assert.Zero(t, buffered)

	require.NoError(t, p.Close())
	_, err = p.Read(make([]byte, 1))
	assert.ErrorIs(t, err, ErrClosed)
	_, err = p.Write([]byte{0x00})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestFailures(t *testing.T) {
	reg := exlink.DefaultRegistry()
	tv := New(reg)
	boom := errors.New("boom")

	tv.FailOpen(boom)
	_, err := tv.Open()
	assert.ErrorIs(t, err, boom)
	tv.FailOpen(nil)

	p, err := tv.Open()
	require.NoError(t, err)
	tv.FailWrites(boom)
	_, err = p.Write(frameFor(t, reg, "MENU", nil))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 2, tv.Opens())
}
