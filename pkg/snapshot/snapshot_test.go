// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package snapshot

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Thermoquad/exlink/pkg/session"
)

func sampleState() session.DeviceState {
	at := time.Date(2025, 3, 14, 20, 15, 0, 0, time.UTC)
	var st session.DeviceState
	st.Power = session.Reading[bool]{Status: session.Known, Value: true, Updated: at}
	st.Input = session.Reading[string]{Status: session.Known, Value: "HDMI1", Updated: at}
	st.Volume = session.Reading[int]{Status: session.Known, Value: 21, Updated: at}
	st.PictureMode = session.Reading[string]{Status: session.Unknown, Value: "UNKNOWN", Updated: at}
	st.ThreeD = session.Reading[[]byte]{Status: session.Known, Value: []byte{1, 2, 3}, Updated: at}
	return st
}

func TestOpen_MissingFileIsEmpty(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "state.cbor"))
	require.NoError(t, err)
	assert.Empty(t, s.All())
}

func TestUpdate_PersistsAcrossOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.cbor")
	s, err := Open(path)
	require.NoError(t, err)

	want := sampleState()
	require.NoError(t, s.Update("lounge", want))
	require.NoError(t, s.Update("bedroom", session.DeviceState{}))

	reopened, err := Open(path)
	require.NoError(t, err)

	got, ok := reopened.Get("lounge")
	require.True(t, ok)
	assert.Equal(t, want, got)

	empty, ok := reopened.Get("bedroom")
	require.True(t, ok)
	assert.Equal(t, session.NeverQueried, empty.Power.Status)
	assert.Len(t, reopened.All(), 2)
}

func TestRemove(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.cbor")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.Update("lounge", sampleState()))
	require.NoError(t, s.Remove("lounge"))

	reopened, err := Open(path)
	require.NoError(t, err)
	_, ok := reopened.Get("lounge")
	assert.False(t, ok)
}

func TestGet_ReturnsCopy(t *testing.T) {
	s, err := Open(filepath.Join(t.TempDir(), "state.cbor"))
	require.NoError(t, err)
	require.NoError(t, s.Update("lounge", sampleState()))

	got, _ := s.Get("lounge")
	got.ThreeD.Value[0] = 0xFF

	again, _ := s.Get("lounge")
	assert.Equal(t, byte(1), again.ThreeD.Value[0])
}

func TestOpen_Rejects(t *testing.T) {
	dir := t.TempDir()

	garbage := filepath.Join(dir, "garbage.cbor")
	require.NoError(t, os.WriteFile(garbage, []byte{0xFF, 0x00, 0x13}, 0o600))
	_, err := Open(garbage)
	assert.ErrorContains(t, err, "decode snapshot")

	future := filepath.Join(dir, "future.cbor")
	data, err := cbor.Marshal(document{Version: Version + 1})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(future, data, 0o600))
	_, err = Open(future)
	assert.ErrorContains(t, err, "unsupported version")
}
