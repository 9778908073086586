// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package session_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Thermoquad/exlink/pkg/exlink"
	"github.com/Thermoquad/exlink/pkg/session"
	"github.com/Thermoquad/exlink/pkg/simulator"
)

type countingRecorder struct {
	mu          sync.Mutex
	outcomes    map[string]int
	unsolicited int
	skipped     int
	opens       int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{outcomes: make(map[string]int)}
}

func (r *countingRecorder) Transaction(_, _, outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes[outcome]++
}

func (r *countingRecorder) Unsolicited(_ string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.unsolicited += n
}

func (r *countingRecorder) Skipped(string, string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.skipped++
}

func (r *countingRecorder) TransportOpened(string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.opens++
}

func (r *countingRecorder) count(outcome string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.outcomes[outcome]
}

type fixture struct {
	mgr  *session.Manager
	sess *session.Session
	tv   *simulator.TV
	rec  *countingRecorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := exlink.DefaultRegistry()
	rec := newCountingRecorder()
	mgr := session.NewManager(reg,
		session.WithLogger(zaptest.NewLogger(t)),
		session.WithRecorder(rec),
		session.WithTimeouts(session.Timeouts{
			Ack:      100 * time.Millisecond,
			PowerAck: 50 * time.Millisecond,
			Data:     100 * time.Millisecond,
			Drain:    5 * time.Millisecond,
		}))
	tv := simulator.New(reg)
	sess, err := mgr.Activate("lounge", tv)
	require.NoError(t, err)
	t.Cleanup(func() { _ = mgr.Close(context.Background()) })
	return &fixture{mgr: mgr, sess: sess, tv: tv, rec: rec}
}

func frameOf(t *testing.T, id string) []byte {
	t.Helper()
	spec, err := exlink.DefaultRegistry().Command(id)
	require.NoError(t, err)
	frame, err := exlink.BuildCommand(spec, nil)
	require.NoError(t, err)
	return frame
}

func queryFrame(t *testing.T, f exlink.Family) []byte {
	return frameOf(t, exlink.QueryPrefix+string(f))
}

// ============================================================
// Power
// ============================================================

func TestQuery_PowerOn(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	v, err := f.sess.Query(ctx, exlink.FamilyPower)
	require.NoError(t, err)
	assert.True(t, v.Flag)
	assert.Equal(t, exlink.TagOn, v.Tag)

	writes := f.tv.Writes()
	require.Len(t, writes, 1)
	assert.Equal(t, []byte{0x08, 0x22, 0xF0, 0x00, 0x00, 0x00, 0xE6}, writes[0])

	st := f.sess.State()
	assert.Equal(t, session.Known, st.Power.Status)
	assert.True(t, st.Power.Value)
	assert.Equal(t, 1, f.rec.count(session.StateDecoded))
}

func TestQuery_PowerOff(t *testing.T) {
	f := newFixture(t)
	f.tv.Update(func(st *simulator.Status) { st.Power = false })

	v, err := f.sess.Query(context.Background(), exlink.FamilyPower)
	require.NoError(t, err)
	assert.False(t, v.Flag)
	assert.Equal(t, exlink.TagOff, v.Tag)

	// only the acknowledgement read, on the short timeout
	timeouts := f.tv.ReadTimeouts()
	require.Len(t, timeouts, 1)
	assert.LessOrEqual(t, timeouts[0], 50*time.Millisecond)

	st := f.sess.State()
	assert.Equal(t, session.Known, st.Power.Status)
	assert.False(t, st.Power.Value)
	assert.Equal(t, 1, f.rec.count(session.StateTimedOut))
}

func TestQuery_PowerUnexpectedReplyMeansOn(t *testing.T) {
	f := newFixture(t)
	f.tv.Override(func(frame []byte) ([]byte, bool) {
		return []byte{0x03, 0x0C, 0xF1, 0x03, 0x0C}, true
	})

	v, err := f.sess.Query(context.Background(), exlink.FamilyPower)
	require.NoError(t, err)
	assert.True(t, v.Flag)
	assert.Equal(t, 1, f.rec.count(session.StateShortFrame))
}

func TestSetEnum_PowerOffUsesShortTimeout(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.sess.SetEnum(context.Background(), "PowerOff"))
	timeouts := f.tv.ReadTimeouts()
	require.NotEmpty(t, timeouts)
	assert.LessOrEqual(t, timeouts[0], 50*time.Millisecond)
	assert.False(t, f.tv.Status().Power)
}

// ============================================================
// Settings
// ============================================================

func TestSetInteger_Volume(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.sess.SetInteger(ctx, "Volume", 100))

	writes := f.tv.Writes()
	require.Len(t, writes, 2)
	assert.Equal(t, []byte{0x08, 0x22, 0x01, 0x00, 0x00, 0x64, 0x71}, writes[0])
	assert.Equal(t, queryFrame(t, exlink.FamilyVolume), writes[1])
	assert.Equal(t, 100, f.tv.Status().Volume)

	st := f.sess.State()
	assert.Equal(t, session.Known, st.Volume.Status)
	assert.Equal(t, 100, st.Volume.Value)
}

func TestSetInteger_OutOfRangeWritesNothing(t *testing.T) {
	f := newFixture(t)

	err := f.sess.SetInteger(context.Background(), "Volume", 101)
	assert.ErrorIs(t, err, exlink.ErrOutOfRange)
	assert.Empty(t, f.tv.Writes())
	assert.Zero(t, f.tv.Opens())
}

func TestSetInteger_ChannelNotEncodable(t *testing.T) {
	f := newFixture(t)

	err := f.sess.SetInteger(context.Background(), "Channel", 300)
	assert.ErrorIs(t, err, exlink.ErrInvalidParameter)
	assert.Empty(t, f.tv.Writes())
}

func TestInvalidIdentifier(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	assert.ErrorIs(t, f.sess.SetEnum(ctx, "Nope"), exlink.ErrInvalidIdentifier)
	assert.ErrorIs(t, f.sess.SetEnum(ctx, "Volume"), exlink.ErrInvalidIdentifier)
	assert.ErrorIs(t, f.sess.PressButton(ctx, "Input.TV"), exlink.ErrInvalidIdentifier)
	assert.ErrorIs(t, f.sess.SetInteger(ctx, "MENU", 1), exlink.ErrInvalidIdentifier)
	_, err := f.sess.Query(ctx, "NOPE")
	assert.ErrorIs(t, err, exlink.ErrInvalidIdentifier)
	assert.Empty(t, f.tv.Writes())
}

func TestSetEnum_InputRefreshes(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.sess.SetEnum(context.Background(), "Input.HDMI2"))

	writes := f.tv.Writes()
	require.Len(t, writes, 2)
	assert.Equal(t, frameOf(t, "Input.HDMI2"), writes[0])
	assert.Equal(t, queryFrame(t, exlink.FamilyInput), writes[1])
	assert.Equal(t, "HDMI2", f.sess.State().Input.Value)
}

func TestSetEnum_WriteOnly(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.sess.SetEnum(context.Background(), "FilmModeAuto1"))
	assert.Len(t, f.tv.Writes(), 1)
	assert.Equal(t, "Auto 1", f.tv.Status().Options["FilmMode"])
}

func TestPressButton_FollowUps(t *testing.T) {
	tests := []struct {
		button string
		family exlink.Family
	}{
		{"VOLUP", exlink.FamilyVolume},
		{"VOLDOWN", exlink.FamilyVolume},
		{"MUTE", exlink.FamilyMute},
		{"CHUP", exlink.FamilyChannel},
		{"CHDOWN", exlink.FamilyChannel},
		{"PRECH", exlink.FamilyChannel},
		{"FAVCH", exlink.FamilyChannel},
		{"SOURCE", exlink.FamilyInput},
		{"PICMODE", exlink.FamilyPictureMode},
		{"SNDMODE", exlink.FamilySoundMode},
	}

	for _, tt := range tests {
		t.Run(tt.button, func(t *testing.T) {
			f := newFixture(t)
			require.NoError(t, f.sess.PressButton(context.Background(), tt.button))
			writes := f.tv.Writes()
			require.Len(t, writes, 2)
			assert.Equal(t, queryFrame(t, tt.family), writes[1])
		})
	}

	f := newFixture(t)
	require.NoError(t, f.sess.PressButton(context.Background(), "MENU"))
	assert.Len(t, f.tv.Writes(), 1)
}

func TestPressButton_VolumeProjection(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.sess.PressButton(context.Background(), "VOLUP"))
	assert.Equal(t, 11, f.sess.State().Volume.Value)
	require.NoError(t, f.sess.PressButton(context.Background(), "MUTE"))
	assert.True(t, f.sess.State().Mute.Value)
}

// ============================================================
// Replies
// ============================================================

func TestQuery_InputSignature(t *testing.T) {
	f := newFixture(t)
	f.tv.Update(func(st *simulator.Status) { st.Input = "HDMI1" })

	v, err := f.sess.Query(context.Background(), exlink.FamilyInput)
	require.NoError(t, err)
	assert.Equal(t, "HDMI1", v.Tag)
	assert.Equal(t, []byte{0x04, 0x00, 0x00, 0xF1, 0x39, 0x00, 0x00, 0xD6}, v.Frame[5:])
	assert.Equal(t, "HDMI1", f.sess.State().Input.Value)
}

func TestQuery_NoMatchIsUnknown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.sess.Query(ctx, exlink.FamilyInput)
	require.NoError(t, err)
	require.Equal(t, session.Known, f.sess.State().Input.Status)

	// the tables have no signature for this input
	f.tv.Update(func(st *simulator.Status) { st.Input = "SVID1" })
	_, err = f.sess.Query(ctx, exlink.FamilyInput)
	require.ErrorIs(t, err, exlink.ErrNoMatch)
	assert.NotErrorIs(t, err, exlink.ErrBadChecksum)

	var replyErr *session.ReplyError
	require.ErrorAs(t, err, &replyErr)
	assert.Equal(t, exlink.FamilyInput, replyErr.Family)
	assert.Len(t, replyErr.Raw, exlink.DataFrameSize)

	st := f.sess.State()
	assert.Equal(t, session.Unknown, st.Input.Status)
	assert.Equal(t, exlink.UnknownTag, st.Input.Value)
	assert.Equal(t, 1, f.rec.count(session.StateNoMatch))
}

func TestQuery_BadChecksumIsUnknown(t *testing.T) {
	f := newFixture(t)
	f.tv.Override(func(frame []byte) ([]byte, bool) {
		reply := append(exlink.AckFrame(), 0x03, 0x0C, 0xF5, 0x08, 0xF0, 0x04, 0x00, 0x00, 0xF1, 0x39, 0x00, 0x00, 0xD7)
		return reply, true
	})

	_, err := f.sess.Query(context.Background(), exlink.FamilyInput)
	require.ErrorIs(t, err, exlink.ErrBadChecksum)
	assert.NotErrorIs(t, err, exlink.ErrNoMatch)
	assert.Equal(t, session.Unknown, f.sess.State().Input.Status)
	assert.Equal(t, 1, f.rec.count(session.StateChecksumFailed))
}

func TestQuery_ShortFrameIsUnknown(t *testing.T) {
	f := newFixture(t)
	f.tv.Override(func(frame []byte) ([]byte, bool) {
		return append(exlink.AckFrame(), 0x03, 0x0C, 0xF5, 0x08), true
	})

	_, err := f.sess.Query(context.Background(), exlink.FamilyVolume)
	require.ErrorIs(t, err, exlink.ErrShortFrame)
	assert.Equal(t, session.Unknown, f.sess.State().Volume.Status)
}

func TestQuery_TimeoutLeavesStateUnchanged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.sess.Query(ctx, exlink.FamilyVolume)
	require.NoError(t, err)
	before := f.sess.State().Volume

	f.tv.Override(func(frame []byte) ([]byte, bool) { return nil, true })
	_, err = f.sess.Query(ctx, exlink.FamilyVolume)
	require.ErrorIs(t, err, session.ErrNoResponse)
	assert.Equal(t, before, f.sess.State().Volume)
	assert.Equal(t, 1, f.rec.count(session.StateTimedOut))

	// acknowledged, but no data frame follows
	f.tv.Override(func(frame []byte) ([]byte, bool) { return exlink.AckFrame(), true })
	_, err = f.sess.Query(ctx, exlink.FamilyVolume)
	require.ErrorIs(t, err, session.ErrNoResponse)
	assert.Equal(t, before, f.sess.State().Volume)
}

func TestQuery_NackLeavesStateUnchanged(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.sess.Query(ctx, exlink.FamilyMute)
	require.NoError(t, err)
	before := f.sess.State().Mute

	f.tv.Override(func(frame []byte) ([]byte, bool) { return []byte{0x03, 0x0C, 0xFF}, true })
	_, err = f.sess.Query(ctx, exlink.FamilyMute)
	require.ErrorIs(t, err, session.ErrNotAcknowledged)
	assert.Equal(t, before, f.sess.State().Mute)

	// not a transport fault: the handle stays open
	assert.Equal(t, 1, f.tv.Opens())
}

// ============================================================
// Transport
// ============================================================

func TestTransportUnavailable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.tv.FailOpen(errors.New("no such port"))

	err := f.sess.SetEnum(ctx, "Input.TV")
	require.ErrorIs(t, err, session.ErrTransportUnavailable)
	assert.Empty(t, f.tv.Writes())
	assert.Equal(t, 1, f.rec.count(session.StateUnavailable))

	f.tv.FailOpen(nil)
	require.NoError(t, f.sess.SetEnum(ctx, "Input.TV"))
	assert.Equal(t, 2, f.tv.Opens())
}

func TestIOErrorReopens(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.sess.PressButton(ctx, "MENU"))
	require.Equal(t, 1, f.tv.Opens())

	f.tv.FailWrites(errors.New("device unplugged"))
	err := f.sess.PressButton(ctx, "MENU")
	require.Error(t, err)
	assert.Equal(t, 1, f.rec.count(session.StateIOError))

	f.tv.FailWrites(nil)
	require.NoError(t, f.sess.PressButton(ctx, "MENU"))
	assert.Equal(t, 2, f.tv.Opens())
}

func TestUnsolicitedBytesDrained(t *testing.T) {
	f := newFixture(t)
	f.tv.Inject([]byte{0x03, 0x0C, 0xF1})

	v, err := f.sess.Query(context.Background(), exlink.FamilyVolume)
	require.NoError(t, err)
	assert.Equal(t, 10, v.Number)
	assert.Equal(t, 3, f.rec.unsolicited)
	assert.Zero(t, f.tv.Interleaved())
}

func TestUnsolicitedBytesBeyondDrainLimit(t *testing.T) {
	f := newFixture(t)
	noise := make([]byte, 5000)
	for i := range noise {
		noise[i] = 0xAA
	}
	f.tv.Inject(noise)

	v, err := f.sess.Query(context.Background(), exlink.FamilyVolume)
	require.NoError(t, err)
	assert.Equal(t, 10, v.Number)
	assert.Equal(t, len(noise), f.rec.unsolicited)
}

func TestOpenAndClose(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.sess.Open(ctx, true))
	require.NoError(t, f.sess.Open(ctx, false))
	assert.Equal(t, 1, f.tv.Opens())

	require.NoError(t, f.sess.Close(ctx, true))
	require.NoError(t, f.sess.PressButton(ctx, "MENU"))
	assert.Equal(t, 2, f.tv.Opens())
}

// ============================================================
// Concurrency
// ============================================================

func TestConcurrentOperationsNeverInterleave(t *testing.T) {
	f := newFixture(t)
	f.tv.SetLatency(time.Millisecond)
	ctx := context.Background()

	var wg sync.WaitGroup
	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				if g%2 == 0 {
					assert.NoError(t, f.sess.SetInteger(ctx, "Volume", i))
				} else {
					_, err := f.sess.Query(ctx, exlink.FamilyInput)
					assert.NoError(t, err)
				}
			}
		}(g)
	}
	wg.Wait()

	assert.Zero(t, f.tv.Interleaved())
	for _, w := range f.tv.Writes() {
		assert.Len(t, w, exlink.CommandFrameSize)
		assert.True(t, exlink.ValidChecksum(w))
	}
}

func TestNonBlockingSkipWhenBusy(t *testing.T) {
	f := newFixture(t)
	f.tv.SetLatency(200 * time.Millisecond)
	ctx := context.Background()

	done := make(chan error, 1)
	go func() { done <- f.sess.PressButton(ctx, "MENU") }()
	require.Eventually(t, func() bool { return len(f.tv.Writes()) == 1 }, time.Second, time.Millisecond)

	_, err := f.sess.TryRefreshStatus(ctx)
	assert.ErrorIs(t, err, session.ErrBusy)
	assert.ErrorIs(t, f.sess.Open(ctx, false), session.ErrBusy)
	assert.Equal(t, 2, f.rec.skipped)

	waitCtx, cancel := context.WithTimeout(ctx, 10*time.Millisecond)
	defer cancel()
	_, err = f.sess.Query(waitCtx, exlink.FamilyPower)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, <-done)
	assert.Len(t, f.tv.Writes(), 1)
}

// ============================================================
// Status and groups
// ============================================================

func TestRefreshStatus_OnTV(t *testing.T) {
	f := newFixture(t)

	st, err := f.sess.RefreshStatus(context.Background())
	require.NoError(t, err)

	want := [][]byte{
		queryFrame(t, exlink.FamilyPower),
		queryFrame(t, exlink.FamilyInput),
		queryFrame(t, exlink.FamilyChannel),
		queryFrame(t, exlink.FamilyVolume),
		queryFrame(t, exlink.FamilyMute),
		queryFrame(t, exlink.FamilyPictureMode),
		queryFrame(t, exlink.FamilyPictureSize),
		queryFrame(t, exlink.FamilyThreeD),
		queryFrame(t, exlink.FamilySoundMode),
	}
	assert.Equal(t, want, f.tv.Writes())

	assert.True(t, st.Power.Value)
	assert.Equal(t, "TV", st.Input.Value)
	assert.Equal(t, 7, st.Channel.Value)
	assert.Equal(t, 10, st.Volume.Value)
	assert.Equal(t, "STANDARD", st.PictureMode.Value)
	assert.Equal(t, "SIXTEEN_NINE", st.PictureSize.Value)
	assert.Equal(t, "STANDARD", st.SoundMode.Value)
	assert.Equal(t, session.Known, st.ThreeD.Status)
}

func TestRefreshStatus_SkipsChannelOffTV(t *testing.T) {
	f := newFixture(t)
	f.tv.Update(func(st *simulator.Status) { st.Input = "HDMI1" })

	st, err := f.sess.RefreshStatus(context.Background())
	require.NoError(t, err)
	assert.NotContains(t, f.tv.Writes(), queryFrame(t, exlink.FamilyChannel))
	assert.Len(t, f.tv.Writes(), 8)
	assert.Equal(t, session.NeverQueried, st.Channel.Status)
}

func TestRefreshStatus_Off(t *testing.T) {
	f := newFixture(t)
	f.tv.Update(func(st *simulator.Status) { st.Power = false })

	st, err := f.sess.RefreshStatus(context.Background())
	require.NoError(t, err)
	assert.Len(t, f.tv.Writes(), 1)
	assert.False(t, st.Power.Value)
	assert.Equal(t, session.NeverQueried, st.Volume.Status)
}

func TestSetGroupedIntegers_PartialFailure(t *testing.T) {
	f := newFixture(t)

	results, err := f.sess.SetGroupedIntegers(context.Background(), "SoundEQ", map[string]int{
		"SoundEQ100Hz": 5,
		"SoundEQ300Hz": 50,
		"SoundEQ1kHz":  10,
		"SoundEQ10kHz": 20,
	})
	require.NoError(t, err)
	require.Len(t, results, 5)

	assert.True(t, results[0].OK())
	assert.ErrorIs(t, results[1].Err, exlink.ErrOutOfRange)
	assert.True(t, results[2].OK())
	assert.ErrorIs(t, results[3].Err, exlink.ErrInvalidParameter)
	assert.True(t, results[4].OK())

	got := f.tv.Status().Integers
	assert.Equal(t, map[string]int{"SoundEQ100Hz": 5, "SoundEQ1kHz": 10, "SoundEQ10kHz": 20}, got)
	assert.Len(t, f.tv.Writes(), 3)
}

func TestSetGroupedIntegers_Rejected(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.sess.SetGroupedIntegers(ctx, "Nope", nil)
	assert.ErrorIs(t, err, exlink.ErrInvalidIdentifier)
	_, err = f.sess.SetGroupedIntegers(ctx, "SoundEQ", map[string]int{"Volume": 5})
	assert.ErrorIs(t, err, exlink.ErrInvalidIdentifier)
	assert.Empty(t, f.tv.Writes())
}

// ============================================================
// Execute
// ============================================================

func TestExecute(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	value := 42

	res := f.sess.Execute(ctx, session.Command{Op: session.OpSet, ID: "Volume", Value: &value})
	require.True(t, res.OK, res.Error)
	assert.Equal(t, 42, res.State.Volume.Value)

	res = f.sess.Execute(ctx, session.Command{Op: session.OpQuery, ID: "picture-mode"})
	require.True(t, res.OK, res.Error)
	require.NotNil(t, res.Value)
	assert.Equal(t, "STANDARD", res.Value.Tag)

	res = f.sess.Execute(ctx, session.Command{Op: session.OpGroup, ID: "SoundEQ", Values: map[string]int{"SoundEQ1kHz": 99}})
	require.True(t, res.OK)
	require.Len(t, res.Members, 5)
	assert.False(t, res.Members[2].OK)
	assert.NotEmpty(t, res.Members[2].Error)

	res = f.sess.Execute(ctx, session.Command{Op: session.OpSet, ID: "Volume"})
	assert.False(t, res.OK)
	assert.ErrorIs(t, res.Err(), exlink.ErrInvalidParameter)

	res = f.sess.Execute(ctx, session.Command{Op: "reboot"})
	assert.ErrorIs(t, res.Err(), exlink.ErrInvalidIdentifier)

	res = f.sess.Execute(ctx, session.Command{Op: session.OpStatus})
	require.True(t, res.OK)
	assert.True(t, res.State.Power.Value)
}
