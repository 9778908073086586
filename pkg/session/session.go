// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package session runs Ex-Link transactions against one or more sets.
//
// Each device has a Session that owns its transport handle and its last
// known state. A one-slot lock makes sure only one transaction is on the
// line at a time: every public operation holds it from opening the
// transport until the last reply is read.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/Thermoquad/exlink/pkg/exlink"
)

// Session is the engine for one device
type Session struct {
	id       string
	opener   Opener
	reg      *exlink.Registry
	timeouts Timeouts
	log      *zap.Logger
	rec      Recorder
	notify   func(id string, st DeviceState)

	lock chan struct{}

	// Guarded by lock
	port   Transport
	closed bool
	dirty  bool

	// state is only written with lock held; stateMu lets readers take a
	// copy while a transaction is on the line
	stateMu sync.RWMutex
	state   DeviceState
}

func newSession(id string, opener Opener, reg *exlink.Registry, o *options, notify func(string, DeviceState)) *Session {
	return &Session{
		id:       id,
		opener:   opener,
		reg:      reg,
		timeouts: o.timeouts.withDefaults(),
		log:      o.log.With(zap.String("device", id)),
		rec:      o.rec,
		notify:   notify,
		lock:     make(chan struct{}, 1),
	}
}

// ID returns the device identifier
func (s *Session) ID() string {
	return s.id
}

// Registry returns the command tables used by the session
func (s *Session) Registry() *exlink.Registry {
	return s.reg
}

// State returns a copy of the last known device state
func (s *Session) State() DeviceState {
	s.stateMu.RLock()
	defer s.stateMu.RUnlock()
	return s.state.Clone()
}

// Restore replaces the projection, typically with a saved snapshot
func (s *Session) Restore(st DeviceState) {
	s.stateMu.Lock()
	s.state = st.Clone()
	s.stateMu.Unlock()
}

// acquire takes the device lock, waiting until ctx is done
func (s *Session) acquire(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case s.lock <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	if s.closed {
		<-s.lock
		return fmt.Errorf("%s: %w", s.id, ErrSessionClosed)
	}
	return nil
}

// tryAcquire takes the device lock only if it is free
func (s *Session) tryAcquire(op string) error {
	select {
	case s.lock <- struct{}{}:
	default:
		s.log.Debug("device busy, skipping", zap.String("op", op))
		s.rec.Skipped(s.id, op)
		return fmt.Errorf("%s: %w", s.id, ErrBusy)
	}
	if s.closed {
		<-s.lock
		return fmt.Errorf("%s: %w", s.id, ErrSessionClosed)
	}
	return nil
}

// release gives the lock back and reports a changed projection
func (s *Session) release() {
	changed := s.dirty
	s.dirty = false
	<-s.lock
	if changed && s.notify != nil {
		s.notify(s.id, s.State())
	}
}

func (s *Session) lockFor(ctx context.Context, block bool, op string) error {
	if block {
		return s.acquire(ctx)
	}
	return s.tryAcquire(op)
}

// Open makes sure the transport is open and the line idle. Without block a
// busy device is skipped with ErrBusy.
func (s *Session) Open(ctx context.Context, block bool) error {
	if err := s.lockFor(ctx, block, "open"); err != nil {
		return err
	}
	defer s.release()
	return s.ensureOpen()
}

// Close closes the transport. The session stays usable and reopens the
// transport on the next transaction.
func (s *Session) Close(ctx context.Context, block bool) error {
	if err := s.lockFor(ctx, block, "close"); err != nil {
		return err
	}
	defer s.release()
	return s.closeTransport()
}

// shutdown closes the transport for good. Later calls fail with
// ErrSessionClosed. It reports whether the session is closed on return: a
// ctx that ends while a transaction holds the lock leaves it open.
func (s *Session) shutdown(ctx context.Context) (bool, error) {
	if err := s.acquire(ctx); err != nil {
		return errors.Is(err, ErrSessionClosed), err
	}
	err := s.closeTransport()
	s.closed = true
	s.release()
	return true, err
}

func (s *Session) closeTransport() error {
	if s.port == nil {
		return nil
	}
	err := s.port.Close()
	s.port = nil
	s.log.Info("transport closed")
	return err
}

// dropTransport discards a handle after an I/O error
func (s *Session) dropTransport() {
	if s.port == nil {
		return
	}
	if err := s.port.Close(); err != nil {
		s.log.Debug("close after fault", zap.Error(err))
	}
	s.port = nil
}

// ensureOpen opens the transport if needed and discards anything the set
// sent outside a transaction
func (s *Session) ensureOpen() error {
	if s.port == nil {
		port, err := s.opener.Open()
		s.rec.TransportOpened(s.id, err)
		if err != nil {
			s.log.Error("unable to open transport", zap.Error(err))
			return fmt.Errorf("%s: %w: %w", s.id, ErrTransportUnavailable, err)
		}
		s.port = port
		s.log.Info("transport opened")
	}

	if err := s.resync(); err != nil {
		s.log.Error("unable to resynchronise line", zap.Error(err))
		s.dropTransport()
		return fmt.Errorf("%s: resync: %w", s.id, err)
	}
	return nil
}

func (s *Session) resync() error {
	junk, err := s.drain()
	if len(junk) > 0 {
		s.log.Warn("discarding unsolicited bytes",
			zap.Int("count", len(junk)),
			zap.String("reply_hex", exlink.HexString(junk)))
		s.rec.Unsolicited(s.id, len(junk))
	}
	if err != nil {
		return err
	}
	// whatever is still buffered past the drain limit goes with the reset
	if b, ok := s.port.(Buffered); ok {
		if n, err := b.Buffered(); err == nil && n > 0 {
			s.log.Warn("resetting input buffer with unsolicited bytes", zap.Int("count", n))
			s.rec.Unsolicited(s.id, n)
		}
	}
	if err := s.port.ResetInputBuffer(); err != nil {
		return err
	}
	return s.port.ResetOutputBuffer()
}

func (s *Session) drain() ([]byte, error) {
	if b, ok := s.port.(Buffered); ok {
		n, err := b.Buffered()
		if err != nil || n == 0 {
			return nil, err
		}
		return readFull(s.port, min(n, maxDrain), s.timeouts.Drain)
	}

	if err := s.port.SetReadTimeout(s.timeouts.Drain); err != nil {
		return nil, err
	}
	var junk []byte
	buf := make([]byte, 64)
	for len(junk) < maxDrain {
		n, err := s.port.Read(buf)
		junk = append(junk, buf[:n]...)
		if err != nil {
			return junk, err
		}
		if n == 0 {
			break
		}
	}
	return junk, nil
}

func (s *Session) setState(update func(st *DeviceState, at time.Time)) {
	s.stateMu.Lock()
	update(&s.state, time.Now())
	s.stateMu.Unlock()
	s.dirty = true
}

// ============================================================
// Operations
// ============================================================

// Query asks the set for one family and updates the projection
func (s *Session) Query(ctx context.Context, family exlink.Family) (exlink.Value, error) {
	if _, err := s.reg.Query(family); err != nil {
		return exlink.Value{}, err
	}
	if err := s.acquire(ctx); err != nil {
		return exlink.Value{}, err
	}
	defer s.release()
	return s.query(ctx, family)
}

// SetInteger sends an integer setting. The value is range checked before
// anything is written.
func (s *Session) SetInteger(ctx context.Context, id string, value int) error {
	spec, frame, err := s.prepare(id, exlink.CategoryInteger, &value)
	if err != nil {
		return err
	}
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()
	return s.command(ctx, spec, frame)
}

// SetEnum sends a fixed setting such as an input selection
func (s *Session) SetEnum(ctx context.Context, id string) error {
	spec, frame, err := s.prepare(id, exlink.CategoryEnum, nil)
	if err != nil {
		return err
	}
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()
	return s.command(ctx, spec, frame)
}

// PressButton sends a remote control key
func (s *Session) PressButton(ctx context.Context, id string) error {
	spec, frame, err := s.prepare(id, exlink.CategoryButton, nil)
	if err != nil {
		return err
	}
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()
	return s.command(ctx, spec, frame)
}

// MemberResult is the outcome of one member of a grouped setting
type MemberResult struct {
	ID    string `json:"id"`
	Value int    `json:"value"`
	Err   error  `json:"-"`
}

// OK reports whether the member was acknowledged
func (m MemberResult) OK() bool {
	return m.Err == nil
}

// SetGroupedIntegers applies the members of a group in declared order.
// Members are sent independently: a failed or missing member is logged and
// skipped and the rest are still sent.
func (s *Session) SetGroupedIntegers(ctx context.Context, group string, values map[string]int) ([]MemberResult, error) {
	g, err := s.reg.Group(group)
	if err != nil {
		return nil, err
	}
	members := make(map[string]bool, len(g.Members))
	for _, id := range g.Members {
		members[id] = true
	}
	for id := range values {
		if !members[id] {
			return nil, fmt.Errorf("%s is not a member of %s: %w", id, group, exlink.ErrInvalidIdentifier)
		}
	}

	if err := s.acquire(ctx); err != nil {
		return nil, err
	}
	defer s.release()

	results := make([]MemberResult, 0, len(g.Members))
	for _, id := range g.Members {
		value, ok := values[id]
		r := MemberResult{ID: id, Value: value}
		if !ok {
			r.Err = fmt.Errorf("%s: no value: %w", id, exlink.ErrInvalidParameter)
		} else if spec, frame, err := s.prepare(id, exlink.CategoryInteger, &value); err != nil {
			r.Err = err
		} else {
			r.Err = s.command(ctx, spec, frame)
		}
		if r.Err != nil {
			s.log.Warn("group member skipped",
				zap.String("group", group),
				zap.String("member", id),
				zap.Error(r.Err))
		}
		results = append(results, r)
	}
	return results, nil
}

// RefreshStatus queries power and, when the set is on, every other family
// in one lock hold. Channel is only read while the input is TV.
func (s *Session) RefreshStatus(ctx context.Context) (DeviceState, error) {
	if err := s.acquire(ctx); err != nil {
		return s.State(), err
	}
	defer s.release()
	return s.refresh(ctx)
}

// TryRefreshStatus is RefreshStatus for housekeeping callers: a busy device
// is skipped with ErrBusy
func (s *Session) TryRefreshStatus(ctx context.Context) (DeviceState, error) {
	if err := s.tryAcquire("status"); err != nil {
		return s.State(), err
	}
	defer s.release()
	return s.refresh(ctx)
}

var statusFamilies = []exlink.Family{
	exlink.FamilyVolume,
	exlink.FamilyMute,
	exlink.FamilyPictureMode,
	exlink.FamilyPictureSize,
	exlink.FamilyThreeD,
	exlink.FamilySoundMode,
}

func (s *Session) refresh(ctx context.Context) (DeviceState, error) {
	power, err := s.query(ctx, exlink.FamilyPower)
	if err != nil {
		return s.State(), err
	}
	if !power.Flag {
		return s.State(), nil
	}

	input, err := s.query(ctx, exlink.FamilyInput)
	if err == nil && input.Tag == "TV" {
		_, _ = s.query(ctx, exlink.FamilyChannel)
	}
	for _, family := range statusFamilies {
		if err := ctx.Err(); err != nil {
			return s.State(), err
		}
		_, _ = s.query(ctx, family)
	}
	return s.State(), nil
}

// prepare validates a command and builds its frame before any I/O
func (s *Session) prepare(id string, want exlink.Category, param *int) (*exlink.CommandSpec, []byte, error) {
	spec, err := s.reg.Command(id)
	if err != nil {
		return nil, nil, err
	}
	if spec.Category != want {
		return nil, nil, fmt.Errorf("%s is a %s command, not %s: %w", id, spec.Category, want, exlink.ErrInvalidIdentifier)
	}
	frame, err := exlink.BuildCommand(spec, param)
	if err != nil {
		return nil, nil, err
	}
	return spec, frame, nil
}

// command sends a setting or key and, once acknowledged, re-reads the
// family it affects. Lock must be held.
func (s *Session) command(ctx context.Context, spec *exlink.CommandSpec, frame []byte) error {
	tx := s.newTransaction(spec, frame)
	err := tx.run(ctx, false)
	tx.settle(ctx, "")
	if err != nil {
		return err
	}
	if spec.Refresh != "" {
		if _, err := s.query(ctx, spec.Refresh); err != nil {
			s.log.Warn("follow-up query failed",
				zap.String("family", string(spec.Refresh)),
				zap.Error(err))
		}
	}
	return nil
}

// query runs one query transaction. Lock must be held.
func (s *Session) query(ctx context.Context, family exlink.Family) (exlink.Value, error) {
	spec, err := s.reg.Query(family)
	if err != nil {
		return exlink.Value{}, err
	}
	pattern, err := s.reg.Response(family)
	if err != nil {
		return exlink.Value{}, err
	}
	frame, err := exlink.BuildCommand(spec, nil)
	if err != nil {
		return exlink.Value{}, err
	}

	tx := s.newTransaction(spec, frame)
	runErr := tx.run(ctx, true)
	if pattern.Shape == exlink.ShapePresence {
		return s.presence(ctx, tx, pattern, runErr)
	}
	if runErr != nil {
		tx.settle(ctx, "")
		return exlink.Value{}, runErr
	}

	if len(tx.data) == 0 {
		tx.settle(ctx, evTimeout)
		tx.log.Warn("no data frame", zap.Duration("timeout", s.timeouts.Data))
		return exlink.Value{}, fmt.Errorf("%s data: %w after %s", family, ErrNoResponse, s.timeouts.Data)
	}

	df, err := exlink.ParseDataFrame(tx.data)
	if err != nil {
		event := evBadChecksum
		if errors.Is(err, exlink.ErrShortFrame) {
			event = evShortFrame
		}
		tx.settle(ctx, event)
		tx.log.Error("malformed data frame",
			zap.String("reply_hex", exlink.HexString(tx.data)),
			zap.Error(err))
		s.setState(func(st *DeviceState, at time.Time) { st.markUnknown(family, at) })
		return exlink.Value{}, &ReplyError{Family: family, Raw: tx.data, Err: err}
	}

	v, err := pattern.Decode(df)
	if err != nil {
		tx.settle(ctx, evNoMatch)
		tx.log.Warn("unrecognised reply",
			zap.String("family", string(family)),
			zap.String("reply_hex", exlink.HexString(tx.data)))
		s.setState(func(st *DeviceState, at time.Time) { st.markUnknown(family, at) })
		return exlink.Value{}, &ReplyError{Family: family, Raw: tx.data, Err: err}
	}

	tx.settle(ctx, evDecoded)
	s.setState(func(st *DeviceState, at time.Time) { st.apply(v, at) })
	return v, nil
}

// presence decodes a power query. An off set does not answer at all, so any
// byte in either read means on and silence on the acknowledgement means
// off. The signature is only checked for logging.
func (s *Session) presence(ctx context.Context, tx *transaction, pattern *exlink.ResponsePattern, runErr error) (exlink.Value, error) {
	if runErr != nil && !errors.Is(runErr, ErrNoResponse) && !errors.Is(runErr, ErrNotAcknowledged) {
		tx.settle(ctx, "")
		return exlink.Value{}, runErr
	}

	v := exlink.Value{Family: pattern.Family, Tag: exlink.TagOff}
	if len(tx.ack) > 0 || len(tx.data) > 0 {
		v.Flag = true
		v.Tag = exlink.TagOn
	}

	switch {
	case runErr != nil:
		tx.settle(ctx, "")
	case len(tx.data) == 0:
		tx.settle(ctx, evTimeout)
	default:
		df, err := exlink.ParseDataFrame(tx.data)
		if err == nil {
			if _, ok := pattern.Match(df.Payload()); ok {
				tx.log.Debug("power on reply matched")
			} else {
				tx.log.Info("unexpected power reply, set must be on",
					zap.String("reply_hex", exlink.HexString(tx.data)))
			}
			v.Frame = df.Bytes()
			tx.settle(ctx, evDecoded)
		} else {
			tx.log.Info("malformed power reply, set must be on",
				zap.String("reply_hex", exlink.HexString(tx.data)),
				zap.Error(err))
			event := evBadChecksum
			if errors.Is(err, exlink.ErrShortFrame) {
				event = evShortFrame
			}
			tx.settle(ctx, event)
		}
	}

	s.setState(func(st *DeviceState, at time.Time) { st.apply(v, at) })
	return v, nil
}
