// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package session

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/Thermoquad/exlink/pkg/exlink"
)

// StateListener is called after an operation changed a device's state
type StateListener func(device string, st DeviceState)

type options struct {
	log      *zap.Logger
	rec      Recorder
	timeouts Timeouts
}

// Option configures a Manager
type Option func(*options)

// WithLogger sets the logger sessions log through
func WithLogger(log *zap.Logger) Option {
	return func(o *options) { o.log = log }
}

// WithRecorder sets the recorder that receives transaction outcomes
func WithRecorder(rec Recorder) Option {
	return func(o *options) { o.rec = rec }
}

// WithTimeouts overrides the line timeouts. Zero fields keep their defaults.
func WithTimeouts(t Timeouts) Option {
	return func(o *options) { o.timeouts = t }
}

// Manager owns one Session per active device
type Manager struct {
	reg  *exlink.Registry
	opts options

	mu        sync.RWMutex
	sessions  map[string]*Session
	listeners []StateListener
}

// NewManager creates a manager using reg for every device
func NewManager(reg *exlink.Registry, opts ...Option) *Manager {
	o := options{
		log:      zap.NewNop(),
		rec:      nopRecorder{},
		timeouts: DefaultTimeouts(),
	}
	for _, opt := range opts {
		opt(&o)
	}
	return &Manager{
		reg:      reg,
		opts:     o,
		sessions: make(map[string]*Session),
	}
}

// Registry returns the command tables shared by all sessions
func (m *Manager) Registry() *exlink.Registry {
	return m.reg
}

// OnStateChange registers a listener for state changes of every device
func (m *Manager) OnStateChange(fn StateListener) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

func (m *Manager) notify(id string, st DeviceState) {
	m.mu.RLock()
	listeners := append([]StateListener(nil), m.listeners...)
	m.mu.RUnlock()
	for _, fn := range listeners {
		fn(id, st)
	}
}

// Activate creates the session for a device. The transport is opened on
// first use.
func (m *Manager) Activate(id string, opener Opener) (*Session, error) {
	if id == "" || opener == nil {
		return nil, errors.New("activate: device id and opener are required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; ok {
		return nil, fmt.Errorf("%s: %w", id, ErrDeviceExists)
	}
	s := newSession(id, opener, m.reg, &m.opts, m.notify)
	m.sessions[id] = s
	m.opts.log.Info("device activated", zap.String("device", id))
	return s, nil
}

// Deactivate removes a device, waiting for its current transaction before
// closing the transport. The device stays registered if ctx ends first, so
// the call can be retried.
func (m *Manager) Deactivate(ctx context.Context, id string) error {
	s, err := m.Get(id)
	if err != nil {
		return err
	}
	closed, err := s.shutdown(ctx)
	if !closed {
		return fmt.Errorf("%s: deactivate: %w", id, err)
	}

	m.mu.Lock()
	if m.sessions[id] == s {
		delete(m.sessions, id)
	}
	m.mu.Unlock()

	if errors.Is(err, ErrSessionClosed) {
		// a concurrent Deactivate got there first
		return fmt.Errorf("%s: %w", id, ErrUnknownDevice)
	}
	m.opts.log.Info("device deactivated", zap.String("device", id))
	return err
}

// Get returns the session of an active device
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%s: %w", id, ErrUnknownDevice)
	}
	return s, nil
}

// Devices returns the active device ids, sorted
func (m *Manager) Devices() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// States returns a copy of every device's state
func (m *Manager) States() map[string]DeviceState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]DeviceState, len(m.sessions))
	for id, s := range m.sessions {
		out[id] = s.State()
	}
	return out
}

// Close deactivates every device
func (m *Manager) Close(ctx context.Context) error {
	var errs []error
	for _, id := range m.Devices() {
		if err := m.Deactivate(ctx, id); err != nil && !errors.Is(err, ErrUnknownDevice) {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
