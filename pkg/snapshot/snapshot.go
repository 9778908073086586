// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package snapshot persists the last known state of every device as a CBOR
// file, so a restarted host can report state before the first query
package snapshot

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/Thermoquad/exlink/pkg/session"
)

// Version is written into every snapshot file
const Version = 1

type document struct {
	Version int                            `cbor:"1,keyasint"`
	Saved   time.Time                      `cbor:"2,keyasint"`
	Devices map[string]session.DeviceState `cbor:"3,keyasint"`
}

// Store is a snapshot file plus its in-memory copy
type Store struct {
	path string
	enc  cbor.EncMode

	mu      sync.Mutex
	devices map[string]session.DeviceState
}

// Open loads the snapshot at path. A missing file yields an empty store.
func Open(path string) (*Store, error) {
	enc, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano, Sort: cbor.SortCanonical}.EncMode()
	if err != nil {
		return nil, fmt.Errorf("cbor encoder: %w", err)
	}
	s := &Store{path: path, enc: enc, devices: map[string]session.DeviceState{}}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}

	var doc document
	if err := cbor.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", path, err)
	}
	if doc.Version != Version {
		return nil, fmt.Errorf("snapshot %s: unsupported version %d", path, doc.Version)
	}
	for id, st := range doc.Devices {
		s.devices[id] = st
	}
	return s, nil
}

// Path returns the file backing the store
func (s *Store) Path() string {
	return s.path
}

// Get returns the stored state for a device
func (s *Store) Get(id string) (session.DeviceState, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.devices[id]
	return st.Clone(), ok
}

// All returns a copy of every stored state
func (s *Store) All() map[string]session.DeviceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]session.DeviceState, len(s.devices))
	for id, st := range s.devices {
		out[id] = st.Clone()
	}
	return out
}

// Update records one device's state and rewrites the file
func (s *Store) Update(id string, st session.DeviceState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.devices[id] = st.Clone()
	return s.write()
}

// Remove forgets a device and rewrites the file
func (s *Store) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.devices, id)
	return s.write()
}

// write replaces the file atomically. Callers hold mu.
func (s *Store) write() error {
	data, err := s.enc.Marshal(document{
		Version: Version,
		Saved:   time.Now().UTC(),
		Devices: s.devices,
	})
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("snapshot dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".exlink-snapshot-*")
	if err != nil {
		return fmt.Errorf("snapshot temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}
