// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/looplab/fsm"
	"go.uber.org/zap"

	"github.com/Thermoquad/exlink/pkg/exlink"
)

// Transaction states. Terminal states double as the outcome recorded for
// the transaction.
const (
	StateIdle            = "idle"
	StateOpening         = "opening"
	StateSending         = "sending"
	StateAwaitingAck     = "awaiting_ack"
	StateAcked           = "acked"
	StateTimedOut        = "timed_out"
	StateNotAcknowledged = "not_acknowledged"
	StateAwaitingData    = "awaiting_data"
	StateDecoded         = "decoded"
	StateChecksumFailed  = "checksum_failed"
	StateShortFrame      = "short_frame"
	StateNoMatch         = "no_match"
	StateUnavailable     = "unavailable"
	StateIOError         = "io_error"
)

// Transaction events
const (
	evOpen        = "open"
	evOpened      = "opened"
	evOpenFailed  = "open_failed"
	evSent        = "sent"
	evAck         = "ack"
	evNack        = "nack"
	evTimeout     = "timeout"
	evAwaitData   = "await_data"
	evDecoded     = "decoded"
	evBadChecksum = "bad_checksum"
	evShortFrame  = "short_frame"
	evNoMatch     = "no_match"
	evFault       = "fault"
)

var transactionEvents = fsm.Events{
	{Name: evOpen, Src: []string{StateIdle}, Dst: StateOpening},
	{Name: evOpened, Src: []string{StateOpening}, Dst: StateSending},
	{Name: evOpenFailed, Src: []string{StateOpening}, Dst: StateUnavailable},
	{Name: evSent, Src: []string{StateSending}, Dst: StateAwaitingAck},
	{Name: evAck, Src: []string{StateAwaitingAck}, Dst: StateAcked},
	{Name: evNack, Src: []string{StateAwaitingAck}, Dst: StateNotAcknowledged},
	{Name: evTimeout, Src: []string{StateAwaitingAck, StateAwaitingData}, Dst: StateTimedOut},
	{Name: evAwaitData, Src: []string{StateAcked}, Dst: StateAwaitingData},
	{Name: evDecoded, Src: []string{StateAwaitingData}, Dst: StateDecoded},
	{Name: evBadChecksum, Src: []string{StateAwaitingData}, Dst: StateChecksumFailed},
	{Name: evShortFrame, Src: []string{StateAwaitingData}, Dst: StateShortFrame},
	{Name: evNoMatch, Src: []string{StateAwaitingData}, Dst: StateNoMatch},
	{Name: evFault, Src: []string{StateOpening, StateSending, StateAwaitingAck, StateAwaitingData}, Dst: StateIOError},
}

// maxDrain bounds how much a chattering line can make us discard before a
// transaction
const maxDrain = 4096

// transaction runs one request/response exchange. It is only used while the
// session lock is held.
type transaction struct {
	s       *Session
	spec    *exlink.CommandSpec
	frame   []byte
	machine *fsm.FSM
	log     *zap.Logger
	started time.Time

	ack  []byte
	data []byte
}

func (s *Session) newTransaction(spec *exlink.CommandSpec, frame []byte) *transaction {
	tx := &transaction{
		s:       s,
		spec:    spec,
		frame:   frame,
		started: time.Now(),
		log: s.log.With(
			zap.String("tx", uuid.NewString()),
			zap.String("command", spec.ID),
		),
	}
	tx.machine = fsm.NewFSM(StateIdle, transactionEvents, fsm.Callbacks{
		"enter_state": func(_ context.Context, e *fsm.Event) {
			tx.log.Debug("transaction state",
				zap.String("event", e.Event),
				zap.String("from", e.Src),
				zap.String("to", e.Dst))
		},
	})
	return tx
}

func (tx *transaction) fire(ctx context.Context, event string) {
	if err := tx.machine.Event(ctx, event); err != nil {
		tx.log.Error("invalid transaction transition",
			zap.String("event", event),
			zap.String("state", tx.machine.Current()),
			zap.Error(err))
	}
}

// run opens the line, writes the frame and waits for the acknowledgement.
// With wantData it also reads the data frame, leaving the transaction in
// awaiting_data for the caller to settle.
func (tx *transaction) run(ctx context.Context, wantData bool) error {
	s := tx.s

	tx.fire(ctx, evOpen)
	if err := s.ensureOpen(); err != nil {
		if errors.Is(err, ErrTransportUnavailable) {
			tx.fire(ctx, evOpenFailed)
		} else {
			tx.fire(ctx, evFault)
		}
		return err
	}
	tx.fire(ctx, evOpened)

	tx.log.Debug("sending", zap.String("frame_hex", exlink.HexString(tx.frame)))
	n, err := s.port.Write(tx.frame)
	if err == nil && n != len(tx.frame) {
		err = fmt.Errorf("short write: %d of %d bytes", n, len(tx.frame))
	}
	if err != nil {
		return tx.fault(ctx, fmt.Errorf("write %s: %w", tx.spec.ID, err))
	}
	tx.fire(ctx, evSent)

	wait := s.timeouts.Ack
	if tx.spec.ShortTimeout {
		wait = s.timeouts.PowerAck
	}
	tx.ack, err = readFull(s.port, exlink.AckFrameSize, wait)
	if err != nil {
		return tx.fault(ctx, fmt.Errorf("read acknowledgement: %w", err))
	}
	switch {
	case len(tx.ack) == 0:
		tx.fire(ctx, evTimeout)
		tx.log.Warn("no acknowledgement", zap.Duration("timeout", wait))
		return fmt.Errorf("%s: %w after %s", tx.spec.ID, ErrNoResponse, wait)
	case !exlink.IsAck(tx.ack):
		tx.fire(ctx, evNack)
		tx.log.Warn("command not acknowledged", zap.String("reply_hex", exlink.HexString(tx.ack)))
		return fmt.Errorf("%s: %w: got [%s]", tx.spec.ID, ErrNotAcknowledged, exlink.HexString(tx.ack))
	}
	tx.fire(ctx, evAck)

	if !wantData {
		return nil
	}
	tx.fire(ctx, evAwaitData)
	tx.data, err = readFull(s.port, exlink.DataFrameSize, s.timeouts.Data)
	if err != nil {
		return tx.fault(ctx, fmt.Errorf("read data frame: %w", err))
	}
	return nil
}

// fault closes the transport after an I/O error so the next transaction
// reopens it
func (tx *transaction) fault(ctx context.Context, err error) error {
	tx.fire(ctx, evFault)
	tx.log.Error("transport fault", zap.Error(err))
	tx.s.dropTransport()
	return err
}

// settle fires the final event, if any, and records the outcome
func (tx *transaction) settle(ctx context.Context, event string) {
	if event != "" {
		tx.fire(ctx, event)
	}
	outcome := tx.machine.Current()
	elapsed := time.Since(tx.started)
	tx.s.rec.Transaction(tx.s.id, tx.spec.Category.String(), outcome, elapsed)
	tx.log.Debug("transaction complete",
		zap.String("outcome", outcome),
		zap.Duration("elapsed", elapsed))
}

// readFull reads up to n bytes, stopping early when the total wait expires
// or a read returns nothing. The read timeout is shortened before every
// read so the whole call never exceeds timeout.
func readFull(port Transport, n int, timeout time.Duration) ([]byte, error) {
	buf := make([]byte, n)
	got := 0
	deadline := time.Now().Add(timeout)
	for got < n {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			break
		}
		if err := port.SetReadTimeout(remaining); err != nil {
			return buf[:got], err
		}
		m, err := port.Read(buf[got:])
		got += m
		if err != nil {
			return buf[:got], err
		}
		if m == 0 {
			break
		}
	}
	return buf[:got], nil
}
