// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Kaz Walker, Thermoquad

// Package poller issues the periodic status request for every active device.
// A device that is busy with a caller's command is skipped for that round.
package poller

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Thermoquad/exlink/pkg/session"
)

// Observer is told the result of every poll
type Observer func(device string, err error)

// Poller runs one pacing loop per device
type Poller struct {
	mgr      *session.Manager
	interval time.Duration
	burst    int
	log      *zap.Logger
	observe  Observer
}

// Option configures a Poller
type Option func(*Poller)

// WithLogger sets the logger
func WithLogger(log *zap.Logger) Option {
	return func(p *Poller) { p.log = log }
}

// WithBurst allows back-to-back polls after an idle stretch
func WithBurst(n int) Option {
	return func(p *Poller) {
		if n > 0 {
			p.burst = n
		}
	}
}

// WithObserver registers a callback for poll results
func WithObserver(fn Observer) Option {
	return func(p *Poller) { p.observe = fn }
}

// New creates a poller that refreshes each device every interval
func New(mgr *session.Manager, interval time.Duration, opts ...Option) *Poller {
	p := &Poller{
		mgr:      mgr,
		interval: interval,
		burst:    1,
		log:      zap.NewNop(),
		observe:  func(string, error) {},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Run polls the devices active when it starts until ctx is done
func (p *Poller) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, id := range p.mgr.Devices() {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			p.loop(ctx, id)
		}(id)
	}
	wg.Wait()
}

func (p *Poller) loop(ctx context.Context, id string) {
	limiter := rate.NewLimiter(rate.Every(p.interval), p.burst)
	log := p.log.With(zap.String("device", id))
	log.Debug("poller started", zap.Duration("interval", p.interval))

	for {
		if err := limiter.Wait(ctx); err != nil {
			log.Debug("poller stopped")
			return
		}
		err := p.Poll(ctx, id)
		if errors.Is(err, session.ErrUnknownDevice) {
			log.Debug("device deactivated, poller stopped")
			return
		}
	}
}

// Poll runs one non-blocking status request for a device
func (p *Poller) Poll(ctx context.Context, id string) error {
	sess, err := p.mgr.Get(id)
	if err != nil {
		return err
	}

	_, err = sess.TryRefreshStatus(ctx)
	switch {
	case err == nil:
	case errors.Is(err, session.ErrBusy):
		p.log.Debug("device busy, poll skipped", zap.String("device", id))
	case ctx.Err() != nil:
		return err
	default:
		p.log.Warn("status poll failed", zap.String("device", id), zap.Error(err))
	}
	p.observe(id, err)
	return err
}
