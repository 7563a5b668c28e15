/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package channel

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/grimnir_tv/internal/asrun"
	"github.com/friendsincode/grimnir_tv/internal/events"
	"github.com/friendsincode/grimnir_tv/internal/masterclock"
	"github.com/friendsincode/grimnir_tv/internal/schedule"
)

// ErrUnknownChannel is returned for tune-in on a channel that does not
// exist or is inactive.
var ErrUnknownChannel = errors.New("channel: unknown or inactive channel")

// Options tune the channel runtime.
type Options struct {
	LaunchTimeout time.Duration // encoder must report ready within this
	PlanBuffer    time.Duration // minimum playout plan coverage
	Factory       EncoderFactory
}

// Manager owns one supervisor per channel and dispatches tune-in/tune-out
// to them. Cross-channel events run in parallel; per-channel events are
// serialized by each supervisor's actor loop.
type Manager struct {
	db     *gorm.DB
	sched  *schedule.Service
	clock  masterclock.Clock
	asrun  *asrun.Logger
	bus    *events.Bus
	logger zerolog.Logger
	opts   Options

	mu   sync.Mutex
	sups map[string]*Supervisor
	ctx  context.Context
}

// NewManager builds the channel manager.
func NewManager(db *gorm.DB, sched *schedule.Service, clock masterclock.Clock, asrunLogger *asrun.Logger, bus *events.Bus, logger zerolog.Logger, opts Options) *Manager {
	if opts.LaunchTimeout <= 0 {
		opts.LaunchTimeout = 10 * time.Second
	}
	if opts.PlanBuffer <= 0 {
		opts.PlanBuffer = 10 * time.Minute
	}
	return &Manager{
		db:     db,
		sched:  sched,
		clock:  clock,
		asrun:  asrunLogger,
		bus:    bus,
		logger: logger.With().Str("component", "channel_manager").Logger(),
		opts:   opts,
		sups:   make(map[string]*Supervisor),
	}
}

// Run keeps the manager alive until ctx is cancelled; cancellation stops
// every supervisor.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	m.ctx = ctx
	m.mu.Unlock()

	<-ctx.Done()
	return ctx.Err()
}

// TuneIn attaches a viewer to a channel, spinning up its supervisor (and
// encoder) as needed.
func (m *Manager) TuneIn(ctx context.Context, channelID, viewerID string) (*Viewer, error) {
	sup, err := m.supervisor(ctx, channelID)
	if err != nil {
		return nil, err
	}
	return sup.TuneIn(ctx, viewerID)
}

// TuneOut detaches a viewer. Unknown channels and viewers are no-ops.
func (m *Manager) TuneOut(channelID, viewerID string) {
	m.mu.Lock()
	sup := m.sups[channelID]
	m.mu.Unlock()
	if sup != nil {
		sup.TuneOut(viewerID)
	}
}

// Status reports every running supervisor.
func (m *Manager) Status(ctx context.Context) ([]Status, error) {
	m.mu.Lock()
	sups := make([]*Supervisor, 0, len(m.sups))
	for _, s := range m.sups {
		sups = append(sups, s)
	}
	m.mu.Unlock()

	out := make([]Status, 0, len(sups))
	for _, s := range sups {
		st, err := s.Status(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// ChannelStatus reports one channel's supervisor, if running.
func (m *Manager) ChannelStatus(ctx context.Context, channelID string) (Status, bool, error) {
	m.mu.Lock()
	sup := m.sups[channelID]
	m.mu.Unlock()
	if sup == nil {
		return Status{}, false, nil
	}
	st, err := sup.Status(ctx)
	if err != nil {
		return Status{}, false, err
	}
	return st, true, nil
}

// supervisor returns the channel's supervisor, creating and starting it on
// first use.
func (m *Manager) supervisor(ctx context.Context, channelID string) (*Supervisor, error) {
	m.mu.Lock()
	if sup, ok := m.sups[channelID]; ok {
		m.mu.Unlock()
		return sup, nil
	}
	runCtx := m.ctx
	m.mu.Unlock()
	if runCtx == nil {
		runCtx = context.Background()
	}

	ch, ok, err := m.sched.Channel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if !ok || !ch.Active {
		return nil, ErrUnknownChannel
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if sup, ok := m.sups[channelID]; ok {
		return sup, nil
	}

	sup := newSupervisor(ch, m.db, m.sched, m.clock, m.asrun, m.bus,
		m.opts.Factory, m.opts.LaunchTimeout, m.opts.PlanBuffer, m.logger)
	m.sups[channelID] = sup
	go sup.run(runCtx)

	m.logger.Info().Str("channel_id", channelID).Str("name", ch.Name).Msg("channel supervisor created")
	return sup, nil
}

// Shutdown stops every supervisor and waits for their encoders to exit.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	sups := m.sups
	m.sups = make(map[string]*Supervisor)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, sup := range sups {
		wg.Add(1)
		go func(s *Supervisor) {
			defer wg.Done()
			done := make(chan struct{})
			select {
			case s.cmds <- shutdownCmd{done: done}:
				<-done
			case <-time.After(5 * time.Second):
			}
		}(sup)
	}
	wg.Wait()
}
