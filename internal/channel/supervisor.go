/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package channel

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/grimnir_tv/internal/asrun"
	"github.com/friendsincode/grimnir_tv/internal/events"
	"github.com/friendsincode/grimnir_tv/internal/masterclock"
	"github.com/friendsincode/grimnir_tv/internal/models"
	"github.com/friendsincode/grimnir_tv/internal/schedule"
	"github.com/friendsincode/grimnir_tv/internal/telemetry"
)

// State is the supervisor lifecycle state.
type State string

const (
	StateIdle        State = "idle"
	StatePreparing   State = "preparing"
	StateStreaming   State = "streaming"
	StateTearingDown State = "tearing_down"
)

// recoveryWindow bounds how quickly repeated encoder failures escalate to a
// full teardown.
const recoveryWindow = 30 * time.Second

// Supervisor is the per-channel actor. All channel state mutation happens in
// its run loop; callers talk to it through the command channel, so tune-in
// and tune-out are serialized per channel without locks.
type Supervisor struct {
	ch     models.Channel
	db     *gorm.DB
	sched  *schedule.Service
	clock  masterclock.Clock
	asrun  *asrun.Logger
	bus    *events.Bus
	logger zerolog.Logger

	launchTimeout time.Duration
	newEncoder    EncoderFactory
	builder       *planBuilder
	enrichers     []Enricher

	cmds   chan command
	fanout *Fanout

	// Actor-owned state, touched only inside run().
	ctx            context.Context
	state          State
	enc            Encoder
	encEvents      <-chan EncoderEvent
	launchDeadline <-chan time.Time
	launchAttempts int
	failTimes      []time.Time
	currentEvent   models.PlaylogEvent
	pendingRecord  models.AsRunRecord
	pendingPrepare bool
}

type command interface{}

type tuneInCmd struct {
	viewerID string
	reply    chan tuneInResult
}

type tuneInResult struct {
	viewer *Viewer
	err    error
}

type tuneOutCmd struct{ viewerID string }

type statusCmd struct{ reply chan Status }

type shutdownCmd struct{ done chan struct{} }

// Status is a point-in-time snapshot of the supervisor.
type Status struct {
	ChannelID string               `json:"channel_id"`
	Name      string               `json:"name"`
	State     State                `json:"state"`
	Viewers   int                  `json:"viewers"`
	Airing    *models.PlaylogEvent `json:"airing,omitempty"`
}

func newSupervisor(ch models.Channel, db *gorm.DB, sched *schedule.Service, clock masterclock.Clock, asrunLogger *asrun.Logger, bus *events.Bus, factory EncoderFactory, launchTimeout, planBuffer time.Duration, logger zerolog.Logger) *Supervisor {
	log := logger.With().Str("component", "channel").Str("channel_id", ch.ID).Logger()
	return &Supervisor{
		ch:            ch,
		db:            db,
		sched:         sched,
		clock:         clock,
		asrun:         asrunLogger,
		bus:           bus,
		logger:        log,
		launchTimeout: launchTimeout,
		newEncoder:    factory,
		builder:       &planBuilder{sched: sched, buffer: planBuffer, logger: log},
		enrichers:     resolveEnrichers(ch.EnricherChain, log),
		cmds:          make(chan command, 16),
		fanout:        newFanout(ch.ID, log, bus),
		state:         StateIdle,
	}
}

// TuneIn attaches a viewer, preparing the encoder when this is the first.
func (s *Supervisor) TuneIn(ctx context.Context, viewerID string) (*Viewer, error) {
	reply := make(chan tuneInResult, 1)
	select {
	case s.cmds <- tuneInCmd{viewerID: viewerID, reply: reply}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	select {
	case res := <-reply:
		return res.viewer, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// TuneOut detaches a viewer. The last viewer out tears the encoder down; a
// tune-out during preparing cancels the pending launch.
func (s *Supervisor) TuneOut(viewerID string) {
	s.cmds <- tuneOutCmd{viewerID: viewerID}
}

// Status reports the supervisor's current state.
func (s *Supervisor) Status(ctx context.Context) (Status, error) {
	reply := make(chan Status, 1)
	select {
	case s.cmds <- statusCmd{reply: reply}:
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
	select {
	case st := <-reply:
		return st, nil
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
}

// run is the actor loop. It owns every field below the command channel.
func (s *Supervisor) run(ctx context.Context) {
	s.ctx = ctx
	s.logger.Debug().Msg("channel supervisor started")

	for {
		select {
		case <-ctx.Done():
			s.stopEncoder()
			s.fanout.Terminate()
			s.logger.Debug().Msg("channel supervisor stopped")
			return

		case cmd := <-s.cmds:
			switch c := cmd.(type) {
			case tuneInCmd:
				s.handleTuneIn(c)
			case tuneOutCmd:
				s.handleTuneOut(c.viewerID)
			case statusCmd:
				c.reply <- s.status()
			case shutdownCmd:
				s.stopEncoder()
				s.fanout.Terminate()
				close(c.done)
				return
			}

		case ev, ok := <-s.encEvents:
			if !ok {
				s.encEvents = nil
				continue
			}
			s.handleEncoderEvent(ev)

		case <-s.launchDeadline:
			s.launchDeadline = nil
			if s.state == StatePreparing {
				s.logger.Warn().Err(launchTimeoutErr(s.launchTimeout)).Msg("encoder launch timed out")
				// Stopping produces an exited event, handled as a
				// launch failure.
				s.stopEncoder()
			}
		}
	}
}

func (s *Supervisor) status() Status {
	st := Status{
		ChannelID: s.ch.ID,
		Name:      s.ch.Name,
		State:     s.state,
		Viewers:   s.fanout.Count(),
	}
	if s.state == StateStreaming {
		e := s.currentEvent
		st.Airing = &e
	}
	return st
}

func (s *Supervisor) handleTuneIn(c tuneInCmd) {
	v := s.fanout.Attach(c.viewerID)
	telemetry.TuneInsTotal.WithLabelValues(s.ch.ID).Inc()
	s.logger.Info().Str("viewer_id", c.viewerID).Int("viewers", s.fanout.Count()).
		Str("state", string(s.state)).Msg("viewer tuned in")

	switch s.state {
	case StateIdle:
		s.prepare(false)
	case StateTearingDown:
		// Encoder still winding down: relaunch once it has exited.
		s.pendingPrepare = true
	}
	// preparing/streaming: the viewer rides the existing encoder, no
	// rebuild and no reseek.

	c.reply <- tuneInResult{viewer: v}
}

func (s *Supervisor) handleTuneOut(viewerID string) {
	s.fanout.Detach(viewerID)
	s.logger.Info().Str("viewer_id", viewerID).Int("viewers", s.fanout.Count()).Msg("viewer tuned out")

	if s.fanout.Count() > 0 {
		return
	}
	s.pendingPrepare = false

	switch s.state {
	case StatePreparing, StateStreaming:
		s.state = StateTearingDown
		s.stopEncoder()
	}
}

// prepare builds a playout plan for the current clock time and launches the
// encoder. recovered marks a relaunch after a crash so the as-run trail
// shows the recovery.
func (s *Supervisor) prepare(recovered bool) {
	s.state = StatePreparing

	now := s.clock.NowUTC()
	plan, event, err := s.builder.build(s.ctx, s.ch, now)
	if err != nil {
		s.logger.Error().Err(err).Msg("playout plan build failed")
		s.abandonPreparation()
		return
	}

	plan, event = s.substituteIneligible(plan, event, now)
	plan, applied := applyEnrichers(plan, s.enrichers, s.logger)

	enc := s.newEncoder(s.ch.ID)
	if err := enc.Start(s.ctx, plan); err != nil {
		s.logger.Error().Err(err).Msg("encoder start failed")
		telemetry.EncoderLaunchesTotal.WithLabelValues(s.ch.ID, "error").Inc()
		s.enc = nil
		s.encEvents = nil
		s.retryOrAbandon(recovered)
		return
	}

	s.enc = enc
	s.encEvents = enc.Events()
	s.launchDeadline = time.After(s.launchTimeout)
	s.currentEvent = event

	cause := event.FallbackCause
	if recovered {
		cause = "encoder_recovered"
	}
	s.pendingRecord = models.AsRunRecord{
		ChannelID:        s.ch.ID,
		ActualStartUTC:   now,
		AssetUUID:        event.AssetUUID,
		PlaylogEventID:   event.ID,
		EventType:        event.EventType,
		FallbackCause:    cause,
		EnrichersApplied: applied,
	}

	go s.fanout.FeedFrom(enc.Output())
}

// substituteIneligible re-verifies the active event's asset at launch time.
// An asset pulled between horizon generation and tune-in plays the slate
// instead; the playlog itself is not rewritten.
func (s *Supervisor) substituteIneligible(plan PlayoutPlan, event models.PlaylogEvent, now time.Time) (PlayoutPlan, models.PlaylogEvent) {
	if !event.EventType.RequiresAsset() || event.AssetUUID == "" {
		return plan, event
	}

	var asset models.Asset
	err := s.db.WithContext(s.ctx).First(&asset, "uuid = ?", event.AssetUUID).Error
	if err == nil && asset.Eligible() {
		return plan, event
	}
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		s.logger.Error().Err(err).Msg("asset re-verification failed, playing slate")
	} else {
		s.logger.Warn().Str("asset_uuid", event.AssetUUID).Msg("asset no longer eligible at tune-in, playing slate")
	}

	remaining := event.EndUTC.Sub(now) / time.Second
	if remaining < 1 {
		remaining = 1
	}
	if len(plan.Entries) > 0 {
		plan.Entries[0] = PlanEntry{
			PlayoutPath: slatePath(s.ch),
			StartOffset: 0,
			EndOffset:   int64(remaining),
		}
	}

	event.EventType = models.EventFallback
	event.FallbackCause = "asset_ineligible:" + event.AssetUUID
	event.AssetUUID = ""
	telemetry.FallbackEventsTotal.WithLabelValues(s.ch.ID, "asset_ineligible_at_join").Inc()
	return plan, event
}

func (s *Supervisor) handleEncoderEvent(ev EncoderEvent) {
	switch ev.Kind {
	case EncoderReady:
		if s.state != StatePreparing {
			return
		}
		s.state = StateStreaming
		s.launchDeadline = nil
		s.launchAttempts = 0
		telemetry.EncoderLaunchesTotal.WithLabelValues(s.ch.ID, "ready").Inc()

		s.asrun.Emit(s.pendingRecord)
		s.bus.Publish(events.EventNowAiring, events.Payload{
			"channel_id": s.ch.ID,
			"event_id":   s.currentEvent.ID,
			"asset_uuid": s.currentEvent.AssetUUID,
			"event_type": string(s.currentEvent.EventType),
		})
		s.logger.Info().Str("event_id", s.currentEvent.ID).Msg("encoder ready, streaming")

	case EncoderHealth:
		s.bus.Publish(events.EventEncoderHealth, events.Payload{
			"channel_id": s.ch.ID,
			"detail":     ev.Detail,
		})

	case EncoderExited:
		s.handleEncoderExit(ev.ExitCode)
	}
}

func (s *Supervisor) handleEncoderExit(code int) {
	s.enc = nil
	s.launchDeadline = nil

	switch s.state {
	case StateTearingDown:
		s.state = StateIdle
		s.logger.Info().Msg("encoder exited, channel idle")
		if s.pendingPrepare && s.fanout.Count() > 0 {
			s.pendingPrepare = false
			s.prepare(false)
		}

	case StatePreparing:
		s.logger.Warn().Int("exit_code", code).Msg("encoder exited during preparation")
		telemetry.EncoderLaunchesTotal.WithLabelValues(s.ch.ID, "failed").Inc()
		s.retryOrAbandon(false)

	case StateStreaming:
		s.logger.Warn().Int("exit_code", code).Msg("encoder crashed mid-stream")
		telemetry.EncoderRestartsTotal.WithLabelValues(s.ch.ID).Inc()

		now := s.clock.NowUTC()
		s.pruneFailures(now)
		s.failTimes = append(s.failTimes, now)
		if len(s.failTimes) > 2 {
			s.logger.Error().Msg("repeated encoder failures, tearing channel down")
			s.abandonPreparation()
			return
		}
		if s.fanout.Count() == 0 {
			s.state = StateIdle
			return
		}
		// Rebuild at the current clock time and relaunch; viewers keep
		// their connections and resume on the recovered stream.
		s.prepare(true)

	default:
		s.state = StateIdle
	}
}

// retryOrAbandon handles a launch failure: one retry with a fresh plan, then
// escalate to the operator and drop the viewers.
func (s *Supervisor) retryOrAbandon(recovered bool) {
	s.launchAttempts++
	if s.launchAttempts < 2 && s.fanout.Count() > 0 {
		s.logger.Info().Int("attempt", s.launchAttempts+1).Msg("retrying encoder launch with fresh plan")
		s.prepare(recovered)
		return
	}
	s.abandonPreparation()
}

// abandonPreparation drops all viewers with the terminal marker and returns
// the channel to idle with an operator alert.
func (s *Supervisor) abandonPreparation() {
	s.stopEncoder()
	s.fanout.Terminate()
	s.state = StateIdle
	s.launchAttempts = 0
	s.failTimes = nil
	s.pendingPrepare = false

	s.bus.Publish(events.EventOperatorAlert, events.Payload{
		"kind":       "encoder_failure",
		"channel_id": s.ch.ID,
	})
	s.logger.Error().Msg("channel playout abandoned, operator attention required")
}

func (s *Supervisor) pruneFailures(now time.Time) {
	kept := s.failTimes[:0]
	for _, t := range s.failTimes {
		if now.Sub(t) <= recoveryWindow {
			kept = append(kept, t)
		}
	}
	s.failTimes = kept
}

func (s *Supervisor) stopEncoder() {
	if s.enc != nil {
		s.enc.Stop()
	}
}
