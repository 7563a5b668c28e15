/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package schedule owns every write to ScheduleDay and PlaylogEvent and
// answers "what is airing on channel C at time T". A single horizon builder
// loop keeps frozen ScheduleDays generated several days ahead and extends
// the resolved playlog at least three hours ahead of the master clock.
package schedule

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/friendsincode/grimnir_tv/internal/broadcastday"
	"github.com/friendsincode/grimnir_tv/internal/cache"
	"github.com/friendsincode/grimnir_tv/internal/events"
	"github.com/friendsincode/grimnir_tv/internal/masterclock"
	"github.com/friendsincode/grimnir_tv/internal/models"
	"github.com/friendsincode/grimnir_tv/internal/planner"
	"github.com/friendsincode/grimnir_tv/internal/telemetry"
)

var (
	// ErrFrozenDay is returned when a generation request targets a frozen
	// ScheduleDay without the force flag.
	ErrFrozenDay = errors.New("schedule: schedule day is frozen")

	// ErrBoundaryAudit is returned when a playlog batch fails the
	// adjacency audit before commit. Nothing is written.
	ErrBoundaryAudit = errors.New("schedule: playlog batch failed boundary audit")
)

// backoffCeiling caps the retry delay after consecutive failed ticks.
const backoffCeiling = 10 * time.Minute

// Options tune the horizon builder.
type Options struct {
	Horizon       time.Duration // minimum playlog coverage ahead of now
	LookaheadDays int           // frozen ScheduleDays kept ahead of now
	TickInterval  time.Duration
	TickDeadline  time.Duration
}

// Service is the schedule authority for all channels.
type Service struct {
	db      *gorm.DB
	clock   masterclock.Clock
	planner *planner.Planner
	bus     *events.Bus
	cache   *cache.Cache
	logger  zerolog.Logger
	opts    Options

	selector *selector

	// Per-channel advisory locks serialize playlog writes.
	lockMu    sync.Mutex
	chanLocks map[string]*sync.Mutex

	warnMu     sync.Mutex
	warnedKeys map[string]struct{}

	failMu   sync.Mutex
	failures int
	retryAt  time.Time
}

// New constructs the schedule service.
func New(db *gorm.DB, clock masterclock.Clock, pl *planner.Planner, bus *events.Bus, logger zerolog.Logger, opts Options) *Service {
	if opts.Horizon < 3*time.Hour {
		opts.Horizon = 3 * time.Hour
	}
	if opts.LookaheadDays < 3 {
		opts.LookaheadDays = 4
	}
	if opts.TickInterval <= 0 {
		opts.TickInterval = 30 * time.Second
	}
	if opts.TickDeadline <= 0 {
		opts.TickDeadline = 30 * time.Second
	}
	return &Service{
		db:         db,
		clock:      clock,
		planner:    pl,
		bus:        bus,
		logger:     logger.With().Str("component", "schedule").Logger(),
		opts:       opts,
		selector:   newSelector(db, clock, logger),
		chanLocks:  make(map[string]*sync.Mutex),
		warnedKeys: make(map[string]struct{}),
	}
}

// SetCache sets the channel-config cache.
func (s *Service) SetCache(c *cache.Cache) {
	s.cache = c
}

// Run executes the horizon builder loop until the context is cancelled.
func (s *Service) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.TickInterval)
	defer ticker.Stop()

	s.logger.Info().
		Dur("horizon", s.opts.Horizon).
		Int("lookahead_days", s.opts.LookaheadDays).
		Msg("horizon builder started")

	for {
		select {
		case <-ctx.Done():
			s.logger.Info().Msg("horizon builder stopped")
			return ctx.Err()
		case <-ticker.C:
			if s.inBackoff() {
				continue
			}
			if err := s.tick(ctx); err != nil {
				s.recordFailure(err)
			} else {
				s.clearFailures()
			}
		}
	}
}

// tick ensures days and playlog coverage for every active channel, under a
// deadline. A store read failure aborts the whole tick so existing data is
// never half-updated.
func (s *Service) tick(ctx context.Context) error {
	telemetry.HorizonTicksTotal.Inc()

	tickCtx, cancel := context.WithTimeout(ctx, s.opts.TickDeadline)
	defer cancel()

	channels, err := s.activeChannels(tickCtx)
	if err != nil {
		telemetry.HorizonErrorsTotal.WithLabelValues("", "load_channels").Inc()
		return fmt.Errorf("load channels: %w", err)
	}

	var tickErr error
	for _, ch := range channels {
		if tickCtx.Err() != nil {
			telemetry.HorizonErrorsTotal.WithLabelValues(ch.ID, "deadline").Inc()
			return fmt.Errorf("horizon tick deadline exceeded: %w", tickCtx.Err())
		}
		if err := s.EnsureDays(tickCtx, ch); err != nil {
			s.logger.Warn().Err(err).Str("channel_id", ch.ID).Msg("schedule day generation failed")
			telemetry.HorizonErrorsTotal.WithLabelValues(ch.ID, "ensure_days").Inc()
			tickErr = err
			continue
		}
		if err := s.ExtendHorizon(tickCtx, ch); err != nil {
			s.logger.Warn().Err(err).Str("channel_id", ch.ID).Msg("horizon extension failed")
			telemetry.HorizonErrorsTotal.WithLabelValues(ch.ID, "extend").Inc()
			tickErr = err
		}
	}
	return tickErr
}

func (s *Service) inBackoff() bool {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	return s.clock.NowUTC().Before(s.retryAt)
}

func (s *Service) recordFailure(err error) {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	s.failures++
	delay := s.opts.TickInterval << uint(s.failures)
	if delay > backoffCeiling || delay <= 0 {
		delay = backoffCeiling
	}
	s.retryAt = s.clock.NowUTC().Add(delay)
	s.logger.Warn().Err(err).Dur("retry_in", delay).Int("failures", s.failures).
		Msg("horizon tick failed, backing off")
}

func (s *Service) clearFailures() {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	s.failures = 0
	s.retryAt = time.Time{}
}

// channelLock returns the advisory write lock for a channel.
func (s *Service) channelLock(channelID string) *sync.Mutex {
	s.lockMu.Lock()
	defer s.lockMu.Unlock()
	lock, ok := s.chanLocks[channelID]
	if !ok {
		lock = &sync.Mutex{}
		s.chanLocks[channelID] = lock
	}
	return lock
}

func (s *Service) warnOnce(key string, logFn func(e *zerolog.Event)) {
	s.warnMu.Lock()
	if _, ok := s.warnedKeys[key]; ok {
		s.warnMu.Unlock()
		return
	}
	s.warnedKeys[key] = struct{}{}
	s.warnMu.Unlock()

	logFn(s.logger.Warn())
}

// activeChannels lists channels eligible for scheduling, cache assisted.
func (s *Service) activeChannels(ctx context.Context) ([]models.Channel, error) {
	if ids, ok := s.cache.GetChannelIDs(ctx); ok {
		channels := make([]models.Channel, 0, len(ids))
		for _, id := range ids {
			ch, ok, err := s.Channel(ctx, id)
			if err != nil {
				return nil, err
			}
			if ok {
				channels = append(channels, ch)
			}
		}
		return channels, nil
	}

	var channels []models.Channel
	if err := s.db.WithContext(ctx).Where("active = ?", true).Find(&channels).Error; err != nil {
		return nil, err
	}

	ids := make([]string, len(channels))
	for i, ch := range channels {
		ids[i] = ch.ID
		s.cache.SetChannel(ctx, ch)
	}
	s.cache.SetChannelIDs(ctx, ids)

	return channels, nil
}

// Channel loads one channel config, cache assisted. ok is false when the
// channel does not exist.
func (s *Service) Channel(ctx context.Context, channelID string) (models.Channel, bool, error) {
	if ch, ok := s.cache.GetChannel(ctx, channelID); ok {
		return ch, true, nil
	}

	var ch models.Channel
	err := s.db.WithContext(ctx).First(&ch, "id = ?", channelID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.Channel{}, false, nil
	}
	if err != nil {
		return models.Channel{}, false, err
	}

	s.cache.SetChannel(ctx, ch)
	return ch, true, nil
}

// startMinutes applies the default day anchor when the channel omits one.
func startMinutes(ch models.Channel) int {
	if ch.BroadcastDayStartMinutes == 0 {
		return broadcastday.DefaultStartMinutes
	}
	return ch.BroadcastDayStartMinutes
}

// BroadcastDayFor returns the broadcast-day label containing t on the
// channel's calendar.
func (s *Service) BroadcastDayFor(ch models.Channel, t time.Time) string {
	return broadcastday.Label(t, s.clock.Location(ch.Timezone), startMinutes(ch))
}

// BroadcastDayWindow returns the UTC window of the broadcast day containing t.
func (s *Service) BroadcastDayWindow(ch models.Channel, t time.Time) (time.Time, time.Time, error) {
	return broadcastday.Window(s.BroadcastDayFor(ch, t), s.clock.Location(ch.Timezone), startMinutes(ch))
}

// ActiveEvent returns the playlog event containing t, if any.
func (s *Service) ActiveEvent(ctx context.Context, channelID string, t time.Time) (models.PlaylogEvent, bool, error) {
	var event models.PlaylogEvent
	err := s.db.WithContext(ctx).
		Where("channel_id = ?", channelID).
		Where("start_utc <= ? AND end_utc > ?", t, t).
		Order("start_utc DESC").
		First(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.PlaylogEvent{}, false, nil
	}
	if err != nil {
		return models.PlaylogEvent{}, false, err
	}
	return event, true, nil
}

// CarryoverInto returns the event that began before the rollover instant and
// is still airing at it, if any. Carryover items play through their natural
// end; the next broadcast day treats their tail as already occupied.
func (s *Service) CarryoverInto(ctx context.Context, channelID string, rollover time.Time) (models.PlaylogEvent, bool, error) {
	var event models.PlaylogEvent
	err := s.db.WithContext(ctx).
		Where("channel_id = ?", channelID).
		Where("start_utc < ? AND end_utc > ?", rollover, rollover).
		Order("start_utc DESC").
		First(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return models.PlaylogEvent{}, false, nil
	}
	if err != nil {
		return models.PlaylogEvent{}, false, err
	}
	return event, true, nil
}

// Upcoming returns playlog events starting in [from, from+span), ordered.
func (s *Service) Upcoming(ctx context.Context, channelID string, from time.Time, span time.Duration) ([]models.PlaylogEvent, error) {
	if span <= 0 {
		span = 24 * time.Hour
	}
	var eventsOut []models.PlaylogEvent
	err := s.db.WithContext(ctx).
		Where("channel_id = ?", channelID).
		Where("start_utc >= ? AND start_utc < ?", from, from.Add(span)).
		Order("start_utc ASC").
		Find(&eventsOut).Error
	return eventsOut, err
}

// DayEvents returns the playlog for one broadcast day label, ordered.
func (s *Service) DayEvents(ctx context.Context, channelID, label string) ([]models.PlaylogEvent, error) {
	var eventsOut []models.PlaylogEvent
	err := s.db.WithContext(ctx).
		Where("channel_id = ? AND broadcast_day = ?", channelID, label).
		Order("start_utc ASC").
		Find(&eventsOut).Error
	return eventsOut, err
}

// AsRunRecords returns as-run rows for a channel in [from, to), reporting
// only.
func (s *Service) AsRunRecords(ctx context.Context, channelID string, from, to time.Time) ([]models.AsRunRecord, error) {
	var records []models.AsRunRecord
	err := s.db.WithContext(ctx).
		Where("channel_id = ?", channelID).
		Where("actual_start_utc >= ? AND actual_start_utc < ?", from, to).
		Order("actual_start_utc ASC").
		Find(&records).Error
	return records, err
}

// EnsureDays generates any missing frozen ScheduleDays from the current
// broadcast day out to the lookahead boundary.
func (s *Service) EnsureDays(ctx context.Context, ch models.Channel) error {
	now := s.clock.NowUTC()
	limit := now.Add(time.Duration(s.opts.LookaheadDays) * 24 * time.Hour)
	loc := s.clock.Location(ch.Timezone)

	label := broadcastday.Label(now, loc, startMinutes(ch))
	for {
		dayStart, _, err := broadcastday.Window(label, loc, startMinutes(ch))
		if err != nil {
			return err
		}
		if dayStart.After(limit) {
			return nil
		}

		var count int64
		if err := s.db.WithContext(ctx).
			Model(&models.ScheduleDay{}).
			Where("channel_id = ? AND broadcast_day = ?", ch.ID, label).
			Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			if _, err := s.GenerateDay(ctx, ch, label, false); err != nil {
				return err
			}
		}

		label, err = broadcastday.NextLabel(label)
		if err != nil {
			return err
		}
	}
}

// GenerateDay resolves the channel's plan for the labelled day and persists
// the frozen ScheduleDay in one transaction. A frozen day is only replaced
// when force is set; replacement removes playlog events derived from the old
// day and re-resolves the replacement's items over the range the old day had
// already covered, in the same transaction, so the playlog stays gap-free.
// The horizon builder only ever appends past the furthest end_utc, so the
// swap cannot be left to it.
func (s *Service) GenerateDay(ctx context.Context, ch models.Channel, label string, force bool) (*models.ScheduleDay, error) {
	ctx, span := telemetry.StartSpan(ctx, "schedule", "GenerateDay")
	defer span.End()
	telemetry.AddSpanAttributes(span, map[string]any{
		"channel_id":    ch.ID,
		"broadcast_day": label,
		"force":         force,
	})

	var existing models.ScheduleDay
	err := s.db.WithContext(ctx).
		Where("channel_id = ? AND broadcast_day = ?", ch.ID, label).
		First(&existing).Error
	switch {
	case err == nil:
		if existing.Frozen && !force {
			return nil, fmt.Errorf("%w: channel %s day %s", ErrFrozenDay, ch.ID, label)
		}
	case errors.Is(err, gorm.ErrRecordNotFound):
		// First generation.
	default:
		return nil, err
	}

	var day *models.ScheduleDay
	plan, ok, err := s.planner.Resolve(ctx, ch, label)
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}
	if !ok {
		s.warnOnce("no_plan:"+ch.ID, func(e *zerolog.Event) {
			e.Str("channel_id", ch.ID).Str("broadcast_day", label).
				Msg("no active plan matches, filling day with fallback")
		})
		day, err = s.planner.FallbackDay(ch, label)
	} else {
		day, err = s.planner.ExpandDay(ctx, ch, plan, label)
	}
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	// Playlog range already resolved from the old day must be re-resolved
	// here: the builder appends past the furthest end_utc only, and once
	// coverage has crossed into the next day it never revisits the deleted
	// range.
	var refill []models.PlaylogEvent
	if existing.ID != "" {
		coveredUntil, covered, err := s.dayCoverageEnd(ctx, ch.ID, existing.ID)
		if err != nil {
			telemetry.RecordError(span, err)
			return nil, err
		}
		if covered {
			for _, item := range day.Items {
				if !item.StartUTC.Before(coveredUntil) {
					continue
				}
				resolved, err := s.selector.Resolve(ctx, ch, item)
				if err != nil {
					telemetry.RecordError(span, err)
					return nil, err
				}
				refill = append(refill, resolved...)
			}
			if err := auditBoundaries(refill); err != nil {
				telemetry.RecordError(span, err)
				return nil, err
			}
		}
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if existing.ID != "" {
			if err := tx.Where("schedule_day_id = ?", existing.ID).Delete(&models.ScheduledItem{}).Error; err != nil {
				return err
			}
			if err := tx.Where("channel_id = ? AND schedule_day_id = ?", ch.ID, existing.ID).
				Delete(&models.PlaylogEvent{}).Error; err != nil {
				return err
			}
			if err := tx.Delete(&models.ScheduleDay{}, "id = ?", existing.ID).Error; err != nil {
				return err
			}
		}
		if err := tx.Create(day).Error; err != nil {
			return err
		}
		if len(refill) > 0 {
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "channel_id"}, {Name: "start_utc"}},
				DoNothing: true,
			}).Create(&refill).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		telemetry.RecordError(span, err)
		return nil, err
	}

	for _, e := range refill {
		telemetry.PlaylogEventsWrittenTotal.WithLabelValues(ch.ID, string(e.EventType)).Inc()
		if e.EventType == models.EventFallback {
			telemetry.FallbackEventsTotal.WithLabelValues(ch.ID, e.FallbackCause).Inc()
		}
	}

	telemetry.ScheduleDaysGeneratedTotal.WithLabelValues(ch.ID).Inc()
	s.bus.Publish(events.EventScheduleUpdate, events.Payload{
		"channel_id":    ch.ID,
		"broadcast_day": label,
		"source_plan":   day.SourcePlanID,
		"items":         len(day.Items),
	})

	return day, nil
}

// dayCoverageEnd returns the furthest end_utc among playlog events derived
// from the given ScheduleDay.
func (s *Service) dayCoverageEnd(ctx context.Context, channelID, scheduleDayID string) (time.Time, bool, error) {
	var event models.PlaylogEvent
	err := s.db.WithContext(ctx).
		Where("channel_id = ? AND schedule_day_id = ?", channelID, scheduleDayID).
		Order("end_utc DESC").
		First(&event).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, err
	}
	return event.EndUTC, true, nil
}
