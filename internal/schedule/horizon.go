/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package schedule

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/friendsincode/grimnir_tv/internal/broadcastday"
	"github.com/friendsincode/grimnir_tv/internal/events"
	"github.com/friendsincode/grimnir_tv/internal/models"
	"github.com/friendsincode/grimnir_tv/internal/telemetry"
)

// ExtendHorizon resolves ScheduledItems into concrete PlaylogEvents until
// coverage reaches now + horizon. Writes for a channel are serialized by the
// channel's advisory lock and committed in one transaction; re-running with
// no state change writes nothing (uniqueness on channel_id + start_utc).
func (s *Service) ExtendHorizon(ctx context.Context, ch models.Channel) error {
	lock := s.channelLock(ch.ID)
	lock.Lock()
	defer lock.Unlock()

	ctx, span := telemetry.StartSpan(ctx, "schedule", "ExtendHorizon")
	defer span.End()
	telemetry.AddSpanAttributes(span, map[string]any{"channel_id": ch.ID})

	started := time.Now()
	defer func() {
		telemetry.HorizonTickDuration.WithLabelValues(ch.ID).Observe(time.Since(started).Seconds())
	}()

	now := s.clock.NowUTC().Truncate(time.Second)
	target := now.Add(s.opts.Horizon)

	lastEnd, hasEvents, err := s.lastEventEnd(ctx, ch.ID)
	if err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	if !hasEvents {
		lastEnd = now
	}
	if !lastEnd.Before(target) {
		return nil
	}

	items, err := s.collectItems(ctx, ch, lastEnd, target, hasEvents)
	if err != nil {
		telemetry.RecordError(span, err)
		return err
	}
	if len(items) == 0 {
		return nil
	}

	var batch []models.PlaylogEvent
	for _, item := range items {
		resolved, err := s.selector.Resolve(ctx, ch, item)
		if err != nil {
			telemetry.RecordError(span, err)
			return err
		}
		batch = append(batch, resolved...)
	}

	if err := auditBoundaries(batch); err != nil {
		telemetry.RecordError(span, err)
		return err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "channel_id"}, {Name: "start_utc"}},
			DoNothing: true,
		}).Create(&batch).Error
	})
	if err != nil {
		telemetry.RecordError(span, err)
		return err
	}

	for _, e := range batch {
		telemetry.PlaylogEventsWrittenTotal.WithLabelValues(ch.ID, string(e.EventType)).Inc()
		if e.EventType == models.EventFallback {
			telemetry.FallbackEventsTotal.WithLabelValues(ch.ID, e.FallbackCause).Inc()
		}
	}
	s.bus.Publish(events.EventScheduleUpdate, events.Payload{
		"channel_id": ch.ID,
		"events":     len(batch),
		"covers_to":  batch[len(batch)-1].EndUTC,
	})

	return nil
}

// lastEventEnd returns the furthest end_utc of existing playlog coverage.
func (s *Service) lastEventEnd(ctx context.Context, channelID string) (time.Time, bool, error) {
	var event models.PlaylogEvent
	err := s.db.WithContext(ctx).
		Where("channel_id = ?", channelID).
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

// collectItems walks ScheduleDays forward and gathers the ScheduledItems to
// resolve. When playlog events already exist, coverage always ends on an
// item boundary, so items are picked by start. On first seed the item
// containing now is included with its natural start so join offsets stay
// aligned to the absolute schedule.
func (s *Service) collectItems(ctx context.Context, ch models.Channel, from, target time.Time, hasEvents bool) ([]models.ScheduledItem, error) {
	loc := s.clock.Location(ch.Timezone)
	label := broadcastday.Label(from, loc, startMinutes(ch))

	var out []models.ScheduledItem
	for {
		dayStart, _, err := broadcastday.Window(label, loc, startMinutes(ch))
		if err != nil {
			return nil, err
		}
		if dayStart.After(target) {
			return out, nil
		}

		var day models.ScheduleDay
		err = s.db.WithContext(ctx).
			Preload("Items", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
			Where("channel_id = ? AND broadcast_day = ?", ch.ID, label).
			First(&day).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			// Day not generated yet (startup or extended outage): generate
			// on demand so the playlog never stalls.
			generated, genErr := s.GenerateDay(ctx, ch, label, false)
			if genErr != nil {
				return nil, genErr
			}
			day = *generated
		} else if err != nil {
			return nil, err
		}

		for _, item := range day.Items {
			if hasEvents {
				if !item.StartUTC.Before(from) && item.StartUTC.Before(target) {
					out = append(out, item)
				}
			} else {
				if item.EndUTC.After(from) && item.StartUTC.Before(target) {
					out = append(out, item)
				}
			}
		}

		label, err = broadcastday.NextLabel(label)
		if err != nil {
			return nil, err
		}
	}
}

// auditBoundaries verifies the batch is ordered, positive-length, and
// gap-free before commit.
func auditBoundaries(batch []models.PlaylogEvent) error {
	for i, e := range batch {
		if !e.EndUTC.After(e.StartUTC) {
			return fmt.Errorf("%w: event %s has non-positive duration", ErrBoundaryAudit, e.ID)
		}
		if i == 0 {
			continue
		}
		prev := batch[i-1]
		if !e.StartUTC.Equal(prev.EndUTC) {
			return fmt.Errorf("%w: %s ends %s but %s starts %s",
				ErrBoundaryAudit, prev.ID, prev.EndUTC, e.ID, e.StartUTC)
		}
	}
	return nil
}

// InsertRuntimeFallback covers a playlog gap discovered at runtime: the
// fallback runs to the next known event boundary, capped at 60 seconds.
func (s *Service) InsertRuntimeFallback(ctx context.Context, ch models.Channel, from time.Time, cause string) (models.PlaylogEvent, error) {
	lock := s.channelLock(ch.ID)
	lock.Lock()
	defer lock.Unlock()

	from = from.Truncate(time.Second)
	end := from.Add(60 * time.Second)

	var next models.PlaylogEvent
	err := s.db.WithContext(ctx).
		Where("channel_id = ? AND start_utc > ?", ch.ID, from).
		Order("start_utc ASC").
		First(&next).Error
	if err == nil && next.StartUTC.Before(end) {
		end = next.StartUTC
	} else if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return models.PlaylogEvent{}, err
	}

	event := models.PlaylogEvent{
		ID:              uuid.NewString(),
		ChannelID:       ch.ID,
		StartUTC:        from,
		EndUTC:          end,
		DurationSeconds: int(end.Sub(from) / time.Second),
		EventType:       models.EventFallback,
		BroadcastDay:    s.BroadcastDayFor(ch, from),
		FallbackCause:   cause,
	}
	if err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "channel_id"}, {Name: "start_utc"}},
		DoNothing: true,
	}).Create(&event).Error; err != nil {
		return models.PlaylogEvent{}, err
	}

	telemetry.FallbackEventsTotal.WithLabelValues(ch.ID, cause).Inc()
	s.logger.Warn().
		Str("channel_id", ch.ID).
		Time("start", from).
		Time("end", end).
		Str("cause", cause).
		Msg("inserted runtime fallback event")

	return event, nil
}
