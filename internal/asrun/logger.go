/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package asrun records what actually aired. Records are append-only and
// written off the playout path: emission never blocks a channel supervisor,
// a full queue drops the record and raises an operator alert instead.
package asrun

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/grimnir_tv/internal/events"
	"github.com/friendsincode/grimnir_tv/internal/masterclock"
	"github.com/friendsincode/grimnir_tv/internal/models"
	"github.com/friendsincode/grimnir_tv/internal/telemetry"
)

// Logger consumes as-run records from a bounded queue and persists them.
type Logger struct {
	db     *gorm.DB
	clock  masterclock.Clock
	bus    *events.Bus
	logger zerolog.Logger

	queue chan models.AsRunRecord
	done  chan struct{}
}

// New builds an as-run logger with the given queue capacity.
func New(db *gorm.DB, clock masterclock.Clock, bus *events.Bus, queueSize int, logger zerolog.Logger) *Logger {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &Logger{
		db:     db,
		clock:  clock,
		bus:    bus,
		logger: logger.With().Str("component", "asrun").Logger(),
		queue:  make(chan models.AsRunRecord, queueSize),
		done:   make(chan struct{}),
	}
}

// Emit queues one as-run record. Never blocks: when the queue is full the
// record is dropped, counted, and surfaced as an operator alert.
func (l *Logger) Emit(record models.AsRunRecord) {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.ActualStartUTC.IsZero() {
		record.ActualStartUTC = l.clock.NowUTC()
	}

	select {
	case l.queue <- record:
	default:
		telemetry.AsRunDroppedTotal.Inc()
		l.logger.Error().
			Str("channel_id", record.ChannelID).
			Str("playlog_event_id", record.PlaylogEventID).
			Msg("as-run queue full, record dropped")
		l.bus.Publish(events.EventAsRunDrop, events.Payload{
			"channel_id":       record.ChannelID,
			"playlog_event_id": record.PlaylogEventID,
		})
		l.bus.Publish(events.EventOperatorAlert, events.Payload{
			"kind":       "asrun_drop",
			"channel_id": record.ChannelID,
		})
	}
}

// Run drains the queue into the store until ctx is cancelled, then flushes
// whatever is still queued.
func (l *Logger) Run(ctx context.Context) error {
	defer close(l.done)
	l.logger.Info().Int("queue_size", cap(l.queue)).Msg("as-run logger started")

	for {
		select {
		case <-ctx.Done():
			l.flush()
			l.logger.Info().Msg("as-run logger stopped")
			return ctx.Err()
		case record := <-l.queue:
			l.persist(record)
		}
	}
}

// Done is closed once Run has flushed and returned.
func (l *Logger) Done() <-chan struct{} {
	return l.done
}

func (l *Logger) flush() {
	for {
		select {
		case record := <-l.queue:
			l.persist(record)
		default:
			return
		}
	}
}

func (l *Logger) persist(record models.AsRunRecord) {
	if err := l.db.Create(&record).Error; err != nil {
		telemetry.AsRunDroppedTotal.Inc()
		l.logger.Error().Err(err).
			Str("channel_id", record.ChannelID).
			Msg("as-run write failed")
		return
	}
	telemetry.AsRunRecordsTotal.WithLabelValues(record.ChannelID).Inc()
}
