/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package schedule

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/friendsincode/grimnir_tv/internal/broadcastday"
	"github.com/friendsincode/grimnir_tv/internal/masterclock"
	"github.com/friendsincode/grimnir_tv/internal/models"
)

// selector turns ScheduledItems into concrete PlaylogEvents: it resolves
// series/rule refs through per-channel rotation state, enforces asset
// eligibility, and fits asset durations to slots.
type selector struct {
	db     *gorm.DB
	clock  masterclock.Clock
	logger zerolog.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

func newSelector(db *gorm.DB, clock masterclock.Clock, logger zerolog.Logger) *selector {
	return &selector{
		db:     db,
		clock:  clock,
		logger: logger.With().Str("component", "selector").Logger(),
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Resolve returns the playlog events for one scheduled item: usually one
// event, two when a short asset leaves a fallback pad at the slot tail.
func (sel *selector) Resolve(ctx context.Context, ch models.Channel, item models.ScheduledItem) ([]models.PlaylogEvent, error) {
	slotStart := item.StartUTC
	slotEnd := item.EndUTC

	switch item.RefKind {
	case models.RefGap:
		eventType := item.EventType
		if eventType != models.EventFallback {
			eventType = models.EventGap
		}
		cause := ""
		if eventType == models.EventFallback {
			cause = "no_plan"
		}
		return []models.PlaylogEvent{sel.fallbackEvent(ch, item, slotStart, slotEnd, eventType, cause)}, nil

	case models.RefAsset:
		var asset models.Asset
		err := sel.db.WithContext(ctx).First(&asset, "uuid = ?", item.RefID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return []models.PlaylogEvent{sel.fallbackEvent(ch, item, slotStart, slotEnd,
				models.EventFallback, "asset_missing:"+item.RefID)}, nil
		}
		if err != nil {
			return nil, err
		}
		if !asset.Eligible() {
			return []models.PlaylogEvent{sel.fallbackEvent(ch, item, slotStart, slotEnd,
				models.EventFallback, "asset_ineligible:"+item.RefID)}, nil
		}
		return sel.fitAsset(ch, item, asset, slotStart, slotEnd), nil

	case models.RefSeries, models.RefRule:
		asset, ok, err := sel.pick(ctx, ch, item)
		if err != nil {
			return nil, err
		}
		if !ok {
			return []models.PlaylogEvent{sel.fallbackEvent(ch, item, slotStart, slotEnd,
				models.EventFallback, "no_eligible_asset:"+item.RefID)}, nil
		}
		return sel.fitAsset(ch, item, asset, slotStart, slotEnd), nil

	default:
		return []models.PlaylogEvent{sel.fallbackEvent(ch, item, slotStart, slotEnd,
			models.EventFallback, "unknown_ref_kind")}, nil
	}
}

// fitAsset builds the event(s) for an eligible asset in a slot. Longer
// assets are truncated at the slot end; shorter assets leave a fallback pad
// so the playlog stays gap-free.
func (sel *selector) fitAsset(ch models.Channel, item models.ScheduledItem, asset models.Asset, slotStart, slotEnd time.Time) []models.PlaylogEvent {
	slotSeconds := int(slotEnd.Sub(slotStart) / time.Second)
	eventType := item.EventType
	if eventType == "" || !eventType.RequiresAsset() {
		eventType = models.EventProgram
	}

	if asset.DurationSeconds <= 0 || asset.DurationSeconds >= slotSeconds {
		// Truncate at the slot boundary; a zero-duration asset record is a
		// catalog defect, play it to the slot end rather than underrun.
		return []models.PlaylogEvent{{
			ID:              uuid.NewString(),
			ChannelID:       ch.ID,
			StartUTC:        slotStart,
			EndUTC:          slotEnd,
			DurationSeconds: slotSeconds,
			AssetUUID:       asset.UUID,
			PlayoutPath:     asset.PlayoutPath,
			EventType:       eventType,
			BroadcastDay:    sel.dayLabel(ch, slotStart),
			ScheduleDayID:   item.ScheduleDayID,
		}}
	}

	assetEnd := slotStart.Add(time.Duration(asset.DurationSeconds) * time.Second)
	main := models.PlaylogEvent{
		ID:              uuid.NewString(),
		ChannelID:       ch.ID,
		StartUTC:        slotStart,
		EndUTC:          assetEnd,
		DurationSeconds: asset.DurationSeconds,
		AssetUUID:       asset.UUID,
		PlayoutPath:     asset.PlayoutPath,
		EventType:       eventType,
		BroadcastDay:    sel.dayLabel(ch, slotStart),
		ScheduleDayID:   item.ScheduleDayID,
	}
	pad := sel.fallbackEvent(ch, item, assetEnd, slotEnd, models.EventFallback, "slot_underrun")
	return []models.PlaylogEvent{main, pad}
}

func (sel *selector) fallbackEvent(ch models.Channel, item models.ScheduledItem, start, end time.Time, eventType models.PlaylogEventType, cause string) models.PlaylogEvent {
	return models.PlaylogEvent{
		ID:              uuid.NewString(),
		ChannelID:       ch.ID,
		StartUTC:        start,
		EndUTC:          end,
		DurationSeconds: int(end.Sub(start) / time.Second),
		EventType:       eventType,
		BroadcastDay:    sel.dayLabel(ch, start),
		ScheduleDayID:   item.ScheduleDayID,
		FallbackCause:   cause,
	}
}

func (sel *selector) dayLabel(ch models.Channel, t time.Time) string {
	return broadcastday.Label(t, sel.clock.Location(ch.Timezone), startMinutes(ch))
}

// pick selects one eligible asset for a series or rule ref according to the
// item's selection policy.
func (sel *selector) pick(ctx context.Context, ch models.Channel, item models.ScheduledItem) (models.Asset, bool, error) {
	candidates, err := sel.candidates(ctx, item)
	if err != nil {
		return models.Asset{}, false, err
	}
	if len(candidates) == 0 {
		return models.Asset{}, false, nil
	}

	if item.SelectionPolicy == models.SelectRandom {
		sel.mu.Lock()
		idx := sel.rng.Intn(len(candidates))
		sel.mu.Unlock()
		return candidates[idx], true, nil
	}

	idx, err := sel.advanceRotation(ctx, ch.ID, item.RefID, len(candidates))
	if err != nil {
		return models.Asset{}, false, err
	}
	return candidates[idx], true, nil
}

// candidates lists eligible assets for the ref, ordered for stable
// sequential rotation.
func (sel *selector) candidates(ctx context.Context, item models.ScheduledItem) ([]models.Asset, error) {
	query := sel.db.WithContext(ctx).
		Where("state = ? AND approved_for_broadcast = ?", models.AssetReady, true)

	if item.RefKind == models.RefSeries {
		var assets []models.Asset
		err := query.
			Where("series_id = ?", item.RefID).
			Order("episode_number ASC, uuid ASC").
			Find(&assets).Error
		return assets, err
	}

	// Rule refs match on tags. Tags live in a JSON text column, so the
	// filter runs in memory over the eligible set.
	var assets []models.Asset
	if err := query.Order("uuid ASC").Find(&assets).Error; err != nil {
		return nil, err
	}
	var matched []models.Asset
	for _, a := range assets {
		ok := true
		for _, tag := range item.RuleTags {
			if !a.Tags.Contains(tag) {
				ok = false
				break
			}
		}
		if ok {
			matched = append(matched, a)
		}
	}
	return matched, nil
}

// advanceRotation returns the next sequential index for (channel, ref) and
// persists the advanced state so rotation survives restarts.
func (sel *selector) advanceRotation(ctx context.Context, channelID, refID string, size int) (int, error) {
	var state models.RotationState
	err := sel.db.WithContext(ctx).
		Where("channel_id = ? AND ref_id = ?", channelID, refID).
		First(&state).Error
	if err != nil && !errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, err
	}

	idx := state.NextIndex % size
	state.ChannelID = channelID
	state.RefID = refID
	state.NextIndex = idx + 1
	state.UpdatedAt = sel.clock.NowUTC()

	if err := sel.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "channel_id"}, {Name: "ref_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"next_index", "updated_at"}),
	}).Create(&state).Error; err != nil {
		return 0, err
	}

	return idx, nil
}
