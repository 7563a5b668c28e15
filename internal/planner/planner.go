/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package planner resolves which SchedulePlan governs a channel's broadcast
// day and expands that plan into a concrete ScheduleDay.
package planner

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"gorm.io/gorm"

	"github.com/friendsincode/grimnir_tv/internal/broadcastday"
	"github.com/friendsincode/grimnir_tv/internal/masterclock"
	"github.com/friendsincode/grimnir_tv/internal/models"
)

var (
	// ErrPlanOverlap means two block assignments in one plan claim
	// overlapping schedule minutes.
	ErrPlanOverlap = errors.New("planner: block assignments overlap")

	// ErrPlanCoverage means a plan marked complete does not tile the full
	// broadcast day.
	ErrPlanCoverage = errors.New("planner: complete plan does not cover the broadcast day")

	// ErrVirtualCycle means virtual-asset expansion found a reference
	// cycle.
	ErrVirtualCycle = errors.New("planner: virtual asset reference cycle")
)

// maxVirtualDepth bounds recursion independently of the cycle guard.
const maxVirtualDepth = 16

// Planner resolves and expands schedule plans.
type Planner struct {
	db     *gorm.DB
	clock  masterclock.Clock
	logger zerolog.Logger
}

// New returns a Planner reading plans and virtual assets from db.
func New(db *gorm.DB, clock masterclock.Clock, logger zerolog.Logger) *Planner {
	return &Planner{
		db:     db,
		clock:  clock,
		logger: logger.With().Str("component", "planner").Logger(),
	}
}

// Resolve picks the plan governing the channel's broadcast day named by
// label. Among active plans whose temporal predicate matches the day, the
// highest priority wins; equal priorities break on most recent updated_at.
// ok is false when no plan applies.
func (p *Planner) Resolve(ctx context.Context, channel models.Channel, label string) (plan models.SchedulePlan, ok bool, err error) {
	loc := p.clock.Location(channel.Timezone)
	day, err := time.ParseInLocation(broadcastday.LabelLayout, label, loc)
	if err != nil {
		return models.SchedulePlan{}, false, fmt.Errorf("parse broadcast day %q: %w", label, err)
	}

	var plans []models.SchedulePlan
	if err := p.db.WithContext(ctx).
		Preload("Assignments").
		Where("channel_id = ? AND is_active = ?", channel.ID, true).
		Find(&plans).Error; err != nil {
		return models.SchedulePlan{}, false, fmt.Errorf("load plans for channel %s: %w", channel.ID, err)
	}

	var candidates []models.SchedulePlan
	for _, pl := range plans {
		applies, err := planApplies(pl, day)
		if err != nil {
			p.logger.Warn().Str("plan_id", pl.ID).Err(err).
				Msg("skipping plan with invalid temporal predicate")
			continue
		}
		if applies {
			candidates = append(candidates, pl)
		}
	}
	if len(candidates) == 0 {
		return models.SchedulePlan{}, false, nil
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].Priority != candidates[j].Priority {
			return candidates[i].Priority > candidates[j].Priority
		}
		return candidates[i].UpdatedAt.After(candidates[j].UpdatedAt)
	})
	return candidates[0], true, nil
}

// planApplies evaluates a plan's temporal predicate against the local
// calendar date of the broadcast day. A plan with neither a cron expression
// nor a date range applies every day.
func planApplies(plan models.SchedulePlan, day time.Time) (bool, error) {
	if plan.StartDate != nil && day.Before(dateOnly(*plan.StartDate, day.Location())) {
		return false, nil
	}
	if plan.EndDate != nil && day.After(dateOnly(*plan.EndDate, day.Location())) {
		return false, nil
	}
	if plan.CronExpression == "" {
		return true, nil
	}

	sched, err := cron.ParseStandard(plan.CronExpression)
	if err != nil {
		return false, fmt.Errorf("parse cron %q: %w", plan.CronExpression, err)
	}
	// The expression matches the day when its next activation from just
	// before local midnight still lands on the same calendar date.
	next := sched.Next(day.Add(-time.Second))
	return next.Year() == day.Year() && next.YearDay() == day.YearDay(), nil
}

func dateOnly(t time.Time, loc *time.Location) time.Time {
	local := t.In(loc)
	return time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
}

// slotPart is one expanded piece of a block before it becomes a
// ScheduledItem.
type slotPart struct {
	offsetMinutes   int
	durationMinutes int
	refKind         models.ContentRefKind
	refID           string
	policy          models.SelectionPolicy
	ruleTags        models.StringList
	eventType       models.PlaylogEventType
}

// ExpandDay turns a resolved plan into a ScheduleDay for the labelled
// broadcast day: blocks are anchored at schedule-minute offsets from the day
// start, virtual assets are expanded inline, uncovered minutes become gap
// items, and content past the window end (short DST days) is truncated.
func (p *Planner) ExpandDay(ctx context.Context, channel models.Channel, plan models.SchedulePlan, label string) (*models.ScheduleDay, error) {
	loc := p.clock.Location(channel.Timezone)
	startMinutes := channel.BroadcastDayStartMinutes
	if startMinutes == 0 {
		startMinutes = broadcastday.DefaultStartMinutes
	}
	dayStart, dayEnd, err := broadcastday.Window(label, loc, startMinutes)
	if err != nil {
		return nil, fmt.Errorf("broadcast day window %q: %w", label, err)
	}
	windowMinutes := int(dayEnd.Sub(dayStart) / time.Minute)

	assignments := append([]models.BlockAssignment(nil), plan.Assignments...)
	sort.Slice(assignments, func(i, j int) bool {
		return assignments[i].StartScheduleMinutes < assignments[j].StartScheduleMinutes
	})
	for i := 1; i < len(assignments); i++ {
		prev, cur := assignments[i-1], assignments[i]
		if cur.StartScheduleMinutes < prev.StartScheduleMinutes+prev.DurationMinutes {
			return nil, fmt.Errorf("%w: blocks at minute %d and %d in plan %s",
				ErrPlanOverlap, prev.StartScheduleMinutes, cur.StartScheduleMinutes, plan.ID)
		}
	}

	var parts []slotPart
	for _, a := range assignments {
		expanded, err := p.expandBlock(ctx, a)
		if err != nil {
			return nil, err
		}
		parts = append(parts, expanded...)
	}

	if plan.Complete {
		if err := checkCoverage(assignments, plan.ID); err != nil {
			return nil, err
		}
	}

	day := &models.ScheduleDay{
		ID:             uuid.NewString(),
		ChannelID:      channel.ID,
		BroadcastDay:   label,
		SourcePlanID:   plan.ID,
		GeneratedAtUTC: p.clock.NowUTC(),
		Frozen:         true,
		DayStartUTC:    dayStart,
		DayEndUTC:      dayEnd,
	}

	cursor := 0 // minutes from day start
	position := 0
	appendItem := func(offset, duration int, part slotPart) {
		day.Items = append(day.Items, models.ScheduledItem{
			ID:              uuid.NewString(),
			ScheduleDayID:   day.ID,
			ChannelID:       channel.ID,
			Position:        position,
			StartUTC:        dayStart.Add(time.Duration(offset) * time.Minute),
			EndUTC:          dayStart.Add(time.Duration(offset+duration) * time.Minute),
			RefKind:         part.refKind,
			RefID:           part.refID,
			SelectionPolicy: part.policy,
			RuleTags:        part.ruleTags,
			EventType:       part.eventType,
		})
		position++
	}
	gapPart := slotPart{refKind: models.RefGap, eventType: models.EventGap}

	for _, part := range parts {
		if part.offsetMinutes >= windowMinutes {
			// Entire block falls past the short-day window end.
			day.TruncatedMinutes += part.durationMinutes
			continue
		}
		if part.offsetMinutes > cursor {
			appendItem(cursor, part.offsetMinutes-cursor, gapPart)
		}
		duration := part.durationMinutes
		if part.offsetMinutes+duration > windowMinutes {
			day.TruncatedMinutes += part.offsetMinutes + duration - windowMinutes
			duration = windowMinutes - part.offsetMinutes
		}
		appendItem(part.offsetMinutes, duration, part)
		cursor = part.offsetMinutes + duration
	}
	if cursor < windowMinutes {
		appendItem(cursor, windowMinutes-cursor, gapPart)
	}

	if day.TruncatedMinutes > 0 {
		p.logger.Info().
			Str("channel_id", channel.ID).
			Str("broadcast_day", label).
			Int("truncated_minutes", day.TruncatedMinutes).
			Msg("schedule day truncated at short-day window end")
	}
	return day, nil
}

// FallbackDay builds a ScheduleDay consisting of a single fallback slot
// covering the whole window, for channels with no applicable plan.
func (p *Planner) FallbackDay(channel models.Channel, label string) (*models.ScheduleDay, error) {
	loc := p.clock.Location(channel.Timezone)
	startMinutes := channel.BroadcastDayStartMinutes
	if startMinutes == 0 {
		startMinutes = broadcastday.DefaultStartMinutes
	}
	dayStart, dayEnd, err := broadcastday.Window(label, loc, startMinutes)
	if err != nil {
		return nil, fmt.Errorf("broadcast day window %q: %w", label, err)
	}

	day := &models.ScheduleDay{
		ID:             uuid.NewString(),
		ChannelID:      channel.ID,
		BroadcastDay:   label,
		GeneratedAtUTC: p.clock.NowUTC(),
		Frozen:         true,
		DayStartUTC:    dayStart,
		DayEndUTC:      dayEnd,
	}
	day.Items = append(day.Items, models.ScheduledItem{
		ID:            uuid.NewString(),
		ScheduleDayID: day.ID,
		ChannelID:     channel.ID,
		Position:      0,
		StartUTC:      dayStart,
		EndUTC:        dayEnd,
		RefKind:       models.RefGap,
		EventType:     models.EventFallback,
	})
	return day, nil
}

// expandBlock turns one assignment into slot parts, expanding virtual
// assets inline. Virtual items lay out sequentially from the block start and
// are clamped to the block's duration; a shortfall leaves a trailing gap.
func (p *Planner) expandBlock(ctx context.Context, a models.BlockAssignment) ([]slotPart, error) {
	base := slotPart{
		offsetMinutes:   a.StartScheduleMinutes,
		durationMinutes: a.DurationMinutes,
		refKind:         a.RefKind,
		refID:           a.RefID,
		policy:          a.SelectionPolicy,
		ruleTags:        a.RuleTags,
		eventType:       a.EventType,
	}
	if a.RefKind != models.RefVirtual {
		if base.eventType == "" {
			base.eventType = models.EventProgram
		}
		return []slotPart{base}, nil
	}

	visiting := map[string]bool{}
	parts, err := p.expandVirtual(ctx, a.RefID, a.StartScheduleMinutes, a.DurationMinutes, visiting, 0)
	if err != nil {
		return nil, err
	}
	return parts, nil
}

func (p *Planner) expandVirtual(ctx context.Context, virtualID string, offset, budget int, visiting map[string]bool, depth int) ([]slotPart, error) {
	if depth > maxVirtualDepth {
		return nil, fmt.Errorf("%w: depth limit at %s", ErrVirtualCycle, virtualID)
	}
	if visiting[virtualID] {
		return nil, fmt.Errorf("%w: %s", ErrVirtualCycle, virtualID)
	}
	visiting[virtualID] = true
	defer delete(visiting, virtualID)

	var va models.VirtualAsset
	if err := p.db.WithContext(ctx).
		Preload("Items", func(db *gorm.DB) *gorm.DB { return db.Order("position ASC") }).
		First(&va, "id = ?", virtualID).Error; err != nil {
		return nil, fmt.Errorf("load virtual asset %s: %w", virtualID, err)
	}

	var parts []slotPart
	cursor := offset
	end := offset + budget
	for _, item := range va.Items {
		if cursor >= end {
			break
		}
		duration := item.DurationMinutes
		if cursor+duration > end {
			duration = end - cursor
		}
		if item.RefKind == models.RefVirtual {
			nested, err := p.expandVirtual(ctx, item.RefID, cursor, duration, visiting, depth+1)
			if err != nil {
				return nil, err
			}
			parts = append(parts, nested...)
		} else {
			eventType := item.EventType
			if eventType == "" {
				eventType = models.EventProgram
			}
			parts = append(parts, slotPart{
				offsetMinutes:   cursor,
				durationMinutes: duration,
				refKind:         item.RefKind,
				refID:           item.RefID,
				policy:          item.SelectionPolicy,
				ruleTags:        item.RuleTags,
				eventType:       eventType,
			})
		}
		cursor += duration
	}
	return parts, nil
}

// checkCoverage verifies a complete plan tiles the nominal 24h grid. The
// grid is nominal minutes, so DST days do not change the requirement.
func checkCoverage(assignments []models.BlockAssignment, planID string) error {
	cursor := 0
	for _, a := range assignments {
		if a.StartScheduleMinutes != cursor {
			return fmt.Errorf("%w: uncovered minutes %d..%d in plan %s",
				ErrPlanCoverage, cursor, a.StartScheduleMinutes, planID)
		}
		cursor += a.DurationMinutes
	}
	if cursor < 1440 {
		return fmt.Errorf("%w: uncovered minutes %d..1440 in plan %s",
			ErrPlanCoverage, cursor, planID)
	}
	return nil
}
