/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package schedule

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	appdb "github.com/friendsincode/grimnir_tv/internal/db"
	"github.com/friendsincode/grimnir_tv/internal/events"
	"github.com/friendsincode/grimnir_tv/internal/masterclock"
	"github.com/friendsincode/grimnir_tv/internal/models"
	"github.com/friendsincode/grimnir_tv/internal/planner"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	database, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := appdb.Migrate(database); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return database
}

func newTestService(t *testing.T, database *gorm.DB, clk masterclock.Clock) *Service {
	t.Helper()
	logger := zerolog.Nop()
	pl := planner.New(database, clk, logger)
	return New(database, clk, pl, events.NewBus(), logger, Options{Horizon: 3 * time.Hour})
}

func seedChannel(t *testing.T, database *gorm.DB, tz string) models.Channel {
	t.Helper()
	ch := models.Channel{
		ID:                       uuid.NewString(),
		Name:                     "movies-east-" + uuid.NewString()[:8],
		Timezone:                 tz,
		BroadcastDayStartMinutes: 360,
		GridMinutes:              30,
		Active:                   true,
	}
	if err := database.Create(&ch).Error; err != nil {
		t.Fatalf("create channel: %v", err)
	}
	return ch
}

func seedAsset(t *testing.T, database *gorm.DB, title string, durationSeconds int, approved bool) models.Asset {
	t.Helper()
	a := models.Asset{
		UUID:                 uuid.NewString(),
		Title:                title,
		DurationSeconds:      durationSeconds,
		PlayoutPath:          "/media/" + title + ".ts",
		State:                models.AssetReady,
		ApprovedForBroadcast: approved,
	}
	if err := database.Create(&a).Error; err != nil {
		t.Fatalf("create asset: %v", err)
	}
	return a
}

func seedPlan(t *testing.T, database *gorm.DB, channelID string, assignments []models.BlockAssignment) models.SchedulePlan {
	t.Helper()
	plan := models.SchedulePlan{
		ID:        uuid.NewString(),
		ChannelID: channelID,
		Name:      "weekday grid",
		Priority:  10,
		IsActive:  true,
	}
	for i := range assignments {
		assignments[i].ID = uuid.NewString()
		assignments[i].PlanID = plan.ID
	}
	plan.Assignments = assignments
	if err := database.Create(&plan).Error; err != nil {
		t.Fatalf("create plan: %v", err)
	}
	return plan
}

func TestGenerateDayFrozenGuard(t *testing.T) {
	database := newTestDB(t)
	clk := masterclock.NewFakeClock(time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC))
	svc := newTestService(t, database, clk)
	ch := seedChannel(t, database, "UTC")
	ctx := context.Background()

	first, err := svc.GenerateDay(ctx, ch, "2026-03-02", false)
	if err != nil {
		t.Fatalf("GenerateDay() error = %v", err)
	}
	if !first.Frozen {
		t.Error("generated day should be frozen")
	}

	if _, err := svc.GenerateDay(ctx, ch, "2026-03-02", false); !errors.Is(err, ErrFrozenDay) {
		t.Errorf("regenerate without force: error = %v, want ErrFrozenDay", err)
	}

	second, err := svc.GenerateDay(ctx, ch, "2026-03-02", true)
	if err != nil {
		t.Fatalf("GenerateDay(force) error = %v", err)
	}
	if second.ID == first.ID {
		t.Error("forced regeneration should replace the day record")
	}

	var count int64
	database.Model(&models.ScheduleDay{}).
		Where("channel_id = ? AND broadcast_day = ?", ch.ID, "2026-03-02").
		Count(&count)
	if count != 1 {
		t.Errorf("schedule day count = %d, want 1", count)
	}
}

func TestGenerateDayFallbackWhenNoPlan(t *testing.T) {
	database := newTestDB(t)
	clk := masterclock.NewFakeClock(time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC))
	svc := newTestService(t, database, clk)
	ch := seedChannel(t, database, "UTC")

	day, err := svc.GenerateDay(context.Background(), ch, "2026-03-02", false)
	if err != nil {
		t.Fatalf("GenerateDay() error = %v", err)
	}
	if len(day.Items) != 1 {
		t.Fatalf("fallback day items = %d, want 1", len(day.Items))
	}
	item := day.Items[0]
	if item.RefKind != models.RefGap || item.EventType != models.EventFallback {
		t.Errorf("fallback item = %s/%s, want gap/fallback", item.RefKind, item.EventType)
	}
	if !item.StartUTC.Equal(day.DayStartUTC) || !item.EndUTC.Equal(day.DayEndUTC) {
		t.Error("fallback item should span the whole broadcast day window")
	}
}

func TestForceRegenerateKeepsAiringDayCovered(t *testing.T) {
	database := newTestDB(t)
	// Late in the 2026-03-02 broadcast day: the 3h horizon target (07:00)
	// crosses the 06:00 rollover, so next-day events already exist when the
	// airing day is regenerated.
	now := time.Date(2026, 3, 3, 4, 0, 0, 0, time.UTC)
	clk := masterclock.NewFakeClock(now)
	svc := newTestService(t, database, clk)
	ch := seedChannel(t, database, "UTC")
	movie := seedAsset(t, database, "marathon", 26*3600, true)
	seedPlan(t, database, ch.ID, []models.BlockAssignment{
		{StartScheduleMinutes: 0, DurationMinutes: 1440, RefKind: models.RefAsset, RefID: movie.UUID},
	})
	ctx := context.Background()

	if err := svc.ExtendHorizon(ctx, ch); err != nil {
		t.Fatalf("ExtendHorizon() error = %v", err)
	}
	if _, ok, err := svc.ActiveEvent(ctx, ch.ID, now); err != nil || !ok {
		t.Fatalf("ActiveEvent() before regenerate = ok=%v err=%v, want event", ok, err)
	}
	var nextDay int64
	database.Model(&models.PlaylogEvent{}).
		Where("channel_id = ? AND broadcast_day = ?", ch.ID, "2026-03-03").
		Count(&nextDay)
	if nextDay == 0 {
		t.Fatal("horizon should already cover the next broadcast day")
	}

	if _, err := svc.GenerateDay(ctx, ch, "2026-03-02", true); err != nil {
		t.Fatalf("GenerateDay(force) error = %v", err)
	}
	if err := svc.ExtendHorizon(ctx, ch); err != nil {
		t.Fatalf("ExtendHorizon() after regenerate error = %v", err)
	}

	active, ok, err := svc.ActiveEvent(ctx, ch.ID, now)
	if err != nil || !ok {
		t.Fatalf("ActiveEvent() after regenerate = ok=%v err=%v, want event", ok, err)
	}
	if active.EventType != models.EventProgram || active.AssetUUID != movie.UUID {
		t.Errorf("active event = %s/%s, want program playing %s",
			active.EventType, active.AssetUUID, movie.UUID)
	}

	// The regenerated day must tile gap-free from its window start into the
	// surviving next-day events.
	dayStart := time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC)
	eventsOut, err := svc.Upcoming(ctx, ch.ID, dayStart.Add(-time.Second), 30*time.Hour)
	if err != nil {
		t.Fatalf("Upcoming() error = %v", err)
	}
	if len(eventsOut) == 0 {
		t.Fatal("no playlog events after regenerate")
	}
	if !eventsOut[0].StartUTC.Equal(dayStart) {
		t.Errorf("coverage starts %v, want %v", eventsOut[0].StartUTC, dayStart)
	}
	for i := 1; i < len(eventsOut); i++ {
		if !eventsOut[i].StartUTC.Equal(eventsOut[i-1].EndUTC) {
			t.Errorf("playlog hole: event %d starts %v, previous ends %v",
				i, eventsOut[i].StartUTC, eventsOut[i-1].EndUTC)
		}
	}
	last := eventsOut[len(eventsOut)-1]
	if last.EndUTC.Before(now.Add(3 * time.Hour)) {
		t.Errorf("coverage ends %v, want at least %v", last.EndUTC, now.Add(3*time.Hour))
	}
}

func TestExtendHorizonCoverageAndIdempotence(t *testing.T) {
	database := newTestDB(t)
	now := time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC)
	clk := masterclock.NewFakeClock(now)
	svc := newTestService(t, database, clk)
	ch := seedChannel(t, database, "UTC")
	movie := seedAsset(t, database, "morning-movie", 2*3600, true)
	seedPlan(t, database, ch.ID, []models.BlockAssignment{
		{StartScheduleMinutes: 0, DurationMinutes: 60, RefKind: models.RefAsset, RefID: movie.UUID},
	})
	ctx := context.Background()

	if err := svc.ExtendHorizon(ctx, ch); err != nil {
		t.Fatalf("ExtendHorizon() error = %v", err)
	}

	eventsOut, err := svc.Upcoming(ctx, ch.ID, now.Add(-time.Hour), 30*time.Hour)
	if err != nil {
		t.Fatalf("Upcoming() error = %v", err)
	}
	if len(eventsOut) == 0 {
		t.Fatal("no playlog events written")
	}

	// Gap-free and non-overlapping from the first event onward, reaching
	// past now + horizon.
	for i := 1; i < len(eventsOut); i++ {
		if !eventsOut[i].StartUTC.Equal(eventsOut[i-1].EndUTC) {
			t.Errorf("event %d starts %v, previous ends %v", i, eventsOut[i].StartUTC, eventsOut[i-1].EndUTC)
		}
	}
	last := eventsOut[len(eventsOut)-1]
	if last.EndUTC.Before(now.Add(3 * time.Hour)) {
		t.Errorf("coverage ends %v, want at least %v", last.EndUTC, now.Add(3*time.Hour))
	}

	// Re-running with no state change writes nothing.
	var before int64
	database.Model(&models.PlaylogEvent{}).Where("channel_id = ?", ch.ID).Count(&before)
	if err := svc.ExtendHorizon(ctx, ch); err != nil {
		t.Fatalf("second ExtendHorizon() error = %v", err)
	}
	var after int64
	database.Model(&models.PlaylogEvent{}).Where("channel_id = ?", ch.ID).Count(&after)
	if before != after {
		t.Errorf("event count changed %d -> %d on idempotent re-run", before, after)
	}
}

func TestExtendHorizonKeepsNaturalStartForJoinOffsets(t *testing.T) {
	database := newTestDB(t)
	// Three minutes into the 06:00 slot.
	now := time.Date(2026, 3, 2, 6, 3, 0, 0, time.UTC)
	clk := masterclock.NewFakeClock(now)
	svc := newTestService(t, database, clk)
	ch := seedChannel(t, database, "UTC")
	movie := seedAsset(t, database, "feature", 2*3600, true)
	seedPlan(t, database, ch.ID, []models.BlockAssignment{
		{StartScheduleMinutes: 0, DurationMinutes: 60, RefKind: models.RefAsset, RefID: movie.UUID},
	})
	ctx := context.Background()

	if err := svc.ExtendHorizon(ctx, ch); err != nil {
		t.Fatalf("ExtendHorizon() error = %v", err)
	}

	active, ok, err := svc.ActiveEvent(ctx, ch.ID, now)
	if err != nil || !ok {
		t.Fatalf("ActiveEvent() = ok=%v err=%v, want event", ok, err)
	}
	wantStart := time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC)
	if !active.StartUTC.Equal(wantStart) {
		t.Errorf("active event starts %v, want natural start %v", active.StartUTC, wantStart)
	}

	offset, err := clk.SecondsSince(active.StartUTC)
	if err != nil {
		t.Fatalf("SecondsSince() error = %v", err)
	}
	if offset != 180 {
		t.Errorf("join offset = %d, want 180", offset)
	}
}

func TestIneligibleAssetBecomesFallback(t *testing.T) {
	database := newTestDB(t)
	now := time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC)
	clk := masterclock.NewFakeClock(now)
	svc := newTestService(t, database, clk)
	ch := seedChannel(t, database, "UTC")
	unapproved := seedAsset(t, database, "pulled-title", 3600, false)
	seedPlan(t, database, ch.ID, []models.BlockAssignment{
		{StartScheduleMinutes: 0, DurationMinutes: 60, RefKind: models.RefAsset, RefID: unapproved.UUID},
	})
	ctx := context.Background()

	if err := svc.ExtendHorizon(ctx, ch); err != nil {
		t.Fatalf("ExtendHorizon() error = %v", err)
	}

	active, ok, err := svc.ActiveEvent(ctx, ch.ID, now)
	if err != nil || !ok {
		t.Fatalf("ActiveEvent() = ok=%v err=%v, want event", ok, err)
	}
	if active.EventType != models.EventFallback {
		t.Errorf("event type = %s, want fallback", active.EventType)
	}
	if want := "asset_ineligible:" + unapproved.UUID; active.FallbackCause != want {
		t.Errorf("fallback cause = %q, want %q", active.FallbackCause, want)
	}
	if active.AssetUUID != "" {
		t.Errorf("fallback event carries asset %q, want none", active.AssetUUID)
	}
}

func TestShortAssetLeavesUnderrunPad(t *testing.T) {
	database := newTestDB(t)
	now := time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC)
	clk := masterclock.NewFakeClock(now)
	svc := newTestService(t, database, clk)
	ch := seedChannel(t, database, "UTC")
	short := seedAsset(t, database, "short-film", 600, true) // 10min in a 30min slot
	seedPlan(t, database, ch.ID, []models.BlockAssignment{
		{StartScheduleMinutes: 0, DurationMinutes: 30, RefKind: models.RefAsset, RefID: short.UUID},
	})
	ctx := context.Background()

	if err := svc.ExtendHorizon(ctx, ch); err != nil {
		t.Fatalf("ExtendHorizon() error = %v", err)
	}

	eventsOut, err := svc.Upcoming(ctx, ch.ID, now, time.Hour)
	if err != nil {
		t.Fatalf("Upcoming() error = %v", err)
	}
	if len(eventsOut) < 2 {
		t.Fatalf("events = %d, want main + pad", len(eventsOut))
	}
	main, pad := eventsOut[0], eventsOut[1]
	if main.AssetUUID != short.UUID || main.DurationSeconds != 600 {
		t.Errorf("main event asset=%q dur=%d, want %q/600", main.AssetUUID, main.DurationSeconds, short.UUID)
	}
	if pad.EventType != models.EventFallback || pad.FallbackCause != "slot_underrun" {
		t.Errorf("pad = %s/%q, want fallback/slot_underrun", pad.EventType, pad.FallbackCause)
	}
	if !pad.StartUTC.Equal(main.EndUTC) {
		t.Error("pad must start where the short asset ends")
	}
	if !pad.EndUTC.Equal(now.Add(30 * time.Minute)) {
		t.Errorf("pad ends %v, want slot end %v", pad.EndUTC, now.Add(30*time.Minute))
	}
}

func TestSequentialRotationAdvancesAcrossSlots(t *testing.T) {
	database := newTestDB(t)
	now := time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC)
	clk := masterclock.NewFakeClock(now)
	svc := newTestService(t, database, clk)
	ch := seedChannel(t, database, "UTC")

	seriesID := uuid.NewString()
	var episodes []models.Asset
	for i := 1; i <= 3; i++ {
		a := models.Asset{
			UUID:                 uuid.NewString(),
			Title:                "episode",
			DurationSeconds:      30 * 60,
			PlayoutPath:          "/media/ep.ts",
			State:                models.AssetReady,
			ApprovedForBroadcast: true,
			SeriesID:             seriesID,
			EpisodeNumber:        i,
		}
		if err := database.Create(&a).Error; err != nil {
			t.Fatalf("create episode: %v", err)
		}
		episodes = append(episodes, a)
	}
	seedPlan(t, database, ch.ID, []models.BlockAssignment{
		{StartScheduleMinutes: 0, DurationMinutes: 30, RefKind: models.RefSeries, RefID: seriesID, SelectionPolicy: models.SelectSequential},
		{StartScheduleMinutes: 30, DurationMinutes: 30, RefKind: models.RefSeries, RefID: seriesID, SelectionPolicy: models.SelectSequential},
	})
	ctx := context.Background()

	if err := svc.ExtendHorizon(ctx, ch); err != nil {
		t.Fatalf("ExtendHorizon() error = %v", err)
	}

	eventsOut, err := svc.Upcoming(ctx, ch.ID, now, time.Hour)
	if err != nil {
		t.Fatalf("Upcoming() error = %v", err)
	}
	if len(eventsOut) < 2 {
		t.Fatalf("events = %d, want 2 series slots", len(eventsOut))
	}
	if eventsOut[0].AssetUUID != episodes[0].UUID {
		t.Errorf("first slot plays %q, want episode 1 %q", eventsOut[0].AssetUUID, episodes[0].UUID)
	}
	if eventsOut[1].AssetUUID != episodes[1].UUID {
		t.Errorf("second slot plays %q, want episode 2 %q", eventsOut[1].AssetUUID, episodes[1].UUID)
	}

	// Rotation state survives in the store.
	var state models.RotationState
	if err := database.First(&state, "channel_id = ? AND ref_id = ?", ch.ID, seriesID).Error; err != nil {
		t.Fatalf("load rotation state: %v", err)
	}
	if state.NextIndex != 2 {
		t.Errorf("rotation next index = %d, want 2", state.NextIndex)
	}
}

func TestCarryoverInto(t *testing.T) {
	database := newTestDB(t)
	clk := masterclock.NewFakeClock(time.Date(2026, 3, 3, 6, 10, 0, 0, time.UTC))
	svc := newTestService(t, database, clk)
	ch := seedChannel(t, database, "UTC")

	rollover := time.Date(2026, 3, 3, 6, 0, 0, 0, time.UTC)
	straddler := models.PlaylogEvent{
		ID:              uuid.NewString(),
		ChannelID:       ch.ID,
		StartUTC:        rollover.Add(-30 * time.Minute),
		EndUTC:          rollover.Add(30 * time.Minute),
		DurationSeconds: 3600,
		EventType:       models.EventProgram,
		BroadcastDay:    "2026-03-02",
	}
	if err := database.Create(&straddler).Error; err != nil {
		t.Fatalf("create event: %v", err)
	}

	got, ok, err := svc.CarryoverInto(context.Background(), ch.ID, rollover)
	if err != nil || !ok {
		t.Fatalf("CarryoverInto() = ok=%v err=%v, want event", ok, err)
	}
	if got.ID != straddler.ID {
		t.Errorf("carryover = %s, want %s", got.ID, straddler.ID)
	}

	// The event at the rollover instant itself is the carryover, not a
	// next-day item starting exactly at the boundary.
	boundary := models.PlaylogEvent{
		ID:              uuid.NewString(),
		ChannelID:       ch.ID,
		StartUTC:        rollover.Add(30 * time.Minute),
		EndUTC:          rollover.Add(60 * time.Minute),
		DurationSeconds: 1800,
		EventType:       models.EventProgram,
		BroadcastDay:    "2026-03-03",
	}
	if err := database.Create(&boundary).Error; err != nil {
		t.Fatalf("create event: %v", err)
	}
	got, ok, err = svc.CarryoverInto(context.Background(), ch.ID, boundary.StartUTC)
	if err != nil {
		t.Fatalf("CarryoverInto() error = %v", err)
	}
	if ok {
		t.Errorf("event starting exactly at the instant is not a carryover, got %s", got.ID)
	}
}

func TestInsertRuntimeFallback(t *testing.T) {
	database := newTestDB(t)
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	clk := masterclock.NewFakeClock(now)
	svc := newTestService(t, database, clk)
	ch := seedChannel(t, database, "UTC")
	ctx := context.Background()

	// No known next event: capped at 60 seconds.
	event, err := svc.InsertRuntimeFallback(ctx, ch, now, "playlog_gap")
	if err != nil {
		t.Fatalf("InsertRuntimeFallback() error = %v", err)
	}
	if event.DurationSeconds != 60 {
		t.Errorf("fallback duration = %d, want 60", event.DurationSeconds)
	}
	if event.EventType != models.EventFallback || event.FallbackCause != "playlog_gap" {
		t.Errorf("fallback = %s/%q", event.EventType, event.FallbackCause)
	}

	// A nearby next event clips the fallback at its boundary.
	nextStart := now.Add(90 * time.Second)
	next := models.PlaylogEvent{
		ID:              uuid.NewString(),
		ChannelID:       ch.ID,
		StartUTC:        nextStart,
		EndUTC:          nextStart.Add(30 * time.Minute),
		DurationSeconds: 1800,
		EventType:       models.EventProgram,
		BroadcastDay:    "2026-03-02",
	}
	if err := database.Create(&next).Error; err != nil {
		t.Fatalf("create next event: %v", err)
	}
	event, err = svc.InsertRuntimeFallback(ctx, ch, now.Add(65*time.Second), "playlog_gap")
	if err != nil {
		t.Fatalf("InsertRuntimeFallback() error = %v", err)
	}
	if !event.EndUTC.Equal(nextStart) {
		t.Errorf("fallback ends %v, want clipped to next event start %v", event.EndUTC, nextStart)
	}
}

func TestAuditBoundaries(t *testing.T) {
	base := time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC)
	ok := []models.PlaylogEvent{
		{ID: "a", StartUTC: base, EndUTC: base.Add(10 * time.Minute)},
		{ID: "b", StartUTC: base.Add(10 * time.Minute), EndUTC: base.Add(20 * time.Minute)},
	}
	if err := auditBoundaries(ok); err != nil {
		t.Errorf("adjacent batch failed audit: %v", err)
	}

	gapped := []models.PlaylogEvent{
		{ID: "a", StartUTC: base, EndUTC: base.Add(10 * time.Minute)},
		{ID: "b", StartUTC: base.Add(11 * time.Minute), EndUTC: base.Add(20 * time.Minute)},
	}
	if err := auditBoundaries(gapped); !errors.Is(err, ErrBoundaryAudit) {
		t.Errorf("gapped batch: error = %v, want ErrBoundaryAudit", err)
	}

	inverted := []models.PlaylogEvent{
		{ID: "a", StartUTC: base.Add(10 * time.Minute), EndUTC: base},
	}
	if err := auditBoundaries(inverted); !errors.Is(err, ErrBoundaryAudit) {
		t.Errorf("inverted batch: error = %v, want ErrBoundaryAudit", err)
	}
}

func TestBroadcastDayForAnchorsOnChannelCalendar(t *testing.T) {
	database := newTestDB(t)
	clk := masterclock.NewFakeClock(time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC))
	svc := newTestService(t, database, clk)
	ch := seedChannel(t, database, "UTC")

	tests := []struct {
		name string
		at   time.Time
		want string
	}{
		{"after anchor", time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC), "2026-03-02"},
		{"before anchor", time.Date(2026, 3, 2, 5, 59, 0, 0, time.UTC), "2026-03-01"},
		{"late evening", time.Date(2026, 3, 2, 23, 30, 0, 0, time.UTC), "2026-03-02"},
		{"small hours", time.Date(2026, 3, 3, 2, 0, 0, 0, time.UTC), "2026-03-02"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := svc.BroadcastDayFor(ch, tt.at); got != tt.want {
				t.Errorf("BroadcastDayFor(%v) = %q, want %q", tt.at, got, tt.want)
			}
		})
	}
}

func TestTickBackoff(t *testing.T) {
	database := newTestDB(t)
	clk := masterclock.NewFakeClock(time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC))
	svc := newTestService(t, database, clk)

	if svc.inBackoff() {
		t.Error("fresh service should not be in backoff")
	}
	svc.recordFailure(errors.New("store down"))
	if !svc.inBackoff() {
		t.Error("service should back off after a failed tick")
	}

	// The delay doubles per failure but never exceeds the ceiling.
	for i := 0; i < 20; i++ {
		svc.recordFailure(errors.New("store down"))
	}
	svc.failMu.Lock()
	retryAt := svc.retryAt
	svc.failMu.Unlock()
	if ceiling := clk.NowUTC().Add(backoffCeiling); retryAt.After(ceiling) {
		t.Errorf("retry at %v exceeds ceiling %v", retryAt, ceiling)
	}

	clk.Advance(backoffCeiling + time.Second)
	if svc.inBackoff() {
		t.Error("backoff should expire once the retry time passes")
	}
	svc.clearFailures()
	if svc.inBackoff() {
		t.Error("clearFailures should reset backoff")
	}
}

func TestEPGAndXMLTVExport(t *testing.T) {
	database := newTestDB(t)
	now := time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC)
	clk := masterclock.NewFakeClock(now)
	svc := newTestService(t, database, clk)
	ch := seedChannel(t, database, "UTC")
	movie := seedAsset(t, database, "Night Train", 2*3600, true)
	seedPlan(t, database, ch.ID, []models.BlockAssignment{
		{StartScheduleMinutes: 0, DurationMinutes: 120, RefKind: models.RefAsset, RefID: movie.UUID},
	})
	ctx := context.Background()

	if err := svc.ExtendHorizon(ctx, ch); err != nil {
		t.Fatalf("ExtendHorizon() error = %v", err)
	}

	entries, err := svc.EPG(ctx, ch, now, now.Add(3*time.Hour))
	if err != nil {
		t.Fatalf("EPG() error = %v", err)
	}
	if len(entries) == 0 {
		t.Fatal("EPG returned no entries")
	}
	if entries[0].Title != "Night Train" {
		t.Errorf("first entry title = %q, want asset title", entries[0].Title)
	}

	xmltv, err := svc.ExportXMLTV(ctx, ch, now, now.Add(3*time.Hour))
	if err != nil {
		t.Fatalf("ExportXMLTV() error = %v", err)
	}
	doc := string(xmltv)
	if !strings.Contains(doc, "<programme") || !strings.Contains(doc, "Night Train") {
		t.Errorf("xmltv output missing programme data:\n%s", doc)
	}

	ical, err := svc.ExportToICal(ctx, ch, now, now.Add(3*time.Hour))
	if err != nil {
		t.Fatalf("ExportToICal() error = %v", err)
	}
	if !strings.Contains(string(ical.Data), "BEGIN:VEVENT") {
		t.Error("iCal output has no events")
	}
}

func TestAsRunSummary(t *testing.T) {
	database := newTestDB(t)
	clk := masterclock.NewFakeClock(time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC))
	svc := newTestService(t, database, clk)
	ch := seedChannel(t, database, "UTC")

	records := []models.AsRunRecord{
		{
			ID:             uuid.NewString(),
			ChannelID:      ch.ID,
			ActualStartUTC: time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC),
			EventType:      models.EventProgram,
		},
		{
			ID:             uuid.NewString(),
			ChannelID:      ch.ID,
			ActualStartUTC: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC),
			EventType:      models.EventFallback,
			FallbackCause:  "encoder_recovered",
		},
	}
	for i := range records {
		if err := database.Create(&records[i]).Error; err != nil {
			t.Fatalf("create record: %v", err)
		}
	}

	report, err := svc.AsRunSummary(context.Background(), ch, "2026-03-02")
	if err != nil {
		t.Fatalf("AsRunSummary() error = %v", err)
	}
	if report.Records != 2 || report.Fallbacks != 1 {
		t.Errorf("report = %d records / %d fallbacks, want 2/1", report.Records, report.Fallbacks)
	}
	if report.ByCause["encoder_recovered"] != 1 {
		t.Errorf("by-cause = %v, want encoder_recovered:1", report.ByCause)
	}
}
