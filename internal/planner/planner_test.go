/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package planner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	appdb "github.com/friendsincode/grimnir_tv/internal/db"
	"github.com/friendsincode/grimnir_tv/internal/masterclock"
	"github.com/friendsincode/grimnir_tv/internal/models"
)

func newTestPlanner(t *testing.T) (*Planner, *gorm.DB, *masterclock.FakeClock) {
	t.Helper()
	database, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := appdb.Migrate(database); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	clk := masterclock.NewFakeClock(time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC))
	return New(database, clk, zerolog.Nop()), database, clk
}

func testChannel(tz string) models.Channel {
	return models.Channel{
		ID:                       uuid.NewString(),
		Name:                     "test",
		Timezone:                 tz,
		BroadcastDayStartMinutes: 360,
		GridMinutes:              30,
		Active:                   true,
	}
}

func createPlan(t *testing.T, database *gorm.DB, plan models.SchedulePlan) models.SchedulePlan {
	t.Helper()
	if plan.ID == "" {
		plan.ID = uuid.NewString()
	}
	for i := range plan.Assignments {
		if plan.Assignments[i].ID == "" {
			plan.Assignments[i].ID = uuid.NewString()
		}
		plan.Assignments[i].PlanID = plan.ID
	}
	if err := database.Create(&plan).Error; err != nil {
		t.Fatalf("create plan: %v", err)
	}
	return plan
}

func TestResolvePriorityAndRecencyTieBreak(t *testing.T) {
	p, database, _ := newTestPlanner(t)
	ch := testChannel("UTC")

	low := createPlan(t, database, models.SchedulePlan{
		ChannelID: ch.ID, Name: "base grid", Priority: 1, IsActive: true,
	})
	high := createPlan(t, database, models.SchedulePlan{
		ChannelID: ch.ID, Name: "sweeps override", Priority: 9, IsActive: true,
	})

	got, ok, err := p.Resolve(context.Background(), ch, "2026-03-02")
	if err != nil || !ok {
		t.Fatalf("Resolve() = ok=%v err=%v", ok, err)
	}
	if got.ID != high.ID {
		t.Errorf("resolved %q, want higher priority %q", got.Name, high.Name)
	}

	// Equal priorities break on most recent updated_at.
	newer := createPlan(t, database, models.SchedulePlan{
		ChannelID: ch.ID, Name: "newer override", Priority: 9, IsActive: true,
	})
	database.Model(&models.SchedulePlan{}).Where("id = ?", high.ID).
		Update("updated_at", time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))
	database.Model(&models.SchedulePlan{}).Where("id = ?", newer.ID).
		Update("updated_at", time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC))

	got, ok, err = p.Resolve(context.Background(), ch, "2026-03-02")
	if err != nil || !ok {
		t.Fatalf("Resolve() = ok=%v err=%v", ok, err)
	}
	if got.ID != newer.ID {
		t.Errorf("resolved %q, want most recently updated %q", got.Name, newer.Name)
	}
	_ = low
}

func TestResolveCronAndDateRange(t *testing.T) {
	p, database, _ := newTestPlanner(t)
	ch := testChannel("UTC")

	// 2026-03-02 is a Monday.
	createPlan(t, database, models.SchedulePlan{
		ChannelID: ch.ID, Name: "mondays", Priority: 5, IsActive: true,
		CronExpression: "0 0 * * 1",
	})

	if _, ok, err := p.Resolve(context.Background(), ch, "2026-03-02"); err != nil || !ok {
		t.Errorf("Monday plan should match Monday label: ok=%v err=%v", ok, err)
	}
	if _, ok, err := p.Resolve(context.Background(), ch, "2026-03-03"); err != nil || ok {
		t.Errorf("Monday plan should not match Tuesday label: ok=%v err=%v", ok, err)
	}

	start := time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC)
	end := time.Date(2026, 6, 30, 0, 0, 0, 0, time.UTC)
	createPlan(t, database, models.SchedulePlan{
		ChannelID: ch.ID, Name: "june stunt", Priority: 5, IsActive: true,
		StartDate: &start, EndDate: &end,
	})

	if got, ok, _ := p.Resolve(context.Background(), ch, "2026-06-15"); !ok || got.Name != "june stunt" {
		t.Errorf("date-ranged plan should match inside range, got %q ok=%v", got.Name, ok)
	}
	if got, ok, _ := p.Resolve(context.Background(), ch, "2026-07-01"); ok && got.Name == "june stunt" {
		t.Error("date-ranged plan matched outside its range")
	}
}

func TestResolveSkipsInactivePlans(t *testing.T) {
	p, database, _ := newTestPlanner(t)
	ch := testChannel("UTC")
	createPlan(t, database, models.SchedulePlan{
		ChannelID: ch.ID, Name: "retired", Priority: 5, IsActive: false,
	})

	if _, ok, err := p.Resolve(context.Background(), ch, "2026-03-02"); err != nil || ok {
		t.Errorf("inactive plan resolved: ok=%v err=%v", ok, err)
	}
}

func TestExpandDayFillsGaps(t *testing.T) {
	p, database, _ := newTestPlanner(t)
	ch := testChannel("UTC")
	asset := uuid.NewString()
	plan := createPlan(t, database, models.SchedulePlan{
		ChannelID: ch.ID, Name: "one movie", Priority: 1, IsActive: true,
		Assignments: []models.BlockAssignment{
			{StartScheduleMinutes: 120, DurationMinutes: 60, RefKind: models.RefAsset, RefID: asset},
		},
	})

	day, err := p.ExpandDay(context.Background(), ch, plan, "2026-03-02")
	if err != nil {
		t.Fatalf("ExpandDay() error = %v", err)
	}
	if len(day.Items) != 3 {
		t.Fatalf("items = %d, want gap + block + gap", len(day.Items))
	}

	dayStart := time.Date(2026, 3, 2, 6, 0, 0, 0, time.UTC)
	if !day.DayStartUTC.Equal(dayStart) {
		t.Errorf("day start = %v, want %v", day.DayStartUTC, dayStart)
	}
	if day.Items[0].RefKind != models.RefGap || !day.Items[0].StartUTC.Equal(dayStart) {
		t.Error("leading gap missing or misplaced")
	}
	block := day.Items[1]
	if block.RefID != asset || !block.StartUTC.Equal(dayStart.Add(2*time.Hour)) {
		t.Errorf("block at %v ref %q, want 08:00 / %q", block.StartUTC, block.RefID, asset)
	}
	tail := day.Items[2]
	if tail.RefKind != models.RefGap || !tail.EndUTC.Equal(day.DayEndUTC) {
		t.Error("trailing gap must run to the window end")
	}

	// Items tile the window with no gaps and no overlaps.
	for i := 1; i < len(day.Items); i++ {
		if !day.Items[i].StartUTC.Equal(day.Items[i-1].EndUTC) {
			t.Errorf("item %d starts %v, previous ends %v", i, day.Items[i].StartUTC, day.Items[i-1].EndUTC)
		}
	}
}

func TestExpandDayShortDSTDayTruncates(t *testing.T) {
	p, database, _ := newTestPlanner(t)
	ch := testChannel("America/New_York")

	// 2026-03-08: US spring-forward, the broadcast day is 23 hours.
	plan := createPlan(t, database, models.SchedulePlan{
		ChannelID: ch.ID, Name: "full grid", Priority: 1, IsActive: true, Complete: true,
		Assignments: []models.BlockAssignment{
			{StartScheduleMinutes: 0, DurationMinutes: 720, RefKind: models.RefAsset, RefID: uuid.NewString()},
			{StartScheduleMinutes: 720, DurationMinutes: 720, RefKind: models.RefAsset, RefID: uuid.NewString()},
		},
	})

	day, err := p.ExpandDay(context.Background(), ch, plan, "2026-03-08")
	if err != nil {
		t.Fatalf("ExpandDay() error = %v", err)
	}

	window := day.DayEndUTC.Sub(day.DayStartUTC)
	if window != 23*time.Hour {
		t.Fatalf("window = %v, want 23h", window)
	}
	if day.TruncatedMinutes != 60 {
		t.Errorf("truncated = %d minutes, want 60", day.TruncatedMinutes)
	}
	last := day.Items[len(day.Items)-1]
	if !last.EndUTC.Equal(day.DayEndUTC) {
		t.Errorf("last item ends %v, want window end %v", last.EndUTC, day.DayEndUTC)
	}
}

func TestExpandDayLongDSTDayGetsTrailingGap(t *testing.T) {
	p, database, _ := newTestPlanner(t)
	ch := testChannel("America/New_York")

	// 2026-11-01: US fall-back, the broadcast day is 25 hours.
	plan := createPlan(t, database, models.SchedulePlan{
		ChannelID: ch.ID, Name: "full grid", Priority: 1, IsActive: true, Complete: true,
		Assignments: []models.BlockAssignment{
			{StartScheduleMinutes: 0, DurationMinutes: 1440, RefKind: models.RefAsset, RefID: uuid.NewString()},
		},
	})

	day, err := p.ExpandDay(context.Background(), ch, plan, "2026-11-01")
	if err != nil {
		t.Fatalf("ExpandDay() error = %v", err)
	}
	if window := day.DayEndUTC.Sub(day.DayStartUTC); window != 25*time.Hour {
		t.Fatalf("window = %v, want 25h", window)
	}

	last := day.Items[len(day.Items)-1]
	if last.RefKind != models.RefGap {
		t.Errorf("last item kind = %s, want gap for the extra hour", last.RefKind)
	}
	if got := last.EndUTC.Sub(last.StartUTC); got != time.Hour {
		t.Errorf("trailing gap = %v, want 1h", got)
	}
	if !last.EndUTC.Equal(day.DayEndUTC) {
		t.Error("trailing gap must run to the window end")
	}
}

func TestExpandDayRejectsOverlappingBlocks(t *testing.T) {
	p, database, _ := newTestPlanner(t)
	ch := testChannel("UTC")
	plan := createPlan(t, database, models.SchedulePlan{
		ChannelID: ch.ID, Name: "broken", Priority: 1, IsActive: true,
		Assignments: []models.BlockAssignment{
			{StartScheduleMinutes: 0, DurationMinutes: 90, RefKind: models.RefAsset, RefID: uuid.NewString()},
			{StartScheduleMinutes: 60, DurationMinutes: 60, RefKind: models.RefAsset, RefID: uuid.NewString()},
		},
	})

	if _, err := p.ExpandDay(context.Background(), ch, plan, "2026-03-02"); !errors.Is(err, ErrPlanOverlap) {
		t.Errorf("error = %v, want ErrPlanOverlap", err)
	}
}

func TestExpandDayCompletePlanCoverage(t *testing.T) {
	p, database, _ := newTestPlanner(t)
	ch := testChannel("UTC")
	plan := createPlan(t, database, models.SchedulePlan{
		ChannelID: ch.ID, Name: "holey", Priority: 1, IsActive: true, Complete: true,
		Assignments: []models.BlockAssignment{
			{StartScheduleMinutes: 0, DurationMinutes: 600, RefKind: models.RefAsset, RefID: uuid.NewString()},
			{StartScheduleMinutes: 720, DurationMinutes: 720, RefKind: models.RefAsset, RefID: uuid.NewString()},
		},
	})

	if _, err := p.ExpandDay(context.Background(), ch, plan, "2026-03-02"); !errors.Is(err, ErrPlanCoverage) {
		t.Errorf("error = %v, want ErrPlanCoverage", err)
	}
}

func TestExpandDayVirtualAssets(t *testing.T) {
	p, database, _ := newTestPlanner(t)
	ch := testChannel("UTC")

	cartoon := uuid.NewString()
	bumper := uuid.NewString()
	va := models.VirtualAsset{
		ID:   uuid.NewString(),
		Name: "saturday-morning",
		Items: []models.VirtualAssetItem{
			{ID: uuid.NewString(), Position: 0, DurationMinutes: 25, RefKind: models.RefAsset, RefID: cartoon},
			{ID: uuid.NewString(), Position: 1, DurationMinutes: 5, RefKind: models.RefAsset, RefID: bumper, EventType: models.EventBumper},
		},
	}
	if err := database.Create(&va).Error; err != nil {
		t.Fatalf("create virtual asset: %v", err)
	}

	plan := createPlan(t, database, models.SchedulePlan{
		ChannelID: ch.ID, Name: "with virtual", Priority: 1, IsActive: true,
		Assignments: []models.BlockAssignment{
			{StartScheduleMinutes: 0, DurationMinutes: 30, RefKind: models.RefVirtual, RefID: va.ID},
		},
	})

	day, err := p.ExpandDay(context.Background(), ch, plan, "2026-03-02")
	if err != nil {
		t.Fatalf("ExpandDay() error = %v", err)
	}
	if len(day.Items) < 3 {
		t.Fatalf("items = %d, want cartoon + bumper + trailing gap", len(day.Items))
	}
	if day.Items[0].RefID != cartoon || day.Items[0].EndUTC.Sub(day.Items[0].StartUTC) != 25*time.Minute {
		t.Errorf("first virtual item = %q/%v", day.Items[0].RefID, day.Items[0].EndUTC.Sub(day.Items[0].StartUTC))
	}
	if day.Items[1].RefID != bumper || day.Items[1].EventType != models.EventBumper {
		t.Errorf("second virtual item = %q/%s, want bumper", day.Items[1].RefID, day.Items[1].EventType)
	}
}

func TestExpandDayVirtualCycle(t *testing.T) {
	p, database, _ := newTestPlanner(t)
	ch := testChannel("UTC")

	a := uuid.NewString()
	b := uuid.NewString()
	vaA := models.VirtualAsset{
		ID: a, Name: "loop-a",
		Items: []models.VirtualAssetItem{
			{ID: uuid.NewString(), Position: 0, DurationMinutes: 30, RefKind: models.RefVirtual, RefID: b},
		},
	}
	vaB := models.VirtualAsset{
		ID: b, Name: "loop-b",
		Items: []models.VirtualAssetItem{
			{ID: uuid.NewString(), Position: 0, DurationMinutes: 30, RefKind: models.RefVirtual, RefID: a},
		},
	}
	if err := database.Create(&vaA).Error; err != nil {
		t.Fatalf("create virtual asset: %v", err)
	}
	if err := database.Create(&vaB).Error; err != nil {
		t.Fatalf("create virtual asset: %v", err)
	}

	plan := createPlan(t, database, models.SchedulePlan{
		ChannelID: ch.ID, Name: "cyclic", Priority: 1, IsActive: true,
		Assignments: []models.BlockAssignment{
			{StartScheduleMinutes: 0, DurationMinutes: 60, RefKind: models.RefVirtual, RefID: a},
		},
	})

	if _, err := p.ExpandDay(context.Background(), ch, plan, "2026-03-02"); !errors.Is(err, ErrVirtualCycle) {
		t.Errorf("error = %v, want ErrVirtualCycle", err)
	}
}

func TestFallbackDayCoversWindow(t *testing.T) {
	p, _, _ := newTestPlanner(t)
	ch := testChannel("UTC")

	day, err := p.FallbackDay(ch, "2026-03-02")
	if err != nil {
		t.Fatalf("FallbackDay() error = %v", err)
	}
	if len(day.Items) != 1 {
		t.Fatalf("items = %d, want 1", len(day.Items))
	}
	if day.Items[0].EventType != models.EventFallback {
		t.Errorf("item type = %s, want fallback", day.Items[0].EventType)
	}
	if !day.Items[0].StartUTC.Equal(day.DayStartUTC) || !day.Items[0].EndUTC.Equal(day.DayEndUTC) {
		t.Error("fallback item must span the full window")
	}
}
