/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package broadcastday

import (
	"testing"
	"time"
)

func mustLoc(t *testing.T, name string) *time.Location {
	t.Helper()
	loc, err := time.LoadLocation(name)
	if err != nil {
		t.Fatalf("LoadLocation(%s): %v", name, err)
	}
	return loc
}

func TestLabelBeforeAndAfterAnchor(t *testing.T) {
	ny := mustLoc(t, "America/New_York")

	cases := []struct {
		name  string
		local time.Time
		want  string
	}{
		{"evening belongs to same day", time.Date(2026, 7, 14, 20, 0, 0, 0, ny), "2026-07-14"},
		{"2am belongs to previous day", time.Date(2026, 7, 15, 2, 0, 0, 0, ny), "2026-07-14"},
		{"anchor itself starts the new day", time.Date(2026, 7, 15, 6, 0, 0, 0, ny), "2026-07-15"},
		{"just before anchor is still previous day", time.Date(2026, 7, 15, 5, 59, 0, 0, ny), "2026-07-14"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Label(tc.local.UTC(), ny, DefaultStartMinutes); got != tc.want {
				t.Fatalf("Label = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestWindowStandardDay(t *testing.T) {
	ny := mustLoc(t, "America/New_York")

	start, end, err := Window("2026-07-14", ny, DefaultStartMinutes)
	if err != nil {
		t.Fatalf("Window: %v", err)
	}
	if got := end.Sub(start); got != 24*time.Hour {
		t.Fatalf("expected 24h window, got %v", got)
	}
	wantStart := time.Date(2026, 7, 14, 6, 0, 0, 0, ny).UTC()
	if !start.Equal(wantStart) {
		t.Fatalf("start = %v, want %v", start, wantStart)
	}
}

func TestWindowDSTSpringForward(t *testing.T) {
	// 2026-03-08: US clocks jump 02:00 -> 03:00, so the broadcast day is 23h.
	ny := mustLoc(t, "America/New_York")

	start, end, err := Window("2026-03-08", ny, DefaultStartMinutes)
	if err != nil {
		t.Fatalf("Window: %v", err)
	}
	if got := end.Sub(start); got != 23*time.Hour {
		t.Fatalf("expected 23h window on spring-forward day, got %v", got)
	}
}

func TestWindowDSTFallBack(t *testing.T) {
	// 2026-11-01: US clocks fall back, 25h broadcast day.
	ny := mustLoc(t, "America/New_York")

	start, end, err := Window("2026-11-01", ny, DefaultStartMinutes)
	if err != nil {
		t.Fatalf("Window: %v", err)
	}
	if got := end.Sub(start); got != 25*time.Hour {
		t.Fatalf("expected 25h window on fall-back day, got %v", got)
	}
}

func TestWindowAdjacentDaysAbut(t *testing.T) {
	ny := mustLoc(t, "America/New_York")

	_, end1, err := Window("2026-03-07", ny, DefaultStartMinutes)
	if err != nil {
		t.Fatalf("Window: %v", err)
	}
	start2, _, err := Window("2026-03-08", ny, DefaultStartMinutes)
	if err != nil {
		t.Fatalf("Window: %v", err)
	}
	if !end1.Equal(start2) {
		t.Fatalf("days do not abut: %v vs %v", end1, start2)
	}
}

func TestNextLabel(t *testing.T) {
	got, err := NextLabel("2026-12-31")
	if err != nil {
		t.Fatalf("NextLabel: %v", err)
	}
	if got != "2027-01-01" {
		t.Fatalf("NextLabel = %s", got)
	}
}

func TestWindowBadLabel(t *testing.T) {
	if _, _, err := Window("not-a-date", time.UTC, DefaultStartMinutes); err == nil {
		t.Fatal("expected error for malformed label")
	}
}
