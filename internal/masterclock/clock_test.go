/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package masterclock

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestNowUTCMonotone(t *testing.T) {
	c := NewSystemClock(zerolog.Nop())

	// Simulate a wall-clock step back by pinning last in the future.
	future := time.Now().UTC().Add(time.Hour)
	c.mu.Lock()
	c.last = future
	c.mu.Unlock()

	got := c.NowUTC()
	if got.Before(future) {
		t.Fatalf("NowUTC went backwards: got %v, last was %v", got, future)
	}
}

func TestNowUTCConcurrent(t *testing.T) {
	c := NewSystemClock(zerolog.Nop())

	var wg sync.WaitGroup
	results := make([][]time.Time, 8)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				results[i] = append(results[i], c.NowUTC())
			}
		}(i)
	}
	wg.Wait()

	for i, seq := range results {
		for j := 1; j < len(seq); j++ {
			if seq[j].Before(seq[j-1]) {
				t.Fatalf("goroutine %d observed time going backwards", i)
			}
		}
	}
}

func TestLocationFallbackUTC(t *testing.T) {
	c := NewSystemClock(zerolog.Nop())

	loc := c.Location("Not/AZone")
	if loc != time.UTC {
		t.Fatalf("expected UTC fallback, got %v", loc)
	}
	// Second lookup is served from cache without another warning.
	if got := c.Location("Not/AZone"); got != time.UTC {
		t.Fatalf("expected cached UTC fallback, got %v", got)
	}
}

func TestToChannelTime(t *testing.T) {
	c := NewSystemClock(zerolog.Nop())

	utc := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	ny, err := c.ToChannelTime(utc, "America/New_York")
	if err != nil {
		t.Fatalf("ToChannelTime: %v", err)
	}
	if ny.Hour() != 8 {
		t.Fatalf("expected 08:00 in New York, got %v", ny)
	}

	if _, err := c.ToChannelTime(time.Time{}, "UTC"); !errors.Is(err, ErrNaiveTime) {
		t.Fatalf("expected ErrNaiveTime for zero time, got %v", err)
	}
}

func TestNowLocal(t *testing.T) {
	c := NewFakeClock(time.Date(2026, 7, 1, 16, 0, 0, 0, time.UTC))

	got := c.NowLocal("America/New_York")
	if got.Hour() != 12 {
		t.Fatalf("expected 12:00 in New York, got %v", got)
	}
	// Unknown zones fall back to UTC rather than failing.
	if got := c.NowLocal("Not/AZone"); got.Hour() != 16 {
		t.Fatalf("expected UTC fallback, got %v", got)
	}
}

func TestSecondsSinceClamped(t *testing.T) {
	c := NewFakeClock(time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC))

	got, err := c.SecondsSince(time.Date(2026, 1, 1, 11, 57, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("SecondsSince: %v", err)
	}
	if got != 180 {
		t.Fatalf("expected 180s, got %d", got)
	}

	// Future instants clamp to zero instead of going negative.
	got, err = c.SecondsSince(time.Date(2026, 1, 1, 13, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("SecondsSince future: %v", err)
	}
	if got != 0 {
		t.Fatalf("expected clamp to 0, got %d", got)
	}

	if _, err := c.SecondsSince(time.Time{}); !errors.Is(err, ErrNaiveTime) {
		t.Fatalf("expected ErrNaiveTime, got %v", err)
	}
}
