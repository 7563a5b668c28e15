/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package masterclock is the single time authority for the playout core.
// All scheduling math flows through a Clock so tests can drive time and so
// wall-clock regressions (NTP step-backs) never produce a backwards
// timeline.
package masterclock

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ErrNaiveTime is returned when a zero-value time.Time reaches an operation
// that needs a real instant. A zero time is always a programmer error here,
// never valid data.
var ErrNaiveTime = errors.New("masterclock: zero-value time passed where an instant is required")

// Clock is the time source used by every subsystem. Implementations must be
// safe for concurrent use.
type Clock interface {
	// NowUTC returns the current instant in UTC. Successive calls never go
	// backwards even if the underlying wall clock does.
	NowUTC() time.Time

	// Location resolves an IANA timezone name, falling back to UTC for
	// unknown names.
	Location(name string) *time.Location

	// NowLocal returns the current instant in the given timezone.
	NowLocal(tz string) time.Time

	// ToChannelTime converts a UTC instant into the given timezone.
	ToChannelTime(t time.Time, tz string) (time.Time, error)

	// SecondsSince returns the whole seconds elapsed from t to now,
	// clamped to zero for instants in the future.
	SecondsSince(t time.Time) (int64, error)
}

// SystemClock reads the OS clock and enforces monotone NowUTC.
type SystemClock struct {
	logger zerolog.Logger

	mu   sync.Mutex
	last time.Time

	locMu    sync.Mutex
	locs     map[string]*time.Location
	warnedTZ map[string]struct{}
}

// NewSystemClock returns a Clock backed by the OS clock.
func NewSystemClock(logger zerolog.Logger) *SystemClock {
	return &SystemClock{
		logger:   logger.With().Str("component", "masterclock").Logger(),
		locs:     make(map[string]*time.Location),
		warnedTZ: make(map[string]struct{}),
	}
}

// NowUTC returns the current UTC instant, never earlier than any instant
// previously returned.
func (c *SystemClock) NowUTC() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now().UTC()
	if now.Before(c.last) {
		return c.last
	}
	c.last = now
	return now
}

// Location resolves tz, caching lookups. Unknown zones fall back to UTC with
// a single warning per zone name.
func (c *SystemClock) Location(name string) *time.Location {
	if name == "" || name == "UTC" {
		return time.UTC
	}

	c.locMu.Lock()
	defer c.locMu.Unlock()

	if loc, ok := c.locs[name]; ok {
		return loc
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		if _, warned := c.warnedTZ[name]; !warned {
			c.warnedTZ[name] = struct{}{}
			c.logger.Warn().Str("timezone", name).Err(err).
				Msg("unknown timezone, falling back to UTC")
		}
		loc = time.UTC
	}
	c.locs[name] = loc
	return loc
}

// NowLocal returns the current instant in the channel's timezone.
func (c *SystemClock) NowLocal(tz string) time.Time {
	return c.NowUTC().In(c.Location(tz))
}

// ToChannelTime converts t into the channel's timezone.
func (c *SystemClock) ToChannelTime(t time.Time, tz string) (time.Time, error) {
	if t.IsZero() {
		return time.Time{}, ErrNaiveTime
	}
	return t.In(c.Location(tz)), nil
}

// SecondsSince returns whole seconds from t until now, clamped to >= 0.
func (c *SystemClock) SecondsSince(t time.Time) (int64, error) {
	if t.IsZero() {
		return 0, ErrNaiveTime
	}
	d := c.NowUTC().Sub(t)
	if d < 0 {
		return 0, nil
	}
	return int64(d / time.Second), nil
}
