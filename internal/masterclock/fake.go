/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package masterclock

import (
	"sync"
	"time"
)

// FakeClock is a settable Clock for tests.
type FakeClock struct {
	mu  sync.Mutex
	now time.Time
}

// NewFakeClock returns a FakeClock pinned at t (normalized to UTC).
func NewFakeClock(t time.Time) *FakeClock {
	return &FakeClock{now: t.UTC()}
}

func (c *FakeClock) NowUTC() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

// Set moves the fake clock to t.
func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = t.UTC()
}

// Advance moves the fake clock forward by d.
func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func (c *FakeClock) Location(name string) *time.Location {
	if name == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(name)
	if err != nil {
		return time.UTC
	}
	return loc
}

func (c *FakeClock) NowLocal(tz string) time.Time {
	return c.NowUTC().In(c.Location(tz))
}

func (c *FakeClock) ToChannelTime(t time.Time, tz string) (time.Time, error) {
	if t.IsZero() {
		return time.Time{}, ErrNaiveTime
	}
	return t.In(c.Location(tz)), nil
}

func (c *FakeClock) SecondsSince(t time.Time) (int64, error) {
	if t.IsZero() {
		return 0, ErrNaiveTime
	}
	d := c.NowUTC().Sub(t)
	if d < 0 {
		return 0, nil
	}
	return int64(d / time.Second), nil
}
