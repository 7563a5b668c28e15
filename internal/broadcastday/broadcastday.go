/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package broadcastday implements the broadcast-day calendar. A broadcast
// day does not roll over at midnight: content after midnight but before the
// channel's day-start anchor still belongs to the previous day's label.
package broadcastday

import "time"

// LabelLayout is the wire format for broadcast-day labels.
const LabelLayout = "2006-01-02"

// DefaultStartMinutes anchors the broadcast day at 06:00 local.
const DefaultStartMinutes = 360

// Label returns the broadcast-day label for instant t in loc, with the day
// anchored startMinutes after local midnight. An instant before the anchor
// belongs to the previous calendar date.
func Label(t time.Time, loc *time.Location, startMinutes int) string {
	local := t.In(loc)
	minuteOfDay := local.Hour()*60 + local.Minute()
	day := local
	if minuteOfDay < startMinutes {
		day = day.AddDate(0, 0, -1)
	}
	return day.Format(LabelLayout)
}

// Window returns the UTC half-open interval [start, end) covered by the
// broadcast day named by label. Both edges are computed in local time and
// then converted, so the window is 23 or 25 hours on DST transition days.
func Window(label string, loc *time.Location, startMinutes int) (time.Time, time.Time, error) {
	day, err := time.ParseInLocation(LabelLayout, label, loc)
	if err != nil {
		return time.Time{}, time.Time{}, err
	}
	start := anchor(day, loc, startMinutes)
	end := anchor(day.AddDate(0, 0, 1), loc, startMinutes)
	return start.UTC(), end.UTC(), nil
}

// NextLabel returns the label of the broadcast day after label.
func NextLabel(label string) (string, error) {
	day, err := time.Parse(LabelLayout, label)
	if err != nil {
		return "", err
	}
	return day.AddDate(0, 0, 1).Format(LabelLayout), nil
}

// anchor places the day-start instant on the local calendar date of day.
// time.Date resolves nonexistent local times (spring forward) by rolling
// past the gap, which is the behavior we want for the window edge.
func anchor(day time.Time, loc *time.Location, startMinutes int) time.Time {
	return time.Date(day.Year(), day.Month(), day.Day(),
		startMinutes/60, startMinutes%60, 0, 0, loc)
}
