/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

// Package channel runs the per-channel playout runtime: one supervisor actor
// per channel owning the encoder subprocess and viewer fanout, fed by the
// schedule service's playlog.
package channel

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/friendsincode/grimnir_tv/internal/models"
	"github.com/friendsincode/grimnir_tv/internal/schedule"
)

// defaultSlatePath is played when a fallback event has no concrete asset and
// the channel config names no slate.
const defaultSlatePath = "/usr/share/grimnirtv/slate.ts"

// PlanEntry is one file segment the encoder plays.
type PlanEntry struct {
	PlayoutPath string `json:"playout_path"`
	StartOffset int64  `json:"start_offset"` // seconds into the file
	EndOffset   int64  `json:"end_offset"`
	Transition  string `json:"transition,omitempty"`
}

// PlayoutPlan is the ordered sequence the encoder consumes. The first entry
// carries the join offset; every later entry starts at zero.
type PlayoutPlan struct {
	ChannelID string      `json:"channel_id"`
	Entries   []PlanEntry `json:"entries"`
}

// Duration returns the total playable seconds in the plan.
func (p PlayoutPlan) Duration() int64 {
	var total int64
	for _, e := range p.Entries {
		total += e.EndOffset - e.StartOffset
	}
	return total
}

// planBuilder turns the playlog at a point in time into a playout plan.
type planBuilder struct {
	sched  *schedule.Service
	buffer time.Duration
	logger zerolog.Logger
}

// build assembles the plan starting at the event containing now. The active
// event's entry begins at the join offset so every viewer lands on the same
// wall-clock position; later events fill the plan to at least the buffer.
func (b *planBuilder) build(ctx context.Context, ch models.Channel, now time.Time) (PlayoutPlan, models.PlaylogEvent, error) {
	active, ok, err := b.sched.ActiveEvent(ctx, ch.ID, now)
	if err != nil {
		return PlayoutPlan{}, models.PlaylogEvent{}, err
	}
	if !ok {
		// On-demand extension once, then a runtime fallback so playout
		// never stalls on a playlog gap.
		if err := b.sched.ExtendHorizon(ctx, ch); err != nil {
			return PlayoutPlan{}, models.PlaylogEvent{}, err
		}
		active, ok, err = b.sched.ActiveEvent(ctx, ch.ID, now)
		if err != nil {
			return PlayoutPlan{}, models.PlaylogEvent{}, err
		}
		if !ok {
			active, err = b.sched.InsertRuntimeFallback(ctx, ch, now, "playlog_gap")
			if err != nil {
				return PlayoutPlan{}, models.PlaylogEvent{}, err
			}
		}
	}

	offset := now.Sub(active.StartUTC) / time.Second
	if offset < 0 {
		offset = 0
	}

	plan := PlayoutPlan{ChannelID: ch.ID}
	plan.Entries = append(plan.Entries, b.entryFor(ch, active, int64(offset)))

	upcoming, err := b.sched.Upcoming(ctx, ch.ID, active.EndUTC.Add(-time.Second), b.buffer+time.Hour)
	if err != nil {
		return PlayoutPlan{}, models.PlaylogEvent{}, err
	}
	covered := active.EndUTC.Sub(now)
	for _, e := range upcoming {
		if covered >= b.buffer {
			break
		}
		if e.ID == active.ID {
			continue
		}
		plan.Entries = append(plan.Entries, b.entryFor(ch, e, 0))
		covered += e.EndUTC.Sub(e.StartUTC)
	}

	return plan, active, nil
}

// entryFor maps one playlog event to a plan entry. Gap and fallback events
// play the channel's slate.
func (b *planBuilder) entryFor(ch models.Channel, e models.PlaylogEvent, startOffset int64) PlanEntry {
	path := e.PlayoutPath
	if path == "" {
		path = slatePath(ch)
	}
	return PlanEntry{
		PlayoutPath: path,
		StartOffset: startOffset,
		EndOffset:   int64(e.DurationSeconds),
	}
}

func slatePath(ch models.Channel) string {
	if ch.ProducerConfig != nil {
		if p, ok := ch.ProducerConfig["fallback_slate"].(string); ok && p != "" {
			return p
		}
	}
	return defaultSlatePath
}

// Enricher is a pure plan transform. Enrichers must not launch processes or
// mutate catalog state; a failing enricher is skipped and the plan from the
// previous stage is kept.
type Enricher interface {
	Name() string
	Apply(plan PlayoutPlan) (PlayoutPlan, error)
}

// enricherRegistry maps config names to constructors.
var enricherRegistry = map[string]func() Enricher{
	"smooth_transitions": func() Enricher { return smoothTransitions{} },
	"drop_empty":         func() Enricher { return dropEmpty{} },
}

// resolveEnrichers builds a channel's chain from its config, skipping
// unknown names with a warning.
func resolveEnrichers(chain []string, logger zerolog.Logger) []Enricher {
	var out []Enricher
	for _, name := range chain {
		ctor, ok := enricherRegistry[name]
		if !ok {
			logger.Warn().Str("enricher", name).Msg("unknown enricher in channel config, skipping")
			continue
		}
		out = append(out, ctor())
	}
	return out
}

// applyEnrichers runs the chain in order. A failure keeps the plan as it
// stood before that enricher and continues with the rest of the chain.
func applyEnrichers(plan PlayoutPlan, chain []Enricher, logger zerolog.Logger) (PlayoutPlan, []string) {
	var applied []string
	for _, e := range chain {
		next, err := e.Apply(plan)
		if err != nil {
			logger.Warn().Err(err).Str("enricher", e.Name()).Msg("enricher failed, keeping prior plan")
			continue
		}
		plan = next
		applied = append(applied, e.Name())
	}
	return plan, applied
}

// smoothTransitions marks every interior boundary with a crossfade hint.
type smoothTransitions struct{}

func (smoothTransitions) Name() string { return "smooth_transitions" }

func (smoothTransitions) Apply(plan PlayoutPlan) (PlayoutPlan, error) {
	for i := range plan.Entries {
		if i > 0 {
			plan.Entries[i].Transition = "crossfade"
		}
	}
	return plan, nil
}

// dropEmpty removes zero-length entries that would stall the encoder.
type dropEmpty struct{}

func (dropEmpty) Name() string { return "drop_empty" }

func (dropEmpty) Apply(plan PlayoutPlan) (PlayoutPlan, error) {
	var kept []PlanEntry
	for _, e := range plan.Entries {
		if e.EndOffset > e.StartOffset {
			kept = append(kept, e)
		}
	}
	if len(kept) == 0 {
		return plan, fmt.Errorf("enricher would empty the plan")
	}
	plan.Entries = kept
	return plan, nil
}
