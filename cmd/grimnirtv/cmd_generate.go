/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/friendsincode/grimnir_tv/internal/broadcastday"
	"github.com/friendsincode/grimnir_tv/internal/events"
	"github.com/friendsincode/grimnir_tv/internal/masterclock"
	"github.com/friendsincode/grimnir_tv/internal/models"
	"github.com/friendsincode/grimnir_tv/internal/planner"
	"github.com/friendsincode/grimnir_tv/internal/schedule"
)

// Generate flags
var (
	generateChannelID string
	generateDay       string
	generateForce     bool
	generateAll       bool
)

var generateCmd = &cobra.Command{
	Use:   "generate",
	Short: "Generate a broadcast day outside the serve loop",
	Long: `Resolves the winning plan for a channel's broadcast day and materializes
the ScheduleDay and its playlog. Frozen days are left untouched unless
--force is given.

Examples:
  grimnirtv generate --channel <uuid> --day 2026-09-01
  grimnirtv generate --channel <uuid> --day 2026-09-01 --force
  grimnirtv generate --all-channels --day 2026-09-01`,
	RunE: runGenerate,
}

func init() {
	rootCmd.AddCommand(generateCmd)

	generateCmd.Flags().StringVar(&generateChannelID, "channel", "", "Channel ID (required unless --all-channels)")
	generateCmd.Flags().StringVar(&generateDay, "day", "", "Broadcast day label YYYY-MM-DD (required)")
	generateCmd.Flags().BoolVar(&generateForce, "force", false, "Regenerate even if the day is frozen")
	generateCmd.Flags().BoolVar(&generateAll, "all-channels", false, "Generate for every active channel")
	generateCmd.MarkFlagRequired("day")
}

func runGenerate(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}
	if !generateAll && generateChannelID == "" {
		return fmt.Errorf("either --channel or --all-channels is required")
	}
	if _, err := time.Parse(broadcastday.LabelLayout, generateDay); err != nil {
		return fmt.Errorf("--day must be YYYY-MM-DD: %w", err)
	}

	database, err := initDatabase()
	if err != nil {
		return fmt.Errorf("initialize database: %w", err)
	}

	clk := masterclock.NewSystemClock(logger)
	svc := schedule.New(database, clk, planner.New(database, clk, logger), events.NewBus(), logger, schedule.Options{
		Horizon:       cfg.PlaylogHorizon,
		LookaheadDays: cfg.ScheduleDayLookahead,
	})

	var channels []models.Channel
	q := database.Where("active = ?", true)
	if !generateAll {
		q = q.Where("id = ?", generateChannelID)
	}
	if err := q.Find(&channels).Error; err != nil {
		return fmt.Errorf("load channels: %w", err)
	}
	if len(channels) == 0 {
		return fmt.Errorf("no matching active channels")
	}

	ctx := context.Background()
	var failures int
	for _, ch := range channels {
		day, err := svc.GenerateDay(ctx, ch, generateDay, generateForce)
		if err != nil {
			if errors.Is(err, schedule.ErrFrozenDay) {
				fmt.Printf("  %s: %s is frozen, skipping (use --force)\n", ch.Name, generateDay)
				continue
			}
			fmt.Printf("  %s: error: %v\n", ch.Name, err)
			failures++
			continue
		}
		fmt.Printf("  %s: %s generated, %d items, truncated %d min\n",
			ch.Name, day.BroadcastDay, len(day.Items), day.TruncatedMinutes)
	}

	if failures > 0 {
		return fmt.Errorf("%d channel(s) failed", failures)
	}
	return nil
}
