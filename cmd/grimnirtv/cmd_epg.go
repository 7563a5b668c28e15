/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/friendsincode/grimnir_tv/internal/events"
	"github.com/friendsincode/grimnir_tv/internal/masterclock"
	"github.com/friendsincode/grimnir_tv/internal/planner"
	"github.com/friendsincode/grimnir_tv/internal/schedule"
)

// EPG export flags
var (
	epgChannelID string
	epgFormat    string
	epgHours     int
	epgOutput    string
)

var epgCmd = &cobra.Command{
	Use:   "epg",
	Short: "Export a channel's programme guide",
	Long: `Exports the playlog-derived programme guide for one channel, either as
XMLTV or iCalendar.

Examples:
  grimnirtv epg --channel <uuid> --format xmltv > guide.xml
  grimnirtv epg --channel <uuid> --format ical --hours 48 --out guide.ics`,
	RunE: runEPG,
}

func init() {
	rootCmd.AddCommand(epgCmd)

	epgCmd.Flags().StringVar(&epgChannelID, "channel", "", "Channel ID (required)")
	epgCmd.Flags().StringVar(&epgFormat, "format", "xmltv", "Output format: xmltv or ical")
	epgCmd.Flags().IntVar(&epgHours, "hours", 24, "How many hours of guide to export")
	epgCmd.Flags().StringVar(&epgOutput, "out", "", "Write to file instead of stdout")
	epgCmd.MarkFlagRequired("channel")
}

func runEPG(cmd *cobra.Command, args []string) error {
	if err := loadConfig(); err != nil {
		return err
	}
	if epgFormat != "xmltv" && epgFormat != "ical" {
		return fmt.Errorf("--format must be xmltv or ical")
	}
	if epgHours < 1 || epgHours > 7*24 {
		return fmt.Errorf("--hours must be between 1 and 168")
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

	ctx := context.Background()
	ch, found, err := svc.Channel(ctx, epgChannelID)
	if err != nil {
		return fmt.Errorf("load channel: %w", err)
	}
	if !found {
		return fmt.Errorf("unknown channel %s", epgChannelID)
	}

	start := clk.NowUTC()
	end := start.Add(time.Duration(epgHours) * time.Hour)

	var data []byte
	switch epgFormat {
	case "xmltv":
		data, err = svc.ExportXMLTV(ctx, ch, start, end)
	case "ical":
		var result *schedule.ExportICalResult
		result, err = svc.ExportToICal(ctx, ch, start, end)
		if err == nil {
			data = result.Data
		}
	}
	if err != nil {
		return fmt.Errorf("export: %w", err)
	}

	if epgOutput == "" {
		_, err = os.Stdout.Write(data)
		return err
	}
	if err := os.WriteFile(epgOutput, data, 0644); err != nil {
		return fmt.Errorf("write %s: %w", epgOutput, err)
	}
	fmt.Printf("wrote %d bytes to %s\n", len(data), epgOutput)
	return nil
}
