/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package schedule

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"strings"
	"time"

	"github.com/friendsincode/grimnir_tv/internal/broadcastday"
	"github.com/friendsincode/grimnir_tv/internal/models"
)

// EPGEntry is one guide row: a playlog event joined with its asset title.
type EPGEntry struct {
	Start     time.Time               `json:"start"`
	End       time.Time               `json:"end"`
	Title     string                  `json:"title"`
	EventType models.PlaylogEventType `json:"event_type"`
	AssetUUID string                  `json:"asset_uuid,omitempty"`
}

// EPG builds guide entries for a channel over [start, end). Gap and
// fallback events appear with a generic title so the guide stays
// continuous.
func (s *Service) EPG(ctx context.Context, ch models.Channel, start, end time.Time) ([]EPGEntry, error) {
	var eventsInRange []models.PlaylogEvent
	if err := s.db.WithContext(ctx).
		Where("channel_id = ? AND end_utc > ? AND start_utc < ?", ch.ID, start, end).
		Order("start_utc ASC").
		Find(&eventsInRange).Error; err != nil {
		return nil, fmt.Errorf("fetch playlog events: %w", err)
	}

	titles, err := s.assetTitles(ctx, eventsInRange)
	if err != nil {
		return nil, err
	}

	entries := make([]EPGEntry, 0, len(eventsInRange))
	for _, e := range eventsInRange {
		entries = append(entries, EPGEntry{
			Start:     e.StartUTC,
			End:       e.EndUTC,
			Title:     entryTitle(e, titles),
			EventType: e.EventType,
			AssetUUID: e.AssetUUID,
		})
	}
	return entries, nil
}

func (s *Service) assetTitles(ctx context.Context, eventsInRange []models.PlaylogEvent) (map[string]string, error) {
	ids := make([]string, 0, len(eventsInRange))
	seen := make(map[string]bool)
	for _, e := range eventsInRange {
		if e.AssetUUID != "" && !seen[e.AssetUUID] {
			seen[e.AssetUUID] = true
			ids = append(ids, e.AssetUUID)
		}
	}
	titles := make(map[string]string, len(ids))
	if len(ids) == 0 {
		return titles, nil
	}

	var assets []models.Asset
	if err := s.db.WithContext(ctx).
		Select("uuid", "title").
		Where("uuid IN ?", ids).
		Find(&assets).Error; err != nil {
		return nil, fmt.Errorf("fetch asset titles: %w", err)
	}
	for _, a := range assets {
		titles[a.UUID] = a.Title
	}
	return titles, nil
}

func entryTitle(e models.PlaylogEvent, titles map[string]string) string {
	if t, ok := titles[e.AssetUUID]; ok && t != "" {
		return t
	}
	switch e.EventType {
	case models.EventGap, models.EventFallback:
		return "Off Schedule"
	default:
		return "Untitled"
	}
}

// xmltvProgramme mirrors the XMLTV <programme> element.
type xmltvProgramme struct {
	XMLName xml.Name `xml:"programme"`
	Start   string   `xml:"start,attr"`
	Stop    string   `xml:"stop,attr"`
	Channel string   `xml:"channel,attr"`
	Title   string   `xml:"title"`
}

type xmltvChannel struct {
	XMLName     xml.Name `xml:"channel"`
	ID          string   `xml:"id,attr"`
	DisplayName string   `xml:"display-name"`
}

type xmltvDoc struct {
	XMLName    xml.Name         `xml:"tv"`
	Generator  string           `xml:"generator-info-name,attr"`
	Channels   []xmltvChannel   `xml:"channel"`
	Programmes []xmltvProgramme `xml:"programme"`
}

// ExportXMLTV renders the channel guide for [start, end) as an XMLTV
// document.
func (s *Service) ExportXMLTV(ctx context.Context, ch models.Channel, start, end time.Time) ([]byte, error) {
	entries, err := s.EPG(ctx, ch, start, end)
	if err != nil {
		return nil, err
	}

	doc := xmltvDoc{
		Generator: "Grimnir TV",
		Channels:  []xmltvChannel{{ID: ch.ID, DisplayName: ch.Name}},
	}
	for _, entry := range entries {
		doc.Programmes = append(doc.Programmes, xmltvProgramme{
			Start:   entry.Start.UTC().Format("20060102150405 +0000"),
			Stop:    entry.End.UTC().Format("20060102150405 +0000"),
			Channel: ch.ID,
			Title:   entry.Title,
		})
	}

	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshal xmltv: %w", err)
	}
	return append([]byte(xml.Header), out...), nil
}

// ExportICalResult contains a rendered iCal guide.
type ExportICalResult struct {
	Data        []byte
	Filename    string
	ContentType string
}

// ExportToICal renders the channel guide for [start, end) as an iCal
// calendar, one VEVENT per playlog entry.
func (s *Service) ExportToICal(ctx context.Context, ch models.Channel, start, end time.Time) (*ExportICalResult, error) {
	entries, err := s.EPG(ctx, ch, start, end)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.WriteString("BEGIN:VCALENDAR\r\n")
	buf.WriteString("VERSION:2.0\r\n")
	buf.WriteString("PRODID:-//Grimnir TV//Guide Export//EN\r\n")
	buf.WriteString(fmt.Sprintf("X-WR-CALNAME:%s Guide\r\n", escapeICalText(ch.Name)))
	buf.WriteString("CALSCALE:GREGORIAN\r\n")
	buf.WriteString("METHOD:PUBLISH\r\n")

	stamp := formatICalTime(s.clock.NowUTC())
	for _, entry := range entries {
		buf.WriteString("BEGIN:VEVENT\r\n")
		buf.WriteString(fmt.Sprintf("UID:%s-%d@grimnirtv\r\n", ch.ID, entry.Start.Unix()))
		buf.WriteString(fmt.Sprintf("DTSTAMP:%s\r\n", stamp))
		buf.WriteString(fmt.Sprintf("DTSTART:%s\r\n", formatICalTime(entry.Start)))
		buf.WriteString(fmt.Sprintf("DTEND:%s\r\n", formatICalTime(entry.End)))
		buf.WriteString(fmt.Sprintf("SUMMARY:%s\r\n", escapeICalText(entry.Title)))
		buf.WriteString(fmt.Sprintf("CATEGORIES:%s\r\n", entry.EventType))
		buf.WriteString("END:VEVENT\r\n")
	}
	buf.WriteString("END:VCALENDAR\r\n")

	filename := fmt.Sprintf("%s-guide-%s-to-%s.ics",
		slugify(ch.Name),
		start.UTC().Format("2006-01-02"),
		end.UTC().Format("2006-01-02"))

	return &ExportICalResult{
		Data:        buf.Bytes(),
		Filename:    filename,
		ContentType: "text/calendar; charset=utf-8",
	}, nil
}

// AsRunReport summarizes what actually aired on a broadcast day.
type AsRunReport struct {
	ChannelID    string         `json:"channel_id"`
	BroadcastDay string         `json:"broadcast_day"`
	Records      int            `json:"records"`
	Fallbacks    int            `json:"fallbacks"`
	ByCause      map[string]int `json:"by_cause,omitempty"`
}

// AsRunSummary aggregates as-run records for a channel and broadcast day.
func (s *Service) AsRunSummary(ctx context.Context, ch models.Channel, label string) (*AsRunReport, error) {
	loc := s.clock.Location(ch.Timezone)
	dayStart, dayEnd, err := broadcastday.Window(label, loc, startMinutes(ch))
	if err != nil {
		return nil, err
	}

	var records []models.AsRunRecord
	if err := s.db.WithContext(ctx).
		Where("channel_id = ? AND actual_start_utc >= ? AND actual_start_utc < ?", ch.ID, dayStart, dayEnd).
		Order("actual_start_utc ASC").
		Find(&records).Error; err != nil {
		return nil, fmt.Errorf("fetch as-run records: %w", err)
	}

	report := &AsRunReport{
		ChannelID:    ch.ID,
		BroadcastDay: label,
		Records:      len(records),
		ByCause:      make(map[string]int),
	}
	for _, r := range records {
		if r.EventType == models.EventFallback {
			report.Fallbacks++
			if r.FallbackCause != "" {
				report.ByCause[r.FallbackCause]++
			}
		}
	}
	if len(report.ByCause) == 0 {
		report.ByCause = nil
	}
	return report, nil
}

func formatICalTime(t time.Time) string {
	return t.UTC().Format("20060102T150405Z")
}

func escapeICalText(s string) string {
	s = strings.ReplaceAll(s, "\\", "\\\\")
	s = strings.ReplaceAll(s, ";", "\\;")
	s = strings.ReplaceAll(s, ",", "\\,")
	s = strings.ReplaceAll(s, "\n", "\\n")
	return s
}

func slugify(s string) string {
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, " ", "-")
	var result strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			result.WriteRune(r)
		}
	}
	return result.String()
}
