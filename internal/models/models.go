/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// AssetState tracks an asset through the ingest pipeline. Only ready assets
// may be referenced by playlog events.
type AssetState string

const (
	AssetNew       AssetState = "new"
	AssetEnriching AssetState = "enriching"
	AssetReady     AssetState = "ready"
	AssetRetired   AssetState = "retired"
)

// Asset is a playable media item. The core reads assets; the ingest pipeline
// owns their lifecycle.
type Asset struct {
	UUID                 string `gorm:"type:uuid;primaryKey"`
	Title                string `gorm:"index"`
	DurationSeconds      int
	PlayoutPath          string
	State                AssetState `gorm:"type:varchar(16);index"`
	ApprovedForBroadcast bool
	SeriesID             string `gorm:"type:uuid;index"`
	EpisodeNumber        int
	Tags                 StringList `gorm:"type:text"`
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// Eligible reports whether the asset may be scheduled for air.
func (a Asset) Eligible() bool {
	return a.State == AssetReady && a.ApprovedForBroadcast
}

// Channel is a linear output channel.
type Channel struct {
	ID                       string `gorm:"type:uuid;primaryKey"`
	Name                     string `gorm:"uniqueIndex"`
	Timezone                 string `gorm:"type:varchar(64)"`
	BroadcastDayStartMinutes int    // minutes after local midnight, default 360
	GridMinutes              int    // default 30
	EnricherChain            StringList     `gorm:"type:text"`
	ProducerConfig           map[string]any `gorm:"type:jsonb;serializer:json"`
	Active                   bool           `gorm:"index"`
	CreatedAt                time.Time
	UpdatedAt                time.Time
}

// ContentRefKind enumerates the ways a block can name its content.
type ContentRefKind string

const (
	RefAsset   ContentRefKind = "asset"
	RefSeries  ContentRefKind = "series"
	RefRule    ContentRefKind = "rule"
	RefVirtual ContentRefKind = "virtual"
	RefGap     ContentRefKind = "gap"
)

// SelectionPolicy controls series/rule rotation.
type SelectionPolicy string

const (
	SelectSequential SelectionPolicy = "sequential"
	SelectRandom     SelectionPolicy = "random"
)

// SchedulePlan is an operator-authored programming template for a channel.
type SchedulePlan struct {
	ID             string `gorm:"type:uuid;primaryKey"`
	ChannelID      string `gorm:"type:uuid;index"`
	Name           string
	Priority       int
	IsActive       bool `gorm:"index"`
	CronExpression string
	StartDate      *time.Time
	EndDate        *time.Time
	Complete       bool // complete plans must tile [0, 1440)
	Assignments    []BlockAssignment `gorm:"foreignKey:PlanID"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// BlockAssignment places content at a schedule-minute offset within a plan.
// Offsets are relative to the broadcast-day anchor, not local midnight.
type BlockAssignment struct {
	ID                   string `gorm:"type:uuid;primaryKey"`
	PlanID               string `gorm:"type:uuid;index"`
	StartScheduleMinutes int
	DurationMinutes      int
	RefKind              ContentRefKind   `gorm:"type:varchar(16)"`
	RefID                string           `gorm:"type:uuid"`
	SelectionPolicy      SelectionPolicy  `gorm:"type:varchar(16)"`
	RuleTags             StringList       `gorm:"type:text"`
	EventType            PlaylogEventType `gorm:"type:varchar(16)"`
}

// VirtualAsset is a reusable inline sub-sequence that expands during
// ScheduleDay generation.
type VirtualAsset struct {
	ID        string             `gorm:"type:uuid;primaryKey"`
	Name      string             `gorm:"uniqueIndex"`
	Items     []VirtualAssetItem `gorm:"foreignKey:VirtualAssetID"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

// VirtualAssetItem is one element of a virtual asset, in order.
type VirtualAssetItem struct {
	ID              string `gorm:"type:uuid;primaryKey"`
	VirtualAssetID  string `gorm:"type:uuid;index"`
	Position        int
	DurationMinutes int
	RefKind         ContentRefKind   `gorm:"type:varchar(16)"`
	RefID           string           `gorm:"type:uuid"`
	SelectionPolicy SelectionPolicy  `gorm:"type:varchar(16)"`
	RuleTags        StringList       `gorm:"type:text"`
	EventType       PlaylogEventType `gorm:"type:varchar(16)"`
}

// ScheduleDay is the frozen daily resolution of a plan.
type ScheduleDay struct {
	ID               string `gorm:"type:uuid;primaryKey"`
	ChannelID        string `gorm:"type:uuid;uniqueIndex:idx_schedule_day_channel_label"`
	BroadcastDay     string `gorm:"type:varchar(10);uniqueIndex:idx_schedule_day_channel_label"`
	SourcePlanID     string `gorm:"type:uuid"`
	GeneratedAtUTC   time.Time
	Frozen           bool
	DayStartUTC      time.Time
	DayEndUTC        time.Time
	TruncatedMinutes int
	Items            []ScheduledItem `gorm:"foreignKey:ScheduleDayID"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// ScheduledItem is one resolved slot within a ScheduleDay. The content ref
// may still be a series/rule ref; asset resolution happens at horizon time.
type ScheduledItem struct {
	ID              string `gorm:"type:uuid;primaryKey"`
	ScheduleDayID   string `gorm:"type:uuid;index"`
	ChannelID       string `gorm:"type:uuid;index:idx_scheduled_item_channel_start"`
	Position        int
	StartUTC        time.Time `gorm:"index:idx_scheduled_item_channel_start"`
	EndUTC          time.Time
	RefKind         ContentRefKind   `gorm:"type:varchar(16)"`
	RefID           string           `gorm:"type:uuid"`
	SelectionPolicy SelectionPolicy  `gorm:"type:varchar(16)"`
	RuleTags        StringList       `gorm:"type:text"`
	EventType       PlaylogEventType `gorm:"type:varchar(16)"`
}

// PlaylogEventType enumerates resolved event kinds.
type PlaylogEventType string

const (
	EventProgram      PlaylogEventType = "program"
	EventCommercial   PlaylogEventType = "commercial"
	EventBumper       PlaylogEventType = "bumper"
	EventInterstitial PlaylogEventType = "interstitial"
	EventGap          PlaylogEventType = "gap"
	EventFallback     PlaylogEventType = "fallback"
)

// RequiresAsset reports whether events of this type must reference an
// eligible asset.
func (t PlaylogEventType) RequiresAsset() bool {
	switch t {
	case EventProgram, EventCommercial, EventBumper, EventInterstitial:
		return true
	}
	return false
}

// PlaylogEvent is a single resolved, concrete unit of airing.
// Identity is (channel_id, start_utc).
type PlaylogEvent struct {
	ID              string    `gorm:"type:uuid;primaryKey"`
	ChannelID       string    `gorm:"type:uuid;uniqueIndex:idx_playlog_channel_start;index:idx_playlog_channel_day"`
	StartUTC        time.Time `gorm:"uniqueIndex:idx_playlog_channel_start"`
	EndUTC          time.Time
	DurationSeconds int
	AssetUUID       string `gorm:"type:uuid"` // empty for gap/fallback
	PlayoutPath     string
	EventType       PlaylogEventType `gorm:"type:varchar(16)"`
	BroadcastDay    string           `gorm:"type:varchar(10);index:idx_playlog_channel_day"`
	ScheduleDayID   string           `gorm:"type:uuid"`
	FallbackCause   string
	CreatedAt       time.Time
}

// AsRunRecord is the durable record of what actually aired.
type AsRunRecord struct {
	ID               string `gorm:"type:uuid;primaryKey"`
	ChannelID        string `gorm:"type:uuid;index"`
	ActualStartUTC   time.Time
	AssetUUID        string           `gorm:"type:uuid"` // empty when nothing concrete aired
	PlaylogEventID   string           `gorm:"type:uuid"`
	EventType        PlaylogEventType `gorm:"type:varchar(16)"`
	FallbackCause    string
	EnrichersApplied StringList `gorm:"type:text"`
	CreatedAt        time.Time
}

// RotationState persists sequential series/rule rotation per channel.
type RotationState struct {
	ChannelID string `gorm:"type:uuid;primaryKey"`
	RefID     string `gorm:"type:uuid;primaryKey"`
	NextIndex int
	UpdatedAt time.Time
}

// StringList stores a list of strings as a JSON text column so it works
// across the postgres/mysql/sqlite backends.
type StringList []string

// Value implements driver.Valuer.
func (l StringList) Value() (driver.Value, error) {
	if l == nil {
		return "[]", nil
	}
	data, err := json.Marshal([]string(l))
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// Scan implements sql.Scanner.
func (l *StringList) Scan(value any) error {
	if value == nil {
		*l = nil
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("unsupported StringList column type %T", value)
	}
	if len(data) == 0 {
		*l = nil
		return nil
	}
	return json.Unmarshal(data, (*[]string)(l))
}

// Contains reports whether the list holds s.
func (l StringList) Contains(s string) bool {
	for _, v := range l {
		if v == s {
			return true
		}
	}
	return false
}
