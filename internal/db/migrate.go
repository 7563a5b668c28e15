/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package db

import (
	"fmt"

	"gorm.io/gorm"

	"github.com/friendsincode/grimnir_tv/internal/models"
)

// Migrate applies database schema migrations using GORM auto-migrate.
func Migrate(database *gorm.DB) error {
	if err := database.AutoMigrate(
		// Catalog and channel configuration (read-only to the core)
		&models.Asset{},
		&models.Channel{},

		// Operator-authored plans
		&models.SchedulePlan{},
		&models.BlockAssignment{},
		&models.VirtualAsset{},
		&models.VirtualAssetItem{},

		// Core-owned scheduling state
		&models.ScheduleDay{},
		&models.ScheduledItem{},
		&models.PlaylogEvent{},
		&models.RotationState{},

		// Reporting
		&models.AsRunRecord{},
	); err != nil {
		return err
	}

	return applyPostgresPlaylogOverlapGuard(database)
}

// applyPostgresPlaylogOverlapGuard installs a trigger that rejects
// overlapping playlog rows at the database level. The horizon builder audits
// boundaries before commit; this is the backstop for everything else that
// writes the table.
func applyPostgresPlaylogOverlapGuard(database *gorm.DB) error {
	if database.Dialector.Name() != "postgres" {
		return nil
	}

	stmt := `
CREATE OR REPLACE FUNCTION prevent_playlog_overlap()
RETURNS trigger
LANGUAGE plpgsql
AS $$
BEGIN
  IF NEW.end_utc <= NEW.start_utc THEN
    RAISE EXCEPTION 'playlog event end must be after start'
      USING ERRCODE = '23514';
  END IF;

  IF EXISTS (
    SELECT 1
    FROM playlog_events pe
    WHERE pe.channel_id = NEW.channel_id
      AND pe.id <> NEW.id
      AND tstzrange(pe.start_utc, pe.end_utc, '[)') && tstzrange(NEW.start_utc, NEW.end_utc, '[)')
  ) THEN
    RAISE EXCEPTION 'overlapping playlog events are not allowed for channel %', NEW.channel_id
      USING ERRCODE = '23514';
  END IF;

  RETURN NEW;
END;
$$;

DROP TRIGGER IF EXISTS trg_prevent_playlog_overlap ON playlog_events;

CREATE TRIGGER trg_prevent_playlog_overlap
BEFORE INSERT OR UPDATE OF channel_id, start_utc, end_utc
ON playlog_events
FOR EACH ROW
EXECUTE FUNCTION prevent_playlog_overlap();
`
	if err := database.Exec(stmt).Error; err != nil {
		return fmt.Errorf("apply postgres playlog overlap guard: %w", err)
	}

	return nil
}
