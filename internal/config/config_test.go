package config

import "testing"

func TestLoadReadsCriticalEnvKeys(t *testing.T) {
	t.Setenv("GRIMNIRTV_DB_DSN", "host=localhost user=test dbname=test sslmode=disable")
	t.Setenv("GRIMNIRTV_ENV", "development")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.DBDSN == "" {
		t.Fatal("expected DB DSN to be set")
	}
	if cfg.Environment != "development" {
		t.Fatalf("unexpected environment: %q", cfg.Environment)
	}
}

func TestLoadRejectsMissingDSN(t *testing.T) {
	t.Setenv("GRIMNIRTV_DB_DSN", "")
	t.Setenv("RLM_TV_DB_DSN", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected load to fail without a DSN")
	}
}

func TestLoadRejectsShortHorizon(t *testing.T) {
	t.Setenv("GRIMNIRTV_DB_DSN", "file::memory:?cache=shared")
	t.Setenv("GRIMNIRTV_DB_BACKEND", "sqlite")
	t.Setenv("GRIMNIRTV_PLAYLOG_HORIZON_MINUTES", "60")

	if _, err := Load(); err == nil {
		t.Fatal("expected load to fail with a sub-3h playlog horizon")
	}
}

func TestLoadReportsLegacyEnvWarnings(t *testing.T) {
	t.Setenv("GRIMNIRTV_DB_DSN", "host=localhost user=test dbname=test sslmode=disable")
	t.Setenv("TRACING_ENABLED", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if len(cfg.LegacyEnvWarnings) == 0 {
		t.Fatal("expected legacy env warnings")
	}
}
