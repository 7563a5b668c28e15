/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Database backend selection.
type DatabaseBackend string

const (
	DatabasePostgres DatabaseBackend = "postgres"
	DatabaseMySQL    DatabaseBackend = "mysql"
	DatabaseSQLite   DatabaseBackend = "sqlite"
)

// Config covers process level configuration read from environment variables.
type Config struct {
	Environment string
	HTTPBind    string
	HTTPPort    int
	MetricsBind string
	DBBackend   DatabaseBackend
	DBDSN       string

	// Scheduling
	ScheduleDayLookahead int           // days of frozen ScheduleDays kept ahead of now
	PlaylogHorizon       time.Duration // minimum PlaylogEvent coverage ahead of now
	HorizonTickInterval  time.Duration // horizon builder cadence
	HorizonTickDeadline  time.Duration // per-tick deadline before the tick aborts

	// Playout
	EncoderBin           string        // external encoder binary
	EncoderLaunchTimeout time.Duration // wait for the encoder's ready signal
	PlayoutPlanBuffer    time.Duration // how far ahead playout plans cover

	// As-run logging
	AsRunQueueSize int

	// Event bridge
	NATSURL string

	// Channel config cache
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Tracing configuration
	TracingEnabled    bool
	OTLPEndpoint      string
	TracingSampleRate float64

	LegacyEnvWarnings []string
}

// Load reads environment variables, applies defaults, and validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		Environment: getEnvAny([]string{"GRIMNIRTV_ENV", "RLM_TV_ENV"}, "development"),
		HTTPBind:    getEnvAny([]string{"GRIMNIRTV_HTTP_BIND", "RLM_TV_HTTP_BIND"}, "0.0.0.0"),
		HTTPPort:    getEnvIntAny([]string{"GRIMNIRTV_HTTP_PORT", "RLM_TV_HTTP_PORT"}, 8080),
		MetricsBind: getEnvAny([]string{"GRIMNIRTV_METRICS_BIND", "RLM_TV_METRICS_BIND"}, "127.0.0.1:9000"),
		DBBackend:   DatabaseBackend(getEnvAny([]string{"GRIMNIRTV_DB_BACKEND", "RLM_TV_DB_BACKEND"}, string(DatabasePostgres))),
		DBDSN:       getEnvAny([]string{"GRIMNIRTV_DB_DSN", "RLM_TV_DB_DSN"}, ""),

		ScheduleDayLookahead: getEnvIntAny([]string{"GRIMNIRTV_SCHEDULE_DAY_LOOKAHEAD_DAYS", "RLM_TV_SCHEDULE_DAY_LOOKAHEAD_DAYS"}, 4),
		PlaylogHorizon:       time.Duration(getEnvIntAny([]string{"GRIMNIRTV_PLAYLOG_HORIZON_MINUTES", "RLM_TV_PLAYLOG_HORIZON_MINUTES"}, 180)) * time.Minute,
		HorizonTickInterval:  time.Duration(getEnvIntAny([]string{"GRIMNIRTV_HORIZON_TICK_SECONDS", "RLM_TV_HORIZON_TICK_SECONDS"}, 30)) * time.Second,
		HorizonTickDeadline:  time.Duration(getEnvIntAny([]string{"GRIMNIRTV_HORIZON_DEADLINE_SECONDS", "RLM_TV_HORIZON_DEADLINE_SECONDS"}, 30)) * time.Second,

		EncoderBin:           getEnvAny([]string{"GRIMNIRTV_ENCODER_BIN", "RLM_TV_ENCODER_BIN"}, "grimnir-encoder"),
		EncoderLaunchTimeout: time.Duration(getEnvIntAny([]string{"GRIMNIRTV_ENCODER_LAUNCH_TIMEOUT_SECONDS", "RLM_TV_ENCODER_LAUNCH_TIMEOUT_SECONDS"}, 10)) * time.Second,
		PlayoutPlanBuffer:    time.Duration(getEnvIntAny([]string{"GRIMNIRTV_PLAYOUT_PLAN_BUFFER_MINUTES", "RLM_TV_PLAYOUT_PLAN_BUFFER_MINUTES"}, 10)) * time.Minute,

		AsRunQueueSize: getEnvIntAny([]string{"GRIMNIRTV_ASRUN_QUEUE_SIZE", "RLM_TV_ASRUN_QUEUE_SIZE"}, 1024),

		NATSURL: getEnvAny([]string{"GRIMNIRTV_NATS_URL", "RLM_TV_NATS_URL"}, ""),

		RedisAddr:     getEnvAny([]string{"GRIMNIRTV_REDIS_ADDR", "RLM_TV_REDIS_ADDR"}, ""),
		RedisPassword: getEnvAny([]string{"GRIMNIRTV_REDIS_PASSWORD", "RLM_TV_REDIS_PASSWORD"}, ""),
		RedisDB:       getEnvIntAny([]string{"GRIMNIRTV_REDIS_DB", "RLM_TV_REDIS_DB"}, 0),

		TracingEnabled:    getEnvBoolAny([]string{"GRIMNIRTV_TRACING_ENABLED", "RLM_TV_TRACING_ENABLED"}, false),
		OTLPEndpoint:      getEnvAny([]string{"GRIMNIRTV_OTLP_ENDPOINT", "RLM_TV_OTLP_ENDPOINT"}, "localhost:4317"),
		TracingSampleRate: getEnvFloatAny([]string{"GRIMNIRTV_TRACING_SAMPLE_RATE", "RLM_TV_TRACING_SAMPLE_RATE"}, 1.0),
	}

	if cfg.DBBackend != DatabasePostgres && cfg.DBBackend != DatabaseMySQL && cfg.DBBackend != DatabaseSQLite {
		return nil, fmt.Errorf("unsupported database backend %q", cfg.DBBackend)
	}
	if cfg.DBDSN == "" {
		return nil, fmt.Errorf("GRIMNIRTV_DB_DSN or RLM_TV_DB_DSN must be provided")
	}
	if cfg.PlaylogHorizon < 3*time.Hour {
		return nil, fmt.Errorf("GRIMNIRTV_PLAYLOG_HORIZON_MINUTES must be at least 180, got %d", int(cfg.PlaylogHorizon.Minutes()))
	}
	if cfg.ScheduleDayLookahead < 3 {
		return nil, fmt.Errorf("GRIMNIRTV_SCHEDULE_DAY_LOOKAHEAD_DAYS must be at least 3, got %d", cfg.ScheduleDayLookahead)
	}

	cfg.LegacyEnvWarnings = detectLegacyEnvWarnings()

	return cfg, nil
}

func detectLegacyEnvWarnings() []string {
	legacy := map[string]string{
		"ENVIRONMENT":         "use GRIMNIRTV_ENV (or RLM_TV_ENV)",
		"TRACING_ENABLED":     "use GRIMNIRTV_TRACING_ENABLED (or RLM_TV_TRACING_ENABLED)",
		"OTLP_ENDPOINT":       "use GRIMNIRTV_OTLP_ENDPOINT (or RLM_TV_OTLP_ENDPOINT)",
		"TRACING_SAMPLE_RATE": "use GRIMNIRTV_TRACING_SAMPLE_RATE (or RLM_TV_TRACING_SAMPLE_RATE)",
	}

	warnings := make([]string, 0, len(legacy))
	for key, recommendation := range legacy {
		if os.Getenv(key) != "" {
			warnings = append(warnings, fmt.Sprintf("legacy env key %s is set; %s", key, recommendation))
		}
	}
	return warnings
}

// getEnvAny returns the first non-empty environment variable value from keys, or def if none set.
func getEnvAny(keys []string, def string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return def
}

// getEnvIntAny returns the first set integer environment variable value from keys, or def.
func getEnvIntAny(keys []string, def int) int {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				return parsed
			}
		}
	}
	return def
}

// getEnvBoolAny returns the first set boolean environment variable value from keys, or def.
func getEnvBoolAny(keys []string, def bool) bool {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			v = strings.ToLower(strings.TrimSpace(v))
			if v == "true" || v == "1" || v == "yes" {
				return true
			}
			if v == "false" || v == "0" || v == "no" {
				return false
			}
		}
	}
	return def
}

// getEnvFloatAny returns the first set float environment variable value from keys, or def.
func getEnvFloatAny(keys []string, def float64) float64 {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			if parsed, err := strconv.ParseFloat(v, 64); err == nil {
				return parsed
			}
		}
	}
	return def
}
