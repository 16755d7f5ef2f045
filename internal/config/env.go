// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"strconv"
	"strings"

	"github.com/rs/zerolog"

	"github.com/dolaplink/lockerd/internal/log"
)

// ParseString reads a string from an environment variable or returns the
// default. The source is logged for observability; values of keys containing
// "token" or "password" are never logged.
func ParseString(key, defaultValue string) string {
	logger := log.WithComponent("config")
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return defaultValue
	}

	if sensitiveKey(key) {
		logger.Debug().Str("key", key).Str("source", "environment").Bool("sensitive", true).
			Msg("using environment variable")
	} else {
		logger.Debug().Str("key", key).Str("value", value).Str("source", "environment").
			Msg("using environment variable")
	}
	return value
}

// ParseInt reads an integer environment variable; unparsable values fall back
// to the default with a warning.
func ParseInt(key string, defaultValue int) int {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		warnBad(log.WithComponent("config"), key, value, defaultValue)
		return defaultValue
	}
	return n
}

// ParseFloat reads a float environment variable with default fallback.
func ParseFloat(key string, defaultValue float64) float64 {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		warnBad(log.WithComponent("config"), key, value, defaultValue)
		return defaultValue
	}
	return f
}

// ParseBool reads a boolean environment variable ("1", "true", "yes" are
// true) with default fallback.
func ParseBool(key string, defaultValue bool) bool {
	value, exists := os.LookupEnv(key)
	if !exists || value == "" {
		return defaultValue
	}
	switch strings.ToLower(value) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	warnBad(log.WithComponent("config"), key, value, defaultValue)
	return defaultValue
}

func sensitiveKey(key string) bool {
	lower := strings.ToLower(key)
	return strings.Contains(lower, "token") || strings.Contains(lower, "password") ||
		strings.Contains(lower, "secret") || strings.Contains(lower, "pin")
}

func warnBad(logger zerolog.Logger, key, value string, defaultValue any) {
	logger.Warn().
		Str("key", key).
		Str("value", value).
		Interface("default", defaultValue).
		Msg("unparsable environment variable, using default")
}

// applyEnv overlays LOCKERD_* environment variables on the config.
func applyEnv(cfg *Config) {
	cfg.Server.Listen = ParseString("LOCKERD_LISTEN", cfg.Server.Listen)
	cfg.Server.Port = ParseInt("LOCKERD_PORT", cfg.Server.Port)

	cfg.Kiosk.ID = ParseString("LOCKERD_KIOSK_ID", cfg.Kiosk.ID)
	cfg.Kiosk.Zone = ParseString("LOCKERD_ZONE", cfg.Kiosk.Zone)

	cfg.Database.Path = ParseString("LOCKERD_DB_PATH", cfg.Database.Path)

	cfg.Modbus.Device = ParseString("LOCKERD_MODBUS_DEVICE", cfg.Modbus.Device)
	cfg.Modbus.Unit = ParseInt("LOCKERD_MODBUS_UNIT", cfg.Modbus.Unit)
	cfg.Modbus.TestMode = ParseBool("LOCKERD_MODBUS_TEST_MODE", cfg.Modbus.TestMode)

	cfg.Lockers.Count = ParseInt("LOCKERD_LOCKER_COUNT", cfg.Lockers.Count)
	if v, exists := os.LookupEnv("LOCKERD_AUTO_RELEASE_HOURS"); exists {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			if f <= 0 {
				cfg.Lockers.AutoReleaseHours = nil
			} else {
				cfg.Lockers.AutoReleaseHours = &f
			}
		}
	}

	cfg.Auth.AdminToken = ParseString("LOCKERD_ADMIN_TOKEN", cfg.Auth.AdminToken)
	cfg.Log.Level = ParseString("LOCKERD_LOG_LEVEL", cfg.Log.Level)
}
