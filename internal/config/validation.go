// SPDX-License-Identifier: MIT

package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// knownDefaultSecrets are values that must never survive into production.
var knownDefaultSecrets = []string{"admin", "changeme", "secret", "1234", "locker"}

// Validate checks the merged configuration. Any error rejects the whole
// config; the caller keeps the previous one.
func Validate(cfg Config) error {
	var errs []error

	if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port %d out of range 1-65535", cfg.Server.Port))
	}
	if cfg.Kiosk.ID == "" {
		errs = append(errs, errors.New("kiosk.id must not be empty"))
	}
	if cfg.Kiosk.HeartbeatSeconds < 0 || cfg.Kiosk.OfflineThresholdSeconds < 0 {
		errs = append(errs, errors.New("kiosk heartbeat durations must not be negative"))
	}
	if cfg.Database.Path == "" {
		errs = append(errs, errors.New("database.path must not be empty"))
	}
	if cfg.Lockers.Count <= 0 {
		errs = append(errs, fmt.Errorf("lockers.count %d must be positive", cfg.Lockers.Count))
	}
	if cfg.Lockers.AutoReleaseHours != nil && *cfg.Lockers.AutoReleaseHours < 0 {
		errs = append(errs, errors.New("lockers.auto_release_hours must not be negative"))
	}
	if cfg.Lockers.ReserveTTLSeconds < 0 || cfg.Lockers.BulkOperationIntervalMS < 0 {
		errs = append(errs, errors.New("locker durations must not be negative"))
	}

	for name, d := range map[string]int{
		"modbus.timeout_ms":             cfg.Modbus.TimeoutMS,
		"modbus.pulse_duration_ms":      cfg.Modbus.PulseDurationMS,
		"modbus.command_interval_ms":    cfg.Modbus.CommandIntervalMS,
		"modbus.burst_interval_ms":      cfg.Modbus.BurstIntervalMS,
		"modbus.burst_duration_seconds": cfg.Modbus.BurstDurationSeconds,
	} {
		if d < 0 {
			errs = append(errs, fmt.Errorf("%s must not be negative", name))
		}
	}
	if cfg.Modbus.Unit < 1 || cfg.Modbus.Unit > 247 {
		errs = append(errs, fmt.Errorf("modbus.unit %d out of range 1-247", cfg.Modbus.Unit))
	}

	for name, s := range map[string]ScopeLimit{
		"rate_limits.ip":     cfg.RateLimit.IP,
		"rate_limits.card":   cfg.RateLimit.Card,
		"rate_limits.locker": cfg.RateLimit.Locker,
		"rate_limits.device": cfg.RateLimit.Device,
	} {
		if s.MaxTokens <= 0 || s.RefillRate <= 0 {
			errs = append(errs, fmt.Errorf("%s tokens and refill rate must be positive", name))
		}
		if s.BlockSeconds < 0 {
			errs = append(errs, fmt.Errorf("%s.block_seconds must not be negative", name))
		}
	}

	if cfg.Retention.EventRetentionDays < 0 || cfg.Retention.AuditRetentionDays < 0 ||
		cfg.Retention.CommandRetentionDays < 0 {
		errs = append(errs, errors.New("retention days must not be negative"))
	}

	if production() && isDefaultSecret(cfg.Auth.AdminToken) {
		errs = append(errs, errors.New("auth.admin_token is unset or a known default in production"))
	}

	return errors.Join(errs...)
}

func production() bool {
	env := strings.ToLower(os.Getenv("LOCKERD_ENV"))
	return env == "production" || env == "prod"
}

func isDefaultSecret(token string) bool {
	if token == "" {
		return true
	}
	lower := strings.ToLower(token)
	for _, known := range knownDefaultSecrets {
		if lower == known {
			return true
		}
	}
	return false
}
