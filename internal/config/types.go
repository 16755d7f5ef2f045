// SPDX-License-Identifier: MIT

// Package config loads, validates, and hot-reloads the site configuration.
// Sources merge in order: built-in defaults, the YAML file, then environment
// overrides.
package config

import "time"

// Config is the complete runtime configuration for one site process.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Kiosk     KioskConfig     `yaml:"kiosk"`
	Database  DatabaseConfig  `yaml:"database"`
	Modbus    ModbusConfig    `yaml:"modbus"`
	Lockers   LockerConfig    `yaml:"lockers"`
	RateLimit RateLimitConfig `yaml:"rate_limits"`
	Retention RetentionConfig `yaml:"retention"`
	Auth      AuthConfig      `yaml:"auth"`
	Log       LogConfig       `yaml:"log"`
}

// ServerConfig is the HTTP listener.
type ServerConfig struct {
	Listen string `yaml:"listen"`
	Port   int    `yaml:"port"`
}

// KioskConfig identifies this kiosk in the fleet.
type KioskConfig struct {
	ID                      string `yaml:"id"`
	Zone                    string `yaml:"zone"`
	HeartbeatSeconds        int    `yaml:"heartbeat_seconds"`
	OfflineThresholdSeconds int    `yaml:"offline_threshold_seconds"`
}

// DatabaseConfig locates the site store.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// ModbusConfig carries the relay bus timings.
type ModbusConfig struct {
	Device               string `yaml:"device"`
	Unit                 int    `yaml:"unit"`
	TimeoutMS            int    `yaml:"timeout_ms"`
	PulseDurationMS      int    `yaml:"pulse_duration_ms"`
	CommandIntervalMS    int    `yaml:"command_interval_ms"`
	BurstIntervalMS      int    `yaml:"burst_interval_ms"`
	BurstDurationSeconds int    `yaml:"burst_duration_seconds"`
	MaxRetries           int    `yaml:"max_retries"`
	TestMode             bool   `yaml:"test_mode"`
}

// LockerConfig holds locker pool behaviour.
type LockerConfig struct {
	Count                   int      `yaml:"count"`
	AutoReleaseHours        *float64 `yaml:"auto_release_hours"` // nil disables the sweeper
	ReserveTTLSeconds       int      `yaml:"reserve_ttl_seconds"`
	BulkOperationIntervalMS int      `yaml:"bulk_operation_interval_ms"`
}

// ScopeLimit is one rate-limit scope.
type ScopeLimit struct {
	MaxTokens      int     `yaml:"max_tokens"`
	RefillRate     float64 `yaml:"refill_rate"`
	BlockThreshold int     `yaml:"block_threshold"`
	BlockSeconds   int     `yaml:"block_seconds"`
}

// RateLimitConfig holds the four scopes plus shared thresholds.
type RateLimitConfig struct {
	IP                    ScopeLimit `yaml:"ip"`
	Card                  ScopeLimit `yaml:"card"`
	Locker                ScopeLimit `yaml:"locker"`
	Device                ScopeLimit `yaml:"device"`
	ViolationLogThreshold int        `yaml:"violation_log_threshold"`
}

// RetentionConfig holds the log retention policy.
type RetentionConfig struct {
	EventRetentionDays   int  `yaml:"event_retention_days"`
	AuditRetentionDays   int  `yaml:"audit_retention_days"`
	CommandRetentionDays int  `yaml:"command_retention_days"`
	AnonymizationEnabled bool `yaml:"anonymization_enabled"`
}

// AuthConfig is the admin surface authentication.
type AuthConfig struct {
	AdminToken           string `yaml:"admin_token"`
	MasterLockoutFails   int    `yaml:"master_lockout_fails"`
	MasterLockoutMinutes int    `yaml:"master_lockout_minutes"`
}

// LogConfig controls logging output.
type LogConfig struct {
	Level string `yaml:"level"`
}

// Default returns the built-in configuration every merge starts from.
func Default() Config {
	autoRelease := 12.0
	return Config{
		Server: ServerConfig{Listen: "0.0.0.0", Port: 8080},
		Kiosk: KioskConfig{
			ID:                      "kiosk-1",
			HeartbeatSeconds:        10,
			OfflineThresholdSeconds: 30,
		},
		Database: DatabaseConfig{Path: "lockerd.db"},
		Modbus: ModbusConfig{
			Device:               "/dev/ttyUSB0",
			Unit:                 1,
			TimeoutMS:            1000,
			PulseDurationMS:      400,
			CommandIntervalMS:    300,
			BurstIntervalMS:      2000,
			BurstDurationSeconds: 10,
			MaxRetries:           2,
		},
		Lockers: LockerConfig{
			Count:                   24,
			AutoReleaseHours:        &autoRelease,
			ReserveTTLSeconds:       25,
			BulkOperationIntervalMS: 500,
		},
		RateLimit: RateLimitConfig{
			IP:                    ScopeLimit{MaxTokens: 30, RefillRate: 0.5, BlockThreshold: 10, BlockSeconds: 300},
			Card:                  ScopeLimit{MaxTokens: 60, RefillRate: 1, BlockThreshold: 20, BlockSeconds: 300},
			Locker:                ScopeLimit{MaxTokens: 6, RefillRate: 0.1, BlockThreshold: 10, BlockSeconds: 300},
			Device:                ScopeLimit{MaxTokens: 1, RefillRate: 0.05, BlockThreshold: 10, BlockSeconds: 300},
			ViolationLogThreshold: 3,
		},
		Retention: RetentionConfig{
			EventRetentionDays:   30,
			AuditRetentionDays:   90,
			CommandRetentionDays: 7,
			AnonymizationEnabled: true,
		},
		Auth: AuthConfig{
			MasterLockoutFails:   5,
			MasterLockoutMinutes: 15,
		},
		Log: LogConfig{Level: "info"},
	}
}

// AutoReleaseEnabled reports whether the sweeper should run.
func (c LockerConfig) AutoReleaseEnabled() bool {
	return c.AutoReleaseHours != nil && *c.AutoReleaseHours > 0
}

// HeartbeatInterval returns the kiosk heartbeat cadence.
func (c KioskConfig) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatSeconds) * time.Second
}

// OfflineThreshold returns the staleness cut-off.
func (c KioskConfig) OfflineThreshold() time.Duration {
	return time.Duration(c.OfflineThresholdSeconds) * time.Second
}
