// SPDX-License-Identifier: MIT

package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:    "port too low",
			mutate:  func(c *Config) { c.Server.Port = 0 },
			wantErr: "server.port",
		},
		{
			name:    "port too high",
			mutate:  func(c *Config) { c.Server.Port = 70000 },
			wantErr: "server.port",
		},
		{
			name:    "empty kiosk id",
			mutate:  func(c *Config) { c.Kiosk.ID = "" },
			wantErr: "kiosk.id",
		},
		{
			name:    "empty database path",
			mutate:  func(c *Config) { c.Database.Path = "" },
			wantErr: "database.path",
		},
		{
			name:    "zero lockers",
			mutate:  func(c *Config) { c.Lockers.Count = 0 },
			wantErr: "lockers.count",
		},
		{
			name: "negative auto release",
			mutate: func(c *Config) {
				neg := -1.0
				c.Lockers.AutoReleaseHours = &neg
			},
			wantErr: "auto_release_hours",
		},
		{
			name:    "negative pulse duration",
			mutate:  func(c *Config) { c.Modbus.PulseDurationMS = -1 },
			wantErr: "pulse_duration_ms",
		},
		{
			name:    "modbus unit zero",
			mutate:  func(c *Config) { c.Modbus.Unit = 0 },
			wantErr: "modbus.unit",
		},
		{
			name:    "modbus unit above 247",
			mutate:  func(c *Config) { c.Modbus.Unit = 248 },
			wantErr: "modbus.unit",
		},
		{
			name:    "zero rate limit tokens",
			mutate:  func(c *Config) { c.RateLimit.Card.MaxTokens = 0 },
			wantErr: "rate_limits.card",
		},
		{
			name:    "negative retention",
			mutate:  func(c *Config) { c.Retention.EventRetentionDays = -1 },
			wantErr: "retention",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := Validate(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateCollectsAllErrors(t *testing.T) {
	cfg := Default()
	cfg.Server.Port = 0
	cfg.Kiosk.ID = ""

	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server.port")
	assert.Contains(t, err.Error(), "kiosk.id")
}

func TestValidateAdminTokenInProduction(t *testing.T) {
	t.Setenv("LOCKERD_ENV", "production")

	cfg := Default()
	cfg.Auth.AdminToken = ""
	assert.Error(t, Validate(cfg))

	cfg.Auth.AdminToken = "changeme"
	assert.Error(t, Validate(cfg))

	cfg.Auth.AdminToken = "b7f2a9c4e1d8"
	assert.NoError(t, Validate(cfg))
}

func TestValidateAdminTokenOutsideProduction(t *testing.T) {
	t.Setenv("LOCKERD_ENV", "dev")
	cfg := Default()
	cfg.Auth.AdminToken = ""
	assert.NoError(t, Validate(cfg))
}
