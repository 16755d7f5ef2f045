// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "lockerd.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaults(t *testing.T) {
	cfg := Default()

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "kiosk-1", cfg.Kiosk.ID)
	assert.Equal(t, 24, cfg.Lockers.Count)
	assert.Equal(t, 25, cfg.Lockers.ReserveTTLSeconds)
	require.NotNil(t, cfg.Lockers.AutoReleaseHours)
	assert.InDelta(t, 12.0, *cfg.Lockers.AutoReleaseHours, 0.001)
	assert.True(t, cfg.Lockers.AutoReleaseEnabled())

	assert.Equal(t, 400, cfg.Modbus.PulseDurationMS)
	assert.Equal(t, 300, cfg.Modbus.CommandIntervalMS)
	assert.Equal(t, 1, cfg.Modbus.Unit)

	assert.Equal(t, 30, cfg.Retention.EventRetentionDays)
	assert.Equal(t, 90, cfg.Retention.AuditRetentionDays)
	assert.Equal(t, 7, cfg.Retention.CommandRetentionDays)
	assert.True(t, cfg.Retention.AnonymizationEnabled)

	require.NoError(t, Validate(cfg))
}

func TestLoadFromFile(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
kiosk:
  id: pool-entrance
  zone: pool
lockers:
  count: 48
  auto_release_hours: 6.5
modbus:
  test_mode: true
`)

	cfg, err := NewLoader(path).Load()
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "pool-entrance", cfg.Kiosk.ID)
	assert.Equal(t, "pool", cfg.Kiosk.Zone)
	assert.Equal(t, 48, cfg.Lockers.Count)
	require.NotNil(t, cfg.Lockers.AutoReleaseHours)
	assert.InDelta(t, 6.5, *cfg.Lockers.AutoReleaseHours, 0.001)
	assert.True(t, cfg.Modbus.TestMode)

	// Unset fields keep their defaults.
	assert.Equal(t, "0.0.0.0", cfg.Server.Listen)
	assert.Equal(t, 400, cfg.Modbus.PulseDurationMS)
}

func TestLoadRejectsUnknownFields(t *testing.T) {
	path := writeConfig(t, "server:\n  prot: 9090\n")

	_, err := NewLoader(path).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "prot")
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := NewLoader(filepath.Join(t.TempDir(), "absent.yaml")).Load()
	require.NoError(t, err)
	assert.Equal(t, Default().Server.Port, cfg.Server.Port)
}

func TestLoadEmptyFileUsesDefaults(t *testing.T) {
	path := writeConfig(t, "")
	cfg, err := NewLoader(path).Load()
	require.NoError(t, err)
	assert.Equal(t, Default().Lockers.Count, cfg.Lockers.Count)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LOCKERD_PORT", "7070")
	t.Setenv("LOCKERD_KIOSK_ID", "kiosk-env")
	t.Setenv("LOCKERD_MODBUS_TEST_MODE", "yes")
	t.Setenv("LOCKERD_AUTO_RELEASE_HOURS", "0")

	cfg, err := NewLoader("").Load()
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.Port)
	assert.Equal(t, "kiosk-env", cfg.Kiosk.ID)
	assert.True(t, cfg.Modbus.TestMode)
	assert.Nil(t, cfg.Lockers.AutoReleaseHours, "zero hours disables the sweeper")
	assert.False(t, cfg.Lockers.AutoReleaseEnabled())
}

func TestEnvOverridesBeatFile(t *testing.T) {
	path := writeConfig(t, "server:\n  port: 9090\n")
	t.Setenv("LOCKERD_PORT", "6060")

	cfg, err := NewLoader(path).Load()
	require.NoError(t, err)
	assert.Equal(t, 6060, cfg.Server.Port)
}

func TestEnvUnparsableFallsBack(t *testing.T) {
	t.Setenv("LOCKERD_PORT", "not-a-port")
	t.Setenv("LOCKERD_MODBUS_TEST_MODE", "maybe")

	cfg, err := NewLoader("").Load()
	require.NoError(t, err)
	assert.Equal(t, Default().Server.Port, cfg.Server.Port)
	assert.False(t, cfg.Modbus.TestMode)
}
