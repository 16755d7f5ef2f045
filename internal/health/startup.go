// SPDX-License-Identifier: MIT

package health

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/dolaplink/lockerd/internal/config"
	"github.com/dolaplink/lockerd/internal/log"
)

// PerformStartupChecks validates the environment before the daemon starts:
// the database directory must be writable and, outside test mode, the serial
// device must exist.
func PerformStartupChecks(cfg config.Config) error {
	logger := log.WithComponent("startup-check")
	logger.Info().Msg("running pre-flight startup checks")

	if err := checkDatabaseDir(cfg.Database.Path); err != nil {
		return fmt.Errorf("database directory check failed: %w", err)
	}

	if !cfg.Modbus.TestMode {
		if err := checkSerialDevice(cfg.Modbus.Device); err != nil {
			return fmt.Errorf("serial device check failed: %w", err)
		}
	}

	logger.Info().Msg("all startup checks passed")
	return nil
}

func checkDatabaseDir(dbPath string) error {
	dir := filepath.Dir(dbPath)
	info, err := os.Stat(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("directory does not exist: %s", dir)
		}
		return err
	}
	if !info.IsDir() {
		return fmt.Errorf("path is not a directory: %s", dir)
	}

	testFile := filepath.Join(dir, ".write_test")
	if err := os.WriteFile(testFile, []byte("ok"), 0600); err != nil {
		return fmt.Errorf("directory is not writable: %s: %w", dir, err)
	}
	_ = os.Remove(testFile)
	return nil
}

func checkSerialDevice(device string) error {
	if device == "" {
		return fmt.Errorf("modbus device not configured")
	}
	if _, err := os.Stat(device); err != nil {
		return fmt.Errorf("device %s: %w", device, err)
	}
	return nil
}
