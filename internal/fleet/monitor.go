// SPDX-License-Identifier: MIT

package fleet

import (
	"context"
	"time"
)

// MonitorConfig controls the offline sweep.
type MonitorConfig struct {
	Interval         time.Duration
	OfflineThreshold time.Duration
}

// DefaultMonitorConfig checks every 10 seconds with the 30 second threshold.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorConfig{
		Interval:         10 * time.Second,
		OfflineThreshold: DefaultOfflineThreshold,
	}
}

// Monitor periodically flips silent kiosks offline.
type Monitor struct {
	Tracker *Tracker
	Conf    MonitorConfig
}

// Run sweeps until ctx is cancelled. The in-flight sweep finishes before
// shutdown completes.
func (m *Monitor) Run(ctx context.Context) error {
	conf := m.Conf
	if conf.Interval <= 0 {
		conf = DefaultMonitorConfig()
	}

	ticker := time.NewTicker(conf.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := m.Tracker.MarkStale(ctx, conf.OfflineThreshold, time.Now()); err != nil {
				m.Tracker.logger.Error().Err(err).Msg("offline sweep failed")
			}
		}
	}
}
