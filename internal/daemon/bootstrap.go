// SPDX-License-Identifier: MIT

// Package daemon assembles the site controller: store, state manager, queue,
// hardware executor, user flows, fleet tracking, broadcast, and the HTTP
// surface, supervised as one errgroup.
package daemon

import (
	"context"
	"fmt"
	"os"
	"time"

	"golang.org/x/time/rate"

	"github.com/dolaplink/lockerd/internal/api"
	"github.com/dolaplink/lockerd/internal/broadcast"
	"github.com/dolaplink/lockerd/internal/config"
	"github.com/dolaplink/lockerd/internal/events"
	"github.com/dolaplink/lockerd/internal/fleet"
	"github.com/dolaplink/lockerd/internal/health"
	"github.com/dolaplink/lockerd/internal/kiosk"
	"github.com/dolaplink/lockerd/internal/locker"
	"github.com/dolaplink/lockerd/internal/log"
	"github.com/dolaplink/lockerd/internal/modbus"
	"github.com/dolaplink/lockerd/internal/queue"
	"github.com/dolaplink/lockerd/internal/ratelimit"
	"github.com/dolaplink/lockerd/internal/store"
	"github.com/dolaplink/lockerd/internal/userflow"
)

// Build wires every subsystem from the loaded configuration. The returned
// App owns the store and serial port and closes them on shutdown.
func Build(holder *config.Holder, version string) (*App, error) {
	cfg := holder.Get()

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return nil, fmt.Errorf("daemon: open store: %w", err)
	}

	eventLog := events.NewLogger(st)
	hub := broadcast.NewHub(30 * time.Second)
	limiter := ratelimit.New(limiterConfig(cfg.RateLimit), eventLog)
	manager := locker.NewManager(st, eventLog, hub)
	sessions := userflow.NewSessionManager(
		time.Duration(cfg.Lockers.ReserveTTLSeconds)*time.Second, hub)

	port, err := openPort(cfg.Modbus)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	executor := modbus.New(executorConfig(cfg), port, eventLog, manager)

	flow := userflow.NewService(cfg.Kiosk.ID, manager, executor, limiter, sessions)
	cmdQueue := queue.New(st)
	runner := kiosk.NewRunner(runnerConfig(cfg), cmdQueue, manager, executor, eventLog)
	tracker := fleet.NewTracker(st, eventLog)

	healthMgr := health.NewManager(version)
	healthMgr.RegisterChecker(health.NewDatabaseChecker(st.DB))
	healthMgr.RegisterChecker(health.NewHardwareChecker(func() (bool, float64) {
		s := executor.GetHardwareStatus()
		return s.Available, s.Diagnostics.ErrorRate
	}))
	healthMgr.RegisterChecker(health.NewQueueChecker(func(ctx context.Context) (int, error) {
		stats, err := cmdQueue.Stats(ctx, cfg.Kiosk.ID)
		if err != nil {
			return 0, err
		}
		return stats.Pending, nil
	}, 0))

	apiServer := api.NewServer(api.Deps{
		Config:   holder,
		Manager:  manager,
		Queue:    cmdQueue,
		Executor: executor,
		Flow:     flow,
		Fleet:    tracker,
		Events:   eventLog,
		Limiter:  limiter,
		Hub:      hub,
		Health:   healthMgr,
	})

	return &App{
		holder:   holder,
		store:    st,
		port:     port,
		manager:  manager,
		queue:    cmdQueue,
		executor: executor,
		runner:   runner,
		sessions: sessions,
		limiter:  limiter,
		events:   eventLog,
		tracker:  tracker,
		hub:      hub,
		server:   apiServer,
		logger:   log.WithComponent("daemon"),
	}, nil
}

func openPort(cfg config.ModbusConfig) (modbus.Port, error) {
	if cfg.TestMode {
		return modbus.NewLoopbackPort(), nil
	}
	f, err := os.OpenFile(cfg.Device, os.O_RDWR, 0)
	if err != nil {
		return nil, fmt.Errorf("daemon: open serial device %s: %w", cfg.Device, err)
	}
	return modbus.NewRTUPort(f, time.Duration(cfg.TimeoutMS)*time.Millisecond), nil
}

func limiterConfig(cfg config.RateLimitConfig) ratelimit.Config {
	scope := func(s config.ScopeLimit) ratelimit.Limit {
		return ratelimit.Limit{
			MaxTokens:      s.MaxTokens,
			RefillRate:     rate.Limit(s.RefillRate),
			BlockThreshold: s.BlockThreshold,
			BlockDuration:  time.Duration(s.BlockSeconds) * time.Second,
		}
	}
	return ratelimit.Config{
		Limits: map[ratelimit.Scope]ratelimit.Limit{
			ratelimit.ScopeIP:     scope(cfg.IP),
			ratelimit.ScopeCard:   scope(cfg.Card),
			ratelimit.ScopeLocker: scope(cfg.Locker),
			ratelimit.ScopeDevice: scope(cfg.Device),
		},
		ViolationLogThreshold: cfg.ViolationLogThreshold,
		MaxAge:                time.Hour,
	}
}

func executorConfig(cfg config.Config) modbus.Config {
	return modbus.Config{
		KioskID:         cfg.Kiosk.ID,
		Unit:            uint8(cfg.Modbus.Unit),
		PulseDuration:   time.Duration(cfg.Modbus.PulseDurationMS) * time.Millisecond,
		CommandInterval: time.Duration(cfg.Modbus.CommandIntervalMS) * time.Millisecond,
		BurstInterval:   time.Duration(cfg.Modbus.BurstIntervalMS) * time.Millisecond,
		BurstDuration:   time.Duration(cfg.Modbus.BurstDurationSeconds) * time.Second,
		MaxRetries:      cfg.Modbus.MaxRetries,
		TestMode:        cfg.Modbus.TestMode,
	}
}

func runnerConfig(cfg config.Config) kiosk.Config {
	c := kiosk.DefaultConfig(cfg.Kiosk.ID)
	if cfg.Lockers.BulkOperationIntervalMS > 0 {
		c.BulkInterval = time.Duration(cfg.Lockers.BulkOperationIntervalMS) * time.Millisecond
	}
	return c
}
