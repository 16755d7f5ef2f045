// SPDX-License-Identifier: MIT

package health

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// DatabaseChecker pings the site store.
type DatabaseChecker struct {
	db *sql.DB
}

// NewDatabaseChecker creates a probe over the shared connection pool.
func NewDatabaseChecker(db *sql.DB) *DatabaseChecker {
	return &DatabaseChecker{db: db}
}

func (c *DatabaseChecker) Name() string { return "database" }

func (c *DatabaseChecker) Check(ctx context.Context) CheckResult {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	if err := c.db.PingContext(ctx); err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
	}
	return CheckResult{Status: StatusHealthy, Message: "reachable"}
}

// HardwareStatusFunc reports relay bus availability and error rate. The
// Modbus executor's GetHardwareStatus adapts to it.
type HardwareStatusFunc func() (available bool, errorRate float64)

// HardwareChecker probes the relay bus health counters.
type HardwareChecker struct {
	status HardwareStatusFunc
}

// NewHardwareChecker creates the relay probe.
func NewHardwareChecker(status HardwareStatusFunc) *HardwareChecker {
	return &HardwareChecker{status: status}
}

func (c *HardwareChecker) Name() string { return "hardware" }

func (c *HardwareChecker) Check(context.Context) CheckResult {
	available, errorRate := c.status()
	if !available {
		return CheckResult{
			Status: StatusUnhealthy,
			Error:  fmt.Sprintf("relay bus unavailable, error rate %.2f", errorRate),
		}
	}
	if errorRate > 0.1 {
		return CheckResult{
			Status:  StatusDegraded,
			Message: fmt.Sprintf("elevated error rate %.2f", errorRate),
		}
	}
	return CheckResult{Status: StatusHealthy, Message: "relay bus available"}
}

// QueueBacklogFunc returns the current pending command count for the kiosk.
type QueueBacklogFunc func(ctx context.Context) (int, error)

// QueueChecker degrades when the command backlog grows past the threshold,
// which usually means the hardware loop is stuck.
type QueueChecker struct {
	backlog   QueueBacklogFunc
	threshold int
}

// NewQueueChecker creates the backlog probe. threshold defaults to 50.
func NewQueueChecker(backlog QueueBacklogFunc, threshold int) *QueueChecker {
	if threshold <= 0 {
		threshold = 50
	}
	return &QueueChecker{backlog: backlog, threshold: threshold}
}

func (c *QueueChecker) Name() string { return "command_queue" }

func (c *QueueChecker) Check(ctx context.Context) CheckResult {
	n, err := c.backlog(ctx)
	if err != nil {
		return CheckResult{Status: StatusUnhealthy, Error: err.Error()}
	}
	if n > c.threshold {
		return CheckResult{
			Status:  StatusDegraded,
			Message: fmt.Sprintf("%d pending commands", n),
		}
	}
	return CheckResult{Status: StatusHealthy, Message: fmt.Sprintf("%d pending commands", n)}
}
