// SPDX-License-Identifier: MIT

// Package kiosk executes queued staff commands against the local hardware.
// The runner polls the durable queue, applies each command through the state
// manager and the relay executor, and reports the outcome back to the queue.
package kiosk

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/dolaplink/lockerd/internal/locker"
	"github.com/dolaplink/lockerd/internal/log"
	"github.com/dolaplink/lockerd/internal/modbus"
	"github.com/dolaplink/lockerd/internal/model"
	"github.com/dolaplink/lockerd/internal/queue"
)

// Hardware is the relay surface the runner needs. The Modbus executor
// implements it.
type Hardware interface {
	OpenLocker(ctx context.Context, id int) (bool, error)
	BulkOpen(ctx context.Context, ids []int, interval time.Duration) modbus.BulkResult
}

// Config tunes the runner loop.
type Config struct {
	KioskID      string
	PollInterval time.Duration
	BatchSize    int
	BulkInterval time.Duration // default spacing between bulk opens
}

// DefaultConfig polls every 2 seconds, 10 commands per pull.
func DefaultConfig(kioskID string) Config {
	return Config{
		KioskID:      kioskID,
		PollInterval: 2 * time.Second,
		BatchSize:    10,
		BulkInterval: 500 * time.Millisecond,
	}
}

// Runner drains the command queue for one kiosk.
type Runner struct {
	cfg     Config
	queue   *queue.Queue
	manager *locker.Manager
	hw      Hardware
	events  locker.EventSink
	logger  zerolog.Logger
}

// NewRunner wires the command runner. events may be nil.
func NewRunner(cfg Config, q *queue.Queue, mgr *locker.Manager, hw Hardware, events locker.EventSink) *Runner {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig(cfg.KioskID).PollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig(cfg.KioskID).BatchSize
	}
	if events == nil {
		events = locker.NopEventSink{}
	}
	return &Runner{
		cfg:     cfg,
		queue:   q,
		manager: mgr,
		hw:      hw,
		events:  events,
		logger:  log.WithComponent("kiosk").With().Str(log.FieldKioskID, cfg.KioskID).Logger(),
	}
}

// Run polls until ctx is cancelled. The in-flight batch finishes before
// shutdown completes.
func (r *Runner) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.RunOnce(ctx); err != nil {
				r.logger.Error().Err(err).Msg("command pull failed")
			}
		}
	}
}

// RunOnce pulls and executes one batch of due commands.
func (r *Runner) RunOnce(ctx context.Context) error {
	cmds, err := r.queue.PullPending(ctx, r.cfg.KioskID, r.cfg.BatchSize, time.Now())
	if err != nil {
		return err
	}

	for _, cmd := range cmds {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.executeOne(ctx, cmd)
	}
	return nil
}

// executeOne runs a single command. Duplicate deliveries are no-ops: the
// status guard on MarkExecuting means a row someone else picked up already is
// simply skipped at completion time.
func (r *Runner) executeOne(ctx context.Context, cmd *model.Command) {
	if err := r.queue.MarkExecuting(ctx, cmd.CommandID); err != nil {
		r.logger.Error().Err(err).Str(log.FieldCommandID, cmd.CommandID).Msg("mark executing failed")
		return
	}

	var execErr error
	switch cmd.Type {
	case model.CommandOpenLocker:
		execErr = r.execOpen(ctx, cmd)
	case model.CommandBulkOpen:
		execErr = r.execBulkOpen(ctx, cmd)
	case model.CommandBlockLocker:
		execErr = r.execBlock(ctx, cmd)
	case model.CommandUnblockLocker:
		execErr = r.execUnblock(ctx, cmd)
	default:
		execErr = fmt.Errorf("unknown command type %q", cmd.Type)
	}

	if execErr != nil {
		if _, err := r.queue.MarkFailed(ctx, cmd.CommandID, execErr.Error()); err != nil {
			r.logger.Error().Err(err).Str(log.FieldCommandID, cmd.CommandID).Msg("mark failed failed")
		}
		return
	}
	if _, err := r.queue.MarkCompleted(ctx, cmd.CommandID); err != nil {
		r.logger.Error().Err(err).Str(log.FieldCommandID, cmd.CommandID).Msg("mark completed failed")
	}
}

// execOpen handles staff-initiated single opens. The open does not change
// ownership: a staff open of an Owned locker leaves the owner in place.
func (r *Runner) execOpen(ctx context.Context, cmd *model.Command) error {
	p, err := cmd.DecodeOpenLocker()
	if err != nil {
		return fmt.Errorf("bad payload: %w", err)
	}
	if p.LockerID <= 0 {
		return fmt.Errorf("invalid locker_id %d", p.LockerID)
	}

	ok, err := r.hw.OpenLocker(ctx, p.LockerID)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("hardware open failed for locker %d", p.LockerID)
	}

	r.emitStaff(ctx, model.EventStaffOpen, p.LockerID, p.StaffUser, map[string]any{"reason": p.Reason})
	return nil
}

func (r *Runner) execBulkOpen(ctx context.Context, cmd *model.Command) error {
	p, err := cmd.DecodeBulkOpen()
	if err != nil {
		return fmt.Errorf("bad payload: %w", err)
	}

	ids := p.LockerIDs
	if p.ExcludeVIP {
		ids, err = r.filterVIP(ctx, ids)
		if err != nil {
			return err
		}
	}

	interval := r.cfg.BulkInterval
	if p.IntervalMS > 0 {
		interval = time.Duration(p.IntervalMS) * time.Millisecond
	}

	res := r.hw.BulkOpen(ctx, ids, interval)
	r.emitStaff(ctx, model.EventBulkOpen, 0, p.StaffUser, map[string]any{
		"total":      res.Total,
		"success":    res.Success,
		"failed_ids": res.FailedIDs,
	})

	if res.Success < res.Total {
		return fmt.Errorf("bulk open: %d of %d lockers failed", res.Total-res.Success, res.Total)
	}
	return nil
}

func (r *Runner) execBlock(ctx context.Context, cmd *model.Command) error {
	p, err := cmd.DecodeOpenLocker()
	if err != nil {
		return fmt.Errorf("bad payload: %w", err)
	}
	ok, err := r.manager.StaffBlock(ctx, r.cfg.KioskID, p.LockerID, p.StaffUser, p.Reason)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("locker %d cannot be blocked from its current state", p.LockerID)
	}
	return nil
}

func (r *Runner) execUnblock(ctx context.Context, cmd *model.Command) error {
	p, err := cmd.DecodeOpenLocker()
	if err != nil {
		return fmt.Errorf("bad payload: %w", err)
	}
	ok, err := r.manager.StaffUnblock(ctx, r.cfg.KioskID, p.LockerID, p.StaffUser)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("locker %d is not blocked", p.LockerID)
	}
	return nil
}

// filterVIP drops VIP lockers from a bulk id list.
func (r *Runner) filterVIP(ctx context.Context, ids []int) ([]int, error) {
	out := make([]int, 0, len(ids))
	for _, id := range ids {
		l, err := r.manager.GetLocker(ctx, r.cfg.KioskID, id)
		if err != nil {
			return nil, err
		}
		if l == nil || l.IsVIP {
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

func (r *Runner) emitStaff(ctx context.Context, evType model.EventType, lockerID int, staffUser string, details map[string]any) {
	raw, _ := json.Marshal(details)
	ev := model.Event{
		Timestamp: time.Now(),
		KioskID:   r.cfg.KioskID,
		LockerID:  lockerID,
		Type:      evType,
		StaffUser: staffUser,
		Details:   raw,
	}
	if err := r.events.Append(ctx, ev); err != nil {
		r.logger.Warn().Err(err).Str("event_type", string(evType)).Msg("staff event append failed")
	}
}
