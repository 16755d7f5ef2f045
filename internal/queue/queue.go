// SPDX-License-Identifier: MIT

// Package queue is the durable per-kiosk command queue. Commands are
// delivered at least once: a kiosk pulls pending rows on its own schedule,
// marks them executing, and reports completion or failure. Failures are
// rescheduled with exponential backoff until max_retries is exhausted.
package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/dolaplink/lockerd/internal/log"
	"github.com/dolaplink/lockerd/internal/model"
	"github.com/dolaplink/lockerd/internal/store"
)

// BaseDelay is the backoff unit: retry n is scheduled 2^n * BaseDelay after
// the failure.
const BaseDelay = 30 * time.Second

// DefaultMaxRetries applies when the caller passes 0.
const DefaultMaxRetries = 3

var (
	commandsEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lockerd",
			Name:      "commands_enqueued_total",
			Help:      "Commands accepted into the queue",
		},
		[]string{"command_type"},
	)

	commandsFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "lockerd",
			Name:      "commands_finished_total",
			Help:      "Commands that reached a terminal status",
		},
		[]string{"status"},
	)
)

// Stats is the per-kiosk status breakdown.
type Stats struct {
	Pending   int `json:"pending"`
	Executing int `json:"executing"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Cancelled int `json:"cancelled"`
}

// Queue persists commands in the site store.
type Queue struct {
	store     *store.Store
	baseDelay time.Duration
	logger    zerolog.Logger
}

// New creates a queue over the shared store.
func New(st *store.Store) *Queue {
	return &Queue{
		store:     st,
		baseDelay: BaseDelay,
		logger:    log.WithComponent("queue"),
	}
}

// Enqueue persists a new pending command and returns its UUID.
func (q *Queue) Enqueue(ctx context.Context, kioskID string, cmdType model.CommandType, payload json.RawMessage, maxRetries int) (string, error) {
	if !cmdType.Valid() {
		return "", fmt.Errorf("queue: unknown command type %q", cmdType)
	}
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	if len(payload) == 0 {
		payload = json.RawMessage("{}")
	}

	id := uuid.New().String()
	now := time.Now()
	_, err := q.store.DB.ExecContext(ctx,
		`INSERT INTO command_queue
			(command_id, kiosk_id, command_type, payload, status, retry_count, max_retries, next_attempt_at, created_at)
		 VALUES (?, ?, ?, ?, 'pending', 0, ?, ?, ?)`,
		id, kioskID, string(cmdType), string(payload), maxRetries, formatTime(now), formatTime(now))
	if err != nil {
		return "", err
	}

	commandsEnqueued.WithLabelValues(string(cmdType)).Inc()
	q.logger.Debug().
		Str(log.FieldCommandID, id).
		Str(log.FieldKioskID, kioskID).
		Str("command_type", string(cmdType)).
		Msg("command enqueued")
	return id, nil
}

// EnqueueBulk enqueues one command per payload. There is no cross-command
// atomicity: a failure returns the ids created so far alongside the error.
func (q *Queue) EnqueueBulk(ctx context.Context, kioskID string, cmdType model.CommandType, payloads []json.RawMessage) ([]string, error) {
	ids := make([]string, 0, len(payloads))
	for _, p := range payloads {
		id, err := q.Enqueue(ctx, kioskID, cmdType, p, 0)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// PullPending returns due pending commands for a kiosk in creation order
// without changing their status.
func (q *Queue) PullPending(ctx context.Context, kioskID string, limit int, now time.Time) ([]*model.Command, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := q.store.DB.QueryContext(ctx,
		`SELECT command_id, kiosk_id, command_type, payload, status, retry_count, max_retries,
				next_attempt_at, last_error, created_at, executed_at, completed_at
		 FROM command_queue
		 WHERE kiosk_id = ? AND status = 'pending' AND next_attempt_at <= ?
		 ORDER BY created_at ASC
		 LIMIT ?`,
		kioskID, formatTime(now), limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []*model.Command
	for rows.Next() {
		c, err := scanCommand(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// Get returns a single command or nil.
func (q *Queue) Get(ctx context.Context, commandID string) (*model.Command, error) {
	row := q.store.DB.QueryRowContext(ctx,
		`SELECT command_id, kiosk_id, command_type, payload, status, retry_count, max_retries,
				next_attempt_at, last_error, created_at, executed_at, completed_at
		 FROM command_queue WHERE command_id = ?`, commandID)
	c, err := scanCommand(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return c, nil
}

// MarkExecuting flips a pending command to executing and stamps executed_at.
func (q *Queue) MarkExecuting(ctx context.Context, commandID string) error {
	_, err := q.store.DB.ExecContext(ctx,
		`UPDATE command_queue SET status = 'executing', executed_at = ?
		 WHERE command_id = ? AND status = 'pending'`,
		formatTime(time.Now()), commandID)
	return err
}

// MarkCompleted finishes a command. It is idempotent: a command already in a
// terminal status is left alone and false is returned. executed_at is
// coalesced so completed rows always carry one.
func (q *Queue) MarkCompleted(ctx context.Context, commandID string) (bool, error) {
	now := formatTime(time.Now())
	res, err := q.store.DB.ExecContext(ctx,
		`UPDATE command_queue
		 SET status = 'completed', executed_at = COALESCE(executed_at, ?), completed_at = ?
		 WHERE command_id = ? AND status IN ('pending','executing')`,
		now, now, commandID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		commandsFinished.WithLabelValues("completed").Inc()
	}
	return n > 0, nil
}

// MarkFailed records a failed attempt. While retries remain the command goes
// back to pending with next_attempt_at = now + 2^retry_count * BaseDelay
// (retry 1 -> 60s, retry 2 -> 120s, retry 3 -> 240s); once retry_count+1
// reaches max_retries the command is terminally failed. Returns true when
// the command was rescheduled, false when it is now (or already was)
// terminal.
func (q *Queue) MarkFailed(ctx context.Context, commandID, errMsg string) (bool, error) {
	tx, err := q.store.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	var status string
	var retryCount, maxRetries int
	err = tx.QueryRowContext(ctx,
		`SELECT status, retry_count, max_retries FROM command_queue WHERE command_id = ?`,
		commandID).Scan(&status, &retryCount, &maxRetries)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, fmt.Errorf("queue: command %s not found", commandID)
		}
		return false, err
	}

	switch model.CommandStatus(status) {
	case model.CommandPending, model.CommandExecuting:
	default:
		// Terminal already; duplicate delivery reports are no-ops.
		return false, nil
	}

	newRetry := retryCount + 1
	now := time.Now()

	if newRetry >= maxRetries {
		_, err = tx.ExecContext(ctx,
			`UPDATE command_queue
			 SET status = 'failed', retry_count = ?, last_error = ?, completed_at = ?
			 WHERE command_id = ?`,
			newRetry, errMsg, formatTime(now), commandID)
		if err != nil {
			return false, err
		}
		if err := tx.Commit(); err != nil {
			return false, err
		}
		commandsFinished.WithLabelValues("failed").Inc()
		q.logger.Warn().
			Str(log.FieldCommandID, commandID).
			Int("retry_count", newRetry).
			Str("error", errMsg).
			Msg("command failed terminally")
		return false, nil
	}

	delay := time.Duration(1<<uint(newRetry)) * q.baseDelay
	_, err = tx.ExecContext(ctx,
		`UPDATE command_queue
		 SET status = 'pending', retry_count = ?, last_error = ?, next_attempt_at = ?
		 WHERE command_id = ?`,
		newRetry, errMsg, formatTime(now.Add(delay)), commandID)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, err
	}

	q.logger.Info().
		Str(log.FieldCommandID, commandID).
		Int("retry_count", newRetry).
		Dur("backoff", delay).
		Msg("command rescheduled")
	return true, nil
}

// CancelPending cancels every pending command of a kiosk; used to drop stale
// work after a kiosk restart.
func (q *Queue) CancelPending(ctx context.Context, kioskID string) (int, error) {
	res, err := q.store.DB.ExecContext(ctx,
		`UPDATE command_queue SET status = 'cancelled', completed_at = ?
		 WHERE kiosk_id = ? AND status = 'pending'`,
		formatTime(time.Now()), kioskID)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		commandsFinished.WithLabelValues("cancelled").Add(float64(n))
	}
	return int(n), nil
}

// Stats returns the per-status counts for a kiosk, zero-filled.
func (q *Queue) Stats(ctx context.Context, kioskID string) (Stats, error) {
	rows, err := q.store.DB.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM command_queue WHERE kiosk_id = ? GROUP BY status`, kioskID)
	if err != nil {
		return Stats{}, err
	}
	defer func() { _ = rows.Close() }()

	var st Stats
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return Stats{}, err
		}
		switch model.CommandStatus(status) {
		case model.CommandPending:
			st.Pending = n
		case model.CommandExecuting:
			st.Executing = n
		case model.CommandCompleted:
			st.Completed = n
		case model.CommandFailed:
			st.Failed = n
		case model.CommandCancelled:
			st.Cancelled = n
		}
	}
	return st, rows.Err()
}

// CleanupOld deletes terminal commands older than the retention window.
func (q *Queue) CleanupOld(ctx context.Context, retentionDays int) (int, error) {
	if retentionDays <= 0 {
		retentionDays = 7
	}
	cutoff := time.Now().AddDate(0, 0, -retentionDays)
	res, err := q.store.DB.ExecContext(ctx,
		`DELETE FROM command_queue
		 WHERE status IN ('completed','failed','cancelled') AND created_at < ?`,
		formatTime(cutoff))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// --- helpers ---

func scanCommand(scanner interface{ Scan(dest ...any) error }) (*model.Command, error) {
	var c model.Command
	var payload string
	var lastError, nextAttempt, createdAt, executedAt, completedAt sql.NullString

	err := scanner.Scan(
		&c.CommandID, &c.KioskID, &c.Type, &payload, &c.Status,
		&c.RetryCount, &c.MaxRetries, &nextAttempt, &lastError,
		&createdAt, &executedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	c.Payload = json.RawMessage(payload)
	c.LastError = lastError.String
	if c.NextAttempt, err = parseNullTime(nextAttempt); err != nil {
		return nil, err
	}
	if c.CreatedAt, err = parseNullTime(createdAt); err != nil {
		return nil, err
	}
	if c.ExecutedAt, err = parseNullTime(executedAt); err != nil {
		return nil, err
	}
	if c.CompletedAt, err = parseNullTime(completedAt); err != nil {
		return nil, err
	}
	return &c, nil
}

func formatTime(t time.Time) string {
	return store.FormatTime(t)
}

func parseNullTime(ns sql.NullString) (time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, ns.String)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid timestamp %q: %w", ns.String, err)
	}
	return t, nil
}
