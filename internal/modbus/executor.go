// SPDX-License-Identifier: MIT

package modbus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/dolaplink/lockerd/internal/locker"
	"github.com/dolaplink/lockerd/internal/log"
	"github.com/dolaplink/lockerd/internal/model"
)

var (
	pulseAttempts = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "lockerd",
			Name:      "modbus_pulse_attempts_total",
			Help:      "Relay pulse attempts including retries and bursts",
		},
	)

	pulseFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "lockerd",
			Name:      "modbus_pulse_failures_total",
			Help:      "Relay opens that failed after retry and burst",
		},
	)

	queueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "lockerd",
			Name:      "modbus_queue_depth",
			Help:      "Jobs waiting for the bus dispatcher",
		},
	)

	burstEntered = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "lockerd",
			Name:      "modbus_burst_entered_total",
			Help:      "Opens that escalated to burst mode",
		},
	)
)

// ErrShuttingDown is returned to submitters whose job cannot run because the
// executor has been stopped.
var ErrShuttingDown = errors.New("modbus: executor shutting down")

// StateRecoverer closes a pre-existing Error state after a clean open. The
// locker manager implements it.
type StateRecoverer interface {
	Recover(ctx context.Context, kioskID string, id int, by string) (bool, error)
}

// Config holds the bus timing parameters.
type Config struct {
	KioskID         string
	Unit            uint8         // Modbus slave address
	PulseDuration   time.Duration // relay energise time per pulse
	CommandInterval time.Duration // minimum spacing between bus commands
	BurstInterval   time.Duration // pulse cadence in burst mode
	BurstDuration   time.Duration // how long burst mode keeps trying
	MaxRetries      int           // plain retries before burst mode
	QueueSize       int
	TestMode        bool // run jobs inline, no dispatcher goroutine
}

// DefaultConfig returns the slave timings the relay boards ship with.
func DefaultConfig() Config {
	return Config{
		Unit:            1,
		PulseDuration:   400 * time.Millisecond,
		CommandInterval: 300 * time.Millisecond,
		BurstInterval:   2 * time.Second,
		BurstDuration:   10 * time.Second,
		MaxRetries:      2,
		QueueSize:       32,
	}
}

// BulkResult summarises a bulk open.
type BulkResult struct {
	Total     int   `json:"total"`
	Success   int   `json:"success"`
	FailedIDs []int `json:"failed_ids"`
}

// Status is the instantaneous hardware health snapshot.
type Status struct {
	Available   bool        `json:"available"`
	Diagnostics Diagnostics `json:"diagnostics"`
}

// Diagnostics carries the executor counters.
type Diagnostics struct {
	ErrorRate  float64 `json:"error_rate"`
	Attempts   uint64  `json:"attempts"`
	Failures   uint64  `json:"failures"`
	QueueDepth int     `json:"queue_depth"`
}

type openJob struct {
	lockerID int
	result   chan openResult
}

type openResult struct {
	success  bool
	attempts int
	err      error
}

// Executor serializes relay operations on the shared bus. Submitters wait on
// a per-job result channel; the dispatcher applies jobs in submission order.
type Executor struct {
	cfg     Config
	port    Port
	events  locker.EventSink
	recover StateRecoverer
	logger  zerolog.Logger

	jobs   chan *openJob
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	opens    atomic.Uint64
	failures atomic.Uint64
}

// New creates an executor over the given port. events and recoverer may be
// nil (tests, diagnostics tools).
func New(cfg Config, port Port, events locker.EventSink, recoverer StateRecoverer) *Executor {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultConfig().QueueSize
	}
	if events == nil {
		events = locker.NopEventSink{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Executor{
		cfg:     cfg,
		port:    port,
		events:  events,
		recover: recoverer,
		logger:  log.WithComponent("modbus").With().Str(log.FieldKioskID, cfg.KioskID).Logger(),
		jobs:    make(chan *openJob, cfg.QueueSize),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start launches the bus dispatcher. In test mode there is no dispatcher;
// jobs run inline on the submitting goroutine.
func (e *Executor) Start() {
	if e.cfg.TestMode {
		return
	}
	e.logger.Info().
		Dur("pulse_duration", e.cfg.PulseDuration).
		Dur("command_interval", e.cfg.CommandInterval).
		Msg("bus dispatcher started")
	e.wg.Add(1)
	go e.dispatch()
}

// Stop cancels in-flight work and waits for the dispatcher to exit.
func (e *Executor) Stop() {
	e.cancel()
	e.wg.Wait()
}

func (e *Executor) dispatch() {
	defer e.wg.Done()
	defer e.drainJobs()

	var lastCommand time.Time
	for {
		select {
		case <-e.ctx.Done():
			return
		case job := <-e.jobs:
			queueDepth.Dec()

			// Respect slave timing: commands on the bus are spaced by at
			// least CommandInterval.
			if wait := e.cfg.CommandInterval - time.Since(lastCommand); wait > 0 {
				select {
				case <-time.After(wait):
				case <-e.ctx.Done():
					job.result <- openResult{err: e.ctx.Err()}
					return
				}
			}

			res := e.execute(e.ctx, job.lockerID)
			lastCommand = time.Now()
			job.result <- res
		}
	}
}

// drainJobs fails every job still queued when the dispatcher exits, so no
// submitter is left waiting after Stop. Result channels are buffered; the
// sends never block.
func (e *Executor) drainJobs() {
	for {
		select {
		case job := <-e.jobs:
			queueDepth.Dec()
			job.result <- openResult{err: ErrShuttingDown}
		default:
			return
		}
	}
}

// OpenLocker pulses one relay and reports success. Invalid ids fail
// immediately without touching the bus.
func (e *Executor) OpenLocker(ctx context.Context, id int) (bool, error) {
	if id <= 0 {
		return false, nil
	}

	if e.cfg.TestMode {
		res := e.execute(ctx, id)
		return e.finish(ctx, id, res)
	}

	job := &openJob{lockerID: id, result: make(chan openResult, 1)}
	select {
	case e.jobs <- job:
		queueDepth.Inc()
	case <-ctx.Done():
		return false, ctx.Err()
	case <-e.ctx.Done():
		return false, ErrShuttingDown
	}

	select {
	case res := <-job.result:
		return e.finish(ctx, id, res)
	case <-ctx.Done():
		return false, ctx.Err()
	case <-e.ctx.Done():
		return false, ErrShuttingDown
	}
}

// finish emits the failure event or closes a stale Error state.
func (e *Executor) finish(ctx context.Context, id int, res openResult) (bool, error) {
	if res.err != nil && (errors.Is(res.err, ErrShuttingDown) ||
		errors.Is(res.err, context.Canceled) || errors.Is(res.err, context.DeadlineExceeded)) {
		return false, res.err
	}

	if !res.success {
		e.failures.Add(1)
		pulseFailures.Inc()
		e.emitFailure(ctx, id, res)
		return false, nil
	}

	if e.recover != nil {
		// A clean open closes any lingering Error state; the manager's
		// transition table makes this a no-op otherwise.
		if _, err := e.recover.Recover(ctx, e.cfg.KioskID, id, "clean_open"); err != nil {
			e.logger.Warn().Err(err).Int(log.FieldLockerID, id).Msg("error-state recovery failed")
		}
	}
	return true, nil
}

// execute runs the pulse protocol: plain retries first, then burst mode.
func (e *Executor) execute(ctx context.Context, id int) openResult {
	coil := uint16(id - 1) // relay boards map locker 1 to coil 0

	attempts := 0
	var lastErr error

	for try := 0; try <= e.cfg.MaxRetries; try++ {
		attempts++
		if err := e.pulse(ctx, coil); err != nil {
			lastErr = err
			if ctxDone(ctx) {
				return openResult{attempts: attempts, err: ctx.Err()}
			}
			continue
		}
		e.opens.Add(1)
		return openResult{success: true, attempts: attempts}
	}

	// Burst mode: keep pulsing on a fixed cadence for a bounded window.
	burstEntered.Inc()
	e.logger.Warn().
		Int(log.FieldLockerID, id).
		Int("attempts", attempts).
		Err(lastErr).
		Msg("entering burst mode")

	deadline := time.Now().Add(e.cfg.BurstDuration)
	ticker := time.NewTicker(e.cfg.BurstInterval)
	defer ticker.Stop()

	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return openResult{attempts: attempts, err: ctx.Err()}
		case <-ticker.C:
			attempts++
			if err := e.pulse(ctx, coil); err != nil {
				lastErr = err
				continue
			}
			e.opens.Add(1)
			return openResult{success: true, attempts: attempts}
		}
	}

	return openResult{attempts: attempts, err: lastErr}
}

// pulse energises the coil for PulseDuration, then releases it. The release
// write runs even when the energise succeeded but the wait was cancelled, so
// a relay is never left latched.
func (e *Executor) pulse(ctx context.Context, coil uint16) error {
	pulseAttempts.Inc()

	if err := e.port.WriteCoil(ctx, e.cfg.Unit, coil, true); err != nil {
		return err
	}

	select {
	case <-time.After(e.cfg.PulseDuration):
	case <-ctx.Done():
	}

	if err := e.port.WriteCoil(context.WithoutCancel(ctx), e.cfg.Unit, coil, false); err != nil {
		return err
	}
	return ctx.Err()
}

// BulkOpen sequentially opens lockers with a fixed inter-command delay.
func (e *Executor) BulkOpen(ctx context.Context, ids []int, interval time.Duration) BulkResult {
	res := BulkResult{Total: len(ids)}
	for i, id := range ids {
		if i > 0 && interval > 0 {
			select {
			case <-time.After(interval):
			case <-ctx.Done():
				res.FailedIDs = append(res.FailedIDs, ids[i:]...)
				return res
			}
		}
		ok, err := e.OpenLocker(ctx, id)
		if err != nil || !ok {
			res.FailedIDs = append(res.FailedIDs, id)
			continue
		}
		res.Success++
	}
	return res
}

// GetHardwareStatus reports instantaneous executor health.
func (e *Executor) GetHardwareStatus() Status {
	opens := e.opens.Load()
	failures := e.failures.Load()
	total := opens + failures

	rate := 0.0
	if total > 0 {
		rate = float64(failures) / float64(total)
	}

	return Status{
		Available: e.port != nil && rate < 0.5,
		Diagnostics: Diagnostics{
			ErrorRate:  rate,
			Attempts:   total,
			Failures:   failures,
			QueueDepth: len(e.jobs),
		},
	}
}

func (e *Executor) emitFailure(ctx context.Context, id int, res openResult) {
	details, _ := json.Marshal(map[string]any{
		"locker_id":     id,
		"error":         errString(res.err),
		"attempt_count": res.attempts,
	})
	ev := model.Event{
		Timestamp: time.Now(),
		KioskID:   e.cfg.KioskID,
		LockerID:  id,
		Type:      model.EventHardwareFailed,
		Details:   details,
	}
	if err := e.events.Append(ctx, ev); err != nil {
		e.logger.Warn().Err(err).Int(log.FieldLockerID, id).Msg("hardware failure event append failed")
	}
}

func errString(err error) string {
	if err == nil {
		return "no response"
	}
	return err.Error()
}

func ctxDone(ctx context.Context) bool {
	select {
	case <-ctx.Done():
		return true
	default:
		return false
	}
}
