// Package engine drains the local operation queue against the remote
// sync service. Cycles are single-flight: triggers arriving while a
// cycle runs coalesce into at most one follow-up cycle. Within a cycle
// each entity's operations are transmitted strictly in insertion order;
// distinct entities sync concurrently under a bounded semaphore.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openrounds/fieldsync/internal/bus"
	"github.com/openrounds/fieldsync/internal/capture"
	"github.com/openrounds/fieldsync/internal/otel"
	"github.com/openrounds/fieldsync/internal/queue"
	"github.com/openrounds/fieldsync/internal/remote"
	"github.com/openrounds/fieldsync/internal/verify"
)

// Remote is the slice of the sync service the engine transmits through.
// *remote.Client satisfies it.
type Remote interface {
	Submit(ctx context.Context, op queue.Operation) (*remote.SubmitResult, error)
}

// Detector records server conflict verdicts. *conflict.Detector
// satisfies it.
type Detector interface {
	Record(ctx context.Context, op queue.Operation, verdict *remote.SubmitResult) (string, error)
}

// Verifier runs the post-cycle integrity gate. *verify.Verifier
// satisfies it.
type Verifier interface {
	Verify(ctx context.Context, cycleID string, applied []queue.Operation) (verify.Report, error)
}

// Tunables are the engine's runtime knobs. Zero values fall back to
// defaults.
type Tunables struct {
	Concurrency int           // concurrent entity groups, default 4
	BatchSize   int           // operations per cycle, default 100
	MaxAttempts int           // attempts before failed, default 5
	BackoffMin  time.Duration // first retry delay, default 1s
	BackoffMax  time.Duration // retry delay cap, default 60s
}

func (t Tunables) withDefaults() Tunables {
	if t.Concurrency <= 0 {
		t.Concurrency = 4
	}
	if t.BatchSize <= 0 {
		t.BatchSize = 100
	}
	if t.MaxAttempts <= 0 {
		t.MaxAttempts = 5
	}
	if t.BackoffMin <= 0 {
		t.BackoffMin = time.Second
	}
	if t.BackoffMax <= 0 {
		t.BackoffMax = 60 * time.Second
	}
	return t
}

// Options holds the dependencies for the sync engine.
type Options struct {
	Store     *queue.Store
	Remote    Remote
	Detector  Detector
	Verifier  Verifier
	Validator *capture.Validator
	Bus       *bus.Bus
	Logger    *slog.Logger
	Metrics   *otel.Metrics
	Tunables  Tunables
}

// Engine owns the sync loop.
type Engine struct {
	store     *queue.Store
	remote    Remote
	detector  Detector
	verifier  Verifier
	validator *capture.Validator
	bus       *bus.Bus
	logger    *slog.Logger
	metrics   *otel.Metrics

	mu        sync.Mutex
	tunables  Tunables
	online    bool
	lastDepth int64
	last      *Result

	// trigger has capacity 1 so bursts of triggers collapse into one
	// pending cycle.
	trigger chan struct{}
	cycleMu sync.Mutex

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an Engine. It starts offline; callers flip connectivity
// with SetOnline.
func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:     opts.Store,
		remote:    opts.Remote,
		detector:  opts.Detector,
		verifier:  opts.Verifier,
		validator: opts.Validator,
		bus:       opts.Bus,
		logger:    logger,
		metrics:   opts.Metrics,
		tunables:  opts.Tunables.withDefaults(),
		trigger:   make(chan struct{}, 1),
	}
}

// Start begins the sync loop. It runs in a background goroutine and
// respects the provided context for shutdown.
func (e *Engine) Start(ctx context.Context) {
	ctx, e.cancel = context.WithCancel(ctx)
	e.wg.Add(1)
	go e.loop(ctx)
	e.logger.Info("sync engine started")
}

// Stop cancels the sync loop and waits for it to exit.
func (e *Engine) Stop() {
	if e.cancel != nil {
		e.cancel()
	}
	e.wg.Wait()
	e.logger.Info("sync engine stopped")
}

// TriggerSync requests a cycle. It never blocks; while a cycle is
// running, any number of triggers collapse into a single follow-up.
func (e *Engine) TriggerSync() {
	select {
	case e.trigger <- struct{}{}:
	default:
	}
}

// SetOnline records a connectivity change. Coming back online triggers
// a cycle immediately.
func (e *Engine) SetOnline(online bool) {
	e.mu.Lock()
	changed := e.online != online
	e.online = online
	e.mu.Unlock()
	if !changed {
		return
	}
	e.logger.Info("connectivity changed", "online", online)
	if e.bus != nil {
		e.bus.Publish(bus.TopicConnectivity, bus.ConnectivityEvent{Online: online})
	}
	if online {
		e.TriggerSync()
	}
}

// Online reports the current connectivity flag.
func (e *Engine) Online() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.online
}

// SetTunables replaces the runtime knobs, normalizing zero values. Used
// by config hot reload.
func (e *Engine) SetTunables(t Tunables) {
	e.mu.Lock()
	e.tunables = t.withDefaults()
	e.mu.Unlock()
}

// LastResult returns the most recent cycle's result, or nil before the
// first cycle.
func (e *Engine) LastResult() *Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.last
}

func (e *Engine) loop(ctx context.Context) {
	defer e.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.trigger:
			if _, err := e.SyncNow(ctx); err != nil && ctx.Err() == nil {
				e.logger.Error("sync cycle failed", "error", err)
			}
		}
	}
}

// SyncNow runs one cycle synchronously and returns its result. Cycles
// never overlap; a concurrent caller waits for the running cycle to
// finish before starting its own.
func (e *Engine) SyncNow(ctx context.Context) (Result, error) {
	e.cycleMu.Lock()
	defer e.cycleMu.Unlock()

	e.mu.Lock()
	online := e.online
	cfg := e.tunables
	e.mu.Unlock()

	res := Result{
		CycleID:            uuid.NewString(),
		StartedAt:          time.Now().UTC(),
		ChecksumValid:      true,
		VerificationPassed: true,
	}
	if !online {
		e.logger.Debug("sync skipped while offline", "cycle_id", res.CycleID)
		res.FinishedAt = time.Now().UTC()
		return res, nil
	}

	if e.bus != nil {
		e.bus.Publish(bus.TopicSyncCycleStarted, res.CycleID)
	}

	batch, err := e.store.DequeueBatch(ctx, "", cfg.BatchSize)
	if err != nil {
		return res, fmt.Errorf("dequeue batch: %w", err)
	}

	applied := e.drain(ctx, cfg, batch, &res)

	if e.verifier != nil && len(applied) > 0 {
		report, err := e.verifier.Verify(ctx, res.CycleID, applied)
		if err != nil {
			res.Errors = append(res.Errors, fmt.Sprintf("verify: %v", err))
			res.ChecksumValid = false
			res.VerificationPassed = false
		} else {
			res.ChecksumValid = report.ChecksumValid
			res.VerificationPassed = report.Passed()
			for _, id := range report.Missing {
				res.Errors = append(res.Errors, fmt.Sprintf("operation %s missing after sync", id))
			}
		}
	}

	stats, err := e.store.Stats(ctx)
	if err == nil {
		res.Remaining = stats.Queued
	}

	res.FinishedAt = time.Now().UTC()
	e.record(ctx, res, stats.Queued)

	e.mu.Lock()
	e.last = &res
	e.mu.Unlock()

	e.logger.Info("sync cycle finished",
		"cycle_id", res.CycleID,
		"synced", res.Synced,
		"conflicted", res.Conflicted,
		"failed", res.Failed,
		"retried", res.Retried,
		"quarantined", res.Quarantined,
		"remaining", res.Remaining,
		"checksum_valid", res.ChecksumValid,
		"fully_synced", res.FullySynced(),
	)
	if e.bus != nil {
		e.bus.Publish(bus.TopicSyncResult, res)
	}
	return res, nil
}

// drain transmits the batch, one goroutine per entity group, and
// returns the operations the server confirmed applied, in queue order.
func (e *Engine) drain(ctx context.Context, cfg Tunables, batch []queue.Operation, res *Result) []queue.Operation {
	groups := make(map[string][]queue.Operation)
	order := make([]string, 0, len(batch))
	for _, op := range batch {
		if _, seen := groups[op.EntityRef]; !seen {
			order = append(order, op.EntityRef)
		}
		groups[op.EntityRef] = append(groups[op.EntityRef], op)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		applied []queue.Operation
		sem     = make(chan struct{}, cfg.Concurrency)
	)
	for _, ref := range order {
		group := groups[ref]
		wg.Add(1)
		sem <- struct{}{}
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			done := e.syncEntity(ctx, cfg, group, res, &mu)
			mu.Lock()
			applied = append(applied, done...)
			mu.Unlock()
		}()
	}
	wg.Wait()

	sort.Slice(applied, func(i, j int) bool { return applied[i].Seq < applied[j].Seq })
	return applied
}

// syncEntity transmits one entity's operations in order. The first
// conflict, exhausted retry or transport error stops the group; later
// operations wait behind it so the entity's edit order survives.
func (e *Engine) syncEntity(ctx context.Context, cfg Tunables, group []queue.Operation, res *Result, mu *sync.Mutex) []queue.Operation {
	var applied []queue.Operation
	for _, op := range group {
		if ctx.Err() != nil {
			return applied
		}

		blocked, err := e.store.HasEarlierBlocked(ctx, op.EntityRef, op.Seq)
		if err != nil {
			e.noteError(res, mu, fmt.Errorf("check predecessors for %s: %w", op.ID, err))
			return applied
		}
		if blocked {
			return applied
		}

		if e.validator != nil {
			if err := e.validator.ValidateOperation(op.Kind, op.Payload); err != nil {
				if qErr := e.store.Quarantine(ctx, op.ID, err.Error()); qErr != nil {
					e.noteError(res, mu, fmt.Errorf("quarantine %s: %w", op.ID, qErr))
					return applied
				}
				e.count(res, mu, func(r *Result) { r.Quarantined++ })
				if e.metrics != nil {
					e.metrics.OpsQuarantined.Add(ctx, 1)
				}
				// A quarantined operation leaves the queue entirely; the
				// entity's remaining edits may proceed.
				continue
			}
		}

		if err := e.store.MarkSyncing(ctx, op.ID); err != nil {
			e.noteError(res, mu, fmt.Errorf("claim %s: %w", op.ID, err))
			return applied
		}

		verdict, err := e.remote.Submit(ctx, op)
		if err != nil {
			e.handleSubmitError(ctx, cfg, op, err, res, mu)
			return applied
		}

		switch verdict.Outcome {
		case remote.OutcomeApplied:
			if err := e.store.MarkSynced(ctx, op.ID); err != nil {
				e.noteError(res, mu, fmt.Errorf("mark synced %s: %w", op.ID, err))
				return applied
			}
			if err := e.store.MarkEvidenceSynced(ctx, op.ID); err != nil {
				e.noteError(res, mu, fmt.Errorf("mark evidence synced %s: %w", op.ID, err))
				return applied
			}
			e.count(res, mu, func(r *Result) { r.Synced++ })
			if e.metrics != nil {
				e.metrics.OpsSynced.Add(ctx, 1)
			}
			applied = append(applied, op)

		case remote.OutcomeConflict:
			if _, err := e.detector.Record(ctx, op, verdict); err != nil {
				e.noteError(res, mu, fmt.Errorf("record conflict %s: %w", op.ID, err))
			}
			e.count(res, mu, func(r *Result) { r.Conflicted++ })
			if e.metrics != nil {
				e.metrics.OpsConflicted.Add(ctx, 1)
			}
			return applied

		case remote.OutcomeRejected:
			// A rejection consumes the retry budget like a transient
			// failure; it is terminal only once the attempts run out.
			e.retryOrFail(ctx, cfg, op, verdict.Reason, res, mu)
			return applied

		default:
			e.noteError(res, mu, fmt.Errorf("operation %s: unknown outcome %q", op.ID, verdict.Outcome))
			return applied
		}
	}
	return applied
}

// handleSubmitError classifies a transport or HTTP error. Transient
// causes reschedule with backoff until the attempt budget runs out;
// anything else fails the operation immediately.
func (e *Engine) handleSubmitError(ctx context.Context, cfg Tunables, op queue.Operation, submitErr error, res *Result, mu *sync.Mutex) {
	transient := remote.IsTransient(submitErr)
	var rErr *remote.Error
	if !errors.As(submitErr, &rErr) {
		// Plain transport failure (connection refused, timeout): the
		// device is likely offline. Retry.
		transient = true
	}
	if !transient {
		e.fail(ctx, op, submitErr.Error(), res, mu)
		return
	}
	e.retryOrFail(ctx, cfg, op, submitErr.Error(), res, mu)
}

// retryOrFail reschedules the operation with backoff, or marks it failed
// once the attempt budget is spent.
func (e *Engine) retryOrFail(ctx context.Context, cfg Tunables, op queue.Operation, cause string, res *Result, mu *sync.Mutex) {
	if op.RetryCount+1 >= cfg.MaxAttempts {
		e.fail(ctx, op, cause, res, mu)
		return
	}

	delay := backoffDelay(cfg, op.RetryCount)
	next := time.Now().UTC().Add(delay)
	if err := e.store.RescheduleRetry(ctx, op.ID, cause, next); err != nil {
		e.noteError(res, mu, fmt.Errorf("reschedule %s: %w", op.ID, err))
		return
	}
	e.count(res, mu, func(r *Result) { r.Retried++ })
	if e.metrics != nil {
		e.metrics.RetriesScheduled.Add(ctx, 1)
	}
	e.logger.Warn("operation rescheduled",
		"operation_id", op.ID,
		"entity_ref", op.EntityRef,
		"attempt", op.RetryCount+1,
		"retry_in", delay,
		"cause", cause,
	)
}

func (e *Engine) fail(ctx context.Context, op queue.Operation, cause string, res *Result, mu *sync.Mutex) {
	if err := e.store.MarkFailed(ctx, op.ID, cause); err != nil {
		e.noteError(res, mu, fmt.Errorf("mark failed %s: %w", op.ID, err))
		return
	}
	e.count(res, mu, func(r *Result) { r.Failed++ })
	if e.metrics != nil {
		e.metrics.OpsFailed.Add(ctx, 1)
	}
	e.logger.Error("operation failed permanently",
		"operation_id", op.ID,
		"entity_ref", op.EntityRef,
		"attempts", op.RetryCount+1,
		"cause", cause,
	)
}

// backoffDelay doubles from BackoffMin per prior attempt, caps at
// BackoffMax, and spreads ±25% so retries from many queued operations
// do not land together.
func backoffDelay(cfg Tunables, retryCount int) time.Duration {
	delay := cfg.BackoffMin
	for i := 0; i < retryCount; i++ {
		delay *= 2
		if delay >= cfg.BackoffMax {
			delay = cfg.BackoffMax
			break
		}
	}
	if delay > cfg.BackoffMax {
		delay = cfg.BackoffMax
	}
	jitter := time.Duration(rand.IntN(int(delay / 2)))
	return delay - delay/4 + jitter
}

func (e *Engine) record(ctx context.Context, res Result, depth int) {
	if e.metrics == nil {
		return
	}
	e.metrics.CycleDuration.Record(ctx, res.FinishedAt.Sub(res.StartedAt).Seconds())
	if !res.ChecksumValid {
		e.metrics.ChecksumFailures.Add(ctx, 1)
	}
	e.mu.Lock()
	delta := int64(depth) - e.lastDepth
	e.lastDepth = int64(depth)
	e.mu.Unlock()
	if delta != 0 {
		e.metrics.QueueDepth.Add(ctx, delta)
	}
}

func (e *Engine) count(res *Result, mu *sync.Mutex, f func(*Result)) {
	mu.Lock()
	f(res)
	mu.Unlock()
}

func (e *Engine) noteError(res *Result, mu *sync.Mutex, err error) {
	e.logger.Error("sync cycle error", "error", err)
	mu.Lock()
	res.Errors = append(res.Errors, err.Error())
	mu.Unlock()
}
