// Package orchestrator implements the central state machine that drives
// one event from ingestion to terminal state: it composes the Scorer,
// Triage, Deep-Analysis Gate, Remediation Gate, Notifier, and Alert
// Store, applying the retry, idempotency, and routing contracts that bind
// them together.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/lvonguyen/sentineldrift/internal/config"
	"github.com/lvonguyen/sentineldrift/internal/dlq"
	"github.com/lvonguyen/sentineldrift/internal/pipeline/analysis"
	"github.com/lvonguyen/sentineldrift/internal/pipeline/bus"
	"github.com/lvonguyen/sentineldrift/internal/pipeline/event"
	"github.com/lvonguyen/sentineldrift/internal/pipeline/notify"
	"github.com/lvonguyen/sentineldrift/internal/pipeline/remediate"
	"github.com/lvonguyen/sentineldrift/internal/pipeline/scorer"
	"github.com/lvonguyen/sentineldrift/internal/pipeline/store"
	"github.com/lvonguyen/sentineldrift/internal/pipeline/triage"
	"github.com/lvonguyen/sentineldrift/internal/ratelimit"
)

// Metrics is the subset of observability counters the orchestrator
// increments directly; its stages carry their own Metrics interfaces.
type Metrics interface {
	IncCompleted(status string)
	ObserveEventDuration(d time.Duration)
	IncSLOViolation()
	SetInFlight(n int)
	SetDLQDepth(n int)
	IncTriageBand(band string)
	IncStoreUpsert(status string)
	IncStoreUnavailable()
}

// NoopMetrics discards all counter increments; useful in tests.
type NoopMetrics struct{}

func (NoopMetrics) IncCompleted(string)                {}
func (NoopMetrics) ObserveEventDuration(time.Duration) {}
func (NoopMetrics) IncSLOViolation()                   {}
func (NoopMetrics) SetInFlight(int)                    {}
func (NoopMetrics) SetDLQDepth(int)                    {}
func (NoopMetrics) IncTriageBand(string)                {}
func (NoopMetrics) IncStoreUpsert(string)               {}
func (NoopMetrics) IncStoreUnavailable()                {}

// storeRetry* mirror the ML oracle's fixed backoff schedule (scorer.DefaultConfig):
// initial 200ms, factor 2, 4 attempts, 5s overall budget. The store retry on
// the finalize path reuses the same shape rather than a separate schedule.
const (
	storeRetryInitialBackoff = 200 * time.Millisecond
	storeRetryMultiplier     = 2
	storeRetryMaxAttempts    = 4
	storeRetryBudget         = 5 * time.Second
)

// stageError carries the pipeline stage an unhandled error originated in
// and the DLQ reason it should be filed under, so deadLetter never has to
// guess at either.
type stageError struct {
	stage  string
	reason dlq.Reason
	err    error
}

func (e *stageError) Error() string { return e.err.Error() }
func (e *stageError) Unwrap() error { return e.err }

// Orchestrator wires the pipeline's stages together and drives events
// through them.
type Orchestrator struct {
	bus         *bus.Bus
	scorerStage *scorer.Scorer
	analysis    *analysis.Gate
	remediation *remediate.Gate
	notifier    *notify.Notifier
	store       store.Store
	dlqSink     dlq.Sink
	cfg         *config.Live
	logger      *zap.Logger
	metrics     Metrics

	mlSem       *ratelimit.Semaphore
	llmSem      *ratelimit.Semaphore
	effectorSem *ratelimit.Semaphore

	inFlight atomic.Int64
	wg       sync.WaitGroup
	draining atomic.Bool
}

// Deps bundles the Orchestrator's collaborators.
type Deps struct {
	Bus         *bus.Bus
	Scorer      *scorer.Scorer
	Analysis    *analysis.Gate
	Remediation *remediate.Gate
	Notifier    *notify.Notifier
	Store       store.Store
	DLQ         dlq.Sink
	Config      *config.Live
	Logger      *zap.Logger
	Metrics     Metrics
}

// New creates an Orchestrator.
func New(deps Deps) *Orchestrator {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Metrics == nil {
		deps.Metrics = NoopMetrics{}
	}

	concurrency := deps.Config.Get().Pipeline.OracleConcurrency
	return &Orchestrator{
		bus:         deps.Bus,
		scorerStage: deps.Scorer,
		analysis:    deps.Analysis,
		remediation: deps.Remediation,
		notifier:    deps.Notifier,
		store:       deps.Store,
		dlqSink:     deps.DLQ,
		cfg:         deps.Config,
		logger:      deps.Logger,
		metrics:     deps.Metrics,
		mlSem:       ratelimit.NewSemaphore(concurrency),
		llmSem:      ratelimit.NewSemaphore(concurrency),
		effectorSem: ratelimit.NewSemaphore(concurrency),
	}
}

// Run starts one consumer goroutine per bus partition, each owning a
// bounded pool of worker goroutines so that messages within a partition
// are handed off in enqueue order while still processing concurrently
// across partitions. Run blocks until ctx is canceled, then drains:
// in-flight tasks run to terminal state or to their own deadline before
// Run returns.
func (o *Orchestrator) Run(ctx context.Context) {
	perPartitionWorkers := maxInt(1, o.cfg.Get().Pipeline.MaxConcurrentEvents/o.bus.NumPartitions())

	var consumers sync.WaitGroup
	for p := 0; p < o.bus.NumPartitions(); p++ {
		consumers.Add(1)
		go o.consumePartition(ctx, p, perPartitionWorkers, &consumers)
	}

	<-ctx.Done()
	o.draining.Store(true)
	consumers.Wait()
	o.wg.Wait()
}

// consumePartition reads one partition's channel with a bounded worker
// pool, preserving per-partition enqueue order per worker slot while
// letting up to perPartitionWorkers events from the same partition
// overlap once they reach a suspending stage.
func (o *Orchestrator) consumePartition(ctx context.Context, partition, workers int, done *sync.WaitGroup) {
	defer done.Done()

	sem := ratelimit.NewSemaphore(workers)
	ch := o.bus.Consume(partition)

	dispatch := func(msg bus.Message) {
		if o.bus.Stale(msg) {
			return
		}

		// Take the worker slot here, on the partition's consumer loop, so
		// events start in enqueue order. Acquire against an uncancelable
		// context: a message already dequeued must drain to its own
		// terminal state even after shutdown begins, not be abandoned
		// mid-queue for the worker pool's slot.
		_ = sem.Acquire(context.WithoutCancel(ctx))

		o.wg.Add(1)
		o.inFlight.Add(1)
		o.metrics.SetInFlight(int(o.inFlight.Load()))

		go func(e *event.Event) {
			defer o.wg.Done()
			defer sem.Release()
			defer func() {
				o.inFlight.Add(-1)
				o.metrics.SetInFlight(int(o.inFlight.Load()))
			}()

			o.process(context.WithoutCancel(ctx), e)
		}(msg.Event)
	}

	for {
		select {
		case <-ctx.Done():
			// A message already sitting on this partition's buffered
			// channel is owed processing, not silent abandonment: drain
			// whatever is there non-blockingly before returning, so the
			// at-least-once guarantee holds across shutdown too.
			for {
				select {
				case msg, ok := <-ch:
					if !ok {
						return
					}
					dispatch(msg)
				default:
					return
				}
			}
		case msg, ok := <-ch:
			if !ok {
				return
			}
			dispatch(msg)
		}
	}
}

// process drives a single event from SCORED through to a terminal state,
// applying the end-to-end deadline and catching any unhandled error so
// the alert is still written with whatever enrichment exists.
func (o *Orchestrator) process(parent context.Context, e *event.Event) {
	start := time.Now()
	deadline := o.cfg.Get().Pipeline.EventDeadline
	ctx, cancel := context.WithTimeout(parent, deadline)
	defer cancel()

	alert := &event.Alert{Event: *e}

	logger := o.logger.With(zap.String("event_id", e.EventID))

	defer func() {
		if r := recover(); r != nil {
			logger.Error("unhandled panic in orchestrator, routing to DLQ", zap.String("stage", "process"), zap.Any("panic", r))
			o.deadLetter(parent, alert, "process", dlq.ReasonUnhandledError, fmt.Sprintf("panic: %v", r))
		}
	}()

	if err := o.runStages(ctx, alert, logger); err != nil {
		if errors.Is(err, event.ErrDeadlineExceeded) {
			logger.Warn("event exceeded end-to-end deadline, short-circuiting optional stages")
			o.metrics.IncSLOViolation()
			alert.Status = event.StatusStoredOnly
			o.finalize(parent, alert, logger)
		} else {
			stage, reason := "unknown", dlq.ReasonUnhandledError
			var se *stageError
			if errors.As(err, &se) {
				stage, reason = se.stage, se.reason
			}
			logger.Error("unhandled stage error, routing to DLQ", zap.String("stage", stage), zap.Error(err))
			o.deadLetter(parent, alert, stage, reason, err.Error())
		}
	}

	o.metrics.ObserveEventDuration(time.Since(start))
	o.metrics.IncCompleted(string(alert.Status))
}

// runStages executes Scorer -> Triage -> gates -> Notifier -> Store in
// order, honoring the end-to-end deadline at each suspension point.
func (o *Orchestrator) runStages(ctx context.Context, alert *event.Alert, logger *zap.Logger) error {
	if ctx.Err() != nil {
		return event.ErrDeadlineExceeded
	}

	var ml *event.MLEnrichment
	err := o.mlSem.Do(ctx, func() error {
		var scoreErr error
		ml, scoreErr = o.scorerStage.Score(ctx, &alert.Event)
		return scoreErr
	})
	if err != nil {
		return &stageError{stage: "scorer", reason: dlq.ReasonScorerPermanent, err: err} // permanent scorer failure: caller routes to DLQ
	}
	alert.ML = ml

	// Triage is a pure, non-suspending computation and always runs, even
	// past the end-to-end deadline: only the optional oracle-backed gates
	// below are short-circuited once the budget is exhausted.
	alert.Triage = triage.Triage(&alert.Event, alert.ML)
	o.metrics.IncTriageBand(string(alert.Triage.PriorityBand))

	if ctx.Err() != nil {
		alert.Status = event.StatusStoredOnly
		return event.ErrDeadlineExceeded
	}

	cfg := o.cfg.Get().Pipeline
	policyOff := cfg.ActionPolicy == config.ActionPolicyOff
	policyFull := cfg.ActionPolicy == config.ActionPolicyFull

	if ctx.Err() == nil && analysis.Fires(alert.Triage.PriorityScore, cfg.WarnThreshold, policyOff) {
		o.llmSem.Do(ctx, func() error {
			alert.Analysis = o.analysis.Analyze(ctx, analysis.Prompt{Event: &alert.Event, ML: alert.ML, Triage: alert.Triage})
			return nil
		})
	}

	remediationFailed := false
	// Safety invariant: re-read the action policy at decision time so an
	// operator dialing FULL down to NOTIFY_ONLY mid-flight is honored.
	policyFull = o.cfg.Get().Pipeline.ActionPolicy == config.ActionPolicyFull
	if ctx.Err() == nil && remediate.Fires(alert.Triage.PriorityScore, o.cfg.Get().Pipeline.RemediateThreshold, policyFull) {
		o.effectorSem.Do(ctx, func() error {
			alert.Remediation = o.remediation.Remediate(ctx, &alert.Event)
			return nil
		})
		remediationFailed = alert.Remediation != nil && alert.Remediation.Outcome == event.RemediationFailed
	}

	notified := false
	if notify.Fires(alert.Triage.PriorityScore, o.cfg.Get().Pipeline.WarnThreshold, remediationFailed) {
		if err := o.notifier.Notify(ctx, alert); err != nil {
			logger.Warn("notification publish failed", zap.Error(err))
		} else {
			notified = true
		}
	}

	alert.Status = terminalStatus(alert, notified)

	if ctx.Err() != nil {
		alert.Status = event.StatusStoredOnly
		return event.ErrDeadlineExceeded
	}

	o.finalize(context.WithoutCancel(ctx), alert, logger)
	return nil
}

func terminalStatus(alert *event.Alert, notified bool) event.Status {
	if alert.Remediation != nil && alert.Remediation.Outcome == event.RemediationSucceeded {
		return event.StatusRemediated
	}
	if notified {
		return event.StatusNotified
	}
	return event.StatusStoredOnly
}

// finalize writes the alert to the store with the same bounded exponential
// backoff schedule as the ML oracle (storeRetry* above); on exhaustion the
// alert is filed on the DLQ sink with reason store_unavailable. That is the
// same sink that holds the other dead-lettered alerts; there is no separate
// store-failure DLQ.
func (o *Orchestrator) finalize(ctx context.Context, alert *event.Alert, logger *zap.Logger) {
	ttl := o.cfg.Get().Pipeline.StoreTTL
	perAttemptDeadline := o.cfg.Get().Oracles.StoreDeadline

	budgetCtx, cancel := context.WithTimeout(ctx, storeRetryBudget)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = storeRetryInitialBackoff
	b.Multiplier = storeRetryMultiplier
	b.MaxElapsedTime = storeRetryBudget

	attempts := 0
	operation := func() error {
		attempts++
		storeCtx, cancel := context.WithTimeout(budgetCtx, perAttemptDeadline)
		defer cancel()

		err := o.store.Put(storeCtx, alert, ttl)
		if err == nil {
			return nil
		}
		if attempts >= storeRetryMaxAttempts {
			return backoff.Permanent(err)
		}
		return err
	}

	if err := backoff.Retry(operation, backoff.WithContext(b, budgetCtx)); err != nil {
		cause := unwrapPermanent(err)
		logger.Error("store unavailable after bounded retry, routing to persistent DLQ", zap.Error(cause))
		o.metrics.IncStoreUnavailable()
		o.dlqSink.Put(ctx, dlq.Entry{Alert: alert, Reason: dlq.ReasonStoreUnavailable, Stage: "store", Detail: cause.Error()})
		o.metrics.SetDLQDepth(o.dlqSink.Depth())
		return
	}

	o.metrics.IncStoreUpsert(string(alert.Status))
}

func unwrapPermanent(err error) error {
	var permErr *backoff.PermanentError
	if errors.As(err, &permErr) {
		return permErr.Err
	}
	return err
}

// deadLetter routes an alert to DEAD_LETTERED and still attempts to write
// whatever enrichment it accumulated to the store, per the error
// handling design's "written to the store as much as possible" policy.
func (o *Orchestrator) deadLetter(ctx context.Context, alert *event.Alert, stage string, reason dlq.Reason, detail string) {
	alert.Status = event.StatusDeadLettered
	o.dlqSink.Put(ctx, dlq.Entry{Alert: alert, Reason: reason, Stage: stage, Detail: detail})
	o.metrics.SetDLQDepth(o.dlqSink.Depth())

	storeCtx, cancel := context.WithTimeout(ctx, o.cfg.Get().Oracles.StoreDeadline)
	defer cancel()
	_ = o.store.Put(storeCtx, alert, o.cfg.Get().Pipeline.StoreTTL)
}

// ReplayFromDLQ re-submits a dead-lettered entry as a fresh execution
// attempt by re-enqueueing its underlying event onto the bus. It is an
// explicit operator-invoked action, not an automatic retry: it does not
// bypass the deadline, gating, or monotonic-status rules a normal
// ingestion would go through, and the re-enqueued event starts a brand
// new Alert rather than resuming the dead-lettered one in place.
func (o *Orchestrator) ReplayFromDLQ(ctx context.Context, entry dlq.Entry) error {
	if entry.Alert == nil {
		return fmt.Errorf("replay entry has no alert")
	}
	replay := entry.Alert.Event
	return o.bus.Enqueue(ctx, &replay)
}

// InFlight reports the current count of events owned by an orchestrator
// task, for the operational health surface.
func (o *Orchestrator) InFlight() int {
	return int(o.inFlight.Load())
}

// Draining reports whether the orchestrator has begun shutting down.
func (o *Orchestrator) Draining() bool {
	return o.draining.Load()
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}
