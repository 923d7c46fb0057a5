package downloader

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/italolelis/bulk_downloader/internal/logctx"
	"github.com/italolelis/bulk_downloader/internal/storage"
	"github.com/italolelis/bulk_downloader/internal/telemetry"
	"github.com/italolelis/bulk_downloader/internal/transfer"
)

var (
	ErrRunActive         = errors.New("a run is already active")
	ErrNoActiveRun       = errors.New("no active run")
	ErrInvalidTransition = errors.New("invalid run state transition")
	ErrNothingToRetry    = errors.New("no failed items eligible for retry")
	ErrShuttingDown      = errors.New("controller is shutting down")
)

const finishedBuffer = 8

// Options tunes wave processing.
type Options struct {
	WaveSize    int
	WaveDelay   time.Duration
	MaxAttempts int // 0 means unbounded
}

// StartRequest is the command that begins a run.
type StartRequest struct {
	Items    []Item
	Label    string
	WaveSize int // 0 uses the controller default
}

// Controller drives batch runs wave by wave. At most one run is active at a time.
// History, progress and ledger are mutated only by the goroutine executing the run.
type Controller struct {
	history    storage.HistoryStore
	reconciler transfer.Reconciler
	fetcher    ItemFetcher
	ledger     *Ledger
	telemetry  *telemetry.Telemetry
	opts       Options
	now        func() time.Time
	newID      func() string

	ctx  context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	startMu sync.Mutex
	mu      sync.Mutex
	current *Run
	closed  bool

	OnRunFinished chan Summary
}

// NewController creates a controller. Runs execute under a context detached
// from ctx's cancellation but carrying its values; Shutdown ends them.
// reconciler may be nil, in which case nothing is treated as recently downloaded.
func NewController(
	ctx context.Context,
	history storage.HistoryStore,
	reconciler transfer.Reconciler,
	fetcher ItemFetcher,
	opts Options,
	tel *telemetry.Telemetry,
) *Controller {
	if opts.WaveSize <= 0 {
		opts.WaveSize = 10
	}

	runCtx, stop := context.WithCancel(context.WithoutCancel(ctx))

	return &Controller{
		history:       history,
		reconciler:    reconciler,
		fetcher:       fetcher,
		ledger:        NewLedger(),
		telemetry:     tel,
		opts:          opts,
		now:           time.Now,
		newID:         uuid.NewString,
		ctx:           runCtx,
		stop:          stop,
		OnRunFinished: make(chan Summary, finishedBuffer),
	}
}

// Start reconciles and plans req.Items and begins processing them in the
// background. It returns once the run is Running.
func (c *Controller) Start(ctx context.Context, req StartRequest) (*Run, error) {
	waveSize := req.WaveSize
	if waveSize == 0 {
		waveSize = c.opts.WaveSize
	}

	if waveSize < 0 {
		return nil, ErrInvalidWaveSize
	}

	c.startMu.Lock()
	defer c.startMu.Unlock()

	if err := c.checkIdle(); err != nil {
		return nil, err
	}

	items, err := c.plan(ctx, req.Items)
	if err != nil {
		return nil, err
	}

	run := newRun(c.newID(), req.Label, waveSize, items, false, c.now)
	for _, item := range items {
		run.attempts[item.ID] = c.ledger.Attempts(item.ID) + 1
	}

	if err := c.launch(run); err != nil {
		return nil, err
	}

	return run, nil
}

// Retry starts a new run over the failed items of the ledger that have
// attempts left. Only allowed after a run completed.
func (c *Controller) Retry(ctx context.Context) (*Run, error) {
	c.startMu.Lock()
	defer c.startMu.Unlock()

	c.mu.Lock()
	current, closed := c.current, c.closed
	c.mu.Unlock()

	if closed {
		return nil, ErrShuttingDown
	}

	if current != nil {
		status := current.Status()
		if !status.Terminal() {
			return nil, ErrRunActive
		}

		if status != StatusCompleted {
			return nil, fmt.Errorf("%w: retry is only possible after a completed run", ErrInvalidTransition)
		}
	}

	retryable := c.ledger.Retryable(c.opts.MaxAttempts)
	if len(retryable) == 0 {
		return nil, ErrNothingToRetry
	}

	candidates := make([]Item, len(retryable))
	for i, rec := range retryable {
		candidates[i] = rec.Item
	}

	items, err := c.plan(ctx, candidates)
	if err != nil {
		return nil, err
	}

	// obtained in the meantime, no longer a failure
	planned := make(map[string]struct{}, len(items))
	for _, item := range items {
		planned[item.ID] = struct{}{}
	}

	for _, item := range candidates {
		if _, ok := planned[item.ID]; !ok {
			c.ledger.Resolve(item.ID)
		}
	}

	waveSize := c.opts.WaveSize
	if current != nil {
		waveSize = current.WaveSize
	}

	label := "retry"
	if current != nil && current.Label != "" {
		label = current.Label + " (retry)"
	}

	run := newRun(c.newID(), label, waveSize, items, true, c.now)
	for _, rec := range retryable {
		run.attempts[rec.Item.ID] = rec.Attempt + 1
	}

	if err := c.launch(run); err != nil {
		return nil, err
	}

	return run, nil
}

// Pause stops new waves from starting. The wave in flight finishes.
func (c *Controller) Pause() error {
	run, err := c.activeRun()
	if err != nil {
		return err
	}

	return run.pause()
}

// Resume lets a paused run continue with its next wave.
func (c *Controller) Resume() error {
	run, err := c.activeRun()
	if err != nil {
		return err
	}

	return run.unpause()
}

// Cancel requests cooperative cancellation of the active run. Items already
// transferring finish; nothing else starts.
func (c *Controller) Cancel() error {
	run, err := c.activeRun()
	if err != nil {
		return err
	}

	return run.cancel()
}

// Current returns a snapshot of the most recent run.
func (c *Controller) Current() (RunSnapshot, bool) {
	c.mu.Lock()
	run := c.current
	c.mu.Unlock()

	if run == nil {
		return RunSnapshot{}, false
	}

	snap := run.Snapshot()
	snap.RetryAvailable = snap.Status == StatusCompleted && len(c.ledger.Retryable(c.opts.MaxAttempts)) > 0

	return snap, true
}

// Failures returns every failure record still held by the ledger.
func (c *Controller) Failures() []FailureRecord {
	return c.ledger.Records()
}

// ClearHistory empties the history store. Refused while a run is active.
func (c *Controller) ClearHistory(ctx context.Context) error {
	c.startMu.Lock()
	defer c.startMu.Unlock()

	if err := c.checkIdle(); err != nil {
		return err
	}

	if err := c.history.Clear(ctx); err != nil {
		return fmt.Errorf("failed to clear history: %w", err)
	}

	logctx.LoggerFromContext(ctx).InfoContext(ctx, "download history cleared")

	return nil
}

// Shutdown cancels the active run and waits for it to wind down. When ctx
// expires first, in-flight transfers are aborted.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	c.closed = true
	run := c.current
	c.mu.Unlock()

	if run != nil {
		_ = run.cancel()
	}

	done := make(chan struct{})

	go func() {
		c.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		c.stop()

		return nil
	case <-ctx.Done():
		c.stop()
		<-done

		return fmt.Errorf("forced shutdown of active run: %w", ctx.Err())
	}
}

func (c *Controller) checkIdle() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrShuttingDown
	}

	if c.current != nil && !c.current.Status().Terminal() {
		return ErrRunActive
	}

	return nil
}

func (c *Controller) activeRun() (*Run, error) {
	c.mu.Lock()
	run := c.current
	c.mu.Unlock()

	if run == nil || run.Status().Terminal() {
		return nil, ErrNoActiveRun
	}

	return run, nil
}

// plan validates the candidates, asks the reconciler once and filters.
func (c *Controller) plan(ctx context.Context, candidates []Item) ([]Item, error) {
	logger := logctx.LoggerFromContext(ctx)

	// validate before spending a remote call
	if _, err := Plan(candidates, nil, nil); err != nil {
		return nil, err
	}

	recent := map[string]bool{}

	if c.reconciler != nil && len(candidates) > 0 {
		ids := make([]string, 0, len(candidates))
		for _, item := range candidates {
			if !c.history.Contains(item.ID) {
				ids = append(ids, item.ID)
			}
		}

		if len(ids) > 0 {
			got, err := c.reconciler.CheckRecentlyDownloaded(ctx, ids)
			if err != nil {
				logger.WarnContext(ctx, "failed to reconcile recent downloads, proceeding without", "err", err)
			} else {
				recent = got
			}
		}
	}

	items, err := Plan(candidates, c.history, recent)
	if err != nil {
		return nil, err
	}

	logger.DebugContext(ctx, "planned run", "candidates", len(candidates), "available", len(items))

	return items, nil
}

func (c *Controller) launch(run *Run) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrShuttingDown
	}

	if err := run.transition(StatusRunning); err != nil {
		return err
	}

	c.current = run
	c.wg.Add(1)

	go c.execute(run)

	return nil
}

func (c *Controller) execute(run *Run) {
	defer c.wg.Done()
	defer close(run.done)

	ctx := logctx.WithRunID(c.ctx, run.ID)
	ctx, span := c.telemetry.Tracer().Start(ctx, "batch_run", trace.WithAttributes(
		attribute.Int("run.items", len(run.Items)),
		attribute.Int("run.wave_size", run.WaveSize),
		attribute.Bool("run.retry", run.Retry),
	))
	defer span.End()

	logger := logctx.LoggerFromContext(ctx)

	c.telemetry.RunStarted()

	logger.InfoContext(ctx, "run started",
		"label", run.Label,
		"items", len(run.Items),
		"wave_size", run.WaveSize,
		"waves", run.waveCount,
		"retry", run.Retry)

	waves, _ := Waves(run.Items, run.WaveSize)

	for i, wave := range waves {
		if run.token.Cancelled() {
			break
		}

		run.waitWhilePaused(ctx)

		if run.token.Cancelled() || ctx.Err() != nil {
			break
		}

		run.setWave(i + 1)
		c.dispatchWave(ctx, run, i+1, wave)

		if i < len(waves)-1 && !c.delay(ctx, run) {
			break
		}
	}

	status := run.complete(ctx, c.now)
	if status == StatusCancelled {
		run.progress.Truncate()
	}

	c.telemetry.RunFinished(string(status))
	span.SetAttributes(attribute.String("run.status", string(status)))

	summary := run.Summary()
	summary.RetryAvailable = status == StatusCompleted && len(c.ledger.Retryable(c.opts.MaxAttempts)) > 0

	logger.InfoContext(ctx, "run finished",
		"status", status,
		"total", summary.Total,
		"completed", summary.Completed,
		"failed", summary.Failed,
		"skipped", summary.Skipped,
		"elapsed", summary.Elapsed)

	select {
	case c.OnRunFinished <- summary:
	default:
		logger.WarnContext(ctx, "run summary dropped, no listener")
	}
}

// dispatchWave starts every item of the wave at once and applies outcomes as
// they arrive. It returns when the whole wave has resolved.
func (c *Controller) dispatchWave(ctx context.Context, run *Run, number int, wave []Item) {
	logger := logctx.LoggerFromContext(ctx)

	ctx, span := c.telemetry.Tracer().Start(ctx, "wave", trace.WithAttributes(
		attribute.Int("wave.number", number),
		attribute.Int("wave.size", len(wave)),
	))
	defer span.End()

	logger.InfoContext(ctx, "wave started", "wave", number, "wave_size", len(wave))

	results := make(chan Outcome, len(wave))

	var g errgroup.Group

	for _, item := range wave {
		g.Go(func() error {
			results <- c.fetcher.Fetch(ctx, item, run.token)

			return nil
		})
	}

	go func() {
		_ = g.Wait()
		close(results)
	}()

	for out := range results {
		c.apply(ctx, run, out)
	}

	c.telemetry.RecordWave()

	snap := run.progress.Snapshot()
	logger.InfoContext(ctx, "wave finished",
		"wave", number,
		"completed", snap.Completed,
		"failed", snap.Failed,
		"skipped", snap.Skipped,
		"total", snap.Total,
		"percent", snap.Percent,
		"remaining", snap.Remaining.Round(time.Second))
}

// apply records one outcome. Only the run goroutine calls it.
func (c *Controller) apply(ctx context.Context, run *Run, out Outcome) {
	logger := logctx.LoggerFromContext(ctx).With("item_id", out.Item.ID)

	switch out.Kind {
	case OutcomeSuccess:
		if err := c.history.Add(ctx, out.Item.ID); err != nil {
			logger.ErrorContext(ctx, "failed to record item in history", "err", err)
		}

		c.ledger.Resolve(out.Item.ID)
		run.addBytes(out.Bytes)
	case OutcomeSkipped:
		c.ledger.Resolve(out.Item.ID)
	case OutcomeFailed:
		rec := FailureRecord{
			Item:     out.Item,
			Reason:   out.Reason,
			Category: out.Category,
			Attempt:  max(run.attempts[out.Item.ID], 1),
			RunID:    run.ID,
			FailedAt: c.now(),
		}

		c.ledger.Append(rec)
		run.addFailure(rec)
	case OutcomeNotStarted:
		logger.DebugContext(ctx, "item not started, run cancelled")

		return
	}

	run.progress.Record(out.Kind, out.Item.Label())
}

// delay waits between waves. It returns false when the run was cancelled meanwhile.
func (c *Controller) delay(ctx context.Context, run *Run) bool {
	if c.opts.WaveDelay <= 0 {
		return !run.token.Cancelled()
	}

	timer := time.NewTimer(c.opts.WaveDelay)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case <-run.token.Done():
		return false
	case <-ctx.Done():
		return false
	}
}
