package downloader

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
)

// Status is the lifecycle state of a run.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCancelled Status = "cancelled"
	StatusCompleted Status = "completed"
)

var transitions = map[Status][]Status{
	StatusIdle:      {StatusRunning},
	StatusRunning:   {StatusPaused, StatusCompleted, StatusCancelled},
	StatusPaused:    {StatusRunning, StatusCancelled},
	StatusCompleted: {},
	StatusCancelled: {},
}

// CanTransition reports whether the state machine allows moving from s to next.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}

	return false
}

// Terminal reports whether no further work happens in this state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

// Run is one batch run. Counters and status belong to the run alone and are
// reset only by starting a new run.
type Run struct {
	ID        string
	Label     string
	WaveSize  int
	Items     []Item
	StartedAt time.Time
	Retry     bool

	token    *CancelToken
	progress *Progress
	attempts map[string]int
	done     chan struct{}

	mu         sync.Mutex
	status     Status
	resume     chan struct{}
	wave       int
	waveCount  int
	bytes      int64
	failures   []FailureRecord
	finishedAt time.Time
}

func newRun(id, label string, waveSize int, items []Item, retry bool, now func() time.Time) *Run {
	return &Run{
		ID:        id,
		Label:     label,
		WaveSize:  waveSize,
		Items:     items,
		StartedAt: now(),
		Retry:     retry,
		token:     NewCancelToken(),
		progress:  NewProgress(len(items), now),
		attempts:  make(map[string]int, len(items)),
		done:      make(chan struct{}),
		status:    StatusIdle,
		waveCount: WaveCount(len(items), waveSize),
	}
}

// Done is closed when the run reaches a terminal state.
func (r *Run) Done() <-chan struct{} {
	return r.done
}

func (r *Run) Status() Status {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.status
}

func (r *Run) transition(next Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.transitionLocked(next)
}

func (r *Run) transitionLocked(next Status) error {
	if !r.status.CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, r.status, next)
	}

	r.status = next

	return nil
}

func (r *Run) pause() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.token.Cancelled() {
		return fmt.Errorf("%w: run is being cancelled", ErrInvalidTransition)
	}

	if err := r.transitionLocked(StatusPaused); err != nil {
		return err
	}

	r.resume = make(chan struct{})

	return nil
}

func (r *Run) unpause() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	// the run may have finished since the caller looked it up
	if r.status != StatusPaused {
		return fmt.Errorf("%w: cannot resume a %s run", ErrInvalidTransition, r.status)
	}

	if err := r.transitionLocked(StatusRunning); err != nil {
		return err
	}

	close(r.resume)
	r.resume = nil

	return nil
}

func (r *Run) cancel() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.status.Terminal() || r.status == StatusIdle {
		return fmt.Errorf("%w: cannot cancel a %s run", ErrInvalidTransition, r.status)
	}

	r.token.Cancel()

	return nil
}

// waitWhilePaused blocks until the run is resumed or cancelled.
func (r *Run) waitWhilePaused(ctx context.Context) {
	for {
		r.mu.Lock()
		if r.status != StatusPaused {
			r.mu.Unlock()

			return
		}

		resume := r.resume
		r.mu.Unlock()

		select {
		case <-resume:
		case <-r.token.Done():
			return
		case <-ctx.Done():
			return
		}
	}
}

func (r *Run) setWave(n int) {
	r.mu.Lock()
	r.wave = n
	r.mu.Unlock()
}

func (r *Run) addBytes(n int64) {
	r.mu.Lock()
	r.bytes += n
	r.mu.Unlock()
}

func (r *Run) addFailure(rec FailureRecord) {
	r.mu.Lock()
	r.failures = append(r.failures, rec)
	r.mu.Unlock()
}

// complete moves the run into its terminal state and returns it. A paused run
// is only completed after it has been resumed; cancellation or a dead context
// ends it as cancelled.
func (r *Run) complete(ctx context.Context, now func() time.Time) Status {
	for {
		r.waitWhilePaused(ctx)

		r.mu.Lock()

		stopped := r.token.Cancelled() || ctx.Err() != nil
		if r.status == StatusPaused && !stopped {
			// paused again between the wait and the lock
			r.mu.Unlock()

			continue
		}

		next := StatusCompleted
		if stopped {
			next = StatusCancelled
		}

		r.status = next
		r.finishedAt = now()

		if r.resume != nil {
			close(r.resume)
			r.resume = nil
		}

		r.mu.Unlock()

		return next
	}
}

// RunSnapshot is a point-in-time view of a run.
type RunSnapshot struct {
	ID              string
	Label           string
	Status          Status
	Retry           bool
	CancelRequested bool
	WaveSize        int
	Wave            int
	WaveCount       int
	StartedAt       time.Time
	FinishedAt      time.Time
	Bytes           int64
	Progress        ProgressSnapshot
	Failures        []FailureRecord
	RetryAvailable  bool
}

func (r *Run) Snapshot() RunSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	return RunSnapshot{
		ID:              r.ID,
		Label:           r.Label,
		Status:          r.status,
		Retry:           r.Retry,
		CancelRequested: r.token.Cancelled(),
		WaveSize:        r.WaveSize,
		Wave:            r.wave,
		WaveCount:       r.waveCount,
		StartedAt:       r.StartedAt,
		FinishedAt:      r.finishedAt,
		Bytes:           r.bytes,
		Progress:        r.progress.Snapshot(),
		Failures:        append([]FailureRecord(nil), r.failures...),
	}
}

// Summary is the final account of a run.
type Summary struct {
	RunID          string
	Label          string
	Status         Status
	Total          int
	Completed      int
	Failed         int
	Skipped        int
	Bytes          int64
	Elapsed        time.Duration
	RetryAvailable bool
}

func (r *Run) Summary() Summary {
	snap := r.Snapshot()

	elapsed := snap.Progress.Elapsed
	if !snap.FinishedAt.IsZero() {
		elapsed = snap.FinishedAt.Sub(snap.StartedAt)
	}

	return Summary{
		RunID:     snap.ID,
		Label:     snap.Label,
		Status:    snap.Status,
		Total:     snap.Progress.Total,
		Completed: snap.Progress.Completed,
		Failed:    snap.Progress.Failed,
		Skipped:   snap.Progress.Skipped,
		Bytes:     snap.Bytes,
		Elapsed:   elapsed,
	}
}

func (s Summary) String() string {
	label := s.Label
	if label == "" {
		label = s.RunID
	}

	msg := fmt.Sprintf("Run %q %s: %d downloaded, %d skipped, %d failed of %d (%s in %s)",
		label, s.Status, s.Completed, s.Skipped, s.Failed, s.Total,
		humanize.Bytes(uint64(s.Bytes)), s.Elapsed.Round(time.Second))

	if s.RetryAvailable {
		msg += "; failed items can be retried"
	}

	return msg
}
