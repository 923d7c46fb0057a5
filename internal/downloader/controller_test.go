package downloader

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/bulk_downloader/internal/storage"
)

const waitTimeout = 5 * time.Second

// scriptedFetcher resolves items according to a per-id script. When gate is
// set every transfer blocks on it after announcing itself on started.
type scriptedFetcher struct {
	mu       sync.Mutex
	calls    map[string]int
	script   func(id string, call int) OutcomeKind
	gate     chan struct{}
	started  chan string
	inFlight []string
}

func newScriptedFetcher(buffer int) *scriptedFetcher {
	return &scriptedFetcher{
		calls:   make(map[string]int),
		started: make(chan string, buffer),
	}
}

func (f *scriptedFetcher) Fetch(ctx context.Context, item Item, token *CancelToken) Outcome {
	if token.Cancelled() || ctx.Err() != nil {
		return Outcome{Item: item, Kind: OutcomeNotStarted}
	}

	f.mu.Lock()
	f.calls[item.ID]++
	call := f.calls[item.ID]
	f.inFlight = append(f.inFlight, item.ID)
	f.mu.Unlock()

	f.started <- item.ID

	if f.gate != nil {
		select {
		case <-f.gate:
		case <-ctx.Done():
			return Outcome{Item: item, Kind: OutcomeFailed, Reason: ctx.Err().Error(), Category: "network"}
		}
	}

	kind := OutcomeSuccess
	if f.script != nil {
		kind = f.script(item.ID, call)
	}

	out := Outcome{Item: item, Kind: kind}
	if kind == OutcomeFailed {
		out.Reason = "origin said no"
		out.Category = "network"
	}

	return out
}

func (f *scriptedFetcher) callCount(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.calls[id]
}

func (f *scriptedFetcher) totalCalls() int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return len(f.inFlight)
}

type stubReconciler struct {
	recent map[string]bool
	err    error
	calls  int
	asked  []string
}

func (s *stubReconciler) CheckRecentlyDownloaded(_ context.Context, ids []string) (map[string]bool, error) {
	s.calls++
	s.asked = append([]string(nil), ids...)

	return s.recent, s.err
}

func newTestController(t *testing.T, fetcher ItemFetcher, reconciler *stubReconciler, opts Options) (*Controller, *storage.MemoryHistory) {
	t.Helper()

	history := storage.NewMemoryHistory()

	if reconciler == nil {
		reconciler = &stubReconciler{}
	}

	c := NewController(context.Background(), history, reconciler, fetcher, opts, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), waitTimeout)
		defer cancel()

		_ = c.Shutdown(ctx)
	})

	return c, history
}

func waitDone(t *testing.T, run *Run) {
	t.Helper()

	select {
	case <-run.Done():
	case <-time.After(waitTimeout):
		t.Fatalf("run %s did not finish, status %s", run.ID, run.Status())
	}
}

func waitStarted(t *testing.T, f *scriptedFetcher, n int) []string {
	t.Helper()

	var got []string

	for len(got) < n {
		select {
		case id := <-f.started:
			got = append(got, id)
		case <-time.After(waitTimeout):
			t.Fatalf("only %d of %d transfers started", len(got), n)
		}
	}

	return got
}

func assertNoStart(t *testing.T, f *scriptedFetcher, wait time.Duration) {
	t.Helper()

	select {
	case id := <-f.started:
		t.Fatalf("unexpected transfer of %s", id)
	case <-time.After(wait):
	}
}

func TestController_CompletesAllWaves(t *testing.T) {
	fetcher := newScriptedFetcher(64)
	fetcher.script = func(id string, _ int) OutcomeKind {
		switch id {
		case "item-04":
			return OutcomeFailed
		case "item-07":
			return OutcomeSkipped
		default:
			return OutcomeSuccess
		}
	}

	c, history := newTestController(t, fetcher, nil, Options{WaveSize: 3, WaveDelay: time.Millisecond})

	run, err := c.Start(context.Background(), StartRequest{Items: makeItems(8), Label: "album"})
	require.NoError(t, err)
	waitDone(t, run)

	snap := run.Snapshot()
	assert.Equal(t, StatusCompleted, snap.Status)
	assert.Equal(t, 3, snap.WaveCount)
	assert.Equal(t, 3, snap.Wave)
	assert.Equal(t, 8, snap.Progress.Total)
	assert.Equal(t, 6, snap.Progress.Completed)
	assert.Equal(t, 1, snap.Progress.Failed)
	assert.Equal(t, 1, snap.Progress.Skipped)
	assert.Equal(t, snap.Progress.Total, snap.Progress.Resolved())

	assert.True(t, history.Contains("item-01"))
	assert.False(t, history.Contains("item-04"), "failed items are not recorded")
	assert.False(t, history.Contains("item-07"), "skipped items are not recorded")
	assert.Equal(t, 6, history.Len())

	failures := c.Failures()
	require.Len(t, failures, 1)
	assert.Equal(t, "item-04", failures[0].Item.ID)
	assert.Equal(t, 1, failures[0].Attempt)
	assert.Equal(t, run.ID, failures[0].RunID)

	current, ok := c.Current()
	require.True(t, ok)
	assert.True(t, current.RetryAvailable)

	select {
	case summary := <-c.OnRunFinished:
		assert.Equal(t, run.ID, summary.RunID)
		assert.Equal(t, StatusCompleted, summary.Status)
		assert.Equal(t, 1, summary.Failed)
		assert.True(t, summary.RetryAvailable)
	case <-time.After(waitTimeout):
		t.Fatal("no summary published")
	}
}

func TestController_WavesAreBarriers(t *testing.T) {
	fetcher := newScriptedFetcher(64)
	fetcher.gate = make(chan struct{})

	c, _ := newTestController(t, fetcher, nil, Options{WaveSize: 4})

	run, err := c.Start(context.Background(), StartRequest{Items: makeItems(6)})
	require.NoError(t, err)

	first := waitStarted(t, fetcher, 4)
	assert.ElementsMatch(t, []string{"item-01", "item-02", "item-03", "item-04"}, first)

	// the second wave waits for the whole first one
	assertNoStart(t, fetcher, 100*time.Millisecond)

	close(fetcher.gate)

	second := waitStarted(t, fetcher, 2)
	assert.ElementsMatch(t, []string{"item-05", "item-06"}, second)

	waitDone(t, run)
	assert.Equal(t, StatusCompleted, run.Status())
}

func TestController_CancelDuringFirstWave(t *testing.T) {
	fetcher := newScriptedFetcher(64)
	fetcher.gate = make(chan struct{})

	c, _ := newTestController(t, fetcher, nil, Options{WaveSize: 10, WaveDelay: time.Millisecond})

	run, err := c.Start(context.Background(), StartRequest{Items: makeItems(25)})
	require.NoError(t, err)

	waitStarted(t, fetcher, 10)
	require.NoError(t, c.Cancel())

	snap := run.Snapshot()
	assert.True(t, snap.CancelRequested)
	assert.Equal(t, StatusRunning, snap.Status, "in-flight wave keeps the run running")

	close(fetcher.gate)
	waitDone(t, run)

	snap = run.Snapshot()
	assert.Equal(t, StatusCancelled, snap.Status)
	assert.Equal(t, 10, snap.Progress.Total)
	assert.Equal(t, 10, snap.Progress.Resolved())
	assert.Equal(t, 10, fetcher.totalCalls(), "no item of a later wave was dispatched")
	assert.Equal(t, 1, snap.Wave)

	_, err = c.Retry(context.Background())
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestController_CancelMidWaveExcludesUnstartedItems(t *testing.T) {
	fetcher := newScriptedFetcher(64)
	fetcher.gate = make(chan struct{})

	// item-03 and item-04 are dispatched with the first wave but reach their
	// cancellation check only after the cancel
	hold := make(chan struct{})
	late := map[string]bool{"item-03": true, "item-04": true}

	wrapped := FetcherFunc(func(ctx context.Context, item Item, token *CancelToken) Outcome {
		if late[item.ID] {
			<-hold
		}

		return fetcher.Fetch(ctx, item, token)
	})

	c, history := newTestController(t, wrapped, nil, Options{WaveSize: 4})

	run, err := c.Start(context.Background(), StartRequest{Items: makeItems(8)})
	require.NoError(t, err)

	started := waitStarted(t, fetcher, 2)
	assert.ElementsMatch(t, []string{"item-01", "item-02"}, started)

	require.NoError(t, c.Cancel())
	close(hold)
	close(fetcher.gate)
	waitDone(t, run)

	snap := run.Snapshot()
	assert.Equal(t, StatusCancelled, snap.Status)
	assert.Equal(t, 2, snap.Progress.Total, "items that never started are not counted")
	assert.Equal(t, 2, snap.Progress.Completed)
	assert.Equal(t, snap.Progress.Total, snap.Progress.Completed+snap.Progress.Failed+snap.Progress.Skipped)
	assert.Equal(t, 100, snap.Progress.Percent)

	assert.Equal(t, 2, fetcher.totalCalls())
	assert.Zero(t, fetcher.callCount("item-03"))
	assert.Zero(t, fetcher.callCount("item-05"), "no later wave was dispatched")
	assert.Empty(t, c.Failures(), "unstarted items are not failures")

	assert.True(t, history.Contains("item-01"))
	assert.False(t, history.Contains("item-03"))
}

func TestController_PauseBlocksNextWave(t *testing.T) {
	fetcher := newScriptedFetcher(64)
	fetcher.gate = make(chan struct{})

	c, _ := newTestController(t, fetcher, nil, Options{WaveSize: 10})

	run, err := c.Start(context.Background(), StartRequest{Items: makeItems(20)})
	require.NoError(t, err)

	waitStarted(t, fetcher, 10)
	require.NoError(t, c.Pause())
	assert.Equal(t, StatusPaused, run.Status())
	assert.ErrorIs(t, c.Pause(), ErrInvalidTransition)

	// pausing never interrupts the wave in flight
	close(fetcher.gate)
	require.Eventually(t, func() bool {
		return run.Snapshot().Progress.Resolved() == 10
	}, waitTimeout, 5*time.Millisecond)

	assertNoStart(t, fetcher, 150*time.Millisecond)
	assert.Equal(t, StatusPaused, run.Status())

	require.NoError(t, c.Resume())
	assert.ErrorIs(t, c.Resume(), ErrInvalidTransition)

	waitStarted(t, fetcher, 10)
	waitDone(t, run)

	snap := run.Snapshot()
	assert.Equal(t, StatusCompleted, snap.Status)
	assert.Equal(t, 20, snap.Progress.Completed)
}

func TestController_CancelWhilePaused(t *testing.T) {
	fetcher := newScriptedFetcher(64)
	fetcher.gate = make(chan struct{})

	c, _ := newTestController(t, fetcher, nil, Options{WaveSize: 2})

	run, err := c.Start(context.Background(), StartRequest{Items: makeItems(6)})
	require.NoError(t, err)

	waitStarted(t, fetcher, 2)
	require.NoError(t, c.Pause())
	close(fetcher.gate)

	require.Eventually(t, func() bool {
		return run.Snapshot().Progress.Resolved() == 2
	}, waitTimeout, 5*time.Millisecond)

	require.NoError(t, c.Cancel())
	waitDone(t, run)

	snap := run.Snapshot()
	assert.Equal(t, StatusCancelled, snap.Status)
	assert.Equal(t, 2, snap.Progress.Total)
	assert.Equal(t, 2, fetcher.totalCalls())
}

func TestController_SecondRunSkipsHistory(t *testing.T) {
	fetcher := newScriptedFetcher(64)
	c, _ := newTestController(t, fetcher, nil, Options{WaveSize: 10})

	items := makeItems(4)

	run, err := c.Start(context.Background(), StartRequest{Items: items})
	require.NoError(t, err)
	waitDone(t, run)

	again, err := c.Start(context.Background(), StartRequest{Items: items})
	require.NoError(t, err)
	waitDone(t, again)

	snap := again.Snapshot()
	assert.Equal(t, StatusCompleted, snap.Status)
	assert.Zero(t, snap.Progress.Total)
	assert.Equal(t, 100, snap.Progress.Percent)
	assert.Equal(t, 4, fetcher.totalCalls())
}

func TestController_ReconcilerFiltersAndFailsOpen(t *testing.T) {
	t.Run("recent items are excluded", func(t *testing.T) {
		fetcher := newScriptedFetcher(64)
		reconciler := &stubReconciler{recent: map[string]bool{"item-02": true}}
		c, history := newTestController(t, fetcher, reconciler, Options{WaveSize: 10})

		require.NoError(t, history.Add(context.Background(), "item-03"))

		run, err := c.Start(context.Background(), StartRequest{Items: makeItems(4)})
		require.NoError(t, err)
		waitDone(t, run)

		assert.Equal(t, 1, reconciler.calls)
		assert.Equal(t, []string{"item-01", "item-02", "item-04"}, reconciler.asked)
		assert.Equal(t, 2, run.Snapshot().Progress.Total)
		assert.Zero(t, fetcher.callCount("item-02"))
	})

	t.Run("errors are ignored", func(t *testing.T) {
		fetcher := newScriptedFetcher(64)
		reconciler := &stubReconciler{err: errors.New("origin down")}
		c, _ := newTestController(t, fetcher, reconciler, Options{WaveSize: 10})

		run, err := c.Start(context.Background(), StartRequest{Items: makeItems(4)})
		require.NoError(t, err)
		waitDone(t, run)

		assert.Equal(t, 4, run.Snapshot().Progress.Total)
		assert.Equal(t, StatusCompleted, run.Status())
	})
}

func TestController_PlanExample(t *testing.T) {
	fetcher := newScriptedFetcher(64)
	reconciler := &stubReconciler{recent: map[string]bool{"item-10": true, "item-20": true}}
	c, history := newTestController(t, fetcher, reconciler, Options{WaveSize: 10})

	require.NoError(t, history.AddAll(context.Background(), []string{"item-01", "item-02", "item-03"}))

	run, err := c.Start(context.Background(), StartRequest{Items: makeItems(23)})
	require.NoError(t, err)
	waitDone(t, run)

	snap := run.Snapshot()
	assert.Equal(t, 18, snap.Progress.Total)
	assert.Equal(t, 2, snap.WaveCount)
	assert.Equal(t, 18, snap.Progress.Completed)
}

func TestController_RetryFailedItems(t *testing.T) {
	fetcher := newScriptedFetcher(64)
	fetcher.script = func(id string, call int) OutcomeKind {
		if id == "item-02" && call == 1 {
			return OutcomeFailed
		}

		return OutcomeSuccess
	}

	c, history := newTestController(t, fetcher, nil, Options{WaveSize: 10, MaxAttempts: 3})

	run, err := c.Start(context.Background(), StartRequest{Items: makeItems(3), Label: "folder"})
	require.NoError(t, err)
	waitDone(t, run)
	require.Equal(t, 1, run.Snapshot().Progress.Failed)

	retry, err := c.Retry(context.Background())
	require.NoError(t, err)
	waitDone(t, retry)

	snap := retry.Snapshot()
	assert.True(t, snap.Retry)
	assert.Equal(t, "folder (retry)", snap.Label)
	assert.Equal(t, 1, snap.Progress.Total)
	assert.Equal(t, 1, snap.Progress.Completed)

	// succeeded items were never re-attempted
	assert.Equal(t, 1, fetcher.callCount("item-01"))
	assert.Equal(t, 2, fetcher.callCount("item-02"))
	assert.True(t, history.Contains("item-02"))
	assert.Empty(t, c.Failures())

	_, err = c.Retry(context.Background())
	assert.ErrorIs(t, err, ErrNothingToRetry)
}

func TestController_RetryRespectsMaxAttempts(t *testing.T) {
	fetcher := newScriptedFetcher(64)
	fetcher.script = func(id string, _ int) OutcomeKind {
		if id == "item-01" {
			return OutcomeFailed
		}

		return OutcomeSuccess
	}

	c, _ := newTestController(t, fetcher, nil, Options{WaveSize: 10, MaxAttempts: 2})

	run, err := c.Start(context.Background(), StartRequest{Items: makeItems(2)})
	require.NoError(t, err)
	waitDone(t, run)

	retry, err := c.Retry(context.Background())
	require.NoError(t, err)
	waitDone(t, retry)

	failures := c.Failures()
	require.Len(t, failures, 2, "each attempt keeps its own record")
	assert.Equal(t, 1, failures[0].Attempt)
	assert.Equal(t, 2, failures[1].Attempt)

	current, ok := c.Current()
	require.True(t, ok)
	assert.False(t, current.RetryAvailable)

	_, err = c.Retry(context.Background())
	assert.ErrorIs(t, err, ErrNothingToRetry)
}

func TestController_StateErrors(t *testing.T) {
	fetcher := newScriptedFetcher(64)
	fetcher.gate = make(chan struct{})

	c, _ := newTestController(t, fetcher, nil, Options{WaveSize: 5})

	assert.ErrorIs(t, c.Pause(), ErrNoActiveRun)
	assert.ErrorIs(t, c.Resume(), ErrNoActiveRun)
	assert.ErrorIs(t, c.Cancel(), ErrNoActiveRun)

	_, ok := c.Current()
	assert.False(t, ok)

	_, err := c.Retry(context.Background())
	assert.ErrorIs(t, err, ErrNothingToRetry)

	_, err = c.Start(context.Background(), StartRequest{Items: []Item{{ID: ""}}})
	assert.ErrorIs(t, err, ErrInvalidItem)

	_, err = c.Start(context.Background(), StartRequest{Items: makeItems(1), WaveSize: -1})
	assert.ErrorIs(t, err, ErrInvalidWaveSize)

	run, err := c.Start(context.Background(), StartRequest{Items: makeItems(3)})
	require.NoError(t, err)

	_, err = c.Start(context.Background(), StartRequest{Items: makeItems(3)})
	assert.ErrorIs(t, err, ErrRunActive)

	_, err = c.Retry(context.Background())
	assert.ErrorIs(t, err, ErrRunActive)

	assert.ErrorIs(t, c.ClearHistory(context.Background()), ErrRunActive)
	assert.ErrorIs(t, c.Resume(), ErrInvalidTransition)

	close(fetcher.gate)
	waitDone(t, run)

	assert.ErrorIs(t, c.Cancel(), ErrNoActiveRun)
	assert.NoError(t, c.ClearHistory(context.Background()))
}

func TestController_ShutdownForcesInFlight(t *testing.T) {
	fetcher := newScriptedFetcher(64)
	fetcher.gate = make(chan struct{}) // never released

	history := storage.NewMemoryHistory()
	c := NewController(context.Background(), history, nil, fetcher, Options{WaveSize: 3}, nil)

	run, err := c.Start(context.Background(), StartRequest{Items: makeItems(6)})
	require.NoError(t, err)
	waitStarted(t, fetcher, 3)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err = c.Shutdown(ctx)
	require.Error(t, err)
	waitDone(t, run)

	snap := run.Snapshot()
	assert.Equal(t, StatusCancelled, snap.Status)
	assert.Equal(t, 3, snap.Progress.Total)
	assert.Equal(t, 3, snap.Progress.Failed)

	_, err = c.Start(context.Background(), StartRequest{Items: makeItems(1)})
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestRun_UnpauseAfterCompletion(t *testing.T) {
	fetcher := newScriptedFetcher(64)
	c, _ := newTestController(t, fetcher, nil, Options{WaveSize: 2})

	run, err := c.Start(context.Background(), StartRequest{Items: makeItems(2)})
	require.NoError(t, err)
	waitDone(t, run)
	require.Equal(t, StatusCompleted, run.Status())

	// a resume that looked the run up before it finished
	assert.NotPanics(t, func() {
		assert.ErrorIs(t, run.unpause(), ErrInvalidTransition)
	})
	assert.Equal(t, StatusCompleted, run.Status())
	assert.ErrorIs(t, run.transition(StatusRunning), ErrInvalidTransition)

	// the controller is still usable
	next, err := c.Start(context.Background(), StartRequest{Items: makeItems(3)})
	require.NoError(t, err)
	waitDone(t, next)
	assert.Equal(t, StatusCompleted, next.Status())
}

func TestRun_UnpauseRequiresPaused(t *testing.T) {
	run := newRun("r", "", 2, makeItems(2), false, time.Now)
	assert.ErrorIs(t, run.unpause(), ErrInvalidTransition)

	require.NoError(t, run.transition(StatusRunning))
	assert.ErrorIs(t, run.unpause(), ErrInvalidTransition)
	assert.Equal(t, StatusRunning, run.Status())

	require.NoError(t, run.pause())
	require.NoError(t, run.unpause())
	assert.Equal(t, StatusRunning, run.Status())
}

func TestStatus_Transitions(t *testing.T) {
	tests := []struct {
		from, to Status
		ok       bool
	}{
		{StatusIdle, StatusRunning, true},
		{StatusRunning, StatusPaused, true},
		{StatusPaused, StatusRunning, true},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusCancelled, true},
		{StatusPaused, StatusCancelled, true},
		{StatusCompleted, StatusRunning, false},
		{StatusIdle, StatusPaused, false},
		{StatusPaused, StatusCompleted, false},
		{StatusCancelled, StatusRunning, false},
		{StatusCompleted, StatusPaused, false},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.ok, tt.from.CanTransition(tt.to), "%s -> %s", tt.from, tt.to)
	}
}

func TestSummary_String(t *testing.T) {
	s := Summary{RunID: "r1", Label: "Top 100", Status: StatusCompleted, Total: 10, Completed: 7, Failed: 2, Skipped: 1, Elapsed: 90 * time.Second, RetryAvailable: true}

	msg := s.String()
	assert.Contains(t, msg, `Run "Top 100" completed: 7 downloaded, 1 skipped, 2 failed of 10`)
	assert.Contains(t, msg, "can be retried")
}
