package downloader

import (
	"math"
	"sync"
	"time"
)

// ProgressSnapshot is a consistent copy of a run's counters.
type ProgressSnapshot struct {
	Total        int
	Completed    int
	Failed       int
	Skipped      int
	CurrentLabel string
	Percent      int
	Elapsed      time.Duration
	Remaining    time.Duration
}

// Resolved is the number of items with a final outcome.
func (s ProgressSnapshot) Resolved() int {
	return s.Completed + s.Failed + s.Skipped
}

// Progress holds the counters of one run. The controller goroutine is the only
// writer; readers take snapshots.
type Progress struct {
	mu  sync.Mutex
	now func() time.Time

	startedAt    time.Time
	total        int
	completed    int
	failed       int
	skipped      int
	currentLabel string
	remaining    time.Duration
}

func NewProgress(total int, now func() time.Time) *Progress {
	if now == nil {
		now = time.Now
	}

	return &Progress{
		now:       now,
		startedAt: now(),
		total:     total,
	}
}

// Record counts a resolved item. Not-started outcomes are ignored.
func (p *Progress) Record(kind OutcomeKind, label string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.completed+p.failed+p.skipped >= p.total {
		return
	}

	switch kind {
	case OutcomeSuccess:
		p.completed++
		p.remaining = p.estimate()
	case OutcomeFailed:
		p.failed++
	case OutcomeSkipped:
		p.skipped++
	default:
		return
	}

	p.currentLabel = label
}

// Truncate shrinks total to the number of resolved items. Used when a run is
// cancelled and the remaining items are never started.
func (p *Progress) Truncate() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.total = p.completed + p.failed + p.skipped
	p.remaining = 0
}

func (p *Progress) Snapshot() ProgressSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	return ProgressSnapshot{
		Total:        p.total,
		Completed:    p.completed,
		Failed:       p.failed,
		Skipped:      p.skipped,
		CurrentLabel: p.currentLabel,
		Percent:      p.percent(),
		Elapsed:      p.now().Sub(p.startedAt),
		Remaining:    p.remaining,
	}
}

func (p *Progress) percent() int {
	if p.total == 0 {
		return 100
	}

	return int(math.Round(float64(p.completed) / float64(p.total) * 100))
}

// estimate extrapolates linearly from the time spent so far.
func (p *Progress) estimate() time.Duration {
	elapsed := p.now().Sub(p.startedAt)
	left := p.total - p.completed

	return time.Duration(float64(elapsed) * float64(left) / float64(max(p.completed, 1)))
}
