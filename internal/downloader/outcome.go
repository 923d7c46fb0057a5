package downloader

import (
	"sync"
	"sync/atomic"
)

// OutcomeKind classifies how a single item transfer ended.
type OutcomeKind int

const (
	OutcomeSuccess OutcomeKind = iota
	OutcomeSkipped
	OutcomeFailed
	// OutcomeNotStarted means cancellation was observed before the transfer began.
	// The item counts toward neither success nor failure.
	OutcomeNotStarted
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeSkipped:
		return "skipped"
	case OutcomeFailed:
		return "failed"
	case OutcomeNotStarted:
		return "not_started"
	default:
		return "unknown"
	}
}

// Outcome is everything the controller learns about one item. Errors never
// leave the fetcher any other way.
type Outcome struct {
	Item     Item
	Kind     OutcomeKind
	Reason   string // human readable, set for skipped and failed items
	Category string // short label, e.g. "network" or "not_found"
	SavedAs  string // storage key, set on success
	Bytes    int64
}

// CancelToken is a one-way cancellation flag shared by a run's controller and
// its item tasks. Checking it never blocks.
type CancelToken struct {
	flag atomic.Bool
	once sync.Once
	ch   chan struct{}
}

func NewCancelToken() *CancelToken {
	return &CancelToken{ch: make(chan struct{})}
}

// Cancel sets the flag. Calling it more than once is harmless.
func (c *CancelToken) Cancel() {
	c.once.Do(func() {
		c.flag.Store(true)
		close(c.ch)
	})
}

func (c *CancelToken) Cancelled() bool {
	return c.flag.Load()
}

// Done is closed once Cancel has been called.
func (c *CancelToken) Done() <-chan struct{} {
	return c.ch
}
