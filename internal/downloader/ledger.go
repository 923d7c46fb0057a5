package downloader

import (
	"slices"
	"sync"
	"time"
)

// FailureRecord is one failed attempt of one item. Records are never mutated.
type FailureRecord struct {
	Item     Item
	Reason   string
	Category string
	Attempt  int
	RunID    string
	FailedAt time.Time
}

// Ledger keeps failure records across runs so failed items can be retried.
// Records of an item are dropped once it succeeds or is skipped; a repeated
// failure appends a new record next to the old ones.
type Ledger struct {
	mu      sync.RWMutex
	records []FailureRecord
}

func NewLedger() *Ledger {
	return &Ledger{}
}

func (l *Ledger) Append(rec FailureRecord) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.records = append(l.records, rec)
}

// Resolve drops every record of id.
func (l *Ledger) Resolve(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.records = slices.DeleteFunc(l.records, func(r FailureRecord) bool {
		return r.Item.ID == id
	})
}

// Records returns a copy of all records, oldest first.
func (l *Ledger) Records() []FailureRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()

	return slices.Clone(l.records)
}

// Pending returns the latest record of every distinct item in the ledger,
// ordered by each item's first failure.
func (l *Ledger) Pending() []FailureRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()

	index := make(map[string]int)

	var pending []FailureRecord

	for _, r := range l.records {
		if i, ok := index[r.Item.ID]; ok {
			if r.Attempt >= pending[i].Attempt {
				pending[i] = r
			}

			continue
		}

		index[r.Item.ID] = len(pending)
		pending = append(pending, r)
	}

	return pending
}

// Attempts returns the highest attempt number recorded for id, 0 if none.
func (l *Ledger) Attempts(id string) int {
	l.mu.RLock()
	defer l.mu.RUnlock()

	attempts := 0

	for _, r := range l.records {
		if r.Item.ID == id && r.Attempt > attempts {
			attempts = r.Attempt
		}
	}

	return attempts
}

// Retryable returns the pending items that have not used up maxAttempts.
// maxAttempts 0 means unbounded.
func (l *Ledger) Retryable(maxAttempts int) []FailureRecord {
	pending := l.Pending()
	if maxAttempts <= 0 {
		return pending
	}

	return slices.DeleteFunc(pending, func(r FailureRecord) bool {
		return r.Attempt >= maxAttempts
	})
}
