package storage

import (
	"context"
	"sort"
	"sync"
	"time"
)

// MemoryHistory is a HistoryStore that lives only as long as the process.
type MemoryHistory struct {
	mu  sync.RWMutex
	ids map[string]time.Time
	now func() time.Time
}

func NewMemoryHistory() *MemoryHistory {
	return &MemoryHistory{
		ids: make(map[string]time.Time),
		now: time.Now,
	}
}

func (h *MemoryHistory) Contains(id string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	_, ok := h.ids[id]

	return ok
}

func (h *MemoryHistory) Add(ctx context.Context, id string) error {
	return h.AddAll(ctx, []string{id})
}

func (h *MemoryHistory) AddAll(_ context.Context, ids []string) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.now()

	for _, id := range ids {
		if _, ok := h.ids[id]; !ok {
			h.ids[id] = now
		}
	}

	return nil
}

func (h *MemoryHistory) Clear(_ context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.ids = make(map[string]time.Time)

	return nil
}

func (h *MemoryHistory) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return len(h.ids)
}

// Records returns the history ordered by download time, oldest first.
func (h *MemoryHistory) Records(_ context.Context) ([]HistoryRecord, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	records := make([]HistoryRecord, 0, len(h.ids))
	for id, at := range h.ids {
		records = append(records, HistoryRecord{ItemID: id, DownloadedAt: at})
	}

	sort.Slice(records, func(i, j int) bool {
		if records[i].DownloadedAt.Equal(records[j].DownloadedAt) {
			return records[i].ItemID < records[j].ItemID
		}

		return records[i].DownloadedAt.Before(records[j].DownloadedAt)
	})

	return records, nil
}

func (h *MemoryHistory) PruneBefore(_ context.Context, before time.Time) (int64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	var removed int64

	for id, at := range h.ids {
		if at.Before(before) {
			delete(h.ids, id)
			removed++
		}
	}

	return removed, nil
}
