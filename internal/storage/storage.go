package storage

import (
	"context"
	"time"
)

// HistoryRecord is one entry of the download history: an item id and when it was obtained.
type HistoryRecord struct {
	ItemID       string
	DownloadedAt time.Time
}

// HistoryStore is the durable set of previously downloaded item ids.
// Contains is answered from memory; writes go to the backing medium.
type HistoryStore interface {
	Contains(id string) bool
	Add(ctx context.Context, id string) error
	AddAll(ctx context.Context, ids []string) error
	Clear(ctx context.Context) error
}

// HistoryReader exposes the history for inspection.
type HistoryReader interface {
	Records(ctx context.Context) ([]HistoryRecord, error)
	Len() int
}

// HistoryPruner removes entries obtained before a cutoff.
type HistoryPruner interface {
	PruneBefore(ctx context.Context, before time.Time) (int64, error)
}
