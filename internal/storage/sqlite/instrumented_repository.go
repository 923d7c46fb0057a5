package sqlite

import (
	"context"
	"time"

	"github.com/italolelis/bulk_downloader/internal/storage"
	"github.com/italolelis/bulk_downloader/internal/telemetry"
)

// InstrumentedHistoryRepository wraps HistoryRepository with telemetry.
// Contains is served from memory and is not instrumented.
type InstrumentedHistoryRepository struct {
	repo      *HistoryRepository
	telemetry *telemetry.Telemetry
}

// NewInstrumentedHistoryRepository creates a new instrumented history repository.
func NewInstrumentedHistoryRepository(repo *HistoryRepository, tel *telemetry.Telemetry) *InstrumentedHistoryRepository {
	return &InstrumentedHistoryRepository{
		repo:      repo,
		telemetry: tel,
	}
}

func (r *InstrumentedHistoryRepository) Contains(id string) bool {
	return r.repo.Contains(id)
}

func (r *InstrumentedHistoryRepository) Len() int {
	return r.repo.Len()
}

// Add records a single id with telemetry.
func (r *InstrumentedHistoryRepository) Add(ctx context.Context, id string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "add_history", func(ctx context.Context) error {
		return r.repo.Add(ctx, id)
	})
}

// AddAll records ids with telemetry.
func (r *InstrumentedHistoryRepository) AddAll(ctx context.Context, ids []string) error {
	return r.telemetry.InstrumentDBOperation(ctx, "add_all_history", func(ctx context.Context) error {
		return r.repo.AddAll(ctx, ids)
	})
}

// Clear empties the history with telemetry.
func (r *InstrumentedHistoryRepository) Clear(ctx context.Context) error {
	return r.telemetry.InstrumentDBOperation(ctx, "clear_history", func(ctx context.Context) error {
		return r.repo.Clear(ctx)
	})
}

func (r *InstrumentedHistoryRepository) Records(ctx context.Context) ([]storage.HistoryRecord, error) {
	var result []storage.HistoryRecord

	err := r.telemetry.InstrumentDBOperation(ctx, "get_history", func(ctx context.Context) error {
		var err error

		result, err = r.repo.Records(ctx)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// PruneBefore removes stale entries with telemetry.
func (r *InstrumentedHistoryRepository) PruneBefore(ctx context.Context, before time.Time) (int64, error) {
	var removed int64

	err := r.telemetry.InstrumentDBOperation(ctx, "prune_history", func(ctx context.Context) error {
		var err error

		removed, err = r.repo.PruneBefore(ctx, before)

		return err
	})

	return removed, err
}
