package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/italolelis/bulk_downloader/internal/storage"
)

// HistoryRepository implements storage.HistoryStore on top of SQLite.
// The whole table is cached in memory when the repository is opened, so
// Contains never touches the database. Every write goes to the table first
// and only then to the cache.
type HistoryRepository struct {
	db  *sql.DB
	now func() time.Time

	mu  sync.RWMutex
	ids map[string]time.Time
}

// NewHistoryRepository loads the persisted history into memory.
func NewHistoryRepository(ctx context.Context, db *sql.DB) (*HistoryRepository, error) {
	r := &HistoryRepository{
		db:  db,
		now: time.Now,
		ids: make(map[string]time.Time),
	}

	rows, err := db.QueryContext(ctx, `SELECT item_id, downloaded_at FROM history`)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id string
			at time.Time
		)

		if err := rows.Scan(&id, &at); err != nil {
			return nil, fmt.Errorf("failed to scan history row: %w", err)
		}

		r.ids[id] = at
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}

	return r, nil
}

func (r *HistoryRepository) Contains(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.ids[id]

	return ok
}

func (r *HistoryRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.ids)
}

func (r *HistoryRepository) Add(ctx context.Context, id string) error {
	return r.AddAll(ctx, []string{id})
}

// AddAll records ids in a single transaction. Ids already present keep their original timestamp.
func (r *HistoryRepository) AddAll(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now().UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin history transaction: %w", err)
	}

	stmt, err := tx.PrepareContext(ctx, `INSERT OR IGNORE INTO history (item_id, downloaded_at) VALUES (?, ?)`)
	if err != nil {
		_ = tx.Rollback()

		return fmt.Errorf("failed to prepare history insert: %w", err)
	}
	defer stmt.Close()

	for _, id := range ids {
		if _, err := stmt.ExecContext(ctx, id, now); err != nil {
			_ = tx.Rollback()

			return fmt.Errorf("failed to record %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit history: %w", err)
	}

	for _, id := range ids {
		if _, ok := r.ids[id]; !ok {
			r.ids[id] = now
		}
	}

	return nil
}

func (r *HistoryRepository) Clear(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := r.db.ExecContext(ctx, `DELETE FROM history`); err != nil {
		return fmt.Errorf("failed to clear history: %w", err)
	}

	r.ids = make(map[string]time.Time)

	return nil
}

// Records returns the cached history ordered by download time, oldest first.
func (r *HistoryRepository) Records(_ context.Context) ([]storage.HistoryRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	records := make([]storage.HistoryRecord, 0, len(r.ids))
	for id, at := range r.ids {
		records = append(records, storage.HistoryRecord{ItemID: id, DownloadedAt: at})
	}

	sort.Slice(records, func(i, j int) bool {
		if records[i].DownloadedAt.Equal(records[j].DownloadedAt) {
			return records[i].ItemID < records[j].ItemID
		}

		return records[i].DownloadedAt.Before(records[j].DownloadedAt)
	})

	return records, nil
}

// PruneBefore deletes entries downloaded before the cutoff and returns how many were removed.
func (r *HistoryRepository) PruneBefore(ctx context.Context, before time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var stale []string

	for id, at := range r.ids {
		if at.Before(before) {
			stale = append(stale, id)
		}
	}

	if len(stale) == 0 {
		return 0, nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin prune transaction: %w", err)
	}

	for _, id := range stale {
		if _, err := tx.ExecContext(ctx, `DELETE FROM history WHERE item_id = ?`, id); err != nil {
			_ = tx.Rollback()

			return 0, fmt.Errorf("failed to prune %s: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit prune: %w", err)
	}

	for _, id := range stale {
		delete(r.ids, id)
	}

	return int64(len(stale)), nil
}
