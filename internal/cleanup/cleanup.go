package cleanup

import (
	"context"
	"runtime/debug"
	"time"

	"github.com/italolelis/bulk_downloader/internal/logctx"
	"github.com/italolelis/bulk_downloader/internal/storage"
)

// PruneHistory deletes history entries recorded more than retention before now.
// Pruned items become eligible for download again.
func PruneHistory(ctx context.Context, pruner storage.HistoryPruner, retention time.Duration, now time.Time) (int64, error) {
	logger := logctx.LoggerFromContext(ctx)

	if retention <= 0 {
		return 0, nil
	}

	cutoff := now.Add(-retention)

	removed, err := pruner.PruneBefore(ctx, cutoff)
	if err != nil {
		logger.ErrorContext(ctx, "failed to prune history", "cutoff", cutoff, "err", err)

		return 0, err
	}

	if removed > 0 {
		logger.InfoContext(ctx, "pruned expired history entries", "removed", removed, "cutoff", cutoff)
	}

	return removed, nil
}

// Watch prunes the history every interval until ctx is done.
func Watch(ctx context.Context, pruner storage.HistoryPruner, retention, interval time.Duration) {
	logger := logctx.LoggerFromContext(ctx)

	if retention <= 0 || interval <= 0 {
		logger.DebugContext(ctx, "history retention disabled")

		return
	}

	logger.InfoContext(ctx, "watching history retention", "retention", retention, "interval", interval)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				logger.Error("history cleanup panic",
					"operation", "prune_history",
					"panic", r,
					"stack", string(debug.Stack()))
			}
		}()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				logger.Info("history cleanup shutdown", "reason", "context_cancelled")

				return
			case now := <-ticker.C:
				_, _ = PruneHistory(ctx, pruner, retention, now)
			}
		}
	}()
}
