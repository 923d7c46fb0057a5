package cleanup

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/bulk_downloader/internal/storage"
)

type errPruner struct{}

func (errPruner) PruneBefore(context.Context, time.Time) (int64, error) {
	return 0, errors.New("database is locked")
}

type recordingPruner struct {
	calls chan time.Time
}

func (p *recordingPruner) PruneBefore(_ context.Context, before time.Time) (int64, error) {
	select {
	case p.calls <- before:
	default:
	}

	return 0, nil
}

func TestPruneHistory(t *testing.T) {
	ctx := context.Background()
	history := storage.NewMemoryHistory()

	require.NoError(t, history.AddAll(ctx, []string{"a", "b"}))

	// entries were just written, nothing is older than a day
	removed, err := PruneHistory(ctx, history, 24*time.Hour, time.Now())
	require.NoError(t, err)
	assert.Zero(t, removed)

	removed, err = PruneHistory(ctx, history, time.Hour, time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 2, removed)
	assert.Zero(t, history.Len())
}

func TestPruneHistory_Disabled(t *testing.T) {
	removed, err := PruneHistory(context.Background(), errPruner{}, 0, time.Now())
	require.NoError(t, err)
	assert.Zero(t, removed)
}

func TestPruneHistory_Error(t *testing.T) {
	_, err := PruneHistory(context.Background(), errPruner{}, time.Hour, time.Now())
	assert.Error(t, err)
}

func TestWatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pruner := &recordingPruner{calls: make(chan time.Time, 10)}
	Watch(ctx, pruner, time.Hour, 10*time.Millisecond)

	select {
	case before := <-pruner.calls:
		assert.WithinDuration(t, time.Now().Add(-time.Hour), before, time.Second)
	case <-time.After(2 * time.Second):
		t.Fatal("history was never pruned")
	}
}
