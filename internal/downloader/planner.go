package downloader

import "errors"

var (
	// ErrInvalidItem is returned when a candidate has no id.
	ErrInvalidItem = errors.New("item has an empty id")
	// ErrInvalidWaveSize is returned for a non-positive wave width.
	ErrInvalidWaveSize = errors.New("wave size must be positive")
)

// Item is one downloadable unit. It is immutable once enqueued.
type Item struct {
	ID          string
	DisplayName string
	SourceRef   string
}

// Label is what progress reports show for the item.
func (i Item) Label() string {
	if i.DisplayName != "" {
		return i.DisplayName
	}

	return i.ID
}

// HistoryLookup is the read side of the history the planner needs.
type HistoryLookup interface {
	Contains(id string) bool
}

// Plan returns the candidates that are neither in history nor reported as
// recently downloaded, in their original order. Repeated ids keep the first
// occurrence. history and recent may be nil.
func Plan(candidates []Item, history HistoryLookup, recent map[string]bool) ([]Item, error) {
	available := make([]Item, 0, len(candidates))
	seen := make(map[string]struct{}, len(candidates))

	for _, item := range candidates {
		if item.ID == "" {
			return nil, ErrInvalidItem
		}

		if _, dup := seen[item.ID]; dup {
			continue
		}

		seen[item.ID] = struct{}{}

		if history != nil && history.Contains(item.ID) {
			continue
		}

		if recent[item.ID] {
			continue
		}

		available = append(available, item)
	}

	return available, nil
}

// Waves partitions items into consecutive groups of at most size, preserving order.
func Waves(items []Item, size int) ([][]Item, error) {
	if size <= 0 {
		return nil, ErrInvalidWaveSize
	}

	waves := make([][]Item, 0, WaveCount(len(items), size))

	for start := 0; start < len(items); start += size {
		end := min(start+size, len(items))
		waves = append(waves, items[start:end:end])
	}

	return waves, nil
}

// WaveCount is ceil(n/size).
func WaveCount(n, size int) int {
	if size <= 0 || n <= 0 {
		return 0
	}

	return (n + size - 1) / size
}
