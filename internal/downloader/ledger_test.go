package downloader

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLedger_PendingKeepsLatestAttempt(t *testing.T) {
	l := NewLedger()

	l.Append(FailureRecord{Item: Item{ID: "a"}, Reason: "timeout", Attempt: 1})
	l.Append(FailureRecord{Item: Item{ID: "b"}, Reason: "not found", Attempt: 1})
	l.Append(FailureRecord{Item: Item{ID: "a"}, Reason: "reset", Attempt: 2})

	pending := l.Pending()
	assert.Len(t, pending, 2)
	assert.Equal(t, "a", pending[0].Item.ID)
	assert.Equal(t, 2, pending[0].Attempt)
	assert.Equal(t, "reset", pending[0].Reason)
	assert.Equal(t, "b", pending[1].Item.ID)

	// audit trail keeps every record
	assert.Len(t, l.Records(), 3)
	assert.Equal(t, 2, l.Attempts("a"))
	assert.Zero(t, l.Attempts("zzz"))
}

func TestLedger_Resolve(t *testing.T) {
	l := NewLedger()

	l.Append(FailureRecord{Item: Item{ID: "a"}, Attempt: 1})
	l.Append(FailureRecord{Item: Item{ID: "b"}, Attempt: 1})
	l.Append(FailureRecord{Item: Item{ID: "a"}, Attempt: 2})

	l.Resolve("a")

	records := l.Records()
	assert.Len(t, records, 1)
	assert.Equal(t, "b", records[0].Item.ID)
}

func TestLedger_Retryable(t *testing.T) {
	l := NewLedger()

	l.Append(FailureRecord{Item: Item{ID: "a"}, Attempt: 1})
	l.Append(FailureRecord{Item: Item{ID: "b"}, Attempt: 3})
	l.Append(FailureRecord{Item: Item{ID: "c"}, Attempt: 2})

	tests := []struct {
		max  int
		want []string
	}{
		{0, []string{"a", "b", "c"}},
		{3, []string{"a", "c"}},
		{2, []string{"a"}},
		{1, nil},
	}

	for _, tt := range tests {
		var got []string
		for _, r := range l.Retryable(tt.max) {
			got = append(got, r.Item.ID)
		}

		assert.Equal(t, tt.want, got, "max attempts %d", tt.max)
	}
}

func TestLedger_RecordsIsACopy(t *testing.T) {
	l := NewLedger()
	l.Append(FailureRecord{Item: Item{ID: "a"}, Reason: "original"})

	records := l.Records()
	records[0].Reason = "mutated"

	assert.Equal(t, "original", l.Records()[0].Reason)
}
