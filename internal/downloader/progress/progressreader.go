// Package progress reports byte-level progress while a payload is streamed to storage.
package progress

import (
	"errors"
	"io"
)

// stepPercent is how far a payload of known size must advance between reports.
const stepPercent = 25

// Reader wraps an io.Reader and calls report every interval bytes, every
// stepPercent of a known total, and once more at EOF.
type Reader struct {
	r        io.Reader
	total    int64
	interval int64
	report   func(read, total int64)

	read      int64
	sinceLast int64
	lastStep  int64
	done      bool
	err       error
}

// NewReader returns a Reader. total may be -1 or 0 when the size is unknown;
// interval <= 0 disables byte-interval reports.
func NewReader(r io.Reader, total, interval int64, report func(read, total int64)) *Reader {
	if report == nil {
		report = func(int64, int64) {}
	}

	return &Reader{
		r:        r,
		total:    total,
		interval: interval,
		report:   report,
	}
}

func (pr *Reader) Read(p []byte) (int, error) {
	n, err := pr.r.Read(p)
	if n > 0 {
		pr.read += int64(n)
		pr.sinceLast += int64(n)

		if pr.due() {
			pr.report(pr.read, pr.total)
			pr.sinceLast = 0
		}
	}

	switch {
	case errors.Is(err, io.EOF):
		if !pr.done {
			pr.done = true
			pr.report(pr.read, pr.total)
		}
	case err != nil:
		pr.err = err
	}

	return n, err
}

// BytesRead returns how many bytes have passed through the reader.
func (pr *Reader) BytesRead() int64 {
	return pr.read
}

// Err returns the last error the source returned, other than io.EOF.
func (pr *Reader) Err() error {
	return pr.err
}

func (pr *Reader) due() bool {
	if pr.interval > 0 && pr.sinceLast >= pr.interval {
		return true
	}

	if pr.total <= 0 {
		return false
	}

	step := pr.read * 100 / pr.total / stepPercent
	if step > pr.lastStep {
		pr.lastStep = step

		return true
	}

	return false
}
