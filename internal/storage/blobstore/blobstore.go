// Package blobstore persists downloaded payloads into a gocloud bucket.
// A local TARGET_DIR maps onto fileblob; any other bucket URL the process
// registered a driver for works the same way.
package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"sync"

	"gocloud.dev/blob"
	"gocloud.dev/blob/fileblob"
	"gocloud.dev/gcerrors"
)

// ErrEmptyName is returned when a payload is saved without a usable name.
var ErrEmptyName = errors.New("empty object name")

// Store writes payloads under unique keys. Two items resolving to the same
// name get "name (2).ext", "name (3).ext" and so on.
type Store struct {
	bucket *blob.Bucket

	mu       sync.Mutex
	reserved map[string]struct{}
}

// New wraps an already opened bucket. The Store does not own it unless it was created by Open.
func New(bucket *blob.Bucket) *Store {
	return &Store{
		bucket:   bucket,
		reserved: make(map[string]struct{}),
	}
}

// Open opens bucketURL when set, otherwise a fileblob bucket rooted at targetDir.
func Open(ctx context.Context, targetDir, bucketURL string) (*Store, error) {
	var (
		bucket *blob.Bucket
		err    error
	)

	if bucketURL != "" {
		bucket, err = blob.OpenBucket(ctx, bucketURL)
	} else {
		bucket, err = fileblob.OpenBucket(targetDir, &fileblob.Options{CreateDir: true})
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open bucket: %w", err)
	}

	return New(bucket), nil
}

// Save streams r into the bucket under a unique key derived from name.
// If the copy fails or ctx is cancelled the partial object is discarded.
func (s *Store) Save(ctx context.Context, name string, r io.Reader, contentType string) (string, int64, error) {
	name = SanitizeName(name)
	if name == "" {
		return "", 0, ErrEmptyName
	}

	key, err := s.reserve(ctx, name)
	if err != nil {
		return "", 0, err
	}
	defer s.release(key)

	// cancelling wctx before Close aborts the write
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w, err := s.bucket.NewWriter(wctx, key, &blob.WriterOptions{ContentType: contentType})
	if err != nil {
		return "", 0, fmt.Errorf("failed to create writer for %s: %w", key, err)
	}

	n, copyErr := io.Copy(w, r)
	if copyErr != nil {
		cancel()
		_ = w.Close()

		return "", n, fmt.Errorf("failed to write %s: %w", key, copyErr)
	}

	if err := w.Close(); err != nil {
		return "", n, fmt.Errorf("failed to commit %s: %w", key, err)
	}

	return key, n, nil
}

// Exists reports whether key is present in the bucket.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	return s.bucket.Exists(ctx, key)
}

// Close closes the underlying bucket.
func (s *Store) Close() error {
	return s.bucket.Close()
}

func (s *Store) reserve(ctx context.Context, name string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ext := path.Ext(name)
	base := strings.TrimSuffix(name, ext)

	for i := 1; ; i++ {
		key := name
		if i > 1 {
			key = fmt.Sprintf("%s (%d)%s", base, i, ext)
		}

		if _, taken := s.reserved[key]; taken {
			continue
		}

		exists, err := s.Exists(ctx, key)
		if err != nil && gcerrors.Code(err) != gcerrors.NotFound {
			return "", fmt.Errorf("failed to check %s: %w", key, err)
		}

		if !exists {
			s.reserved[key] = struct{}{}

			return key, nil
		}
	}
}

func (s *Store) release(key string) {
	s.mu.Lock()
	delete(s.reserved, key)
	s.mu.Unlock()
}

// SanitizeName strips characters that are not valid in file names on common
// filesystems. The result may be empty.
func SanitizeName(name string) string {
	name = strings.Map(func(r rune) rune {
		switch {
		case r < 0x20 || r == 0x7f:
			return -1
		case strings.ContainsRune(`/\:*?"<>|`, r):
			return '_'
		default:
			return r
		}
	}, name)

	return strings.Trim(strings.TrimSpace(name), ". ")
}
