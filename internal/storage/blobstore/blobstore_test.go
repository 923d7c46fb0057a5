package blobstore

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/blob"
	_ "gocloud.dev/blob/memblob"
)

func newMemStore(t *testing.T) (*Store, *blob.Bucket) {
	t.Helper()

	bucket, err := blob.OpenBucket(context.Background(), "mem://")
	require.NoError(t, err)
	t.Cleanup(func() { bucket.Close() })

	return New(bucket), bucket
}

func TestStore_Save(t *testing.T) {
	ctx := context.Background()
	store, bucket := newMemStore(t)

	key, n, err := store.Save(ctx, "Artist - Title.mp3", strings.NewReader("payload"), "audio/mpeg")
	require.NoError(t, err)
	assert.Equal(t, "Artist - Title.mp3", key)
	assert.EqualValues(t, 7, n)

	data, err := bucket.ReadAll(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))

	attrs, err := bucket.Attributes(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "audio/mpeg", attrs.ContentType)
}

func TestStore_SaveCollision(t *testing.T) {
	ctx := context.Background()
	store, _ := newMemStore(t)

	var keys []string

	for i := 0; i < 3; i++ {
		key, _, err := store.Save(ctx, "song.mp3", strings.NewReader("x"), "")
		require.NoError(t, err)
		keys = append(keys, key)
	}

	assert.Equal(t, []string{"song.mp3", "song (2).mp3", "song (3).mp3"}, keys)
}

func TestStore_SaveConcurrentSameName(t *testing.T) {
	ctx := context.Background()
	store, _ := newMemStore(t)

	const workers = 5

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		keys = make(map[string]struct{})
	)

	for i := 0; i < workers; i++ {
		wg.Add(1)

		go func() {
			defer wg.Done()

			key, _, err := store.Save(ctx, "same", strings.NewReader("data"), "")
			assert.NoError(t, err)

			mu.Lock()
			keys[key] = struct{}{}
			mu.Unlock()
		}()
	}

	wg.Wait()
	assert.Len(t, keys, workers)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("connection reset") }

func TestStore_SaveAbortsOnReadError(t *testing.T) {
	ctx := context.Background()
	store, bucket := newMemStore(t)

	_, _, err := store.Save(ctx, "broken.bin", failingReader{}, "")
	require.Error(t, err)

	exists, err := bucket.Exists(ctx, "broken.bin")
	require.NoError(t, err)
	assert.False(t, exists)

	// the name is free again for the next attempt
	key, _, err := store.Save(ctx, "broken.bin", strings.NewReader("ok"), "")
	require.NoError(t, err)
	assert.Equal(t, "broken.bin", key)
}

func TestStore_SaveEmptyName(t *testing.T) {
	store, _ := newMemStore(t)

	_, _, err := store.Save(context.Background(), " ... ", strings.NewReader("x"), "")
	assert.ErrorIs(t, err, ErrEmptyName)
}

func TestOpen_FileBucket(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir() + "/nested/target"

	store, err := Open(ctx, dir, "")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	key, _, err := store.Save(ctx, "a.txt", strings.NewReader("hello"), "text/plain")
	require.NoError(t, err)

	exists, err := store.Exists(ctx, key)
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestSanitizeName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"plain.mp3", "plain.mp3"},
		{"AC/DC - Back in Black.mp3", "AC_DC - Back in Black.mp3"},
		{`a:b*c?d"e<f>g|h\i`, "a_b_c_d_e_f_g_h_i"},
		{"tab\there", "tabhere"},
		{"  spaced  ", "spaced"},
		{"...", ""},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, SanitizeName(tt.in))
		})
	}
}
