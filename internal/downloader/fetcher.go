package downloader

import (
	"context"
	"io"
	"mime"
	"path"
	"strings"

	"github.com/dustin/go-humanize"

	"github.com/italolelis/bulk_downloader/internal/downloader/progress"
	"github.com/italolelis/bulk_downloader/internal/logctx"
	"github.com/italolelis/bulk_downloader/internal/storage/blobstore"
	"github.com/italolelis/bulk_downloader/internal/telemetry"
	"github.com/italolelis/bulk_downloader/internal/transfer"
)

const progressInterval = 50 * 1024 * 1024 // 50MB

// PayloadStore persists a payload under a unique key derived from name.
type PayloadStore interface {
	Save(ctx context.Context, name string, r io.Reader, contentType string) (string, int64, error)
}

// ItemFetcher performs one item's transfer and classifies the result.
type ItemFetcher interface {
	Fetch(ctx context.Context, item Item, token *CancelToken) Outcome
}

// FetcherFunc adapts a function to ItemFetcher.
type FetcherFunc func(ctx context.Context, item Item, token *CancelToken) Outcome

func (f FetcherFunc) Fetch(ctx context.Context, item Item, token *CancelToken) Outcome {
	return f(ctx, item, token)
}

// Fetcher is the ItemFetcher backed by the transfer API and a payload store.
type Fetcher struct {
	client    transfer.ItemClient
	store     PayloadStore
	telemetry *telemetry.Telemetry
}

func NewFetcher(client transfer.ItemClient, store PayloadStore, tel *telemetry.Telemetry) *Fetcher {
	return &Fetcher{
		client:    client,
		store:     store,
		telemetry: tel,
	}
}

// Fetch transfers one item. The cancel token is checked before the request is
// issued; once the transfer has begun it always runs to its own end.
func (f *Fetcher) Fetch(ctx context.Context, item Item, token *CancelToken) Outcome {
	if token.Cancelled() || ctx.Err() != nil {
		return Outcome{Item: item, Kind: OutcomeNotStarted}
	}

	var out Outcome

	f.telemetry.InstrumentItem(ctx, func(ctx context.Context) string {
		out = f.fetch(ctx, item)

		return out.Kind.String()
	})

	return out
}

func (f *Fetcher) fetch(ctx context.Context, item Item) Outcome {
	logger := logctx.LoggerFromContext(ctx).With("item_id", item.ID)

	payload, err := f.client.Fetch(ctx, item.ID)
	if err != nil {
		if transfer.IsAlreadyObtained(err) {
			logger.InfoContext(ctx, "item already downloaded recently, skipping", "label", item.Label())

			return Outcome{Item: item, Kind: OutcomeSkipped, Reason: err.Error(), Category: transfer.ReasonAlreadyDownloaded}
		}

		logger.WarnContext(ctx, "item transfer failed", "err", err, "transient", transfer.IsTransient(err))

		return Outcome{Item: item, Kind: OutcomeFailed, Reason: err.Error(), Category: transfer.Category(err)}
	}
	defer payload.Body.Close()

	name := ResolveSaveName(item, payload)

	size := "unknown"
	if payload.Size >= 0 {
		size = humanize.Bytes(uint64(payload.Size))
	}

	logger.DebugContext(ctx, "saving payload", "name", name, "size", size)

	body := progress.NewReader(payload.Body, payload.Size, progressInterval, func(read, total int64) {
		if total > 0 {
			logger.DebugContext(ctx, "download progress",
				"downloaded", humanize.Bytes(uint64(read)),
				"total", humanize.Bytes(uint64(total)),
				"percent", humanize.FtoaWithDigits(float64(read)*100/float64(total), 2))
		} else {
			logger.DebugContext(ctx, "download progress", "downloaded", humanize.Bytes(uint64(read)))
		}
	})

	key, n, err := f.store.Save(ctx, name, body, payload.ContentType)
	if err != nil {
		// a stream that broke mid-transfer is a network failure, not a storage one
		category := "storage"
		if body.Err() != nil {
			category = "network"
		}

		logger.ErrorContext(ctx, "failed to save payload",
			"name", name, "received", humanize.Bytes(uint64(body.BytesRead())), "category", category, "err", err)

		return Outcome{Item: item, Kind: OutcomeFailed, Reason: err.Error(), Category: category}
	}

	logger.InfoContext(ctx, "downloaded and saved item", "key", key, "size", humanize.Bytes(uint64(n)))

	return Outcome{Item: item, Kind: OutcomeSuccess, SavedAs: key, Bytes: n}
}

var knownExtensions = map[string]string{
	"audio/mpeg":       ".mp3",
	"audio/mp3":        ".mp3",
	"audio/flac":       ".flac",
	"audio/x-flac":     ".flac",
	"audio/wav":        ".wav",
	"audio/x-wav":      ".wav",
	"audio/aac":        ".aac",
	"audio/mp4":        ".m4a",
	"audio/ogg":        ".ogg",
	"video/mp4":        ".mp4",
	"image/jpeg":       ".jpg",
	"image/png":        ".png",
	"application/zip":  ".zip",
	"application/pdf":  ".pdf",
	"text/plain":       ".txt",
	"application/json": ".json",
}

// ResolveSaveName picks the name a payload is stored under: the server
// suggested file name, else "{artist} - {title}" with an extension derived
// from the content type, else the item's display name, else its id.
func ResolveSaveName(item Item, payload *transfer.Payload) string {
	if name := blobstore.SanitizeName(payload.SuggestedName); name != "" {
		return name
	}

	ext := extensionFor(payload.ContentType)

	var parts []string

	for _, s := range []string{payload.Artist, payload.Title} {
		if s = strings.TrimSpace(s); s != "" {
			parts = append(parts, s)
		}
	}

	if name := blobstore.SanitizeName(strings.Join(parts, " - ")); name != "" {
		return name + ext
	}

	for _, candidate := range []string{item.DisplayName, item.ID} {
		name := blobstore.SanitizeName(candidate)
		if name == "" {
			continue
		}

		if path.Ext(name) == "" {
			name += ext
		}

		return name
	}

	return ""
}

func extensionFor(contentType string) string {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return ""
	}

	if ext, ok := knownExtensions[mediaType]; ok {
		return ext
	}

	if exts, err := mime.ExtensionsByType(mediaType); err == nil && len(exts) > 0 {
		return exts[0]
	}

	return ""
}
