package transfer

import (
	"context"

	"github.com/italolelis/bulk_downloader/internal/telemetry"
)

// InstrumentedClient wraps an ItemClient and a Reconciler with telemetry.
type InstrumentedClient struct {
	items      ItemClient
	reconciler Reconciler
	telemetry  *telemetry.Telemetry
	clientType string
}

// NewInstrumentedClient creates a new instrumented client. The same value usually
// serves both roles, as *Client does.
func NewInstrumentedClient(items ItemClient, reconciler Reconciler, tel *telemetry.Telemetry, clientType string) *InstrumentedClient {
	return &InstrumentedClient{
		items:      items,
		reconciler: reconciler,
		telemetry:  tel,
		clientType: clientType,
	}
}

// Fetch requests an item transfer with telemetry.
func (c *InstrumentedClient) Fetch(ctx context.Context, itemID string) (*Payload, error) {
	var result *Payload

	err := c.telemetry.InstrumentClientOperation(ctx, c.clientType, "fetch_item", func(ctx context.Context) error {
		var err error

		result, err = c.items.Fetch(ctx, itemID)

		return err
	})
	if err != nil {
		return nil, err
	}

	return result, nil
}

// CheckRecentlyDownloaded queries the reconciliation endpoint with telemetry.
func (c *InstrumentedClient) CheckRecentlyDownloaded(ctx context.Context, ids []string) (map[string]bool, error) {
	var result map[string]bool

	err := c.telemetry.InstrumentClientOperation(ctx, c.clientType, "check_recent", func(ctx context.Context) error {
		var err error

		result, err = c.reconciler.CheckRecentlyDownloaded(ctx, ids)

		return err
	})

	status := "success"
	if err != nil {
		status = "error"
	}

	c.telemetry.RecordReconcile(status)

	if err != nil {
		return nil, err
	}

	return result, nil
}
