package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/italolelis/bulk_downloader/internal/downloader"
	"github.com/italolelis/bulk_downloader/internal/http/rest"
	"github.com/italolelis/bulk_downloader/internal/storage"
)

type harness struct {
	server *httptest.Server
	output *bytes.Buffer
	logs   *bytes.Buffer
	runner *Runner
}

// newHarness serves a real controller whose transfers fail for ids starting with "x".
func newHarness(t *testing.T) *harness {
	t.Helper()

	fetcher := downloader.FetcherFunc(func(_ context.Context, item downloader.Item, token *downloader.CancelToken) downloader.Outcome {
		if token.Cancelled() {
			return downloader.Outcome{Item: item, Kind: downloader.OutcomeNotStarted}
		}

		if item.ID[0] == 'x' {
			return downloader.Outcome{Item: item, Kind: downloader.OutcomeFailed, Reason: "gone", Category: "not_found"}
		}

		return downloader.Outcome{Item: item, Kind: downloader.OutcomeSuccess, Bytes: 2048}
	})

	history := storage.NewMemoryHistory()
	c := downloader.NewController(context.Background(), history, nil, fetcher, downloader.Options{WaveSize: 2}, nil)

	srv := httptest.NewServer(rest.NewRunHandler(c, history).Routes())

	t.Cleanup(func() {
		srv.Close()

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()

		_ = c.Shutdown(ctx)
	})

	output := &bytes.Buffer{}
	logs := &bytes.Buffer{}

	return &harness{
		server: srv,
		output: output,
		logs:   logs,
		runner: NewRunner(RunnerOpts{Logger: log.New(logs), Output: output}),
	}
}

func (h *harness) run(t *testing.T, args ...string) error {
	t.Helper()

	h.output.Reset()

	return h.runner.App().Run(context.Background(), append([]string{"bulkctl", "--server", h.server.URL}, args...))
}

func writeItems(t *testing.T, name, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	return path
}

func TestNewRunner_Defaults(t *testing.T) {
	r := NewRunner(RunnerOpts{})

	assert.NotNil(t, r.logger)
	assert.Equal(t, os.Stdout, r.output)
}

func TestStart_WaitAndRetry(t *testing.T) {
	h := newHarness(t)

	file := writeItems(t, "mix.yaml", `
label: Weekly mix
items:
  - {id: a, displayName: Track A}
  - {id: x1, displayName: Broken}
  - {id: c}
`)

	require.NoError(t, h.run(t, "start", "--wait", file))
	assert.Contains(t, h.output.String(), `"Weekly mix" completed`)
	assert.Contains(t, h.output.String(), "2/3 done (67%), 1 failed")
	assert.Contains(t, h.output.String(), "failed: Broken (not_found: gone)")
	assert.Contains(t, h.output.String(), "bulkctl retry")

	require.NoError(t, h.run(t, "failures"))
	assert.Contains(t, h.output.String(), "x1\tBroken\tattempt 1\tnot_found: gone")

	require.NoError(t, h.run(t, "--json", "retry", "--wait"))

	var run rest.RunResponse
	require.NoError(t, json.Unmarshal(h.output.Bytes(), &run))
	assert.True(t, run.Retry)
	assert.Equal(t, "Weekly mix (retry)", run.Label)
	assert.Equal(t, 1, run.Progress.Failed)

	require.NoError(t, h.run(t, "history", "list"))
	assert.Contains(t, h.output.String(), "2 items obtained")

	require.NoError(t, h.run(t, "history", "clear"))
	require.NoError(t, h.run(t, "history", "list"))
	assert.Contains(t, h.output.String(), "0 items obtained")
}

func TestStart_CSVWithOverrides(t *testing.T) {
	h := newHarness(t)

	file := writeItems(t, "list.csv", "id,displayName\nq1,One\nq2,Two\nq3,Three\n")

	require.NoError(t, h.run(t, "--json", "start", "--label", "Override", "--wave-size", "1", "--wait", file))

	var run rest.RunResponse
	require.NoError(t, json.Unmarshal(h.output.Bytes(), &run))
	assert.Equal(t, "Override", run.Label)
	assert.Equal(t, 1, run.WaveSize)
	assert.Equal(t, 3, run.WaveCount)
	assert.Equal(t, "completed", run.Status)
	assert.EqualValues(t, 3*2048, run.Bytes)
}

func TestCommandErrors(t *testing.T) {
	h := newHarness(t)

	tests := []struct {
		name string
		args []string
	}{
		{"start without file", []string{"start"}},
		{"start with missing file", []string{"start", filepath.Join(t.TempDir(), "none.yaml")}},
		{"status before any run", []string{"status"}},
		{"pause without run", []string{"pause"}},
		{"retry without failures", []string{"retry"}},
		{"bad log level", []string{"--log-level", "loud", "failures"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, h.run(t, tt.args...))
		})
	}
}

func TestFailures_Empty(t *testing.T) {
	h := newHarness(t)

	require.NoError(t, h.run(t, "failures"))
	assert.Equal(t, "no failures recorded\n", h.output.String())
}

func TestStatusLine(t *testing.T) {
	run := &rest.RunResponse{
		Label:     "Mix",
		Status:    "running",
		Wave:      1,
		WaveCount: 2,
		Bytes:     5_000_000,
		Progress: rest.ProgressResponse{
			Total:            18,
			Completed:        9,
			Failed:           1,
			Percent:          50,
			RemainingSeconds: 90.4,
			CurrentLabel:     "Artist - Song",
		},
	}

	assert.Equal(t, `"Mix" running wave 1/2: 9/18 done (50%), 1 failed, 0 skipped, 5.0 MB, ~1m30s left [Artist - Song]`, statusLine(run))

	run.Status = "completed"
	assert.Equal(t, `"Mix" completed wave 1/2: 9/18 done (50%), 1 failed, 0 skipped, 5.0 MB`, statusLine(run))
}
