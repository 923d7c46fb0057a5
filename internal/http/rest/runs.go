package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/italolelis/bulk_downloader/internal/downloader"
	"github.com/italolelis/bulk_downloader/internal/logctx"
	"github.com/italolelis/bulk_downloader/internal/storage"
	"github.com/italolelis/bulk_downloader/internal/telemetry"
)

const maxRequestBody = 10 * 1024 * 1024 // 10MB

// Orchestrator is the run control surface the handler exposes.
type Orchestrator interface {
	Start(ctx context.Context, req downloader.StartRequest) (*downloader.Run, error)
	Retry(ctx context.Context) (*downloader.Run, error)
	Pause() error
	Resume() error
	Cancel() error
	Current() (downloader.RunSnapshot, bool)
	Failures() []downloader.FailureRecord
	ClearHistory(ctx context.Context) error
}

type ItemRequest struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName"`
	SourceRef   string `json:"sourceRef"`
}

type StartRunRequest struct {
	Items    []ItemRequest `json:"items"`
	RunLabel string        `json:"runLabel"`
	WaveSize int           `json:"waveSize,omitempty"`
}

type ProgressResponse struct {
	Total            int     `json:"total"`
	Completed        int     `json:"completed"`
	Failed           int     `json:"failed"`
	Skipped          int     `json:"skipped"`
	CurrentLabel     string  `json:"currentLabel"`
	Percent          int     `json:"percent"`
	ElapsedSeconds   float64 `json:"elapsedSeconds"`
	RemainingSeconds float64 `json:"remainingSeconds"`
}

type FailureResponse struct {
	Item     ItemRequest `json:"item"`
	Reason   string      `json:"reason"`
	Category string      `json:"category"`
	Attempt  int         `json:"attempt"`
	RunID    string      `json:"runId"`
	FailedAt time.Time   `json:"failedAt"`
}

type RunResponse struct {
	ID              string            `json:"id"`
	Label           string            `json:"label"`
	Status          string            `json:"status"`
	Retry           bool              `json:"retry"`
	CancelRequested bool              `json:"cancelRequested"`
	WaveSize        int               `json:"waveSize"`
	Wave            int               `json:"wave"`
	WaveCount       int               `json:"waveCount"`
	StartedAt       time.Time         `json:"startedAt"`
	FinishedAt      *time.Time        `json:"finishedAt,omitempty"`
	Bytes           int64             `json:"bytes"`
	Progress        ProgressResponse  `json:"progress"`
	Failures        []FailureResponse `json:"failures"`
	RetryAvailable  bool              `json:"retryAvailable"`
}

type HistoryEntryResponse struct {
	ItemID       string    `json:"itemId"`
	DownloadedAt time.Time `json:"downloadedAt"`
}

type HistoryResponse struct {
	Count int                    `json:"count"`
	Items []HistoryEntryResponse `json:"items"`
}

type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"requestId,omitempty"`
}

type RunHandler struct {
	orchestrator Orchestrator
	history      storage.HistoryReader
}

// NewRunHandler creates the handler for the start-run trigger and run control API.
// history may be nil, in which case GET /history is not served.
func NewRunHandler(o Orchestrator, history storage.HistoryReader) *RunHandler {
	return &RunHandler{orchestrator: o, history: history}
}

func (h *RunHandler) Routes() http.Handler {
	r := chi.NewRouter()

	r.Post("/runs", h.HandleStart)
	r.Get("/runs/current", h.HandleCurrent)
	r.Post("/runs/current/pause", h.HandlePause)
	r.Post("/runs/current/resume", h.HandleResume)
	r.Post("/runs/current/cancel", h.HandleCancel)
	r.Post("/runs/retry", h.HandleRetry)
	r.Get("/failures", h.HandleFailures)
	r.Delete("/history", h.HandleClearHistory)

	if h.history != nil {
		r.Get("/history", h.HandleHistory)
	}

	return r
}

// HandleStart begins a run over the posted items.
func (h *RunHandler) HandleStart(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var req StartRunRequest

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		logger.Warn("failed to decode start request", "err", err)
		writeJSON(r.Context(), w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body"})

		return
	}

	items := make([]downloader.Item, len(req.Items))
	for i, it := range req.Items {
		items[i] = downloader.Item{ID: it.ID, DisplayName: it.DisplayName, SourceRef: it.SourceRef}
	}

	run, err := h.orchestrator.Start(r.Context(), downloader.StartRequest{
		Items:    items,
		Label:    req.RunLabel,
		WaveSize: req.WaveSize,
	})
	if err != nil {
		writeError(r.Context(), w, err)

		return
	}

	logger.Info("run accepted", "run_id", run.ID, "label", req.RunLabel, "candidates", len(items), "planned", len(run.Items))

	writeJSON(r.Context(), w, http.StatusAccepted, toRunResponse(run.Snapshot()))
}

func (h *RunHandler) HandleCurrent(w http.ResponseWriter, r *http.Request) {
	snap, ok := h.orchestrator.Current()
	if !ok {
		writeError(r.Context(), w, downloader.ErrNoActiveRun)

		return
	}

	writeJSON(r.Context(), w, http.StatusOK, toRunResponse(snap))
}

func (h *RunHandler) HandlePause(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, h.orchestrator.Pause)
}

func (h *RunHandler) HandleResume(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, h.orchestrator.Resume)
}

func (h *RunHandler) HandleCancel(w http.ResponseWriter, r *http.Request) {
	h.control(w, r, h.orchestrator.Cancel)
}

// HandleRetry starts a run over the retryable failed items.
func (h *RunHandler) HandleRetry(w http.ResponseWriter, r *http.Request) {
	run, err := h.orchestrator.Retry(r.Context())
	if err != nil {
		writeError(r.Context(), w, err)

		return
	}

	writeJSON(r.Context(), w, http.StatusAccepted, toRunResponse(run.Snapshot()))
}

func (h *RunHandler) HandleFailures(w http.ResponseWriter, r *http.Request) {
	writeJSON(r.Context(), w, http.StatusOK, toFailureResponses(h.orchestrator.Failures()))
}

func (h *RunHandler) HandleClearHistory(w http.ResponseWriter, r *http.Request) {
	if err := h.orchestrator.ClearHistory(r.Context()); err != nil {
		writeError(r.Context(), w, err)

		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// HandleHistory lists the obtained item ids, oldest first.
func (h *RunHandler) HandleHistory(w http.ResponseWriter, r *http.Request) {
	records, err := h.history.Records(r.Context())
	if err != nil {
		writeError(r.Context(), w, err)

		return
	}

	resp := HistoryResponse{Count: len(records), Items: make([]HistoryEntryResponse, len(records))}
	for i, rec := range records {
		resp.Items[i] = HistoryEntryResponse{ItemID: rec.ItemID, DownloadedAt: rec.DownloadedAt}
	}

	writeJSON(r.Context(), w, http.StatusOK, resp)
}

func (h *RunHandler) control(w http.ResponseWriter, r *http.Request, action func() error) {
	if err := action(); err != nil {
		writeError(r.Context(), w, err)

		return
	}

	h.HandleCurrent(w, r)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, downloader.ErrInvalidItem), errors.Is(err, downloader.ErrInvalidWaveSize):
		return http.StatusBadRequest
	case errors.Is(err, downloader.ErrNoActiveRun):
		return http.StatusNotFound
	case errors.Is(err, downloader.ErrRunActive),
		errors.Is(err, downloader.ErrInvalidTransition),
		errors.Is(err, downloader.ErrNothingToRetry):
		return http.StatusConflict
	case errors.Is(err, downloader.ErrShuttingDown):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(ctx context.Context, w http.ResponseWriter, err error) {
	status := statusFor(err)

	if status >= http.StatusInternalServerError {
		logctx.LoggerFromContext(ctx).Error("request failed", "err", err)
	}

	writeJSON(ctx, w, status, ErrorResponse{Error: err.Error(), RequestID: telemetry.GetRequestID(ctx)})
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to encode response", "err", err)
	}
}

func toRunResponse(s downloader.RunSnapshot) RunResponse {
	resp := RunResponse{
		ID:              s.ID,
		Label:           s.Label,
		Status:          string(s.Status),
		Retry:           s.Retry,
		CancelRequested: s.CancelRequested,
		WaveSize:        s.WaveSize,
		Wave:            s.Wave,
		WaveCount:       s.WaveCount,
		StartedAt:       s.StartedAt,
		Bytes:           s.Bytes,
		Progress: ProgressResponse{
			Total:            s.Progress.Total,
			Completed:        s.Progress.Completed,
			Failed:           s.Progress.Failed,
			Skipped:          s.Progress.Skipped,
			CurrentLabel:     s.Progress.CurrentLabel,
			Percent:          s.Progress.Percent,
			ElapsedSeconds:   s.Progress.Elapsed.Seconds(),
			RemainingSeconds: s.Progress.Remaining.Seconds(),
		},
		Failures:       toFailureResponses(s.Failures),
		RetryAvailable: s.RetryAvailable,
	}

	if !s.FinishedAt.IsZero() {
		finished := s.FinishedAt
		resp.FinishedAt = &finished
	}

	return resp
}

func toFailureResponses(records []downloader.FailureRecord) []FailureResponse {
	out := make([]FailureResponse, len(records))

	for i, rec := range records {
		out[i] = FailureResponse{
			Item: ItemRequest{
				ID:          rec.Item.ID,
				DisplayName: rec.Item.DisplayName,
				SourceRef:   rec.Item.SourceRef,
			},
			Reason:   rec.Reason,
			Category: rec.Category,
			Attempt:  rec.Attempt,
			RunID:    rec.RunID,
			FailedAt: rec.FailedAt,
		}
	}

	return out
}
