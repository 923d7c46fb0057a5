package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// APIError is a non-2xx answer from the run API.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("run api returned %d", e.StatusCode)
	}

	return fmt.Sprintf("run api returned %d: %s", e.StatusCode, e.Message)
}

// IsStatus reports whether err is an APIError with the given status code.
func IsStatus(err error, status int) bool {
	var apiErr *APIError

	return errors.As(err, &apiErr) && apiErr.StatusCode == status
}

// Client talks to a RunHandler over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string, timeout time.Duration) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid server url %q: %w", baseURL, err)
	}

	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid server url %q: scheme and host are required", baseURL)
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Transport: otelhttp.NewTransport(http.DefaultTransport),
			Timeout:   timeout,
		},
	}, nil
}

func (c *Client) Start(ctx context.Context, req StartRunRequest) (*RunResponse, error) {
	var run RunResponse
	if err := c.do(ctx, http.MethodPost, "/runs", req, &run); err != nil {
		return nil, err
	}

	return &run, nil
}

func (c *Client) Current(ctx context.Context) (*RunResponse, error) {
	var run RunResponse
	if err := c.do(ctx, http.MethodGet, "/runs/current", nil, &run); err != nil {
		return nil, err
	}

	return &run, nil
}

func (c *Client) Pause(ctx context.Context) (*RunResponse, error) {
	return c.control(ctx, "pause")
}

func (c *Client) Resume(ctx context.Context) (*RunResponse, error) {
	return c.control(ctx, "resume")
}

func (c *Client) Cancel(ctx context.Context) (*RunResponse, error) {
	return c.control(ctx, "cancel")
}

func (c *Client) Retry(ctx context.Context) (*RunResponse, error) {
	var run RunResponse
	if err := c.do(ctx, http.MethodPost, "/runs/retry", nil, &run); err != nil {
		return nil, err
	}

	return &run, nil
}

func (c *Client) Failures(ctx context.Context) ([]FailureResponse, error) {
	var failures []FailureResponse
	if err := c.do(ctx, http.MethodGet, "/failures", nil, &failures); err != nil {
		return nil, err
	}

	return failures, nil
}

func (c *Client) History(ctx context.Context) (*HistoryResponse, error) {
	var history HistoryResponse
	if err := c.do(ctx, http.MethodGet, "/history", nil, &history); err != nil {
		return nil, err
	}

	return &history, nil
}

func (c *Client) ClearHistory(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/history", nil, nil)
}

// Wait polls the current run every interval until it is completed or cancelled.
// onUpdate, when set, sees every snapshot.
func (c *Client) Wait(ctx context.Context, interval time.Duration, onUpdate func(*RunResponse)) (*RunResponse, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		run, err := c.Current(ctx)
		if err != nil {
			return nil, err
		}

		if onUpdate != nil {
			onUpdate(run)
		}

		if run.Status == "completed" || run.Status == "cancelled" {
			return run, nil
		}

		select {
		case <-ctx.Done():
			return run, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *Client) control(ctx context.Context, action string) (*RunResponse, error) {
	var run RunResponse
	if err := c.do(ctx, http.MethodPost, "/runs/current/"+action, nil, &run); err != nil {
		return nil, err
	}

	return &run, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader

	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}

		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to call run api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&errResp)

		return &APIError{StatusCode: resp.StatusCode, Message: errResp.Error}
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return nil
}
