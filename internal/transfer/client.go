package transfer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/italolelis/bulk_downloader/internal/logctx"
)

const maxErrorBody = 64 * 1024

// ItemClient performs the transfer of a single item.
type ItemClient interface {
	Fetch(ctx context.Context, itemID string) (*Payload, error)
}

// Reconciler asks the origin which items this identity obtained recently.
type Reconciler interface {
	CheckRecentlyDownloaded(ctx context.Context, ids []string) (map[string]bool, error)
}

// Payload is an open transfer. The caller must close Body.
type Payload struct {
	Body          io.ReadCloser
	SuggestedName string
	Artist        string
	Title         string
	ContentType   string
	Size          int64 // -1 when unknown
}

// Options configures the HTTP client.
type Options struct {
	BaseURL string
	Token   string
	// Timeout bounds the wait for response headers. Streaming the body is
	// bounded only by the request context.
	Timeout   time.Duration
	RateLimit float64 // requests per second, 0 disables limiting
}

// Client talks to the item transfer and reconciliation endpoints.
type Client struct {
	baseURL *url.URL
	http    *http.Client // carries the API token
	payload *http.Client // no credentials, for pointers to other hosts
	limiter *rate.Limiter
}

type pointerResponse struct {
	URL      string `json:"url"`
	Filename string `json:"filename"`
	Artist   string `json:"artist"`
	Title    string `json:"title"`
}

type errorResponse struct {
	Reason  string `json:"reason"`
	Message string `json:"message"`
}

type recentRequest struct {
	IDs []string `json:"ids"`
}

type recentResponse struct {
	Recent map[string]bool `json:"recent"`
}

func NewClient(opts Options) (*Client, error) {
	base, err := url.Parse(strings.TrimRight(opts.BaseURL, "/"))
	if err != nil {
		return nil, fmt.Errorf("invalid base url %q: %w", opts.BaseURL, err)
	}

	if base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid base url %q: scheme and host are required", opts.BaseURL)
	}

	roundTripper := http.DefaultTransport.(*http.Transport).Clone()
	roundTripper.ResponseHeaderTimeout = opts.Timeout

	plain := otelhttp.NewTransport(roundTripper)

	var transport http.RoundTripper = plain
	if opts.Token != "" {
		transport = &oauth2.Transport{
			Source: oauth2.StaticTokenSource(&oauth2.Token{AccessToken: opts.Token}),
			Base:   plain,
		}
	}

	c := &Client{
		baseURL: base,
		http:    &http.Client{Transport: transport},
		payload: &http.Client{Transport: plain},
	}

	if opts.RateLimit > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), 1)
	}

	return c, nil
}

// Fetch requests the transfer of itemID. The response is either the payload
// itself or a JSON pointer to it, which is followed.
func (c *Client) Fetch(ctx context.Context, itemID string) (*Payload, error) {
	logger := logctx.LoggerFromContext(ctx).With("item_id", itemID)

	resp, err := c.do(ctx, c.http, http.MethodPost, c.endpoint("items", itemID, "download"), nil)
	if err != nil {
		return nil, &NetworkError{Operation: "fetch_item", APIMessage: err.Error(), Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()

		return nil, decodeError("fetch_item", itemID, resp)
	}

	if !isJSON(resp.Header.Get("Content-Type")) {
		return payloadFromResponse(resp, "", "", ""), nil
	}

	defer resp.Body.Close()

	var ptr pointerResponse
	if err := json.NewDecoder(resp.Body).Decode(&ptr); err != nil {
		return nil, &ValidationError{ItemID: itemID, Reason: "malformed transfer response", Err: err}
	}

	if ptr.URL == "" {
		return nil, &ValidationError{ItemID: itemID, Reason: "transfer response has no payload url"}
	}

	target, err := c.baseURL.Parse(ptr.URL)
	if err != nil {
		return nil, &ValidationError{ItemID: itemID, Reason: "invalid payload url", Err: err}
	}

	// the API token never leaves the API host
	client := c.http
	if !c.sameOrigin(target) {
		client = c.payload
	}

	logger.DebugContext(ctx, "following payload pointer", "host", target.Host, "authenticated", client == c.http)

	payloadResp, err := c.do(ctx, client, http.MethodGet, target.String(), nil)
	if err != nil {
		return nil, &NetworkError{Operation: "fetch_payload", APIMessage: err.Error(), Err: err}
	}

	if payloadResp.StatusCode < 200 || payloadResp.StatusCode > 299 {
		defer payloadResp.Body.Close()

		return nil, decodeError("fetch_payload", itemID, payloadResp)
	}

	return payloadFromResponse(payloadResp, ptr.Filename, ptr.Artist, ptr.Title), nil
}

// CheckRecentlyDownloaded asks the origin about all ids in one request.
func (c *Client) CheckRecentlyDownloaded(ctx context.Context, ids []string) (map[string]bool, error) {
	if len(ids) == 0 {
		return map[string]bool{}, nil
	}

	body, err := json.Marshal(recentRequest{IDs: ids})
	if err != nil {
		return nil, fmt.Errorf("failed to encode reconcile request: %w", err)
	}

	resp, err := c.do(ctx, c.http, http.MethodPost, c.endpoint("downloads", "recent"), body)
	if err != nil {
		return nil, &NetworkError{Operation: "check_recent", APIMessage: err.Error(), Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, decodeError("check_recent", "", resp)
	}

	var out recentResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, &ValidationError{Reason: "malformed reconcile response", Err: err}
	}

	if out.Recent == nil {
		out.Recent = map[string]bool{}
	}

	return out.Recent, nil
}

func (c *Client) endpoint(segments ...string) string {
	escaped := make([]string, len(segments))
	for i, s := range segments {
		escaped[i] = url.PathEscape(s)
	}

	return c.baseURL.String() + "/" + strings.Join(escaped, "/")
}

func (c *Client) sameOrigin(target *url.URL) bool {
	return strings.EqualFold(target.Scheme, c.baseURL.Scheme) && strings.EqualFold(target.Host, c.baseURL.Host)
}

func (c *Client) do(ctx context.Context, client *http.Client, method, target string, body []byte) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, err
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return client.Do(req)
}

func payloadFromResponse(resp *http.Response, name, artist, title string) *Payload {
	if name == "" {
		name = filenameFromDisposition(resp.Header.Get("Content-Disposition"))
	}

	if artist == "" {
		artist = resp.Header.Get("X-Artist")
	}

	if title == "" {
		title = resp.Header.Get("X-Title")
	}

	return &Payload{
		Body:          resp.Body,
		SuggestedName: name,
		Artist:        artist,
		Title:         title,
		ContentType:   resp.Header.Get("Content-Type"),
		Size:          resp.ContentLength,
	}
}

func filenameFromDisposition(header string) string {
	if header == "" {
		return ""
	}

	_, params, err := mime.ParseMediaType(header)
	if err != nil {
		return ""
	}

	return params["filename"]
}

func isJSON(contentType string) bool {
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}

	return mediaType == "application/json"
}

// decodeError turns a non-2xx response into one of the typed errors.
func decodeError(operation, itemID string, resp *http.Response) error {
	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

	var body errorResponse
	if err := json.Unmarshal(raw, &body); err != nil || body.Message == "" {
		body.Message = strings.TrimSpace(string(raw))
		if body.Message == "" {
			body.Message = http.StatusText(resp.StatusCode)
		}
	}

	switch {
	case body.Reason == ReasonAlreadyDownloaded:
		return &AlreadyObtainedError{ItemID: itemID, Message: body.Message}
	case resp.StatusCode == http.StatusNotFound || body.Reason == ReasonNotFound:
		return &NotFoundError{ItemID: itemID, Message: body.Message}
	case resp.StatusCode == http.StatusBadRequest ||
		resp.StatusCode == http.StatusUnprocessableEntity ||
		body.Reason == ReasonValidation:
		return &ValidationError{ItemID: itemID, Reason: body.Message}
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return &AuthenticationError{Operation: operation, Err: errors.New(body.Message)}
	default:
		return &NetworkError{Operation: operation, StatusCode: resp.StatusCode, APIMessage: body.Message}
	}
}
